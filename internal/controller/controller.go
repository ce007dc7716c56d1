// ============================================================================
// dwasm Controller - dispatch coordinator
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: Drives a submitted job from source code to a terminal state.
//
// Pipeline (one call to Submit):
//   1. jobs.Create          → Queued
//   2. compiler.Compile     → Failed on diagnostics
//   3. scheduler.Select     → Failed when no worker is available
//   4. workers.Reserve      → Running, worker busy
//   5. executor.Execute     → Succeeded | Failed
//   6. worker released, or marked offline if it could not be reached
//
//   Submit returns once the job is terminal. There is no queue: a job that
//   finds no worker fails immediately.
//
// Locking:
//   The job registry and the worker registry each guard their own state.
//   The controller never holds either lock across compile or dispatch, so
//   status queries and registrations are served while jobs are running.
//
// Dispatch ownership:
//   Submit claims a job before marking it Running and drops the claim only
//   after the job is terminal. While a claim is held the worker stays busy,
//   even if an asynchronous update finishes the job first.
//
// Reservation races:
//   Two Submits can select the same idle worker from their snapshots. Only
//   one wins Reserve; the other selects again from a fresh snapshot, up to
//   ReserveAttempts times.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/dwasm/internal/client"
	"github.com/ChuLiYu/dwasm/internal/compiler"
	"github.com/ChuLiYu/dwasm/internal/jobmanager"
	"github.com/ChuLiYu/dwasm/internal/metrics"
	"github.com/ChuLiYu/dwasm/internal/registry"
	"github.com/ChuLiYu/dwasm/internal/scheduler"
	"github.com/ChuLiYu/dwasm/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultDispatchTimeout = 60 * time.Second
	DefaultReserveAttempts = 3
)

var (
	ErrInvalidRequest    = errors.New("invalid job request")
	ErrCompile           = errors.New("compilation failed")
	ErrNoSuitableWorker  = scheduler.ErrNoSuitableWorker
	ErrWorkerUnreachable = errors.New("worker unreachable")
	ErrSandbox           = errors.New("sandbox execution failed")
	ErrIDMismatch        = errors.New("job id in body does not match path")
	ErrInvalidUpdate     = errors.New("update state must be Succeeded or Failed")
)

// Executor runs a compiled module on a worker and returns its stdout.
// Failures reported by the worker itself must be *client.ExecutionError;
// any other error is treated as the worker being unreachable.
type Executor interface {
	Execute(ctx context.Context, w types.Worker, payload types.WasmPayload) (string, error)
}

// Config tunes the controller.
type Config struct {
	DispatchTimeout time.Duration // upper bound on one Execute call
	ReserveAttempts int           // re-selections after a lost Reserve race
}

// Deps are the collaborators of a Controller. Compiler and Executor are
// required; the rest default to fresh instances.
type Deps struct {
	Compiler compiler.Compiler
	Executor Executor
	Jobs     *jobmanager.JobManager
	Workers  *registry.WorkerRegistry
	Metrics  *metrics.Collector
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Controller coordinates the job and worker registries.
type Controller struct {
	jobs     *jobmanager.JobManager
	workers  *registry.WorkerRegistry
	compiler compiler.Compiler
	executor Executor
	metrics  *metrics.Collector
	log      *slog.Logger
	now      func() time.Time
	config   Config

	mu       sync.Mutex
	inflight map[types.JobID]string // job -> worker address, while Submit owns it
}

// NewController wires a controller from config and deps.
func NewController(config Config, deps Deps) (*Controller, error) {
	if deps.Compiler == nil {
		return nil, errors.New("controller: compiler is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("controller: executor is required")
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = DefaultDispatchTimeout
	}
	if config.ReserveAttempts <= 0 {
		config.ReserveAttempts = DefaultReserveAttempts
	}

	c := &Controller{
		jobs:     deps.Jobs,
		workers:  deps.Workers,
		compiler: deps.Compiler,
		executor: deps.Executor,
		metrics:  deps.Metrics,
		log:      deps.Logger,
		now:      deps.Clock,
		config:   config,
		inflight: make(map[types.JobID]string),
	}
	if c.jobs == nil {
		c.jobs = jobmanager.NewJobManager()
	}
	if c.workers == nil {
		c.workers = registry.NewWorkerRegistry()
	}
	if c.metrics == nil {
		c.metrics = metrics.NewCollector(prometheus.NewRegistry())
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Submit runs req to completion and returns its id. The id is valid whenever
// the job was created, even if err is non-nil.
//
// The pipeline is detached from ctx cancellation: a client that disconnects
// does not abort a dispatch that already holds a worker. Values carried by
// ctx are kept.
func (c *Controller) Submit(ctx context.Context, req types.JobRequest) (types.JobID, error) {
	if err := req.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	job, err := c.jobs.Create(req)
	if err != nil {
		return 0, err
	}
	c.metrics.RecordSubmitted()
	c.refreshGauges()
	log := c.log.With("job_id", job.ID, "job_name", req.Name)
	log.Info("job submitted", "cpus", req.CPUs, "memory_mb", req.MemoryMB)

	ctx = context.WithoutCancel(ctx)

	wasm, err := c.compiler.Compile(ctx, req.Source, req.Name)
	if err != nil {
		c.fail(job, metrics.ReasonCompile, compileOutput(err))
		log.Warn("compile failed", "error", err)
		return job.ID, fmt.Errorf("%w: %w", ErrCompile, err)
	}

	worker, err := c.reserveWorker(req)
	if err != nil {
		c.fail(job, metrics.ReasonNoWorker, fmt.Sprintf(
			"no suitable worker available for cpus=%d memory_mb=%d", req.CPUs, req.MemoryMB))
		log.Warn("no suitable worker", "registered", c.workers.Len())
		return job.ID, err
	}

	c.claim(job.ID, worker.Address)
	if _, err := c.jobs.Update(job.ID, func(j *types.Job) {
		j.State = types.StateRunning
		j.StartedAt = c.now().UnixMilli()
		j.Worker = worker.Address
	}); err != nil {
		c.release(job.ID, worker.Address, false)
		return job.ID, err
	}
	c.metrics.RecordDispatched()
	c.refreshGauges()
	log.Info("job dispatched", "worker", worker.Address,
		"cost", scheduler.Cost(req.CPUs, req.MemoryMB, worker))

	dctx, cancel := context.WithTimeout(ctx, c.config.DispatchTimeout)
	output, err := c.executor.Execute(dctx, worker, types.WasmPayload{Payload: wasm, JobName: req.Name})
	cancel()

	var execErr *client.ExecutionError
	switch {
	case err == nil:
		c.succeed(job, output)
		c.release(job.ID, worker.Address, false)
		log.Info("job succeeded", "worker", worker.Address)
		return job.ID, nil

	case errors.As(err, &execErr):
		c.fail(job, metrics.ReasonSandbox, execErr.Message)
		c.release(job.ID, worker.Address, false)
		log.Warn("job failed on worker", "worker", worker.Address, "error", execErr.Message)
		return job.ID, fmt.Errorf("%w: %w", ErrSandbox, err)

	default:
		c.fail(job, metrics.ReasonUnreachable, "worker unavailable: "+err.Error())
		c.release(job.ID, worker.Address, true)
		log.Error("worker unreachable, marked offline", "worker", worker.Address, "error", err)
		return job.ID, fmt.Errorf("%w: %s: %w", ErrWorkerUnreachable, worker.Address, err)
	}
}

// reserveWorker selects and reserves the cheapest available worker.
func (c *Controller) reserveWorker(req types.JobRequest) (types.Worker, error) {
	for attempt := 0; attempt < c.config.ReserveAttempts; attempt++ {
		addr, err := scheduler.Select(req.CPUs, req.MemoryMB, c.workers.Snapshot())
		if err != nil {
			return types.Worker{}, err
		}
		if !c.workers.Reserve(addr) {
			continue
		}
		w, ok := c.workers.Get(addr)
		if !ok {
			continue
		}
		return w, nil
	}
	return types.Worker{}, ErrNoSuitableWorker
}

func (c *Controller) claim(id types.JobID, addr string) {
	c.mu.Lock()
	c.inflight[id] = addr
	c.mu.Unlock()
}

// release drops the claim on id and frees addr, or takes it out of
// rotation when offline is set.
func (c *Controller) release(id types.JobID, addr string, offline bool) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()

	if offline {
		c.workers.MarkOffline(addr)
	} else {
		c.workers.SetBusy(addr, false)
	}
	c.refreshGauges()
}

func (c *Controller) claimed(id types.JobID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[id]
	return ok
}

// finish moves the job to state. The record always takes the new result;
// it reports whether this was the job's first terminal transition.
func (c *Controller) finish(id types.JobID, state types.JobState, output string, finishedAt int64) bool {
	first := false
	_, _ = c.jobs.Update(id, func(j *types.Job) {
		first = !j.State.Terminal()
		j.Finish(state, output, finishedAt)
	})
	return first
}

func (c *Controller) succeed(job types.Job, output string) {
	finishedAt := c.now().UnixMilli()
	if c.finish(job.ID, types.StateSucceeded, output, finishedAt) {
		c.metrics.RecordCompleted(c.latency(job, finishedAt))
	}
	c.refreshGauges()
}

func (c *Controller) fail(job types.Job, reason, output string) {
	finishedAt := c.now().UnixMilli()
	if c.finish(job.ID, types.StateFailed, output, finishedAt) {
		c.metrics.RecordFailed(reason, c.latency(job, finishedAt))
	}
	c.refreshGauges()
}

func (c *Controller) latency(job types.Job, finishedAt int64) float64 {
	return float64(finishedAt-job.CreatedAt) / 1000
}

func compileOutput(err error) string {
	var ce *compiler.CompileError
	if errors.As(err, &ce) {
		return ce.Stderr
	}
	return err.Error()
}

// ApplyUpdate records an asynchronous completion report. The state defaults
// to Succeeded and finished_at to the current time. The last report wins.
// A worker held by an in-flight Submit is left busy; Submit frees it.
func (c *Controller) ApplyUpdate(id types.JobID, u types.JobUpdate) (types.Job, error) {
	if u.JobID != id {
		return types.Job{}, ErrIDMismatch
	}
	state := u.State
	if state == "" {
		state = types.StateSucceeded
	}
	if !state.Terminal() {
		return types.Job{}, ErrInvalidUpdate
	}
	finishedAt := u.FinishedAt
	if finishedAt <= 0 {
		finishedAt = c.now().UnixMilli()
	}

	var (
		prev  types.Job
		owned bool
	)
	job, err := c.jobs.Update(id, func(j *types.Job) {
		prev = *j
		owned = c.claimed(id)
		j.Finish(state, u.Output, finishedAt)
	})
	if err != nil {
		return types.Job{}, err
	}

	if prev.State == types.StateRunning && prev.Worker != "" && !owned {
		c.workers.SetBusy(prev.Worker, false)
	}
	if !prev.State.Terminal() {
		if state == types.StateSucceeded {
			c.metrics.RecordCompleted(c.latency(prev, finishedAt))
		} else {
			c.metrics.RecordFailed(metrics.ReasonUpdate, c.latency(prev, finishedAt))
		}
	}
	c.refreshGauges()
	c.log.Info("job updated", "job_id", id, "state", state)
	return job, nil
}

// Job returns the job record for id.
func (c *Controller) Job(id types.JobID) (types.Job, error) {
	return c.jobs.Get(id)
}

// Jobs returns every job in creation order.
func (c *Controller) Jobs() []types.Job {
	return c.jobs.List()
}

// RegisterWorker upserts w. The caller has already set w.Address.
func (c *Controller) RegisterWorker(w types.Worker) types.Worker {
	stored := c.workers.Register(w)
	c.refreshGauges()
	c.log.Info("worker registered", "addr", stored.Address, "port", stored.Port,
		"num_cpu", stored.CPUs, "memory_capacity_mb", stored.MemoryCapacityMB)
	return stored
}

// Workers returns a snapshot of registered workers.
func (c *Controller) Workers() []types.Worker {
	return c.workers.Snapshot()
}

// Stats returns job counts by state.
func (c *Controller) Stats() types.JobStats {
	return c.jobs.Stats()
}

func (c *Controller) refreshGauges() {
	c.metrics.UpdateJobStats(c.jobs.Stats())
	c.metrics.UpdateWorkers(c.workers.Len(), c.workers.Available())
}
