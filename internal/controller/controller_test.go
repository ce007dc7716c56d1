package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/dwasm/internal/client"
	"github.com/ChuLiYu/dwasm/internal/compiler"
	"github.com/ChuLiYu/dwasm/internal/jobmanager"
	"github.com/ChuLiYu/dwasm/internal/metrics"
	"github.com/ChuLiYu/dwasm/internal/registry"
	"github.com/ChuLiYu/dwasm/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type fakeCompiler struct {
	err   error
	calls atomic.Int32
}

func (f *fakeCompiler) Compile(_ context.Context, source, name string) ([]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []byte("wasm:" + source), nil
}

type executeFunc func(ctx context.Context, w types.Worker, p types.WasmPayload) (string, error)

func (f executeFunc) Execute(ctx context.Context, w types.Worker, p types.WasmPayload) (string, error) {
	return f(ctx, w, p)
}

func echoExecutor() Executor {
	return executeFunc(func(_ context.Context, w types.Worker, p types.WasmPayload) (string, error) {
		return w.Address + ":" + string(p.Payload), nil
	})
}

type testEnv struct {
	ctrl     *Controller
	jobs     *jobmanager.JobManager
	workers  *registry.WorkerRegistry
	compiler *fakeCompiler
	reg      *prometheus.Registry
}

// createTestController creates a Controller with in-memory registries and a
// fake compiler.
func createTestController(t *testing.T, exec Executor, cfg Config) *testEnv {
	t.Helper()

	env := &testEnv{
		jobs:     jobmanager.NewJobManager(),
		workers:  registry.NewWorkerRegistry(),
		compiler: &fakeCompiler{},
		reg:      prometheus.NewRegistry(),
	}
	ctrl, err := NewController(cfg, Deps{
		Compiler: env.compiler,
		Executor: exec,
		Jobs:     env.jobs,
		Workers:  env.workers,
		Metrics:  metrics.NewCollector(env.reg),
	})
	require.NoError(t, err)
	env.ctrl = ctrl
	return env
}

func validRequest() types.JobRequest {
	return types.JobRequest{Source: "fn main() {}", CPUs: 2, MemoryMB: 1000, Name: "test"}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewController(t *testing.T) {
	_, err := NewController(Config{}, Deps{Executor: echoExecutor()})
	assert.Error(t, err, "compiler is required")

	_, err = NewController(Config{}, Deps{Compiler: &fakeCompiler{}})
	assert.Error(t, err, "executor is required")

	ctrl, err := NewController(Config{}, Deps{Compiler: &fakeCompiler{}, Executor: echoExecutor()})
	require.NoError(t, err)
	assert.Equal(t, DefaultDispatchTimeout, ctrl.config.DispatchTimeout)
	assert.Equal(t, DefaultReserveAttempts, ctrl.config.ReserveAttempts)
	assert.NotNil(t, ctrl.jobs)
	assert.NotNil(t, ctrl.workers)
}

func TestSubmitSuccess(t *testing.T) {
	env := createTestController(t, echoExecutor(), Config{})
	env.ctrl.RegisterWorker(types.Worker{Address: "10.0.0.1", Port: 3031, CPUs: 2, MemoryCapacityMB: 1000})

	id, err := env.ctrl.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	job, err := env.ctrl.Job(id)
	require.NoError(t, err)
	assert.Equal(t, types.StateSucceeded, job.State)
	assert.True(t, job.Finished)
	assert.NotZero(t, job.StartedAt)
	assert.NotZero(t, job.FinishedAt)
	assert.GreaterOrEqual(t, job.FinishedAt, job.StartedAt)
	assert.Equal(t, "10.0.0.1", job.Worker)
	assert.Equal(t, "10.0.0.1:wasm:fn main() {}", job.Output)

	w, ok := env.workers.Get("10.0.0.1")
	require.True(t, ok)
	assert.False(t, w.Busy, "worker must be released after success")
	assert.False(t, w.Offline)

	assert.Equal(t, 1.0, counterValue(t, env.reg, "dwasm_jobs_completed_total", nil))
	assert.Equal(t, 1.0, counterValue(t, env.reg, "dwasm_jobs_dispatched_total", nil))
}

func TestSubmitInvalidRequest(t *testing.T) {
	env := createTestController(t, echoExecutor(), Config{})

	req := validRequest()
	req.CPUs = 0
	_, err := env.ctrl.Submit(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.ErrorIs(t, err, types.ErrInvalidCPUs)
	assert.Equal(t, 0, env.jobs.Len(), "invalid requests never reach the registry")
}

func TestSubmitCompileError(t *testing.T) {
	env := createTestController(t, echoExecutor(), Config{})
	env.compiler.err = &compiler.CompileError{ExitCode: 1, Stderr: "error[E0425]: cannot find value `x`"}
	env.ctrl.RegisterWorker(types.Worker{Address: "10.0.0.1", CPUs: 2, MemoryCapacityMB: 1000})

	id, err := env.ctrl.Submit(context.Background(), validRequest())
	require.ErrorIs(t, err, ErrCompile)

	job, err := env.ctrl.Job(id)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, job.State)
	assert.NotZero(t, job.FinishedAt)
	assert.Zero(t, job.StartedAt, "a job that never ran has no start time")
	assert.Contains(t, job.Output, "E0425")

	w, _ := env.workers.Get("10.0.0.1")
	assert.False(t, w.Busy, "compile failures never reserve a worker")
	assert.Equal(t, 1.0, counterValue(t, env.reg, "dwasm_jobs_failed_total", map[string]string{"reason": metrics.ReasonCompile}))
}

func TestSubmitNoSuitableWorker(t *testing.T) {
	tests := []struct {
		name    string
		workers []types.Worker
	}{
		{name: "Empty registry"},
		{
			name: "All busy or offline",
			workers: []types.Worker{
				{Address: "10.0.0.1", CPUs: 2, MemoryCapacityMB: 1000, Busy: true},
				{Address: "10.0.0.2", CPUs: 2, MemoryCapacityMB: 1000},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := createTestController(t, echoExecutor(), Config{})
			for _, w := range tt.workers {
				env.ctrl.RegisterWorker(w)
				if w.Busy {
					env.workers.SetBusy(w.Address, true)
				} else {
					env.workers.SetOffline(w.Address, true)
				}
			}

			id, err := env.ctrl.Submit(context.Background(), validRequest())
			require.ErrorIs(t, err, ErrNoSuitableWorker)

			job, err := env.ctrl.Job(id)
			require.NoError(t, err)
			assert.Equal(t, types.StateFailed, job.State)
			assert.NotZero(t, job.FinishedAt)
			assert.Contains(t, job.Output, "no suitable worker")
		})
	}
}

func TestSubmitSandboxFailure(t *testing.T) {
	exec := executeFunc(func(context.Context, types.Worker, types.WasmPayload) (string, error) {
		return "", &client.ExecutionError{StatusCode: 422, Message: "wasm trap: unreachable"}
	})
	env := createTestController(t, exec, Config{})
	env.ctrl.RegisterWorker(types.Worker{Address: "10.0.0.1", CPUs: 2, MemoryCapacityMB: 1000})

	id, err := env.ctrl.Submit(context.Background(), validRequest())
	require.ErrorIs(t, err, ErrSandbox)

	job, _ := env.ctrl.Job(id)
	assert.Equal(t, types.StateFailed, job.State)
	assert.Equal(t, "wasm trap: unreachable", job.Output)

	w, _ := env.workers.Get("10.0.0.1")
	assert.False(t, w.Busy, "worker must be released after a sandbox failure")
	assert.False(t, w.Offline, "a worker that answered is still online")
}

func TestSubmitWorkerUnreachable(t *testing.T) {
	exec := executeFunc(func(context.Context, types.Worker, types.WasmPayload) (string, error) {
		return "", errors.New("dial tcp 10.0.0.1:3031: connection refused")
	})
	env := createTestController(t, exec, Config{})
	env.ctrl.RegisterWorker(types.Worker{Address: "10.0.0.1", CPUs: 2, MemoryCapacityMB: 1000})

	id, err := env.ctrl.Submit(context.Background(), validRequest())
	require.ErrorIs(t, err, ErrWorkerUnreachable)

	job, _ := env.ctrl.Job(id)
	assert.Equal(t, types.StateFailed, job.State)
	assert.Contains(t, job.Output, "worker unavailable")

	w, _ := env.workers.Get("10.0.0.1")
	assert.True(t, w.Offline)
	assert.False(t, w.Busy)

	// The offline worker is skipped by the next submission.
	_, err = env.ctrl.Submit(context.Background(), validRequest())
	require.ErrorIs(t, err, ErrNoSuitableWorker)

	// Re-registration brings it back.
	env.ctrl.RegisterWorker(types.Worker{Address: "10.0.0.1", CPUs: 2, MemoryCapacityMB: 1000})
	w, _ = env.workers.Get("10.0.0.1")
	assert.False(t, w.Offline)
}

func TestSubmitDispatchTimeout(t *testing.T) {
	exec := executeFunc(func(ctx context.Context, _ types.Worker, _ types.WasmPayload) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	env := createTestController(t, exec, Config{DispatchTimeout: 50 * time.Millisecond})
	env.ctrl.RegisterWorker(types.Worker{Address: "10.0.0.1", CPUs: 2, MemoryCapacityMB: 1000})

	start := time.Now()
	id, err := env.ctrl.Submit(context.Background(), validRequest())
	require.ErrorIs(t, err, ErrWorkerUnreachable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)

	job, _ := env.ctrl.Job(id)
	assert.Equal(t, types.StateFailed, job.State)
	w, _ := env.workers.Get("10.0.0.1")
	assert.True(t, w.Offline)
}

func TestSubmitIgnoresCallerCancellation(t *testing.T) {
	started := make(chan struct{})
	exec := executeFunc(func(ctx context.Context, _ types.Worker, _ types.WasmPayload) (string, error) {
		close(started)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(100 * time.Millisecond):
			return "done", nil
		}
	})
	env := createTestController(t, exec, Config{})
	env.ctrl.RegisterWorker(types.Worker{Address: "10.0.0.1", CPUs: 2, MemoryCapacityMB: 1000})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := env.ctrl.Submit(ctx, validRequest())
	require.NoError(t, err)
	w, _ := env.workers.Get("10.0.0.1")
	assert.False(t, w.Offline)
}

func TestSubmitPicksCheapestWorker(t *testing.T) {
	env := createTestController(t, echoExecutor(), Config{})
	env.ctrl.RegisterWorker(types.Worker{Address: "10.0.0.2", CPUs: 8, MemoryCapacityMB: 8000})
	env.ctrl.RegisterWorker(types.Worker{Address: "10.0.0.1", CPUs: 2, MemoryCapacityMB: 1000})

	id, err := env.ctrl.Submit(context.Background(), types.JobRequest{Source: "x", CPUs: 1, MemoryMB: 512, Name: "small"})
	require.NoError(t, err)
	job, _ := env.ctrl.Job(id)
	assert.Equal(t, "10.0.0.1", job.Worker)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentSubmitsNeverShareAWorker(t *testing.T) {
	var inFlight sync.Map
	var overlaps atomic.Int32
	exec := executeFunc(func(_ context.Context, w types.Worker, _ types.WasmPayload) (string, error) {
		if _, loaded := inFlight.LoadOrStore(w.Address, true); loaded {
			overlaps.Add(1)
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Delete(w.Address)
		return "ok", nil
	})
	env := createTestController(t, exec, Config{ReserveAttempts: 10})
	for _, addr := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		env.ctrl.RegisterWorker(types.Worker{Address: addr, CPUs: 2, MemoryCapacityMB: 1000})
	}

	const n = 3
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.ctrl.Submit(context.Background(), validRequest())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrNoSuitableWorker)
		}
	}
	assert.Zero(t, overlaps.Load(), "two jobs ran on the same worker at once")
	for _, w := range env.ctrl.Workers() {
		assert.False(t, w.Busy)
	}
}

func TestStatusReadableDuringDispatch(t *testing.T) {
	release := make(chan struct{})
	dispatched := make(chan struct{})
	exec := executeFunc(func(context.Context, types.Worker, types.WasmPayload) (string, error) {
		close(dispatched)
		<-release
		return "ok", nil
	})
	env := createTestController(t, exec, Config{})
	env.ctrl.RegisterWorker(types.Worker{Address: "10.0.0.1", CPUs: 2, MemoryCapacityMB: 1000})

	done := make(chan types.JobID)
	go func() {
		id, _ := env.ctrl.Submit(context.Background(), validRequest())
		done <- id
	}()

	<-dispatched
	jobs := env.ctrl.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, types.StateRunning, jobs[0].State)
	assert.Equal(t, 1, env.ctrl.Stats().Running)
	assert.True(t, env.ctrl.Workers()[0].Busy)

	close(release)
	id := <-done
	job, _ := env.ctrl.Job(id)
	assert.Equal(t, types.StateSucceeded, job.State)
}

// ============================================================================
// Async Update Tests
// ============================================================================

func TestApplyUpdate(t *testing.T) {
	env := createTestController(t, echoExecutor(), Config{})
	job, err := env.jobs.Create(validRequest())
	require.NoError(t, err)

	tests := []struct {
		name      string
		update    types.JobUpdate
		wantErr   error
		wantState types.JobState
	}{
		{
			name:    "Id mismatch",
			update:  types.JobUpdate{JobID: job.ID + 1, Output: "x"},
			wantErr: ErrIDMismatch,
		},
		{
			name:    "Non-terminal state",
			update:  types.JobUpdate{JobID: job.ID, State: types.StateRunning},
			wantErr: ErrInvalidUpdate,
		},
		{
			name:      "Defaults to Succeeded",
			update:    types.JobUpdate{JobID: job.ID, Output: "first"},
			wantState: types.StateSucceeded,
		},
		{
			name:      "Last write wins",
			update:    types.JobUpdate{JobID: job.ID, Output: "second", State: types.StateFailed, FinishedAt: 1234},
			wantState: types.StateFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.ctrl.ApplyUpdate(job.ID, tt.update)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, got.State)
			assert.Equal(t, tt.update.Output, got.Output)
			assert.True(t, got.Finished)
			if tt.update.FinishedAt != 0 {
				assert.Equal(t, tt.update.FinishedAt, got.FinishedAt)
			} else {
				assert.NotZero(t, got.FinishedAt)
			}
		})
	}

	// Only the first terminal transition is counted.
	assert.Equal(t, 1.0, counterValue(t, env.reg, "dwasm_jobs_completed_total", nil))
	assert.Equal(t, 0.0, counterValue(t, env.reg, "dwasm_jobs_failed_total", map[string]string{"reason": metrics.ReasonUpdate}))
}

func TestApplyUpdateUnknownJob(t *testing.T) {
	env := createTestController(t, echoExecutor(), Config{})
	_, err := env.ctrl.ApplyUpdate(99, types.JobUpdate{JobID: 99})
	require.ErrorIs(t, err, jobmanager.ErrJobNotFound)
}

// blockingExecutor holds every dispatch until release is closed and counts
// how many run at once per worker.
type blockingExecutor struct {
	dispatched chan struct{}
	release    chan struct{}
	mu         sync.Mutex
	active     map[string]int
	peak       int
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		dispatched: make(chan struct{}, 4),
		release:    make(chan struct{}),
		active:     make(map[string]int),
	}
}

func (b *blockingExecutor) Execute(_ context.Context, w types.Worker, _ types.WasmPayload) (string, error) {
	b.mu.Lock()
	b.active[w.Address]++
	if b.active[w.Address] > b.peak {
		b.peak = b.active[w.Address]
	}
	b.mu.Unlock()

	b.dispatched <- struct{}{}
	<-b.release

	b.mu.Lock()
	b.active[w.Address]--
	b.mu.Unlock()
	return "sync", nil
}

// startBlockedSubmit runs Submit in the background and waits until its
// dispatch reaches the executor.
func startBlockedSubmit(t *testing.T, env *testEnv, exec *blockingExecutor) (types.JobID, <-chan error) {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		_, err := env.ctrl.Submit(context.Background(), validRequest())
		done <- err
	}()
	select {
	case <-exec.dispatched:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch never reached the executor")
	}
	jobs := env.ctrl.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, types.StateRunning, jobs[0].State)
	return jobs[0].ID, done
}

func TestApplyUpdateDuringDispatchKeepsWorkerBusy(t *testing.T) {
	exec := newBlockingExecutor()
	env := createTestController(t, exec, Config{})
	env.ctrl.RegisterWorker(types.Worker{Address: "10.0.0.1", CPUs: 2, MemoryCapacityMB: 1000})

	id, done := startBlockedSubmit(t, env, exec)

	got, err := env.ctrl.ApplyUpdate(id, types.JobUpdate{JobID: id, Output: "async"})
	require.NoError(t, err)
	assert.Equal(t, types.StateSucceeded, got.State)

	w, _ := env.workers.Get("10.0.0.1")
	assert.True(t, w.Busy, "the running dispatch still owns the worker")

	_, err = env.ctrl.Submit(context.Background(), validRequest())
	require.ErrorIs(t, err, ErrNoSuitableWorker, "a busy worker takes no second job")

	close(exec.release)
	require.NoError(t, <-done)

	assert.Equal(t, 1, exec.peak, "never more than one dispatch per worker")
	w, _ = env.workers.Get("10.0.0.1")
	assert.False(t, w.Busy, "Submit frees the worker when its dispatch returns")

	job, err := env.ctrl.Job(id)
	require.NoError(t, err)
	assert.Equal(t, "sync", job.Output, "last write wins")
}

func TestTerminalTransitionCountedOnce(t *testing.T) {
	exec := newBlockingExecutor()
	env := createTestController(t, exec, Config{})
	env.ctrl.RegisterWorker(types.Worker{Address: "10.0.0.1", CPUs: 2, MemoryCapacityMB: 1000})

	id, done := startBlockedSubmit(t, env, exec)

	_, err := env.ctrl.ApplyUpdate(id, types.JobUpdate{JobID: id, State: types.StateFailed, Output: "async"})
	require.NoError(t, err)

	close(exec.release)
	require.NoError(t, <-done)

	job, err := env.ctrl.Job(id)
	require.NoError(t, err)
	assert.Equal(t, types.StateSucceeded, job.State)

	assert.Equal(t, 1.0, counterValue(t, env.reg, "dwasm_jobs_failed_total", map[string]string{"reason": metrics.ReasonUpdate}))
	assert.Equal(t, 0.0, counterValue(t, env.reg, "dwasm_jobs_completed_total", nil),
		"the late dispatch result is not counted again")
}

func TestApplyUpdateReleasesUnownedWorker(t *testing.T) {
	env := createTestController(t, echoExecutor(), Config{})
	env.ctrl.RegisterWorker(types.Worker{Address: "10.0.0.1", CPUs: 2, MemoryCapacityMB: 1000})
	require.True(t, env.workers.Reserve("10.0.0.1"))

	job, err := env.jobs.Create(validRequest())
	require.NoError(t, err)
	_, err = env.jobs.Update(job.ID, func(j *types.Job) {
		j.State = types.StateRunning
		j.Worker = "10.0.0.1"
	})
	require.NoError(t, err)

	_, err = env.ctrl.ApplyUpdate(job.ID, types.JobUpdate{JobID: job.ID, Output: "async"})
	require.NoError(t, err)

	w, _ := env.workers.Get("10.0.0.1")
	assert.False(t, w.Busy, "no dispatch holds the job")
}

func TestGaugesTrackRegistry(t *testing.T) {
	env := createTestController(t, echoExecutor(), Config{})
	env.ctrl.RegisterWorker(types.Worker{Address: "10.0.0.1", CPUs: 2, MemoryCapacityMB: 1000})
	env.ctrl.RegisterWorker(types.Worker{Address: "10.0.0.2", CPUs: 2, MemoryCapacityMB: 1000})

	_, err := env.ctrl.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(env.reg, "dwasm_workers_registered", "dwasm_jobs")
	require.NoError(t, err)
	assert.Equal(t, 5, n, "one registered gauge plus four state gauges")
}
