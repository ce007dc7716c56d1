// ============================================================================
// dwasm Worker Pool - concurrent sandbox runs
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Purpose: Bounds how many modules a worker process runs at once.
//
// Architecture:
//   ┌─────────────┐
//   │  Endpoint   │ --Execute()--> taskCh
//   └─────────────┘
//         ↑
//     task.Reply
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// Lifecycle:
//   1. NewPool()  - create channels
//   2. Start(n)   - launch n Worker goroutines
//   3. Submit()   - queue a task until ctx is done; Execute() queues and waits
//   4. Stop()     - signal stopCh, wait for Workers to finish their task
//
// taskCh is never closed. Submit and the Workers both select on stopCh, so a
// Submit racing Stop returns ErrPoolClosed instead of sending on a closed
// channel.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ChuLiYu/dwasm/pkg/types"
)

var (
	// ErrPoolClosed is returned once Stop has been called.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted is returned before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
)

// Pool runs tasks on a fixed set of goroutines.
type Pool struct {
	workers []*Worker
	taskCh  chan Task
	stopCh  chan struct{}
	doneCh  chan struct{} // closed once every worker has returned
	runner  Runner
	log     *slog.Logger
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex
}

// NewPool creates a pool whose task queue holds bufferSize tasks.
func NewPool(bufferSize int, runner Runner, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		workers: make([]*Worker, 0),
		taskCh:  make(chan Task, bufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		runner:  runner,
		log:     logger,
	}
}

// Start launches workerCount goroutines.
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}
	if p.stopped {
		return ErrPoolClosed
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.stopCh, p.runner, p.log)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit queues task. It blocks while the queue is full, until ctx is done
// or the pool stops.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return ErrPoolNotStarted
	}
	if p.stopped {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.taskCh <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return ErrPoolClosed
	}
}

// Execute runs payload on the pool and waits for its result. ctx bounds the
// queueing and the wait, not the run itself; the sandbox applies its own
// timeout.
func (p *Pool) Execute(ctx context.Context, payload types.WasmPayload) (Result, error) {
	reply := make(chan Result, 1)
	task := Task{ID: uuid.NewString(), Payload: payload, Reply: reply}
	if err := p.Submit(ctx, task); err != nil {
		return Result{}, err
	}

	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-p.doneCh:
		// A worker may have finished the task before exiting.
		select {
		case res := <-reply:
			return res, nil
		default:
			return Result{}, ErrPoolClosed
		}
	}
}

// Stop signals the workers and waits for in-progress tasks to finish.
// Queued tasks that were never picked up fail with ErrPoolClosed.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	close(p.doneCh)
}

// GetWorkerCount returns the number of started workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted reports whether Start has succeeded.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
