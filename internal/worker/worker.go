// ============================================================================
// dwasm Worker - task execution unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: One goroutine of the pool. Each Worker repeatedly takes a Task
// from the shared channel, runs it in the sandbox and replies on the task's
// own channel.
//
// Execution model:
//   ┌─────────────────────────────────────┐
//   │  Worker goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ select taskCh / stopCh       │   │
//   │  │   ├─ runner.Run(ctx, ...)    │   │
//   │  │   ├─ recover() on panic      │   │
//   │  │   └─ task.Reply <- result    │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Timeouts are enforced by the runner. A panic inside one task is turned
// into that task's error and the goroutine keeps serving.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Worker is a single execution goroutine.
type Worker struct {
	id     int
	taskCh <-chan Task
	stopCh <-chan struct{}
	runner Runner
	log    *slog.Logger
}

func newWorker(id int, taskCh <-chan Task, stopCh <-chan struct{}, runner Runner, logger *slog.Logger) *Worker {
	return &Worker{
		id:     id,
		taskCh: taskCh,
		stopCh: stopCh,
		runner: runner,
		log:    logger.With("worker", id),
	}
}

// Run serves tasks until stopCh is closed.
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.execute(task)
			select {
			case task.Reply <- result:
			default:
				w.log.Warn("result dropped, reply channel full", "task", task.ID)
			}
		}
	}
}

func (w *Worker) execute(task Task) (result Result) {
	start := time.Now()
	result.TaskID = task.ID

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("task panicked", "task", task.ID, "panic", r)
			result.Output = ""
			result.Err = fmt.Errorf("sandbox panic: %v", r)
		}
		result.Duration = time.Since(start)
	}()

	result.Output, result.Err = w.runner.Run(context.Background(), task.Payload.Payload, task.Payload.JobName)
	return result
}
