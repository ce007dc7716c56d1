package worker

import (
	"time"

	"github.com/ChuLiYu/dwasm/pkg/types"
)

// Task is one module execution queued on the pool.
type Task struct {
	ID      string            // request identifier, used for logging
	Payload types.WasmPayload // compiled module and job name
	Reply   chan<- Result     // receives exactly one Result; must have room for it
}

// Result is the outcome of a Task.
type Result struct {
	TaskID   string
	Output   string        // captured stdout on success
	Err      error         // *RuntimeError, or a recovered panic
	Duration time.Duration // time spent in the sandbox
}
