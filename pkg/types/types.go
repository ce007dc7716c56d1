// Package types defines the domain model shared by the coordinator, the
// workers and the CLI. JSON field names are the wire format of the HTTP API.
package types

import (
	"errors"
	"strings"
)

// JobID identifies a job within the coordinator's registry.
type JobID int32

// JobState is the lifecycle state of a job.
type JobState string

const (
	StateQueued    JobState = "Queued"    // accepted, not yet on a worker
	StateRunning   JobState = "Running"   // dispatched to a worker
	StateSucceeded JobState = "Succeeded" // worker returned captured output
	StateFailed    JobState = "Failed"    // compile, scheduling, transport or sandbox failure
)

// Terminal reports whether no further transition is expected.
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Valid reports whether s is one of the known states.
func (s JobState) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateSucceeded, StateFailed:
		return true
	}
	return false
}

var (
	ErrEmptySource    = errors.New("rust_src must not be empty")
	ErrInvalidCPUs    = errors.New("cpus must be greater than zero")
	ErrInvalidMemory  = errors.New("memory_mb must be greater than zero")
	ErrInvalidJobName = errors.New("job_name must not contain path separators")
)

// JobRequest is the client-supplied description of a job. It is never
// modified after submission.
type JobRequest struct {
	Source   string `json:"rust_src"`
	CPUs     int    `json:"cpus"`
	MemoryMB int    `json:"memory_mb"`
	Name     string `json:"job_name"`
}

// Validate checks the fields a coordinator needs before accepting a job.
func (r JobRequest) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return ErrEmptySource
	}
	if r.CPUs <= 0 {
		return ErrInvalidCPUs
	}
	if r.MemoryMB <= 0 {
		return ErrInvalidMemory
	}
	if strings.ContainsAny(r.Name, `/\`) || r.Name == "." || r.Name == ".." {
		return ErrInvalidJobName
	}
	return nil
}

// Job is the coordinator-owned lifecycle record of a submitted job.
// Timestamps are Unix milliseconds, 0 meaning unset.
type Job struct {
	ID         JobID      `json:"job_id"`
	Request    JobRequest `json:"job"`
	State      JobState   `json:"state"`
	Finished   bool       `json:"finished"`
	CreatedAt  int64      `json:"created_at"`
	StartedAt  int64      `json:"started_at"`
	FinishedAt int64      `json:"finished_at"`
	Output     string     `json:"exec_output"`
	Worker     string     `json:"worker,omitempty"`
}

// Finish moves the job into a terminal state. finishedAt must be non-zero.
func (j *Job) Finish(state JobState, output string, finishedAt int64) {
	j.State = state
	j.Finished = true
	j.Output = output
	j.FinishedAt = finishedAt
}

// JobUpdate is reported by a worker that completes a job asynchronously.
// State is optional and defaults to Succeeded.
type JobUpdate struct {
	JobID      JobID    `json:"job_id"`
	Output     string   `json:"exec_output"`
	FinishedAt int64    `json:"finished_at"`
	State      JobState `json:"state,omitempty"`
}

// CreateJobResponse is returned by POST /new_job.
type CreateJobResponse struct {
	ID      JobID  `json:"id"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Message string `json:"message"`
}

// Worker is a registered execution node. Address is the registry key and is
// always the transport-observed source address of the registration call.
type Worker struct {
	Address          string `json:"ip_addr"`
	Port             int    `json:"port"`
	CPUs             int    `json:"num_cpu"`
	MemoryCapacityMB int    `json:"memory_capacity_mb"`
	Busy             bool   `json:"is_busy"`
	Offline          bool   `json:"offline"`
}

// Available reports whether the worker may be selected for a dispatch.
func (w Worker) Available() bool {
	return !w.Busy && !w.Offline
}

// WasmPayload carries a compiled artifact to a worker.
type WasmPayload struct {
	Payload []byte `json:"payload"`
	JobName string `json:"job_name"`
}

// WasmRunResult is the worker's reply to a successful run.
type WasmRunResult struct {
	Output string `json:"output"`
}

// JobStats counts registry entries by state.
type JobStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Total is the number of jobs in the registry.
func (s JobStats) Total() int {
	return s.Queued + s.Running + s.Succeeded + s.Failed
}
