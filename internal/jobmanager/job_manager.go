// ============================================================================
// dwasm Job Manager - job registry
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: Holds every submitted job and its lifecycle state.
//
// State machine:
//   Queued
//      ↓ dispatcher reserved a worker
//   Running
//      ↓ worker replied / failed / async update
//   Succeeded | Failed
//
//   Compile and scheduling failures go straight from Queued to Failed.
//
// Id allocation:
//   Ids are drawn at random from [0, idSpace) and redrawn on collision. The
//   draw and the insert happen under the same lock, so no concurrent Create
//   can observe or claim an id between generation and insertion. Create
//   refuses to draw once the registry holds idSpace entries, which keeps the
//   retry loop finite.
//
// Retention:
//   maxJobs == 0 means the registry grows for the process lifetime.
//   maxJobs > 0 evicts the oldest terminal job when full; with no terminal
//   job to evict, Create fails with ErrRegistryFull.
//
// Concurrency:
//   One sync.RWMutex guards the map. Callers never get a pointer into the
//   map: Get/Update/List return copies, and Update applies its mutator while
//   holding the write lock.
//
// ============================================================================

package jobmanager

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ChuLiYu/dwasm/pkg/types"
)

// DefaultIDSpace is the exclusive upper bound of generated ids.
const DefaultIDSpace int32 = 100_000_000

var (
	// ErrJobNotFound is returned for ids that are not in the registry.
	ErrJobNotFound = errors.New("job not found")
	// ErrIDSpaceExhausted is returned when every id in the space is taken.
	ErrIDSpaceExhausted = errors.New("job id space exhausted")
	// ErrRegistryFull is returned when maxJobs is reached and nothing can be evicted.
	ErrRegistryFull = errors.New("job registry full")
)

// IDSource returns a pseudo-random value in [0, n).
type IDSource func(n int32) int32

// Option configures a JobManager.
type Option func(*JobManager)

// WithIDSpace bounds generated ids to [0, n). Values <= 0 are ignored.
func WithIDSpace(n int32) Option {
	return func(jm *JobManager) {
		if n > 0 {
			jm.idSpace = n
		}
	}
}

// WithIDSource replaces the random number source used for ids.
func WithIDSource(src IDSource) Option {
	return func(jm *JobManager) {
		if src != nil {
			jm.idSource = src
		}
	}
}

// WithMaxJobs caps the registry size; 0 disables the cap.
func WithMaxJobs(n int) Option {
	return func(jm *JobManager) {
		if n >= 0 {
			jm.maxJobs = n
		}
	}
}

// WithClock overrides time.Now, used by tests that need fixed timestamps.
func WithClock(now func() time.Time) Option {
	return func(jm *JobManager) {
		if now != nil {
			jm.now = now
		}
	}
}

// JobManager is the in-memory job registry.
type JobManager struct {
	mu       sync.RWMutex
	jobs     map[types.JobID]*types.Job
	order    []types.JobID // creation order, used for eviction and List
	idSpace  int32
	idSource IDSource
	maxJobs  int
	now      func() time.Time
}

// NewJobManager creates an empty registry.
func NewJobManager(opts ...Option) *JobManager {
	jm := &JobManager{
		jobs:     make(map[types.JobID]*types.Job),
		order:    make([]types.JobID, 0),
		idSpace:  DefaultIDSpace,
		idSource: rand.Int32N,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(jm)
	}
	return jm
}

// Create inserts a Queued job for req and returns a copy of it.
func (jm *JobManager) Create(req types.JobRequest) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if jm.maxJobs > 0 && len(jm.jobs) >= jm.maxJobs {
		if !jm.evictOldestTerminalLocked() {
			return types.Job{}, ErrRegistryFull
		}
	}
	if int64(len(jm.jobs)) >= int64(jm.idSpace) {
		return types.Job{}, ErrIDSpaceExhausted
	}

	var id types.JobID
	for {
		id = types.JobID(jm.idSource(jm.idSpace))
		if _, taken := jm.jobs[id]; !taken {
			break
		}
	}

	job := &types.Job{
		ID:        id,
		Request:   req,
		State:     types.StateQueued,
		CreatedAt: jm.now().UnixMilli(),
	}
	jm.jobs[id] = job
	jm.order = append(jm.order, id)
	return *job, nil
}

// Get returns a copy of the job with the given id.
func (jm *JobManager) Get(id types.JobID) (types.Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, ok := jm.jobs[id]
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	return *job, nil
}

// Update applies mutate to the job while holding the write lock and returns
// the resulting copy. The id cannot be changed by the mutator.
func (jm *JobManager) Update(id types.JobID, mutate func(*types.Job)) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[id]
	if !ok {
		return types.Job{}, ErrJobNotFound
	}
	mutate(job)
	job.ID = id
	return *job, nil
}

// List returns copies of all jobs in creation order.
func (jm *JobManager) List() []types.Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	out := make([]types.Job, 0, len(jm.order))
	for _, id := range jm.order {
		out = append(out, *jm.jobs[id])
	}
	return out
}

// Stats counts jobs per state.
func (jm *JobManager) Stats() types.JobStats {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var s types.JobStats
	for _, job := range jm.jobs {
		switch job.State {
		case types.StateQueued:
			s.Queued++
		case types.StateRunning:
			s.Running++
		case types.StateSucceeded:
			s.Succeeded++
		case types.StateFailed:
			s.Failed++
		}
	}
	return s
}

// Len returns the number of jobs held.
func (jm *JobManager) Len() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.jobs)
}

// evictOldestTerminalLocked drops the oldest Succeeded/Failed job.
// Caller must hold jm.mu for writing.
func (jm *JobManager) evictOldestTerminalLocked() bool {
	for i, id := range jm.order {
		if jm.jobs[id].State.Terminal() {
			delete(jm.jobs, id)
			jm.order = append(jm.order[:i], jm.order[i+1:]...)
			return true
		}
	}
	return false
}
