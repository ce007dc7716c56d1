// ============================================================================
// dwasm Worker Registry - known execution nodes
// ============================================================================
//
// Package: internal/registry
// File: worker_registry.go
// Purpose: Tracks every worker that has registered with the coordinator.
//
// Keying:
//   Workers are keyed by the address the coordinator observed on the
//   registration connection. A second registration from the same address
//   replaces the first one entirely and brings the worker back online.
//
// Reservation:
//   The dispatcher selects on a Snapshot and then calls Reserve. Reserve is a
//   compare-and-set on busy, so two dispatches that picked the same idle
//   worker cannot both win it.
//
// ============================================================================

package registry

import (
	"net"
	"sort"
	"sync"

	"github.com/ChuLiYu/dwasm/pkg/types"
)

// FallbackAddress is used when the remote address cannot be parsed.
const FallbackAddress = "127.0.0.1"

// WorkerRegistry is the coordinator's view of registered workers.
type WorkerRegistry struct {
	mu      sync.RWMutex
	workers map[string]*types.Worker
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{
		workers: make(map[string]*types.Worker),
	}
}

// NormalizeAddress returns the IP part of remote, or FallbackAddress when
// remote is empty or not an IP. remote may carry a port.
func NormalizeAddress(remote string) string {
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return FallbackAddress
	}
	return ip.String()
}

// Register upserts w under w.Address. Registration always clears Offline.
func (r *WorkerRegistry) Register(w types.Worker) types.Worker {
	w.Offline = false

	r.mu.Lock()
	defer r.mu.Unlock()
	stored := w
	r.workers[w.Address] = &stored
	return stored
}

// Get returns a copy of the worker registered under addr.
func (r *WorkerRegistry) Get(addr string) (types.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[addr]
	if !ok {
		return types.Worker{}, false
	}
	return *w, true
}

// Snapshot returns copies of all workers sorted by address.
func (r *WorkerRegistry) Snapshot() []types.Worker {
	r.mu.RLock()
	out := make([]types.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// SetBusy sets the busy flag. It reports false for unknown addresses.
func (r *WorkerRegistry) SetBusy(addr string, busy bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[addr]
	if !ok {
		return false
	}
	w.Busy = busy
	return true
}

// SetOffline sets the offline flag. It reports false for unknown addresses.
func (r *WorkerRegistry) SetOffline(addr string, offline bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[addr]
	if !ok {
		return false
	}
	w.Offline = offline
	return true
}

// Reserve marks an available worker busy. It reports false when the worker
// is unknown, busy or offline.
func (r *WorkerRegistry) Reserve(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[addr]
	if !ok || !w.Available() {
		return false
	}
	w.Busy = true
	return true
}

// MarkOffline takes a worker out of rotation after a transport failure.
func (r *WorkerRegistry) MarkOffline(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[addr]
	if !ok {
		return false
	}
	w.Offline = true
	w.Busy = false
	return true
}

// Len returns the number of registered workers.
func (r *WorkerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Available counts workers that are neither busy nor offline.
func (r *WorkerRegistry) Available() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, w := range r.workers {
		if w.Available() {
			n++
		}
	}
	return n
}
