// Package scheduler picks the worker a job is dispatched to.
//
// The cost of placing a job on a worker is the weighted distance between
// what the job asks for and what the worker advertises:
//
//	cost = 0.5*|cpus - num_cpu| + 0.5*|memory_mb - memory_capacity_mb|
//
// The cheapest available worker wins. Workers are compared in the order
// given, and a later worker must be strictly cheaper to replace the current
// pick, so ties go to the earlier one.
package scheduler

import (
	"errors"
	"math"

	"github.com/ChuLiYu/dwasm/pkg/types"
)

const (
	CPUWeight    = 0.5
	MemoryWeight = 0.5
)

// ErrNoSuitableWorker is returned when no worker is available.
var ErrNoSuitableWorker = errors.New("no suitable worker")

// Cost returns the placement cost of a (cpus, memMB) job on w.
func Cost(cpus, memMB int, w types.Worker) float64 {
	return CPUWeight*math.Abs(float64(cpus-w.CPUs)) +
		MemoryWeight*math.Abs(float64(memMB-w.MemoryCapacityMB))
}

// Select returns the address of the cheapest available worker in workers.
// Capacity is not a hard filter: a worker smaller than the request is still
// eligible if it is the closest match.
func Select(cpus, memMB int, workers []types.Worker) (string, error) {
	best := ""
	bestCost := math.Inf(1)
	for _, w := range workers {
		if !w.Available() {
			continue
		}
		if c := Cost(cpus, memMB, w); c < bestCost {
			best, bestCost = w.Address, c
		}
	}
	if best == "" {
		return "", ErrNoSuitableWorker
	}
	return best, nil
}
