package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/dwasm/pkg/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const DefaultRegisterInterval = 2 * time.Second

// Registerer announces a worker to the coordinator.
type Registerer interface {
	Register(ctx context.Context, w types.Worker) (types.Worker, error)
}

// Capacity is what a worker advertises.
type Capacity struct {
	CPUs     int
	MemoryMB int
}

// DetectCapacity reads the logical CPU count and total memory of the host.
func DetectCapacity(ctx context.Context) (Capacity, error) {
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return Capacity{}, fmt.Errorf("count cpus: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Capacity{}, fmt.Errorf("read memory: %w", err)
	}
	return Capacity{CPUs: cpus, MemoryMB: int(vm.Total >> 20)}, nil
}

// RegistrarConfig configures a Registrar.
type RegistrarConfig struct {
	Port        int
	Capacity    Capacity // zero fields are detected
	Interval    time.Duration
	MaxAttempts int // 0 retries until ctx is done
}

// Registrar registers the worker with the coordinator at startup.
type Registrar struct {
	coord  Registerer
	config RegistrarConfig
	detect func(context.Context) (Capacity, error)
	log    *slog.Logger
}

// NewRegistrar creates a registrar that talks to coord.
func NewRegistrar(coord Registerer, config RegistrarConfig, logger *slog.Logger) *Registrar {
	if config.Interval <= 0 {
		config.Interval = DefaultRegisterInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{coord: coord, config: config, detect: DetectCapacity, log: logger}
}

// Announcement builds the registration body. Configured capacity wins over
// detected capacity.
func (r *Registrar) Announcement(ctx context.Context) (types.Worker, error) {
	capacity := r.config.Capacity
	if capacity.CPUs <= 0 || capacity.MemoryMB <= 0 {
		detected, err := r.detect(ctx)
		if err != nil {
			return types.Worker{}, err
		}
		if capacity.CPUs <= 0 {
			capacity.CPUs = detected.CPUs
		}
		if capacity.MemoryMB <= 0 {
			capacity.MemoryMB = detected.MemoryMB
		}
	}
	return types.Worker{
		Port:             r.config.Port,
		CPUs:             capacity.CPUs,
		MemoryCapacityMB: capacity.MemoryMB,
	}, nil
}

// Register announces the worker, retrying every Interval until it succeeds,
// MaxAttempts is reached or ctx is cancelled.
func (r *Registrar) Register(ctx context.Context) (types.Worker, error) {
	w, err := r.Announcement(ctx)
	if err != nil {
		return types.Worker{}, err
	}

	attempt := 0
	for {
		attempt++
		stored, err := r.coord.Register(ctx, w)
		if err == nil {
			r.log.Info("registered with coordinator",
				"addr", stored.Address, "port", stored.Port,
				"num_cpu", stored.CPUs, "memory_capacity_mb", stored.MemoryCapacityMB,
				"attempts", attempt)
			return stored, nil
		}

		r.log.Warn("registration failed", "attempt", attempt, "error", err)
		if r.config.MaxAttempts > 0 && attempt >= r.config.MaxAttempts {
			return types.Worker{}, fmt.Errorf("register after %d attempts: %w", attempt, err)
		}

		select {
		case <-time.After(r.config.Interval):
		case <-ctx.Done():
			return types.Worker{}, errors.Join(ctx.Err(), err)
		}
	}
}
