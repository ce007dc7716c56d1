// ============================================================================
// dwasm CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the coordinator, the worker and the
//          client operations against a running coordinator.
//
// Command Structure:
//   dwasm                          # Root command
//   ├── coordinator                # Serve the coordinator API
//   ├── worker [-- guest args]     # Serve /accept_job and register
//   ├── run <file.rs>              # Submit a job and print its id
//   ├── status --id N [--json]     # Show one job
//   ├── workers                    # List registered workers
//   ├── stats                      # Job counts by state
//   └── health --addr host:port    # gRPC health check
//
//   --config, -c   YAML config (default: configs/default.yaml; built-in
//                  defaults when the default file is absent)
//
// Signal Handling:
//   coordinator and worker run until SIGINT or SIGTERM, then stop accepting
//   requests, let in-flight handlers finish and report NOT_SERVING on the
//   health service.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ChuLiYu/dwasm/internal/client"
	"github.com/ChuLiYu/dwasm/internal/compiler"
	"github.com/ChuLiYu/dwasm/internal/controller"
	"github.com/ChuLiYu/dwasm/internal/jobmanager"
	"github.com/ChuLiYu/dwasm/internal/metrics"
	"github.com/ChuLiYu/dwasm/internal/server"
	"github.com/ChuLiYu/dwasm/internal/worker"
	"github.com/ChuLiYu/dwasm/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	defaultConfigPath     = "configs/default.yaml"
	defaultCoordinatorURL = "http://127.0.0.1:3030"
	clientTimeout         = 2 * time.Minute
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

type rootOptions struct {
	configFile string
}

// BuildCLI assembles the dwasm command tree.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "dwasm",
		Short: "dwasm: distributed Rust-to-WASM job runner",
		Long: `dwasm compiles submitted Rust programs to wasm32-wasip1 on a coordinator,
dispatches each module to the cheapest idle worker and runs it in a WASI
sandbox, returning the captured stdout.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(buildCoordinatorCommand(opts))
	rootCmd.AddCommand(buildWorkerCommand(opts))
	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildWorkersCommand())
	rootCmd.AddCommand(buildStatsCommand())
	rootCmd.AddCommand(buildHealthCommand())

	return rootCmd
}

// resolveConfig loads the config named by --config. A missing file is only
// an error when the flag was set explicitly.
func (o *rootOptions) resolveConfig(cmd *cobra.Command) (*Config, error) {
	path := o.configFile
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}
	return loadConfig(path)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// metricsFor returns the registerer and gatherer a process reports to. With
// metrics disabled the collector still works but nothing is exposed.
func metricsFor(cfg *Config) (prometheus.Registerer, prometheus.Gatherer) {
	if cfg.Metrics.Enabled {
		return prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	}
	return prometheus.NewRegistry(), nil
}

// ============================================================================
// coordinator
// ============================================================================

func buildCoordinatorCommand(opts *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Start the coordinator",
		Long:  "Serve /new_job, /job_status, /job_update, /register_worker and the operator endpoints.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolveConfig(cmd)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Coordinator.Listen = listen
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runCoordinator(ctx, cfg, newLogger(cfg, cmd.ErrOrStderr()), nil)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override coordinator.listen")
	return cmd
}

// runCoordinator serves until ctx is cancelled. ln may be nil.
func runCoordinator(ctx context.Context, cfg *Config, logger *slog.Logger, ln net.Listener) error {
	slog.SetDefault(logger)
	registerer, gatherer := metricsFor(cfg)

	jobOpts := []jobmanager.Option{jobmanager.WithMaxJobs(cfg.Coordinator.MaxJobs)}
	if cfg.Coordinator.IDSpace > 0 {
		jobOpts = append(jobOpts, jobmanager.WithIDSpace(cfg.Coordinator.IDSpace))
	}

	ctrl, err := controller.NewController(
		controller.Config{DispatchTimeout: cfg.Coordinator.DispatchTimeout},
		controller.Deps{
			Compiler: compiler.NewRustc(cfg.Compiler, logger.With("component", "compiler")),
			Executor: client.NewWorker(&http.Client{}),
			Jobs:     jobmanager.NewJobManager(jobOpts...),
			Metrics:  metrics.NewCollector(registerer),
			Logger:   logger.With("component", "controller"),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	if cfg.Coordinator.HealthPort > 0 {
		hs, err := startHealthServer(cfg.Coordinator.HealthPort, "dwasm.coordinator", logger)
		if err != nil {
			return err
		}
		defer hs.stop()
	}

	srv := server.New(ctrl, server.Config{
		Listen:       cfg.Coordinator.Listen,
		MaxBodyBytes: cfg.Coordinator.MaxBodyBytes,
		Metrics:      gatherer,
	}, logger.With("component", "http"))

	logger.Info("coordinator starting",
		"listen", cfg.Coordinator.Listen,
		"rustc", cfg.Compiler.Binary,
		"target", cfg.Compiler.Target,
		"metrics", cfg.Metrics.Enabled)
	if err := srv.Run(ctx, ln); err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	logger.Info("coordinator stopped")
	return nil
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand(opts *rootOptions) *cobra.Command {
	var coordinatorURL string

	cmd := &cobra.Command{
		Use:   "worker [-- guest-args...]",
		Short: "Start a worker",
		Long: `Serve /accept_job, register with the coordinator and run modules in a
WASI sandbox. Arguments after -- are passed to every module after its name.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolveConfig(cmd)
			if err != nil {
				return err
			}
			if coordinatorURL != "" {
				cfg.Worker.CoordinatorURL = coordinatorURL
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runWorker(ctx, cfg, args, newLogger(cfg, cmd.ErrOrStderr()), nil)
		},
	}
	cmd.Flags().StringVar(&coordinatorURL, "coordinator", "", "override worker.coordinator_url")
	return cmd
}

// resolveCapacity fills unset capacity fields from detect. The sandbox
// memory limit and the registration both use the result.
func resolveCapacity(ctx context.Context, cfg *Config, detect func(context.Context) (worker.Capacity, error)) (worker.Capacity, error) {
	capacity := worker.Capacity{CPUs: cfg.Worker.NumCPU, MemoryMB: cfg.Worker.MemoryCapacityMB}
	if capacity.CPUs > 0 && capacity.MemoryMB > 0 {
		return capacity, nil
	}
	detected, err := detect(ctx)
	if err != nil {
		return worker.Capacity{}, err
	}
	if capacity.CPUs <= 0 {
		capacity.CPUs = detected.CPUs
	}
	if capacity.MemoryMB <= 0 {
		capacity.MemoryMB = detected.MemoryMB
	}
	return capacity, nil
}

// runWorker serves until ctx is cancelled. ln may be nil.
func runWorker(ctx context.Context, cfg *Config, guestArgs []string, logger *slog.Logger, ln net.Listener) error {
	slog.SetDefault(logger)
	registerer, gatherer := metricsFor(cfg)

	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", cfg.Worker.Listen)
		if err != nil {
			return fmt.Errorf("worker listener: %w", err)
		}
	}
	port := cfg.Worker.Port
	if port == 0 {
		port = ln.Addr().(*net.TCPAddr).Port
	}

	capacity, err := resolveCapacity(ctx, cfg, worker.DetectCapacity)
	if err != nil {
		ln.Close()
		return fmt.Errorf("worker capacity: %w", err)
	}

	sandbox := worker.NewSandbox(worker.SandboxConfig{
		MemoryLimitMB: capacity.MemoryMB,
		Timeout:       cfg.Worker.ExecTimeout,
		GuestArgs:     guestArgs,
	})
	pool := worker.NewPool(cfg.Worker.Concurrency, sandbox, logger.With("component", "pool"))
	if err := pool.Start(cfg.Worker.Concurrency); err != nil {
		ln.Close()
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	defer pool.Stop()

	if cfg.Worker.HealthPort > 0 {
		hs, err := startHealthServer(cfg.Worker.HealthPort, "dwasm.worker", logger)
		if err != nil {
			ln.Close()
			return err
		}
		defer hs.stop()
	}

	ep := worker.NewEndpoint(pool, metrics.NewCollector(registerer), worker.EndpointConfig{
		Listen:          cfg.Worker.Listen,
		MaxPayloadBytes: cfg.Worker.MaxPayloadBytes,
		Metrics:         gatherer,
	}, logger.With("component", "http"))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- ep.Run(ctx, ln) }()

	registrar := worker.NewRegistrar(
		client.NewCoordinator(&http.Client{Timeout: 10 * time.Second}, cfg.Worker.CoordinatorURL),
		worker.RegistrarConfig{
			Port:        port,
			Capacity:    capacity,
			Interval:    cfg.Worker.RegisterInterval,
			MaxAttempts: cfg.Worker.RegisterAttempts,
		},
		logger.With("component", "registrar"),
	)
	if _, err := registrar.Register(ctx); err != nil && ctx.Err() == nil {
		cancel()
		<-serveErr
		return fmt.Errorf("worker registration: %w", err)
	}

	if err := <-serveErr; err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	logger.Info("worker stopped")
	return nil
}

// ============================================================================
// Client commands
// ============================================================================

func coordinatorFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "coordinator", defaultCoordinatorURL, "coordinator base URL")
}

func buildRunCommand() *cobra.Command {
	var (
		coordinatorURL string
		req            types.JobRequest
	)

	cmd := &cobra.Command{
		Use:   "run <source.rs>",
		Short: "Submit a Rust program and print its job id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read source file: %w", err)
			}
			req.Source = string(src)
			if err := req.Validate(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()

			c := client.NewCoordinator(&http.Client{}, coordinatorURL)
			resp, err := c.Submit(ctx, req)
			out := cmd.OutOrStdout()
			if err != nil {
				if resp.ID != 0 {
					fmt.Fprintln(out, sprintfS("error", "job %d failed: %s", resp.ID, resp.Message))
				}
				return err
			}
			fmt.Fprintln(out, sprintfS("success", "%d", resp.ID))
			return nil
		},
	}
	coordinatorFlag(cmd, &coordinatorURL)
	cmd.Flags().IntVar(&req.CPUs, "cpus", 1, "requested CPUs")
	cmd.Flags().IntVar(&req.MemoryMB, "memory-mb", 128, "requested memory in MB")
	cmd.Flags().StringVar(&req.Name, "job-name", "", "job name passed to the module as argv[0]")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	var (
		coordinatorURL string
		id             int64
		asJSON         bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id < 0 || id > int64(^uint32(0)>>1) {
				return fmt.Errorf("--id must be a non-negative 32-bit integer")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			job, err := client.NewCoordinator(&http.Client{}, coordinatorURL).Status(ctx, types.JobID(id))
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), job)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJob(job))
			return nil
		},
	}
	coordinatorFlag(cmd, &coordinatorURL)
	cmd.Flags().Int64Var(&id, "id", 0, "job id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw job record")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func buildWorkersCommand() *cobra.Command {
	var (
		coordinatorURL string
		asJSON         bool
	)

	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List registered workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			workers, err := client.NewCoordinator(&http.Client{}, coordinatorURL).Workers(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), workers)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderWorkers(workers))
			return nil
		},
	}
	coordinatorFlag(cmd, &coordinatorURL)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func buildStatsCommand() *cobra.Command {
	var coordinatorURL string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			stats, err := client.NewCoordinator(&http.Client{}, coordinatorURL).Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStats(stats))
			return nil
		},
	}
	coordinatorFlag(cmd, &coordinatorURL)
	return cmd
}

func buildHealthCommand() *cobra.Command {
	var (
		addr    string
		service string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a process's gRPC health service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			status, body, err := checkHealth(ctx, addr, service)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), body)
			if status != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("%s is %s", addr, status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", net.JoinHostPort("127.0.0.1", strconv.Itoa(DefaultConfig().Coordinator.HealthPort)), "health server address")
	cmd.Flags().StringVar(&service, "service", "", "service name, empty for the whole process")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "check timeout")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
