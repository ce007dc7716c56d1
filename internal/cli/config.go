package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/dwasm/internal/compiler"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration of a dwasm process.
// A coordinator reads the coordinator and compiler sections, a worker reads
// the worker section. Both read metrics and log.
type Config struct {
	Coordinator struct {
		Listen          string        `yaml:"listen"`
		HealthPort      int           `yaml:"health_port"` // 0 disables
		DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
		MaxJobs         int           `yaml:"max_jobs"` // 0 keeps every job
		IDSpace         int32         `yaml:"id_space"`
		MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	} `yaml:"coordinator"`

	Compiler compiler.Config `yaml:"compiler"`

	Worker struct {
		Listen           string        `yaml:"listen"`
		Port             int           `yaml:"port"` // advertised port, 0 uses the listen port
		CoordinatorURL   string        `yaml:"coordinator_url"`
		NumCPU           int           `yaml:"num_cpu"`            // 0 detects
		MemoryCapacityMB int           `yaml:"memory_capacity_mb"` // 0 detects
		Concurrency      int           `yaml:"concurrency"`
		ExecTimeout      time.Duration `yaml:"exec_timeout"`
		MaxPayloadBytes  int64         `yaml:"max_payload_bytes"` // /accept_job body limit, base64 included
		HealthPort       int           `yaml:"health_port"` // 0 disables
		RegisterInterval time.Duration `yaml:"register_interval"`
		RegisterAttempts int           `yaml:"register_attempts"` // 0 retries until shutdown
	} `yaml:"worker"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	var cfg Config

	cfg.Coordinator.Listen = ":3030"
	cfg.Coordinator.HealthPort = 3032
	cfg.Coordinator.DispatchTimeout = 60 * time.Second
	cfg.Coordinator.MaxJobs = 10000
	cfg.Coordinator.MaxBodyBytes = 64 << 10

	cfg.Compiler.Binary = "rustc"
	cfg.Compiler.Target = "wasm32-wasip1"
	cfg.Compiler.Timeout = 60 * time.Second

	cfg.Worker.Listen = ":3031"
	cfg.Worker.CoordinatorURL = "http://127.0.0.1:3030"
	cfg.Worker.Concurrency = 1
	cfg.Worker.ExecTimeout = 30 * time.Second
	cfg.Worker.MaxPayloadBytes = 16 << 20
	cfg.Worker.HealthPort = 3033
	cfg.Worker.RegisterInterval = 2 * time.Second

	cfg.Metrics.Enabled = true

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

// loadConfig reads path over the defaults. An empty path returns the
// defaults unchanged.
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Coordinator.IDSpace < 0 {
		return fmt.Errorf("coordinator.id_space must not be negative")
	}
	if c.Worker.NumCPU < 0 || c.Worker.MemoryCapacityMB < 0 {
		return fmt.Errorf("worker capacity must not be negative")
	}
	if c.Worker.MaxPayloadBytes < 0 {
		return fmt.Errorf("worker.max_payload_bytes must not be negative")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// newLogger builds the process logger from the log section.
func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	level, err := parseLevel(cfg.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Log.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}
