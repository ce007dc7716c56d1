// ============================================================================
// dwasm Compiler - Rust source to wasm32-wasip1
// ============================================================================
//
// Package: internal/compiler
// File: compiler.go
// Purpose: Turns a job's Rust source into a WASI module.
//
// Layout on disk:
//   <work_dir>/<uuid>/<name>.rs    source written from the request
//   <work_dir>/<uuid>/<name>.wasm  rustc output
//
//   Every compile gets its own directory so concurrent jobs with the same
//   name never share files. The directory is removed when Compile returns.
//
// ============================================================================

package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBinary  = "rustc"
	DefaultTarget  = "wasm32-wasip1"
	DefaultTimeout = 60 * time.Second
	defaultName    = "main"
)

// Compiler produces a WASI module from Rust source.
type Compiler interface {
	Compile(ctx context.Context, source, name string) ([]byte, error)
}

// CompileError carries the toolchain diagnostics of a failed compile.
type CompileError struct {
	ExitCode int
	Stderr   string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile failed (exit %d): %s", e.ExitCode, strings.TrimSpace(e.Stderr))
}

// ErrTimeout is returned when rustc exceeds the configured timeout.
var ErrTimeout = errors.New("compile timed out")

// Config configures Rustc. Zero values fall back to the defaults.
type Config struct {
	Binary  string        `yaml:"rustc"`
	Target  string        `yaml:"target"`
	WorkDir string        `yaml:"work_dir"`
	Timeout time.Duration `yaml:"timeout"`
}

// Rustc shells out to the Rust compiler.
type Rustc struct {
	binary  string
	target  string
	workDir string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRustc creates a compiler from cfg.
func NewRustc(cfg Config, logger *slog.Logger) *Rustc {
	r := &Rustc{
		binary:  strings.TrimSpace(cfg.Binary),
		target:  strings.TrimSpace(cfg.Target),
		workDir: strings.TrimSpace(cfg.WorkDir),
		timeout: cfg.Timeout,
		logger:  logger,
	}
	if r.binary == "" {
		r.binary = DefaultBinary
	}
	if r.target == "" {
		r.target = DefaultTarget
	}
	if r.workDir == "" {
		r.workDir = os.TempDir()
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Compile writes source to a fresh directory and runs
// `rustc <src> -o <out> --target <target>`.
func (r *Rustc) Compile(ctx context.Context, source, name string) ([]byte, error) {
	if name == "" {
		name = defaultName
	}
	name = filepath.Base(name)

	dir := filepath.Join(r.workDir, "dwasm-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Warn("cleanup compile dir failed", "dir", dir, "error", err)
		}
	}()

	src := filepath.Join(dir, name+".rs")
	out := filepath.Join(dir, name+".wasm")
	if err := os.WriteFile(src, []byte(source), 0o644); err != nil {
		return nil, fmt.Errorf("write source: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(execCtx, r.binary, src, "-o", out, "--target", r.target)
	cmd.Dir = dir
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s", ErrTimeout, r.timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &CompileError{ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return nil, fmt.Errorf("run %s: %w", r.binary, err)
	}

	wasm, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	r.logger.Debug("compiled job", "name", name, "bytes", len(wasm), "duration", time.Since(start))
	return wasm, nil
}
