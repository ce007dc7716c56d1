// ============================================================================
// dwasm Worker Sandbox - WASI execution
// ============================================================================
//
// Package: internal/worker
// File: sandbox.go
// Purpose: Runs one compiled module and captures what it writes to stdout.
//
// Isolation:
//   - a fresh wazero runtime per run, closed when the run returns
//   - WASI preview1 only; no preopened directories, no sockets
//   - stdin empty, stdout/stderr captured into bounded buffers
//   - argv = job name followed by the configured guest args
//   - linear memory capped at MemoryLimitMB
//   - execution cancelled when the timeout expires
//
// Exit semantics:
//   Returning from _start or calling proc_exit(0) is success. Any other exit
//   code, a trap, or a module that fails to compile or link is a
//   *RuntimeError.
//
// ============================================================================

package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

const (
	DefaultExecTimeout = 30 * time.Second
	DefaultOutputLimit = 1 << 20

	wasmPageSize = 64 << 10
	maxWasmPages = 65536
)

// RuntimeError is a failed sandbox run.
type RuntimeError struct {
	Reason   string
	ExitCode uint32 // set when the guest exited with a non-zero code
	Stderr   string
	Err      error
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

func (e *RuntimeError) Error() string {
	msg := e.Reason
	if e.ExitCode != 0 {
		msg = fmt.Sprintf("%s (exit code %d)", msg, e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// ErrExecTimeout is wrapped by the RuntimeError of a run that ran out of time.
var ErrExecTimeout = errors.New("execution timed out")

// Runner executes a compiled module.
type Runner interface {
	Run(ctx context.Context, wasm []byte, jobName string) (string, error)
}

// SandboxConfig configures a Sandbox.
type SandboxConfig struct {
	MemoryLimitMB int           // 0 leaves wazero's default (4 GiB)
	Timeout       time.Duration // per-run wall clock limit
	OutputLimit   int           // bytes of stdout kept; extra output is dropped
	GuestArgs     []string      // appended to argv after the job name
}

// Sandbox runs modules with wazero.
type Sandbox struct {
	config SandboxConfig
}

// NewSandbox creates a sandbox; zero config fields take defaults.
func NewSandbox(config SandboxConfig) *Sandbox {
	if config.Timeout <= 0 {
		config.Timeout = DefaultExecTimeout
	}
	if config.OutputLimit <= 0 {
		config.OutputLimit = DefaultOutputLimit
	}
	return &Sandbox{config: config}
}

// memoryPages converts a MiB limit into 64 KiB wasm pages.
func memoryPages(mb int) uint32 {
	pages := int64(mb) * (1 << 20) / wasmPageSize
	if pages > maxWasmPages {
		pages = maxWasmPages
	}
	return uint32(pages)
}

// Run instantiates wasm, runs its _start export and returns its stdout.
func (s *Sandbox) Run(ctx context.Context, wasm []byte, jobName string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if s.config.MemoryLimitMB > 0 {
		rc = rc.WithMemoryLimitPages(memoryPages(s.config.MemoryLimitMB))
	}
	r := wazero.NewRuntimeWithConfig(ctx, rc)
	defer r.Close(context.Background())

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		return "", fmt.Errorf("instantiate wasi: %w", err)
	}

	compiled, err := r.CompileModule(ctx, wasm)
	if err != nil {
		return "", &RuntimeError{Reason: "invalid module: " + err.Error()}
	}

	stdout := &cappedBuffer{limit: s.config.OutputLimit}
	stderr := &cappedBuffer{limit: s.config.OutputLimit}
	args := append([]string{jobName}, s.config.GuestArgs...)

	mc := wazero.NewModuleConfig().
		WithName("").
		WithArgs(args...).
		WithStdin(bytes.NewReader(nil)).
		WithStdout(stdout).
		WithStderr(stderr)

	mod, err := r.InstantiateModule(ctx, compiled, mc)
	if mod != nil {
		defer mod.Close(context.Background())
	}
	if err == nil {
		return stdout.String(), nil
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch {
		case exitErr.ExitCode() == 0:
			return stdout.String(), nil
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return "", &RuntimeError{
				Reason: fmt.Sprintf("%s after %s", ErrExecTimeout, s.config.Timeout),
				Stderr: stderr.String(),
				Err:    ErrExecTimeout,
			}
		case ctx.Err() != nil:
			return "", &RuntimeError{Reason: "execution cancelled", Stderr: stderr.String(), Err: ctx.Err()}
		default:
			return "", &RuntimeError{
				Reason:   "module exited",
				ExitCode: exitErr.ExitCode(),
				Stderr:   stderr.String(),
			}
		}
	}
	return "", &RuntimeError{Reason: err.Error(), Stderr: stderr.String()}
}

// cappedBuffer keeps the first limit bytes written to it and drops the rest.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return b.buf.String()
}
