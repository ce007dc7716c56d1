// Package client holds the HTTP clients for the coordinator and worker APIs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/ChuLiYu/dwasm/pkg/types"
)

// maxErrorBody bounds how much of a non-2xx body is read into an error.
const maxErrorBody = 64 << 10

// ExecutionError is a non-2xx reply. The request reached the peer, which
// answered with an error.
type ExecutionError struct {
	StatusCode int
	Message    string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

// StatusCode extracts the HTTP status of an *ExecutionError, or 0.
func StatusCode(err error) int {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.StatusCode
	}
	return 0
}

type base struct {
	http    *http.Client
	baseURL string
}

func newBase(c *http.Client, baseURL string) base {
	if c == nil {
		c = http.DefaultClient
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return base{http: c, baseURL: baseURL}
}

// do sends body as JSON (nil for no body) and decodes a 2xx reply into out.
// Non-2xx replies are returned as *ExecutionError. When errOut is non-nil the
// error body is also decoded into it.
func (b base) do(ctx context.Context, method, path string, body, out, errOut any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(raw))
		var er types.ErrorResponse
		if json.Unmarshal(raw, &er) == nil && er.Message != "" {
			msg = er.Message
		}
		if errOut != nil {
			_ = json.Unmarshal(raw, errOut)
		}
		return &ExecutionError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ============================================================================
// Coordinator
// ============================================================================

// Coordinator talks to the coordinator's HTTP API.
type Coordinator struct {
	base
}

// NewCoordinator creates a client for baseURL, e.g. "http://127.0.0.1:3030".
func NewCoordinator(c *http.Client, baseURL string) *Coordinator {
	return &Coordinator{base: newBase(c, baseURL)}
}

// Submit posts a new job. On a 503 the returned response still carries the
// id of the failed job alongside the *ExecutionError.
func (c *Coordinator) Submit(ctx context.Context, req types.JobRequest) (types.CreateJobResponse, error) {
	var resp types.CreateJobResponse
	var failed types.CreateJobResponse
	if err := c.do(ctx, http.MethodPost, "/new_job", req, &resp, &failed); err != nil {
		return failed, err
	}
	return resp, nil
}

// Status fetches the job record for id.
func (c *Coordinator) Status(ctx context.Context, id types.JobID) (types.Job, error) {
	var job types.Job
	err := c.do(ctx, http.MethodGet, "/job_status?id="+strconv.Itoa(int(id)), nil, &job, nil)
	return job, err
}

// Update reports an asynchronous completion.
func (c *Coordinator) Update(ctx context.Context, u types.JobUpdate) (types.Job, error) {
	var job types.Job
	err := c.do(ctx, http.MethodPost, "/job_update/"+strconv.Itoa(int(u.JobID)), u, &job, nil)
	return job, err
}

// Register announces a worker. The coordinator replaces Address with the
// address it observed.
func (c *Coordinator) Register(ctx context.Context, w types.Worker) (types.Worker, error) {
	var out types.Worker
	err := c.do(ctx, http.MethodPost, "/register_worker", w, &out, nil)
	return out, err
}

// Workers lists registered workers.
func (c *Coordinator) Workers(ctx context.Context) ([]types.Worker, error) {
	var out []types.Worker
	err := c.do(ctx, http.MethodGet, "/workers", nil, &out, nil)
	return out, err
}

// Stats returns job counts by state.
func (c *Coordinator) Stats(ctx context.Context) (types.JobStats, error) {
	var out types.JobStats
	err := c.do(ctx, http.MethodGet, "/stats", nil, &out, nil)
	return out, err
}

// ============================================================================
// Worker
// ============================================================================

// Worker dispatches artifacts to worker endpoints.
type Worker struct {
	http *http.Client
}

// NewWorker creates a dispatch client.
func NewWorker(c *http.Client) *Worker {
	if c == nil {
		c = http.DefaultClient
	}
	return &Worker{http: c}
}

// WorkerURL is the base URL of w's endpoint.
func WorkerURL(w types.Worker) string {
	return "http://" + net.JoinHostPort(w.Address, strconv.Itoa(w.Port))
}

// Execute posts payload to w's /accept_job and returns the captured stdout.
// A reply other than 200 is an *ExecutionError; anything else is a
// transport failure.
func (c *Worker) Execute(ctx context.Context, w types.Worker, payload types.WasmPayload) (string, error) {
	var res types.WasmRunResult
	b := base{http: c.http, baseURL: WorkerURL(w)}
	if err := b.do(ctx, http.MethodPost, "/accept_job", payload, &res, nil); err != nil {
		return "", err
	}
	return res.Output, nil
}
