package worker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ChuLiYu/dwasm/internal/httpkit"
	"github.com/ChuLiYu/dwasm/internal/metrics"
	"github.com/ChuLiYu/dwasm/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultMaxPayloadBytes bounds /accept_job bodies.
const DefaultMaxPayloadBytes = 1 << 20

// EndpointConfig configures the worker HTTP server.
type EndpointConfig struct {
	Listen          string
	MaxPayloadBytes int64
	Metrics         prometheus.Gatherer // nil disables /metrics
}

// Endpoint accepts modules from the coordinator and runs them on a Pool.
type Endpoint struct {
	pool      *Pool
	collector *metrics.Collector
	engine    *gin.Engine
	config    EndpointConfig
	log       *slog.Logger
}

// NewEndpoint builds the worker router. collector may be nil.
func NewEndpoint(pool *Pool, collector *metrics.Collector, config EndpointConfig, logger *slog.Logger) *Endpoint {
	if config.MaxPayloadBytes <= 0 {
		config.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Endpoint{
		pool:      pool,
		collector: collector,
		engine:    httpkit.NewEngine(logger),
		config:    config,
		log:       logger,
	}
	e.RegisterRoutes(e.engine.Group("/"))
	if config.Metrics != nil {
		e.engine.GET("/metrics", gin.WrapH(metrics.Handler(config.Metrics)))
	}
	return e
}

// RegisterRoutes mounts the worker API on g.
func (e *Endpoint) RegisterRoutes(g *gin.RouterGroup) {
	g.POST("/accept_job", httpkit.BodyLimit(e.config.MaxPayloadBytes), e.acceptJob)
}

// Handler returns the router as an http.Handler.
func (e *Endpoint) Handler() http.Handler {
	return e.engine
}

// Run serves on config.Listen (or ln when non-nil) until ctx is cancelled.
func (e *Endpoint) Run(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Addr:              e.config.Listen,
		Handler:           e.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return httpkit.Serve(ctx, srv, ln, e.log)
}

func (e *Endpoint) acceptJob(c *gin.Context) {
	var payload types.WasmPayload
	if !httpkit.BindJSON(c, &payload) {
		return
	}
	if len(payload.Payload) == 0 {
		httpkit.Error(c, http.StatusBadRequest, "payload must not be empty")
		return
	}

	res, err := e.pool.Execute(c.Request.Context(), payload)
	switch {
	case errors.Is(err, ErrPoolClosed), errors.Is(err, ErrPoolNotStarted):
		httpkit.Error(c, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		// The caller went away while the task was queued or running.
		e.log.Warn("accept_job abandoned", "job_name", payload.JobName, "error", err)
		httpkit.Error(c, http.StatusServiceUnavailable, err.Error())
		return
	}

	if e.collector != nil {
		e.collector.RecordRun(res.Err == nil, res.Duration.Seconds())
	}
	if res.Err != nil {
		e.log.Info("module failed", "job_name", payload.JobName, "error", res.Err, "duration", res.Duration)
		httpkit.Error(c, http.StatusUnprocessableEntity, res.Err.Error())
		return
	}
	e.log.Info("module finished", "job_name", payload.JobName, "bytes", len(res.Output), "duration", res.Duration)
	c.JSON(http.StatusOK, types.WasmRunResult{Output: res.Output})
}
