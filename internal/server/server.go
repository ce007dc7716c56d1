// ============================================================================
// dwasm Server - coordinator HTTP surface
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Exposes the controller over HTTP/JSON.
//
// Routes:
//   POST /new_job            submit a job, reply once it is terminal
//   GET  /job_status?id=N    job record
//   POST /job_update/:id     asynchronous completion report
//   POST /register_worker    worker announcement
//   GET  /workers            registered workers
//   GET  /stats              job counts by state
//   GET  /metrics            Prometheus scrape endpoint (optional)
//
// Status mapping for /new_job:
//   200 {id}          job is terminal (succeeded, compile error, sandbox error)
//   400 {message}     malformed or invalid request
//   503 {id,message}  no worker available, or the chosen one was unreachable
//   503 {message}     registry full
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ChuLiYu/dwasm/internal/controller"
	"github.com/ChuLiYu/dwasm/internal/httpkit"
	"github.com/ChuLiYu/dwasm/internal/jobmanager"
	"github.com/ChuLiYu/dwasm/internal/metrics"
	"github.com/ChuLiYu/dwasm/internal/registry"
	"github.com/ChuLiYu/dwasm/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultMaxBodyBytes bounds /new_job and the other JSON bodies.
const DefaultMaxBodyBytes = 64 << 10

// Coordinator is the controller surface the HTTP layer depends on.
type Coordinator interface {
	Submit(ctx context.Context, req types.JobRequest) (types.JobID, error)
	Job(id types.JobID) (types.Job, error)
	ApplyUpdate(id types.JobID, u types.JobUpdate) (types.Job, error)
	RegisterWorker(w types.Worker) types.Worker
	Workers() []types.Worker
	Stats() types.JobStats
}

// Config configures the coordinator HTTP server.
type Config struct {
	Listen       string
	MaxBodyBytes int64
	Metrics      prometheus.Gatherer // nil disables /metrics
}

// Server serves the coordinator API.
type Server struct {
	coord  Coordinator
	engine *gin.Engine
	config Config
	log    *slog.Logger
}

// New builds the router for coord.
func New(coord Coordinator, config Config, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		coord:  coord,
		engine: httpkit.NewEngine(logger),
		config: config,
		log:    logger,
	}
	s.RegisterRoutes(s.engine.Group("/"))
	if config.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(metrics.Handler(config.Metrics)))
	}
	return s
}

// RegisterRoutes mounts the API on g.
func (s *Server) RegisterRoutes(g *gin.RouterGroup) {
	limited := g.Group("", httpkit.BodyLimit(s.config.MaxBodyBytes))
	limited.POST("/new_job", s.newJob)
	limited.POST("/job_update/:id", s.jobUpdate)
	limited.POST("/register_worker", s.registerWorker)

	g.GET("/job_status", s.jobStatus)
	g.GET("/workers", s.workers)
	g.GET("/stats", s.stats)
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on config.Listen (or ln when non-nil) until ctx is cancelled.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return httpkit.Serve(ctx, srv, ln, s.log)
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) newJob(c *gin.Context) {
	var req types.JobRequest
	if !httpkit.BindJSON(c, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		httpkit.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.coord.Submit(c.Request.Context(), req)
	switch {
	case err == nil,
		errors.Is(err, controller.ErrCompile),
		errors.Is(err, controller.ErrSandbox):
		c.JSON(http.StatusOK, types.CreateJobResponse{ID: id})

	case errors.Is(err, controller.ErrNoSuitableWorker),
		errors.Is(err, controller.ErrWorkerUnreachable):
		c.JSON(http.StatusServiceUnavailable, types.CreateJobResponse{ID: id, Message: err.Error()})

	case errors.Is(err, jobmanager.ErrRegistryFull),
		errors.Is(err, jobmanager.ErrIDSpaceExhausted):
		httpkit.Error(c, http.StatusServiceUnavailable, err.Error())

	case errors.Is(err, controller.ErrInvalidRequest):
		httpkit.Error(c, http.StatusBadRequest, err.Error())

	default:
		s.log.Error("submit failed", "job_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, types.CreateJobResponse{ID: id, Message: err.Error()})
	}
}

func (s *Server) jobStatus(c *gin.Context) {
	raw, ok := c.GetQuery("id")
	if !ok {
		httpkit.Error(c, http.StatusBadRequest, "missing id query parameter")
		return
	}
	id, err := parseJobID(raw)
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.coord.Job(id)
	if err != nil {
		s.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) jobUpdate(c *gin.Context) {
	id, err := parseJobID(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, err.Error())
		return
	}
	var u types.JobUpdate
	if !httpkit.BindJSON(c, &u) {
		return
	}

	job, err := s.coord.ApplyUpdate(id, u)
	if err != nil {
		s.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) registerWorker(c *gin.Context) {
	var w types.Worker
	if !httpkit.BindJSON(c, &w) {
		return
	}
	// The body's ip_addr is ignored; the observed source address is the key.
	w.Address = registry.NormalizeAddress(c.RemoteIP())
	c.JSON(http.StatusOK, s.coord.RegisterWorker(w))
}

func (s *Server) workers(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Workers())
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Stats())
}

func (s *Server) writeLookupError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobmanager.ErrJobNotFound):
		httpkit.Error(c, http.StatusNotFound, err.Error())
	case errors.Is(err, controller.ErrIDMismatch),
		errors.Is(err, controller.ErrInvalidUpdate):
		httpkit.Error(c, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("request failed", "path", c.FullPath(), "error", err)
		httpkit.Error(c, http.StatusInternalServerError, err.Error())
	}
}

var errBadID = errors.New("id must be a non-negative 32-bit integer")

func parseJobID(raw string) (types.JobID, error) {
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || n < 0 {
		return 0, errBadID
	}
	return types.JobID(n), nil
}
