// Package httpkit holds the gin plumbing shared by the coordinator and the
// worker HTTP surfaces.
package httpkit

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ChuLiYu/dwasm/pkg/types"
	"github.com/gin-gonic/gin"
)

const shutdownTimeout = 10 * time.Second

// NewEngine returns a gin engine with panic recovery and slog request logging.
func NewEngine(logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	r := gin.New()
	r.Use(RequestLogger(logger), gin.Recovery())
	return r
}

// RequestLogger logs one line per request.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"remote", c.RemoteIP(),
			"duration", time.Since(start),
		}
		switch {
		case status >= 500:
			logger.Warn("http request", attrs...)
		default:
			logger.Debug("http request", attrs...)
		}
	}
}

// BodyLimit caps request bodies at n bytes.
func BodyLimit(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

// BindJSON decodes the request body into v and writes a 400 (or 413 for an
// oversized body) when that fails. It reports whether the handler should
// continue.
func BindJSON(c *gin.Context, v any) bool {
	err := c.ShouldBindJSON(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		Error(c, http.StatusRequestEntityTooLarge, "request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
		return false
	}
	Error(c, http.StatusBadRequest, "malformed request body: "+err.Error())
	return false
}

// Error writes an ErrorResponse and aborts the chain.
func Error(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, types.ErrorResponse{Message: msg})
}

// Serve runs srv until ctx is cancelled, then shuts it down gracefully.
// A listener may be supplied; when nil, srv.Addr is bound.
func Serve(ctx context.Context, srv *http.Server, ln net.Listener, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", srv.Addr)
		if err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("http server stopped", "addr", ln.Addr().String())
	return nil
}
