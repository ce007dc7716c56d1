package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ChuLiYu/dwasm/internal/client"
	"github.com/ChuLiYu/dwasm/internal/controller"
	"github.com/ChuLiYu/dwasm/internal/metrics"
	"github.com/ChuLiYu/dwasm/internal/server"
	"github.com/ChuLiYu/dwasm/internal/worker"
	"github.com/ChuLiYu/dwasm/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// prebuilt hands back the same module for every source.
type prebuilt []byte

func (p prebuilt) Compile(context.Context, string, string) ([]byte, error) {
	return p, nil
}

// cluster is a coordinator with workers on distinct loopback addresses.
type cluster struct {
	ctrl     *controller.Controller
	coord    *client.Coordinator
	registry *prometheus.Registry
	workers  map[string]*httptest.Server
	logger   *slog.Logger
}

func newCluster(tb testing.TB, wasm []byte, reserveAttempts int) *cluster {
	tb.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()

	ctrl, err := controller.NewController(
		controller.Config{DispatchTimeout: 10 * time.Second, ReserveAttempts: reserveAttempts},
		controller.Deps{
			Compiler: prebuilt(wasm),
			Executor: client.NewWorker(&http.Client{}),
			Metrics:  metrics.NewCollector(reg),
			Logger:   logger,
		},
	)
	require.NoError(tb, err)

	ts := httptest.NewServer(server.New(ctrl, server.Config{Metrics: reg}, logger).Handler())
	tb.Cleanup(ts.Close)

	return &cluster{
		ctrl:     ctrl,
		coord:    client.NewCoordinator(ts.Client(), ts.URL),
		registry: reg,
		workers:  make(map[string]*httptest.Server),
		logger:   logger,
	}
}

// addWorker starts a worker endpoint on 127.0.0.<n> and registers it.
// Hosts that only route 127.0.0.1 skip the test for n > 1.
func (c *cluster) addWorker(tb testing.TB, n int) types.Worker {
	tb.Helper()
	addr := fmt.Sprintf("127.0.0.%d", n)
	ln, err := net.Listen("tcp", net.JoinHostPort(addr, "0"))
	if err != nil {
		tb.Skipf("cannot listen on %s: %v", addr, err)
	}

	pool := worker.NewPool(1, worker.NewSandbox(worker.SandboxConfig{MemoryLimitMB: 16, Timeout: 5 * time.Second}), c.logger)
	require.NoError(tb, pool.Start(1))
	tb.Cleanup(pool.Stop)

	ep := worker.NewEndpoint(pool, nil, worker.EndpointConfig{}, c.logger)
	ts := httptest.NewUnstartedServer(ep.Handler())
	ts.Listener.Close()
	ts.Listener = ln
	ts.Start()
	tb.Cleanup(ts.Close)
	c.workers[addr] = ts

	return c.ctrl.RegisterWorker(types.Worker{
		Address:          addr,
		Port:             ln.Addr().(*net.TCPAddr).Port,
		CPUs:             1,
		MemoryCapacityMB: 256,
	})
}

func job(i int) types.JobRequest {
	return types.JobRequest{
		Source:   `fn main() { print!("1"); }`,
		CPUs:     1,
		MemoryMB: 64,
		Name:     fmt.Sprintf("job-%d", i),
	}
}

// counter sums every series of the named counter.
func (c *cluster) counter(tb testing.TB, name string) float64 {
	tb.Helper()
	families, err := c.registry.Gather()
	require.NoError(tb, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
