package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// healthServer exposes the standard gRPC health service for a process.
type healthServer struct {
	grpc   *grpc.Server
	health *health.Server
	ln     net.Listener
	log    *slog.Logger
}

// startHealthServer listens on port (0 picks a free one) and reports
// SERVING for service until stop is called.
func startHealthServer(port int, service string, logger *slog.Logger) (*healthServer, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("health listener: %w", err)
	}

	hs := &healthServer{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		ln:     ln,
		log:    logger,
	}
	healthpb.RegisterHealthServer(hs.grpc, hs.health)
	hs.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.health.SetServingStatus(service, healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := hs.grpc.Serve(ln); err != nil {
			logger.Warn("health server stopped", "error", err)
		}
	}()
	logger.Info("health server listening", "addr", ln.Addr().String(), "service", service)
	return hs, nil
}

// Addr is the bound address.
func (h *healthServer) Addr() string {
	return h.ln.Addr().String()
}

// stop flips every service to NOT_SERVING and stops the server.
func (h *healthServer) stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}

// checkHealth queries addr and returns the response rendered as JSON.
func checkHealth(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, string, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return 0, "", fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return 0, "", fmt.Errorf("health check %s: %w", addr, err)
	}
	out, err := protojson.Marshal(resp)
	if err != nil {
		return 0, "", err
	}
	return resp.GetStatus(), string(out), nil
}
