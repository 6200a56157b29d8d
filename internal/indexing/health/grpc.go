package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "crosslane"

// GRPCHealth serves the standard gRPC health protocol. The service reports
// NOT_SERVING while the security gate is paused.
type GRPCHealth struct {
	port     int
	security SecurityReader
	interval time.Duration
	health   *grpchealth.Server
	server   *grpc.Server
}

// NewGRPCHealth creates the gRPC health server.
func NewGRPCHealth(port int, security SecurityReader) *GRPCHealth {
	hs := grpchealth.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &GRPCHealth{
		port:     port,
		security: security,
		interval: 5 * time.Second,
		health:   hs,
		server:   srv,
	}
}

// Sync publishes the current serving status and returns it.
func (g *GRPCHealth) Sync() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if g.security.IsPaused() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
	return status
}

// Check answers a health request in-process.
func (g *GRPCHealth) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := g.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Start serves until ctx is cancelled.
func (g *GRPCHealth) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", g.port))
	if err != nil {
		return fmt.Errorf("failed to listen on %d: %w", g.port, err)
	}

	g.Sync()
	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				g.health.Shutdown()
				g.server.GracefulStop()
				return
			case <-ticker.C:
				g.Sync()
			}
		}
	}()

	slog.Info("gRPC health listening", "port", g.port)
	if err := g.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}
