package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ionsec/maes-platform-sub001/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer publishes readiness through the standard gRPC health service,
// both for the empty service name and for serviceName.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
	logger    *zap.Logger
}

// NewGRPCServer creates the health wrapper. A nil logger uses the shared one.
func NewGRPCServer(r readinessChecker, logger *zap.Logger) *GRPCServer {
	if logger == nil {
		logger = obs.Logger()
	}
	return &GRPCServer{health: health.NewServer(), readiness: r, logger: logger}
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Refresh evaluates readiness once and updates the served status.
func (s *GRPCServer) Refresh(ctx context.Context) bool {
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.readiness.Check(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
	return status == healthpb.HealthCheckResponse_SERVING
}

// Run refreshes readiness on every tick until ctx ends, then reports the
// service as shutting down.
func (s *GRPCServer) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		check, cancel := context.WithTimeout(ctx, every)
		s.Refresh(check)
		cancel()
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
