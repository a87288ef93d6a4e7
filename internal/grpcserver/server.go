// Package grpcserver serves the standard gRPC health protocol with a status
// that follows the model lifecycle.
package grpcserver

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/example/uniform-check/internal/model"
)

// ServiceName is the health-checked service name. The empty name reports the
// same status.
const ServiceName = "uniform.v1.Detection"

// Server wraps a grpc.Server with a health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// New builds a server that reports NOT_SERVING until the model is READY.
func New(logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		logger: logger.Named("grpc"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// ObserveModelState has the model.Observer signature.
func (s *Server) ObserveModelState(state model.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == model.Ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.setStatus(status)
	s.logger.Info("health status updated", zap.String("model_state", state.String()), zap.String("status", status.String()))
}

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks serving lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("grpc server listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Shutdown drains in-flight RPCs, forcing a stop when ctx ends first.
func (s *Server) Shutdown(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("grpc graceful stop timed out, forcing stop")
		s.grpc.Stop()
		<-done
	}
}
