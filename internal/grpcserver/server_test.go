package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/example/uniform-check/internal/model"
)

func startServer(t *testing.T) (*Server, grpc.DialOption) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := New(zap.NewNop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	return srv, dialer
}

func TestHealthFollowsModelState(t *testing.T) {
	srv, dialer := startServer(t)
	ctx := context.Background()

	status, err := Probe(ctx, "bufnet", zap.NewNop(), dialer)
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING before load, got %s", status)
	}

	srv.ObserveModelState(model.Loading)
	if status, _ := Probe(ctx, "bufnet", zap.NewNop(), dialer); status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING while loading, got %s", status)
	}

	srv.ObserveModelState(model.Ready)
	if status, _ := Probe(ctx, "bufnet", zap.NewNop(), dialer); status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING once ready, got %s", status)
	}
}

func TestHealthReportsFailedModel(t *testing.T) {
	srv, dialer := startServer(t)
	srv.ObserveModelState(model.Failed)

	status, err := Probe(context.Background(), "bufnet", zap.NewNop(), dialer)
	if err != nil {
		t.Fatal(err)
	}
	if status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING after a failed load, got %s", status)
	}
}
