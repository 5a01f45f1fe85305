package grpcx

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/appointly/appointly/libs/runtime"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer serves the standard grpc.health.v1 service, flipping between
// SERVING and NOT_SERVING according to the supplied ready checks.
type HealthServer struct {
	srv    *grpc.Server
	health *health.Server
	checks []runtime.ReadyCheck
	logger *slog.Logger
}

func NewHealthServer(logger *slog.Logger, checks ...runtime.ReadyCheck) *HealthServer {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(UnaryServerRequestIDInterceptor(), UnaryServerLogInterceptor(logger)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &HealthServer{srv: srv, health: hs, checks: checks, logger: logger}
}

// Run listens on addr and refreshes the serving status every interval.
func (s *HealthServer) Run(ctx context.Context, addr string, interval time.Duration) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("grpc health server starting", "addr", lis.Addr().String())
	return s.Serve(ctx, lis, interval)
}

// Serve is Run on an existing listener.
func (s *HealthServer) Serve(ctx context.Context, lis net.Listener, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	s.refresh(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.srv.GracefulStop()
				return
			case <-ticker.C:
				s.refresh(ctx)
			}
		}
	}()

	return s.srv.Serve(lis)
}

func (s *HealthServer) refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if failures := runtime.RunChecks(ctx, s.checks...); len(failures) > 0 {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		s.logger.Warn("health checks failing", "failures", strings.Join(failures, "; "))
	}
	s.health.SetServingStatus("", status)
}

// CheckHealth dials addr and asks for the overall serving status.
func CheckHealth(ctx context.Context, addr string) (string, error) {
	conn, err := Dial(addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{}, grpc.WaitForReady(true))
	if err != nil {
		return "", err
	}
	return resp.GetStatus().String(), nil
}
