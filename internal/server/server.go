package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/plysync/internal/controller"
	"github.com/ChuLiYu/plysync/pkg/types"
)

// Health service names. The empty name is overall liveness.
const (
	ServiceLiveness = ""
	ServiceChannel  = "plysync.channel"
	ServiceReady    = "plysync.ready"
)

// StatusSource is satisfied by *controller.Controller.
type StatusSource interface {
	Status() controller.Status
}

// Server exposes the controller through the standard gRPC health service.
type Server struct {
	source   StatusSource
	health   *health.Server
	grpc     *grpc.Server
	interval time.Duration
	logger   *slog.Logger
}

// NewServer creates a health server polling source every interval.
func NewServer(source StatusSource, interval time.Duration) *Server {
	if interval <= 0 {
		interval = time.Second
	}
	s := &Server{
		source:   source,
		health:   health.NewServer(),
		grpc:     grpc.NewServer(),
		interval: interval,
		logger:   slog.With("component", "server"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.Refresh()
	return s
}

// Refresh copies the controller status into the health service.
func (s *Server) Refresh() {
	st := s.source.Status()

	live := healthpb.HealthCheckResponse_SERVING
	if !st.Live {
		live = healthpb.HealthCheckResponse_NOT_SERVING
	}
	channel := healthpb.HealthCheckResponse_NOT_SERVING
	if st.Channel == types.ChannelOpen {
		channel = healthpb.HealthCheckResponse_SERVING
	}
	ready := healthpb.HealthCheckResponse_NOT_SERVING
	if live == healthpb.HealthCheckResponse_SERVING && channel == healthpb.HealthCheckResponse_SERVING && st.HasPosition {
		ready = healthpb.HealthCheckResponse_SERVING
	}

	s.health.SetServingStatus(ServiceLiveness, live)
	s.health.SetServingStatus(ServiceChannel, channel)
	s.health.SetServingStatus(ServiceReady, ready)
}

// Serve runs the gRPC server on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go s.refreshLoop(ctx)
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()

	s.logger.Info("Health server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func (s *Server) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh()
		}
	}
}

// Check queries one health service over conn.
func Check(ctx context.Context, conn grpc.ClientConnInterface, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
