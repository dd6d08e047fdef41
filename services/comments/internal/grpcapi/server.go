// Package grpcapi exposes the standard gRPC health service for the comments
// process. Serving status follows the retention health report.
package grpcapi

import (
	"context"
	"errors"
	"net"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/example/comment-tree/services/comments/internal/retention"
)

// PipelineService is reported NOT_SERVING while the event pipeline is degraded
// even though the store itself still answers.
const PipelineService = "comments.pipeline"

type HealthSource interface {
	Health(ctx context.Context) retention.Health
}

type Options struct {
	Addr            string
	RefreshInterval time.Duration
	ShutdownTimeout time.Duration
	Reflection      bool
}

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	src    HealthSource
	opts   Options
	log    *zap.Logger
}

func New(src HealthSource, log *zap.Logger, opts Options) *Server {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 10 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	grpc_prometheus.EnableHandlingTimeHistogram()
	gs := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	if opts.Reflection {
		reflection.Register(gs)
	}
	grpc_prometheus.Register(gs)

	return &Server{grpc: gs, health: hs, src: src, opts: opts, log: log}
}

// Refresh recomputes serving status from one health report.
func (s *Server) Refresh(ctx context.Context) retention.Health {
	h := s.src.Health(ctx)

	overall := healthpb.HealthCheckResponse_SERVING
	if h.Status == retention.StatusUnhealthy {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	pipeline := healthpb.HealthCheckResponse_SERVING
	if h.Status != retention.StatusHealthy {
		pipeline = healthpb.HealthCheckResponse_NOT_SERVING
	}

	s.health.SetServingStatus("", overall)
	s.health.SetServingStatus(PipelineService, pipeline)
	return h
}

func (s *Server) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Run listens on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, lis)
}

func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.log.Info("grpc listening", zap.String("addr", lis.Addr().String()))
	s.Refresh(ctx)

	serveErr := make(chan error, 1)
	go func() {
		err := s.grpc.Serve(lis)
		if errors.Is(err, grpc.ErrServerStopped) {
			err = nil
		}
		serveErr <- err
	}()

	t := time.NewTicker(s.opts.RefreshInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			h := s.Refresh(ctx)
			if h.Status != retention.StatusHealthy {
				s.log.Warn("health check not healthy", zap.String("status", h.Status), zap.String("error", h.Error))
			}
		case err := <-serveErr:
			return err
		case <-ctx.Done():
			s.stop()
			return nil
		}
	}
}

func (s *Server) stop() {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("grpc stopped")
	case <-time.After(s.opts.ShutdownTimeout):
		s.log.Warn("grpc force stop")
		s.grpc.Stop()
	}
}
