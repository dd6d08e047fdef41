package grpcapi

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/example/comment-tree/services/comments/internal/retention"
)

type fakeHealth struct {
	mu     sync.Mutex
	status string
}

func (f *fakeHealth) set(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *fakeHealth) Health(context.Context) retention.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return retention.Health{Status: f.status}
}

func TestRefresh_MapsStatus(t *testing.T) {
	ctx := context.Background()
	src := &fakeHealth{status: retention.StatusHealthy}
	s := New(src, zap.NewNop(), Options{})

	cases := []struct {
		status   string
		overall  healthpb.HealthCheckResponse_ServingStatus
		pipeline healthpb.HealthCheckResponse_ServingStatus
	}{
		{retention.StatusHealthy, healthpb.HealthCheckResponse_SERVING, healthpb.HealthCheckResponse_SERVING},
		{retention.StatusDegraded, healthpb.HealthCheckResponse_SERVING, healthpb.HealthCheckResponse_NOT_SERVING},
		{retention.StatusUnhealthy, healthpb.HealthCheckResponse_NOT_SERVING, healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			src.set(tc.status)
			s.Refresh(ctx)

			got, err := s.Check(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, tc.overall, got)

			got, err = s.Check(ctx, PipelineService)
			require.NoError(t, err)
			assert.Equal(t, tc.pipeline, got)
		})
	}
}

func TestServe_AnswersHealthChecksAndStops(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	src := &fakeHealth{status: retention.StatusHealthy}
	s := New(src, zap.NewNop(), Options{RefreshInterval: 20 * time.Millisecond, ShutdownTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	require.Eventually(t, func() bool {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	src.set(retention.StatusUnhealthy)
	require.Eventually(t, func() bool {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
