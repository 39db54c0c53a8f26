package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func startHealthServer(t *testing.T, hs *health.Server) healthpb.HealthClient {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewGRPCServer(hs)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.Dial(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return healthpb.NewHealthClient(conn)
}

func TestWatcherFollowsCheck(t *testing.T) {
	hs := health.NewServer()
	client := startHealthServer(t, hs)

	var failing atomic.Bool
	w := &Watcher{
		Health: hs,
		Check: func(ctx context.Context) error {
			if failing.Load() {
				return errors.New("store unreachable")
			}
			return nil
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, w.CheckOnce(ctx))
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	failing.Store(true)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, w.CheckOnce(ctx))
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestWatcherCheckTimeout(t *testing.T) {
	hs := health.NewServer()
	w := &Watcher{
		Health:  hs,
		Timeout: 10 * time.Millisecond,
		Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, w.CheckOnce(context.Background()))
}

func TestWatcherRunStopsWithContext(t *testing.T) {
	hs := health.NewServer()
	client := startHealthServer(t, hs)

	var calls atomic.Int32
	w := &Watcher{
		Health:   hs,
		Interval: 5 * time.Millisecond,
		Check: func(ctx context.Context) error {
			calls.Add(1)
			return nil
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}
