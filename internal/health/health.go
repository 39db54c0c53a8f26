// Package health exposes the gRPC health protocol on the admin port and keeps
// it in line with the state of the document store.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported next to the overall ("")
// status.
const ServiceName = "loanadjustments.v1.LoanAdjustments"

const (
	defaultInterval = 10 * time.Second
	defaultTimeout  = 2 * time.Second
)

// NewGRPCServer returns a gRPC server with the health service and reflection
// registered.
func NewGRPCServer(hs *health.Server, opts ...grpc.ServerOption) *grpc.Server {
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return srv
}

// Watcher polls Check and flips the health status between SERVING and
// NOT_SERVING.
type Watcher struct {
	Health   *health.Server
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger

	mu   sync.Mutex
	last healthpb.HealthCheckResponse_ServingStatus
}

func (w *Watcher) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// CheckOnce runs the check and publishes the result.
func (w *Watcher) CheckOnce(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	status := healthpb.HealthCheckResponse_SERVING
	if w.Check != nil {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		err := w.Check(checkCtx)
		cancel()
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			w.logger().Warn("health check failed", "error", err)
		}
	}

	w.Health.SetServingStatus("", status)
	w.Health.SetServingStatus(ServiceName, status)

	w.mu.Lock()
	if status != w.last {
		w.logger().Info("health status changed", "from", w.last.String(), "to", status.String())
		w.last = status
	}
	w.mu.Unlock()

	return status
}

// Run checks immediately and then every Interval until ctx is done. On exit
// every service is marked NOT_SERVING.
func (w *Watcher) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	w.CheckOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.Health.Shutdown()
			return
		case <-ticker.C:
			w.CheckOnce(ctx)
		}
	}
}
