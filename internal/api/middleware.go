package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/loan-adjustments/internal/security"
	"github.com/example/loan-adjustments/pkg/audit"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unknown"
}

func RequestLogger(l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)

			level := slog.LevelInfo
			if sw.status >= 500 {
				level = slog.LevelError
			}
			l.Log(r.Context(), level, "http_request",
				"cid", security.CorrelationIDFromContext(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"route", routePattern(r),
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// AuditMiddleware appends every state-changing request to the audit chain.
func AuditMiddleware(a Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)

			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				return
			}
			a.Record(r.Context(), audit.Event{
				Action:   "http." + r.Method,
				Resource: r.URL.Path,
				Actor:    security.PeerIdentity(r),
				Detail: map[string]string{
					"status": strconv.Itoa(sw.status),
					"dur_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10),
				},
			})
		})
	}
}

// HTTPMetrics captures low-cardinality HTTP server metrics.
type HTTPMetrics struct {
	requestDuration metric.Float64Histogram
	inFlight        metric.Int64UpDownCounter
}

func NewHTTPMetrics(provider metric.MeterProvider) (*HTTPMetrics, error) {
	meter := provider.Meter("loan-adjustments/http")

	requestDuration, err := meter.Float64Histogram("http.server.duration_ms")
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter("http.server.in_flight")
	if err != nil {
		return nil, err
	}
	return &HTTPMetrics{requestDuration: requestDuration, inFlight: inFlight}, nil
}

// MetricsMiddleware records request duration by route pattern and status.
func MetricsMiddleware(m *HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			m.inFlight.Add(ctx, 1)
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			m.inFlight.Add(ctx, -1)

			m.requestDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
				attribute.String("endpoint", routePattern(r)),
				attribute.String("status_code", strconv.Itoa(sw.status)),
			))
		})
	}
}
