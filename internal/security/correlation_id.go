package security

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/example/loan-adjustments/pkg/audit"
)

const CorrelationIDHeader = "X-Correlation-ID"

type correlationIDKey struct{}

// CorrelationID reuses the caller's X-Correlation-ID or mints one, echoes it
// on the response and makes it available to handlers, outbound calls and
// audit events.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(CorrelationIDHeader)
		if cid == "" {
			cid = uuid.NewString()
		}

		w.Header().Set(CorrelationIDHeader, cid)
		next.ServeHTTP(w, r.WithContext(ContextWithCorrelationID(r.Context(), cid)))
	})
}

func ContextWithCorrelationID(ctx context.Context, cid string) context.Context {
	ctx = context.WithValue(ctx, correlationIDKey{}, cid)
	return audit.WithCorrelationID(ctx, cid)
}

func CorrelationIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return s
	}
	return ""
}
