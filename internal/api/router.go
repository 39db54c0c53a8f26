package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/loan-adjustments/internal/adjustment"
	"github.com/example/loan-adjustments/internal/auth"
	"github.com/example/loan-adjustments/internal/security"
	"github.com/example/loan-adjustments/pkg/audit"
)

const (
	ScopeRead   = "adjustments:read"
	ScopeWrite  = "adjustments:write"
	ScopeSubmit = "adjustments:submit"
)

type Auditor interface {
	Record(ctx context.Context, ev audit.Event) *audit.LogEntry
}

// AdjustmentService is implemented by *adjustment.Service.
type AdjustmentService interface {
	Create(ctx context.Context, doc *adjustment.LoanAdjustment) (*adjustment.LoanAdjustment, *adjustment.ValidationResult, error)
	Update(ctx context.Context, name string, doc *adjustment.LoanAdjustment) (*adjustment.LoanAdjustment, *adjustment.ValidationResult, error)
	Preview(ctx context.Context, doc *adjustment.LoanAdjustment) (*adjustment.LoanAdjustment, *adjustment.ValidationResult, error)
	Get(ctx context.Context, name string) (*adjustment.LoanAdjustment, error)
	List(ctx context.Context, filter adjustment.Filter) ([]*adjustment.LoanAdjustment, error)
	Submit(ctx context.Context, name string) (*adjustment.LoanAdjustment, error)
}

type Dependencies struct {
	Logger       *slog.Logger
	OAuth        *auth.OAuthServer
	JWTValidator *auth.JWTValidator

	Adjustments AdjustmentService

	// Ready reports whether the service can take traffic; nil means always.
	Ready func(ctx context.Context) error

	Auditor      Auditor
	Metrics      *HTTPMetrics
	RateLimiter  *security.RedisTokenBucket
	IPAllowlist  []*net.IPNet
	MaxBodyBytes int64
}

func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	adjustmentV, err := security.NewJSONSchemaValidator(adjustmentSchema())
	if err != nil {
		return nil, err
	}

	onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
		security.WriteJSONError(w, r, status, code)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	r.Use(MetricsMiddleware(deps.Metrics))
	r.Use(security.BodySizeLimit(deps.MaxBodyBytes))
	r.Use(security.IPAllowlist(deps.IPAllowlist))
	if deps.RateLimiter != nil {
		r.Use(security.RateLimitMiddleware(deps.RateLimiter, security.KeyByRemoteIP))
	}
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Ready != nil {
			if err := deps.Ready(r.Context()); err != nil {
				deps.Logger.Warn("readiness check failed", "error", err)
				security.WriteJSONError(w, r, http.StatusServiceUnavailable, "not_ready")
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	if deps.OAuth != nil {
		r.Post("/oauth/token", deps.OAuth.TokenHandler)
		r.Get("/oauth/jwks.json", deps.OAuth.JWKSHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Authenticate(deps.JWTValidator, onAuthError))

		r.With(auth.RequireScopes(onAuthError, ScopeRead)).Get("/repayment-types", handleRepaymentTypes)

		r.Route("/loan-adjustments", func(r chi.Router) {
			read := r.With(auth.RequireScopes(onAuthError, ScopeRead))
			read.Get("/", handleList(deps))
			read.Get("/{name}", handleGet(deps))
			read.With(adjustmentV.Middleware).Post("/preview", handlePreview(deps))

			write := r.With(auth.RequireScopes(onAuthError, ScopeWrite), adjustmentV.Middleware)
			write.Post("/", handleCreate(deps))
			write.Put("/{name}", handleUpdate(deps))

			r.With(auth.RequireScopes(onAuthError, ScopeSubmit)).Post("/{name}/submit", handleSubmit(deps))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}
