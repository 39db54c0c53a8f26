package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/loan-adjustments/internal/adjustment"
	"github.com/example/loan-adjustments/internal/lending"
	"github.com/example/loan-adjustments/internal/security"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError maps domain and collaborator errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, deps Dependencies, err error) {
	var (
		repErr    *adjustment.RepaymentError
		statusErr *lending.StatusError
	)

	switch {
	case errors.Is(err, adjustment.ErrNotFound):
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	case errors.Is(err, adjustment.ErrNotDraft):
		security.WriteErrorResponse(w, r, http.StatusConflict, security.ErrorResponse{Error: "not_draft", Message: err.Error()})
	case errors.Is(err, adjustment.ErrConflict):
		security.WriteErrorResponse(w, r, http.StatusConflict, security.ErrorResponse{Error: "conflict", Message: err.Error()})
	case adjustment.IsValidationError(err):
		security.WriteErrorResponse(w, r, http.StatusUnprocessableEntity, security.ErrorResponse{
			Error:  security.ValidationFailed,
			Fields: []security.FieldError{{Field: fieldOf(err), Message: err.Error()}},
		})
	case errors.Is(err, adjustment.ErrLoanNotFound):
		security.WriteErrorResponse(w, r, http.StatusUnprocessableEntity, security.ErrorResponse{
			Error:  "loan_not_found",
			Fields: []security.FieldError{{Field: "loan", Message: err.Error()}},
		})
	case errors.As(err, &repErr):
		deps.Logger.Warn("repayment creation failed", "name", repErr.Name, "idx", repErr.Idx, "error", repErr.Err)
		security.WriteErrorResponse(w, r, http.StatusBadGateway, security.ErrorResponse{Error: "repayment_failed", Message: err.Error()})
	case errors.As(err, &statusErr):
		security.WriteErrorResponse(w, r, http.StatusBadGateway, security.ErrorResponse{Error: "lending_error", Message: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		security.WriteJSONError(w, r, http.StatusGatewayTimeout, "timeout")
	default:
		deps.Logger.Error("request failed", "cid", security.CorrelationIDFromContext(r.Context()), "error", err)
		security.WriteJSONError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func fieldOf(err error) string {
	switch {
	case errors.Is(err, adjustment.ErrLoanRequired):
		return "loan"
	case errors.Is(err, adjustment.ErrPostingDateRequired):
		return "posting_date"
	default:
		return "adjustments"
	}
}
