package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/example/loan-adjustments/internal/adjustment"
	"github.com/example/loan-adjustments/internal/security"
)

type adjustmentLineRequest struct {
	LoanRepaymentType adjustment.RepaymentType `json:"loan_repayment_type"`
	Amount            decimal.Decimal          `json:"amount"`
}

type adjustmentRequest struct {
	Loan           string                  `json:"loan"`
	PostingDate    string                  `json:"posting_date"`
	PaymentAccount string                  `json:"payment_account"`
	Adjustments    []adjustmentLineRequest `json:"adjustments"`
}

type adjustmentResponse struct {
	CorrelationID string                       `json:"correlation_id"`
	Adjustment    *adjustment.LoanAdjustment   `json:"loan_adjustment"`
	Validation    *adjustment.ValidationResult `json:"validation,omitempty"`
}

type listAdjustmentsResponse struct {
	CorrelationID string                       `json:"correlation_id"`
	Adjustments   []*adjustment.LoanAdjustment `json:"loan_adjustments"`
	Count         int                          `json:"count"`
}

type repaymentTypesResponse struct {
	CorrelationID  string                     `json:"correlation_id"`
	RepaymentTypes []adjustment.RepaymentType `json:"repayment_types"`
}

// parsePostingDate accepts an RFC 3339 timestamp or a bare date, which is
// taken as midnight UTC.
func parsePostingDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}

func decodeAdjustment(r *http.Request) (*adjustment.LoanAdjustment, error) {
	var req adjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}

	postingDate, err := parsePostingDate(req.PostingDate)
	if err != nil {
		return nil, err
	}

	doc := &adjustment.LoanAdjustment{
		Loan:           strings.TrimSpace(req.Loan),
		PostingDate:    postingDate,
		PaymentAccount: req.PaymentAccount,
	}
	for _, line := range req.Adjustments {
		doc.Append(line.LoanRepaymentType, line.Amount)
	}
	return doc, nil
}

func handleCreate(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := decodeAdjustment(r)
		if err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_request")
			return
		}

		created, result, err := deps.Adjustments.Create(r.Context(), doc)
		if err != nil {
			writeServiceError(w, r, deps, err)
			return
		}

		w.Header().Set("Location", "/v1/loan-adjustments/"+created.Name)
		writeJSON(w, r, http.StatusCreated, adjustmentResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Adjustment:    created,
			Validation:    result,
		})
	}
}

func handlePreview(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := decodeAdjustment(r)
		if err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_request")
			return
		}

		preview, result, err := deps.Adjustments.Preview(r.Context(), doc)
		if err != nil {
			writeServiceError(w, r, deps, err)
			return
		}

		writeJSON(w, r, http.StatusOK, adjustmentResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Adjustment:    preview,
			Validation:    result,
		})
	}
}

func handleUpdate(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := decodeAdjustment(r)
		if err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_request")
			return
		}

		updated, result, err := deps.Adjustments.Update(r.Context(), chi.URLParam(r, "name"), doc)
		if err != nil {
			writeServiceError(w, r, deps, err)
			return
		}

		writeJSON(w, r, http.StatusOK, adjustmentResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Adjustment:    updated,
			Validation:    result,
		})
	}
}

func handleGet(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := deps.Adjustments.Get(r.Context(), chi.URLParam(r, "name"))
		if err != nil {
			writeServiceError(w, r, deps, err)
			return
		}

		writeJSON(w, r, http.StatusOK, adjustmentResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Adjustment:    doc,
		})
	}
}

func handleSubmit(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := deps.Adjustments.Submit(r.Context(), chi.URLParam(r, "name"))
		if err != nil {
			writeServiceError(w, r, deps, err)
			return
		}

		writeJSON(w, r, http.StatusOK, adjustmentResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Adjustment:    doc,
		})
	}
}

func handleList(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := adjustment.Filter{Loan: q.Get("loan")}

		if v := q.Get("limit"); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				filter.Limit = i
			}
		}
		if v := q.Get("offset"); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				filter.Offset = i
			}
		}
		if v := q.Get("docstatus"); v != "" {
			var status adjustment.DocStatus
			switch v {
			case "0", "draft":
				status = adjustment.Draft
			case "1", "submitted":
				status = adjustment.Submitted
			default:
				security.WriteErrorResponse(w, r, http.StatusBadRequest, security.ErrorResponse{
					Error:  "invalid_request",
					Fields: []security.FieldError{{Field: "docstatus", Message: "must be draft or submitted"}},
				})
				return
			}
			filter.DocStatus = &status
		}

		docs, err := deps.Adjustments.List(r.Context(), filter)
		if err != nil {
			writeServiceError(w, r, deps, err)
			return
		}
		if docs == nil {
			docs = []*adjustment.LoanAdjustment{}
		}

		writeJSON(w, r, http.StatusOK, listAdjustmentsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Adjustments:   docs,
			Count:         len(docs),
		})
	}
}

func handleRepaymentTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, repaymentTypesResponse{
		CorrelationID:  security.CorrelationIDFromContext(r.Context()),
		RepaymentTypes: adjustment.RepaymentTypes(),
	})
}
