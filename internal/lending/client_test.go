package lending

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/loan-adjustments/internal/adjustment"
	"github.com/example/loan-adjustments/internal/security"
)

var postingDate = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func TestClientCalculateAmounts(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/v1/loans/{loan}/amounts", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "LOAN-0001", chi.URLParam(r, "loan"))
		assert.Equal(t, "2024-03-01T00:00:00Z", r.URL.Query().Get("posting_date"))
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		assert.Equal(t, "corr-1", r.Header.Get(security.CorrelationIDHeader))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"interest_amount": 100.25,
			"penalty_amount": "3.10",
			"available_security_deposit": 50,
			"pending_principal_amount": 1000
		}`))
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := NewClient(srv.URL+"/", time.Second, WithToken("secret-token"))

	ctx := security.ContextWithCorrelationID(context.Background(), "corr-1")
	amounts, err := client.CalculateAmounts(ctx, "LOAN-0001", postingDate)
	require.NoError(t, err)

	assert.True(t, decimal.RequireFromString("100.25").Equal(amounts.InterestAmount))
	assert.True(t, decimal.RequireFromString("3.1").Equal(amounts.PenaltyAmount))
	assert.True(t, amounts.UnbookedPenalty.IsZero(), "missing keys are zero")
	assert.Equal(t, "1053.35", adjustment.NetPayable(amounts, 2).String())
}

func TestClientCalculateAmountsLoanNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"loan_not_found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).CalculateAmounts(context.Background(), "LOAN-404", postingDate)
	require.Error(t, err)
	assert.ErrorIs(t, err, adjustment.ErrLoanNotFound)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Contains(t, se.Body, "loan_not_found")
}

func TestClientCalculateAmountsBadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"interest_amount": "lots"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second).CalculateAmounts(context.Background(), "LOAN-0001", postingDate)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode amounts")
}

func TestClientCreateLoanRepayment(t *testing.T) {
	var got map[string]any
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/loan-repayments", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		key = r.Header.Get(IdempotencyKeyHeader)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	err := NewClient(srv.URL, time.Second).CreateLoanRepayment(context.Background(), adjustment.RepaymentRequest{
		Loan:           "LOAN-0001",
		PostingDate:    postingDate,
		RepaymentType:  adjustment.PenaltyWaiver,
		Amount:         decimal.RequireFromString("12.50"),
		ReferenceName:  "LOAN-ADJ-ABCDEF12",
		IdempotencyKey: "LOAN-ADJ-ABCDEF12-2",
	})
	require.NoError(t, err)

	assert.Equal(t, "LOAN-ADJ-ABCDEF12-2", key)
	assert.Equal(t, "Penalty Waiver", got["repayment_type"])
	assert.Equal(t, "12.5", got["amount"])
	assert.Equal(t, "LOAN-ADJ-ABCDEF12", got["reference_name"])
	assert.NotContains(t, got, "IdempotencyKey")
}

func TestClientCreateLoanRepaymentRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"amount exceeds outstanding"}`))
	}))
	defer srv.Close()

	err := NewClient(srv.URL, time.Second).CreateLoanRepayment(context.Background(), adjustment.RepaymentRequest{Loan: "LOAN-0001"})

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.StatusCode)
	assert.False(t, errors.Is(err, adjustment.ErrLoanNotFound))
}

func TestClientTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := NewClient(srv.URL, time.Second).CalculateAmounts(context.Background(), "LOAN-0001", postingDate)
	require.Error(t, err)

	var se *StatusError
	assert.False(t, errors.As(err, &se))
}
