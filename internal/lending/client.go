package lending

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/loan-adjustments/internal/adjustment"
	"github.com/example/loan-adjustments/internal/security"
)

// IdempotencyKeyHeader carries the per-line key on repayment requests.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxErrorBody = 4 << 10

// StatusError is returned when the lending service answers with a non-2xx
// status.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("lending %s %s returned %d", e.Method, e.URL, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *StatusError) Unwrap() error { return e.Err }

// Client talks to the loan-servicing API. It implements
// adjustment.AmountsCalculator and adjustment.RepaymentCreator.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sends token as a bearer credential.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTLSConfig dials the lending service with cfg, typically one built by
// security.LoadClientTLSConfig.
func WithTLSConfig(cfg *tls.Config) ClientOption {
	return func(c *Client) {
		c.httpClient.Transport = &http.Transport{TLSClientConfig: cfg}
	}
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CalculateAmounts fetches the outstanding amounts of loan at postingDate.
func (c *Client) CalculateAmounts(ctx context.Context, loan string, postingDate time.Time) (adjustment.AmountsBreakdown, error) {
	var amounts adjustment.AmountsBreakdown

	q := url.Values{}
	q.Set("posting_date", postingDate.UTC().Format(time.RFC3339))
	endpoint := fmt.Sprintf("%s/v1/loans/%s/amounts?%s", c.baseURL, url.PathEscape(loan), q.Encode())

	body, err := c.do(ctx, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			se.Err = adjustment.ErrLoanNotFound
		}
		return amounts, err
	}

	if err := json.Unmarshal(body, &amounts); err != nil {
		return amounts, fmt.Errorf("failed to decode amounts for loan %s: %w", loan, err)
	}
	return amounts, nil
}

// CreateLoanRepayment books one repayment. The idempotency key lets the
// lending service drop duplicates when a submission is retried.
func (c *Client) CreateLoanRepayment(ctx context.Context, req adjustment.RepaymentRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode repayment: %w", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	if req.IdempotencyKey != "" {
		headers[IdempotencyKeyHeader] = req.IdempotencyKey
	}

	if _, err := c.do(ctx, http.MethodPost, c.baseURL+"/v1/loan-repayments", bytes.NewReader(payload), headers); err != nil {
		return err
	}

	c.logger.Debug("loan repayment created",
		"loan", req.Loan,
		"repayment_type", string(req.RepaymentType),
		"amount", req.Amount.String(),
		"idempotency_key", req.IdempotencyKey,
	)
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload io.Reader, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to build lending request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if cid := security.CorrelationIDFromContext(ctx); cid != "" {
		req.Header.Set(security.CorrelationIDHeader, cid)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lending %s %s failed: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read lending response: %w", err)
	}

	c.logger.Debug("lending call",
		"method", method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, &StatusError{
			Method:     method,
			URL:        req.URL.Path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return body, nil
}
