package adjustment

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics counts lifecycle events of loan adjustments. A nil *Metrics
// records nothing.
type Metrics struct {
	validations  metric.Int64Counter
	autoBalanced metric.Int64Counter
	submissions  metric.Int64Counter
	repayments   metric.Int64Counter
}

// NewMetrics creates the counters on a meter named after the package.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("loan-adjustments/adjustment")

	validations, err := meter.Int64Counter("loan_adjustment.validations",
		metric.WithDescription("Loan adjustments validated"))
	if err != nil {
		return nil, err
	}
	autoBalanced, err := meter.Int64Counter("loan_adjustment.deposit_auto_balanced",
		metric.WithDescription("Security deposit lines appended by validation"))
	if err != nil {
		return nil, err
	}
	submissions, err := meter.Int64Counter("loan_adjustment.submissions",
		metric.WithDescription("Loan adjustments submitted"))
	if err != nil {
		return nil, err
	}
	repayments, err := meter.Int64Counter("loan_adjustment.repayments_created",
		metric.WithDescription("Loan repayments created from adjustment lines"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		validations:  validations,
		autoBalanced: autoBalanced,
		submissions:  submissions,
		repayments:   repayments,
	}, nil
}

func (m *Metrics) recordValidation(ctx context.Context, result *ValidationResult) {
	if m == nil || result == nil {
		return
	}
	m.validations.Add(ctx, 1)
	if result.DepositAppended {
		m.autoBalanced.Add(ctx, 1)
	}
}

func (m *Metrics) recordSubmission(ctx context.Context) {
	if m == nil {
		return
	}
	m.submissions.Add(ctx, 1)
}

func (m *Metrics) recordRepayment(ctx context.Context) {
	if m == nil {
		return
	}
	m.repayments.Add(ctx, 1)
}
