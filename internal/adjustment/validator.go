package adjustment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrencyPrecision is used when no precision is configured.
const DefaultCurrencyPrecision = 2

// balanceTolerance is how far the paid total may sit from the net payable
// amount and still count as settling the loan.
var balanceTolerance = decimal.NewFromInt(1)

// NetPayable returns the amount still owed on a loan once the available
// security deposit is set off. Every component is rounded to precision
// before summing.
func NetPayable(amounts AmountsBreakdown, precision int32) decimal.Decimal {
	round := func(d decimal.Decimal) decimal.Decimal {
		return d.RoundBank(precision)
	}

	return round(amounts.UnaccruedInterest).
		Add(round(amounts.InterestAmount)).
		Add(round(amounts.PenaltyAmount)).
		Add(round(amounts.TotalChargesPayable)).
		Sub(round(amounts.AvailableSecurityDeposit)).
		Add(round(amounts.UnbookedInterest)).
		Add(round(amounts.UnbookedPenalty)).
		Add(round(amounts.PendingPrincipalAmount))
}

// ValidationResult describes what validation found and changed on a document.
type ValidationResult struct {
	NetPayableAmount decimal.Decimal `json:"net_payable_amount"`
	TotalPaidAmount  decimal.Decimal `json:"total_paid_amount"`
	Difference       decimal.Decimal `json:"difference"`
	WithinTolerance  bool            `json:"within_tolerance"`
	DepositAppended  bool            `json:"deposit_appended"`
	DepositAmount    decimal.Decimal `json:"deposit_amount"`
	Message          string          `json:"message"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Validator recomputes the net payable amount of a loan adjustment and
// auto-balances it against the available security deposit.
type Validator struct {
	calculator AmountsCalculator
	precision  int32
}

// NewValidator creates a validator. A precision of zero or less falls back
// to DefaultCurrencyPrecision.
func NewValidator(calculator AmountsCalculator, precision int) *Validator {
	if precision <= 0 {
		precision = DefaultCurrencyPrecision
	}
	return &Validator{
		calculator: calculator,
		precision:  int32(precision),
	}
}

// Precision returns the currency precision used for rounding.
func (v *Validator) Precision() int { return int(v.precision) }

// Calculator returns the amounts calculator the validator consults.
func (v *Validator) Calculator() AmountsCalculator { return v.calculator }

// Validate checks the document's fields, recomputes its net payable amount
// and, when the entered adjustments settle the loan within tolerance and
// no deposit line exists yet, appends a Security Deposit Adjustment for
// the available deposit. doc is modified in place.
func (v *Validator) Validate(ctx context.Context, doc *LoanAdjustment) (*ValidationResult, error) {
	if err := doc.CheckFields(); err != nil {
		return nil, err
	}

	amounts, err := v.calculator.CalculateAmounts(ctx, doc.Loan, doc.PostingDate)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate amounts for loan %s: %w", doc.Loan, err)
	}

	net := NetPayable(amounts, v.precision)
	paid := doc.TotalPaidAmount()
	diff := paid.Sub(net)

	result := &ValidationResult{
		NetPayableAmount: net,
		TotalPaidAmount:  paid,
		Difference:       diff,
		WithinTolerance:  diff.Abs().LessThanOrEqual(balanceTolerance),
		Timestamp:        time.Now(),
	}

	switch {
	case !result.WithinTolerance:
		result.Message = fmt.Sprintf("adjustments total %s against net payable %s", paid, net)
	case doc.HasSecurityDepositLine():
		result.Message = "adjustments settle the loan; security deposit already adjusted"
	default:
		line := doc.Append(SecurityDepositAdjustment, amounts.AvailableSecurityDeposit)
		result.DepositAppended = true
		result.DepositAmount = line.Amount
		result.Message = fmt.Sprintf("adjustments settle the loan; security deposit of %s adjusted", line.Amount)
	}

	doc.NetPayableAmount = net
	return result, nil
}
