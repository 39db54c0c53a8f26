package adjustment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound             = errors.New("loan adjustment not found")
	ErrNotDraft             = errors.New("loan adjustment is not a draft")
	ErrLoanRequired         = errors.New("loan is required")
	ErrPostingDateRequired  = errors.New("posting date is required")
	ErrInvalidRepaymentType = errors.New("invalid loan repayment type")
	ErrLoanNotFound         = errors.New("loan not found")
	ErrAmountScale          = errors.New("amount has too many decimal places")
	// ErrConflict means the draft changed after it was read.
	ErrConflict = errors.New("loan adjustment was modified concurrently")
)

// MaxAmountScale is the number of decimal places amounts are stored with.
const MaxAmountScale = 9

// RepaymentType is the kind of repayment an adjustment line books.
type RepaymentType string

const (
	NormalRepayment           RepaymentType = "Normal Repayment"
	InterestWaiver            RepaymentType = "Interest Waiver"
	PenaltyWaiver             RepaymentType = "Penalty Waiver"
	ChargesWaiver             RepaymentType = "Charges Waiver"
	PrincipalCapitalization   RepaymentType = "Principal Capitalization"
	InterestCapitalization    RepaymentType = "Interest Capitalization"
	ChargesCapitalization     RepaymentType = "Charges Capitalization"
	PenaltyCapitalization     RepaymentType = "Penalty Capitalization"
	PrincipalAdjustment       RepaymentType = "Principal Adjustment"
	InterestAdjustment        RepaymentType = "Interest Adjustment"
	InterestCarryForward      RepaymentType = "Interest Carry Forward"
	SecurityDepositAdjustment RepaymentType = "Security Deposit Adjustment"
	WriteOffRecovery          RepaymentType = "Write Off Recovery"
	WriteOffSettlement        RepaymentType = "Write Off Settlement"
	FullSettlement            RepaymentType = "Full Settlement"
	PrePayment                RepaymentType = "Pre Payment"
	AdvancePayment            RepaymentType = "Advance Payment"
)

// RepaymentTypes lists every accepted repayment type in display order.
func RepaymentTypes() []RepaymentType {
	return []RepaymentType{
		NormalRepayment,
		InterestWaiver,
		PenaltyWaiver,
		ChargesWaiver,
		PrincipalCapitalization,
		InterestCapitalization,
		ChargesCapitalization,
		PenaltyCapitalization,
		PrincipalAdjustment,
		InterestAdjustment,
		InterestCarryForward,
		SecurityDepositAdjustment,
		WriteOffRecovery,
		WriteOffSettlement,
		FullSettlement,
		PrePayment,
		AdvancePayment,
	}
}

// IsValid reports whether t is one of RepaymentTypes.
func (t RepaymentType) IsValid() bool {
	for _, known := range RepaymentTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// DocStatus is the lifecycle state of a loan adjustment.
type DocStatus int

const (
	Draft     DocStatus = 0
	Submitted DocStatus = 1
)

func (s DocStatus) String() string {
	switch s {
	case Draft:
		return "draft"
	case Submitted:
		return "submitted"
	default:
		return fmt.Sprintf("docstatus(%d)", int(s))
	}
}

// AdjustmentLine is a single row of the adjustments child table.
type AdjustmentLine struct {
	Idx               int             `json:"idx"`
	LoanRepaymentType RepaymentType   `json:"loan_repayment_type"`
	Amount            decimal.Decimal `json:"amount"`
}

// LoanAdjustment books a set of repayment-typed amounts against one loan
// at one posting date.
type LoanAdjustment struct {
	Name             string           `json:"name"`
	Loan             string           `json:"loan"`
	PostingDate      time.Time        `json:"posting_date"`
	PaymentAccount   string           `json:"payment_account,omitempty"`
	Adjustments      []AdjustmentLine `json:"adjustments"`
	DocStatus        DocStatus        `json:"docstatus"`
	NetPayableAmount decimal.Decimal  `json:"net_payable_amount"`
	CreatedAt        time.Time        `json:"created_at"`
	ModifiedAt       time.Time        `json:"modified_at"`
	SubmittedAt      *time.Time       `json:"submitted_at,omitempty"`
	Revision         int              `json:"revision"`
}

// AmountsBreakdown is the outstanding position of a loan at a posting date,
// as reported by the loan-servicing side. Keys it does not report are zero.
type AmountsBreakdown struct {
	UnaccruedInterest        decimal.Decimal `json:"unaccrued_interest"`
	InterestAmount           decimal.Decimal `json:"interest_amount"`
	PenaltyAmount            decimal.Decimal `json:"penalty_amount"`
	TotalChargesPayable      decimal.Decimal `json:"total_charges_payable"`
	AvailableSecurityDeposit decimal.Decimal `json:"available_security_deposit"`
	UnbookedInterest         decimal.Decimal `json:"unbooked_interest"`
	UnbookedPenalty          decimal.Decimal `json:"unbooked_penalty"`
	PendingPrincipalAmount   decimal.Decimal `json:"pending_principal_amount"`
}

// RepaymentRequest is what gets sent for every non-zero line on submit.
type RepaymentRequest struct {
	Loan           string          `json:"loan"`
	PostingDate    time.Time       `json:"posting_date"`
	RepaymentType  RepaymentType   `json:"repayment_type"`
	Amount         decimal.Decimal `json:"amount"`
	ReferenceName  string          `json:"reference_name"`
	PaymentAccount string          `json:"payment_account,omitempty"`
	IdempotencyKey string          `json:"-"`
}

// AmountsCalculator computes the amounts breakdown of a loan.
type AmountsCalculator interface {
	CalculateAmounts(ctx context.Context, loan string, postingDate time.Time) (AmountsBreakdown, error)
}

// RepaymentCreator creates a loan repayment on the loan-servicing side.
type RepaymentCreator interface {
	CreateLoanRepayment(ctx context.Context, req RepaymentRequest) error
}

// Invalidator is implemented by calculators that cache breakdowns.
type Invalidator interface {
	Invalidate(ctx context.Context, loan string) error
}

// RepaymentError reports the adjustment line whose repayment could not be created.
type RepaymentError struct {
	Name          string
	Idx           int
	RepaymentType RepaymentType
	Err           error
}

func (e *RepaymentError) Error() string {
	return fmt.Sprintf("failed to create loan repayment for %s row %d (%s): %v", e.Name, e.Idx, e.RepaymentType, e.Err)
}

func (e *RepaymentError) Unwrap() error { return e.Err }

// NewName returns a fresh document name.
func NewName() string {
	return "LOAN-ADJ-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// TotalPaidAmount sums the amounts of every line that is not a security
// deposit adjustment.
func (a *LoanAdjustment) TotalPaidAmount() decimal.Decimal {
	total := decimal.Zero
	for _, line := range a.Adjustments {
		if line.LoanRepaymentType != SecurityDepositAdjustment {
			total = total.Add(line.Amount)
		}
	}
	return total
}

// HasSecurityDepositLine reports whether any line already consumes the deposit.
func (a *LoanAdjustment) HasSecurityDepositLine() bool {
	for _, line := range a.Adjustments {
		if line.LoanRepaymentType == SecurityDepositAdjustment {
			return true
		}
	}
	return false
}

// Append adds a line at the end of the adjustments table.
func (a *LoanAdjustment) Append(repaymentType RepaymentType, amount decimal.Decimal) AdjustmentLine {
	line := AdjustmentLine{
		Idx:               len(a.Adjustments) + 1,
		LoanRepaymentType: repaymentType,
		Amount:            amount,
	}
	a.Adjustments = append(a.Adjustments, line)
	return line
}

// Renumber rewrites Idx as 1..n in table order.
func (a *LoanAdjustment) Renumber() {
	for i := range a.Adjustments {
		a.Adjustments[i].Idx = i + 1
	}
}

// Clone returns a copy that shares no line storage with a.
func (a *LoanAdjustment) Clone() *LoanAdjustment {
	c := *a
	c.Adjustments = append([]AdjustmentLine(nil), a.Adjustments...)
	if a.SubmittedAt != nil {
		at := *a.SubmittedAt
		c.SubmittedAt = &at
	}
	return &c
}

// CheckFields enforces mandatory header fields and known repayment types.
func (a *LoanAdjustment) CheckFields() error {
	if strings.TrimSpace(a.Loan) == "" {
		return ErrLoanRequired
	}
	if a.PostingDate.IsZero() {
		return ErrPostingDateRequired
	}
	for _, line := range a.Adjustments {
		if !line.LoanRepaymentType.IsValid() {
			return fmt.Errorf("%w: row %d has %q", ErrInvalidRepaymentType, line.Idx, line.LoanRepaymentType)
		}
		if !line.Amount.Equal(line.Amount.Truncate(MaxAmountScale)) {
			return fmt.Errorf("%w: row %d has %s, at most %d allowed", ErrAmountScale, line.Idx, line.Amount, MaxAmountScale)
		}
	}
	return nil
}
