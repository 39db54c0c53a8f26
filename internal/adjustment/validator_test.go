package adjustment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCalculator struct {
	amounts AmountsBreakdown
	err     error
	calls   int
	loans   []string
}

func (f *fakeCalculator) CalculateAmounts(ctx context.Context, loan string, postingDate time.Time) (AmountsBreakdown, error) {
	f.calls++
	f.loans = append(f.loans, loan)
	return f.amounts, f.err
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testDoc(lines ...AdjustmentLine) *LoanAdjustment {
	doc := &LoanAdjustment{
		Loan:        "LOAN-0001",
		PostingDate: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Adjustments: lines,
	}
	doc.Renumber()
	return doc
}

func line(t RepaymentType, amount string) AdjustmentLine {
	return AdjustmentLine{LoanRepaymentType: t, Amount: d(amount)}
}

func TestNetPayable(t *testing.T) {
	amounts := AmountsBreakdown{
		InterestAmount:           d("100"),
		PenaltyAmount:            d("10"),
		TotalChargesPayable:      d("5"),
		AvailableSecurityDeposit: d("20"),
		PendingPrincipalAmount:   d("1000"),
	}
	assert.True(t, d("1095").Equal(NetPayable(amounts, 2)))
}

func TestNetPayableRoundsEachComponent(t *testing.T) {
	tests := []struct {
		name      string
		amounts   AmountsBreakdown
		precision int32
		want      string
	}{
		{
			name:      "half to even on every term",
			amounts:   AmountsBreakdown{InterestAmount: d("0.125"), PenaltyAmount: d("0.135")},
			precision: 2,
			want:      "0.26",
		},
		{
			name:      "rounding before summing",
			amounts:   AmountsBreakdown{UnaccruedInterest: d("0.004"), InterestAmount: d("0.004")},
			precision: 2,
			want:      "0",
		},
		{
			name:      "deposit larger than dues",
			amounts:   AmountsBreakdown{InterestAmount: d("10"), AvailableSecurityDeposit: d("25.5")},
			precision: 2,
			want:      "-15.5",
		},
		{
			name:      "zero precision rounds to whole units",
			amounts:   AmountsBreakdown{InterestAmount: d("2.5"), PenaltyAmount: d("3.5")},
			precision: 0,
			want:      "6",
		},
		{
			name:    "all zero",
			amounts: AmountsBreakdown{},
			want:    "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NetPayable(tt.amounts, tt.precision)
			assert.True(t, d(tt.want).Equal(got), "got %s want %s", got, tt.want)
		})
	}
}

func TestNewValidatorPrecision(t *testing.T) {
	assert.Equal(t, 2, NewValidator(&fakeCalculator{}, 0).Precision())
	assert.Equal(t, 2, NewValidator(&fakeCalculator{}, -3).Precision())
	assert.Equal(t, 3, NewValidator(&fakeCalculator{}, 3).Precision())
}

func TestValidateAppendsSecurityDeposit(t *testing.T) {
	calc := &fakeCalculator{amounts: AmountsBreakdown{
		InterestAmount:           d("100"),
		PendingPrincipalAmount:   d("1000"),
		AvailableSecurityDeposit: d("200"),
	}}
	v := NewValidator(calc, 2)

	doc := testDoc(line(NormalRepayment, "900"))
	result, err := v.Validate(context.Background(), doc)
	require.NoError(t, err)

	assert.True(t, result.WithinTolerance)
	assert.True(t, result.DepositAppended)
	assert.True(t, d("200").Equal(result.DepositAmount))
	assert.True(t, d("900").Equal(doc.NetPayableAmount))

	require.Len(t, doc.Adjustments, 2)
	assert.Equal(t, SecurityDepositAdjustment, doc.Adjustments[1].LoanRepaymentType)
	assert.Equal(t, 2, doc.Adjustments[1].Idx)
	assert.True(t, d("200").Equal(doc.Adjustments[1].Amount))
	assert.Equal(t, []string{"LOAN-0001"}, calc.loans)
}

func TestValidateToleranceBoundary(t *testing.T) {
	amounts := AmountsBreakdown{PendingPrincipalAmount: d("500"), AvailableSecurityDeposit: d("50")}

	tests := []struct {
		name     string
		paid     string
		appended bool
	}{
		{"exact", "450", true},
		{"one over", "451", true},
		{"one under", "449", true},
		{"just over tolerance", "451.01", false},
		{"just under tolerance", "448.99", false},
		{"far off", "100", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(&fakeCalculator{amounts: amounts}, 2)
			doc := testDoc(line(NormalRepayment, tt.paid))

			result, err := v.Validate(context.Background(), doc)
			require.NoError(t, err)
			assert.Equal(t, tt.appended, result.DepositAppended)
			assert.Equal(t, tt.appended, result.WithinTolerance)
			if tt.appended {
				assert.Len(t, doc.Adjustments, 2)
			} else {
				assert.Len(t, doc.Adjustments, 1)
			}
		})
	}
}

func TestValidateDoesNotDuplicateDepositLine(t *testing.T) {
	v := NewValidator(&fakeCalculator{amounts: AmountsBreakdown{
		PendingPrincipalAmount:   d("500"),
		AvailableSecurityDeposit: d("50"),
	}}, 2)

	doc := testDoc(
		line(NormalRepayment, "450"),
		line(SecurityDepositAdjustment, "30"),
	)
	result, err := v.Validate(context.Background(), doc)
	require.NoError(t, err)

	assert.True(t, result.WithinTolerance)
	assert.False(t, result.DepositAppended)
	assert.Len(t, doc.Adjustments, 2)

	// A second pass over an auto-balanced document is a no-op.
	doc = testDoc(line(NormalRepayment, "450"))
	_, err = v.Validate(context.Background(), doc)
	require.NoError(t, err)
	_, err = v.Validate(context.Background(), doc)
	require.NoError(t, err)
	assert.Len(t, doc.Adjustments, 2)
}

func TestValidateExcludesDepositLinesFromPaidTotal(t *testing.T) {
	v := NewValidator(&fakeCalculator{amounts: AmountsBreakdown{PendingPrincipalAmount: d("100")}}, 2)

	doc := testDoc(
		line(SecurityDepositAdjustment, "100"),
		line(InterestWaiver, "40"),
	)
	result, err := v.Validate(context.Background(), doc)
	require.NoError(t, err)

	assert.True(t, d("40").Equal(result.TotalPaidAmount))
	assert.False(t, result.WithinTolerance)
}

func TestValidateEmptyAdjustments(t *testing.T) {
	v := NewValidator(&fakeCalculator{amounts: AmountsBreakdown{
		InterestAmount:           d("10"),
		AvailableSecurityDeposit: d("10.4"),
	}}, 2)

	doc := testDoc()
	result, err := v.Validate(context.Background(), doc)
	require.NoError(t, err)

	// Net payable rounds to -0.4, well within tolerance of a zero payment.
	assert.True(t, result.DepositAppended)
	require.Len(t, doc.Adjustments, 1)
	assert.True(t, d("10.4").Equal(doc.Adjustments[0].Amount))
}

func TestValidateRejectsBadFields(t *testing.T) {
	calc := &fakeCalculator{}
	v := NewValidator(calc, 2)

	doc := testDoc()
	doc.Loan = " "
	_, err := v.Validate(context.Background(), doc)
	assert.ErrorIs(t, err, ErrLoanRequired)

	doc = testDoc()
	doc.PostingDate = time.Time{}
	_, err = v.Validate(context.Background(), doc)
	assert.ErrorIs(t, err, ErrPostingDateRequired)

	doc = testDoc(line("Bribe", "10"))
	_, err = v.Validate(context.Background(), doc)
	assert.ErrorIs(t, err, ErrInvalidRepaymentType)
	assert.True(t, IsValidationError(err))

	doc = testDoc(line(NormalRepayment, "10.0000000001"))
	_, err = v.Validate(context.Background(), doc)
	assert.ErrorIs(t, err, ErrAmountScale)
	assert.True(t, IsValidationError(err))

	doc = testDoc(line(NormalRepayment, "10.123456789"))
	require.NoError(t, doc.CheckFields())

	assert.Zero(t, calc.calls)
}

func TestValidateCalculatorFailure(t *testing.T) {
	boom := errors.New("lending unavailable")
	v := NewValidator(&fakeCalculator{err: boom}, 2)

	doc := testDoc(line(NormalRepayment, "10"))
	_, err := v.Validate(context.Background(), doc)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsValidationError(err))
	assert.Len(t, doc.Adjustments, 1)
}
