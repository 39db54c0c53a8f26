package adjustment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/example/loan-adjustments/pkg/audit"
)

// Auditor records tamper-evident audit entries.
type Auditor interface {
	Record(ctx context.Context, ev audit.Event) *audit.LogEntry
}

// Service runs the loan adjustment document lifecycle: drafts are created
// and updated through validation, and submission turns every non-zero line
// into a loan repayment.
type Service struct {
	store     Store
	validator *Validator
	creator   RepaymentCreator
	metrics   *Metrics
	auditor   Auditor
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithMetrics(m *Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithAuditor(a Auditor) Option { return func(s *Service) { s.auditor = a } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a loan adjustment service.
func NewService(store Store, validator *Validator, creator RepaymentCreator, opts ...Option) *Service {
	s := &Service{
		store:     store,
		validator: validator,
		creator:   creator,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Preview validates a copy of doc without persisting anything.
func (s *Service) Preview(ctx context.Context, doc *LoanAdjustment) (*LoanAdjustment, *ValidationResult, error) {
	preview := doc.Clone()
	preview.DocStatus = Draft
	preview.Renumber()

	result, err := s.validate(ctx, preview)
	if err != nil {
		return nil, nil, err
	}
	return preview, result, nil
}

// Create validates doc and stores it as a new draft.
func (s *Service) Create(ctx context.Context, doc *LoanAdjustment) (*LoanAdjustment, *ValidationResult, error) {
	created := doc.Clone()
	created.DocStatus = Draft
	created.SubmittedAt = nil
	created.Renumber()

	result, err := s.validate(ctx, created)
	if err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	created.Name = NewName()
	created.CreatedAt = now
	created.ModifiedAt = now
	created.Revision = 1

	if err := s.store.Insert(ctx, created); err != nil {
		return nil, nil, fmt.Errorf("failed to create loan adjustment: %w", err)
	}

	s.audit(ctx, "create", created)
	return created, result, nil
}

// Update replaces the contents of a draft and validates it again.
func (s *Service) Update(ctx context.Context, name string, doc *LoanAdjustment) (*LoanAdjustment, *ValidationResult, error) {
	existing, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if existing.DocStatus != Draft {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrNotDraft, name, existing.DocStatus)
	}

	updated := doc.Clone()
	updated.Name = name
	updated.DocStatus = Draft
	updated.SubmittedAt = nil
	updated.CreatedAt = existing.CreatedAt
	updated.Revision = existing.Revision
	updated.Renumber()

	result, err := s.validate(ctx, updated)
	if err != nil {
		return nil, nil, err
	}

	updated.ModifiedAt = s.now().UTC()
	if err := s.store.Update(ctx, updated); err != nil {
		return nil, nil, fmt.Errorf("failed to update loan adjustment: %w", err)
	}

	s.audit(ctx, "update", updated)
	return updated, result, nil
}

// Get returns a stored loan adjustment.
func (s *Service) Get(ctx context.Context, name string) (*LoanAdjustment, error) {
	if name == "" {
		return nil, ErrNotFound
	}
	return s.store.Get(ctx, name)
}

// List returns stored loan adjustments matching filter.
func (s *Service) List(ctx context.Context, filter Filter) ([]*LoanAdjustment, error) {
	return s.store.List(ctx, filter)
}

// Submit validates the draft once more against freshly calculated amounts,
// creates a loan repayment for every line with a non-zero amount, in table
// order, and marks the document submitted. The first failing line aborts the
// submission and the document stays a draft; idempotency keys let a retry
// skip lines that were already accepted. If the draft is edited while
// repayments are being created, the submission fails with ErrConflict.
func (s *Service) Submit(ctx context.Context, name string) (*LoanAdjustment, error) {
	doc, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if doc.DocStatus != Draft {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotDraft, name, doc.DocStatus)
	}

	s.invalidateAmounts(ctx, doc.Loan)
	result, err := s.validate(ctx, doc)
	if err != nil {
		return nil, err
	}
	if result.DepositAppended {
		doc.ModifiedAt = s.now().UTC()
		if err := s.store.Update(ctx, doc); err != nil {
			return nil, fmt.Errorf("failed to save security deposit adjustment: %w", err)
		}
	}

	if err := s.onSubmit(ctx, doc); err != nil {
		s.logger.Error("loan adjustment submission failed", "name", doc.Name, "loan", doc.Loan, "error", err)
		return nil, err
	}

	at := s.now().UTC()
	if err := s.store.MarkSubmitted(ctx, doc.Name, doc.Revision, at); err != nil {
		if errors.Is(err, ErrConflict) {
			s.logger.Error("loan adjustment changed during submission", "name", doc.Name, "loan", doc.Loan, "revision", doc.Revision, "error", err)
		}
		return nil, fmt.Errorf("failed to mark loan adjustment submitted: %w", err)
	}
	doc.DocStatus = Submitted
	doc.SubmittedAt = &at
	doc.ModifiedAt = at
	doc.Revision++

	s.invalidateAmounts(ctx, doc.Loan)

	s.metrics.recordSubmission(ctx)
	s.audit(ctx, "submit", doc)
	s.logger.Info("loan adjustment submitted", "name", doc.Name, "loan", doc.Loan, "lines", len(doc.Adjustments))
	return doc, nil
}

func (s *Service) onSubmit(ctx context.Context, doc *LoanAdjustment) error {
	for _, line := range doc.Adjustments {
		if line.Amount.IsZero() {
			continue
		}

		req := RepaymentRequest{
			Loan:           doc.Loan,
			PostingDate:    doc.PostingDate,
			RepaymentType:  line.LoanRepaymentType,
			Amount:         line.Amount,
			ReferenceName:  doc.Name,
			PaymentAccount: doc.PaymentAccount,
			IdempotencyKey: RepaymentKey(doc.Name, line),
		}
		if err := s.creator.CreateLoanRepayment(ctx, req); err != nil {
			return &RepaymentError{Name: doc.Name, Idx: line.Idx, RepaymentType: line.LoanRepaymentType, Err: err}
		}
		s.metrics.recordRepayment(ctx)
	}
	return nil
}

// RepaymentKey identifies the repayment booked for line of document name.
// It changes whenever the line's position, type or amount changes.
func RepaymentKey(name string, line AdjustmentLine) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s", name, line.Idx, line.LoanRepaymentType, line.Amount.String())))
	return name + "-" + strconv.Itoa(line.Idx) + "-" + hex.EncodeToString(sum[:8])
}

func (s *Service) invalidateAmounts(ctx context.Context, loan string) {
	inv, ok := s.validator.Calculator().(Invalidator)
	if !ok {
		return
	}
	if err := inv.Invalidate(ctx, loan); err != nil {
		s.logger.Warn("failed to invalidate cached amounts", "loan", loan, "error", err)
	}
}

func (s *Service) validate(ctx context.Context, doc *LoanAdjustment) (*ValidationResult, error) {
	result, err := s.validator.Validate(ctx, doc)
	if err != nil {
		return nil, err
	}
	s.metrics.recordValidation(ctx, result)
	if result.DepositAppended {
		s.logger.Info("security deposit adjustment appended",
			"name", doc.Name,
			"loan", doc.Loan,
			"amount", result.DepositAmount.String(),
			"net_payable", result.NetPayableAmount.String(),
		)
	}
	return result, nil
}

func (s *Service) audit(ctx context.Context, action string, doc *LoanAdjustment) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(ctx, audit.Event{
		Action:   "loan_adjustment." + action,
		Resource: doc.Name,
		Detail: map[string]string{
			"loan":        doc.Loan,
			"docstatus":   doc.DocStatus.String(),
			"lines":       strconv.Itoa(len(doc.Adjustments)),
			"net_payable": doc.NetPayableAmount.String(),
		},
	})
}

// IsValidationError reports whether err came from field validation rather
// than a collaborator or the store.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrLoanRequired) ||
		errors.Is(err, ErrPostingDateRequired) ||
		errors.Is(err, ErrInvalidRepaymentType) ||
		errors.Is(err, ErrAmountScale)
}
