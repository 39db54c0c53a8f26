package adjustment

import (
	"context"
	"time"
)

// Store persists loan adjustments and their lines.
type Store interface {
	Insert(ctx context.Context, doc *LoanAdjustment) error
	// Update replaces the header and lines of a draft still at
	// doc.Revision and advances doc.Revision. It returns ErrNotFound,
	// ErrNotDraft or ErrConflict when the stored document cannot change.
	Update(ctx context.Context, doc *LoanAdjustment) error
	Get(ctx context.Context, name string) (*LoanAdjustment, error)
	List(ctx context.Context, filter Filter) ([]*LoanAdjustment, error)
	// MarkSubmitted moves a draft at revision to Submitted.
	MarkSubmitted(ctx context.Context, name string, revision int, at time.Time) error
	Ping(ctx context.Context) error
}

// Filter narrows List results.
type Filter struct {
	Loan      string
	DocStatus *DocStatus
	Limit     int
	Offset    int
}

const defaultListLimit = 100

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return defaultListLimit
	}
	return f.Limit
}
