package adjustment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS loan_adjustments (
	name TEXT PRIMARY KEY,
	loan TEXT NOT NULL,
	posting_date TIMESTAMP NOT NULL,
	payment_account TEXT NOT NULL DEFAULT '',
	docstatus INTEGER NOT NULL DEFAULT 0,
	net_payable_amount TEXT NOT NULL DEFAULT '0',
	created_at TIMESTAMP NOT NULL,
	modified_at TIMESTAMP NOT NULL,
	submitted_at TIMESTAMP,
	revision INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_loan_adjustments_loan ON loan_adjustments(loan);

CREATE TABLE IF NOT EXISTS loan_adjustment_details (
	parent TEXT NOT NULL REFERENCES loan_adjustments(name) ON DELETE CASCADE,
	idx INTEGER NOT NULL,
	loan_repayment_type TEXT NOT NULL,
	amount TEXT NOT NULL DEFAULT '0',
	PRIMARY KEY (parent, idx)
);
`

// SQLiteStore keeps loan adjustments in a SQLite database. Amounts are
// stored as decimal strings so no precision is lost.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Migrate creates the tables when they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to migrate loan adjustment schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Insert(ctx context.Context, doc *LoanAdjustment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO loan_adjustments (name, loan, posting_date, payment_account, docstatus, net_payable_amount, created_at, modified_at, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.Name, doc.Loan, doc.PostingDate.UTC(), doc.PaymentAccount, int(doc.DocStatus),
		doc.NetPayableAmount.String(), doc.CreatedAt.UTC(), doc.ModifiedAt.UTC(), doc.Revision)
	if err != nil {
		return fmt.Errorf("database insert failed: %w", err)
	}

	if err := insertLinesSQLite(ctx, tx, doc); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Update(ctx context.Context, doc *LoanAdjustment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkDraftSQLite(ctx, tx, doc.Name, doc.Revision); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE loan_adjustments
		SET loan = ?, posting_date = ?, payment_account = ?, net_payable_amount = ?, modified_at = ?, revision = revision + 1
		WHERE name = ?
	`, doc.Loan, doc.PostingDate.UTC(), doc.PaymentAccount, doc.NetPayableAmount.String(), doc.ModifiedAt.UTC(), doc.Name)
	if err != nil {
		return fmt.Errorf("database update failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM loan_adjustment_details WHERE parent = ?`, doc.Name); err != nil {
		return fmt.Errorf("failed to clear adjustment lines: %w", err)
	}
	if err := insertLinesSQLite(ctx, tx, doc); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	doc.Revision++
	return nil
}

func (s *SQLiteStore) MarkSubmitted(ctx context.Context, name string, revision int, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := checkDraftSQLite(ctx, tx, name, revision); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE loan_adjustments SET docstatus = ?, submitted_at = ?, modified_at = ?, revision = revision + 1 WHERE name = ?
	`, int(Submitted), at.UTC(), at.UTC(), name)
	if err != nil {
		return fmt.Errorf("database update failed: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, name string) (*LoanAdjustment, error) {
	doc, err := scanHeaderSQLite(s.db.QueryRowContext(ctx, `
		SELECT name, loan, posting_date, payment_account, docstatus, net_payable_amount, created_at, modified_at, submitted_at, revision
		FROM loan_adjustments
		WHERE name = ?
	`, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("database query failed: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT idx, loan_repayment_type, amount
		FROM loan_adjustment_details
		WHERE parent = ?
		ORDER BY idx ASC
	`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query adjustment lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var line AdjustmentLine
		var repaymentType, amount string
		if err := rows.Scan(&line.Idx, &repaymentType, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		line.LoanRepaymentType = RepaymentType(repaymentType)
		if line.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("invalid amount on %s row %d: %w", name, line.Idx, err)
		}
		doc.Adjustments = append(doc.Adjustments, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*LoanAdjustment, error) {
	var (
		where []string
		args  []any
	)
	if filter.Loan != "" {
		where = append(where, "loan = ?")
		args = append(args, filter.Loan)
	}
	if filter.DocStatus != nil {
		where = append(where, "docstatus = ?")
		args = append(args, int(*filter.DocStatus))
	}

	query := `SELECT name, loan, posting_date, payment_account, docstatus, net_payable_amount, created_at, modified_at, submitted_at, revision FROM loan_adjustments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, name ASC LIMIT ? OFFSET ?"
	args = append(args, filter.limit(), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("database query failed: %w", err)
	}
	defer rows.Close()

	var docs []*LoanAdjustment
	for rows.Next() {
		doc, err := scanHeaderSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func checkDraftSQLite(ctx context.Context, tx *sql.Tx, name string, revision int) error {
	var status, current int
	err := tx.QueryRowContext(ctx, `SELECT docstatus, revision FROM loan_adjustments WHERE name = ?`, name).Scan(&status, &current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("database query failed: %w", err)
	}
	if DocStatus(status) != Draft {
		return fmt.Errorf("%w: %s is %s", ErrNotDraft, name, DocStatus(status))
	}
	if current != revision {
		return fmt.Errorf("%w: %s is at revision %d, expected %d", ErrConflict, name, current, revision)
	}
	return nil
}

func insertLinesSQLite(ctx context.Context, tx *sql.Tx, doc *LoanAdjustment) error {
	for _, line := range doc.Adjustments {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO loan_adjustment_details (parent, idx, loan_repayment_type, amount) VALUES (?, ?, ?, ?)
		`, doc.Name, line.Idx, string(line.LoanRepaymentType), line.Amount.String())
		if err != nil {
			return fmt.Errorf("failed to insert adjustment line %d: %w", line.Idx, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHeaderSQLite(row rowScanner) (*LoanAdjustment, error) {
	var (
		doc       LoanAdjustment
		status    int
		net       string
		submitted sql.NullTime
	)
	err := row.Scan(&doc.Name, &doc.Loan, &doc.PostingDate, &doc.PaymentAccount, &status,
		&net, &doc.CreatedAt, &doc.ModifiedAt, &submitted, &doc.Revision)
	if err != nil {
		return nil, err
	}
	doc.DocStatus = DocStatus(status)
	if submitted.Valid {
		at := submitted.Time
		doc.SubmittedAt = &at
	}
	if doc.NetPayableAmount, err = decimal.NewFromString(net); err != nil {
		return nil, fmt.Errorf("invalid net payable amount on %s: %w", doc.Name, err)
	}
	return &doc, nil
}
