package adjustment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// Pool is the subset of *pgxpool.Pool the store needs.
type Pool interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS loan_adjustments (
    name               TEXT PRIMARY KEY,
    loan               TEXT NOT NULL,
    posting_date       TIMESTAMPTZ NOT NULL,
    payment_account    TEXT NOT NULL DEFAULT '',
    docstatus          SMALLINT NOT NULL DEFAULT 0,
    net_payable_amount NUMERIC(21, 9) NOT NULL DEFAULT 0,
    created_at         TIMESTAMPTZ NOT NULL,
    modified_at        TIMESTAMPTZ NOT NULL,
    submitted_at       TIMESTAMPTZ,
    revision           INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS loan_adjustments_loan_idx ON loan_adjustments (loan);
CREATE TABLE IF NOT EXISTS loan_adjustment_details (
    parent              TEXT NOT NULL REFERENCES loan_adjustments (name) ON DELETE CASCADE,
    idx                 INTEGER NOT NULL,
    loan_repayment_type TEXT NOT NULL,
    amount              NUMERIC(21, 9) NOT NULL DEFAULT 0,
    PRIMARY KEY (parent, idx)
);`

const (
	maxSerializationRetries = 3
	queryTimeout            = 5 * time.Second
)

// PostgresStore keeps loan adjustments in PostgreSQL. Writes run in
// SERIALIZABLE transactions and are retried on serialization failures.
type PostgresStore struct {
	pool Pool
}

func NewPostgresStore(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables when they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := s.pool.Exec(queryCtx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate loan adjustment schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Insert(ctx context.Context, doc *LoanAdjustment) error {
	return s.withTx(ctx, "insert loan adjustment", func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
            INSERT INTO loan_adjustments (
                name, loan, posting_date, payment_account, docstatus,
                net_payable_amount, created_at, modified_at, revision
            ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        `, doc.Name, doc.Loan, doc.PostingDate, doc.PaymentAccount, int(doc.DocStatus),
			doc.NetPayableAmount, doc.CreatedAt, doc.ModifiedAt, doc.Revision)
		if err != nil {
			return fmt.Errorf("failed to insert header: %w", err)
		}
		return insertLinesPg(ctx, tx, doc)
	})
}

// Update replaces the header and lines of a draft whose stored revision is
// still doc.Revision, and advances doc.Revision on success.
func (s *PostgresStore) Update(ctx context.Context, doc *LoanAdjustment) error {
	err := s.withTx(ctx, "update loan adjustment", func(ctx context.Context, tx pgx.Tx) error {
		if err := lockDraftPg(ctx, tx, doc.Name, doc.Revision); err != nil {
			return err
		}

		_, err := tx.Exec(ctx, `
            UPDATE loan_adjustments
            SET loan = $2, posting_date = $3, payment_account = $4,
                net_payable_amount = $5, modified_at = $6, revision = revision + 1
            WHERE name = $1
        `, doc.Name, doc.Loan, doc.PostingDate, doc.PaymentAccount, doc.NetPayableAmount, doc.ModifiedAt)
		if err != nil {
			return fmt.Errorf("failed to update header: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM loan_adjustment_details WHERE parent = $1`, doc.Name); err != nil {
			return fmt.Errorf("failed to clear adjustment lines: %w", err)
		}
		return insertLinesPg(ctx, tx, doc)
	})
	if err != nil {
		return err
	}
	doc.Revision++
	return nil
}

// MarkSubmitted submits the draft only if it is still at revision.
func (s *PostgresStore) MarkSubmitted(ctx context.Context, name string, revision int, at time.Time) error {
	return s.withTx(ctx, "submit loan adjustment", func(ctx context.Context, tx pgx.Tx) error {
		if err := lockDraftPg(ctx, tx, name, revision); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
            UPDATE loan_adjustments
            SET docstatus = $2, submitted_at = $3, modified_at = $3, revision = revision + 1
            WHERE name = $1
        `, name, int(Submitted), at)
		if err != nil {
			return fmt.Errorf("failed to mark submitted: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Get(ctx context.Context, name string) (*LoanAdjustment, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	doc, err := scanHeaderPg(s.pool.QueryRow(queryCtx, `
        SELECT name, loan, posting_date, payment_account, docstatus,
               net_payable_amount::text, created_at, modified_at, submitted_at, revision
        FROM loan_adjustments
        WHERE name = $1
    `, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to get loan adjustment: %w", err)
	}

	rows, err := s.pool.Query(queryCtx, `
        SELECT idx, loan_repayment_type, amount::text
        FROM loan_adjustment_details
        WHERE parent = $1
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
			return nil, fmt.Errorf("failed to scan adjustment line: %w", err)
		}
		line.LoanRepaymentType = RepaymentType(repaymentType)
		if line.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("invalid amount on %s row %d: %w", name, line.Idx, err)
		}
		doc.Adjustments = append(doc.Adjustments, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read adjustment lines: %w", err)
	}

	return doc, nil
}

// List returns headers only; use Get for the lines.
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*LoanAdjustment, error) {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if filter.Loan != "" {
		args = append(args, filter.Loan)
		where = append(where, fmt.Sprintf("loan = $%d", len(args)))
	}
	if filter.DocStatus != nil {
		args = append(args, int(*filter.DocStatus))
		where = append(where, fmt.Sprintf("docstatus = $%d", len(args)))
	}

	query := `
        SELECT name, loan, posting_date, payment_account, docstatus,
               net_payable_amount::text, created_at, modified_at, submitted_at, revision
        FROM loan_adjustments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.limit(), max(filter.Offset, 0))
	query += fmt.Sprintf(" ORDER BY created_at DESC, name ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(queryCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loan adjustments: %w", err)
	}
	defer rows.Close()

	var docs []*LoanAdjustment
	for rows.Next() {
		doc, err := scanHeaderPg(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan adjustment: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// withTx runs fn in a SERIALIZABLE transaction, retrying serialization
// failures.
func (s *PostgresStore) withTx(ctx context.Context, op string, fn func(context.Context, pgx.Tx) error) error {
	for attempt := 0; attempt < maxSerializationRetries; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "40001" {
			if attempt == maxSerializationRetries-1 {
				return fmt.Errorf("failed to %s after %d retries due to serialization failure: %w", op, maxSerializationRetries, err)
			}
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotDraft) || errors.Is(err, ErrConflict) {
			return err
		}
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.pool.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	if err := fn(queryCtx, tx); err != nil {
		return err
	}

	if err := tx.Commit(queryCtx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func lockDraftPg(ctx context.Context, tx pgx.Tx, name string, revision int) error {
	var status, current int
	err := tx.QueryRow(ctx, `
        SELECT docstatus, revision FROM loan_adjustments WHERE name = $1 FOR UPDATE
    `, name).Scan(&status, &current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("failed to lock loan adjustment: %w", err)
	}
	if DocStatus(status) != Draft {
		return fmt.Errorf("%w: %s is %s", ErrNotDraft, name, DocStatus(status))
	}
	if current != revision {
		return fmt.Errorf("%w: %s is at revision %d, expected %d", ErrConflict, name, current, revision)
	}
	return nil
}

func insertLinesPg(ctx context.Context, tx pgx.Tx, doc *LoanAdjustment) error {
	for _, line := range doc.Adjustments {
		_, err := tx.Exec(ctx, `
            INSERT INTO loan_adjustment_details (parent, idx, loan_repayment_type, amount)
            VALUES ($1, $2, $3, $4)
        `, doc.Name, line.Idx, string(line.LoanRepaymentType), line.Amount)
		if err != nil {
			return fmt.Errorf("failed to insert adjustment line %d: %w", line.Idx, err)
		}
	}
	return nil
}

func scanHeaderPg(row pgx.Row) (*LoanAdjustment, error) {
	var (
		doc       LoanAdjustment
		status    int
		net       string
		submitted *time.Time
	)
	err := row.Scan(&doc.Name, &doc.Loan, &doc.PostingDate, &doc.PaymentAccount, &status,
		&net, &doc.CreatedAt, &doc.ModifiedAt, &submitted, &doc.Revision)
	if err != nil {
		return nil, err
	}
	doc.DocStatus = DocStatus(status)
	doc.SubmittedAt = submitted
	if doc.NetPayableAmount, err = decimal.NewFromString(net); err != nil {
		return nil, fmt.Errorf("invalid net payable amount on %s: %w", doc.Name, err)
	}
	return &doc, nil
}
