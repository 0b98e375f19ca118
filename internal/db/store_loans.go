package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openlend/circ/internal/models"
)

const loanColumns = `id, patron_id, pool_id, start_time, end_time,
	fulfillment_format, external_id, created_at, updated_at`

func scanLoan(row pgx.Row) (*models.Loan, error) {
	var l models.Loan
	err := row.Scan(&l.ID, &l.PatronID, &l.PoolID, &l.Start, &l.End,
		&l.FulfillmentFormat, &l.ExternalID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateLoan creates a new loan record.
func (db *DB) CreateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO loans (id, patron_id, pool_id, start_time, end_time,
			fulfillment_format, external_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, loan.ID, loan.PatronID, loan.PoolID, loan.Start, loan.End,
		loan.FulfillmentFormat, loan.ExternalID, loan.CreatedAt, loan.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create loan: %w", err)
	}
	return nil
}

// GetLoan returns the patron's loan against a pool, or nil when absent.
func (db *DB) GetLoan(ctx context.Context, patronID, poolID uuid.UUID) (*models.Loan, error) {
	loan, err := scanLoan(db.Pool.QueryRow(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE patron_id = $1 AND pool_id = $2`,
		patronID, poolID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get loan: %w", err)
	}
	return loan, nil
}

// UpdateLoan persists renewal and fulfillment changes.
func (db *DB) UpdateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE loans
		SET end_time = $2, fulfillment_format = $3, external_id = $4, updated_at = NOW()
		WHERE id = $1
	`, loan.ID, loan.End, loan.FulfillmentFormat, loan.ExternalID)
	if err != nil {
		return fmt.Errorf("update loan: %w", err)
	}
	return nil
}

// DeleteLoan removes a loan record. Deleting an already deleted loan is
// not an error, so returns stay idempotent.
func (db *DB) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM loans WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete loan: %w", err)
	}
	return nil
}

// ListLoansByPatron returns all of a patron's active loans.
func (db *DB) ListLoansByPatron(ctx context.Context, patronID uuid.UUID) ([]*models.Loan, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE patron_id = $1 ORDER BY start_time`,
		patronID)
	if err != nil {
		return nil, fmt.Errorf("list loans by patron: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan loan: %w", err)
		}
		loans = append(loans, loan)
	}
	return loans, rows.Err()
}

// CountMeteredLoansByPatron counts loans that consume a counted license:
// open-access loans and loans of indefinite duration block nobody and do
// not count toward the loan limit.
func (db *DB) CountMeteredLoansByPatron(ctx context.Context, patronID uuid.UUID) (int, error) {
	var count int
	err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM loans l
		JOIN license_pools p ON p.id = l.pool_id
		WHERE l.patron_id = $1 AND NOT p.open_access AND l.end_time IS NOT NULL
	`, patronID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count metered loans: %w", err)
	}
	return count, nil
}

// ListExpiredLoans returns loans whose term has passed, oldest first.
func (db *DB) ListExpiredLoans(ctx context.Context, now time.Time, limit int) ([]*models.Loan, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+loanColumns+` FROM loans
		 WHERE end_time IS NOT NULL AND end_time < $1
		 ORDER BY end_time LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired loan: %w", err)
		}
		loans = append(loans, loan)
	}
	return loans, rows.Err()
}

// ListLoansExpiringBetween returns loans ending inside the window, for
// the loan-expiring-soon notification pass.
func (db *DB) ListLoansExpiringBetween(ctx context.Context, from, to time.Time) ([]*models.Loan, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+loanColumns+` FROM loans
		 WHERE end_time IS NOT NULL AND end_time >= $1 AND end_time < $2
		 ORDER BY end_time`,
		from, to)
	if err != nil {
		return nil, fmt.Errorf("list expiring loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expiring loan: %w", err)
		}
		loans = append(loans, loan)
	}
	return loans, rows.Err()
}
