package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openlend/circ/internal/models"
)

const patronColumns = `id, identifier, loan_limit, hold_limit,
	outstanding_fines, blocked, created_at, updated_at`

func scanPatron(row pgx.Row) (*models.Patron, error) {
	var p models.Patron
	err := row.Scan(&p.ID, &p.Identifier, &p.LoanLimit, &p.HoldLimit,
		&p.OutstandingFines, &p.Blocked, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePatron creates a new patron record.
func (db *DB) CreatePatron(ctx context.Context, patron *models.Patron) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO patrons (id, identifier, loan_limit, hold_limit,
			outstanding_fines, blocked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, patron.ID, patron.Identifier, patron.LoanLimit, patron.HoldLimit,
		patron.OutstandingFines, patron.Blocked, patron.CreatedAt, patron.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create patron: %w", err)
	}
	return nil
}

// GetPatronByID returns a patron by ID, or nil when absent.
func (db *DB) GetPatronByID(ctx context.Context, id uuid.UUID) (*models.Patron, error) {
	patron, err := scanPatron(db.Pool.QueryRow(ctx,
		`SELECT `+patronColumns+` FROM patrons WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get patron: %w", err)
	}
	return patron, nil
}

// GetPatronByIdentifier returns a patron by library card identifier, or
// nil when absent.
func (db *DB) GetPatronByIdentifier(ctx context.Context, identifier string) (*models.Patron, error) {
	patron, err := scanPatron(db.Pool.QueryRow(ctx,
		`SELECT `+patronColumns+` FROM patrons WHERE identifier = $1`, identifier))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get patron by identifier: %w", err)
	}
	return patron, nil
}

// UpdatePatron persists patron limits, fines and block state.
func (db *DB) UpdatePatron(ctx context.Context, patron *models.Patron) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE patrons
		SET loan_limit = $2, hold_limit = $3, outstanding_fines = $4,
			blocked = $5, updated_at = NOW()
		WHERE id = $1
	`, patron.ID, patron.LoanLimit, patron.HoldLimit, patron.OutstandingFines, patron.Blocked)
	if err != nil {
		return fmt.Errorf("update patron: %w", err)
	}
	return nil
}
