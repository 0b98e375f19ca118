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

const holdColumns = `id, patron_id, pool_id, position, expires_at,
	ready, reserved_at, reservation_deadline, external_id, created_at, updated_at`

func scanHold(row pgx.Row) (*models.Hold, error) {
	var h models.Hold
	err := row.Scan(&h.ID, &h.PatronID, &h.PoolID, &h.Position,
		&h.ExpiresAt, &h.Ready, &h.ReservedAt, &h.ReservationDeadline,
		&h.ExternalID, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// CreateHold creates a new hold record.
func (db *DB) CreateHold(ctx context.Context, hold *models.Hold) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO holds (id, patron_id, pool_id, position, expires_at,
			ready, reserved_at, reservation_deadline, external_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, hold.ID, hold.PatronID, hold.PoolID, hold.Position,
		hold.ExpiresAt, hold.Ready, hold.ReservedAt, hold.ReservationDeadline,
		hold.ExternalID, hold.CreatedAt, hold.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create hold: %w", err)
	}
	return nil
}

// GetHold returns the patron's hold against a pool, or nil when absent.
func (db *DB) GetHold(ctx context.Context, patronID, poolID uuid.UUID) (*models.Hold, error) {
	hold, err := scanHold(db.Pool.QueryRow(ctx,
		`SELECT `+holdColumns+` FROM holds WHERE patron_id = $1 AND pool_id = $2`,
		patronID, poolID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get hold: %w", err)
	}
	return hold, nil
}

// UpdateHold persists promotion and reservation changes.
func (db *DB) UpdateHold(ctx context.Context, hold *models.Hold) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE holds
		SET expires_at = $2, ready = $3, reserved_at = $4,
			reservation_deadline = $5, external_id = $6, updated_at = NOW()
		WHERE id = $1
	`, hold.ID, hold.ExpiresAt, hold.Ready, hold.ReservedAt,
		hold.ReservationDeadline, hold.ExternalID)
	if err != nil {
		return fmt.Errorf("update hold: %w", err)
	}
	return nil
}

// DeleteHold removes a hold record. Missing rows are not an error so
// cancellation stays idempotent.
func (db *DB) DeleteHold(ctx context.Context, id uuid.UUID) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM holds WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete hold: %w", err)
	}
	return nil
}

// ListHoldsByPatron returns all of a patron's holds, queue order first.
func (db *DB) ListHoldsByPatron(ctx context.Context, patronID uuid.UUID) ([]*models.Hold, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+holdColumns+` FROM holds WHERE patron_id = $1 ORDER BY created_at`,
		patronID)
	if err != nil {
		return nil, fmt.Errorf("list holds by patron: %w", err)
	}
	defer rows.Close()
	return collectHolds(rows)
}

// CountHoldsByPatron counts a patron's active holds for limit enforcement.
func (db *DB) CountHoldsByPatron(ctx context.Context, patronID uuid.UUID) (int, error) {
	var count int
	err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM holds WHERE patron_id = $1`, patronID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count holds: %w", err)
	}
	return count, nil
}

// GetNextQueuedHold returns the not-yet-ready hold with the lowest
// position in a pool's queue, or nil when the queue is empty.
func (db *DB) GetNextQueuedHold(ctx context.Context, poolID uuid.UUID) (*models.Hold, error) {
	hold, err := scanHold(db.Pool.QueryRow(ctx,
		`SELECT `+holdColumns+` FROM holds
		 WHERE pool_id = $1 AND NOT ready
		 ORDER BY position LIMIT 1`,
		poolID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get next queued hold: %w", err)
	}
	return hold, nil
}

// CountQueuedHolds counts holds still waiting in a pool's queue.
func (db *DB) CountQueuedHolds(ctx context.Context, poolID uuid.UUID) (int, error) {
	var count int
	err := db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM holds WHERE pool_id = $1 AND NOT ready`, poolID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count queued holds: %w", err)
	}
	return count, nil
}

// ListHoldsByPool returns every hold against a pool in queue order.
func (db *DB) ListHoldsByPool(ctx context.Context, poolID uuid.UUID) ([]*models.Hold, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+holdColumns+` FROM holds WHERE pool_id = $1 ORDER BY position`,
		poolID)
	if err != nil {
		return nil, fmt.Errorf("list holds by pool: %w", err)
	}
	defer rows.Close()
	return collectHolds(rows)
}

// ListLapsedReservations returns ready holds whose claim window has
// passed, oldest deadline first.
func (db *DB) ListLapsedReservations(ctx context.Context, now time.Time, limit int) ([]*models.Hold, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+holdColumns+` FROM holds
		 WHERE ready AND reservation_deadline IS NOT NULL AND reservation_deadline < $1
		 ORDER BY reservation_deadline LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("list lapsed reservations: %w", err)
	}
	defer rows.Close()
	return collectHolds(rows)
}

func collectHolds(rows pgx.Rows) ([]*models.Hold, error) {
	var holds []*models.Hold
	for rows.Next() {
		hold, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hold: %w", err)
		}
		holds = append(holds, hold)
	}
	return holds, rows.Err()
}
