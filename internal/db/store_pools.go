package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openlend/circ/internal/models"
)

const poolColumns = `id, collection_id, distributor_type, title_id,
	licenses_owned, licenses_available, licenses_reserved, patrons_in_hold_queue,
	next_hold_position, unlimited_access, open_access, supports_holds,
	drift_streak, last_synced_at, created_at, updated_at`

func scanPool(row pgx.Row) (*models.LicensePool, error) {
	var p models.LicensePool
	var distributorType string
	err := row.Scan(&p.ID, &p.CollectionID, &distributorType, &p.TitleID,
		&p.LicensesOwned, &p.LicensesAvailable, &p.LicensesReserved, &p.PatronsInHoldQueue,
		&p.NextHoldPosition, &p.UnlimitedAccess, &p.OpenAccess, &p.SupportsHolds,
		&p.DriftStreak, &p.LastSyncedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.DistributorType = models.DistributorType(distributorType)
	return &p, nil
}

// CreateLicensePool creates a new license pool.
func (db *DB) CreateLicensePool(ctx context.Context, pool *models.LicensePool) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO license_pools (id, collection_id, distributor_type, title_id,
			licenses_owned, licenses_available, licenses_reserved, patrons_in_hold_queue,
			next_hold_position, unlimited_access, open_access, supports_holds,
			drift_streak, last_synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, pool.ID, pool.CollectionID, pool.DistributorType, pool.TitleID,
		pool.LicensesOwned, pool.LicensesAvailable, pool.LicensesReserved, pool.PatronsInHoldQueue,
		pool.NextHoldPosition, pool.UnlimitedAccess, pool.OpenAccess, pool.SupportsHolds,
		pool.DriftStreak, pool.LastSyncedAt, pool.CreatedAt, pool.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create license pool: %w", err)
	}
	return nil
}

// GetLicensePoolByID returns a pool by ID, or nil when absent.
func (db *DB) GetLicensePoolByID(ctx context.Context, id uuid.UUID) (*models.LicensePool, error) {
	pool, err := scanPool(db.Pool.QueryRow(ctx,
		`SELECT `+poolColumns+` FROM license_pools WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get license pool: %w", err)
	}
	return pool, nil
}

// UpdateLicensePool persists the pool's counts, counters and sync state.
func (db *DB) UpdateLicensePool(ctx context.Context, pool *models.LicensePool) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE license_pools
		SET licenses_owned = $2, licenses_available = $3, licenses_reserved = $4,
			patrons_in_hold_queue = $5, next_hold_position = $6,
			unlimited_access = $7, open_access = $8, supports_holds = $9,
			drift_streak = $10, last_synced_at = $11, updated_at = NOW()
		WHERE id = $1
	`, pool.ID, pool.LicensesOwned, pool.LicensesAvailable, pool.LicensesReserved,
		pool.PatronsInHoldQueue, pool.NextHoldPosition,
		pool.UnlimitedAccess, pool.OpenAccess, pool.SupportsHolds,
		pool.DriftStreak, pool.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("update license pool: %w", err)
	}
	return nil
}

// CompareAndSetAvailability atomically moves a pool's availability from
// one value to another. Returns false when the current value no longer
// matches, which lets optimistic decrements roll back safely under
// concurrent mutation.
func (db *DB) CompareAndSetAvailability(ctx context.Context, poolID uuid.UUID, from, to int) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE license_pools
		SET licenses_available = $3, updated_at = NOW()
		WHERE id = $1 AND licenses_available = $2
	`, poolID, from, to)
	if err != nil {
		return false, fmt.Errorf("compare-and-set availability: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListLicensePoolIDs returns the IDs of all pools, for scheduled
// reconciliation.
func (db *DB) ListLicensePoolIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := db.Pool.Query(ctx, `SELECT id FROM license_pools ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list license pool ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan license pool id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
