package circ

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openlend/circ/internal/distributor"
	"github.com/openlend/circ/internal/models"
	"github.com/openlend/circ/internal/reconcile"
)

// ReconcilePool folds the distributor's authoritative counts into one
// pool. Clamps take effect immediately; raised availability is handed to
// the sweep before the lock is released, so freed copies go to waiting
// patrons and never to a racing borrow.
func (e *Engine) ReconcilePool(ctx context.Context, poolID uuid.UUID) (*reconcile.Report, error) {
	unlock := e.locks.lockPool(poolID)
	defer unlock()

	pool, err := e.store.GetLicensePoolByID(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, distributor.NewError(distributor.KindPermanent, fmt.Sprintf("unknown pool %s", poolID))
	}
	if !pool.Metered() {
		return &reconcile.Report{PoolID: poolID, WithinTolerance: true}, nil
	}

	adapter, err := e.registry.ForPool(pool)
	if err != nil {
		return nil, err
	}

	var snap *distributor.RemoteSnapshot
	err = distributor.RetryIdempotent(ctx, e.logger, e.config.Retry, "sync", func(ctx context.Context) error {
		return e.observe("sync", func() error {
			var serr error
			snap, serr = adapter.Sync(ctx, distributor.SyncScope{Pool: pool})
			return serr
		})
	})
	if err != nil {
		e.metrics.RecordReconcile("failed")
		return nil, err
	}

	report := reconcile.Apply(pool, snap, e.config.DriftTolerance, e.config.DriftStreakLimit)

	if err := e.store.UpdateLicensePool(ctx, pool); err != nil {
		return nil, fmt.Errorf("update pool: %w", err)
	}

	if report.Raised {
		if _, err := e.sweepLocked(ctx, pool); err != nil {
			return &report, err
		}
	}

	switch {
	case report.Drift == 0:
		e.metrics.RecordReconcile("clean")
	default:
		e.metrics.RecordReconcile("drift")
		e.metrics.DriftDetected.Inc()
	}

	if report.Inconsistent {
		detail := fmt.Sprintf("availability drifted %d beyond tolerance for %d consecutive passes",
			report.Drift, report.Streak)
		e.logger.Error().
			Str("pool_id", poolID.String()).
			Int("drift", report.Drift).
			Int("streak", report.Streak).
			Msg("persistent reconciliation inconsistency")
		if e.notifier != nil {
			e.notifier.Inconsistency(ctx, pool, detail)
		}
	} else if report.Drift > 0 {
		e.logger.Warn().
			Str("pool_id", poolID.String()).
			Int("drift", report.Drift).
			Bool("clamped", report.Clamped).
			Bool("raised", report.Raised).
			Msg("reconciled availability drift")
	}

	return &report, nil
}

// SyncPatron reconciles one patron's loans and holds against each
// owning distributor. Loans the distributor no longer recognizes are
// dropped and their licenses handed on; remote end dates are adopted.
// Queued holds missing remotely are dropped; ready holds are local
// reservations and left alone.
func (e *Engine) SyncPatron(ctx context.Context, patronID uuid.UUID) error {
	patron, err := e.store.GetPatronByID(ctx, patronID)
	if err != nil {
		return err
	}
	if patron == nil {
		return distributor.NewError(distributor.KindPermanent, fmt.Sprintf("unknown patron %s", patronID))
	}

	loans, err := e.store.ListLoansByPatron(ctx, patronID)
	if err != nil {
		return err
	}
	for _, loan := range loans {
		if err := e.syncPatronLoan(ctx, patron, loan); err != nil {
			return err
		}
	}

	holds, err := e.store.ListHoldsByPatron(ctx, patronID)
	if err != nil {
		return err
	}
	for _, hold := range holds {
		if hold.Ready {
			continue
		}
		if err := e.syncPatronHold(ctx, patron, hold); err != nil {
			return err
		}
	}

	e.invalidateActivity(ctx, patronID)
	return nil
}

func (e *Engine) syncPatronLoan(ctx context.Context, patron *models.Patron, loan *models.Loan) error {
	unlock := e.locks.lockPool(loan.PoolID)
	defer unlock()

	pool, err := e.store.GetLicensePoolByID(ctx, loan.PoolID)
	if err != nil || pool == nil {
		return err
	}
	// Open-access loans are purely local; there is nothing to compare.
	if pool.OpenAccess {
		return nil
	}
	adapter, err := e.registry.ForPool(pool)
	if err != nil {
		return err
	}

	snap, err := e.syncScope(ctx, adapter, pool, patron)
	if err != nil {
		return err
	}

	for _, remote := range snap.Loans {
		if remote.TitleID != pool.TitleID {
			continue
		}
		if !timesEqual(loan.End, remote.End) {
			loan.Renew(remote.End)
			if err := e.store.UpdateLoan(ctx, loan); err != nil {
				return fmt.Errorf("adopt remote end date: %w", err)
			}
		}
		return nil
	}

	// The distributor no longer knows this loan; drop it and hand the
	// license on.
	e.logger.Info().
		Str("patron_id", patron.ID.String()).
		Str("pool_id", pool.ID.String()).
		Msg("dropping loan the distributor no longer recognizes")
	if err := e.store.DeleteLoan(ctx, loan.ID); err != nil {
		return fmt.Errorf("delete stale loan: %w", err)
	}
	if pool.Metered() {
		if err := e.handOffLicenseLocked(ctx, pool); err != nil {
			return err
		}
		if err := e.store.UpdateLicensePool(ctx, pool); err != nil {
			return fmt.Errorf("update pool: %w", err)
		}
	}
	return nil
}

func (e *Engine) syncPatronHold(ctx context.Context, patron *models.Patron, hold *models.Hold) error {
	unlock := e.locks.lockPool(hold.PoolID)
	defer unlock()

	pool, err := e.store.GetLicensePoolByID(ctx, hold.PoolID)
	if err != nil || pool == nil {
		return err
	}
	adapter, err := e.registry.ForPool(pool)
	if err != nil {
		return err
	}

	snap, err := e.syncScope(ctx, adapter, pool, patron)
	if err != nil {
		return err
	}

	for _, remote := range snap.Holds {
		if remote.TitleID == pool.TitleID {
			return nil
		}
	}

	e.logger.Info().
		Str("patron_id", patron.ID.String()).
		Str("pool_id", pool.ID.String()).
		Msg("dropping hold the distributor no longer recognizes")
	if err := e.store.DeleteHold(ctx, hold.ID); err != nil {
		return fmt.Errorf("delete stale hold: %w", err)
	}
	if pool.PatronsInHoldQueue > 0 {
		pool.PatronsInHoldQueue--
		if err := e.store.UpdateLicensePool(ctx, pool); err != nil {
			return fmt.Errorf("update pool: %w", err)
		}
	}
	return nil
}

func (e *Engine) syncScope(ctx context.Context, adapter distributor.Distributor, pool *models.LicensePool, patron *models.Patron) (*distributor.RemoteSnapshot, error) {
	var snap *distributor.RemoteSnapshot
	err := distributor.RetryIdempotent(ctx, e.logger, e.config.Retry, "sync", func(ctx context.Context) error {
		return e.observe("sync", func() error {
			var serr error
			snap, serr = adapter.Sync(ctx, distributor.SyncScope{Pool: pool, Patron: patron})
			return serr
		})
	})
	return snap, err
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
