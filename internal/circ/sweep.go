package circ

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/openlend/circ/internal/distributor"
	"github.com/openlend/circ/internal/models"
)

// Sweep promotes queued holds while the pool has claimable licenses,
// strictly in position order. Running the sweep twice in a row is a
// no-op: promoted holds are skipped and counts move exactly once per
// license. Returns the number of holds promoted.
func (e *Engine) Sweep(ctx context.Context, poolID uuid.UUID) (int, error) {
	unlock := e.locks.lockPool(poolID)
	defer unlock()

	pool, err := e.store.GetLicensePoolByID(ctx, poolID)
	if err != nil {
		return 0, err
	}
	if pool == nil {
		return 0, distributor.NewError(distributor.KindPermanent, fmt.Sprintf("unknown pool %s", poolID))
	}
	return e.sweepLocked(ctx, pool)
}

// sweepLocked runs the promotion loop. The caller holds the pool lock.
// Pool counts are persisted per promotion, before the hold is durably
// marked ready: a stored ready hold must never coexist with stored
// availability that still counts its license.
func (e *Engine) sweepLocked(ctx context.Context, pool *models.LicensePool) (int, error) {
	if !pool.Metered() {
		return 0, nil
	}

	promoted := 0
	for pool.LicensesAvailable > 0 {
		next, err := e.nextClaimableHoldLocked(ctx, pool)
		if err != nil {
			return promoted, err
		}
		if next == nil {
			break
		}

		pool.LicensesAvailable--
		pool.LicensesReserved++
		if pool.PatronsInHoldQueue > 0 {
			pool.PatronsInHoldQueue--
		}
		if err := e.store.UpdateLicensePool(ctx, pool); err != nil {
			pool.LicensesAvailable++
			pool.LicensesReserved--
			pool.PatronsInHoldQueue++
			return promoted, fmt.Errorf("update pool: %w", err)
		}

		if err := e.markHoldReadyLocked(ctx, pool, next); err != nil {
			// Put the license back on the shelf. A failed rollback write
			// parks it until the next reconcile.
			pool.LicensesAvailable++
			pool.LicensesReserved--
			pool.PatronsInHoldQueue++
			if uerr := e.store.UpdateLicensePool(ctx, pool); uerr != nil {
				e.logger.Error().Err(uerr).
					Str("pool_id", pool.ID.String()).
					Msg("rollback of reserved license failed")
				e.requestReconcile(ctx, pool.ID)
			}
			return promoted, err
		}
		promoted++
	}

	e.metrics.SetHoldQueueDepth(pool.ID.String(), pool.PatronsInHoldQueue)
	return promoted, nil
}

// nextClaimableHoldLocked returns the first queued hold still worth
// promoting, destroying expired ones along the way. The caller holds the
// pool lock.
func (e *Engine) nextClaimableHoldLocked(ctx context.Context, pool *models.LicensePool) (*models.Hold, error) {
	for {
		next, err := e.store.GetNextQueuedHold(ctx, pool.ID)
		if err != nil {
			return nil, err
		}
		if next == nil || !next.Expired(e.clock.Now()) {
			return next, nil
		}
		if err := e.destroyExpiredHoldLocked(ctx, pool, next); err != nil {
			return nil, err
		}
	}
}

// destroyExpiredHoldLocked removes a queued hold whose own expiry has
// passed. The remote release is best-effort: the hold's queue slot is
// freed locally either way and any drift settles at the next reconcile.
func (e *Engine) destroyExpiredHoldLocked(ctx context.Context, pool *models.LicensePool, hold *models.Hold) error {
	patron, err := e.store.GetPatronByID(ctx, hold.PatronID)
	if err != nil {
		return err
	}
	if adapter, aerr := e.registry.ForPool(pool); aerr == nil && patron != nil {
		rerr := e.observe("release_hold", func() error {
			return adapter.ReleaseHold(ctx, patron, pool, hold)
		})
		if rerr != nil {
			e.logger.Warn().Err(rerr).
				Str("patron_id", hold.PatronID.String()).
				Str("pool_id", pool.ID.String()).
				Msg("remote release of expired hold failed")
			e.requestReconcile(ctx, pool.ID)
		}
	}

	if err := e.store.DeleteHold(ctx, hold.ID); err != nil {
		return fmt.Errorf("delete expired hold: %w", err)
	}
	if pool.PatronsInHoldQueue > 0 {
		pool.PatronsInHoldQueue--
	}
	if err := e.store.UpdateLicensePool(ctx, pool); err != nil {
		return fmt.Errorf("update pool: %w", err)
	}

	e.invalidateActivity(ctx, hold.PatronID)
	e.logger.Info().
		Str("patron_id", hold.PatronID.String()).
		Str("pool_id", pool.ID.String()).
		Int64("position", hold.Position).
		Msg("expired hold destroyed")
	return nil
}

// markHoldReadyLocked opens the hold's reservation window and persists
// it. The caller holds the pool lock and has already persisted the pool
// with the hold's license moved to reserved.
func (e *Engine) markHoldReadyLocked(ctx context.Context, pool *models.LicensePool, hold *models.Hold) error {
	hold.Promote(e.clock.Now(), e.config.ReservationWindow)
	if err := e.store.UpdateHold(ctx, hold); err != nil {
		return fmt.Errorf("promote hold: %w", err)
	}

	e.invalidateActivity(ctx, hold.PatronID)
	e.metrics.HoldsPromoted.Inc()
	e.notifyHoldReady(ctx, hold, pool)
	e.logger.Info().
		Str("patron_id", hold.PatronID.String()).
		Str("pool_id", pool.ID.String()).
		Int64("position", hold.Position).
		Time("deadline", *hold.ReservationDeadline).
		Msg("hold promoted")
	return nil
}

// handOffLicenseLocked routes one freed license: to the next queued hold
// when somebody waits, back to the shelf otherwise. The caller holds the
// pool lock and persists the pool afterward.
func (e *Engine) handOffLicenseLocked(ctx context.Context, pool *models.LicensePool) error {
	if !pool.Metered() {
		return nil
	}

	next, err := e.nextClaimableHoldLocked(ctx, pool)
	if err != nil {
		return err
	}
	if next == nil {
		if pool.LicensesAvailable+pool.LicensesReserved < pool.LicensesOwned {
			pool.LicensesAvailable++
		}
		return nil
	}

	pool.LicensesReserved++
	if pool.PatronsInHoldQueue > 0 {
		pool.PatronsInHoldQueue--
	}
	if err := e.store.UpdateLicensePool(ctx, pool); err != nil {
		pool.LicensesReserved--
		pool.PatronsInHoldQueue++
		return fmt.Errorf("update pool: %w", err)
	}
	return e.markHoldReadyLocked(ctx, pool, next)
}

// ReleaseLapsedReservation gives up a promoted hold whose window passed
// unclaimed and hands the license to the next patron. Reports whether a
// reservation was actually released; a hold that was claimed or canceled
// in the meantime is left alone.
func (e *Engine) ReleaseLapsedReservation(ctx context.Context, patronID, poolID uuid.UUID) (bool, error) {
	unlockPool := e.locks.lockPool(poolID)
	defer unlockPool()
	unlockPP := e.locks.lockPatronPool(patronID, poolID)
	defer unlockPP()

	patron, pool, adapter, err := e.load(ctx, patronID, poolID)
	if err != nil {
		return false, err
	}

	hold, err := e.store.GetHold(ctx, patronID, poolID)
	if err != nil {
		return false, err
	}
	if hold == nil || !hold.ReservationLapsed(e.clock.Now()) {
		return false, nil
	}

	err = distributor.RetryIdempotent(ctx, e.logger, e.config.Retry, "release_hold", func(ctx context.Context) error {
		return e.observe("release_hold", func() error {
			return adapter.ReleaseHold(ctx, patron, pool, hold)
		})
	})
	if err != nil {
		return false, err
	}

	if err := e.store.DeleteHold(ctx, hold.ID); err != nil {
		return false, fmt.Errorf("delete lapsed hold: %w", err)
	}

	if pool.Metered() && pool.LicensesReserved > 0 {
		pool.LicensesReserved--
	}
	if err := e.handOffLicenseLocked(ctx, pool); err != nil {
		return false, err
	}
	if err := e.store.UpdateLicensePool(ctx, pool); err != nil {
		return false, fmt.Errorf("update pool: %w", err)
	}

	e.invalidateActivity(ctx, patronID)
	e.metrics.ReservationsLost.Inc()
	e.logger.Info().
		Str("patron_id", patronID.String()).
		Str("pool_id", poolID.String()).
		Msg("lapsed reservation released")
	return true, nil
}
