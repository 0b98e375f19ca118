package circ

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/openlend/circ/internal/distributor"
	"github.com/openlend/circ/internal/models"
)

// PlaceHold queues a patron against a fully checked-out pool. Placing a
// hold the patron already has returns the existing hold.
func (e *Engine) PlaceHold(ctx context.Context, patronID, poolID uuid.UUID) (*models.Hold, error) {
	unlockPool := e.locks.lockPool(poolID)
	defer unlockPool()
	unlockPP := e.locks.lockPatronPool(patronID, poolID)
	defer unlockPP()

	patron, pool, adapter, err := e.load(ctx, patronID, poolID)
	if err != nil {
		return nil, err
	}
	if err := e.checkBorrowingAllowed(patron); err != nil {
		return nil, err
	}

	loan, err := e.store.GetLoan(ctx, patronID, poolID)
	if err != nil {
		return nil, err
	}
	if loan != nil {
		return nil, distributor.NewError(distributor.KindDenied, "title is already on loan to this patron")
	}

	existing, err := e.store.GetHold(ctx, patronID, poolID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if pool.HasAvailable() {
		return nil, distributor.NewError(distributor.KindDenied, "copies are available; borrow instead")
	}

	return e.placeHoldLocked(ctx, patron, pool, adapter)
}

// placeHoldLocked creates the hold. Callers hold both the pool and the
// patron-pool locks and have verified no copy is claimable.
func (e *Engine) placeHoldLocked(ctx context.Context, patron *models.Patron, pool *models.LicensePool, adapter distributor.Distributor) (*models.Hold, error) {
	existing, err := e.store.GetHold(ctx, patron.ID, pool.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	if !pool.SupportsHolds {
		return nil, distributor.NewError(distributor.KindNotHoldable, "pool does not queue holds")
	}

	count, err := e.store.CountHoldsByPatron(ctx, patron.ID)
	if err != nil {
		return nil, err
	}
	limit := patron.EffectiveHoldLimit(e.config.DefaultHoldLimit)
	if limit > 0 && count >= limit {
		return nil, distributor.NewError(distributor.KindLimitReached,
			fmt.Sprintf("hold limit of %d reached", limit))
	}

	var grant *distributor.HoldGrant
	err = e.observe("place_hold", func() error {
		var herr error
		grant, herr = adapter.PlaceHold(ctx, patron, pool)
		return herr
	})
	if err != nil {
		return nil, distributor.Escalate(err)
	}

	// Positions come from the local monotonic counter, never from the
	// vendor: vendor positions shift as other libraries' patrons come
	// and go.
	position := pool.ClaimHoldPosition()
	hold := models.NewHold(patron.ID, pool.ID, position, grant.ExpiresAt)
	hold.ExternalID = grant.ExternalID
	if err := e.store.CreateHold(ctx, hold); err != nil {
		return nil, fmt.Errorf("create hold: %w", err)
	}

	pool.PatronsInHoldQueue++
	if err := e.store.UpdateLicensePool(ctx, pool); err != nil {
		return nil, fmt.Errorf("update pool: %w", err)
	}

	e.invalidateActivity(ctx, patron.ID)
	e.metrics.HoldsPlaced.Inc()
	e.metrics.SetHoldQueueDepth(pool.ID.String(), pool.PatronsInHoldQueue)
	e.logger.Info().
		Str("patron_id", patron.ID.String()).
		Str("pool_id", pool.ID.String()).
		Int64("position", position).
		Msg("hold placed")
	return hold, nil
}

// CancelHold removes a patron's hold. Canceling a hold that does not
// exist succeeds, so retries are safe.
func (e *Engine) CancelHold(ctx context.Context, patronID, poolID uuid.UUID) error {
	unlockPool := e.locks.lockPool(poolID)
	defer unlockPool()
	unlockPP := e.locks.lockPatronPool(patronID, poolID)
	defer unlockPP()

	patron, pool, adapter, err := e.load(ctx, patronID, poolID)
	if err != nil {
		return err
	}

	hold, err := e.store.GetHold(ctx, patronID, poolID)
	if err != nil {
		return err
	}
	if hold == nil {
		return nil
	}

	err = distributor.RetryIdempotent(ctx, e.logger, e.config.Retry, "release_hold", func(ctx context.Context) error {
		return e.observe("release_hold", func() error {
			return adapter.ReleaseHold(ctx, patron, pool, hold)
		})
	})
	if err != nil {
		return err
	}

	if err := e.store.DeleteHold(ctx, hold.ID); err != nil {
		return fmt.Errorf("delete hold: %w", err)
	}

	if hold.Ready {
		// The reserved license goes to the next patron in line, or back
		// to the shelf when nobody waits.
		if pool.Metered() && pool.LicensesReserved > 0 {
			pool.LicensesReserved--
		}
		if err := e.handOffLicenseLocked(ctx, pool); err != nil {
			return err
		}
	} else if pool.PatronsInHoldQueue > 0 {
		pool.PatronsInHoldQueue--
	}

	if err := e.store.UpdateLicensePool(ctx, pool); err != nil {
		return fmt.Errorf("update pool: %w", err)
	}

	e.invalidateActivity(ctx, patronID)
	e.metrics.HoldsCanceled.Inc()
	e.metrics.SetHoldQueueDepth(pool.ID.String(), pool.PatronsInHoldQueue)
	return nil
}
