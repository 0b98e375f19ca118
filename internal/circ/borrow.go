package circ

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/openlend/circ/internal/distributor"
	"github.com/openlend/circ/internal/models"
)

// BorrowResult is the outcome of a borrow attempt: exactly one of Loan
// or Hold is set. A Hold means every copy was out and the patron was
// queued instead.
type BorrowResult struct {
	Loan *models.Loan `json:"loan,omitempty"`
	Hold *models.Hold `json:"hold,omitempty"`
}

// Borrow attempts to check a title out to a patron. When no copy is
// available and the pool queues holds, the patron is placed on hold
// instead of failing. Borrowing a title the patron already has on loan
// returns the existing loan.
func (e *Engine) Borrow(ctx context.Context, patronID, poolID uuid.UUID, format string) (*BorrowResult, error) {
	unlockPool := e.locks.lockPool(poolID)
	defer unlockPool()
	unlockPP := e.locks.lockPatronPool(patronID, poolID)
	defer unlockPP()

	patron, pool, adapter, err := e.load(ctx, patronID, poolID)
	if err != nil {
		return nil, err
	}
	if err := e.checkBorrowingAllowed(patron); err != nil {
		e.metrics.RecordCheckout("denied")
		return nil, err
	}

	existing, err := e.store.GetLoan(ctx, patronID, poolID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// Re-borrowing a title the patron already has is a confirmation,
		// not a failure. Expired loans get cleaned up by the expiry job.
		return &BorrowResult{Loan: existing}, nil
	}

	// Open-access content never consumes a license and never counts
	// toward the loan limit; the loan is local and indefinite.
	if pool.OpenAccess {
		loan := models.NewLoan(patronID, poolID, e.clock.Now(), nil)
		if err := e.store.CreateLoan(ctx, loan); err != nil {
			return nil, fmt.Errorf("create open-access loan: %w", err)
		}
		e.invalidateActivity(ctx, patronID)
		e.metrics.RecordCheckout("granted")
		return &BorrowResult{Loan: loan}, nil
	}

	if err := e.checkLoanLimit(ctx, patron); err != nil {
		e.metrics.RecordCheckout("denied")
		return nil, err
	}

	// A ready hold carries a reserved license; claiming it bypasses the
	// availability gate.
	hold, err := e.store.GetHold(ctx, patronID, poolID)
	if err != nil {
		return nil, err
	}
	if hold != nil && hold.Ready {
		loan, err := e.claimReservation(ctx, patron, pool, adapter, hold, format)
		if err != nil {
			return nil, err
		}
		return &BorrowResult{Loan: loan}, nil
	}

	if pool.UnlimitedAccess {
		return e.checkoutRemote(ctx, patron, pool, adapter, format)
	}

	if !pool.HasAvailable() {
		return e.fallbackToHold(ctx, patron, pool, adapter)
	}

	// Optimistically take the license before the remote call so two
	// concurrent borrows cannot both spend the last copy.
	from := pool.LicensesAvailable
	taken, err := e.store.CompareAndSetAvailability(ctx, poolID, from, from-1)
	if err != nil {
		return nil, err
	}
	if !taken {
		// Someone else moved the count under us; re-read and settle.
		pool, err = e.store.GetLicensePoolByID(ctx, poolID)
		if err != nil {
			return nil, err
		}
		if pool == nil {
			return nil, distributor.NewError(distributor.KindPermanent, fmt.Sprintf("unknown pool %s", poolID))
		}
		if !pool.HasAvailable() {
			return e.fallbackToHold(ctx, patron, pool, adapter)
		}
		from = pool.LicensesAvailable
		taken, err = e.store.CompareAndSetAvailability(ctx, poolID, from, from-1)
		if err != nil {
			return nil, err
		}
		if !taken {
			return e.fallbackToHold(ctx, patron, pool, adapter)
		}
	}
	pool.LicensesAvailable = from - 1

	result, err := e.checkoutRemote(ctx, patron, pool, adapter, format)
	if err != nil || result.Hold != nil {
		e.rollbackAvailability(ctx, poolID, from-1, from)
	}
	if err == nil && result.Hold != nil {
		// The vendor said busy despite our count; their view wins until
		// the next reconciliation.
		return result, nil
	}
	return result, err
}

// checkoutRemote performs the distributor checkout and records the local
// loan. When the distributor reports Busy the patron falls back to a
// hold; the caller rolls back any optimistic decrement in that case.
func (e *Engine) checkoutRemote(ctx context.Context, patron *models.Patron, pool *models.LicensePool, adapter distributor.Distributor, format string) (*BorrowResult, error) {
	var grant *distributor.LoanGrant
	err := e.observe("checkout", func() error {
		var cerr error
		grant, cerr = adapter.Checkout(ctx, patron, pool, format)
		return cerr
	})
	if err != nil {
		switch distributor.KindOf(err) {
		case distributor.KindBusy:
			e.metrics.RecordCheckout("busy")
			return e.fallbackToHold(ctx, patron, pool, adapter)
		case distributor.KindTransient:
			// Checkout is not idempotent; instead of retrying blind we ask
			// the distributor whether the loan actually landed.
			loan, resolved := e.resolveLostCheckout(ctx, patron, pool, adapter)
			if resolved {
				e.metrics.RecordCheckout("granted")
				return &BorrowResult{Loan: loan}, nil
			}
			e.metrics.RecordCheckout("failed")
			e.requestReconcile(ctx, pool.ID)
			return nil, distributor.Escalate(err)
		default:
			e.metrics.RecordCheckout("failed")
			return nil, err
		}
	}

	loan := models.NewLoan(patron.ID, pool.ID, grant.Start, grant.End)
	loan.ExternalID = grant.ExternalID
	if err := e.store.CreateLoan(ctx, loan); err != nil {
		return nil, fmt.Errorf("create loan: %w", err)
	}
	e.invalidateActivity(ctx, patron.ID)
	e.metrics.RecordCheckout("granted")
	e.requestReconcile(ctx, pool.ID)
	e.logger.Info().
		Str("patron_id", patron.ID.String()).
		Str("pool_id", pool.ID.String()).
		Str("external_id", grant.ExternalID).
		Msg("checkout granted")
	return &BorrowResult{Loan: loan}, nil
}

// resolveLostCheckout asks the distributor whether a checkout that died
// mid-flight actually succeeded remotely. When it did, the local loan is
// created from the distributor's record so the two sides stay aligned.
func (e *Engine) resolveLostCheckout(ctx context.Context, patron *models.Patron, pool *models.LicensePool, adapter distributor.Distributor) (*models.Loan, bool) {
	var snap *distributor.RemoteSnapshot
	err := distributor.RetryIdempotent(ctx, e.logger, e.config.Retry, "sync", func(ctx context.Context) error {
		var serr error
		snap, serr = adapter.Sync(ctx, distributor.SyncScope{Pool: pool, Patron: patron})
		return serr
	})
	if err != nil {
		e.logger.Warn().Err(err).
			Str("pool_id", pool.ID.String()).
			Msg("could not resolve interrupted checkout")
		return nil, false
	}

	for _, remote := range snap.Loans {
		if remote.TitleID != pool.TitleID {
			continue
		}
		loan := models.NewLoan(patron.ID, pool.ID, e.clock.Now(), remote.End)
		loan.ExternalID = remote.ExternalID
		if err := e.store.CreateLoan(ctx, loan); err != nil {
			e.logger.Error().Err(err).Msg("record resolved checkout")
			return nil, false
		}
		e.invalidateActivity(ctx, patron.ID)
		return loan, true
	}
	return nil, false
}

// fallbackToHold queues the patron when no copy is available.
func (e *Engine) fallbackToHold(ctx context.Context, patron *models.Patron, pool *models.LicensePool, adapter distributor.Distributor) (*BorrowResult, error) {
	hold, err := e.placeHoldLocked(ctx, patron, pool, adapter)
	if err != nil {
		return nil, err
	}
	return &BorrowResult{Hold: hold}, nil
}

// claimReservation converts a ready hold into a loan using the license
// reserved for the patron.
func (e *Engine) claimReservation(ctx context.Context, patron *models.Patron, pool *models.LicensePool, adapter distributor.Distributor, hold *models.Hold, format string) (*models.Loan, error) {
	if hold.ReservationLapsed(e.clock.Now()) {
		return nil, distributor.NewError(distributor.KindDenied, "reservation window has lapsed")
	}

	var grant *distributor.LoanGrant
	err := e.observe("checkout", func() error {
		var cerr error
		grant, cerr = adapter.Checkout(ctx, patron, pool, format)
		return cerr
	})

	var loan *models.Loan
	switch {
	case err == nil:
		loan = models.NewLoan(patron.ID, pool.ID, grant.Start, grant.End)
		loan.ExternalID = grant.ExternalID
		if err := e.store.CreateLoan(ctx, loan); err != nil {
			return nil, fmt.Errorf("create loan: %w", err)
		}
	case distributor.KindOf(err) == distributor.KindTransient:
		// Checkout is not idempotent; instead of retrying blind we ask
		// the distributor whether the claim actually landed.
		resolved, ok := e.resolveLostCheckout(ctx, patron, pool, adapter)
		if !ok {
			e.metrics.RecordCheckout("failed")
			e.requestReconcile(ctx, pool.ID)
			return nil, distributor.Escalate(err)
		}
		loan = resolved
	default:
		e.metrics.RecordCheckout("failed")
		return nil, err
	}

	if err := e.store.DeleteHold(ctx, hold.ID); err != nil {
		return nil, fmt.Errorf("delete claimed hold: %w", err)
	}

	if pool.Metered() && pool.LicensesReserved > 0 {
		pool.LicensesReserved--
	}
	if err := e.store.UpdateLicensePool(ctx, pool); err != nil {
		return nil, fmt.Errorf("update pool: %w", err)
	}

	e.invalidateActivity(ctx, patron.ID)
	e.metrics.RecordCheckout("granted")
	e.logger.Info().
		Str("patron_id", patron.ID.String()).
		Str("pool_id", pool.ID.String()).
		Int64("position", hold.Position).
		Msg("reservation claimed")
	return loan, nil
}

// checkLoanLimit enforces the patron's metered loan cap.
func (e *Engine) checkLoanLimit(ctx context.Context, patron *models.Patron) error {
	count, err := e.store.CountMeteredLoansByPatron(ctx, patron.ID)
	if err != nil {
		return err
	}
	limit := patron.EffectiveLoanLimit(e.config.DefaultLoanLimit)
	if limit > 0 && count >= limit {
		return distributor.NewError(distributor.KindLimitReached,
			fmt.Sprintf("loan limit of %d reached", limit))
	}
	return nil
}

// rollbackAvailability undoes an optimistic license decrement.
func (e *Engine) rollbackAvailability(ctx context.Context, poolID uuid.UUID, from, to int) {
	ok, err := e.store.CompareAndSetAvailability(ctx, poolID, from, to)
	if err != nil || !ok {
		// The count moved while the checkout was in flight. Leave it for
		// the reconciler rather than guessing.
		e.logger.Warn().
			Str("pool_id", poolID.String()).
			Msg("availability changed during rollback; reconciler will settle")
	}
}
