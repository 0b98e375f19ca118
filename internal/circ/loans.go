package circ

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/openlend/circ/internal/distributor"
	"github.com/openlend/circ/internal/models"
)

// Renew extends a patron's loan. Renewal is refused while other patrons
// wait in the hold queue, unless the distributor's policy allows it.
func (e *Engine) Renew(ctx context.Context, patronID, poolID uuid.UUID) (*models.Loan, error) {
	unlockPool := e.locks.lockPool(poolID)
	defer unlockPool()
	unlockPP := e.locks.lockPatronPool(patronID, poolID)
	defer unlockPP()

	patron, pool, adapter, err := e.load(ctx, patronID, poolID)
	if err != nil {
		return nil, err
	}
	if err := e.checkBorrowingAllowed(patron); err != nil {
		e.metrics.RecordRenewal("denied")
		return nil, err
	}

	loan, err := e.store.GetLoan(ctx, patronID, poolID)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, distributor.NewError(distributor.KindPermanent, "no active loan to renew")
	}

	// Open-access loans never expire; renewing one is a no-op.
	if loan.End == nil {
		return loan, nil
	}

	queued, err := e.store.CountQueuedHolds(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if queued > 0 && !adapter.AllowsRenewalWithHolds() {
		e.metrics.RecordRenewal("denied")
		return nil, distributor.NewError(distributor.KindRenewalDenied,
			"other patrons are waiting for this title")
	}

	var grant *distributor.LoanGrant
	err = e.observe("renew", func() error {
		var rerr error
		grant, rerr = adapter.Renew(ctx, patron, pool, loan)
		return rerr
	})
	if err != nil {
		if distributor.IsKind(err, distributor.KindRenewalDenied) {
			e.metrics.RecordRenewal("denied")
		} else {
			e.metrics.RecordRenewal("failed")
		}
		return nil, distributor.Escalate(err)
	}

	loan.Renew(grant.End)
	if grant.ExternalID != "" {
		loan.ExternalID = grant.ExternalID
	}
	if err := e.store.UpdateLoan(ctx, loan); err != nil {
		return nil, fmt.Errorf("update loan: %w", err)
	}

	e.invalidateActivity(ctx, patronID)
	e.metrics.RecordRenewal("granted")
	e.logger.Info().
		Str("patron_id", patronID.String()).
		Str("pool_id", poolID.String()).
		Msg("loan renewed")
	return loan, nil
}

// Return checks a loan back in and hands the freed license to the next
// patron in the hold queue. Returning a loan that does not exist
// succeeds, so retries and expiry races are safe.
func (e *Engine) Return(ctx context.Context, patronID, poolID uuid.UUID) error {
	unlockPool := e.locks.lockPool(poolID)
	defer unlockPool()
	unlockPP := e.locks.lockPatronPool(patronID, poolID)
	defer unlockPP()

	patron, pool, adapter, err := e.load(ctx, patronID, poolID)
	if err != nil {
		return err
	}

	loan, err := e.store.GetLoan(ctx, patronID, poolID)
	if err != nil {
		return err
	}
	if loan == nil {
		return nil
	}

	err = distributor.RetryIdempotent(ctx, e.logger, e.config.Retry, "return", func(ctx context.Context) error {
		return e.observe("return", func() error {
			return adapter.Return(ctx, patron, pool, loan)
		})
	})
	if err != nil {
		e.requestReconcile(ctx, poolID)
		return err
	}

	if err := e.store.DeleteLoan(ctx, loan.ID); err != nil {
		return fmt.Errorf("delete loan: %w", err)
	}

	if pool.Metered() {
		if err := e.handOffLicenseLocked(ctx, pool); err != nil {
			return err
		}
		if err := e.store.UpdateLicensePool(ctx, pool); err != nil {
			return fmt.Errorf("update pool: %w", err)
		}
	}

	e.invalidateActivity(ctx, patronID)
	e.metrics.Returns.Inc()
	e.requestReconcile(ctx, poolID)
	e.logger.Info().
		Str("patron_id", patronID.String()).
		Str("pool_id", poolID.String()).
		Msg("loan returned")
	return nil
}

// Fulfill exchanges an active loan for content access. The first
// fulfillment locks the loan to its format; later requests for a
// different format are refused.
func (e *Engine) Fulfill(ctx context.Context, patronID, poolID uuid.UUID, format string) (*distributor.FulfillmentToken, error) {
	unlockPP := e.locks.lockPatronPool(patronID, poolID)
	defer unlockPP()

	patron, pool, adapter, err := e.load(ctx, patronID, poolID)
	if err != nil {
		return nil, err
	}

	loan, err := e.store.GetLoan(ctx, patronID, poolID)
	if err != nil {
		return nil, err
	}
	if loan == nil {
		return nil, distributor.NewError(distributor.KindDenied, "no active loan to fulfill")
	}
	if loan.Expired(e.clock.Now()) {
		return nil, distributor.NewError(distributor.KindDenied, "loan has expired")
	}
	if loan.FulfillmentFormat != "" && loan.FulfillmentFormat != format {
		e.metrics.RecordFulfillment("format_unavailable")
		return nil, distributor.NewError(distributor.KindFormatUnavailable,
			fmt.Sprintf("loan already fulfilled as %s", loan.FulfillmentFormat))
	}

	var token *distributor.FulfillmentToken
	err = distributor.RetryIdempotent(ctx, e.logger, e.config.Retry, "fulfill", func(ctx context.Context) error {
		return e.observe("fulfill", func() error {
			var ferr error
			token, ferr = adapter.Fulfill(ctx, patron, pool, loan, format)
			return ferr
		})
	})
	if err != nil {
		if distributor.IsKind(err, distributor.KindFormatUnavailable) {
			e.metrics.RecordFulfillment("format_unavailable")
		} else {
			e.metrics.RecordFulfillment("failed")
		}
		return nil, err
	}

	if loan.FulfillmentFormat == "" {
		loan.RecordFulfillment(format, "")
		if err := e.store.UpdateLoan(ctx, loan); err != nil {
			return nil, fmt.Errorf("update loan: %w", err)
		}
		e.invalidateActivity(ctx, patronID)
	}

	e.metrics.RecordFulfillment("granted")
	return token, nil
}
