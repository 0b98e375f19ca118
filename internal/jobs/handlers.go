package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openlend/circ/internal/clock"
	"github.com/openlend/circ/internal/models"
	"github.com/openlend/circ/internal/reconcile"
)

// expiryBatchSize bounds how many rows a single expiry pass processes.
// Anything left over is picked up by the next scheduled run.
const expiryBatchSize = 200

// CirculationEngine is the subset of circulation operations the job
// handlers drive.
type CirculationEngine interface {
	ReconcilePool(ctx context.Context, poolID uuid.UUID) (*reconcile.Report, error)
	Sweep(ctx context.Context, poolID uuid.UUID) (int, error)
	Return(ctx context.Context, patronID, poolID uuid.UUID) error
	ReleaseLapsedReservation(ctx context.Context, patronID, poolID uuid.UUID) (bool, error)
	SyncPatron(ctx context.Context, patronID uuid.UUID) error
}

// ExpiryStore lists the rows the expiry handlers act on.
type ExpiryStore interface {
	ListExpiredLoans(ctx context.Context, now time.Time, limit int) ([]*models.Loan, error)
	ListLoansExpiringBetween(ctx context.Context, from, to time.Time) ([]*models.Loan, error)
	ListLapsedReservations(ctx context.Context, now time.Time, limit int) ([]*models.Hold, error)
}

// ExpiryNotifier receives advance warning of loans about to expire.
type ExpiryNotifier interface {
	LoanExpiring(ctx context.Context, loan *models.Loan) error
}

// ReconcileHandler reconciles one pool against its distributor.
type ReconcileHandler struct {
	engine CirculationEngine
}

// NewReconcileHandler creates a handler for reconcile_pool jobs.
func NewReconcileHandler(engine CirculationEngine) *ReconcileHandler {
	return &ReconcileHandler{engine: engine}
}

// Handle runs the reconcile pass for the pool named by the job.
func (h *ReconcileHandler) Handle(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
	if job.PoolID == nil {
		return nil, fmt.Errorf("reconcile job %s has no pool reference", job.ID)
	}

	report, err := h.engine.ReconcilePool(ctx, *job.PoolID)
	if err != nil {
		return nil, fmt.Errorf("reconcile pool %s: %w", job.PoolID, err)
	}

	return map[string]interface{}{
		"pool_id":      report.PoolID.String(),
		"drift":        report.Drift,
		"clamped":      report.Clamped,
		"raised":       report.Raised,
		"streak":       report.Streak,
		"inconsistent": report.Inconsistent,
	}, nil
}

// SweepHandler runs the hold promotion sweep for one pool.
type SweepHandler struct {
	engine CirculationEngine
}

// NewSweepHandler creates a handler for sweep_pool jobs.
func NewSweepHandler(engine CirculationEngine) *SweepHandler {
	return &SweepHandler{engine: engine}
}

// Handle promotes queued holds onto available licenses for the pool
// named by the job.
func (h *SweepHandler) Handle(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
	if job.PoolID == nil {
		return nil, fmt.Errorf("sweep job %s has no pool reference", job.ID)
	}

	promoted, err := h.engine.Sweep(ctx, *job.PoolID)
	if err != nil {
		return nil, fmt.Errorf("sweep pool %s: %w", job.PoolID, err)
	}

	return map[string]interface{}{
		"pool_id":  job.PoolID.String(),
		"promoted": promoted,
	}, nil
}

// ExpireLoansHandler returns loans whose term has passed and warns
// patrons about loans expiring soon.
type ExpireLoansHandler struct {
	engine   CirculationEngine
	store    ExpiryStore
	notifier ExpiryNotifier
	clock    clock.Clock
	// WarnLead is how far ahead of expiry the warning fires.
	warnLead time.Duration
	logger   zerolog.Logger
}

// NewExpireLoansHandler creates a handler for expire_loans jobs.
func NewExpireLoansHandler(engine CirculationEngine, store ExpiryStore, notifier ExpiryNotifier, clk clock.Clock, warnLead time.Duration, logger zerolog.Logger) *ExpireLoansHandler {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &ExpireLoansHandler{
		engine:   engine,
		store:    store,
		notifier: notifier,
		clock:    clk,
		warnLead: warnLead,
		logger:   logger.With().Str("component", "expire_loans").Logger(),
	}
}

// Handle processes expired loans one at a time so a single bad row
// cannot block the rest of the batch.
func (h *ExpireLoansHandler) Handle(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
	now := h.clock.Now()

	expired, err := h.store.ListExpiredLoans(ctx, now, expiryBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list expired loans: %w", err)
	}

	returned := 0
	var firstErr error
	for _, loan := range expired {
		if err := h.engine.Return(ctx, loan.PatronID, loan.PoolID); err != nil {
			h.logger.Error().
				Err(err).
				Str("loan_id", loan.ID.String()).
				Str("patron_id", loan.PatronID.String()).
				Msg("failed to return expired loan")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		returned++
	}

	notified := 0
	if h.notifier != nil && h.warnLead > 0 {
		expiring, err := h.store.ListLoansExpiringBetween(ctx, now, now.Add(h.warnLead))
		if err != nil {
			h.logger.Error().Err(err).Msg("failed to list expiring loans")
		} else {
			for _, loan := range expiring {
				if err := h.notifier.LoanExpiring(ctx, loan); err != nil {
					h.logger.Warn().
						Err(err).
						Str("loan_id", loan.ID.String()).
						Msg("failed to send loan expiry warning")
					continue
				}
				notified++
			}
		}
	}

	result := map[string]interface{}{
		"returned": returned,
		"notified": notified,
	}
	if firstErr != nil {
		return nil, fmt.Errorf("returned %d of %d expired loans: %w", returned, len(expired), firstErr)
	}
	return result, nil
}

// ExpireReservationsHandler releases ready holds whose reservation
// window has lapsed, handing the license to the next patron in queue.
type ExpireReservationsHandler struct {
	engine CirculationEngine
	store  ExpiryStore
	clock  clock.Clock
	logger zerolog.Logger
}

// NewExpireReservationsHandler creates a handler for
// expire_reservations jobs.
func NewExpireReservationsHandler(engine CirculationEngine, store ExpiryStore, clk clock.Clock, logger zerolog.Logger) *ExpireReservationsHandler {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &ExpireReservationsHandler{
		engine: engine,
		store:  store,
		clock:  clk,
		logger: logger.With().Str("component", "expire_reservations").Logger(),
	}
}

// Handle releases each lapsed reservation, continuing past per-row
// failures.
func (h *ExpireReservationsHandler) Handle(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
	lapsed, err := h.store.ListLapsedReservations(ctx, h.clock.Now(), expiryBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list lapsed reservations: %w", err)
	}

	released := 0
	var firstErr error
	for _, hold := range lapsed {
		ok, err := h.engine.ReleaseLapsedReservation(ctx, hold.PatronID, hold.PoolID)
		if err != nil {
			h.logger.Error().
				Err(err).
				Str("hold_id", hold.ID.String()).
				Str("patron_id", hold.PatronID.String()).
				Msg("failed to release lapsed reservation")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			released++
		}
	}

	if firstErr != nil {
		return nil, fmt.Errorf("released %d of %d lapsed reservations: %w", released, len(lapsed), firstErr)
	}
	return map[string]interface{}{"released": released}, nil
}

// SyncPatronHandler reconciles one patron's loans and holds against the
// distributors.
type SyncPatronHandler struct {
	engine CirculationEngine
}

// NewSyncPatronHandler creates a handler for sync_patron jobs.
func NewSyncPatronHandler(engine CirculationEngine) *SyncPatronHandler {
	return &SyncPatronHandler{engine: engine}
}

// Handle runs the patron-scoped sync named by the job.
func (h *SyncPatronHandler) Handle(ctx context.Context, job *models.Job) (map[string]interface{}, error) {
	if job.PatronID == nil {
		return nil, fmt.Errorf("sync job %s has no patron reference", job.ID)
	}

	if err := h.engine.SyncPatron(ctx, *job.PatronID); err != nil {
		return nil, fmt.Errorf("sync patron %s: %w", job.PatronID, err)
	}

	return map[string]interface{}{
		"patron_id": job.PatronID.String(),
	}, nil
}
