// Package circ implements the circulation state machine: borrow with
// hold fallback, hold placement and cancellation, renewal, return,
// fulfillment, and the hold promotion sweep. The engine is the only
// writer of license pool counts outside the reconciler.
package circ

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/openlend/circ/internal/clock"
	"github.com/openlend/circ/internal/distributor"
	"github.com/openlend/circ/internal/metrics"
	"github.com/openlend/circ/internal/models"
)

// Store defines the database operations needed by the engine.
type Store interface {
	GetPatronByID(ctx context.Context, id uuid.UUID) (*models.Patron, error)
	GetLicensePoolByID(ctx context.Context, id uuid.UUID) (*models.LicensePool, error)
	UpdateLicensePool(ctx context.Context, pool *models.LicensePool) error
	CompareAndSetAvailability(ctx context.Context, poolID uuid.UUID, from, to int) (bool, error)

	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, patronID, poolID uuid.UUID) (*models.Loan, error)
	UpdateLoan(ctx context.Context, loan *models.Loan) error
	DeleteLoan(ctx context.Context, id uuid.UUID) error
	ListLoansByPatron(ctx context.Context, patronID uuid.UUID) ([]*models.Loan, error)
	CountMeteredLoansByPatron(ctx context.Context, patronID uuid.UUID) (int, error)

	CreateHold(ctx context.Context, hold *models.Hold) error
	GetHold(ctx context.Context, patronID, poolID uuid.UUID) (*models.Hold, error)
	UpdateHold(ctx context.Context, hold *models.Hold) error
	DeleteHold(ctx context.Context, id uuid.UUID) error
	ListHoldsByPatron(ctx context.Context, patronID uuid.UUID) ([]*models.Hold, error)
	CountHoldsByPatron(ctx context.Context, patronID uuid.UUID) (int, error)
	GetNextQueuedHold(ctx context.Context, poolID uuid.UUID) (*models.Hold, error)
	CountQueuedHolds(ctx context.Context, poolID uuid.UUID) (int, error)
}

// Notifier delivers patron-facing circulation events. Implementations
// must not block; delivery failures never roll back the transition that
// produced them.
type Notifier interface {
	HoldReady(ctx context.Context, hold *models.Hold, pool *models.LicensePool)
	// Inconsistency is operator-facing: persistent reconciliation drift,
	// never surfaced to patrons.
	Inconsistency(ctx context.Context, pool *models.LicensePool, detail string)
}

// ReconcileRequester schedules an asynchronous reconcile pass for a
// pool. Requests are hints: implementations may coalesce them and must
// never block.
type ReconcileRequester interface {
	RequestReconcile(ctx context.Context, poolID uuid.UUID)
}

// PatronActivity is one patron's full circulation state.
type PatronActivity struct {
	Loans []*models.Loan `json:"loans"`
	Holds []*models.Hold `json:"holds"`
}

// ActivityCache caches PatronActivity per patron. The engine invalidates
// it on every state transition; a cache miss falls through to the store.
type ActivityCache interface {
	Get(ctx context.Context, patronID uuid.UUID) (*PatronActivity, bool)
	Set(ctx context.Context, patronID uuid.UUID, activity *PatronActivity)
	Invalidate(ctx context.Context, patronID uuid.UUID)
}

// Config holds the engine's circulation policy.
type Config struct {
	// DefaultLoanLimit caps concurrent metered loans per patron when the
	// patron carries no override.
	DefaultLoanLimit int
	// DefaultHoldLimit caps concurrent holds per patron.
	DefaultHoldLimit int
	// MaxFines blocks borrowing once outstanding fines reach it. Zero
	// disables the ceiling.
	MaxFines decimal.Decimal
	// ReservationWindow is how long a promoted hold stays claimable.
	ReservationWindow time.Duration
	// DriftTolerance is the availability disagreement a reconciliation
	// pass absorbs without counting toward the inconsistency streak.
	DriftTolerance int
	// DriftStreakLimit is how many consecutive over-tolerance passes
	// raise a persistent-inconsistency event. Zero disables escalation.
	DriftStreakLimit int
	// Retry bounds retries of idempotent distributor operations.
	Retry distributor.RetryConfig
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultLoanLimit:  10,
		DefaultHoldLimit:  10,
		MaxFines:          decimal.Zero,
		ReservationWindow: 72 * time.Hour,
		DriftTolerance:    1,
		DriftStreakLimit:  3,
		Retry:             distributor.DefaultRetryConfig(),
	}
}

// Deps bundles the engine's collaborators. Notifier, Cache, Metrics,
// Clock and Reconciler are optional.
type Deps struct {
	Store      Store
	Registry   *distributor.Registry
	Notifier   Notifier
	Cache      ActivityCache
	Metrics    *metrics.Metrics
	Clock      clock.Clock
	Reconciler ReconcileRequester
}

// Engine executes circulation transitions against the store and the
// distributor fleet.
type Engine struct {
	store      Store
	registry   *distributor.Registry
	notifier   Notifier
	cache      ActivityCache
	metrics    *metrics.Metrics
	reconciler ReconcileRequester
	config     Config
	clock      clock.Clock
	logger     zerolog.Logger
	locks      *keyedLocks
}

// NewEngine creates a circulation engine.
func NewEngine(deps Deps, config Config, logger zerolog.Logger) *Engine {
	clk := deps.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewNop()
	}
	return &Engine{
		store:      deps.Store,
		registry:   deps.Registry,
		notifier:   deps.Notifier,
		cache:      deps.Cache,
		metrics:    m,
		reconciler: deps.Reconciler,
		config:     config,
		clock:      clk,
		logger:     logger.With().Str("component", "circ_engine").Logger(),
		locks:      newKeyedLocks(),
	}
}

// load resolves the patron, pool, and distributor for a transition.
func (e *Engine) load(ctx context.Context, patronID, poolID uuid.UUID) (*models.Patron, *models.LicensePool, distributor.Distributor, error) {
	patron, err := e.store.GetPatronByID(ctx, patronID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load patron: %w", err)
	}
	if patron == nil {
		return nil, nil, nil, distributor.NewError(distributor.KindPermanent, fmt.Sprintf("unknown patron %s", patronID))
	}

	pool, err := e.store.GetLicensePoolByID(ctx, poolID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load pool: %w", err)
	}
	if pool == nil {
		return nil, nil, nil, distributor.NewError(distributor.KindPermanent, fmt.Sprintf("unknown pool %s", poolID))
	}

	adapter, err := e.registry.ForPool(pool)
	if err != nil {
		return nil, nil, nil, err
	}
	return patron, pool, adapter, nil
}

// checkBorrowingAllowed rejects blocked patrons before any remote call.
func (e *Engine) checkBorrowingAllowed(patron *models.Patron) error {
	if patron.BorrowingBlocked(e.config.MaxFines) {
		return distributor.NewError(distributor.KindBlocked, "patron lacks borrowing privileges")
	}
	return nil
}

// invalidateActivity drops the patron's cached activity view.
func (e *Engine) invalidateActivity(ctx context.Context, patronID uuid.UUID) {
	if e.cache != nil {
		e.cache.Invalidate(ctx, patronID)
	}
}

// notifyHoldReady signals the patron their reservation window opened.
func (e *Engine) notifyHoldReady(ctx context.Context, hold *models.Hold, pool *models.LicensePool) {
	if e.notifier != nil {
		e.notifier.HoldReady(ctx, hold, pool)
	}
}

// requestReconcile hints that a pool's local state may have drifted,
// after a successful transition or a transient adapter failure.
func (e *Engine) requestReconcile(ctx context.Context, poolID uuid.UUID) {
	if e.reconciler != nil {
		e.reconciler.RequestReconcile(ctx, poolID)
	}
}

// observe times one distributor call for the latency histogram.
func (e *Engine) observe(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	e.metrics.AdapterLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if distributor.IsTransient(err) {
		e.metrics.RecordTransient(op)
	}
	return err
}
