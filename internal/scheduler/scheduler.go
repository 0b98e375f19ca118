// Package scheduler enqueues the recurring circulation jobs: pool
// reconciliation passes and loan/reservation expiry sweeps.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/openlend/circ/internal/models"
)

// Enqueuer is the job queue surface the scheduler drives.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) error
	EnqueueReconcile(ctx context.Context, poolID uuid.UUID) (*models.Job, error)
}

// PoolLister lists the pools to reconcile.
type PoolLister interface {
	ListLicensePoolIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Config holds the cron expressions for the recurring passes.
type Config struct {
	// ReconcileSchedule controls the full reconcile pass over all pools.
	ReconcileSchedule string
	// ExpirySchedule controls the loan and reservation expiry passes.
	ExpirySchedule string
}

// DefaultConfig returns the standard schedules.
func DefaultConfig() Config {
	return Config{
		ReconcileSchedule: "@every 15m",
		ExpirySchedule:    "@every 5m",
	}
}

// Scheduler enqueues recurring circulation jobs on cron schedules.
type Scheduler struct {
	queue   Enqueuer
	pools   PoolLister
	config  Config
	cron    *cron.Cron
	logger  zerolog.Logger
	mu      sync.Mutex
	running bool
}

// New creates a scheduler.
func New(queue Enqueuer, pools PoolLister, config Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		queue:  queue,
		pools:  pools,
		config: config,
		cron:   cron.New(),
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the schedules and begins firing them.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("scheduler already running")
	}

	if _, err := s.cron.AddFunc(s.config.ReconcileSchedule, s.runReconcilePass); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.config.ExpirySchedule, s.runExpiryPass); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("reconcile_schedule", s.config.ReconcileSchedule).
		Str("expiry_schedule", s.config.ExpirySchedule).
		Msg("scheduler started")

	return nil
}

// Stop stops the scheduler gracefully. The returned context is done
// once in-flight runs have finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping scheduler")
	return s.cron.Stop()
}

// runReconcilePass enqueues one reconcile job per pool. Pools with an
// active reconcile job are skipped by the queue's dedupe.
func (s *Scheduler) runReconcilePass() {
	ctx := context.Background()

	poolIDs, err := s.pools.ListLicensePoolIDs(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list pools for reconcile pass")
		return
	}

	enqueued := 0
	for _, poolID := range poolIDs {
		job, err := s.queue.EnqueueReconcile(ctx, poolID)
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("pool_id", poolID.String()).
				Msg("failed to enqueue reconcile job")
			continue
		}
		if job != nil {
			enqueued++
		}
	}

	s.logger.Info().
		Int("pools", len(poolIDs)).
		Int("enqueued", enqueued).
		Msg("reconcile pass enqueued")
}

// runExpiryPass enqueues the loan and reservation expiry jobs.
func (s *Scheduler) runExpiryPass() {
	ctx := context.Background()

	if err := s.queue.Enqueue(ctx, models.NewExpireLoansJob()); err != nil {
		s.logger.Error().Err(err).Msg("failed to enqueue loan expiry job")
	}
	if err := s.queue.Enqueue(ctx, models.NewExpireReservationsJob()); err != nil {
		s.logger.Error().Err(err).Msg("failed to enqueue reservation expiry job")
	}
}

// RunReconcileNow triggers an immediate reconcile pass over all pools.
func (s *Scheduler) RunReconcileNow() {
	s.runReconcilePass()
}

// RunExpiryNow triggers an immediate expiry pass.
func (s *Scheduler) RunExpiryNow() {
	s.runExpiryPass()
}
