// Package jobs runs the background circulation work: scheduled pool
// reconciliation, hold promotion sweeps, loan and reservation expiry,
// and patron-scoped syncs.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openlend/circ/internal/models"
)

// JobStore defines the interface for job persistence operations.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	ClaimNextPendingJob(ctx context.Context) (*models.Job, error)
	ListJobsReadyForRetry(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)
	HasActiveJob(ctx context.Context, poolID uuid.UUID, jobType models.JobType) (bool, error)
	CleanupOldJobs(ctx context.Context, cutoff time.Time) (int64, error)
}

// JobHandler processes jobs of a specific type. Handlers must be
// idempotent: a retried job may run after a prior attempt partially
// succeeded.
type JobHandler interface {
	// Handle processes the job and returns a result map or error.
	Handle(ctx context.Context, job *models.Job) (map[string]interface{}, error)
}

// QueueConfig holds configuration for the job queue.
type QueueConfig struct {
	// WorkerCount is the number of concurrent workers.
	WorkerCount int
	// PollInterval is how often to check for new jobs.
	PollInterval time.Duration
	// RetryPollInterval is how often to check for jobs ready to retry.
	RetryPollInterval time.Duration
	// CleanupInterval is how often to clean up old jobs.
	CleanupInterval time.Duration
	// JobRetention is how long to keep completed and dead-letter jobs.
	JobRetention time.Duration
	// MaxJobDuration is the maximum time a job can run before timing out.
	MaxJobDuration time.Duration
}

// DefaultQueueConfig returns a QueueConfig with sensible defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		WorkerCount:       3,
		PollInterval:      5 * time.Second,
		RetryPollInterval: 30 * time.Second,
		CleanupInterval:   1 * time.Hour,
		JobRetention:      30 * 24 * time.Hour,
		MaxJobDuration:    10 * time.Minute,
	}
}

// Queue claims and processes circulation jobs.
type Queue struct {
	store    JobStore
	config   QueueConfig
	handlers map[models.JobType]JobHandler
	logger   zerolog.Logger

	mu       sync.RWMutex
	running  bool
	stopCh   chan struct{}
	workerWg sync.WaitGroup
}

// NewQueue creates a new job queue.
func NewQueue(store JobStore, config QueueConfig, logger zerolog.Logger) *Queue {
	return &Queue{
		store:    store,
		config:   config,
		handlers: make(map[models.JobType]JobHandler),
		logger:   logger.With().Str("component", "job_queue").Logger(),
		stopCh:   make(chan struct{}),
	}
}

// RegisterHandler registers a handler for a specific job type.
func (q *Queue) RegisterHandler(jobType models.JobType, handler JobHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
	q.logger.Info().Str("job_type", string(jobType)).Msg("registered job handler")
}

// Enqueue adds a new job to the queue.
func (q *Queue) Enqueue(ctx context.Context, job *models.Job) error {
	if err := q.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	q.logger.Info().
		Str("job_id", job.ID.String()).
		Str("job_type", string(job.JobType)).
		Msg("job enqueued")
	return nil
}

// EnqueueReconcile enqueues a reconcile job for one pool, unless one is
// already queued or running for it. Returns nil when deduplicated.
func (q *Queue) EnqueueReconcile(ctx context.Context, poolID uuid.UUID) (*models.Job, error) {
	active, err := q.store.HasActiveJob(ctx, poolID, models.JobTypeReconcilePool)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, nil
	}
	job := models.NewReconcileJob(poolID)
	if err := q.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// RequestReconcile schedules a reconcile pass without surfacing dedupe
// or enqueue failures; circulation transitions treat drift hints as
// best-effort.
func (q *Queue) RequestReconcile(ctx context.Context, poolID uuid.UUID) {
	if _, err := q.EnqueueReconcile(ctx, poolID); err != nil {
		q.logger.Warn().Err(err).
			Str("pool_id", poolID.String()).
			Msg("could not schedule reconcile hint")
	}
}

// EnqueueSweep enqueues a hold promotion sweep for one pool, unless one
// is already queued or running for it. Returns nil when deduplicated.
func (q *Queue) EnqueueSweep(ctx context.Context, poolID uuid.UUID) (*models.Job, error) {
	active, err := q.store.HasActiveJob(ctx, poolID, models.JobTypeSweepPool)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, nil
	}
	job := models.NewSweepJob(poolID)
	if err := q.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// EnqueueSyncPatron enqueues a patron-scoped sync against every
// distributor the patron has activity with.
func (q *Queue) EnqueueSyncPatron(ctx context.Context, patronID uuid.UUID) (*models.Job, error) {
	job := models.NewSyncPatronJob(patronID)
	if err := q.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Start begins processing jobs.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("queue already running")
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.mu.Unlock()

	q.logger.Info().Int("workers", q.config.WorkerCount).Msg("starting job queue")

	for i := 0; i < q.config.WorkerCount; i++ {
		q.workerWg.Add(1)
		go q.worker(ctx, i)
	}

	q.workerWg.Add(1)
	go q.retryProcessor(ctx)

	q.workerWg.Add(1)
	go q.cleanupProcessor(ctx)

	return nil
}

// Stop gracefully stops the queue.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()

	q.logger.Info().Msg("stopping job queue")
	q.workerWg.Wait()
	q.logger.Info().Msg("job queue stopped")
}

// worker polls for pending jobs and processes them.
func (q *Queue) worker(ctx context.Context, workerID int) {
	defer q.workerWg.Done()

	logger := q.logger.With().Int("worker_id", workerID).Logger()
	logger.Debug().Msg("worker started")

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("worker stopping due to context cancellation")
			return
		case <-q.stopCh:
			logger.Debug().Msg("worker stopping due to stop signal")
			return
		case <-ticker.C:
			q.processNextJob(ctx, logger)
		}
	}
}

// processNextJob attempts to claim and process the next pending job.
func (q *Queue) processNextJob(ctx context.Context, logger zerolog.Logger) {
	job, err := q.store.ClaimNextPendingJob(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to claim next pending job")
		return
	}
	if job == nil {
		return // No jobs available
	}

	logger = logger.With().
		Str("job_id", job.ID.String()).
		Str("job_type", string(job.JobType)).
		Logger()

	logger.Info().Msg("processing job")

	q.mu.RLock()
	handler, exists := q.handlers[job.JobType]
	q.mu.RUnlock()

	if !exists {
		logger.Error().Msg("no handler registered for job type")
		job.Fail("no handler registered for job type")
		if err := q.store.UpdateJob(ctx, job); err != nil {
			logger.Error().Err(err).Msg("failed to update job after handler error")
		}
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, q.config.MaxJobDuration)
	defer cancel()

	result, err := handler.Handle(jobCtx, job)
	if err != nil {
		shouldRetry := job.Fail(err.Error())
		if shouldRetry {
			logger.Warn().
				Err(err).
				Int("retry_count", job.RetryCount).
				Time("next_retry_at", *job.NextRetryAt).
				Msg("job failed, will retry")
		} else {
			logger.Error().
				Err(err).
				Int("retry_count", job.RetryCount).
				Msg("job failed, moved to dead letter queue")
		}
	} else {
		job.Complete(result)
		logger.Info().
			Dur("duration", job.Duration()).
			Msg("job completed")
	}

	if err := q.store.UpdateJob(ctx, job); err != nil {
		logger.Error().Err(err).Msg("failed to update job after processing")
	}
}

// retryProcessor requeues failed jobs whose backoff has elapsed.
func (q *Queue) retryProcessor(ctx context.Context) {
	defer q.workerWg.Done()

	logger := q.logger.With().Str("processor", "retry").Logger()
	logger.Debug().Msg("retry processor started")

	ticker := time.NewTicker(q.config.RetryPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.processRetries(ctx, logger)
		}
	}
}

func (q *Queue) processRetries(ctx context.Context, logger zerolog.Logger) {
	jobs, err := q.store.ListJobsReadyForRetry(ctx, time.Now().UTC(), 100)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list jobs ready for retry")
		return
	}

	for _, job := range jobs {
		job.Status = models.JobStatusPending
		job.StartedAt = nil
		job.NextRetryAt = nil

		if err := q.store.UpdateJob(ctx, job); err != nil {
			logger.Error().
				Err(err).
				Str("job_id", job.ID.String()).
				Msg("failed to requeue job for retry")
			continue
		}

		logger.Info().
			Str("job_id", job.ID.String()).
			Int("retry_count", job.RetryCount).
			Msg("job requeued for retry")
	}
}

// cleanupProcessor periodically deletes old terminal jobs.
func (q *Queue) cleanupProcessor(ctx context.Context) {
	defer q.workerWg.Done()

	logger := q.logger.With().Str("processor", "cleanup").Logger()
	logger.Debug().Msg("cleanup processor started")

	ticker := time.NewTicker(q.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-q.config.JobRetention)
			deleted, err := q.store.CleanupOldJobs(ctx, cutoff)
			if err != nil {
				logger.Error().Err(err).Msg("failed to cleanup old jobs")
			} else if deleted > 0 {
				logger.Info().Int64("deleted", deleted).Msg("cleaned up old jobs")
			}
		}
	}
}
