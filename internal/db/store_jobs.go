package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openlend/circ/internal/models"
)

const jobColumns = `id, job_type, status, payload, retry_count, max_retries,
	next_retry_at, error_message, last_error_at, created_at, started_at,
	completed_at, pool_id, patron_id`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var payload []byte
	err := row.Scan(&j.ID, &j.JobType, &j.Status, &payload, &j.RetryCount,
		&j.MaxRetries, &j.NextRetryAt, &j.ErrorMessage, &j.LastErrorAt,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.PoolID, &j.PatronID)
	if err != nil {
		return nil, err
	}
	if err := j.SetPayload(payload); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	return &j, nil
}

// CreateJob enqueues a job.
func (db *DB) CreateJob(ctx context.Context, job *models.Job) error {
	payload, err := job.PayloadJSON()
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO jobs (id, job_type, status, payload, retry_count, max_retries,
			next_retry_at, error_message, last_error_at, created_at, started_at,
			completed_at, pool_id, patron_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, job.ID, job.JobType, job.Status, payload, job.RetryCount, job.MaxRetries,
		job.NextRetryAt, job.ErrorMessage, job.LastErrorAt, job.CreatedAt,
		job.StartedAt, job.CompletedAt, job.PoolID, job.PatronID)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJobByID returns a job, or nil when absent.
func (db *DB) GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(db.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateJob persists job state transitions.
func (db *DB) UpdateJob(ctx context.Context, job *models.Job) error {
	payload, err := job.PayloadJSON()
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	_, err = db.Pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, payload = $3, retry_count = $4, next_retry_at = $5,
			error_message = $6, last_error_at = $7, started_at = $8, completed_at = $9
		WHERE id = $1
	`, job.ID, job.Status, payload, job.RetryCount, job.NextRetryAt,
		job.ErrorMessage, job.LastErrorAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// ClaimNextPendingJob atomically claims the oldest pending job by
// flipping it to running. SKIP LOCKED lets concurrent workers claim
// without contending on the same row. Returns nil when the queue is
// empty.
func (db *DB) ClaimNextPendingJob(ctx context.Context) (*models.Job, error) {
	job, err := scanJob(db.Pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = 'running', started_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim pending job: %w", err)
	}
	return job, nil
}

// ListJobsReadyForRetry returns failed jobs whose backoff has elapsed.
func (db *DB) ListJobsReadyForRetry(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'failed' AND (next_retry_at IS NULL OR next_retry_at < $1)
		 ORDER BY created_at LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs ready for retry: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// RequeueJob flips a failed job back to pending for another attempt.
func (db *DB) RequeueJob(ctx context.Context, id uuid.UUID) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE jobs SET status = 'pending', next_retry_at = NULL WHERE id = $1 AND status = 'failed'`,
		id)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return nil
}

// HasActiveJob reports whether a pool already has a queued or running
// job of the given type, so schedulers do not double-enqueue.
func (db *DB) HasActiveJob(ctx context.Context, poolID uuid.UUID, jobType models.JobType) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM jobs
			WHERE pool_id = $1 AND job_type = $2 AND status IN ('pending', 'running')
		)
	`, poolID, jobType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active job: %w", err)
	}
	return exists, nil
}

// CleanupOldJobs deletes terminal jobs older than the cutoff and returns
// how many rows went away.
func (db *DB) CleanupOldJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx,
		`DELETE FROM jobs
		 WHERE status IN ('completed', 'dead_letter') AND completed_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
