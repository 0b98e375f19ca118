package models

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// JobType defines the type of background job in the queue.
type JobType string

const (
	// JobTypeReconcilePool re-syncs one pool against its distributor.
	JobTypeReconcilePool JobType = "reconcile_pool"
	// JobTypeSweepPool runs the hold promotion sweep for one pool.
	JobTypeSweepPool JobType = "sweep_pool"
	// JobTypeExpireLoans returns loans whose term has passed.
	JobTypeExpireLoans JobType = "expire_loans"
	// JobTypeExpireReservations releases lapsed reservation windows.
	JobTypeExpireReservations JobType = "expire_reservations"
	// JobTypeSyncPatron reconciles one patron's loans and holds.
	JobTypeSyncPatron JobType = "sync_patron"
)

// JobStatus defines the status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed and may be retried.
	JobStatusFailed JobStatus = "failed"
	// JobStatusDeadLetter indicates the job has exhausted all retries.
	JobStatusDeadLetter JobStatus = "dead_letter"
)

// DefaultMaxRetries is the default number of retry attempts.
const DefaultMaxRetries = 3

// Job represents a background circulation job. Handlers must be
// idempotent: a retried job may run after a prior attempt partially
// succeeded.
type Job struct {
	ID           uuid.UUID  `json:"id"`
	JobType      JobType    `json:"job_type"`
	Status       JobStatus  `json:"status"`
	Payload      JobPayload `json:"payload"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	LastErrorAt  *time.Time `json:"last_error_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// Optional references for quick lookups.
	PoolID   *uuid.UUID `json:"pool_id,omitempty"`
	PatronID *uuid.UUID `json:"patron_id,omitempty"`
}

// JobPayload contains job-specific data stored as JSONB.
type JobPayload struct {
	Description string     `json:"description,omitempty"`
	PoolID      *uuid.UUID `json:"pool_id,omitempty"`
	PatronID    *uuid.UUID `json:"patron_id,omitempty"`

	// Result data, populated on completion.
	Result map[string]interface{} `json:"result,omitempty"`
}

// NewJob creates a new pending job.
func NewJob(jobType JobType, payload JobPayload) *Job {
	job := &Job{
		ID:         uuid.New(),
		JobType:    jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	job.PoolID = payload.PoolID
	job.PatronID = payload.PatronID
	return job
}

// NewReconcileJob creates a reconcile job for one pool.
func NewReconcileJob(poolID uuid.UUID) *Job {
	return NewJob(JobTypeReconcilePool, JobPayload{
		PoolID:      &poolID,
		Description: "Reconcile pool against distributor",
	})
}

// NewSweepJob creates a hold promotion sweep job for one pool.
func NewSweepJob(poolID uuid.UUID) *Job {
	return NewJob(JobTypeSweepPool, JobPayload{
		PoolID:      &poolID,
		Description: "Promote queued holds",
	})
}

// NewExpireLoansJob creates a loan expiry pass job.
func NewExpireLoansJob() *Job {
	return NewJob(JobTypeExpireLoans, JobPayload{
		Description: "Return loans whose term has passed",
	})
}

// NewExpireReservationsJob creates a reservation expiry pass job.
func NewExpireReservationsJob() *Job {
	return NewJob(JobTypeExpireReservations, JobPayload{
		Description: "Release lapsed reservation windows",
	})
}

// NewSyncPatronJob creates a patron-scoped sync job.
func NewSyncPatronJob(patronID uuid.UUID) *Job {
	return NewJob(JobTypeSyncPatron, JobPayload{
		PatronID:    &patronID,
		Description: "Sync patron activity against distributors",
	})
}

// Start marks the job as running.
func (j *Job) Start() {
	now := time.Now().UTC()
	j.Status = JobStatusRunning
	j.StartedAt = &now
}

// Complete marks the job as completed successfully.
func (j *Job) Complete(result map[string]interface{}) {
	now := time.Now().UTC()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	j.Payload.Result = result
}

// Fail marks the job as failed with the given error message.
// Returns true if the job should be retried, false if it moves to the
// dead letter queue.
func (j *Job) Fail(errMsg string) bool {
	now := time.Now().UTC()
	j.Status = JobStatusFailed
	j.ErrorMessage = errMsg
	j.LastErrorAt = &now
	j.RetryCount++

	if j.RetryCount >= j.MaxRetries {
		j.Status = JobStatusDeadLetter
		j.CompletedAt = &now
		return false
	}

	// Exponential backoff: base 30 seconds, capped at 30 minutes.
	backoffSeconds := math.Min(30*math.Pow(2, float64(j.RetryCount-1)), 1800)
	nextRetry := now.Add(time.Duration(backoffSeconds) * time.Second)
	j.NextRetryAt = &nextRetry

	return true
}

// ReadyForRetry returns true if the job should be requeued.
func (j *Job) ReadyForRetry() bool {
	if j.Status != JobStatusFailed {
		return false
	}
	if j.NextRetryAt == nil {
		return true
	}
	return time.Now().After(*j.NextRetryAt)
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusDeadLetter
}

// Duration returns how long the job ran, or zero if it never started.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}

// PayloadJSON returns the payload as JSON bytes for database storage.
func (j *Job) PayloadJSON() ([]byte, error) {
	return json.Marshal(j.Payload)
}

// SetPayload sets the payload from JSON bytes.
func (j *Job) SetPayload(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &j.Payload)
}
