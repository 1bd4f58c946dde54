package job

import (
	"encoding/json"
	"time"
)

// Well-known job types wired by this repository's own consumers. The queue
// core is type-agnostic; producers may register any type.
const (
	TypeWebhookDelivery = "webhook_delivery"
	TypeWorkflowResume  = "workflow_resume"
)

// Status represents the lifecycle state of a job.
type Status string

// Job status constants. Transitions follow a strict forward path:
//
//	PENDING/SCHEDULED -> CLAIMED -> RUNNING -> SUCCEEDED
//	                                        -> SCHEDULED      (retry)
//	                                        -> DEAD_LETTERED  (retries exhausted or permanent error)
//	PENDING/SCHEDULED -> CANCELED
//
// SUCCEEDED, DEAD_LETTERED and CANCELED are terminal. FAILED is the phase
// between a failed attempt and the retry decision; the store collapses it
// into the atomic fail transaction, so rows never rest in it.
const (
	StatusPending      Status = "PENDING"
	StatusScheduled    Status = "SCHEDULED"
	StatusClaimed      Status = "CLAIMED"
	StatusRunning      Status = "RUNNING"
	StatusSucceeded    Status = "SUCCEEDED"
	StatusFailed       Status = "FAILED"
	StatusDeadLettered Status = "DEAD_LETTERED"
	StatusCanceled     Status = "CANCELED"
)

// Terminal reports whether s is a terminal status. Terminal jobs are
// retained for audit and never claimed again.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusDeadLettered, StatusCanceled:
		return true
	}
	return false
}

// Claimable reports whether a job in this status may be picked up by a
// worker, lease permitting.
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusScheduled
}

// Job is a unit of asynchronous work with lifecycle state. Jobs are created
// by producers, mutated only through the queue core, and terminate in
// SUCCEEDED, DEAD_LETTERED or CANCELED.
type Job struct {
	JobID          string          `db:"job_id"`
	TenantID       string          `db:"tenant_id"`
	JobType        string          `db:"job_type"`
	Payload        json.RawMessage `db:"payload"`
	Status         Status          `db:"status"`
	AttemptCount   int             `db:"attempt_count"`
	MaxAttempts    int             `db:"max_attempts"`
	NotBefore      time.Time       `db:"not_before"`
	IdempotencyKey string          `db:"idempotency_key"`
	CorrelationID  string          `db:"correlation_id"`
	ExecutionID    string          `db:"execution_id"`
	ClaimedBy      string          `db:"claimed_by"`
	LeaseExpiresAt *time.Time      `db:"lease_expires_at"`
	LastError      string          `db:"last_error"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
	CompletedAt    *time.Time      `db:"completed_at"`
}

// LeaseActive reports whether the job holds an unexpired lease at the given
// instant. A claimed job with an expired lease is reclaimable by any worker.
func (j *Job) LeaseActive(now time.Time) bool {
	return j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(now)
}

// Failure is one entry of a job's ordered failure history.
type Failure struct {
	JobID    string    `db:"job_id" json:"job_id"`
	Attempt  int       `db:"attempt" json:"attempt"`
	Error    string    `db:"error" json:"error"`
	FailedAt time.Time `db:"failed_at" json:"failed_at"`
}
