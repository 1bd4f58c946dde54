package job

import (
	"context"
	"time"
)

// Filter narrows job listings. Zero values mean "any".
type Filter struct {
	TenantID    string
	JobType     string
	Status      Status
	ExecutionID string
	PageSize    int
	Cursor      *Cursor
}

// Cursor is an opaque pagination position over (created_at, job_id).
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// Store is the persistence contract for jobs. The store is the single
// source of truth; all cross-worker coordination goes through the claim
// operations, which must be implemented as atomic compare-and-set, never
// read-then-write. Tests substitute an in-memory implementation.
type Store interface {
	// Insert persists a new job. Returns ErrDuplicateIdempotencyKey when a
	// job with the same (tenant, type, idempotency key) already exists.
	Insert(ctx context.Context, j *Job) error

	// FindByIdempotencyKey returns the job registered under the key, or
	// ErrJobNotFound.
	FindByIdempotencyKey(ctx context.Context, tenantID, jobType, key string) (*Job, error)

	// Get retrieves a job by id, or ErrJobNotFound.
	Get(ctx context.Context, jobID string) (*Job, error)

	// ClaimNextDue atomically claims one due job with no active lease:
	// status CLAIMED, claimed_by set, lease started. Expired leases on
	// CLAIMED/RUNNING jobs make them reclaimable here (visibility timeout).
	// Returns ErrNoJobDue when nothing is claimable.
	ClaimNextDue(ctx context.Context, workerID string, lease time.Duration) (*Job, error)

	// ClaimByID is ClaimNextDue for a specific job, used on wake-up hints.
	// Exactly one of two concurrent claims succeeds; the loser gets
	// ErrJobAlreadyClaimed.
	ClaimByID(ctx context.Context, jobID, workerID string, lease time.Duration) (*Job, error)

	// MarkRunning transitions CLAIMED -> RUNNING for the lease holder.
	MarkRunning(ctx context.Context, jobID, workerID string) error

	// ExtendLease pushes lease_expires_at forward for the lease holder.
	// Returns ErrLeaseLost when the lease is no longer held.
	ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error

	// MarkSucceeded transitions the lease holder's job to SUCCEEDED.
	MarkSucceeded(ctx context.Context, jobID, workerID string) error

	// FailRetry records a failed attempt and reschedules in one atomic
	// transaction: attempt_count incremented conditionally, failure history
	// appended, status back to SCHEDULED with not_before = retryAt, lease
	// released.
	FailRetry(ctx context.Context, jobID, workerID, jobErr string, retryAt time.Time) error

	// FailDead records the final failed attempt and transitions to
	// DEAD_LETTERED atomically. Returns the terminal snapshot for the
	// dead-letter entry.
	FailDead(ctx context.Context, jobID, workerID, jobErr string) (*Job, error)

	// Cancel transitions PENDING/SCHEDULED -> CANCELED. Claimed jobs are
	// allowed to finish their attempt; ErrNotCancelable is returned.
	Cancel(ctx context.Context, jobID string) error

	// List returns jobs matching the filter, newest first, cursor-paginated.
	List(ctx context.Context, f Filter) ([]Job, error)

	// ListDue returns up to limit claimable jobs due at now, for wake-up
	// hint publishing. Listing is not claiming.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Job, error)

	// FailureHistory returns the ordered failure history of a job.
	FailureHistory(ctx context.Context, jobID string) ([]Failure, error)
}
