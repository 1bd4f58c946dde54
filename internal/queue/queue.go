// Package queue implements the job queue core: idempotent enqueue, atomic
// claiming with visibility-timeout leases, acknowledgement, and the retry
// policy that escalates exhausted jobs to the dead-letter store.
//
// The job store is the single source of truth. RabbitMQ carries wake-up
// hints only: a hint tells a worker a job may be claimable, and the atomic
// claim decides. Losing a hint delays a job until the next poll; it never
// loses the job.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opdesk/conveyor/internal/deadletter"
	"github.com/opdesk/conveyor/internal/job"
)

// Hinter publishes wake-up hints for newly claimable jobs.
type Hinter interface {
	PublishJobHint(ctx context.Context, jobID string) error
}

// EnqueueParams describes a job submission.
type EnqueueParams struct {
	TenantID       string
	JobType        string
	Payload        json.RawMessage
	IdempotencyKey string
	NotBefore      time.Time
	MaxAttempts    int
	CorrelationID  string
	ExecutionID    string
}

// Options configures a Queue.
type Options struct {
	Store       job.Store
	DeadLetters *deadletter.Service
	Hints       Hinter

	// Policy decides retry delays. Defaults to DefaultRetryPolicy.
	Policy *RetryPolicy

	// KnownTypes is the producer-side allow-list. Empty means any type is
	// accepted (consumers registered at runtime own validation instead).
	KnownTypes []string

	// DefaultMaxAttempts applies when a submission does not set one.
	DefaultMaxAttempts int

	Logger *slog.Logger
}

// Queue is the job queue core. All job mutation goes through it.
type Queue struct {
	store              job.Store
	deadLetters        *deadletter.Service
	hints              Hinter
	policy             *RetryPolicy
	knownTypes         map[string]struct{}
	defaultMaxAttempts int
	logger             *slog.Logger
}

// New creates a Queue from options.
func New(opts *Options) *Queue {
	policy := opts.Policy
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	defaultMax := opts.DefaultMaxAttempts
	if defaultMax <= 0 {
		defaultMax = 3
	}

	var known map[string]struct{}
	if len(opts.KnownTypes) > 0 {
		known = make(map[string]struct{}, len(opts.KnownTypes))
		for _, t := range opts.KnownTypes {
			known[t] = struct{}{}
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Queue{
		store:              opts.Store,
		deadLetters:        opts.DeadLetters,
		hints:              opts.Hints,
		policy:             policy,
		knownTypes:         known,
		defaultMaxAttempts: defaultMax,
		logger:             logger,
	}
}

// Enqueue validates and persists a new job. Re-submission with the same
// (tenant, type, idempotency key) while an earlier job is non-terminal or
// succeeded is a no-op returning the existing job. Dead-lettered and
// canceled jobs release their key, so the same work may be submitted fresh.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (*job.Job, error) {
	if p.JobType == "" {
		return nil, fmt.Errorf("%w: empty type", job.ErrUnknownJobType)
	}
	if q.knownTypes != nil {
		if _, ok := q.knownTypes[p.JobType]; !ok {
			return nil, fmt.Errorf("%w: %q", job.ErrUnknownJobType, p.JobType)
		}
	}
	if len(p.Payload) > 0 && !json.Valid(p.Payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", job.ErrInvalidPayload)
	}

	now := time.Now().UTC()

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.defaultMaxAttempts
	}

	notBefore := p.NotBefore.UTC()
	status := job.StatusPending
	if notBefore.After(now) {
		status = job.StatusScheduled
	} else {
		notBefore = now
	}

	correlationID := p.CorrelationID
	if correlationID == "" {
		correlationID = job.NewCorrelationID()
	}

	j := &job.Job{
		JobID:          job.NewID(),
		TenantID:       p.TenantID,
		JobType:        p.JobType,
		Payload:        p.Payload,
		Status:         status,
		MaxAttempts:    maxAttempts,
		NotBefore:      notBefore,
		IdempotencyKey: p.IdempotencyKey,
		CorrelationID:  correlationID,
		ExecutionID:    p.ExecutionID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if j.IdempotencyKey == "" {
		// No caller-supplied key: the job id itself keeps the column unique
		// without granting any dedup window.
		j.IdempotencyKey = j.JobID
	}

	if err := q.store.Insert(ctx, j); err != nil {
		if errors.Is(err, job.ErrDuplicateIdempotencyKey) {
			existing, findErr := q.store.FindByIdempotencyKey(ctx, p.TenantID, p.JobType, j.IdempotencyKey)
			if findErr != nil {
				return nil, fmt.Errorf("failed to resolve duplicate enqueue: %w", findErr)
			}
			q.logger.Debug("enqueue deduplicated",
				slog.String("job_id", existing.JobID),
				slog.String("job_type", existing.JobType),
				slog.String("idempotency_key", existing.IdempotencyKey),
			)
			return existing, nil
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	if status == job.StatusPending {
		q.publishHint(ctx, j.JobID)
	}

	q.logger.Info("job enqueued",
		slog.String("job_id", j.JobID),
		slog.String("job_type", j.JobType),
		slog.String("status", string(j.Status)),
		slog.Time("not_before", j.NotBefore),
		slog.String("correlation_id", j.CorrelationID),
	)

	return j, nil
}

// Claim atomically picks one due job for the worker and starts its lease.
// Returns job.ErrNoJobDue when nothing is claimable.
func (q *Queue) Claim(ctx context.Context, workerID string, lease time.Duration) (*job.Job, error) {
	j, err := q.store.ClaimNextDue(ctx, workerID, lease)
	if err != nil {
		return nil, err
	}
	q.logClaimed(j)
	return j, nil
}

// ClaimByID claims a specific job, used when a wake-up hint names one.
// Losing the race to another worker returns job.ErrJobAlreadyClaimed.
func (q *Queue) ClaimByID(ctx context.Context, jobID, workerID string, lease time.Duration) (*job.Job, error) {
	j, err := q.store.ClaimByID(ctx, jobID, workerID, lease)
	if err != nil {
		return nil, err
	}
	q.logClaimed(j)
	return j, nil
}

// Start transitions a claimed job to RUNNING before its consumer executes.
func (q *Queue) Start(ctx context.Context, j *job.Job) error {
	if err := q.store.MarkRunning(ctx, j.JobID, j.ClaimedBy); err != nil {
		return err
	}
	j.Status = job.StatusRunning
	return nil
}

// Heartbeat extends the lease of a long-running job.
func (q *Queue) Heartbeat(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	return q.store.ExtendLease(ctx, jobID, workerID, lease)
}

// Ack marks a job succeeded. j is updated in place so callers can act on
// the terminal state.
func (q *Queue) Ack(ctx context.Context, j *job.Job) error {
	if err := q.store.MarkSucceeded(ctx, j.JobID, j.ClaimedBy); err != nil {
		return err
	}
	j.Status = job.StatusSucceeded

	q.logger.Info("job succeeded",
		slog.String("job_id", j.JobID),
		slog.String("job_type", j.JobType),
		slog.String("correlation_id", j.CorrelationID),
		slog.Int("attempt_count", j.AttemptCount),
	)

	return nil
}

// Fail records a failed attempt and applies the retry policy: transient
// errors reschedule with backoff until attempts run out; permanent errors
// dead-letter immediately. Classification comes from the consumer via
// job.Permanent / job.Transient wrappers; unwrapped errors are transient.
// The returned job carries the post-transition state, so callers can react
// to DEAD_LETTERED.
func (q *Queue) Fail(ctx context.Context, j *job.Job, jobErr error) (*job.Job, error) {
	attempt := j.AttemptCount + 1

	if job.IsPermanent(jobErr) || attempt >= j.MaxAttempts {
		return q.failDead(ctx, j, jobErr, attempt)
	}

	retryAt := q.policy.NextRetryAt(time.Now().UTC(), attempt)
	if err := q.store.FailRetry(ctx, j.JobID, j.ClaimedBy, jobErr.Error(), retryAt); err != nil {
		return nil, fmt.Errorf("failed to schedule retry: %w", err)
	}

	j.Status = job.StatusScheduled
	j.AttemptCount = attempt
	j.NotBefore = retryAt
	j.LastError = jobErr.Error()
	j.ClaimedBy = ""
	j.LeaseExpiresAt = nil

	q.logger.Warn("job retry scheduled",
		slog.String("job_id", j.JobID),
		slog.String("job_type", j.JobType),
		slog.String("correlation_id", j.CorrelationID),
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Time("not_before", retryAt),
		slog.String("error", jobErr.Error()),
	)

	return j, nil
}

func (q *Queue) failDead(ctx context.Context, j *job.Job, jobErr error, attempt int) (*job.Job, error) {
	snapshot, err := q.store.FailDead(ctx, j.JobID, j.ClaimedBy, jobErr.Error())
	if err != nil {
		return nil, fmt.Errorf("failed to dead-letter job: %w", err)
	}

	if _, pushErr := q.deadLetters.Push(ctx, snapshot); pushErr != nil {
		// The job row itself is the terminal record; the inspection
		// snapshot failed. Surface it loudly rather than dropping it.
		q.logger.Error("dead-letter entry not recorded",
			slog.String("job_id", j.JobID),
			slog.String("error", pushErr.Error()),
		)
		return snapshot, fmt.Errorf("job %s dead-lettered but entry not recorded: %w", j.JobID, pushErr)
	}

	if job.IsPermanent(jobErr) && attempt < j.MaxAttempts {
		q.logger.Warn("job dead-lettered on permanent error",
			slog.String("job_id", j.JobID),
			slog.String("job_type", j.JobType),
			slog.String("correlation_id", j.CorrelationID),
			slog.Int("attempt", attempt),
			slog.String("error", jobErr.Error()),
		)
	}

	return snapshot, nil
}

// Cancel stops a PENDING or SCHEDULED job. Claimed attempts finish; their
// effects are not undone.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	if err := q.store.Cancel(ctx, jobID); err != nil {
		return err
	}
	q.logger.Info("job canceled", slog.String("job_id", jobID))
	return nil
}

// Get retrieves a job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*job.Job, error) {
	return q.store.Get(ctx, jobID)
}

// List returns jobs matching the filter.
func (q *Queue) List(ctx context.Context, f job.Filter) ([]job.Job, error) {
	return q.store.List(ctx, f)
}

// FailureHistory returns a job's ordered failure history.
func (q *Queue) FailureHistory(ctx context.Context, jobID string) ([]job.Failure, error) {
	return q.store.FailureHistory(ctx, jobID)
}

func (q *Queue) publishHint(ctx context.Context, jobID string) {
	if q.hints == nil {
		return
	}
	if err := q.hints.PublishJobHint(ctx, jobID); err != nil {
		// Best effort: the poll loop claims the job regardless.
		q.logger.Warn("failed to publish job hint",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

func (q *Queue) logClaimed(j *job.Job) {
	q.logger.Info("job claimed",
		slog.String("job_id", j.JobID),
		slog.String("job_type", j.JobType),
		slog.String("correlation_id", j.CorrelationID),
		slog.String("claimed_by", j.ClaimedBy),
		slog.Int("attempt_count", j.AttemptCount),
	)
}
