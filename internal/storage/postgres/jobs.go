package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opdesk/conveyor/internal/job"
)

var _ job.Store = (*JobStore)(nil)

const jobColumns = `
	job_id, tenant_id, job_type, payload, status,
	attempt_count, max_attempts, not_before, idempotency_key,
	correlation_id, execution_id, claimed_by, lease_expires_at,
	last_error, created_at, updated_at, completed_at`

// claimablePredicate matches jobs a worker may take: due and unclaimed, or
// claimed with an expired lease (visibility timeout).
const claimablePredicate = `
	(status IN ('PENDING', 'SCHEDULED') AND not_before <= NOW())
	OR (status IN ('CLAIMED', 'RUNNING') AND lease_expires_at <= NOW())`

// JobStore is the PostgreSQL job.Store.
type JobStore struct {
	db *sqlx.DB
}

// NewJobStore creates a JobStore over an open connection pool.
func NewJobStore(db *sqlx.DB) *JobStore {
	return &JobStore{db: db}
}

func (s *JobStore) Insert(ctx context.Context, j *job.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, tenant_id, job_type, payload, status,
			attempt_count, max_attempts, not_before, idempotency_key,
			correlation_id, execution_id, claimed_by, lease_expires_at,
			last_error, created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17
		)
	`

	_, err := s.db.ExecContext(ctx, query,
		j.JobID,
		j.TenantID,
		j.JobType,
		jsonParam(j.Payload),
		j.Status,
		j.AttemptCount,
		j.MaxAttempts,
		j.NotBefore,
		j.IdempotencyKey,
		j.CorrelationID,
		j.ExecutionID,
		j.ClaimedBy,
		j.LeaseExpiresAt,
		j.LastError,
		j.CreatedAt,
		j.UpdatedAt,
		j.CompletedAt,
	)
	if err != nil {
		if uniqueViolation(err, "jobs_live_idempotency_key") {
			return job.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *JobStore) FindByIdempotencyKey(ctx context.Context, tenantID, jobType, key string) (*job.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE tenant_id = $1 AND job_type = $2 AND idempotency_key = $3
		  AND status NOT IN ('DEAD_LETTERED', 'CANCELED')
		ORDER BY created_at DESC
		LIMIT 1
	`

	var j job.Job
	if err := s.db.GetContext(ctx, &j, query, tenantID, jobType, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to find job by idempotency key: %w", err)
	}
	return &j, nil
}

func (s *JobStore) Get(ctx context.Context, jobID string) (*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	var j job.Job
	if err := s.db.GetContext(ctx, &j, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &j, nil
}

func (s *JobStore) ClaimNextDue(ctx context.Context, workerID string, lease time.Duration) (*job.Job, error) {
	query := `
		UPDATE jobs SET
			status = 'CLAIMED',
			claimed_by = $1,
			lease_expires_at = NOW() + make_interval(secs => $2),
			updated_at = NOW()
		WHERE job_id = (
			SELECT job_id FROM jobs
			WHERE ` + claimablePredicate + `
			ORDER BY not_before, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var j job.Job
	if err := s.db.GetContext(ctx, &j, query, workerID, lease.Seconds()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, job.ErrNoJobDue
		}
		return nil, fmt.Errorf("failed to claim next due job: %w", err)
	}
	return &j, nil
}

func (s *JobStore) ClaimByID(ctx context.Context, jobID, workerID string, lease time.Duration) (*job.Job, error) {
	query := `
		UPDATE jobs SET
			status = 'CLAIMED',
			claimed_by = $1,
			lease_expires_at = NOW() + make_interval(secs => $2),
			updated_at = NOW()
		WHERE job_id = $3 AND (` + claimablePredicate + `)
		RETURNING ` + jobColumns

	var j job.Job
	err := s.db.GetContext(ctx, &j, query, workerID, lease.Seconds(), jobID)
	if err == nil {
		return &j, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	// The claim missed; read the row to report why.
	current, getErr := s.Get(ctx, jobID)
	if getErr != nil {
		return nil, getErr
	}
	if (current.Status == job.StatusClaimed || current.Status == job.StatusRunning) &&
		current.LeaseActive(time.Now().UTC()) {
		return nil, job.ErrJobAlreadyClaimed
	}
	return nil, job.ErrNoJobDue
}

func (s *JobStore) MarkRunning(ctx context.Context, jobID, workerID string) error {
	query := `
		UPDATE jobs SET status = 'RUNNING', updated_at = NOW()
		WHERE job_id = $1 AND claimed_by = $2 AND status = 'CLAIMED'
	`
	return s.guardedExec(ctx, query, jobID, workerID)
}

func (s *JobStore) ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	query := `
		UPDATE jobs SET
			lease_expires_at = NOW() + make_interval(secs => $3),
			updated_at = NOW()
		WHERE job_id = $1 AND claimed_by = $2 AND status IN ('CLAIMED', 'RUNNING')
	`
	return s.guardedExec(ctx, query, jobID, workerID, lease.Seconds())
}

func (s *JobStore) MarkSucceeded(ctx context.Context, jobID, workerID string) error {
	query := `
		UPDATE jobs SET
			status = 'SUCCEEDED',
			lease_expires_at = NULL,
			completed_at = NOW(),
			updated_at = NOW()
		WHERE job_id = $1 AND claimed_by = $2 AND status IN ('CLAIMED', 'RUNNING')
	`
	return s.guardedExec(ctx, query, jobID, workerID)
}

// guardedExec runs a lease-holder update and maps an empty result to
// ErrJobNotFound or ErrLeaseLost.
func (s *JobStore) guardedExec(ctx context.Context, query, jobID, workerID string, extra ...any) error {
	args := append([]any{jobID, workerID}, extra...)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return s.missingOrLeaseLost(ctx, jobID)
	}
	return nil
}

func (s *JobStore) missingOrLeaseLost(ctx context.Context, jobID string) error {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM jobs WHERE job_id = $1)`, jobID)
	if err != nil {
		return fmt.Errorf("failed to check job existence: %w", err)
	}
	if !exists {
		return job.ErrJobNotFound
	}
	return job.ErrLeaseLost
}

func (s *JobStore) FailRetry(ctx context.Context, jobID, workerID, jobErr string, retryAt time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var attempt int
	err = tx.GetContext(ctx, &attempt, `
		UPDATE jobs SET
			attempt_count = attempt_count + 1,
			status = 'SCHEDULED',
			not_before = $3,
			last_error = $4,
			claimed_by = '',
			lease_expires_at = NULL,
			updated_at = NOW()
		WHERE job_id = $1 AND claimed_by = $2 AND status IN ('CLAIMED', 'RUNNING')
		RETURNING attempt_count
	`, jobID, workerID, retryAt, jobErr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.missingOrLeaseLost(ctx, jobID)
		}
		return fmt.Errorf("failed to reschedule job: %w", err)
	}

	if err := insertFailure(ctx, tx, jobID, attempt, jobErr); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit retry: %w", err)
	}
	return nil
}

func (s *JobStore) FailDead(ctx context.Context, jobID, workerID, jobErr string) (*job.Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var snapshot job.Job
	err = tx.GetContext(ctx, &snapshot, `
		UPDATE jobs SET
			attempt_count = attempt_count + 1,
			status = 'DEAD_LETTERED',
			last_error = $3,
			lease_expires_at = NULL,
			completed_at = NOW(),
			updated_at = NOW()
		WHERE job_id = $1 AND claimed_by = $2 AND status IN ('CLAIMED', 'RUNNING')
		RETURNING `+jobColumns,
		jobID, workerID, jobErr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.missingOrLeaseLost(ctx, jobID)
		}
		return nil, fmt.Errorf("failed to dead-letter job: %w", err)
	}

	if err := insertFailure(ctx, tx, jobID, snapshot.AttemptCount, jobErr); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dead-letter: %w", err)
	}
	return &snapshot, nil
}

func insertFailure(ctx context.Context, tx *sqlx.Tx, jobID string, attempt int, jobErr string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_failures (job_id, attempt, error, failed_at)
		VALUES ($1, $2, $3, NOW())
	`, jobID, attempt, jobErr)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

func (s *JobStore) Cancel(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'CANCELED', completed_at = NOW(), updated_at = NOW()
		WHERE job_id = $1 AND status IN ('PENDING', 'SCHEDULED')
	`, jobID)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	current, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if current.Status == job.StatusCanceled {
		return nil
	}
	return job.ErrNotCancelable
}

func (s *JobStore) List(ctx context.Context, f job.Filter) ([]job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if f.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
		args = append(args, f.TenantID)
		argIdx++
	}
	if f.JobType != "" {
		query += fmt.Sprintf(" AND job_type = $%d", argIdx)
		args = append(args, f.JobType)
		argIdx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, f.Status)
		argIdx++
	}
	if f.ExecutionID != "" {
		query += fmt.Sprintf(" AND execution_id = $%d", argIdx)
		args = append(args, f.ExecutionID)
		argIdx++
	}
	if f.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, f.Cursor.CreatedAt, f.Cursor.JobID)
		argIdx += 2
	}

	size := f.PageSize
	if size <= 0 {
		size = 50
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, job_id DESC LIMIT $%d", argIdx)
	args = append(args, size)

	jobs := []job.Job{}
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) ListDue(ctx context.Context, now time.Time, limit int) ([]job.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE (status IN ('PENDING', 'SCHEDULED') AND not_before <= $1)
		   OR (status IN ('CLAIMED', 'RUNNING') AND lease_expires_at <= $1)
		ORDER BY not_before
		LIMIT $2
	`

	if limit <= 0 {
		limit = 100
	}
	jobs := []job.Job{}
	if err := s.db.SelectContext(ctx, &jobs, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", err)
	}
	return jobs, nil
}

func (s *JobStore) FailureHistory(ctx context.Context, jobID string) ([]job.Failure, error) {
	query := `
		SELECT job_id, attempt, error, failed_at
		FROM job_failures
		WHERE job_id = $1
		ORDER BY attempt
	`

	history := []job.Failure{}
	if err := s.db.SelectContext(ctx, &history, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to load failure history: %w", err)
	}
	return history, nil
}
