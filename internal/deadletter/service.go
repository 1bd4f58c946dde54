package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opdesk/conveyor/internal/job"
)

// Hinter publishes wake-up hints for newly claimable jobs.
type Hinter interface {
	PublishJobHint(ctx context.Context, jobID string) error
}

// Service provides dead-letter operations over a Store: capturing exhausted
// jobs and replaying entries as fresh jobs.
type Service struct {
	store  Store
	jobs   job.Store
	hints  Hinter
	logger *slog.Logger
}

// NewService creates a dead-letter service. hints may be nil when no wake-up
// bus is wired; replayed jobs are then found by the next poll.
func NewService(store Store, jobs job.Store, hints Hinter, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		jobs:   jobs,
		hints:  hints,
		logger: logger,
	}
}

// Push captures a terminally failed job as an immutable entry. The failure
// history is read once here and frozen into the snapshot.
func (s *Service) Push(ctx context.Context, j *job.Job) (*Entry, error) {
	history, err := s.jobs.FailureHistory(ctx, j.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load failure history: %w", err)
	}

	now := time.Now().UTC()
	entry := &Entry{
		EntryID:        uuid.New().String(),
		JobID:          j.JobID,
		TenantID:       j.TenantID,
		JobType:        j.JobType,
		Payload:        j.Payload,
		IdempotencyKey: j.IdempotencyKey,
		CorrelationID:  j.CorrelationID,
		ExecutionID:    j.ExecutionID,
		AttemptCount:   j.AttemptCount,
		MaxAttempts:    j.MaxAttempts,
		LastError:      j.LastError,
		FailureHistory: history,
		FailedAt:       now,
		CreatedAt:      now,
	}

	if err := s.store.Insert(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to insert dead-letter entry: %w", err)
	}

	s.logger.Info("job dead-lettered",
		slog.String("entry_id", entry.EntryID),
		slog.String("job_id", j.JobID),
		slog.String("job_type", j.JobType),
		slog.String("correlation_id", j.CorrelationID),
		slog.Int("attempt_count", j.AttemptCount),
		slog.String("last_error", j.LastError),
	)

	return entry, nil
}

// Get retrieves a single entry.
func (s *Service) Get(ctx context.Context, entryID string) (*Entry, error) {
	return s.store.Get(ctx, entryID)
}

// List returns entries matching the filter, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]Entry, error) {
	return s.store.List(ctx, f)
}

// Replay spawns a new job from a dead-letter entry: fresh id, zero
// attempts, immediately claimable. The entry is marked replayed and never
// replayed again. The idempotency key is derived from the entry id, so a
// crash between insert and mark cannot produce a second replacement.
func (s *Service) Replay(ctx context.Context, entryID string) (*job.Job, error) {
	entry, err := s.store.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.ReplayedAt != nil {
		return nil, ErrAlreadyReplayed
	}

	now := time.Now().UTC()
	replay := &job.Job{
		JobID:          job.NewID(),
		TenantID:       entry.TenantID,
		JobType:        entry.JobType,
		Payload:        entry.Payload,
		Status:         job.StatusPending,
		MaxAttempts:    entry.MaxAttempts,
		NotBefore:      now,
		IdempotencyKey: "dlq-replay:" + entry.EntryID,
		CorrelationID:  entry.CorrelationID,
		ExecutionID:    entry.ExecutionID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.jobs.Insert(ctx, replay); err != nil {
		if errors.Is(err, job.ErrDuplicateIdempotencyKey) {
			// A previous replay inserted the job but crashed before marking
			// the entry. Adopt the existing job.
			existing, findErr := s.jobs.FindByIdempotencyKey(ctx, entry.TenantID, entry.JobType, replay.IdempotencyKey)
			if findErr != nil {
				return nil, fmt.Errorf("failed to resolve replayed job: %w", findErr)
			}
			replay = existing
		} else {
			return nil, fmt.Errorf("failed to enqueue replay job: %w", err)
		}
	}

	if err := s.store.MarkReplayed(ctx, entryID, replay.JobID, now); err != nil {
		// The replacement job exists either way; surface the bookkeeping
		// failure without undoing it.
		return replay, fmt.Errorf("replay job %s enqueued but entry not marked: %w", replay.JobID, err)
	}

	if s.hints != nil {
		if err := s.hints.PublishJobHint(ctx, replay.JobID); err != nil {
			s.logger.Warn("failed to publish hint for replayed job",
				slog.String("job_id", replay.JobID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("dead-letter entry replayed",
		slog.String("entry_id", entryID),
		slog.String("replay_job_id", replay.JobID),
		slog.String("job_type", replay.JobType),
		slog.String("correlation_id", replay.CorrelationID),
	)

	return replay, nil
}
