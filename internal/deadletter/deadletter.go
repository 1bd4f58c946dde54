// Package deadletter holds the terminal record of jobs that exhausted their
// retry budget or failed permanently. Entries are immutable snapshots kept
// for operator inspection; replay spawns a new job, never resurrects the
// old one in place.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/opdesk/conveyor/internal/job"
)

var (
	// ErrEntryNotFound is returned when a dead-letter entry does not exist.
	ErrEntryNotFound = errors.New("dead-letter entry not found")

	// ErrAlreadyReplayed is returned when replay targets an entry that has
	// already spawned a replacement job.
	ErrAlreadyReplayed = errors.New("dead-letter entry already replayed")
)

// Entry is the immutable snapshot of a job at the moment it exhausted its
// retries, with the full ordered failure history.
type Entry struct {
	EntryID        string          `db:"entry_id"`
	JobID          string          `db:"job_id"`
	TenantID       string          `db:"tenant_id"`
	JobType        string          `db:"job_type"`
	Payload        json.RawMessage `db:"payload"`
	IdempotencyKey string          `db:"idempotency_key"`
	CorrelationID  string          `db:"correlation_id"`
	ExecutionID    string          `db:"execution_id"`
	AttemptCount   int             `db:"attempt_count"`
	MaxAttempts    int             `db:"max_attempts"`
	LastError      string          `db:"last_error"`
	FailureHistory []job.Failure   `db:"-"`
	FailedAt       time.Time       `db:"failed_at"`
	ReplayedAt     *time.Time      `db:"replayed_at"`
	ReplayJobID    string          `db:"replay_job_id"`
	CreatedAt      time.Time       `db:"created_at"`
}

// Filter narrows dead-letter listings. Zero values mean "any".
type Filter struct {
	TenantID string
	JobType  string
	PageSize int
}

// Store is the persistence contract for dead-letter entries. Insert and
// MarkReplayed are the only writes; entries are never mutated otherwise.
type Store interface {
	Insert(ctx context.Context, e *Entry) error
	Get(ctx context.Context, entryID string) (*Entry, error)
	List(ctx context.Context, f Filter) ([]Entry, error)

	// MarkReplayed stamps the entry with the replacement job id. Returns
	// ErrAlreadyReplayed when a previous replay already claimed it.
	MarkReplayed(ctx context.Context, entryID, replayJobID string, at time.Time) error
}
