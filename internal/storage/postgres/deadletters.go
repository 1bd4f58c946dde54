package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opdesk/conveyor/internal/deadletter"
)

var _ deadletter.Store = (*DeadLetterStore)(nil)

const entryColumns = `
	entry_id, job_id, tenant_id, job_type, payload, idempotency_key,
	correlation_id, execution_id, attempt_count, max_attempts, last_error,
	failure_history, failed_at, replayed_at, replay_job_id, created_at`

// DeadLetterStore is the PostgreSQL deadletter.Store.
type DeadLetterStore struct {
	db *sqlx.DB
}

// NewDeadLetterStore creates a DeadLetterStore over an open connection pool.
func NewDeadLetterStore(db *sqlx.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

// entryRow carries the frozen failure history alongside the entry fields;
// the history is a jsonb column, not a relation, because entries are
// immutable snapshots.
type entryRow struct {
	deadletter.Entry
	HistoryJSON []byte `db:"failure_history"`
}

func (r *entryRow) entry() (*deadletter.Entry, error) {
	e := r.Entry
	if len(r.HistoryJSON) > 0 {
		if err := json.Unmarshal(r.HistoryJSON, &e.FailureHistory); err != nil {
			return nil, fmt.Errorf("failed to decode failure history: %w", err)
		}
	}
	return &e, nil
}

func (s *DeadLetterStore) Insert(ctx context.Context, e *deadletter.Entry) error {
	historyJSON := []byte("[]")
	if len(e.FailureHistory) > 0 {
		var err error
		historyJSON, err = json.Marshal(e.FailureHistory)
		if err != nil {
			return fmt.Errorf("failed to encode failure history: %w", err)
		}
	}

	query := `
		INSERT INTO dead_letter_entries (
			entry_id, job_id, tenant_id, job_type, payload, idempotency_key,
			correlation_id, execution_id, attempt_count, max_attempts,
			last_error, failure_history, failed_at, replayed_at,
			replay_job_id, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16
		)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.EntryID,
		e.JobID,
		e.TenantID,
		e.JobType,
		jsonParam(e.Payload),
		e.IdempotencyKey,
		e.CorrelationID,
		e.ExecutionID,
		e.AttemptCount,
		e.MaxAttempts,
		e.LastError,
		string(historyJSON),
		e.FailedAt,
		e.ReplayedAt,
		e.ReplayJobID,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead-letter entry: %w", err)
	}
	return nil
}

func (s *DeadLetterStore) Get(ctx context.Context, entryID string) (*deadletter.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM dead_letter_entries WHERE entry_id = $1`

	var row entryRow
	if err := s.db.GetContext(ctx, &row, query, entryID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, deadletter.ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to get dead-letter entry: %w", err)
	}
	return row.entry()
}

func (s *DeadLetterStore) List(ctx context.Context, f deadletter.Filter) ([]deadletter.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM dead_letter_entries WHERE 1=1`
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

	size := f.PageSize
	if size <= 0 {
		size = 50
	}
	query += fmt.Sprintf(" ORDER BY failed_at DESC, entry_id DESC LIMIT $%d", argIdx)
	args = append(args, size)

	rows := []entryRow{}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list dead-letter entries: %w", err)
	}

	entries := make([]deadletter.Entry, 0, len(rows))
	for i := range rows {
		e, err := rows[i].entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

func (s *DeadLetterStore) MarkReplayed(ctx context.Context, entryID, replayJobID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_entries
		SET replayed_at = $2, replay_job_id = $3
		WHERE entry_id = $1 AND replayed_at IS NULL
	`, entryID, at, replayJobID)
	if err != nil {
		return fmt.Errorf("failed to mark entry replayed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	err = s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM dead_letter_entries WHERE entry_id = $1)`, entryID)
	if err != nil {
		return fmt.Errorf("failed to check entry existence: %w", err)
	}
	if !exists {
		return deadletter.ErrEntryNotFound
	}
	return deadletter.ErrAlreadyReplayed
}
