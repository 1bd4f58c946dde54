package dto

import (
	"encoding/json"
	"time"

	"github.com/opdesk/conveyor/internal/deadletter"
)

// ListDeadLettersRequest holds the query parameters of
// GET /api/v1/dead-letters.
type ListDeadLettersRequest struct {
	TenantID string `form:"tenant_id"`
	JobType  string `form:"job_type"`
	PageSize int    `form:"page_size"`
}

// ListDeadLettersResponse lists dead-letter entries newest first.
type ListDeadLettersResponse struct {
	Entries []DeadLetterDTO `json:"entries"`
}

// DeadLetterDTO is the wire shape of a dead-letter entry.
type DeadLetterDTO struct {
	EntryID        string          `json:"entry_id"`
	JobID          string          `json:"job_id"`
	TenantID       string          `json:"tenant_id"`
	JobType        string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	ExecutionID    string          `json:"execution_id,omitempty"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	LastError      string          `json:"last_error,omitempty"`
	FailureHistory []JobFailureDTO `json:"failure_history,omitempty"`
	FailedAt       time.Time       `json:"failed_at"`
	ReplayedAt     *time.Time      `json:"replayed_at,omitempty"`
	ReplayJobID    string          `json:"replay_job_id,omitempty"`
}

// NewDeadLetterDTO maps a dead-letter entry onto its wire shape.
func NewDeadLetterDTO(e *deadletter.Entry) DeadLetterDTO {
	return DeadLetterDTO{
		EntryID:        e.EntryID,
		JobID:          e.JobID,
		TenantID:       e.TenantID,
		JobType:        e.JobType,
		Payload:        e.Payload,
		IdempotencyKey: e.IdempotencyKey,
		CorrelationID:  e.CorrelationID,
		ExecutionID:    e.ExecutionID,
		AttemptCount:   e.AttemptCount,
		MaxAttempts:    e.MaxAttempts,
		LastError:      e.LastError,
		FailureHistory: NewJobFailureDTOs(e.FailureHistory),
		FailedAt:       e.FailedAt,
		ReplayedAt:     e.ReplayedAt,
		ReplayJobID:    e.ReplayJobID,
	}
}

// ReplayResponse is the body of POST /api/v1/dead-letters/:entry_id/replay.
// Job is the fresh job the entry was replayed as.
type ReplayResponse struct {
	EntryID string `json:"entry_id"`
	Job     JobDTO `json:"job"`
}
