package dto

import (
	"encoding/json"
	"time"

	"github.com/opdesk/conveyor/internal/job"
)

// EnqueueJobRequest is the body of POST /api/v1/jobs.
type EnqueueJobRequest struct {
	TenantID       string          `json:"tenant_id" binding:"required"`
	JobType        string          `json:"job_type" binding:"required"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	NotBefore      *time.Time      `json:"not_before"`
	MaxAttempts    int             `json:"max_attempts"`
	CorrelationID  string          `json:"correlation_id"`
}

// ListJobsRequest holds the query parameters of GET /api/v1/jobs.
type ListJobsRequest struct {
	TenantID    string `form:"tenant_id"`
	JobType     string `form:"job_type"`
	Status      string `form:"status"`
	ExecutionID string `form:"execution_id"`
	PageSize    int    `form:"page_size"`
	Cursor      string `form:"cursor"`
}

// ListJobsResponse pages jobs newest first. NextCursor is empty on the
// last page.
type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// JobDTO is the wire shape of a job.
type JobDTO struct {
	JobID          string          `json:"job_id"`
	TenantID       string          `json:"tenant_id"`
	JobType        string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         string          `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	NotBefore      time.Time       `json:"not_before"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	ExecutionID    string          `json:"execution_id,omitempty"`
	ClaimedBy      string          `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// NewJobDTO maps a job onto its wire shape.
func NewJobDTO(j *job.Job) JobDTO {
	return JobDTO{
		JobID:          j.JobID,
		TenantID:       j.TenantID,
		JobType:        j.JobType,
		Payload:        j.Payload,
		Status:         string(j.Status),
		AttemptCount:   j.AttemptCount,
		MaxAttempts:    j.MaxAttempts,
		NotBefore:      j.NotBefore,
		IdempotencyKey: j.IdempotencyKey,
		CorrelationID:  j.CorrelationID,
		ExecutionID:    j.ExecutionID,
		ClaimedBy:      j.ClaimedBy,
		LeaseExpiresAt: j.LeaseExpiresAt,
		LastError:      j.LastError,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		CompletedAt:    j.CompletedAt,
	}
}

// JobFailureDTO is one entry of a job's failure history.
type JobFailureDTO struct {
	Attempt  int       `json:"attempt"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// JobFailuresResponse is the body of GET /api/v1/jobs/:job_id/failures.
type JobFailuresResponse struct {
	JobID    string          `json:"job_id"`
	Failures []JobFailureDTO `json:"failures"`
}

// NewJobFailureDTOs maps a failure history onto its wire shape.
func NewJobFailureDTOs(failures []job.Failure) []JobFailureDTO {
	out := make([]JobFailureDTO, len(failures))
	for i, f := range failures {
		out[i] = JobFailureDTO{
			Attempt:  f.Attempt,
			Error:    f.Error,
			FailedAt: f.FailedAt,
		}
	}
	return out
}
