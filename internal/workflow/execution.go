package workflow

import (
	"context"
	"time"
)

// ExecutionStatus is the lifecycle state of one execution.
type ExecutionStatus string

const (
	// ExecutionActive means the walk is progressing or an action job is
	// in flight.
	ExecutionActive ExecutionStatus = "ACTIVE"
	// ExecutionWaiting means a wait node parked the execution until
	// ResumeAt.
	ExecutionWaiting ExecutionStatus = "WAITING_UNTIL"
	// ExecutionCompleted means the walk ran off the end of the graph.
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	// ExecutionGoalReached means a goal's criteria held.
	ExecutionGoalReached ExecutionStatus = "GOAL_REACHED"
	// ExecutionCanceled means an operator stopped the execution.
	ExecutionCanceled ExecutionStatus = "CANCELED"
	// ExecutionErrored means a flow-level fault stopped the execution:
	// a condition over a mis-typed field, a missing branch edge, or a
	// step limit overrun. Other executions are unaffected.
	ExecutionErrored ExecutionStatus = "ERRORED"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionGoalReached, ExecutionCanceled, ExecutionErrored:
		return true
	}
	return false
}

// Execution is one subject's walk through one pinned definition version.
// RowVersion guards updates: writers carry the version they read, and the
// store rejects the write if another writer got there first.
type Execution struct {
	ExecutionID       string          `db:"execution_id"       json:"execution_id"`
	TenantID          string          `db:"tenant_id"          json:"tenant_id"`
	DefinitionID      string          `db:"definition_id"      json:"definition_id"`
	DefinitionVersion int             `db:"definition_version" json:"definition_version"`
	SubjectID         string          `db:"subject_id"         json:"subject_id"`
	CurrentNodeID     string          `db:"current_node_id"    json:"current_node_id"`
	Status            ExecutionStatus `db:"status"             json:"status"`
	Variables         Variables       `db:"variables"          json:"variables"`

	// TriggerNodeID is the trigger the execution started from; together
	// with TriggerEventID it keys intake idempotency, so redelivering
	// the event cannot start the same walk twice.
	TriggerNodeID  string `db:"trigger_node_id"  json:"trigger_node_id"`
	TriggerEventID string `db:"trigger_event_id" json:"trigger_event_id,omitempty"`

	// ResumeAt is set while Status is WAITING_UNTIL.
	ResumeAt *time.Time `db:"resume_at" json:"resume_at,omitempty"`
	// ActionJobID is set while an action node's job is in flight.
	ActionJobID string `db:"action_job_id" json:"action_job_id,omitempty"`

	LastError     string `db:"last_error"     json:"last_error,omitempty"`
	CorrelationID string `db:"correlation_id" json:"correlation_id,omitempty"`

	RowVersion  int        `db:"row_version"  json:"-"`
	StartedAt   time.Time  `db:"started_at"   json:"started_at"`
	UpdatedAt   time.Time  `db:"updated_at"   json:"updated_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// ExecutionCursor is an opaque pagination position over
// (started_at, execution_id).
type ExecutionCursor struct {
	StartedAt   time.Time
	ExecutionID string
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	TenantID     string
	DefinitionID string
	SubjectID    string
	Status       ExecutionStatus
	Cursor       *ExecutionCursor
	PageSize     int
}

// Store persists definitions and executions.
//
// InsertExecution sets exec.RowVersion to 1 and rejects a second
// execution for the same (definition, trigger node, trigger event) with
// ErrDuplicateExecution when the event id is non-empty.
//
// UpdateExecution is conditional: it applies only if the stored row still
// carries exec.RowVersion, bumps the version on success and returns
// ErrExecutionConflict otherwise. Every executor write goes through it,
// so two workers stepping the same execution cannot interleave silently.
type Store interface {
	InsertDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, definitionID string, version int) (*Definition, error)
	LatestDefinition(ctx context.Context, tenantID, name string) (*Definition, error)
	ListLatestDefinitions(ctx context.Context, tenantID string) ([]Definition, error)

	InsertExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, executionID string) (*Execution, error)
	UpdateExecution(ctx context.Context, exec *Execution) error
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]Execution, error)
	// ListDueExecutions returns waiting executions whose ResumeAt has
	// passed, oldest first, for the repair sweep.
	ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]Execution, error)
}
