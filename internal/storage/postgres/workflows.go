package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opdesk/conveyor/internal/workflow"
)

var _ workflow.Store = (*WorkflowStore)(nil)

const definitionColumns = `
	definition_id, tenant_id, name, version, document, published_at`

const executionColumns = `
	execution_id, tenant_id, definition_id, definition_version, subject_id,
	current_node_id, status, variables, trigger_node_id, trigger_event_id,
	resume_at, action_job_id, last_error, correlation_id, row_version,
	started_at, updated_at, completed_at`

// WorkflowStore is the PostgreSQL workflow.Store. Execution updates are
// compare-and-swap on row_version, matching the optimistic concurrency
// contract of workflow.Store.
type WorkflowStore struct {
	db *sqlx.DB
}

// NewWorkflowStore creates a WorkflowStore over an open connection pool.
func NewWorkflowStore(db *sqlx.DB) *WorkflowStore {
	return &WorkflowStore{db: db}
}

func (s *WorkflowStore) InsertDefinition(ctx context.Context, def *workflow.Definition) error {
	query := `
		INSERT INTO workflow_definitions (
			definition_id, tenant_id, name, version, document, published_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.db.ExecContext(ctx, query,
		def.DefinitionID,
		def.TenantID,
		def.Name,
		def.Version,
		jsonParam(def.Document),
		def.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert workflow definition: %w", err)
	}
	return nil
}

func (s *WorkflowStore) GetDefinition(ctx context.Context, definitionID string, version int) (*workflow.Definition, error) {
	query := `
		SELECT ` + definitionColumns + `
		FROM workflow_definitions
		WHERE definition_id = $1 AND version = $2
	`

	var def workflow.Definition
	if err := s.db.GetContext(ctx, &def, query, definitionID, version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, workflow.ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("failed to get workflow definition: %w", err)
	}
	return &def, nil
}

func (s *WorkflowStore) LatestDefinition(ctx context.Context, tenantID, name string) (*workflow.Definition, error) {
	query := `
		SELECT ` + definitionColumns + `
		FROM workflow_definitions
		WHERE tenant_id = $1 AND name = $2
		ORDER BY version DESC
		LIMIT 1
	`

	var def workflow.Definition
	if err := s.db.GetContext(ctx, &def, query, tenantID, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, workflow.ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("failed to get latest workflow definition: %w", err)
	}
	return &def, nil
}

func (s *WorkflowStore) ListLatestDefinitions(ctx context.Context, tenantID string) ([]workflow.Definition, error) {
	query := `
		SELECT * FROM (
			SELECT DISTINCT ON (definition_id) ` + definitionColumns + `
			FROM workflow_definitions
			WHERE tenant_id = $1
			ORDER BY definition_id, version DESC
		) latest
		ORDER BY name
	`

	defs := []workflow.Definition{}
	if err := s.db.SelectContext(ctx, &defs, query, tenantID); err != nil {
		return nil, fmt.Errorf("failed to list workflow definitions: %w", err)
	}
	return defs, nil
}

func (s *WorkflowStore) InsertExecution(ctx context.Context, exec *workflow.Execution) error {
	exec.RowVersion = 1

	query := `
		INSERT INTO workflow_executions (
			execution_id, tenant_id, definition_id, definition_version,
			subject_id, current_node_id, status, variables, trigger_node_id,
			trigger_event_id, resume_at, action_job_id, last_error,
			correlation_id, row_version, started_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $17, $18
		)
	`

	_, err := s.db.ExecContext(ctx, query,
		exec.ExecutionID,
		exec.TenantID,
		exec.DefinitionID,
		exec.DefinitionVersion,
		exec.SubjectID,
		exec.CurrentNodeID,
		exec.Status,
		exec.Variables,
		exec.TriggerNodeID,
		exec.TriggerEventID,
		exec.ResumeAt,
		exec.ActionJobID,
		exec.LastError,
		exec.CorrelationID,
		exec.RowVersion,
		exec.StartedAt,
		exec.UpdatedAt,
		exec.CompletedAt,
	)
	if err != nil {
		if uniqueViolation(err, "workflow_executions_intake") {
			return workflow.ErrDuplicateExecution
		}
		return fmt.Errorf("failed to insert workflow execution: %w", err)
	}
	return nil
}

func (s *WorkflowStore) GetExecution(ctx context.Context, executionID string) (*workflow.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE execution_id = $1`

	var exec workflow.Execution
	if err := s.db.GetContext(ctx, &exec, query, executionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, workflow.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("failed to get workflow execution: %w", err)
	}
	return &exec, nil
}

func (s *WorkflowStore) UpdateExecution(ctx context.Context, exec *workflow.Execution) error {
	query := `
		UPDATE workflow_executions SET
			current_node_id = $3,
			status = $4,
			variables = $5,
			resume_at = $6,
			action_job_id = $7,
			last_error = $8,
			row_version = row_version + 1,
			updated_at = $9,
			completed_at = $10
		WHERE execution_id = $1 AND row_version = $2
	`

	res, err := s.db.ExecContext(ctx, query,
		exec.ExecutionID,
		exec.RowVersion,
		exec.CurrentNodeID,
		exec.Status,
		exec.Variables,
		exec.ResumeAt,
		exec.ActionJobID,
		exec.LastError,
		exec.UpdatedAt,
		exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		var exists bool
		check := `SELECT EXISTS (SELECT 1 FROM workflow_executions WHERE execution_id = $1)`
		if err := s.db.GetContext(ctx, &exists, check, exec.ExecutionID); err != nil {
			return fmt.Errorf("failed to check workflow execution: %w", err)
		}
		if !exists {
			return workflow.ErrExecutionNotFound
		}
		return workflow.ErrExecutionConflict
	}

	exec.RowVersion++
	return nil
}

func (s *WorkflowStore) ListExecutions(ctx context.Context, f workflow.ExecutionFilter) ([]workflow.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if f.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
		args = append(args, f.TenantID)
		argIdx++
	}
	if f.DefinitionID != "" {
		query += fmt.Sprintf(" AND definition_id = $%d", argIdx)
		args = append(args, f.DefinitionID)
		argIdx++
	}
	if f.SubjectID != "" {
		query += fmt.Sprintf(" AND subject_id = $%d", argIdx)
		args = append(args, f.SubjectID)
		argIdx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, f.Status)
		argIdx++
	}
	if f.Cursor != nil {
		query += fmt.Sprintf(" AND (started_at, execution_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, f.Cursor.StartedAt, f.Cursor.ExecutionID)
		argIdx += 2
	}

	size := f.PageSize
	if size <= 0 {
		size = 50
	}
	query += fmt.Sprintf(" ORDER BY started_at DESC, execution_id DESC LIMIT $%d", argIdx)
	args = append(args, size)

	executions := []workflow.Execution{}
	if err := s.db.SelectContext(ctx, &executions, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list workflow executions: %w", err)
	}
	return executions, nil
}

func (s *WorkflowStore) ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]workflow.Execution, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE status = 'WAITING_UNTIL' AND resume_at IS NOT NULL AND resume_at <= $1
		ORDER BY resume_at
		LIMIT $2
	`

	executions := []workflow.Execution{}
	if err := s.db.SelectContext(ctx, &executions, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list due workflow executions: %w", err)
	}
	return executions, nil
}
