package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opdesk/conveyor/internal/job"
)

// Event is a domain event offered to the workflow engine. SubjectID names
// the entity the resulting execution follows; Data seeds the execution's
// variables.
type Event struct {
	EventID       string
	TenantID      string
	EventType     string
	SubjectID     string
	Data          json.RawMessage
	CorrelationID string
	OccurredAt    time.Time
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Store    Store
	Executor *Executor
	// Queue is used for best-effort cancellation of in-flight action
	// jobs when an execution is canceled.
	Queue  JobQueue
	Logger *slog.Logger
}

// Service is the workflow front door: publishing definitions, feeding
// events in, and managing executions.
type Service struct {
	store    Store
	executor *Executor
	queue    JobQueue
	logger   *slog.Logger
}

// NewService creates a Service from options.
func NewService(opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    opts.Store,
		executor: opts.Executor,
		queue:    opts.Queue,
		logger:   logger,
	}
}

// ImportResult is the outcome of publishing a definition document.
type ImportResult struct {
	Definition *Definition
	// Warnings flag nodes no trigger can reach. They do not block the
	// publish.
	Warnings []string
}

// ImportDefinition validates and publishes a definition document. The
// first publish under a (tenant, name) creates version 1; later ones
// append a new immutable version under the same definition id. Running
// executions keep the version they started on.
func (s *Service) ImportDefinition(ctx context.Context, tenantID, name string, document json.RawMessage) (*ImportResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidDefinition)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}
	_, warnings, err := ParseDocument(document)
	if err != nil {
		return nil, err
	}

	definitionID := uuid.New().String()
	version := 1
	latest, err := s.store.LatestDefinition(ctx, tenantID, name)
	switch {
	case err == nil:
		definitionID = latest.DefinitionID
		version = latest.Version + 1
	case errors.Is(err, ErrDefinitionNotFound):
	default:
		return nil, err
	}

	def := &Definition{
		DefinitionID: definitionID,
		TenantID:     tenantID,
		Name:         name,
		Version:      version,
		Document:     document,
		PublishedAt:  time.Now().UTC(),
	}
	if err := s.store.InsertDefinition(ctx, def); err != nil {
		return nil, err
	}

	s.logger.Info("workflow definition published",
		slog.String("definition_id", def.DefinitionID),
		slog.String("tenant_id", tenantID),
		slog.String("name", name),
		slog.Int("version", version),
		slog.Int("warnings", len(warnings)))
	for _, w := range warnings {
		s.logger.Warn("workflow definition warning",
			slog.String("definition_id", def.DefinitionID),
			slog.Int("version", version),
			slog.String("warning", w))
	}
	return &ImportResult{Definition: def, Warnings: warnings}, nil
}

// HandleEvent starts an execution for every latest-version definition
// whose trigger matches the event, runs each until it parks or finishes,
// and returns the executions it touched. Redelivery of the same event id
// is a no-op per definition. A definition failing on this event never
// blocks the others.
func (s *Service) HandleEvent(ctx context.Context, ev Event) ([]*Execution, error) {
	if ev.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidEvent)
	}
	if ev.EventType == "" {
		return nil, fmt.Errorf("%w: event type is required", ErrInvalidEvent)
	}

	vars := Variables{}
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &vars); err != nil {
			return nil, fmt.Errorf("%w: data is not a JSON object: %v", ErrInvalidEvent, err)
		}
	}

	defs, err := s.store.ListLatestDefinitions(ctx, ev.TenantID)
	if err != nil {
		return nil, err
	}

	var started []*Execution
	for i := range defs {
		def := &defs[i]
		graph, err := s.executor.graphForDefinition(def)
		if err != nil {
			s.logger.Warn("skipping definition with unparsable document",
				slog.String("definition_id", def.DefinitionID),
				slog.Int("version", def.Version),
				slog.String("error", err.Error()))
			continue
		}
		for _, triggerID := range graph.Triggers {
			exec, err := s.startExecution(ctx, def, graph, triggerID, ev, vars)
			if err != nil {
				return started, err
			}
			if exec != nil {
				started = append(started, exec)
			}
		}
	}
	return started, nil
}

// startExecution creates and runs one execution if the trigger matches.
// A nil execution with nil error means the trigger did not fire.
func (s *Service) startExecution(ctx context.Context, def *Definition, graph *Graph, triggerID string, ev Event, vars Variables) (*Execution, error) {
	node, ok := graph.Node(triggerID)
	if !ok {
		return nil, nil
	}
	cfg, ok := node.Config.(*TriggerConfig)
	if !ok {
		return nil, nil
	}
	match, err := cfg.Matches(ev.EventType, vars)
	if err != nil {
		s.logger.Warn("trigger conditions failed against event, skipping",
			slog.String("definition_id", def.DefinitionID),
			slog.String("node_id", triggerID),
			slog.String("event_type", ev.EventType),
			slog.String("error", err.Error()))
		return nil, nil
	}
	if !match {
		return nil, nil
	}

	correlationID := ev.CorrelationID
	if correlationID == "" {
		correlationID = job.NewCorrelationID()
	}
	now := time.Now().UTC()
	exec := &Execution{
		ExecutionID:       uuid.New().String(),
		TenantID:          ev.TenantID,
		DefinitionID:      def.DefinitionID,
		DefinitionVersion: def.Version,
		SubjectID:         ev.SubjectID,
		CurrentNodeID:     triggerID,
		Status:            ExecutionActive,
		Variables:         vars.Clone(),
		TriggerNodeID:     triggerID,
		TriggerEventID:    ev.EventID,
		CorrelationID:     correlationID,
		StartedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.InsertExecution(ctx, exec); err != nil {
		if errors.Is(err, ErrDuplicateExecution) {
			s.logger.Debug("event already started this definition, skipping",
				slog.String("definition_id", def.DefinitionID),
				slog.String("event_id", ev.EventID))
			return nil, nil
		}
		return nil, err
	}

	s.logger.Info("workflow execution started",
		slog.String("execution_id", exec.ExecutionID),
		slog.String("definition_id", def.DefinitionID),
		slog.Int("definition_version", def.Version),
		slog.String("trigger_node_id", triggerID),
		slog.String("subject_id", ev.SubjectID),
		slog.String("event_type", ev.EventType))

	if err := s.executor.Run(ctx, exec); err != nil {
		return exec, err
	}
	return exec, nil
}

// CancelExecution stops an execution. In-flight action jobs are canceled
// best effort; ones past cancellation finish on their own, and their
// resume then lands on a terminal execution and does nothing. Canceling
// an already canceled execution is a no-op.
func (s *Service) CancelExecution(ctx context.Context, executionID string) (*Execution, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status == ExecutionCanceled {
		return exec, nil
	}
	if exec.Status.Terminal() {
		return nil, fmt.Errorf("%w: status %s", ErrExecutionFinished, exec.Status)
	}

	if exec.ActionJobID != "" && s.queue != nil {
		if err := s.queue.Cancel(ctx, exec.ActionJobID); err != nil &&
			!errors.Is(err, job.ErrNotCancelable) && !errors.Is(err, job.ErrJobNotFound) {
			s.logger.Warn("could not cancel in-flight action job",
				slog.String("execution_id", executionID),
				slog.String("job_id", exec.ActionJobID),
				slog.String("error", err.Error()))
		}
	}

	now := time.Now().UTC()
	exec.Status = ExecutionCanceled
	exec.ResumeAt = nil
	exec.ActionJobID = ""
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	if err := s.store.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}

	s.logger.Info("workflow execution canceled",
		slog.String("execution_id", executionID),
		slog.String("node_id", exec.CurrentNodeID))
	return exec, nil
}

// GetDefinition fetches one published definition version.
func (s *Service) GetDefinition(ctx context.Context, definitionID string, version int) (*Definition, error) {
	return s.store.GetDefinition(ctx, definitionID, version)
}

// ListDefinitions returns the latest version of every definition of a
// tenant.
func (s *Service) ListDefinitions(ctx context.Context, tenantID string) ([]Definition, error) {
	return s.store.ListLatestDefinitions(ctx, tenantID)
}

// GetExecution fetches one execution.
func (s *Service) GetExecution(ctx context.Context, executionID string) (*Execution, error) {
	return s.store.GetExecution(ctx, executionID)
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Service) ListExecutions(ctx context.Context, f ExecutionFilter) ([]Execution, error) {
	return s.store.ListExecutions(ctx, f)
}
