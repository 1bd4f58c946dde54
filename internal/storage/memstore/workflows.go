package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opdesk/conveyor/internal/workflow"
)

var _ workflow.Store = (*WorkflowStore)(nil)

// WorkflowStore is an in-memory workflow.Store.
type WorkflowStore struct {
	mu         sync.RWMutex
	defs       map[string][]*workflow.Definition
	executions map[string]*workflow.Execution
}

// NewWorkflowStore returns an empty WorkflowStore.
func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{
		defs:       make(map[string][]*workflow.Definition),
		executions: make(map[string]*workflow.Execution),
	}
}

func copyDefinition(d *workflow.Definition) *workflow.Definition {
	cp := *d
	cp.Document = append([]byte(nil), d.Document...)
	return &cp
}

func copyExecution(e *workflow.Execution) *workflow.Execution {
	cp := *e
	cp.Variables = e.Variables.Clone()
	if e.ResumeAt != nil {
		t := *e.ResumeAt
		cp.ResumeAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func (s *WorkflowStore) InsertDefinition(_ context.Context, def *workflow.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.defs[def.DefinitionID] = append(s.defs[def.DefinitionID], copyDefinition(def))
	return nil
}

func (s *WorkflowStore) GetDefinition(_ context.Context, definitionID string, version int) (*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.defs[definitionID] {
		if d.Version == version {
			return copyDefinition(d), nil
		}
	}
	return nil, workflow.ErrDefinitionNotFound
}

func (s *WorkflowStore) LatestDefinition(_ context.Context, tenantID, name string) (*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *workflow.Definition
	for _, versions := range s.defs {
		for _, d := range versions {
			if d.TenantID != tenantID || d.Name != name {
				continue
			}
			if latest == nil || d.Version > latest.Version {
				latest = d
			}
		}
	}
	if latest == nil {
		return nil, workflow.ErrDefinitionNotFound
	}
	return copyDefinition(latest), nil
}

func (s *WorkflowStore) ListLatestDefinitions(_ context.Context, tenantID string) ([]workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make([]workflow.Definition, 0)
	for _, versions := range s.defs {
		var newest *workflow.Definition
		for _, d := range versions {
			if d.TenantID != tenantID {
				continue
			}
			if newest == nil || d.Version > newest.Version {
				newest = d
			}
		}
		if newest != nil {
			latest = append(latest, *copyDefinition(newest))
		}
	}

	sort.Slice(latest, func(i, k int) bool {
		return latest[i].Name < latest[k].Name
	})
	return latest, nil
}

func (s *WorkflowStore) InsertExecution(_ context.Context, exec *workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec.TriggerEventID != "" {
		for _, existing := range s.executions {
			if existing.DefinitionID == exec.DefinitionID &&
				existing.TriggerNodeID == exec.TriggerNodeID &&
				existing.TriggerEventID == exec.TriggerEventID {
				return workflow.ErrDuplicateExecution
			}
		}
	}

	exec.RowVersion = 1
	s.executions[exec.ExecutionID] = copyExecution(exec)
	return nil
}

func (s *WorkflowStore) GetExecution(_ context.Context, executionID string) (*workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[executionID]
	if !ok {
		return nil, workflow.ErrExecutionNotFound
	}
	return copyExecution(e), nil
}

func (s *WorkflowStore) UpdateExecution(_ context.Context, exec *workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.executions[exec.ExecutionID]
	if !ok {
		return workflow.ErrExecutionNotFound
	}
	if stored.RowVersion != exec.RowVersion {
		return workflow.ErrExecutionConflict
	}

	exec.RowVersion++
	s.executions[exec.ExecutionID] = copyExecution(exec)
	return nil
}

func (s *WorkflowStore) ListExecutions(_ context.Context, f workflow.ExecutionFilter) ([]workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]workflow.Execution, 0)
	for _, e := range s.executions {
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.DefinitionID != "" && e.DefinitionID != f.DefinitionID {
			continue
		}
		if f.SubjectID != "" && e.SubjectID != f.SubjectID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		matched = append(matched, *copyExecution(e))
	}

	sort.Slice(matched, func(i, k int) bool {
		if !matched[i].StartedAt.Equal(matched[k].StartedAt) {
			return matched[i].StartedAt.After(matched[k].StartedAt)
		}
		return matched[i].ExecutionID > matched[k].ExecutionID
	})

	if f.Cursor != nil {
		cut := sort.Search(len(matched), func(i int) bool {
			e := matched[i]
			if !e.StartedAt.Equal(f.Cursor.StartedAt) {
				return e.StartedAt.Before(f.Cursor.StartedAt)
			}
			return e.ExecutionID < f.Cursor.ExecutionID
		})
		matched = matched[cut:]
	}

	size := f.PageSize
	if size <= 0 {
		size = 50
	}
	if len(matched) > size {
		matched = matched[:size]
	}
	return matched, nil
}

func (s *WorkflowStore) ListDueExecutions(_ context.Context, now time.Time, limit int) ([]workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]workflow.Execution, 0)
	for _, e := range s.executions {
		if e.Status != workflow.ExecutionWaiting || e.ResumeAt == nil {
			continue
		}
		if e.ResumeAt.After(now) {
			continue
		}
		due = append(due, *copyExecution(e))
	}

	sort.Slice(due, func(i, k int) bool {
		return due[i].ResumeAt.Before(*due[k].ResumeAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
