package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opdesk/conveyor/internal/deadletter"
	"github.com/opdesk/conveyor/internal/job"
)

var _ deadletter.Store = (*DeadLetterStore)(nil)

// DeadLetterStore is an in-memory deadletter.Store.
type DeadLetterStore struct {
	mu      sync.RWMutex
	entries map[string]*deadletter.Entry
}

// NewDeadLetterStore returns an empty DeadLetterStore.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{entries: make(map[string]*deadletter.Entry)}
}

func copyEntry(e *deadletter.Entry) *deadletter.Entry {
	cp := *e
	if len(e.FailureHistory) > 0 {
		cp.FailureHistory = append([]job.Failure(nil), e.FailureHistory...)
	}
	return &cp
}

func (s *DeadLetterStore) Insert(_ context.Context, e *deadletter.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[e.EntryID] = copyEntry(e)
	return nil
}

func (s *DeadLetterStore) Get(_ context.Context, entryID string) (*deadletter.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[entryID]
	if !ok {
		return nil, deadletter.ErrEntryNotFound
	}
	return copyEntry(e), nil
}

func (s *DeadLetterStore) List(_ context.Context, f deadletter.Filter) ([]deadletter.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]deadletter.Entry, 0)
	for _, e := range s.entries {
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.JobType != "" && e.JobType != f.JobType {
			continue
		}
		matched = append(matched, *copyEntry(e))
	}

	sort.Slice(matched, func(i, k int) bool {
		return matched[i].FailedAt.After(matched[k].FailedAt)
	})

	size := f.PageSize
	if size <= 0 {
		size = 50
	}
	if len(matched) > size {
		matched = matched[:size]
	}
	return matched, nil
}

func (s *DeadLetterStore) MarkReplayed(_ context.Context, entryID, replayJobID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return deadletter.ErrEntryNotFound
	}
	if e.ReplayedAt != nil {
		return deadletter.ErrAlreadyReplayed
	}

	replayedAt := at
	e.ReplayedAt = &replayedAt
	e.ReplayJobID = replayJobID
	return nil
}
