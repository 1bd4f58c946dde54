// Package memstore provides in-memory store implementations, safe for
// concurrent use. Intended for unit tests and local development; the
// postgres package is the production counterpart.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opdesk/conveyor/internal/job"
)

var _ job.Store = (*JobStore)(nil)

// JobStore is an in-memory job.Store.
type JobStore struct {
	mu       sync.RWMutex
	jobs     map[string]*job.Job
	failures map[string][]job.Failure
}

// NewJobStore returns an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:     make(map[string]*job.Job),
		failures: make(map[string][]job.Failure),
	}
}

// holdsKey reports whether a job in this status still holds its idempotency
// key. Dead-lettered and canceled jobs release theirs, so the same work may
// be submitted again.
func holdsKey(s job.Status) bool {
	return s != job.StatusDeadLettered && s != job.StatusCanceled
}

func claimableAt(j *job.Job, now time.Time) bool {
	switch j.Status {
	case job.StatusPending, job.StatusScheduled:
		return !j.NotBefore.After(now)
	case job.StatusClaimed, job.StatusRunning:
		return !j.LeaseActive(now)
	}
	return false
}

func heldBy(j *job.Job, workerID string) bool {
	return (j.Status == job.StatusClaimed || j.Status == job.StatusRunning) && j.ClaimedBy == workerID
}

func (s *JobStore) Insert(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.jobs {
		if existing.TenantID == j.TenantID && existing.JobType == j.JobType &&
			existing.IdempotencyKey == j.IdempotencyKey && holdsKey(existing.Status) {
			return job.ErrDuplicateIdempotencyKey
		}
	}

	cp := *j
	s.jobs[j.JobID] = &cp
	return nil
}

func (s *JobStore) FindByIdempotencyKey(_ context.Context, tenantID, jobType, key string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *job.Job
	for _, j := range s.jobs {
		if j.TenantID != tenantID || j.JobType != jobType || j.IdempotencyKey != key {
			continue
		}
		if !holdsKey(j.Status) {
			continue
		}
		if found == nil || j.CreatedAt.After(found.CreatedAt) {
			found = j
		}
	}
	if found == nil {
		return nil, job.ErrJobNotFound
	}
	cp := *found
	return &cp, nil
}

func (s *JobStore) Get(_ context.Context, jobID string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, job.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *JobStore) ClaimNextDue(_ context.Context, workerID string, lease time.Duration) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	var next *job.Job
	for _, j := range s.jobs {
		if !claimableAt(j, now) {
			continue
		}
		if next == nil || j.NotBefore.Before(next.NotBefore) ||
			(j.NotBefore.Equal(next.NotBefore) && j.CreatedAt.Before(next.CreatedAt)) {
			next = j
		}
	}
	if next == nil {
		return nil, job.ErrNoJobDue
	}

	claim(next, workerID, lease, now)
	cp := *next
	return &cp, nil
}

func (s *JobStore) ClaimByID(_ context.Context, jobID, workerID string, lease time.Duration) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, job.ErrJobNotFound
	}

	now := time.Now().UTC()
	if !claimableAt(j, now) {
		if (j.Status == job.StatusClaimed || j.Status == job.StatusRunning) && j.LeaseActive(now) {
			return nil, job.ErrJobAlreadyClaimed
		}
		return nil, job.ErrNoJobDue
	}

	claim(j, workerID, lease, now)
	cp := *j
	return &cp, nil
}

func claim(j *job.Job, workerID string, lease time.Duration, now time.Time) {
	expires := now.Add(lease)
	j.Status = job.StatusClaimed
	j.ClaimedBy = workerID
	j.LeaseExpiresAt = &expires
	j.UpdatedAt = now
}

func (s *JobStore) MarkRunning(_ context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return job.ErrJobNotFound
	}
	if j.Status != job.StatusClaimed || j.ClaimedBy != workerID {
		return job.ErrLeaseLost
	}
	j.Status = job.StatusRunning
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *JobStore) ExtendLease(_ context.Context, jobID, workerID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return job.ErrJobNotFound
	}
	if !heldBy(j, workerID) {
		return job.ErrLeaseLost
	}

	now := time.Now().UTC()
	expires := now.Add(lease)
	j.LeaseExpiresAt = &expires
	j.UpdatedAt = now
	return nil
}

func (s *JobStore) MarkSucceeded(_ context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return job.ErrJobNotFound
	}
	if !heldBy(j, workerID) {
		return job.ErrLeaseLost
	}

	now := time.Now().UTC()
	j.Status = job.StatusSucceeded
	j.LeaseExpiresAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (s *JobStore) FailRetry(_ context.Context, jobID, workerID, jobErr string, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return job.ErrJobNotFound
	}
	if !heldBy(j, workerID) {
		return job.ErrLeaseLost
	}

	now := time.Now().UTC()
	j.AttemptCount++
	s.failures[jobID] = append(s.failures[jobID], job.Failure{
		JobID:    jobID,
		Attempt:  j.AttemptCount,
		Error:    jobErr,
		FailedAt: now,
	})
	j.Status = job.StatusScheduled
	j.NotBefore = retryAt
	j.LastError = jobErr
	j.ClaimedBy = ""
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now
	return nil
}

func (s *JobStore) FailDead(_ context.Context, jobID, workerID, jobErr string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, job.ErrJobNotFound
	}
	if !heldBy(j, workerID) {
		return nil, job.ErrLeaseLost
	}

	now := time.Now().UTC()
	j.AttemptCount++
	s.failures[jobID] = append(s.failures[jobID], job.Failure{
		JobID:    jobID,
		Attempt:  j.AttemptCount,
		Error:    jobErr,
		FailedAt: now,
	})
	j.Status = job.StatusDeadLettered
	j.LastError = jobErr
	j.LeaseExpiresAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now

	cp := *j
	return &cp, nil
}

func (s *JobStore) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return job.ErrJobNotFound
	}
	if j.Status == job.StatusCanceled {
		return nil
	}
	if !j.Status.Claimable() {
		return job.ErrNotCancelable
	}

	now := time.Now().UTC()
	j.Status = job.StatusCanceled
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (s *JobStore) List(_ context.Context, f job.Filter) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]job.Job, 0)
	for _, j := range s.jobs {
		if f.TenantID != "" && j.TenantID != f.TenantID {
			continue
		}
		if f.JobType != "" && j.JobType != f.JobType {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.ExecutionID != "" && j.ExecutionID != f.ExecutionID {
			continue
		}
		matched = append(matched, *j)
	}

	sort.Slice(matched, func(i, k int) bool {
		if !matched[i].CreatedAt.Equal(matched[k].CreatedAt) {
			return matched[i].CreatedAt.After(matched[k].CreatedAt)
		}
		return matched[i].JobID > matched[k].JobID
	})

	if f.Cursor != nil {
		cut := sort.Search(len(matched), func(i int) bool {
			j := matched[i]
			if !j.CreatedAt.Equal(f.Cursor.CreatedAt) {
				return j.CreatedAt.Before(f.Cursor.CreatedAt)
			}
			return j.JobID < f.Cursor.JobID
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

func (s *JobStore) ListDue(_ context.Context, now time.Time, limit int) ([]job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]job.Job, 0)
	for _, j := range s.jobs {
		if claimableAt(j, now) {
			due = append(due, *j)
		}
	}

	sort.Slice(due, func(i, k int) bool {
		return due[i].NotBefore.Before(due[k].NotBefore)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *JobStore) FailureHistory(_ context.Context, jobID string) ([]job.Failure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.failures[jobID]
	out := make([]job.Failure, len(history))
	copy(out, history)
	return out, nil
}
