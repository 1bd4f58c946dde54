package deadletter_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opdesk/conveyor/internal/deadletter"
	"github.com/opdesk/conveyor/internal/job"
	"github.com/opdesk/conveyor/internal/storage/memstore"
)

func newService(t *testing.T) (*deadletter.Service, *memstore.JobStore, *memstore.DeadLetterStore) {
	t.Helper()

	jobs := memstore.NewJobStore()
	entries := memstore.NewDeadLetterStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return deadletter.NewService(entries, jobs, nil, logger), jobs, entries
}

// exhaustJob walks a job through claim and terminal failure so its row and
// failure history look like a genuinely exhausted job.
func exhaustJob(t *testing.T, jobs *memstore.JobStore, j *job.Job) *job.Job {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, jobs.Insert(ctx, j))

	for {
		claimed, err := jobs.ClaimNextDue(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, j.JobID, claimed.JobID)

		if claimed.AttemptCount+1 >= claimed.MaxAttempts {
			snapshot, err := jobs.FailDead(ctx, j.JobID, "worker-1", "connection refused")
			require.NoError(t, err)
			return snapshot
		}
		require.NoError(t, jobs.FailRetry(ctx, j.JobID, "worker-1", "connection refused", time.Now().UTC()))
	}
}

func pendingJob(tenantID, key string) *job.Job {
	now := time.Now().UTC()
	return &job.Job{
		JobID:          job.NewID(),
		TenantID:       tenantID,
		JobType:        "webhook_delivery",
		Payload:        []byte(`{"event":"invoice.paid"}`),
		Status:         job.StatusPending,
		MaxAttempts:    2,
		NotBefore:      now,
		IdempotencyKey: key,
		CorrelationID:  job.NewCorrelationID(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestService_Push(t *testing.T) {
	svc, jobs, entries := newService(t)
	ctx := context.Background()

	dead := exhaustJob(t, jobs, pendingJob("acme", "key-1"))

	entry, err := svc.Push(ctx, dead)
	require.NoError(t, err)

	assert.NotEmpty(t, entry.EntryID)
	assert.Equal(t, dead.JobID, entry.JobID)
	assert.Equal(t, "acme", entry.TenantID)
	assert.Equal(t, "webhook_delivery", entry.JobType)
	assert.JSONEq(t, `{"event":"invoice.paid"}`, string(entry.Payload))
	assert.Equal(t, 2, entry.AttemptCount)
	assert.Equal(t, "connection refused", entry.LastError)
	assert.Nil(t, entry.ReplayedAt)

	// History is frozen into the snapshot, ordered by attempt.
	require.Len(t, entry.FailureHistory, 2)
	assert.Equal(t, 1, entry.FailureHistory[0].Attempt)
	assert.Equal(t, 2, entry.FailureHistory[1].Attempt)

	stored, err := entries.Get(ctx, entry.EntryID)
	require.NoError(t, err)
	assert.Equal(t, entry.JobID, stored.JobID)
}

func TestService_Replay(t *testing.T) {
	ctx := context.Background()

	t.Run("spawns a fresh job and marks the entry", func(t *testing.T) {
		svc, jobs, _ := newService(t)

		dead := exhaustJob(t, jobs, pendingJob("acme", "key-1"))
		entry, err := svc.Push(ctx, dead)
		require.NoError(t, err)

		replayed, err := svc.Replay(ctx, entry.EntryID)
		require.NoError(t, err)

		assert.NotEqual(t, dead.JobID, replayed.JobID)
		assert.Equal(t, job.StatusPending, replayed.Status)
		assert.Equal(t, 0, replayed.AttemptCount)
		assert.Equal(t, "dlq-replay:"+entry.EntryID, replayed.IdempotencyKey)
		assert.Equal(t, dead.MaxAttempts, replayed.MaxAttempts)
		assert.Equal(t, dead.CorrelationID, replayed.CorrelationID)
		assert.JSONEq(t, string(dead.Payload), string(replayed.Payload))

		stored, err := svc.Get(ctx, entry.EntryID)
		require.NoError(t, err)
		require.NotNil(t, stored.ReplayedAt)
		assert.Equal(t, replayed.JobID, stored.ReplayJobID)

		// The original job stays dead-lettered.
		original, err := jobs.Get(ctx, dead.JobID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusDeadLettered, original.Status)
	})

	t.Run("second replay is rejected", func(t *testing.T) {
		svc, jobs, _ := newService(t)

		dead := exhaustJob(t, jobs, pendingJob("acme", "key-1"))
		entry, err := svc.Push(ctx, dead)
		require.NoError(t, err)

		_, err = svc.Replay(ctx, entry.EntryID)
		require.NoError(t, err)

		_, err = svc.Replay(ctx, entry.EntryID)
		assert.ErrorIs(t, err, deadletter.ErrAlreadyReplayed)
	})

	t.Run("adopts the job left by an interrupted replay", func(t *testing.T) {
		svc, jobs, _ := newService(t)

		dead := exhaustJob(t, jobs, pendingJob("acme", "key-1"))
		entry, err := svc.Push(ctx, dead)
		require.NoError(t, err)

		// An earlier replay inserted the job, then crashed before marking
		// the entry.
		orphan := pendingJob("acme", "dlq-replay:"+entry.EntryID)
		require.NoError(t, jobs.Insert(ctx, orphan))

		replayed, err := svc.Replay(ctx, entry.EntryID)
		require.NoError(t, err)
		assert.Equal(t, orphan.JobID, replayed.JobID, "replay must adopt the existing job, not create a second one")

		stored, err := svc.Get(ctx, entry.EntryID)
		require.NoError(t, err)
		require.NotNil(t, stored.ReplayedAt)
		assert.Equal(t, orphan.JobID, stored.ReplayJobID)
	})

	t.Run("unknown entry", func(t *testing.T) {
		svc, _, _ := newService(t)

		_, err := svc.Replay(ctx, "no-such-entry")
		assert.ErrorIs(t, err, deadletter.ErrEntryNotFound)
	})
}

func TestService_List(t *testing.T) {
	svc, jobs, _ := newService(t)
	ctx := context.Background()

	for _, tenant := range []string{"acme", "acme", "globex"} {
		dead := exhaustJob(t, jobs, pendingJob(tenant, job.NewID()))
		_, err := svc.Push(ctx, dead)
		require.NoError(t, err)
	}

	all, err := svc.List(ctx, deadletter.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	acme, err := svc.List(ctx, deadletter.Filter{TenantID: "acme"})
	require.NoError(t, err)
	assert.Len(t, acme, 2)

	none, err := svc.List(ctx, deadletter.Filter{TenantID: "initech"})
	require.NoError(t, err)
	assert.Empty(t, none)
}
