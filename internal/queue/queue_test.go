package queue_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opdesk/conveyor/internal/deadletter"
	"github.com/opdesk/conveyor/internal/job"
	"github.com/opdesk/conveyor/internal/queue"
	"github.com/opdesk/conveyor/internal/storage/memstore"
)

type fakeHinter struct {
	mu  sync.Mutex
	ids []string
}

func (h *fakeHinter) PublishJobHint(_ context.Context, jobID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ids = append(h.ids, jobID)
	return nil
}

func (h *fakeHinter) hinted() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.ids))
	copy(out, h.ids)
	return out
}

type testEnv struct {
	queue    *queue.Queue
	jobs     *memstore.JobStore
	dlqStore *memstore.DeadLetterStore
	hints    *fakeHinter
}

// newTestEnv wires a queue over in-memory stores with an effectively
// immediate retry policy, so rescheduled jobs are claimable right away.
func newTestEnv(t *testing.T, tweak func(*queue.Options)) *testEnv {
	t.Helper()

	jobs := memstore.NewJobStore()
	dlqStore := memstore.NewDeadLetterStore()
	hints := &fakeHinter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	opts := &queue.Options{
		Store:              jobs,
		DeadLetters:        deadletter.NewService(dlqStore, jobs, nil, logger),
		Hints:              hints,
		Policy:             queue.NewRetryPolicy(time.Nanosecond, time.Nanosecond),
		DefaultMaxAttempts: 3,
		Logger:             logger,
	}
	if tweak != nil {
		tweak(opts)
	}

	return &testEnv{
		queue:    queue.New(opts),
		jobs:     jobs,
		dlqStore: dlqStore,
		hints:    hints,
	}
}

func TestQueue_Enqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("immediate job is pending with defaults filled", func(t *testing.T) {
		env := newTestEnv(t, nil)

		j, err := env.queue.Enqueue(ctx, queue.EnqueueParams{
			TenantID: "acme",
			JobType:  "webhook_delivery",
			Payload:  []byte(`{"event":"invoice.paid"}`),
		})

		require.NoError(t, err)
		assert.Equal(t, job.StatusPending, j.Status)
		assert.Equal(t, 3, j.MaxAttempts)
		assert.Equal(t, 0, j.AttemptCount)
		assert.NotEmpty(t, j.CorrelationID)
		assert.Equal(t, j.JobID, j.IdempotencyKey)
		assert.False(t, j.NotBefore.After(time.Now().UTC()))

		assert.Contains(t, env.hints.hinted(), j.JobID)
	})

	t.Run("future not_before schedules without a hint", func(t *testing.T) {
		env := newTestEnv(t, nil)

		j, err := env.queue.Enqueue(ctx, queue.EnqueueParams{
			TenantID:  "acme",
			JobType:   "webhook_delivery",
			NotBefore: time.Now().UTC().Add(time.Hour),
		})

		require.NoError(t, err)
		assert.Equal(t, job.StatusScheduled, j.Status)
		assert.Empty(t, env.hints.hinted())

		_, err = env.queue.Claim(ctx, "worker-1", time.Minute)
		assert.ErrorIs(t, err, job.ErrNoJobDue)
	})

	t.Run("unknown type rejected when registry configured", func(t *testing.T) {
		env := newTestEnv(t, func(o *queue.Options) {
			o.KnownTypes = []string{"webhook_delivery", "workflow_resume"}
		})

		_, err := env.queue.Enqueue(ctx, queue.EnqueueParams{TenantID: "acme", JobType: "mystery"})
		assert.ErrorIs(t, err, job.ErrUnknownJobType)

		_, err = env.queue.Enqueue(ctx, queue.EnqueueParams{TenantID: "acme", JobType: ""})
		assert.ErrorIs(t, err, job.ErrUnknownJobType)
	})

	t.Run("malformed payload rejected", func(t *testing.T) {
		env := newTestEnv(t, nil)

		_, err := env.queue.Enqueue(ctx, queue.EnqueueParams{
			TenantID: "acme",
			JobType:  "webhook_delivery",
			Payload:  []byte(`{"event":`),
		})

		assert.ErrorIs(t, err, job.ErrInvalidPayload)
	})
}

func TestQueue_Enqueue_Idempotency(t *testing.T) {
	ctx := context.Background()

	t.Run("same key returns the existing job", func(t *testing.T) {
		env := newTestEnv(t, nil)

		first, err := env.queue.Enqueue(ctx, queue.EnqueueParams{
			TenantID:       "acme",
			JobType:        "webhook_delivery",
			IdempotencyKey: "wh-delivery:ep-1:evt-1",
		})
		require.NoError(t, err)

		second, err := env.queue.Enqueue(ctx, queue.EnqueueParams{
			TenantID:       "acme",
			JobType:        "webhook_delivery",
			IdempotencyKey: "wh-delivery:ep-1:evt-1",
		})
		require.NoError(t, err)

		assert.Equal(t, first.JobID, second.JobID)

		jobs, err := env.queue.List(ctx, job.Filter{TenantID: "acme"})
		require.NoError(t, err)
		assert.Len(t, jobs, 1)
	})

	t.Run("key is scoped per tenant and type", func(t *testing.T) {
		env := newTestEnv(t, nil)

		first, err := env.queue.Enqueue(ctx, queue.EnqueueParams{
			TenantID:       "acme",
			JobType:        "webhook_delivery",
			IdempotencyKey: "shared-key",
		})
		require.NoError(t, err)

		otherTenant, err := env.queue.Enqueue(ctx, queue.EnqueueParams{
			TenantID:       "globex",
			JobType:        "webhook_delivery",
			IdempotencyKey: "shared-key",
		})
		require.NoError(t, err)
		assert.NotEqual(t, first.JobID, otherTenant.JobID)

		otherType, err := env.queue.Enqueue(ctx, queue.EnqueueParams{
			TenantID:       "acme",
			JobType:        "workflow_resume",
			IdempotencyKey: "shared-key",
		})
		require.NoError(t, err)
		assert.NotEqual(t, first.JobID, otherType.JobID)
	})

	t.Run("dead-lettered job releases its key", func(t *testing.T) {
		env := newTestEnv(t, nil)

		first, err := env.queue.Enqueue(ctx, queue.EnqueueParams{
			TenantID:       "acme",
			JobType:        "webhook_delivery",
			IdempotencyKey: "wh-delivery:ep-1:evt-1",
			MaxAttempts:    1,
		})
		require.NoError(t, err)

		claimed, err := env.queue.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		dead, err := env.queue.Fail(ctx, claimed, assert.AnError)
		require.NoError(t, err)
		require.Equal(t, job.StatusDeadLettered, dead.Status)

		fresh, err := env.queue.Enqueue(ctx, queue.EnqueueParams{
			TenantID:       "acme",
			JobType:        "webhook_delivery",
			IdempotencyKey: "wh-delivery:ep-1:evt-1",
		})
		require.NoError(t, err)
		assert.NotEqual(t, first.JobID, fresh.JobID)
		assert.Equal(t, job.StatusPending, fresh.Status)
	})
}

func TestQueue_ClaimAckLifecycle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	enqueued, err := env.queue.Enqueue(ctx, queue.EnqueueParams{
		TenantID: "acme",
		JobType:  "webhook_delivery",
		Payload:  []byte(`{}`),
	})
	require.NoError(t, err)

	claimed, err := env.queue.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, enqueued.JobID, claimed.JobID)
	assert.Equal(t, job.StatusClaimed, claimed.Status)
	assert.Equal(t, "worker-1", claimed.ClaimedBy)
	require.NotNil(t, claimed.LeaseExpiresAt)

	require.NoError(t, env.queue.Start(ctx, claimed))
	got, err := env.queue.Get(ctx, claimed.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, got.Status)

	require.NoError(t, env.queue.Ack(ctx, claimed))
	assert.Equal(t, job.StatusSucceeded, claimed.Status, "Ack updates the caller's copy")
	got, err = env.queue.Get(ctx, claimed.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Nothing left to claim, and terminal jobs stay put.
	_, err = env.queue.Claim(ctx, "worker-2", time.Minute)
	assert.ErrorIs(t, err, job.ErrNoJobDue)
}

func TestQueue_Claim_OrdersByNotBefore(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	late, err := env.queue.Enqueue(ctx, queue.EnqueueParams{
		TenantID:  "acme",
		JobType:   "webhook_delivery",
		NotBefore: time.Now().UTC().Add(-1 * time.Minute),
	})
	require.NoError(t, err)

	early, err := env.queue.Enqueue(ctx, queue.EnqueueParams{
		TenantID:  "acme",
		JobType:   "webhook_delivery",
		NotBefore: time.Now().UTC().Add(-2 * time.Minute),
	})
	require.NoError(t, err)

	first, err := env.queue.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, early.JobID, first.JobID)

	second, err := env.queue.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, late.JobID, second.JobID)
}

func TestQueue_Claim_SingleWinnerUnderContention(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	_, err := env.queue.Enqueue(ctx, queue.EnqueueParams{TenantID: "acme", JobType: "webhook_delivery"})
	require.NoError(t, err)

	const workers = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		claimed  []string
		noJobDue int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			j, err := env.queue.Claim(ctx, "worker", time.Minute)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if assert.ErrorIs(t, err, job.ErrNoJobDue) {
					noJobDue++
				}
				return
			}
			claimed = append(claimed, j.JobID)
		}(i)
	}
	wg.Wait()

	assert.Len(t, claimed, 1, "exactly one worker should win the claim")
	assert.Equal(t, workers-1, noJobDue)
}

func TestQueue_ClaimByID(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	j, err := env.queue.Enqueue(ctx, queue.EnqueueParams{TenantID: "acme", JobType: "webhook_delivery"})
	require.NoError(t, err)

	claimed, err := env.queue.ClaimByID(ctx, j.JobID, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", claimed.ClaimedBy)

	// A second hint for the same job loses the race.
	_, err = env.queue.ClaimByID(ctx, j.JobID, "worker-2", time.Minute)
	assert.ErrorIs(t, err, job.ErrJobAlreadyClaimed)

	// Hints for scheduled jobs that are not due yet claim nothing.
	future, err := env.queue.Enqueue(ctx, queue.EnqueueParams{
		TenantID:  "acme",
		JobType:   "webhook_delivery",
		NotBefore: time.Now().UTC().Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = env.queue.ClaimByID(ctx, future.JobID, "worker-1", time.Minute)
	assert.ErrorIs(t, err, job.ErrNoJobDue)

	_, err = env.queue.ClaimByID(ctx, "no-such-job", "worker-1", time.Minute)
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestQueue_Fail_RetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	enqueued, err := env.queue.Enqueue(ctx, queue.EnqueueParams{
		TenantID:    "acme",
		JobType:     "webhook_delivery",
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	// First two failures reschedule.
	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := env.queue.Claim(ctx, "worker-1", time.Minute)
		require.NoError(t, err)
		failed, err := env.queue.Fail(ctx, claimed, job.Transient(assert.AnError))
		require.NoError(t, err)
		assert.Equal(t, job.StatusScheduled, failed.Status)

		got, err := env.queue.Get(ctx, enqueued.JobID)
		require.NoError(t, err)
		assert.Equal(t, job.StatusScheduled, got.Status)
		assert.Equal(t, attempt, got.AttemptCount)
		assert.Empty(t, got.ClaimedBy)
		assert.Nil(t, got.LeaseExpiresAt)
	}

	// Third failure exhausts the budget.
	claimed, err := env.queue.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	failed, err := env.queue.Fail(ctx, claimed, job.Transient(assert.AnError))
	require.NoError(t, err)
	assert.Equal(t, job.StatusDeadLettered, failed.Status)

	got, err := env.queue.Get(ctx, enqueued.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDeadLettered, got.Status)
	assert.Equal(t, 3, got.AttemptCount)

	history, err := env.queue.FailureHistory(ctx, enqueued.JobID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, failure := range history {
		assert.Equal(t, i+1, failure.Attempt)
		assert.Contains(t, failure.Error, assert.AnError.Error())
	}

	entries, err := env.dlqStore.List(ctx, deadletter.Filter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, enqueued.JobID, entries[0].JobID)
	assert.Equal(t, 3, entries[0].AttemptCount)
	assert.Len(t, entries[0].FailureHistory, 3)

	// The budget is spent; no fourth claim exists.
	_, err = env.queue.Claim(ctx, "worker-2", time.Minute)
	assert.ErrorIs(t, err, job.ErrNoJobDue)
}

func TestQueue_Fail_PermanentSkipsRemainingAttempts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	enqueued, err := env.queue.Enqueue(ctx, queue.EnqueueParams{
		TenantID:    "acme",
		JobType:     "webhook_delivery",
		MaxAttempts: 5,
	})
	require.NoError(t, err)

	claimed, err := env.queue.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	dead, err := env.queue.Fail(ctx, claimed, job.Permanent(assert.AnError))
	require.NoError(t, err)
	assert.Equal(t, job.StatusDeadLettered, dead.Status)

	got, err := env.queue.Get(ctx, enqueued.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusDeadLettered, got.Status)
	assert.Equal(t, 1, got.AttemptCount, "permanent failure must not burn further attempts")

	entries, err := env.dlqStore.List(ctx, deadletter.Filter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestQueue_Heartbeat(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	_, err := env.queue.Enqueue(ctx, queue.EnqueueParams{TenantID: "acme", JobType: "webhook_delivery"})
	require.NoError(t, err)

	claimed, err := env.queue.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	before := *claimed.LeaseExpiresAt

	require.NoError(t, env.queue.Heartbeat(ctx, claimed.JobID, "worker-1", 10*time.Minute))

	got, err := env.queue.Get(ctx, claimed.JobID)
	require.NoError(t, err)
	require.NotNil(t, got.LeaseExpiresAt)
	assert.True(t, got.LeaseExpiresAt.After(before))

	err = env.queue.Heartbeat(ctx, claimed.JobID, "worker-2", 10*time.Minute)
	assert.ErrorIs(t, err, job.ErrLeaseLost)
}

func TestQueue_LeaseExpiryMakesJobReclaimable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	_, err := env.queue.Enqueue(ctx, queue.EnqueueParams{TenantID: "acme", JobType: "webhook_delivery"})
	require.NoError(t, err)

	// A lease in the past stands in for a crashed worker.
	stale, err := env.queue.Claim(ctx, "worker-1", -1*time.Second)
	require.NoError(t, err)

	reclaimed, err := env.queue.Claim(ctx, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, stale.JobID, reclaimed.JobID)
	assert.Equal(t, "worker-2", reclaimed.ClaimedBy)

	// The original worker's late completion is rejected.
	err = env.queue.Ack(ctx, stale)
	assert.ErrorIs(t, err, job.ErrLeaseLost)

	// The new holder finishes normally.
	require.NoError(t, env.queue.Ack(ctx, reclaimed))
	got, err := env.queue.Get(ctx, reclaimed.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, got.Status)
}

func TestQueue_Cancel(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)

	pending, err := env.queue.Enqueue(ctx, queue.EnqueueParams{TenantID: "acme", JobType: "webhook_delivery"})
	require.NoError(t, err)

	require.NoError(t, env.queue.Cancel(ctx, pending.JobID))
	got, err := env.queue.Get(ctx, pending.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCanceled, got.Status)

	// Canceling again is a no-op.
	assert.NoError(t, env.queue.Cancel(ctx, pending.JobID))

	// Claimed jobs finish their attempt.
	inFlight, err := env.queue.Enqueue(ctx, queue.EnqueueParams{TenantID: "acme", JobType: "webhook_delivery"})
	require.NoError(t, err)
	claimed, err := env.queue.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, inFlight.JobID, claimed.JobID)

	err = env.queue.Cancel(ctx, inFlight.JobID)
	assert.ErrorIs(t, err, job.ErrNotCancelable)

	err = env.queue.Cancel(ctx, "no-such-job")
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestScheduler_HintsDueJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv(t, nil)

	j, err := env.queue.Enqueue(ctx, queue.EnqueueParams{
		TenantID:  "acme",
		JobType:   "webhook_delivery",
		NotBefore: time.Now().UTC().Add(10 * time.Millisecond),
	})
	require.NoError(t, err)
	require.Empty(t, env.hints.hinted(), "scheduled jobs are not hinted at enqueue")

	scheduler := queue.NewScheduler(env.jobs, env.hints, 5*time.Millisecond, 100, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go scheduler.Run(ctx)

	assert.Eventually(t, func() bool {
		for _, id := range env.hints.hinted() {
			if id == j.JobID {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "scheduler should hint the job once due")
}
