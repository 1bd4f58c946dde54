package handler_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opdesk/conveyor/internal/api/dto"
)

// buryJob drives a freshly enqueued job to the dead-letter queue through
// the real claim and fail transitions.
func buryJob(t *testing.T, env *testEnv, tenantID string) dto.DeadLetterDTO {
	t.Helper()
	ctx := context.Background()

	w := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"tenant_id":    tenantID,
		"job_type":     "send_email",
		"payload":      map[string]any{"to": "user@example.com"},
		"max_attempts": 1,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created dto.JobDTO
	decode(t, w, &created)

	claimed, err := env.queue.ClaimByID(ctx, created.JobID, "worker-1", time.Minute)
	require.NoError(t, err)
	_, err = env.queue.Fail(ctx, claimed, errors.New("smtp rejected recipient"))
	require.NoError(t, err)

	w = env.do(t, http.MethodGet, "/api/v1/dead-letters?tenant_id="+tenantID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp dto.ListDeadLettersResponse
	decode(t, w, &resp)
	require.NotEmpty(t, resp.Entries)

	for _, e := range resp.Entries {
		if e.JobID == created.JobID {
			return e
		}
	}
	t.Fatalf("no dead-letter entry for job %s", created.JobID)
	return dto.DeadLetterDTO{}
}

func TestDeadLetters(t *testing.T) {
	env := newTestEnv(t)

	entry := buryJob(t, env, "t1")
	assert.Equal(t, "send_email", entry.JobType)
	assert.Equal(t, 1, entry.AttemptCount)
	assert.Contains(t, entry.LastError, "smtp rejected recipient")
	require.Len(t, entry.FailureHistory, 1)

	t.Run("get entry", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/dead-letters/"+entry.EntryID, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var got dto.DeadLetterDTO
		decode(t, w, &got)
		assert.Equal(t, entry.EntryID, got.EntryID)
		assert.Nil(t, got.ReplayedAt)
	})

	t.Run("unknown entry is 404", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/dead-letters/missing", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("job_type filter", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/dead-letters?tenant_id=t1&job_type=other_type", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp dto.ListDeadLettersResponse
		decode(t, w, &resp)
		assert.Empty(t, resp.Entries)
	})
}

func TestReplayDeadLetter(t *testing.T) {
	env := newTestEnv(t)
	entry := buryJob(t, env, "t1")

	w := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/dead-letters/%s/replay", entry.EntryID), nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var replay dto.ReplayResponse
	decode(t, w, &replay)
	assert.Equal(t, entry.EntryID, replay.EntryID)
	assert.NotEqual(t, entry.JobID, replay.Job.JobID)
	assert.Equal(t, "PENDING", replay.Job.Status)
	assert.Equal(t, 0, replay.Job.AttemptCount)
	assert.JSONEq(t, string(entry.Payload), string(replay.Job.Payload))

	t.Run("second replay is 409", func(t *testing.T) {
		w := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/dead-letters/%s/replay", entry.EntryID), nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("entry records the replay", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/dead-letters/"+entry.EntryID, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var got dto.DeadLetterDTO
		decode(t, w, &got)
		require.NotNil(t, got.ReplayedAt)
		assert.Equal(t, replay.Job.JobID, got.ReplayJobID)
	})
}
