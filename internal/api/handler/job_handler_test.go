package handler_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opdesk/conveyor/internal/api/dto"
)

func TestEnqueueJob(t *testing.T) {
	env := newTestEnv(t)

	t.Run("creates a pending job", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
			"tenant_id": "t1",
			"job_type":  "send_email",
			"payload":   map[string]any{"to": "user@example.com"},
		})
		require.Equal(t, http.StatusCreated, w.Code)

		var j dto.JobDTO
		decode(t, w, &j)
		assert.NotEmpty(t, j.JobID)
		assert.Equal(t, "t1", j.TenantID)
		assert.Equal(t, "send_email", j.JobType)
		assert.Equal(t, "PENDING", j.Status)
		assert.Equal(t, 3, j.MaxAttempts)
		assert.NotEmpty(t, j.CorrelationID)
	})

	t.Run("future not_before schedules the job", func(t *testing.T) {
		notBefore := time.Now().UTC().Add(time.Hour)
		w := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
			"tenant_id":  "t1",
			"job_type":   "send_email",
			"not_before": notBefore,
		})
		require.Equal(t, http.StatusCreated, w.Code)

		var j dto.JobDTO
		decode(t, w, &j)
		assert.Equal(t, "SCHEDULED", j.Status)
		assert.WithinDuration(t, notBefore, j.NotBefore, time.Second)
	})

	t.Run("idempotency key replays the original job", func(t *testing.T) {
		body := map[string]any{
			"tenant_id":       "t1",
			"job_type":        "send_email",
			"idempotency_key": "enqueue-replay",
		}

		first := env.do(t, http.MethodPost, "/api/v1/jobs", body)
		require.Equal(t, http.StatusCreated, first.Code)
		second := env.do(t, http.MethodPost, "/api/v1/jobs", body)
		require.Equal(t, http.StatusCreated, second.Code)

		var j1, j2 dto.JobDTO
		decode(t, first, &j1)
		decode(t, second, &j2)
		assert.Equal(t, j1.JobID, j2.JobID)
	})

	t.Run("missing job_type is rejected", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
			"tenant_id": "t1",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"tenant_id": "t1",
		"job_type":  "send_email",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created dto.JobDTO
	decode(t, w, &created)

	t.Run("returns the job", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/jobs/"+created.JobID, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var j dto.JobDTO
		decode(t, w, &j)
		assert.Equal(t, created.JobID, j.JobID)
		assert.Equal(t, "send_email", j.JobType)
	})

	t.Run("unknown id is 404", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/jobs/"+uuid.New().String(), nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("malformed id is 400", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 5; i++ {
		w := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
			"tenant_id": "t1",
			"job_type":  "send_email",
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}
	w := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"tenant_id": "t2",
		"job_type":  "send_email",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	t.Run("tenant filter", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/jobs?tenant_id=t1", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp dto.ListJobsResponse
		decode(t, w, &resp)
		assert.Len(t, resp.Jobs, 5)
		assert.Empty(t, resp.NextCursor)
	})

	t.Run("cursor pagination walks every job once", func(t *testing.T) {
		seen := map[string]bool{}
		cursor := ""
		pages := 0

		for {
			path := "/api/v1/jobs?tenant_id=t1&page_size=2"
			if cursor != "" {
				path += "&cursor=" + url.QueryEscape(cursor)
			}

			w := env.do(t, http.MethodGet, path, nil)
			require.Equal(t, http.StatusOK, w.Code)

			var resp dto.ListJobsResponse
			decode(t, w, &resp)
			for _, j := range resp.Jobs {
				require.False(t, seen[j.JobID], "job %s repeated across pages", j.JobID)
				seen[j.JobID] = true
			}

			pages++
			if resp.NextCursor == "" {
				break
			}
			cursor = resp.NextCursor
		}

		assert.Len(t, seen, 5)
		assert.Equal(t, 3, pages)
	})

	t.Run("invalid cursor is 400", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/jobs?cursor=%21%21%21", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("pending job cancels", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
			"tenant_id": "t1",
			"job_type":  "send_email",
		})
		require.Equal(t, http.StatusCreated, w.Code)
		var created dto.JobDTO
		decode(t, w, &created)

		w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%s/cancel", created.JobID), nil)
		require.Equal(t, http.StatusOK, w.Code)

		var j dto.JobDTO
		decode(t, w, &j)
		assert.Equal(t, "CANCELED", j.Status)

		w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%s/cancel", created.JobID), nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("claimed job is not cancelable", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
			"tenant_id": "t1",
			"job_type":  "send_email",
		})
		require.Equal(t, http.StatusCreated, w.Code)
		var created dto.JobDTO
		decode(t, w, &created)

		claimed, err := env.queue.ClaimByID(ctx, created.JobID, "worker-1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, created.JobID, claimed.JobID)

		w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%s/cancel", created.JobID), nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("unknown id is 404", func(t *testing.T) {
		w := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%s/cancel", uuid.New().String()), nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestListFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	w := env.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"tenant_id": "t1",
		"job_type":  "send_email",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created dto.JobDTO
	decode(t, w, &created)

	claimed, err := env.queue.ClaimByID(ctx, created.JobID, "worker-1", time.Minute)
	require.NoError(t, err)
	_, err = env.queue.Fail(ctx, claimed, errors.New("smtp timeout"))
	require.NoError(t, err)

	t.Run("returns the recorded attempts", func(t *testing.T) {
		w := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/failures", created.JobID), nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp dto.JobFailuresResponse
		decode(t, w, &resp)
		require.Len(t, resp.Failures, 1)
		assert.Equal(t, 1, resp.Failures[0].Attempt)
		assert.Contains(t, resp.Failures[0].Error, "smtp timeout")
	})

	t.Run("unknown job is 404", func(t *testing.T) {
		w := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s/failures", uuid.New().String()), nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
