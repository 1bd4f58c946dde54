package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/opdesk/conveyor/internal/api/handler"
	"github.com/opdesk/conveyor/internal/api/router"
	"github.com/opdesk/conveyor/internal/deadletter"
	"github.com/opdesk/conveyor/internal/queue"
	"github.com/opdesk/conveyor/internal/storage/memstore"
	"github.com/opdesk/conveyor/internal/webhook"
	"github.com/opdesk/conveyor/internal/workflow"
)

// testEnv wires the full API surface over in-memory stores. The queue is
// exposed so tests can drive jobs through claim and fail transitions the
// HTTP surface has no verbs for.
type testEnv struct {
	router *gin.Engine
	queue  *queue.Queue
	jobs   *memstore.JobStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	jobs := memstore.NewJobStore()
	deadLetters := deadletter.NewService(memstore.NewDeadLetterStore(), jobs, nil, logger)
	q := queue.New(&queue.Options{
		Store:              jobs,
		DeadLetters:        deadLetters,
		DefaultMaxAttempts: 3,
		Logger:             logger,
	})

	webhooks := webhook.NewService(memstore.NewWebhookStore(), q, 5, logger)

	workflowStore := memstore.NewWorkflowStore()
	executor := workflow.NewExecutor(workflow.ExecutorOptions{
		Store:  workflowStore,
		Queue:  q,
		Logger: logger,
	})
	workflows := workflow.NewService(workflow.ServiceOptions{
		Store:    workflowStore,
		Executor: executor,
		Queue:    q,
		Logger:   logger,
	})

	deps := &handler.Dependencies{
		Logger:      logger,
		Queue:       q,
		DeadLetters: deadLetters,
		Webhooks:    webhooks,
		Workflows:   workflows,
		Executor:    executor,
		Health: []handler.HealthCheck{
			{Name: "store", Check: func(context.Context) error { return nil }},
		},
	}

	return &testEnv{
		router: router.SetupRouter(deps),
		queue:  q,
		jobs:   jobs,
	}
}

// do runs one request through the router. A non-nil body is sent as JSON.
func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	decode(t, w, &body)
	require.Equal(t, "healthy", body["status"])
}

func TestCorrelationIDHeader(t *testing.T) {
	env := newTestEnv(t)

	t.Run("minted when absent", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/health", nil)
		require.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
	})

	t.Run("caller id echoed and propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs",
			bytes.NewReader([]byte(`{"tenant_id":"t1","job_type":"send_email"}`)))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Correlation-ID", "corr-abc")

		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)

		require.Equal(t, http.StatusCreated, w.Code)
		require.Equal(t, "corr-abc", w.Header().Get("X-Correlation-ID"))

		var created struct {
			CorrelationID string `json:"correlation_id"`
		}
		decode(t, w, &created)
		require.Equal(t, "corr-abc", created.CorrelationID)
	})
}
