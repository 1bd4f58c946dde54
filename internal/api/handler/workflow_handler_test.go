package handler_test

import (
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opdesk/conveyor/internal/api/dto"
	"github.com/opdesk/conveyor/internal/workflow"
)

func TestImportDefinition(t *testing.T) {
	env := newTestEnv(t)

	t.Run("first publish is version 1", func(t *testing.T) {
		def := importDefinition(t, env, "t1", "order-flow", orderDocument)
		assert.NotEmpty(t, def.DefinitionID)
		assert.Equal(t, 1, def.Version)
	})

	t.Run("republish appends a version under the same id", func(t *testing.T) {
		first := importDefinition(t, env, "t1", "versioned-flow", orderDocument)
		second := importDefinition(t, env, "t1", "versioned-flow", orderDocument)
		assert.Equal(t, first.DefinitionID, second.DefinitionID)
		assert.Equal(t, first.Version+1, second.Version)
	})

	t.Run("unknown node type is rejected", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/workflows/definitions", map[string]any{
			"tenant_id": "t1",
			"name":      "broken-flow",
			"document": map[string]any{
				"nodes": []map[string]any{
					{"id": "n1", "type": "sleep", "config": map[string]any{}},
				},
			},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unreachable node warns without blocking", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/workflows/definitions", map[string]any{
			"tenant_id": "t1",
			"name":      "warned-flow",
			"document": map[string]any{
				"nodes": []map[string]any{
					{"id": "on_order", "type": "trigger", "config": map[string]any{"event_type": "order.created"}},
					{"id": "notify", "type": "action", "config": map[string]any{"job_type": "send_email"}},
					{"id": "orphan", "type": "action", "config": map[string]any{"job_type": "send_email"}},
				},
				"edges": []map[string]any{
					{"from": "on_order", "to": "notify"},
				},
			},
		})
		require.Equal(t, http.StatusCreated, w.Code)

		var resp dto.ImportDefinitionResponse
		decode(t, w, &resp)
		assert.NotEmpty(t, resp.Warnings)
	})
}

func TestGetDefinition(t *testing.T) {
	env := newTestEnv(t)
	def := importDefinition(t, env, "t1", "order-flow", orderDocument)

	t.Run("fetches one version", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/workflows/definitions/"+def.DefinitionID+"?version=1", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var got workflow.Definition
		decode(t, w, &got)
		assert.Equal(t, def.DefinitionID, got.DefinitionID)
		assert.Equal(t, 1, got.Version)
		assert.NotEmpty(t, got.Document)
	})

	t.Run("missing version parameter is 400", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/workflows/definitions/"+def.DefinitionID, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unpublished version is 404", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/workflows/definitions/"+def.DefinitionID+"?version=9", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestListDefinitions(t *testing.T) {
	env := newTestEnv(t)

	importDefinition(t, env, "t1", "order-flow", orderDocument)
	importDefinition(t, env, "t1", "order-flow", orderDocument)
	importDefinition(t, env, "t1", "refund-flow", orderDocument)

	w := env.do(t, http.MethodGet, "/api/v1/workflows/definitions?tenant_id=t1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListDefinitionsResponse
	decode(t, w, &resp)
	require.Len(t, resp.Definitions, 2)

	versions := map[string]int{}
	for _, d := range resp.Definitions {
		versions[d.Name] = d.Version
	}
	assert.Equal(t, 2, versions["order-flow"])
	assert.Equal(t, 1, versions["refund-flow"])
}

func TestExecutions(t *testing.T) {
	env := newTestEnv(t)

	// Trigger, hour-long wait, then action: the execution parks in
	// WAITING_UNTIL where cancellation can reach it.
	importDefinition(t, env, "t1", "slow-flow", map[string]any{
		"nodes": []map[string]any{
			{"id": "on_order", "type": "trigger", "config": map[string]any{"event_type": "order.created"}},
			{"id": "cool_off", "type": "wait", "config": map[string]any{"mode": "delay", "delay": "1h"}},
			{"id": "notify", "type": "action", "config": map[string]any{"job_type": "send_email"}},
		},
		"edges": []map[string]any{
			{"from": "on_order", "to": "cool_off"},
			{"from": "cool_off", "to": "notify"},
		},
	})

	w := env.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"tenant_id":  "t1",
		"event_type": "order.created",
		"subject_id": "customer-7",
		"data":       map[string]any{"order_id": "o-1"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var published dto.PublishEventResponse
	decode(t, w, &published)
	require.Len(t, published.Executions, 1)
	exec := published.Executions[0]
	require.Equal(t, workflow.ExecutionWaiting, exec.Status)
	require.NotNil(t, exec.ResumeAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *exec.ResumeAt, time.Minute)

	t.Run("get", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/workflows/executions/"+exec.ExecutionID, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var got workflow.Execution
		decode(t, w, &got)
		assert.Equal(t, exec.ExecutionID, got.ExecutionID)
		assert.Equal(t, "customer-7", got.SubjectID)
	})

	t.Run("list filters by subject", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/api/v1/workflows/executions?tenant_id=t1&subject_id=customer-7", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp dto.ListExecutionsResponse
		decode(t, w, &resp)
		require.Len(t, resp.Executions, 1)

		w = env.do(t, http.MethodGet, "/api/v1/workflows/executions?tenant_id=t1&subject_id=someone-else", nil)
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &resp)
		assert.Empty(t, resp.Executions)
	})

	t.Run("cancel", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/workflows/executions/"+exec.ExecutionID+"/cancel", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var got workflow.Execution
		decode(t, w, &got)
		assert.Equal(t, workflow.ExecutionCanceled, got.Status)
		assert.Nil(t, got.ResumeAt)
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("cancel again is a no-op", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/workflows/executions/"+exec.ExecutionID+"/cancel", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var got workflow.Execution
		decode(t, w, &got)
		assert.Equal(t, workflow.ExecutionCanceled, got.Status)
	})

	t.Run("unknown execution is 404", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/v1/workflows/executions/missing/cancel", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestListExecutions_CursorWalk(t *testing.T) {
	env := newTestEnv(t)
	importDefinition(t, env, "t7", "page-flow", map[string]any{
		"nodes": []map[string]any{
			{"id": "on_order", "type": "trigger", "config": map[string]any{"event_type": "order.created"}},
			{"id": "cool_off", "type": "wait", "config": map[string]any{"mode": "delay", "delay": "1h"}},
		},
		"edges": []map[string]any{
			{"from": "on_order", "to": "cool_off"},
		},
	})

	for i := 0; i < 5; i++ {
		w := env.do(t, http.MethodPost, "/api/v1/events", map[string]any{
			"tenant_id":  "t7",
			"event_type": "order.created",
			"subject_id": fmt.Sprintf("customer-%d", i),
			"data":       map[string]any{},
		})
		require.Equal(t, http.StatusAccepted, w.Code)
	}

	seen := make(map[string]bool)
	pages := 0
	cursor := ""
	for {
		path := "/api/v1/workflows/executions?tenant_id=t7&page_size=2"
		if cursor != "" {
			path += "&cursor=" + url.QueryEscape(cursor)
		}
		w := env.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var resp dto.ListExecutionsResponse
		decode(t, w, &resp)
		require.NotEmpty(t, resp.Executions)
		for _, e := range resp.Executions {
			require.False(t, seen[e.ExecutionID], "execution repeated across pages")
			seen[e.ExecutionID] = true
		}

		pages++
		if resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}

	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 5)
}
