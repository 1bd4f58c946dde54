// Package handler implements the HTTP handlers of the API service. Each
// resource gets its own handler type wired from a shared Dependencies
// struct; domain errors map onto statuses in one place so every surface
// reports them the same way.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/opdesk/conveyor/internal/deadletter"
	"github.com/opdesk/conveyor/internal/job"
	"github.com/opdesk/conveyor/internal/queue"
	"github.com/opdesk/conveyor/internal/webhook"
	"github.com/opdesk/conveyor/internal/workflow"
)

// Dependencies holds all dependencies needed by handlers.
type Dependencies struct {
	Logger      *slog.Logger
	Queue       *queue.Queue
	DeadLetters *deadletter.Service
	Webhooks    *webhook.Service
	Workflows   *workflow.Service

	// Executor folds canceled action jobs back into their workflow
	// executions; cancellation is the one terminal transition that never
	// passes through a worker's terminal hooks.
	Executor *workflow.Executor

	// Health probes run on GET /health.
	Health []HealthCheck
}

// HealthCheck probes one dependency for the health endpoint.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// CorrelationIDKey is the gin context key the correlation id middleware
// stores the request's id under.
const CorrelationIDKey = "correlation_id"

// CorrelationID returns the request's correlation id, or "" when the
// middleware is not installed.
func CorrelationID(c *gin.Context) string {
	return c.GetString(CorrelationIDKey)
}

// respondError maps a domain error onto an HTTP response. Unrecognized
// errors become 500 with a generic body so internals do not leak.
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, job.ErrJobNotFound),
		errors.Is(err, deadletter.ErrEntryNotFound),
		errors.Is(err, webhook.ErrEndpointNotFound),
		errors.Is(err, webhook.ErrDeliveryNotFound),
		errors.Is(err, workflow.ErrDefinitionNotFound),
		errors.Is(err, workflow.ErrExecutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, job.ErrNotCancelable),
		errors.Is(err, deadletter.ErrAlreadyReplayed),
		errors.Is(err, workflow.ErrExecutionFinished),
		errors.Is(err, workflow.ErrExecutionConflict):
		return http.StatusConflict
	case errors.Is(err, job.ErrUnknownJobType),
		errors.Is(err, job.ErrInvalidPayload),
		errors.Is(err, webhook.ErrInvalidEndpoint),
		errors.Is(err, webhook.ErrInvalidEvent),
		errors.Is(err, workflow.ErrInvalidDefinition),
		errors.Is(err, workflow.ErrInvalidEvent):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// clampPageSize bounds a requested page size to [1, 100], defaulting
// to 20.
func clampPageSize(n int) int {
	if n <= 0 {
		return 20
	}
	if n > 100 {
		return 100
	}
	return n
}
