package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/opdesk/conveyor/internal/api/dto"
	"github.com/opdesk/conveyor/internal/webhook"
	"github.com/opdesk/conveyor/internal/workflow"
)

// EventHandler ingests business events. One event feeds two consumers:
// webhook fan-out and workflow triggers.
type EventHandler struct {
	logger    *slog.Logger
	webhooks  *webhook.Service
	workflows *workflow.Service
}

// NewEventHandler creates a new EventHandler instance.
func NewEventHandler(deps *Dependencies) *EventHandler {
	return &EventHandler{
		logger:    deps.Logger,
		webhooks:  deps.Webhooks,
		workflows: deps.Workflows,
	}
}

// PublishEvent handles POST /api/v1/events. The event id is minted here
// so both consumers key their idempotency windows on the same id; a
// failed request can be resent as-is and every side effect collapses
// onto the first attempt.
func (h *EventHandler) PublishEvent(c *gin.Context) {
	var req dto.PublishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	eventID := req.EventID
	if eventID == "" {
		eventID = uuid.New().String()
	}
	occurredAt := time.Now().UTC()
	if req.OccurredAt != nil {
		occurredAt = *req.OccurredAt
	}

	ctx := c.Request.Context()

	deliveries, err := h.webhooks.Publish(ctx, webhook.Event{
		EventID:    eventID,
		TenantID:   req.TenantID,
		EventType:  req.EventType,
		Data:       req.Data,
		OccurredAt: occurredAt,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	executions, err := h.workflows.HandleEvent(ctx, workflow.Event{
		EventID:       eventID,
		TenantID:      req.TenantID,
		EventType:     req.EventType,
		SubjectID:     req.SubjectID,
		Data:          req.Data,
		CorrelationID: CorrelationID(c),
		OccurredAt:    occurredAt,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.Info("event published",
		slog.String("event_id", eventID),
		slog.String("event_type", req.EventType),
		slog.String("tenant_id", req.TenantID),
		slog.Int("deliveries", len(deliveries)),
		slog.Int("executions", len(executions)),
	)

	c.JSON(http.StatusAccepted, dto.PublishEventResponse{
		EventID:    eventID,
		Deliveries: dto.NewDeliveryDTOs(deliveries),
		Executions: executions,
	})
}
