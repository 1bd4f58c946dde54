package dto

import (
	"encoding/json"
	"time"

	"github.com/opdesk/conveyor/internal/workflow"
)

// PublishEventRequest is the body of POST /api/v1/events. EventID is
// optional; the server mints one when absent. Callers that retry a
// publish should send their own id so the retry collapses onto the
// original fan-out.
type PublishEventRequest struct {
	EventID    string          `json:"event_id"`
	TenantID   string          `json:"tenant_id" binding:"required"`
	EventType  string          `json:"event_type" binding:"required"`
	SubjectID  string          `json:"subject_id"`
	Data       json.RawMessage `json:"data"`
	OccurredAt *time.Time      `json:"occurred_at"`
}

// PublishEventResponse reports what one event set in motion: the
// deliveries fanned out to subscribed endpoints and the workflow
// executions it started.
type PublishEventResponse struct {
	EventID    string                `json:"event_id"`
	Deliveries []DeliveryDTO         `json:"deliveries"`
	Executions []*workflow.Execution `json:"executions"`
}
