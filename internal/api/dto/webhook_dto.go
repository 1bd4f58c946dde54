package dto

import (
	"encoding/json"
	"time"

	"github.com/opdesk/conveyor/internal/webhook"
)

// RegisterEndpointRequest is the body of POST /api/v1/webhooks/endpoints.
type RegisterEndpointRequest struct {
	TenantID   string   `json:"tenant_id" binding:"required"`
	URL        string   `json:"url" binding:"required"`
	Secret     string   `json:"secret" binding:"required"`
	EventTypes []string `json:"event_types" binding:"required"`
	MaxPerSec  float64  `json:"max_per_sec"`
}

// SetEndpointActiveRequest is the body of
// PATCH /api/v1/webhooks/endpoints/:endpoint_id. Active is a pointer so
// an explicit false survives binding.
type SetEndpointActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// EndpointDTO is the wire shape of a webhook endpoint. The signing
// secret never leaves the server.
type EndpointDTO struct {
	EndpointID string    `json:"endpoint_id"`
	TenantID   string    `json:"tenant_id"`
	URL        string    `json:"url"`
	EventTypes []string  `json:"event_types"`
	Active     bool      `json:"active"`
	MaxPerSec  float64   `json:"max_per_sec,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewEndpointDTO maps an endpoint onto its wire shape.
func NewEndpointDTO(e *webhook.Endpoint) EndpointDTO {
	return EndpointDTO{
		EndpointID: e.EndpointID,
		TenantID:   e.TenantID,
		URL:        e.URL,
		EventTypes: e.EventTypes,
		Active:     e.Active,
		MaxPerSec:  e.MaxPerSec,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
}

// ListEndpointsResponse lists a tenant's endpoints.
type ListEndpointsResponse struct {
	Endpoints []EndpointDTO `json:"endpoints"`
}

// ListDeliveriesRequest holds the query parameters of
// GET /api/v1/webhooks/deliveries.
type ListDeliveriesRequest struct {
	TenantID   string `form:"tenant_id"`
	EndpointID string `form:"endpoint_id"`
	EventType  string `form:"event_type"`
	Status     string `form:"status"`
	PageSize   int    `form:"page_size"`
}

// ListDeliveriesResponse lists deliveries newest first.
type ListDeliveriesResponse struct {
	Deliveries []DeliveryDTO `json:"deliveries"`
}

// DeliveryDTO is the wire shape of a webhook delivery.
type DeliveryDTO struct {
	DeliveryID       string          `json:"delivery_id"`
	TenantID         string          `json:"tenant_id"`
	EndpointID       string          `json:"endpoint_id"`
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Status           string          `json:"status"`
	AttemptCount     int             `json:"attempt_count"`
	NextRetryAt      *time.Time      `json:"next_retry_at,omitempty"`
	LastResponseCode int             `json:"last_response_code,omitempty"`
	LastError        string          `json:"last_error,omitempty"`
	CorrelationID    string          `json:"correlation_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewDeliveryDTO maps a delivery onto its wire shape.
func NewDeliveryDTO(d *webhook.Delivery) DeliveryDTO {
	return DeliveryDTO{
		DeliveryID:       d.DeliveryID,
		TenantID:         d.TenantID,
		EndpointID:       d.EndpointID,
		EventID:          d.EventID,
		EventType:        d.EventType,
		Payload:          d.Payload,
		Status:           string(d.Status),
		AttemptCount:     d.AttemptCount,
		NextRetryAt:      d.NextRetryAt,
		LastResponseCode: d.LastResponseCode,
		LastError:        d.LastError,
		CorrelationID:    d.CorrelationID,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

// NewDeliveryDTOs maps a delivery slice onto its wire shape.
func NewDeliveryDTOs(deliveries []webhook.Delivery) []DeliveryDTO {
	out := make([]DeliveryDTO, len(deliveries))
	for i := range deliveries {
		out[i] = NewDeliveryDTO(&deliveries[i])
	}
	return out
}
