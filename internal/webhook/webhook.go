// Package webhook delivers business events to registered HTTP endpoints.
// Events fan out to one delivery per subscribed endpoint; each delivery
// rides a webhook_delivery job through the queue, so retries, backoff and
// dead-lettering come from the queue core rather than being reimplemented
// here.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrEndpointNotFound is returned when a webhook endpoint does not exist.
	ErrEndpointNotFound = errors.New("webhook endpoint not found")

	// ErrDeliveryNotFound is returned when a delivery record does not exist.
	ErrDeliveryNotFound = errors.New("webhook delivery not found")

	// ErrDuplicateDelivery is returned by InsertDelivery when the event was
	// already fanned out to the endpoint. Publish resolves it to the
	// existing delivery.
	ErrDuplicateDelivery = errors.New("duplicate webhook delivery")

	// ErrEndpointInactive is returned when a delivery targets a
	// deactivated endpoint.
	ErrEndpointInactive = errors.New("webhook endpoint is inactive")
)

// Endpoint is a receiver registration: where to deliver, how to sign, and
// which event types to receive.
type Endpoint struct {
	EndpointID string    `db:"endpoint_id"`
	TenantID   string    `db:"tenant_id"`
	URL        string    `db:"url"`
	Secret     string    `db:"secret"`
	EventTypes []string  `db:"-"`
	Active     bool      `db:"active"`
	MaxPerSec  float64   `db:"max_per_sec"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Subscribed reports whether the endpoint wants the given event type.
func (e *Endpoint) Subscribed(eventType string) bool {
	for _, t := range e.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// DeliveryStatus is the lifecycle state of one delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryRetrying  DeliveryStatus = "RETRYING"
	DeliverySucceeded DeliveryStatus = "SUCCEEDED"
	DeliveryFailed    DeliveryStatus = "FAILED"
)

// Delivery is one event bound for one endpoint. The delivery id is sent to
// the receiver on every attempt, stable across retries, so receivers can
// deduplicate repeats.
type Delivery struct {
	DeliveryID       string          `db:"delivery_id"`
	TenantID         string          `db:"tenant_id"`
	EndpointID       string          `db:"endpoint_id"`
	EventID          string          `db:"event_id"`
	EventType        string          `db:"event_type"`
	Payload          json.RawMessage `db:"payload"`
	PayloadHash      string          `db:"payload_hash"`
	Status           DeliveryStatus  `db:"status"`
	AttemptCount     int             `db:"attempt_count"`
	NextRetryAt      *time.Time      `db:"next_retry_at"`
	LastResponseCode int             `db:"last_response_code"`
	LastError        string          `db:"last_error"`
	CorrelationID    string          `db:"correlation_id"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

// DeliveryFilter narrows delivery listings. Zero values mean "any".
type DeliveryFilter struct {
	TenantID   string
	EndpointID string
	EventType  string
	Status     DeliveryStatus
	PageSize   int
}

// AttemptResult is the outcome of one delivery attempt, recorded on the
// delivery row. NextRetryAt is the consumer's projection of the next
// attempt; the authoritative time lives on the job row.
type AttemptResult struct {
	Status       DeliveryStatus
	ResponseCode int
	Error        string
	NextRetryAt  *time.Time
}

// Store is the persistence contract for endpoints and deliveries.
type Store interface {
	InsertEndpoint(ctx context.Context, e *Endpoint) error
	GetEndpoint(ctx context.Context, endpointID string) (*Endpoint, error)
	UpdateEndpoint(ctx context.Context, e *Endpoint) error
	ListEndpoints(ctx context.Context, tenantID string) ([]Endpoint, error)

	// ListSubscribedEndpoints returns the active endpoints of the tenant
	// subscribed to the event type.
	ListSubscribedEndpoints(ctx context.Context, tenantID, eventType string) ([]Endpoint, error)

	// InsertDelivery persists a new delivery. Returns ErrDuplicateDelivery
	// when the (endpoint, event) pair was already fanned out.
	InsertDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, deliveryID string) (*Delivery, error)
	GetDeliveryByEvent(ctx context.Context, endpointID, eventID string) (*Delivery, error)
	ListDeliveries(ctx context.Context, f DeliveryFilter) ([]Delivery, error)

	// RecordAttempt applies one attempt's outcome: increments the attempt
	// count and updates status, response code, error and retry projection.
	RecordAttempt(ctx context.Context, deliveryID string, r AttemptResult) error
}
