package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/opdesk/conveyor/internal/job"
	"github.com/opdesk/conveyor/internal/queue"
)

var (
	// ErrInvalidEndpoint is returned when an endpoint registration fails
	// validation.
	ErrInvalidEndpoint = errors.New("invalid webhook endpoint")

	// ErrInvalidEvent is returned when a published event fails validation.
	ErrInvalidEvent = errors.New("invalid event")
)

// Enqueuer is the slice of the queue core the publisher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, p queue.EnqueueParams) (*job.Job, error)
}

// Event is a business event offered for webhook fan-out. Data is embedded
// whole; consumers never reach back into domain modules.
type Event struct {
	EventID    string
	TenantID   string
	EventType  string
	Data       json.RawMessage
	OccurredAt time.Time
}

// envelope is the wire body receivers get.
type envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// jobPayload is the webhook_delivery job payload: just a reference, the
// delivery row carries the body.
type jobPayload struct {
	DeliveryID string `json:"delivery_id"`
}

// EndpointParams describes an endpoint registration.
type EndpointParams struct {
	TenantID   string
	URL        string
	Secret     string
	EventTypes []string
	MaxPerSec  float64
}

// Service manages endpoints and fans events out to deliveries.
type Service struct {
	store       Store
	queue       Enqueuer
	maxAttempts int
	logger      *slog.Logger
}

// NewService creates a webhook service. maxAttempts is the per-delivery
// retry budget handed to the queue; non-positive falls back to the queue's
// default.
func NewService(store Store, q Enqueuer, maxAttempts int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		queue:       q,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// RegisterEndpoint validates and persists a new endpoint.
func (s *Service) RegisterEndpoint(ctx context.Context, p EndpointParams) (*Endpoint, error) {
	if err := validateEndpointParams(p); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ep := &Endpoint{
		EndpointID: uuid.New().String(),
		TenantID:   p.TenantID,
		URL:        p.URL,
		Secret:     p.Secret,
		EventTypes: p.EventTypes,
		Active:     true,
		MaxPerSec:  p.MaxPerSec,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.InsertEndpoint(ctx, ep); err != nil {
		return nil, fmt.Errorf("failed to register endpoint: %w", err)
	}

	s.logger.Info("webhook endpoint registered",
		slog.String("endpoint_id", ep.EndpointID),
		slog.String("tenant_id", ep.TenantID),
		slog.String("url", ep.URL),
	)

	return ep, nil
}

// SetEndpointActive flips the active flag. Deactivated endpoints receive no
// new deliveries; their in-flight delivery jobs fail permanently.
func (s *Service) SetEndpointActive(ctx context.Context, endpointID string, active bool) (*Endpoint, error) {
	ep, err := s.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}

	ep.Active = active
	ep.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateEndpoint(ctx, ep); err != nil {
		return nil, fmt.Errorf("failed to update endpoint: %w", err)
	}

	s.logger.Info("webhook endpoint updated",
		slog.String("endpoint_id", ep.EndpointID),
		slog.Bool("active", ep.Active),
	)

	return ep, nil
}

// GetEndpoint retrieves one endpoint.
func (s *Service) GetEndpoint(ctx context.Context, endpointID string) (*Endpoint, error) {
	return s.store.GetEndpoint(ctx, endpointID)
}

// ListEndpoints returns the tenant's endpoints.
func (s *Service) ListEndpoints(ctx context.Context, tenantID string) ([]Endpoint, error) {
	return s.store.ListEndpoints(ctx, tenantID)
}

// GetDelivery retrieves one delivery.
func (s *Service) GetDelivery(ctx context.Context, deliveryID string) (*Delivery, error) {
	return s.store.GetDelivery(ctx, deliveryID)
}

// ListDeliveries returns deliveries matching the filter.
func (s *Service) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]Delivery, error) {
	return s.store.ListDeliveries(ctx, f)
}

// Publish fans an event out to every active endpoint subscribed to its
// type: one delivery row and one webhook_delivery job per endpoint. The
// job's idempotency key is derived from (endpoint, event), so republishing
// the same event never produces duplicate deliveries.
func (s *Service) Publish(ctx context.Context, ev Event) ([]Delivery, error) {
	if ev.EventType == "" {
		return nil, fmt.Errorf("%w: empty event type", ErrInvalidEvent)
	}
	if len(ev.Data) > 0 && !json.Valid(ev.Data) {
		return nil, fmt.Errorf("%w: data is not valid JSON", ErrInvalidEvent)
	}

	now := time.Now().UTC()
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	correlationID := job.NewCorrelationID()

	endpoints, err := s.store.ListSubscribedEndpoints(ctx, ev.TenantID, ev.EventType)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscribed endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		s.logger.Debug("event has no subscribers",
			slog.String("event_id", ev.EventID),
			slog.String("event_type", ev.EventType),
		)
		return nil, nil
	}

	body, err := json.Marshal(envelope{
		EventID:    ev.EventID,
		EventType:  ev.EventType,
		OccurredAt: ev.OccurredAt.UTC(),
		Data:       ev.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode event body: %w", err)
	}
	sum := sha256.Sum256(body)
	bodyHash := hex.EncodeToString(sum[:])

	deliveries := make([]Delivery, 0, len(endpoints))
	for _, ep := range endpoints {
		d := &Delivery{
			DeliveryID:    uuid.New().String(),
			TenantID:      ev.TenantID,
			EndpointID:    ep.EndpointID,
			EventID:       ev.EventID,
			EventType:     ev.EventType,
			Payload:       body,
			PayloadHash:   bodyHash,
			Status:        DeliveryPending,
			CorrelationID: correlationID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		if err := s.store.InsertDelivery(ctx, d); err != nil {
			if !errors.Is(err, ErrDuplicateDelivery) {
				return deliveries, fmt.Errorf("failed to insert delivery: %w", err)
			}
			// Republished event: reuse the existing delivery and fall
			// through to the enqueue, which dedups on the same key.
			existing, getErr := s.store.GetDeliveryByEvent(ctx, ep.EndpointID, ev.EventID)
			if getErr != nil {
				return deliveries, fmt.Errorf("failed to resolve duplicate delivery: %w", getErr)
			}
			d = existing
		}

		payload, err := json.Marshal(jobPayload{DeliveryID: d.DeliveryID})
		if err != nil {
			return deliveries, fmt.Errorf("failed to encode job payload: %w", err)
		}

		if _, err := s.queue.Enqueue(ctx, queue.EnqueueParams{
			TenantID:       ev.TenantID,
			JobType:        job.TypeWebhookDelivery,
			Payload:        payload,
			IdempotencyKey: job.DeliveryKey(ep.EndpointID, ev.EventID),
			MaxAttempts:    s.maxAttempts,
			CorrelationID:  d.CorrelationID,
		}); err != nil {
			return deliveries, fmt.Errorf("failed to enqueue delivery job: %w", err)
		}

		deliveries = append(deliveries, *d)

		s.logger.Info("webhook delivery enqueued",
			slog.String("delivery_id", d.DeliveryID),
			slog.String("endpoint_id", ep.EndpointID),
			slog.String("event_id", ev.EventID),
			slog.String("event_type", ev.EventType),
			slog.String("correlation_id", d.CorrelationID),
		)
	}

	return deliveries, nil
}

func validateEndpointParams(p EndpointParams) error {
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be absolute http(s)", ErrInvalidEndpoint)
	}
	if p.Secret == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidEndpoint)
	}
	if len(p.EventTypes) == 0 {
		return fmt.Errorf("%w: at least one event type is required", ErrInvalidEndpoint)
	}
	for _, t := range p.EventTypes {
		if t == "" {
			return fmt.Errorf("%w: empty event type", ErrInvalidEndpoint)
		}
	}
	if p.MaxPerSec < 0 {
		return fmt.Errorf("%w: rate limit must be non-negative", ErrInvalidEndpoint)
	}
	return nil
}
