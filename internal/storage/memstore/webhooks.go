package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opdesk/conveyor/internal/webhook"
)

var _ webhook.Store = (*WebhookStore)(nil)

// WebhookStore is an in-memory webhook.Store.
type WebhookStore struct {
	mu         sync.RWMutex
	endpoints  map[string]*webhook.Endpoint
	deliveries map[string]*webhook.Delivery
}

// NewWebhookStore returns an empty WebhookStore.
func NewWebhookStore() *WebhookStore {
	return &WebhookStore{
		endpoints:  make(map[string]*webhook.Endpoint),
		deliveries: make(map[string]*webhook.Delivery),
	}
}

func copyEndpoint(e *webhook.Endpoint) *webhook.Endpoint {
	cp := *e
	if len(e.EventTypes) > 0 {
		cp.EventTypes = append([]string(nil), e.EventTypes...)
	}
	return &cp
}

func (s *WebhookStore) InsertEndpoint(_ context.Context, e *webhook.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.endpoints[e.EndpointID] = copyEndpoint(e)
	return nil
}

func (s *WebhookStore) GetEndpoint(_ context.Context, endpointID string) (*webhook.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.endpoints[endpointID]
	if !ok {
		return nil, webhook.ErrEndpointNotFound
	}
	return copyEndpoint(e), nil
}

func (s *WebhookStore) UpdateEndpoint(_ context.Context, e *webhook.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.endpoints[e.EndpointID]; !ok {
		return webhook.ErrEndpointNotFound
	}
	s.endpoints[e.EndpointID] = copyEndpoint(e)
	return nil
}

func (s *WebhookStore) ListEndpoints(_ context.Context, tenantID string) ([]webhook.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]webhook.Endpoint, 0)
	for _, e := range s.endpoints {
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		matched = append(matched, *copyEndpoint(e))
	}

	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.After(matched[k].CreatedAt)
	})
	return matched, nil
}

func (s *WebhookStore) ListSubscribedEndpoints(_ context.Context, tenantID, eventType string) ([]webhook.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]webhook.Endpoint, 0)
	for _, e := range s.endpoints {
		if e.TenantID != tenantID || !e.Active || !e.Subscribed(eventType) {
			continue
		}
		matched = append(matched, *copyEndpoint(e))
	}

	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.Before(matched[k].CreatedAt)
	})
	return matched, nil
}

func (s *WebhookStore) InsertDelivery(_ context.Context, d *webhook.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.deliveries {
		if existing.EndpointID == d.EndpointID && existing.EventID == d.EventID {
			return webhook.ErrDuplicateDelivery
		}
	}

	cp := *d
	s.deliveries[d.DeliveryID] = &cp
	return nil
}

func (s *WebhookStore) GetDelivery(_ context.Context, deliveryID string) (*webhook.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deliveries[deliveryID]
	if !ok {
		return nil, webhook.ErrDeliveryNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *WebhookStore) GetDeliveryByEvent(_ context.Context, endpointID, eventID string) (*webhook.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.deliveries {
		if d.EndpointID == endpointID && d.EventID == eventID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, webhook.ErrDeliveryNotFound
}

func (s *WebhookStore) ListDeliveries(_ context.Context, f webhook.DeliveryFilter) ([]webhook.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]webhook.Delivery, 0)
	for _, d := range s.deliveries {
		if f.TenantID != "" && d.TenantID != f.TenantID {
			continue
		}
		if f.EndpointID != "" && d.EndpointID != f.EndpointID {
			continue
		}
		if f.EventType != "" && d.EventType != f.EventType {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		matched = append(matched, *d)
	}

	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.After(matched[k].CreatedAt)
	})

	size := f.PageSize
	if size <= 0 {
		size = 50
	}
	if len(matched) > size {
		matched = matched[:size]
	}
	return matched, nil
}

func (s *WebhookStore) RecordAttempt(_ context.Context, deliveryID string, r webhook.AttemptResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[deliveryID]
	if !ok {
		return webhook.ErrDeliveryNotFound
	}

	d.AttemptCount++
	d.Status = r.Status
	d.LastResponseCode = r.ResponseCode
	d.LastError = r.Error
	d.NextRetryAt = r.NextRetryAt
	d.UpdatedAt = time.Now().UTC()
	return nil
}
