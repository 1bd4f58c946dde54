package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opdesk/conveyor/internal/deadletter"
	"github.com/opdesk/conveyor/internal/job"
	"github.com/opdesk/conveyor/internal/queue"
	"github.com/opdesk/conveyor/internal/storage/memstore"
)

type publisherEnv struct {
	service *Service
	store   *memstore.WebhookStore
	jobs    *memstore.JobStore
	queue   *queue.Queue
}

func newPublisherEnv(t *testing.T) *publisherEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jobs := memstore.NewJobStore()
	store := memstore.NewWebhookStore()
	q := queue.New(&queue.Options{
		Store:       jobs,
		DeadLetters: deadletter.NewService(memstore.NewDeadLetterStore(), jobs, nil, logger),
		Logger:      logger,
	})

	return &publisherEnv{
		service: NewService(store, q, 5, logger),
		store:   store,
		jobs:    jobs,
		queue:   q,
	}
}

func (e *publisherEnv) register(t *testing.T, tenantID string, eventTypes []string) *Endpoint {
	t.Helper()

	ep, err := e.service.RegisterEndpoint(context.Background(), EndpointParams{
		TenantID:   tenantID,
		URL:        "https://receiver.example.com/hooks",
		Secret:     "whsec_test",
		EventTypes: eventTypes,
	})
	require.NoError(t, err)
	return ep
}

func TestService_RegisterEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		params  EndpointParams
		wantErr bool
	}{
		{
			name: "valid registration",
			params: EndpointParams{
				TenantID:   "acme",
				URL:        "https://receiver.example.com/hooks",
				Secret:     "whsec_test",
				EventTypes: []string{"invoice.paid"},
			},
		},
		{
			name: "relative url rejected",
			params: EndpointParams{
				TenantID:   "acme",
				URL:        "/hooks",
				Secret:     "whsec_test",
				EventTypes: []string{"invoice.paid"},
			},
			wantErr: true,
		},
		{
			name: "non-http scheme rejected",
			params: EndpointParams{
				TenantID:   "acme",
				URL:        "ftp://receiver.example.com",
				Secret:     "whsec_test",
				EventTypes: []string{"invoice.paid"},
			},
			wantErr: true,
		},
		{
			name: "missing secret rejected",
			params: EndpointParams{
				TenantID:   "acme",
				URL:        "https://receiver.example.com/hooks",
				EventTypes: []string{"invoice.paid"},
			},
			wantErr: true,
		},
		{
			name: "no event types rejected",
			params: EndpointParams{
				TenantID: "acme",
				URL:      "https://receiver.example.com/hooks",
				Secret:   "whsec_test",
			},
			wantErr: true,
		},
		{
			name: "negative rate limit rejected",
			params: EndpointParams{
				TenantID:   "acme",
				URL:        "https://receiver.example.com/hooks",
				Secret:     "whsec_test",
				EventTypes: []string{"invoice.paid"},
				MaxPerSec:  -1,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newPublisherEnv(t)

			ep, err := env.service.RegisterEndpoint(context.Background(), tt.params)

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidEndpoint)
				assert.Nil(t, ep)
			} else {
				require.NoError(t, err)
				require.NotNil(t, ep)
				assert.NotEmpty(t, ep.EndpointID)
				assert.True(t, ep.Active)
			}
		})
	}
}

func TestService_Publish(t *testing.T) {
	ctx := context.Background()

	t.Run("fans out to subscribed active endpoints only", func(t *testing.T) {
		env := newPublisherEnv(t)

		subscribedA := env.register(t, "acme", []string{"invoice.paid", "invoice.void"})
		subscribedB := env.register(t, "acme", []string{"invoice.paid"})
		env.register(t, "acme", []string{"deal.won"})            // different event type
		env.register(t, "globex", []string{"invoice.paid"})      // different tenant
		inactive := env.register(t, "acme", []string{"invoice.paid"})
		_, err := env.service.SetEndpointActive(ctx, inactive.EndpointID, false)
		require.NoError(t, err)

		deliveries, err := env.service.Publish(ctx, Event{
			EventID:   "evt-1",
			TenantID:  "acme",
			EventType: "invoice.paid",
			Data:      []byte(`{"invoice_id":"inv-42","amount":1200}`),
		})
		require.NoError(t, err)
		require.Len(t, deliveries, 2)

		gotEndpoints := map[string]bool{}
		for _, d := range deliveries {
			gotEndpoints[d.EndpointID] = true
			assert.Equal(t, DeliveryPending, d.Status)
			assert.Equal(t, "evt-1", d.EventID)
			assert.NotEmpty(t, d.PayloadHash)

			var body envelope
			require.NoError(t, json.Unmarshal(d.Payload, &body))
			assert.Equal(t, "evt-1", body.EventID)
			assert.Equal(t, "invoice.paid", body.EventType)
			assert.JSONEq(t, `{"invoice_id":"inv-42","amount":1200}`, string(body.Data))
		}
		assert.True(t, gotEndpoints[subscribedA.EndpointID])
		assert.True(t, gotEndpoints[subscribedB.EndpointID])

		// Same body, same hash, shared correlation id.
		assert.Equal(t, deliveries[0].PayloadHash, deliveries[1].PayloadHash)
		assert.Equal(t, deliveries[0].CorrelationID, deliveries[1].CorrelationID)

		// One webhook_delivery job per endpoint, keyed by (endpoint, event).
		jobs, err := env.queue.List(ctx, job.Filter{TenantID: "acme", JobType: job.TypeWebhookDelivery})
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		keys := map[string]bool{}
		for _, jb := range jobs {
			keys[jb.IdempotencyKey] = true
		}
		assert.True(t, keys[job.DeliveryKey(subscribedA.EndpointID, "evt-1")])
		assert.True(t, keys[job.DeliveryKey(subscribedB.EndpointID, "evt-1")])
	})

	t.Run("republish is idempotent", func(t *testing.T) {
		env := newPublisherEnv(t)
		env.register(t, "acme", []string{"invoice.paid"})

		event := Event{EventID: "evt-1", TenantID: "acme", EventType: "invoice.paid"}

		first, err := env.service.Publish(ctx, event)
		require.NoError(t, err)
		require.Len(t, first, 1)

		second, err := env.service.Publish(ctx, event)
		require.NoError(t, err)
		require.Len(t, second, 1)
		assert.Equal(t, first[0].DeliveryID, second[0].DeliveryID)

		jobs, err := env.queue.List(ctx, job.Filter{TenantID: "acme"})
		require.NoError(t, err)
		assert.Len(t, jobs, 1)

		all, err := env.service.ListDeliveries(ctx, DeliveryFilter{TenantID: "acme"})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("no subscribers is a quiet no-op", func(t *testing.T) {
		env := newPublisherEnv(t)

		deliveries, err := env.service.Publish(ctx, Event{
			TenantID:  "acme",
			EventType: "invoice.paid",
		})
		require.NoError(t, err)
		assert.Empty(t, deliveries)
	})

	t.Run("invalid events rejected", func(t *testing.T) {
		env := newPublisherEnv(t)

		_, err := env.service.Publish(ctx, Event{TenantID: "acme"})
		assert.ErrorIs(t, err, ErrInvalidEvent)

		_, err = env.service.Publish(ctx, Event{
			TenantID:  "acme",
			EventType: "invoice.paid",
			Data:      []byte(`{"broken":`),
		})
		assert.ErrorIs(t, err, ErrInvalidEvent)
	})
}

// TestWebhookPipeline walks the full path: publish, claim, deliver, ack.
func TestWebhookPipeline(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	recv := newReceiver(t, http.StatusOK)

	jobs := memstore.NewJobStore()
	store := memstore.NewWebhookStore()
	q := queue.New(&queue.Options{
		Store:       jobs,
		DeadLetters: deadletter.NewService(memstore.NewDeadLetterStore(), jobs, nil, logger),
		Logger:      logger,
	})
	svc := NewService(store, q, 3, logger)
	deliverer := NewDeliverer(&DelivererOptions{Store: store, Logger: logger})

	endpoint, err := svc.RegisterEndpoint(ctx, EndpointParams{
		TenantID:   "acme",
		URL:        recv.server.URL,
		Secret:     "whsec_test",
		EventTypes: []string{"invoice.paid"},
	})
	require.NoError(t, err)

	deliveries, err := svc.Publish(ctx, Event{
		EventID:   "evt-1",
		TenantID:  "acme",
		EventType: "invoice.paid",
		Data:      []byte(`{"invoice_id":"inv-42"}`),
	})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	claimed, err := q.Claim(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, job.TypeWebhookDelivery, claimed.JobType)
	require.NoError(t, q.Start(ctx, claimed))

	require.NoError(t, deliverer.Consume(ctx, claimed))
	require.NoError(t, q.Ack(ctx, claimed))

	finished, err := q.Get(ctx, claimed.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSucceeded, finished.Status)

	stored, err := svc.GetDelivery(ctx, deliveries[0].DeliveryID)
	require.NoError(t, err)
	assert.Equal(t, DeliverySucceeded, stored.Status)
	assert.Equal(t, endpoint.EndpointID, stored.EndpointID)

	requests := recv.received()
	require.Len(t, requests, 1)
	assert.Equal(t, deliveries[0].DeliveryID, requests[0].deliveryID)
	assert.NoError(t, Verify("whsec_test", requests[0].timestamp, requests[0].signature, requests[0].body, time.Now()))
}
