package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opdesk/conveyor/internal/job"
	"github.com/opdesk/conveyor/internal/queue"
)

// maxDrainBytes bounds how much of a receiver's response body is read
// before the connection is released for reuse.
const maxDrainBytes = 4 << 10

// DelivererOptions configures a Deliverer.
type DelivererOptions struct {
	Store Store

	// Policy projects next_retry_at onto the delivery row; it should be the
	// same policy the queue runs. The job row stays authoritative.
	Policy *queue.RetryPolicy

	Client         *http.Client
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Deliverer is the consumer for webhook_delivery jobs: it signs the
// payload, posts it to the endpoint and classifies the HTTP outcome.
// Receivers get the same delivery id on every attempt, so they can
// deduplicate; the deliverer never assumes they do.
type Deliverer struct {
	store    Store
	policy   *queue.RetryPolicy
	client   *http.Client
	timeout  time.Duration
	logger   *slog.Logger
	limiters limiterRegistry
}

// NewDeliverer creates a Deliverer from options.
func NewDeliverer(opts *DelivererOptions) *Deliverer {
	policy := opts.Policy
	if policy == nil {
		policy = queue.DefaultRetryPolicy()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{
		store:    opts.Store,
		policy:   policy,
		client:   client,
		timeout:  timeout,
		logger:   logger,
		limiters: limiterRegistry{limiters: make(map[string]*rate.Limiter)},
	}
}

// Type returns the job type this consumer handles.
func (d *Deliverer) Type() string {
	return job.TypeWebhookDelivery
}

// Consume performs one delivery attempt. Outcomes: 2xx acknowledges; 4xx
// other than 429 is a permanent failure (the receiver rejected the payload
// semantically); 429, 5xx, timeouts and connection errors are transient
// and follow the backoff schedule.
func (d *Deliverer) Consume(ctx context.Context, j *job.Job) error {
	var p jobPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil || p.DeliveryID == "" {
		return job.Permanent(fmt.Errorf("%w: malformed delivery payload", job.ErrInvalidPayload))
	}

	delivery, err := d.store.GetDelivery(ctx, p.DeliveryID)
	if err != nil {
		if errors.Is(err, ErrDeliveryNotFound) {
			return job.Permanent(err)
		}
		return job.Transient(err)
	}

	endpoint, err := d.store.GetEndpoint(ctx, delivery.EndpointID)
	if err != nil {
		if errors.Is(err, ErrEndpointNotFound) {
			return job.Permanent(err)
		}
		return job.Transient(err)
	}
	if !endpoint.Active {
		d.recordAttempt(ctx, j, delivery, AttemptResult{
			Status: DeliveryFailed,
			Error:  ErrEndpointInactive.Error(),
		})
		return job.Permanent(ErrEndpointInactive)
	}

	if lim := d.limiters.get(endpoint); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return job.Transient(fmt.Errorf("rate limit wait interrupted: %w", err))
		}
	}

	code, sendErr := d.send(ctx, endpoint, delivery)

	attempt := j.AttemptCount + 1
	switch {
	case sendErr == nil && code >= 200 && code < 300:
		d.recordAttempt(ctx, j, delivery, AttemptResult{
			Status:       DeliverySucceeded,
			ResponseCode: code,
		})
		d.logger.Info("webhook delivered",
			slog.String("delivery_id", delivery.DeliveryID),
			slog.String("endpoint_id", endpoint.EndpointID),
			slog.Int("response_code", code),
			slog.Int("attempt", attempt),
			slog.String("correlation_id", j.CorrelationID),
		)
		return nil

	case sendErr == nil && code >= 400 && code < 500 && code != http.StatusTooManyRequests:
		failure := fmt.Errorf("receiver rejected delivery: status %d", code)
		d.recordAttempt(ctx, j, delivery, AttemptResult{
			Status:       DeliveryFailed,
			ResponseCode: code,
			Error:        failure.Error(),
		})
		return job.Permanent(failure)

	default:
		var failure error
		if sendErr != nil {
			failure = fmt.Errorf("delivery attempt failed: %w", sendErr)
		} else {
			failure = fmt.Errorf("delivery attempt failed: status %d", code)
		}

		result := AttemptResult{
			Status:       DeliveryRetrying,
			ResponseCode: code,
			Error:        failure.Error(),
		}
		if attempt >= j.MaxAttempts {
			result.Status = DeliveryFailed
		} else {
			next := d.policy.NextRetryAt(time.Now().UTC(), attempt)
			result.NextRetryAt = &next
		}
		d.recordAttempt(ctx, j, delivery, result)
		return job.Transient(failure)
	}
}

// send posts the signed payload and returns the response status code. A
// zero code means the request never produced a response.
func (d *Deliverer) send(ctx context.Context, endpoint *Endpoint, delivery *Delivery) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ts := strconv.FormatInt(time.Now().UTC().Unix(), 10)
	signature := Sign(endpoint.Secret, ts, delivery.Payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderDeliveryID, delivery.DeliveryID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	return resp.StatusCode, nil
}

// recordAttempt updates the delivery row with the attempt outcome. The POST
// already happened; a bookkeeping failure must not override its result, so
// it is logged and swallowed. The job row still records the attempt.
func (d *Deliverer) recordAttempt(ctx context.Context, j *job.Job, delivery *Delivery, r AttemptResult) {
	if err := d.store.RecordAttempt(ctx, delivery.DeliveryID, r); err != nil {
		d.logger.Error("failed to record delivery attempt",
			slog.String("delivery_id", delivery.DeliveryID),
			slog.String("job_id", j.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	if r.Status != DeliverySucceeded {
		d.logger.Warn("webhook delivery attempt failed",
			slog.String("delivery_id", delivery.DeliveryID),
			slog.String("endpoint_id", delivery.EndpointID),
			slog.String("status", string(r.Status)),
			slog.Int("response_code", r.ResponseCode),
			slog.Int("attempt", j.AttemptCount+1),
			slog.String("error", r.Error),
			slog.String("correlation_id", j.CorrelationID),
		)
	}
}

// limiterRegistry keeps one token bucket per endpoint, updated when the
// endpoint's configured rate changes.
type limiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func (r *limiterRegistry) get(ep *Endpoint) *rate.Limiter {
	if ep.MaxPerSec <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	want := rate.Limit(ep.MaxPerSec)
	burst := int(ep.MaxPerSec)
	if burst < 1 {
		burst = 1
	}

	lim, ok := r.limiters[ep.EndpointID]
	if !ok {
		lim = rate.NewLimiter(want, burst)
		r.limiters[ep.EndpointID] = lim
		return lim
	}
	if lim.Limit() != want {
		lim.SetLimit(want)
		lim.SetBurst(burst)
	}
	return lim
}
