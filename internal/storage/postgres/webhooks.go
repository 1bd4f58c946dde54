package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/opdesk/conveyor/internal/webhook"
)

var _ webhook.Store = (*WebhookStore)(nil)

const endpointColumns = `
	endpoint_id, tenant_id, url, secret, event_types, active,
	max_per_sec, created_at, updated_at`

const deliveryColumns = `
	delivery_id, tenant_id, endpoint_id, event_id, event_type, payload,
	payload_hash, status, attempt_count, next_retry_at,
	last_response_code, last_error, correlation_id, created_at, updated_at`

// WebhookStore is the PostgreSQL webhook.Store.
type WebhookStore struct {
	db *sqlx.DB
}

// NewWebhookStore creates a WebhookStore over an open connection pool.
func NewWebhookStore(db *sqlx.DB) *WebhookStore {
	return &WebhookStore{db: db}
}

// endpointRow adapts the text[] subscription column.
type endpointRow struct {
	webhook.Endpoint
	EventTypesArr pq.StringArray `db:"event_types"`
}

func (r *endpointRow) endpoint() *webhook.Endpoint {
	e := r.Endpoint
	e.EventTypes = []string(r.EventTypesArr)
	return &e
}

func (s *WebhookStore) InsertEndpoint(ctx context.Context, e *webhook.Endpoint) error {
	query := `
		INSERT INTO webhook_endpoints (
			endpoint_id, tenant_id, url, secret, event_types, active,
			max_per_sec, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.EndpointID,
		e.TenantID,
		e.URL,
		e.Secret,
		pq.StringArray(e.EventTypes),
		e.Active,
		e.MaxPerSec,
		e.CreatedAt,
		e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert webhook endpoint: %w", err)
	}
	return nil
}

func (s *WebhookStore) GetEndpoint(ctx context.Context, endpointID string) (*webhook.Endpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM webhook_endpoints WHERE endpoint_id = $1`

	var row endpointRow
	if err := s.db.GetContext(ctx, &row, query, endpointID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, webhook.ErrEndpointNotFound
		}
		return nil, fmt.Errorf("failed to get webhook endpoint: %w", err)
	}
	return row.endpoint(), nil
}

func (s *WebhookStore) UpdateEndpoint(ctx context.Context, e *webhook.Endpoint) error {
	query := `
		UPDATE webhook_endpoints SET
			url = $2,
			secret = $3,
			event_types = $4,
			active = $5,
			max_per_sec = $6,
			updated_at = $7
		WHERE endpoint_id = $1
	`

	res, err := s.db.ExecContext(ctx, query,
		e.EndpointID,
		e.URL,
		e.Secret,
		pq.StringArray(e.EventTypes),
		e.Active,
		e.MaxPerSec,
		e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update webhook endpoint: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return webhook.ErrEndpointNotFound
	}
	return nil
}

func (s *WebhookStore) ListEndpoints(ctx context.Context, tenantID string) ([]webhook.Endpoint, error) {
	query := `SELECT ` + endpointColumns + ` FROM webhook_endpoints WHERE 1=1`
	args := []any{}
	if tenantID != "" {
		query += ` AND tenant_id = $1`
		args = append(args, tenantID)
	}
	query += ` ORDER BY created_at DESC`

	return s.selectEndpoints(ctx, query, args...)
}

func (s *WebhookStore) ListSubscribedEndpoints(ctx context.Context, tenantID, eventType string) ([]webhook.Endpoint, error) {
	query := `
		SELECT ` + endpointColumns + `
		FROM webhook_endpoints
		WHERE tenant_id = $1 AND active AND $2 = ANY (event_types)
		ORDER BY created_at
	`
	return s.selectEndpoints(ctx, query, tenantID, eventType)
}

func (s *WebhookStore) selectEndpoints(ctx context.Context, query string, args ...any) ([]webhook.Endpoint, error) {
	rows := []endpointRow{}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list webhook endpoints: %w", err)
	}

	endpoints := make([]webhook.Endpoint, 0, len(rows))
	for i := range rows {
		endpoints = append(endpoints, *rows[i].endpoint())
	}
	return endpoints, nil
}

func (s *WebhookStore) InsertDelivery(ctx context.Context, d *webhook.Delivery) error {
	query := `
		INSERT INTO webhook_deliveries (
			delivery_id, tenant_id, endpoint_id, event_id, event_type,
			payload, payload_hash, status, attempt_count, next_retry_at,
			last_response_code, last_error, correlation_id, created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15
		)
	`

	_, err := s.db.ExecContext(ctx, query,
		d.DeliveryID,
		d.TenantID,
		d.EndpointID,
		d.EventID,
		d.EventType,
		jsonParam(d.Payload),
		d.PayloadHash,
		d.Status,
		d.AttemptCount,
		d.NextRetryAt,
		d.LastResponseCode,
		d.LastError,
		d.CorrelationID,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		if uniqueViolation(err, "webhook_deliveries_endpoint_event") {
			return webhook.ErrDuplicateDelivery
		}
		return fmt.Errorf("failed to insert webhook delivery: %w", err)
	}
	return nil
}

func (s *WebhookStore) GetDelivery(ctx context.Context, deliveryID string) (*webhook.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE delivery_id = $1`

	var d webhook.Delivery
	if err := s.db.GetContext(ctx, &d, query, deliveryID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, webhook.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("failed to get webhook delivery: %w", err)
	}
	return &d, nil
}

func (s *WebhookStore) GetDeliveryByEvent(ctx context.Context, endpointID, eventID string) (*webhook.Delivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM webhook_deliveries
		WHERE endpoint_id = $1 AND event_id = $2
	`

	var d webhook.Delivery
	if err := s.db.GetContext(ctx, &d, query, endpointID, eventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, webhook.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("failed to get webhook delivery by event: %w", err)
	}
	return &d, nil
}

func (s *WebhookStore) ListDeliveries(ctx context.Context, f webhook.DeliveryFilter) ([]webhook.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE 1=1`
	args := []any{}
	argIdx := 1

	if f.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
		args = append(args, f.TenantID)
		argIdx++
	}
	if f.EndpointID != "" {
		query += fmt.Sprintf(" AND endpoint_id = $%d", argIdx)
		args = append(args, f.EndpointID)
		argIdx++
	}
	if f.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, f.EventType)
		argIdx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, f.Status)
		argIdx++
	}

	size := f.PageSize
	if size <= 0 {
		size = 50
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, delivery_id DESC LIMIT $%d", argIdx)
	args = append(args, size)

	deliveries := []webhook.Delivery{}
	if err := s.db.SelectContext(ctx, &deliveries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list webhook deliveries: %w", err)
	}
	return deliveries, nil
}

func (s *WebhookStore) RecordAttempt(ctx context.Context, deliveryID string, r webhook.AttemptResult) error {
	query := `
		UPDATE webhook_deliveries SET
			attempt_count = attempt_count + 1,
			status = $2,
			last_response_code = $3,
			last_error = $4,
			next_retry_at = $5,
			updated_at = NOW()
		WHERE delivery_id = $1
	`

	res, err := s.db.ExecContext(ctx, query,
		deliveryID,
		r.Status,
		r.ResponseCode,
		r.Error,
		r.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record delivery attempt: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return webhook.ErrDeliveryNotFound
	}
	return nil
}
