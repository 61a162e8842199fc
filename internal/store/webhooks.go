package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// WebhookEndpoint is a per-org subscriber for domain events.
type WebhookEndpoint struct {
	ID          uuid.UUID
	OrgID       uuid.UUID
	URL         string
	Secret      string
	Topics      []string
	Active      bool
	MaxAttempts int32
	CreatedAt   time.Time
}

// WebhookDelivery tracks one endpoint's progress for one event.
type WebhookDelivery struct {
	ID             uuid.UUID
	EndpointID     uuid.UUID
	EventID        uuid.UUID
	Status         string
	Attempt        int32
	MaxAttempt     int32
	NextAttemptAt  time.Time
	ResponseStatus *int32
	ResponseBody   *string
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

const endpointColumns = `id, org_id, url, secret, topics, active, max_attempts, created_at`
const deliveryColumns = `id, endpoint_id, event_id, status, attempt, max_attempt, next_attempt_at,
  response_status, response_body, last_error, created_at, updated_at`

// CreateWebhookEndpointParams carries endpoint creation fields.
type CreateWebhookEndpointParams struct {
	OrgID       uuid.UUID
	URL         string
	Secret      string
	Topics      []string
	MaxAttempts int32
}

// CreateWebhookEndpoint registers a webhook endpoint.
func (s *Store) CreateWebhookEndpoint(ctx context.Context, arg CreateWebhookEndpointParams) (WebhookEndpoint, error) {
	q := `
INSERT INTO webhook_endpoints (org_id, url, secret, topics, max_attempts)
VALUES ($1,$2,$3,$4,$5)
RETURNING ` + endpointColumns
	return s.scanEndpoint(s.pool.QueryRow(ctx, q, arg.OrgID, arg.URL, arg.Secret, arg.Topics, arg.MaxAttempts))
}

// UpdateWebhookEndpointParams carries mutable endpoint fields.
type UpdateWebhookEndpointParams struct {
	ID     uuid.UUID
	OrgID  uuid.UUID
	URL    string
	Topics []string
	Active bool
}

// UpdateWebhookEndpoint mutates an endpoint's URL, topics, and active flag.
func (s *Store) UpdateWebhookEndpoint(ctx context.Context, arg UpdateWebhookEndpointParams) (WebhookEndpoint, error) {
	q := `
UPDATE webhook_endpoints SET url = $3, topics = $4, active = $5
WHERE org_id = $1 AND id = $2
RETURNING ` + endpointColumns
	return s.scanEndpoint(s.pool.QueryRow(ctx, q, arg.OrgID, arg.ID, arg.URL, arg.Topics, arg.Active))
}

// GetWebhookEndpoint loads one endpoint.
func (s *Store) GetWebhookEndpoint(ctx context.Context, id uuid.UUID) (WebhookEndpoint, error) {
	q := `SELECT ` + endpointColumns + ` FROM webhook_endpoints WHERE id = $1`
	return s.scanEndpoint(s.pool.QueryRow(ctx, q, id))
}

// ListWebhookEndpoints returns all endpoints for an org.
func (s *Store) ListWebhookEndpoints(ctx context.Context, orgID uuid.UUID) ([]WebhookEndpoint, error) {
	q := `SELECT ` + endpointColumns + ` FROM webhook_endpoints WHERE org_id = $1 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, q, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebhookEndpoint
	for rows.Next() {
		ep, err := s.scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// DeleteWebhookEndpoint removes an endpoint and its pending deliveries.
func (s *Store) DeleteWebhookEndpoint(ctx context.Context, orgID, id uuid.UUID) error {
	const q = `DELETE FROM webhook_endpoints WHERE org_id = $1 AND id = $2`
	_, err := s.pool.Exec(ctx, q, orgID, id)
	return err
}

// ListActiveEndpointsForTopic returns active org endpoints subscribed to a topic.
func (s *Store) ListActiveEndpointsForTopic(ctx context.Context, orgID uuid.UUID, topic string) ([]WebhookEndpoint, error) {
	q := `SELECT ` + endpointColumns + ` FROM webhook_endpoints WHERE org_id = $1 AND active AND $2 = ANY(topics)`
	rows, err := s.pool.Query(ctx, q, orgID, topic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebhookEndpoint
	for rows.Next() {
		ep, err := s.scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// EnqueueDeliveryParams carries fields for scheduling one delivery.
type EnqueueDeliveryParams struct {
	EndpointID uuid.UUID
	EventID    uuid.UUID
	MaxAttempt int32
}

// EnqueueDelivery schedules a delivery; the (endpoint_id, event_id) unique
// constraint keeps re-emits idempotent.
func (s *Store) EnqueueDelivery(ctx context.Context, arg EnqueueDeliveryParams) (WebhookDelivery, error) {
	q := `
INSERT INTO webhook_deliveries (endpoint_id, event_id, status, max_attempt, next_attempt_at)
VALUES ($1,$2,'pending',$3,now())
RETURNING ` + deliveryColumns
	return s.scanDelivery(s.pool.QueryRow(ctx, q, arg.EndpointID, arg.EventID, arg.MaxAttempt))
}

// DequeueDueDeliveries claims up to limit deliveries that are due.
func (s *Store) DequeueDueDeliveries(ctx context.Context, limit int32) ([]WebhookDelivery, error) {
	q := `
SELECT ` + deliveryColumns + ` FROM webhook_deliveries
WHERE status IN ('pending','failed') AND next_attempt_at <= now()
ORDER BY next_attempt_at ASC
LIMIT $1
FOR UPDATE SKIP LOCKED`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebhookDelivery
	for rows.Next() {
		d, err := s.scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkDelivering flags a claimed delivery as in flight.
func (s *Store) MarkDelivering(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE webhook_deliveries SET status = 'delivering', attempt = attempt + 1, updated_at = now() WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id)
	return err
}

// MarkDeliveredParams records a successful delivery.
type MarkDeliveredParams struct {
	ID             uuid.UUID
	ResponseStatus *int32
	ResponseBody   *string
}

// MarkDelivered finalises a successful delivery.
func (s *Store) MarkDelivered(ctx context.Context, arg MarkDeliveredParams) error {
	const q = `
UPDATE webhook_deliveries SET status = 'delivered', response_status = $2, response_body = $3, updated_at = now()
WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, arg.ID, arg.ResponseStatus, arg.ResponseBody)
	return err
}

// MarkFailedWithBackoffParams records a failed attempt and its retry time.
type MarkFailedWithBackoffParams struct {
	ID            uuid.UUID
	LastError     string
	NextAttemptAt time.Time
}

// MarkFailedWithBackoff schedules a retry after a failed attempt.
func (s *Store) MarkFailedWithBackoff(ctx context.Context, arg MarkFailedWithBackoffParams) error {
	const q = `
UPDATE webhook_deliveries SET status = 'failed', last_error = $2, next_attempt_at = $3, updated_at = now()
WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, arg.ID, arg.LastError, arg.NextAttemptAt)
	return err
}

// MarkDeliveryDead parks a delivery that exhausted its attempts.
func (s *Store) MarkDeliveryDead(ctx context.Context, id uuid.UUID, lastError string) error {
	const q = `UPDATE webhook_deliveries SET status = 'dead', last_error = $2, updated_at = now() WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id, lastError)
	return err
}

// GetDeliveryByID loads one delivery.
func (s *Store) GetDeliveryByID(ctx context.Context, id uuid.UUID) (WebhookDelivery, error) {
	q := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE id = $1`
	return s.scanDelivery(s.pool.QueryRow(ctx, q, id))
}

// ResetDeliveryForReplay re-arms a delivered or dead delivery for another run.
func (s *Store) ResetDeliveryForReplay(ctx context.Context, id uuid.UUID) (WebhookDelivery, error) {
	q := `
UPDATE webhook_deliveries
SET status = 'pending', attempt = 0, next_attempt_at = now(), last_error = NULL, updated_at = now()
WHERE id = $1
RETURNING ` + deliveryColumns
	return s.scanDelivery(s.pool.QueryRow(ctx, q, id))
}

// ListWebhookDeliveries returns deliveries for an org's endpoints newest first.
func (s *Store) ListWebhookDeliveries(ctx context.Context, orgID uuid.UUID, limit, offset int32) ([]WebhookDelivery, error) {
	q := `
SELECT d.id, d.endpoint_id, d.event_id, d.status, d.attempt, d.max_attempt, d.next_attempt_at,
  d.response_status, d.response_body, d.last_error, d.created_at, d.updated_at
FROM webhook_deliveries d
JOIN webhook_endpoints e ON e.id = d.endpoint_id
WHERE e.org_id = $1
ORDER BY d.created_at DESC LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, q, orgID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebhookDelivery
	for rows.Next() {
		d, err := s.scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) scanEndpoint(row rowScanner) (WebhookEndpoint, error) {
	var ep WebhookEndpoint
	err := row.Scan(&ep.ID, &ep.OrgID, &ep.URL, &ep.Secret, &ep.Topics, &ep.Active, &ep.MaxAttempts, &ep.CreatedAt)
	return ep, err
}

func (s *Store) scanDelivery(row rowScanner) (WebhookDelivery, error) {
	var d WebhookDelivery
	err := row.Scan(&d.ID, &d.EndpointID, &d.EventID, &d.Status, &d.Attempt, &d.MaxAttempt, &d.NextAttemptAt,
		&d.ResponseStatus, &d.ResponseBody, &d.LastError, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}
