package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/paveline/backend-pavedeck/internal/obs"
	"github.com/paveline/backend-pavedeck/internal/resilience"
	"github.com/paveline/backend-pavedeck/internal/store"
)

// Store defines the persistence operations the dispatcher needs.
type Store interface {
	CreateWebhookEndpoint(ctx context.Context, arg store.CreateWebhookEndpointParams) (store.WebhookEndpoint, error)
	UpdateWebhookEndpoint(ctx context.Context, arg store.UpdateWebhookEndpointParams) (store.WebhookEndpoint, error)
	GetWebhookEndpoint(ctx context.Context, id uuid.UUID) (store.WebhookEndpoint, error)
	ListWebhookEndpoints(ctx context.Context, orgID uuid.UUID) ([]store.WebhookEndpoint, error)
	DeleteWebhookEndpoint(ctx context.Context, orgID, id uuid.UUID) error
	ListActiveEndpointsForTopic(ctx context.Context, orgID uuid.UUID, topic string) ([]store.WebhookEndpoint, error)
	EnqueueDelivery(ctx context.Context, arg store.EnqueueDeliveryParams) (store.WebhookDelivery, error)
	DequeueDueDeliveries(ctx context.Context, limit int32) ([]store.WebhookDelivery, error)
	MarkDelivering(ctx context.Context, id uuid.UUID) error
	MarkDelivered(ctx context.Context, arg store.MarkDeliveredParams) error
	MarkFailedWithBackoff(ctx context.Context, arg store.MarkFailedWithBackoffParams) error
	MarkDeliveryDead(ctx context.Context, id uuid.UUID, lastError string) error
	GetDeliveryByID(ctx context.Context, id uuid.UUID) (store.WebhookDelivery, error)
	ResetDeliveryForReplay(ctx context.Context, id uuid.UUID) (store.WebhookDelivery, error)
	ListWebhookDeliveries(ctx context.Context, orgID uuid.UUID, limit, offset int32) ([]store.WebhookDelivery, error)
	GetDomainEvent(ctx context.Context, id uuid.UUID) (store.DomainEvent, error)
}

// Dispatcher schedules webhook deliveries from the outbox and drives them to
// completion with exponential backoff.
type Dispatcher struct {
	Store              Store
	Client             *http.Client
	BackoffBase        time.Duration
	DefaultMaxAttempts int
	Enabled            bool
	Replay             ReplayProtector
	ReplayTTL          time.Duration
	Breakers           *BreakerPool
	Now                func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Schedule enqueues deliveries for the org's active endpoints subscribed to
// the event's topic. It implements events.DeliveryScheduler.
func (d *Dispatcher) Schedule(ctx context.Context, event store.DomainEvent) error {
	if d == nil || !d.Enabled || d.Store == nil {
		return nil
	}
	if strings.TrimSpace(event.Topic) == "" {
		return nil
	}
	endpoints, err := d.Store.ListActiveEndpointsForTopic(ctx, event.OrgID, event.Topic)
	if err != nil {
		return err
	}
	var joined error
	for _, ep := range endpoints {
		maxAttempt := int(ep.MaxAttempts)
		if maxAttempt <= 0 {
			maxAttempt = d.DefaultMaxAttempts
		}
		if maxAttempt <= 0 {
			maxAttempt = 6
		}
		_, err := d.Store.EnqueueDelivery(ctx, store.EnqueueDeliveryParams{
			EndpointID: ep.ID,
			EventID:    event.ID,
			MaxAttempt: int32(maxAttempt),
		})
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				continue
			}
			joined = errors.Join(joined, fmt.Errorf("enqueue delivery for %s: %w", ep.ID, err))
		}
	}
	return joined
}

// WorkOnce claims due deliveries and attempts each one.
func (d *Dispatcher) WorkOnce(ctx context.Context, batch int32) error {
	if d == nil || !d.Enabled || d.Store == nil {
		return nil
	}
	if batch <= 0 {
		batch = 1
	}
	ctx, span := otel.Tracer("notify.Dispatcher").Start(ctx, "Dispatcher.WorkOnce")
	defer span.End()
	span.SetAttributes(attribute.Int("webhook.batch", int(batch)))

	deliveries, err := d.Store.DequeueDueDeliveries(ctx, batch)
	if err != nil {
		span.RecordError(err)
		return err
	}
	for _, del := range deliveries {
		if err := d.attempt(ctx, del); err != nil {
			return err
		}
	}
	return nil
}

// DeliverByID runs a single delivery outside the normal sweep, used by manual
// replays.
func (d *Dispatcher) DeliverByID(ctx context.Context, deliveryID uuid.UUID) error {
	if d == nil || !d.Enabled || d.Store == nil {
		return nil
	}
	del, err := d.Store.GetDeliveryByID(ctx, deliveryID)
	if err != nil {
		return err
	}
	return d.attempt(ctx, del)
}

func (d *Dispatcher) attempt(ctx context.Context, del store.WebhookDelivery) error {
	attemptStart := time.Now()
	if err := d.Store.MarkDelivering(ctx, del.ID); err != nil {
		return nil
	}
	endpoint, err := d.Store.GetWebhookEndpoint(ctx, del.EndpointID)
	if err != nil {
		return d.failDelivery(ctx, del, fmt.Errorf("load endpoint: %w", err))
	}
	event, err := d.Store.GetDomainEvent(ctx, del.EventID)
	if err != nil {
		return d.failDelivery(ctx, del, fmt.Errorf("load event: %w", err))
	}
	status, respBody, deliverErr := d.deliver(ctx, endpoint, event, del)
	if deliverErr == nil && status >= 200 && status < 300 {
		observeDelivery("delivered", attemptStart)
		var statusVal *int32
		if status > 0 {
			v := int32(status)
			statusVal = &v
		}
		var bodyVal *string
		if respBody != "" {
			bodyVal = &respBody
		}
		return d.Store.MarkDelivered(ctx, store.MarkDeliveredParams{
			ID:             del.ID,
			ResponseStatus: statusVal,
			ResponseBody:   bodyVal,
		})
	}
	reason := fmt.Sprintf("status=%d err=%v", status, deliverErr)
	if int(del.Attempt+1) >= int(del.MaxAttempt) {
		observeDelivery("dead", attemptStart)
		_ = d.Store.MarkDeliveryDead(ctx, del.ID, reason)
		return nil
	}
	observeDelivery("failed", attemptStart)
	return d.Store.MarkFailedWithBackoff(ctx, store.MarkFailedWithBackoffParams{
		ID:            del.ID,
		LastError:     reason,
		NextAttemptAt: d.now().Add(d.nextDelay(del.Attempt)),
	})
}

func (d *Dispatcher) failDelivery(ctx context.Context, del store.WebhookDelivery, err error) error {
	reason := err.Error()
	if int(del.Attempt+1) >= int(del.MaxAttempt) {
		if obs.WebhookDeliveriesTotal != nil {
			obs.WebhookDeliveriesTotal.WithLabelValues("dead").Inc()
		}
		return d.Store.MarkDeliveryDead(ctx, del.ID, reason)
	}
	if obs.WebhookDeliveriesTotal != nil {
		obs.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
	}
	return d.Store.MarkFailedWithBackoff(ctx, store.MarkFailedWithBackoffParams{
		ID:            del.ID,
		LastError:     reason,
		NextAttemptAt: d.now().Add(d.nextDelay(del.Attempt)),
	})
}

func (d *Dispatcher) nextDelay(attempt int32) time.Duration {
	base := d.BackoffBase
	if base <= 0 {
		base = 5 * time.Second
	}
	return resilience.Backoff(base, int(attempt)+1, 0)
}

func (d *Dispatcher) deliver(ctx context.Context, ep store.WebhookEndpoint, ev store.DomainEvent, del store.WebhookDelivery) (int, string, error) {
	if d.Client == nil {
		d.Client = HTTPClient(5000, false)
	}
	ctx, span := otel.Tracer("notify.Dispatcher").Start(ctx, "Dispatcher.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.endpoint_id", ep.ID.String()),
		attribute.String("webhook.delivery_id", del.ID.String()),
		attribute.String("webhook.topic", ev.Topic),
	)
	if err := validateURL(ep.URL); err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = d.now()
	}
	payload := struct {
		EventID     string          `json:"eventId"`
		Topic       string          `json:"topic"`
		AggregateID string          `json:"aggregateId"`
		Data        json.RawMessage `json:"data"`
		OccurredAt  time.Time       `json:"occurredAt"`
	}{
		EventID:     ev.ID.String(),
		Topic:       ev.Topic,
		AggregateID: ev.AggregateID.String(),
		Data:        json.RawMessage(ev.Payload),
		OccurredAt:  occurred,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	ts := d.now().Unix()
	if d.Replay != nil && d.ReplayTTL > 0 {
		key := replayKey(ep.ID, ev.ID)
		ok, err := d.Replay.Acquire(ctx, key, d.ReplayTTL)
		if err != nil {
			span.RecordError(err)
			return 0, "", err
		}
		if !ok {
			span.AddEvent("delivery replay prevented")
			return http.StatusOK, "replay-suppressed", nil
		}
	}
	var breaker *resilience.Breaker
	if d.Breakers != nil {
		breaker = d.Breakers.For(ep.ID)
		if !breaker.Allow(ctx) {
			span.AddEvent("circuit open, delivery attempt skipped")
			return 0, "", resilience.ErrOpenCircuit
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "pavedeck-webhooks/1.0")
	req.Header.Set("X-Event-ID", ev.ID.String())
	req.Header.Set("X-Timestamp", fmt.Sprintf("%d", ts))
	req.Header.Set("X-Idempotency-Key", del.ID.String())
	req.Header.Set("X-Signature", ComputeSignature(ep.Secret, ts, ev.ID.String(), body))
	resp, err := d.Client.Do(req)
	if err != nil {
		if breaker != nil {
			breaker.Report(ctx, false)
		}
		span.RecordError(err)
		return 0, "", err
	}
	if breaker != nil {
		breaker.Report(ctx, resp.StatusCode < 500)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return resp.StatusCode, "", err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp.StatusCode, string(responseBody), nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.New("webhook url must be http or https")
	}
	if parsed.Scheme == "http" {
		host := parsed.Hostname()
		if host != "localhost" && host != "127.0.0.1" {
			return errors.New("http webhook only allowed for localhost")
		}
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	return nil
}

// Deliver exposes the low-level delivery routine for manual replays and tests.
func (d *Dispatcher) Deliver(ctx context.Context, ep store.WebhookEndpoint, ev store.DomainEvent, del store.WebhookDelivery) (int, string, error) {
	return d.deliver(ctx, ep, ev, del)
}

// ComputeSignature calculates the webhook signature for the provided payload.
// The format is HMAC-SHA256 over "<ts>.<eventID>.<body>" using the endpoint
// secret.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HTTPClient returns an HTTP client configured for webhook delivery.
func HTTPClient(timeoutMs int, insecure bool) *http.Client {
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}
	transport := &http.Transport{}
	if insecure {
		transport.TLSClientConfig = insecureTLSConfig
	}
	return &http.Client{
		Timeout:   time.Duration(timeoutMs) * time.Millisecond,
		Transport: otelhttp.NewTransport(transport),
	}
}

var insecureTLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec

// ReplayProtector guards against sending duplicate deliveries within a TTL.
type ReplayProtector interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

func replayKey(endpointID, eventID uuid.UUID) string {
	return fmt.Sprintf("wh:%s:%s", endpointID, eventID)
}

func observeDelivery(result string, start time.Time) {
	if obs.WebhookDeliveriesTotal != nil {
		obs.WebhookDeliveriesTotal.WithLabelValues(result).Inc()
	}
	if obs.WebhookAttemptLatency != nil {
		obs.WebhookAttemptLatency.WithLabelValues(result).Observe(obs.DurationMillis(time.Since(start)))
	}
}
