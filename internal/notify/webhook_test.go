package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/paveline/backend-pavedeck/internal/store"
)

type stubStore struct {
	Store

	endpoints  map[uuid.UUID]store.WebhookEndpoint
	events     map[uuid.UUID]store.DomainEvent
	deliveries map[uuid.UUID]*store.WebhookDelivery

	enqueueConflict bool
	enqueued        []store.EnqueueDeliveryParams
}

func newStubStore() *stubStore {
	return &stubStore{
		endpoints:  map[uuid.UUID]store.WebhookEndpoint{},
		events:     map[uuid.UUID]store.DomainEvent{},
		deliveries: map[uuid.UUID]*store.WebhookDelivery{},
	}
}

func (s *stubStore) ListActiveEndpointsForTopic(_ context.Context, orgID uuid.UUID, topic string) ([]store.WebhookEndpoint, error) {
	var out []store.WebhookEndpoint
	for _, ep := range s.endpoints {
		if ep.OrgID != orgID || !ep.Active {
			continue
		}
		for _, t := range ep.Topics {
			if t == topic {
				out = append(out, ep)
				break
			}
		}
	}
	return out, nil
}

func (s *stubStore) EnqueueDelivery(_ context.Context, arg store.EnqueueDeliveryParams) (store.WebhookDelivery, error) {
	if s.enqueueConflict {
		return store.WebhookDelivery{}, &pgconn.PgError{Code: "23505"}
	}
	s.enqueued = append(s.enqueued, arg)
	d := &store.WebhookDelivery{
		ID:         uuid.New(),
		EndpointID: arg.EndpointID,
		EventID:    arg.EventID,
		Status:     "pending",
		MaxAttempt: arg.MaxAttempt,
	}
	s.deliveries[d.ID] = d
	return *d, nil
}

func (s *stubStore) DequeueDueDeliveries(_ context.Context, limit int32) ([]store.WebhookDelivery, error) {
	var out []store.WebhookDelivery
	for _, d := range s.deliveries {
		if int32(len(out)) >= limit {
			break
		}
		if d.Status == "pending" || d.Status == "failed" {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *stubStore) MarkDelivering(_ context.Context, id uuid.UUID) error {
	d := s.deliveries[id]
	d.Status = "delivering"
	d.Attempt++
	return nil
}

func (s *stubStore) MarkDelivered(_ context.Context, arg store.MarkDeliveredParams) error {
	d := s.deliveries[arg.ID]
	d.Status = "delivered"
	d.ResponseStatus = arg.ResponseStatus
	d.ResponseBody = arg.ResponseBody
	return nil
}

func (s *stubStore) MarkFailedWithBackoff(_ context.Context, arg store.MarkFailedWithBackoffParams) error {
	d := s.deliveries[arg.ID]
	d.Status = "failed"
	d.LastError = &arg.LastError
	d.NextAttemptAt = arg.NextAttemptAt
	return nil
}

func (s *stubStore) MarkDeliveryDead(_ context.Context, id uuid.UUID, lastError string) error {
	d := s.deliveries[id]
	d.Status = "dead"
	d.LastError = &lastError
	return nil
}

func (s *stubStore) GetWebhookEndpoint(_ context.Context, id uuid.UUID) (store.WebhookEndpoint, error) {
	ep, ok := s.endpoints[id]
	if !ok {
		return store.WebhookEndpoint{}, pgx.ErrNoRows
	}
	return ep, nil
}

func (s *stubStore) GetDeliveryByID(_ context.Context, id uuid.UUID) (store.WebhookDelivery, error) {
	d, ok := s.deliveries[id]
	if !ok {
		return store.WebhookDelivery{}, pgx.ErrNoRows
	}
	return *d, nil
}

func (s *stubStore) GetDomainEvent(_ context.Context, id uuid.UUID) (store.DomainEvent, error) {
	ev, ok := s.events[id]
	if !ok {
		return store.DomainEvent{}, pgx.ErrNoRows
	}
	return ev, nil
}

func seed(s *stubStore, url string, topics ...string) (store.WebhookEndpoint, store.DomainEvent) {
	ep := store.WebhookEndpoint{
		ID:          uuid.New(),
		OrgID:       uuid.New(),
		URL:         url,
		Secret:      "whsec_test",
		Topics:      topics,
		Active:      true,
		MaxAttempts: 3,
	}
	s.endpoints[ep.ID] = ep
	ev := store.DomainEvent{
		ID:          uuid.New(),
		OrgID:       ep.OrgID,
		Topic:       topics[0],
		AggregateID: uuid.New(),
		Payload:     []byte(`{"proposalId":"p-1"}`),
		OccurredAt:  time.Now(),
	}
	s.events[ev.ID] = ev
	return ep, ev
}

func TestScheduleEnqueuesSubscribedEndpoints(t *testing.T) {
	s := newStubStore()
	ep, ev := seed(s, "https://example.com/hook", "proposal.sent")
	other := store.WebhookEndpoint{ID: uuid.New(), OrgID: ep.OrgID, URL: "https://example.com/other",
		Secret: "x", Topics: []string{"signature.signed"}, Active: true}
	s.endpoints[other.ID] = other

	d := &Dispatcher{Store: s, Enabled: true, DefaultMaxAttempts: 6}
	require.NoError(t, d.Schedule(context.Background(), ev))
	require.Len(t, s.enqueued, 1)
	require.Equal(t, ep.ID, s.enqueued[0].EndpointID)
	require.Equal(t, int32(3), s.enqueued[0].MaxAttempt)
}

func TestScheduleIgnoresDuplicateDeliveries(t *testing.T) {
	s := newStubStore()
	_, ev := seed(s, "https://example.com/hook", "proposal.sent")
	s.enqueueConflict = true

	d := &Dispatcher{Store: s, Enabled: true}
	require.NoError(t, d.Schedule(context.Background(), ev))
	require.Empty(t, s.enqueued)
}

func TestWorkOnceDeliversAndSigns(t *testing.T) {
	var gotSignature, gotEventID, gotTimestamp string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Signature")
		gotEventID = r.Header.Get("X-Event-ID")
		gotTimestamp = r.Header.Get("X-Timestamp")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newStubStore()
	_, ev := seed(s, srv.URL, "proposal.sent")
	d := &Dispatcher{Store: s, Enabled: true, Client: srv.Client()}
	require.NoError(t, d.Schedule(context.Background(), ev))
	require.NoError(t, d.WorkOnce(context.Background(), 10))

	var delivery *store.WebhookDelivery
	for _, dd := range s.deliveries {
		delivery = dd
	}
	require.NotNil(t, delivery)
	require.Equal(t, "delivered", delivery.Status)
	require.NotNil(t, delivery.ResponseStatus)
	require.Equal(t, int32(http.StatusOK), *delivery.ResponseStatus)

	require.Equal(t, ev.ID.String(), gotEventID)
	ts, err := strconv.ParseInt(gotTimestamp, 10, 64)
	require.NoError(t, err)
	require.Equal(t, ComputeSignature("whsec_test", ts, gotEventID, gotBody), gotSignature)

	var payload struct {
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	require.Equal(t, "proposal.sent", payload.Topic)
	require.JSONEq(t, `{"proposalId":"p-1"}`, string(payload.Data))
}

func TestWorkOnceBacksOffThenParksDeadDeliveries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := newStubStore()
	_, ev := seed(s, srv.URL, "proposal.sent")
	now := time.Now()
	d := &Dispatcher{
		Store:       s,
		Enabled:     true,
		Client:      srv.Client(),
		BackoffBase: 5 * time.Second,
		Now:         func() time.Time { return now },
	}
	require.NoError(t, d.Schedule(context.Background(), ev))

	// attempts 1 and 2 fail with growing backoff
	require.NoError(t, d.WorkOnce(context.Background(), 10))
	var delivery *store.WebhookDelivery
	for _, dd := range s.deliveries {
		delivery = dd
	}
	require.Equal(t, "failed", delivery.Status)
	require.Equal(t, now.Add(5*time.Second), delivery.NextAttemptAt)

	require.NoError(t, d.WorkOnce(context.Background(), 10))
	require.Equal(t, "failed", delivery.Status)
	require.Equal(t, now.Add(10*time.Second), delivery.NextAttemptAt)

	// third attempt exhausts max_attempt=3
	require.NoError(t, d.WorkOnce(context.Background(), 10))
	require.Equal(t, "dead", delivery.Status)
	require.NotNil(t, delivery.LastError)
}

func TestValidateURLRejectsNonLocalHTTP(t *testing.T) {
	require.Error(t, validateURL("http://example.com/hook"))
	require.NoError(t, validateURL("http://localhost:9999/hook"))
	require.NoError(t, validateURL("https://example.com/hook"))
	require.Error(t, validateURL("ftp://example.com/hook"))
}

func TestNormaliseTopicsKeepsKnownOnly(t *testing.T) {
	got := normaliseTopics([]string{" Proposal.Sent ", "proposal.sent", "bogus.topic", "signature.signed"})
	require.Equal(t, []string{"proposal.sent", "signature.signed"}, got)
}
