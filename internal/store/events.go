package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DomainEvent is one immutable fact recorded in the outbox.
type DomainEvent struct {
	ID          uuid.UUID
	OrgID       uuid.UUID
	Topic       string
	AggregateID uuid.UUID
	Payload     []byte
	OccurredAt  time.Time
}

// InsertDomainEventParams carries event fields for the outbox insert.
type InsertDomainEventParams struct {
	OrgID       uuid.UUID
	Topic       string
	AggregateID uuid.UUID
	Payload     []byte
}

// InsertDomainEvent appends an event to the outbox.
func (s *Store) InsertDomainEvent(ctx context.Context, arg InsertDomainEventParams) (DomainEvent, error) {
	const q = `
INSERT INTO domain_events (org_id, topic, aggregate_id, payload)
VALUES ($1,$2,$3,$4)
RETURNING id, org_id, topic, aggregate_id, payload, occurred_at`
	var e DomainEvent
	err := s.pool.QueryRow(ctx, q, arg.OrgID, arg.Topic, arg.AggregateID, arg.Payload).Scan(
		&e.ID, &e.OrgID, &e.Topic, &e.AggregateID, &e.Payload, &e.OccurredAt)
	return e, err
}

// GetDomainEvent loads one event by id.
func (s *Store) GetDomainEvent(ctx context.Context, id uuid.UUID) (DomainEvent, error) {
	const q = `SELECT id, org_id, topic, aggregate_id, payload, occurred_at FROM domain_events WHERE id = $1`
	var e DomainEvent
	err := s.pool.QueryRow(ctx, q, id).Scan(&e.ID, &e.OrgID, &e.Topic, &e.AggregateID, &e.Payload, &e.OccurredAt)
	return e, err
}
