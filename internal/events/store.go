package events

import (
	"context"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-checkout/internal/db"
)

// PGStore persists events in the domain_events table.
type PGStore struct {
	DB db.DBTX
}

// InsertEvent implements EventStore.
func (s PGStore) InsertEvent(ctx context.Context, topic string, aggregateID uuid.UUID, payload []byte) (Event, error) {
	var ev Event
	err := s.DB.QueryRow(ctx, `
		INSERT INTO domain_events (topic, aggregate_id, payload)
		VALUES ($1, $2, $3)
		RETURNING id, topic, aggregate_id, payload, occurred_at`,
		topic, aggregateID, payload,
	).Scan(&ev.ID, &ev.Topic, &ev.AggregateID, &ev.Payload, &ev.OccurredAt)
	return ev, err
}

// GetEvent implements EventStore.
func (s PGStore) GetEvent(ctx context.Context, id uuid.UUID) (Event, error) {
	var ev Event
	err := s.DB.QueryRow(ctx, `
		SELECT id, topic, aggregate_id, payload, occurred_at
		FROM domain_events WHERE id = $1`, id,
	).Scan(&ev.ID, &ev.Topic, &ev.AggregateID, &ev.Payload, &ev.OccurredAt)
	return ev, err
}
