package notify_test

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-checkout/internal/events"
	"github.com/noah-isme/backend-checkout/internal/notify"
)

type memStore struct {
	mu         sync.Mutex
	endpoints  map[uuid.UUID]notify.Endpoint
	deliveries map[uuid.UUID]notify.Delivery
	results    []notify.AttemptResult
	stale      []uuid.UUID
}

func newMemStore() *memStore {
	return &memStore{endpoints: map[uuid.UUID]notify.Endpoint{}, deliveries: map[uuid.UUID]notify.Delivery{}}
}

func (s *memStore) CreateEndpoint(_ context.Context, ep notify.Endpoint) (notify.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep.ID = uuid.New()
	ep.CreatedAt = time.Now()
	ep.UpdatedAt = ep.CreatedAt
	s.endpoints[ep.ID] = ep
	return ep, nil
}

func (s *memStore) UpdateEndpoint(_ context.Context, ep notify.Endpoint) (notify.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[ep.ID]; !ok {
		return notify.Endpoint{}, notify.ErrNotFound
	}
	s.endpoints[ep.ID] = ep
	return ep, nil
}

func (s *memStore) GetEndpoint(_ context.Context, id uuid.UUID) (notify.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return notify.Endpoint{}, notify.ErrNotFound
	}
	return ep, nil
}

func (s *memStore) ListEndpoints(context.Context, int, int) ([]notify.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, ep)
	}
	return out, nil
}

func (s *memStore) DeleteEndpoint(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return notify.ErrNotFound
	}
	delete(s.endpoints, id)
	return nil
}

func (s *memStore) ListActiveEndpointsForTopic(_ context.Context, topic string) ([]notify.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Endpoint
	for _, ep := range s.endpoints {
		if ep.Active && ep.Subscribes(topic) {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (s *memStore) CreateDelivery(_ context.Context, endpointID, eventID uuid.UUID, maxAttempt int) (notify.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deliveries {
		if d.EndpointID == endpointID && d.EventID == eventID {
			return notify.Delivery{}, uniqueViolation()
		}
	}
	d := notify.Delivery{
		ID:            uuid.New(),
		EndpointID:    endpointID,
		EventID:       eventID,
		Status:        notify.StatusPending,
		MaxAttempt:    maxAttempt,
		NextAttemptAt: time.Now(),
	}
	s.deliveries[d.ID] = d
	return d, nil
}

func (s *memStore) GetDelivery(_ context.Context, id uuid.UUID) (notify.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return notify.Delivery{}, notify.ErrNotFound
	}
	return d, nil
}

func (s *memStore) ClaimDelivery(_ context.Context, id uuid.UUID) (notify.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return notify.Delivery{}, notify.ErrNotFound
	}
	if d.ArchivedAt != nil || (d.Status != notify.StatusPending && d.Status != notify.StatusFailed) {
		return notify.Delivery{}, notify.ErrNotClaimable
	}
	d.Status = notify.StatusDelivering
	s.deliveries[id] = d
	return d, nil
}

func (s *memStore) finish(id uuid.UUID, status string, res notify.AttemptResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return notify.ErrNotFound
	}
	d.Status = status
	d.Attempt = res.Attempt
	d.ResponseStatus = res.Status
	if res.Error != "" {
		msg := res.Error
		d.LastError = &msg
	}
	if !res.NextRetry.IsZero() {
		d.NextAttemptAt = res.NextRetry
	}
	s.deliveries[id] = d
	s.results = append(s.results, res)
	return nil
}

func (s *memStore) MarkDelivered(_ context.Context, id uuid.UUID, res notify.AttemptResult) error {
	return s.finish(id, notify.StatusDelivered, res)
}

func (s *memStore) MarkFailed(_ context.Context, id uuid.UUID, res notify.AttemptResult) error {
	return s.finish(id, notify.StatusFailed, res)
}

func (s *memStore) MarkDead(_ context.Context, id uuid.UUID, res notify.AttemptResult) error {
	return s.finish(id, notify.StatusDead, res)
}

func (s *memStore) ResetForRetry(_ context.Context, id uuid.UUID) (notify.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return notify.Delivery{}, notify.ErrNotFound
	}
	if d.Status == notify.StatusDelivering {
		return notify.Delivery{}, notify.ErrInFlight
	}
	d.Status = notify.StatusPending
	d.Attempt = 0
	d.ArchivedAt = nil
	d.LastError = nil
	s.deliveries[id] = d
	return d, nil
}

func (s *memStore) Archive(_ context.Context, id uuid.UUID) (notify.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return notify.Delivery{}, notify.ErrNotFound
	}
	if d.Status == notify.StatusDelivering {
		return notify.Delivery{}, notify.ErrInFlight
	}
	now := time.Now()
	d.ArchivedAt = &now
	s.deliveries[id] = d
	return d, nil
}

func (s *memStore) ListDeliveries(_ context.Context, f notify.DeliveryFilter) ([]notify.Delivery, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Delivery
	for _, d := range s.deliveries {
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.EndpointID != nil && d.EndpointID != *f.EndpointID {
			continue
		}
		if f.Archived != nil && (d.ArchivedAt != nil) != *f.Archived {
			continue
		}
		out = append(out, d)
	}
	return out, int64(len(out)), nil
}

func (s *memStore) StaleDeliveries(context.Context, time.Duration, int) ([]uuid.UUID, error) {
	return s.stale, nil
}

type eventLoader map[uuid.UUID]events.Event

func (l eventLoader) GetEvent(_ context.Context, id uuid.UUID) (events.Event, error) {
	ev, ok := l[id]
	if !ok {
		return events.Event{}, notify.ErrNotFound
	}
	return ev, nil
}

type enqueued struct {
	id    uuid.UUID
	delay time.Duration
}

type recordingQueue struct {
	mu    sync.Mutex
	calls []enqueued
}

func (q *recordingQueue) Enqueue(_ context.Context, id uuid.UUID, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, enqueued{id: id, delay: delay})
	return nil
}
