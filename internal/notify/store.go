package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/noah-isme/backend-checkout/internal/db"
)

// Store defines the persistence operations required for webhook management.
type Store interface {
	CreateEndpoint(ctx context.Context, ep Endpoint) (Endpoint, error)
	UpdateEndpoint(ctx context.Context, ep Endpoint) (Endpoint, error)
	GetEndpoint(ctx context.Context, id uuid.UUID) (Endpoint, error)
	ListEndpoints(ctx context.Context, limit, offset int) ([]Endpoint, error)
	DeleteEndpoint(ctx context.Context, id uuid.UUID) error
	ListActiveEndpointsForTopic(ctx context.Context, topic string) ([]Endpoint, error)

	CreateDelivery(ctx context.Context, endpointID, eventID uuid.UUID, maxAttempt int) (Delivery, error)
	GetDelivery(ctx context.Context, id uuid.UUID) (Delivery, error)
	ClaimDelivery(ctx context.Context, id uuid.UUID) (Delivery, error)
	MarkDelivered(ctx context.Context, id uuid.UUID, res AttemptResult) error
	MarkFailed(ctx context.Context, id uuid.UUID, res AttemptResult) error
	MarkDead(ctx context.Context, id uuid.UUID, res AttemptResult) error
	ResetForRetry(ctx context.Context, id uuid.UUID) (Delivery, error)
	Archive(ctx context.Context, id uuid.UUID) (Delivery, error)
	ListDeliveries(ctx context.Context, f DeliveryFilter) ([]Delivery, int64, error)
	StaleDeliveries(ctx context.Context, olderThan time.Duration, limit int) ([]uuid.UUID, error)
}

// PGStore implements Store on Postgres.
type PGStore struct {
	DB db.DBTX
}

const endpointColumns = `id, name, url, secret, topics, active, created_at, updated_at`

const deliveryColumns = `d.id, d.endpoint_id, d.event_id, e.topic, d.status, d.attempt, d.max_attempt,
	d.next_attempt_at, d.last_error, d.response_status, d.response_body, d.delivered_at,
	d.archived_at, d.created_at, d.updated_at`

func scanEndpoint(row pgx.Row) (Endpoint, error) {
	var ep Endpoint
	err := row.Scan(&ep.ID, &ep.Name, &ep.URL, &ep.Secret, &ep.Topics, &ep.Active, &ep.CreatedAt, &ep.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Endpoint{}, ErrNotFound
	}
	return ep, err
}

func scanDelivery(row pgx.Row) (Delivery, error) {
	var d Delivery
	err := row.Scan(&d.ID, &d.EndpointID, &d.EventID, &d.Topic, &d.Status, &d.Attempt, &d.MaxAttempt,
		&d.NextAttemptAt, &d.LastError, &d.ResponseStatus, &d.ResponseBody, &d.DeliveredAt,
		&d.ArchivedAt, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Delivery{}, ErrNotFound
	}
	return d, err
}

func (s PGStore) CreateEndpoint(ctx context.Context, ep Endpoint) (Endpoint, error) {
	return scanEndpoint(s.DB.QueryRow(ctx, `
		INSERT INTO webhook_endpoints (name, url, secret, topics, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+endpointColumns,
		ep.Name, ep.URL, ep.Secret, ep.Topics, ep.Active))
}

func (s PGStore) UpdateEndpoint(ctx context.Context, ep Endpoint) (Endpoint, error) {
	return scanEndpoint(s.DB.QueryRow(ctx, `
		UPDATE webhook_endpoints
		SET name = $2, url = $3, secret = $4, topics = $5, active = $6, updated_at = now()
		WHERE id = $1
		RETURNING `+endpointColumns,
		ep.ID, ep.Name, ep.URL, ep.Secret, ep.Topics, ep.Active))
}

func (s PGStore) GetEndpoint(ctx context.Context, id uuid.UUID) (Endpoint, error) {
	return scanEndpoint(s.DB.QueryRow(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = $1`, id))
}

func (s PGStore) ListEndpoints(ctx context.Context, limit, offset int) ([]Endpoint, error) {
	return s.queryEndpoints(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
}

func (s PGStore) DeleteEndpoint(ctx context.Context, id uuid.UUID) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM webhook_endpoints WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s PGStore) ListActiveEndpointsForTopic(ctx context.Context, topic string) ([]Endpoint, error) {
	return s.queryEndpoints(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints
		WHERE active AND (cardinality(topics) = 0 OR $1 = ANY(topics) OR '*' = ANY(topics))`, topic)
}

func (s PGStore) queryEndpoints(ctx context.Context, sql string, args ...any) ([]Endpoint, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s PGStore) CreateDelivery(ctx context.Context, endpointID, eventID uuid.UUID, maxAttempt int) (Delivery, error) {
	return scanDelivery(s.DB.QueryRow(ctx, `
		WITH d AS (
			INSERT INTO webhook_deliveries (endpoint_id, event_id, max_attempt)
			VALUES ($1, $2, $3)
			RETURNING *
		)
		SELECT `+deliveryColumns+` FROM d JOIN domain_events e ON e.id = d.event_id`,
		endpointID, eventID, maxAttempt))
}

func (s PGStore) GetDelivery(ctx context.Context, id uuid.UUID) (Delivery, error) {
	return scanDelivery(s.DB.QueryRow(ctx, `SELECT `+deliveryColumns+`
		FROM webhook_deliveries d JOIN domain_events e ON e.id = d.event_id
		WHERE d.id = $1`, id))
}

// ClaimDelivery moves a due pending/failed delivery into delivering.
func (s PGStore) ClaimDelivery(ctx context.Context, id uuid.UUID) (Delivery, error) {
	d, err := s.updateDelivery(ctx, `
		SET status = 'delivering', updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'failed') AND archived_at IS NULL
		  AND next_attempt_at <= now() + interval '1 second'`, id)
	if errors.Is(err, ErrNotFound) {
		return Delivery{}, ErrNotClaimable
	}
	return d, err
}

func (s PGStore) MarkDelivered(ctx context.Context, id uuid.UUID, res AttemptResult) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'delivered', attempt = $2, response_status = $3, response_body = $4,
		    last_error = NULL, delivered_at = now(), updated_at = now()
		WHERE id = $1`, id, res.Attempt, res.Status, truncate(res.Body))
	return err
}

func (s PGStore) MarkFailed(ctx context.Context, id uuid.UUID, res AttemptResult) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'failed', attempt = $2, response_status = $3, response_body = $4,
		    last_error = $5, next_attempt_at = $6, updated_at = now()
		WHERE id = $1`, id, res.Attempt, res.Status, truncate(res.Body), res.Error, res.NextRetry)
	return err
}

func (s PGStore) MarkDead(ctx context.Context, id uuid.UUID, res AttemptResult) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'dead', attempt = $2, response_status = $3, response_body = $4,
		    last_error = $5, updated_at = now()
		WHERE id = $1`, id, res.Attempt, res.Status, truncate(res.Body), res.Error)
	return err
}

func (s PGStore) ResetForRetry(ctx context.Context, id uuid.UUID) (Delivery, error) {
	d, err := s.updateDelivery(ctx, `
		SET status = 'pending', attempt = 0, next_attempt_at = now(), archived_at = NULL,
		    last_error = NULL, updated_at = now()
		WHERE id = $1 AND status <> 'delivering'`, id)
	if errors.Is(err, ErrNotFound) {
		return Delivery{}, s.inFlightOrMissing(ctx, id)
	}
	return d, err
}

func (s PGStore) Archive(ctx context.Context, id uuid.UUID) (Delivery, error) {
	d, err := s.updateDelivery(ctx, `
		SET archived_at = COALESCE(archived_at, now()), updated_at = now()
		WHERE id = $1 AND status <> 'delivering'`, id)
	if errors.Is(err, ErrNotFound) {
		return Delivery{}, s.inFlightOrMissing(ctx, id)
	}
	return d, err
}

func (s PGStore) inFlightOrMissing(ctx context.Context, id uuid.UUID) error {
	if _, err := s.GetDelivery(ctx, id); err != nil {
		return err
	}
	return ErrInFlight
}

func (s PGStore) updateDelivery(ctx context.Context, clause string, id uuid.UUID) (Delivery, error) {
	return scanDelivery(s.DB.QueryRow(ctx, `
		WITH d AS (UPDATE webhook_deliveries `+clause+` RETURNING *)
		SELECT `+deliveryColumns+` FROM d JOIN domain_events e ON e.id = d.event_id`, id))
}

func (s PGStore) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]Delivery, int64, error) {
	where, args := deliveryWhere(f)
	var total int64
	if err := s.DB.QueryRow(ctx, `SELECT count(*) FROM webhook_deliveries d `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, f.Limit, f.Offset)
	rows, err := s.DB.Query(ctx, fmt.Sprintf(`SELECT %s
		FROM webhook_deliveries d JOIN domain_events e ON e.id = d.event_id
		%s ORDER BY d.created_at DESC LIMIT $%d OFFSET $%d`, deliveryColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

func deliveryWhere(f DeliveryFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("d.status = $%d", f.Status)
	}
	if f.EndpointID != nil {
		add("d.endpoint_id = $%d", *f.EndpointID)
	}
	if f.EventID != nil {
		add("d.event_id = $%d", *f.EventID)
	}
	if f.Archived != nil {
		if *f.Archived {
			conds = append(conds, "d.archived_at IS NOT NULL")
		} else {
			conds = append(conds, "d.archived_at IS NULL")
		}
	}
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// StaleDeliveries returns due deliveries whose queue task may have been lost.
// Deliveries stuck in delivering for ten times the threshold are released first.
func (s PGStore) StaleDeliveries(ctx context.Context, olderThan time.Duration, limit int) ([]uuid.UUID, error) {
	secs := olderThan.Seconds()
	if _, err := s.DB.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = 'failed', last_error = 'delivery abandoned by worker', updated_at = now()
		WHERE status = 'delivering' AND updated_at < now() - make_interval(secs => $1)`, secs*10); err != nil {
		return nil, err
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id FROM webhook_deliveries
		WHERE archived_at IS NULL AND status IN ('pending', 'failed')
		  AND next_attempt_at < now() - make_interval(secs => $1)
		ORDER BY next_attempt_at LIMIT $2`, secs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func truncate(body string) string {
	const max = 4 << 10
	if len(body) > max {
		return body[:max]
	}
	return body
}
