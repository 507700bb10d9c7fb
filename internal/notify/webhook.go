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
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/backend-checkout/internal/db"
	"github.com/noah-isme/backend-checkout/internal/events"
	"github.com/noah-isme/backend-checkout/internal/obs"
)

// EventLoader reads persisted domain events.
type EventLoader interface {
	GetEvent(ctx context.Context, id uuid.UUID) (events.Event, error)
}

// Enqueuer hands a delivery to the background queue, optionally delayed.
type Enqueuer interface {
	Enqueue(ctx context.Context, deliveryID uuid.UUID, delay time.Duration) error
}

// Dispatcher coordinates webhook scheduling and delivery.
type Dispatcher struct {
	Store              Store
	Events             EventLoader
	Queue              Enqueuer
	Client             *http.Client
	BackoffBaseSec     int
	DefaultMaxAttempts int
	Enabled            bool
	Replay             ReplayProtector
	ReplayTTL          time.Duration
	AllowInsecureHTTP  bool
	Logger             zerolog.Logger
	Now                func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Schedule creates one delivery per active subscribed endpoint and enqueues it.
// Existing deliveries for the same endpoint and event are left untouched.
func (d *Dispatcher) Schedule(ctx context.Context, event events.Event) error {
	if d == nil || !d.Enabled || d.Store == nil {
		return nil
	}
	if event.Topic == "" {
		return nil
	}
	endpoints, err := d.Store.ListActiveEndpointsForTopic(ctx, event.Topic)
	if err != nil {
		return err
	}
	maxAttempt := d.DefaultMaxAttempts
	if maxAttempt <= 0 {
		maxAttempt = 6
	}
	var joined error
	for _, ep := range endpoints {
		del, err := d.Store.CreateDelivery(ctx, ep.ID, event.ID, maxAttempt)
		if err != nil {
			if db.IsUniqueViolation(err) {
				continue
			}
			joined = errors.Join(joined, fmt.Errorf("create delivery for %s: %w", ep.ID, err))
			continue
		}
		if d.Queue != nil {
			if err := d.Queue.Enqueue(ctx, del.ID, 0); err != nil {
				// the sweeper picks up deliveries whose task was never enqueued
				d.Logger.Warn().Err(err).Str("delivery_id", del.ID.String()).Msg("enqueue webhook delivery")
			}
		}
	}
	return joined
}

// DeliverByID performs one delivery attempt. Failed attempts are re-enqueued
// with exponential backoff until MaxAttempt is reached, then marked dead.
// Returned errors are infrastructure failures only.
func (d *Dispatcher) DeliverByID(ctx context.Context, id uuid.UUID) error {
	if d == nil || d.Store == nil {
		return errors.New("notify: dispatcher not configured")
	}
	ctx, span := otel.Tracer("notify.Dispatcher").Start(ctx, "Dispatcher.DeliverByID")
	defer span.End()
	span.SetAttributes(attribute.String("webhook.delivery_id", id.String()))

	del, err := d.Store.ClaimDelivery(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotClaimable) || errors.Is(err, ErrNotFound) {
			return nil
		}
		span.RecordError(err)
		return err
	}

	start := d.now()
	res := AttemptResult{Attempt: del.Attempt + 1}
	status, body, deliverErr := d.attempt(ctx, del)
	if status > 0 {
		res.Status = &status
	}
	res.Body = body

	if deliverErr == nil && status >= 200 && status < 300 {
		d.observe("delivered", start)
		return d.Store.MarkDelivered(ctx, del.ID, res)
	}

	if deliverErr != nil {
		res.Error = deliverErr.Error()
	} else {
		res.Error = fmt.Sprintf("unexpected status %d", status)
	}
	span.SetStatus(codes.Error, res.Error)

	if res.Attempt >= del.MaxAttempt {
		d.observe("dead", start)
		if obs.WebhookDispatchDead != nil {
			obs.WebhookDispatchDead.Inc()
		}
		d.Logger.Warn().Str("delivery_id", del.ID.String()).Int("attempt", res.Attempt).Str("error", res.Error).Msg("webhook delivery dead")
		return d.Store.MarkDead(ctx, del.ID, res)
	}

	d.observe("failed", start)
	delay := d.NextDelay(del.Attempt)
	res.NextRetry = d.now().Add(delay)
	if err := d.Store.MarkFailed(ctx, del.ID, res); err != nil {
		return err
	}
	if d.Queue != nil {
		return d.Queue.Enqueue(ctx, del.ID, delay)
	}
	return nil
}

// NextDelay returns base * 2^attempt where attempt counts previous tries.
func (d *Dispatcher) NextDelay(attempt int) time.Duration {
	base := d.BackoffBaseSec
	if base <= 0 {
		base = 5
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 20 {
		attempt = 20
	}
	return time.Duration(base) * time.Second * time.Duration(1<<uint(attempt))
}

// Retry resets a delivery so it is attempted again from scratch.
func (d *Dispatcher) Retry(ctx context.Context, id uuid.UUID) (Delivery, error) {
	del, err := d.Store.ResetForRetry(ctx, id)
	if err != nil {
		return Delivery{}, err
	}
	if d.Replay != nil {
		_ = d.Replay.Release(ctx, replayKey(del.EndpointID, del.EventID))
	}
	if d.Queue != nil {
		if err := d.Queue.Enqueue(ctx, del.ID, 0); err != nil {
			return del, err
		}
	}
	return del, nil
}

func (d *Dispatcher) attempt(ctx context.Context, del Delivery) (int, string, error) {
	ep, err := d.Store.GetEndpoint(ctx, del.EndpointID)
	if err != nil {
		return 0, "", fmt.Errorf("load endpoint: %w", err)
	}
	if !ep.Active {
		return 0, "", errors.New("endpoint inactive")
	}
	if d.Events == nil {
		return 0, "", errors.New("event loader not configured")
	}
	ev, err := d.Events.GetEvent(ctx, del.EventID)
	if err != nil {
		return 0, "", fmt.Errorf("load event: %w", err)
	}

	if d.Replay != nil && d.ReplayTTL > 0 {
		key := replayKey(ep.ID, ev.ID)
		ok, err := d.Replay.Acquire(ctx, key, d.ReplayTTL)
		if err != nil {
			return 0, "", err
		}
		if !ok {
			return http.StatusOK, "replay-suppressed", nil
		}
		status, body, err := d.Deliver(ctx, ep, ev, del)
		if err != nil || status < 200 || status >= 300 {
			_ = d.Replay.Release(ctx, key)
		}
		return status, body, err
	}
	return d.Deliver(ctx, ep, ev, del)
}

// Deliver sends the signed event payload to the endpoint and returns the response.
func (d *Dispatcher) Deliver(ctx context.Context, ep Endpoint, ev events.Event, del Delivery) (int, string, error) {
	client := d.Client
	if client == nil {
		client = defaultClient
	}
	ctx, span := otel.Tracer("notify.Dispatcher").Start(ctx, "Dispatcher.deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.endpoint_id", ep.ID.String()),
		attribute.String("webhook.delivery_id", del.ID.String()),
		attribute.String("webhook.topic", ev.Topic),
	)
	if err := ValidateURL(ep.URL, d.AllowInsecureHTTP); err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	data := ev.Payload
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(struct {
		EventID    string          `json:"eventId"`
		Topic      string          `json:"topic"`
		Data       json.RawMessage `json:"data"`
		OccurredAt time.Time       `json:"occurredAt"`
	}{
		EventID:    ev.ID.String(),
		Topic:      ev.Topic,
		Data:       data,
		OccurredAt: ev.OccurredAt,
	})
	if err != nil {
		return 0, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	ts := d.now().Unix()
	eventID := ev.ID.String()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "backend-checkout-webhooks/1.0")
	req.Header.Set("X-Event-ID", eventID)
	req.Header.Set("X-Event-Topic", ev.Topic)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	req.Header.Set("X-Idempotency-Key", del.ID.String())
	req.Header.Set("X-Signature", ComputeSignature(ep.Secret, ts, eventID, body))

	resp, err := client.Do(req)
	if err != nil {
		span.RecordError(err)
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(respBody), nil
}

func (d *Dispatcher) observe(result string, start time.Time) {
	obs.Inc(obs.WebhookDeliveriesTotal, result)
	if obs.WebhookAttemptLatency != nil {
		obs.WebhookAttemptLatency.WithLabelValues(result).Observe(obs.DurationMillis(time.Since(start)))
	}
}

// ValidateURL requires https, allowing plain http only for loopback hosts
// unless allowInsecure is set.
func ValidateURL(raw string, allowInsecure bool) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint url: %w", err)
	}
	if parsed.Host == "" {
		return errors.New("webhook url must include host")
	}
	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		host := parsed.Hostname()
		if allowInsecure || host == "localhost" || host == "127.0.0.1" {
			return nil
		}
		return errors.New("http webhook only allowed for localhost")
	default:
		return errors.New("webhook url must be http or https")
	}
}

// ComputeSignature calculates the webhook signature for the provided payload. The
// format is HMAC-SHA256 over "<ts>.<eventID>.<body>" using the endpoint secret.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

var defaultClient = HTTPClient(5*time.Second, false)

// HTTPClient returns an HTTP client configured for webhook delivery.
func HTTPClient(timeout time.Duration, insecureTLS bool) *http.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(transport),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
