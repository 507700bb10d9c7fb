package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-checkout/internal/lock"
)

// Task type names registered on the worker mux.
const (
	TaskDeliverWebhook  = "webhook:deliver"
	TaskSweepDeliveries = "webhook:sweep"
)

// DefaultQueue is the asynq queue used for webhook tasks.
const DefaultQueue = "webhooks"

type deliverPayload struct {
	DeliveryID uuid.UUID `json:"deliveryId"`
}

// NewDeliverTask builds the asynq task for one delivery.
func NewDeliverTask(deliveryID uuid.UUID) (*asynq.Task, error) {
	payload, err := json.Marshal(deliverPayload{DeliveryID: deliveryID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDeliverWebhook, payload), nil
}

// NewSweepTask builds the periodic sweep task.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TaskSweepDeliveries, nil)
}

// TaskClient is the subset of *asynq.Client used for enqueueing.
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqEnqueuer enqueues deliveries as asynq tasks.
type AsynqEnqueuer struct {
	Client TaskClient
	Queue  string
}

// Enqueue schedules delivery processing after delay. Retries are driven by the
// dispatcher's own backoff, so asynq retries are disabled.
func (e AsynqEnqueuer) Enqueue(ctx context.Context, deliveryID uuid.UUID, delay time.Duration) error {
	if e.Client == nil {
		return errors.New("notify: task client not configured")
	}
	task, err := NewDeliverTask(deliveryID)
	if err != nil {
		return err
	}
	queue := e.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	opts := []asynq.Option{asynq.Queue(queue), asynq.MaxRetry(0)}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	_, err = e.Client.EnqueueContext(ctx, task, opts...)
	return err
}

// DeliveryWorker processes webhook delivery tasks under a per-delivery lock.
type DeliveryWorker struct {
	Dispatcher *Dispatcher
	Locker     lock.Locker
	LockTTL    time.Duration
	Logger     zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (w DeliveryWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p deliverPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.DeliveryID == uuid.Nil {
		return fmt.Errorf("missing delivery id: %w", asynq.SkipRetry)
	}
	err := w.Locker.TryLock(ctx, "delivery:"+p.DeliveryID.String(), w.LockTTL, func(ctx context.Context) error {
		return w.Dispatcher.DeliverByID(ctx, p.DeliveryID)
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		w.Logger.Debug().Str("delivery_id", p.DeliveryID.String()).Msg("delivery locked by another worker")
		return nil
	}
	if err != nil {
		w.Logger.Error().Err(err).Str("delivery_id", p.DeliveryID.String()).Msg("webhook delivery failed")
	}
	return err
}

// SweepWorker re-enqueues due deliveries whose tasks were lost.
type SweepWorker struct {
	Store     Store
	Queue     Enqueuer
	OlderThan time.Duration
	Batch     int
	Logger    zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (w SweepWorker) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	olderThan := w.OlderThan
	if olderThan <= 0 {
		olderThan = time.Minute
	}
	batch := w.Batch
	if batch <= 0 {
		batch = 100
	}
	ids, err := w.Store.StaleDeliveries(ctx, olderThan, batch)
	if err != nil {
		return err
	}
	var joined error
	for _, id := range ids {
		if err := w.Queue.Enqueue(ctx, id, 0); err != nil {
			joined = errors.Join(joined, err)
		}
	}
	if len(ids) > 0 {
		w.Logger.Info().Int("count", len(ids)).Msg("re-enqueued stale webhook deliveries")
	}
	return joined
}
