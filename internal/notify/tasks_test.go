package notify_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-checkout/internal/lock"
	"github.com/noah-isme/backend-checkout/internal/notify"
)

type fakeTaskClient struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
}

func (c *fakeTaskClient) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	c.tasks = append(c.tasks, task)
	c.opts = append(c.opts, opts)
	return &asynq.TaskInfo{ID: uuid.NewString(), Type: task.Type()}, nil
}

func TestAsynqEnqueuerBuildsDeliverTask(t *testing.T) {
	client := &fakeTaskClient{}
	enq := notify.AsynqEnqueuer{Client: client}
	id := uuid.New()

	require.NoError(t, enq.Enqueue(context.Background(), id, 10*time.Second))
	require.Len(t, client.tasks, 1)
	require.Equal(t, notify.TaskDeliverWebhook, client.tasks[0].Type())

	var payload map[string]string
	require.NoError(t, json.Unmarshal(client.tasks[0].Payload(), &payload))
	require.Equal(t, id.String(), payload["deliveryId"])
	require.Len(t, client.opts[0], 3)

	require.NoError(t, enq.Enqueue(context.Background(), id, 0))
	require.Len(t, client.opts[1], 2)
}

func TestDeliveryWorkerProcessesTask(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newFixture(t)
	require.NoError(t, f.disp.Schedule(context.Background(), f.event))
	del := f.onlyDelivery(t)

	worker := notify.DeliveryWorker{
		Dispatcher: f.disp,
		Locker:     lock.Locker{R: rdb, Prefix: "lock:"},
		LockTTL:    time.Second,
	}
	task, err := notify.NewDeliverTask(del.ID)
	require.NoError(t, err)
	require.NoError(t, worker.ProcessTask(context.Background(), task))

	got, _ := f.store.GetDelivery(context.Background(), del.ID)
	require.Equal(t, notify.StatusDelivered, got.Status)
	require.Empty(t, mr.Keys())
}

func TestDeliveryWorkerSkipsLockedDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newFixture(t)
	require.NoError(t, f.disp.Schedule(context.Background(), f.event))
	del := f.onlyDelivery(t)
	require.NoError(t, mr.Set("lock:delivery:"+del.ID.String(), "someone-else"))

	worker := notify.DeliveryWorker{Dispatcher: f.disp, Locker: lock.Locker{R: rdb, Prefix: "lock:"}}
	task, err := notify.NewDeliverTask(del.ID)
	require.NoError(t, err)
	require.NoError(t, worker.ProcessTask(context.Background(), task))
	require.Zero(t, f.hits.Load())
}

func TestDeliveryWorkerRejectsBadPayload(t *testing.T) {
	worker := notify.DeliveryWorker{}
	err := worker.ProcessTask(context.Background(), asynq.NewTask(notify.TaskDeliverWebhook, []byte("nope")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestSweepWorkerReenqueuesStale(t *testing.T) {
	store := newMemStore()
	store.stale = []uuid.UUID{uuid.New(), uuid.New()}
	queue := &recordingQueue{}
	w := notify.SweepWorker{Store: store, Queue: queue}
	require.NoError(t, w.ProcessTask(context.Background(), notify.NewSweepTask()))
	require.Len(t, queue.calls, 2)
}
