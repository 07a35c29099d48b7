package tracking

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comparisonguide/clicktrack/internal/metrics"
	"github.com/comparisonguide/clicktrack/internal/model"
	"github.com/comparisonguide/clicktrack/internal/testutil"
)

type streamEnv struct {
	client    *redis.Client
	store     *fakeStore
	rec       *metrics.InMemoryRecorder
	publisher *Publisher
	worker    *Worker
}

func newStreamEnv(t *testing.T) *streamEnv {
	t.Helper()
	_, client := testutil.NewMiniRedis(t)
	store := newFakeStore()
	rec := metrics.NewInMemory()

	w := NewWorker(client, NewExecutor(store, discardLogger(), rec), discardLogger(), "test-consumer", rec)
	w.SetBlockTimeout(20 * time.Millisecond)
	w.SetRetryBase(time.Millisecond)
	require.NoError(t, w.ensureConsumerGroup(context.Background()))

	return &streamEnv{
		client:    client,
		store:     store,
		rec:       rec,
		publisher: NewPublisher(client, discardLogger(), rec),
		worker:    w,
	}
}

func (e *streamEnv) pending(t *testing.T) int64 {
	t.Helper()
	p, err := e.client.XPending(context.Background(), StreamKey, ConsumerGroup).Result()
	require.NoError(t, err)
	return p.Count
}

func TestWorker_AppliesTasksInStreamOrder(t *testing.T) {
	ctx := context.Background()
	env := newStreamEnv(t)

	_, err := env.publisher.Publish(ctx, NewCreateTask(newClick("STREAM1")))
	require.NoError(t, err)
	_, err = env.publisher.Publish(ctx, NewUpdateTask("STREAM1", forwardUpdate("https://p.example/go?sub=STREAM1")))
	require.NoError(t, err)

	require.NoError(t, env.worker.processOnce(ctx))

	c, ok := env.store.get("STREAM1")
	require.True(t, ok)
	assert.Equal(t, model.ClickStatusForwarded, c.Status)
	require.NotNil(t, c.ProviderURL)
	assert.Equal(t, "https://p.example/go?sub=STREAM1", *c.ProviderURL)

	assert.Equal(t, int64(0), env.pending(t))
	assert.Equal(t, uint64(2), env.rec.Snapshot().TrackingTasksProcessed)
	assert.Equal(t, uint64(1), env.rec.Snapshot().TrackingBatches)
}

func TestWorker_DeadLettersPoisonMessages(t *testing.T) {
	ctx := context.Background()
	env := newStreamEnv(t)

	add := func(values map[string]interface{}) {
		require.NoError(t, env.client.XAdd(ctx, &redis.XAddArgs{Stream: StreamKey, Values: values}).Err())
	}
	add(map[string]interface{}{"other": "x"})
	add(map[string]interface{}{"payload": "{not json"})
	add(map[string]interface{}{"payload": `{"kind":"update","clickId":"BAD1"}`})

	require.NoError(t, env.worker.processOnce(ctx))

	dlq, err := env.client.XRange(ctx, DeadLetterStreamKey, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dlq, 3)
	assert.Equal(t, "invalid_format", dlq[0].Values["reason"])
	assert.Equal(t, "unmarshal_error", dlq[1].Values["reason"])
	assert.Equal(t, "validation_error", dlq[2].Values["reason"])
	assert.Equal(t, StreamKey, dlq[2].Values["original_stream"])

	assert.Equal(t, int64(0), env.pending(t), "poison messages are acknowledged")
	assert.Equal(t, uint64(3), env.rec.Snapshot().TrackingTasksFailed)
}

func TestWorker_LeavesExhaustedTaskPending(t *testing.T) {
	ctx := context.Background()
	env := newStreamEnv(t)
	env.store.failN = DefaultMaxRetries

	_, err := env.publisher.Publish(ctx, NewCreateTask(newClick("FAIL1")))
	require.NoError(t, err)
	_, err = env.publisher.Publish(ctx, NewCreateTask(newClick("OK1")))
	require.NoError(t, err)

	err = env.worker.processOnce(ctx)
	require.Error(t, err)

	_, ok := env.store.get("FAIL1")
	assert.False(t, ok)
	_, ok = env.store.get("OK1")
	assert.True(t, ok, "later messages in the batch still apply")

	assert.Equal(t, int64(1), env.pending(t))
	assert.Equal(t, uint64(1), env.rec.Snapshot().TrackingTasksFailed)
}

func TestWorker_ClaimsIdlePendingMessages(t *testing.T) {
	ctx := context.Background()
	env := newStreamEnv(t)

	_, err := env.publisher.Publish(ctx, NewCreateTask(newClick("ORPHAN1")))
	require.NoError(t, err)

	// Another consumer reads the message and dies before acknowledging it.
	_, err = env.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: "dead-consumer",
		Streams:  []string{StreamKey, ">"},
		Count:    10,
	}).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), env.pending(t))

	env.worker.SetClaimIdle(time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, env.worker.processOnce(ctx))

	_, ok := env.store.get("ORPHAN1")
	assert.True(t, ok)
	assert.Equal(t, int64(0), env.pending(t))
}

// stalledStore blocks until the caller's deadline, like a pool acquire
// when every connection is busy.
type stalledStore struct {
	calls atomic.Int32
}

func (s *stalledStore) Create(ctx context.Context, _ *model.Click) (*model.Click, error) {
	s.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *stalledStore) Update(ctx context.Context, _ string, _ model.ClickUpdate) (*model.Click, error) {
	s.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWorker_BoundsEachAttempt(t *testing.T) {
	ctx := context.Background()
	env := newStreamEnv(t)
	store := &stalledStore{}
	env.worker.exec = NewExecutor(store, discardLogger(), env.rec)
	env.worker.SetTaskTimeout(50 * time.Millisecond)

	_, err := env.publisher.Publish(ctx, NewCreateTask(newClick("STALL1")))
	require.NoError(t, err)

	start := time.Now()
	err = env.worker.processOnce(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, int32(DefaultMaxRetries), store.calls.Load())
	assert.Equal(t, int64(1), env.pending(t), "timed out task stays pending")
	assert.Equal(t, uint64(1), env.rec.Snapshot().TrackingTasksFailed)
}

func TestWorker_DefersUpdateThatArrivesBeforeCreate(t *testing.T) {
	ctx := context.Background()
	env := newStreamEnv(t)
	env.worker.exec.SetMissingClickGrace(time.Minute)

	_, err := env.publisher.Publish(ctx, NewUpdateTask("EARLY1", forwardUpdate("https://p.example/go?sub=EARLY1")))
	require.NoError(t, err)
	_, err = env.publisher.Publish(ctx, NewCreateTask(newClick("EARLY1")))
	require.NoError(t, err)

	require.NoError(t, env.worker.processOnce(ctx))

	c, ok := env.store.get("EARLY1")
	require.True(t, ok)
	assert.Equal(t, model.ClickStatusReceived, c.Status)
	assert.Equal(t, int64(1), env.pending(t), "update waits for the claim pass")

	env.worker.SetClaimInterval(time.Millisecond)
	env.worker.SetClaimIdle(time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, env.worker.processOnce(ctx))

	c, ok = env.store.get("EARLY1")
	require.True(t, ok)
	assert.Equal(t, model.ClickStatusForwarded, c.Status)
	assert.Equal(t, int64(0), env.pending(t))
	assert.Zero(t, env.rec.Snapshot().TrackingTasksSkipped)
}

func TestWorker_RunAndShutdown(t *testing.T) {
	env := newStreamEnv(t)

	errCh := make(chan error, 1)
	go func() { errCh <- env.worker.Run(context.Background()) }()

	env.publisher.Dispatch(NewCreateTask(newClick("LIVE1")))
	require.NoError(t, env.publisher.Shutdown(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := env.store.get("LIVE1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, env.worker.Shutdown(context.Background()))
	assert.NoError(t, <-errCh)

	assert.Error(t, env.worker.Run(context.Background()), "a worker runs once")
}

func TestPublisher_DropsWhenRedisUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(func() { _ = client.Close() })

	rec := metrics.NewInMemory()
	p := NewPublisher(client, discardLogger(), rec)

	start := time.Now()
	p.Dispatch(NewCreateTask(newClick("LOST1")))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "dispatch must not wait on redis")

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, uint64(1), rec.Snapshot().TrackingTasksDropped)
}

func TestNewConsumerID_Unique(t *testing.T) {
	a, b := NewConsumerID(), NewConsumerID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
