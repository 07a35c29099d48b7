package tracking

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comparisonguide/clicktrack/internal/metrics"
	"github.com/comparisonguide/clicktrack/internal/model"
	"github.com/comparisonguide/clicktrack/internal/repository"
)

// fakeStore records writes and mimics the repository's error contract.
type fakeStore struct {
	mu      sync.Mutex
	clicks  map[string]*model.Click
	ops     []string
	failN   int // fail this many calls with a persistence error
	blockCh chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{clicks: make(map[string]*model.Click)}
}

func (s *fakeStore) maybeFail(op string) error {
	if s.blockCh != nil {
		<-s.blockCh
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	if s.failN > 0 {
		s.failN--
		return fmt.Errorf("%s: %w: connection reset", op, repository.ErrPersistence)
	}
	return nil
}

func (s *fakeStore) Create(_ context.Context, click *model.Click) (*model.Click, error) {
	if err := s.maybeFail("create:" + click.ClickID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clicks[click.ClickID]; ok {
		return nil, repository.ErrClickExists
	}
	stored := *click
	stored.ApplyDefaults()
	s.clicks[click.ClickID] = &stored
	return &stored, nil
}

func (s *fakeStore) Update(_ context.Context, clickID string, update model.ClickUpdate) (*model.Click, error) {
	if err := s.maybeFail("update:" + clickID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clicks[clickID]
	if !ok {
		return nil, repository.ErrClickNotFound
	}
	if update.Status != nil {
		if !c.Status.CanTransitionTo(*update.Status) {
			return nil, repository.ErrInvalidTransition
		}
		c.Status = *update.Status
	}
	if update.ProviderURL != nil {
		c.ProviderURL = update.ProviderURL
	}
	return c, nil
}

func (s *fakeStore) get(clickID string) (*model.Click, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clicks[clickID]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

func (s *fakeStore) opCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClick(clickID string) *model.Click {
	return &model.Click{ClickID: clickID, Source: "google", ProviderID: "acme"}
}

func forwardUpdate(url string) model.ClickUpdate {
	status := model.ClickStatusForwarded
	return model.ClickUpdate{
		Status:      &status,
		ProviderURL: &url,
		Metadata:    map[string]any{"forwardedTimestamp": "2024-06-01T12:00:00Z"},
	}
}

func TestValidateTask(t *testing.T) {
	t.Parallel()

	bad := model.ClickStatus("bogus")
	at := time.Now()

	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{"create", NewCreateTask(newClick("ABC123")), false},
		{"update", NewUpdateTask("ABC123", forwardUpdate("https://p.example")), false},
		{"missing id", Task{Kind: KindCreate, Click: newClick("")}, true},
		{"malformed id", Task{Kind: KindUpdate, ClickID: "abc-123", Update: &model.ClickUpdate{Metadata: map[string]any{"a": 1}}}, true},
		{"create without click", Task{Kind: KindCreate, ClickID: "ABC123"}, true},
		{"create id mismatch", Task{Kind: KindCreate, ClickID: "ABC123", Click: newClick("XYZ")}, true},
		{"empty update", Task{Kind: KindUpdate, ClickID: "ABC123", Update: &model.ClickUpdate{}}, true},
		{"bad status", Task{Kind: KindUpdate, ClickID: "ABC123", Update: &model.ClickUpdate{Status: &bad}}, true},
		{"forwardedAt alone", Task{Kind: KindUpdate, ClickID: "ABC123", Update: &model.ClickUpdate{ForwardedAt: &at}}, true},
		{"unknown kind", Task{Kind: "delete", ClickID: "ABC123"}, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateTask(tt.task)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTask)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExecutor_SkipsOutcomesRetriesCannotChange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newFakeStore()
	rec := metrics.NewInMemory()
	exec := NewExecutor(store, discardLogger(), rec)

	require.NoError(t, exec.Execute(ctx, NewCreateTask(newClick("DUP1"))))
	require.NoError(t, exec.Execute(ctx, NewCreateTask(newClick("DUP1"))), "redelivered create is skipped")
	require.NoError(t, exec.Execute(ctx, NewUpdateTask("MISSING", forwardUpdate("https://p.example"))))

	received := model.ClickStatusReceived
	require.NoError(t, exec.Execute(ctx, NewUpdateTask("DUP1", forwardUpdate("https://p.example"))))
	require.NoError(t, exec.Execute(ctx, NewUpdateTask("DUP1", model.ClickUpdate{Status: &received})))

	snap := rec.Snapshot()
	assert.Equal(t, uint64(2), snap.TrackingTasksProcessed)
	assert.Equal(t, uint64(3), snap.TrackingTasksSkipped)
}

func TestExecutor_PersistenceErrorIsRetryable(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.failN = 1
	exec := NewExecutor(store, discardLogger(), nil)

	err := exec.Execute(context.Background(), NewCreateTask(newClick("RETRY1")))
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	err = exec.Execute(context.Background(), Task{Kind: KindCreate, ClickID: "RETRY1"})
	require.ErrorIs(t, err, ErrInvalidTask)
	assert.False(t, IsRetryable(err))
}

func TestExecutor_MissingClickGrace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := metrics.NewInMemory()
	exec := NewExecutor(newFakeStore(), discardLogger(), rec)
	exec.SetMissingClickGrace(time.Minute)

	task := NewUpdateTask("LATE1", forwardUpdate("https://p.example"))
	now := time.UnixMilli(task.EnqueuedAt)
	exec.now = func() time.Time { return now }

	err := exec.Execute(ctx, task)
	require.ErrorIs(t, err, ErrClickPending)
	assert.False(t, IsRetryable(err), "pending updates wait for a claim, not a retry")

	now = now.Add(time.Minute)
	require.NoError(t, exec.Execute(ctx, task), "past the grace the update is skipped")
	assert.Equal(t, uint64(1), rec.Snapshot().TrackingTasksSkipped)
}

func TestQueue_AppliesCreateThenUpdate(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	rec := metrics.NewInMemory()
	q := NewQueue(NewExecutor(store, discardLogger(), rec), QueueConfig{Workers: 4, Size: 64}, discardLogger(), rec)

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("CLICK%02d", i)
		q.Dispatch(NewCreateTask(newClick(id)))
		q.Dispatch(NewUpdateTask(id, forwardUpdate("https://p.example/"+id)))
	}

	require.NoError(t, q.Shutdown(context.Background()))

	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("CLICK%02d", i)
		c, ok := store.get(id)
		require.True(t, ok, id)
		assert.Equal(t, model.ClickStatusForwarded, c.Status, id)
	}

	snap := rec.Snapshot()
	assert.Equal(t, uint64(40), snap.TrackingTasksDispatched)
	assert.Equal(t, uint64(40), snap.TrackingTasksProcessed)
}

func TestQueue_FullQueueDropsWithoutBlocking(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.blockCh = make(chan struct{})
	rec := metrics.NewInMemory()
	q := NewQueue(NewExecutor(store, discardLogger(), rec), QueueConfig{Workers: 1, Size: 2}, discardLogger(), rec)

	// The worker takes the first task and blocks on the store; two more
	// fill the buffer.
	q.Dispatch(NewCreateTask(newClick("FULL0")))
	require.Eventually(t, func() bool { return q.Depth() == 0 }, time.Second, time.Millisecond)
	q.Dispatch(NewCreateTask(newClick("FULL1")))
	q.Dispatch(NewCreateTask(newClick("FULL2")))

	done := make(chan error, 1)
	go func() { done <- q.TryDispatch(NewCreateTask(newClick("FULL3"))) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on a full queue")
	}

	q.Dispatch(NewCreateTask(newClick("FULL4")))
	assert.Equal(t, uint64(1), rec.Snapshot().TrackingTasksDropped)

	close(store.blockCh)
	require.NoError(t, q.Shutdown(context.Background()))

	_, ok := store.get("FULL3")
	assert.False(t, ok)
	_, ok = store.get("FULL2")
	assert.True(t, ok)
}

func TestQueue_RetriesPersistenceFailures(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.failN = 2
	q := NewQueue(NewExecutor(store, discardLogger(), nil), QueueConfig{Workers: 1, MaxAttempts: 3}, discardLogger(), nil)

	q.Dispatch(NewCreateTask(newClick("FLAKY1")))
	require.NoError(t, q.Shutdown(context.Background()))

	_, ok := store.get("FLAKY1")
	assert.True(t, ok)
	assert.Equal(t, 3, store.opCount())
}

func TestQueue_ClosedQueueRejects(t *testing.T) {
	t.Parallel()
	q := NewQueue(NewExecutor(newFakeStore(), discardLogger(), nil), QueueConfig{}, discardLogger(), nil)
	require.NoError(t, q.Shutdown(context.Background()))
	require.NoError(t, q.Shutdown(context.Background()))

	assert.ErrorIs(t, q.TryDispatch(NewCreateTask(newClick("LATE1"))), ErrQueueClosed)
}

func TestQueue_ShutdownTimesOut(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	store.blockCh = make(chan struct{})
	q := NewQueue(NewExecutor(store, discardLogger(), nil), QueueConfig{Workers: 1}, discardLogger(), nil)
	q.Dispatch(NewCreateTask(newClick("STUCK1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Shutdown(ctx), context.DeadlineExceeded)

	close(store.blockCh)
}
