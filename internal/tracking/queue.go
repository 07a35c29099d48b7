package tracking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/comparisonguide/clicktrack/internal/metrics"
)

// Queue defaults.
const (
	DefaultWorkers     = 4
	DefaultQueueSize   = 1024
	DefaultTaskTimeout = 5 * time.Second
	DefaultMaxAttempts = 3

	retryBackoff = 100 * time.Millisecond
)

// QueueConfig configures a Queue.
type QueueConfig struct {
	Workers     int
	Size        int // total capacity across all workers
	TaskTimeout time.Duration
	MaxAttempts int
}

// Queue is an in-process Dispatcher backed by bounded channels. Tasks for
// the same click always land on the same worker, so a click's create is
// applied before its updates.
type Queue struct {
	exec        *Executor
	shards      []chan Task
	taskTimeout time.Duration
	maxAttempts int
	logger      *slog.Logger
	metrics     metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewQueue creates a Queue and starts its workers.
func NewQueue(exec *Executor, cfg QueueConfig, logger *slog.Logger, recorder metrics.Recorder) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultQueueSize
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}

	perShard := cfg.Size / cfg.Workers
	if perShard < 1 {
		perShard = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		exec:        exec,
		shards:      make([]chan Task, cfg.Workers),
		taskTimeout: cfg.TaskTimeout,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger.With("component", "tracking.queue"),
		metrics:     recorder,
		ctx:         ctx,
		cancel:      cancel,
	}

	for i := range q.shards {
		q.shards[i] = make(chan Task, perShard)
		q.wg.Add(1)
		go q.work(q.shards[i])
	}

	q.logger.Info("tracking queue started", "workers", cfg.Workers, "capacity", perShard*cfg.Workers)
	return q
}

// Dispatch enqueues task. A full or closed queue drops the task.
func (q *Queue) Dispatch(task Task) {
	if err := q.TryDispatch(task); err != nil {
		q.logger.Warn("tracking task dropped",
			"kind", task.Kind,
			"click_id", task.ClickID,
			"error", err,
		)
		q.metrics.IncTrackingTaskDispatched("dropped")
		return
	}
	q.metrics.IncTrackingTaskDispatched("success")
}

// TryDispatch enqueues task or returns why it could not.
func (q *Queue) TryDispatch(task Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.shardFor(task.ClickID) <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Depth returns the number of tasks waiting across all workers.
func (q *Queue) Depth() int64 {
	var n int64
	for _, ch := range q.shards {
		n += int64(len(ch))
	}
	return n
}

// Shutdown stops accepting tasks and waits for queued ones to finish. If ctx
// expires first, in-flight tasks are cancelled.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, ch := range q.shards {
		close(ch)
	}
	q.mu.Unlock()

	q.logger.Info("tracking queue draining", "pending", q.Depth())

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		q.logger.Info("tracking queue drained")
		return nil
	case <-ctx.Done():
		q.cancel()
		q.logger.Warn("tracking queue shutdown timed out", "pending", q.Depth())
		return ctx.Err()
	}
}

func (q *Queue) shardFor(clickID string) chan Task {
	return q.shards[xxhash.Sum64String(clickID)%uint64(len(q.shards))]
}

func (q *Queue) work(tasks <-chan Task) {
	defer q.wg.Done()

	for task := range tasks {
		q.metrics.SetTrackingQueueDepth(q.Depth())
		if err := q.run(task); err != nil {
			q.logger.Error("tracking task failed",
				"kind", task.Kind,
				"click_id", task.ClickID,
				"error", err,
			)
			q.metrics.IncTrackingTaskProcessed("failed")
		}
	}
}

func (q *Queue) run(task Task) error {
	var err error
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(q.ctx, q.taskTimeout)
		err = q.exec.Execute(ctx, task)
		cancel()

		if err == nil || !IsRetryable(err) || q.ctx.Err() != nil {
			return err
		}

		select {
		case <-q.ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	return err
}
