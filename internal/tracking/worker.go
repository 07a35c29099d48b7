package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/comparisonguide/clicktrack/internal/metrics"
)

const (
	// ConsumerGroup is the Redis consumer group name.
	ConsumerGroup = "click_task_workers"

	// DefaultBatchSize is the max messages per read.
	DefaultBatchSize = 100

	// DefaultBlockTimeout is how long to block waiting for messages.
	DefaultBlockTimeout = 5 * time.Second

	// DefaultMaxRetries is the max attempts for a retryable task.
	DefaultMaxRetries = 3

	// DefaultRetryBase scales the exponential retry backoff.
	DefaultRetryBase = time.Second

	// DefaultClaimInterval is how often to scan pending messages.
	DefaultClaimInterval = 10 * time.Second

	// DefaultClaimIdle is the idle time before reclaiming pending messages.
	DefaultClaimIdle = 30 * time.Second

	// DefaultMetricsInterval is how often to refresh queue depth metrics.
	DefaultMetricsInterval = 5 * time.Second

	deadLetterMaxLen = 10000
)

// NewConsumerID returns a consumer name unique to this process.
func NewConsumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "clicktrack"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
}

// Worker applies tasks read from the click task stream.
type Worker struct {
	redis           *redis.Client
	exec            *Executor
	logger          *slog.Logger
	metrics         metrics.Recorder
	consumerID      string
	batchSize       int
	blockTimeout    time.Duration
	maxRetries      int
	retryBase       time.Duration
	taskTimeout     time.Duration
	claimInterval   time.Duration
	claimIdle       time.Duration
	metricsInterval time.Duration
	claimStartID    string
	lastClaim       time.Time
	lastMetrics     time.Time

	started  bool
	draining bool
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
}

// NewWorker creates a stream worker.
func NewWorker(client *redis.Client, exec *Executor, logger *slog.Logger, consumerID string, recorder metrics.Recorder) *Worker {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Worker{
		redis:           client,
		exec:            exec,
		logger:          logger.With("component", "tracking.worker", "consumer_id", consumerID),
		metrics:         recorder,
		consumerID:      consumerID,
		batchSize:       DefaultBatchSize,
		blockTimeout:    DefaultBlockTimeout,
		maxRetries:      DefaultMaxRetries,
		retryBase:       DefaultRetryBase,
		taskTimeout:     DefaultTaskTimeout,
		claimInterval:   DefaultClaimInterval,
		claimIdle:       DefaultClaimIdle,
		metricsInterval: DefaultMetricsInterval,
		claimStartID:    "0-0",
	}
}

// SetBatchSize overrides the default batch size.
func (w *Worker) SetBatchSize(size int) {
	if size > 0 {
		w.batchSize = size
	}
}

// SetBlockTimeout overrides the default blocking timeout.
func (w *Worker) SetBlockTimeout(timeout time.Duration) {
	if timeout > 0 {
		w.blockTimeout = timeout
	}
}

// SetRetryBase overrides the backoff unit between retries.
func (w *Worker) SetRetryBase(base time.Duration) {
	if base > 0 {
		w.retryBase = base
	}
}

// SetTaskTimeout bounds each attempt at applying a task.
func (w *Worker) SetTaskTimeout(timeout time.Duration) {
	if timeout > 0 {
		w.taskTimeout = timeout
	}
}

// SetClaimInterval overrides the default pending-claim interval.
func (w *Worker) SetClaimInterval(interval time.Duration) {
	if interval > 0 {
		w.claimInterval = interval
	}
}

// SetClaimIdle overrides the default pending idle threshold.
func (w *Worker) SetClaimIdle(idle time.Duration) {
	if idle > 0 {
		w.claimIdle = idle
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled or Shutdown is
// called.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("worker already started")
	}
	w.started = true
	w.done = make(chan struct{})
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	defer close(w.done)

	if err := w.ensureConsumerGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	w.logger.Info("tracking worker started")

	for {
		if w.isDraining() {
			w.logger.Info("tracking worker draining, stopping")
			return nil
		}

		select {
		case <-ctx.Done():
			w.logger.Info("tracking worker stopping")
			if w.isDraining() {
				return nil
			}
			return ctx.Err()
		default:
			if err := w.processOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				w.logger.Error("process error", "error", err)
				sleep(ctx, time.Second)
			}
		}
	}
}

func (w *Worker) isDraining() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draining
}

// Shutdown stops the worker after the message it is applying.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.draining = true
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	w.logger.Info("tracking worker shutdown initiated")
	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
		w.logger.Info("tracking worker shutdown complete")
		return nil
	case <-ctx.Done():
		w.logger.Warn("tracking worker shutdown timed out")
		return ctx.Err()
	}
}

func (w *Worker) ensureConsumerGroup(ctx context.Context) error {
	err := w.redis.XGroupCreateMkStream(ctx, StreamKey, ConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// processOnce reads one batch and applies it in stream order. Messages that
// are applied, skipped, or dead-lettered are acknowledged. A message that
// still fails after retries, or an update whose click is not stored yet,
// stays pending for a later claim.
func (w *Worker) processOnce(ctx context.Context) error {
	w.maybeUpdateQueueDepth(ctx)

	claimed, err := w.maybeClaimPending(ctx)
	if err != nil {
		w.logger.Warn("failed to claim pending messages", "error", err)
	}

	messages := claimed
	if len(messages) == 0 {
		messages, err = w.readBatch(ctx)
		if err != nil {
			return err
		}
	}
	if len(messages) == 0 {
		return nil
	}

	w.metrics.ObserveTrackingBatchSize(len(messages))

	acked := make([]string, 0, len(messages))
	var failed error
	for _, msg := range messages {
		task, ok := w.decode(ctx, msg)
		if !ok {
			acked = append(acked, msg.ID)
			continue
		}

		err := w.applyWithRetry(ctx, task)
		switch {
		case err == nil:
			acked = append(acked, msg.ID)
		case errors.Is(err, context.Canceled):
			failed = err
		case errors.Is(err, ErrClickPending):
			// Left pending; the claim pass retries it once it has idled.
			w.logger.Info("update deferred until its click is stored",
				"message_id", msg.ID,
				"click_id", task.ClickID,
			)
		case !IsRetryable(err):
			w.deadLetter(ctx, msg, "apply_error", err.Error())
			acked = append(acked, msg.ID)
		default:
			w.logger.Error("tracking task failed after retries",
				"message_id", msg.ID,
				"click_id", task.ClickID,
				"error", err,
			)
			w.metrics.IncTrackingTaskProcessed("failed")
			failed = err
		}
		if errors.Is(failed, context.Canceled) {
			break
		}
	}

	// Ack what was applied even when the loop stopped on cancellation.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := w.ackMessages(ackCtx, acked); err != nil {
		return err
	}
	return failed
}

func (w *Worker) decode(ctx context.Context, msg redis.XMessage) (Task, bool) {
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		w.deadLetter(ctx, msg, "invalid_format", "payload field missing or not a string")
		return Task{}, false
	}

	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		w.deadLetter(ctx, msg, "unmarshal_error", err.Error())
		return Task{}, false
	}
	if err := ValidateTask(task); err != nil {
		w.deadLetter(ctx, msg, "validation_error", err.Error())
		return Task{}, false
	}
	return task, true
}

func (w *Worker) applyWithRetry(ctx context.Context, task Task) error {
	var err error
	for attempt := 1; attempt <= w.maxRetries; attempt++ {
		taskCtx, cancel := context.WithTimeout(ctx, w.taskTimeout)
		err = w.exec.Execute(taskCtx, task)
		cancel()

		if err == nil || !IsRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == w.maxRetries {
			break
		}

		backoff := w.retryBase * time.Duration(1<<attempt)
		w.logger.Warn("tracking task failed, retrying",
			"click_id", task.ClickID,
			"attempt", attempt,
			"backoff_seconds", backoff.Seconds(),
			"error", err,
		)
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
	}
	return err
}

func (w *Worker) maybeClaimPending(ctx context.Context) ([]redis.XMessage, error) {
	if !w.lastClaim.IsZero() && time.Since(w.lastClaim) < w.claimInterval {
		return nil, nil
	}
	w.lastClaim = time.Now()

	messages, start, err := w.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   StreamKey,
		Group:    ConsumerGroup,
		Consumer: w.consumerID,
		MinIdle:  w.claimIdle,
		Start:    w.claimStartID,
		Count:    int64(w.batchSize),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	if start != "" {
		w.claimStartID = start
	}
	return messages, nil
}

func (w *Worker) maybeUpdateQueueDepth(ctx context.Context) {
	if !w.lastMetrics.IsZero() && time.Since(w.lastMetrics) < w.metricsInterval {
		return
	}
	w.lastMetrics = time.Now()

	groups, err := w.redis.XInfoGroups(ctx, StreamKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		w.logger.Warn("failed to read stream group info", "error", err)
		return
	}
	for _, group := range groups {
		if group.Name == ConsumerGroup {
			w.metrics.SetTrackingQueueDepth(group.Pending + group.Lag)
			return
		}
	}
}

func (w *Worker) readBatch(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := w.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: w.consumerID,
		Streams:  []string{StreamKey, ">"},
		Count:    int64(w.batchSize),
		Block:    w.blockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return streams[0].Messages, nil
}

func (w *Worker) deadLetter(ctx context.Context, msg redis.XMessage, reason, detail string) {
	w.logger.Warn("dead-lettering poison message",
		"message_id", msg.ID,
		"reason", reason,
		"detail", detail,
	)

	err := w.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStreamKey,
		MaxLen: deadLetterMaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"original_id":      msg.ID,
			"original_stream":  StreamKey,
			"reason":           reason,
			"detail":           detail,
			"payload":          fmt.Sprint(msg.Values["payload"]),
			"dead_lettered_at": time.Now().UTC().Format(time.RFC3339),
		},
	}).Err()
	if err != nil {
		w.logger.Error("failed to write to dead-letter stream",
			"message_id", msg.ID,
			"error", err,
		)
	}

	w.metrics.IncTrackingTaskProcessed("failed")
}

func (w *Worker) ackMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := w.redis.XAck(ctx, StreamKey, ConsumerGroup, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
