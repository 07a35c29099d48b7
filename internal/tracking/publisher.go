package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/comparisonguide/clicktrack/internal/metrics"
)

const (
	// StreamKey is the Redis stream for click tasks.
	StreamKey = "stream:click_tasks"

	// DeadLetterStreamKey is the Redis stream for poison messages.
	DeadLetterStreamKey = "stream:click_tasks:dlq"

	// MaxStreamLen is the approximate max length of the stream.
	MaxStreamLen = 100000

	// PublishTimeout is the max time to wait for Redis publish.
	PublishTimeout = 100 * time.Millisecond
)

// Publisher is a Dispatcher that appends tasks to a Redis stream.
type Publisher struct {
	redis   *redis.Client
	logger  *slog.Logger
	metrics metrics.Recorder
	wg      sync.WaitGroup
}

// NewPublisher creates a stream publisher.
func NewPublisher(client *redis.Client, logger *slog.Logger, recorder metrics.Recorder) *Publisher {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Publisher{
		redis:   client,
		logger:  logger.With("component", "tracking.publisher"),
		metrics: recorder,
	}
}

// Publish adds a task to the stream synchronously.
func (p *Publisher) Publish(ctx context.Context, task Task) (string, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	id, err := p.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		MaxLen: MaxStreamLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"payload": string(data),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// Dispatch publishes task in the background.
func (p *Publisher) Dispatch(task Task) {
	p.PublishAsync(task)
}

// PublishAsync publishes without blocking the caller.
// Errors are logged but not returned.
func (p *Publisher) PublishAsync(task Task) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), PublishTimeout)
		defer cancel()

		streamID, err := p.Publish(ctx, task)
		if err != nil {
			p.logger.Warn("failed to publish tracking task",
				"kind", task.Kind,
				"click_id", task.ClickID,
				"error", err,
			)
			p.metrics.IncTrackingTaskDispatched("dropped")
			return
		}

		p.logger.Debug("tracking task published",
			"kind", task.Kind,
			"click_id", task.ClickID,
			"stream_id", streamID,
		)
		p.metrics.IncTrackingTaskDispatched("success")
	}()
}

// Shutdown waits for in-flight publishes.
func (p *Publisher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
