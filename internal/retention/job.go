// Package retention deletes clicks older than the configured retention window.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the time between purges.
const DefaultInterval = 24 * time.Hour

// Purger deletes clicks created more than days ago.
type Purger interface {
	DeleteOlderThan(ctx context.Context, days int) (int64, error)
}

// Job periodically purges old clicks.
type Job struct {
	purger   Purger
	days     int
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewJob creates a Job keeping days of clicks.
func NewJob(purger Purger, days int, interval time.Duration, logger *slog.Logger) *Job {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Job{
		purger:   purger,
		days:     days,
		interval: interval,
		logger:   logger.With("component", "retention"),
	}
}

// RunOnce purges once and returns the number of deleted clicks.
func (j *Job) RunOnce(ctx context.Context) (int64, error) {
	if j.days <= 0 {
		return 0, errors.New("retention days must be positive")
	}
	start := time.Now()
	deleted, err := j.purger.DeleteOlderThan(ctx, j.days)
	if err != nil {
		return 0, fmt.Errorf("purge clicks older than %d days: %w", j.days, err)
	}
	j.logger.Info("purged old clicks",
		"deleted", deleted,
		"retention_days", j.days,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return deleted, nil
}

// Start purges once and then every interval in the background until
// Shutdown. A job may only be started once.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return errors.New("retention job already started")
	}
	j.started = true

	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})

	go j.run(ctx)
	return nil
}

func (j *Job) run(ctx context.Context) {
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		if _, err := j.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			j.logger.Error("retention purge failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Shutdown stops the background loop and waits for an in-flight purge.
func (j *Job) Shutdown(ctx context.Context) error {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
