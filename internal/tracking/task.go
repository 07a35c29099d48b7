// Package tracking applies click writes off the request path.
//
// Redirect handlers never wait on the database. They hand a Task to a
// Dispatcher, which either runs it on an in-process worker pool (Queue) or
// publishes it to a Redis stream for a Worker to apply (Publisher).
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/comparisonguide/clicktrack/internal/metrics"
	"github.com/comparisonguide/clicktrack/internal/model"
	"github.com/comparisonguide/clicktrack/internal/repository"
)

// Kind names the write a Task performs.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
)

// Common errors for task dispatch.
var (
	ErrQueueFull   = errors.New("tracking queue full")
	ErrQueueClosed = errors.New("tracking queue closed")
	ErrInvalidTask = errors.New("invalid tracking task")

	// ErrClickPending means an update reached the store before the create
	// it depends on. The task is still inside its grace window.
	ErrClickPending = errors.New("click not stored yet")
)

// DefaultMissingClickGrace is how long a stream worker keeps an update whose
// click is missing before giving up on it. It must exceed the pending claim
// idle time so the update is seen again at least once.
const DefaultMissingClickGrace = 2 * time.Minute

// Task is one pending click write.
type Task struct {
	Kind       Kind               `json:"kind"`
	ClickID    string             `json:"clickId"`
	Click      *model.Click       `json:"click,omitempty"`
	Update     *model.ClickUpdate `json:"update,omitempty"`
	EnqueuedAt int64              `json:"t"` // Unix milliseconds
}

// NewCreateTask wraps a new click.
func NewCreateTask(click *model.Click) Task {
	return Task{
		Kind:       KindCreate,
		ClickID:    click.ClickID,
		Click:      click,
		EnqueuedAt: time.Now().UnixMilli(),
	}
}

// NewUpdateTask wraps a partial update to an existing click.
func NewUpdateTask(clickID string, update model.ClickUpdate) Task {
	return Task{
		Kind:       KindUpdate,
		ClickID:    clickID,
		Update:     &update,
		EnqueuedAt: time.Now().UnixMilli(),
	}
}

// Dispatcher accepts tasks without blocking the caller. Failures are logged
// and counted, never returned.
type Dispatcher interface {
	Dispatch(task Task)
}

// Store is the subset of the click repository tasks write to.
type Store interface {
	Create(ctx context.Context, click *model.Click) (*model.Click, error)
	Update(ctx context.Context, clickID string, update model.ClickUpdate) (*model.Click, error)
}

// Executor applies tasks to a Store.
type Executor struct {
	store        Store
	logger       *slog.Logger
	metrics      metrics.Recorder
	missingGrace time.Duration
	now          func() time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(store Store, logger *slog.Logger, recorder metrics.Recorder) *Executor {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Executor{
		store:   store,
		logger:  logger.With("component", "tracking.executor"),
		metrics: recorder,
		now:     time.Now,
	}
}

// SetMissingClickGrace makes updates for a missing click fail with
// ErrClickPending while they are younger than grace. Zero, the default,
// skips them at once, which is right when creates and updates for a click
// are applied in order.
func (e *Executor) SetMissingClickGrace(grace time.Duration) {
	if grace >= 0 {
		e.missingGrace = grace
	}
}

// Execute applies task. Outcomes that a retry cannot change are treated as
// done: a create for a click that already exists (redelivery), an update for
// a click that was never stored, and an update that would move the status
// backwards. Those return nil and count as skipped. Within the missing click
// grace an update for an unknown click returns ErrClickPending instead.
func (e *Executor) Execute(ctx context.Context, task Task) error {
	if err := ValidateTask(task); err != nil {
		return err
	}

	var err error
	switch task.Kind {
	case KindCreate:
		_, err = e.store.Create(ctx, task.Click)
		if errors.Is(err, repository.ErrClickExists) {
			return e.skip(task, err)
		}
	case KindUpdate:
		_, err = e.store.Update(ctx, task.ClickID, *task.Update)
		if errors.Is(err, repository.ErrClickNotFound) && e.withinGrace(task) {
			return fmt.Errorf("update click %s: %w", task.ClickID, ErrClickPending)
		}
		if errors.Is(err, repository.ErrClickNotFound) || errors.Is(err, repository.ErrInvalidTransition) {
			return e.skip(task, err)
		}
	}
	if err != nil {
		return fmt.Errorf("%s click %s: %w", task.Kind, task.ClickID, err)
	}

	e.metrics.IncTrackingTaskProcessed("success")
	return nil
}

func (e *Executor) withinGrace(task Task) bool {
	if e.missingGrace <= 0 || task.EnqueuedAt <= 0 {
		return false
	}
	age := e.now().Sub(time.UnixMilli(task.EnqueuedAt))
	return age < e.missingGrace
}

func (e *Executor) skip(task Task, reason error) error {
	e.logger.Info("tracking task skipped",
		"kind", task.Kind,
		"click_id", task.ClickID,
		"reason", reason,
	)
	e.metrics.IncTrackingTaskProcessed("skipped")
	return nil
}

// IsRetryable reports whether a failed task may succeed on a later attempt.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrInvalidTask) {
		return false
	}
	return errors.Is(err, repository.ErrPersistence) ||
		errors.Is(err, context.DeadlineExceeded)
}
