// Package service provides business logic for the application.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/comparisonguide/clicktrack/internal/clickid"
	"github.com/comparisonguide/clicktrack/internal/metrics"
	"github.com/comparisonguide/clicktrack/internal/model"
	"github.com/comparisonguide/clicktrack/internal/repository"
	"github.com/comparisonguide/clicktrack/internal/tracking"
)

// ErrValidation marks input rejected before it reaches the store.
var ErrValidation = errors.New("validation failed")

var validate = validator.New()

// ClickStore is the click persistence the service depends on.
type ClickStore interface {
	Create(ctx context.Context, click *model.Click) (*model.Click, error)
	Get(ctx context.Context, clickID string) (*model.Click, error)
	Update(ctx context.Context, clickID string, update model.ClickUpdate) (*model.Click, error)
	List(ctx context.Context, filter repository.ClickFilter, opts repository.ListOptions) ([]*model.Click, error)
	Recent(ctx context.Context, window time.Duration, limit int) ([]*model.Click, error)
	Stats(ctx context.Context, timeframe, providerID string) (*model.ClickStats, error)
}

// ProviderResolver looks up an affiliate provider by slug.
type ProviderResolver interface {
	ResolveProvider(ctx context.Context, slug string) (*model.Provider, error)
}

// ClickService runs the redirect pipeline and the click API.
type ClickService struct {
	store      ClickStore
	providers  ProviderResolver
	dispatcher tracking.Dispatcher
	ids        *clickid.Generator
	baseURL    string
	metrics    metrics.Recorder
	logger     *slog.Logger
	now        func() time.Time
}

// NewClickService creates a new ClickService.
func NewClickService(
	store ClickStore,
	providers ProviderResolver,
	dispatcher tracking.Dispatcher,
	baseURL string,
	logger *slog.Logger,
	recorder metrics.Recorder,
) *ClickService {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &ClickService{
		store:      store,
		providers:  providers,
		dispatcher: dispatcher,
		ids:        clickid.NewGenerator(),
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		metrics:    recorder,
		logger:     logger.With("component", "click_service"),
		now:        time.Now,
	}
}

// CreateClickInput defines input for recording a click directly.
type CreateClickInput struct {
	ClickID     string         `validate:"required,max=64,alphanum"`
	Source      string         `validate:"max=255"`
	ProviderID  string         `validate:"max=255"`
	Status      string         `validate:"omitempty,oneof=received intermediate forwarded failed"`
	IPAddress   *string        `validate:"omitempty,max=255"`
	UserAgent   *string        `validate:"omitempty,max=2048"`
	Referrer    *string        `validate:"omitempty,max=2048"`
	RequestURL  *string        `validate:"omitempty,max=4096"`
	ProviderURL *string        `validate:"omitempty,url,max=4096"`
	ForwardedAt *time.Time
	Params      map[string]any
	Metadata    map[string]any
}

// CreateClick validates and stores a click.
func (s *ClickService) CreateClick(ctx context.Context, in CreateClickInput) (*model.Click, error) {
	if err := validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	click := &model.Click{
		ClickID:     in.ClickID,
		Source:      in.Source,
		ProviderID:  in.ProviderID,
		Status:      model.ClickStatus(in.Status),
		IPAddress:   in.IPAddress,
		UserAgent:   in.UserAgent,
		Referrer:    in.Referrer,
		RequestURL:  in.RequestURL,
		Params:      in.Params,
		ProviderURL: in.ProviderURL,
		ForwardedAt: in.ForwardedAt,
		Metadata:    in.Metadata,
	}

	switch {
	case click.ForwardedAt != nil && click.ProviderURL == nil:
		return nil, fmt.Errorf("%w: %s", ErrValidation, model.ErrForwardIncomplete)
	case click.ProviderURL != nil && click.ForwardedAt == nil:
		at := s.now().UTC()
		click.ForwardedAt = &at
	}

	return s.store.Create(ctx, click)
}

// GetClick returns a click by its external id.
func (s *ClickService) GetClick(ctx context.Context, clickID string) (*model.Click, error) {
	if !clickid.Valid(clickID) {
		return nil, fmt.Errorf("%w: malformed click id", ErrValidation)
	}
	return s.store.Get(ctx, clickID)
}

// UpdateClickInput defines a partial update. ForwardedAt arrives as a string
// and is parsed here.
type UpdateClickInput struct {
	ClickID     string         `validate:"required,max=64,alphanum"`
	Status      *string        `validate:"omitempty,oneof=received intermediate forwarded failed"`
	ProviderURL *string        `validate:"omitempty,url,max=4096"`
	ForwardedAt *string
	Metadata    map[string]any
}

// UpdateClick validates and applies a partial update.
func (s *ClickService) UpdateClick(ctx context.Context, in UpdateClickInput) (*model.Click, error) {
	if err := validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	var update model.ClickUpdate
	if in.Status != nil {
		status, err := model.ParseClickStatus(*in.Status)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrValidation, err)
		}
		update.Status = &status
	}
	if in.ForwardedAt != nil && *in.ForwardedAt != "" {
		at, err := parseTimestamp(*in.ForwardedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: forwardedAt: %s", ErrValidation, err)
		}
		update.ForwardedAt = &at
	}
	update.ProviderURL = in.ProviderURL
	update.Metadata = in.Metadata

	if update.IsEmpty() {
		return nil, fmt.Errorf("%w: no fields to update", ErrValidation)
	}
	if err := update.Normalize(s.now()); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	return s.store.Update(ctx, in.ClickID, update)
}

// ListClicksInput filters a click listing. Status may hold a comma
// separated list.
type ListClicksInput struct {
	Source     string
	ProviderID string
	Status     string
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// ListClicks returns matching clicks and the normalized paging applied.
func (s *ClickService) ListClicks(ctx context.Context, in ListClicksInput) ([]*model.Click, repository.ListOptions, error) {
	filter := repository.ClickFilter{
		Source:        in.Source,
		ProviderID:    in.ProviderID,
		CreatedAfter:  in.From,
		CreatedBefore: in.To,
	}
	for _, raw := range strings.Split(in.Status, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		status, err := model.ParseClickStatus(raw)
		if err != nil {
			return nil, repository.ListOptions{}, fmt.Errorf("%w: %s", ErrValidation, err)
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	opts := repository.ListOptions{Limit: in.Limit, Offset: in.Offset}.Normalize()
	clicks, err := s.store.List(ctx, filter, opts)
	if err != nil {
		return nil, opts, err
	}
	return clicks, opts, nil
}

// RecentClicks returns the real-time feed of the last few minutes.
func (s *ClickService) RecentClicks(ctx context.Context) ([]*model.Click, error) {
	return s.store.Recent(ctx, repository.DefaultRecentWindow, repository.DefaultRecentLimit)
}

// ClickStats aggregates clicks over timeframe, optionally for one provider.
func (s *ClickService) ClickStats(ctx context.Context, timeframe, providerID string) (*model.ClickStats, error) {
	return s.store.Stats(ctx, timeframe, providerID)
}

// parseTimestamp accepts RFC 3339 with or without fractional seconds and
// bare Unix milliseconds.
func parseTimestamp(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}
