// Package model defines domain entities for the application.
package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidStatus is returned when a status string is not a known ClickStatus.
	ErrInvalidStatus = errors.New("invalid click status")
	// ErrForwardIncomplete is returned when forwardedAt arrives without providerUrl.
	ErrForwardIncomplete = errors.New("forwardedAt requires providerUrl")
)

// ClickStatus is the lifecycle state of a tracked click.
type ClickStatus string

const (
	ClickStatusReceived     ClickStatus = "received"
	ClickStatusIntermediate ClickStatus = "intermediate"
	ClickStatusForwarded    ClickStatus = "forwarded"
	ClickStatusFailed       ClickStatus = "failed"
)

// Default values applied when a click is stored without them.
const (
	DefaultSource     = "unknown"
	DefaultProviderID = "default"
)

// ParseClickStatus converts s to a ClickStatus, rejecting unknown values.
func ParseClickStatus(s string) (ClickStatus, error) {
	status := ClickStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return status, nil
}

// IsValid checks if the status is one of the known values.
func (s ClickStatus) IsValid() bool {
	switch s {
	case ClickStatusReceived, ClickStatusIntermediate, ClickStatusForwarded, ClickStatusFailed:
		return true
	}
	return false
}

// IsTerminal returns true for statuses no further forward step follows.
func (s ClickStatus) IsTerminal() bool {
	return s == ClickStatusForwarded || s == ClickStatusFailed
}

func (s ClickStatus) rank() int {
	switch s {
	case ClickStatusReceived:
		return 0
	case ClickStatusIntermediate:
		return 1
	default:
		return 2
	}
}

// CanTransitionTo reports whether a click in status s may move to next.
// Statuses only move forward. Re-applying the current status is allowed so a
// reloaded redirect can overwrite its own result, but the two terminal
// statuses never replace each other.
func (s ClickStatus) CanTransitionTo(next ClickStatus) bool {
	if !s.IsValid() || !next.IsValid() {
		return false
	}
	if s == next {
		return true
	}
	if s.IsTerminal() && next.IsTerminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// Click is one visitor passing through the tracking redirect.
type Click struct {
	ID          string         `json:"id"`
	ClickID     string         `json:"clickId"`
	Source      string         `json:"source"`
	ProviderID  string         `json:"providerId"`
	Status      ClickStatus    `json:"status"`
	IPAddress   *string        `json:"ipAddress"`
	UserAgent   *string        `json:"userAgent"`
	Referrer    *string        `json:"referrer"`
	RequestURL  *string        `json:"requestUrl"`
	Params      map[string]any `json:"params"`
	ProviderURL *string        `json:"providerUrl"`
	ForwardedAt *time.Time     `json:"forwardedAt"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// ApplyDefaults fills the fields a stored click must always carry.
func (c *Click) ApplyDefaults() {
	if c.Status == "" {
		c.Status = ClickStatusReceived
	}
	if c.Source == "" {
		c.Source = DefaultSource
	}
	if c.ProviderID == "" {
		c.ProviderID = DefaultProviderID
	}
	if c.Params == nil {
		c.Params = map[string]any{}
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
}

// ClickUpdate is a partial update. Nil fields are left unchanged.
type ClickUpdate struct {
	Status      *ClickStatus   `json:"status,omitempty"`
	ProviderURL *string        `json:"providerUrl,omitempty"`
	ForwardedAt *time.Time     `json:"forwardedAt,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// IsEmpty returns true if the update carries no field changes.
func (u ClickUpdate) IsEmpty() bool {
	return u.Status == nil && u.ProviderURL == nil && u.ForwardedAt == nil && u.Metadata == nil
}

// Normalize checks the update and stamps ForwardedAt with now when a
// ProviderURL arrives without one. A ForwardedAt without a ProviderURL is
// rejected since the two are only ever recorded together.
func (u *ClickUpdate) Normalize(now time.Time) error {
	if u.Status != nil && !u.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, string(*u.Status))
	}
	if u.ForwardedAt != nil && u.ProviderURL == nil {
		return ErrForwardIncomplete
	}
	if u.ProviderURL != nil && u.ForwardedAt == nil {
		t := now.UTC()
		u.ForwardedAt = &t
	}
	return nil
}

// ClickStats is the aggregate view over clicks in a lookback window.
type ClickStats struct {
	Timeframe         string          `json:"timeframe"`
	Total             int64           `json:"total"`
	Received          int64           `json:"received"`
	Intermediate      int64           `json:"intermediate"`
	Forwarded         int64           `json:"forwarded"`
	Failed            int64           `json:"failed"`
	SuccessRate       float64         `json:"successRate"`
	ProviderBreakdown []ProviderCount `json:"providerBreakdown"`
	SourceBreakdown   []SourceCount   `json:"sourceBreakdown"`
}

// ProviderCount is the click count for one provider.
type ProviderCount struct {
	ProviderID string `json:"providerId"`
	Count      int64  `json:"count"`
}

// SourceCount is the click count for one traffic source.
type SourceCount struct {
	Source string `json:"source"`
	Count  int64  `json:"count"`
}

// Timeframe windows accepted by stats queries.
var timeframes = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// DefaultTimeframe is used when a stats query names an unknown window.
const DefaultTimeframe = "24h"

// ResolveTimeframe returns the canonical timeframe name and its duration,
// falling back to DefaultTimeframe for unknown input.
func ResolveTimeframe(tf string) (string, time.Duration) {
	if d, ok := timeframes[tf]; ok {
		return tf, d
	}
	return DefaultTimeframe, timeframes[DefaultTimeframe]
}
