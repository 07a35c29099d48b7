// Package dto provides Data Transfer Objects for API requests and responses.
package dto

import (
	"time"

	"github.com/comparisonguide/clicktrack/internal/model"
	"github.com/comparisonguide/clicktrack/internal/service"
)

// CreateClickRequest represents the request body for recording a click.
type CreateClickRequest struct {
	ClickID     string         `json:"clickId"`
	Source      string         `json:"source,omitempty"`
	ProviderID  string         `json:"providerId,omitempty"`
	Status      string         `json:"status,omitempty"`
	IPAddress   *string        `json:"ipAddress,omitempty"`
	UserAgent   *string        `json:"userAgent,omitempty"`
	Referrer    *string        `json:"referrer,omitempty"`
	RequestURL  *string        `json:"requestUrl,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	ProviderURL *string        `json:"providerUrl,omitempty"`
	ForwardedAt *time.Time     `json:"forwardedAt,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ToInput converts the request to service input.
func (r CreateClickRequest) ToInput() service.CreateClickInput {
	return service.CreateClickInput{
		ClickID:     r.ClickID,
		Source:      r.Source,
		ProviderID:  r.ProviderID,
		Status:      r.Status,
		IPAddress:   r.IPAddress,
		UserAgent:   r.UserAgent,
		Referrer:    r.Referrer,
		RequestURL:  r.RequestURL,
		ProviderURL: r.ProviderURL,
		ForwardedAt: r.ForwardedAt,
		Params:      r.Params,
		Metadata:    r.Metadata,
	}
}

// UpdateClickRequest represents the request body for updating a click.
// ForwardedAt is a string so that both ISO timestamps and Unix
// milliseconds are accepted.
type UpdateClickRequest struct {
	ClickID     string         `json:"clickId"`
	Status      *string        `json:"status,omitempty"`
	ProviderURL *string        `json:"providerUrl,omitempty"`
	ForwardedAt *string        `json:"forwardedAt,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ToInput converts the request to service input.
func (r UpdateClickRequest) ToInput() service.UpdateClickInput {
	return service.UpdateClickInput{
		ClickID:     r.ClickID,
		Status:      r.Status,
		ProviderURL: r.ProviderURL,
		ForwardedAt: r.ForwardedAt,
		Metadata:    r.Metadata,
	}
}

// ClickResponse wraps a created or updated click.
type ClickResponse struct {
	Success bool         `json:"success"`
	Click   *model.Click `json:"click"`
}

// ClickListResponse represents a page of clicks.
type ClickListResponse struct {
	Clicks []*model.Click `json:"clicks"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// CacheClearResponse reports how many cache entries were removed.
type CacheClearResponse struct {
	Success bool `json:"success"`
	Cleared int  `json:"cleared"`
}

// CacheInvalidateResponse acknowledges a single-key invalidation.
type CacheInvalidateResponse struct {
	Success bool   `json:"success"`
	Key     string `json:"key"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
