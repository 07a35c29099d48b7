// Package content reads categories, providers, use cases, articles and pages
// from the headless CMS and caches the responses.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrUpstream is returned when the CMS is unreachable, answers with a
	// non-2xx status or sends a body that cannot be decoded.
	ErrUpstream = errors.New("content upstream failure")
	// ErrNotFound is returned when a lookup matches no entity.
	ErrNotFound = errors.New("content not found")
)

const (
	// DefaultTimeout is the total request timeout.
	DefaultTimeout = 10 * time.Second
	// DialTimeout is the connection timeout.
	DialTimeout = 5 * time.Second

	maxResponseBytes = 8 << 20
)

// Fetcher performs a GET against the CMS and decodes the JSON body into dst.
type Fetcher interface {
	Fetch(ctx context.Context, path string, dst any) error
}

// Client is the CMS HTTP client.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates an HTTP client with the timeouts used for CMS calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   DialTimeout,
			ResponseHeaderTimeout: timeout,
			MaxIdleConns:          50,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// NewClient creates a Client for the CMS API rooted at baseURL. token is sent
// as a bearer token when set.
func NewClient(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(DefaultTimeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
		logger:  logger.With("component", "cms_client"),
	}
}

// Fetch implements Fetcher. Every failure wraps ErrUpstream.
func (c *Client) Fetch(ctx context.Context, path string, dst any) error {
	url := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: build request %s: %v", ErrUpstream, path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("cms request failed", "path", path, "error", err)
		return fmt.Errorf("%w: %s: %v", ErrUpstream, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("cms request",
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		c.logger.Warn("cms request rejected", "path", path, "status", resp.StatusCode)
		return fmt.Errorf("%w: %s: status %d", ErrUpstream, path, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(dst); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUpstream, path, err)
	}
	return nil
}
