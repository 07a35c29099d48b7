package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/comparisonguide/clicktrack/internal/cache"
	"github.com/comparisonguide/clicktrack/internal/testutil"
)

type failingLimiter struct{}

func (failingLimiter) CheckIPRateLimit(context.Context, string, int, int) (*cache.RateLimitResult, error) {
	return &cache.RateLimitResult{Allowed: true}, errors.New("redis down")
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitIP_RejectsAfterBurst(t *testing.T) {
	_, client := testutil.NewMiniRedis(t)
	limiter := cache.NewRedisFromClient(client)

	handler := RateLimitIP(RateLimitConfig{
		Logger:  discardLogger(),
		Limiter: limiter,
		RPS:     1,
		Burst:   2,
	})(okHandler())

	// The bucket refills on whole seconds, so five quick requests can see at
	// most one refill.
	rejected := 0
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/clicks", nil)
		req.RemoteAddr = "203.0.113.7:51234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		switch {
		case i < 2 && rec.Code != http.StatusOK:
			t.Errorf("request %d: status = %d, want 200", i, rec.Code)
		case rec.Code == http.StatusTooManyRequests:
			rejected++
			if rec.Header().Get("Retry-After") == "" {
				t.Error("Retry-After missing on 429")
			}
			if rec.Header().Get("X-RateLimit-Limit") != "1" {
				t.Errorf("X-RateLimit-Limit = %q, want 1", rec.Header().Get("X-RateLimit-Limit"))
			}
		}
	}
	if rejected < 2 {
		t.Errorf("rejected %d requests, want at least 2", rejected)
	}

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/api/clicks", nil)
	req.RemoteAddr = "198.51.100.2:40000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", rec.Code)
	}
}

func TestRateLimitIP_FailsOpen(t *testing.T) {
	t.Parallel()

	handler := RateLimitIP(RateLimitConfig{
		Logger:  discardLogger(),
		Limiter: failingLimiter{},
		RPS:     1,
		Burst:   1,
	})(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/clicks", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRateLimitIP_Disabled(t *testing.T) {
	t.Parallel()

	handler := RateLimitIP(RateLimitConfig{Logger: discardLogger(), RPS: 10})(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{300 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
