// Package cache provides the content response cache, its storage backends
// and the Redis-backed rate limiter.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps the shared Redis client used by the cache storage, the rate
// limiter and the tracking stream.
type Redis struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedis creates a new Redis with a pooled client.
func NewRedis(ctx context.Context, redisURL string) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Connection pool settings
	opt.PoolSize = 10
	opt.MinIdleConns = 2
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute

	client := redis.NewClient(opt)

	// Verify connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Redis{client: client, now: time.Now}, nil
}

// NewRedisFromClient wraps an existing client. Used by tests.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client, now: time.Now}
}

// Ping checks Redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Client returns the underlying Redis client.
// Use sparingly - prefer adding methods to Redis.
func (r *Redis) Client() *redis.Client {
	return r.client
}
