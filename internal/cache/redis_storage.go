package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanCount = 100

// deleteIfUnchanged deletes KEYS[1] only while it holds ARGV[1].
var deleteIfUnchanged = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStorage stores cache entries as Redis strings so every API instance
// shares one content cache. Keys get a Redis TTL as a backstop.
type RedisStorage struct {
	client *redis.Client
}

// NewRedisStorage creates a RedisStorage on an existing client.
func NewRedisStorage(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

// Get implements Storage.
func (s *RedisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, nil
}

// Set implements Storage. A non-positive ttl stores the key without expiry.
func (s *RedisStorage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		if strings.Contains(err.Error(), "OOM") {
			return fmt.Errorf("redis set %s: %w: %v", key, ErrStorageFull, err)
		}
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete implements Storage.
func (s *RedisStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// DeleteIfUnchanged implements Storage with a script so the compare and the
// delete happen in one step.
func (s *RedisStorage) DeleteIfUnchanged(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := deleteIfUnchanged.Run(ctx, s.client, []string{key}, value).Int()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

// Keys implements Storage using SCAN so large keyspaces are walked in steps.
func (s *RedisStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	pattern := escapeGlob(prefix) + "*"
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// escapeGlob escapes the characters MATCH treats as patterns.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
