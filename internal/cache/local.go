package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Cache defaults.
const (
	DefaultPrefix        = "comparison-guide-"
	DefaultTTL           = 15 * time.Minute
	CategoriesTTL        = time.Hour
	DefaultSweepInterval = 5 * time.Minute

	entryVersion = "1.0"
)

// Entry is the stored form of a cached value. Timestamp and TTL are in
// milliseconds.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	TTL       int64           `json:"ttl"`
	Version   string          `json:"version"`
}

func (e *Entry) expired(now time.Time) bool {
	return now.UnixMilli()-e.Timestamp > e.TTL
}

// Stats summarises the entries under the cache prefix.
type Stats struct {
	Total   int `json:"total"`
	Valid   int `json:"valid"`
	Expired int `json:"expired"`
	Size    int `json:"size"`
}

// Config configures a Local cache.
type Config struct {
	Prefix        string
	DefaultTTL    time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// Local is a TTL key/value cache over a Storage backend. An entry is absent
// once its TTL has elapsed: reads past expiry delete it and report a miss.
// Writes are best effort and never fail the caller.
//
// Local does not sweep on its own; call Start to run the periodic sweep and
// Shutdown to stop it.
type Local struct {
	storage       Storage
	prefix        string
	defaultTTL    time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewLocal creates a Local cache over storage.
func NewLocal(storage Storage, cfg Config) *Local {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Local{
		storage:       storage,
		prefix:        cfg.Prefix,
		defaultTTL:    cfg.DefaultTTL,
		sweepInterval: cfg.SweepInterval,
		now:           cfg.Now,
		logger:        cfg.Logger.With("component", "local_cache"),
	}
}

func (c *Local) key(identifier string) string {
	return c.prefix + identifier
}

// Get returns the cached payload for identifier. Expired and unreadable
// entries are deleted and reported as a miss.
func (c *Local) Get(ctx context.Context, identifier string) (json.RawMessage, bool) {
	raw, err := c.storage.Get(ctx, c.key(identifier))
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.logger.Warn("cache read failed", "key", identifier, "error", err)
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("discarding corrupt cache entry", "key", identifier, "error", err)
		c.evict(ctx, identifier, raw)
		return nil, false
	}

	if entry.expired(c.now()) {
		c.evict(ctx, identifier, raw)
		c.logger.Debug("cache expired", "key", identifier)
		return nil, false
	}

	c.logger.Debug("cache hit", "key", identifier)
	return entry.Data, true
}

// Set stores data under identifier with the default TTL.
func (c *Local) Set(ctx context.Context, identifier string, data any) {
	c.SetWithTTL(ctx, identifier, data, c.defaultTTL)
}

// SetWithTTL stores data under identifier. When the backend refuses the
// write, expired entries are swept and the write is retried once; a second
// failure is logged and dropped.
func (c *Local) SetWithTTL(ctx context.Context, identifier string, data any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	payload, err := json.Marshal(data)
	if err != nil {
		c.logger.Warn("cache value not encodable", "key", identifier, "error", err)
		return
	}

	raw, err := json.Marshal(Entry{
		Data:      payload,
		Timestamp: c.now().UnixMilli(),
		TTL:       ttl.Milliseconds(),
		Version:   entryVersion,
	})
	if err != nil {
		c.logger.Warn("cache entry not encodable", "key", identifier, "error", err)
		return
	}

	key := c.key(identifier)
	if err := c.storage.Set(ctx, key, raw, ttl); err != nil {
		c.logger.Warn("cache write failed, sweeping and retrying", "key", identifier, "error", err)
		c.Cleanup(ctx)
		if err := c.storage.Set(ctx, key, raw, ttl); err != nil {
			c.logger.Warn("cache write failed after sweep", "key", identifier, "error", err)
			return
		}
	}

	c.logger.Debug("cache set", "key", identifier, "ttl", ttl)
}

// Delete removes identifier from the cache.
func (c *Local) Delete(ctx context.Context, identifier string) {
	if err := c.storage.Delete(ctx, c.key(identifier)); err != nil {
		c.logger.Warn("cache delete failed", "key", identifier, "error", err)
	}
}

// evict deletes identifier only if it still holds raw. A writer that
// refreshed the key after raw was read keeps its entry.
func (c *Local) evict(ctx context.Context, identifier string, raw []byte) bool {
	deleted, err := c.storage.DeleteIfUnchanged(ctx, c.key(identifier), raw)
	if err != nil {
		c.logger.Warn("cache delete failed", "key", identifier, "error", err)
		return false
	}
	return deleted
}

// Has reports whether identifier holds a live entry. Like Get, it evicts an
// expired entry it finds.
func (c *Local) Has(ctx context.Context, identifier string) bool {
	_, ok := c.Get(ctx, identifier)
	return ok
}

// Keys returns the identifiers currently stored, live or expired.
func (c *Local) Keys(ctx context.Context) []string {
	keys, err := c.storage.Keys(ctx, c.prefix)
	if err != nil {
		c.logger.Warn("cache key listing failed", "error", err)
		return nil
	}

	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, c.prefix))
	}
	return ids
}

// Cleanup removes expired and corrupt entries and returns how many it removed.
func (c *Local) Cleanup(ctx context.Context) int {
	now := c.now()
	removed := 0

	for _, id := range c.Keys(ctx) {
		raw, err := c.storage.Get(ctx, c.key(id))
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil || entry.expired(now) {
			if c.evict(ctx, id, raw) {
				removed++
			}
		}
	}

	if removed > 0 {
		c.logger.Info("cache cleanup", "removed", removed)
	}
	return removed
}

// Clear removes every entry under the cache prefix and returns the count.
func (c *Local) Clear(ctx context.Context) int {
	ids := c.Keys(ctx)
	for _, id := range ids {
		c.Delete(ctx, id)
	}
	c.logger.Info("cache cleared", "removed", len(ids))
	return len(ids)
}

// Stats counts live and expired entries and their encoded size in bytes.
// Corrupt entries count as expired.
func (c *Local) Stats(ctx context.Context) Stats {
	now := c.now()
	var st Stats

	for _, id := range c.Keys(ctx) {
		raw, err := c.storage.Get(ctx, c.key(id))
		if err != nil {
			continue
		}
		st.Total++
		st.Size += len(raw)

		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil || entry.expired(now) {
			st.Expired++
		} else {
			st.Valid++
		}
	}
	return st
}

// Start sweeps once and then every sweep interval until Shutdown is called
// or ctx is cancelled. Calling Start twice is a no-op.
func (c *Local) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = make(chan struct{})
	stopped := c.stopped
	c.mu.Unlock()

	c.Cleanup(ctx)

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Cleanup(ctx)
			}
		}
	}()
}

// Shutdown stops the periodic sweep and runs a final one.
func (c *Local) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	cancel, stopped := c.cancel, c.stopped
	c.cancel, c.stopped = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.Cleanup(ctx)
	return nil
}
