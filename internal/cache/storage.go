package cache

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrCacheMiss is returned when a key is not present in storage.
	ErrCacheMiss = errors.New("cache miss")
	// ErrStorageFull is returned when a write would exceed the storage quota.
	ErrStorageFull = errors.New("cache storage full")
)

// Storage is the key/value backend behind a Local cache. Values are opaque
// bytes. Implementations must be safe for concurrent use.
type Storage interface {
	// Get returns the stored value or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value. ttl is a hint the backend may use to drop the key on
	// its own; expiry is still decided by the Local cache.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteIfUnchanged removes key only while it still holds value and
	// reports whether it did.
	DeleteIfUnchanged(ctx context.Context, key string, value []byte) (bool, error)
	// Keys returns every stored key that starts with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// DefaultMemoryQuota mirrors the usual per-origin browser storage limit.
const DefaultMemoryQuota = 5 << 20

// MemoryStorage keeps values in process memory under a byte quota counted
// over keys and values. It ignores the ttl hint.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string][]byte
	used  int
	quota int
}

// NewMemoryStorage creates a MemoryStorage. A quota <= 0 uses DefaultMemoryQuota.
func NewMemoryStorage(quota int) *MemoryStorage {
	if quota <= 0 {
		quota = DefaultMemoryQuota
	}
	return &MemoryStorage{
		items: make(map[string][]byte),
		quota: quota,
	}
}

// Get implements Storage.
func (s *MemoryStorage) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.items[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set implements Storage.
func (s *MemoryStorage) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	used := s.used + len(key) + len(value)
	if old, ok := s.items[key]; ok {
		used -= len(key) + len(old)
	}
	if used > s.quota {
		return ErrStorageFull
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	s.items[key] = stored
	s.used = used
	return nil
}

// Delete implements Storage.
func (s *MemoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.items[key]; ok {
		s.used -= len(key) + len(old)
		delete(s.items, key)
	}
	return nil
}

// DeleteIfUnchanged implements Storage.
func (s *MemoryStorage) DeleteIfUnchanged(_ context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.items[key]
	if !ok || !bytes.Equal(old, value) {
		return false, nil
	}
	s.used -= len(key) + len(old)
	delete(s.items, key)
	return true, nil
}

// Keys implements Storage. Keys are returned sorted.
func (s *MemoryStorage) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Used returns the bytes currently counted against the quota.
func (s *MemoryStorage) Used() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}
