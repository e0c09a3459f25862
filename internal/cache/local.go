package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

// LocalStore is an in-process Store backed by an LRU with per-entry TTLs.
// Expired entries are dropped lazily on read.
type LocalStore struct {
	entries    *lru.Cache[string, localEntry]
	defaultTTL time.Duration

	// now is swappable in tests.
	now func() time.Time
}

// NewLocalStore creates a local store holding at most size entries.
func NewLocalStore(size int, defaultTTL time.Duration) (*LocalStore, error) {
	if size <= 0 {
		size = 512
	}
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	entries, err := lru.New[string, localEntry](size)
	if err != nil {
		return nil, err
	}
	return &LocalStore{
		entries:    entries,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}, nil
}

// Get returns the cached value or ErrMiss.
func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	entry, ok := s.entries.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	if s.now().After(entry.expiresAt) {
		s.entries.Remove(key)
		return nil, ErrMiss
	}
	return entry.value, nil
}

// Set stores value under key. A zero ttl uses the configured default.
func (s *LocalStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	s.entries.Add(key, localEntry{
		value:     value,
		expiresAt: s.now().Add(ttl),
	})
	return nil
}

// Delete removes key.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	s.entries.Remove(key)
	return nil
}

// Len returns the number of resident entries, counting expired ones not yet
// evicted.
func (s *LocalStore) Len() int {
	return s.entries.Len()
}

// Close is a no-op for the local store.
func (s *LocalStore) Close() error {
	return nil
}
