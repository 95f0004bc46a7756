package capability

import (
	"context"
	"sync"
	"time"
)

// QuotaStore counts validations against a fixed window. Implementations
// must be safe for concurrent use. The in-memory store serves a single
// node; the Redis store coordinates a multi-node deployment.
type QuotaStore interface {
	// Allow records one use of key and reports whether the count within
	// the window stays at or under limit.
	Allow(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (bool, error)
}

type quotaWindow struct {
	start time.Time
	count int64
}

// MemoryQuotaStore is the single-node fixed-window counter.
type MemoryQuotaStore struct {
	mu      sync.Mutex
	windows map[string]*quotaWindow
}

// NewMemoryQuotaStore creates an empty quota store.
func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{windows: make(map[string]*quotaWindow)}
}

func (s *MemoryQuotaStore) Allow(_ context.Context, key string, limit int64, window time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || now.Sub(w.start) >= window {
		w = &quotaWindow{start: now}
		s.windows[key] = w
	}
	if w.count >= limit {
		return false, nil
	}
	w.count++
	return true, nil
}

// Forget drops counters for a key, used when its capability is revoked.
func (s *MemoryQuotaStore) Forget(key string) {
	s.mu.Lock()
	delete(s.windows, key)
	s.mu.Unlock()
}
