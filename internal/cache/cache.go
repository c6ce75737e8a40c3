// Package cache provides the process-local TTL caches used by the
// repository for entity metadata and resolved config: a concurrent-map
// implementation backed by a fine-grained mutex (the default, and the only
// one the repository actually needs per the concurrency model), plus an
// optional Redis-backed implementation for deployments that want a shared
// view across repository processes.
package cache

import (
	"context"
	"sync"
	"time"
)

// Entry is a cached value alongside the metadata needed to honor TTL and
// negative-caching semantics.
type Entry struct {
	Value     any
	Negative  bool // true if this entry records "no custom config found"
	Version   int64
	ExpiresAt time.Time // zero means "no expiry" (TTL disabled)
}

// Store is the interface the repository and config resolver use for both
// the entity cache and the config cache. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the cached entry for key, and whether it was found and
	// still fresh. A found-but-expired entry is treated as a miss.
	Get(ctx context.Context, key string) (Entry, bool)
	// Set stores an entry for key with the given TTL. ttl <= 0 means "never
	// expires" (caller is responsible for eviction via Delete/DeletePrefix).
	Set(ctx context.Context, key string, entry Entry, ttl time.Duration)
	// Delete evicts a single key.
	Delete(ctx context.Context, key string)
	// DeletePrefix evicts every key sharing the given prefix. Used when a
	// setter bumps config_version and must invalidate every cached level
	// for an (ns, entity, resource) scope at once.
	DeletePrefix(ctx context.Context, prefix string)
}

// Memory is the default, in-process cache: a single mutex guarding a plain
// map. A single map is enough because no cache call ever blocks on a store
// round-trip.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemory creates an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return Entry{}, false
	}
	if !e.ExpiresAt.IsZero() && m.now().After(e.ExpiresAt) {
		delete(m.entries, key)
		return Entry{}, false
	}
	return e, true
}

func (m *Memory) Set(_ context.Context, key string, entry Entry, ttl time.Duration) {
	if ttl > 0 {
		entry.ExpiresAt = m.now().Add(ttl)
	} else {
		entry.ExpiresAt = time.Time{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry
}

func (m *Memory) Delete(_ context.Context, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *Memory) DeletePrefix(_ context.Context, prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.entries, k)
		}
	}
}
