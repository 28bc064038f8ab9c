package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// bucket holds one category; each has its own lock so search and detail
// traffic do not contend.
type bucket struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type MemoryBackend struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{buckets: make(map[string]*bucket)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) bucket(category string, create bool) *bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.buckets[category]
	if b == nil && create {
		b = &bucket{entries: make(map[string]entry)}
		m.buckets[category] = b
	}
	return b
}

func (m *MemoryBackend) Get(_ context.Context, category, key string, now time.Time) ([]byte, bool, error) {
	b := m.bucket(category, false)
	if b == nil {
		return nil, false, nil
	}
	b.mu.RLock()
	item, ok := b.entries[key]
	b.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !now.Before(item.expiresAt) {
		b.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have refreshed it.
		if current, still := b.entries[key]; still && !now.Before(current.expiresAt) {
			delete(b.entries, key)
		}
		b.mu.Unlock()
		return nil, false, nil
	}
	return item.value, true, nil
}

func (m *MemoryBackend) Set(_ context.Context, category, key string, value []byte, expiresAt time.Time) error {
	b := m.bucket(category, true)
	b.mu.Lock()
	b.entries[key] = entry{value: value, expiresAt: expiresAt}
	b.mu.Unlock()
	return nil
}

func (m *MemoryBackend) DeleteExpired(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	buckets := make([]*bucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		buckets = append(buckets, b)
	}
	m.mu.Unlock()

	removed := 0
	for _, b := range buckets {
		b.mu.Lock()
		for key, item := range b.entries {
			if item.expiresAt.Before(cutoff) {
				delete(b.entries, key)
				removed++
			}
		}
		b.mu.Unlock()
	}
	return removed, nil
}

func (m *MemoryBackend) Len(category string) int {
	b := m.bucket(category, false)
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func (m *MemoryBackend) Close() error { return nil }
