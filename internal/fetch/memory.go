package fetch

import (
	"sort"
	"strings"
	"sync"
	"time"

	"donguatv/searchservice/internal/domain"
	"donguatv/searchservice/internal/metrics"
)

const DefaultProxyMemoryTTL = 24 * time.Hour

type proxyRecord struct {
	reason    string
	expiresAt time.Time
}

// ProxyMemory remembers which sites currently need the forwarding proxy.
// Records expire after a fixed horizon and are never persisted.
type ProxyMemory struct {
	mu      sync.Mutex
	records map[string]proxyRecord
	horizon time.Duration
	now     func() time.Time
}

func NewProxyMemory(horizon time.Duration) *ProxyMemory {
	if horizon <= 0 {
		horizon = DefaultProxyMemoryTTL
	}
	return &ProxyMemory{
		records: make(map[string]proxyRecord),
		horizon: horizon,
		now:     time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (m *ProxyMemory) WithClock(now func() time.Time) *ProxyMemory {
	if now != nil {
		m.now = now
	}
	return m
}

func (m *ProxyMemory) ShouldUseProxy(siteKey string) bool {
	key := normalizeSiteKey(siteKey)
	if key == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[key]
	if !ok {
		return false
	}
	if !m.now().Before(record.expiresAt) {
		delete(m.records, key)
		metrics.ProxyMemoryEntries.Set(float64(len(m.records)))
		return false
	}
	return true
}

func (m *ProxyMemory) MarkNeedsProxy(siteKey, reason string) {
	key := normalizeSiteKey(siteKey)
	if key == "" {
		return
	}
	m.mu.Lock()
	m.records[key] = proxyRecord{reason: reason, expiresAt: m.now().Add(m.horizon)}
	metrics.ProxyMemoryEntries.Set(float64(len(m.records)))
	m.mu.Unlock()
}

func (m *ProxyMemory) Forget(siteKey string) {
	key := normalizeSiteKey(siteKey)
	m.mu.Lock()
	delete(m.records, key)
	metrics.ProxyMemoryEntries.Set(float64(len(m.records)))
	m.mu.Unlock()
}

// Snapshot lists unexpired records sorted by site key.
func (m *ProxyMemory) Snapshot() []domain.ProxyRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]domain.ProxyRecord, 0, len(m.records))
	for key, record := range m.records {
		if !now.Before(record.expiresAt) {
			continue
		}
		out = append(out, domain.ProxyRecord{
			SiteKey:   key,
			Reason:    record.reason,
			ExpiresAt: record.expiresAt.UnixMilli(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SiteKey < out[j].SiteKey })
	return out
}

func (m *ProxyMemory) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func normalizeSiteKey(siteKey string) string {
	return strings.TrimSpace(siteKey)
}
