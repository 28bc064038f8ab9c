package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"donguatv/searchservice/internal/metrics"
)

const (
	CategorySearch = "search"
	CategoryDetail = "detail"

	DefaultTTL = 600 * time.Second
)

// Backend is a storage engine for cache entries. Implementations must be
// safe for concurrent use. Errors are reported to Cache, which logs them and
// degrades instead of surfacing them.
type Backend interface {
	Name() string
	Get(ctx context.Context, category, key string, now time.Time) ([]byte, bool, error)
	Set(ctx context.Context, category, key string, value []byte, expiresAt time.Time) error
	// DeleteExpired removes entries whose expiry is strictly before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// Cache is a category-namespaced TTL store. None of its methods return
// storage errors: failed reads behave as misses and failed writes are
// dropped after being logged.
type Cache struct {
	backend    Backend
	defaultTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

type Option func(*Cache)

func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func New(backend Backend, opts ...Option) *Cache {
	if backend == nil {
		backend = NoopBackend{}
	}
	c := &Cache{
		backend:    backend,
		defaultTTL: DefaultTTL,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *Cache) BackendName() string {
	return c.backend.Name()
}

func (c *Cache) Get(ctx context.Context, category, key string) ([]byte, bool) {
	category = normalizeCategory(category)
	value, found, err := c.backend.Get(ctx, category, key, c.now())
	if err != nil {
		metrics.CacheErrorsTotal.WithLabelValues(c.backend.Name(), "get").Inc()
		c.logger.Warn("cache read failed",
			slog.String("backend", c.backend.Name()),
			slog.String("category", category),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		found = false
	}
	if !found {
		metrics.CacheMissesTotal.WithLabelValues(category).Inc()
		return nil, false
	}
	metrics.CacheHitsTotal.WithLabelValues(category).Inc()
	return value, true
}

// Set stores value until now+ttl, replacing any prior entry. A non-positive
// ttl uses the cache default.
func (c *Cache) Set(ctx context.Context, category, key string, value []byte, ttl time.Duration) {
	category = normalizeCategory(category)
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	stored := append([]byte(nil), value...)
	if err := c.backend.Set(ctx, category, key, stored, c.now().Add(ttl)); err != nil {
		metrics.CacheErrorsTotal.WithLabelValues(c.backend.Name(), "set").Inc()
		c.logger.Warn("cache write failed",
			slog.String("backend", c.backend.Name()),
			slog.String("category", category),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// GetJSON decodes a cached JSON value into dest. Entries that fail to
// decode are treated as misses.
func (c *Cache) GetJSON(ctx context.Context, category, key string, dest any) bool {
	data, ok := c.Get(ctx, category, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.logger.Warn("cache entry decode failed",
			slog.String("category", category),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (c *Cache) SetJSON(ctx context.Context, category, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache entry encode failed",
			slog.String("category", category),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return
	}
	c.Set(ctx, category, key, data, ttl)
}

// Cleanup removes entries that expired before the scan started and returns
// how many were removed.
func (c *Cache) Cleanup(ctx context.Context) int {
	scanStart := c.now()
	removed, err := c.backend.DeleteExpired(ctx, scanStart)
	if err != nil {
		metrics.CacheErrorsTotal.WithLabelValues(c.backend.Name(), "cleanup").Inc()
		c.logger.Warn("cache cleanup failed",
			slog.String("backend", c.backend.Name()),
			slog.String("error", err.Error()),
		)
	}
	if removed > 0 {
		metrics.CacheEvictedTotal.Add(float64(removed))
		c.logger.Info("cache cleanup finished",
			slog.String("backend", c.backend.Name()),
			slog.Int("removed", removed),
		)
	}
	return removed
}

func (c *Cache) Close() error {
	return c.backend.Close()
}

func normalizeCategory(category string) string {
	category = strings.ToLower(strings.TrimSpace(category))
	if category == "" {
		return CategorySearch
	}
	return category
}

// NoopBackend stores nothing. Used when caching is disabled.
type NoopBackend struct{}

func (NoopBackend) Name() string { return "none" }

func (NoopBackend) Get(context.Context, string, string, time.Time) ([]byte, bool, error) {
	return nil, false, nil
}

func (NoopBackend) Set(context.Context, string, string, []byte, time.Time) error { return nil }

func (NoopBackend) DeleteExpired(context.Context, time.Time) (int, error) { return 0, nil }

func (NoopBackend) Close() error { return nil }
