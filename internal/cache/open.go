package cache

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	// Type is one of memory, json, sqlite, redis or none.
	Type     string
	Dir      string
	DBFile   string
	RedisURL string
}

// OpenBackend builds the configured backend. Any initialization failure
// falls back to the in-memory backend so the service still starts.
func OpenBackend(ctx context.Context, cfg Config, logger *slog.Logger) Backend {
	if logger == nil {
		logger = slog.Default()
	}
	kind := strings.ToLower(strings.TrimSpace(cfg.Type))
	backend, err := openBackend(ctx, kind, cfg)
	if err != nil {
		logger.Warn("cache backend init failed, using memory",
			slog.String("type", kind),
			slog.String("error", err.Error()),
		)
		return NewMemoryBackend()
	}
	logger.Info("cache backend ready", slog.String("type", backend.Name()))
	return backend
}

func openBackend(ctx context.Context, kind string, cfg Config) (Backend, error) {
	switch kind {
	case "", "memory":
		return NewMemoryBackend(), nil
	case "none", "off", "disabled":
		return NoopBackend{}, nil
	case "json", "file":
		return NewFileBackend(cfg.Dir)
	case "sqlite":
		path := strings.TrimSpace(cfg.DBFile)
		if path == "" {
			path = filepath.Join(cfg.Dir, "cache.db")
		}
		return NewSQLiteBackend(path)
	case "redis":
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return nil, fmt.Errorf("redis cache requires REDIS_URL")
		}
		opts, err := redis.ParseURL(strings.TrimSpace(cfg.RedisURL))
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		backend := NewRedisBackend(redis.NewClient(opts))
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := backend.Ping(pingCtx); err != nil {
			backend.Close()
			return nil, fmt.Errorf("redis not reachable: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown cache type %q", kind)
	}
}
