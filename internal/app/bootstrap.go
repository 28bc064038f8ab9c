package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apihttp "donguatv/searchservice/internal/api/http"
	"donguatv/searchservice/internal/cache"
	"donguatv/searchservice/internal/fetch"
	"donguatv/searchservice/internal/providers/tmdb"
	"donguatv/searchservice/internal/search"
	"donguatv/searchservice/internal/sites"
)

// Runtime holds the process-wide components shared by the HTTP server and
// the operator CLI.
type Runtime struct {
	Config  Config
	Cache   *cache.Cache
	Memory  *fetch.ProxyMemory
	Fetcher *fetch.Fetcher
	TMDB    *tmdb.Client
	Sites   *sites.Registry
	Search  *search.Service

	logger *slog.Logger
}

func newTracedClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// Build wires the cache, proxy memory, fetcher, TMDB resolver, site
// registry and search service from cfg. It never fails: misconfigured
// optional parts degrade and are logged.
func Build(ctx context.Context, cfg Config, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}

	backend := cache.OpenBackend(ctx, cache.Config{
		Type:     cfg.CacheType,
		Dir:      cfg.CacheDir,
		DBFile:   cfg.CacheDBFile,
		RedisURL: cfg.RedisURL,
	}, logger)
	store := cache.New(backend, cache.WithLogger(logger))

	memory := fetch.NewProxyMemory(cfg.ProxyMemoryTTL)
	// Per-attempt timeouts are enforced by the fetcher itself.
	fetcher := fetch.NewFetcher(fetch.Config{
		ProxyURL:          cfg.ProxyURL,
		Timeout:           cfg.FetchTimeout,
		ProxyExtraTimeout: cfg.ProxyExtraTimeout,
		SlowThreshold:     cfg.ProxySlowAfter,
		UserAgent:         cfg.UserAgent,
	}, newTracedClient(0), memory, logger)

	tmdbClient := tmdb.NewClient(tmdb.Config{
		APIKey:         cfg.TMDBAPIKey,
		BaseURL:        cfg.TMDBBaseURL,
		ProxyURL:       cfg.TMDBProxyURL,
		SourceLanguage: cfg.TMDBSourceLanguage,
		TitleLanguage:  cfg.TMDBTitleLanguage,
		Regions:        cfg.TMDBTitleRegions,
		Client:         newTracedClient(10 * time.Second),
		Cache:          store,
		CacheTTL:       cfg.TMDBCacheTTL,
		Logger:         logger,
	})
	if !tmdbClient.Enabled() {
		logger.Info("tmdb api key not configured, foreign title lookup disabled")
	}

	registry := sites.NewRegistry(sites.Config{
		LocalFile: cfg.SitesFile,
		RemoteURL: cfg.RemoteSitesURL,
		RemoteTTL: cfg.RemoteSitesTTL,
		Client:    newTracedClient(10 * time.Second),
		Logger:    logger,
	})

	opts := []search.ServiceOption{
		search.WithLogger(logger),
		search.WithSearchTTL(cfg.SearchCacheTTL),
		search.WithDetailTTL(cfg.DetailCacheTTL),
		search.WithMaxConcurrentSites(cfg.MaxConcurrentSites),
	}
	if tmdbClient.Enabled() {
		opts = append(opts, search.WithResolver(tmdbClient))
	}

	return &Runtime{
		Config:  cfg,
		Cache:   store,
		Memory:  memory,
		Fetcher: fetcher,
		TMDB:    tmdbClient,
		Sites:   registry,
		Search:  search.NewService(registry, fetcher, store, opts...),
		logger:  logger,
	}
}

// StartBackground runs one cache cleanup immediately and then schedules it.
func (r *Runtime) StartBackground(ctx context.Context) (stop func()) {
	if removed := r.Cache.Cleanup(ctx); removed > 0 {
		r.logger.Info("startup cache cleanup", slog.Int("removed", removed))
	}
	stop, err := r.Cache.StartCleanup(ctx, r.Config.CacheCleanupSchedule)
	if err != nil {
		r.logger.Warn("cache cleanup schedule invalid, using default",
			slog.String("schedule", r.Config.CacheCleanupSchedule),
			slog.String("error", err.Error()),
		)
		stop, err = r.Cache.StartCleanup(ctx, cache.DefaultCleanupSchedule)
		if err != nil {
			return func() {}
		}
	}
	return stop
}

func (r *Runtime) DebugInfo() apihttp.DebugInfo {
	return apihttp.DebugInfo{
		CacheBackend:    r.Cache.BackendName(),
		ProxyConfigured: r.Fetcher.ProxyConfigured(),
		ProxyMemory:     r.Memory.Snapshot(),
		TMDBConfigured:  r.TMDB.Enabled(),
		RemoteRegistry:  r.Sites.RemoteConfigured(),
		Sites:           r.Search.SiteDiagnostics(),
	}
}

// ServerOptions returns the HTTP server options derived from the runtime.
func (r *Runtime) ServerOptions() []apihttp.ServerOption {
	return []apihttp.ServerOption{
		apihttp.WithLogger(r.logger),
		apihttp.WithDebugInfo(r.DebugInfo),
		apihttp.WithSmartSearchDefault(r.Config.SmartSearch),
		apihttp.WithRateLimits(apihttp.RateLimits{
			PerMinute:       r.Config.RateLimitPerMinute,
			SearchPerMinute: r.Config.SearchRateLimitPerMinute,
		}),
	}
}

func (r *Runtime) Close() error {
	return r.Cache.Close()
}
