package search

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"donguatv/searchservice/internal/cache"
	"donguatv/searchservice/internal/domain"
	"donguatv/searchservice/internal/fetch"
)

var (
	ErrInvalidQuery = errors.New("query is required")
	ErrNoSites      = errors.New("no sites configured")
	ErrUnknownSite  = errors.New("unknown site")
	ErrNotFound     = errors.New("item not found")
)

const (
	defaultSearchTTL          = time.Hour
	defaultDetailTTL          = time.Hour
	defaultMaxConcurrentSites = 32
)

// Fetcher performs one upstream GET; *fetch.Fetcher is the production
// implementation.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts fetch.Options, siteKey string) (fetch.Outcome, error)
}

// SiteSource resolves the configured sites. Called once per request.
type SiteSource interface {
	Sites(ctx context.Context) ([]domain.SiteDescriptor, error)
}

// TitleResolver returns localized titles for a query. It is best-effort and
// never fails; an empty result means nothing was found.
type TitleResolver interface {
	ForeignTitles(ctx context.Context, query string) []string
}

type Service struct {
	sites         SiteSource
	fetcher       Fetcher
	cache         *cache.Cache
	resolver      TitleResolver
	logger        *slog.Logger
	searchTTL     time.Duration
	detailTTL     time.Duration
	maxConcurrent int64
	fetchOptions  fetch.Options

	healthMu sync.Mutex
	health   map[string]*siteHealth
}

type ServiceOption func(*Service)

func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithResolver(resolver TitleResolver) ServiceOption {
	return func(s *Service) {
		s.resolver = resolver
	}
}

func WithSearchTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.searchTTL = ttl
		}
	}
}

func WithDetailTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.detailTTL = ttl
		}
	}
}

func WithMaxConcurrentSites(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxConcurrent = int64(n)
		}
	}
}

func WithFetchOptions(opts fetch.Options) ServiceOption {
	return func(s *Service) {
		s.fetchOptions = opts
	}
}

func NewService(sites SiteSource, fetcher Fetcher, store *cache.Cache, opts ...ServiceOption) *Service {
	if store == nil {
		store = cache.New(cache.NoopBackend{})
	}
	svc := &Service{
		sites:         sites,
		fetcher:       fetcher,
		cache:         store,
		logger:        slog.Default(),
		searchTTL:     defaultSearchTTL,
		detailTTL:     defaultDetailTTL,
		maxConcurrent: defaultMaxConcurrentSites,
		health:        make(map[string]*siteHealth),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

func (s *Service) Sites(ctx context.Context) ([]domain.SiteDescriptor, error) {
	if s.sites == nil {
		return nil, ErrNoSites
	}
	return s.sites.Sites(ctx)
}

func (s *Service) findSite(ctx context.Context, siteKey string) (domain.SiteDescriptor, error) {
	sites, err := s.Sites(ctx)
	if err != nil {
		return domain.SiteDescriptor{}, err
	}
	key := strings.TrimSpace(siteKey)
	for _, site := range sites {
		if site.Key == key {
			return site, nil
		}
	}
	return domain.SiteDescriptor{}, ErrUnknownSite
}

// Keywords returns the variants a request would search, including the
// localized titles found by the resolver when smart search applies.
func (s *Service) Keywords(ctx context.Context, request domain.SearchRequest) ([]string, error) {
	query := strings.TrimSpace(request.Query)
	if query == "" {
		return nil, ErrInvalidQuery
	}
	if !request.Smart {
		return []string{query}, nil
	}
	keywords := ExpandKeywords(query, request.OriginalTitle)
	if len(keywords) == 0 {
		// Too short to expand; still search the literal query.
		keywords = []string{query}
	}
	if s.resolver != nil && isMostlyLatin(query) {
		if titles := s.resolver.ForeignTitles(ctx, query); len(titles) > 0 {
			keywords = MergeKeywords(keywords, titles...)
			s.logger.Info("smart search added localized titles",
				slog.String("query", query),
				slog.Any("titles", titles),
			)
		}
	}
	return keywords, nil
}
