package sites

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"donguatv/searchservice/internal/domain"
	"donguatv/searchservice/internal/fetch"
)

const (
	DefaultRemoteTTL = 5 * time.Minute
	remoteTimeout    = 5 * time.Second
	maxRegistryBytes = 4 << 20
)

var ErrInvalidRegistry = errors.New("site registry must contain a sites array")

type Config struct {
	// LocalFile is a JSON or YAML document `{sites: [...]}`; the format is
	// chosen by extension (.yaml/.yml vs anything else).
	LocalFile string
	// RemoteURL, when set, is preferred over LocalFile.
	RemoteURL string
	RemoteTTL time.Duration
	Client    *http.Client
	Retry     fetch.RetryConfig
	Logger    *slog.Logger
}

// Registry resolves the configured sites. A remote registry is refreshed
// at most once per RemoteTTL; concurrent refreshes share one request. When
// the remote cannot be loaded the last good copy is served, then the local
// file, and the remote is not tried again for another RemoteTTL.
type Registry struct {
	localFile string
	remoteURL string
	remoteTTL time.Duration
	client    *http.Client
	retry     fetch.RetryConfig
	logger    *slog.Logger
	now       func() time.Time

	group singleflight.Group

	mu             sync.RWMutex
	remote         *domain.SiteRegistry
	remoteFetch    time.Time
	remoteFailedAt time.Time
}

func NewRegistry(cfg Config) *Registry {
	ttl := cfg.RemoteTTL
	if ttl <= 0 {
		ttl = DefaultRemoteTTL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: remoteTimeout}
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = fetch.DefaultRetryConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		localFile: strings.TrimSpace(cfg.LocalFile),
		remoteURL: strings.TrimSpace(cfg.RemoteURL),
		remoteTTL: ttl,
		client:    client,
		retry:     retry,
		logger:    logger,
		now:       time.Now,
	}
}

func (r *Registry) RemoteConfigured() bool {
	return r.remoteURL != ""
}

// Sites returns the current site list in registry order.
func (r *Registry) Sites(ctx context.Context) ([]domain.SiteDescriptor, error) {
	registry, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.SiteDescriptor, len(registry.Sites))
	copy(out, registry.Sites)
	return out, nil
}

// Load returns the whole registry document.
func (r *Registry) Load(ctx context.Context) (domain.SiteRegistry, error) {
	if r.remoteURL != "" {
		if registry, ok := r.remoteRegistry(ctx); ok {
			return registry, nil
		}
	}
	return r.loadLocal()
}

func (r *Registry) remoteRegistry(ctx context.Context) (domain.SiteRegistry, bool) {
	r.mu.RLock()
	cached, fetchedAt, failedAt := r.remote, r.remoteFetch, r.remoteFailedAt
	r.mu.RUnlock()
	now := r.now()
	if cached != nil && now.Sub(fetchedAt) < r.remoteTTL {
		return *cached, true
	}
	if !failedAt.IsZero() && now.Sub(failedAt) < r.remoteTTL {
		if cached != nil {
			return *cached, true
		}
		return domain.SiteRegistry{}, false
	}

	result, err, _ := r.group.Do("remote", func() (any, error) {
		return r.fetchRemote(context.WithoutCancel(ctx))
	})
	if err != nil {
		r.mu.Lock()
		r.remoteFailedAt = r.now()
		r.mu.Unlock()
		r.logger.Warn("remote site registry unavailable",
			slog.String("url", r.remoteURL),
			slog.String("error", err.Error()),
			slog.Bool("staleCopy", cached != nil),
		)
		if cached != nil {
			return *cached, true
		}
		return domain.SiteRegistry{}, false
	}
	registry := result.(domain.SiteRegistry)
	r.mu.Lock()
	r.remote = &registry
	r.remoteFetch = r.now()
	r.remoteFailedAt = time.Time{}
	r.mu.Unlock()
	r.logger.Info("remote site registry loaded", slog.Int("sites", len(registry.Sites)))
	return registry, true
}

func (r *Registry) fetchRemote(ctx context.Context) (domain.SiteRegistry, error) {
	var registry domain.SiteRegistry
	retry := r.retry
	retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		r.logger.Debug("retrying remote site registry",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
	}
	err := fetch.RetryWithBackoff(ctx, retry, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, remoteTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, r.remoteURL, nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxRegistryBytes))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &fetch.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		registry, err = decodeRegistry(body, isYAML(r.remoteURL))
		return err
	})
	return registry, err
}

func (r *Registry) loadLocal() (domain.SiteRegistry, error) {
	if r.localFile == "" {
		return domain.SiteRegistry{Sites: []domain.SiteDescriptor{}}, nil
	}
	body, err := os.ReadFile(r.localFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("site registry file missing", slog.String("path", r.localFile))
			return domain.SiteRegistry{Sites: []domain.SiteDescriptor{}}, nil
		}
		return domain.SiteRegistry{}, fmt.Errorf("read site registry: %w", err)
	}
	registry, err := decodeRegistry(body, isYAML(r.localFile))
	if err != nil {
		return domain.SiteRegistry{}, fmt.Errorf("%s: %w", r.localFile, err)
	}
	return registry, nil
}

func isYAML(path string) bool {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

type registryDocument struct {
	Sites *[]domain.SiteDescriptor `json:"sites" yaml:"sites"`
}

// decodeRegistry parses a registry document, dropping entries without a
// key or api url.
func decodeRegistry(body []byte, asYAML bool) (domain.SiteRegistry, error) {
	var doc registryDocument
	var err error
	if asYAML {
		err = yaml.Unmarshal(body, &doc)
	} else {
		err = json.Unmarshal(body, &doc)
	}
	if err != nil {
		return domain.SiteRegistry{}, fmt.Errorf("%w: %v", ErrInvalidRegistry, err)
	}
	if doc.Sites == nil {
		return domain.SiteRegistry{}, ErrInvalidRegistry
	}
	sites := make([]domain.SiteDescriptor, 0, len(*doc.Sites))
	for _, site := range *doc.Sites {
		site.Key = strings.TrimSpace(site.Key)
		site.API = strings.TrimSpace(site.API)
		if site.Key == "" || site.API == "" {
			continue
		}
		if site.Name == "" {
			site.Name = site.Key
		}
		sites = append(sites, site)
	}
	return domain.SiteRegistry{Sites: sites}, nil
}
