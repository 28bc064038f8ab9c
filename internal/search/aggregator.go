package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"donguatv/searchservice/internal/cache"
	"donguatv/searchservice/internal/domain"
)

// UpstreamFormatError marks a site response that is not the expected
// `{ "list": [...] }` document. Such responses count as zero items.
type UpstreamFormatError struct {
	SiteKey string
	Err     error
}

func (e *UpstreamFormatError) Error() string {
	return fmt.Sprintf("site %s returned an unexpected payload: %v", e.SiteKey, e.Err)
}

func (e *UpstreamFormatError) Unwrap() error { return e.Err }

type preparedSearch struct {
	query    string
	keywords []string
	sites    []domain.SiteDescriptor
}

func (s *Service) prepareSearch(ctx context.Context, request domain.SearchRequest) (preparedSearch, error) {
	query := strings.TrimSpace(request.Query)
	if query == "" {
		return preparedSearch{}, ErrInvalidQuery
	}
	sites, err := s.Sites(ctx)
	if err != nil {
		return preparedSearch{}, err
	}
	if len(sites) == 0 {
		return preparedSearch{}, ErrNoSites
	}
	keywords, err := s.Keywords(ctx, request)
	if err != nil {
		return preparedSearch{}, err
	}
	return preparedSearch{query: query, keywords: keywords, sites: sites}, nil
}

// SearchStream validates the request, then searches every site
// concurrently. Each site contributes at most one slice; the channel is
// closed once every site has settled. Validation failures are returned
// before any site is contacted.
//
// When ctx is cancelled no further slices are sent, sites stop before their
// next keyword, and requests already in flight finish in the background so
// their results still land in the cache.
func (s *Service) SearchStream(ctx context.Context, request domain.SearchRequest) (<-chan domain.SearchSlice, error) {
	prepared, err := s.prepareSearch(ctx, request)
	if err != nil {
		return nil, err
	}

	ch := make(chan domain.SearchSlice, len(prepared.sites))
	go s.executeStreamSearch(ctx, prepared, ch)
	return ch, nil
}

// Search collects the whole stream into one deduplicated list.
func (s *Service) Search(ctx context.Context, request domain.SearchRequest) ([]domain.SearchItem, error) {
	ch, err := s.SearchStream(ctx, request)
	if err != nil {
		return nil, err
	}
	items := make([]domain.SearchItem, 0)
	for slice := range ch {
		items = append(items, slice.Items...)
	}
	return items, ctx.Err()
}

func (s *Service) executeStreamSearch(ctx context.Context, prepared preparedSearch, ch chan<- domain.SearchSlice) {
	defer close(ch)

	startedAt := time.Now()
	s.logger.Info("stream search started",
		slog.String("query", prepared.query),
		slog.Any("keywords", prepared.keywords),
		slog.Int("sites", len(prepared.sites)),
	)

	seen := newSeenSet()
	sem := semaphore.NewWeighted(s.maxConcurrent)
	var wg sync.WaitGroup
	var emitted, items int
	var countMu sync.Mutex

	for _, site := range prepared.sites {
		wg.Add(1)
		go func(site domain.SiteDescriptor) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			collected := s.searchSite(ctx, site, prepared.keywords)
			fresh := seen.claim(stampSite(dedupeByID(collected), site))
			if len(fresh) == 0 || ctx.Err() != nil {
				return
			}
			select {
			case ch <- domain.SearchSlice{SiteKey: site.Key, Items: fresh}:
				countMu.Lock()
				emitted++
				items += len(fresh)
				countMu.Unlock()
			case <-ctx.Done():
			}
		}(site)
	}

	wg.Wait()
	s.logger.Info("stream search completed",
		slog.String("query", prepared.query),
		slog.Int("slices", emitted),
		slog.Int("items", items),
		slog.Int64("elapsedMs", time.Since(startedAt).Milliseconds()),
		slog.Bool("cancelled", ctx.Err() != nil),
	)
}

// searchSite runs the keyword variants for one site in order. Failures of a
// single variant are logged and skipped.
func (s *Service) searchSite(ctx context.Context, site domain.SiteDescriptor, keywords []string) []domain.SearchItem {
	var collected []domain.SearchItem
	for _, keyword := range keywords {
		if ctx.Err() != nil {
			break
		}
		items, err := s.siteKeyword(ctx, site, keyword)
		if err != nil {
			s.logger.Warn("site search failed",
				slog.String("siteKey", site.Key),
				slog.String("keyword", keyword),
				slog.String("error", err.Error()),
			)
			continue
		}
		collected = append(collected, items...)
	}
	return collected
}

func searchCacheKey(siteKey, keyword string) string {
	return domain.SiteScopedKey(siteKey, keyword)
}

// siteKeyword returns the cached list for (site, keyword) or fetches and
// caches it. The fetch is detached from ctx so an abandoned request still
// warms the cache; the fetcher's own timeouts bound it.
func (s *Service) siteKeyword(ctx context.Context, site domain.SiteDescriptor, keyword string) ([]domain.SearchItem, error) {
	key := searchCacheKey(site.Key, keyword)
	var cached domain.SiteListPayload
	if s.cache.GetJSON(ctx, cache.CategorySearch, key, &cached) {
		return cached.List, nil
	}
	if s.fetcher == nil {
		return nil, fmt.Errorf("no fetcher configured")
	}

	target, err := siteQueryURL(site.API, url.Values{"ac": {"detail"}, "wd": {keyword}})
	if err != nil {
		return nil, err
	}
	detached := context.WithoutCancel(ctx)
	startedAt := time.Now()
	outcome, err := s.fetcher.Fetch(detached, target, s.fetchOptions, site.Key)
	if err != nil {
		s.recordSiteResult(site.Key, keyword, err, time.Since(startedAt), false, time.Now())
		return nil, err
	}
	s.recordSiteResult(site.Key, keyword, nil, outcome.Latency, outcome.UsedProxy, time.Now())
	if outcome.UsedProxy {
		s.logger.Debug("site answered through proxy",
			slog.String("siteKey", site.Key),
			slog.Int64("elapsedMs", outcome.Latency.Milliseconds()),
		)
	}

	list, formatErr := parseSiteList(site.Key, outcome.Body)
	if formatErr != nil {
		// Not cached: the next request asks the site again.
		s.logger.Debug("site payload ignored",
			slog.String("siteKey", site.Key),
			slog.String("error", formatErr.Error()),
		)
		return list, nil
	}
	s.cache.SetJSON(detached, cache.CategorySearch, key, domain.SiteListPayload{List: list}, s.searchTTL)
	return list, nil
}

// parseSiteList decodes a site response. A body that is not a JSON object,
// or whose list is not an array, yields an empty list together with an
// *UpstreamFormatError. Items are decoded one by one; an element that is
// not an object is skipped without affecting the rest.
func parseSiteList(siteKey string, body []byte) ([]domain.SearchItem, error) {
	var envelope struct {
		List json.RawMessage `json:"list"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return []domain.SearchItem{}, &UpstreamFormatError{SiteKey: siteKey, Err: err}
	}
	list := bytes.TrimSpace(envelope.List)
	if len(list) == 0 || bytes.Equal(list, []byte("null")) {
		return []domain.SearchItem{}, nil
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(list, &elements); err != nil {
		return []domain.SearchItem{}, &UpstreamFormatError{SiteKey: siteKey, Err: fmt.Errorf("list: %w", err)}
	}
	items := make([]domain.SearchItem, 0, len(elements))
	for _, element := range elements {
		var item domain.SearchItem
		if err := json.Unmarshal(element, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func siteQueryURL(api string, params url.Values) (string, error) {
	base := strings.TrimSpace(api)
	if base == "" {
		return "", fmt.Errorf("site api url is empty")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid site api url: %w", err)
	}
	query := parsed.Query()
	for key, values := range params {
		query[key] = values
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// dedupeByID keeps the first occurrence of every item id. Items without an
// id cannot be addressed and are dropped.
func dedupeByID(items []domain.SearchItem) []domain.SearchItem {
	seen := make(map[domain.FlexString]struct{}, len(items))
	out := make([]domain.SearchItem, 0, len(items))
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		if _, ok := seen[item.ID]; ok {
			continue
		}
		seen[item.ID] = struct{}{}
		out = append(out, item)
	}
	return out
}

func stampSite(items []domain.SearchItem, site domain.SiteDescriptor) []domain.SearchItem {
	for i := range items {
		items[i].SiteKey = site.Key
		items[i].SiteName = site.Name
	}
	return items
}

// seenSet is the request-scoped record of emitted (siteKey, id) pairs.
type seenSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newSeenSet() *seenSet {
	return &seenSet{keys: make(map[string]struct{})}
}

// claim returns the items not emitted before and records them.
func (s *seenSet) claim(items []domain.SearchItem) []domain.SearchItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SearchItem, 0, len(items))
	for _, item := range items {
		key := item.IdentityKey()
		if _, ok := s.keys[key]; ok {
			continue
		}
		s.keys[key] = struct{}{}
		out = append(out, item)
	}
	return out
}
