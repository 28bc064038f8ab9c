package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"donguatv/searchservice/internal/cache"
	"donguatv/searchservice/internal/domain"
)

// SearchSite queries a single site for keyword without expansion. Unlike
// the aggregated stream, upstream failures are returned to the caller.
func (s *Service) SearchSite(ctx context.Context, siteKey, keyword string) ([]domain.SearchItem, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, ErrInvalidQuery
	}
	site, err := s.findSite(ctx, siteKey)
	if err != nil {
		return nil, err
	}
	items, err := s.siteKeyword(ctx, site, keyword)
	if err != nil {
		return nil, fmt.Errorf("search site %s: %w", site.Key, err)
	}
	return stampSite(dedupeByID(items), site), nil
}

func detailCacheKey(siteKey, id string) string {
	return domain.SiteScopedKey(siteKey, "detail_"+id)
}

// Detail fetches one item by id from a site, caching the upstream list in
// the detail category.
func (s *Service) Detail(ctx context.Context, siteKey, id string) (domain.SearchItem, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.SearchItem{}, fmt.Errorf("%w: id is required", ErrInvalidQuery)
	}
	site, err := s.findSite(ctx, siteKey)
	if err != nil {
		return domain.SearchItem{}, err
	}

	key := detailCacheKey(site.Key, id)
	var payload domain.SiteListPayload
	if !s.cache.GetJSON(ctx, cache.CategoryDetail, key, &payload) {
		if s.fetcher == nil {
			return domain.SearchItem{}, fmt.Errorf("no fetcher configured")
		}
		target, err := siteQueryURL(site.API, url.Values{"ac": {"detail"}, "ids": {id}})
		if err != nil {
			return domain.SearchItem{}, err
		}
		outcome, err := s.fetcher.Fetch(ctx, target, s.fetchOptions, site.Key)
		if err != nil {
			return domain.SearchItem{}, fmt.Errorf("detail %s/%s: %w", site.Key, id, err)
		}
		list, formatErr := parseSiteList(site.Key, outcome.Body)
		if formatErr != nil {
			s.logger.Warn("detail payload ignored",
				slog.String("siteKey", site.Key),
				slog.String("id", id),
				slog.String("error", formatErr.Error()),
			)
		}
		payload.List = list
		if len(list) > 0 {
			s.cache.SetJSON(ctx, cache.CategoryDetail, key, payload, s.detailTTL)
		}
	}

	if len(payload.List) == 0 {
		return domain.SearchItem{}, ErrNotFound
	}
	item := payload.List[0]
	item.SiteKey = site.Key
	item.SiteName = site.Name
	return item, nil
}
