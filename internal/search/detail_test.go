package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"donguatv/searchservice/internal/cache"
	"donguatv/searchservice/internal/domain"
)

func detailSites() *staticSites {
	return &staticSites{sites: []domain.SiteDescriptor{
		{Key: "a", Name: "Site A", API: "http://a.test/api.php"},
	}}
}

func TestDetailFetchesAndCaches(t *testing.T) {
	fetcher := newFakeFetcher().on("a", "ids=42", siteResponse{body: listBody(item("42", "The Answer"))})
	svc, backend := newTestService(detailSites(), fetcher)
	ctx := context.Background()

	got, err := svc.Detail(ctx, "a", "42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Title != "The Answer" || got.SiteKey != "a" || got.SiteName != "Site A" {
		t.Fatalf("unexpected detail: %+v", got)
	}
	if _, ok, _ := backend.Get(ctx, cache.CategoryDetail, "a_detail_42", time.Now()); !ok {
		t.Fatal("expected detail cache entry")
	}

	if _, err := svc.Detail(ctx, "a", "42"); err != nil {
		t.Fatalf("cached detail: %v", err)
	}
	if calls := fetcher.calls.Load(); calls != 1 {
		t.Fatalf("second lookup should be cached, calls = %d", calls)
	}
}

func TestDetailErrors(t *testing.T) {
	fetcher := newFakeFetcher().on("a", "ids=404", siteResponse{body: `{"list":[]}`})
	svc, backend := newTestService(detailSites(), fetcher)
	ctx := context.Background()

	if _, err := svc.Detail(ctx, "a", "404"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if backend.Len(cache.CategoryDetail) != 0 {
		t.Fatal("empty detail must not be cached")
	}
	if _, err := svc.Detail(ctx, "missing", "1"); !errors.Is(err, ErrUnknownSite) {
		t.Fatalf("expected ErrUnknownSite, got %v", err)
	}
	if _, err := svc.Detail(ctx, "a", " "); !errors.Is(err, ErrInvalidQuery) {
		t.Fatalf("expected ErrInvalidQuery, got %v", err)
	}
}

func TestSearchSiteSurfacesFailures(t *testing.T) {
	fetcher := newFakeFetcher().
		on("a", "ok", siteResponse{body: listBody(item("1", "One"), item("1", "One again"))}).
		on("a", "down", siteResponse{err: errors.New("connection refused")})
	svc, _ := newTestService(detailSites(), fetcher)
	ctx := context.Background()

	items, err := svc.SearchSite(ctx, "a", "ok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 || items[0].SiteName != "Site A" {
		t.Fatalf("unexpected items: %+v", items)
	}
	if _, err := svc.SearchSite(ctx, "a", "down"); err == nil {
		t.Fatal("single-site search should report upstream failure")
	}
	if _, err := svc.SearchSite(ctx, "nope", "ok"); !errors.Is(err, ErrUnknownSite) {
		t.Fatalf("expected ErrUnknownSite, got %v", err)
	}
}
