package tmdb

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"donguatv/searchservice/internal/cache"
)

func newTMDBServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		if r.URL.Query().Get("api_key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/search/multi"):
			if r.URL.Query().Get("language") != "en-US" {
				t.Errorf("unexpected search language %q", r.URL.Query().Get("language"))
			}
			if r.URL.Query().Get("query") == "nothing" {
				_, _ = w.Write([]byte(`{"results":[]}`))
				return
			}
			_, _ = w.Write([]byte(`{"results":[
				{"id":7,"name":"Someone","media_type":"person"},
				{"id":603,"title":"The Matrix","media_type":"movie"}
			]}`))
		case strings.HasSuffix(r.URL.Path, "/movie/603"):
			if r.URL.Query().Get("language") != "zh-CN" {
				t.Errorf("unexpected details language %q", r.URL.Query().Get("language"))
			}
			_, _ = w.Write([]byte(`{"id":603,"title":"黑客帝国"}`))
		case strings.HasSuffix(r.URL.Path, "/movie/603/alternative_titles"):
			_, _ = w.Write([]byte(`{"id":603,"titles":[
				{"iso_3166_1":"TW","title":"駭客任務"},
				{"iso_3166_1":"CN","title":"黑客帝国"},
				{"iso_3166_1":"HK","title":"22世紀殺人網絡"},
				{"iso_3166_1":"FR","title":"Matrix"},
				{"iso_3166_1":"CN","title":"The Matrix"}
			]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestForeignTitlesCollectsLocalizedAndRegionalTitles(t *testing.T) {
	server := newTMDBServer(t, nil)
	defer server.Close()

	client := NewClient(Config{APIKey: "secret", BaseURL: server.URL})
	got := client.ForeignTitles(context.Background(), "The Matrix")

	want := []string{"黑客帝国", "駭客任務", "22世紀殺人網絡"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("title %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestForeignTitlesUsesCache(t *testing.T) {
	var calls atomic.Int32
	server := newTMDBServer(t, &calls)
	defer server.Close()

	c := cache.New(cache.NewMemoryBackend())
	client := NewClient(Config{APIKey: "secret", BaseURL: server.URL, Cache: c, CacheTTL: time.Hour})

	first := client.ForeignTitles(context.Background(), "The Matrix")
	before := calls.Load()
	second := client.ForeignTitles(context.Background(), "the matrix")
	if calls.Load() != before {
		t.Fatalf("expected cached lookup, upstream calls went %d -> %d", before, calls.Load())
	}
	if len(first) == 0 || len(first) != len(second) {
		t.Fatalf("cached titles differ: %v vs %v", first, second)
	}
}

func TestForeignTitlesIsBestEffort(t *testing.T) {
	server := newTMDBServer(t, nil)
	defer server.Close()

	disabled := NewClient(Config{BaseURL: server.URL})
	if disabled.Enabled() {
		t.Fatal("client without key must be disabled")
	}
	if got := disabled.ForeignTitles(context.Background(), "The Matrix"); len(got) != 0 {
		t.Fatalf("disabled client returned %v", got)
	}

	wrongKey := NewClient(Config{APIKey: "wrong", BaseURL: server.URL})
	if got := wrongKey.ForeignTitles(context.Background(), "The Matrix"); len(got) != 0 {
		t.Fatalf("failed lookup returned %v", got)
	}

	client := NewClient(Config{APIKey: "secret", BaseURL: server.URL})
	if got := client.ForeignTitles(context.Background(), "nothing"); len(got) != 0 {
		t.Fatalf("no match returned %v", got)
	}
}

func TestProxyURLOverridesBase(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "secret", BaseURL: "http://unused.invalid", ProxyURL: server.URL + "/"})
	if _, err := client.SearchMulti(context.Background(), "x", ""); err != nil {
		t.Fatalf("search via proxy: %v", err)
	}
	if path != "/api/3/search/multi" {
		t.Fatalf("unexpected proxied path %q", path)
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "secret", BaseURL: server.URL})
	for i := 0; i < 8; i++ {
		_, _ = client.SearchMulti(context.Background(), "x", "")
	}
	if got := calls.Load(); got != int32(breakerMaxFailures) {
		t.Fatalf("expected breaker to stop calls after %d failures, upstream saw %d", breakerMaxFailures, got)
	}
}

func TestTitleRegions(t *testing.T) {
	zh := titleRegions(parseLanguage("zh-CN", defaultTitleLanguage), nil)
	for _, code := range []string{"CN", "TW", "HK"} {
		if _, ok := zh[code]; !ok {
			t.Fatalf("expected %s in zh regions %v", code, zh)
		}
	}
	ja := titleRegions(parseLanguage("ja-JP", defaultTitleLanguage), nil)
	if _, ok := ja["JP"]; !ok || len(ja) != 1 {
		t.Fatalf("unexpected ja regions %v", ja)
	}
	explicit := titleRegions(parseLanguage("zh-CN", defaultTitleLanguage), []string{"sg", "bogus!"})
	if _, ok := explicit["SG"]; !ok || len(explicit) != 1 {
		t.Fatalf("unexpected explicit regions %v", explicit)
	}
}
