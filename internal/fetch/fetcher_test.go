package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

type upstream struct {
	server *httptest.Server
	hits   atomic.Int32
}

func newUpstream(t *testing.T, delay time.Duration, status int, body string) *upstream {
	t.Helper()
	u := &upstream{}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(u.server.Close)
	return u
}

// newProxy forwards nothing; it answers on behalf of the target and records
// the url parameter it was asked for.
func newProxy(t *testing.T, delay time.Duration, status int, body string, seen *atomic.Value) *upstream {
	t.Helper()
	u := &upstream{}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		if seen != nil {
			seen.Store(r.URL.Query().Get("url"))
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(u.server.Close)
	return u
}

func newTestFetcher(proxyURL string, slow time.Duration) *Fetcher {
	return NewFetcher(Config{
		ProxyURL:          proxyURL,
		Timeout:           2 * time.Second,
		ProxyExtraTimeout: time.Second,
		SlowThreshold:     slow,
	}, nil, NewProxyMemory(time.Hour), nil)
}

func TestFetchDirectWithoutProxy(t *testing.T) {
	direct := newUpstream(t, 0, http.StatusOK, `{"list":[]}`)
	f := newTestFetcher("", 100*time.Millisecond)

	out, err := f.Fetch(context.Background(), direct.server.URL, Options{}, "siteA")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.UsedProxy || string(out.Body) != `{"list":[]}` {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestFetchDirectFailureWithoutProxyReturnsFetchError(t *testing.T) {
	direct := newUpstream(t, 0, http.StatusBadGateway, "bad")
	f := newTestFetcher("", 100*time.Millisecond)

	_, err := f.Fetch(context.Background(), direct.server.URL, Options{}, "siteA")
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fetchErr.Direct == nil || fetchErr.Proxy != nil {
		t.Fatalf("unexpected causes: %+v", fetchErr)
	}
}

func TestFetchFallsBackToProxyAndRemembers(t *testing.T) {
	direct := newUpstream(t, 0, http.StatusInternalServerError, "down")
	var seen atomic.Value
	proxy := newProxy(t, 0, http.StatusOK, `{"list":[1]}`, &seen)
	f := newTestFetcher(proxy.server.URL, 100*time.Millisecond)

	target := direct.server.URL + "/api.php?ac=detail&wd=" + "%E6%B5%8B"
	out, err := f.Fetch(context.Background(), target, Options{}, "siteA")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.UsedProxy || string(out.Body) != `{"list":[1]}` {
		t.Fatalf("expected proxy outcome, got %+v", out)
	}
	if got, _ := seen.Load().(string); got != target {
		t.Fatalf("proxy got url %q, want %q", got, target)
	}
	if !f.Memory().ShouldUseProxy("siteA") {
		t.Fatal("site should be remembered as needing proxy")
	}

	out, err = f.Fetch(context.Background(), target, Options{}, "siteA")
	if err != nil || !out.UsedProxy {
		t.Fatalf("second call should use proxy: %+v err=%v", out, err)
	}
	if hits := direct.hits.Load(); hits != 1 {
		t.Fatalf("second call must skip direct, direct hits = %d", hits)
	}
}

func TestFetchRememberedProxyFailureForgetsSite(t *testing.T) {
	direct := newUpstream(t, 0, http.StatusOK, `{}`)
	proxy := newProxy(t, 0, http.StatusServiceUnavailable, "nope", nil)
	f := newTestFetcher(proxy.server.URL, 100*time.Millisecond)
	f.Memory().MarkNeedsProxy("siteA", "test")

	_, err := f.Fetch(context.Background(), direct.server.URL, Options{}, "siteA")
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Proxy == nil {
		t.Fatalf("expected proxy FetchError, got %v", err)
	}
	if direct.hits.Load() != 0 {
		t.Fatal("remembered path must not fall back to direct in the same call")
	}
	if f.Memory().ShouldUseProxy("siteA") {
		t.Fatal("failed proxy path should clear the record")
	}

	out, err := f.Fetch(context.Background(), direct.server.URL, Options{}, "siteA")
	if err != nil || out.UsedProxy {
		t.Fatalf("next call should go direct: %+v err=%v", out, err)
	}
}

func TestFetchBothPathsFail(t *testing.T) {
	direct := newUpstream(t, 0, http.StatusInternalServerError, "down")
	proxy := newProxy(t, 0, http.StatusInternalServerError, "down too", nil)
	f := newTestFetcher(proxy.server.URL, 100*time.Millisecond)

	_, err := f.Fetch(context.Background(), direct.server.URL, Options{}, "siteA")
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Direct == nil || fetchErr.Proxy == nil {
		t.Fatalf("expected both causes, got %v", err)
	}
	if f.Memory().ShouldUseProxy("siteA") {
		t.Fatal("site must not be marked when proxy also failed")
	}
}

func TestFetchFastDirectNeverTouchesProxy(t *testing.T) {
	direct := newUpstream(t, 0, http.StatusOK, `{"ok":true}`)
	proxy := newProxy(t, 0, http.StatusOK, `{"proxied":true}`, nil)
	f := newTestFetcher(proxy.server.URL, 300*time.Millisecond)

	out, err := f.Fetch(context.Background(), direct.server.URL, Options{}, "siteA")
	if err != nil || out.UsedProxy {
		t.Fatalf("expected direct outcome: %+v err=%v", out, err)
	}
	if proxy.hits.Load() != 0 {
		t.Fatal("proxy must not be contacted for fast direct responses")
	}
	if f.Memory().ShouldUseProxy("siteA") {
		t.Fatal("site must not be marked")
	}
}

func TestFetchSlowDirectLosesToFastProxy(t *testing.T) {
	direct := newUpstream(t, 800*time.Millisecond, http.StatusOK, `{"via":"direct"}`)
	proxy := newProxy(t, 10*time.Millisecond, http.StatusOK, `{"via":"proxy"}`, nil)
	f := newTestFetcher(proxy.server.URL, 100*time.Millisecond)

	out, err := f.Fetch(context.Background(), direct.server.URL, Options{}, "siteA")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.UsedProxy || string(out.Body) != `{"via":"proxy"}` {
		t.Fatalf("expected proxy outcome, got %+v", out)
	}
	if !f.Memory().ShouldUseProxy("siteA") {
		t.Fatal("faster proxy should mark the site")
	}
}

func TestFetchSlowDirectKeptWhenProxyNotFasterEnough(t *testing.T) {
	direct := newUpstream(t, 300*time.Millisecond, http.StatusOK, `{"via":"direct"}`)
	proxy := newProxy(t, 600*time.Millisecond, http.StatusOK, `{"via":"proxy"}`, nil)
	f := newTestFetcher(proxy.server.URL, 100*time.Millisecond)

	out, err := f.Fetch(context.Background(), direct.server.URL, Options{}, "siteA")
	if err != nil || out.UsedProxy {
		t.Fatalf("expected direct outcome: %+v err=%v", out, err)
	}
	if proxy.hits.Load() != 1 {
		t.Fatalf("slow direct should start a comparison proxy attempt, hits=%d", proxy.hits.Load())
	}
	if f.Memory().ShouldUseProxy("siteA") {
		t.Fatal("site must not be marked when proxy is not faster")
	}
}

func TestFetchSlowDirectKeptWhenComparisonProxyFails(t *testing.T) {
	direct := newUpstream(t, 250*time.Millisecond, http.StatusOK, `{"via":"direct"}`)
	proxy := newProxy(t, 0, http.StatusBadGateway, "nope", nil)
	f := newTestFetcher(proxy.server.URL, 100*time.Millisecond)

	out, err := f.Fetch(context.Background(), direct.server.URL, Options{}, "siteA")
	if err != nil || out.UsedProxy {
		t.Fatalf("comparison failure must not fail the call: %+v err=%v", out, err)
	}
}

func TestPickWinner(t *testing.T) {
	failed := errors.New("failed")
	tests := []struct {
		name   string
		direct attempt
		proxy  attempt
		want   winner
	}{
		{"proxy much faster", attempt{latency: 2000 * time.Millisecond}, attempt{latency: 1000 * time.Millisecond}, winnerProxy},
		{"proxy slightly faster", attempt{latency: 1000 * time.Millisecond}, attempt{latency: 900 * time.Millisecond}, winnerDirect},
		{"exactly seventy percent", attempt{latency: 1000 * time.Millisecond}, attempt{latency: 700 * time.Millisecond}, winnerDirect},
		{"direct failed", attempt{err: failed}, attempt{latency: 5 * time.Second}, winnerProxy},
		{"proxy failed", attempt{latency: 5 * time.Second}, attempt{err: failed}, winnerDirect},
		{"both failed", attempt{err: failed}, attempt{err: failed}, winnerNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pickWinner(tt.direct, tt.proxy, DefaultFasterRatio); got != tt.want {
				t.Fatalf("pickWinner = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDirectSettles(t *testing.T) {
	threshold := 1500 * time.Millisecond
	tests := []struct {
		name     string
		direct   attempt
		launched bool
		want     bool
	}{
		{"no proxy launched", attempt{latency: 3 * time.Second}, false, true},
		{"timer fired at threshold", attempt{latency: threshold}, true, true},
		{"slow direct with proxy running", attempt{latency: threshold + time.Millisecond}, true, false},
		{"direct failed", attempt{err: errors.New("failed")}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := directSettles(tt.direct, tt.launched, threshold); got != tt.want {
				t.Fatalf("directSettles = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeBodyTranscodesDeclaredCharset(t *testing.T) {
	gbk := []byte{0xD6, 0xD0, 0xCE, 0xC4}
	if got := string(decodeBody(gbk, "text/html; charset=GBK")); got != "中文" {
		t.Fatalf("decoded = %q", got)
	}
	utf8 := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"a":1}`)...)
	if got := string(decodeBody(utf8, "application/json")); got != `{"a":1}` {
		t.Fatalf("bom not stripped: %q", got)
	}
}
