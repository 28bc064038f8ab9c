package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"

	"donguatv/searchservice/internal/metrics"
)

const (
	DefaultTimeout           = 8 * time.Second
	DefaultProxyExtraTimeout = 2 * time.Second
	DefaultSlowThreshold     = 1500 * time.Millisecond
	DefaultFasterRatio       = 0.7

	defaultMaxBodyBytes = 8 << 20

	pathDirect = "direct"
	pathProxy  = "proxy"
)

type Config struct {
	// ProxyURL is the forwarding endpoint; requests are sent as
	// {ProxyURL}/?url={escaped target}. Empty disables the proxy path.
	ProxyURL          string
	Timeout           time.Duration
	ProxyExtraTimeout time.Duration
	SlowThreshold     time.Duration
	// FasterRatio is the fraction of the direct latency the proxy must beat.
	FasterRatio  float64
	UserAgent    string
	MaxBodyBytes int64
}

type Options struct {
	Timeout time.Duration
	Headers map[string]string
}

type Outcome struct {
	Body      []byte
	UsedProxy bool
	Latency   time.Duration
}

// FetchError is returned when every available network path failed.
type FetchError struct {
	URL     string
	SiteKey string
	Direct  error
	Proxy   error
}

func (e *FetchError) Error() string {
	var parts []string
	if e.Direct != nil {
		parts = append(parts, "direct: "+e.Direct.Error())
	}
	if e.Proxy != nil {
		parts = append(parts, "proxy: "+e.Proxy.Error())
	}
	return fmt.Sprintf("fetch %s failed (%s)", e.SiteKey, strings.Join(parts, "; "))
}

func (e *FetchError) Unwrap() []error {
	var errs []error
	if e.Direct != nil {
		errs = append(errs, e.Direct)
	}
	if e.Proxy != nil {
		errs = append(errs, e.Proxy)
	}
	return errs
}

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream HTTP %d: %s", e.Code, e.Body)
}

type Fetcher struct {
	client *http.Client
	memory *ProxyMemory
	cfg    Config
	logger *slog.Logger
}

func NewFetcher(cfg Config, client *http.Client, memory *ProxyMemory, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if memory == nil {
		memory = NewProxyMemory(DefaultProxyMemoryTTL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ProxyExtraTimeout <= 0 {
		cfg.ProxyExtraTimeout = DefaultProxyExtraTimeout
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = DefaultSlowThreshold
	}
	if cfg.FasterRatio <= 0 || cfg.FasterRatio >= 1 {
		cfg.FasterRatio = DefaultFasterRatio
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	cfg.ProxyURL = strings.TrimRight(strings.TrimSpace(cfg.ProxyURL), "/")
	return &Fetcher{client: client, memory: memory, cfg: cfg, logger: logger}
}

func (f *Fetcher) ProxyConfigured() bool {
	return f.cfg.ProxyURL != ""
}

func (f *Fetcher) Memory() *ProxyMemory {
	return f.memory
}

// Fetch performs one GET choosing between the direct and proxy paths.
// It returns *FetchError only when the available paths are exhausted.
func (f *Fetcher) Fetch(ctx context.Context, target string, opts Options, siteKey string) (Outcome, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	proxyTimeout := timeout + f.cfg.ProxyExtraTimeout

	if !f.ProxyConfigured() {
		res := f.get(ctx, target, timeout, opts.Headers, siteKey, pathDirect)
		if res.err != nil {
			metrics.ProxyDecisionsTotal.WithLabelValues("failed").Inc()
			return Outcome{}, &FetchError{URL: target, SiteKey: siteKey, Direct: res.err}
		}
		metrics.ProxyDecisionsTotal.WithLabelValues("direct").Inc()
		return res.outcome(false), nil
	}

	if f.memory.ShouldUseProxy(siteKey) {
		res := f.get(ctx, f.proxied(target), proxyTimeout, opts.Headers, siteKey, pathProxy)
		if res.err != nil {
			f.memory.Forget(siteKey)
			metrics.ProxyDecisionsTotal.WithLabelValues("failed").Inc()
			f.logger.Warn("remembered proxy path failed, forgetting site",
				slog.String("siteKey", siteKey),
				slog.String("error", res.err.Error()),
			)
			return Outcome{}, &FetchError{URL: target, SiteKey: siteKey, Proxy: res.err}
		}
		metrics.ProxyDecisionsTotal.WithLabelValues("proxy_remembered").Inc()
		return res.outcome(true), nil
	}

	return f.race(ctx, target, timeout, proxyTimeout, opts.Headers, siteKey)
}

// race runs the direct request and, once it turns out slow or fails, a
// proxy request alongside it. pickWinner settles the outcome.
func (f *Fetcher) race(ctx context.Context, target string, timeout, proxyTimeout time.Duration, headers map[string]string, siteKey string) (Outcome, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	directCh := make(chan attempt, 1)
	proxyCh := make(chan attempt, 1)
	go func() {
		directCh <- f.get(raceCtx, target, timeout, headers, siteKey, pathDirect)
	}()

	slow := time.NewTimer(f.cfg.SlowThreshold)
	defer slow.Stop()
	recheck := time.NewTimer(time.Hour)
	recheck.Stop()
	defer recheck.Stop()

	var (
		direct, proxy *attempt
		proxyStart    time.Time
	)
	launchProxy := func() {
		if !proxyStart.IsZero() {
			return
		}
		proxyStart = time.Now()
		go func() {
			proxyCh <- f.get(raceCtx, f.proxied(target), proxyTimeout, headers, siteKey, pathProxy)
		}()
	}

	for {
		switch {
		case direct != nil && directSettles(*direct, !proxyStart.IsZero(), f.cfg.SlowThreshold):
			metrics.ProxyDecisionsTotal.WithLabelValues("direct").Inc()
			return direct.outcome(false), nil

		case direct != nil && proxy != nil:
			switch pickWinner(*direct, *proxy, f.cfg.FasterRatio) {
			case winnerProxy:
				return f.proxyWon(*proxy, *direct, siteKey), nil
			case winnerDirect:
				metrics.ProxyDecisionsTotal.WithLabelValues("direct_slow_kept").Inc()
				return direct.outcome(false), nil
			default:
				metrics.ProxyDecisionsTotal.WithLabelValues("failed").Inc()
				return Outcome{}, &FetchError{URL: target, SiteKey: siteKey, Direct: direct.err, Proxy: proxy.err}
			}

		case direct != nil && direct.err != nil:
			launchProxy()

		case direct != nil:
			// Direct succeeded slowly; the proxy only matters if it can still
			// finish within FasterRatio of the direct latency.
			budget := time.Duration(f.cfg.FasterRatio*float64(direct.latency)) - time.Since(proxyStart)
			if budget <= 0 {
				metrics.ProxyDecisionsTotal.WithLabelValues("direct_slow_kept").Inc()
				return direct.outcome(false), nil
			}
			recheck.Reset(budget)

		case proxy != nil && proxy.err == nil:
			// Proxy finished first. Elapsed direct time is a lower bound on
			// its latency, so the proxy wins once that bound is large enough.
			elapsed := time.Since(start)
			if proxyIsFaster(elapsed, proxy.latency, f.cfg.FasterRatio) {
				return f.proxyWon(*proxy, attempt{latency: elapsed}, siteKey), nil
			}
			wait := time.Duration(float64(proxy.latency)/f.cfg.FasterRatio) - elapsed + time.Millisecond
			recheck.Reset(wait)
		}

		select {
		case res := <-directCh:
			direct = &res
		case res := <-proxyCh:
			proxy = &res
		case <-slow.C:
			launchProxy()
		case <-recheck.C:
		case <-ctx.Done():
			return Outcome{}, &FetchError{URL: target, SiteKey: siteKey, Direct: ctx.Err()}
		}
	}
}

func (f *Fetcher) proxyWon(proxy, direct attempt, siteKey string) Outcome {
	reason := "direct failed"
	decision := "proxy_fallback"
	if direct.err == nil {
		reason = fmt.Sprintf("proxy %dms vs direct %dms", proxy.latency.Milliseconds(), direct.latency.Milliseconds())
		decision = "proxy_faster"
	}
	f.memory.MarkNeedsProxy(siteKey, reason)
	metrics.ProxyDecisionsTotal.WithLabelValues(decision).Inc()
	f.logger.Info("site switched to proxy",
		slog.String("siteKey", siteKey),
		slog.String("reason", reason),
	)
	return proxy.outcome(true)
}

// directSettles reports whether a completed direct attempt is returned
// without consulting the proxy. A direct answer within the slow threshold
// wins even when the slow timer fired first and launched the proxy.
func directSettles(direct attempt, proxyLaunched bool, slowThreshold time.Duration) bool {
	if direct.err != nil {
		return false
	}
	return !proxyLaunched || direct.latency <= slowThreshold
}

type winner int

const (
	winnerNone winner = iota
	winnerDirect
	winnerProxy
)

// pickWinner settles a race in which both attempts have completed. A
// successful proxy beats a failed direct attempt, and beats a successful
// one only when it is faster than ratio * direct latency.
func pickWinner(direct, proxy attempt, ratio float64) winner {
	switch {
	case direct.err != nil && proxy.err != nil:
		return winnerNone
	case direct.err != nil:
		return winnerProxy
	case proxy.err != nil:
		return winnerDirect
	case proxyIsFaster(direct.latency, proxy.latency, ratio):
		return winnerProxy
	default:
		return winnerDirect
	}
}

func proxyIsFaster(directLatency, proxyLatency time.Duration, ratio float64) bool {
	return float64(proxyLatency) < ratio*float64(directLatency)
}

func (f *Fetcher) proxied(target string) string {
	return f.cfg.ProxyURL + "/?url=" + url.QueryEscape(target)
}

type attempt struct {
	body    []byte
	latency time.Duration
	err     error
}

func (a attempt) outcome(usedProxy bool) Outcome {
	return Outcome{Body: a.body, UsedProxy: usedProxy, Latency: a.latency}
}

func (f *Fetcher) get(ctx context.Context, target string, timeout time.Duration, headers map[string]string, siteKey, path string) attempt {
	start := time.Now()
	body, err := f.do(ctx, target, timeout, headers)
	latency := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
		}
		f.logger.Debug("site request failed",
			slog.String("siteKey", siteKey),
			slog.String("path", path),
			slog.Int64("elapsedMs", latency.Milliseconds()),
			slog.String("error", err.Error()),
		)
	}
	metrics.SiteRequestsTotal.WithLabelValues(siteKey, path, status).Inc()
	metrics.SiteRequestDuration.WithLabelValues(path).Observe(latency.Seconds())
	return attempt{body: body, latency: latency, err: err}
}

func (f *Fetcher) do(ctx context.Context, target string, timeout time.Duration, headers map[string]string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return nil, err
	}
	return decodeBody(body, resp.Header.Get("Content-Type")), nil
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// decodeBody transcodes bodies declared in a non-UTF-8 charset.
func decodeBody(body []byte, contentType string) []byte {
	body = bytes.TrimPrefix(body, utf8BOM)
	if contentType == "" {
		return body
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return body
	}
	charset := strings.ToLower(strings.TrimSpace(params["charset"]))
	if charset == "" || charset == "utf-8" || charset == "utf8" {
		return body
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return body
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return body
	}
	return decoded
}
