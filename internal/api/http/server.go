package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"donguatv/searchservice/internal/domain"
	"donguatv/searchservice/internal/search"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type SearchService interface {
	SearchStream(ctx context.Context, request domain.SearchRequest) (<-chan domain.SearchSlice, error)
	SearchSite(ctx context.Context, siteKey, keyword string) ([]domain.SearchItem, error)
	Detail(ctx context.Context, siteKey, id string) (domain.SearchItem, error)
	Keywords(ctx context.Context, request domain.SearchRequest) ([]string, error)
	Sites(ctx context.Context) ([]domain.SiteDescriptor, error)
}

// DebugInfo is the runtime snapshot served by /api/debug.
type DebugInfo struct {
	CacheBackend       string                   `json:"cacheBackend"`
	ProxyConfigured    bool                     `json:"proxyConfigured"`
	ProxyMemory        []domain.ProxyRecord     `json:"proxyMemory"`
	TMDBConfigured     bool                     `json:"tmdbConfigured"`
	RemoteRegistry     bool                     `json:"remoteRegistry"`
	SmartSearchDefault bool                     `json:"smartSearchDefault"`
	Sites              []domain.SiteDiagnostics `json:"sites"`
}

type RateLimits struct {
	// PerMinute applies to every /api route, SearchPerMinute additionally
	// to /api/search. Both are per client IP; zero disables the limiter.
	PerMinute       int
	SearchPerMinute int
}

type Server struct {
	search      SearchService
	debug       func() DebugInfo
	smart       bool
	rateLimits  RateLimits
	serviceName string
	logger      *slog.Logger
}

const maxQueryLength = 500

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithDebugInfo(debug func() DebugInfo) ServerOption {
	return func(s *Server) {
		s.debug = debug
	}
}

// WithSmartSearchDefault sets whether keyword expansion applies when the
// request does not say.
func WithSmartSearchDefault(enabled bool) ServerOption {
	return func(s *Server) {
		s.smart = enabled
	}
}

func WithRateLimits(limits RateLimits) ServerOption {
	return func(s *Server) {
		s.rateLimits = limits
	}
}

func NewServer(searchService SearchService, options ...ServerOption) *Server {
	server := &Server{
		search:      searchService,
		smart:       true,
		rateLimits:  RateLimits{PerMinute: 600, SearchPerMinute: 120},
		serviceName: "vod-search",
		logger:      slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/sites", s.handleSites)
	mux.HandleFunc("/api/search", s.handleSearch)
	mux.HandleFunc("/api/detail", s.handleDetail)
	mux.HandleFunc("/api/keywords", s.handleKeywords)
	mux.HandleFunc("/api/debug", s.handleDebug)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), s.serviceName,
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	limited := rateLimitMiddleware(s.rateLimits, metricsMiddleware(traced))
	return recoveryMiddleware(s.logger, requestIDMiddleware(limited))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sites, err := s.search.Sites(r.Context())
	if err != nil {
		s.logger.Error("site registry unavailable", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "site registry unavailable")
		return
	}
	writeJSON(w, http.StatusOK, domain.SiteRegistry{Sites: sites})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleSearchStream(w, r)
	case http.MethodPost:
		s.handleSiteSearch(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) parseSearchRequest(r *http.Request) (domain.SearchRequest, error) {
	query := strings.TrimSpace(r.URL.Query().Get("wd"))
	if query == "" {
		return domain.SearchRequest{}, search.ErrInvalidQuery
	}
	if len(query) > maxQueryLength {
		return domain.SearchRequest{}, errors.New("query too long (max 500 characters)")
	}
	smart := s.smart
	if raw := strings.TrimSpace(r.URL.Query().Get("smart")); raw != "" {
		smart = parseOptionalBool(raw)
	}
	return domain.SearchRequest{
		Query:         query,
		OriginalTitle: strings.TrimSpace(r.URL.Query().Get("original")),
		Smart:         smart,
	}, nil
}

func (s *Server) handleSearchStream(w http.ResponseWriter, r *http.Request) {
	request, err := s.parseSearchRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !parseOptionalBool(r.URL.Query().Get("stream")) {
		writeError(w, http.StatusBadRequest, "invalid_request", "use stream=true for GET requests")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming is not supported")
		return
	}

	ch, err := s.search.SearchStream(r.Context(), request)
	if err != nil {
		s.logger.Warn("search request rejected",
			slog.String("query", truncate(request.Query, 80)),
			slog.String("error", err.Error()),
		)
		writeSearchError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return // Client disconnected
		case slice, open := <-ch:
			if !open {
				_ = writeSSEEvent(w, flusher, "done", struct{}{})
				return
			}
			if err := writeSSEEvent(w, flusher, "", slice.Items); err != nil {
				return // Client disconnected
			}
		}
	}
}

type siteSearchBody struct {
	Keyword string `json:"keyword"`
	SiteKey string `json:"siteKey"`
}

func (s *Server) handleSiteSearch(w http.ResponseWriter, r *http.Request) {
	var body siteSearchBody
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	items, err := s.search.SearchSite(r.Context(), body.SiteKey, body.Keyword)
	if err != nil {
		s.logger.Warn("site search failed",
			slog.String("siteKey", body.SiteKey),
			slog.String("keyword", truncate(body.Keyword, 80)),
			slog.String("error", err.Error()),
		)
		writeSearchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.SiteListPayload{List: items})
}

type detailBody struct {
	ID      domain.FlexString `json:"id"`
	SiteKey string            `json:"siteKey"`
}

// handleDetail answers GET with `{list:[item]}` and POST with the bare item.
func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	var body detailBody
	switch r.Method {
	case http.MethodGet:
		body.ID = domain.FlexString(r.URL.Query().Get("id"))
		body.SiteKey = r.URL.Query().Get("site_key")
	case http.MethodPost:
		if err := decodeJSONBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	item, err := s.search.Detail(r.Context(), body.SiteKey, string(body.ID))
	if err != nil {
		if !errors.Is(err, search.ErrNotFound) {
			s.logger.Warn("detail lookup failed",
				slog.String("siteKey", body.SiteKey),
				slog.String("id", string(body.ID)),
				slog.String("error", err.Error()),
			)
		}
		writeSearchError(w, err)
		return
	}
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, domain.SiteListPayload{List: []domain.SearchItem{item}})
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleKeywords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	request, err := s.parseSearchRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	keywords, err := s.search.Keywords(r.Context(), request)
	if err != nil {
		writeSearchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":    request.Query,
		"smart":    request.Smart,
		"keywords": keywords,
	})
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	info := DebugInfo{SmartSearchDefault: s.smart}
	if s.debug != nil {
		info = s.debug()
		info.SmartSearchDefault = s.smart
	}
	if info.ProxyMemory == nil {
		info.ProxyMemory = []domain.ProxyRecord{}
	}
	if info.Sites == nil {
		info.Sites = []domain.SiteDiagnostics{}
	}
	writeJSON(w, http.StatusOK, info)
}

func writeSearchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, search.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, search.ErrUnknownSite):
		writeError(w, http.StatusNotFound, "site_not_found", "site not found")
	case errors.Is(err, search.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, search.ErrNoSites):
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "upstream_failed", "upstream request failed")
	}
}

func decodeJSONBody(r *http.Request, dest any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	if err := json.Unmarshal(payload, dest); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func parseOptionalBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err // Client disconnected
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err // Client disconnected
	}
	flusher.Flush()
	return nil
}
