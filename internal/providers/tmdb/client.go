package tmdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/text/language"

	"donguatv/searchservice/internal/cache"
	"donguatv/searchservice/internal/metrics"
)

const (
	defaultBaseURL        = "https://api.themoviedb.org/3"
	defaultSourceLanguage = "en-US"
	defaultTitleLanguage  = "zh-CN"
	defaultCacheTTL       = 10 * time.Hour

	searchTimeout      = 8 * time.Second
	detailsTimeout     = 8 * time.Second
	alternativeTimeout = 5 * time.Second

	breakerMaxFailures uint32 = 5
	breakerTimeout            = 30 * time.Second
	breakerInterval           = 60 * time.Second
)

var ErrDisabled = errors.New("tmdb api key not configured")

type Config struct {
	APIKey  string
	BaseURL string
	// ProxyURL points at a TMDB forwarding proxy; when set the API base
	// becomes {ProxyURL}/api/3 and BaseURL is ignored.
	ProxyURL       string
	SourceLanguage string
	TitleLanguage  string
	// Regions limits alternative titles by ISO 3166-1 country. Defaults to
	// the regions commonly using TitleLanguage's script (CN, TW, HK for zh).
	Regions  []string
	Client   *http.Client
	Cache    *cache.Cache
	CacheTTL time.Duration
	Logger   *slog.Logger
}

type Client struct {
	apiKey         string
	baseURL        string
	http           *http.Client
	cache          *cache.Cache
	cacheTTL       time.Duration
	sourceLanguage string
	titleLanguage  string
	regions        map[string]struct{}
	breaker        *gobreaker.CircuitBreaker[[]byte]
	logger         *slog.Logger
}

type SearchResult struct {
	ID           int    `json:"id"`
	Title        string `json:"title,omitempty"`
	Name         string `json:"name,omitempty"`
	ReleaseDate  string `json:"release_date,omitempty"`
	FirstAirDate string `json:"first_air_date,omitempty"`
	MediaType    string `json:"media_type,omitempty"`
}

type Details struct {
	ID    int    `json:"id"`
	Title string `json:"title,omitempty"`
	Name  string `json:"name,omitempty"`
}

func (d Details) DisplayTitle() string {
	if d.Title != "" {
		return d.Title
	}
	return d.Name
}

type AlternativeTitle struct {
	Country string `json:"iso_3166_1"`
	Title   string `json:"title"`
	Type    string `json:"type,omitempty"`
}

type multiSearchResponse struct {
	Results []SearchResult `json:"results"`
}

// Movies list alternatives under "titles", TV shows under "results".
type alternativeTitlesResponse struct {
	Titles  []AlternativeTitle `json:"titles"`
	Results []AlternativeTitle `json:"results"`
}

func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if proxy := strings.TrimRight(strings.TrimSpace(cfg.ProxyURL), "/"); proxy != "" {
		baseURL = proxy + "/api/3"
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	titleTag := parseLanguage(cfg.TitleLanguage, defaultTitleLanguage)

	c := &Client{
		apiKey:         strings.TrimSpace(cfg.APIKey),
		baseURL:        baseURL,
		http:           httpClient,
		cache:          cfg.Cache,
		cacheTTL:       cacheTTL,
		sourceLanguage: parseLanguage(cfg.SourceLanguage, defaultSourceLanguage).String(),
		titleLanguage:  titleTag.String(),
		regions:        titleRegions(titleTag, cfg.Regions),
		logger:         logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "tmdb",
		MaxRequests: 1,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		// A 404 for an unknown id says nothing about TMDB health.
		IsSuccessful: func(err error) bool {
			var statusErr *statusError
			if errors.As(err, &statusErr) {
				return statusErr.code < 500 && statusErr.code != http.StatusTooManyRequests
			}
			return err == nil
		},
	})
	return c
}

func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

// ForeignTitles looks query up on TMDB and returns its title in the
// configured title language plus regional alternative titles. It never
// fails: any error yields whatever was collected so far.
func (c *Client) ForeignTitles(ctx context.Context, query string) []string {
	query = strings.TrimSpace(query)
	if !c.Enabled() || query == "" {
		return nil
	}

	cacheKey := "tmdb_titles_" + c.titleLanguage + "_" + strings.ToLower(query)
	if c.cache != nil {
		var cached []string
		if c.cache.GetJSON(ctx, cache.CategoryDetail, cacheKey, &cached) {
			return cached
		}
	}

	titles, err := c.lookupTitles(ctx, query)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			c.logger.Warn("tmdb title lookup failed",
				slog.String("query", query),
				slog.String("error", err.Error()),
			)
		}
		return titles
	}
	if c.cache != nil {
		c.cache.SetJSON(ctx, cache.CategoryDetail, cacheKey, titles, c.cacheTTL)
	}
	if len(titles) > 0 {
		c.logger.Info("tmdb titles resolved",
			slog.String("query", query),
			slog.Any("titles", titles),
		)
	}
	return titles
}

func (c *Client) lookupTitles(ctx context.Context, query string) ([]string, error) {
	results, err := c.SearchMulti(ctx, query, c.sourceLanguage)
	if err != nil {
		return nil, err
	}
	var match *SearchResult
	for i := range results {
		if results[i].ID != 0 {
			match = &results[i]
			break
		}
	}
	titles := make([]string, 0, 4)
	if match == nil {
		return titles, nil
	}

	add := func(title string) {
		title = strings.TrimSpace(title)
		if title == "" || title == query {
			return
		}
		for _, existing := range titles {
			if existing == title {
				return
			}
		}
		titles = append(titles, title)
	}

	details, err := c.Details(ctx, match.MediaType, match.ID, c.titleLanguage)
	if err != nil {
		return titles, err
	}
	add(details.DisplayTitle())

	alternatives, err := c.AlternativeTitles(ctx, match.MediaType, match.ID)
	if err != nil {
		// Alternatives are a bonus; the localized title is enough.
		c.logger.Debug("tmdb alternative titles unavailable",
			slog.Int("id", match.ID),
			slog.String("error", err.Error()),
		)
		return titles, nil
	}
	for _, alt := range alternatives {
		if _, ok := c.regions[strings.ToUpper(alt.Country)]; ok {
			add(alt.Title)
		}
	}
	return titles, nil
}

// SearchMulti returns movie and TV results for query in lang.
func (c *Client) SearchMulti(ctx context.Context, query, lang string) ([]SearchResult, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	if lang == "" {
		lang = c.sourceLanguage
	}
	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	body, err := c.get(ctx, "search", "/search/multi", url.Values{
		"query":    {strings.TrimSpace(query)},
		"language": {lang},
	})
	if err != nil {
		return nil, err
	}
	var response multiSearchResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("decode tmdb search: %w", err)
	}
	results := make([]SearchResult, 0, len(response.Results))
	for _, r := range response.Results {
		if r.MediaType == "movie" || r.MediaType == "tv" {
			results = append(results, r)
		}
	}
	return results, nil
}

func (c *Client) Details(ctx context.Context, mediaType string, id int, lang string) (Details, error) {
	if !c.Enabled() {
		return Details{}, ErrDisabled
	}
	if err := validateMediaType(mediaType); err != nil {
		return Details{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, detailsTimeout)
	defer cancel()

	body, err := c.get(ctx, "details", "/"+mediaType+"/"+strconv.Itoa(id), url.Values{"language": {lang}})
	if err != nil {
		return Details{}, err
	}
	var details Details
	if err := json.Unmarshal(body, &details); err != nil {
		return Details{}, fmt.Errorf("decode tmdb details: %w", err)
	}
	return details, nil
}

func (c *Client) AlternativeTitles(ctx context.Context, mediaType string, id int) ([]AlternativeTitle, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	if err := validateMediaType(mediaType); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, alternativeTimeout)
	defer cancel()

	body, err := c.get(ctx, "alternative_titles", "/"+mediaType+"/"+strconv.Itoa(id)+"/alternative_titles", nil)
	if err != nil {
		return nil, err
	}
	var response alternativeTitlesResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("decode tmdb alternative titles: %w", err)
	}
	if len(response.Titles) > 0 {
		return response.Titles, nil
	}
	return response.Results, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("tmdb HTTP %d: %s", e.code, e.body)
}

func (c *Client) get(ctx context.Context, endpoint, path string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_key", c.apiKey)
	reqURL := c.baseURL + path + "?" + params.Encode()

	start := time.Now()
	body, err := c.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
		}
		return io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	})
	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			status = "breaker_open"
		}
	}
	metrics.TMDBRequestDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())
	return body, err
}

func validateMediaType(mediaType string) error {
	if mediaType != "movie" && mediaType != "tv" {
		return fmt.Errorf("unsupported tmdb media type %q", mediaType)
	}
	return nil
}

func parseLanguage(raw, fallback string) language.Tag {
	if tag, err := language.Parse(strings.TrimSpace(raw)); err == nil && raw != "" {
		return tag
	}
	return language.MustParse(fallback)
}

// titleRegions returns the set of ISO 3166-1 codes whose alternative titles
// are kept. Explicit regions win; otherwise Chinese maps to CN, TW and HK
// and any other language to its own region.
func titleRegions(tag language.Tag, explicit []string) map[string]struct{} {
	regions := make(map[string]struct{})
	for _, raw := range explicit {
		if region, err := language.ParseRegion(strings.TrimSpace(raw)); err == nil {
			regions[region.String()] = struct{}{}
		}
	}
	if len(regions) > 0 {
		return regions
	}
	base, _ := tag.Base()
	if base.String() == "zh" {
		for _, code := range []string{"CN", "TW", "HK"} {
			regions[code] = struct{}{}
		}
		return regions
	}
	region, _ := tag.Region()
	regions[region.String()] = struct{}{}
	return regions
}
