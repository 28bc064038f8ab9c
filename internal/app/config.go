package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string
	UserAgent string

	ProxyURL          string
	FetchTimeout      time.Duration
	ProxyExtraTimeout time.Duration
	ProxySlowAfter    time.Duration
	ProxyMemoryTTL    time.Duration

	CacheType            string
	CacheDir             string
	CacheDBFile          string
	CacheCleanupSchedule string
	SearchCacheTTL       time.Duration
	DetailCacheTTL       time.Duration
	RedisURL             string

	SitesFile          string
	RemoteSitesURL     string
	RemoteSitesTTL     time.Duration
	SmartSearch        bool
	MaxConcurrentSites int

	TMDBAPIKey         string
	TMDBBaseURL        string
	TMDBProxyURL       string
	TMDBSourceLanguage string
	TMDBTitleLanguage  string
	TMDBTitleRegions   []string
	TMDBCacheTTL       time.Duration

	RateLimitPerMinute       int
	SearchRateLimitPerMinute int
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:  getEnv("HTTP_ADDR", ":"+getEnv("PORT", "3000")),
		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getEnv("LOG_FORMAT", "text")),
		UserAgent: getEnv("SEARCH_USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"),

		ProxyURL:          strings.TrimSpace(os.Getenv("CORS_PROXY_URL")),
		FetchTimeout:      time.Duration(getEnvInt("FETCH_TIMEOUT_MS", 8000)) * time.Millisecond,
		ProxyExtraTimeout: time.Duration(getEnvInt("PROXY_EXTRA_TIMEOUT_MS", 2000)) * time.Millisecond,
		ProxySlowAfter:    time.Duration(getEnvInt("PROXY_SLOW_THRESHOLD_MS", 1500)) * time.Millisecond,
		ProxyMemoryTTL:    time.Duration(getEnvInt("PROXY_MEMORY_TTL_HOURS", 24)) * time.Hour,

		CacheType:            strings.ToLower(getEnv("CACHE_TYPE", "json")),
		CacheDir:             getEnv("CACHE_DIR", "."),
		CacheDBFile:          getEnv("CACHE_DB_FILE", "cache.db"),
		CacheCleanupSchedule: getEnv("CACHE_CLEANUP_SCHEDULE", "@every 1h"),
		SearchCacheTTL:       time.Duration(getEnvInt("SEARCH_CACHE_TTL_SECONDS", 3600)) * time.Second,
		DetailCacheTTL:       time.Duration(getEnvInt("DETAIL_CACHE_TTL_SECONDS", 3600)) * time.Second,
		RedisURL:             getEnv("REDIS_URL", ""),

		SitesFile:          getEnv("DB_FILE", "db.json"),
		RemoteSitesURL:     strings.TrimSpace(os.Getenv("REMOTE_DB_URL")),
		RemoteSitesTTL:     time.Duration(getEnvInt("REMOTE_DB_CACHE_TTL_SECONDS", 300)) * time.Second,
		SmartSearch:        getEnvBool("SMART_SEARCH_DEFAULT", true),
		MaxConcurrentSites: getEnvInt("SEARCH_MAX_CONCURRENT_SITES", 32),

		TMDBAPIKey:         strings.TrimSpace(os.Getenv("TMDB_API_KEY")),
		TMDBBaseURL:        getEnv("TMDB_BASE_URL", "https://api.themoviedb.org/3"),
		TMDBProxyURL:       strings.TrimSpace(os.Getenv("TMDB_PROXY_URL")),
		TMDBSourceLanguage: getEnv("TMDB_SOURCE_LANGUAGE", "en-US"),
		TMDBTitleLanguage:  getEnv("TMDB_TITLE_LANGUAGE", "zh-CN"),
		TMDBTitleRegions:   getEnvList("TMDB_TITLE_REGIONS"),
		TMDBCacheTTL:       time.Duration(getEnvInt("TMDB_CACHE_TTL_HOURS", 10)) * time.Hour,

		RateLimitPerMinute:       getEnvInt("RATE_LIMIT_PER_MINUTE", 600),
		SearchRateLimitPerMinute: getEnvInt("SEARCH_RATE_LIMIT_PER_MINUTE", 120),
	}
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
