package search

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"donguatv/searchservice/internal/domain"
)

type siteHealth struct {
	consecutiveFailures int
	lastError           string
	lastSuccessAt       time.Time
	lastFailureAt       time.Time
	lastLatency         time.Duration
	lastTimeout         bool
	lastViaProxy        bool
	lastKeyword         string
	totalRequests       int64
	totalFailures       int64
	timeoutCount        int64
}

// recordSiteResult tracks upstream fetches per site. Cache hits are not
// recorded.
func (s *Service) recordSiteResult(siteKey, keyword string, err error, latency time.Duration, viaProxy bool, now time.Time) {
	if siteKey == "" {
		return
	}

	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	state := s.health[siteKey]
	if state == nil {
		state = &siteHealth{}
		s.health[siteKey] = state
	}
	state.totalRequests++
	state.lastKeyword = strings.TrimSpace(keyword)
	state.lastLatency = latency
	state.lastTimeout = isTimeoutLikeError(err)
	if state.lastTimeout {
		state.timeoutCount++
	}

	if err == nil {
		state.consecutiveFailures = 0
		state.lastError = ""
		state.lastSuccessAt = now
		state.lastViaProxy = viaProxy
		return
	}

	state.consecutiveFailures++
	state.totalFailures++
	state.lastFailureAt = now
	state.lastError = err.Error()
}

func isTimeoutLikeError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "timeout") || strings.Contains(value, "deadline exceeded")
}

// SiteDiagnostics reports the fetch history of every site contacted since
// start, sorted by site key.
func (s *Service) SiteDiagnostics() []domain.SiteDiagnostics {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	items := make([]domain.SiteDiagnostics, 0, len(s.health))
	for key, state := range s.health {
		item := domain.SiteDiagnostics{
			SiteKey:             key,
			ConsecutiveFailures: state.consecutiveFailures,
			LastError:           state.lastError,
			LastLatencyMS:       state.lastLatency.Milliseconds(),
			LastTimeout:         state.lastTimeout,
			LastViaProxy:        state.lastViaProxy,
			LastKeyword:         state.lastKeyword,
			TotalRequests:       state.totalRequests,
			TotalFailures:       state.totalFailures,
			TimeoutCount:        state.timeoutCount,
		}
		if !state.lastSuccessAt.IsZero() {
			lastSuccessAt := state.lastSuccessAt
			item.LastSuccessAt = &lastSuccessAt
		}
		if !state.lastFailureAt.IsZero() {
			lastFailureAt := state.lastFailureAt
			item.LastFailureAt = &lastFailureAt
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].SiteKey < items[j].SiteKey
	})
	return items
}
