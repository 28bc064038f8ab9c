package domain

import "time"

type SiteDescriptor struct {
	Key  string `json:"key" yaml:"key"`
	Name string `json:"name" yaml:"name"`
	API  string `json:"api" yaml:"api"`
}

type SiteRegistry struct {
	Sites []SiteDescriptor `json:"sites" yaml:"sites"`
}

// ProxyRecord is the diagnostic view of a remembered proxy requirement.
type ProxyRecord struct {
	SiteKey   string `json:"siteKey"`
	Reason    string `json:"reason,omitempty"`
	ExpiresAt int64  `json:"expiresAt"`
}

// SiteDiagnostics summarizes the upstream fetch history of one site.
type SiteDiagnostics struct {
	SiteKey             string     `json:"siteKey"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastError           string     `json:"lastError,omitempty"`
	LastSuccessAt       *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt       *time.Time `json:"lastFailureAt,omitempty"`
	LastLatencyMS       int64      `json:"lastLatencyMs"`
	LastTimeout         bool       `json:"lastTimeout"`
	LastViaProxy        bool       `json:"lastViaProxy"`
	LastKeyword         string     `json:"lastKeyword,omitempty"`
	TotalRequests       int64      `json:"totalRequests"`
	TotalFailures       int64      `json:"totalFailures"`
	TimeoutCount        int64      `json:"timeoutCount"`
}
