package config

import (
	"sort"
	"time"
)

// Defaults applied when the corresponding config field is zero.
const (
	DefaultHost      = "localhost"
	DefaultPort      = 8080
	DefaultTransport = "streamable-http"

	DefaultConnectionTimeout = 10 * time.Second
	DefaultRequestTimeout    = 15 * time.Second

	DefaultSessionTTL    = 24 * time.Hour
	DefaultMaxConcurrent = 8

	DefaultRetryMaxAttempts = 6
	DefaultRetryBaseDelay   = 250 * time.Millisecond
	DefaultRetryMaxDelay    = 30 * time.Second

	DefaultReloadDebounce = 100 * time.Millisecond

	DefaultRateLimitWindow = time.Minute
	DefaultRateLimitMax    = 60
)

// applyDefaults fills derived fields that validation depends on. Scalar
// defaults are resolved lazily through the accessor methods instead, so a
// marshalled snapshot stays identical to its source document.
func applyDefaults(s *Snapshot) {
	if s.MCPServers == nil {
		s.MCPServers = make(map[string]*MCPServerParams)
	}
	if s.MCPTemplates == nil {
		s.MCPTemplates = make(map[string]*MCPServerParams)
	}
	if s.Aggregator.Host == "" {
		s.Aggregator.Host = DefaultHost
	}
	if s.Aggregator.Port == 0 {
		s.Aggregator.Port = DefaultPort
	}
	if s.Aggregator.Transport == "" {
		s.Aggregator.Transport = DefaultTransport
	}
	for _, params := range s.MCPServers {
		if params.Type == "" {
			params.Type = defaultType(params)
		}
	}
	for _, params := range s.MCPTemplates {
		if params.Type == "" {
			params.Type = defaultType(params)
		}
	}
}

// defaultType infers the transport from which field group is populated.
func defaultType(params *MCPServerParams) TransportKind {
	if params.URL != "" {
		return TransportStreamableHTTP
	}
	return TransportStdio
}

func sortStrings(values []string) {
	sort.Strings(values)
}
