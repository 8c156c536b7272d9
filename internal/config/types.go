package config

import (
	"time"
)

// TransportKind identifies how an upstream MCP server is reached.
type TransportKind string

const (
	// TransportStdio runs the server as a subprocess speaking stdio.
	TransportStdio TransportKind = "stdio"
	// TransportSSE is the legacy HTTP+SSE transport.
	TransportSSE TransportKind = "sse"
	// TransportHTTP is an alias for streamable HTTP kept for config
	// compatibility.
	TransportHTTP TransportKind = "http"
	// TransportStreamableHTTP is the primary network transport.
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// IsNetwork reports whether the transport dials a URL.
func (t TransportKind) IsNetwork() bool {
	switch t {
	case TransportSSE, TransportHTTP, TransportStreamableHTTP:
		return true
	default:
		return false
	}
}

// TemplateOptions controls how a template server is instantiated per
// session. When neither flag is set, perClient is assumed.
type TemplateOptions struct {
	Shareable bool `json:"shareable,omitempty"`
	PerClient bool `json:"perClient,omitempty"`
}

// OutboundAuth configures OAuth delegation for a network upstream.
type OutboundAuth struct {
	// Issuer overrides discovery from the WWW-Authenticate challenge.
	Issuer string `json:"issuer,omitempty"`
	// Scopes requested when authorizing against the upstream.
	Scopes []string `json:"scopes,omitempty"`
	// ClientID is the pre-registered client id, if any.
	ClientID string `json:"clientId,omitempty"`
}

// MCPServerParams is one configured upstream definition. The same shape
// is used for static servers (mcpServers) and templates (mcpTemplates);
// only templates may carry {{...}} placeholders in string fields.
type MCPServerParams struct {
	Type TransportKind `json:"type,omitempty"`

	// stdio fields
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`

	// network fields
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Auth    *OutboundAuth     `json:"auth,omitempty"`

	Tags          []string `json:"tags,omitempty"`
	Disabled      bool     `json:"disabled,omitempty"`
	RestartOnExit bool     `json:"restartOnExit,omitempty"`

	// Timeouts in milliseconds; zero means default.
	ConnectionTimeoutMs int64 `json:"connectionTimeout,omitempty"`
	RequestTimeoutMs    int64 `json:"requestTimeout,omitempty"`

	Template *TemplateOptions `json:"template,omitempty"`
}

// ConnectionTimeout returns the connect deadline, falling back to the
// default.
func (p *MCPServerParams) ConnectionTimeout() time.Duration {
	if p.ConnectionTimeoutMs > 0 {
		return time.Duration(p.ConnectionTimeoutMs) * time.Millisecond
	}
	return DefaultConnectionTimeout
}

// RequestTimeout returns the per-call deadline, falling back to the
// default.
func (p *MCPServerParams) RequestTimeout() time.Duration {
	if p.RequestTimeoutMs > 0 {
		return time.Duration(p.RequestTimeoutMs) * time.Millisecond
	}
	return DefaultRequestTimeout
}

// PerClient reports whether each session gets its own instance of this
// template. Unset template options default to per-client isolation.
func (o *TemplateOptions) PerClientEffective() bool {
	if o == nil {
		return true
	}
	if o.PerClient {
		return true
	}
	return !o.Shareable
}

// TemplateSettings tunes template reprocessing during reloads.
type TemplateSettings struct {
	ValidateOnReload bool   `json:"validateOnReload,omitempty"`
	FailureMode      string `json:"failureMode,omitempty"` // "graceful" (default) or "strict"
	CacheContext     bool   `json:"cacheContext,omitempty"`
}

// Strict reports whether template failures abort a reload.
func (s TemplateSettings) Strict() bool {
	return s.FailureMode == "strict"
}

// Features toggles optional behaviour.
type Features struct {
	// LazyLoading enables the meta-tool facade (tool_list, tool_schema,
	// tool_invoke) instead of exposing every upstream tool directly.
	LazyLoading bool `json:"lazyLoading,omitempty"`
}

// RateLimits configures the sliding window on the OAuth endpoints.
type RateLimits struct {
	WindowMs int64 `json:"windowMs,omitempty"`
	Max      int   `json:"max,omitempty"`
}

// Window returns the configured window duration.
func (r RateLimits) Window() time.Duration {
	if r.WindowMs > 0 {
		return time.Duration(r.WindowMs) * time.Millisecond
	}
	return DefaultRateLimitWindow
}

// MaxRequests returns the per-window request budget.
func (r RateLimits) MaxRequests() int {
	if r.Max > 0 {
		return r.Max
	}
	return DefaultRateLimitMax
}

// AuthConfig configures the inbound OAuth 2.1 issuer.
type AuthConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	// AutoApprove skips the consent step during authorization.
	AutoApprove bool `json:"autoApprove,omitempty"`
	// AccessTokenTTLMs overrides the access token lifetime; defaults to
	// the session TTL.
	AccessTokenTTLMs int64 `json:"accessTokenTtl,omitempty"`
}

// AccessTokenTTL returns the access token lifetime, falling back to the
// given duration (normally the session TTL).
func (a AuthConfig) AccessTokenTTL(fallback time.Duration) time.Duration {
	if a.AccessTokenTTLMs > 0 {
		return time.Duration(a.AccessTokenTTLMs) * time.Millisecond
	}
	return fallback
}

// AggregatorConfig configures the inbound endpoint.
type AggregatorConfig struct {
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	Transport string `json:"transport,omitempty"` // stdio, sse or streamable-http

	// SessionTTLMs bounds idle inbound sessions; default 24h.
	SessionTTLMs int64 `json:"sessionTtl,omitempty"`
	// MaxConcurrent bounds parallel upstream fan-out; default 8.
	MaxConcurrent int `json:"maxConcurrent,omitempty"`
}

// SessionTTL returns the inbound session lifetime.
func (a AggregatorConfig) SessionTTL() time.Duration {
	if a.SessionTTLMs > 0 {
		return time.Duration(a.SessionTTLMs) * time.Millisecond
	}
	return DefaultSessionTTL
}

// Concurrency returns the fan-out bound.
func (a AggregatorConfig) Concurrency() int {
	if a.MaxConcurrent > 0 {
		return a.MaxConcurrent
	}
	return DefaultMaxConcurrent
}

// RetryConfig tunes the outbound connect retry policy.
type RetryConfig struct {
	MaxAttempts int   `json:"maxAttempts,omitempty"`
	BaseDelayMs int64 `json:"baseDelayMs,omitempty"`
}

// Attempts returns the configured retry budget.
func (r RetryConfig) Attempts() int {
	if r.MaxAttempts > 0 {
		return r.MaxAttempts
	}
	return DefaultRetryMaxAttempts
}

// BaseDelay returns the initial backoff delay.
func (r RetryConfig) BaseDelay() time.Duration {
	if r.BaseDelayMs > 0 {
		return time.Duration(r.BaseDelayMs) * time.Millisecond
	}
	return DefaultRetryBaseDelay
}

// ReloadConfig tunes the config watcher.
type ReloadConfig struct {
	DebounceMs int64 `json:"debounceMs,omitempty"`
}

// Debounce returns the watcher debounce window.
func (r ReloadConfig) Debounce() time.Duration {
	if r.DebounceMs > 0 {
		return time.Duration(r.DebounceMs) * time.Millisecond
	}
	return DefaultReloadDebounce
}

// Snapshot is one immutable configuration document. Reload swaps whole
// snapshots; nothing mutates a snapshot after Load returns it.
type Snapshot struct {
	Version          string                      `json:"version,omitempty"`
	MCPServers       map[string]*MCPServerParams `json:"mcpServers,omitempty"`
	MCPTemplates     map[string]*MCPServerParams `json:"mcpTemplates,omitempty"`
	TemplateSettings TemplateSettings            `json:"templateSettings,omitempty"`
	Features         Features                    `json:"features,omitempty"`
	RateLimits       RateLimits                  `json:"rateLimits,omitempty"`
	Auth             AuthConfig                  `json:"auth,omitempty"`
	Aggregator       AggregatorConfig            `json:"aggregator,omitempty"`
	Retry            RetryConfig                 `json:"retry,omitempty"`
	ConfigReload     ReloadConfig                `json:"configReload,omitempty"`
}

// AllTags returns the union of tags across servers and templates, sorted
// and deduplicated. This is the scope universe for inbound auth.
func (s *Snapshot) AllTags() []string {
	seen := make(map[string]bool)
	var tags []string
	collect := func(servers map[string]*MCPServerParams) {
		for _, params := range servers {
			for _, tag := range params.Tags {
				if !seen[tag] {
					seen[tag] = true
					tags = append(tags, tag)
				}
			}
		}
	}
	collect(s.MCPServers)
	collect(s.MCPTemplates)
	sortStrings(tags)
	return tags
}
