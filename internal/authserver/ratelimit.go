package authserver

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"conduit/internal/config"
	"conduit/pkg/logging"
)

// Limiter applies a sliding-window request budget per client IP across
// the issuance endpoints. Attempts are tracked per address; entries
// outside the window are dropped on every touch, so a well-behaved
// client never accumulates state.
type Limiter struct {
	mu sync.Mutex

	maxRequests int
	window      time.Duration

	attempts map[string][]time.Time
}

// NewLimiter creates a limiter from the configured rate limits.
func NewLimiter(limits config.RateLimits) *Limiter {
	return &Limiter{
		maxRequests: limits.MaxRequests(),
		window:      limits.Window(),
		attempts:    make(map[string][]time.Time),
	}
}

// Allow records one request from ip if it fits the window. A rejected
// request is not recorded, so being rate limited does not extend the
// penalty.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-l.window)

	var recent []time.Time
	for _, t := range l.attempts[ip] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= l.maxRequests {
		l.attempts[ip] = recent
		logging.Warn("AuthServer", "Rate limit exceeded for %s (%d requests in %v)", ip, len(recent), l.window)
		return false
	}

	recent = append(recent, now)
	l.attempts[ip] = recent
	return true
}

// Remaining reports how many requests ip has left in the current window.
func (l *Limiter) Remaining(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	windowStart := time.Now().Add(-l.window)
	count := 0
	for _, t := range l.attempts[ip] {
		if t.After(windowStart) {
			count++
		}
	}
	if count >= l.maxRequests {
		return 0
	}
	return l.maxRequests - count
}

// Sweep drops addresses whose every attempt has left the window.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	windowStart := time.Now().Add(-l.window)
	for ip, attempts := range l.attempts {
		var recent []time.Time
		for _, t := range attempts {
			if t.After(windowStart) {
				recent = append(recent, t)
			}
		}
		if len(recent) == 0 {
			delete(l.attempts, ip)
		} else {
			l.attempts[ip] = recent
		}
	}
}

// clientIP extracts the caller's address for rate limiting. The first
// X-Forwarded-For hop wins when present so deployments behind a proxy
// limit the real client rather than the proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
