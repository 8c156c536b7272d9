package reload

import (
	"context"
	"sync"
	"time"

	"conduit/internal/config"
	"conduit/internal/template"
	"conduit/pkg/logging"
)

const (
	// DefaultBreakerThreshold is how many consecutive failures trip the
	// breaker.
	DefaultBreakerThreshold = 3
	// DefaultBreakerCooldown is how long template processing stays
	// suspended once tripped.
	DefaultBreakerCooldown = 5 * time.Minute
)

// Breaker is a circuit breaker over template materialization. It
// implements the outbound package's TemplateGate: while open, sessions
// are served static servers only.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openUntil time.Time
}

// NewBreaker creates a breaker. Zero values fall back to the defaults.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether template processing may proceed. An expired
// cooldown closes the breaker again.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openUntil.IsZero() {
		return true
	}
	if time.Now().Before(b.openUntil) {
		return false
	}
	logging.Info("TemplateBreaker", "Cooldown elapsed, resuming template processing")
	b.openUntil = time.Time{}
	b.failures = 0
	return true
}

// RecordFailure counts one materialization failure and trips the
// breaker at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= b.threshold && b.openUntil.IsZero() {
		b.openUntil = time.Now().Add(b.cooldown)
		logging.Warn("TemplateBreaker", "Suspending template processing for %s after %d consecutive failures",
			b.cooldown, b.failures)
	}
}

// RecordSuccess resets the consecutive failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// Reset closes the breaker immediately, regardless of cooldown.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}

// Open reports whether the breaker is currently suspending templates.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.openUntil.IsZero() && time.Now().Before(b.openUntil)
}

// Materializer is the slice of the session factory the guard wraps.
type Materializer interface {
	Materialize(ctx context.Context, sessionID string, ctxData *template.ContextData, snapshot *config.Snapshot) error
	ReleaseSession(sessionID string)
}

// GuardedMaterializer feeds materialization outcomes into the breaker.
// The breaker itself is also handed to the factory as its gate, so an
// open breaker short-circuits before any rendering happens.
type GuardedMaterializer struct {
	Inner   Materializer
	Breaker *Breaker
}

func (g *GuardedMaterializer) Materialize(ctx context.Context, sessionID string, ctxData *template.ContextData, snapshot *config.Snapshot) error {
	err := g.Inner.Materialize(ctx, sessionID, ctxData, snapshot)
	if err != nil {
		g.Breaker.RecordFailure()
	} else {
		g.Breaker.RecordSuccess()
	}
	return err
}

func (g *GuardedMaterializer) ReleaseSession(sessionID string) {
	g.Inner.ReleaseSession(sessionID)
}
