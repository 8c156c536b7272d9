package aggregator

import (
	"sort"
	"strings"
	"sync"
	"time"

	"conduit/internal/tagquery"
)

const (
	// DefaultFilterCapacity bounds the filter memo entry count.
	DefaultFilterCapacity = 4096
	// DefaultFilterTTL is how long a memoised evaluation stays valid.
	DefaultFilterTTL = 10 * time.Minute
)

type filterEntry struct {
	match   bool
	expires time.Time
}

// FilterCache memoises tag expression evaluations keyed by the
// expression's canonical form plus the server's sorted tag set.
// Evaluations are cheap but views are recomputed on every list
// request, so the memo keeps hot sessions off the expression walker.
type FilterCache struct {
	mu       sync.Mutex
	entries  map[string]filterEntry
	capacity int
	ttl      time.Duration
}

// NewFilterCache creates a memo with the given bounds. Zero values
// fall back to the defaults.
func NewFilterCache(capacity int, ttl time.Duration) *FilterCache {
	if capacity <= 0 {
		capacity = DefaultFilterCapacity
	}
	if ttl <= 0 {
		ttl = DefaultFilterTTL
	}
	return &FilterCache{
		entries:  make(map[string]filterEntry),
		capacity: capacity,
		ttl:      ttl,
	}
}

func filterKey(expr tagquery.Expression, tags []string) string {
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	sort.Strings(sorted)
	return expr.Key() + "|" + strings.Join(sorted, ",")
}

// Evaluate returns whether the tags satisfy the expression, consulting
// the memo first. A nil expression always matches.
func (c *FilterCache) Evaluate(expr tagquery.Expression, tags []string) bool {
	if expr == nil {
		return true
	}

	key := filterKey(expr, tags)

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && time.Now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.match
	}
	c.mu.Unlock()

	match := expr.Evaluate(tags)

	c.mu.Lock()
	if len(c.entries) >= c.capacity {
		// Full reset is fine at this size; entries are trivially
		// recomputable.
		c.entries = make(map[string]filterEntry)
	}
	c.entries[key] = filterEntry{match: match, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return match
}

// Sweep removes expired entries and returns how many were dropped.
func (c *FilterCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the current entry count.
func (c *FilterCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
