package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultSchemaCapacity bounds the schema cache entry count.
	DefaultSchemaCapacity = 1024
	// DefaultSchemaTTL is how long a cached schema stays fresh.
	DefaultSchemaTTL = 30 * time.Minute
)

type schemaEntry struct {
	tool       mcp.Tool
	expires    time.Time
	lastAccess time.Time
	hits       uint64
}

// SchemaCache caches full tool definitions keyed by "server:tool".
// Misses are backfilled through singleflight so concurrent requests
// for the same schema share one upstream fetch.
type SchemaCache struct {
	mu       sync.Mutex
	entries  map[string]*schemaEntry
	capacity int
	ttl      time.Duration
	group    singleflight.Group
}

// NewSchemaCache creates a cache with the given bounds. Zero values
// fall back to the defaults.
func NewSchemaCache(capacity int, ttl time.Duration) *SchemaCache {
	if capacity <= 0 {
		capacity = DefaultSchemaCapacity
	}
	if ttl <= 0 {
		ttl = DefaultSchemaTTL
	}
	return &SchemaCache{
		entries:  make(map[string]*schemaEntry),
		capacity: capacity,
		ttl:      ttl,
	}
}

func schemaKey(server, name string) string {
	return server + ":" + name
}

// Get returns a fresh cached schema if present.
func (c *SchemaCache) Get(server, name string) (mcp.Tool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[schemaKey(server, name)]
	if !ok {
		return mcp.Tool{}, false
	}
	now := time.Now()
	if now.After(entry.expires) {
		delete(c.entries, schemaKey(server, name))
		return mcp.Tool{}, false
	}
	entry.lastAccess = now
	entry.hits++
	return entry.tool, true
}

// Put stores a schema, evicting the least recently used entry when the
// cache is full. Ties on access time fall to the entry with fewer hits.
func (c *SchemaCache) Put(server, name string, tool mcp.Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(schemaKey(server, name), tool)
}

func (c *SchemaCache) put(key string, tool mcp.Tool) {
	now := time.Now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evict()
	}
	c.entries[key] = &schemaEntry{
		tool:       tool,
		expires:    now.Add(c.ttl),
		lastAccess: now,
	}
}

func (c *SchemaCache) evict() {
	var victim string
	var victimEntry *schemaEntry
	for key, entry := range c.entries {
		if victimEntry == nil ||
			entry.lastAccess.Before(victimEntry.lastAccess) ||
			(entry.lastAccess.Equal(victimEntry.lastAccess) && entry.hits < victimEntry.hits) {
			victim = key
			victimEntry = entry
		}
	}
	if victimEntry != nil {
		delete(c.entries, victim)
	}
}

// GetOrFetch returns the cached schema or runs fetch to fill it.
// Concurrent callers for the same key share a single fetch.
func (c *SchemaCache) GetOrFetch(ctx context.Context, server, name string, fetch func(context.Context) (mcp.Tool, error)) (mcp.Tool, error) {
	if tool, ok := c.Get(server, name); ok {
		return tool, nil
	}

	key := schemaKey(server, name)
	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		if tool, ok := c.Get(server, name); ok {
			return tool, nil
		}
		tool, err := fetch(ctx)
		if err != nil {
			return mcp.Tool{}, err
		}
		c.mu.Lock()
		c.put(key, tool)
		c.mu.Unlock()
		return tool, nil
	})
	if err != nil {
		return mcp.Tool{}, err
	}
	return result.(mcp.Tool), nil
}

// Invalidate drops every cached schema for the server.
func (c *SchemaCache) Invalidate(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := server + ":"
	for key := range c.entries {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
		}
	}
}

// Sweep removes expired entries and returns how many were dropped.
func (c *SchemaCache) Sweep() int {
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
func (c *SchemaCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
