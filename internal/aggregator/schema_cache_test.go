package aggregator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaCachePutGet(t *testing.T) {
	c := NewSchemaCache(10, time.Minute)

	c.Put("git", "git_log", mcp.Tool{Name: "git_log"})

	tool, ok := c.Get("git", "git_log")
	require.True(t, ok)
	assert.Equal(t, "git_log", tool.Name)

	_, ok = c.Get("git", "git_status")
	assert.False(t, ok)
	_, ok = c.Get("other", "git_log")
	assert.False(t, ok)
}

func TestSchemaCacheExpiry(t *testing.T) {
	c := NewSchemaCache(10, 10*time.Millisecond)

	c.Put("git", "git_log", mcp.Tool{Name: "git_log"})
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("git", "git_log")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestSchemaCacheEviction(t *testing.T) {
	c := NewSchemaCache(2, time.Minute)

	c.Put("s", "a", mcp.Tool{Name: "a"})
	c.Put("s", "b", mcp.Tool{Name: "b"})

	// Touch "a" so "b" is the eviction candidate.
	_, ok := c.Get("s", "a")
	require.True(t, ok)

	c.Put("s", "c", mcp.Tool{Name: "c"})
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get("s", "a")
	assert.True(t, ok)
	_, ok = c.Get("s", "b")
	assert.False(t, ok, "least recently used entry is evicted")
	_, ok = c.Get("s", "c")
	assert.True(t, ok)
}

func TestSchemaCacheGetOrFetch(t *testing.T) {
	c := NewSchemaCache(10, time.Minute)

	var calls atomic.Int32
	fetch := func(ctx context.Context) (mcp.Tool, error) {
		calls.Add(1)
		return mcp.Tool{Name: "fetched"}, nil
	}

	tool, err := c.GetOrFetch(context.Background(), "s", "fetched", fetch)
	require.NoError(t, err)
	assert.Equal(t, "fetched", tool.Name)

	_, err = c.GetOrFetch(context.Background(), "s", "fetched", fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second lookup is a cache hit")
}

func TestSchemaCacheGetOrFetchError(t *testing.T) {
	c := NewSchemaCache(10, time.Minute)

	_, err := c.GetOrFetch(context.Background(), "s", "missing", func(ctx context.Context) (mcp.Tool, error) {
		return mcp.Tool{}, fmt.Errorf("upstream gone")
	})
	require.Error(t, err)
	assert.Equal(t, 0, c.Len(), "failed fetches are not cached")
}

func TestSchemaCacheGetOrFetchSingleflight(t *testing.T) {
	c := NewSchemaCache(10, time.Minute)

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (mcp.Tool, error) {
		calls.Add(1)
		<-release
		return mcp.Tool{Name: "slow"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tool, err := c.GetOrFetch(context.Background(), "s", "slow", fetch)
			assert.NoError(t, err)
			assert.Equal(t, "slow", tool.Name)
		}()
	}

	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent misses share one fetch")
}

func TestSchemaCacheInvalidate(t *testing.T) {
	c := NewSchemaCache(10, time.Minute)
	c.Put("git", "git_log", mcp.Tool{Name: "git_log"})
	c.Put("git", "git_status", mcp.Tool{Name: "git_status"})
	c.Put("db", "query", mcp.Tool{Name: "query"})

	c.Invalidate("git")

	_, ok := c.Get("git", "git_log")
	assert.False(t, ok)
	_, ok = c.Get("db", "query")
	assert.True(t, ok)
}

func TestSchemaCacheSweep(t *testing.T) {
	c := NewSchemaCache(10, 10*time.Millisecond)
	c.Put("s", "a", mcp.Tool{Name: "a"})
	c.Put("s", "b", mcp.Tool{Name: "b"})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 0, c.Len())
}

func TestFilterCacheMemoises(t *testing.T) {
	c := NewFilterCache(10, time.Minute)

	expr := countingExpr{matches: true}
	assert.True(t, c.Evaluate(&expr, []string{"dev"}))
	assert.True(t, c.Evaluate(&expr, []string{"dev"}))
	assert.Equal(t, 1, expr.calls, "second evaluation served from memo")

	// Tag order does not defeat the memo.
	other := countingExpr{matches: true}
	assert.True(t, c.Evaluate(&other, []string{"a", "b"}))
	assert.True(t, c.Evaluate(&other, []string{"b", "a"}))
	assert.Equal(t, 1, other.calls)
}

func TestFilterCacheNilExpression(t *testing.T) {
	c := NewFilterCache(10, time.Minute)
	assert.True(t, c.Evaluate(nil, nil))
	assert.True(t, c.Evaluate(nil, []string{"anything"}))
}

type countingExpr struct {
	matches bool
	calls   int
}

func (e *countingExpr) Evaluate([]string) bool { e.calls++; return e.matches }
func (e *countingExpr) String() string         { return "counting" }
func (e *countingExpr) Key() string            { return "counting" }
