package aggregator

import (
	"context"
	"sort"
	"sync"
	"testing"

	"conduit/internal/outbound"
	"conduit/internal/tagquery"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConns implements ConnectionSource and ConnectionResolver over a
// plain map, standing in for the outbound manager and resolver.
type fakeConns struct {
	mu        sync.Mutex
	conns     map[string]*outbound.Connection
	refreshed []string
}

func newFakeConns(conns ...*outbound.Connection) *fakeConns {
	f := &fakeConns{conns: make(map[string]*outbound.Connection)}
	for _, conn := range conns {
		f.conns[conn.Key.String()] = conn
	}
	return f
}

func (f *fakeConns) Keys() []outbound.Key {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]outbound.Key, 0, len(f.conns))
	for _, conn := range f.conns {
		keys = append(keys, conn.Key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func (f *fakeConns) RefreshCapabilities(_ context.Context, key outbound.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, key.String())
	return nil
}

func (f *fakeConns) Snapshot() map[string]*outbound.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*outbound.Connection, len(f.conns))
	for key, conn := range f.conns {
		out[key] = conn
	}
	return out
}

func (f *fakeConns) Resolve(serverName, _ string) (*outbound.Connection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.conns[serverName]
	return conn, ok
}

func (f *fakeConns) FilterForSession(_ string) map[string]*outbound.Connection {
	return f.Snapshot()
}

func (f *fakeConns) set(conn *outbound.Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[conn.Key.String()] = conn
}

func (f *fakeConns) remove(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, key)
}

func viewToolNames(view *View) []string {
	names := make([]string, len(view.Tools))
	for i, entry := range view.Tools {
		names[i] = entry.Tool.Name
	}
	return names
}

func TestComputeViewMergesServers(t *testing.T) {
	conns := newFakeConns(
		testConn("git", outbound.StatusConnected, []string{"vcs"}, "git_log"),
		testConn("db", outbound.StatusConnected, []string{"data"}, "query"),
	)
	agg := NewAggregator(conns, conns, 4)

	view := agg.ComputeView("cnd_1", nil)
	assert.Equal(t, []string{"git_log", "query"}, viewToolNames(view))
}

func TestComputeViewAppliesFilter(t *testing.T) {
	conns := newFakeConns(
		testConn("git", outbound.StatusConnected, []string{"vcs"}, "git_log"),
		testConn("db", outbound.StatusConnected, []string{"data"}, "query"),
	)
	agg := NewAggregator(conns, conns, 4)

	view := agg.ComputeView("cnd_1", tagquery.Tag{Value: "data"})
	require.Len(t, view.Tools, 1)
	assert.Equal(t, "query", view.Tools[0].Tool.Name)
	assert.Equal(t, "db", view.Tools[0].Server)
}

func TestComputeViewSkipsUnavailable(t *testing.T) {
	conns := newFakeConns(
		testConn("up", outbound.StatusConnected, nil, "works"),
		testConn("down", outbound.StatusError, nil, "broken"),
		testConn("pending", outbound.StatusAwaitingOAuth, nil, "waiting"),
	)
	agg := NewAggregator(conns, conns, 4)

	view := agg.ComputeView("cnd_1", nil)
	assert.Equal(t, []string{"works"}, viewToolNames(view))
}

func TestComputeViewToolNameConflict(t *testing.T) {
	conns := newFakeConns(
		testConn("alpha", outbound.StatusConnected, nil, "shared", "alpha_only"),
		testConn("beta", outbound.StatusConnected, nil, "shared", "beta_only"),
	)
	agg := NewAggregator(conns, conns, 4)

	view := agg.ComputeView("cnd_1", nil)
	assert.Equal(t, []string{"alpha_only", "beta_only", "shared"}, viewToolNames(view))

	for _, entry := range view.Tools {
		if entry.Tool.Name == "shared" {
			assert.Equal(t, "alpha", entry.Server, "first server in order keeps a contested name")
		}
	}
}

func TestComputeViewResourcesAndPrompts(t *testing.T) {
	conn := testConn("files", outbound.StatusConnected, nil, "read")
	conn.Resources = []mcp.Resource{{URI: "file:///a.txt", Name: "a"}}
	conn.Prompts = []mcp.Prompt{{Name: "summarise"}}
	conns := newFakeConns(conn)
	agg := NewAggregator(conns, conns, 4)

	view := agg.ComputeView("cnd_1", nil)
	require.Len(t, view.Resources, 1)
	assert.Equal(t, "file:///a.txt", view.Resources[0].Resource.URI)
	assert.Equal(t, "files", view.Resources[0].Server)
	require.Len(t, view.Prompts, 1)
	assert.Equal(t, "summarise", view.Prompts[0].Prompt.Name)
}

func TestRefreshAllTouchesEveryConnection(t *testing.T) {
	conns := newFakeConns(
		testConn("a", outbound.StatusConnected, nil, "t1"),
		testConn("b", outbound.StatusConnected, nil, "t2"),
	)
	agg := NewAggregator(conns, conns, 4)

	agg.RefreshAll(context.Background())

	sort.Strings(conns.refreshed)
	assert.Equal(t, []string{"a", "b"}, conns.refreshed)

	// Schemas from connected upstreams are primed.
	_, ok := agg.Schemas().Get("a", "t1")
	assert.True(t, ok)
	_, ok = agg.Schemas().Get("b", "t2")
	assert.True(t, ok)
}

func TestUpdateCapabilitiesDiff(t *testing.T) {
	conns := newFakeConns(
		testConn("git", outbound.StatusConnected, nil, "git_log"),
	)
	agg := NewAggregator(conns, conns, 4)

	first := agg.UpdateCapabilities()
	assert.Equal(t, []string{"git:git_log"}, first.Tools.Added)
	assert.Empty(t, first.Tools.Removed)

	// Steady state produces no diff.
	assert.False(t, agg.UpdateCapabilities().HasChanges())

	conns.set(testConn("db", outbound.StatusConnected, nil, "query"))
	conns.remove("git")

	second := agg.UpdateCapabilities()
	assert.Equal(t, []string{"db:query"}, second.Tools.Added)
	assert.Equal(t, []string{"git:git_log"}, second.Tools.Removed)
}

func TestUpdateCapabilitiesIgnoresDisconnected(t *testing.T) {
	conn := testConn("flaky", outbound.StatusConnected, nil, "tool")
	conns := newFakeConns(conn)
	agg := NewAggregator(conns, conns, 4)

	agg.UpdateCapabilities()

	conn.Status = outbound.StatusError
	cs := agg.UpdateCapabilities()
	assert.Equal(t, []string{"flaky:tool"}, cs.Tools.Removed, "a dropped connection removes its surface")
}
