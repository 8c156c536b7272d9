package metatools

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"testing"
	"time"

	"conduit/internal/aggregator"
	"conduit/internal/outbound"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConns backs the aggregator with hand-built connection records.
type fakeConns struct {
	conns map[string]*outbound.Connection
}

func (f *fakeConns) Keys() []outbound.Key {
	keys := make([]outbound.Key, 0, len(f.conns))
	for _, conn := range f.conns {
		keys = append(keys, conn.Key)
	}
	return keys
}

func (f *fakeConns) RefreshCapabilities(context.Context, outbound.Key) error { return nil }

func (f *fakeConns) Snapshot() map[string]*outbound.Connection { return f.conns }

func (f *fakeConns) Resolve(serverName, _ string) (*outbound.Connection, bool) {
	conn, ok := f.conns[serverName]
	return conn, ok
}

func (f *fakeConns) FilterForSession(string) map[string]*outbound.Connection { return f.conns }

func upstream(name string, tags []string, toolNames ...string) *outbound.Connection {
	tools := make([]mcp.Tool, len(toolNames))
	for i, tn := range toolNames {
		tools[i] = mcp.Tool{
			Name:        tn,
			Description: "does " + tn,
			InputSchema: mcp.ToolInputSchema{Type: "object"},
		}
	}
	return &outbound.Connection{
		Name:   name,
		Key:    outbound.StaticKey(name),
		Status: outbound.StatusConnected,
		Tags:   tags,
		Tools:  tools,
	}
}

func fixture(t *testing.T, conns ...*outbound.Connection) (*Provider, *aggregator.SessionRegistry) {
	t.Helper()
	fake := &fakeConns{conns: make(map[string]*outbound.Connection)}
	for _, conn := range conns {
		fake.conns[conn.Key.String()] = conn
	}
	agg := aggregator.NewAggregator(fake, fake, 4)
	sessions := aggregator.NewSessionRegistry(time.Minute, 100, nil, nil)
	return NewProvider(agg, sessions), sessions
}

func urlValues(pairs ...string) url.Values {
	values := url.Values{}
	for i := 0; i < len(pairs); i += 2 {
		values.Set(pairs[i], pairs[i+1])
	}
	return values
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content")
	return text.Text
}

func decodeList(t *testing.T, result *mcp.CallToolResult) ListResponse {
	t.Helper()
	require.False(t, result.IsError, resultText(t, result))
	var resp ListResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &resp))
	return resp
}

func decodeError(t *testing.T, result *mcp.CallToolResult) ErrorDetail {
	t.Helper()
	require.True(t, result.IsError)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &resp))
	return resp.Error
}

func TestSessionTools(t *testing.T) {
	p, sessions := fixture(t)
	meta, err := sessions.Create("cnd_x", nil, true, nil, false)
	require.NoError(t, err)

	tools := p.SessionTools(meta)
	require.Len(t, tools, 3)

	var names []string
	for _, tool := range tools {
		names = append(names, tool.Tool.Name)
		require.NotNil(t, tool.Handler)
	}
	sort.Strings(names)
	assert.Equal(t, []string{ToolInvoke, ToolList, ToolSchema}, names)
}

func TestHandleListAllServers(t *testing.T) {
	p, _ := fixture(t,
		upstream("git", nil, "git_log", "git_status"),
		upstream("db", nil, "query"),
	)

	result, err := p.HandleList(context.Background(), "cnd_1", map[string]interface{}{})
	require.NoError(t, err)
	resp := decodeList(t, result)

	assert.Equal(t, 3, resp.Total)
	require.Len(t, resp.Tools, 3)
	assert.Equal(t, ToolSummary{Server: "db", Name: "query", Description: "does query"}, resp.Tools[0])
	assert.Empty(t, resp.NextCursor)
}

func TestHandleListServerAndPattern(t *testing.T) {
	p, _ := fixture(t,
		upstream("git", nil, "git_log", "git_status", "file_read"),
		upstream("db", nil, "query"),
	)

	result, err := p.HandleList(context.Background(), "cnd_1", map[string]interface{}{
		"server":  "git",
		"pattern": "git_*",
	})
	require.NoError(t, err)
	resp := decodeList(t, result)

	assert.Equal(t, 2, resp.Total)
	for _, summary := range resp.Tools {
		assert.Equal(t, "git", summary.Server)
	}
}

func TestHandleListUnknownServer(t *testing.T) {
	p, _ := fixture(t, upstream("git", nil, "git_log"))

	result, err := p.HandleList(context.Background(), "cnd_1", map[string]interface{}{"server": "ghost"})
	require.NoError(t, err)
	detail := decodeError(t, result)
	assert.Equal(t, ErrorNotFound, detail.Type)
}

func TestHandleListAppliesSessionFilter(t *testing.T) {
	p, sessions := fixture(t,
		upstream("git", []string{"vcs"}, "git_log"),
		upstream("db", []string{"data"}, "query"),
	)
	filter, err := aggregator.ParseFilterQuery(urlValues("tags", "data"), nil)
	require.NoError(t, err)
	_, err = sessions.Create("cnd_f", filter, true, nil, false)
	require.NoError(t, err)

	result, err := p.HandleList(context.Background(), "cnd_f", map[string]interface{}{})
	require.NoError(t, err)
	resp := decodeList(t, result)

	require.Len(t, resp.Tools, 1)
	assert.Equal(t, "db", resp.Tools[0].Server)
}

func TestHandleListPagination(t *testing.T) {
	p, sessions := fixture(t, upstream("s", nil, "t1", "t2", "t3", "t4", "t5"))
	_, err := sessions.Create("cnd_page", nil, true, nil, false)
	require.NoError(t, err)

	first, err := p.HandleList(context.Background(), "cnd_page", map[string]interface{}{"limit": float64(2)})
	require.NoError(t, err)
	page1 := decodeList(t, first)
	assert.Equal(t, 5, page1.Total)
	require.Len(t, page1.Tools, 2)
	require.NotEmpty(t, page1.NextCursor)

	second, err := p.HandleList(context.Background(), "cnd_page", map[string]interface{}{
		"limit":  float64(2),
		"cursor": page1.NextCursor,
	})
	require.NoError(t, err)
	page2 := decodeList(t, second)
	require.Len(t, page2.Tools, 2)
	assert.NotEqual(t, page1.Tools[0].Name, page2.Tools[0].Name)

	third, err := p.HandleList(context.Background(), "cnd_page", map[string]interface{}{
		"limit":  float64(2),
		"cursor": page2.NextCursor,
	})
	require.NoError(t, err)
	page3 := decodeList(t, third)
	require.Len(t, page3.Tools, 1)
	assert.Empty(t, page3.NextCursor)
}

func TestHandleListForeignCursorResets(t *testing.T) {
	p, sessions := fixture(t, upstream("s", nil, "t1", "t2", "t3"))
	_, err := sessions.Create("cnd_mine", nil, true, nil, false)
	require.NoError(t, err)

	foreign := aggregator.EncodeCursor("cnd_other", "s:t2")
	result, err := p.HandleList(context.Background(), "cnd_mine", map[string]interface{}{
		"limit":  float64(2),
		"cursor": foreign,
	})
	require.NoError(t, err)
	resp := decodeList(t, result)

	// Listing restarted from the beginning.
	assert.Equal(t, "t1", resp.Tools[0].Name)
}

func TestHandleListInvalidCursorResets(t *testing.T) {
	p, _ := fixture(t, upstream("s", nil, "t1", "t2"))

	result, err := p.HandleList(context.Background(), "cnd_1", map[string]interface{}{"cursor": "!!not-a-cursor!!"})
	require.NoError(t, err)
	resp := decodeList(t, result)
	assert.Equal(t, "t1", resp.Tools[0].Name)
}

func TestHandleListPaginationDisabled(t *testing.T) {
	p, sessions := fixture(t, upstream("s", nil, "t1", "t2", "t3", "t4", "t5"))
	_, err := sessions.Create("cnd_all", nil, false, nil, false)
	require.NoError(t, err)

	result, err := p.HandleList(context.Background(), "cnd_all", map[string]interface{}{"limit": float64(2)})
	require.NoError(t, err)
	resp := decodeList(t, result)

	assert.Len(t, resp.Tools, 5, "sessions that opted out get everything")
	assert.Empty(t, resp.NextCursor)
}

func TestHandleListBadLimit(t *testing.T) {
	p, _ := fixture(t, upstream("s", nil, "t1"))

	for _, limit := range []interface{}{"ten", float64(0), float64(-1), float64(1.5)} {
		result, err := p.HandleList(context.Background(), "cnd_1", map[string]interface{}{"limit": limit})
		require.NoError(t, err)
		detail := decodeError(t, result)
		assert.Equal(t, ErrorValidation, detail.Type)
	}
}

func TestHandleSchemaFromRegistry(t *testing.T) {
	p, _ := fixture(t, upstream("git", nil, "git_log"))

	result, err := p.HandleSchema(context.Background(), "cnd_1", map[string]interface{}{
		"server":   "git",
		"toolName": "git_log",
	})
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp SchemaResponse
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &resp))
	assert.Equal(t, "git", resp.Server)
	assert.Equal(t, "git_log", resp.Name)
	assert.NotEmpty(t, resp.InputSchema)

	// The lookup primed the schema cache.
	_, ok := p.agg.Schemas().Get("git", "git_log")
	assert.True(t, ok)
}

func TestHandleSchemaValidation(t *testing.T) {
	p, _ := fixture(t)

	result, err := p.HandleSchema(context.Background(), "cnd_1", map[string]interface{}{"server": "git"})
	require.NoError(t, err)
	detail := decodeError(t, result)
	assert.Equal(t, ErrorValidation, detail.Type)
	assert.Contains(t, detail.Message, "toolName")
}

func TestHandleSchemaUnknownServer(t *testing.T) {
	p, _ := fixture(t, upstream("git", nil, "git_log"))

	result, err := p.HandleSchema(context.Background(), "cnd_1", map[string]interface{}{
		"server":   "ghost",
		"toolName": "x",
	})
	require.NoError(t, err)
	assert.Equal(t, ErrorNotFound, decodeError(t, result).Type)
}

func TestHandleSchemaBackfillUnavailable(t *testing.T) {
	// The tool is absent from the cached listing and the connection has
	// no live client, so the backfill fails upstream.
	p, _ := fixture(t, upstream("git", nil, "git_log"))

	result, err := p.HandleSchema(context.Background(), "cnd_1", map[string]interface{}{
		"server":   "git",
		"toolName": "not_listed",
	})
	require.NoError(t, err)
	assert.Equal(t, ErrorUpstream, decodeError(t, result).Type)
}

func TestHandleInvokeValidation(t *testing.T) {
	p, _ := fixture(t)

	result, err := p.HandleInvoke(context.Background(), "cnd_1", map[string]interface{}{})
	require.NoError(t, err)
	detail := decodeError(t, result)
	assert.Equal(t, ErrorValidation, detail.Type)
	assert.Contains(t, detail.Message, "server")
	assert.Contains(t, detail.Message, "toolName")
}

func TestHandleInvokeBadArgsType(t *testing.T) {
	p, _ := fixture(t, upstream("git", nil, "git_log"))

	result, err := p.HandleInvoke(context.Background(), "cnd_1", map[string]interface{}{
		"server":   "git",
		"toolName": "git_log",
		"args":     "not an object",
	})
	require.NoError(t, err)
	assert.Equal(t, ErrorValidation, decodeError(t, result).Type)
}

func TestHandleInvokeNotFound(t *testing.T) {
	p, _ := fixture(t, upstream("git", nil, "git_log"))

	result, err := p.HandleInvoke(context.Background(), "cnd_1", map[string]interface{}{
		"server":   "git",
		"toolName": "missing",
	})
	require.NoError(t, err)
	assert.Equal(t, ErrorNotFound, decodeError(t, result).Type)

	result, err = p.HandleInvoke(context.Background(), "cnd_1", map[string]interface{}{
		"server":   "ghost",
		"toolName": "x",
	})
	require.NoError(t, err)
	assert.Equal(t, ErrorNotFound, decodeError(t, result).Type)
}

func TestHandleInvokeUpstreamUnavailable(t *testing.T) {
	// Connected record without a live client handle.
	p, _ := fixture(t, upstream("git", nil, "git_log"))

	result, err := p.HandleInvoke(context.Background(), "cnd_1", map[string]interface{}{
		"server":   "git",
		"toolName": "git_log",
	})
	require.NoError(t, err)
	assert.Equal(t, ErrorUpstream, decodeError(t, result).Type)
}
