package aggregator

import (
	"testing"

	"conduit/internal/outbound"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConn(name string, status outbound.Status, tags []string, toolNames ...string) *outbound.Connection {
	tools := make([]mcp.Tool, len(toolNames))
	for i, tn := range toolNames {
		tools[i] = mcp.Tool{Name: tn, Description: "tool " + tn}
	}
	return &outbound.Connection{
		Name:   name,
		Key:    outbound.StaticKey(name),
		Status: status,
		Tags:   tags,
		Tools:  tools,
	}
}

func TestBuildRegistry(t *testing.T) {
	reg := BuildRegistry(map[string]*outbound.Connection{
		"git":  testConn("git", outbound.StatusConnected, []string{"vcs"}, "git_log", "git_status"),
		"db":   testConn("db", outbound.StatusConnected, []string{"data"}, "query"),
		"down": testConn("down", outbound.StatusError, nil, "unreachable"),
	})

	assert.Equal(t, []string{"db", "git"}, reg.Servers())
	assert.True(t, reg.Has("git"))
	assert.False(t, reg.Has("down"), "non-connected servers are not indexed")

	tool, ok := reg.Find("git", "git_log")
	require.True(t, ok)
	assert.Equal(t, "git_log", tool.Name)

	_, ok = reg.Find("git", "query")
	assert.False(t, ok)

	assert.Equal(t, []string{"data"}, reg.Tags("db"))
}

func TestBuildRegistryFirstKeyWins(t *testing.T) {
	static := testConn("db", outbound.StatusConnected, nil, "static_tool")
	instance := testConn("db", outbound.StatusConnected, nil, "instance_tool")
	instance.Key = outbound.TemplateSessionKey("db", "cnd_1")

	reg := BuildRegistry(map[string]*outbound.Connection{
		"db":       static,
		"db:cnd_1": instance,
	})

	// "db" sorts before "db:cnd_1".
	_, ok := reg.Find("db", "static_tool")
	assert.True(t, ok)
	_, ok = reg.Find("db", "instance_tool")
	assert.False(t, ok)
}

func TestRegistryToolsSorted(t *testing.T) {
	reg := BuildRegistry(map[string]*outbound.Connection{
		"s": testConn("s", outbound.StatusConnected, nil, "zeta", "alpha", "mid"),
	})

	tools := reg.Tools("s")
	require.Len(t, tools, 3)
	assert.Equal(t, "alpha", tools[0].Name)
	assert.Equal(t, "mid", tools[1].Name)
	assert.Equal(t, "zeta", tools[2].Name)
}

func TestRegistryMatch(t *testing.T) {
	reg := BuildRegistry(map[string]*outbound.Connection{
		"s": testConn("s", outbound.StatusConnected, nil, "git_log", "git_status", "file_read"),
	})

	names := func(tools []mcp.Tool) []string {
		out := make([]string, len(tools))
		for i, tool := range tools {
			out[i] = tool.Name
		}
		return out
	}

	assert.Equal(t, []string{"git_log", "git_status"}, names(reg.Match("s", "git_*")))
	assert.Equal(t, []string{"file_read"}, names(reg.Match("s", "*read")))
	assert.Equal(t, []string{"git_log"}, names(reg.Match("s", "git_log")))
	assert.Len(t, reg.Match("s", "*"), 3)
	assert.Len(t, reg.Match("s", ""), 3)
	assert.Empty(t, reg.Match("s", "nope_*"))
	assert.Empty(t, reg.Match("unknown", "*"))
}

func TestGlobMatch(t *testing.T) {
	cases := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"git_*", "git_log", true},
		{"git_*", "file_read", false},
		{"*_read", "file_read", true},
		{"*file*", "my_file_tool", true},
		{"a*b*c", "axxbyyc", true},
		{"a*b*c", "axxcyyb", false},
		{"exact", "exact", true},
		{"exact", "exactly", false},
		{"*", "anything", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, globMatch(tc.pattern, tc.name), "pattern %q vs %q", tc.pattern, tc.name)
	}
}
