package aggregator

import (
	"sort"
	"strings"

	"conduit/internal/outbound"

	"github.com/mark3labs/mcp-go/mcp"
)

// Registry is an indexed, immutable view over a set of connections,
// keyed by (server, tool). It is rebuilt from connection snapshots
// rather than mutated, so lookups need no locking.
type Registry struct {
	servers []string
	tools   map[string][]mcp.Tool          // server -> sorted tools
	index   map[string]map[string]mcp.Tool // server -> tool name -> tool
	tags    map[string][]string
}

// BuildRegistry indexes the given connections. Only Connected entries
// contribute; a server appearing under several keys (static plus a
// template instance) keeps the first contribution in key order.
func BuildRegistry(conns map[string]*outbound.Connection) *Registry {
	reg := &Registry{
		tools: make(map[string][]mcp.Tool),
		index: make(map[string]map[string]mcp.Tool),
		tags:  make(map[string][]string),
	}

	keys := make([]string, 0, len(conns))
	for key := range conns {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		conn := conns[key]
		if conn.Status != outbound.StatusConnected {
			continue
		}
		if _, dup := reg.index[conn.Name]; dup {
			continue
		}

		byName := make(map[string]mcp.Tool, len(conn.Tools))
		tools := make([]mcp.Tool, len(conn.Tools))
		copy(tools, conn.Tools)
		sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
		for _, tool := range tools {
			byName[tool.Name] = tool
		}

		reg.servers = append(reg.servers, conn.Name)
		reg.tools[conn.Name] = tools
		reg.index[conn.Name] = byName
		reg.tags[conn.Name] = conn.Tags
	}

	sort.Strings(reg.servers)
	return reg
}

// Servers returns the indexed server names in lexical order.
func (r *Registry) Servers() []string {
	return r.servers
}

// Has reports whether the registry knows the server.
func (r *Registry) Has(server string) bool {
	_, ok := r.index[server]
	return ok
}

// Tools returns the server's tools sorted by name.
func (r *Registry) Tools(server string) []mcp.Tool {
	return r.tools[server]
}

// Find looks up one tool by server and name.
func (r *Registry) Find(server, name string) (mcp.Tool, bool) {
	tool, ok := r.index[server][name]
	return tool, ok
}

// Tags returns the owning server's tags.
func (r *Registry) Tags(server string) []string {
	return r.tags[server]
}

// Match returns the server's tools whose name matches the glob pattern.
// An empty pattern matches everything.
func (r *Registry) Match(server, pattern string) []mcp.Tool {
	if pattern == "" || pattern == "*" {
		return r.tools[server]
	}
	var matched []mcp.Tool
	for _, tool := range r.tools[server] {
		if globMatch(pattern, tool.Name) {
			matched = append(matched, tool)
		}
	}
	return matched
}

// globMatch matches name against pattern where '*' matches any run of
// characters. There is no escaping; tool names do not contain '*'.
func globMatch(pattern, name string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == name
	}

	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	name = name[len(parts[0]):]

	last := parts[len(parts)-1]
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(name, part)
		if idx < 0 {
			return false
		}
		name = name[idx+len(part):]
	}

	return strings.HasSuffix(name, last)
}
