package metatools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"conduit/internal/aggregator"
	"conduit/internal/outbound"
	"conduit/internal/tagquery"
	"conduit/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	defaultListLimit = aggregator.DefaultPageSize
	maxListLimit     = 200

	// localClient is the cursor identity for sessions without a
	// registry record, such as the stdio transport's single client.
	localClient = "local"
)

var errToolNotFound = errors.New("tool not found")

// sessionState resolves the filter expression and pagination preference
// for the calling session. Unregistered sessions see everything.
func (p *Provider) sessionState(sessionID string) (tagquery.Expression, bool, string) {
	meta, ok := p.sessions.Get(sessionID)
	if !ok {
		return nil, true, localClient
	}
	meta.Touch()
	return meta.Expression(), meta.Pagination, meta.SessionID
}

// visibleServers indexes the session's connections and drops servers
// excluded by its filter.
func (p *Provider) visibleServers(sessionID string, expr tagquery.Expression) (*aggregator.Registry, []string) {
	reg := p.agg.RegistryForSession(sessionID)
	servers := reg.Servers()
	if expr == nil {
		return reg, servers
	}
	filtered := make([]string, 0, len(servers))
	for _, name := range servers {
		if expr.Evaluate(reg.Tags(name)) {
			filtered = append(filtered, name)
		}
	}
	return reg, filtered
}

// HandleList implements the tool_list meta-tool.
func (p *Provider) HandleList(_ context.Context, sessionID string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	serverArg, _ := args["server"].(string)
	pattern, _ := args["pattern"].(string)
	cursorArg, _ := args["cursor"].(string)

	limit := defaultListLimit
	if raw, ok := args["limit"]; ok {
		num, ok := raw.(float64)
		if !ok || num != float64(int(num)) {
			return p.formatters.FormatError(ErrorValidation, "limit must be an integer"), nil
		}
		limit = int(num)
		if limit < 1 {
			return p.formatters.FormatError(ErrorValidation, "limit must be positive"), nil
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
	}

	expr, paginated, client := p.sessionState(sessionID)
	reg, servers := p.visibleServers(sessionID, expr)

	if serverArg != "" {
		if !containsString(servers, serverArg) {
			return p.formatters.FormatError(ErrorNotFound, "server %q is not available", serverArg), nil
		}
		servers = []string{serverArg}
	}

	// Entries are keyed "server:name" in stable order so a cursor is a
	// plain resume-after marker.
	var keys []string
	summaries := make(map[string]ToolSummary)
	for _, name := range servers {
		for _, tool := range reg.Match(name, pattern) {
			key := name + ":" + tool.Name
			keys = append(keys, key)
			summaries[key] = ToolSummary{Server: name, Name: tool.Name, Description: tool.Description}
		}
	}
	sort.Strings(keys)

	resp := &ListResponse{Total: len(keys)}

	if !paginated {
		for _, key := range keys {
			resp.Tools = append(resp.Tools, summaries[key])
		}
		return p.formatters.FormatList(resp)
	}

	after := ""
	if cursorArg != "" {
		cursor, err := aggregator.DecodeCursor(cursorArg)
		switch {
		case err != nil:
			logging.Warn("MetaTools", "Resetting listing for session %s: %v", logging.TruncateSessionID(sessionID), err)
		case cursor.Client != client:
			logging.Warn("MetaTools", "Cursor issued to another client, resetting listing for session %s", logging.TruncateSessionID(sessionID))
		default:
			after = cursor.Upstream
		}
	}

	page, next := aggregator.Page(keys, after, limit)
	for _, key := range page {
		resp.Tools = append(resp.Tools, summaries[key])
	}
	if next != "" {
		resp.NextCursor = aggregator.EncodeCursor(client, next)
	}
	return p.formatters.FormatList(resp)
}

// HandleSchema implements the tool_schema meta-tool. The cached
// definition is preferred; misses are backfilled from the owning
// upstream, which also primes the cache for its sibling tools.
func (p *Provider) HandleSchema(ctx context.Context, sessionID string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	serverName, toolName, errResult := p.targetArgs(args)
	if errResult != nil {
		return errResult, nil
	}

	expr, _, _ := p.sessionState(sessionID)
	reg, servers := p.visibleServers(sessionID, expr)
	if !containsString(servers, serverName) {
		return p.formatters.FormatError(ErrorNotFound, "server %q is not available", serverName), nil
	}

	if tool, ok := p.agg.Schemas().Get(serverName, toolName); ok {
		return p.formatters.FormatSchema(serverName, tool)
	}
	if tool, ok := reg.Find(serverName, toolName); ok {
		p.agg.Schemas().Put(serverName, toolName, tool)
		return p.formatters.FormatSchema(serverName, tool)
	}

	tool, err := p.agg.Schemas().GetOrFetch(ctx, serverName, toolName, func(ctx context.Context) (mcp.Tool, error) {
		return p.fetchSchema(ctx, sessionID, serverName, toolName)
	})
	if err != nil {
		if errors.Is(err, errToolNotFound) {
			return p.formatters.FormatError(ErrorNotFound, "tool %q not found on %s", toolName, serverName), nil
		}
		return p.formatters.FormatError(ErrorUpstream, "fetching schema from %s: %v", serverName, err), nil
	}
	return p.formatters.FormatSchema(serverName, tool)
}

// fetchSchema lists the upstream's tools, primes the cache with all of
// them and returns the requested one.
func (p *Provider) fetchSchema(ctx context.Context, sessionID, serverName, toolName string) (mcp.Tool, error) {
	conn, ok := p.agg.Resolver().Resolve(serverName, sessionID)
	if !ok || conn.Status != outbound.StatusConnected || conn.Client() == nil {
		return mcp.Tool{}, fmt.Errorf("server %q is not connected", serverName)
	}

	listCtx, cancel := context.WithTimeout(ctx, conn.RequestTimeout())
	defer cancel()

	tools, err := conn.Client().ListTools(listCtx)
	if err != nil {
		return mcp.Tool{}, fmt.Errorf("listing tools on %s: %w", serverName, err)
	}

	var found *mcp.Tool
	for i := range tools {
		p.agg.Schemas().Put(serverName, tools[i].Name, tools[i])
		if tools[i].Name == toolName {
			found = &tools[i]
		}
	}
	if found == nil {
		return mcp.Tool{}, fmt.Errorf("%q on %s: %w", toolName, serverName, errToolNotFound)
	}
	return *found, nil
}

// HandleInvoke implements the tool_invoke meta-tool. Upstream results
// pass through unchanged; failures come back in the typed envelope.
func (p *Provider) HandleInvoke(ctx context.Context, sessionID string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	serverName, toolName, errResult := p.targetArgs(args)
	if errResult != nil {
		return errResult, nil
	}

	var toolArgs map[string]interface{}
	if raw, ok := args["args"]; ok && raw != nil {
		toolArgs, ok = raw.(map[string]interface{})
		if !ok {
			return p.formatters.FormatError(ErrorValidation, "args must be an object"), nil
		}
	}

	expr, _, _ := p.sessionState(sessionID)
	reg, servers := p.visibleServers(sessionID, expr)
	if !containsString(servers, serverName) {
		return p.formatters.FormatError(ErrorNotFound, "server %q is not available", serverName), nil
	}
	if _, ok := reg.Find(serverName, toolName); !ok {
		return p.formatters.FormatError(ErrorNotFound, "tool %q not found on %s", toolName, serverName), nil
	}

	conn, ok := p.agg.Resolver().Resolve(serverName, sessionID)
	if !ok || conn.Status != outbound.StatusConnected || conn.Client() == nil {
		return p.formatters.FormatError(ErrorUpstream, "server %q is not connected", serverName), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, conn.RequestTimeout())
	defer cancel()

	result, err := conn.Client().CallTool(callCtx, toolName, toolArgs)
	if err != nil {
		return p.formatters.FormatError(ErrorUpstream, "calling %s on %s: %v", toolName, serverName, err), nil
	}
	return result, nil
}

// targetArgs validates the (server, toolName) pair shared by
// tool_schema and tool_invoke.
func (p *Provider) targetArgs(args map[string]interface{}) (string, string, *mcp.CallToolResult) {
	serverName, _ := args["server"].(string)
	toolName, _ := args["toolName"].(string)

	var missing []string
	if strings.TrimSpace(serverName) == "" {
		missing = append(missing, "server")
	}
	if strings.TrimSpace(toolName) == "" {
		missing = append(missing, "toolName")
	}
	if len(missing) > 0 {
		return "", "", p.formatters.FormatError(ErrorValidation, "missing required arguments: %s", strings.Join(missing, ", "))
	}
	return serverName, toolName, nil
}

func containsString(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}
