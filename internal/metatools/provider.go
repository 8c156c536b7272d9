package metatools

import (
	"context"

	"conduit/internal/aggregator"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Provider serves the meta-tool facade. It implements the aggregator's
// ToolInjector so sessions running with lazy loading get exactly these
// three tools instead of the full upstream surface.
type Provider struct {
	agg        *aggregator.Aggregator
	sessions   *aggregator.SessionRegistry
	formatters *Formatters
}

// NewProvider creates the facade over the view engine and session
// registry.
func NewProvider(agg *aggregator.Aggregator, sessions *aggregator.SessionRegistry) *Provider {
	return &Provider{
		agg:        agg,
		sessions:   sessions,
		formatters: NewFormatters(),
	}
}

var _ aggregator.ToolInjector = (*Provider)(nil)

// SessionTools returns the meta-tools bound to the given session.
func (p *Provider) SessionTools(meta *aggregator.SessionMeta) []server.ServerTool {
	sessionID := meta.SessionID
	return []server.ServerTool{
		{
			Tool: listToolDefinition(),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return p.HandleList(ctx, sessionID, arguments(req))
			},
		},
		{
			Tool: schemaToolDefinition(),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return p.HandleSchema(ctx, sessionID, arguments(req))
			},
		},
		{
			Tool: invokeToolDefinition(),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return p.HandleInvoke(ctx, sessionID, arguments(req))
			},
		},
	}
}

func arguments(req mcp.CallToolRequest) map[string]interface{} {
	args, _ := req.Params.Arguments.(map[string]interface{})
	return args
}

func listToolDefinition() mcp.Tool {
	return mcp.Tool{
		Name:        ToolList,
		Description: "List tools available from connected upstream servers. Supports optional server and glob pattern filters and cursor pagination.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"server": map[string]interface{}{
					"type":        "string",
					"description": "Restrict the listing to one upstream server",
				},
				"pattern": map[string]interface{}{
					"type":        "string",
					"description": "Glob pattern matched against tool names, '*' matches any run of characters",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum entries per page",
				},
				"cursor": map[string]interface{}{
					"type":        "string",
					"description": "Opaque cursor from a previous tool_list response",
				},
			},
		},
	}
}

func schemaToolDefinition() mcp.Tool {
	return mcp.Tool{
		Name:        ToolSchema,
		Description: "Get the full definition of one upstream tool, including its input schema.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"server": map[string]interface{}{
					"type":        "string",
					"description": "Upstream server owning the tool",
				},
				"toolName": map[string]interface{}{
					"type":        "string",
					"description": "Name of the tool",
				},
			},
			Required: []string{"server", "toolName"},
		},
	}
}

func invokeToolDefinition() mcp.Tool {
	return mcp.Tool{
		Name:        ToolInvoke,
		Description: "Invoke an upstream tool by server and name with the given arguments.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"server": map[string]interface{}{
					"type":        "string",
					"description": "Upstream server owning the tool",
				},
				"toolName": map[string]interface{}{
					"type":        "string",
					"description": "Name of the tool",
				},
				"args": map[string]interface{}{
					"type":        "object",
					"description": "Arguments forwarded to the tool",
				},
			},
			Required: []string{"server", "toolName"},
		},
	}
}
