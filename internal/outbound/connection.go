package outbound

import (
	"time"

	"conduit/internal/config"
	"conduit/pkg/oauth"

	"github.com/mark3labs/mcp-go/mcp"
)

// Status is the lifecycle state of one outbound connection.
type Status string

const (
	StatusConnecting    Status = "Connecting"
	StatusConnected     Status = "Connected"
	StatusError         Status = "Error"
	StatusAwaitingOAuth Status = "AwaitingOAuth"
	StatusDisconnected  Status = "Disconnected"
)

// Connection is the live binding to one upstream MCP server. Records
// are owned and mutated exclusively by the Manager; everything handed
// out through Snapshot is a copy.
type Connection struct {
	Name   string
	Key    Key
	Params *config.MCPServerParams
	Status Status
	Tags   []string

	// Capabilities reported by the upstream on the last refresh.
	Tools             []mcp.Tool
	Resources         []mcp.Resource
	ResourceTemplates []mcp.ResourceTemplate
	Prompts           []mcp.Prompt

	ServerInfo   mcp.Implementation
	Instructions string

	LastConnected time.Time
	LastError     string

	// AuthorizationURL is set while the connection is AwaitingOAuth.
	AuthorizationURL string

	client        Client
	provider      *oauth.Provider
	awaitingSince time.Time
}

// Client returns the live transport client, or nil when not connected.
// Callers may issue protocol requests but must not close it; lifecycle
// belongs to the Manager.
func (c *Connection) Client() Client {
	return c.client
}

// RequestTimeout returns the per-call deadline for this upstream.
func (c *Connection) RequestTimeout() time.Duration {
	return c.Params.RequestTimeout()
}

// clone returns a copy safe to hand outside the manager. Slices are
// shared and must be treated as read-only; the client and provider
// handles are withheld.
func (c *Connection) clone() *Connection {
	copied := *c
	copied.client = nil
	copied.provider = nil
	return &copied
}
