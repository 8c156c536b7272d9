package outbound

import (
	"context"
	"fmt"

	"conduit/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// sseClient reaches a remote upstream over the legacy HTTP+SSE
// transport. Deprecated upstream-side but still common in the wild.
type sseClient struct {
	baseClient
	name    string
	url     string
	headers map[string]string
}

func newSSEClient(name, url string, headers map[string]string) *sseClient {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &sseClient{
		name:    name,
		url:     url,
		headers: headers,
	}
}

func (c *sseClient) Connect(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil, fmt.Errorf("client already connected")
	}

	logging.Debug("SSEClient", "Creating SSE client for %s at %s", c.name, c.url)

	var opts []transport.ClientOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHeaders(c.headers))
	}

	mcpClient, err := client.NewSSEMCPClient(c.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SSE client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		if authErr := authRequiredError(c.name, err); authErr != nil {
			return nil, authErr
		}
		return nil, fmt.Errorf("failed to start SSE transport: %w", err)
	}

	initResult, err := mcpClient.Initialize(ctx, initializeRequest())
	if err != nil {
		mcpClient.Close()
		if authErr := authRequiredError(c.name, err); authErr != nil {
			return nil, authErr
		}
		return nil, fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	c.client = mcpClient
	c.connected = true

	logging.Debug("SSEClient", "Connected to %s (server %s %s)",
		c.name, initResult.ServerInfo.Name, initResult.ServerInfo.Version)
	return initResult, nil
}

func (c *sseClient) Close() error {
	return c.closeClient()
}
