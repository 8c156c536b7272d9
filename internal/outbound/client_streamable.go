package outbound

import (
	"context"
	"fmt"

	"conduit/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// streamableClient reaches a remote upstream over streamable HTTP, the
// primary network transport.
type streamableClient struct {
	baseClient
	name    string
	url     string
	headers map[string]string
}

func newStreamableClient(name, url string, headers map[string]string) *streamableClient {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &streamableClient{
		name:    name,
		url:     url,
		headers: headers,
	}
}

func (c *streamableClient) Connect(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil, fmt.Errorf("client already connected")
	}

	logging.Debug("StreamableClient", "Creating streamable HTTP client for %s at %s", c.name, c.url)

	var opts []transport.StreamableHTTPCOption
	if len(c.headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(c.headers))
	}

	mcpClient, err := client.NewStreamableHttpClient(c.url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create streamable HTTP client: %w", err)
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

	logging.Debug("StreamableClient", "Connected to %s (server %s %s)",
		c.name, initResult.ServerInfo.Name, initResult.ServerInfo.Version)
	return initResult, nil
}

func (c *streamableClient) Close() error {
	return c.closeClient()
}
