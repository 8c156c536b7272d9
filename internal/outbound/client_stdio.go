package outbound

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"conduit/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// defaultStdioConnectTimeout covers subprocess start plus the MCP
// handshake when the caller's context carries no deadline.
const defaultStdioConnectTimeout = 10 * time.Second

// stdioClient runs the upstream as a local subprocess speaking MCP over
// stdin/stdout.
type stdioClient struct {
	baseClient
	name    string
	command string
	args    []string
	env     map[string]string
	cwd     string
}

func newStdioClient(name, command string, args []string, env map[string]string, cwd string) *stdioClient {
	return &stdioClient{
		name:    name,
		command: command,
		args:    args,
		env:     env,
		cwd:     cwd,
	}
}

func (c *stdioClient) Connect(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil, fmt.Errorf("client already connected")
	}

	logging.Debug("StdioClient", "Starting subprocess for %s: %s %v", c.name, c.command, c.args)

	var envStrings []string
	for k, v := range c.env {
		envStrings = append(envStrings, fmt.Sprintf("%s=%s", k, v))
	}

	cwd := c.cwd
	mcpClient, err := client.NewStdioMCPClientWithOptions(c.command, envStrings, c.args,
		transport.WithCommandFunc(func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
			cmd := exec.CommandContext(ctx, command, args...)
			cmd.Env = append(os.Environ(), env...)
			cmd.Dir = cwd
			return cmd, nil
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to create stdio client: %w", err)
	}

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, defaultStdioConnectTimeout)
		defer cancel()
	}

	initResult, err := mcpClient.Initialize(initCtx, initializeRequest())
	if err != nil {
		if closeErr := mcpClient.Close(); closeErr != nil {
			logging.Debug("StdioClient", "Error closing failed client for %s: %v", c.name, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}

	c.client = mcpClient
	c.connected = true

	logging.Debug("StdioClient", "Connected to %s (server %s %s)",
		c.name, initResult.ServerInfo.Name, initResult.ServerInfo.Version)
	return initResult, nil
}

func (c *stdioClient) Close() error {
	return c.closeClient()
}
