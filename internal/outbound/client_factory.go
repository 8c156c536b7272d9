package outbound

import (
	"fmt"

	"conduit/internal/config"
)

// clientFactory builds a transport client from rendered params. Swapped
// for a fake in manager tests.
type clientFactory func(name string, params *config.MCPServerParams, extraHeaders map[string]string) (Client, error)

// newClient creates the transport-appropriate client for params.
// extraHeaders (typically an Authorization header after a completed
// OAuth flow) are merged over the configured headers.
func newClient(name string, params *config.MCPServerParams, extraHeaders map[string]string) (Client, error) {
	switch params.Type {
	case config.TransportStdio:
		if params.Command == "" {
			return nil, fmt.Errorf("command is required for stdio type")
		}
		return newStdioClient(name, params.Command, params.Args, params.Env, params.Cwd), nil

	case config.TransportStreamableHTTP, config.TransportHTTP:
		if params.URL == "" {
			return nil, fmt.Errorf("url is required for %s type", params.Type)
		}
		return newStreamableClient(name, params.URL, mergeHeaders(params.Headers, extraHeaders)), nil

	case config.TransportSSE:
		if params.URL == "" {
			return nil, fmt.Errorf("url is required for sse type")
		}
		return newSSEClient(name, params.URL, mergeHeaders(params.Headers, extraHeaders)), nil

	default:
		return nil, fmt.Errorf("unsupported MCP server type: %s", params.Type)
	}
}

func mergeHeaders(configured, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return configured
	}
	merged := make(map[string]string, len(configured)+len(extra))
	for k, v := range configured {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
