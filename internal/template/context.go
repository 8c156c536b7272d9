package template

import (
	"fmt"
	"strings"
)

// ContextLookup resolves dotted paths to string values. Unknown paths are
// absent, never errors; the engine substitutes an empty string for them.
type ContextLookup interface {
	Lookup(path string) (string, bool)
}

// ClientInfo describes the downstream MCP client, taken from the
// initialize request.
type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
	Title   string `json:"title,omitempty"`
}

// TransportInfo carries transport-level metadata about the session.
type TransportInfo struct {
	Kind   string     `json:"kind,omitempty"`
	Client ClientInfo `json:"client,omitempty"`
}

// Environment holds client-supplied environment variables.
type Environment struct {
	Variables map[string]string `json:"variables,omitempty"`
}

// ContextData is the opaque bag a downstream client supplies via
// params._meta.context on initialize. It feeds the template engine only
// and is never trusted for security decisions.
type ContextData struct {
	Project     map[string]interface{} `json:"project,omitempty"`
	User        map[string]interface{} `json:"user,omitempty"`
	Environment Environment            `json:"environment,omitempty"`
	SessionID   string                 `json:"sessionId,omitempty"`
	Timestamp   string                 `json:"timestamp,omitempty"`
	Version     string                 `json:"version,omitempty"`
	Transport   *TransportInfo         `json:"transport,omitempty"`
}

// Lookup implements ContextLookup over the supported path roots:
// project.*, user.*, environment.variables.*, sessionId, timestamp,
// version and transport.* (including transport.client.name|version|title).
func (c *ContextData) Lookup(path string) (string, bool) {
	if c == nil || path == "" {
		return "", false
	}

	parts := strings.Split(path, ".")
	switch parts[0] {
	case "project":
		return lookupMap(c.Project, parts[1:])
	case "user":
		return lookupMap(c.User, parts[1:])
	case "environment":
		if len(parts) >= 3 && parts[1] == "variables" {
			value, ok := c.Environment.Variables[strings.Join(parts[2:], ".")]
			return value, ok
		}
		return "", false
	case "sessionId":
		return nonEmpty(c.SessionID)
	case "timestamp":
		return nonEmpty(c.Timestamp)
	case "version":
		return nonEmpty(c.Version)
	case "transport":
		return c.lookupTransport(parts[1:])
	default:
		return "", false
	}
}

func (c *ContextData) lookupTransport(parts []string) (string, bool) {
	if c.Transport == nil || len(parts) == 0 {
		return "", false
	}
	switch parts[0] {
	case "kind":
		return nonEmpty(c.Transport.Kind)
	case "client":
		if len(parts) != 2 {
			return "", false
		}
		switch parts[1] {
		case "name":
			return nonEmpty(c.Transport.Client.Name)
		case "version":
			return nonEmpty(c.Transport.Client.Version)
		case "title":
			return nonEmpty(c.Transport.Client.Title)
		}
	}
	return "", false
}

func lookupMap(m map[string]interface{}, parts []string) (string, bool) {
	if len(parts) == 0 {
		return "", false
	}

	var current interface{} = m
	for _, part := range parts {
		node, ok := current.(map[string]interface{})
		if !ok {
			return "", false
		}
		current, ok = node[part]
		if !ok {
			return "", false
		}
	}

	switch v := current.(type) {
	case string:
		return v, true
	case bool:
		return fmt.Sprintf("%t", v), true
	case float64:
		// JSON numbers decode to float64; render integers without the
		// fractional part.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v)), true
		}
		return fmt.Sprintf("%v", v), true
	case nil:
		return "", false
	default:
		// Objects and arrays are not representable as template values.
		return "", false
	}
}

func nonEmpty(value string) (string, bool) {
	return value, value != ""
}
