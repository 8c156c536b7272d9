package outbound

import "fmt"

// ClientConnectionError indicates that connecting to or handshaking with
// an upstream failed. The underlying network or OS cause is wrapped.
type ClientConnectionError struct {
	Name  string
	Cause error
}

func (e *ClientConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to MCP server %q: %v", e.Name, e.Cause)
}

func (e *ClientConnectionError) Unwrap() error {
	return e.Cause
}

// ClientNotFoundError indicates a request referenced a server name that
// has no live outbound connection.
type ClientNotFoundError struct {
	Name string
}

func (e *ClientNotFoundError) Error() string {
	return fmt.Sprintf("no connection found for MCP server %q", e.Name)
}

// CircularDependencyError indicates an upstream identified itself with
// the proxy's own advertised server name, which would loop requests back
// through the aggregator.
type CircularDependencyError struct {
	Name       string
	ServerName string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("MCP server %q reports server name %q which is this proxy itself", e.Name, e.ServerName)
}

// UnsupportedTransportError indicates an operation that is invalid for
// the connection's transport kind, such as OAuth on stdio.
type UnsupportedTransportError struct {
	Name      string
	Transport string
	Operation string
}

func (e *UnsupportedTransportError) Error() string {
	return fmt.Sprintf("%s is not supported for MCP server %q with transport %s", e.Operation, e.Name, e.Transport)
}

// OAuthRequiredError signals that an upstream demands OAuth
// authorization before it will serve requests. This is a lifecycle
// signal rather than a failure: the manager parks the connection in
// AwaitingOAuth and exposes the authorization URL.
type OAuthRequiredError struct {
	Name             string
	Issuer           string
	AuthorizationURL string
}

func (e *OAuthRequiredError) Error() string {
	if e.AuthorizationURL != "" {
		return fmt.Sprintf("MCP server %q requires OAuth authorization: visit %s", e.Name, e.AuthorizationURL)
	}
	return fmt.Sprintf("MCP server %q requires OAuth authorization", e.Name)
}
