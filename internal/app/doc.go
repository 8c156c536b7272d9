// Package app wires the proxy together. Bootstrap builds the runtime
// from a configuration file with explicit dependency injection, Run
// drives the process lifecycle: start the upstream fleet, serve the
// inbound transport, reload on SIGHUP or file change, shut everything
// down in reverse order on context cancellation.
package app
