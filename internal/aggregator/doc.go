// Package aggregator implements the inbound MCP server that merges the
// capability surfaces of all connected upstream servers into one, filtered
// per session by tag expression.
//
// The package is organised around three cooperating pieces:
//
//   - Aggregator computes capability views. It owns the schema and filter
//     caches and knows how to diff the global surface between reloads.
//   - SessionRegistry tracks inbound sessions, their filters and context,
//     and persists streamable-HTTP session metadata for restoration.
//   - Server runs the MCP protocol endpoint over stdio, legacy SSE and
//     streamable HTTP, injecting each session's filtered view through the
//     SDK's per-session capability APIs.
package aggregator
