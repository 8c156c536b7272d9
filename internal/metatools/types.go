package metatools

import "encoding/json"

// Meta-tool names.
const (
	// ToolList enumerates visible upstream tools, optionally filtered
	// and paginated.
	ToolList = "tool_list"

	// ToolSchema returns the full definition of one upstream tool.
	ToolSchema = "tool_schema"

	// ToolInvoke executes an upstream tool by server and name.
	ToolInvoke = "tool_invoke"
)

// Error types used in meta-tool error envelopes.
const (
	ErrorValidation = "validation"
	ErrorNotFound   = "not_found"
	ErrorUpstream   = "upstream"
)

// ToolSummary is one entry in a tool_list response.
type ToolSummary struct {
	Server      string `json:"server"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ListResponse is the tool_list response body.
type ListResponse struct {
	Tools      []ToolSummary `json:"tools"`
	Total      int           `json:"total"`
	NextCursor string        `json:"nextCursor,omitempty"`
}

// SchemaResponse is the tool_schema response body.
type SchemaResponse struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ErrorDetail carries a typed meta-tool failure.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorResponse is the envelope for meta-tool failures.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}
