package metatools

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Formatters renders meta-tool responses as JSON text results. The
// instance is stateless and safe for concurrent use.
type Formatters struct{}

func NewFormatters() *Formatters {
	return &Formatters{}
}

// FormatList renders a tool_list response.
func (f *Formatters) FormatList(resp *ListResponse) (*mcp.CallToolResult, error) {
	if resp.Tools == nil {
		resp.Tools = []ToolSummary{}
	}
	return jsonResult(resp)
}

// FormatSchema renders a tool_schema response. The input schema is
// embedded verbatim so clients see exactly what the upstream declared.
func (f *Formatters) FormatSchema(server string, tool mcp.Tool) (*mcp.CallToolResult, error) {
	resp := SchemaResponse{
		Server:      server,
		Name:        tool.Name,
		Description: tool.Description,
	}

	if len(tool.RawInputSchema) > 0 {
		resp.InputSchema = json.RawMessage(tool.RawInputSchema)
	} else {
		raw, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("encoding input schema: %w", err)
		}
		resp.InputSchema = raw
	}

	return jsonResult(resp)
}

// FormatError renders a typed error envelope as a tool error result.
func (f *Formatters) FormatError(errType, format string, args ...interface{}) *mcp.CallToolResult {
	envelope := ErrorResponse{
		Error: ErrorDetail{
			Type:    errType,
			Message: fmt.Sprintf(format, args...),
		},
	}
	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(envelope.Error.Message)
	}
	result := mcp.NewToolResultText(string(data))
	result.IsError = true
	return result
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
