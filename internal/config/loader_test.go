package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "version": "1.0.0",
  "mcpServers": {
    "fs": {
      "type": "stdio",
      "command": "mcp-fs",
      "args": ["--root", "/data"],
      "tags": ["filesystem"]
    },
    "remote": {
      "type": "streamable-http",
      "url": "https://mcp.example.com/mcp",
      "headers": {"X-Env": "prod"},
      "tags": ["web"]
    }
  },
  "mcpTemplates": {
    "worker": {
      "type": "stdio",
      "command": "worker",
      "args": ["{{project.name}}"],
      "template": {"perClient": true}
    }
  },
  "templateSettings": {"failureMode": "graceful"}
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadJSON(t *testing.T) {
	snapshot, err := Load(writeConfig(t, sampleJSON))
	require.NoError(t, err)

	assert.Equal(t, "1.0.0", snapshot.Version)
	require.Contains(t, snapshot.MCPServers, "fs")
	assert.Equal(t, TransportStdio, snapshot.MCPServers["fs"].Type)
	assert.Equal(t, []string{"filesystem"}, snapshot.MCPServers["fs"].Tags)
	require.Contains(t, snapshot.MCPTemplates, "worker")
	assert.True(t, snapshot.MCPTemplates["worker"].Template.PerClientEffective())

	// Defaults.
	assert.Equal(t, DefaultHost, snapshot.Aggregator.Host)
	assert.Equal(t, DefaultPort, snapshot.Aggregator.Port)
	assert.Equal(t, DefaultTransport, snapshot.Aggregator.Transport)
}

func TestLoadYAML(t *testing.T) {
	yamlDoc := `
version: "1.0.0"
mcpServers:
  fs:
    type: stdio
    command: mcp-fs
    tags: [filesystem]
`
	snapshot, err := Load(writeConfig(t, yamlDoc))
	require.NoError(t, err)
	assert.Contains(t, snapshot.MCPServers, "fs")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestParseErrorType(t *testing.T) {
	_, err := Parse([]byte(`{"mcpServers": [`), "broken.json")
	require.Error(t, err)
	var parseErr *ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestTypeInference(t *testing.T) {
	snapshot, err := Parse([]byte(`{
	  "mcpServers": {
	    "cmd": {"command": "tool"},
	    "net": {"url": "https://example.com/mcp"}
	  }
	}`), "test.json")
	require.NoError(t, err)
	assert.Equal(t, TransportStdio, snapshot.MCPServers["cmd"].Type)
	assert.Equal(t, TransportStreamableHTTP, snapshot.MCPServers["net"].Type)
}

func TestValidationRejectsConflicts(t *testing.T) {
	_, err := Parse([]byte(`{
	  "mcpServers": {"x": {"command": "a"}},
	  "mcpTemplates": {"x": {"command": "b"}}
	}`), "test.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mcpServers and mcpTemplates")
}

func TestValidationRejectsPlaceholdersInStatic(t *testing.T) {
	_, err := Parse([]byte(`{
	  "mcpServers": {"x": {"command": "tool", "args": ["{{project.name}}"]}}
	}`), "test.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "placeholders")
}

func TestValidationRejectsTemplateOptionsInStatic(t *testing.T) {
	_, err := Parse([]byte(`{
	  "mcpServers": {"x": {"command": "tool", "template": {"shareable": true}}}
	}`), "test.json")
	assert.Error(t, err)
}

func TestValidationRejectsMixedTransportFields(t *testing.T) {
	_, err := Parse([]byte(`{
	  "mcpServers": {"x": {"type": "stdio", "command": "tool", "url": "https://x"}}
	}`), "test.json")
	assert.Error(t, err)

	_, err = Parse([]byte(`{
	  "mcpServers": {"x": {"type": "streamable-http", "url": "https://x", "command": "tool"}}
	}`), "test.json")
	assert.Error(t, err)
}

func TestValidationRejectsBadTags(t *testing.T) {
	_, err := Parse([]byte(`{
	  "mcpServers": {"x": {"command": "tool", "tags": ["ok", "not ok"]}}
	}`), "test.json")
	assert.Error(t, err)
}

func TestValidationRejectsColonNames(t *testing.T) {
	_, err := Parse([]byte(`{
	  "mcpServers": {"a:b": {"command": "tool"}}
	}`), "test.json")
	assert.Error(t, err)
}

func TestParamsEqualIgnoresFieldOrder(t *testing.T) {
	left, err := Parse([]byte(`{"mcpServers": {"x": {"command": "t", "args": ["1"], "tags": ["a"]}}}`), "l")
	require.NoError(t, err)
	right, err := Parse([]byte(`{"mcpServers": {"x": {"tags": ["a"], "args": ["1"], "command": "t"}}}`), "r")
	require.NoError(t, err)

	assert.True(t, ParamsEqual(left.MCPServers["x"], right.MCPServers["x"]))
}

func TestAllTags(t *testing.T) {
	snapshot, err := Parse([]byte(`{
	  "mcpServers": {
	    "a": {"command": "t", "tags": ["web", "db"]},
	    "b": {"command": "t", "tags": ["db"]}
	  },
	  "mcpTemplates": {
	    "w": {"command": "t", "tags": ["worker"], "template": {"perClient": true}}
	  }
	}`), "test.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"db", "web", "worker"}, snapshot.AllTags())
}
