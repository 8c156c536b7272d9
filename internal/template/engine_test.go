package template

import (
	"testing"

	"conduit/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() *ContextData {
	return &ContextData{
		Project: map[string]interface{}{
			"name":        "alpha",
			"environment": "dev",
			"meta":        map[string]interface{}{"region": "eu-west-1"},
			"replicas":    float64(3),
		},
		User: map[string]interface{}{"name": "sam"},
		Environment: Environment{
			Variables: map[string]string{"HOME": "/home/sam", "API_KEY": "secret"},
		},
		SessionID: "cnd_123",
		Timestamp: "2026-01-02T03:04:05Z",
		Version:   "1.0.0",
		Transport: &TransportInfo{
			Kind:   "streamable-http",
			Client: ClientInfo{Name: "editor", Version: "2.1", Title: "Editor"},
		},
	}
}

func TestContextLookup(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		path   string
		want   string
		wantOK bool
	}{
		{path: "project.name", want: "alpha", wantOK: true},
		{path: "project.meta.region", want: "eu-west-1", wantOK: true},
		{path: "project.replicas", want: "3", wantOK: true},
		{path: "user.name", want: "sam", wantOK: true},
		{path: "environment.variables.HOME", want: "/home/sam", wantOK: true},
		{path: "sessionId", want: "cnd_123", wantOK: true},
		{path: "timestamp", want: "2026-01-02T03:04:05Z", wantOK: true},
		{path: "version", want: "1.0.0", wantOK: true},
		{path: "transport.kind", want: "streamable-http", wantOK: true},
		{path: "transport.client.name", want: "editor", wantOK: true},
		{path: "transport.client.title", want: "Editor", wantOK: true},
		{path: "project.missing", wantOK: false},
		{path: "unknown.root", wantOK: false},
		{path: "project.meta", wantOK: false}, // objects are not values
		{path: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := ctx.Lookup(tt.path)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRenderStringInterpolation(t *testing.T) {
	engine := New()
	ctx := testContext()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "plain", input: "no templates here", want: "no templates here"},
		{name: "single", input: "{{project.name}}", want: "alpha"},
		{name: "embedded", input: "srv-{{project.name}}-{{project.environment}}", want: "srv-alpha-dev"},
		{name: "spaces", input: "{{ project.name }}", want: "alpha"},
		{name: "missing renders empty", input: "x{{project.nope}}y", want: "xy"},
		{
			name:  "if truthy",
			input: "{{#if project.name}}named{{/if}}",
			want:  "named",
		},
		{
			name:  "if falsy",
			input: "{{#if project.nope}}named{{/if}}",
			want:  "",
		},
		{
			name:  "if else",
			input: "{{#if project.nope}}a{{else}}b{{/if}}",
			want:  "b",
		},
		{
			name:  "eq true",
			input: `{{#if (eq project.environment "dev")}}debug{{/if}}`,
			want:  "debug",
		},
		{
			name:  "eq false with else",
			input: `{{#if (eq project.environment "prod")}}strict{{else}}lax{{/if}}`,
			want:  "lax",
		},
		{
			name:  "eq two paths",
			input: `{{#if (eq user.name project.name)}}same{{else}}different{{/if}}`,
			want:  "different",
		},
		{
			name:  "nested if",
			input: "{{#if project.name}}{{#if user.name}}both{{/if}}{{/if}}",
			want:  "both",
		},
		{
			name:  "interpolation inside branch",
			input: "{{#if project.name}}hello {{user.name}}{{/if}}",
			want:  "hello sam",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.RenderString(tt.input, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderStringErrors(t *testing.T) {
	engine := New()
	ctx := testContext()

	for _, input := range []string{
		"{{#if project.name}}unclosed",
		"{{/if}}",
		"{{else}}",
		"{{unclosed",
		"{{#each items}}x{{/each}}",
		"{{#if (gt a b)}}x{{/if}}",
	} {
		t.Run(input, func(t *testing.T) {
			_, err := engine.RenderString(input, ctx)
			require.Error(t, err)
			var renderErr *RenderError
			assert.ErrorAs(t, err, &renderErr)
		})
	}
}

func TestRenderParams(t *testing.T) {
	engine := New()
	ctx := testContext()

	params := &config.MCPServerParams{
		Type:    config.TransportStdio,
		Command: "worker",
		Args:    []string{"--project", "{{project.name}}", "--static"},
		Env: map[string]string{
			"HOME":    "{{environment.variables.HOME}}",
			"LITERAL": "unchanged",
		},
		Cwd:  "/srv/{{project.name}}",
		Tags: []string{"worker"},
	}

	rendered, err := engine.RenderParams(params, ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"--project", "alpha", "--static"}, rendered.Args)
	assert.Equal(t, "/home/sam", rendered.Env["HOME"])
	assert.Equal(t, "unchanged", rendered.Env["LITERAL"])
	assert.Equal(t, "/srv/alpha", rendered.Cwd)
	assert.Equal(t, []string{"worker"}, rendered.Tags)

	// Input must not be mutated.
	assert.Equal(t, "{{project.name}}", params.Args[1])
	assert.Equal(t, "{{environment.variables.HOME}}", params.Env["HOME"])
}

func TestRenderParamsMissingValuesAreEmpty(t *testing.T) {
	engine := New()

	params := &config.MCPServerParams{
		Command: "worker",
		Args:    []string{"{{project.name}}"},
	}

	rendered, err := engine.RenderParams(params, &ContextData{})
	require.NoError(t, err)
	assert.Equal(t, []string{""}, rendered.Args)
}

func TestHashDeterminism(t *testing.T) {
	engine := New()

	params := &config.MCPServerParams{
		Command: "worker",
		Args:    []string{"{{project.environment}}"},
		Env:     map[string]string{"B": "2", "A": "1"},
	}

	renderOnce := func(ctx *ContextData) string {
		rendered, err := engine.RenderParams(params, ctx)
		require.NoError(t, err)
		hash, err := HashParams(rendered)
		require.NoError(t, err)
		return hash
	}

	dev := &ContextData{Project: map[string]interface{}{"environment": "dev"}}
	devAgain := &ContextData{Project: map[string]interface{}{"environment": "dev"}}
	prod := &ContextData{Project: map[string]interface{}{"environment": "prod"}}

	assert.Equal(t, renderOnce(dev), renderOnce(devAgain), "same context must hash identically")
	assert.NotEqual(t, renderOnce(dev), renderOnce(prod), "different context must hash differently")
	assert.Len(t, renderOnce(dev), 12)
}
