package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotOf(t *testing.T, doc string) *Snapshot {
	t.Helper()
	snapshot, err := Parse([]byte(doc), "test.json")
	require.NoError(t, err)
	return snapshot
}

func TestDiffNoChanges(t *testing.T) {
	doc := `{"mcpServers": {"a": {"command": "t", "args": ["--port=1"]}}}`
	old := snapshotOf(t, doc)
	updated := snapshotOf(t, doc)

	plan := Diff(old, updated)
	assert.True(t, plan.IsEmpty(), "identical snapshots must be a no-op")
}

func TestDiffRestartAndStart(t *testing.T) {
	old := snapshotOf(t, `{"mcpServers": {"a": {"command": "t", "args": ["--port=1"]}}}`)
	updated := snapshotOf(t, `{"mcpServers": {
	  "a": {"command": "t", "args": ["--port=2"]},
	  "c": {"command": "t"}
	}}`)

	plan := Diff(old, updated)
	assert.Empty(t, plan.ToStop)
	assert.Equal(t, []string{"c"}, plan.ToStart)
	assert.Equal(t, []string{"a"}, plan.ToRestart)
}

func TestDiffStop(t *testing.T) {
	old := snapshotOf(t, `{"mcpServers": {"a": {"command": "t"}, "b": {"command": "t"}}}`)
	updated := snapshotOf(t, `{"mcpServers": {"b": {"command": "t"}}}`)

	plan := Diff(old, updated)
	assert.Equal(t, []string{"a"}, plan.ToStop)
	assert.Empty(t, plan.ToStart)
	assert.Empty(t, plan.ToRestart)
}

func TestDiffDisabledCountsAsAbsent(t *testing.T) {
	old := snapshotOf(t, `{"mcpServers": {"a": {"command": "t"}}}`)
	updated := snapshotOf(t, `{"mcpServers": {"a": {"command": "t", "disabled": true}}}`)

	plan := Diff(old, updated)
	assert.Equal(t, []string{"a"}, plan.ToStop)

	reversed := Diff(updated, old)
	assert.Equal(t, []string{"a"}, reversed.ToStart)
}

func TestDiffCoversTemplates(t *testing.T) {
	old := snapshotOf(t, `{"mcpTemplates": {"w": {"command": "t", "args": ["{{project.name}}"]}}}`)
	updated := snapshotOf(t, `{"mcpTemplates": {"w": {"command": "t", "args": ["{{user.name}}"]}}}`)

	plan := Diff(old, updated)
	assert.Equal(t, []string{"w"}, plan.ToRestart)
	assert.True(t, plan.TouchesTemplates(old, updated))
}

func TestTouchesTemplatesFalseForStaticOnly(t *testing.T) {
	old := snapshotOf(t, `{"mcpServers": {"a": {"command": "t"}}}`)
	updated := snapshotOf(t, `{"mcpServers": {"a": {"command": "t", "args": ["-v"]}}}`)

	plan := Diff(old, updated)
	assert.False(t, plan.TouchesTemplates(old, updated))
}
