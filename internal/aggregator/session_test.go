package aggregator

import (
	"testing"
	"time"

	"conduit/internal/storage"
	"conduit/internal/tagquery"
	"conduit/internal/template"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRegistryCreateGet(t *testing.T) {
	r := NewSessionRegistry(time.Minute, 10, nil, nil)

	sess, err := r.Create("cnd_abc", &SessionFilter{Mode: FilterNone}, true, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "cnd_abc", sess.SessionID)
	assert.Equal(t, 1, r.Count())

	got, ok := r.Get("cnd_abc")
	require.True(t, ok)
	assert.Same(t, sess, got)

	// Creating the same id again returns the existing record.
	again, err := r.Create("cnd_abc", nil, false, nil, false)
	require.NoError(t, err)
	assert.Same(t, sess, again)
	assert.Equal(t, 1, r.Count())
}

func TestSessionRegistryValidation(t *testing.T) {
	r := NewSessionRegistry(time.Minute, 10, nil, nil)

	_, err := r.Create("", nil, true, nil, false)
	var invalid *InvalidSessionIDError
	require.ErrorAs(t, err, &invalid)

	long := make([]byte, MaxSessionIDLength+1)
	for i := range long {
		long[i] = 'x'
	}
	_, err = r.Create(string(long), nil, true, nil, false)
	require.ErrorAs(t, err, &invalid)
}

func TestSessionRegistryLimit(t *testing.T) {
	r := NewSessionRegistry(time.Minute, 2, nil, nil)

	_, err := r.Create("cnd_1", nil, true, nil, false)
	require.NoError(t, err)
	_, err = r.Create("cnd_2", nil, true, nil, false)
	require.NoError(t, err)

	_, err = r.Create("cnd_3", nil, true, nil, false)
	var full *SessionLimitExceededError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, 2, full.Limit)
}

func TestSessionRegistryRemove(t *testing.T) {
	r := NewSessionRegistry(time.Minute, 10, nil, nil)

	var evicted []string
	r.SetEvictionCallback(func(meta *SessionMeta) {
		evicted = append(evicted, meta.SessionID)
	})

	_, err := r.Create("cnd_1", nil, true, nil, false)
	require.NoError(t, err)

	r.Remove("cnd_1")
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, []string{"cnd_1"}, evicted)

	// Removing twice is a no-op.
	r.Remove("cnd_1")
	assert.Equal(t, []string{"cnd_1"}, evicted)
}

func TestSessionRegistryIdleEviction(t *testing.T) {
	r := NewSessionRegistry(20*time.Millisecond, 10, nil, nil)

	var evicted []string
	r.SetEvictionCallback(func(meta *SessionMeta) {
		evicted = append(evicted, meta.SessionID)
	})

	_, err := r.Create("cnd_idle", nil, true, nil, false)
	require.NoError(t, err)
	_, err = r.Create("cnd_busy", nil, true, nil, false)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, r.Touch("cnd_busy"))
	r.evictIdle()

	assert.Equal(t, []string{"cnd_idle"}, evicted)
	_, ok := r.Get("cnd_busy")
	assert.True(t, ok)
}

func TestSessionRegistryPersistRestore(t *testing.T) {
	repo := storage.NewMemory()
	r := NewSessionRegistry(time.Minute, 10, repo, nil)

	ctxData := &template.ContextData{
		Project: map[string]interface{}{"environment": "dev"},
	}
	filter, err := ParseFilterQuery(query("tags", "web"), nil)
	require.NoError(t, err)

	_, err = r.Create("cnd_keep", filter, false, ctxData, true)
	require.NoError(t, err)

	// A fresh registry over the same storage sees the persisted record.
	restored := NewSessionRegistry(time.Minute, 10, repo, nil)
	sess, err := restored.Restore("cnd_keep")
	require.NoError(t, err)

	assert.True(t, sess.Restored)
	assert.False(t, sess.Pagination)
	require.NotNil(t, sess.Context)
	assert.Equal(t, "dev", sess.Context.Project["environment"])
	require.NotNil(t, sess.Filter)
	assert.Equal(t, FilterTags, sess.Filter.Mode)
	assert.True(t, sess.Expression().Evaluate([]string{"web"}))
	assert.False(t, sess.Expression().Evaluate([]string{"db"}))
}

func TestSessionRegistryRestorePreset(t *testing.T) {
	repo := storage.NewMemory()
	presets := tagquery.NewPresetStore(repo)
	require.NoError(t, presets.Save(&tagquery.Preset{
		Name:     "data",
		Strategy: "or",
		TagQuery: tagquery.Query{In: []string{"db", "cache"}},
	}))

	r := NewSessionRegistry(time.Minute, 10, repo, presets)
	filter, err := ParseFilterQuery(query("preset", "data"), presets)
	require.NoError(t, err)
	_, err = r.Create("cnd_p", filter, true, nil, true)
	require.NoError(t, err)

	fresh := NewSessionRegistry(time.Minute, 10, repo, presets)
	sess, err := fresh.Restore("cnd_p")
	require.NoError(t, err)
	assert.Equal(t, FilterPreset, sess.Filter.Mode)
	assert.True(t, sess.Expression().Evaluate([]string{"cache"}))
}

func TestSessionRegistryRestoreDeletedPreset(t *testing.T) {
	repo := storage.NewMemory()
	presets := tagquery.NewPresetStore(repo)
	require.NoError(t, presets.Save(&tagquery.Preset{
		Name:     "gone",
		Strategy: "or",
		TagQuery: tagquery.Query{Tag: "x"},
	}))

	r := NewSessionRegistry(time.Minute, 10, repo, presets)
	filter, err := ParseFilterQuery(query("preset", "gone"), presets)
	require.NoError(t, err)
	_, err = r.Create("cnd_d", filter, true, nil, true)
	require.NoError(t, err)

	require.NoError(t, presets.Delete("gone"))

	// The session still restores, just without the vanished filter.
	fresh := NewSessionRegistry(time.Minute, 10, repo, presets)
	sess, err := fresh.Restore("cnd_d")
	require.NoError(t, err)
	assert.Equal(t, FilterNone, sess.Filter.Mode)
	assert.Nil(t, sess.Expression())
}

func TestSessionRegistryRestoreUnknown(t *testing.T) {
	r := NewSessionRegistry(time.Minute, 10, storage.NewMemory(), nil)

	_, err := r.Restore("cnd_missing")
	var notFound *SessionNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSessionRegistryRemoveDeletesPersisted(t *testing.T) {
	repo := storage.NewMemory()
	r := NewSessionRegistry(time.Minute, 10, repo, nil)

	_, err := r.Create("cnd_del", nil, true, nil, true)
	require.NoError(t, err)
	r.Remove("cnd_del")

	fresh := NewSessionRegistry(time.Minute, 10, repo, nil)
	_, err = fresh.Restore("cnd_del")
	var notFound *SessionNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSessionMetaInjectedDiff(t *testing.T) {
	sess := &SessionMeta{SessionID: "cnd_x"}

	removed := sess.SetInjectedTools([]string{"a", "b"})
	assert.Empty(t, removed)

	removed = sess.SetInjectedTools([]string{"b", "c"})
	assert.Equal(t, []string{"a"}, removed)

	added := sess.SetInjectedResources([]string{"file:///x"})
	assert.Equal(t, []string{"file:///x"}, added)

	added = sess.SetInjectedResources([]string{"file:///x", "file:///y"})
	assert.Equal(t, []string{"file:///y"}, added)
}
