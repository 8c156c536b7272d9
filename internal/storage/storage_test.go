package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// repositories under test share one behavioural contract.
func repositories(t *testing.T) map[string]Repository {
	file, err := NewFile(t.TempDir())
	require.NoError(t, err)
	return map[string]Repository{
		"memory": NewMemory(),
		"file":   file,
	}
}

func TestRepositoryRoundTrip(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, repo.Save("auth/sessions/tok1", []byte(`{"clientId":"c1"}`), 0))

			value, ok, err := repo.Get("auth/sessions/tok1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, `{"clientId":"c1"}`, string(value))

			require.NoError(t, repo.Delete("auth/sessions/tok1"))
			_, ok, err = repo.Get("auth/sessions/tok1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRepositoryMissingKey(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := repo.Get("auth/codes/nope")
			require.NoError(t, err)
			assert.False(t, ok)

			// Deleting an absent key is not an error.
			assert.NoError(t, repo.Delete("auth/codes/nope"))
		})
	}
}

func TestRepositoryTTLExpiry(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, repo.Save("auth/codes/short", []byte("x"), 10*time.Millisecond))

			_, ok, err := repo.Get("auth/codes/short")
			require.NoError(t, err)
			assert.True(t, ok)

			time.Sleep(25 * time.Millisecond)

			_, ok, err = repo.Get("auth/codes/short")
			require.NoError(t, err)
			assert.False(t, ok, "expired entry must read as absent")
		})
	}
}

func TestRepositorySweep(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, repo.Save("a/live", []byte("1"), 0))
			require.NoError(t, repo.Save("a/dead", []byte("2"), 5*time.Millisecond))
			time.Sleep(15 * time.Millisecond)

			assert.Equal(t, 1, repo.Sweep())

			_, ok, _ := repo.Get("a/live")
			assert.True(t, ok)
		})
	}
}

func TestRepositoryRejectsInvalidKeys(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "../escape", "a//b", "a/", "/a", "a b"} {
				assert.ErrorIs(t, repo.Save(key, []byte("v"), 0), ErrInvalidKey, "key %q", key)
			}
		})
	}
}

func TestList(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			lister, ok := repo.(Lister)
			require.True(t, ok)

			require.NoError(t, repo.Save("presets/dev", []byte("1"), 0))
			require.NoError(t, repo.Save("presets/prod", []byte("2"), 0))
			require.NoError(t, repo.Save("presetsother/x", []byte("3"), 0))

			keys := lister.List("presets")
			assert.ElementsMatch(t, []string{"presets/dev", "presets/prod"}, keys)
		})
	}
}

func TestFileSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	first, err := NewFile(dir)
	require.NoError(t, err)
	require.NoError(t, first.Save("transport/streamable/cnd_abc", []byte(`{"tags":["web"]}`), time.Hour))

	second, err := NewFile(dir)
	require.NoError(t, err)
	value, ok, err := second.Get("transport/streamable/cnd_abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"tags":["web"]}`, string(value))
}

func TestSweeperLoop(t *testing.T) {
	repo := NewMemory()
	require.NoError(t, repo.Save("x/y", []byte("v"), time.Millisecond))

	sweeper := NewSweeper(repo, 10*time.Millisecond)
	sweeper.Start()
	defer sweeper.Stop()

	assert.Eventually(t, func() bool {
		repo.mu.RLock()
		defer repo.mu.RUnlock()
		_, present := repo.entries["x/y"]
		return !present
	}, time.Second, 5*time.Millisecond)
}
