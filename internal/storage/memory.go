package storage

import (
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is an in-process Repository. It is the default backend for
// ephemeral deployments and for tests.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry)}
}

// Get implements Repository.
func (m *Memory) Get(key string) ([]byte, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}

	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok || entry.expired(time.Now()) {
		return nil, false, nil
	}

	// Copy so callers cannot mutate the stored value.
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

// Save implements Repository.
func (m *Memory) Save(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	entry := memoryEntry{value: stored}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

// Delete implements Repository.
func (m *Memory) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Sweep implements Repository.
func (m *Memory) Sweep() int {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for key, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, key)
			evicted++
		}
	}
	return evicted
}

// List returns all live keys with the given prefix. Used by the preset
// store and by diagnostics.
func (m *Memory) List(prefix string) []string {
	now := time.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key, entry := range m.entries {
		if entry.expired(now) {
			continue
		}
		if prefix == "" || hasPathPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys
}

func hasPathPrefix(key, prefix string) bool {
	if len(key) < len(prefix) || key[:len(prefix)] != prefix {
		return false
	}
	return len(key) == len(prefix) || key[len(prefix)] == '/'
}
