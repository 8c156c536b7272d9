package storage

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"conduit/pkg/logging"
)

const fileSuffix = ".json"

// fileEnvelope wraps a stored value with its expiry so TTLs survive
// process restarts.
type fileEnvelope struct {
	Value     []byte    `json:"value"`
	SavedAt   time.Time `json:"savedAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

func (e fileEnvelope) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// File is a Repository persisting each key as one JSON file under a root
// directory. Key path segments map onto subdirectories.
type File struct {
	root string
	mu   sync.Mutex
}

// NewFile creates a file-backed repository rooted at dir, creating the
// directory if needed.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	return &File{root: dir}, nil
}

func (f *File) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key)+fileSuffix)
}

// Get implements Repository.
func (f *File) Get(key string) ([]byte, bool, error) {
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", key, err)
	}

	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		// A corrupt record is treated as absent; it will be overwritten
		// on the next Save.
		logging.Warn("Storage", "Corrupt record at %s, ignoring: %v", key, err)
		return nil, false, nil
	}

	if env.expired(time.Now()) {
		_ = os.Remove(f.path(key))
		return nil, false, nil
	}

	return env.Value, true, nil
}

// Save implements Repository.
func (f *File) Save(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	env := fileEnvelope{Value: value, SavedAt: time.Now()}
	if ttl > 0 {
		env.ExpiresAt = env.SavedAt.Add(ttl)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode record for %s: %w", key, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	// Write-then-rename so readers never observe a partial record.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", key, err)
	}
	return nil
}

// Delete implements Repository.
func (f *File) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Sweep implements Repository.
func (f *File) Sweep() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	evicted := 0

	_ = filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, fileSuffix) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}

		var env fileEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil
		}

		if env.expired(now) {
			if os.Remove(path) == nil {
				evicted++
			}
		}
		return nil
	})

	return evicted
}

// List returns all live keys with the given prefix.
func (f *File) List(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	var keys []string

	_ = filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, fileSuffix) {
			return nil
		}

		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(strings.TrimSuffix(rel, fileSuffix))

		if prefix != "" && !hasPathPrefix(key, prefix) {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var env fileEnvelope
		if err := json.Unmarshal(data, &env); err != nil || env.expired(now) {
			return nil
		}

		keys = append(keys, key)
		return nil
	})

	return keys
}
