package tagquery

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"conduit/internal/storage"
	"conduit/pkg/logging"
)

const presetKeyPrefix = "presets"

// Preset is a named, persisted tag filter. The strategy records how the
// preset was authored; resolution always goes through the object form.
type Preset struct {
	Name        string    `json:"name"`
	Strategy    string    `json:"strategy"` // "or", "and" or "advanced"
	TagQuery    Query     `json:"tagQuery"`
	Description string    `json:"description,omitempty"`
	LastUsed    time.Time `json:"lastUsed,omitempty"`
}

// Validate checks structural validity of a preset.
func (p *Preset) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("preset name must not be empty")
	}
	if strings.ContainsAny(p.Name, "/ \t") {
		return fmt.Errorf("preset name %q contains invalid characters", p.Name)
	}
	switch p.Strategy {
	case "or", "and", "advanced":
	default:
		return fmt.Errorf("preset %s: unknown strategy %q (expected or, and, advanced)", p.Name, p.Strategy)
	}
	if _, err := p.TagQuery.ToExpression(); err != nil {
		return fmt.Errorf("preset %s: %w", p.Name, err)
	}
	return nil
}

// PresetStore persists presets in a storage repository under
// "presets/<name>".
type PresetStore struct {
	mu   sync.Mutex
	repo storage.Repository
}

// NewPresetStore creates a preset store over the given repository.
func NewPresetStore(repo storage.Repository) *PresetStore {
	return &PresetStore{repo: repo}
}

// Save validates and persists a preset. Presets never expire.
func (s *PresetStore) Save(preset *Preset) error {
	if err := preset.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(preset)
	if err != nil {
		return fmt.Errorf("failed to encode preset %s: %w", preset.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo.Save(presetKey(preset.Name), data, 0)
}

// Get returns the named preset, or false when absent.
func (s *PresetStore) Get(name string) (*Preset, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(name)
}

func (s *PresetStore) getLocked(name string) (*Preset, bool, error) {
	data, ok, err := s.repo.Get(presetKey(name))
	if err != nil || !ok {
		return nil, false, err
	}

	var preset Preset
	if err := json.Unmarshal(data, &preset); err != nil {
		return nil, false, fmt.Errorf("failed to decode preset %s: %w", name, err)
	}
	return &preset, true, nil
}

// Delete removes the named preset.
func (s *PresetStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo.Delete(presetKey(name))
}

// List returns all presets sorted by name.
func (s *PresetStore) List() ([]*Preset, error) {
	lister, ok := s.repo.(storage.Lister)
	if !ok {
		return nil, fmt.Errorf("preset repository does not support listing")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var presets []*Preset
	for _, key := range lister.List(presetKeyPrefix) {
		name := strings.TrimPrefix(key, presetKeyPrefix+"/")
		preset, ok, err := s.getLocked(name)
		if err != nil {
			logging.Warn("Presets", "Skipping unreadable preset %s: %v", name, err)
			continue
		}
		if ok {
			presets = append(presets, preset)
		}
	}

	sort.Slice(presets, func(i, j int) bool { return presets[i].Name < presets[j].Name })
	return presets, nil
}

// Resolve looks up a preset, converts it to an expression and touches its
// lastUsed timestamp. The touch is best-effort.
func (s *PresetStore) Resolve(name string) (Expression, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	preset, ok, err := s.getLocked(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("preset %q not found", name)
	}

	expr, err := preset.TagQuery.ToExpression()
	if err != nil {
		return nil, fmt.Errorf("preset %s: %w", name, err)
	}

	preset.LastUsed = time.Now()
	if data, err := json.Marshal(preset); err == nil {
		if err := s.repo.Save(presetKey(name), data, 0); err != nil {
			logging.Warn("Presets", "Failed to touch preset %s: %v", name, err)
		}
	}

	return expr, nil
}

func presetKey(name string) string {
	return presetKeyPrefix + "/" + name
}
