package config

import (
	"encoding/json"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Load reads, decodes and validates a configuration file. Both JSON and
// YAML documents are accepted; decoding goes through the YAML-to-JSON
// bridge so the json struct tags are authoritative.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration %s: %w", path, err)
	}
	return Parse(data, path)
}

// Parse decodes and validates a configuration document. The path is only
// used for error context.
func Parse(data []byte, path string) (*Snapshot, error) {
	var snapshot Snapshot
	if err := yaml.UnmarshalStrict(data, &snapshot); err != nil {
		return nil, &ParseError{Path: path, Cause: err}
	}

	applyDefaults(&snapshot)

	if err := Validate(&snapshot); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return &snapshot, nil
}

// CanonicalJSON renders params as deterministic JSON. Map keys are sorted
// by encoding/json, so two structurally equal values produce identical
// bytes regardless of source field order.
func CanonicalJSON(params *MCPServerParams) ([]byte, error) {
	return json.Marshal(params)
}

// ParamsEqual compares two server definitions structurally.
func ParamsEqual(a, b *MCPServerParams) bool {
	if a == nil || b == nil {
		return a == b
	}
	aj, errA := CanonicalJSON(a)
	bj, errB := CanonicalJSON(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
