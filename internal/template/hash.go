package template

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"conduit/internal/config"
)

// hashLength is the number of hex characters kept from the digest. Short
// enough to keep connection keys readable, long enough that distinct
// rendered configs do not collide in practice.
const hashLength = 12

// HashParams computes a stable hash over the canonical JSON encoding of a
// rendered server definition. The same (template, context) pair yields
// the same hash across runs and processes; shareable template instances
// are keyed by it.
func HashParams(params *config.MCPServerParams) (string, error) {
	canonical, err := config.CanonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalise params: %w", err)
	}
	digest := sha256.Sum256(canonical)
	return hex.EncodeToString(digest[:])[:hashLength], nil
}
