package authserver

import (
	"sort"
	"strings"
)

// ScopePrefix turns a server tag into an OAuth scope and back. The
// mapping is bijective: scope "tag:data" grants visibility of servers
// tagged "data", nothing else.
const ScopePrefix = "tag:"

// ScopesFromTags maps a tag set onto its scope representation, sorted.
func ScopesFromTags(tags []string) []string {
	scopes := make([]string, 0, len(tags))
	for _, tag := range tags {
		scopes = append(scopes, ScopePrefix+tag)
	}
	sort.Strings(scopes)
	return scopes
}

// TagsFromScopes inverts ScopesFromTags. Scopes without the tag prefix
// are ignored.
func TagsFromScopes(scopes []string) []string {
	tags := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		if strings.HasPrefix(scope, ScopePrefix) {
			tags = append(tags, strings.TrimPrefix(scope, ScopePrefix))
		}
	}
	sort.Strings(tags)
	return tags
}

// ParseScopeParam splits a space-delimited scope parameter.
func ParseScopeParam(raw string) []string {
	return strings.Fields(raw)
}

// ValidateScopes checks every requested scope against the configured
// tag universe. An empty request is resolved to the full universe, so
// clients that do not ask for anything specific see everything their
// deployment offers.
func ValidateScopes(requested, availableTags []string) ([]string, *Error) {
	if len(requested) == 0 {
		return ScopesFromTags(availableTags), nil
	}

	available := make(map[string]bool, len(availableTags))
	for _, tag := range availableTags {
		available[tag] = true
	}

	granted := make([]string, 0, len(requested))
	for _, scope := range requested {
		if !strings.HasPrefix(scope, ScopePrefix) {
			return nil, invalidScope("unknown scope %q", scope)
		}
		tag := strings.TrimPrefix(scope, ScopePrefix)
		if tag == "" || !available[tag] {
			return nil, invalidScope("scope %q does not match any configured tag", scope)
		}
		granted = append(granted, scope)
	}
	sort.Strings(granted)
	return granted, nil
}
