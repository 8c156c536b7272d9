package aggregator

import (
	"fmt"
	"net/url"
	"strings"

	"conduit/internal/tagquery"
)

// FilterMode names which query parameter supplied the session filter.
type FilterMode string

const (
	FilterNone     FilterMode = "none"
	FilterTags     FilterMode = "tags"
	FilterAdvanced FilterMode = "tag-filter"
	FilterPreset   FilterMode = "preset"
)

// SessionFilter is a session's parsed capability filter. A nil
// Expression means the session sees everything.
type SessionFilter struct {
	Mode       FilterMode
	Raw        string
	PresetName string
	Expression tagquery.Expression
}

// InvalidFilterError reports an unusable filter query; connections
// carrying one are rejected before a session is created.
type InvalidFilterError struct {
	Reason string
}

func (e *InvalidFilterError) Error() string {
	return fmt.Sprintf("invalid filter: %s", e.Reason)
}

// ParseFilterQuery extracts the session filter from connection query
// parameters. Exactly one of preset, tag-filter and tags may be set;
// combining them is an error. Preset resolution happens at parse time
// so a dangling preset name fails the connection, not a later list.
func ParseFilterQuery(values url.Values, presets *tagquery.PresetStore) (*SessionFilter, error) {
	preset := values.Get("preset")
	advanced := values.Get("tag-filter")
	tags := values.Get("tags")

	set := 0
	for _, v := range []string{preset, advanced, tags} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return nil, &InvalidFilterError{Reason: "preset, tag-filter and tags are mutually exclusive"}
	}

	switch {
	case preset != "":
		if presets == nil {
			return nil, &InvalidFilterError{Reason: "presets are not available"}
		}
		expr, err := presets.Resolve(preset)
		if err != nil {
			return nil, &InvalidFilterError{Reason: err.Error()}
		}
		return &SessionFilter{Mode: FilterPreset, Raw: preset, PresetName: preset, Expression: expr}, nil

	case advanced != "":
		expr, err := tagquery.ParseAdvanced(advanced)
		if err != nil {
			return nil, &InvalidFilterError{Reason: err.Error()}
		}
		return &SessionFilter{Mode: FilterAdvanced, Raw: advanced, Expression: expr}, nil

	case tags != "":
		parsed, err := tagquery.ParseSimple(tags)
		if err != nil {
			return nil, &InvalidFilterError{Reason: err.Error()}
		}
		return &SessionFilter{Mode: FilterTags, Raw: tags, Expression: tagquery.MatchAll(parsed)}, nil
	}

	return &SessionFilter{Mode: FilterNone}, nil
}

// ParsePaginationQuery reads the pagination toggle. Listing is
// paginated unless the client opts out with pagination=false.
func ParsePaginationQuery(values url.Values) bool {
	return !strings.EqualFold(values.Get("pagination"), "false")
}

// RestrictToTags intersects a filter with an allowed tag set, used when
// authorization scopes a session to a subset of servers. Servers must
// carry at least one allowed tag in addition to matching the session's
// own filter.
func RestrictToTags(filter *SessionFilter, allowed []string) *SessionFilter {
	if len(allowed) == 0 {
		return filter
	}

	children := make([]tagquery.Expression, 0, len(allowed))
	for _, tag := range allowed {
		children = append(children, tagquery.Tag{Value: tag})
	}
	scope := tagquery.Expression(tagquery.Or{Children: children})
	if len(children) == 1 {
		scope = children[0]
	}

	if filter == nil || filter.Expression == nil {
		return &SessionFilter{Mode: FilterTags, Raw: strings.Join(allowed, ","), Expression: scope}
	}
	return &SessionFilter{
		Mode:       filter.Mode,
		Raw:        filter.Raw,
		PresetName: filter.PresetName,
		Expression: tagquery.And{Children: []tagquery.Expression{filter.Expression, scope}},
	}
}
