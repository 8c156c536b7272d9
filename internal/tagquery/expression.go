package tagquery

import (
	"sort"
	"strings"
)

// Expression is a parsed tag filter. Implementations are immutable; the
// same expression tree may be evaluated concurrently for many sessions.
type Expression interface {
	// Evaluate reports whether a server carrying the given tags matches.
	// It is pure: no I/O, no mutation, safe to memoize.
	Evaluate(tags []string) bool

	// String renders the expression in advanced infix syntax such that
	// ParseAdvanced(expr.String()) is equivalent to expr.
	String() string

	// Key returns a stable, canonical cache key. Unlike String it sorts
	// commutative children, so equivalent expressions share a key.
	Key() string
}

// Empty matches nothing. It is the result of parsing an empty filter
// string.
type Empty struct{}

func (Empty) Evaluate([]string) bool { return false }
func (Empty) String() string         { return "" }
func (Empty) Key() string            { return "∅" }

// Tag matches when its value is among the server's tags. Matching is
// case-sensitive.
type Tag struct {
	Value string
}

func (t Tag) Evaluate(tags []string) bool {
	for _, candidate := range tags {
		if candidate == t.Value {
			return true
		}
	}
	return false
}

func (t Tag) String() string { return t.Value }
func (t Tag) Key() string    { return t.Value }

// And matches when every child matches. Evaluation short-circuits.
type And struct {
	Children []Expression
}

func (a And) Evaluate(tags []string) bool {
	if len(a.Children) == 0 {
		return false
	}
	for _, child := range a.Children {
		if !child.Evaluate(tags) {
			return false
		}
	}
	return true
}

func (a And) String() string {
	parts := make([]string, len(a.Children))
	for i, child := range a.Children {
		parts[i] = parenthesize(child, precedenceAnd)
	}
	return strings.Join(parts, "+")
}

func (a And) Key() string {
	keys := childKeys(a.Children)
	return "(&" + strings.Join(keys, " ") + ")"
}

// Or matches when any child matches. Evaluation short-circuits.
type Or struct {
	Children []Expression
}

func (o Or) Evaluate(tags []string) bool {
	for _, child := range o.Children {
		if child.Evaluate(tags) {
			return true
		}
	}
	return false
}

func (o Or) String() string {
	parts := make([]string, len(o.Children))
	for i, child := range o.Children {
		parts[i] = parenthesize(child, precedenceOr)
	}
	return strings.Join(parts, ",")
}

func (o Or) Key() string {
	keys := childKeys(o.Children)
	return "(|" + strings.Join(keys, " ") + ")"
}

// Not matches when its child does not.
type Not struct {
	Child Expression
}

func (n Not) Evaluate(tags []string) bool {
	return !n.Child.Evaluate(tags)
}

func (n Not) String() string {
	return "!" + parenthesize(n.Child, precedenceNot)
}

func (n Not) Key() string {
	return "(!" + n.Child.Key() + ")"
}

// Operator precedence, highest first: not > and > or.
const (
	precedenceOr = iota
	precedenceAnd
	precedenceNot
)

func precedenceOf(expr Expression) int {
	switch expr.(type) {
	case Or:
		return precedenceOr
	case And:
		return precedenceAnd
	default:
		return precedenceNot
	}
}

func parenthesize(expr Expression, parent int) string {
	if precedenceOf(expr) < parent {
		return "(" + expr.String() + ")"
	}
	return expr.String()
}

// childKeys sorts child cache keys so commutative operators canonicalise.
func childKeys(children []Expression) []string {
	keys := make([]string, len(children))
	for i, child := range children {
		keys[i] = child.Key()
	}
	sort.Strings(keys)
	return keys
}

// MatchAll builds an OR over the given tags, the expression form of the
// legacy simple filter. An empty list yields Empty.
func MatchAll(tags []string) Expression {
	if len(tags) == 0 {
		return Empty{}
	}
	if len(tags) == 1 {
		return Tag{Value: tags[0]}
	}
	children := make([]Expression, len(tags))
	for i, tag := range tags {
		children[i] = Tag{Value: tag}
	}
	return Or{Children: children}
}
