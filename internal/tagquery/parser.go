package tagquery

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxTagLength bounds individual tag names.
const MaxTagLength = 64

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// SyntaxError reports a parse failure with the column it occurred at.
type SyntaxError struct {
	Pos int // zero-based column index into the input
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid tag expression at column %d: %s", e.Pos, e.Msg)
}

// ValidateTag checks a single tag name against the allowed charset and
// length bound.
func ValidateTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("tag must not be empty")
	}
	if len(tag) > MaxTagLength {
		return fmt.Errorf("tag %q exceeds %d characters", tag[:MaxTagLength]+"...", MaxTagLength)
	}
	if !tagPattern.MatchString(tag) {
		return fmt.Errorf("tag %q contains invalid characters (allowed: A-Z a-z 0-9 _ -)", tag)
	}
	return nil
}

// ParseSimple parses the legacy comma-separated tag list ("a,b,c").
// Duplicates collapse, order is preserved. An empty string yields an
// empty list.
func ParseSimple(input string) ([]string, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}

	seen := make(map[string]bool)
	var tags []string
	for _, raw := range strings.Split(input, ",") {
		tag := strings.TrimSpace(raw)
		if tag == "" {
			continue
		}
		if err := ValidateTag(tag); err != nil {
			return nil, err
		}
		if seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return tags, nil
}

// ParseAdvanced parses the advanced infix syntax:
//
//	Expr := Or
//	Or   := And (',' And)*          also the word "or"
//	And  := Not ('+' Not)*          also the word "and"
//	Not  := ('-'|'!') Not | Atom    also the word "not"
//	Atom := TAG | '(' Expr ')'
//
// An empty input yields Empty (matches nothing).
func ParseAdvanced(input string) (Expression, error) {
	p := &parser{input: input}
	p.skipSpace()
	if p.eof() {
		return Empty{}, nil
	}

	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	p.skipSpace()
	if !p.eof() {
		return nil, &SyntaxError{Pos: p.pos, Msg: fmt.Sprintf("unexpected %q", p.input[p.pos])}
	}
	return expr, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) eof() bool {
	return p.pos >= len(p.input)
}

func (p *parser) peek() byte {
	return p.input[p.pos]
}

func (p *parser) skipSpace() {
	for !p.eof() && (p.peek() == ' ' || p.peek() == '\t') {
		p.pos++
	}
}

// word consumes an alphanumeric run without advancing unless it matches
// one of the keyword operators.
func (p *parser) tryKeyword(keyword string) bool {
	end := p.pos + len(keyword)
	if end > len(p.input) {
		return false
	}
	if !strings.EqualFold(p.input[p.pos:end], keyword) {
		return false
	}
	// The keyword must be a whole word, otherwise it is a tag prefix
	// (e.g. "order" starts with "or").
	if end < len(p.input) && isTagChar(p.input[end]) {
		return false
	}
	p.pos = end
	return true
}

func isTagChar(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (p *parser) parseOr() (Expression, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	children := []Expression{first}
	for {
		p.skipSpace()
		switch {
		case !p.eof() && p.peek() == ',':
			p.pos++
		case p.tryKeyword("or"):
		default:
			if len(children) == 1 {
				return first, nil
			}
			return Or{Children: children}, nil
		}

		p.skipSpace()
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, next)
	}
}

func (p *parser) parseAnd() (Expression, error) {
	first, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	children := []Expression{first}
	for {
		p.skipSpace()
		switch {
		case !p.eof() && p.peek() == '+':
			p.pos++
		case p.tryKeyword("and"):
		default:
			if len(children) == 1 {
				return first, nil
			}
			return And{Children: children}, nil
		}

		p.skipSpace()
		next, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		children = append(children, next)
	}
}

func (p *parser) parseNot() (Expression, error) {
	p.skipSpace()
	if p.eof() {
		return nil, &SyntaxError{Pos: p.pos, Msg: "unexpected end of expression"}
	}

	if p.peek() == '-' || p.peek() == '!' {
		p.pos++
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return Not{Child: child}, nil
	}
	if p.tryKeyword("not") {
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return Not{Child: child}, nil
	}

	return p.parseAtom()
}

func (p *parser) parseAtom() (Expression, error) {
	p.skipSpace()
	if p.eof() {
		return nil, &SyntaxError{Pos: p.pos, Msg: "unexpected end of expression"}
	}

	if p.peek() == '(' {
		open := p.pos
		p.pos++
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.eof() || p.peek() != ')' {
			return nil, &SyntaxError{Pos: open, Msg: "unclosed parenthesis"}
		}
		p.pos++
		return expr, nil
	}

	start := p.pos
	for !p.eof() && isTagChar(p.peek()) {
		p.pos++
	}
	if p.pos == start {
		return nil, &SyntaxError{Pos: start, Msg: fmt.Sprintf("unexpected %q", p.input[start])}
	}

	tag := p.input[start:p.pos]
	if len(tag) > MaxTagLength {
		return nil, &SyntaxError{Pos: start, Msg: fmt.Sprintf("tag exceeds %d characters", MaxTagLength)}
	}
	return Tag{Value: tag}, nil
}
