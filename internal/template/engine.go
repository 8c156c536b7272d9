package template

import (
	"fmt"
	"strings"

	"conduit/internal/config"
)

// RenderError reports a structurally malformed template. Missing context
// values are not errors; they render as empty strings.
type RenderError struct {
	Field string
	Msg   string
}

func (e *RenderError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("template render failed: %s", e.Msg)
	}
	return fmt.Sprintf("template render failed in %s: %s", e.Field, e.Msg)
}

// Engine renders {{path.to.field}} interpolations and
// {{#if cond}}...{{else}}...{{/if}} blocks over a ContextLookup.
// Conditions are either a path (truthy when present and non-empty) or an
// (eq a b) comparison of two paths or quoted literals.
type Engine struct{}

// New creates a template engine.
func New() *Engine {
	return &Engine{}
}

// RenderString renders a single template string.
func (e *Engine) RenderString(input string, ctx ContextLookup) (string, error) {
	tokens, err := tokenize(input)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	pos := 0
	if err := renderTokens(tokens, &pos, ctx, &out, false); err != nil {
		return "", err
	}
	if pos != len(tokens) {
		return "", &RenderError{Msg: "unexpected {{/if}} without opening block"}
	}
	return out.String(), nil
}

// RenderParams renders every string leaf of a server definition. The
// input is never mutated; non-string leaves pass through untouched.
func (e *Engine) RenderParams(params *config.MCPServerParams, ctx ContextLookup) (*config.MCPServerParams, error) {
	rendered := *params

	var err error
	if rendered.Command, err = e.renderField("command", params.Command, ctx); err != nil {
		return nil, err
	}
	if rendered.Cwd, err = e.renderField("cwd", params.Cwd, ctx); err != nil {
		return nil, err
	}
	if rendered.URL, err = e.renderField("url", params.URL, ctx); err != nil {
		return nil, err
	}

	if len(params.Args) > 0 {
		rendered.Args = make([]string, len(params.Args))
		for i, arg := range params.Args {
			if rendered.Args[i], err = e.renderField(fmt.Sprintf("args[%d]", i), arg, ctx); err != nil {
				return nil, err
			}
		}
	}
	if len(params.Env) > 0 {
		rendered.Env = make(map[string]string, len(params.Env))
		for key, value := range params.Env {
			if rendered.Env[key], err = e.renderField("env."+key, value, ctx); err != nil {
				return nil, err
			}
		}
	}
	if len(params.Headers) > 0 {
		rendered.Headers = make(map[string]string, len(params.Headers))
		for key, value := range params.Headers {
			if rendered.Headers[key], err = e.renderField("headers."+key, value, ctx); err != nil {
				return nil, err
			}
		}
	}

	// Tags and template options are structural, not data; copy them so
	// the rendered params own their slices.
	if len(params.Tags) > 0 {
		rendered.Tags = append([]string(nil), params.Tags...)
	}

	return &rendered, nil
}

func (e *Engine) renderField(field, value string, ctx ContextLookup) (string, error) {
	if !strings.Contains(value, "{{") {
		return value, nil
	}
	out, err := e.RenderString(value, ctx)
	if err != nil {
		if renderErr, ok := err.(*RenderError); ok && renderErr.Field == "" {
			renderErr.Field = field
		}
		return "", err
	}
	return out, nil
}

// tokenize splits the input into literal text and {{...}} directives.
type token struct {
	literal bool
	text    string // literal text, or the trimmed directive body
}

func tokenize(input string) ([]token, error) {
	var tokens []token
	rest := input
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			if rest != "" {
				tokens = append(tokens, token{literal: true, text: rest})
			}
			return tokens, nil
		}
		if open > 0 {
			tokens = append(tokens, token{literal: true, text: rest[:open]})
		}
		end := strings.Index(rest[open:], "}}")
		if end < 0 {
			return nil, &RenderError{Msg: fmt.Sprintf("unclosed {{ in %q", input)}
		}
		body := strings.TrimSpace(rest[open+2 : open+end])
		tokens = append(tokens, token{text: body})
		rest = rest[open+end+2:]
	}
}

// renderTokens consumes tokens until the end, or until {{else}}/{{/if}}
// when inBlock is set. pos is left on the terminating directive.
func renderTokens(tokens []token, pos *int, ctx ContextLookup, out *strings.Builder, inBlock bool) error {
	for *pos < len(tokens) {
		tok := tokens[*pos]
		if tok.literal {
			out.WriteString(tok.text)
			*pos++
			continue
		}

		switch {
		case tok.text == "else" || tok.text == "/if":
			if !inBlock {
				if tok.text == "/if" {
					return &RenderError{Msg: "unexpected {{/if}} without opening block"}
				}
				return &RenderError{Msg: "unexpected {{else}} outside {{#if}}"}
			}
			return nil

		case strings.HasPrefix(tok.text, "#if"):
			condition := strings.TrimSpace(strings.TrimPrefix(tok.text, "#if"))
			truthy, err := evalCondition(condition, ctx)
			if err != nil {
				return err
			}
			*pos++
			if err := renderBranch(tokens, pos, ctx, out, truthy); err != nil {
				return err
			}

		case strings.HasPrefix(tok.text, "#"):
			return &RenderError{Msg: fmt.Sprintf("unsupported block {{%s}}", tok.text)}

		default:
			// Plain interpolation; absent paths become empty strings.
			value, _ := ctx.Lookup(tok.text)
			out.WriteString(value)
			*pos++
		}
	}

	if inBlock {
		return &RenderError{Msg: "missing {{/if}}"}
	}
	return nil
}

// renderBranch handles the then/else arms of an if block. pos enters just
// past the {{#if}} directive and leaves just past {{/if}}.
func renderBranch(tokens []token, pos *int, ctx ContextLookup, out *strings.Builder, takeThen bool) error {
	var discard strings.Builder

	thenOut := out
	if !takeThen {
		thenOut = &discard
	}
	if err := renderTokens(tokens, pos, ctx, thenOut, true); err != nil {
		return err
	}
	if *pos >= len(tokens) {
		return &RenderError{Msg: "missing {{/if}}"}
	}

	if tokens[*pos].text == "else" {
		*pos++
		elseOut := out
		if takeThen {
			elseOut = &discard
		}
		if err := renderTokens(tokens, pos, ctx, elseOut, true); err != nil {
			return err
		}
		if *pos >= len(tokens) {
			return &RenderError{Msg: "missing {{/if}}"}
		}
	}

	if tokens[*pos].text != "/if" {
		return &RenderError{Msg: "missing {{/if}}"}
	}
	*pos++
	return nil
}

// evalCondition evaluates "path" truthiness or an "(eq a b)" comparison.
func evalCondition(condition string, ctx ContextLookup) (bool, error) {
	if condition == "" {
		return false, &RenderError{Msg: "empty {{#if}} condition"}
	}

	if strings.HasPrefix(condition, "(") {
		if !strings.HasSuffix(condition, ")") {
			return false, &RenderError{Msg: fmt.Sprintf("malformed condition %q", condition)}
		}
		inner := strings.TrimSpace(condition[1 : len(condition)-1])
		fields := splitCondition(inner)
		if len(fields) != 3 || fields[0] != "eq" {
			return false, &RenderError{Msg: fmt.Sprintf("unsupported condition %q (only (eq a b))", condition)}
		}
		left := resolveOperand(fields[1], ctx)
		right := resolveOperand(fields[2], ctx)
		return left == right, nil
	}

	value, ok := ctx.Lookup(condition)
	return ok && value != "", nil
}

// splitCondition splits on spaces while keeping quoted literals intact.
func splitCondition(input string) []string {
	var fields []string
	var current strings.Builder
	inQuote := false

	for _, r := range input {
		switch {
		case r == '"':
			inQuote = !inQuote
			current.WriteRune(r)
		case r == ' ' && !inQuote:
			if current.Len() > 0 {
				fields = append(fields, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		fields = append(fields, current.String())
	}
	return fields
}

func resolveOperand(operand string, ctx ContextLookup) string {
	if len(operand) >= 2 && operand[0] == '"' && operand[len(operand)-1] == '"' {
		return operand[1 : len(operand)-1]
	}
	value, _ := ctx.Lookup(operand)
	return value
}
