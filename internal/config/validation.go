package config

import (
	"fmt"
	"regexp"
	"strings"

	"conduit/internal/tagquery"
)

var serverNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,99}$`)

// Validate checks a whole snapshot. It returns a ValidationErrors
// collection listing every problem found, or nil when the snapshot is
// consistent.
func Validate(s *Snapshot) error {
	var errs ValidationErrors

	for name := range s.MCPServers {
		if _, dup := s.MCPTemplates[name]; dup {
			errs.Add("mcpServers."+name, (&ConflictError{Name: name}).Error())
		}
	}

	for name, params := range s.MCPServers {
		validateName(&errs, "mcpServers", name)
		validateParams(&errs, "mcpServers."+name, params, false)
	}
	for name, params := range s.MCPTemplates {
		validateName(&errs, "mcpTemplates", name)
		validateParams(&errs, "mcpTemplates."+name, params, true)
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateName(errs *ValidationErrors, section, name string) {
	if !serverNamePattern.MatchString(name) {
		errs.Add(section+"."+name, "invalid server name (allowed: A-Z a-z 0-9 _ -, max 100 chars)")
	}
	if strings.Contains(name, ":") {
		// Colons are reserved for connection key suffixes.
		errs.Add(section+"."+name, "server names must not contain ':'")
	}
}

func validateParams(errs *ValidationErrors, path string, params *MCPServerParams, isTemplate bool) {
	switch params.Type {
	case TransportStdio:
		if params.Command == "" {
			errs.Add(path+".command", "is required for stdio type")
		}
		if params.URL != "" {
			errs.Add(path+".url", "cannot be set for stdio type")
		}
	case TransportSSE, TransportHTTP, TransportStreamableHTTP:
		if params.URL == "" {
			errs.Add(path+".url", "is required for "+string(params.Type)+" type")
		}
		if params.Command != "" || len(params.Args) > 0 || params.Cwd != "" {
			errs.Add(path+".command", "stdio fields cannot be set for "+string(params.Type)+" type")
		}
	default:
		errs.Add(path+".type", fmt.Sprintf("unknown transport %q", params.Type))
	}

	for _, tag := range params.Tags {
		if err := tagquery.ValidateTag(tag); err != nil {
			errs.Add(path+".tags", err.Error(), tag)
		}
	}

	if isTemplate {
		return
	}

	if params.Template != nil {
		errs.Add(path+".template", "template options are only allowed under mcpTemplates")
	}
	if field, found := findPlaceholder(params); found {
		errs.Add(path+"."+field, "{{...}} placeholders are only allowed under mcpTemplates")
	}
}

// findPlaceholder scans every string leaf for template syntax.
func findPlaceholder(params *MCPServerParams) (string, bool) {
	if strings.Contains(params.Command, "{{") {
		return "command", true
	}
	if strings.Contains(params.Cwd, "{{") {
		return "cwd", true
	}
	if strings.Contains(params.URL, "{{") {
		return "url", true
	}
	for _, arg := range params.Args {
		if strings.Contains(arg, "{{") {
			return "args", true
		}
	}
	for _, value := range params.Env {
		if strings.Contains(value, "{{") {
			return "env", true
		}
	}
	for _, value := range params.Headers {
		if strings.Contains(value, "{{") {
			return "headers", true
		}
	}
	return "", false
}
