package oauth

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

var authParamPattern = regexp.MustCompile(`(\w+)="([^"]*)"`)

// ParseWWWAuthenticate parses a WWW-Authenticate header value. It
// supports the Bearer scheme with OAuth 2.0 and MCP-specific parameters:
//
//	Bearer realm="https://auth.example.com"
//	Bearer realm="https://auth.example.com", scope="openid profile"
//	Bearer resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"
func ParseWWWAuthenticate(header string) (*AuthChallenge, error) {
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	challenge := &AuthChallenge{Scheme: parts[0]}

	if len(parts) > 1 {
		params := make(map[string]string)
		for _, match := range authParamPattern.FindAllStringSubmatch(parts[1], -1) {
			params[strings.ToLower(match[1])] = match[2]
		}

		if realm, ok := params["realm"]; ok {
			challenge.Realm = realm
			if strings.HasPrefix(realm, "http://") || strings.HasPrefix(realm, "https://") {
				challenge.Issuer = realm
			}
		}
		challenge.ResourceMetadataURL = params["resource_metadata"]
		challenge.Scope = params["scope"]
		challenge.Error = params["error"]
		challenge.ErrorDescription = params["error_description"]
	}

	return challenge, nil
}

// ParseWWWAuthenticateFromResponse extracts an auth challenge from a 401
// response, or nil when none is present.
func ParseWWWAuthenticateFromResponse(resp *http.Response) *AuthChallenge {
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return nil
	}

	header := resp.Header.Get("WWW-Authenticate")
	if header == "" {
		return nil
	}

	challenge, err := ParseWWWAuthenticate(header)
	if err != nil {
		return nil
	}
	return challenge
}

// ParseWWWAuthenticateFromError attempts to extract an auth challenge
// from an error string. This is a best-effort fallback for client
// libraries that fold the HTTP response into the error message.
func ParseWWWAuthenticateFromError(err error) *AuthChallenge {
	if !Is401Error(err) {
		return nil
	}

	errStr := err.Error()
	if idx := strings.Index(errStr, "Bearer"); idx >= 0 {
		remaining := errStr[idx:]
		if endIdx := strings.IndexAny(remaining, "\n\r"); endIdx > 0 {
			remaining = remaining[:endIdx]
		}
		if challenge, parseErr := ParseWWWAuthenticate(remaining); parseErr == nil {
			return challenge
		}
	}

	// A bare 401 still signals that auth is required.
	return &AuthChallenge{Scheme: "Bearer"}
}

// Is401Error checks if an error message indicates a 401 Unauthorized
// response.
func Is401Error(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "401") ||
		strings.Contains(strings.ToLower(errStr), "unauthorized")
}
