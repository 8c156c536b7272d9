package authserver

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"conduit/internal/aggregator"
	"conduit/pkg/logging"
)

// Endpoint paths, also advertised in the server metadata.
const (
	AuthorizePath = "/authorize"
	TokenPath     = "/token"
	RevokePath    = "/revoke"
	RegisterPath  = "/register"
	MetadataPath  = "/.well-known/oauth-authorization-server"
)

// Router is the slice of the inbound HTTP server the endpoints mount
// onto.
type Router interface {
	Mount(pattern string, handler http.Handler)
}

// Server exposes the issuer over HTTP and protects the MCP entrypoints
// with bearer-token validation.
type Server struct {
	issuer  *Issuer
	limiter *Limiter
	baseURL string
}

// NewServer wires the issuer and rate limiter to the HTTP surface.
// baseURL is the externally visible origin, used in metadata and
// WWW-Authenticate challenges.
func NewServer(issuer *Issuer, limiter *Limiter, baseURL string) *Server {
	return &Server{
		issuer:  issuer,
		limiter: limiter,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// MountRoutes registers the issuance endpoints. Metadata is served
// unconditionally so clients can discover that auth is available; the
// four issuance endpoints sit behind the rate limiter.
func (s *Server) MountRoutes(router Router) {
	router.Mount(MetadataPath, http.HandlerFunc(s.handleMetadata))
	router.Mount(AuthorizePath, s.limited(s.handleAuthorize))
	router.Mount(TokenPath, s.limited(s.handleToken))
	router.Mount(RevokePath, s.limited(s.handleRevoke))
	router.Mount(RegisterPath, s.limited(s.handleRegister))
	logging.Info("AuthServer", "Mounted OAuth endpoints at %s", s.baseURL)
}

// Middleware validates the bearer token on MCP requests and scopes the
// request context to the token's tags. With auth disabled it is a
// pass-through, so untagged servers stay visible to everyone.
func (s *Server) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.issuer.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			s.challenge(w, "missing bearer token")
			return
		}

		info, authErr := s.issuer.VerifyAccessToken(token)
		if authErr != nil {
			s.challenge(w, authErr.Description)
			return
		}

		ctx := aggregator.ContextWithAllowedTags(r.Context(), TagsFromScopes(info.Scopes))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) limited(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.Allow(ip) {
			w.Header().Set("Retry-After", strconv.Itoa(int(s.limiter.window.Seconds())))
			writeOAuthError(w, NewError(http.StatusTooManyRequests, ErrorRateLimited, "too many requests"))
			return
		}
		next(w, r)
	})
}

// handleAuthorize implements the authorization endpoint. GET validates
// the request and either auto-approves or renders the consent form;
// POST carries the consent decision back.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.startAuthorization(w, r)
	case http.MethodPost:
		s.finishAuthorization(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeOAuthError(w, NewError(http.StatusMethodNotAllowed, ErrorInvalidRequest, "method not allowed"))
	}
}

// authorizeParams is the validated subset of an authorization request.
type authorizeParams struct {
	client      *ClientRegistration
	redirectURI string
	state       string
	resource    string
	scopes      []string
	challenge   string
}

func (s *Server) validateAuthorization(values url.Values) (*authorizeParams, *Error) {
	clientID := values.Get("client_id")
	if clientID == "" {
		return nil, invalidRequest("client_id is required")
	}
	client, ok := s.issuer.LookupClient(clientID)
	if !ok {
		return nil, invalidClient("unknown client %q", clientID)
	}

	redirectURI := values.Get("redirect_uri")
	if redirectURI == "" && len(client.RedirectURIs) == 1 {
		redirectURI = client.RedirectURIs[0]
	}
	if !containsString(client.RedirectURIs, redirectURI) {
		return nil, invalidRequest("redirect_uri is not registered for this client")
	}

	if rt := values.Get("response_type"); rt != "code" {
		return nil, NewError(http.StatusBadRequest, ErrorUnsupportedResponseType,
			fmt.Sprintf("response_type %q is not supported", rt))
	}

	if method := values.Get("code_challenge_method"); method != "S256" {
		return nil, invalidRequest("code_challenge_method must be S256")
	}
	challenge := values.Get("code_challenge")
	if challenge == "" {
		return nil, invalidRequest("code_challenge is required")
	}

	scopes, scopeErr := ValidateScopes(ParseScopeParam(values.Get("scope")), s.issuer.AvailableTags())
	if scopeErr != nil {
		return nil, scopeErr
	}

	return &authorizeParams{
		client:      client,
		redirectURI: redirectURI,
		state:       values.Get("state"),
		resource:    values.Get("resource"),
		scopes:      scopes,
		challenge:   challenge,
	}, nil
}

func (s *Server) startAuthorization(w http.ResponseWriter, r *http.Request) {
	params, authErr := s.validateAuthorization(r.URL.Query())
	if authErr != nil {
		writeOAuthError(w, authErr)
		return
	}

	if s.issuer.snapshot().Auth.AutoApprove {
		s.issueCode(w, r, params)
		return
	}

	s.renderConsent(w, r.URL.Query(), params)
}

func (s *Server) finishAuthorization(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, invalidRequest("malformed form body"))
		return
	}

	params, authErr := s.validateAuthorization(r.PostForm)
	if authErr != nil {
		writeOAuthError(w, authErr)
		return
	}

	if r.PostForm.Get("consent") != "approve" {
		redirectError(w, r, params.redirectURI, params.state, "access_denied", "the user denied the request")
		return
	}

	s.issueCode(w, r, params)
}

func (s *Server) issueCode(w http.ResponseWriter, r *http.Request, params *authorizeParams) {
	code, authErr := s.issuer.CreateAuthCode(
		params.client.ClientID, params.redirectURI, params.resource, params.scopes, params.challenge)
	if authErr != nil {
		writeOAuthError(w, authErr)
		return
	}

	target, err := url.Parse(params.redirectURI)
	if err != nil {
		writeOAuthError(w, invalidRequest("redirect URI is not parseable"))
		return
	}
	query := target.Query()
	query.Set("code", code)
	if params.state != "" {
		query.Set("state", params.state)
	}
	target.RawQuery = query.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorize {{.ClientName}}</title></head>
<body>
<h1>Authorize access</h1>
<p><strong>{{.ClientName}}</strong> is requesting access to:</p>
<ul>{{range .Tags}}<li>{{.}}</li>{{end}}</ul>
<form method="POST" action="{{.Action}}">
{{range $key, $values := .Params}}{{range $values}}<input type="hidden" name="{{$key}}" value="{{.}}">
{{end}}{{end}}<button type="submit" name="consent" value="approve">Approve</button>
<button type="submit" name="consent" value="deny">Deny</button>
</form>
</body>
</html>
`))

func (s *Server) renderConsent(w http.ResponseWriter, original url.Values, params *authorizeParams) {
	name := params.client.ClientName
	if name == "" {
		name = params.client.ClientID
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := consentTemplate.Execute(w, map[string]interface{}{
		"ClientName": name,
		"Tags":       TagsFromScopes(params.scopes),
		"Action":     AuthorizePath,
		"Params":     map[string][]string(original),
	})
	if err != nil {
		logging.Error("AuthServer", err, "Rendering consent form")
	}
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeOAuthError(w, NewError(http.StatusMethodNotAllowed, ErrorInvalidRequest, "method not allowed"))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, invalidRequest("malformed form body"))
		return
	}

	if grantType := r.PostForm.Get("grant_type"); grantType != "authorization_code" {
		writeOAuthError(w, NewError(http.StatusBadRequest, ErrorUnsupportedGrantType,
			fmt.Sprintf("grant_type %q is not supported", grantType)))
		return
	}

	grant, authErr := s.issuer.ExchangeAuthorizationCode(
		r.PostForm.Get("code"),
		r.PostForm.Get("code_verifier"),
		r.PostForm.Get("client_id"),
		r.PostForm.Get("redirect_uri"),
		r.PostForm.Get("resource"),
	)
	if authErr != nil {
		writeOAuthError(w, authErr)
		return
	}

	writeJSON(w, http.StatusOK, grant)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeOAuthError(w, NewError(http.StatusMethodNotAllowed, ErrorInvalidRequest, "method not allowed"))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, invalidRequest("malformed form body"))
		return
	}

	token := r.PostForm.Get("token")
	if token == "" {
		writeOAuthError(w, invalidRequest("token is required"))
		return
	}

	s.issuer.RevokeToken(token)
	w.WriteHeader(http.StatusOK)
}

// registrationRequest is the accepted subset of RFC 7591.
type registrationRequest struct {
	RedirectURIs []string `json:"redirect_uris"`
	ClientName   string   `json:"client_name,omitempty"`
}

type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeOAuthError(w, NewError(http.StatusMethodNotAllowed, ErrorInvalidRequest, "method not allowed"))
		return
	}

	var req registrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeOAuthError(w, invalidRequest("malformed registration body"))
		return
	}

	client, authErr := s.issuer.RegisterClient(req.ClientName, req.RedirectURIs)
	if authErr != nil {
		writeOAuthError(w, authErr)
		return
	}

	writeJSON(w, http.StatusCreated, registrationResponse{
		ClientID:                client.ClientID,
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code"},
		ResponseTypes:           []string{"code"},
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
	})
}

// handleMetadata serves RFC 8414 authorization server metadata.
func (s *Server) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                                s.baseURL,
		"authorization_endpoint":                s.baseURL + AuthorizePath,
		"token_endpoint":                        s.baseURL + TokenPath,
		"registration_endpoint":                 s.baseURL + RegisterPath,
		"revocation_endpoint":                   s.baseURL + RevokePath,
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none"},
		"scopes_supported":                      ScopesFromTags(s.issuer.AvailableTags()),
	})
}

// challenge writes a 401 with a WWW-Authenticate header pointing the
// client at the server metadata.
func (s *Server) challenge(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer realm=%q, error="invalid_token", error_description=%q, resource_metadata=%q`,
		s.baseURL, description, s.baseURL+MetadataPath))
	writeOAuthError(w, NewError(http.StatusUnauthorized, ErrorInvalidToken, description))
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	target, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, invalidRequest("redirect URI is not parseable"))
		return
	}
	query := target.Query()
	query.Set("error", code)
	query.Set("error_description", description)
	if state != "" {
		query.Set("state", state)
	}
	target.RawQuery = query.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func writeOAuthError(w http.ResponseWriter, authErr *Error) {
	writeJSON(w, authErr.Status, map[string]string{
		"error":             authErr.Code,
		"error_description": authErr.Description,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Error("AuthServer", err, "Encoding response")
	}
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
