package authserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"conduit/internal/aggregator"
	"conduit/internal/config"
	"conduit/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type muxRouter struct {
	mux *http.ServeMux
}

func (m *muxRouter) Mount(pattern string, handler http.Handler) {
	m.mux.Handle(pattern, handler)
}

func serverFixture(t *testing.T, snap *config.Snapshot) (*Server, *Issuer, *http.ServeMux) {
	t.Helper()
	issuer := NewIssuer(storage.NewMemory(), func() *config.Snapshot { return snap })
	srv := NewServer(issuer, NewLimiter(config.RateLimits{Max: 1000}), "http://127.0.0.1:8090")
	mux := http.NewServeMux()
	srv.MountRoutes(&muxRouter{mux: mux})
	return srv, issuer, mux
}

func registerTestClient(t *testing.T, issuer *Issuer) *ClientRegistration {
	t.Helper()
	client, err := issuer.RegisterClient("test", []string{"https://c.example.com/cb"})
	require.Nil(t, err)
	return client
}

func authorizeQuery(client *ClientRegistration, challenge string) url.Values {
	return url.Values{
		"client_id":             {client.ClientID},
		"redirect_uri":          {"https://c.example.com/cb"},
		"response_type":         {"code"},
		"scope":                 {"tag:vcs"},
		"state":                 {"xyzzy"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
}

func decodeOAuthError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestAuthorizeAutoApprove(t *testing.T) {
	_, issuer, mux := serverFixture(t, testSnapshot(true, true))
	client := registerTestClient(t, issuer)
	_, challenge := pkcePair()

	req := httptest.NewRequest(http.MethodGet, "/authorize?"+authorizeQuery(client, challenge).Encode(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc.Query().Get("code"), AuthCodePrefix))
	assert.Equal(t, "xyzzy", loc.Query().Get("state"))
}

func TestAuthorizeInvalidScope(t *testing.T) {
	_, issuer, mux := serverFixture(t, testSnapshot(true, true))
	client := registerTestClient(t, issuer)
	_, challenge := pkcePair()

	query := authorizeQuery(client, challenge)
	query.Set("scope", "tag:unknown")

	req := httptest.NewRequest(http.MethodGet, "/authorize?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorInvalidScope, decodeOAuthError(t, rec)["error"])
}

func TestAuthorizeUnknownClient(t *testing.T) {
	_, _, mux := serverFixture(t, testSnapshot(true, true))
	_, challenge := pkcePair()

	query := authorizeQuery(&ClientRegistration{ClientID: "cnd_cl_missing", RedirectURIs: []string{"https://c.example.com/cb"}}, challenge)
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, ErrorInvalidClient, decodeOAuthError(t, rec)["error"])
}

func TestAuthorizeRejectsPlainPKCE(t *testing.T) {
	_, issuer, mux := serverFixture(t, testSnapshot(true, true))
	client := registerTestClient(t, issuer)
	_, challenge := pkcePair()

	query := authorizeQuery(client, challenge)
	query.Set("code_challenge_method", "plain")

	req := httptest.NewRequest(http.MethodGet, "/authorize?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorInvalidRequest, decodeOAuthError(t, rec)["error"])
}

func TestAuthorizeConsentFlow(t *testing.T) {
	_, issuer, mux := serverFixture(t, testSnapshot(true, false))
	client := registerTestClient(t, issuer)
	_, challenge := pkcePair()
	query := authorizeQuery(client, challenge)

	req := httptest.NewRequest(http.MethodGet, "/authorize?"+query.Encode(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Approve")

	query.Set("consent", "approve")
	req = httptest.NewRequest(http.MethodPost, "/authorize", strings.NewReader(query.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.NotEmpty(t, loc.Query().Get("code"))
}

func TestAuthorizeConsentDenied(t *testing.T) {
	_, issuer, mux := serverFixture(t, testSnapshot(true, false))
	client := registerTestClient(t, issuer)
	_, challenge := pkcePair()

	query := authorizeQuery(client, challenge)
	query.Set("consent", "deny")
	req := httptest.NewRequest(http.MethodPost, "/authorize", strings.NewReader(query.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "access_denied", loc.Query().Get("error"))
	assert.Empty(t, loc.Query().Get("code"))
}

func TestTokenEndpointFullFlow(t *testing.T) {
	_, issuer, mux := serverFixture(t, testSnapshot(true, true))
	client := registerTestClient(t, issuer)
	verifier, challenge := pkcePair()

	req := httptest.NewRequest(http.MethodGet, "/authorize?"+authorizeQuery(client, challenge).Encode(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusFound, rec.Code)
	loc, _ := url.Parse(rec.Header().Get("Location"))
	code := loc.Query().Get("code")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"client_id":     {client.ClientID},
		"redirect_uri":  {"https://c.example.com/cb"},
	}
	req = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var grant TokenGrant
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &grant))
	assert.True(t, strings.HasPrefix(grant.AccessToken, AccessTokenPrefix))
	assert.Equal(t, "tag:vcs", grant.Scope)

	info, authErr := issuer.VerifyAccessToken(grant.AccessToken)
	require.Nil(t, authErr)
	assert.Equal(t, client.ClientID, info.ClientID)
}

func TestTokenEndpointRejectsUnknownGrant(t *testing.T) {
	_, _, mux := serverFixture(t, testSnapshot(true, true))

	form := url.Values{"grant_type": {"client_credentials"}}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, ErrorUnsupportedGrantType, decodeOAuthError(t, rec)["error"])
}

func TestRevokeEndpoint(t *testing.T) {
	_, issuer, mux := serverFixture(t, testSnapshot(true, true))
	verifier, challenge := pkcePair()

	code, _ := issuer.CreateAuthCode("cnd_cl_abc", "https://c.example.com/cb", "", []string{"tag:vcs"}, challenge)
	grant, authErr := issuer.ExchangeAuthorizationCode(code, verifier, "cnd_cl_abc", "https://c.example.com/cb", "")
	require.Nil(t, authErr)

	form := url.Values{"token": {grant.AccessToken}}
	req := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	_, authErr = issuer.VerifyAccessToken(grant.AccessToken)
	require.NotNil(t, authErr)
}

func TestRegisterEndpoint(t *testing.T) {
	_, issuer, mux := serverFixture(t, testSnapshot(true, true))

	body := `{"redirect_uris":["https://c.example.com/cb"],"client_name":"inspector"}`
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp registrationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.ClientID, ClientIDPrefix))
	assert.Equal(t, "none", resp.TokenEndpointAuthMethod)

	_, ok := issuer.LookupClient(resp.ClientID)
	assert.True(t, ok)
}

func TestMetadataEndpoint(t *testing.T) {
	_, _, mux := serverFixture(t, testSnapshot(true, true))

	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &meta))
	assert.Equal(t, "http://127.0.0.1:8090", meta["issuer"])
	assert.Equal(t, "http://127.0.0.1:8090/authorize", meta["authorization_endpoint"])
	assert.Contains(t, meta["code_challenge_methods_supported"], "S256")
	assert.ElementsMatch(t, []interface{}{"tag:data", "tag:sql", "tag:vcs"}, meta["scopes_supported"])
}

func TestRateLimitedEndpoint(t *testing.T) {
	issuer := NewIssuer(storage.NewMemory(), func() *config.Snapshot { return testSnapshot(true, true) })
	srv := NewServer(issuer, NewLimiter(config.RateLimits{WindowMs: 60000, Max: 2}), "http://127.0.0.1:8090")
	mux := http.NewServeMux()
	srv.MountRoutes(&muxRouter{mux: mux})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/token", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/token", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, ErrorRateLimited, decodeOAuthError(t, rec)["error"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestMiddlewareRequiresToken(t *testing.T) {
	srv, _, _ := serverFixture(t, testSnapshot(true, true))

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	rec := httptest.NewRecorder()
	srv.Middleware(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	challenge := rec.Header().Get("WWW-Authenticate")
	assert.Contains(t, challenge, "Bearer")
	assert.Contains(t, challenge, "resource_metadata")
}

func TestMiddlewareScopesContext(t *testing.T) {
	srv, issuer, _ := serverFixture(t, testSnapshot(true, true))
	verifier, challenge := pkcePair()

	code, _ := issuer.CreateAuthCode("cnd_cl_abc", "https://c.example.com/cb", "", []string{"tag:vcs"}, challenge)
	grant, authErr := issuer.ExchangeAuthorizationCode(code, verifier, "cnd_cl_abc", "https://c.example.com/cb", "")
	require.Nil(t, authErr)

	var seen []string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = aggregator.AllowedTagsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+grant.AccessToken)
	rec := httptest.NewRecorder()
	srv.Middleware(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"vcs"}, seen)
}

func TestMiddlewareDisabledAuthPassesThrough(t *testing.T) {
	srv, _, _ := serverFixture(t, testSnapshot(false, false))

	var seen []string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = aggregator.AllowedTagsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	rec := httptest.NewRecorder()
	srv.Middleware(next).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, seen, "no tag restriction when auth is off")
}

func TestClientIPPrefersForwardedHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:9999"
	assert.Equal(t, "127.0.0.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(req))
}
