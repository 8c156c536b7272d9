package authserver

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"conduit/internal/config"
	"conduit/internal/storage"
	"conduit/pkg/logging"

	"github.com/google/uuid"
)

const (
	// AccessTokenPrefix marks opaque access tokens.
	AccessTokenPrefix = "cnd_at_"
	// AuthCodePrefix marks one-time authorization codes.
	AuthCodePrefix = "cnd_ac_"
	// ClientIDPrefix marks dynamically registered client ids.
	ClientIDPrefix = "cnd_cl_"

	codeKeyPrefix    = "auth/codes/"
	sessionKeyPrefix = "auth/sessions/"
	clientKeyPrefix  = "auth/clients/"

	// AuthCodeTTL bounds the authorize-to-token window.
	AuthCodeTTL = 60 * time.Second
	// ClientTTL expires registrations that stop being used.
	ClientTTL = 30 * 24 * time.Hour

	// AnonymousClientID identifies requests when auth is disabled.
	AnonymousClientID = "anonymous"
)

// ClientRegistration is a dynamically registered OAuth client. All
// clients are public; PKCE stands in for a client secret.
type ClientRegistration struct {
	ClientID     string    `json:"clientId"`
	ClientName   string    `json:"clientName,omitempty"`
	RedirectURIs []string  `json:"redirectUris"`
	CreatedAt    time.Time `json:"createdAt"`
}

// authCode is the persisted form of a one-time authorization code.
type authCode struct {
	ClientID      string    `json:"clientId"`
	RedirectURI   string    `json:"redirectUri"`
	Resource      string    `json:"resource,omitempty"`
	Scopes        []string  `json:"scopes"`
	CodeChallenge string    `json:"codeChallenge"`
	CreatedAt     time.Time `json:"createdAt"`
}

// tokenSession is the persisted state behind an access token.
type tokenSession struct {
	ClientID  string    `json:"clientId"`
	Resource  string    `json:"resource,omitempty"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires"`
}

// AuthInfo is the verified identity attached to an inbound request.
type AuthInfo struct {
	ClientID  string
	Scopes    []string
	ExpiresAt time.Time
	Resource  string
}

// TokenGrant is the token endpoint's success payload.
type TokenGrant struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// Issuer mints and verifies the proxy's own credentials. All state
// lives in the storage repository under auth/, so a file-backed
// deployment survives restarts and the repository's TTLs double as the
// expiry mechanism.
type Issuer struct {
	repo     storage.Repository
	snapshot func() *config.Snapshot
}

// NewIssuer creates the issuer. snapshot must return the active
// configuration; it is consulted per call so reloads take effect
// without restarting the issuer.
func NewIssuer(repo storage.Repository, snapshot func() *config.Snapshot) *Issuer {
	return &Issuer{repo: repo, snapshot: snapshot}
}

// Enabled reports whether inbound auth is on.
func (i *Issuer) Enabled() bool {
	return i.snapshot().Auth.Enabled
}

// AvailableTags returns the scope universe.
func (i *Issuer) AvailableTags() []string {
	return i.snapshot().AllTags()
}

func newSecret() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RegisterClient stores a new public client. Redirect URIs must be
// absolute URLs.
func (i *Issuer) RegisterClient(name string, redirectURIs []string) (*ClientRegistration, *Error) {
	if len(redirectURIs) == 0 {
		return nil, invalidRequest("redirect_uris is required")
	}
	for _, raw := range redirectURIs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() {
			return nil, invalidRequest("redirect URI %q is not an absolute URL", raw)
		}
	}

	client := &ClientRegistration{
		ClientID:     ClientIDPrefix + newSecret(),
		ClientName:   name,
		RedirectURIs: redirectURIs,
		CreatedAt:    time.Now().UTC(),
	}
	if err := i.save(clientKeyPrefix+client.ClientID, client, ClientTTL); err != nil {
		return nil, NewError(http.StatusInternalServerError, ErrorServerError, err.Error())
	}

	logging.Info("AuthServer", "Registered client %s (%s)", client.ClientID, name)
	return client, nil
}

// LookupClient loads a registration by id.
func (i *Issuer) LookupClient(clientID string) (*ClientRegistration, bool) {
	var client ClientRegistration
	ok, err := i.load(clientKeyPrefix+clientID, &client)
	if err != nil {
		logging.Error("AuthServer", err, "Loading client %s", clientID)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return &client, true
}

// CreateAuthCode mints a one-time code bound to the client, redirect
// URI and PKCE challenge. Scopes must already be validated.
func (i *Issuer) CreateAuthCode(clientID, redirectURI, resource string, scopes []string, codeChallenge string) (string, *Error) {
	if codeChallenge == "" {
		return "", invalidRequest("code_challenge is required")
	}

	id := newSecret()
	code := authCode{
		ClientID:      clientID,
		RedirectURI:   redirectURI,
		Resource:      resource,
		Scopes:        scopes,
		CodeChallenge: codeChallenge,
		CreatedAt:     time.Now().UTC(),
	}
	if err := i.save(codeKeyPrefix+id, &code, AuthCodeTTL); err != nil {
		return "", NewError(http.StatusInternalServerError, ErrorServerError, err.Error())
	}
	return AuthCodePrefix + id, nil
}

// ExchangeAuthorizationCode validates a code-for-token exchange and
// mints an access token. The code is deleted before validation
// completes, so a replayed exchange always fails.
func (i *Issuer) ExchangeAuthorizationCode(code, verifier, clientID, redirectURI, resource string) (*TokenGrant, *Error) {
	id, ok := strings.CutPrefix(code, AuthCodePrefix)
	if !ok {
		return nil, invalidGrant("malformed authorization code")
	}

	var stored authCode
	found, err := i.load(codeKeyPrefix+id, &stored)
	if err != nil {
		return nil, NewError(http.StatusInternalServerError, ErrorServerError, err.Error())
	}
	if !found {
		return nil, invalidGrant("authorization code is invalid or expired")
	}
	_ = i.repo.Delete(codeKeyPrefix + id)

	if stored.ClientID != clientID {
		return nil, invalidClient("authorization code was issued to a different client")
	}
	if stored.RedirectURI != redirectURI {
		return nil, invalidGrant("redirect_uri does not match the authorization request")
	}
	if stored.Resource != "" && resource != "" && stored.Resource != resource {
		return nil, invalidGrant("resource does not match the authorization request")
	}
	if !verifyPKCE(stored.CodeChallenge, verifier) {
		return nil, invalidGrant("PKCE verification failed")
	}

	snap := i.snapshot()
	ttl := snap.Auth.AccessTokenTTL(snap.Aggregator.SessionTTL())

	tokenID := newSecret()
	session := tokenSession{
		ClientID:  stored.ClientID,
		Resource:  stored.Resource,
		Scopes:    stored.Scopes,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	if err := i.save(sessionKeyPrefix+tokenID, &session, ttl); err != nil {
		return nil, NewError(http.StatusInternalServerError, ErrorServerError, err.Error())
	}

	logging.Info("AuthServer", "Issued access token for client %s (%d scopes, ttl %v)",
		stored.ClientID, len(stored.Scopes), ttl)

	return &TokenGrant{
		AccessToken: AccessTokenPrefix + tokenID,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
		Scope:       strings.Join(stored.Scopes, " "),
	}, nil
}

// VerifyAccessToken resolves a bearer token to its identity. With auth
// disabled every caller is anonymous and scoped to the full tag
// universe, skipping the store entirely.
func (i *Issuer) VerifyAccessToken(token string) (*AuthInfo, *Error) {
	if !i.Enabled() {
		return &AuthInfo{
			ClientID: AnonymousClientID,
			Scopes:   ScopesFromTags(i.AvailableTags()),
		}, nil
	}

	tokenID, ok := strings.CutPrefix(token, AccessTokenPrefix)
	if !ok {
		return nil, NewError(http.StatusUnauthorized, ErrorInvalidToken, "malformed access token")
	}

	var session tokenSession
	found, err := i.load(sessionKeyPrefix+tokenID, &session)
	if err != nil {
		return nil, NewError(http.StatusInternalServerError, ErrorServerError, err.Error())
	}
	if !found || time.Now().After(session.ExpiresAt) {
		return nil, NewError(http.StatusUnauthorized, ErrorInvalidToken, "access token is invalid or expired")
	}

	return &AuthInfo{
		ClientID:  session.ClientID,
		Scopes:    session.Scopes,
		ExpiresAt: session.ExpiresAt,
		Resource:  session.Resource,
	}, nil
}

// RevokeToken deletes the session behind a token. Unknown tokens are
// not an error, per RFC 7009.
func (i *Issuer) RevokeToken(token string) {
	tokenID, ok := strings.CutPrefix(token, AccessTokenPrefix)
	if !ok {
		return
	}
	if err := i.repo.Delete(sessionKeyPrefix + tokenID); err != nil {
		logging.Warn("AuthServer", "Revoking token: %v", err)
		return
	}
	logging.Debug("AuthServer", "Revoked access token %s", logging.TruncateSessionID(tokenID))
}

// verifyPKCE checks an S256 challenge against its verifier.
func verifyPKCE(challenge, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func (i *Issuer) save(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return i.repo.Save(key, data, ttl)
}

func (i *Issuer) load(key string, into interface{}) (bool, error) {
	data, ok, err := i.repo.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, into); err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}
