package oauth

import (
	"context"
	"fmt"
	"sync"
)

// Provider drives the authorization code flow for a single upstream
// server. It is created when a connection attempt receives an OAuth
// challenge and lives until the flow completes or the connection is
// removed.
type Provider struct {
	client      *Client
	issuer      string
	clientID    string
	redirectURI string
	scope       string

	mu       sync.Mutex
	metadata *Metadata
	pkce     *PKCEChallenge
	state    string
	token    *Token
}

// ProviderConfig carries the parameters needed to start an
// authorization flow against one issuer.
type ProviderConfig struct {
	// Issuer is the authorization server base URL.
	Issuer string

	// ClientID is the pre-registered client id. When empty, dynamic
	// registration is attempted if the server advertises a registration
	// endpoint.
	ClientID string

	// RedirectURI is where the user agent is sent after authorization.
	RedirectURI string

	// Scope is the space-separated scope string to request.
	Scope string

	// ClientName is used for dynamic registration.
	ClientName string
}

// NewProvider creates a provider for one upstream issuer. Metadata
// discovery and (if needed) dynamic registration happen here so that
// GetAuthorizationURL never blocks on the network.
func NewProvider(ctx context.Context, client *Client, cfg ProviderConfig) (*Provider, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if client == nil {
		client = NewClient()
	}

	metadata, err := client.DiscoverMetadata(ctx, cfg.Issuer)
	if err != nil {
		return nil, err
	}
	if !metadata.SupportsPKCE() {
		return nil, fmt.Errorf("authorization server %s does not support S256 PKCE", cfg.Issuer)
	}

	clientID := cfg.ClientID
	if clientID == "" {
		if metadata.RegistrationEndpoint == "" {
			return nil, fmt.Errorf("no client id configured and %s does not support dynamic registration", cfg.Issuer)
		}
		name := cfg.ClientName
		if name == "" {
			name = "conduit-aggregator"
		}
		clientID, err = client.RegisterClient(ctx, metadata.RegistrationEndpoint, name, cfg.RedirectURI)
		if err != nil {
			return nil, fmt.Errorf("dynamic client registration failed: %w", err)
		}
	}

	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	state, err := GenerateState()
	if err != nil {
		return nil, err
	}

	return &Provider{
		client:      client,
		issuer:      cfg.Issuer,
		clientID:    clientID,
		redirectURI: cfg.RedirectURI,
		scope:       cfg.Scope,
		metadata:    metadata,
		pkce:        pkce,
		state:       state,
	}, nil
}

// Issuer returns the authorization server base URL.
func (p *Provider) Issuer() string {
	return p.issuer
}

// GetAuthorizationURL returns the URL the user must visit to authorize
// access. Calling it repeatedly returns the same URL for the same
// pending flow.
func (p *Provider) GetAuthorizationURL() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client.BuildAuthorizationURL(
		p.metadata.AuthorizationEndpoint, p.clientID, p.redirectURI, p.state, p.scope, p.pkce)
}

// FinishAuth exchanges the authorization code for tokens and stores the
// result on the provider.
func (p *Provider) FinishAuth(ctx context.Context, code string) (*Token, error) {
	if code == "" {
		return nil, fmt.Errorf("authorization code is required")
	}

	p.mu.Lock()
	endpoint := p.metadata.TokenEndpoint
	verifier := p.pkce.CodeVerifier
	p.mu.Unlock()

	token, err := p.client.ExchangeCode(ctx, endpoint, code, p.redirectURI, p.clientID, verifier)
	if err != nil {
		return nil, err
	}
	token.Issuer = p.issuer

	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
	return token, nil
}

// VerifyState checks a returned state parameter against the pending
// flow. Mismatches indicate a CSRF attempt or a stale callback.
func (p *Provider) VerifyState(state string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return state != "" && state == p.state
}

// Token returns the token obtained by FinishAuth, or nil when the flow
// has not completed.
func (p *Provider) Token() *Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// Refresh obtains a fresh access token using the stored refresh token.
func (p *Provider) Refresh(ctx context.Context) (*Token, error) {
	p.mu.Lock()
	current := p.token
	endpoint := p.metadata.TokenEndpoint
	p.mu.Unlock()

	if current == nil || current.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}

	token, err := p.client.RefreshToken(ctx, endpoint, current.RefreshToken, p.clientID)
	if err != nil {
		return nil, err
	}
	if token.RefreshToken == "" {
		token.RefreshToken = current.RefreshToken
	}
	token.Issuer = p.issuer

	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
	return token, nil
}
