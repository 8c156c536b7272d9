package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"conduit/internal/config"
	"conduit/pkg/logging"
	"conduit/pkg/oauth"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
)

const (
	// maxRetryDelay caps the exponential backoff between connect
	// attempts.
	maxRetryDelay = 30 * time.Second

	// oauthAbandonTTL bounds how long a connection may sit in
	// AwaitingOAuth before it is moved to Error.
	oauthAbandonTTL = 30 * time.Minute

	// oauthSweepInterval is how often abandoned flows are collected.
	oauthSweepInterval = time.Minute
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// ServerName is the proxy's own advertised MCP server name, used by
	// the circular-dependency guard.
	ServerName string

	// Retry tunes the connect retry policy.
	Retry config.RetryConfig

	// MaxConcurrent bounds parallel connection creation.
	MaxConcurrent int

	// OAuthRedirectURI is handed to upstream authorization servers.
	OAuthRedirectURI string

	// OAuthClient performs metadata discovery and code exchange. A
	// default client is created when nil.
	OAuthClient *oauth.Client
}

// Manager owns the set of live upstream connections. All record
// mutations go through it; readers get copies via Snapshot.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*Connection

	serverName    string
	retry         config.RetryConfig
	maxConcurrent int
	redirectURI   string
	oauthClient   *oauth.Client
	factory       clientFactory

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a connection manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = config.DefaultMaxConcurrent
	}
	if opts.OAuthClient == nil {
		opts.OAuthClient = oauth.NewClient()
	}
	return &Manager{
		connections:   make(map[string]*Connection),
		serverName:    opts.ServerName,
		retry:         opts.Retry,
		maxConcurrent: opts.MaxConcurrent,
		redirectURI:   opts.OAuthRedirectURI,
		oauthClient:   opts.OAuthClient,
		factory:       newClient,
	}
}

// Start launches the background sweep that expires abandoned OAuth
// flows. Stop shuts it down along with every connection.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(oauthSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireAbandonedOAuth()
			}
		}
	}()
}

// Stop closes every connection and stops background work.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	for _, conn := range m.connections {
		if conn.client != nil {
			if err := conn.client.Close(); err != nil {
				logging.Debug("OutboundManager", "Error closing %s: %v", conn.Key, err)
			}
			conn.client = nil
		}
		conn.Status = StatusDisconnected
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// CreateAll connects every enabled static server in the map, at most
// maxConcurrent in flight. Individual failures do not abort the batch;
// failed connections remain registered in the Error state.
func (m *Manager) CreateAll(ctx context.Context, servers map[string]*config.MCPServerParams) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.maxConcurrent)

	for name, params := range servers {
		if params.Disabled {
			logging.Debug("OutboundManager", "Skipping disabled server %s", name)
			continue
		}
		name, params := name, params
		group.Go(func() error {
			if _, err := m.CreateOne(groupCtx, StaticKey(name), params); err != nil {
				logging.Warn("OutboundManager", "Failed to connect %s: %v", name, err)
			}
			return nil
		})
	}
	return group.Wait()
}

// CreateOne creates and connects a single outbound connection under the
// given key, replacing any existing connection there. The record is
// registered before the first attempt so failures are observable.
func (m *Manager) CreateOne(ctx context.Context, key Key, params *config.MCPServerParams) (*Connection, error) {
	conn := &Connection{
		Name:   key.Name,
		Key:    key,
		Params: params,
		Status: StatusConnecting,
		Tags:   params.Tags,
	}

	m.mu.Lock()
	if old, ok := m.connections[key.String()]; ok && old.client != nil {
		old.client.Close()
	}
	m.connections[key.String()] = conn
	m.mu.Unlock()

	if err := m.connect(ctx, conn, nil); err != nil {
		return m.lookup(key), err
	}
	return m.lookup(key), nil
}

// connect runs the retry loop for one connection and settles its final
// state. extraHeaders carry a bearer token after a completed OAuth flow.
func (m *Manager) connect(ctx context.Context, conn *Connection, extraHeaders map[string]string) error {
	var connected Client
	var initResult *mcp.InitializeResult

	attempt := func() (struct{}, error) {
		cli, err := m.factory(conn.Key.Name, conn.Params, extraHeaders)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		connectCtx, cancel := context.WithTimeout(ctx, conn.Params.ConnectionTimeout())
		result, err := cli.Connect(connectCtx)
		cancel()
		if err != nil {
			var oauthErr *OAuthRequiredError
			if errors.As(err, &oauthErr) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}

		if m.serverName != "" && result.ServerInfo.Name == m.serverName {
			cli.Close()
			return struct{}{}, backoff.Permanent(&CircularDependencyError{
				Name:       conn.Key.Name,
				ServerName: result.ServerInfo.Name,
			})
		}

		connected = cli
		initResult = result
		return struct{}{}, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = m.retry.BaseDelay()
	expBackoff.MaxInterval = maxRetryDelay

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(m.retry.Attempts())),
		backoff.WithNotify(func(err error, next time.Duration) {
			logging.Debug("OutboundManager", "Connect attempt for %s failed, retrying in %s: %v",
				conn.Key, next.Round(time.Millisecond), err)
		}))
	if err != nil {
		var oauthErr *OAuthRequiredError
		if errors.As(err, &oauthErr) {
			return m.enterAwaitingOAuth(ctx, conn, oauthErr)
		}

		m.mu.Lock()
		conn.Status = StatusError
		conn.LastError = err.Error()
		m.mu.Unlock()

		var circular *CircularDependencyError
		if errors.As(err, &circular) {
			return circular
		}
		return &ClientConnectionError{Name: conn.Key.Name, Cause: err}
	}

	m.mu.Lock()
	conn.client = connected
	conn.Status = StatusConnected
	conn.LastConnected = time.Now()
	conn.LastError = ""
	conn.AuthorizationURL = ""
	conn.ServerInfo = initResult.ServerInfo
	conn.Instructions = initResult.Instructions
	m.mu.Unlock()

	if err := m.RefreshCapabilities(ctx, conn.Key); err != nil {
		logging.Warn("OutboundManager", "Capability fetch for %s failed: %v", conn.Key, err)
	}

	logging.Info("OutboundManager", "Connected to %s (server %s %s)",
		conn.Key, initResult.ServerInfo.Name, initResult.ServerInfo.Version)
	return nil
}

// enterAwaitingOAuth builds the authorization flow for an upstream that
// answered 401 and parks the connection until FinishOAuth. Connections
// without an HTTP transport cannot run the flow.
func (m *Manager) enterAwaitingOAuth(ctx context.Context, conn *Connection, oauthErr *OAuthRequiredError) error {
	if !conn.Params.Type.IsNetwork() {
		err := &UnsupportedTransportError{
			Name:      conn.Key.Name,
			Transport: string(conn.Params.Type),
			Operation: "OAuth authorization",
		}
		m.mu.Lock()
		conn.Status = StatusError
		conn.LastError = err.Error()
		m.mu.Unlock()
		return err
	}

	providerCfg := oauth.ProviderConfig{
		Issuer:      oauthErr.Issuer,
		RedirectURI: m.redirectURI,
		ClientName:  m.serverName,
	}
	if auth := conn.Params.Auth; auth != nil {
		if auth.Issuer != "" {
			providerCfg.Issuer = auth.Issuer
		}
		providerCfg.ClientID = auth.ClientID
		providerCfg.Scope = strings.Join(auth.Scopes, " ")
	}

	provider, err := oauth.NewProvider(ctx, m.oauthClient, providerCfg)
	if err != nil {
		m.mu.Lock()
		conn.Status = StatusError
		conn.LastError = fmt.Sprintf("OAuth setup failed: %v", err)
		m.mu.Unlock()
		return &ClientConnectionError{Name: conn.Key.Name, Cause: err}
	}

	authURL, err := provider.GetAuthorizationURL()
	if err != nil {
		m.mu.Lock()
		conn.Status = StatusError
		conn.LastError = fmt.Sprintf("OAuth setup failed: %v", err)
		m.mu.Unlock()
		return &ClientConnectionError{Name: conn.Key.Name, Cause: err}
	}

	m.mu.Lock()
	conn.Status = StatusAwaitingOAuth
	conn.provider = provider
	conn.AuthorizationURL = authURL
	conn.LastError = ""
	conn.awaitingSince = time.Now()
	m.mu.Unlock()

	logging.Info("OutboundManager", "Server %s requires OAuth authorization: %s", conn.Key, authURL)
	return nil
}

// FinishOAuth completes a pending authorization flow with the code from
// the callback, then rebuilds the transport with the issued token and
// reconnects.
func (m *Manager) FinishOAuth(ctx context.Context, key Key, code string) error {
	m.mu.RLock()
	conn, ok := m.connections[key.String()]
	var provider *oauth.Provider
	var status Status
	if ok {
		provider = conn.provider
		status = conn.Status
	}
	m.mu.RUnlock()

	if !ok {
		return &ClientNotFoundError{Name: key.Name}
	}
	if provider == nil || status != StatusAwaitingOAuth {
		return fmt.Errorf("connection %s is not awaiting OAuth authorization", key)
	}

	token, err := provider.FinishAuth(ctx, code)
	if err != nil {
		return fmt.Errorf("OAuth code exchange for %s failed: %w", key, err)
	}

	m.mu.Lock()
	conn.Status = StatusConnecting
	conn.AuthorizationURL = ""
	m.mu.Unlock()

	headers := map[string]string{"Authorization": "Bearer " + token.AccessToken}
	if err := m.connect(ctx, conn, headers); err != nil {
		return err
	}

	// Keep the provider so the token can be refreshed later.
	m.mu.Lock()
	conn.provider = provider
	m.mu.Unlock()
	return nil
}

// FinishOAuthByState resolves a callback by its state parameter. Each
// pending flow carries a random state, so the match identifies exactly
// one connection.
func (m *Manager) FinishOAuthByState(ctx context.Context, state, code string) (Key, error) {
	m.mu.RLock()
	var match *Connection
	for _, conn := range m.connections {
		if conn.Status == StatusAwaitingOAuth && conn.provider != nil && conn.provider.VerifyState(state) {
			match = conn
			break
		}
	}
	m.mu.RUnlock()

	if match == nil {
		return Key{}, fmt.Errorf("no pending OAuth flow matches the callback state")
	}
	return match.Key, m.FinishOAuth(ctx, match.Key, code)
}

// RefreshCapabilities re-requests the upstream's tool, resource and
// prompt lists and stores them on the connection record.
func (m *Manager) RefreshCapabilities(ctx context.Context, key Key) error {
	m.mu.RLock()
	conn, ok := m.connections[key.String()]
	var cli Client
	var timeout time.Duration
	if ok {
		cli = conn.client
		timeout = conn.Params.RequestTimeout()
	}
	m.mu.RUnlock()

	if !ok {
		return &ClientNotFoundError{Name: key.Name}
	}
	if cli == nil {
		return fmt.Errorf("connection %s has no live client", key)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Servers commonly implement only a subset of the list calls; a
	// method-not-found answer is treated as an empty capability set.
	tools, err := cli.ListTools(callCtx)
	if err != nil {
		return fmt.Errorf("failed to list tools for %s: %w", key, err)
	}
	resources, err := cli.ListResources(callCtx)
	if err != nil {
		resources = nil
	}
	resourceTemplates, err := cli.ListResourceTemplates(callCtx)
	if err != nil {
		resourceTemplates = nil
	}
	prompts, err := cli.ListPrompts(callCtx)
	if err != nil {
		prompts = nil
	}

	m.mu.Lock()
	conn.Tools = tools
	conn.Resources = resources
	conn.ResourceTemplates = resourceTemplates
	conn.Prompts = prompts
	m.mu.Unlock()
	return nil
}

// RemoveOne closes and removes the connection at key. Removing an
// unknown key is a no-op.
func (m *Manager) RemoveOne(key Key) {
	m.mu.Lock()
	conn, ok := m.connections[key.String()]
	if ok {
		delete(m.connections, key.String())
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if conn.client != nil {
		if err := conn.client.Close(); err != nil {
			logging.Debug("OutboundManager", "Error closing %s: %v", key, err)
		}
	}
	logging.Info("OutboundManager", "Removed connection %s", key)
}

// Restart stops the connection at key and recreates it with newParams.
func (m *Manager) Restart(ctx context.Context, key Key, newParams *config.MCPServerParams) (*Connection, error) {
	m.RemoveOne(key)
	return m.CreateOne(ctx, key, newParams)
}

// GetByName resolves the per-client template key first, then the static
// key. Shareable template lookups go through the Resolver, which owns
// the session-to-hash table.
func (m *Manager) GetByName(name, sessionID string) (*Connection, bool) {
	if sessionID != "" {
		if conn, ok := m.Lookup(TemplateSessionKey(name, sessionID)); ok {
			return conn, true
		}
	}
	return m.Lookup(StaticKey(name))
}

// Lookup returns the live connection at key. The returned record must
// be treated as read-only.
func (m *Manager) Lookup(key Key) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[key.String()]
	return conn, ok
}

func (m *Manager) lookup(key Key) *Connection {
	conn, _ := m.Lookup(key)
	return conn
}

// Has reports whether a connection exists at key.
func (m *Manager) Has(key Key) bool {
	_, ok := m.Lookup(key)
	return ok
}

// Snapshot returns a copy of the connection table. Records are clones;
// mutating them has no effect on the manager.
func (m *Manager) Snapshot() map[string]*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := make(map[string]*Connection, len(m.connections))
	for key, conn := range m.connections {
		snapshot[key] = conn.clone()
	}
	return snapshot
}

// Keys returns every registered connection key.
func (m *Manager) Keys() []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]Key, 0, len(m.connections))
	for _, conn := range m.connections {
		keys = append(keys, conn.Key)
	}
	return keys
}

func (m *Manager) expireAbandonedOAuth() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, conn := range m.connections {
		if conn.Status == StatusAwaitingOAuth && now.Sub(conn.awaitingSince) > oauthAbandonTTL {
			conn.Status = StatusError
			conn.LastError = "OAuth authorization abandoned"
			conn.AuthorizationURL = ""
			conn.provider = nil
			logging.Warn("OutboundManager", "Abandoning OAuth flow for %s after %s", conn.Key, oauthAbandonTTL)
		}
	}
}
