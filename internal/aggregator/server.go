package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"conduit/internal/config"
	"conduit/internal/outbound"
	"conduit/internal/tagquery"
	"conduit/internal/template"
	"conduit/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	endpointPath    = "/mcp"
	sseEndpoint     = "/sse"
	messageEndpoint = "/messages"

	materializeTimeout = 30 * time.Second
	shutdownTimeout    = 5 * time.Second
)

// ServerConfig configures the inbound endpoint.
type ServerConfig struct {
	Host      string
	Port      int
	Transport string // stdio, sse or streamable-http
	Version   string
}

// ToolInjector supplies the per-session tool surface when the meta-tool
// facade is enabled. It lives in a separate package; the interface
// keeps the dependency pointing in one direction.
type ToolInjector interface {
	SessionTools(meta *SessionMeta) []server.ServerTool
}

// SessionMaterializer brings up and tears down per-session template
// instances.
type SessionMaterializer interface {
	Materialize(ctx context.Context, sessionID string, ctxData *template.ContextData, snapshot *config.Snapshot) error
	ReleaseSession(sessionID string)
}

// Server is the inbound MCP endpoint. It owns the SDK server, the
// transport in use and the wiring between session registration and
// per-session capability injection.
type Server struct {
	cfg ServerConfig

	agg      *Aggregator
	sessions *SessionRegistry
	factory  SessionMaterializer
	presets  *tagquery.PresetStore
	snapshot func() *config.Snapshot
	injector ToolInjector

	mcpServer  *server.MCPServer
	streamable *server.StreamableHTTPServer
	sse        *server.SSEServer
	httpServer *http.Server
	mux        *http.ServeMux
	notifier   *Notifier
	mcpEntry   http.Handler
	authWrap   func(http.Handler) http.Handler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Global capability names currently registered on the SDK server,
	// used for add/remove syncing. Tools and resources are global only
	// in stdio mode; prompts are global on every transport.
	globalMu        sync.Mutex
	globalTools     map[string]bool
	globalResources map[string]bool
	globalPrompts   map[string]bool
}

// NewServer builds the inbound server. snapshot must return the current
// configuration; it is consulted on every session registration.
func NewServer(cfg ServerConfig, agg *Aggregator, sessions *SessionRegistry, factory SessionMaterializer, presets *tagquery.PresetStore, snapshot func() *config.Snapshot) *Server {
	s := &Server{
		cfg:             cfg,
		agg:             agg,
		sessions:        sessions,
		factory:         factory,
		presets:         presets,
		snapshot:        snapshot,
		mux:             http.NewServeMux(),
		globalTools:     make(map[string]bool),
		globalResources: make(map[string]bool),
		globalPrompts:   make(map[string]bool),
	}

	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, session server.ClientSession) {
		s.handleSessionRegistration(ctx, session)
	})

	s.mcpServer = server.NewMCPServer(
		"conduit-aggregator",
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithPromptCapabilities(true),
		server.WithHooks(hooks),
		server.WithLogging(),
	)

	s.notifier = NewNotifier(s)

	s.streamable = server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithEndpointPath(endpointPath),
		server.WithSessionIdManager(&sessionIDAdapter{srv: s}),
	)

	s.mcpEntry = s.captureMiddleware(s.streamable)

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/oauth/status", s.handleOAuthStatus)
	s.mux.Handle(endpointPath, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mcpEntry.ServeHTTP(w, r)
	}))

	sessions.SetEvictionCallback(func(meta *SessionMeta) {
		s.factory.ReleaseSession(meta.SessionID)
		s.notifier.Forget(meta.SessionID)
	})

	return s
}

// SetInjector installs the meta-tool facade provider. Must be called
// before Start when lazy loading is enabled.
func (s *Server) SetInjector(injector ToolInjector) {
	s.injector = injector
}

// SetAuthMiddleware wraps the MCP entrypoints with a token check. Must
// be called before Start.
func (s *Server) SetAuthMiddleware(wrap func(http.Handler) http.Handler) {
	s.authWrap = wrap
	s.mcpEntry = wrap(s.mcpEntry)
}

// Mount attaches a sideband HTTP handler, used for the authorization
// endpoints. Only meaningful on network transports.
func (s *Server) Mount(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler exposes the HTTP mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// MCPServer exposes the underlying SDK server for capability syncing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Start brings up the configured transport. It returns once the
// transport is accepting traffic; serving continues in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("aggregator server already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.syncGlobalPrompts()

	switch s.cfg.Transport {
	case "stdio":
		s.syncGlobalCapabilities()
		stdio := server.NewStdioServer(s.mcpServer)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := stdio.Listen(runCtx, os.Stdin, os.Stdout); err != nil && runCtx.Err() == nil {
				logging.Error("Aggregator", err, "Stdio transport exited")
			}
		}()
		s.running = true
		logging.Info("Aggregator", "Serving MCP over stdio")
		return nil

	case "sse":
		baseURL := fmt.Sprintf("http://%s", s.Addr())
		s.sse = server.NewSSEServer(
			s.mcpServer,
			server.WithBaseURL(baseURL),
			server.WithSSEEndpoint(sseEndpoint),
			server.WithMessageEndpoint(messageEndpoint),
			server.WithKeepAlive(true),
			server.WithKeepAliveInterval(30*time.Second),
		)
		sseEntry := http.Handler(s.captureMiddleware(s.sse))
		if s.authWrap != nil {
			sseEntry = s.authWrap(sseEntry)
		}
		s.mux.Handle(sseEndpoint, sseEntry)
		s.mux.Handle(messageEndpoint, sseEntry)
		return s.startHTTP(runCtx)

	default:
		return s.startHTTP(runCtx)
	}
}

func (s *Server) startHTTP(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.Addr(), err)
	}

	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving on %s: %w", s.Addr(), err)
	case <-time.After(100 * time.Millisecond):
	}

	s.running = true
	logging.Info("Aggregator", "Serving MCP (%s) on %s%s", s.cfg.Transport, s.Addr(), endpointPath)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
	}()
	return nil
}

// Stop shuts the transport down gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("Aggregator", "HTTP shutdown: %v", err)
		}
		s.httpServer = nil
	}
	s.wg.Wait()
	s.running = false
	logging.Info("Aggregator", "Server stopped")
	return nil
}

// handleSessionRegistration runs when the SDK registers an inbound
// session. It creates or adopts the registry record, materialises the
// session's template instances and injects its capability view.
func (s *Server) handleSessionRegistration(ctx context.Context, session server.ClientSession) {
	sessionID := session.SessionID()

	meta, ok := s.sessions.Get(sessionID)
	if !ok {
		opts := sessionOptionsFrom(ctx)
		if opts.ctxData != nil {
			opts.ctxData.SessionID = sessionID
		}
		persist := s.cfg.Transport != "stdio"
		var err error
		meta, err = s.sessions.Create(sessionID, opts.filter, opts.pagination, opts.ctxData, persist)
		if err != nil {
			logging.Error("Aggregator", err, "Rejecting session %s", logging.TruncateSessionID(sessionID))
			return
		}
	}

	s.materializeAndInject(meta)
}

// restoreSession rebuilds upstream state for a session revived from
// storage by the id adapter.
func (s *Server) restoreSession(meta *SessionMeta) {
	logging.Info("Aggregator", "Re-materialising restored session %s", logging.TruncateSessionID(meta.SessionID))
	s.materializeAndInject(meta)
}

func (s *Server) materializeAndInject(meta *SessionMeta) {
	if snap := s.snapshot(); snap != nil {
		mctx, cancel := context.WithTimeout(context.Background(), materializeTimeout)
		if err := s.factory.Materialize(mctx, meta.SessionID, meta.Context, snap); err != nil {
			logging.Warn("Aggregator", "Template materialisation for session %s: %v", logging.TruncateSessionID(meta.SessionID), err)
		}
		cancel()
	}
	s.injectSession(meta)
}

// dropSession tears down everything the session owns.
func (s *Server) dropSession(sessionID string) {
	s.sessions.Remove(sessionID)
	logging.Debug("Aggregator", "Terminated session %s", logging.TruncateSessionID(sessionID))
}

// lazyLoadingEnabled reports whether the meta-tool facade replaces
// direct tool injection.
func (s *Server) lazyLoadingEnabled() bool {
	snap := s.snapshot()
	return snap != nil && snap.Features.LazyLoading && s.injector != nil
}

// injectSession pushes the session's current capability view into the
// SDK session. Safe to call repeatedly; it diffs against what was
// injected before.
func (s *Server) injectSession(meta *SessionMeta) {
	if s.cfg.Transport == "stdio" {
		// Stdio serves one client from the global surface.
		return
	}

	sessionID := meta.SessionID

	if s.lazyLoadingEnabled() {
		tools := s.injector.SessionTools(meta)
		names := make([]string, len(tools))
		for i, tool := range tools {
			names[i] = tool.Tool.Name
		}
		if removed := meta.SetInjectedTools(names); len(removed) > 0 {
			if err := s.mcpServer.DeleteSessionTools(sessionID, removed...); err != nil {
				logging.Debug("Aggregator", "Delete session tools for %s: %v", logging.TruncateSessionID(sessionID), err)
			}
		}
		if err := s.mcpServer.AddSessionTools(sessionID, tools...); err != nil {
			logging.Warn("Aggregator", "Inject meta tools for %s: %v", logging.TruncateSessionID(sessionID), err)
		}
		return
	}

	view := s.agg.ComputeView(sessionID, meta.Expression())

	serverTools := make([]server.ServerTool, 0, len(view.Tools))
	toolNames := make([]string, 0, len(view.Tools))
	for _, entry := range view.Tools {
		serverTools = append(serverTools, s.forwardTool(sessionID, entry))
		toolNames = append(toolNames, entry.Tool.Name)
	}
	if removed := meta.SetInjectedTools(toolNames); len(removed) > 0 {
		if err := s.mcpServer.DeleteSessionTools(sessionID, removed...); err != nil {
			logging.Debug("Aggregator", "Delete session tools for %s: %v", logging.TruncateSessionID(sessionID), err)
		}
	}
	if len(serverTools) > 0 {
		if err := s.mcpServer.AddSessionTools(sessionID, serverTools...); err != nil {
			logging.Warn("Aggregator", "Inject tools for %s: %v", logging.TruncateSessionID(sessionID), err)
		}
	}

	uris := make([]string, 0, len(view.Resources))
	byURI := make(map[string]ResourceEntry, len(view.Resources))
	for _, entry := range view.Resources {
		uris = append(uris, entry.Resource.URI)
		byURI[entry.Resource.URI] = entry
	}
	added := meta.SetInjectedResources(uris)
	if len(added) > 0 {
		serverResources := make([]server.ServerResource, 0, len(added))
		for _, uri := range added {
			serverResources = append(serverResources, s.forwardResource(sessionID, byURI[uri]))
		}
		if err := s.mcpServer.AddSessionResources(sessionID, serverResources...); err != nil {
			logging.Warn("Aggregator", "Inject resources for %s: %v", logging.TruncateSessionID(sessionID), err)
		}
	}

	logging.Debug("Aggregator", "Session %s sees %d tools, %d resources",
		logging.TruncateSessionID(sessionID), len(view.Tools), len(view.Resources))
}

// forwardTool wraps one upstream tool in a handler that routes the call
// through the session's connection resolution.
func (s *Server) forwardTool(sessionID string, entry ToolEntry) server.ServerTool {
	serverName := entry.Server
	toolName := entry.Tool.Name
	return server.ServerTool{
		Tool: entry.Tool,
		Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args, _ := req.Params.Arguments.(map[string]interface{})
			return s.CallUpstreamTool(ctx, sessionID, serverName, toolName, args)
		},
	}
}

// CallUpstreamTool routes one tool invocation to the owning upstream.
// Upstream failures come back as tool error results, not protocol
// errors, so the downstream client always gets a well-formed response.
func (s *Server) CallUpstreamTool(ctx context.Context, sessionID, serverName, toolName string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	conn, ok := s.agg.resolver.Resolve(serverName, sessionID)
	if !ok || conn.Status != outbound.StatusConnected || conn.Client() == nil {
		return mcp.NewToolResultError(fmt.Sprintf("server %q is not available", serverName)), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, conn.RequestTimeout())
	defer cancel()

	result, err := conn.Client().CallTool(callCtx, toolName, args)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("calling %s on %s: %v", toolName, serverName, err)), nil
	}

	_ = s.sessions.Touch(sessionID)
	return result, nil
}

// forwardResource wraps one upstream resource, re-checking visibility
// at read time so a resource removed by a reload stops being readable
// even while its registration lingers in the SDK session.
func (s *Server) forwardResource(sessionID string, entry ResourceEntry) server.ServerResource {
	serverName := entry.Server
	uri := entry.Resource.URI
	return server.ServerResource{
		Resource: entry.Resource,
		Handler: func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return s.readUpstreamResource(ctx, sessionID, serverName, uri)
		},
	}
}

func (s *Server) readUpstreamResource(ctx context.Context, sessionID, serverName, uri string) ([]mcp.ResourceContents, error) {
	conn, ok := s.agg.resolver.Resolve(serverName, sessionID)
	if !ok || conn.Status != outbound.StatusConnected || conn.Client() == nil {
		return nil, fmt.Errorf("server %q is not available", serverName)
	}
	if meta, ok := s.sessions.Get(sessionID); ok {
		if !s.agg.filters.Evaluate(meta.Expression(), conn.Tags) {
			return nil, fmt.Errorf("resource %s is not available to this session", uri)
		}
	}
	if !resourceKnown(conn, uri) {
		return nil, fmt.Errorf("resource %s is no longer provided by %s", uri, serverName)
	}

	readCtx, cancel := context.WithTimeout(ctx, conn.RequestTimeout())
	defer cancel()

	result, err := conn.Client().ReadResource(readCtx, uri)
	if err != nil {
		return nil, fmt.Errorf("reading %s from %s: %w", uri, serverName, err)
	}

	_ = s.sessions.Touch(sessionID)
	return result.Contents, nil
}

func resourceKnown(conn *outbound.Connection, uri string) bool {
	for _, res := range conn.Resources {
		if res.URI == uri {
			return true
		}
	}
	return false
}

// forwardPrompt wraps one upstream prompt. Prompts are registered
// globally; the handler resolves the calling session from context so
// per-session template instances still route correctly.
func (s *Server) forwardPrompt(entry PromptEntry) server.ServerPrompt {
	serverName := entry.Server
	promptName := entry.Prompt.Name
	return server.ServerPrompt{
		Prompt: entry.Prompt,
		Handler: func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
			sessionID := ""
			if session := server.ClientSessionFromContext(ctx); session != nil {
				sessionID = session.SessionID()
			}

			conn, ok := s.agg.resolver.Resolve(serverName, sessionID)
			if !ok || conn.Status != outbound.StatusConnected || conn.Client() == nil {
				return nil, fmt.Errorf("server %q is not available", serverName)
			}
			if meta, found := s.sessions.Get(sessionID); found {
				if !s.agg.filters.Evaluate(meta.Expression(), conn.Tags) {
					return nil, fmt.Errorf("prompt %s is not available to this session", promptName)
				}
			}

			args := make(map[string]interface{}, len(req.Params.Arguments))
			for key, value := range req.Params.Arguments {
				args[key] = value
			}

			callCtx, cancel := context.WithTimeout(ctx, conn.RequestTimeout())
			defer cancel()
			return conn.Client().GetPrompt(callCtx, promptName, args)
		},
	}
}

// syncGlobalPrompts reconciles the globally registered prompts with the
// current static surface, adding new ones and deleting obsolete ones.
func (s *Server) syncGlobalPrompts() {
	view := s.agg.ComputeView("", nil)

	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	current := make(map[string]bool, len(view.Prompts))
	var added []server.ServerPrompt
	for _, entry := range view.Prompts {
		if current[entry.Prompt.Name] {
			continue
		}
		current[entry.Prompt.Name] = true
		if !s.globalPrompts[entry.Prompt.Name] {
			added = append(added, s.forwardPrompt(entry))
		}
	}

	var removed []string
	for name := range s.globalPrompts {
		if !current[name] {
			removed = append(removed, name)
		}
	}

	if len(removed) > 0 {
		sort.Strings(removed)
		s.mcpServer.DeletePrompts(removed...)
	}
	if len(added) > 0 {
		s.mcpServer.AddPrompts(added...)
	}
	s.globalPrompts = current

	if len(added) > 0 || len(removed) > 0 {
		logging.Debug("Aggregator", "Prompt surface: +%d -%d (%d total)", len(added), len(removed), len(current))
	}
}

// syncGlobalCapabilities mirrors the static capability surface onto the
// SDK server for the stdio transport, which has exactly one anonymous
// session.
func (s *Server) syncGlobalCapabilities() {
	view := s.agg.ComputeView("", nil)

	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	currentTools := make(map[string]bool, len(view.Tools))
	var addedTools []server.ServerTool
	for _, entry := range view.Tools {
		currentTools[entry.Tool.Name] = true
		if !s.globalTools[entry.Tool.Name] {
			addedTools = append(addedTools, s.forwardTool("", entry))
		}
	}
	var removedTools []string
	for name := range s.globalTools {
		if !currentTools[name] {
			removedTools = append(removedTools, name)
		}
	}
	if len(removedTools) > 0 {
		sort.Strings(removedTools)
		s.mcpServer.DeleteTools(removedTools...)
	}
	if len(addedTools) > 0 {
		s.mcpServer.AddTools(addedTools...)
	}
	s.globalTools = currentTools

	currentResources := make(map[string]bool, len(view.Resources))
	for _, entry := range view.Resources {
		currentResources[entry.Resource.URI] = true
		if !s.globalResources[entry.Resource.URI] {
			res := s.forwardResource("", entry)
			s.mcpServer.AddResource(res.Resource, res.Handler)
		}
	}
	for uri := range s.globalResources {
		if !currentResources[uri] {
			s.mcpServer.RemoveResource(uri)
		}
	}
	s.globalResources = currentResources

	logging.Info("Aggregator", "Capability surface: %d tools, %d resources, %d prompts",
		len(currentTools), len(currentResources), len(s.globalPrompts))
}

// ApplyChangeSet reacts to a capability diff after a refresh or reload:
// global surfaces are re-synced and affected sessions are re-injected
// and notified.
func (s *Server) ApplyChangeSet(cs ChangeSet) {
	if !cs.HasChanges() {
		return
	}

	s.syncGlobalPrompts()
	if s.cfg.Transport == "stdio" {
		s.syncGlobalCapabilities()
		return
	}

	s.notifier.Broadcast(cs)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	connected := 0
	snapshot := s.agg.manager.Snapshot()
	for _, conn := range snapshot {
		if conn.Status == outbound.StatusConnected {
			connected++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"sessions": s.sessions.Count(),
		"upstreams": map[string]int{
			"connected": connected,
			"total":     len(snapshot),
		},
	})
}

// handleOAuthStatus lists upstreams waiting on user authorization so a
// human can complete the flow out of band.
func (s *Server) handleOAuthStatus(w http.ResponseWriter, _ *http.Request) {
	type pendingAuth struct {
		Name             string `json:"name"`
		Status           string `json:"status"`
		AuthorizationURL string `json:"authorizationUrl,omitempty"`
	}

	var pending []pendingAuth
	for _, conn := range s.agg.manager.Snapshot() {
		if conn.Status == outbound.StatusAwaitingOAuth {
			pending = append(pending, pendingAuth{
				Name:             conn.Name,
				Status:           string(conn.Status),
				AuthorizationURL: conn.AuthorizationURL,
			})
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Name < pending[j].Name })

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"pending": pending,
	})
}
