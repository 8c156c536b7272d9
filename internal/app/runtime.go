package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"conduit/internal/aggregator"
	"conduit/internal/authserver"
	"conduit/internal/config"
	"conduit/internal/metatools"
	"conduit/internal/outbound"
	"conduit/internal/reload"
	"conduit/internal/storage"
	"conduit/internal/tagquery"
	"conduit/internal/template"
	"conduit/pkg/logging"
)

// serverName is the proxy's advertised MCP server name, also used by
// the circular-dependency guard on outbound connections.
const serverName = "conduit-aggregator"

// Options controls Bootstrap. Zero values defer to the configuration
// file.
type Options struct {
	// ConfigPath is the configuration file; defaults to ./conduit.json.
	ConfigPath string

	// Host, Port and Transport override the aggregator block when set.
	Host      string
	Port      int
	Transport string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
	// Silent discards all log output.
	Silent bool

	// Version is the build version advertised to MCP clients.
	Version string
}

// capabilityFanout forwards reload capability diffs to the inbound
// server. It exists because the reload engine is built before the
// server (the server needs engine.Snapshot).
type capabilityFanout struct {
	mu  sync.Mutex
	srv *aggregator.Server
}

func (f *capabilityFanout) bind(srv *aggregator.Server) {
	f.mu.Lock()
	f.srv = srv
	f.mu.Unlock()
}

func (f *capabilityFanout) ApplyChangeSet(cs aggregator.ChangeSet) {
	f.mu.Lock()
	srv := f.srv
	f.mu.Unlock()
	if srv != nil {
		srv.ApplyChangeSet(cs)
	}
}

// Runtime is the assembled proxy. Everything is wired in Bootstrap;
// Run only starts and stops.
type Runtime struct {
	opts       Options
	configPath string
	configDir  string

	repo     storage.Repository
	sweeper  *storage.Sweeper
	presets  *tagquery.PresetStore
	manager  *outbound.Manager
	factory  *outbound.SessionFactory
	breaker  *reload.Breaker
	agg      *aggregator.Aggregator
	sessions *aggregator.SessionRegistry
	engine   *reload.Engine
	server   *aggregator.Server
	issuer   *authserver.Issuer
	auth     *authserver.Server
	watcher  *config.Watcher
	pidFile  *PIDFile
}

// Bootstrap loads the configuration and builds the full runtime. No
// network or subprocess activity happens here; Run does that.
func Bootstrap(opts Options) (*Runtime, error) {
	var logOutput io.Writer = os.Stderr
	if opts.Silent {
		logOutput = io.Discard
	}
	logging.InitForCLI(logging.ParseLevel(opts.LogLevel), logOutput)

	path := opts.ConfigPath
	if path == "" {
		path = "conduit.json"
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}

	snap, err := config.Load(absPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	applyOverrides(snap, opts)

	configDir := filepath.Dir(absPath)
	repo, err := storage.NewFile(filepath.Join(configDir, "storage"))
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	rt := &Runtime{
		opts:       opts,
		configPath: absPath,
		configDir:  configDir,
		repo:       repo,
		sweeper:    storage.NewSweeper(repo, time.Minute),
		presets:    tagquery.NewPresetStore(repo),
		breaker:    reload.NewBreaker(reload.DefaultBreakerThreshold, reload.DefaultBreakerCooldown),
	}

	baseURL := fmt.Sprintf("http://%s:%d", snap.Aggregator.Host, snap.Aggregator.Port)

	rt.manager = outbound.NewManager(outbound.ManagerOptions{
		ServerName:       serverName,
		Retry:            snap.Retry,
		MaxConcurrent:    snap.Aggregator.Concurrency(),
		OAuthRedirectURI: baseURL + "/oauth/callback",
	})
	rt.factory = outbound.NewSessionFactory(template.New(), rt.manager, snap.TemplateSettings, rt.breaker)
	resolver := outbound.NewResolver(rt.manager, rt.factory)

	rt.agg = aggregator.NewAggregator(rt.manager, resolver, snap.Aggregator.Concurrency())
	rt.sessions = aggregator.NewSessionRegistry(
		snap.Aggregator.SessionTTL(), aggregator.DefaultMaxSessions, repo, rt.presets)

	fanout := &capabilityFanout{}
	rt.engine = reload.NewEngine(absPath, snap, rt.manager, rt.agg, fanout, snap.Aggregator.Concurrency())

	guarded := &reload.GuardedMaterializer{Inner: rt.factory, Breaker: rt.breaker}
	rt.server = aggregator.NewServer(aggregator.ServerConfig{
		Host:      snap.Aggregator.Host,
		Port:      snap.Aggregator.Port,
		Transport: snap.Aggregator.Transport,
		Version:   opts.Version,
	}, rt.agg, rt.sessions, guarded, rt.presets, rt.engine.Snapshot)
	fanout.bind(rt.server)

	rt.server.SetInjector(metatools.NewProvider(rt.agg, rt.sessions))

	rt.issuer = authserver.NewIssuer(repo, rt.engine.Snapshot)
	rt.auth = authserver.NewServer(rt.issuer, authserver.NewLimiter(snap.RateLimits), baseURL)
	if snap.Aggregator.Transport != "stdio" {
		rt.auth.MountRoutes(rt.server)
		rt.server.SetAuthMiddleware(rt.auth.Middleware)
		rt.server.Mount("/oauth/callback", http.HandlerFunc(rt.handleOAuthCallback))
	}

	watcher, err := config.NewWatcher(absPath, snap.ConfigReload.Debounce(), func() {
		if err := rt.engine.Reload(context.Background()); err != nil {
			logging.Warn("App", "Reload after file change failed: %v", err)
		}
	})
	if err != nil {
		logging.Warn("App", "Config watcher unavailable: %v", err)
	} else {
		rt.watcher = watcher
	}

	rt.pidFile = NewPIDFile(filepath.Join(configDir, "server.pid"))
	return rt, nil
}

func applyOverrides(snap *config.Snapshot, opts Options) {
	if opts.Host != "" {
		snap.Aggregator.Host = opts.Host
	}
	if opts.Port != 0 {
		snap.Aggregator.Port = opts.Port
	}
	if opts.Transport != "" {
		snap.Aggregator.Transport = opts.Transport
	}
}

// Engine exposes the reload engine, mainly for the standalone command
// and tests.
func (rt *Runtime) Engine() *reload.Engine {
	return rt.engine
}

// Server exposes the inbound server, mainly for tests.
func (rt *Runtime) Server() *aggregator.Server {
	return rt.server
}

// Run starts everything, blocks until ctx is cancelled, then shuts
// down in reverse order. SIGHUP triggers a reload.
func (rt *Runtime) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	snap := rt.engine.Snapshot()

	rt.manager.Start(runCtx)
	if err := rt.manager.CreateAll(runCtx, snap.MCPServers); err != nil {
		logging.Warn("App", "Some upstream servers failed to start: %v", err)
	}

	rt.agg.Start(runCtx)
	rt.agg.RefreshAll(runCtx)
	rt.sessions.Start()
	rt.sweeper.Start()

	if err := rt.server.Start(runCtx); err != nil {
		rt.shutdown()
		return err
	}

	if rt.watcher != nil {
		rt.watcher.Start(runCtx)
	}

	if err := rt.writePIDFile(snap); err != nil {
		logging.Warn("App", "PID file not written: %v", err)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	logging.Info("App", "Proxy running (transport %s)", snap.Aggregator.Transport)
	for {
		select {
		case <-runCtx.Done():
			rt.shutdown()
			return nil
		case <-hup:
			logging.Info("App", "SIGHUP received, reloading configuration")
			if err := rt.engine.Reload(runCtx); err != nil {
				logging.Warn("App", "Reload failed: %v", err)
			}
		}
	}
}

func (rt *Runtime) writePIDFile(snap *config.Snapshot) error {
	url := ""
	if snap.Aggregator.Transport != "stdio" {
		url = fmt.Sprintf("http://%s:%d/mcp", snap.Aggregator.Host, snap.Aggregator.Port)
	}
	return rt.pidFile.Write(PIDInfo{
		URL:       url,
		Host:      snap.Aggregator.Host,
		Port:      snap.Aggregator.Port,
		Transport: snap.Aggregator.Transport,
		ConfigDir: rt.configDir,
	})
}

// shutdown stops components in reverse start order. Inbound first so
// no new work arrives while upstreams drain.
func (rt *Runtime) shutdown() {
	logging.Info("App", "Shutting down")
	rt.pidFile.Remove()
	if rt.watcher != nil {
		rt.watcher.Stop()
	}
	if err := rt.server.Stop(); err != nil {
		logging.Warn("App", "Server stop: %v", err)
	}
	rt.sessions.Stop()
	rt.sweeper.Stop()
	rt.agg.Stop()
	rt.manager.Stop()
	logging.Info("App", "Shutdown complete")
}

// handleOAuthCallback completes a pending outbound authorization flow
// and republishes capabilities so the newly connected server's tools
// appear.
func (rt *Runtime) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		http.Error(w, fmt.Sprintf("authorization failed: %s (%s)",
			errCode, query.Get("error_description")), http.StatusBadRequest)
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		http.Error(w, "missing code or state", http.StatusBadRequest)
		return
	}

	key, err := rt.manager.FinishOAuthByState(r.Context(), state, code)
	if err != nil {
		logging.Warn("App", "OAuth callback rejected: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rt.server.ApplyChangeSet(rt.agg.UpdateCapabilities())

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><body><h1>Authorization complete</h1><p>Server %s is now connected. You can close this window.</p></body></html>", key.Name)
}
