package aggregator

import (
	"context"
	"sort"
	"sync"
	"time"

	"conduit/internal/outbound"
	"conduit/internal/tagquery"
	"conduit/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
)

const cacheSweepInterval = time.Minute

// ToolEntry is one tool in a computed view, annotated with its owning
// server so handlers can route invocations back upstream.
type ToolEntry struct {
	Server  string
	ConnKey outbound.Key
	Tool    mcp.Tool
}

// ResourceEntry is one resource in a computed view.
type ResourceEntry struct {
	Server   string
	ConnKey  outbound.Key
	Resource mcp.Resource
}

// PromptEntry is one prompt in a computed view.
type PromptEntry struct {
	Server  string
	ConnKey outbound.Key
	Prompt  mcp.Prompt
}

// View is the merged capability surface visible to one session.
type View struct {
	Tools             []ToolEntry
	Resources         []ResourceEntry
	ResourceTemplates []mcp.ResourceTemplate
	Prompts           []PromptEntry
}

// Delta describes the change in one capability category between two
// global surfaces, using "server:name" qualified identifiers.
type Delta struct {
	Added   []string
	Removed []string
}

// HasChanges reports whether the delta is non-empty.
func (d Delta) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0
}

// ChangeSet is the global capability diff produced after a refresh or
// reload. Sessions whose filters touch a changed server get notified.
type ChangeSet struct {
	Tools     Delta
	Resources Delta
	Prompts   Delta
}

// HasChanges reports whether any category changed.
func (c ChangeSet) HasChanges() bool {
	return c.Tools.HasChanges() || c.Resources.HasChanges() || c.Prompts.HasChanges()
}

// surface is the flattened global capability set used for diffing.
type surface struct {
	tools     map[string]bool
	resources map[string]bool
	prompts   map[string]bool
}

// ConnectionSource is the slice of the outbound manager the view
// engine needs.
type ConnectionSource interface {
	Keys() []outbound.Key
	RefreshCapabilities(ctx context.Context, key outbound.Key) error
	Snapshot() map[string]*outbound.Connection
}

// ConnectionResolver maps (server, session) pairs onto live
// connections, honoring per-session template instances.
type ConnectionResolver interface {
	Resolve(serverName, sessionID string) (*outbound.Connection, bool)
	FilterForSession(sessionID string) map[string]*outbound.Connection
}

// Aggregator computes per-session capability views over the outbound
// connection set and tracks the global surface between refreshes.
type Aggregator struct {
	manager  ConnectionSource
	resolver ConnectionResolver
	schemas  *SchemaCache
	filters  *FilterCache

	maxConcurrent int

	mu       sync.Mutex
	previous *surface

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAggregator wires the view engine over the given manager and
// resolver. maxConcurrent bounds parallel upstream refreshes.
func NewAggregator(manager ConnectionSource, resolver ConnectionResolver, maxConcurrent int) *Aggregator {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Aggregator{
		manager:       manager,
		resolver:      resolver,
		schemas:       NewSchemaCache(0, 0),
		filters:       NewFilterCache(0, 0),
		maxConcurrent: maxConcurrent,
	}
}

// Schemas exposes the tool schema cache.
func (a *Aggregator) Schemas() *SchemaCache {
	return a.schemas
}

// Resolver exposes the connection resolver used for view computation.
func (a *Aggregator) Resolver() ConnectionResolver {
	return a.resolver
}

// Manager exposes the outbound connection source.
func (a *Aggregator) Manager() ConnectionSource {
	return a.manager
}

// Start launches the periodic cache sweep.
func (a *Aggregator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(cacheSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := a.schemas.Sweep() + a.filters.Sweep(); n > 0 {
					logging.Debug("Aggregator", "Swept %d expired cache entries", n)
				}
			}
		}
	}()
}

// Stop halts the cache sweep and waits for it to exit.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// RefreshAll re-queries capabilities from every connected upstream with
// bounded concurrency. Individual failures are logged and skipped so a
// flaky server never blocks the rest.
func (a *Aggregator) RefreshAll(ctx context.Context) {
	keys := a.manager.Keys()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(a.maxConcurrent)
	for _, key := range keys {
		key := key
		group.Go(func() error {
			if err := a.manager.RefreshCapabilities(groupCtx, key); err != nil {
				logging.Warn("Aggregator", "Capability refresh failed for %s: %v", key, err)
			}
			return nil
		})
	}
	_ = group.Wait()

	// Prime the schema cache from the refreshed snapshots.
	for _, conn := range a.manager.Snapshot() {
		if conn.Status != outbound.StatusConnected {
			continue
		}
		for _, tool := range conn.Tools {
			a.schemas.Put(conn.Name, tool.Name, tool)
		}
	}
}

// ComputeView builds the capability view for a session, applying the
// session's tag expression to each visible server. Tool names colliding
// across servers keep the first occurrence in server order; later ones
// are dropped with a warning.
func (a *Aggregator) ComputeView(sessionID string, expr tagquery.Expression) *View {
	visible := a.resolver.FilterForSession(sessionID)

	keys := make([]string, 0, len(visible))
	for key := range visible {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	view := &View{}
	seenTools := make(map[string]string) // tool name -> owning server
	seenServers := make(map[string]bool)

	for _, key := range keys {
		conn := visible[key]
		if conn.Status != outbound.StatusConnected {
			continue
		}
		if seenServers[conn.Name] {
			continue
		}
		seenServers[conn.Name] = true
		if !a.filters.Evaluate(expr, conn.Tags) {
			continue
		}

		connKey := conn.Key
		for _, tool := range conn.Tools {
			if owner, dup := seenTools[tool.Name]; dup {
				logging.Warn("Aggregator", "Tool %q from %s shadowed by %s", tool.Name, conn.Name, owner)
				continue
			}
			seenTools[tool.Name] = conn.Name
			view.Tools = append(view.Tools, ToolEntry{Server: conn.Name, ConnKey: connKey, Tool: tool})
		}
		for _, res := range conn.Resources {
			view.Resources = append(view.Resources, ResourceEntry{Server: conn.Name, ConnKey: connKey, Resource: res})
		}
		view.ResourceTemplates = append(view.ResourceTemplates, conn.ResourceTemplates...)
		for _, prompt := range conn.Prompts {
			view.Prompts = append(view.Prompts, PromptEntry{Server: conn.Name, ConnKey: connKey, Prompt: prompt})
		}
	}

	sort.Slice(view.Tools, func(i, j int) bool { return view.Tools[i].Tool.Name < view.Tools[j].Tool.Name })
	return view
}

// RegistryForSession indexes the session's visible connections for
// meta-tool lookups.
func (a *Aggregator) RegistryForSession(sessionID string) *Registry {
	return BuildRegistry(a.resolver.FilterForSession(sessionID))
}

// UpdateCapabilities snapshots the global surface, diffs it against the
// previous snapshot and returns the change set. Call it after any
// refresh or reload; the first call reports everything as added.
func (a *Aggregator) UpdateCapabilities() ChangeSet {
	current := a.snapshotSurface()

	a.mu.Lock()
	prev := a.previous
	a.previous = current
	a.mu.Unlock()

	if prev == nil {
		prev = &surface{
			tools:     map[string]bool{},
			resources: map[string]bool{},
			prompts:   map[string]bool{},
		}
	}

	return ChangeSet{
		Tools:     diffSets(prev.tools, current.tools),
		Resources: diffSets(prev.resources, current.resources),
		Prompts:   diffSets(prev.prompts, current.prompts),
	}
}

func (a *Aggregator) snapshotSurface() *surface {
	s := &surface{
		tools:     make(map[string]bool),
		resources: make(map[string]bool),
		prompts:   make(map[string]bool),
	}
	for _, conn := range a.manager.Snapshot() {
		if conn.Status != outbound.StatusConnected {
			continue
		}
		for _, tool := range conn.Tools {
			s.tools[conn.Name+":"+tool.Name] = true
		}
		for _, res := range conn.Resources {
			s.resources[conn.Name+":"+res.URI] = true
		}
		for _, prompt := range conn.Prompts {
			s.prompts[conn.Name+":"+prompt.Name] = true
		}
	}
	return s
}

func diffSets(prev, current map[string]bool) Delta {
	var delta Delta
	for name := range current {
		if !prev[name] {
			delta.Added = append(delta.Added, name)
		}
	}
	for name := range prev {
		if !current[name] {
			delta.Removed = append(delta.Removed, name)
		}
	}
	sort.Strings(delta.Added)
	sort.Strings(delta.Removed)
	return delta
}
