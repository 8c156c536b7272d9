package outbound

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"conduit/internal/config"
	"conduit/internal/template"
	"conduit/pkg/logging"
)

// TemplateGate lets the reload engine's circuit breaker veto template
// materialization. A nil gate always allows.
type TemplateGate interface {
	Allow() bool
}

// sessionInstances tracks what one session materialized: its dedicated
// per-client keys and the shareable keys it joined.
type sessionInstances struct {
	perClient []Key
	shared    []Key
	hashes    map[string]string // template name -> rendered hash
}

// SessionFactory materializes template servers for inbound sessions.
// Per-client templates get a dedicated upstream per session; shareable
// ones are keyed by the hash of their rendered params, so sessions with
// identical context share a single upstream, reference-counted.
type SessionFactory struct {
	engine   *template.Engine
	manager  *Manager
	settings config.TemplateSettings
	gate     TemplateGate

	mu       sync.Mutex
	sessions map[string]*sessionInstances
	refs     map[string]int // shared key -> session count
}

// NewSessionFactory creates a factory over the manager.
func NewSessionFactory(engine *template.Engine, manager *Manager, settings config.TemplateSettings, gate TemplateGate) *SessionFactory {
	return &SessionFactory{
		engine:   engine,
		manager:  manager,
		settings: settings,
		gate:     gate,
		sessions: make(map[string]*sessionInstances),
		refs:     make(map[string]int),
	}
}

// Materialize renders every template in the snapshot against the
// session's context and ensures the resulting upstreams exist. In
// graceful mode render failures skip the template; in strict mode the
// first failure aborts.
func (f *SessionFactory) Materialize(ctx context.Context, sessionID string, ctxData *template.ContextData, snapshot *config.Snapshot) error {
	if len(snapshot.MCPTemplates) == 0 {
		return nil
	}
	if f.gate != nil && !f.gate.Allow() {
		logging.Warn("SessionFactory", "Template processing suspended by circuit breaker, session %s gets static servers only",
			logging.TruncateSessionID(sessionID))
		return nil
	}

	names := make([]string, 0, len(snapshot.MCPTemplates))
	for name := range snapshot.MCPTemplates {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		params := snapshot.MCPTemplates[name]
		if params.Disabled {
			continue
		}
		if err := f.materializeOne(ctx, sessionID, name, params, ctxData); err != nil {
			if f.settings.Strict() {
				return fmt.Errorf("template %s: %w", name, err)
			}
			logging.Warn("SessionFactory", "Skipping template %s for session %s: %v",
				name, logging.TruncateSessionID(sessionID), err)
		}
	}
	return nil
}

func (f *SessionFactory) materializeOne(ctx context.Context, sessionID, name string, params *config.MCPServerParams, ctxData *template.ContextData) error {
	rendered, err := f.engine.RenderParams(params, ctxData)
	if err != nil {
		return err
	}

	if params.Template.PerClientEffective() {
		key := TemplateSessionKey(name, sessionID)
		if _, err := f.manager.CreateOne(ctx, key, rendered); err != nil {
			return err
		}
		f.mu.Lock()
		f.instances(sessionID).perClient = append(f.instances(sessionID).perClient, key)
		f.mu.Unlock()
		return nil
	}

	hash, err := template.HashParams(rendered)
	if err != nil {
		return err
	}
	key := TemplateHashKey(name, hash)

	// Joining an existing instance and creating a new one race between
	// sessions; the refs map is the arbiter.
	f.mu.Lock()
	inst := f.instances(sessionID)
	if _, already := inst.hashes[name]; already {
		f.mu.Unlock()
		return nil
	}
	first := f.refs[key.String()] == 0
	f.refs[key.String()]++
	inst.shared = append(inst.shared, key)
	inst.hashes[name] = hash
	f.mu.Unlock()

	if first && !f.manager.Has(key) {
		if _, err := f.manager.CreateOne(ctx, key, rendered); err != nil {
			f.mu.Lock()
			f.refs[key.String()]--
			f.mu.Unlock()
			return err
		}
	} else {
		logging.Debug("SessionFactory", "Session %s joined shared instance %s",
			logging.TruncateSessionID(sessionID), key)
	}
	return nil
}

// instances must be called with f.mu held.
func (f *SessionFactory) instances(sessionID string) *sessionInstances {
	inst, ok := f.sessions[sessionID]
	if !ok {
		inst = &sessionInstances{hashes: make(map[string]string)}
		f.sessions[sessionID] = inst
	}
	return inst
}

// HashFor implements HashIndex for the Resolver.
func (f *SessionFactory) HashFor(sessionID, serverName string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.sessions[sessionID]
	if !ok {
		return "", false
	}
	hash, ok := inst.hashes[serverName]
	return hash, ok
}

// ReleaseSession tears down the session's template instances: dedicated
// per-client upstreams are stopped, shareable ones are released and
// stopped only when the last session leaves.
func (f *SessionFactory) ReleaseSession(sessionID string) {
	f.mu.Lock()
	inst, ok := f.sessions[sessionID]
	if ok {
		delete(f.sessions, sessionID)
	}
	var toStop []Key
	if ok {
		toStop = append(toStop, inst.perClient...)
		for _, key := range inst.shared {
			f.refs[key.String()]--
			if f.refs[key.String()] <= 0 {
				delete(f.refs, key.String())
				toStop = append(toStop, key)
			}
		}
	}
	f.mu.Unlock()

	for _, key := range toStop {
		f.manager.RemoveOne(key)
	}
}

// ActiveSessions returns the ids of sessions holding template
// instances.
func (f *SessionFactory) ActiveSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.sessions))
	for id := range f.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
