package outbound

import (
	"strings"

	"conduit/pkg/logging"
)

// HashIndex answers which rendered-params hash a session is joined to
// for a given template. Implemented by the SessionFactory.
type HashIndex interface {
	HashFor(sessionID, serverName string) (string, bool)
}

// Resolver maps a logical (serverName, sessionID) pair onto the right
// live connection, hiding the template key scheme from callers.
type Resolver struct {
	manager *Manager
	hashes  HashIndex
}

// NewResolver creates a resolver over the manager's connection table.
func NewResolver(manager *Manager, hashes HashIndex) *Resolver {
	return &Resolver{manager: manager, hashes: hashes}
}

// Resolve finds the connection serving serverName for the session.
// Resolution order is strict: per-client template instance, then
// shareable template instance via the session's hash table, then the
// static entry.
func (r *Resolver) Resolve(serverName, sessionID string) (*Connection, bool) {
	if sessionID != "" {
		if conn, ok := r.manager.Lookup(TemplateSessionKey(serverName, sessionID)); ok {
			return conn, true
		}
		if r.hashes != nil {
			if hash, ok := r.hashes.HashFor(sessionID, serverName); ok {
				if conn, ok := r.manager.Lookup(TemplateHashKey(serverName, hash)); ok {
					return conn, true
				}
			}
		}
	}
	return r.manager.Lookup(StaticKey(serverName))
}

// FilterForSession returns the connections visible to one session:
// every static entry, the session's own per-client instances, and the
// shareable instances its hash table points at. Keys that fail to parse
// are logged and skipped.
func (r *Resolver) FilterForSession(sessionID string) map[string]*Connection {
	visible := make(map[string]*Connection)

	r.manager.mu.RLock()
	defer r.manager.mu.RUnlock()

	for keyStr, conn := range r.manager.connections {
		if strings.Count(keyStr, ":") > 1 {
			logging.Warn("Resolver", "Skipping malformed connection key %q", keyStr)
			continue
		}

		key := conn.Key
		switch {
		case key.IsStatic():
			visible[keyStr] = conn
		case key.Suffix == sessionID:
			visible[keyStr] = conn
		default:
			if r.hashes == nil {
				continue
			}
			if hash, ok := r.hashes.HashFor(sessionID, key.Name); ok && hash == key.Suffix {
				visible[keyStr] = conn
			}
		}
	}
	return visible
}
