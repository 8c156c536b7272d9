package aggregator

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"conduit/internal/storage"
	"conduit/internal/tagquery"
	"conduit/internal/template"
	"conduit/pkg/logging"
)

const (
	// MaxSessionIDLength caps accepted session identifiers.
	MaxSessionIDLength = 256
	// DefaultMaxSessions bounds concurrent inbound sessions.
	DefaultMaxSessions = 10000
	// DefaultSessionTTL evicts sessions idle longer than this.
	DefaultSessionTTL = 24 * time.Hour

	minCleanupInterval = time.Second

	sessionKeyPrefix = "transport/streamable/"
)

// InvalidSessionIDError reports a malformed session identifier.
type InvalidSessionIDError struct {
	SessionID string
	Reason    string
}

func (e *InvalidSessionIDError) Error() string {
	return fmt.Sprintf("invalid session ID %q: %s", logging.TruncateSessionID(e.SessionID), e.Reason)
}

// SessionLimitExceededError reports that the registry is full.
type SessionLimitExceededError struct {
	Limit int
}

func (e *SessionLimitExceededError) Error() string {
	return fmt.Sprintf("session limit of %d exceeded", e.Limit)
}

// SessionNotFoundError reports an unknown session identifier.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", logging.TruncateSessionID(e.SessionID))
}

// SessionMeta is the registry's record of one inbound session: its
// filter, pagination preference, template context and the capability
// names last injected into the SDK session, kept for diffing on
// capability change.
type SessionMeta struct {
	SessionID  string
	CreatedAt  time.Time
	Filter     *SessionFilter
	Pagination bool
	Context    *template.ContextData
	Restored   bool

	mu           sync.Mutex
	lastActivity time.Time
	toolNames    map[string]bool
	resourceURIs map[string]bool
	promptNames  map[string]bool
}

// Touch records activity on the session.
func (s *SessionMeta) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the most recent activity time.
func (s *SessionMeta) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Expression returns the session's filter expression, nil when the
// session is unfiltered.
func (s *SessionMeta) Expression() tagquery.Expression {
	if s.Filter == nil {
		return nil
	}
	return s.Filter.Expression
}

// SetInjectedTools replaces the record of tool names currently visible
// to the SDK session and returns the names that disappeared.
func (s *SessionMeta) SetInjectedTools(names []string) (removed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]bool, len(names))
	for _, name := range names {
		current[name] = true
	}
	for name := range s.toolNames {
		if !current[name] {
			removed = append(removed, name)
		}
	}
	s.toolNames = current
	return removed
}

// SetInjectedResources replaces the record of resource URIs currently
// visible to the SDK session and returns the URIs that are new.
func (s *SessionMeta) SetInjectedResources(uris []string) (added []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]bool, len(uris))
	for _, uri := range uris {
		current[uri] = true
		if !s.resourceURIs[uri] {
			added = append(added, uri)
		}
	}
	s.resourceURIs = current
	return added
}

// persistedSession is the stored form of a streamable-HTTP session,
// enough to rebuild filter and context after a restart.
type persistedSession struct {
	SessionID  string                `json:"sessionId"`
	CreatedAt  time.Time             `json:"createdAt"`
	Mode       FilterMode            `json:"filterMode"`
	Raw        string                `json:"filterRaw,omitempty"`
	Preset     string                `json:"filterPreset,omitempty"`
	Pagination bool                  `json:"pagination"`
	Context    *template.ContextData `json:"context,omitempty"`
}

// SessionRegistry tracks inbound sessions with a TTL and a hard cap,
// persisting streamable-HTTP sessions so they survive restarts.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*SessionMeta

	maxSessions int
	ttl         time.Duration
	repo        storage.Repository
	presets     *tagquery.PresetStore

	// onEvict runs outside the registry lock when a session is removed
	// for any reason.
	onEvict func(*SessionMeta)

	cancel chan struct{}
	wg     sync.WaitGroup
}

// NewSessionRegistry creates a registry. repo may be nil to disable
// persistence; presets are needed only to restore preset filters.
func NewSessionRegistry(ttl time.Duration, maxSessions int, repo storage.Repository, presets *tagquery.PresetStore) *SessionRegistry {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &SessionRegistry{
		sessions:    make(map[string]*SessionMeta),
		maxSessions: maxSessions,
		ttl:         ttl,
		repo:        repo,
		presets:     presets,
		cancel:      make(chan struct{}),
	}
}

// SetEvictionCallback installs the hook run when sessions are removed.
func (r *SessionRegistry) SetEvictionCallback(fn func(*SessionMeta)) {
	r.mu.Lock()
	r.onEvict = fn
	r.mu.Unlock()
}

// ValidateSessionID checks basic shape before any map access.
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return &InvalidSessionIDError{SessionID: sessionID, Reason: "empty"}
	}
	if len(sessionID) > MaxSessionIDLength {
		return &InvalidSessionIDError{SessionID: sessionID, Reason: "too long"}
	}
	return nil
}

// Create registers a new session. persist controls whether the session
// is written through to storage for restart survival.
func (r *SessionRegistry) Create(sessionID string, filter *SessionFilter, pagination bool, ctxData *template.ContextData, persist bool) (*SessionMeta, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.sessions[sessionID]; ok {
		r.mu.Unlock()
		existing.Touch()
		return existing, nil
	}
	if len(r.sessions) >= r.maxSessions {
		limit := r.maxSessions
		r.mu.Unlock()
		return nil, &SessionLimitExceededError{Limit: limit}
	}

	now := time.Now()
	sess := &SessionMeta{
		SessionID:    sessionID,
		CreatedAt:    now,
		Filter:       filter,
		Pagination:   pagination,
		Context:      ctxData,
		lastActivity: now,
	}
	r.sessions[sessionID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	logging.Debug("SessionRegistry", "Created session %s (%d active)", logging.TruncateSessionID(sessionID), count)

	if persist && r.repo != nil {
		r.persist(sess)
	}
	return sess, nil
}

// Get returns the session if registered.
func (r *SessionRegistry) Get(sessionID string) (*SessionMeta, bool) {
	r.mu.RLock()
	sess, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	return sess, ok
}

// Touch refreshes the session's activity timestamp.
func (r *SessionRegistry) Touch(sessionID string) error {
	sess, ok := r.Get(sessionID)
	if !ok {
		return &SessionNotFoundError{SessionID: sessionID}
	}
	sess.Touch()
	return nil
}

// Remove drops the session from the registry and storage and runs the
// eviction callback.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	onEvict := r.onEvict
	r.mu.Unlock()

	if !ok {
		return
	}
	if r.repo != nil {
		if err := r.repo.Delete(sessionKeyPrefix + sessionID); err != nil {
			logging.Warn("SessionRegistry", "Failed to delete persisted session %s: %v", logging.TruncateSessionID(sessionID), err)
		}
	}
	if onEvict != nil {
		onEvict(sess)
	}
}

// Count returns the number of active sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot of the active sessions.
func (r *SessionRegistry) All() []*SessionMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*SessionMeta, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// Restore rebuilds a session from its persisted record. It returns a
// SessionNotFoundError when no record exists.
func (r *SessionRegistry) Restore(sessionID string) (*SessionMeta, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if r.repo == nil {
		return nil, &SessionNotFoundError{SessionID: sessionID}
	}

	data, found, err := r.repo.Get(sessionKeyPrefix + sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", logging.TruncateSessionID(sessionID), err)
	}
	if !found {
		return nil, &SessionNotFoundError{SessionID: sessionID}
	}

	var record persistedSession
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", logging.TruncateSessionID(sessionID), err)
	}

	filter, err := r.rebuildFilter(&record)
	if err != nil {
		// A preset deleted since persistence degrades the session to
		// unfiltered rather than rejecting the reconnect.
		logging.Warn("SessionRegistry", "Could not rebuild filter for restored session %s: %v", logging.TruncateSessionID(sessionID), err)
		filter = &SessionFilter{Mode: FilterNone}
	}

	r.mu.Lock()
	if existing, ok := r.sessions[sessionID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	if len(r.sessions) >= r.maxSessions {
		limit := r.maxSessions
		r.mu.Unlock()
		return nil, &SessionLimitExceededError{Limit: limit}
	}
	sess := &SessionMeta{
		SessionID:    sessionID,
		CreatedAt:    record.CreatedAt,
		Filter:       filter,
		Pagination:   record.Pagination,
		Context:      record.Context,
		Restored:     true,
		lastActivity: time.Now(),
	}
	r.sessions[sessionID] = sess
	r.mu.Unlock()

	logging.Info("SessionRegistry", "Restored session %s from storage", logging.TruncateSessionID(sessionID))
	return sess, nil
}

func (r *SessionRegistry) rebuildFilter(record *persistedSession) (*SessionFilter, error) {
	switch record.Mode {
	case FilterPreset:
		if r.presets == nil {
			return nil, fmt.Errorf("preset %q: no preset store", record.Preset)
		}
		expr, err := r.presets.Resolve(record.Preset)
		if err != nil {
			return nil, err
		}
		return &SessionFilter{Mode: FilterPreset, Raw: record.Raw, PresetName: record.Preset, Expression: expr}, nil
	case FilterAdvanced:
		expr, err := tagquery.ParseAdvanced(record.Raw)
		if err != nil {
			return nil, err
		}
		return &SessionFilter{Mode: FilterAdvanced, Raw: record.Raw, Expression: expr}, nil
	case FilterTags:
		parsed, err := tagquery.ParseSimple(record.Raw)
		if err != nil {
			return nil, err
		}
		return &SessionFilter{Mode: FilterTags, Raw: record.Raw, Expression: tagquery.MatchAll(parsed)}, nil
	default:
		return &SessionFilter{Mode: FilterNone}, nil
	}
}

func (r *SessionRegistry) persist(sess *SessionMeta) {
	record := persistedSession{
		SessionID:  sess.SessionID,
		CreatedAt:  sess.CreatedAt,
		Mode:       FilterNone,
		Pagination: sess.Pagination,
		Context:    sess.Context,
	}
	if sess.Filter != nil {
		record.Mode = sess.Filter.Mode
		record.Raw = sess.Filter.Raw
		record.Preset = sess.Filter.PresetName
	}

	data, err := json.Marshal(record)
	if err != nil {
		logging.Warn("SessionRegistry", "Failed to encode session %s: %v", logging.TruncateSessionID(sess.SessionID), err)
		return
	}
	if err := r.repo.Save(sessionKeyPrefix+sess.SessionID, data, r.ttl); err != nil {
		logging.Warn("SessionRegistry", "Failed to persist session %s: %v", logging.TruncateSessionID(sess.SessionID), err)
	}
}

// Start launches the idle session sweeper.
func (r *SessionRegistry) Start() {
	interval := r.ttl / 2
	if interval < minCleanupInterval {
		interval = minCleanupInterval
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.cancel:
				return
			case <-ticker.C:
				r.evictIdle()
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (r *SessionRegistry) Stop() {
	close(r.cancel)
	r.wg.Wait()
}

func (r *SessionRegistry) evictIdle() {
	cutoff := time.Now().Add(-r.ttl)

	r.mu.Lock()
	var evicted []*SessionMeta
	for id, sess := range r.sessions {
		if sess.LastActivity().Before(cutoff) {
			delete(r.sessions, id)
			evicted = append(evicted, sess)
		}
	}
	onEvict := r.onEvict
	r.mu.Unlock()

	for _, sess := range evicted {
		logging.Debug("SessionRegistry", "Evicted idle session %s", logging.TruncateSessionID(sess.SessionID))
		if r.repo != nil {
			if err := r.repo.Delete(sessionKeyPrefix + sess.SessionID); err != nil {
				logging.Warn("SessionRegistry", "Failed to delete persisted session %s: %v", logging.TruncateSessionID(sess.SessionID), err)
			}
		}
		if onEvict != nil {
			onEvict(sess)
		}
	}
}
