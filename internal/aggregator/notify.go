package aggregator

import (
	"sync"
	"time"
)

// notifyDebounce collapses notification bursts from rapid successive
// reloads into one re-injection per session.
const notifyDebounce = 250 * time.Millisecond

// Notifier re-injects session capability views after the global surface
// changes. The SDK emits listChanged notifications as a side effect of
// the per-session add and delete calls, so downstream clients re-list.
type Notifier struct {
	srv *Server

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func NewNotifier(srv *Server) *Notifier {
	return &Notifier{
		srv:     srv,
		pending: make(map[string]*time.Timer),
	}
}

// Broadcast schedules a debounced re-injection for every active
// session. Sessions whose filters exclude the changed servers end up
// with an empty diff and no notification traffic.
func (n *Notifier) Broadcast(cs ChangeSet) {
	if !cs.HasChanges() {
		return
	}
	for _, meta := range n.srv.sessions.All() {
		n.schedule(meta.SessionID)
	}
}

func (n *Notifier) schedule(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if timer, ok := n.pending[sessionID]; ok {
		timer.Stop()
	}
	n.pending[sessionID] = time.AfterFunc(notifyDebounce, func() {
		n.flush(sessionID)
	})
}

func (n *Notifier) flush(sessionID string) {
	n.mu.Lock()
	delete(n.pending, sessionID)
	n.mu.Unlock()

	meta, ok := n.srv.sessions.Get(sessionID)
	if !ok {
		return
	}
	n.srv.injectSession(meta)
}

// Forget cancels any pending notification for a removed session.
func (n *Notifier) Forget(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if timer, ok := n.pending[sessionID]; ok {
		timer.Stop()
		delete(n.pending, sessionID)
	}
}
