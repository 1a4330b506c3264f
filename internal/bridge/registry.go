package bridge

import (
	"sync"

	"github.com/pi-agent/relay/sandbox"
)

// sendQueueSize bounds each connection's outbound queue. A client that
// falls this far behind is disconnected rather than allowed to
// back-pressure the shared broadcast path.
const sendQueueSize = 256

// Registry is the process-wide map of sessionId → hub. It is the only
// shared mutable map in the relay; everything in it is reconstructible
// from the store and the providers.
type Registry struct {
	mu   sync.Mutex
	hubs map[string]*hub
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{hubs: make(map[string]*hub)}
}

// hub is the connection set of one session plus the session's single
// attached stdio pair. hub.mu is the per-session critical section:
// journal append, broadcast, and membership changes all run under it,
// which is what makes delivered seqs identical across clients.
type hub struct {
	sessionID string

	// attached is closed once the creating connection has finished (or
	// failed) the sandbox attach. Later joiners wait on it so they never
	// observe a published hub without streams.
	attached chan struct{}

	mu        sync.Mutex
	conns     map[*conn]struct{}
	streams   *sandbox.Streams
	attachErr error
	closed    bool

	// stdinMu serializes command writes so each JSON line reaches the
	// agent whole. Separate from mu: a write blocked on the agent must
	// not stall the stdout forwarder's append+broadcast path.
	stdinMu sync.Mutex
}

// get returns the hub for a session if one exists.
func (r *Registry) get(sessionID string) *hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hubs[sessionID]
}

// getOrCreate returns the session's hub, creating it on first use.
// created reports whether this call made it.
func (r *Registry) getOrCreate(sessionID string) (h *hub, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hubs[sessionID]; ok {
		return h, false
	}
	h = &hub{
		sessionID: sessionID,
		attached:  make(chan struct{}),
		conns:     make(map[*conn]struct{}),
	}
	r.hubs[sessionID] = h
	return h, true
}

// remove drops a hub from the registry.
func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hubs, sessionID)
}

// ConnCount returns the number of open connections for a session. The
// scheduler uses it to skip sessions with live clients.
func (r *Registry) ConnCount(sessionID string) int {
	h := r.get(sessionID)
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Detach tears down the session's hub: closes every connection,
// releases the sandbox streams, and stops the forwarder (its stdout
// read fails once the streams detach). Called when a session is
// paused, archived, or deleted. No-op when the session has no hub.
func (r *Registry) Detach(sessionID string) {
	h := r.get(sessionID)
	if h == nil {
		return
	}
	r.remove(sessionID)

	h.mu.Lock()
	h.closed = true
	streams := h.streams
	h.streams = nil
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*conn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if streams != nil {
		if streams.Stdout != nil {
			_ = streams.Stdout.Close()
		}
		if streams.Detach != nil {
			streams.Detach()
		}
	}
}

// broadcast enqueues a frame on every connection. Caller holds h.mu.
// Connections that cannot keep up are closed outside the lock.
func (h *hub) broadcastLocked(frame []byte) {
	var overflowed []*conn
	for c := range h.conns {
		if !c.enqueue(frame) {
			overflowed = append(overflowed, c)
			delete(h.conns, c)
		}
	}
	for _, c := range overflowed {
		go c.close()
	}
}

// removeConn drops one connection from the set.
func (h *hub) removeConn(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}
