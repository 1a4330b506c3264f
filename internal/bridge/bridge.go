// Package bridge implements the WebSocket RPC pipe between clients and
// the agent process inside a session's sandbox.
//
// One hub per session owns the sandbox stdio and a single stdout
// forwarder; any number of client connections share it. Every line the
// agent emits is journaled first and then broadcast, under the
// session's critical section, so all clients observe identical event
// streams with strictly increasing seqs.
package bridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/pi-agent/relay/internal/manager"
	"github.com/pi-agent/relay/internal/service"
	"github.com/pi-agent/relay/journal"
	"github.com/pi-agent/relay/model"
	"github.com/pi-agent/relay/sandbox"
	"github.com/pi-agent/relay/store"
)

// Close codes of the WS protocol.
const (
	CloseSessionNotFound = 4004
	CloseSessionNotReady = 4003
)

// commandTypes is the closed union of client → server commands.
// journaled marks the ones recorded in the session history.
var commandTypes = map[string]struct{ journaled bool }{
	"prompt":               {journaled: true},
	"abort":                {},
	"get_state":            {},
	"set_model":            {},
	"native_tool_response": {},
	"ping":                 {},
}

// Bridge serves the /ws/sessions/:id endpoint.
type Bridge struct {
	registry *Registry
	store    store.Store
	journal  *journal.Journal
	manager  *manager.Manager
	service  *service.Service
	log      *slog.Logger

	upgrader websocket.Upgrader
}

// New creates a bridge.
func New(reg *Registry, st store.Store, j *journal.Journal, m *manager.Manager, svc *service.Service, log *slog.Logger) *Bridge {
	return &Bridge{
		registry: reg,
		store:    st,
		journal:  j,
		manager:  m,
		service:  svc,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay runs behind a trusted boundary.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades a client connection for one session. Query param
// lastSeq (optional) is the client's replay cursor.
func (b *Bridge) HandleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	lastSeq, _ := strconv.ParseInt(r.URL.Query().Get("lastSeq"), 10, 64)

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess, err := b.store.GetSession(sessionID)
	if err != nil {
		closeWith(ws, CloseSessionNotFound, "session not found")
		return
	}
	if sess.Status != model.StatusActive {
		closeWith(ws, CloseSessionNotReady, fmt.Sprintf("session is %s, not active", sess.Status))
		return
	}
	if !sess.HasSandbox() {
		closeWith(ws, CloseSessionNotReady, "session has no sandbox")
		return
	}

	h, err := b.acquireHub(r, sess)
	if err != nil {
		b.log.Error("attaching sandbox stdio", "session_id", sessionID, "error", err)
		closeWith(ws, CloseSessionNotReady, "sandbox attach failed")
		return
	}

	c := newConn(ws)

	// Register under the session critical section: the connected frame,
	// any replay backlog, and membership are set up atomically so live
	// broadcasts cannot interleave with replay.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		closeWith(ws, CloseSessionNotReady, "session detached")
		return
	}
	maxSeq, err := b.journal.GetMaxSeq(sessionID)
	if err != nil {
		h.mu.Unlock()
		b.log.Error("reading journal checkpoint", "session_id", sessionID, "error", err)
		closeWith(ws, CloseSessionNotReady, "journal unavailable")
		return
	}
	c.backlog = append(c.backlog, mustFrame(map[string]any{
		"type":      "connected",
		"sessionId": sessionID,
		"lastSeq":   maxSeq,
	}))
	if lastSeq > 0 && lastSeq < maxSeq {
		events, err := b.journal.GetAfterSeq(sessionID, lastSeq, 0)
		if err != nil {
			h.mu.Unlock()
			b.log.Error("loading replay events", "session_id", sessionID, "error", err)
			closeWith(ws, CloseSessionNotReady, "journal unavailable")
			return
		}
		c.backlog = append(c.backlog, mustFrame(map[string]any{
			"type":    "replay_start",
			"fromSeq": lastSeq,
			"toSeq":   maxSeq,
		}))
		for _, ev := range events {
			c.backlog = append(c.backlog, eventFrame(ev.Type, ev.Seq, ev.Payload))
		}
		c.backlog = append(c.backlog, mustFrame(map[string]any{"type": "replay_end"}))
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	_ = b.service.Touch(sessionID)
	b.log.Debug("client connected", "session_id", sessionID, "last_seq", lastSeq)

	go c.writeLoop()
	b.readLoop(c, h)

	h.removeConn(c)
	c.close()
	_ = b.service.Touch(sessionID)
	b.log.Debug("client disconnected", "session_id", sessionID)
}

// acquireHub returns the session's hub with its streams attached. The
// creating connection performs the sandbox attach and starts the stdout
// forwarder; concurrent joiners block until the attach settles, so no
// client ever sees a hub without streams.
func (b *Bridge) acquireHub(r *http.Request, sess *model.Session) (*hub, error) {
	h, created := b.registry.getOrCreate(sess.ID)
	if !created {
		<-h.attached
		h.mu.Lock()
		err := h.attachErr
		h.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return h, nil
	}

	streams, err := b.manager.Attach(r.Context(), sess)
	h.mu.Lock()
	if err != nil {
		h.attachErr = err
		h.closed = true
	} else {
		h.streams = streams
	}
	h.mu.Unlock()
	close(h.attached)

	if err != nil {
		b.registry.remove(sess.ID)
		return nil, err
	}
	go b.forward(h, streams)
	return h, nil
}

// forward is the single stdout forwarder of a session: journal first,
// then broadcast. It exits when the stream closes (pause, terminate,
// detach).
func (b *Bridge) forward(h *hub, streams *sandbox.Streams) {
	scanner := bufio.NewScanner(streams.Stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var ev struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
			// Non-JSON output from the sandbox is dropped.
			continue
		}

		payload := make(json.RawMessage, len(line))
		copy(payload, line)

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return
		}
		seq, err := b.journal.Append(h.sessionID, ev.Type, payload)
		if err != nil {
			h.mu.Unlock()
			b.log.Error("journaling agent event", "session_id", h.sessionID, "error", err)
			continue
		}
		h.broadcastLocked(eventFrame(ev.Type, seq, payload))
		h.mu.Unlock()
	}
	b.log.Debug("stdout forwarder stopped", "session_id", h.sessionID, "error", scanner.Err())
}

// readLoop consumes client commands until the connection closes.
func (b *Bridge) readLoop(c *conn, h *hub) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var cmd struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type == "" {
			c.enqueue(errorFrame("INVALID_COMMAND", "command must be a JSON object with a type"))
			continue
		}
		spec, known := commandTypes[cmd.Type]
		if !known {
			c.enqueue(errorFrame("INVALID_COMMAND", fmt.Sprintf("unknown command type %q", cmd.Type)))
			continue
		}

		_ = b.service.Touch(h.sessionID)

		if cmd.Type == "ping" {
			c.enqueue(mustFrame(map[string]any{"type": "pong"}))
			continue
		}

		// Journal and broadcast under the session critical section, so
		// a journaled command lands before the agent events it causes.
		h.mu.Lock()
		if h.closed || h.streams == nil {
			h.mu.Unlock()
			c.enqueue(errorFrame("SESSION_DETACHED", "session is no longer attached"))
			return
		}
		stdin := h.streams.Stdin
		if spec.journaled {
			seq, err := b.journal.Append(h.sessionID, cmd.Type, json.RawMessage(data))
			if err != nil {
				h.mu.Unlock()
				b.log.Error("journaling command", "session_id", h.sessionID, "error", err)
				c.enqueue(errorFrame("INTERNAL", "failed to record command"))
				continue
			}
			h.broadcastLocked(eventFrame(cmd.Type, seq, json.RawMessage(data)))
		}
		h.mu.Unlock()

		// Atomic single-line write, serialized per session.
		h.stdinMu.Lock()
		_, werr := stdin.Write(append(append([]byte{}, data...), '\n'))
		h.stdinMu.Unlock()

		if werr != nil {
			b.log.Error("writing command to sandbox", "session_id", h.sessionID, "error", werr)
			c.enqueue(errorFrame("SANDBOX_WRITE_FAILED", "failed to deliver command to the agent"))
		}
	}
}

// eventFrame flattens a journaled payload into a client frame with the
// type and seq fields set.
func eventFrame(eventType string, seq int64, payload json.RawMessage) []byte {
	frame := make(map[string]any)
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &frame)
	}
	frame["type"] = eventType
	frame["seq"] = seq
	return mustFrame(frame)
}

func errorFrame(code, message string) []byte {
	return mustFrame(map[string]any{"type": "error", "code": code, "message": message})
}

func mustFrame(v map[string]any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Maps of marshalable values cannot fail; keep the contract loud.
		panic(err)
	}
	return data
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = ws.Close()
}

// conn is one client connection with a bounded outbound queue. backlog
// holds the connected frame and any replay events; it is built before
// the conn joins the hub and flushed before live frames.
type conn struct {
	ws      *websocket.Conn
	backlog [][]byte
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

// enqueue queues a frame without blocking. False means the queue
// overflowed or the connection is closed; the caller disconnects it.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// writeLoop flushes the backlog, then drains the outbound queue onto
// the socket. Live frames enqueued during the flush keep their order
// behind the backlog, so delivered seqs stay strictly increasing.
func (c *conn) writeLoop() {
	for _, frame := range c.backlog {
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			c.close()
			return
		}
	}
	c.backlog = nil
	for {
		select {
		case frame := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
