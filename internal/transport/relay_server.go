package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taskpilot/internal/logging"
)

// Relay is the long-lived intermediary process between the engine and the
// execution surface. It holds one connection per role and queues messages
// addressed to a role that is momentarily disconnected, flushing the queue
// when the role registers again. Delivery is at-least-once from the clients'
// point of view.
type Relay struct {
	mu     sync.Mutex
	conns  map[string]*relayConn
	queues map[string][]Message

	upgrader websocket.Upgrader
	server   *http.Server
}

type relayConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (rc *relayConn) writeJSON(msg Message) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	return rc.conn.WriteJSON(msg)
}

// NewRelay creates a relay server.
func NewRelay() *Relay {
	return &Relay{
		conns:  make(map[string]*relayConn),
		queues: make(map[string][]Message),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ListenAndServe runs the relay on addr until the context is cancelled.
func (r *Relay) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", r)

	r.server = &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.server.Shutdown(shutdownCtx)
	}()

	logging.Transport("relay listening on %s", addr)
	err := r.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ServeHTTP upgrades a client and runs its session.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logging.Get(logging.CategoryTransport).Warn("relay upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// First message must be the register handshake.
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hello Message
	if err := conn.ReadJSON(&hello); err != nil || hello.Type() != typeRegister {
		_ = conn.WriteJSON(Message{"type": typeError, "message": "expected register"})
		return
	}
	role, _ := hello["role"].(string)
	if role == "" {
		_ = conn.WriteJSON(Message{"type": typeError, "message": "register requires a role"})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	rc := &relayConn{conn: conn}
	if err := rc.writeJSON(Message{"type": typeRegistered, "role": role}); err != nil {
		return
	}

	r.register(role, rc)
	defer r.unregister(role, rc)
	logging.Transport("relay registered role=%s from %s", role, req.RemoteAddr)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		r.route(role, msg)
	}
}

// register installs the connection and flushes anything queued for the role.
func (r *Relay) register(role string, rc *relayConn) {
	r.mu.Lock()
	if old, ok := r.conns[role]; ok && old != rc {
		_ = old.conn.Close()
	}
	r.conns[role] = rc
	pending := r.queues[role]
	r.queues[role] = nil
	r.mu.Unlock()

	for _, msg := range pending {
		if err := rc.writeJSON(msg); err != nil {
			// Re-queue on failure; at-least-once, never silently lost.
			r.enqueue(role, msg)
			return
		}
	}
}

func (r *Relay) unregister(role string, rc *relayConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[role] == rc {
		delete(r.conns, role)
	}
}

// route forwards a message from one role to its destination: an explicit
// "to" field, or the one other registered/known role.
func (r *Relay) route(from string, msg Message) {
	to, _ := msg["to"].(string)
	if to == "" {
		to = r.counterpart(from)
	}
	if to == "" || to == from {
		logging.Get(logging.CategoryTransport).Warn("relay cannot route message type=%q from role=%q", msg.Type(), from)
		return
	}

	r.mu.Lock()
	rc, connected := r.conns[to]
	r.mu.Unlock()

	if !connected {
		r.enqueue(to, msg)
		return
	}
	if err := rc.writeJSON(msg); err != nil {
		r.enqueue(to, msg)
	}
}

// counterpart returns the single other role this relay has seen, if exactly
// one exists.
func (r *Relay) counterpart(from string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	other := ""
	seen := make(map[string]bool)
	for role := range r.conns {
		seen[role] = true
	}
	for role := range r.queues {
		seen[role] = true
	}
	for role := range seen {
		if role == from {
			continue
		}
		if other != "" {
			return "" // ambiguous
		}
		other = role
	}
	return other
}

func (r *Relay) enqueue(role string, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[role] = append(r.queues[role], msg)
}

// QueuedFor reports how many messages are queued for a role.
func (r *Relay) QueuedFor(role string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[role])
}
