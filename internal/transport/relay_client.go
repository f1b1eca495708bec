package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taskpilot/internal/logging"
)

// Relay control message types, filtered before application handlers.
const (
	typeRegister   = "register"
	typeRegistered = "registered"
	typeError      = "error"
)

const (
	defaultConnectTimeout = 5 * time.Second
	baseBackoff           = time.Second
	maxBackoff            = 30 * time.Second
)

// RelayClient connects to a relay process over websocket, registers under a
// role, and reconnects with exponential backoff when the link drops.
// Outbound messages are addressed to the peer role so the relay can queue
// them while the peer is away.
type RelayClient struct {
	dispatcher

	url  string
	role string
	peer string

	connectTimeout time.Duration

	mu             sync.Mutex
	writeMu        sync.Mutex
	conn           *websocket.Conn
	connected      bool
	closed         bool
	attempts       int
	reconnectTimer *time.Timer
}

// NewRelayClient creates a client for the given relay URL, registering as
// role and addressing sends to peer.
func NewRelayClient(url, role, peer string) *RelayClient {
	return &RelayClient{
		url:            url,
		role:           role,
		peer:           peer,
		connectTimeout: defaultConnectTimeout,
	}
}

// Connect dials the relay and performs the register handshake. Idempotent.
// The dial itself is bounded by the connect timeout so a half-open socket is
// force-terminated rather than left hanging.
func (c *RelayClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("relay client closed")
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: c.connectTimeout}
	conn, _, err := dialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		c.mu.Lock()
		c.attempts++
		c.mu.Unlock()
		return fmt.Errorf("dial relay: %w", err)
	}

	// Register handshake, bounded by the same timeout.
	_ = conn.SetWriteDeadline(time.Now().Add(c.connectTimeout))
	if err := conn.WriteJSON(Message{"type": typeRegister, "role": c.role}); err != nil {
		conn.Close()
		c.mu.Lock()
		c.attempts++
		c.mu.Unlock()
		return fmt.Errorf("send register: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.connectTimeout))
	var ack Message
	if err := conn.ReadJSON(&ack); err != nil || ack.Type() != typeRegistered {
		conn.Close()
		c.mu.Lock()
		c.attempts++
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("await registered: %w", err)
		}
		return fmt.Errorf("unexpected handshake reply: %q", ack.Type())
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.attempts = 0 // reset on successful connect
	c.mu.Unlock()

	go c.readPump(conn)
	logging.Transport("relay connected role=%s url=%s", c.role, c.url)
	return nil
}

// Send writes one message. Fails while disconnected; messages are never
// silently buffered past the current connection's lifetime.
func (c *RelayClient) Send(msg Message) error {
	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	if c.peer != "" && msg["to"] == nil {
		addressed := make(Message, len(msg)+1)
		for k, v := range msg {
			addressed[k] = v
		}
		addressed["to"] = c.peer
		msg = addressed
	}

	// Serialized writes keep issue order on the wire.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("relay send: %w", err)
	}
	return nil
}

// IsConnected reports the link state.
func (c *RelayClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect closes the connection and stops any pending reconnect.
func (c *RelayClient) Disconnect() error {
	c.mu.Lock()
	c.closed = true
	c.connected = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

// readPump dispatches inbound messages until the connection drops, then
// schedules a reconnect.
func (c *RelayClient) readPump(conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.connected = false
				c.conn = nil
			}
			closed := c.closed
			c.mu.Unlock()

			conn.Close()
			if !closed {
				logging.Get(logging.CategoryTransport).Warn("relay link dropped: %v", err)
				c.scheduleReconnect()
			}
			return
		}

		switch msg.Type() {
		case typeRegistered:
			// Control traffic; not for application handlers.
		case typeError:
			logging.Get(logging.CategoryTransport).Warn("relay error message: %v", msg["message"])
		default:
			c.dispatch(msg)
		}
	}
}

// scheduleReconnect arms the backoff timer. At most one reconnect timer is
// ever pending.
func (c *RelayClient) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.reconnectTimer != nil {
		return
	}

	delay := backoffDelay(c.attempts)
	logging.Transport("relay reconnect in %s (attempt %d)", delay, c.attempts)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if err := c.Connect(context.Background()); err != nil {
			c.scheduleReconnect()
		}
	})
}

// backoffDelay returns min(1s * 2^attempt, 30s).
func backoffDelay(attempt int) time.Duration {
	if attempt > 10 {
		return maxBackoff
	}
	d := baseBackoff << uint(attempt)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
