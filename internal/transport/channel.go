// Package transport carries control messages between the orchestration core
// and the execution surface. Two interchangeable implementations exist: a
// length-prefixed framed pipe over child-process stdio, and a relay-mediated
// websocket channel with reconnection. Neither knows anything about sessions.
package transport

import (
	"context"
	"errors"
	"sync"

	"taskpilot/internal/logging"
)

// Message is one JSON object on the wire. Application payloads always carry
// at least a "type" field.
type Message map[string]interface{}

// Type returns the message's type field, or "".
func (m Message) Type() string {
	t, _ := m["type"].(string)
	return t
}

// Handler consumes one inbound message.
type Handler func(Message)

// Channel is the common transport contract.
type Channel interface {
	// Connect establishes the channel. Idempotent.
	Connect(ctx context.Context) error

	// Send writes one message. Within one channel instance sends are
	// delivered in issue order. Fails with ErrNotConnected while the
	// channel is down; nothing is buffered past the connection's lifetime.
	Send(msg Message) error

	// OnMessage registers a handler. Multiple handlers are supported; a
	// panic in one handler does not block dispatch to the others.
	OnMessage(h Handler)

	// IsConnected reports the current link state.
	IsConnected() bool

	// Disconnect tears the channel down.
	Disconnect() error
}

// ErrNotConnected is returned by Send while the channel is down.
var ErrNotConnected = errors.New("transport disconnected")

// dispatcher fans one message out to all registered handlers.
type dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
}

func (d *dispatcher) OnMessage(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

func (d *dispatcher) dispatch(msg Message) {
	d.mu.RLock()
	handlers := make([]Handler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Get(logging.CategoryTransport).Error("message handler panic: %v", r)
				}
			}()
			h(msg)
		}()
	}
}
