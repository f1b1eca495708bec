package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestBackoffDelaySchedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // 32s capped
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func startRelay(t *testing.T) (*Relay, string) {
	t.Helper()
	relay := NewRelay()
	srv := httptest.NewServer(relay)
	t.Cleanup(srv.Close)
	return relay, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connectClient(t *testing.T, url, role, peer string) *RelayClient {
	t.Helper()
	c := NewRelayClient(url, role, peer)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect %s: %v", role, err)
	}
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestRelay_RoutesBetweenRegisteredRoles(t *testing.T) {
	_, url := startRelay(t)

	engine := connectClient(t, url, "engine", "executor")
	executor := connectClient(t, url, "executor", "engine")
	inbox := collectMessages(executor)

	if err := engine.Send(Message{"type": "execute", "task": "book a table"}); err != nil {
		t.Fatal(err)
	}

	msg := awaitMessage(t, inbox)
	if msg.Type() != "execute" || msg["task"] != "book a table" {
		t.Errorf("unexpected delivery: %v", msg)
	}
}

func TestRelay_QueuesForAbsentPeerAndFlushesOnRegister(t *testing.T) {
	relay, url := startRelay(t)

	engine := connectClient(t, url, "engine", "executor")
	if err := engine.Send(Message{"type": "execute", "seq": "1"}); err != nil {
		t.Fatal(err)
	}
	if err := engine.Send(Message{"type": "execute", "seq": "2"}); err != nil {
		t.Fatal(err)
	}

	// Routing happens on the relay's read loop; wait for both to land.
	deadline := time.Now().Add(2 * time.Second)
	for relay.QueuedFor("executor") < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("queued = %d, want 2", relay.QueuedFor("executor"))
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Handler goes on before connect so the flush cannot outrun it.
	executor := NewRelayClient(url, "executor", "engine")
	inbox := collectMessages(executor)
	if err := executor.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer executor.Disconnect()

	if first := awaitMessage(t, inbox); first["seq"] != "1" {
		t.Errorf("first flushed = %v", first)
	}
	if second := awaitMessage(t, inbox); second["seq"] != "2" {
		t.Errorf("second flushed = %v", second)
	}
}

func TestRelay_ReplacesConnectionOnReRegister(t *testing.T) {
	_, url := startRelay(t)

	first := connectClient(t, url, "executor", "engine")
	// Keep the stale connection from reconnecting and stealing the role back.
	first.mu.Lock()
	first.closed = true
	first.mu.Unlock()

	second := connectClient(t, url, "executor", "engine")
	inbox := collectMessages(second)

	engine := connectClient(t, url, "engine", "executor")
	if err := engine.Send(Message{"type": "ping"}); err != nil {
		t.Fatal(err)
	}

	if got := awaitMessage(t, inbox).Type(); got != "ping" {
		t.Errorf("got %q on replacement connection", got)
	}
	_ = first
}

func TestRelayClient_SendFailsWhenDisconnected(t *testing.T) {
	c := NewRelayClient("ws://127.0.0.1:0/ws", "engine", "executor")
	if err := c.Send(Message{"type": "x"}); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestRelayClient_AtMostOnePendingReconnectTimer(t *testing.T) {
	c := NewRelayClient("ws://127.0.0.1:0/ws", "engine", "executor")
	c.attempts = 20 // park the timer far in the future

	c.scheduleReconnect()
	c.mu.Lock()
	first := c.reconnectTimer
	c.mu.Unlock()
	if first == nil {
		t.Fatal("no timer armed")
	}

	c.scheduleReconnect()
	c.mu.Lock()
	second := c.reconnectTimer
	c.mu.Unlock()
	if second != first {
		t.Error("second schedule replaced the pending timer")
	}

	c.Disconnect()
	c.mu.Lock()
	if c.reconnectTimer != nil {
		t.Error("disconnect left a timer pending")
	}
	c.mu.Unlock()
}

func TestRelayClient_NoReconnectAfterClose(t *testing.T) {
	c := NewRelayClient("ws://127.0.0.1:0/ws", "engine", "executor")
	c.Disconnect()
	c.scheduleReconnect()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnectTimer != nil {
		t.Error("timer armed on a closed client")
	}
}
