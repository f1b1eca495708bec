package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"testing"
	"time"
)

func frame(t *testing.T, payload string) []byte {
	t.Helper()
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	return buf
}

func collectMessages(ch Channel) <-chan Message {
	out := make(chan Message, 16)
	ch.OnMessage(func(msg Message) { out <- msg })
	return out
}

func awaitMessage(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestFramedPipe_ExtractsFrameSplitAcrossReads(t *testing.T) {
	pr, pw := io.Pipe()
	pipe := NewFramedPipe(pr, nopWriteCloser{})
	msgs := collectMessages(pipe)
	if err := pipe.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pipe.Disconnect()

	data := frame(t, `{"type":"progress","step":"searching"}`)

	// Feed the frame one byte at a time: header and payload both split.
	go func() {
		for _, b := range data {
			pw.Write([]byte{b})
		}
	}()

	msg := awaitMessage(t, msgs)
	if msg.Type() != "progress" || msg["step"] != "searching" {
		t.Errorf("unexpected message: %v", msg)
	}
}

func TestFramedPipe_MultipleFramesInOneRead(t *testing.T) {
	pr, pw := io.Pipe()
	pipe := NewFramedPipe(pr, nopWriteCloser{})
	msgs := collectMessages(pipe)
	if err := pipe.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pipe.Disconnect()

	var batch []byte
	batch = append(batch, frame(t, `{"type":"a"}`)...)
	batch = append(batch, frame(t, `{"type":"b"}`)...)
	go pw.Write(batch)

	if got := awaitMessage(t, msgs).Type(); got != "a" {
		t.Errorf("first = %q", got)
	}
	if got := awaitMessage(t, msgs).Type(); got != "b" {
		t.Errorf("second = %q", got)
	}
}

func TestFramedPipe_MalformedPayloadDroppedWithoutLosingSync(t *testing.T) {
	pr, pw := io.Pipe()
	pipe := NewFramedPipe(pr, nopWriteCloser{})
	msgs := collectMessages(pipe)
	if err := pipe.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer pipe.Disconnect()

	var batch []byte
	batch = append(batch, frame(t, `{not json at all`)...)
	batch = append(batch, frame(t, `{"type":"ok"}`)...)
	go pw.Write(batch)

	// The well-framed garbage is dropped; the next frame still arrives.
	if got := awaitMessage(t, msgs).Type(); got != "ok" {
		t.Errorf("got %q after malformed frame", got)
	}
}

func TestFramedPipe_SendWritesHeaderAndPayload(t *testing.T) {
	idleR, _ := io.Pipe() // never written; keeps the read loop parked
	pr, pw := io.Pipe()
	pipe := NewFramedPipe(idleR, pw)
	defer pipe.Disconnect()
	if err := pipe.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	go func() {
		if err := pipe.Send(Message{"type": "execute", "task": "book"}); err != nil {
			t.Errorf("send failed: %v", err)
		}
	}()

	var header [4]byte
	if _, err := io.ReadFull(pr, header[:]); err != nil {
		t.Fatal(err)
	}
	length := binary.LittleEndian.Uint32(header[:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(pr, payload); err != nil {
		t.Fatal(err)
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if msg.Type() != "execute" || msg["task"] != "book" {
		t.Errorf("unexpected payload: %v", msg)
	}
}

func TestFramedPipe_SendFailsWhenDisconnected(t *testing.T) {
	idleR, _ := io.Pipe()
	pipe := NewFramedPipe(idleR, nopWriteCloser{})
	if err := pipe.Send(Message{"type": "x"}); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestDispatcher_PanickingHandlerDoesNotBlockOthers(t *testing.T) {
	var d dispatcher
	reached := make(chan struct{}, 1)

	d.OnMessage(func(Message) { panic("handler bug") })
	d.OnMessage(func(Message) { reached <- struct{}{} })

	d.dispatch(Message{"type": "x"})

	select {
	case <-reached:
	default:
		t.Error("second handler not reached after first panicked")
	}
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
