package transport

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"taskpilot/internal/logging"
)

// maxFrameSize rejects absurd length prefixes from a corrupted stream.
const maxFrameSize = 16 << 20

// FramedPipe frames JSON messages as [4-byte little-endian length][UTF-8
// JSON bytes] over a reader/writer pair, typically a child process's stdio.
type FramedPipe struct {
	dispatcher

	// start yields the pipe endpoints on connect.
	start func(ctx context.Context) (io.ReadCloser, io.WriteCloser, error)

	mu        sync.Mutex
	writeMu   sync.Mutex
	reader    io.ReadCloser
	writer    io.WriteCloser
	cmd       *exec.Cmd
	connected bool
}

// NewFramedProcess creates a pipe that spawns the given command on connect
// and frames messages over its stdin/stdout.
func NewFramedProcess(path string, args ...string) *FramedPipe {
	p := &FramedPipe{}
	p.start = func(ctx context.Context) (io.ReadCloser, io.WriteCloser, error) {
		cmd := exec.CommandContext(ctx, path, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, nil, fmt.Errorf("start %s: %w", path, err)
		}
		p.cmd = cmd
		return stdout, stdin, nil
	}
	return p
}

// NewFramedPipe creates a pipe over existing endpoints. Used when the
// process on the other side already owns the stdio, and in tests.
func NewFramedPipe(r io.ReadCloser, w io.WriteCloser) *FramedPipe {
	return &FramedPipe{
		start: func(ctx context.Context) (io.ReadCloser, io.WriteCloser, error) {
			return r, w, nil
		},
	}
}

// Connect starts the child process (if any) and the frame reader. Idempotent.
func (p *FramedPipe) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		return nil
	}

	r, w, err := p.start(ctx)
	if err != nil {
		return err
	}
	p.reader = r
	p.writer = w
	p.connected = true

	go p.readLoop(r)
	logging.Transport("framed pipe connected")
	return nil
}

// Send writes one framed message. Fails when disconnected.
func (p *FramedPipe) Send(msg Message) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return ErrNotConnected
	}
	w := p.writer
	p.mu.Unlock()

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	// One writer at a time keeps frames whole and in issue order.
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// IsConnected reports the link state.
func (p *FramedPipe) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Disconnect closes the endpoints and, if spawned, waits for the child.
func (p *FramedPipe) Disconnect() error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil
	}
	p.connected = false
	r, w, cmd := p.reader, p.writer, p.cmd
	p.mu.Unlock()

	if w != nil {
		_ = w.Close()
	}
	if r != nil {
		_ = r.Close()
	}
	if cmd != nil {
		_ = cmd.Wait()
	}
	logging.Transport("framed pipe disconnected")
	return nil
}

// readLoop accumulates raw bytes and extracts complete frames as they become
// available; a frame may arrive split across multiple reads. A malformed
// payload inside a well-framed message is logged and dropped without
// corrupting the buffer position.
func (p *FramedPipe) readLoop(r io.Reader) {
	var buffer []byte
	chunk := make([]byte, 32*1024)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buffer = append(buffer, chunk[:n]...)
			buffer = p.drainFrames(buffer)
		}
		if err != nil {
			p.mu.Lock()
			p.connected = false
			p.mu.Unlock()
			if err != io.EOF {
				logging.Get(logging.CategoryTransport).Warn("framed pipe read error: %v", err)
			}
			return
		}
	}
}

// drainFrames extracts every complete frame from the buffer and returns the
// remainder.
func (p *FramedPipe) drainFrames(buffer []byte) []byte {
	for len(buffer) >= 4 {
		length := binary.LittleEndian.Uint32(buffer[:4])
		if length > maxFrameSize {
			logging.Get(logging.CategoryTransport).Error("frame length %d exceeds limit; dropping stream", length)
			return buffer[:0]
		}
		if uint32(len(buffer)-4) < length {
			break
		}

		payload := buffer[4 : 4+length]
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			logging.Get(logging.CategoryTransport).Warn("dropping malformed frame payload: %v", err)
		} else {
			p.dispatch(msg)
		}
		buffer = buffer[4+length:]
	}
	return buffer
}
