package server

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// frameTransport carries newline-free UTF-8 text frames over some underlying
// connection. Stream transports (TCP, SSH channels) delimit frames with a
// trailing newline; WebSocket carries one frame per text message.
type frameTransport interface {
	ReadFrame() (string, error)
	WriteFrame(frame string) error
	Close() error
}

// SafeConn wraps a frame transport with write synchronization so that
// request handlers and broadcast senders can write to the same connection
// without interleaving frames on the wire.
type SafeConn struct {
	transport frameTransport
	mu        sync.Mutex // protects writes
}

// NewSafeConn wraps a frame transport with write synchronization.
func NewSafeConn(t frameTransport) *SafeConn {
	return &SafeConn{transport: t}
}

// WriteFrame sends one text frame. This is the only way to write to the
// connection; the raw transport is private.
func (sc *SafeConn) WriteFrame(frame string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.transport.WriteFrame(frame)
}

// ReadFrame reads the next text frame. Reads don't need write
// synchronization; only the connection's message loop reads.
func (sc *SafeConn) ReadFrame() (string, error) {
	return sc.transport.ReadFrame()
}

// Close closes the underlying connection.
func (sc *SafeConn) Close() error {
	return sc.transport.Close()
}

// streamTransport frames text over a byte stream (TCP or an SSH channel
// wrapped as net.Conn) with newline delimiters. Frames are newline-free by
// protocol, so the delimiter is unambiguous.
type streamTransport struct {
	conn        net.Conn
	scanner     *bufio.Scanner
	maxFrame    int
	sendTimeout time.Duration
}

func newStreamTransport(conn net.Conn, maxFrame int, sendTimeout time.Duration) *streamTransport {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxFrame)
	return &streamTransport{
		conn:        conn,
		scanner:     scanner,
		maxFrame:    maxFrame,
		sendTimeout: sendTimeout,
	}
}

func (t *streamTransport) ReadFrame() (string, error) {
	if !t.scanner.Scan() {
		if err := t.scanner.Err(); err != nil {
			return "", err
		}
		return "", net.ErrClosed
	}
	return t.scanner.Text(), nil
}

// WriteFrame bounds each send with a deadline so one slow recipient cannot
// stall a broadcast loop behind its write mutex.
func (t *streamTransport) WriteFrame(frame string) error {
	if t.sendTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.sendTimeout))
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := t.conn.Write(append([]byte(frame), '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (t *streamTransport) Close() error {
	return t.conn.Close()
}

// wsTransport carries one text frame per WebSocket text message.
type wsTransport struct {
	conn        *websocket.Conn
	sendTimeout time.Duration
}

func newWSTransport(conn *websocket.Conn, maxFrame int, sendTimeout time.Duration) *wsTransport {
	conn.SetReadLimit(int64(maxFrame))
	return &wsTransport{conn: conn, sendTimeout: sendTimeout}
}

func (t *wsTransport) ReadFrame() (string, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		// Binary messages are not part of the protocol; skip them
		if msgType != websocket.TextMessage {
			continue
		}
		return string(data), nil
	}
}

func (t *wsTransport) WriteFrame(frame string) error {
	if t.sendTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.sendTimeout))
	}
	return t.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
