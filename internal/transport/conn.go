// Package transport carries relay protocol messages over TCP and WebSocket
// connections and dispatches each connection to a SessionHandler.
package transport

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/maychat/relay/internal/protocol"
)

// Transport is one client connection carrying whole protocol messages.
// WriteMessage and Close are safe for concurrent use; ReadMessage must only
// be called from the session's serving goroutine.
type Transport interface {
	// ReadMessage blocks until a message arrives or the transport fails or closes.
	ReadMessage() (string, error)
	// WriteMessage sends one message.
	WriteMessage(text string) error
	// Close shuts the transport down, unblocking a pending ReadMessage. It is idempotent.
	Close() error
	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}

// Conn wraps a TCP connection with length-prefixed message framing.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader

	// mu serialises writers so frames from concurrent broadcasts never interleave.
	mu sync.Mutex

	closeOnce sync.Once
	closeErr  error

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConn wraps a raw TCP connection with message framing.
//
// Precondition: raw must be a valid, open network connection.
// Postcondition: Returns a Conn ready for reading and writing.
func NewConn(raw net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		raw:          raw,
		reader:       bufio.NewReaderSize(raw, 4096),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// ReadMessage reads the next framed message.
//
// Postcondition: Returns the message text, or an error (including io.EOF).
func (c *Conn) ReadMessage() (string, error) {
	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return protocol.ReadFrame(c.reader)
}

// WriteMessage sends text as one frame.
//
// Postcondition: The frame is written to the connection, or an error is returned.
func (c *Conn) WriteMessage(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return protocol.WriteFrame(c.raw, text)
}

// Close closes the underlying TCP connection. Later calls return the first result.
//
// Postcondition: The connection is closed and no longer usable.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the remote network address of the client.
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}
