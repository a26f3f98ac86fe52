package testutil

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/maychat/relay/internal/protocol"
)

// RelayClient is a framed-protocol test client for integration testing.
type RelayClient struct {
	conn   net.Conn
	reader *bufio.Reader
	t      *testing.T
}

// NewRelayClient dials the given address and returns a test client.
//
// Precondition: addr must be a valid "host:port" string with a listening relay.
// Postcondition: Returns a connected RelayClient or fails the test.
func NewRelayClient(t *testing.T, addr string) *RelayClient {
	t.Helper()
	start := time.Now()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", addr, err, time.Since(start))
	}
	t.Cleanup(func() {
		conn.Close()
	})

	return &RelayClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		t:      t,
	}
}

// Send writes one message built from tag and escaped args.
func (c *RelayClient) Send(kind protocol.Kind, args ...string) {
	c.t.Helper()
	c.SendRaw(protocol.New(kind, args...).Encode())
}

// SendRaw writes text as a single frame.
func (c *RelayClient) SendRaw(text string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := protocol.WriteFrame(c.conn, text); err != nil {
		c.t.Fatalf("sending %q: %v", text, err)
	}
}

// Login sends credentials and waits for the AUTH_OK reply.
//
// Postcondition: Returns the raw AUTH_OK message or fails the test.
func (c *RelayClient) Login(login, password string) string {
	c.t.Helper()
	c.Send(protocol.KindAuth, login, password)
	return c.ReadUntil(string(protocol.KindAuthOK)+protocol.Delimiter, 5*time.Second)
}

// Read returns the next message or fails the test after timeout.
func (c *RelayClient) Read(timeout time.Duration) string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	msg, err := protocol.ReadFrame(c.reader)
	if err != nil {
		c.t.Fatalf("reading message: %v", err)
	}
	return msg
}

// ReadUntil discards messages until one starts with prefix and returns it.
//
// Precondition: prefix must be non-empty.
// Postcondition: Returns the matching message, or fails on timeout.
func (c *RelayClient) ReadUntil(prefix string, timeout time.Duration) string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	var seen []string
	for {
		msg, err := protocol.ReadFrame(c.reader)
		if err != nil {
			c.t.Fatalf("reading until %q: saw %q, error: %v", prefix, seen, err)
		}
		if strings.HasPrefix(msg, prefix) {
			return msg
		}
		seen = append(seen, msg)
	}
}

// ReadUntilExact discards messages until one equals want.
func (c *RelayClient) ReadUntilExact(want string, timeout time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	var seen []string
	for {
		msg, err := protocol.ReadFrame(c.reader)
		if err != nil {
			c.t.Fatalf("reading until %q: saw %q, error: %v", want, seen, err)
		}
		if msg == want {
			return
		}
		seen = append(seen, msg)
	}
}

// ExpectClosed asserts the server closes the connection within timeout.
func (c *RelayClient) ExpectClosed(timeout time.Duration) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, err := protocol.ReadFrame(c.reader)
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.t.Fatalf("connection still open after %s", timeout)
		}
		return
	}
}

// Close closes the underlying connection.
func (c *RelayClient) Close() {
	c.conn.Close()
}
