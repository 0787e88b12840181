// Package testutil provides shared test infrastructure: a raw protocol client that
// speaks the wire format directly, for driving the broker and agents from tests.
package testutil

import (
	"testing"
	"time"

	"github.com/emul8/radiomedium/link"
)

// DefaultTimeout bounds every wait in tests.
const DefaultTimeout = 3 * time.Second

// Client is a bare session whose inbound messages are queued for inspection.
type Client struct {
	t     testing.TB
	Conn  *link.Conn
	inbox chan *link.Message
}

// Dial connects a Client to addr and starts its receive loop.
// The session is closed when the test ends.
func Dial(t testing.TB, addr string) *Client {
	t.Helper()
	conn, err := link.Dial(t.Context(), addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	c := &Client{t: t, Conn: conn, inbox: make(chan *link.Message, 256)}
	go func() { _ = conn.Serve(func(m *link.Message) { c.inbox <- m }) }()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

// Send writes m or fails the test.
func (c *Client) Send(m *link.Message) {
	c.t.Helper()
	if err := c.Conn.Send(m); err != nil {
		c.t.Fatalf("send %s: %v", m, err)
	}
}

// Next returns the next inbound message or fails the test after DefaultTimeout.
func (c *Client) Next() *link.Message {
	c.t.Helper()
	select {
	case m := <-c.inbox:
		return m
	case <-time.After(DefaultTimeout):
		c.t.Fatalf("timed out waiting for a message")
		return nil
	}
}

// Call sends m and returns the next inbound message.
func (c *Client) Call(m *link.Message) *link.Message {
	c.t.Helper()
	c.Send(m)
	return c.Next()
}

// ExpectNone fails the test if a message arrives within d.
func (c *Client) ExpectNone(d time.Duration) {
	c.t.Helper()
	select {
	case m := <-c.inbox:
		c.t.Fatalf("unexpected message: %s", m)
	case <-time.After(d):
	}
}
