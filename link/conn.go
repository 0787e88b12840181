package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// writeTimeout bounds every frame write so a peer that stops reading cannot
// block the sender forever.
const writeTimeout = 5 * time.Second

// ErrClosed is returned by Send after the session has been closed.
var ErrClosed = errors.New("link: session closed")

// Conn is one session: a framed, bidirectional message channel over a stream connection.
// Send is safe for concurrent use. Receive and Serve must be driven by a single goroutine.
type Conn struct {
	id   uint64
	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex // serializes frame writes

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps an established connection as a session with handle id.
func NewConn(id uint64, nc net.Conn) *Conn {
	return &Conn{
		id:   id,
		conn: nc,
		r:    bufio.NewReaderSize(nc, 64*1024),
		done: make(chan struct{}),
	}
}

// Dial connects to a broker at addr.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return NewConn(0, nc), nil
}

// ID returns the session handle. Handles are unique per Listener; dialed sessions use 0.
func (c *Conn) ID() uint64 { return c.id }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// Done is closed once the session has closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Closed reports whether the session has closed.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Send writes m as one frame.
func (c *Conn) Send(m *Message) error {
	if c.Closed() {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("session %d: %w", c.id, err)
	}
	if err := WriteFrame(c.conn, m); err != nil {
		_ = c.Close()
		return fmt.Errorf("session %d: %w", c.id, err)
	}
	return nil
}

// Receive reads the next message.
func (c *Conn) Receive() (*Message, error) {
	return ReadFrame(c.r)
}

// Serve runs the receive loop, handing every message to handler in arrival order.
// It returns when the stream ends, fails, or carries a malformed frame; the session is
// closed before Serve returns. A clean end of stream returns nil.
func (c *Conn) Serve(handler func(*Message)) error {
	defer func() { _ = c.Close() }()
	for {
		m, err := c.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || c.Closed() {
				return nil
			}
			return err
		}
		handler(m)
	}
}

// Close closes the session. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
