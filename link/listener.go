package link

import (
	"fmt"
	"net"
	"sync/atomic"
)

// Listener accepts sessions and hands out unique session handles.
type Listener struct {
	ln     net.Listener
	nextID atomic.Uint64
}

// Listen binds a TCP listener on addr (e.g. ":7711" or "127.0.0.1:0").
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks until a peer connects and returns its session.
// Handles start at 1; 0 is never a valid accepted handle.
func (l *Listener) Accept() (*Conn, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(l.nextID.Add(1), nc), nil
}

// Addr returns the bound address (useful when listening on port 0).
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Close stops accepting. Established sessions are unaffected.
func (l *Listener) Close() error { return l.ln.Close() }
