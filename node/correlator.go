package node

import (
	"errors"
	"sync"

	"github.com/emul8/radiomedium/link"
)

// ErrOutstanding is returned by Issue while an earlier token is still unanswered.
var ErrOutstanding = errors.New("a request is already outstanding")

// Correlator issues strictly increasing correlation tokens and matches replies to the
// single outstanding one. It is shared by the receive loop (Resolve) and the
// synchronization loop (Issue and waiting on the returned channel).
type Correlator struct {
	mu      sync.Mutex
	last    int64
	pending int64 // 0 when nothing is outstanding
	ch      chan *link.Message
}

// NewCorrelator creates a correlator whose first token is 1.
func NewCorrelator() *Correlator {
	return &Correlator{}
}

// Issue allocates the next token. The matching reply is delivered on the returned channel.
func (c *Correlator) Issue() (int64, <-chan *link.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != 0 {
		return 0, nil, ErrOutstanding
	}
	c.last++
	c.pending = c.last
	c.ch = make(chan *link.Message, 1)
	return c.pending, c.ch, nil
}

// Resolve accepts m if its id equals the outstanding token and returns true.
// Replies with stale, unknown or missing ids are rejected without any state change.
func (c *Correlator) Resolve(m *link.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == 0 || !m.HasID() || *m.ID != c.pending {
		return false
	}
	c.ch <- m
	c.pending = 0
	c.ch = nil
	return true
}

// Outstanding returns the unanswered token, if any.
func (c *Correlator) Outstanding() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, c.pending != 0
}

// Last returns the most recently issued token (0 before the first Issue).
func (c *Correlator) Last() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
