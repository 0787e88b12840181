package medium

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotController is returned when a session other than the controller tries to set the time.
	ErrNotController = errors.New("only one time controller allowed")
	// ErrTimeRegression is returned when the controller submits a time lower than the current one.
	ErrTimeRegression = errors.New("time must not decrease")
)

// Clock is the single owner of the virtual clock and the controller assignment.
// Both live under one mutex so that check-controller-then-mutate is atomic: of two
// simultaneous first time-sets from different sessions, exactly one is elected.
//
// Session handle 0 means "no controller"; listener handles start at 1.
type Clock struct {
	mu         sync.Mutex
	now        int64
	controller uint64
}

// NewClock returns a clock at virtual time 0 with no controller.
func NewClock() *Clock {
	return &Clock{}
}

// Now returns the current virtual time.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Controller returns the controlling session, if any.
func (c *Clock) Controller() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller, c.controller != 0
}

// TryAssignController makes session the controller if none is assigned.
// It returns true if session holds the role afterwards.
func (c *Clock) TryAssignController(session uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.controller == 0 {
		c.controller = session
	}
	return c.controller == session
}

// Advance sets the clock to t on behalf of session. A valid request from a session
// when no controller is assigned elects it first; elected reports that. A different
// controller yields ErrNotController, a lower time ErrTimeRegression; neither mutates state.
func (c *Clock) Advance(session uint64, t int64) (elected bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.controller != 0 && c.controller != session {
		return false, ErrNotController
	}
	if t < c.now {
		return false, fmt.Errorf("%w: requested %d, current %d", ErrTimeRegression, t, c.now)
	}
	if c.controller == 0 {
		c.controller = session
		elected = true
	}
	c.now = t
	return elected, nil
}

// Release clears the controller assignment if session holds it. The clock value is kept.
func (c *Clock) Release(session uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.controller == 0 || c.controller != session {
		return false
	}
	c.controller = 0
	return true
}
