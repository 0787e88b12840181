package medium

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/emul8/radiomedium/link"
)

// FanoutMode selects how accepted time advances reach follower sessions.
type FanoutMode string

const (
	// FanoutLockstep pushes the advance and withholds the controller's OK until every
	// follower acknowledged it or disconnected.
	FanoutLockstep FanoutMode = "lockstep"
	// FanoutNotify pushes the advance and replies to the controller immediately.
	FanoutNotify FanoutMode = "notify"
	// FanoutOff never pushes advances to followers.
	FanoutOff FanoutMode = "off"
)

// ValidFanoutModes is the set of recognized fan-out mode names.
var ValidFanoutModes = map[string]bool{"": true, string(FanoutLockstep): true, string(FanoutNotify): true, string(FanoutOff): true}

// IsValidFanoutMode returns true if name is a recognized fan-out mode.
func IsValidFanoutMode(name string) bool {
	return ValidFanoutModes[name]
}

// Barrier completes once every follower it was armed for has acknowledged or gone away.
type Barrier struct {
	remaining atomic.Int64
	done      chan struct{}
}

func newBarrier(n int) *Barrier {
	b := &Barrier{done: make(chan struct{})}
	b.remaining.Store(int64(n))
	if n == 0 {
		close(b.done)
	}
	return b
}

func (b *Barrier) release() {
	if b.remaining.Add(-1) == 0 {
		close(b.done)
	}
}

// Done is closed when the barrier completes.
func (b *Barrier) Done() <-chan struct{} { return b.done }

// Wait blocks until the barrier completes, ctx is cancelled, or abort is closed.
func (b *Barrier) Wait(ctx context.Context, abort <-chan struct{}) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-abort:
		return fmt.Errorf("barrier aborted with %d acknowledgements outstanding", b.remaining.Load())
	}
}

type pendingAck struct {
	token   int64
	time    int64
	barrier *Barrier
}

// Fanout pushes accepted advances to followers and correlates their acknowledgements.
// Each follower has at most one outstanding push; a newer push supersedes an older one.
type Fanout struct {
	mode      FanoutMode
	nextToken atomic.Int64

	mu      sync.Mutex
	pending map[uint64]*pendingAck // session → outstanding push
}

// NewFanout creates a Fanout in the given mode ("" means lockstep). Panics on unknown modes.
func NewFanout(mode string) *Fanout {
	if !IsValidFanoutMode(mode) {
		panic(fmt.Sprintf("unknown fanout mode %q", mode))
	}
	if mode == "" {
		mode = string(FanoutLockstep)
	}
	return &Fanout{mode: FanoutMode(mode), pending: make(map[uint64]*pendingAck)}
}

// Mode returns the active mode.
func (f *Fanout) Mode() FanoutMode { return f.mode }

// Push sends time-set{time=t} to every follower. The returned barrier tracks their
// acknowledgements; in notify and off modes it is already complete.
func (f *Fanout) Push(t int64, followers []PeerInfo) *Barrier {
	if f.mode == FanoutOff {
		return newBarrier(0)
	}
	tracked := 0
	if f.mode == FanoutLockstep {
		tracked = len(followers)
	}
	barrier := newBarrier(tracked)
	for _, p := range followers {
		token := f.nextToken.Add(1)
		ack := &pendingAck{token: token, time: t}
		if f.mode == FanoutLockstep {
			ack.barrier = barrier
		}
		f.arm(p.Session, ack)

		msg := link.NewRequest(link.CmdTimeSet, link.Int64(token), &link.Params{Time: link.Int64(t)})
		if err := p.Conn.Send(msg); err != nil {
			logrus.WithFields(logrus.Fields{"session": p.Session, "node": p.NodeID}).
				Warnf("time-set push failed: %v", err)
			f.Drop(p.Session)
		}
	}
	return barrier
}

func (f *Fanout) arm(session uint64, ack *pendingAck) {
	f.mu.Lock()
	prev := f.pending[session]
	f.pending[session] = ack
	f.mu.Unlock()
	if prev != nil && prev.barrier != nil {
		prev.barrier.release()
	}
}

// Ack consumes a follower reply. It returns false for replies that do not match the
// follower's outstanding token.
func (f *Fanout) Ack(session uint64, reply *link.Message) bool {
	f.mu.Lock()
	ack, ok := f.pending[session]
	if !ok || !reply.HasID() || *reply.ID != ack.token {
		f.mu.Unlock()
		return false
	}
	delete(f.pending, session)
	f.mu.Unlock()

	if !reply.IsOK() {
		desc := "no status"
		if reply.Error != nil {
			desc = reply.Error.Desc
		}
		logrus.WithField("session", session).Warnf("follower rejected time-set %d: %s", ack.time, desc)
	}
	if ack.barrier != nil {
		ack.barrier.release()
	}
	return true
}

// Drop releases any outstanding push for session, e.g. on disconnect.
func (f *Fanout) Drop(session uint64) {
	f.mu.Lock()
	ack, ok := f.pending[session]
	delete(f.pending, session)
	f.mu.Unlock()
	if ok && ack.barrier != nil {
		ack.barrier.release()
	}
}

// Outstanding returns the number of followers with an unacknowledged push.
func (f *Fanout) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
