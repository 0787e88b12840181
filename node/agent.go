package node

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emul8/radiomedium/link"
)

// inboundBuffer bounds requests and notifications queued between the two loops.
const inboundBuffer = 64

// Agent connects one simulated node to the broker.
type Agent struct {
	cfg     Config
	hw      Hardware
	corr    *Correlator
	metrics *Metrics

	conn     *link.Conn
	inbound  chan *link.Message
	stopped  chan struct{}
	serveErr atomic.Value // error from the receive loop, if any

	nodeID atomic.Int64
	local  atomic.Int64 // written only by the synchronization loop
}

// New creates an agent. cfg must be valid.
func New(cfg Config, hw Hardware) *Agent {
	a := &Agent{
		cfg:     cfg,
		hw:      hw,
		corr:    NewCorrelator(),
		metrics: NewMetrics(),
		inbound: make(chan *link.Message, inboundBuffer),
		stopped: make(chan struct{}),
	}
	a.nodeID.Store(int64(cfg.NodeID))
	return a
}

// NodeID returns the node identity (broker-assigned after registration if none was configured).
func (a *Agent) NodeID() int { return int(a.nodeID.Load()) }

// LocalTime returns the node's local virtual time.
func (a *Agent) LocalTime() int64 { return a.local.Load() }

// Metrics returns the agent metrics.
func (a *Agent) Metrics() *Metrics { return a.metrics }

// Correlator returns the agent's correlation state.
func (a *Agent) Correlator() *Correlator { return a.corr }

func (a *Agent) log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"node": a.NodeID(), "role": a.cfg.Role})
}

// Run connects, registers, catches up with the broker clock and drives the
// synchronization loop until ctx is cancelled (returns nil), a controller reaches
// MaxTime (returns nil), or the session closes (returns a *FatalError). Run may be
// called once.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.stopped)

	conn, err := link.Dial(ctx, a.cfg.Addr)
	if err != nil {
		return &FatalError{Err: err}
	}
	a.conn = conn
	defer func() { _ = conn.Close() }()

	go func() {
		if err := conn.Serve(a.receive); err != nil {
			a.serveErr.Store(err)
		}
	}()

	if err := a.register(ctx); err != nil {
		return a.filter(ctx, err)
	}
	a.log().Infof("registered with broker at %s", a.cfg.Addr)
	if err := a.syncClock(ctx); err != nil {
		return a.filter(ctx, err)
	}

	switch a.cfg.Role {
	case RoleController:
		err = a.runController(ctx)
	default:
		err = a.runFollower(ctx)
	}
	return a.filter(ctx, err)
}

// filter maps a loop exit to Run's result: cancellation is a clean stop.
func (a *Agent) filter(ctx context.Context, err error) error {
	if err == nil || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		return nil
	}
	return err
}

// sessionLost builds the fatal error for a closed session.
func (a *Agent) sessionLost() error {
	if cause, ok := a.serveErr.Load().(error); ok {
		return &FatalError{Err: fmt.Errorf("%w: %v", ErrSessionClosed, cause)}
	}
	return &FatalError{Err: ErrSessionClosed}
}

// receive runs on the receive loop: replies are resolved against the correlator,
// requests and notifications are queued for the synchronization loop.
func (a *Agent) receive(m *link.Message) {
	if m.IsReply() {
		if !a.corr.Resolve(m) {
			a.metrics.update(func(m *Metrics) { m.mismatched++ })
			a.log().Errorf("Unexpected reply: %s", m)
		}
		return
	}
	switch m.Command {
	case link.CmdTimeSet, link.CmdTransmit:
		select {
		case a.inbound <- m:
		case <-a.stopped:
		}
	default:
		a.log().Debugf("ignoring %s", m)
	}
}

// await blocks until the reply on ch arrives, servicing inbound traffic meanwhile.
func (a *Agent) await(ctx context.Context, ch <-chan *link.Message) (*link.Message, error) {
	for {
		select {
		case reply := <-ch:
			return reply, nil
		case m := <-a.inbound:
			a.handleInbound(m)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.conn.Done():
			return nil, a.sessionLost()
		}
	}
}

// pause waits d while servicing inbound traffic.
func (a *Agent) pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return nil
		case m := <-a.inbound:
			a.handleInbound(m)
		case <-ctx.Done():
			return ctx.Err()
		case <-a.conn.Done():
			return a.sessionLost()
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	token, ch, err := a.corr.Issue()
	if err != nil {
		return err
	}
	var params *link.Params
	if id := a.NodeID(); id >= 0 {
		params = &link.Params{NodeID: link.Int(id)}
	}
	if err := a.conn.Send(link.NewRequest(link.CmdNodeConfigSet, link.Int64(token), params)); err != nil {
		return a.sessionLost()
	}
	reply, err := a.await(ctx, ch)
	if err != nil {
		return err
	}
	if reply.Error != nil {
		return fatal("registration rejected: %s", reply.Error.Desc)
	}
	if reply.Reply != nil && reply.Reply.NodeID != nil {
		a.nodeID.Store(int64(*reply.Reply.NodeID))
	}
	return nil
}

// syncClock asks the broker for the current virtual time and catches local time up to
// it in one advance. A node joining a running simulation starts from the broker's clock.
func (a *Agent) syncClock(ctx context.Context) error {
	token, ch, err := a.corr.Issue()
	if err != nil {
		return err
	}
	if err := a.conn.Send(link.NewRequest(link.CmdTimeGet, link.Int64(token), nil)); err != nil {
		return a.sessionLost()
	}
	reply, err := a.await(ctx, ch)
	if err != nil {
		return err
	}
	if reply.Reply == nil || reply.Reply.Time == nil {
		a.log().Warnf("time-get answered without a time: %s", reply)
		return nil
	}
	if now := *reply.Reply.Time; now > a.LocalTime() {
		a.log().Infof("catching up local time %d to broker time %d", a.LocalTime(), now)
		a.advanceTo(now)
	}
	return nil
}

// runController is the IDLE → AWAITING_REPLY → IDLE cycle.
func (a *Agent) runController(ctx context.Context) error {
	for {
		local := a.LocalTime()
		if a.cfg.MaxTime > 0 && local >= a.cfg.MaxTime {
			a.log().Infof("reached max time %d", a.cfg.MaxTime)
			return nil
		}

		// IDLE: one token, one request
		token, ch, err := a.corr.Issue()
		if err != nil {
			return err
		}
		next := local + a.cfg.Step
		req := link.NewRequest(link.CmdTimeSet, link.Int64(token), &link.Params{Time: link.Int64(next)})
		sent := time.Now()
		if err := a.conn.Send(req); err != nil {
			return a.sessionLost()
		}

		// AWAITING_REPLY
		reply, err := a.await(ctx, ch)
		if err != nil {
			return err
		}
		a.metrics.roundTrip(time.Since(sent))
		if reply.IsOK() {
			a.advanceTo(next)
			continue
		}

		a.metrics.update(func(m *Metrics) { m.rejected++ })
		a.log().Errorf("time-set %d rejected: %s", next, reply)
		if err := a.pause(ctx, a.cfg.RetryInterval); err != nil {
			return err
		}
		// the clock may have moved on without us, e.g. under a previous controller
		if err := a.syncClock(ctx); err != nil {
			return err
		}
	}
}

// runFollower waits for pushed advances and notifications until the session ends.
func (a *Agent) runFollower(ctx context.Context) error {
	for {
		select {
		case m := <-a.inbound:
			a.handleInbound(m)
		case <-ctx.Done():
			return ctx.Err()
		case <-a.conn.Done():
			return a.sessionLost()
		}
	}
}

// handleInbound applies a pushed time-set or delivers a transmit notification.
func (a *Agent) handleInbound(m *link.Message) {
	switch m.Command {
	case link.CmdTimeSet:
		if m.Invalid != nil {
			a.reply(link.Errorf(m, "failed to set time: %v", m.Invalid))
			return
		}
		t, ok := m.ParamTime()
		if !ok {
			a.reply(link.Errorf(m, "failed to set time: missing params.time"))
			return
		}
		a.log().Debugf("accepting time elapsed to %d", t)
		a.advanceTo(t)
		a.reply(link.OK(m))
	case link.CmdTransmit:
		packet, err := hex.DecodeString(m.PacketData)
		if err != nil {
			a.log().Warnf("dropping transmit with bad packet-data: %v", err)
			return
		}
		a.hw.Deliver(packet)
		a.metrics.update(func(m *Metrics) { m.delivered++ })
	}
}

func (a *Agent) reply(m *link.Message) {
	if err := a.conn.Send(m); err != nil {
		a.log().Errorf("failed to reply to broker: %v", err)
	}
}

// advanceTo moves local time to t, applying the delta to the hardware model and
// relaying whatever it transmitted. Times behind the local clock are ignored.
func (a *Agent) advanceTo(t int64) {
	elapsed := t - a.LocalTime()
	if elapsed < 0 {
		a.log().Warnf("ignoring advance to %d behind local time %d", t, a.LocalTime())
		return
	}
	a.hw.Advance(elapsed)
	a.local.Store(t)
	a.metrics.advanced(elapsed)
	a.transmitOutbox()
}

func (a *Agent) transmitOutbox() {
	tx, ok := a.hw.(Transmitter)
	if !ok {
		return
	}
	for _, packet := range tx.Outbox() {
		m := &link.Message{
			Command:      link.CmdTransmit,
			SourceNodeID: link.Int(a.NodeID()),
			PacketData:   hex.EncodeToString(packet),
			Time:         link.Int64(a.LocalTime()),
		}
		if err := a.conn.Send(m); err != nil {
			a.log().Errorf("transmit failed: %v", err)
			return
		}
		a.metrics.update(func(m *Metrics) { m.transmitted++ })
	}
}
