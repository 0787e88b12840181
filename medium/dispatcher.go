package medium

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/emul8/radiomedium/link"
	"github.com/emul8/radiomedium/medium/trace"
)

// Dispatcher interprets inbound messages, applies the clock authority rules and builds
// correlated replies. Handle is called from each session's receive loop; all shared
// state goes through Clock, Registry and Fanout.
type Dispatcher struct {
	clock    *Clock
	registry *Registry
	relay    RelayPolicy
	fanout   *Fanout
	metrics  *Metrics
	trace    *trace.BrokerTrace
}

// NewDispatcher wires a dispatcher. metrics and bt may be nil.
func NewDispatcher(clock *Clock, registry *Registry, relay RelayPolicy, fanout *Fanout,
	metrics *Metrics, bt *trace.BrokerTrace) *Dispatcher {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Dispatcher{clock: clock, registry: registry, relay: relay, fanout: fanout, metrics: metrics, trace: bt}
}

// Handle processes one message from session conn and returns the reply to send back on
// that session, or nil when no reply is due yet. A lockstep time-set whose followers
// have not acknowledged is answered later from its own goroutine.
func (d *Dispatcher) Handle(ctx context.Context, conn *link.Conn, m *link.Message) *link.Message {
	log := logrus.WithField("session", conn.ID())
	if m.Invalid != nil {
		return d.invalid(conn, m)
	}
	if m.IsReply() {
		matched := d.fanout.Ack(conn.ID(), m)
		d.metrics.FollowerAck(matched)
		if !matched {
			log.Warnf("unexpected reply: %s", m)
		}
		return nil
	}

	switch m.Command {
	case link.CmdTimeGet:
		d.metrics.TimeGet()
		reply := link.NewReply(m)
		reply.Reply = &link.Reply{Time: link.Int64(d.clock.Now())}
		return reply
	case link.CmdTimeSet:
		return d.timeSet(ctx, conn, m)
	case link.CmdNodeConfigSet:
		return d.nodeConfigSet(conn, m)
	case link.CmdTransmit:
		d.transmit(conn, m)
		if m.HasID() {
			return link.OK(m)
		}
		return nil
	default:
		d.metrics.Ignored()
		log.Debugf("ignoring message without known command: %s", m)
		return nil
	}
}

// invalid answers a request that had a field of the wrong type. The session goes on.
func (d *Dispatcher) invalid(conn *link.Conn, m *link.Message) *link.Message {
	session := conn.ID()
	log := logrus.WithField("session", session)
	if !m.IsRequest() {
		d.metrics.Ignored()
		log.Warnf("dropping undecodable message: %v", m.Invalid)
		return nil
	}
	log.Warnf("invalid %s: %v", m.Command, m.Invalid)
	if m.Command == link.CmdTimeSet {
		d.metrics.TimeSetRejected()
		d.trace.RecordTimeSet(trace.TimeSetRecord{Session: session, NodeID: d.nodeID(session),
			Clock: d.clock.Now(), Reason: m.Invalid.Error()})
		return link.Errorf(m, "failed to set time: %v", m.Invalid)
	}
	return link.Errorf(m, "invalid %s: %v", m.Command, m.Invalid)
}

func (d *Dispatcher) nodeID(session uint64) int {
	if p, ok := d.registry.Get(session); ok {
		return p.NodeID
	}
	return -1
}

func (d *Dispatcher) timeSet(ctx context.Context, conn *link.Conn, m *link.Message) *link.Message {
	session := conn.ID()
	requested, ok := m.ParamTime()
	if !ok {
		d.metrics.TimeSetRejected()
		d.trace.RecordTimeSet(trace.TimeSetRecord{Session: session, NodeID: d.nodeID(session),
			Clock: d.clock.Now(), Reason: "missing params.time"})
		return link.Errorf(m, "failed to set time: missing params.time")
	}

	before := d.clock.Now()
	elected, err := d.clock.Advance(session, requested)
	record := trace.TimeSetRecord{Session: session, NodeID: d.nodeID(session), Requested: requested,
		Clock: d.clock.Now(), Accepted: err == nil, Elected: elected}
	if err != nil {
		record.Reason = err.Error()
		d.trace.RecordTimeSet(record)
		d.metrics.TimeSetRejected()
		if errors.Is(err, ErrNotController) {
			return link.Errorf(m, "%s", ErrNotController.Error())
		}
		return link.Errorf(m, "failed to set time: %v", err)
	}
	d.trace.RecordTimeSet(record)
	d.metrics.TimeSetAccepted(requested-before, elected)
	if elected {
		logrus.WithFields(logrus.Fields{"session": session, "node": record.NodeID}).Info("time controller elected")
	}

	barrier := d.fanout.Push(requested, d.registry.Registered(session))
	if d.fanout.Mode() != FanoutLockstep {
		return link.OK(m)
	}
	select {
	case <-barrier.Done():
		d.metrics.BarrierWait(0)
		return link.OK(m)
	default:
	}
	// the session keeps reading while the OK is pending
	go d.awaitBarrier(ctx, conn, m, requested, barrier)
	return nil
}

func (d *Dispatcher) awaitBarrier(ctx context.Context, conn *link.Conn, m *link.Message, requested int64, barrier *Barrier) {
	log := logrus.WithField("session", conn.ID())
	start := time.Now()
	if err := barrier.Wait(ctx, conn.Done()); err != nil {
		log.Debugf("time-set %d not acknowledged: %v", requested, err)
		return
	}
	d.metrics.BarrierWait(time.Since(start))
	if err := conn.Send(link.OK(m)); err != nil {
		log.Errorf("failed to reply to client: %v", err)
	}
}

func (d *Dispatcher) nodeConfigSet(conn *link.Conn, m *link.Message) *link.Message {
	session := conn.ID()
	log := logrus.WithField("session", session)
	nodeID, declared := m.ParamNodeID()
	if !declared {
		assigned, err := d.registry.Assign(session)
		if err != nil {
			return link.Errorf(m, "failed to assign node-id: %v", err)
		}
		d.metrics.Registered()
		log.Infof("assigned node-id %d", assigned)
		reply := link.NewReply(m)
		reply.Reply = &link.Reply{NodeID: link.Int(assigned)}
		return reply
	}
	if err := d.registry.Register(session, nodeID); err != nil {
		log.Warnf("node-config-set rejected: %v", err)
		return link.Errorf(m, "%v", err)
	}
	d.metrics.Registered()
	log.Infof("registered node-id %d", nodeID)
	if m.HasID() {
		return link.OK(m)
	}
	return nil
}

func (d *Dispatcher) transmit(conn *link.Conn, m *link.Message) {
	src, ok := d.registry.Get(conn.ID())
	if !ok {
		return
	}
	sourceNode := -1
	if m.SourceNodeID != nil {
		sourceNode = *m.SourceNodeID
	}
	targets := d.relay.Targets(src, m, d.registry.Registered(src.Session))

	// forwarded notifications never carry the sender's correlation token
	fwd := *m
	fwd.ID = nil
	sessions := make([]uint64, 0, len(targets))
	for _, p := range targets {
		if err := p.Conn.Send(&fwd); err != nil {
			logrus.WithField("session", p.Session).Warnf("relay failed: %v", err)
			continue
		}
		sessions = append(sessions, p.Session)
	}
	d.metrics.Relayed(len(sessions))
	d.trace.RecordRelay(trace.RelayRecord{Session: src.Session, SourceNodeID: sourceNode,
		Policy: d.relay.Name(), Targets: sessions, Clock: d.clock.Now()})
	logrus.WithFields(logrus.Fields{"session": src.Session, "source": sourceNode}).
		Debugf("transmit relayed to %d sessions", len(sessions))
}
