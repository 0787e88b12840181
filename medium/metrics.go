// Tracks broker-wide protocol counters and virtual-time step statistics.

package medium

import (
	"fmt"
	"io"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Metrics aggregates broker statistics for final reporting. Safe for concurrent use.
type Metrics struct {
	mu sync.Mutex

	sessionsAccepted int
	sessionsClosed   int
	timeGets         int
	timeSetsAccepted int
	timeSetsRejected int
	elections        int
	releases         int
	registrations    int
	relayed          int // transmit notifications accepted for relay
	relayCopies      int // forwarded copies across all relays
	followerAcks     int
	staleAcks        int
	ignored          int // unknown or missing commands

	steps        []float64 // virtual time delta per accepted advance
	barrierWaits []float64 // seconds spent waiting for follower acks
}

// MetricsSnapshot is an immutable copy of Metrics with derived statistics.
type MetricsSnapshot struct {
	SessionsAccepted int
	SessionsClosed   int
	TimeGets         int
	TimeSetsAccepted int
	TimeSetsRejected int
	Elections        int
	Releases         int
	Registrations    int
	Relayed          int
	RelayCopies      int
	FollowerAcks     int
	StaleAcks        int
	Ignored          int

	MeanStep         float64
	StdDevStep       float64
	MeanBarrierWaitS float64
}

// NewMetrics creates an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		steps:        make([]float64, 0),
		barrierWaits: make([]float64, 0),
	}
}

func (m *Metrics) update(fn func(m *Metrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

// SessionOpened counts an accepted session.
func (m *Metrics) SessionOpened() { m.update(func(m *Metrics) { m.sessionsAccepted++ }) }

// SessionClosed counts a closed session and whether it released the controller role.
func (m *Metrics) SessionClosed(released bool) {
	m.update(func(m *Metrics) {
		m.sessionsClosed++
		if released {
			m.releases++
		}
	})
}

// TimeGet counts a time-get.
func (m *Metrics) TimeGet() { m.update(func(m *Metrics) { m.timeGets++ }) }

// TimeSetAccepted records an accepted advance of delta ticks.
func (m *Metrics) TimeSetAccepted(delta int64, elected bool) {
	m.update(func(m *Metrics) {
		m.timeSetsAccepted++
		if elected {
			m.elections++
		}
		m.steps = append(m.steps, float64(delta))
	})
}

// TimeSetRejected counts a rejected time-set.
func (m *Metrics) TimeSetRejected() { m.update(func(m *Metrics) { m.timeSetsRejected++ }) }

// Registered counts a node-config-set that bound an identity.
func (m *Metrics) Registered() { m.update(func(m *Metrics) { m.registrations++ }) }

// Relayed records one transmit notification forwarded to copies sessions.
func (m *Metrics) Relayed(copies int) {
	m.update(func(m *Metrics) {
		m.relayed++
		m.relayCopies += copies
	})
}

// FollowerAck counts a follower acknowledgement; stale ones are counted separately.
func (m *Metrics) FollowerAck(matched bool) {
	m.update(func(m *Metrics) {
		if matched {
			m.followerAcks++
		} else {
			m.staleAcks++
		}
	})
}

// BarrierWait records time the controller's reply was held for follower acks.
func (m *Metrics) BarrierWait(d time.Duration) {
	m.update(func(m *Metrics) { m.barrierWaits = append(m.barrierWaits, d.Seconds()) })
}

// Ignored counts a message with an unknown or missing command.
func (m *Metrics) Ignored() { m.update(func(m *Metrics) { m.ignored++ }) }

// Snapshot returns the current counters and derived statistics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := MetricsSnapshot{
		SessionsAccepted: m.sessionsAccepted,
		SessionsClosed:   m.sessionsClosed,
		TimeGets:         m.timeGets,
		TimeSetsAccepted: m.timeSetsAccepted,
		TimeSetsRejected: m.timeSetsRejected,
		Elections:        m.elections,
		Releases:         m.releases,
		Registrations:    m.registrations,
		Relayed:          m.relayed,
		RelayCopies:      m.relayCopies,
		FollowerAcks:     m.followerAcks,
		StaleAcks:        m.staleAcks,
		Ignored:          m.ignored,
	}
	if len(m.steps) > 0 {
		s.MeanStep = stat.Mean(m.steps, nil)
	}
	if len(m.steps) > 1 {
		s.StdDevStep = stat.StdDev(m.steps, nil)
	}
	if len(m.barrierWaits) > 0 {
		s.MeanBarrierWaitS = stat.Mean(m.barrierWaits, nil)
	}
	return s
}

// Print writes the aggregated metrics at broker shutdown.
func (m *Metrics) Print(w io.Writer, finalTime int64) {
	s := m.Snapshot()
	_, _ = fmt.Fprintln(w, "=== Broker Metrics ===")
	_, _ = fmt.Fprintf(w, "Final Virtual Time   : %d ticks\n", finalTime)
	_, _ = fmt.Fprintf(w, "Sessions             : %d accepted, %d closed\n", s.SessionsAccepted, s.SessionsClosed)
	_, _ = fmt.Fprintf(w, "Time-Sets            : %d accepted, %d rejected\n", s.TimeSetsAccepted, s.TimeSetsRejected)
	_, _ = fmt.Fprintf(w, "Elections / Releases : %d / %d\n", s.Elections, s.Releases)
	_, _ = fmt.Fprintf(w, "Registrations        : %d\n", s.Registrations)
	_, _ = fmt.Fprintf(w, "Relayed Packets      : %d (%d copies)\n", s.Relayed, s.RelayCopies)
	_, _ = fmt.Fprintf(w, "Follower Acks        : %d (%d stale)\n", s.FollowerAcks, s.StaleAcks)
	if s.TimeSetsAccepted > 0 {
		_, _ = fmt.Fprintf(w, "Mean Step            : %.2f ticks (stddev %.2f)\n", s.MeanStep, s.StdDevStep)
		_, _ = fmt.Fprintf(w, "Mean Barrier Wait    : %.6f s\n", s.MeanBarrierWaitS)
	}
}
