package node

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Metrics aggregates agent statistics. Safe for concurrent use.
type Metrics struct {
	mu sync.Mutex

	advances    int   // advances applied to the hardware model
	elapsed     int64 // total virtual time applied
	rejected    int   // time-set error replies
	mismatched  int   // replies that matched no outstanding token
	delivered   int   // transmit notifications delivered to hardware
	transmitted int   // transmit notifications sent

	roundTrips []float64 // seconds from time-set to matching reply
}

// NewMetrics creates an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{roundTrips: make([]float64, 0)}
}

func (m *Metrics) update(fn func(m *Metrics)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

func (m *Metrics) advanced(elapsed int64) {
	m.update(func(m *Metrics) {
		m.advances++
		m.elapsed += elapsed
	})
}

func (m *Metrics) roundTrip(d time.Duration) {
	m.update(func(m *Metrics) { m.roundTrips = append(m.roundTrips, d.Seconds()) })
}

// RoundTripStats returns the mean and 99th percentile acknowledgement latency in seconds.
func (m *Metrics) RoundTripStats() (mean, p99 float64) {
	m.mu.Lock()
	sorted := append([]float64(nil), m.roundTrips...)
	m.mu.Unlock()
	if len(sorted) == 0 {
		return 0, 0
	}
	sort.Float64s(sorted)
	return stat.Mean(sorted, nil), stat.Quantile(0.99, stat.Empirical, sorted, nil)
}

// Counts returns a copy of the counters.
func (m *Metrics) Counts() (advances, rejected, mismatched, delivered, transmitted int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advances, m.rejected, m.mismatched, m.delivered, m.transmitted
}

// Print writes the agent summary.
func (m *Metrics) Print(w io.Writer, nodeID int, localTime int64) {
	mean, p99 := m.RoundTripStats()
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _ = fmt.Fprintf(w, "=== Node %d Metrics ===\n", nodeID)
	_, _ = fmt.Fprintf(w, "Local Virtual Time   : %d ticks (%.6f s)\n", localTime, VirtualTime(localTime).Seconds())
	_, _ = fmt.Fprintf(w, "Advances Applied     : %d (%d ticks)\n", m.advances, m.elapsed)
	_, _ = fmt.Fprintf(w, "Rejected / Mismatched: %d / %d\n", m.rejected, m.mismatched)
	_, _ = fmt.Fprintf(w, "Packets In / Out     : %d / %d\n", m.delivered, m.transmitted)
	if len(m.roundTrips) > 0 {
		_, _ = fmt.Fprintf(w, "Ack Round Trip       : mean %.6f s, p99 %.6f s\n", mean, p99)
	}
}
