package trace

// TraceSummary aggregates statistics from a BrokerTrace.
type TraceSummary struct {
	TotalTimeSets          int
	AcceptedCount          int
	RejectedCount          int
	Elections              int
	Releases               int
	RelayedNotifications   int
	RelayFanout            int            // total forwarded copies across all relays
	ControllerDistribution map[uint64]int // session handle → accepted time-sets
	RejectionReasons       map[string]int
}

// Summarize computes aggregate statistics from a BrokerTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(bt *BrokerTrace) *TraceSummary {
	summary := &TraceSummary{
		ControllerDistribution: make(map[uint64]int),
		RejectionReasons:       make(map[string]int),
	}
	if bt == nil {
		return summary
	}

	timeSets := bt.TimeSets()
	summary.TotalTimeSets = len(timeSets)
	for _, r := range timeSets {
		if r.Elected {
			summary.Elections++
		}
		if r.Accepted {
			summary.AcceptedCount++
			summary.ControllerDistribution[r.Session]++
		} else {
			summary.RejectedCount++
			summary.RejectionReasons[r.Reason]++
		}
	}

	summary.Releases = len(bt.Releases())

	relays := bt.Relays()
	summary.RelayedNotifications = len(relays)
	for _, r := range relays {
		summary.RelayFanout += len(r.Targets)
	}
	return summary
}
