package trace

import "sync"

// TraceLevel controls the verbosity of decision tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelDecisions captures time-set, release and relay decisions.
	TraceLevelDecisions TraceLevel = "decisions"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:      true,
	TraceLevelDecisions: true,
	"":                  true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// TraceConfig controls trace collection behavior.
type TraceConfig struct {
	Level TraceLevel
}

// BrokerTrace collects decision records from all sessions of a broker.
// Recording methods are safe for concurrent use; a nil *BrokerTrace records nothing.
type BrokerTrace struct {
	Config TraceConfig

	mu       sync.Mutex
	seq      int64
	timeSets []TimeSetRecord
	releases []ReleaseRecord
	relays   []RelayRecord
}

// NewBrokerTrace creates a BrokerTrace ready for recording.
func NewBrokerTrace(config TraceConfig) *BrokerTrace {
	return &BrokerTrace{
		Config:   config,
		timeSets: make([]TimeSetRecord, 0),
		releases: make([]ReleaseRecord, 0),
		relays:   make([]RelayRecord, 0),
	}
}

func (bt *BrokerTrace) enabled() bool {
	return bt != nil && bt.Config.Level == TraceLevelDecisions
}

// RecordTimeSet appends a time-set decision record.
func (bt *BrokerTrace) RecordTimeSet(record TimeSetRecord) {
	if !bt.enabled() {
		return
	}
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.seq++
	record.Seq = bt.seq
	bt.timeSets = append(bt.timeSets, record)
}

// RecordRelease appends a controller release record.
func (bt *BrokerTrace) RecordRelease(record ReleaseRecord) {
	if !bt.enabled() {
		return
	}
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.seq++
	record.Seq = bt.seq
	bt.releases = append(bt.releases, record)
}

// RecordRelay appends a relay record.
func (bt *BrokerTrace) RecordRelay(record RelayRecord) {
	if !bt.enabled() {
		return
	}
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.seq++
	record.Seq = bt.seq
	record.Targets = append([]uint64(nil), record.Targets...)
	bt.relays = append(bt.relays, record)
}

// TimeSets returns a copy of the recorded time-set decisions.
func (bt *BrokerTrace) TimeSets() []TimeSetRecord {
	if bt == nil {
		return nil
	}
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return append([]TimeSetRecord(nil), bt.timeSets...)
}

// Releases returns a copy of the recorded releases.
func (bt *BrokerTrace) Releases() []ReleaseRecord {
	if bt == nil {
		return nil
	}
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return append([]ReleaseRecord(nil), bt.releases...)
}

// Relays returns a copy of the recorded relay decisions.
func (bt *BrokerTrace) Relays() []RelayRecord {
	if bt == nil {
		return nil
	}
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return append([]RelayRecord(nil), bt.relays...)
}
