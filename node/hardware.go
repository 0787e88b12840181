package node

import (
	"sync"

	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
)

// Hardware is the emulated node driven by the agent. Advance is called once per
// accepted time advance with the elapsed virtual time; Deliver once per inbound
// transmit notification. Both are called from the agent's synchronization goroutine only.
type Hardware interface {
	Advance(elapsed int64)
	Deliver(packet []byte)
}

// Transmitter is implemented by hardware that emits radio packets. The agent drains
// Outbox after every advance and relays each packet as a transmit notification.
type Transmitter interface {
	Outbox() [][]byte
}

// DefaultBeacon is the payload the reference radio emits.
var DefaultBeacon = []byte{0x01, 0x02, 0x03, 0x04, 0x05}

// BeaconRadio is a reference hardware model with no CPU: it accumulates elapsed
// virtual time (in microseconds), records delivered packets and, after each advance,
// emits a beacon with probability txProb drawn from its own random stream.
type BeaconRadio struct {
	mu        sync.Mutex
	elapsed   int64
	advances  int
	txProb    float64
	payload   []byte
	rng       *rngstream.RngStream
	outbox    [][]byte
	delivered [][]byte
}

// NewBeaconRadio creates a radio whose random stream is named after the node.
func NewBeaconRadio(name string, txProb float64) *BeaconRadio {
	return &BeaconRadio{
		txProb:  txProb,
		payload: DefaultBeacon,
		rng:     rngstream.New(name),
	}
}

// Advance implements Hardware.
func (r *BeaconRadio) Advance(elapsed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.elapsed += elapsed
	r.advances++
	if r.txProb > 0 && r.rng.RandU01() < r.txProb {
		r.outbox = append(r.outbox, append([]byte(nil), r.payload...))
	}
}

// Deliver implements Hardware.
func (r *BeaconRadio) Deliver(packet []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, append([]byte(nil), packet...))
}

// Outbox implements Transmitter.
func (r *BeaconRadio) Outbox() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.outbox
	r.outbox = nil
	return out
}

// Elapsed returns the total virtual time applied so far.
func (r *BeaconRadio) Elapsed() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.elapsed
}

// Advances returns how many advances were applied.
func (r *BeaconRadio) Advances() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advances
}

// TicksPerSecond converts protocol ticks (microseconds) to seconds.
const TicksPerSecond = 1e6

// VirtualTime converts a protocol time in ticks to a vrtime.Time.
func VirtualTime(ticks int64) vrtime.Time {
	return vrtime.SecondsToTime(float64(ticks) / TicksPerSecond)
}

// Clock returns the elapsed virtual time.
func (r *BeaconRadio) Clock() vrtime.Time {
	return VirtualTime(r.Elapsed())
}

// Delivered returns a copy of the packets received so far.
func (r *BeaconRadio) Delivered() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.delivered))
	copy(out, r.delivered)
	return out
}
