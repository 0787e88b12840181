// Package trace provides decision-trace recording for the broker's clock arbitration and relay.
// This package does not import medium; it stores plain data types.
package trace

// TimeSetRecord captures a single time-set arbitration decision.
type TimeSetRecord struct {
	Seq       int64  // position in the combined decision stream
	Session   uint64 // requesting session handle
	NodeID    int    // registered node identity, -1 if unregistered
	Requested int64  // params.time as requested
	Clock     int64  // virtual clock after the decision
	Accepted  bool
	Elected   bool // true if this request made the session controller
	Reason    string
}

// ReleaseRecord captures a controller assignment released on disconnect.
type ReleaseRecord struct {
	Seq     int64
	Session uint64
	Clock   int64
	Reason  string
}

// RelayRecord captures how a transmit notification was fanned out.
type RelayRecord struct {
	Seq          int64
	Session      uint64
	SourceNodeID int // -1 if the notification carried none
	Policy       string
	Targets      []uint64 // session handles the notification was forwarded to
	Clock        int64
}
