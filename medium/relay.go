package medium

import (
	"fmt"

	"github.com/emul8/radiomedium/link"
)

// RelayPolicy decides which sessions receive a transmit notification.
// Implementations receive the sender and the registered peers other than the sender.
type RelayPolicy interface {
	Name() string
	Targets(src PeerInfo, m *link.Message, peers []PeerInfo) []PeerInfo
}

// ValidRelayPolicies is the set of recognized relay policy names.
// Shared by Config.Validate() and NewRelayPolicy() to avoid duplication.
var ValidRelayPolicies = map[string]bool{"": true, "none": true, "broadcast": true, "directed": true}

// IsValidRelayPolicy returns true if name is a recognized relay policy.
func IsValidRelayPolicy(name string) bool {
	return ValidRelayPolicies[name]
}

// NewRelayPolicy creates a relay policy by name.
// An empty string defaults to broadcast. Panics on unrecognized names.
func NewRelayPolicy(name string) RelayPolicy {
	if !IsValidRelayPolicy(name) {
		panic(fmt.Sprintf("unknown relay policy %q", name))
	}
	switch name {
	case "none":
		return &NoRelay{}
	case "", "broadcast":
		return &Broadcast{}
	case "directed":
		return &Directed{}
	default:
		panic(fmt.Sprintf("unhandled relay policy %q", name))
	}
}

// NoRelay accepts transmit notifications and forwards them nowhere.
type NoRelay struct{}

// Name implements RelayPolicy.
func (*NoRelay) Name() string { return "none" }

// Targets implements RelayPolicy for NoRelay.
func (*NoRelay) Targets(PeerInfo, *link.Message, []PeerInfo) []PeerInfo { return nil }

// Broadcast forwards every notification to all other registered sessions.
type Broadcast struct{}

// Name implements RelayPolicy.
func (*Broadcast) Name() string { return "broadcast" }

// Targets implements RelayPolicy for Broadcast.
func (*Broadcast) Targets(_ PeerInfo, _ *link.Message, peers []PeerInfo) []PeerInfo {
	return peers
}

// Directed forwards to the session registered under destination-node-id.
// Notifications without a destination are broadcast; unknown destinations are dropped.
type Directed struct{}

// Name implements RelayPolicy.
func (*Directed) Name() string { return "directed" }

// Targets implements RelayPolicy for Directed.
func (*Directed) Targets(_ PeerInfo, m *link.Message, peers []PeerInfo) []PeerInfo {
	if m.DestinationNodeID == nil {
		return peers
	}
	for _, p := range peers {
		if p.NodeID == *m.DestinationNodeID {
			return []PeerInfo{p}
		}
	}
	return nil
}
