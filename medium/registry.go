package medium

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/emul8/radiomedium/link"
)

// ErrNodeIDInUse is returned when a node identity is already held by another live session.
var ErrNodeIDInUse = errors.New("node-id already in use")

// ErrUnknownSession is returned for operations on a session the registry does not hold.
var ErrUnknownSession = errors.New("unknown session")

// PeerInfo is a point-in-time view of one connected session.
type PeerInfo struct {
	Session     uint64
	NodeID      int // -1 until registered
	Conn        *link.Conn
	ConnectedAt time.Time
}

// Registered reports whether the peer has declared a node identity.
func (p PeerInfo) Registered() bool { return p.NodeID >= 0 }

// Registry tracks connected sessions and their node identities.
// Node identities are unique across live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uint64]*PeerInfo
	nodes    map[int]uint64 // node-id → session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint64]*PeerInfo),
		nodes:    make(map[int]uint64),
	}
}

// Add records a newly accepted session.
func (r *Registry) Add(conn *link.Conn) PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &PeerInfo{Session: conn.ID(), NodeID: -1, Conn: conn, ConnectedAt: time.Now()}
	r.sessions[conn.ID()] = p
	return *p
}

// Remove forgets a session and frees its node identity.
func (r *Registry) Remove(session uint64) (PeerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.sessions[session]
	if !ok {
		return PeerInfo{}, false
	}
	delete(r.sessions, session)
	if p.NodeID >= 0 && r.nodes[p.NodeID] == session {
		delete(r.nodes, p.NodeID)
	}
	return *p, true
}

// Get returns the current view of a session.
func (r *Registry) Get(session uint64) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.sessions[session]
	if !ok {
		return PeerInfo{}, false
	}
	return *p, true
}

// ByNodeID returns the session registered under nodeID.
func (r *Registry) ByNodeID(nodeID int) (PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.nodes[nodeID]
	if !ok {
		return PeerInfo{}, false
	}
	return *r.sessions[session], true
}

// Register binds nodeID to session. Re-registering a session moves it to the new identity.
func (r *Registry) Register(session uint64, nodeID int) error {
	if nodeID < 0 {
		return fmt.Errorf("invalid node-id %d", nodeID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.sessions[session]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSession, session)
	}
	if owner, taken := r.nodes[nodeID]; taken && owner != session {
		return fmt.Errorf("%w: %d", ErrNodeIDInUse, nodeID)
	}
	r.bind(p, nodeID)
	return nil
}

// Assign binds the lowest free node identity to session and returns it.
func (r *Registry) Assign(session uint64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.sessions[session]
	if !ok {
		return -1, fmt.Errorf("%w: %d", ErrUnknownSession, session)
	}
	if p.NodeID >= 0 {
		return p.NodeID, nil
	}
	id := 0
	for {
		if _, taken := r.nodes[id]; !taken {
			break
		}
		id++
	}
	r.bind(p, id)
	return id, nil
}

func (r *Registry) bind(p *PeerInfo, nodeID int) {
	if p.NodeID >= 0 && r.nodes[p.NodeID] == p.Session {
		delete(r.nodes, p.NodeID)
	}
	p.NodeID = nodeID
	r.nodes[nodeID] = p.Session
}

// Peers returns all sessions ordered by handle.
func (r *Registry) Peers() []PeerInfo {
	r.mu.RLock()
	peers := make([]PeerInfo, 0, len(r.sessions))
	for _, p := range r.sessions {
		peers = append(peers, *p)
	}
	r.mu.RUnlock()
	slices.SortFunc(peers, func(a, b PeerInfo) int {
		switch {
		case a.Session < b.Session:
			return -1
		case a.Session > b.Session:
			return 1
		}
		return 0
	})
	return peers
}

// Registered returns the registered sessions other than exclude, ordered by handle.
func (r *Registry) Registered(exclude uint64) []PeerInfo {
	var out []PeerInfo
	for _, p := range r.Peers() {
		if p.Registered() && p.Session != exclude {
			out = append(out, p)
		}
	}
	return out
}

// NodeIDs returns the registered node identities in ascending order.
func (r *Registry) NodeIDs() []int {
	r.mu.RLock()
	ids := make([]int, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Len returns the number of connected sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
