package mesh

import (
	"sort"
	"sync"
	"time"
)

// Peer is a known mesh participant reachable over HTTP.
type Peer struct {
	ID           string    `json:"id"`
	Addr         string    `json:"addr"`
	PublicKey    string    `json:"publicKey,omitempty"`
	Direct       bool      `json:"direct"` // learned from a direct exchange rather than a relay
	LastSeen     time.Time `json:"lastSeen"`
	FailedProbes int       `json:"failedProbes"`
}

// PeerTable tracks known peers. Reads happen on every forward, writes on
// join/leave, so it is guarded by a readers-writer lock.
type PeerTable struct {
	lock  sync.RWMutex
	peers map[string]*Peer
}

// NewPeerTable creates an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[string]*Peer)}
}

// Upsert adds or refreshes a peer, resetting its probe failures.
func (t *PeerTable) Upsert(id, addr, publicKey string, direct bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	p, ok := t.peers[id]
	if !ok {
		p = &Peer{ID: id}
		t.peers[id] = p
	}
	if addr != "" {
		p.Addr = addr
	}
	if publicKey != "" {
		p.PublicKey = publicKey
	}
	// A direct observation is never downgraded by a relayed one.
	p.Direct = p.Direct || direct
	p.LastSeen = time.Now()
	p.FailedProbes = 0
}

// Get returns a copy of the peer record.
func (t *PeerTable) Get(id string) (Peer, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	p, ok := t.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// All returns copies of every known peer.
func (t *PeerTable) All() []Peer {
	t.lock.RLock()
	defer t.lock.RUnlock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ForwardTargets returns up to fanOut peers to relay to, excluding the
// original sender. Direct peers are preferred when the fan-out is capped.
func (t *PeerTable) ForwardTargets(excludeID string, fanOut int) []Peer {
	all := t.All()
	candidates := make([]Peer, 0, len(all))
	for _, p := range all {
		if p.ID == excludeID || p.Addr == "" {
			continue
		}
		candidates = append(candidates, p)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Direct && !candidates[j].Direct
	})
	if fanOut > 0 && len(candidates) > fanOut {
		candidates = candidates[:fanOut]
	}
	return candidates
}

// MarkProbeFailure increments the failure counter and returns the new count.
func (t *PeerTable) MarkProbeFailure(id string) int {
	t.lock.Lock()
	defer t.lock.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return 0
	}
	p.FailedProbes++
	return p.FailedProbes
}

// Remove deletes a peer.
func (t *PeerTable) Remove(id string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	delete(t.peers, id)
}

// Len returns the number of known peers.
func (t *PeerTable) Len() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return len(t.peers)
}
