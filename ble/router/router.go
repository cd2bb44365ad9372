// Package router selects BLE peers for offline task routing using a cost
// score over model fit, load, battery and signal strength.
package router

import (
	"sync"
	"time"

	"github.com/codyrs82/edgecoder/config/params"
	"github.com/codyrs82/edgecoder/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "ble")

// ErrNoPeer means no discovered peer scored under the cost ceiling.
var ErrNoPeer = errors.New("no BLE peer available")

// Advertisement is the capability beacon a peer broadcasts. MeshTokenHash
// lets peers of the same mesh recognise each other without revealing the
// token over the air.
type Advertisement struct {
	AgentID        string  `json:"agentId"`
	AccountID      string  `json:"accountId"`
	MeshTokenHash  string  `json:"meshTokenHash,omitempty"`
	Model          string  `json:"model"`
	ModelParamSize float64 `json:"modelParamSize"`
	MemoryMB       int     `json:"memoryMB"`
	BatteryPct     int     `json:"batteryPct"`
	CurrentLoad    int     `json:"currentLoad"` // -1 while loading/unavailable
	DeviceType     string  `json:"deviceType"`  // "phone", "laptop", "desktop"
}

// Peer is a discovered device plus link measurements.
type Peer struct {
	Ad         Advertisement
	RSSI       int
	LastSeenMs int64
}

// Cost scores a peer; lower is better.
func Cost(p Peer) float64 {
	modelPref := (7 - p.Ad.ModelParamSize) * 8
	if modelPref < 0 {
		modelPref = 0
	}
	load := float64(p.Ad.CurrentLoad) * 20
	var battery float64
	if p.Ad.DeviceType == "phone" {
		battery = float64(100-p.Ad.BatteryPct) * 0.5
	}
	signal := (float64(-p.RSSI) - 30) * 0.5
	if signal < 0 {
		signal = 0
	}
	if signal > 30 {
		signal = 30
	}
	return modelPref + load + battery + signal
}

// Router tracks discovered peers and picks routing targets.
type Router struct {
	lock  sync.Mutex
	peers map[string]Peer
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{peers: make(map[string]Peer)}
}

// Observe records or refreshes a discovered peer.
func (r *Router) Observe(p Peer) {
	if p.LastSeenMs == 0 {
		p.LastSeenMs = time.Now().UnixMilli()
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	r.peers[p.Ad.AgentID] = p
}

// Forget drops a peer, used when a send fails outright.
func (r *Router) Forget(agentID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.peers, agentID)
}

// Peers returns the current non-stale peer set.
func (r *Router) Peers() []Peer {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.evictLocked(time.Now().UnixMilli())
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Select returns the lowest-cost peer able to run a task. Peers advertising
// currentLoad = -1 are skipped, stale peers are evicted before scoring, and
// selection fails when every remaining score reaches the cost ceiling.
func (r *Router) Select(requiredModelSize float64) (Peer, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.evictLocked(time.Now().UnixMilli())

	cfg := params.EdgeCoderConfig()
	var best Peer
	bestCost := cfg.BLECostCeiling
	found := false
	for _, p := range r.peers {
		if p.Ad.CurrentLoad == types.UnavailableLoad {
			continue
		}
		if p.Ad.ModelParamSize < requiredModelSize {
			continue
		}
		c := Cost(p)
		if c < bestCost {
			best = p
			bestCost = c
			found = true
		}
	}
	if !found {
		return Peer{}, ErrNoPeer
	}
	log.WithFields(map[string]interface{}{
		"peer": best.Ad.AgentID,
		"cost": bestCost,
	}).Debug("Selected BLE peer")
	return best, nil
}

func (r *Router) evictLocked(nowMs int64) {
	staleMs := params.EdgeCoderConfig().BLEPeerStaleThreshold.Milliseconds()
	for id, p := range r.peers {
		if nowMs-p.LastSeenMs > staleMs {
			delete(r.peers, id)
		}
	}
}
