// Package pricing computes per-resource-class compute prices and tracks the
// mesh consensus price from gossiped proposals.
package pricing

import (
	"sort"
	"sync"

	"github.com/codyrs82/edgecoder/config/params"
	"github.com/codyrs82/edgecoder/mesh"
	"github.com/codyrs82/edgecoder/types"
)

// Engine maintains the local price per compute unit and a sliding window of
// peer proposals per resource class.
type Engine struct {
	lock      sync.Mutex
	proposals map[types.ResourceClass][]float64
	local     map[types.ResourceClass]float64
}

// NewEngine creates a pricing engine seeded with the base price.
func NewEngine() *Engine {
	cfg := params.EdgeCoderConfig()
	return &Engine{
		proposals: make(map[types.ResourceClass][]float64),
		local: map[types.ResourceClass]float64{
			types.ResourceCPU: cfg.BasePriceSats,
			types.ResourceGPU: cfg.BasePriceSats,
		},
	}
}

// Compute derives the local price for one resource class from current queue
// pressure: basePrice x (1 + alpha x utilisation - beta x idleFraction),
// clamped into [minPrice, maxPrice]. utilisation is queued tasks over total
// agent capacity; idleFraction is the share of capacity sitting unused.
func (e *Engine) Compute(rc types.ResourceClass, queuedTasks, totalCapacity, currentLoad int) float64 {
	cfg := params.EdgeCoderConfig()
	capacity := totalCapacity
	if capacity < 1 {
		capacity = 1
	}
	utilisation := float64(queuedTasks) / float64(capacity)
	idle := float64(capacity-currentLoad) / float64(capacity)
	if idle < 0 {
		idle = 0
	}
	price := cfg.BasePriceSats * (1 + cfg.PriceAlpha*utilisation - cfg.PriceBeta*idle)
	if price < cfg.MinPriceSats {
		price = cfg.MinPriceSats
	}
	if price > cfg.MaxPriceSats {
		price = cfg.MaxPriceSats
	}

	e.lock.Lock()
	e.local[rc] = price
	e.lock.Unlock()
	localPrice.WithLabelValues(string(rc)).Set(price)
	return price
}

// Local returns the last computed local price for a resource class.
func (e *Engine) Local(rc types.ResourceClass) float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.local[rc]
}

// Observe records a peer's price proposal in the sliding window. Proposals
// outside the configured bounds are dropped as invalid.
func (e *Engine) Observe(p *mesh.PriceProposal) {
	cfg := params.EdgeCoderConfig()
	if p.PriceSats < cfg.MinPriceSats || p.PriceSats > cfg.MaxPriceSats {
		return
	}
	rc := types.ResourceClass(p.ResourceClass)
	e.lock.Lock()
	defer e.lock.Unlock()
	window := append(e.proposals[rc], p.PriceSats)
	if len(window) > cfg.PriceWindowSize {
		window = window[len(window)-cfg.PriceWindowSize:]
	}
	e.proposals[rc] = window
}

// Consensus returns the median of the last window's valid proposals,
// including this node's local price. With no observations it returns the
// local price alone.
func (e *Engine) Consensus(rc types.ResourceClass) float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	window := append([]float64{e.local[rc]}, e.proposals[rc]...)
	sort.Float64s(window)
	n := len(window)
	if n%2 == 1 {
		return window[n/2]
	}
	return (window[n/2-1] + window[n/2]) / 2
}

// Proposal builds the gossip payload for the current local price.
func (e *Engine) Proposal(coordinatorID string, rc types.ResourceClass, utilisation float64) *mesh.PriceProposal {
	return &mesh.PriceProposal{
		CoordinatorID: coordinatorID,
		ResourceClass: string(rc),
		PriceSats:     e.Local(rc),
		Utilisation:   utilisation,
	}
}
