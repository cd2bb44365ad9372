package pricing

import (
	"testing"

	"github.com/codyrs82/edgecoder/config/params"
	"github.com/codyrs82/edgecoder/mesh"
	"github.com/codyrs82/edgecoder/testutil/assert"
	"github.com/codyrs82/edgecoder/types"
)

func TestCompute_PriceRisesWithUtilisation(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MainnetConfig())
	e := NewEngine()

	// Fully loaded, deep queue: price above base.
	busy := e.Compute(types.ResourceCPU, 20, 10, 10)
	// Idle, empty queue: price below base.
	idle := e.Compute(types.ResourceGPU, 0, 10, 0)

	cfg := params.EdgeCoderConfig()
	assert.Equal(t, true, busy > cfg.BasePriceSats)
	assert.Equal(t, true, idle < cfg.BasePriceSats)
	assert.Equal(t, true, idle >= cfg.MinPriceSats)
}

func TestCompute_ClampsToBounds(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MainnetConfig())
	e := NewEngine()

	// Enormous backlog clamps at the ceiling.
	price := e.Compute(types.ResourceCPU, 1_000_000, 1, 1)
	assert.Equal(t, params.EdgeCoderConfig().MaxPriceSats, price)
}

func TestConsensus_MedianOfWindow(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MainnetConfig())
	e := NewEngine()
	e.Compute(types.ResourceCPU, 0, 1, 1) // local = base x (1 + 0 - 0) = 10

	e.Observe(&mesh.PriceProposal{ResourceClass: "cpu", PriceSats: 30})
	e.Observe(&mesh.PriceProposal{ResourceClass: "cpu", PriceSats: 50})

	// Window is {local, 30, 50}; median is 30.
	assert.Equal(t, 30.0, e.Consensus(types.ResourceCPU))
}

func TestObserve_DropsOutOfBoundsProposals(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MainnetConfig())
	e := NewEngine()
	e.Compute(types.ResourceCPU, 0, 1, 1)

	e.Observe(&mesh.PriceProposal{ResourceClass: "cpu", PriceSats: 1e9})
	e.Observe(&mesh.PriceProposal{ResourceClass: "cpu", PriceSats: -5})

	// Only the local price remains in the window.
	assert.Equal(t, e.Local(types.ResourceCPU), e.Consensus(types.ResourceCPU))
}
