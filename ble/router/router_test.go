package router

import (
	"testing"
	"time"

	"github.com/codyrs82/edgecoder/config/params"
	"github.com/codyrs82/edgecoder/testutil/assert"
	"github.com/codyrs82/edgecoder/testutil/require"
)

func TestCost_Components(t *testing.T) {
	// Laptop, 7B model, idle, strong signal: every penalty is zero.
	laptop := Peer{
		Ad:   Advertisement{AgentID: "b", ModelParamSize: 7, BatteryPct: 100, CurrentLoad: 0, DeviceType: "laptop"},
		RSSI: -30,
	}
	assert.Equal(t, 0.0, Cost(laptop))

	// Phone at 90% battery with a 1.5B model: (7-1.5)*8 + 0 + 10*0.5 = 49.
	phone := Peer{
		Ad:   Advertisement{AgentID: "a", ModelParamSize: 1.5, BatteryPct: 90, CurrentLoad: 0, DeviceType: "phone"},
		RSSI: -30,
	}
	assert.Equal(t, 49.0, Cost(phone))

	// Signal penalty clamps at 30.
	weak := laptop
	weak.RSSI = -120
	assert.Equal(t, 30.0, Cost(weak))
}

func TestSelect_PicksLowestCostPeer(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MainnetConfig())
	r := NewRouter()
	now := time.Now().UnixMilli()

	// The offline-routing scenario: phone A discovers laptop B.
	r.Observe(Peer{
		Ad:         Advertisement{AgentID: "phone-a", Model: "qwen:1.5b", ModelParamSize: 1.5, BatteryPct: 90, CurrentLoad: 0, DeviceType: "phone"},
		RSSI:       -40,
		LastSeenMs: now,
	})
	r.Observe(Peer{
		Ad:         Advertisement{AgentID: "laptop-b", Model: "qwen:7b", ModelParamSize: 7, BatteryPct: 100, CurrentLoad: 0, DeviceType: "laptop"},
		RSSI:       -40,
		LastSeenMs: now,
	})

	best, err := r.Select(0)
	require.NoError(t, err)
	assert.Equal(t, "laptop-b", best.Ad.AgentID)
}

func TestSelect_SkipsUnavailableAndUndersizedPeers(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MainnetConfig())
	r := NewRouter()
	now := time.Now().UnixMilli()

	r.Observe(Peer{
		Ad:         Advertisement{AgentID: "loading", ModelParamSize: 7, CurrentLoad: -1, DeviceType: "laptop"},
		RSSI:       -30,
		LastSeenMs: now,
	})
	r.Observe(Peer{
		Ad:         Advertisement{AgentID: "small", ModelParamSize: 1.5, CurrentLoad: 0, DeviceType: "laptop", BatteryPct: 100},
		RSSI:       -30,
		LastSeenMs: now,
	})

	_, err := r.Select(7)
	assert.Equal(t, ErrNoPeer, err)
}

func TestSelect_RejectsAtCostCeiling(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MainnetConfig())
	r := NewRouter()

	// Tiny model, heavy load: (7-0.5)*8 + 8*20 = 212 >= 200.
	r.Observe(Peer{
		Ad:         Advertisement{AgentID: "overloaded", ModelParamSize: 0.5, CurrentLoad: 8, BatteryPct: 100, DeviceType: "laptop"},
		RSSI:       -30,
		LastSeenMs: time.Now().UnixMilli(),
	})

	_, err := r.Select(0)
	assert.Equal(t, ErrNoPeer, err)
}

func TestSelect_EvictsStalePeers(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MainnetConfig())
	r := NewRouter()
	now := time.Now().UnixMilli()

	r.Observe(Peer{
		Ad:         Advertisement{AgentID: "gone", ModelParamSize: 7, CurrentLoad: 0, BatteryPct: 100, DeviceType: "laptop"},
		RSSI:       -30,
		LastSeenMs: now - 61_000,
	})

	_, err := r.Select(0)
	assert.Equal(t, ErrNoPeer, err)
	assert.Equal(t, 0, len(r.Peers()))
}
