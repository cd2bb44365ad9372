package mesh

import (
	"testing"

	"github.com/codyrs82/edgecoder/testutil/assert"
	"github.com/codyrs82/edgecoder/testutil/require"
)

func TestPeerTable_ForwardTargetsPrefersDirect(t *testing.T) {
	table := NewPeerTable()
	table.Upsert("relayed-1", "http://r1", "", false)
	table.Upsert("direct-1", "http://d1", "", true)
	table.Upsert("relayed-2", "http://r2", "", false)
	table.Upsert("sender", "http://s", "", true)

	targets := table.ForwardTargets("sender", 2)
	require.Equal(t, 2, len(targets))
	assert.Equal(t, "direct-1", targets[0].ID)
	assert.Equal(t, true, targets[0].Direct)
}

func TestPeerTable_ProbeFailuresAndRemoval(t *testing.T) {
	table := NewPeerTable()
	table.Upsert("p1", "http://p1", "", true)

	assert.Equal(t, 1, table.MarkProbeFailure("p1"))
	assert.Equal(t, 2, table.MarkProbeFailure("p1"))

	// A successful refresh resets the counter.
	table.Upsert("p1", "http://p1", "", true)
	p, ok := table.Get("p1")
	require.Equal(t, true, ok)
	assert.Equal(t, 0, p.FailedProbes)

	table.Remove("p1")
	assert.Equal(t, 0, table.Len())
}

func TestFederatedCapabilities_LookupRanking(t *testing.T) {
	f := NewFederatedCapabilities()
	f.Update(CapabilitySummary{
		CoordinatorID: "small",
		AgentCount:    1,
		Models:        map[string]ModelCapability{"qwen:7b": {AgentCount: 1, TotalParamCapacity: 7, AvgLoad: 0.1}},
	}, 100)
	f.Update(CapabilitySummary{
		CoordinatorID: "big",
		AgentCount:    4,
		Models:        map[string]ModelCapability{"qwen:7b": {AgentCount: 4, TotalParamCapacity: 28, AvgLoad: 0.5}},
	}, 100)
	f.Update(CapabilitySummary{
		CoordinatorID: "empty",
		AgentCount:    0,
		Models:        map[string]ModelCapability{"qwen:7b": {AgentCount: 0}},
	}, 100)

	ranked := f.Lookup("qwen:7b")
	require.Equal(t, 2, len(ranked))
	assert.Equal(t, "big", ranked[0].CoordinatorID)
	assert.Equal(t, "small", ranked[1].CoordinatorID)
}

func TestFederatedCapabilities_MostRecentTimestampWins(t *testing.T) {
	f := NewFederatedCapabilities()
	f.Update(CapabilitySummary{CoordinatorID: "c1", AgentCount: 5}, 200)
	f.Update(CapabilitySummary{CoordinatorID: "c1", AgentCount: 1}, 100) // stale update loses

	s, ok := f.Get("c1")
	require.Equal(t, true, ok)
	assert.Equal(t, 5, s.AgentCount)
}

// Aggregate capacity must not qualify a coordinator: ten 1.5B agents sum to
// 15 but cannot run a 7B task.
func TestFederatedCapabilities_LookupBySizeNeedsOneBigEnoughAgent(t *testing.T) {
	f := NewFederatedCapabilities()
	f.Update(CapabilitySummary{
		CoordinatorID: "many-small",
		AgentCount:    10,
		Models: map[string]ModelCapability{
			"qwen:1.5b": {AgentCount: 10, TotalParamCapacity: 15, MaxParamSize: 1.5},
		},
	}, 100)

	require.Equal(t, 0, len(f.LookupBySize(7)))

	f.Update(CapabilitySummary{
		CoordinatorID: "one-big",
		AgentCount:    1,
		Models: map[string]ModelCapability{
			"qwen:7b": {AgentCount: 1, TotalParamCapacity: 7, MaxParamSize: 7},
		},
	}, 100)

	ranked := f.LookupBySize(7)
	require.Equal(t, 1, len(ranked))
	assert.Equal(t, "one-big", ranked[0].CoordinatorID)
}

func TestFederatedCapabilities_QueueDepthBreaksRankingTies(t *testing.T) {
	f := NewFederatedCapabilities()
	for _, id := range []string{"busy", "idle"} {
		f.Update(CapabilitySummary{
			CoordinatorID: id,
			AgentCount:    2,
			Models: map[string]ModelCapability{
				"qwen:7b": {AgentCount: 2, TotalParamCapacity: 14, MaxParamSize: 7, AvgLoad: 0.5},
			},
		}, 100)
	}
	f.UpdateQueueDepth("busy", 40)
	f.UpdateQueueDepth("idle", 2)

	ranked := f.LookupBySize(7)
	require.Equal(t, 2, len(ranked))
	assert.Equal(t, "idle", ranked[0].CoordinatorID)
	assert.Equal(t, 2, ranked[0].QueueDepth)
	assert.Equal(t, "busy", ranked[1].CoordinatorID)
}
