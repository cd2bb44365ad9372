package coordinator

import (
	"sync"
	"testing"
	"time"

	"github.com/codyrs82/edgecoder/config/params"
	"github.com/codyrs82/edgecoder/mesh"
	"github.com/codyrs82/edgecoder/testutil/assert"
	"github.com/codyrs82/edgecoder/testutil/require"
)

type raceRecorder struct {
	lock    sync.Mutex
	winners map[string]string // taskId -> agentId
	losers  map[string]string // agentId -> winner
}

func newRaceRecorder() *raceRecorder {
	return &raceRecorder{winners: make(map[string]string), losers: make(map[string]string)}
}

func (r *raceRecorder) win(taskID string, c *mesh.TaskClaim) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.winners[taskID] = c.AgentID
}

func (r *raceRecorder) lose(c *mesh.TaskClaim, winner string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.losers[c.AgentID] = winner
}

func waitForResolution(j *ClaimJudge) {
	time.Sleep(params.EdgeCoderConfig().ClaimDelay + 50*time.Millisecond)
}

func TestClaimJudge_LowestCostWins(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MinimalConfig())
	defer params.OverrideEdgeCoderConfig(params.MainnetConfig())

	rec := newRaceRecorder()
	j := NewClaimJudge(rec.win, rec.lose)

	j.Open("t2")
	j.Submit(&mesh.TaskClaim{TaskID: "t2", AgentID: "a1", Cost: 30, ClaimedAtMs: 10})
	j.Submit(&mesh.TaskClaim{TaskID: "t2", AgentID: "a2", Cost: 20, ClaimedAtMs: 150})
	waitForResolution(j)

	rec.lock.Lock()
	defer rec.lock.Unlock()
	assert.Equal(t, "a2", rec.winners["t2"])
	assert.Equal(t, "a2", rec.losers["a1"])
}

func TestClaimJudge_TiesBreakOnTimestampThenAgentID(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MinimalConfig())
	defer params.OverrideEdgeCoderConfig(params.MainnetConfig())

	rec := newRaceRecorder()
	j := NewClaimJudge(rec.win, rec.lose)

	j.Open("t1")
	j.Submit(&mesh.TaskClaim{TaskID: "t1", AgentID: "b", Cost: 10, ClaimedAtMs: 100})
	j.Submit(&mesh.TaskClaim{TaskID: "t1", AgentID: "a", Cost: 10, ClaimedAtMs: 100})
	j.Submit(&mesh.TaskClaim{TaskID: "t1", AgentID: "c", Cost: 10, ClaimedAtMs: 50})
	waitForResolution(j)

	rec.lock.Lock()
	defer rec.lock.Unlock()
	// Earliest timestamp wins outright; among equal timestamps the smaller
	// agentId would prevail.
	assert.Equal(t, "c", rec.winners["t1"])
}

func TestClaimJudge_LateClaimLosesImmediately(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MinimalConfig())
	defer params.OverrideEdgeCoderConfig(params.MainnetConfig())

	rec := newRaceRecorder()
	j := NewClaimJudge(rec.win, rec.lose)

	j.Open("t1")
	j.Submit(&mesh.TaskClaim{TaskID: "t1", AgentID: "a1", Cost: 5, ClaimedAtMs: 10})
	waitForResolution(j)

	j.Submit(&mesh.TaskClaim{TaskID: "t1", AgentID: "late", Cost: 1, ClaimedAtMs: 999})

	rec.lock.Lock()
	defer rec.lock.Unlock()
	assert.Equal(t, "a1", rec.winners["t1"])
	_, lateLost := rec.losers["late"]
	require.Equal(t, true, lateLost)
}

func TestClaimJudge_CancelAbandonsRace(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MinimalConfig())
	defer params.OverrideEdgeCoderConfig(params.MainnetConfig())

	rec := newRaceRecorder()
	j := NewClaimJudge(rec.win, rec.lose)

	j.Open("t1")
	j.Submit(&mesh.TaskClaim{TaskID: "t1", AgentID: "a1", Cost: 5, ClaimedAtMs: 10})
	j.Cancel("t1")
	waitForResolution(j)

	rec.lock.Lock()
	defer rec.lock.Unlock()
	assert.Equal(t, 0, len(rec.winners))
}
