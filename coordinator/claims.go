package coordinator

import (
	"sync"
	"time"

	"github.com/codyrs82/edgecoder/config/params"
	"github.com/codyrs82/edgecoder/mesh"
)

// claimRace collects the claims received for one offered task during the
// claim delay window.
type claimRace struct {
	taskID   string
	claims   []*mesh.TaskClaim
	resolved bool
	timer    *time.Timer
}

// ClaimJudge arbitrates task-claim races. After a task_offer goes out, a
// window of claimDelay is held open; the winner is the lowest-cost claim
// with ties broken by earliest timestamp then agentId. Losers are told
// explicitly so they can release any reserved capacity.
type ClaimJudge struct {
	lock  sync.Mutex
	races map[string]*claimRace

	onWin  func(taskID string, winner *mesh.TaskClaim)
	onLose func(loser *mesh.TaskClaim, winnerID string)
}

// NewClaimJudge creates a judge with the given outcome callbacks.
func NewClaimJudge(onWin func(string, *mesh.TaskClaim), onLose func(*mesh.TaskClaim, string)) *ClaimJudge {
	return &ClaimJudge{
		races:  make(map[string]*claimRace),
		onWin:  onWin,
		onLose: onLose,
	}
}

// Open starts the claim window for an offered task. Opening an already open
// race is a no-op.
func (j *ClaimJudge) Open(taskID string) {
	j.lock.Lock()
	defer j.lock.Unlock()
	if _, ok := j.races[taskID]; ok {
		return
	}
	race := &claimRace{taskID: taskID}
	race.timer = time.AfterFunc(params.EdgeCoderConfig().ClaimDelay, func() {
		j.resolve(taskID)
	})
	j.races[taskID] = race
}

// Submit records a claim. Claims arriving after the window resolved lose
// immediately.
func (j *ClaimJudge) Submit(claim *mesh.TaskClaim) {
	j.lock.Lock()
	race, ok := j.races[claim.TaskID]
	if !ok || race.resolved {
		j.lock.Unlock()
		j.onLose(claim, "")
		return
	}
	race.claims = append(race.claims, claim)
	j.lock.Unlock()
}

// resolve closes the window and notifies winner and losers.
func (j *ClaimJudge) resolve(taskID string) {
	j.lock.Lock()
	race, ok := j.races[taskID]
	if !ok || race.resolved {
		j.lock.Unlock()
		return
	}
	race.resolved = true
	claims := race.claims
	delete(j.races, taskID)
	j.lock.Unlock()

	if len(claims) == 0 {
		return
	}
	winner := claims[0]
	for _, c := range claims[1:] {
		if betterClaim(c, winner) {
			winner = c
		}
	}
	claimRacesResolved.Inc()
	j.onWin(taskID, winner)
	for _, c := range claims {
		if c != winner {
			j.onLose(c, winner.AgentID)
		}
	}
}

// Cancel abandons an open race without picking a winner, used when the task
// is pulled locally before the window closes.
func (j *ClaimJudge) Cancel(taskID string) {
	j.lock.Lock()
	defer j.lock.Unlock()
	if race, ok := j.races[taskID]; ok {
		race.resolved = true
		race.timer.Stop()
		delete(j.races, taskID)
	}
}

// betterClaim reports whether a beats b: lower cost, then earlier claim
// timestamp, then lexicographically smaller agentId.
func betterClaim(a, b *mesh.TaskClaim) bool {
	if a.Cost != b.Cost {
		return a.Cost < b.Cost
	}
	if a.ClaimedAtMs != b.ClaimedAtMs {
		return a.ClaimedAtMs < b.ClaimedAtMs
	}
	return a.AgentID < b.AgentID
}
