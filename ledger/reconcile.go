package ledger

import (
	"sync"
	"time"

	"github.com/codyrs82/edgecoder/config/params"
)

type observedHead struct {
	head     string
	sequence uint64
	seenAt   time.Time
}

// Reconciler tracks ordering-snapshot heads observed from peer coordinators
// and detects divergence from the local chain.
type Reconciler struct {
	lock  sync.Mutex
	chain *Chain
	heads map[string]observedHead
}

// NewReconciler creates a reconciler over the local chain.
func NewReconciler(chain *Chain) *Reconciler {
	return &Reconciler{chain: chain, heads: make(map[string]observedHead)}
}

// ObserveHead records a peer head and reports whether it diverges from the
// local chain: true when the head shares no ancestor within the lookback
// window.
func (r *Reconciler) ObserveHead(coordinatorID, head string, sequence uint64) bool {
	r.lock.Lock()
	r.heads[coordinatorID] = observedHead{head: head, sequence: sequence, seenAt: time.Now()}
	r.lock.Unlock()

	localHead, _ := r.chain.Head()
	if head == localHead {
		return false
	}
	return !r.chain.HasAncestor(head, params.EdgeCoderConfig().DivergenceLookback)
}

// MajorityHead returns the head reported by the most coordinators within
// the divergence vote window, with the local head counted once. The second
// return is the supporting count.
func (r *Reconciler) MajorityHead() (string, int) {
	window := params.EdgeCoderConfig().DivergenceVoteWindow
	counts := make(map[string]int)
	localHead, _ := r.chain.Head()
	counts[localHead] = 1

	r.lock.Lock()
	for _, h := range r.heads {
		if time.Since(h.seenAt) <= window {
			counts[h.head]++
		}
	}
	r.lock.Unlock()

	best, bestCount := localHead, 0
	for head, count := range counts {
		if count > bestCount || (count == bestCount && head < best) {
			best, bestCount = head, count
		}
	}
	return best, bestCount
}

// RollbackDiverged rolls the local chain back past seq and returns the
// removed entries so their payloads can be re-ordered after the winning
// branch is adopted.
func (r *Reconciler) RollbackDiverged(afterSeq uint64) []Entry {
	removed := r.chain.RollbackAfter(afterSeq)
	if len(removed) > 0 {
		log.WithField("entries", len(removed)).Warn("Rolled back diverged ordering entries")
	}
	return removed
}
