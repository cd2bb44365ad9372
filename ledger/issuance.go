package ledger

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/codyrs82/edgecoder/anchor"
	"github.com/codyrs82/edgecoder/async"
	"github.com/codyrs82/edgecoder/config/params"
	"github.com/codyrs82/edgecoder/mesh"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// EpochState tracks the lifecycle of an issuance epoch.
type EpochState string

// Epoch states.
const (
	EpochProposed     EpochState = "proposed"
	EpochVoting       EpochState = "voting"
	EpochCommitted    EpochState = "committed"
	EpochCheckpointed EpochState = "checkpointed"
	EpochAnchored     EpochState = "anchored"
	EpochStalled      EpochState = "stalled"
)

// Epoch is one issuance window.
type Epoch struct {
	ID            string
	WindowStartMs int64
	WindowEndMs   int64
	State         EpochState
	Amounts       map[string]float64
	Votes         map[string]bool
	AnchorRef     string
}

// Broadcaster sends signed mesh messages; implemented by mesh.Service.
type Broadcaster interface {
	Broadcast(ctx context.Context, msgType string, payload interface{}, ttl uint8) error
}

// IssuanceConfig wires the issuance manager's collaborators.
type IssuanceConfig struct {
	SelfID      string
	Engine      *Engine
	Broadcaster Broadcaster
	Anchor      anchor.Adapter
	// ParticipantCount returns the number of approved coordinators,
	// including this one, used for quorum sizing.
	ParticipantCount func() int
}

// IssuanceManager runs the periodic propose/vote/commit/checkpoint cycle
// that distributes pending earnings with quorum approval.
type IssuanceManager struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *IssuanceConfig

	lock   sync.Mutex
	epochs map[string]*Epoch
}

// NewIssuanceManager creates the manager.
func NewIssuanceManager(ctx context.Context, cfg *IssuanceConfig) *IssuanceManager {
	ctx, cancel := context.WithCancel(ctx)
	return &IssuanceManager{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		epochs: make(map[string]*Epoch),
	}
}

// Start schedules the periodic epoch cycle.
func (m *IssuanceManager) Start() {
	async.RunEvery(m.ctx, params.EdgeCoderConfig().IssuanceEpochPeriod, func() {
		if err := m.OpenEpoch(m.ctx); err != nil {
			log.WithError(err).Warn("Could not open issuance epoch")
		}
	})
}

// Stop cancels background work.
func (m *IssuanceManager) Stop() error {
	m.cancel()
	return nil
}

// Status always returns nil; epoch stalls are expected states, not faults.
func (m *IssuanceManager) Status() error {
	return nil
}

// OpenEpoch proposes distribution of the earnings accumulated since the
// last committed epoch. Stalled epochs' earnings remain pending and are
// re-included automatically.
func (m *IssuanceManager) OpenEpoch(ctx context.Context) error {
	amounts := m.cfg.Engine.PendingEarnings()
	if len(amounts) == 0 {
		return nil
	}
	cfg := params.EdgeCoderConfig()
	now := time.Now()
	ep := &Epoch{
		ID:            uuid.NewString(),
		WindowStartMs: now.Add(-cfg.IssuanceEpochPeriod).UnixMilli(),
		WindowEndMs:   now.UnixMilli(),
		State:         EpochVoting,
		Amounts:       amounts,
		Votes:         map[string]bool{m.cfg.SelfID: true},
	}
	m.lock.Lock()
	m.epochs[ep.ID] = ep
	m.lock.Unlock()

	time.AfterFunc(cfg.IssuanceVotingWindow, func() { m.expire(ep.ID) })

	err := m.cfg.Broadcaster.Broadcast(ctx, mesh.TypeIssuanceProposal, &mesh.IssuanceProposal{
		EpochID:       ep.ID,
		CoordinatorID: m.cfg.SelfID,
		WindowStartMs: ep.WindowStartMs,
		WindowEndMs:   ep.WindowEndMs,
		Amounts:       amounts,
	}, params.EdgeCoderConfig().GossipDefaultTTL)
	if err != nil {
		return errors.Wrap(err, "could not broadcast issuance proposal")
	}
	// A single-node mesh reaches quorum with its own vote.
	return m.tally(ctx, ep.ID)
}

// OnProposal recomputes earnings from this coordinator's own view and votes
// accordingly.
func (m *IssuanceManager) OnProposal(ctx context.Context, p *mesh.IssuanceProposal) error {
	own := m.cfg.Engine.PendingEarnings()
	approve := amountsEqual(own, p.Amounts)

	vote := &mesh.IssuanceVote{
		EpochID: p.EpochID,
		Voter:   m.cfg.SelfID,
		Approve: approve,
	}
	if !approve {
		vote.CounterAmounts = own
	}

	m.lock.Lock()
	ep, ok := m.epochs[p.EpochID]
	if !ok {
		ep = &Epoch{
			ID:            p.EpochID,
			WindowStartMs: p.WindowStartMs,
			WindowEndMs:   p.WindowEndMs,
			State:         EpochVoting,
			Amounts:       p.Amounts,
			Votes:         map[string]bool{},
		}
		m.epochs[p.EpochID] = ep
		time.AfterFunc(params.EdgeCoderConfig().IssuanceVotingWindow, func() { m.expire(p.EpochID) })
	}
	ep.Votes[m.cfg.SelfID] = approve
	m.lock.Unlock()

	return m.cfg.Broadcaster.Broadcast(ctx, mesh.TypeIssuanceVote, vote, params.EdgeCoderConfig().GossipDefaultTTL)
}

// OnVote records a peer vote and commits once quorum approves.
func (m *IssuanceManager) OnVote(ctx context.Context, v *mesh.IssuanceVote) error {
	m.lock.Lock()
	ep, ok := m.epochs[v.EpochID]
	if ok && ep.State == EpochVoting {
		ep.Votes[v.Voter] = v.Approve
	}
	m.lock.Unlock()
	if !ok {
		return nil
	}
	return m.tally(ctx, v.EpochID)
}

// OnCommit applies a commit observed from a peer that reached quorum first.
func (m *IssuanceManager) OnCommit(ctx context.Context, c *mesh.IssuanceCommit) error {
	m.lock.Lock()
	ep, ok := m.epochs[c.EpochID]
	if ok && ep.State != EpochVoting {
		m.lock.Unlock()
		return nil
	}
	if !ok {
		ep = &Epoch{ID: c.EpochID, Amounts: c.Amounts, Votes: map[string]bool{}}
		m.epochs[c.EpochID] = ep
	}
	ep.State = EpochCommitted
	m.lock.Unlock()
	return m.cfg.Engine.ApplyIssuance(c.EpochID, c.Amounts)
}

// Epoch returns a copy of the epoch record.
func (m *IssuanceManager) Epoch(id string) (Epoch, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	ep, ok := m.epochs[id]
	if !ok {
		return Epoch{}, false
	}
	return *ep, true
}

func (m *IssuanceManager) quorum() int {
	n := 1
	if m.cfg.ParticipantCount != nil {
		if c := m.cfg.ParticipantCount(); c > n {
			n = c
		}
	}
	return int(math.Floor(float64(n)/2)) + 1
}

func (m *IssuanceManager) tally(ctx context.Context, epochID string) error {
	m.lock.Lock()
	ep, ok := m.epochs[epochID]
	if !ok || ep.State != EpochVoting {
		m.lock.Unlock()
		return nil
	}
	approvals := 0
	for _, approve := range ep.Votes {
		if approve {
			approvals++
		}
	}
	if approvals < m.quorum() {
		m.lock.Unlock()
		return nil
	}
	ep.State = EpochCommitted
	amounts := ep.Amounts
	m.lock.Unlock()

	return m.commit(ctx, ep, amounts, approvals)
}

func (m *IssuanceManager) commit(ctx context.Context, ep *Epoch, amounts map[string]float64, approvals int) error {
	if err := m.cfg.Engine.ApplyIssuance(ep.ID, amounts); err != nil {
		return err
	}
	if err := m.cfg.Broadcaster.Broadcast(ctx, mesh.TypeIssuanceCommit, &mesh.IssuanceCommit{
		EpochID:   ep.ID,
		Amounts:   amounts,
		Approvals: approvals,
	}, params.EdgeCoderConfig().GossipDefaultTTL); err != nil {
		log.WithError(err).Warn("Could not broadcast issuance commit")
	}

	head, _ := m.cfg.Engine.Chain().Head()
	m.lock.Lock()
	ep.State = EpochCheckpointed
	m.lock.Unlock()

	checkpoint := &mesh.IssuanceCheckpoint{EpochID: ep.ID, Head: head}
	if m.cfg.Anchor != nil {
		ref, err := m.cfg.Anchor.Submit(ctx, head)
		if err != nil {
			log.WithError(err).Warn("Could not anchor issuance checkpoint")
		} else {
			checkpoint.AnchorRef = ref
			m.lock.Lock()
			ep.AnchorRef = ref
			ep.State = EpochAnchored
			m.lock.Unlock()
		}
	}
	if err := m.cfg.Broadcaster.Broadcast(ctx, mesh.TypeIssuanceCheckpoint, checkpoint, params.EdgeCoderConfig().GossipDefaultTTL); err != nil {
		log.WithError(err).Warn("Could not broadcast issuance checkpoint")
	}
	log.WithFields(map[string]interface{}{
		"epoch":     ep.ID,
		"approvals": approvals,
		"accounts":  len(amounts),
	}).Info("Issuance epoch committed")
	return nil
}

// expire stalls an epoch that did not reach quorum within the voting
// window. Its earnings remain pending for the next epoch.
func (m *IssuanceManager) expire(epochID string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	ep, ok := m.epochs[epochID]
	if ok && ep.State == EpochVoting {
		ep.State = EpochStalled
		log.WithField("epoch", epochID).Warn("Issuance epoch stalled without quorum")
	}
}

func amountsEqual(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	const tolerance = 1e-9
	for k, av := range a {
		bv, ok := b[k]
		if !ok || math.Abs(av-bv) > tolerance {
			return false
		}
	}
	return true
}
