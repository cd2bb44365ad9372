package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/codyrs82/edgecoder/mesh"
	"github.com/codyrs82/edgecoder/testutil/assert"
	"github.com/codyrs82/edgecoder/testutil/require"
)

type recordingBroadcaster struct {
	lock     sync.Mutex
	messages []string
	payloads []interface{}
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, msgType string, payload interface{}, _ uint8) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.messages = append(b.messages, msgType)
	b.payloads = append(b.payloads, payload)
	return nil
}

func (b *recordingBroadcaster) sent(msgType string) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	for _, m := range b.messages {
		if m == msgType {
			return true
		}
	}
	return false
}

type fakeAnchor struct {
	submitted []string
}

func (a *fakeAnchor) Submit(_ context.Context, checkpointHash string) (string, error) {
	a.submitted = append(a.submitted, checkpointHash)
	return "anchor-ref-1", nil
}

func (a *fakeAnchor) Lookup(_ context.Context, _ string) (string, error) {
	return "confirmed", nil
}

func issuanceFixture(t *testing.T, participants int) (*IssuanceManager, *Engine, *recordingBroadcaster, *fakeAnchor) {
	t.Helper()
	e, requester, provider := newTestEngine(t)
	require.NoError(t, e.ApplyTransaction(newTestTx(t, requester, provider, "tx-1", 2.0)))

	b := &recordingBroadcaster{}
	a := &fakeAnchor{}
	m := NewIssuanceManager(context.Background(), &IssuanceConfig{
		SelfID:           "c1",
		Engine:           e,
		Broadcaster:      b,
		Anchor:           a,
		ParticipantCount: func() int { return participants },
	})
	return m, e, b, a
}

func TestIssuance_SingleNodeCommitsImmediately(t *testing.T) {
	m, e, b, a := issuanceFixture(t, 1)

	require.NoError(t, m.OpenEpoch(context.Background()))
	assert.Equal(t, true, b.sent(mesh.TypeIssuanceProposal))
	assert.Equal(t, true, b.sent(mesh.TypeIssuanceCommit))
	assert.Equal(t, true, b.sent(mesh.TypeIssuanceCheckpoint))
	assert.Equal(t, 1, len(a.submitted))
	assert.Equal(t, 0, len(e.PendingEarnings()))
}

func TestIssuance_QuorumOfThreeNeedsTwoApprovals(t *testing.T) {
	m, e, b, _ := issuanceFixture(t, 3)

	require.NoError(t, m.OpenEpoch(context.Background()))
	// Self vote alone is below floor(3/2)+1 = 2.
	assert.Equal(t, false, b.sent(mesh.TypeIssuanceCommit))
	assert.Equal(t, 1, len(e.PendingEarnings()))

	var epochID string
	for _, p := range b.payloads {
		if proposal, ok := p.(*mesh.IssuanceProposal); ok {
			epochID = proposal.EpochID
		}
	}
	require.NotEqual(t, "", epochID)

	require.NoError(t, m.OnVote(context.Background(), &mesh.IssuanceVote{EpochID: epochID, Voter: "c2", Approve: true}))
	assert.Equal(t, true, b.sent(mesh.TypeIssuanceCommit))
	assert.Equal(t, 0, len(e.PendingEarnings()))

	ep, ok := m.Epoch(epochID)
	require.Equal(t, true, ok)
	assert.Equal(t, EpochAnchored, ep.State)
	assert.Equal(t, "anchor-ref-1", ep.AnchorRef)
}

func TestIssuance_DisapprovingVotesDoNotCommit(t *testing.T) {
	m, e, b, _ := issuanceFixture(t, 3)
	require.NoError(t, m.OpenEpoch(context.Background()))

	var epochID string
	for _, p := range b.payloads {
		if proposal, ok := p.(*mesh.IssuanceProposal); ok {
			epochID = proposal.EpochID
		}
	}
	require.NoError(t, m.OnVote(context.Background(), &mesh.IssuanceVote{EpochID: epochID, Voter: "c2", Approve: false}))
	assert.Equal(t, false, b.sent(mesh.TypeIssuanceCommit))
	assert.Equal(t, 1, len(e.PendingEarnings()))
}

func TestIssuance_OnProposalVotesAgainstMismatch(t *testing.T) {
	m, _, b, _ := issuanceFixture(t, 3)

	require.NoError(t, m.OnProposal(context.Background(), &mesh.IssuanceProposal{
		EpochID:       "epoch-x",
		CoordinatorID: "c2",
		Amounts:       map[string]float64{"acct-p": 999},
	}))
	require.Equal(t, true, b.sent(mesh.TypeIssuanceVote))
	vote := b.payloads[len(b.payloads)-1].(*mesh.IssuanceVote)
	assert.Equal(t, false, vote.Approve)
	assert.Equal(t, 2.0, vote.CounterAmounts["acct-p"])
}

func TestReconciler_DetectsDivergence(t *testing.T) {
	c := NewChain(nil)
	_, err := c.Append("x", map[string]int{"n": 1}, "c1", nil)
	require.NoError(t, err)
	e1, err := c.Append("x", map[string]int{"n": 2}, "c1", nil)
	require.NoError(t, err)

	r := NewReconciler(c)
	// Same head: no divergence.
	assert.Equal(t, false, r.ObserveHead("c2", e1.EventHash, 1))
	// Unknown head with no common ancestor: divergence.
	assert.Equal(t, true, r.ObserveHead("c3", "some-foreign-head", 1))

	head, count := r.MajorityHead()
	assert.Equal(t, e1.EventHash, head)
	assert.Equal(t, 2, count)
}
