package kv

import (
	"testing"

	"github.com/codyrs82/edgecoder/ledger"
	"github.com/codyrs82/edgecoder/testutil/assert"
	"github.com/codyrs82/edgecoder/testutil/require"
	"github.com/codyrs82/edgecoder/types"
)

func setupDB(t *testing.T) *Store {
	t.Helper()
	s, err := NewKVStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestStore_AgentsCRUD(t *testing.T) {
	s := setupDB(t)

	missing, err := s.Agent("nope")
	require.NoError(t, err)
	require.Equal(t, (*types.Agent)(nil), missing)

	agent := &types.Agent{
		AgentID:              "agent-1",
		AccountID:            "acct-1",
		ActiveModel:          "llama3:8b",
		ActiveModelParamSize: 8,
		MaxConcurrentTasks:   2,
		LastSeenMs:           1000,
	}
	require.NoError(t, s.SaveAgent(agent))

	got, err := s.Agent("agent-1")
	require.NoError(t, err)
	assert.DeepEqual(t, agent, got)

	all, err := s.Agents()
	require.NoError(t, err)
	assert.Equal(t, 1, len(all))

	require.NoError(t, s.DeleteAgent("agent-1"))
	got, err = s.Agent("agent-1")
	require.NoError(t, err)
	assert.Equal(t, (*types.Agent)(nil), got)
}

func TestStore_TasksRoundTrip(t *testing.T) {
	s := setupDB(t)

	task := &types.Task{
		TaskID:       "task-1",
		Kind:         "codegen",
		Input:        "write a parser",
		TimeoutMs:    30000,
		Status:       types.TaskQueued,
		Project:      types.ProjectMeta{ProjectID: "proj-a", ResourceClass: types.ResourceCPU},
		EnqueuedAtMs: 5,
	}
	require.NoError(t, s.SaveTask(task))

	got, err := s.Task("task-1")
	require.NoError(t, err)
	assert.DeepEqual(t, task, got)

	// Upsert moves state.
	task.Status = types.TaskClaimed
	task.ClaimedBy = "agent-1"
	require.NoError(t, s.SaveTask(task))
	got, err = s.Task("task-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskClaimed, got.Status)
	assert.Equal(t, "agent-1", got.ClaimedBy)
}

func TestStore_TransactionsAndAccounts(t *testing.T) {
	s := setupDB(t)

	require.NoError(t, s.SaveAccount(&ledger.Account{ID: "acct-1", Balance: 4.5}))
	acct, err := s.Account("acct-1")
	require.NoError(t, err)
	assert.Equal(t, 4.5, acct.Balance)

	has, err := s.HasTransaction("tx-1")
	require.NoError(t, err)
	assert.Equal(t, false, has)

	require.NoError(t, s.SaveTransaction(&ledger.CreditTransaction{TxID: "tx-1", Credits: 2}))
	has, err = s.HasTransaction("tx-1")
	require.NoError(t, err)
	assert.Equal(t, true, has)
}

func TestStore_OrderingEntriesRange(t *testing.T) {
	s := setupDB(t)

	chain := ledger.NewChain(s)
	for i := 0; i < 5; i++ {
		_, err := chain.Append("credit_transaction", map[string]int{"n": i}, "c1", nil)
		require.NoError(t, err)
	}

	entries, err := s.OrderingEntries(1, 3)
	require.NoError(t, err)
	require.Equal(t, 3, len(entries))
	assert.Equal(t, uint64(1), entries[0].SequenceNumber)
	assert.Equal(t, uint64(3), entries[2].SequenceNumber)

	// Restored entries still verify as a chain prefix.
	restored := ledger.NewChain(nil)
	full, err := s.OrderingEntries(0, 4)
	require.NoError(t, err)
	require.NoError(t, restored.Restore(full))
}

func TestStore_PaymentIntents(t *testing.T) {
	s := setupDB(t)

	intent := &types.PaymentIntent{ID: "pi-1", AccountID: "acct-1", AmountSats: 1200, Status: "pending"}
	require.NoError(t, s.SavePaymentIntent(intent))

	got, err := s.PaymentIntent("pi-1")
	require.NoError(t, err)
	assert.DeepEqual(t, intent, got)
}
