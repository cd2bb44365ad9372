package worker

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/codyrs82/edgecoder/async/event"
	"github.com/codyrs82/edgecoder/crypto/keys"
	"github.com/codyrs82/edgecoder/inference"
	"github.com/codyrs82/edgecoder/ledger"
	"github.com/codyrs82/edgecoder/testutil/assert"
	"github.com/codyrs82/edgecoder/testutil/require"
	"github.com/codyrs82/edgecoder/types"
)

type fakeBackend struct {
	output string
	err    error
}

func (b *fakeBackend) Generate(_ context.Context, _, _ string, _ inference.GenerateParams) (string, float64, error) {
	if b.err != nil {
		return "", 0, b.err
	}
	return b.output, 2.0, nil
}

func (b *fakeBackend) ListModels(_ context.Context) ([]inference.ModelInfo, error) {
	return nil, nil
}

func (b *fakeBackend) Health(_ context.Context) bool { return true }

type fakeCoordinator struct {
	lock    sync.Mutex
	queue   []*types.Task
	results map[string]*types.TaskResult
}

func (c *fakeCoordinator) PullTasks(_ string, max int) ([]*types.Task, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	n := max
	if n > len(c.queue) {
		n = len(c.queue)
	}
	out := c.queue[:n]
	c.queue = c.queue[n:]
	return out, nil
}

func (c *fakeCoordinator) ReportResult(taskID, _ string, result *types.TaskResult) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.results == nil {
		c.results = make(map[string]*types.TaskResult)
	}
	c.results[taskID] = result
	return nil
}

func (c *fakeCoordinator) result(taskID string) (*types.TaskResult, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	r, ok := c.results[taskID]
	return r, ok
}

func TestModelWorker_SignsSettlement(t *testing.T) {
	id, err := keys.Generate()
	require.NoError(t, err)
	w := NewModelWorker("a1", "acct-a1", id, &fakeBackend{output: "1"}, "qwen:7b", 7)

	task := &types.Task{
		TaskID:             "t1",
		Input:              "print(1)",
		TimeoutMs:          30000,
		RequesterAccountID: "acct-req",
		BidTimestampMs:     12345,
	}
	result, err := w.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, result.Status)
	assert.Equal(t, "1", result.Output)
	assert.Equal(t, 2.0, result.CPUSeconds)

	// The signature covers the settlement the coordinator will order.
	tx := &ledger.CreditTransaction{
		TxID:               "t1:a1",
		RequesterAccountID: "acct-req",
		ProviderAccountID:  "acct-a1",
		Credits:            ledger.ComputeCredits(2.0, 7),
		CPUSeconds:         2.0,
		TaskHash:           task.Hash(),
		Timestamp:          12345,
	}
	sig, err := hex.DecodeString(result.ProviderSignature)
	require.NoError(t, err)
	assert.Equal(t, true, keys.Verify(id.PublicKey(), tx.ProviderSigningBytes(), sig))
}

func TestModelWorker_BackendFailureYieldsFailedResult(t *testing.T) {
	id, err := keys.Generate()
	require.NoError(t, err)
	w := NewModelWorker("a1", "acct-a1", id, &fakeBackend{err: context.DeadlineExceeded}, "qwen:7b", 7)

	result, err := w.Execute(context.Background(), &types.Task{TaskID: "t1", Input: "x"})
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, result.Status)
	assert.Equal(t, "", result.ProviderSignature)
}

func TestPool_PullsExecutesAndReports(t *testing.T) {
	id, err := keys.Generate()
	require.NoError(t, err)
	coord := &fakeCoordinator{queue: []*types.Task{
		{TaskID: "t1", Input: "a"},
		{TaskID: "t2", Input: "b"},
	}}
	pool := NewPool(context.Background(), &PoolConfig{
		AgentID:      "a1",
		Coordinator:  coord,
		Worker:       NewModelWorker("a1", "acct-a1", id, &fakeBackend{output: "ok"}, "qwen:7b", 7),
		Concurrency:  2,
		PullInterval: 10 * time.Millisecond,
	})
	pool.Start()
	defer func() {
		require.NoError(t, pool.Stop())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := coord.result("t1"); ok {
			if _, ok := coord.result("t2"); ok {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	r1, ok := coord.result("t1")
	require.Equal(t, true, ok)
	assert.Equal(t, types.TaskCompleted, r1.Status)
	r2, ok := coord.result("t2")
	require.Equal(t, true, ok)
	assert.Equal(t, types.TaskCompleted, r2.Status)
}

func TestPool_EventWakesPullLoopBeforeInterval(t *testing.T) {
	id, err := keys.Generate()
	require.NoError(t, err)
	coord := &fakeCoordinator{}
	feed := new(event.Feed)
	pool := NewPool(context.Background(), &PoolConfig{
		AgentID:      "a1",
		Coordinator:  coord,
		Worker:       NewModelWorker("a1", "acct-a1", id, &fakeBackend{output: "ok"}, "qwen:7b", 7),
		Concurrency:  1,
		PullInterval: time.Hour, // the event, not the ticker, must drive the pull
		Events:       feed,
	})
	pool.Start()
	defer func() {
		require.NoError(t, pool.Stop())
	}()
	// Give the subscriber goroutine a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)

	coord.lock.Lock()
	coord.queue = []*types.Task{{TaskID: "t1", Input: "a"}}
	coord.lock.Unlock()
	feed.Send(struct{}{})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := coord.result("t1"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	r, ok := coord.result("t1")
	require.Equal(t, true, ok)
	assert.Equal(t, types.TaskCompleted, r.Status)
}
