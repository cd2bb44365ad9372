package coordinator

import (
	"testing"

	"github.com/codyrs82/edgecoder/config/params"
	"github.com/codyrs82/edgecoder/testutil/assert"
	"github.com/codyrs82/edgecoder/testutil/require"
	"github.com/codyrs82/edgecoder/types"
)

func testAgent(id string, paramSize float64) *types.Agent {
	return &types.Agent{
		AgentID:              id,
		AccountID:            "acct-" + id,
		ActiveModel:          "qwen:7b",
		ActiveModelParamSize: paramSize,
		MaxConcurrentTasks:   4,
		LastSeenMs:           1,
	}
}

func queuedTask(id, project string, enqueuedAt int64) *types.Task {
	return &types.Task{
		TaskID:       id,
		Input:        "print(1)",
		TimeoutMs:    1000,
		Project:      types.ProjectMeta{ProjectID: project, ResourceClass: types.ResourceCPU},
		EnqueuedAtMs: enqueuedAt,
	}
}

func TestQueue_FairShareAlternatesProjects(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MainnetConfig())
	q := NewQueue()
	q.Enqueue(queuedTask("a1", "proj-a", 1))
	q.Enqueue(queuedTask("a2", "proj-a", 2))
	q.Enqueue(queuedTask("b1", "proj-b", 3))
	q.Enqueue(queuedTask("b2", "proj-b", 4))

	agent := testAgent("w1", 7)
	tasks := q.PullFor(agent, 4, 100)
	require.Equal(t, 4, len(tasks))

	// Round-robin across projects: a, b, a, b. proj-a leads the first
	// round because it holds the oldest task.
	assert.Equal(t, "proj-a", tasks[0].Project.ProjectID)
	assert.Equal(t, "proj-b", tasks[1].Project.ProjectID)
	assert.Equal(t, "proj-a", tasks[2].Project.ProjectID)
	assert.Equal(t, "proj-b", tasks[3].Project.ProjectID)
	for _, task := range tasks {
		assert.Equal(t, types.TaskClaimed, task.Status)
		assert.Equal(t, "w1", task.ClaimedBy)
		assert.Equal(t, int64(100), task.ClaimedAtMs)
	}
}

func TestQueue_PriorityWinsWithinProject(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MainnetConfig())
	q := NewQueue()
	low := queuedTask("low", "proj-a", 1)
	high := queuedTask("high", "proj-a", 2)
	high.Project.Priority = 5
	q.Enqueue(low)
	q.Enqueue(high)

	tasks := q.PullFor(testAgent("w1", 7), 1, 100)
	require.Equal(t, 1, len(tasks))
	assert.Equal(t, "high", tasks[0].TaskID)
}

func TestQueue_SkipsIneligibleTasks(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MainnetConfig())
	q := NewQueue()

	gpu := queuedTask("gpu-task", "proj-a", 1)
	gpu.Project.ResourceClass = types.ResourceGPU
	big := queuedTask("big-task", "proj-b", 2)
	big.RequiredModelSize = 70
	q.Enqueue(gpu)
	q.Enqueue(big)

	// CPU-only agent with a 7B model can serve neither.
	tasks := q.PullFor(testAgent("w1", 7), 5, 100)
	assert.Equal(t, 0, len(tasks))

	// Capable tasks are never handed to incapable agents: both stay queued.
	assert.Equal(t, 2, q.Depth())
}

func TestQueue_RequeueDeadLettersAfterBudget(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MainnetConfig())
	q := NewQueue()
	q.Enqueue(queuedTask("t1", "proj-a", 1))
	agent := testAgent("w1", 7)

	for i := 0; i < params.EdgeCoderConfig().MaxTaskRequeues; i++ {
		tasks := q.PullFor(agent, 1, 100)
		require.Equal(t, 1, len(tasks))
		require.NoError(t, q.Requeue("t1"))
	}
	// Budget exhausted: the next requeue dead-letters.
	tasks := q.PullFor(agent, 1, 100)
	require.Equal(t, 1, len(tasks))
	require.NoError(t, q.Requeue("t1"))

	task, ok := q.Get("t1")
	require.Equal(t, true, ok)
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Equal(t, "max_retries_exceeded", task.Result.FailureReason)
}

func TestQueue_ReapTimeoutsReclaimsStuckTasks(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MainnetConfig())
	q := NewQueue()
	q.Enqueue(queuedTask("t1", "proj-a", 1))
	q.PullFor(testAgent("w1", 7), 1, 1000)

	// Before 2x timeoutMs nothing moves.
	assert.Equal(t, 0, q.ReapTimeouts(1000+1500))
	// Past the window the task returns to the queue.
	assert.Equal(t, 1, q.ReapTimeouts(1000+2001))

	task, _ := q.Get("t1")
	assert.Equal(t, types.TaskQueued, task.Status)
	assert.Equal(t, "", task.ClaimedBy)
}

func TestQueue_CompleteEnforcesClaimer(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MainnetConfig())
	q := NewQueue()
	q.Enqueue(queuedTask("t1", "proj-a", 1))
	q.PullFor(testAgent("w1", 7), 1, 100)

	result := &types.TaskResult{Status: types.TaskCompleted, Output: "1"}
	_, err := q.Complete("t1", "intruder", result, 200)
	assert.Equal(t, ErrNotClaimer, err)

	task, err := q.Complete("t1", "w1", result, 200)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, task.Status)

	// A claim after completion is an invalid transition.
	assert.Equal(t, ErrBadTransition, q.ClaimFor("t1", "w2", 300))
}

func TestQueue_GCDropsTerminalTasks(t *testing.T) {
	params.OverrideEdgeCoderConfig(params.MainnetConfig())
	q := NewQueue()
	q.Enqueue(queuedTask("t1", "proj-a", 1))
	q.Enqueue(queuedTask("t2", "proj-a", 2))
	q.PullFor(testAgent("w1", 7), 1, 100)
	_, err := q.Complete("t1", "w1", &types.TaskResult{Status: types.TaskCompleted}, 200)
	require.NoError(t, err)

	assert.Equal(t, 1, q.GC())
	_, ok := q.Get("t1")
	assert.Equal(t, false, ok)
	_, ok = q.Get("t2")
	assert.Equal(t, true, ok)
}
