package coordinator

import (
	"sort"
	"sync"
	"time"

	"github.com/codyrs82/edgecoder/config/params"
	"github.com/codyrs82/edgecoder/types"
	"github.com/google/uuid"
)

// schedulerQuantum is the virtual-time advance charged to a project per
// dispatched task.
const schedulerQuantum = 1.0

// Queue is the task queue plus the fair-share scheduler. All task state
// transitions go through it; other components never mutate tasks directly.
type Queue struct {
	lock        sync.Mutex
	tasks       map[string]*types.Task
	virtualTime map[string]float64 // projectId -> accumulated quanta
	completed   int
	failed      int
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		tasks:       make(map[string]*types.Task),
		virtualTime: make(map[string]float64),
	}
}

// Enqueue places a task into the queue, assigning a taskId if absent.
func (q *Queue) Enqueue(task *types.Task) *types.Task {
	q.lock.Lock()
	defer q.lock.Unlock()
	if task.TaskID == "" {
		task.TaskID = uuid.New().String()
	}
	if task.EnqueuedAtMs == 0 {
		task.EnqueuedAtMs = time.Now().UnixMilli()
	}
	if task.Project.ResourceClass == "" {
		task.Project.ResourceClass = types.ResourceCPU
	}
	task.Status = types.TaskQueued
	q.tasks[task.TaskID] = task
	q.updateDepthLocked()
	return task
}

// Get returns a task by ID.
func (q *Queue) Get(taskID string) (*types.Task, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	t, ok := q.tasks[taskID]
	return t, ok
}

// eligible reports whether a queued task can be served by the agent.
func eligible(task *types.Task, agent *types.Agent) bool {
	if task.Status != types.TaskQueued {
		return false
	}
	if !agent.Supports(task.Project.ResourceClass) {
		return false
	}
	return agent.ActiveModelParamSize >= task.RequiredModelSize
}

// PullFor dispatches up to max tasks to the agent under the fair-share
// policy. Each round picks the project with the lowest virtual time holding
// an eligible task, charges it one quantum, and hands out that project's
// highest-priority task; project ties break on oldest enqueue time then on
// projectId so dispatch order is deterministic. Dispatched tasks move to
// claimed with claimedAtMs set to now.
func (q *Queue) PullFor(agent *types.Agent, max int, nowMs int64) []*types.Task {
	q.lock.Lock()
	defer q.lock.Unlock()

	var out []*types.Task
	for len(out) < max {
		task := q.selectLocked(agent)
		if task == nil {
			break
		}
		q.virtualTime[task.Project.ProjectID] += schedulerQuantum
		task.Status = types.TaskClaimed
		task.ClaimedBy = agent.AgentID
		task.ClaimedAtMs = nowMs
		out = append(out, task)
	}
	q.updateDepthLocked()
	return out
}

// selectLocked implements one fair-share pick.
func (q *Queue) selectLocked(agent *types.Agent) *types.Task {
	// Group eligible tasks by project, remembering each project's oldest
	// enqueue time for tie breaking.
	type projectTasks struct {
		id     string
		oldest int64
		tasks  []*types.Task
	}
	byProject := make(map[string]*projectTasks)
	for _, t := range q.tasks {
		if !eligible(t, agent) {
			continue
		}
		p, ok := byProject[t.Project.ProjectID]
		if !ok {
			p = &projectTasks{id: t.Project.ProjectID, oldest: t.EnqueuedAtMs}
			byProject[t.Project.ProjectID] = p
		}
		if t.EnqueuedAtMs < p.oldest {
			p.oldest = t.EnqueuedAtMs
		}
		p.tasks = append(p.tasks, t)
	}
	if len(byProject) == 0 {
		return nil
	}

	projects := make([]*projectTasks, 0, len(byProject))
	for _, p := range byProject {
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool {
		vi, vj := q.virtualTime[projects[i].id], q.virtualTime[projects[j].id]
		if vi != vj {
			return vi < vj
		}
		if projects[i].oldest != projects[j].oldest {
			return projects[i].oldest < projects[j].oldest
		}
		return projects[i].id < projects[j].id
	})

	candidates := projects[0].tasks
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Project.Priority != candidates[j].Project.Priority {
			return candidates[i].Project.Priority > candidates[j].Project.Priority
		}
		if candidates[i].EnqueuedAtMs != candidates[j].EnqueuedAtMs {
			return candidates[i].EnqueuedAtMs < candidates[j].EnqueuedAtMs
		}
		return candidates[i].TaskID < candidates[j].TaskID
	})
	return candidates[0]
}

// ClaimFor assigns a specific queued task to an agent, used when a gossip
// claim race picks a remote winner.
func (q *Queue) ClaimFor(taskID, agentID string, nowMs int64) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}
	if task.Status != types.TaskQueued {
		return ErrBadTransition
	}
	task.Status = types.TaskClaimed
	task.ClaimedBy = agentID
	task.ClaimedAtMs = nowMs
	q.updateDepthLocked()
	return nil
}

// MarkRunning transitions a claimed task to running.
func (q *Queue) MarkRunning(taskID, agentID string) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}
	if task.ClaimedBy != agentID {
		return ErrNotClaimer
	}
	if task.Status != types.TaskClaimed {
		return ErrBadTransition
	}
	task.Status = types.TaskRunning
	return nil
}

// Complete finalises a task with its result. Only the claiming agent may
// report; a claim arriving after completion is rejected upstream because the
// task is no longer queued.
func (q *Queue) Complete(taskID, agentID string, result *types.TaskResult, nowMs int64) (*types.Task, error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrUnknownTask
	}
	if task.Status == types.TaskExpired {
		return nil, ErrTaskExpired
	}
	if task.ClaimedBy != agentID {
		return nil, ErrNotClaimer
	}
	if task.Status != types.TaskClaimed && task.Status != types.TaskRunning {
		return nil, ErrBadTransition
	}
	task.Result = result
	task.CompletedAtMs = nowMs
	if result.Status == types.TaskCompleted {
		task.Status = types.TaskCompleted
		q.completed++
		tasksCompleted.Inc()
	} else {
		task.Status = types.TaskFailed
		q.failed++
		tasksFailed.Inc()
	}
	q.updateDepthLocked()
	return task, nil
}

// Requeue returns a claimed or running task to the queue, dead-lettering it
// once the requeue budget is exhausted.
func (q *Queue) Requeue(taskID string) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.requeueLocked(taskID)
}

func (q *Queue) requeueLocked(taskID string) error {
	task, ok := q.tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}
	if task.Status != types.TaskClaimed && task.Status != types.TaskRunning {
		return ErrBadTransition
	}
	task.Requeues++
	if task.Requeues > params.EdgeCoderConfig().MaxTaskRequeues {
		task.Status = types.TaskFailed
		task.Result = &types.TaskResult{Status: types.TaskFailed, FailureReason: "max_retries_exceeded"}
		q.failed++
		tasksFailed.Inc()
	} else {
		task.Status = types.TaskQueued
		task.ClaimedBy = ""
		task.ClaimedAtMs = 0
		tasksRequeued.Inc()
	}
	q.updateDepthLocked()
	return nil
}

// RequeueAgentTasks returns every task claimed by the agent to the queue,
// used when the reaper evicts a dead agent.
func (q *Queue) RequeueAgentTasks(agentID string) int {
	q.lock.Lock()
	defer q.lock.Unlock()
	n := 0
	for id, t := range q.tasks {
		if t.ClaimedBy == agentID && (t.Status == types.TaskClaimed || t.Status == types.TaskRunning) {
			if err := q.requeueLocked(id); err == nil {
				n++
			}
		}
	}
	return n
}

// ReapTimeouts requeues tasks stuck in claimed or running past the claim
// timeout (2x the task's own timeoutMs) and returns how many moved.
func (q *Queue) ReapTimeouts(nowMs int64) int {
	q.lock.Lock()
	defer q.lock.Unlock()
	factor := int64(params.EdgeCoderConfig().ClaimTimeoutFactor)
	n := 0
	for id, t := range q.tasks {
		if t.Status != types.TaskClaimed && t.Status != types.TaskRunning {
			continue
		}
		if nowMs-t.ClaimedAtMs > factor*t.TimeoutMs {
			if err := q.requeueLocked(id); err == nil {
				n++
			}
		}
	}
	return n
}

// Expire moves a task to the terminal expired state.
func (q *Queue) Expire(taskID string) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}
	task.Status = types.TaskExpired
	q.updateDepthLocked()
	return nil
}

// Depth returns the number of queued tasks.
func (q *Queue) Depth() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.depthLocked()
}

func (q *Queue) depthLocked() int {
	n := 0
	for _, t := range q.tasks {
		if t.Status == types.TaskQueued {
			n++
		}
	}
	return n
}

func (q *Queue) updateDepthLocked() {
	queueDepth.Set(float64(q.depthLocked()))
}

// Counts returns the completed and failed task totals.
func (q *Queue) Counts() (completed, failed int) {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.completed, q.failed
}

// GC drops tasks in terminal states, invoked after their credit transactions
// are committed to the ledger.
func (q *Queue) GC() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	n := 0
	for id, t := range q.tasks {
		switch t.Status {
		case types.TaskCompleted, types.TaskFailed, types.TaskExpired:
			delete(q.tasks, id)
			n++
		}
	}
	return n
}
