package worker

import (
	"context"
	"sync"
	"time"

	"github.com/codyrs82/edgecoder/async"
	"github.com/codyrs82/edgecoder/async/event"
	"github.com/codyrs82/edgecoder/types"
)

// defaultPullInterval paces the pull loop between heartbeats.
const defaultPullInterval = 2 * time.Second

// Coordinator is the slice of the coordinator contract the pool consumes.
type Coordinator interface {
	PullTasks(agentID string, max int) ([]*types.Task, error)
	ReportResult(taskID, agentID string, result *types.TaskResult) error
}

// PoolConfig wires a worker pool.
type PoolConfig struct {
	AgentID      string
	Coordinator  Coordinator
	Worker       Worker
	Concurrency  int
	PullInterval time.Duration
	// Events, when set, wakes the pull loop as soon as the coordinator
	// queues a task instead of waiting out the interval.
	Events *event.Feed
}

// Pool pulls tasks for one agent and executes them with bounded
// concurrency.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *PoolConfig

	slots chan struct{}
	wg    sync.WaitGroup

	lock    sync.Mutex
	running int
}

// NewPool creates a pool. Concurrency below one is clamped to one.
func NewPool(ctx context.Context, cfg *PoolConfig) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PullInterval <= 0 {
		cfg.PullInterval = defaultPullInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Pool{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		slots:  make(chan struct{}, cfg.Concurrency),
	}
}

// Start begins the pull loop.
func (p *Pool) Start() {
	async.RunEvery(p.ctx, p.cfg.PullInterval, p.pullOnce)
	if p.cfg.Events != nil {
		sub := p.cfg.Events.Subscribe(16)
		go func() {
			defer sub.Unsubscribe()
			for {
				select {
				case <-p.ctx.Done():
					return
				case <-sub.Chan():
					p.pullOnce()
				}
			}
		}()
	}
	log.WithField("concurrency", p.cfg.Concurrency).Info("Worker pool started")
}

// Stop cancels in-flight executions and waits for them to drain.
func (p *Pool) Stop() error {
	p.cancel()
	p.wg.Wait()
	return nil
}

// Status implements the service registry health check.
func (p *Pool) Status() error {
	return nil
}

// Load returns the number of currently executing tasks.
func (p *Pool) Load() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.running
}

// pullOnce claims up to the free slot count and dispatches.
func (p *Pool) pullOnce() {
	free := cap(p.slots) - len(p.slots)
	if free == 0 {
		return
	}
	tasks, err := p.cfg.Coordinator.PullTasks(p.cfg.AgentID, free)
	if err != nil {
		log.WithError(err).Debug("Could not pull tasks")
		return
	}
	for _, task := range tasks {
		select {
		case p.slots <- struct{}{}:
		case <-p.ctx.Done():
			return
		}
		p.wg.Add(1)
		go p.run(task)
	}
}

func (p *Pool) run(task *types.Task) {
	defer p.wg.Done()
	defer func() { <-p.slots }()

	p.lock.Lock()
	p.running++
	p.lock.Unlock()
	defer func() {
		p.lock.Lock()
		p.running--
		p.lock.Unlock()
	}()

	result, err := p.cfg.Worker.Execute(p.ctx, task)
	if err != nil {
		result = &types.TaskResult{Status: types.TaskFailed, FailureReason: err.Error()}
	}
	if err := p.cfg.Coordinator.ReportResult(task.TaskID, p.cfg.AgentID, result); err != nil {
		log.WithError(err).WithField("task", task.TaskID).Error("Could not report result")
	}
}
