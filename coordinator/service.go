// Package coordinator implements the task queue, agent lifecycle, the
// fair-share scheduler and the mesh-facing coordination logic.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/codyrs82/edgecoder/async"
	"github.com/codyrs82/edgecoder/async/event"
	"github.com/codyrs82/edgecoder/config/params"
	"github.com/codyrs82/edgecoder/db"
	"github.com/codyrs82/edgecoder/ledger"
	"github.com/codyrs82/edgecoder/mesh"
	"github.com/codyrs82/edgecoder/pricing"
	"github.com/codyrs82/edgecoder/types"
	"github.com/pkg/errors"
)

// MeshSender is the slice of the gossip service the coordinator drives.
type MeshSender interface {
	Broadcast(ctx context.Context, msgType string, payload interface{}, ttl uint8) error
	SendToPeer(ctx context.Context, peerID, msgType string, payload interface{}) error
}

// Config holds the coordinator's dependencies.
type Config struct {
	SelfID    string
	SelfAddr  string
	Mesh      MeshSender
	Federated *mesh.FederatedCapabilities
	Engine    *ledger.Engine
	Issuance  *ledger.IssuanceManager
	Pricing   *pricing.Engine
	Store     db.Database // optional; nil disables persistence
}

// Snapshot is the Status() response.
type Snapshot struct {
	CoordinatorID    string  `json:"coordinatorId"`
	QueueDepth       int     `json:"queueDepth"`
	RegisteredAgents int     `json:"registeredAgents"`
	ActiveAgents     int     `json:"activeAgents"`
	TasksCompleted   int     `json:"tasksCompleted"`
	TasksFailed      int     `json:"tasksFailed"`
	PriceCPUSats     float64 `json:"priceCpuSats"`
	PriceGPUSats     float64 `json:"priceGpuSats"`
	OrderingHead     string  `json:"orderingHead"`
	OrderingSequence uint64  `json:"orderingSequence"`
}

// TaskEvent is published on the task feed whenever a task changes state, so
// in-process consumers (the worker pool) can react without polling.
type TaskEvent struct {
	TaskID string
	Status types.TaskStatus
}

// remoteClaim tracks an offer this node has bid on. If no rejection arrives
// within two claim windows, the bid is assumed won and the task is adopted.
type remoteClaim struct {
	offer   *mesh.TaskOffer
	agentID string
	timer   *time.Timer
}

// Service is the coordinator.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *Config

	registry   *Registry
	queue      *Queue
	judge      *ClaimJudge
	reconciler *ledger.Reconciler
	taskFeed   event.Feed

	claimLock     sync.Mutex
	pendingClaims map[string]*remoteClaim
}

// NewService builds the coordinator.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	s := &Service{
		ctx:           ctx,
		cancel:        cancel,
		cfg:           cfg,
		registry:      NewRegistry(),
		queue:         NewQueue(),
		pendingClaims: make(map[string]*remoteClaim),
	}
	if cfg.Engine != nil {
		s.reconciler = ledger.NewReconciler(cfg.Engine.Chain())
	}
	s.judge = NewClaimJudge(s.awardClaim, s.rejectClaim)
	return s
}

// Registry exposes the agent registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Queue exposes the task queue.
func (s *Service) Queue() *Queue {
	return s.queue
}

// TaskFeed exposes the task lifecycle event feed.
func (s *Service) TaskFeed() *event.Feed {
	return &s.taskFeed
}

// Start launches the reaper and the periodic gossip broadcasts.
func (s *Service) Start() {
	cfg := params.EdgeCoderConfig()
	async.RunEvery(s.ctx, cfg.ReaperInterval, s.reap)
	async.RunEvery(s.ctx, cfg.CapabilityInterval, s.broadcastCapabilities)
	async.RunEvery(s.ctx, cfg.QueueSummaryInterval, s.broadcastQueueSummary)
	if s.cfg.Engine != nil {
		async.RunEvery(s.ctx, cfg.OrderingSnapshotPeriod, s.broadcastOrderingSnapshot)
	}
	log.WithField("coordinator", s.cfg.SelfID).Info("Coordinator started")
}

// Stop cancels the background routines.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status implements the service registry health check.
func (s *Service) Status() error {
	return nil
}

// RegisterAgent registers or re-registers an agent.
func (s *Service) RegisterAgent(agent *types.Agent, signatureHex string) (string, error) {
	if agent.LastSeenMs == 0 {
		agent.LastSeenMs = time.Now().UnixMilli()
	}
	if err := s.registry.Register(agent, signatureHex); err != nil {
		return "", err
	}
	if s.cfg.Engine != nil {
		s.cfg.Engine.EnsureAccount(agent.AccountID, agent.PublicKey)
	}
	if s.cfg.Store != nil {
		if err := s.cfg.Store.SaveAgent(agent); err != nil {
			log.WithError(err).WithField("agent", agent.AgentID).Error("Could not persist agent")
		}
	}
	log.WithFields(map[string]interface{}{
		"agent": agent.AgentID,
		"model": agent.ActiveModel,
	}).Info("Agent registered")
	return agent.AgentID, nil
}

// Heartbeat refreshes an agent's liveness and telemetry.
func (s *Service) Heartbeat(agentID string, hb HeartbeatUpdate) error {
	if hb.TimestampMs == 0 {
		hb.TimestampMs = time.Now().UnixMilli()
	}
	return s.registry.Heartbeat(agentID, hb)
}

// EnqueueTask accepts a task, queues it, and either offers it to the mesh or
// forwards it to a federated coordinator when no local agent can serve it.
func (s *Service) EnqueueTask(task *types.Task) (*types.Task, error) {
	task = s.queue.Enqueue(task)
	if s.cfg.Store != nil {
		if err := s.cfg.Store.SaveTask(task); err != nil {
			log.WithError(err).WithField("task", task.TaskID).Error("Could not persist task")
		}
	}
	s.taskFeed.Send(TaskEvent{TaskID: task.TaskID, Status: task.Status})

	if s.hasCapableAgent(task) {
		return task, nil
	}
	s.dispatchRemote(task)
	return task, nil
}

// hasCapableAgent reports whether any live local agent could serve the task.
func (s *Service) hasCapableAgent(task *types.Task) bool {
	now := time.Now().UnixMilli()
	stale := params.EdgeCoderConfig().AgentStaleThreshold.Milliseconds()
	for _, a := range s.registry.Active(now, stale) {
		if eligible(task, a) {
			return true
		}
	}
	return false
}

// dispatchRemote sends a task beyond the local agent pool: a federated
// forward when a capable coordinator is known, otherwise an open offer with
// a claim race.
func (s *Service) dispatchRemote(task *types.Task) {
	offer := offerFromTask(task)
	if s.cfg.Mesh == nil {
		return
	}
	ttl := params.EdgeCoderConfig().GossipDefaultTTL

	if s.cfg.Federated != nil && task.RequiredModelSize > 0 {
		if ranked := s.cfg.Federated.LookupBySize(task.RequiredModelSize); len(ranked) > 0 {
			target := ranked[0]
			fwd := &mesh.TaskForward{
				Offer:             *offer,
				OriginCoordinator: s.cfg.SelfID,
				OriginAccountID:   task.RequesterAccountID,
				OriginAddr:        s.cfg.SelfAddr,
			}
			if err := s.cfg.Mesh.SendToPeer(s.ctx, target.CoordinatorID, mesh.TypeTaskForward, fwd); err == nil {
				tasksForwarded.Inc()
				return
			}
			// Unreachable coordinator: degrade to the open offer.
		}
	}

	s.judge.Open(task.TaskID)
	if err := s.cfg.Mesh.Broadcast(s.ctx, mesh.TypeTaskOffer, offer, ttl); err != nil {
		log.WithError(err).WithField("task", task.TaskID).Warn("Could not broadcast task offer")
	}
}

func offerFromTask(task *types.Task) *mesh.TaskOffer {
	return &mesh.TaskOffer{
		TaskID:             task.TaskID,
		Kind:               task.Kind,
		Language:           task.Language,
		Input:              task.Input,
		TimeoutMs:          task.TimeoutMs,
		SnapshotRef:        task.SnapshotRef,
		ProjectID:          task.Project.ProjectID,
		ResourceClass:      string(task.Project.ResourceClass),
		Priority:           task.Project.Priority,
		RequiredModelSize:  task.RequiredModelSize,
		RequesterID:        task.RequesterID,
		RequesterAccountID: task.RequesterAccountID,
		RequesterSignature: task.RequesterSignature,
		BidTimestampMs:     task.BidTimestampMs,
		TaskHash:           task.Hash(),
	}
}

func taskFromOffer(offer *mesh.TaskOffer) *types.Task {
	return &types.Task{
		TaskID:      offer.TaskID,
		Kind:        offer.Kind,
		Language:    offer.Language,
		Input:       offer.Input,
		TimeoutMs:   offer.TimeoutMs,
		SnapshotRef: offer.SnapshotRef,
		Project: types.ProjectMeta{
			ProjectID:     offer.ProjectID,
			ResourceClass: types.ResourceClass(offer.ResourceClass),
			Priority:      offer.Priority,
		},
		RequiredModelSize:  offer.RequiredModelSize,
		RequesterID:        offer.RequesterID,
		RequesterAccountID: offer.RequesterAccountID,
		RequesterSignature: offer.RequesterSignature,
		BidTimestampMs:     offer.BidTimestampMs,
	}
}

// PullTasks hands up to max tasks to a live agent under the fair-share
// policy.
func (s *Service) PullTasks(agentID string, max int) ([]*types.Task, error) {
	agent, ok := s.registry.Get(agentID)
	if !ok {
		return nil, ErrUnknownAgent
	}
	if s.registry.Banned(agentID) {
		return nil, ErrBlacklisted
	}
	tasks := s.queue.PullFor(agent, max, time.Now().UnixMilli())
	for _, t := range tasks {
		// A local pull supersedes any open gossip race for the task.
		s.judge.Cancel(t.TaskID)
		if s.cfg.Store != nil {
			if err := s.cfg.Store.SaveTask(t); err != nil {
				log.WithError(err).WithField("task", t.TaskID).Error("Could not persist task")
			}
		}
	}
	return tasks, nil
}

// TransactionID derives the deterministic credit transaction ID for a task
// and provider, so provider and coordinator sign the same settlement.
func TransactionID(taskID, providerAgentID string) string {
	return taskID + ":" + providerAgentID
}

// ReportResult settles a finished task: dual-signed credit transaction,
// state transition, ordering event, result announcement. The settlement is
// verified before the transition so a task never reaches completed with a
// refused settlement behind it.
func (s *Service) ReportResult(taskID, agentID string, result *types.TaskResult) error {
	var settle *ledger.CreditTransaction
	if result.Status == types.TaskCompleted && s.cfg.Engine != nil {
		pending, ok := s.queue.Get(taskID)
		if !ok {
			return ErrUnknownTask
		}
		if pending.ClaimedBy != agentID {
			return ErrNotClaimer
		}
		agent, ok := s.registry.Get(agentID)
		if !ok {
			return ErrUnknownAgent
		}
		settle = &ledger.CreditTransaction{
			TxID:               TransactionID(taskID, agentID),
			RequesterID:        pending.RequesterID,
			ProviderID:         agentID,
			RequesterAccountID: pending.RequesterAccountID,
			ProviderAccountID:  agent.AccountID,
			Credits:            ledger.ComputeCredits(result.CPUSeconds, agent.ActiveModelParamSize),
			CPUSeconds:         result.CPUSeconds,
			TaskHash:           pending.Hash(),
			Timestamp:          pending.BidTimestampMs,
			Reason:             ledger.ReasonTaskPayment,
			RequesterSignature: pending.RequesterSignature,
			ProviderSignature:  result.ProviderSignature,
		}
		if err := s.cfg.Engine.VerifyTransaction(settle); err != nil {
			return err
		}
	}

	task, err := s.queue.Complete(taskID, agentID, result, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	s.taskFeed.Send(TaskEvent{TaskID: taskID, Status: task.Status})
	if s.cfg.Store != nil {
		if err := s.cfg.Store.SaveTask(task); err != nil {
			log.WithError(err).WithField("task", taskID).Error("Could not persist task")
		}
	}

	if settle != nil {
		// A duplicate here means the settlement was already ordered; the
		// completed state is consistent either way.
		if err := s.cfg.Engine.ApplyTransaction(settle); err != nil && !errors.Is(err, ledger.ErrDuplicateTx) {
			log.WithError(err).WithField("task", taskID).Error("Could not settle task payment")
			return err
		}
	}

	if s.cfg.Mesh != nil {
		announce := &mesh.ResultAnnounce{
			TaskID:            taskID,
			AgentID:           agentID,
			Status:            string(task.Status),
			Output:            result.Output,
			CPUSeconds:        result.CPUSeconds,
			ProviderSignature: result.ProviderSignature,
		}
		if agent, ok := s.registry.Get(agentID); ok {
			announce.AccountID = agent.AccountID
			announce.ModelParamSize = agent.ActiveModelParamSize
		}
		if err := s.cfg.Mesh.Broadcast(s.ctx, mesh.TypeResultAnnounce, announce, params.EdgeCoderConfig().GossipDefaultTTL); err != nil {
			log.WithError(err).Debug("Could not announce result")
		}
	}
	return nil
}

// Snapshot returns current queue depth, agent counts, result counts and
// pricing.
func (s *Service) Snapshot() Snapshot {
	now := time.Now().UnixMilli()
	stale := params.EdgeCoderConfig().AgentStaleThreshold.Milliseconds()
	completed, failed := s.queue.Counts()
	snap := Snapshot{
		CoordinatorID:    s.cfg.SelfID,
		QueueDepth:       s.queue.Depth(),
		RegisteredAgents: s.registry.Count(),
		ActiveAgents:     len(s.registry.Active(now, stale)),
		TasksCompleted:   completed,
		TasksFailed:      failed,
	}
	if s.cfg.Pricing != nil {
		snap.PriceCPUSats = s.cfg.Pricing.Consensus(types.ResourceCPU)
		snap.PriceGPUSats = s.cfg.Pricing.Consensus(types.ResourceGPU)
	}
	if s.cfg.Engine != nil {
		snap.OrderingHead, snap.OrderingSequence = s.cfg.Engine.Chain().Head()
	}
	return snap
}

// Capacity lists per-agent capability summaries for live agents.
func (s *Service) Capacity() []types.AgentCapability {
	now := time.Now().UnixMilli()
	stale := params.EdgeCoderConfig().AgentStaleThreshold.Milliseconds()
	agents := s.registry.Active(now, stale)
	out := make([]types.AgentCapability, 0, len(agents))
	for _, a := range agents {
		out = append(out, types.AgentCapability{
			AgentID:              a.AgentID,
			ActiveModel:          a.ActiveModel,
			ActiveModelParamSize: a.ActiveModelParamSize,
			MaxConcurrentTasks:   a.MaxConcurrentTasks,
			CurrentLoad:          a.CurrentLoad,
			LastSeenMs:           a.LastSeenMs,
		})
	}
	return out
}

// SyncOfflineBatch ingests credit transactions recorded off-grid over BLE.
// Duplicates and invalid signatures are skipped, everything else is ordered
// into the chain.
func (s *Service) SyncOfflineBatch(txs []*ledger.CreditTransaction) ledger.SyncResult {
	if s.cfg.Engine == nil {
		return ledger.SyncResult{Total: len(txs)}
	}
	res := s.cfg.Engine.ApplyBatch(txs)
	log.WithFields(map[string]interface{}{
		"applied": len(res.Applied),
		"skipped": len(res.Skipped),
	}).Info("Synced offline transaction batch")
	return res
}

// reap evicts agents past the stale threshold, requeues their claimed tasks
// and tells the mesh they went stale.
func (s *Service) reap() {
	cfg := params.EdgeCoderConfig()
	now := time.Now().UnixMilli()
	s.queue.ReapTimeouts(now)
	for _, a := range s.registry.Stale(now, cfg.AgentStaleThreshold.Milliseconds()) {
		s.registry.Remove(a.AgentID)
		requeued := s.queue.RequeueAgentTasks(a.AgentID)
		agentsReaped.Inc()
		log.WithFields(map[string]interface{}{
			"agent":    a.AgentID,
			"requeued": requeued,
		}).Info("Reaped stale agent")
		if s.cfg.Store != nil {
			if err := s.cfg.Store.DeleteAgent(a.AgentID); err != nil {
				log.WithError(err).Error("Could not delete reaped agent")
			}
		}
		if s.cfg.Mesh != nil {
			announce := &mesh.PeerAnnounce{AgentID: a.AgentID, Status: "stale"}
			if err := s.cfg.Mesh.Broadcast(s.ctx, mesh.TypePeerAnnounce, announce, cfg.GossipDefaultTTL); err != nil {
				log.WithError(err).Debug("Could not announce stale agent")
			}
		}
	}
}

// broadcastCapabilities aggregates live agents per model and gossips the
// summary.
func (s *Service) broadcastCapabilities() {
	if s.cfg.Mesh == nil {
		return
	}
	cfg := params.EdgeCoderConfig()
	now := time.Now().UnixMilli()
	agents := s.registry.Active(now, cfg.AgentStaleThreshold.Milliseconds())

	type acc struct {
		count    int
		capacity float64
		maxSize  float64
		loadSum  float64
	}
	models := make(map[string]*acc)
	for _, a := range agents {
		if a.ActiveModel == "" {
			continue
		}
		m, ok := models[a.ActiveModel]
		if !ok {
			m = &acc{}
			models[a.ActiveModel] = m
		}
		m.count++
		m.capacity += a.ActiveModelParamSize
		if a.ActiveModelParamSize > m.maxSize {
			m.maxSize = a.ActiveModelParamSize
		}
		m.loadSum += float64(a.CurrentLoad)
	}
	summary := &mesh.CapabilitySummary{
		CoordinatorID: s.cfg.SelfID,
		AgentCount:    len(agents),
		Models:        make(map[string]mesh.ModelCapability, len(models)),
	}
	for name, m := range models {
		summary.Models[name] = mesh.ModelCapability{
			AgentCount:         m.count,
			TotalParamCapacity: m.capacity,
			MaxParamSize:       m.maxSize,
			AvgLoad:            m.loadSum / float64(m.count),
		}
	}
	if err := s.cfg.Mesh.Broadcast(s.ctx, mesh.TypeCapabilitySummary, summary, cfg.GossipDefaultTTL); err != nil {
		log.WithError(err).Debug("Could not broadcast capability summary")
	}
}

// broadcastQueueSummary gossips queue pressure and the current price.
func (s *Service) broadcastQueueSummary() {
	if s.cfg.Mesh == nil {
		return
	}
	cfg := params.EdgeCoderConfig()
	now := time.Now().UnixMilli()
	agents := s.registry.Active(now, cfg.AgentStaleThreshold.Milliseconds())

	summary := &mesh.QueueSummary{
		CoordinatorID: s.cfg.SelfID,
		QueueDepth:    s.queue.Depth(),
		ActiveAgents:  len(agents),
	}
	if err := s.cfg.Mesh.Broadcast(s.ctx, mesh.TypeQueueSummary, summary, cfg.GossipDefaultTTL); err != nil {
		log.WithError(err).Debug("Could not broadcast queue summary")
	}

	if s.cfg.Pricing != nil {
		capacity, load := 0, 0
		for _, a := range agents {
			capacity += a.MaxConcurrentTasks
			load += a.CurrentLoad
		}
		depth := s.queue.Depth()
		for _, rc := range []types.ResourceClass{types.ResourceCPU, types.ResourceGPU} {
			s.cfg.Pricing.Compute(rc, depth, capacity, load)
			utilisation := float64(depth) / float64(maxInt(1, capacity))
			proposal := s.cfg.Pricing.Proposal(s.cfg.SelfID, rc, utilisation)
			if err := s.cfg.Mesh.Broadcast(s.ctx, mesh.TypePriceProposal, proposal, cfg.GossipDefaultTTL); err != nil {
				log.WithError(err).Debug("Could not broadcast price proposal")
			}
		}
	}
}

// broadcastOrderingSnapshot publishes the ordering chain head.
func (s *Service) broadcastOrderingSnapshot() {
	if s.cfg.Mesh == nil {
		return
	}
	head, seq := s.cfg.Engine.Chain().Head()
	snap := &mesh.OrderingSnapshot{CoordinatorID: s.cfg.SelfID, Head: head, Sequence: seq}
	if err := s.cfg.Mesh.Broadcast(s.ctx, mesh.TypeOrderingSnapshot, snap, params.EdgeCoderConfig().GossipDefaultTTL); err != nil {
		log.WithError(err).Debug("Could not broadcast ordering snapshot")
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
