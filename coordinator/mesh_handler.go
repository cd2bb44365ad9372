package coordinator

import (
	"context"
	"time"

	"github.com/codyrs82/edgecoder/config/params"
	"github.com/codyrs82/edgecoder/ledger"
	"github.com/codyrs82/edgecoder/mesh"
	"github.com/codyrs82/edgecoder/types"
)

// HandleMeshMessage reacts to accepted gossip traffic. Peer bookkeeping and
// capability summaries are consumed by the mesh layer itself before this is
// invoked.
func (s *Service) HandleMeshMessage(ctx context.Context, env *mesh.Envelope, payload interface{}) error {
	switch p := payload.(type) {
	case *mesh.TaskOffer:
		s.considerOffer(ctx, env, p)
	case *mesh.TaskClaim:
		s.judge.Submit(p)
	case *mesh.ClaimRejected:
		s.onClaimRejected(p)
	case *mesh.ResultAnnounce:
		return s.onRemoteResult(env, p)
	case *mesh.TaskForward:
		s.onTaskForward(p)
	case *mesh.BlacklistUpdate:
		s.onBlacklist(p)
	case *mesh.OrderingSnapshot:
		s.onOrderingSnapshot(p)
	case *mesh.PriceProposal:
		if s.cfg.Pricing != nil && p.CoordinatorID != s.cfg.SelfID {
			s.cfg.Pricing.Observe(p)
		}
	case *mesh.IssuanceProposal:
		if s.cfg.Issuance != nil && p.CoordinatorID != s.cfg.SelfID {
			return s.cfg.Issuance.OnProposal(ctx, p)
		}
	case *mesh.IssuanceVote:
		if s.cfg.Issuance != nil && p.Voter != s.cfg.SelfID {
			return s.cfg.Issuance.OnVote(ctx, p)
		}
	case *mesh.IssuanceCommit:
		if s.cfg.Issuance != nil {
			return s.cfg.Issuance.OnCommit(ctx, p)
		}
	}
	return nil
}

// claimCost scores how cheaply a local agent could serve an offer: a model
// preference penalty plus a load penalty, the over-the-wire analogue of the
// BLE router score.
func claimCost(agent *types.Agent) float64 {
	pref := (7 - agent.ActiveModelParamSize) * 8
	if pref < 0 {
		pref = 0
	}
	return pref + float64(agent.CurrentLoad)*20
}

// considerOffer bids on a remote task offer if a live local agent can serve
// it.
func (s *Service) considerOffer(ctx context.Context, env *mesh.Envelope, offer *mesh.TaskOffer) {
	if s.cfg.Mesh == nil || env.SenderID == s.cfg.SelfID {
		return
	}
	task := taskFromOffer(offer)
	task.Status = types.TaskQueued

	now := time.Now().UnixMilli()
	cfg := params.EdgeCoderConfig()
	var best *types.Agent
	for _, a := range s.registry.Active(now, cfg.AgentStaleThreshold.Milliseconds()) {
		if a.ModelSwapInProgress || !eligible(task, a) {
			continue
		}
		if a.CurrentLoad >= a.MaxConcurrentTasks {
			continue
		}
		if best == nil || claimCost(a) < claimCost(best) {
			best = a
		}
	}
	if best == nil {
		return
	}

	claim := &mesh.TaskClaim{
		TaskID:      offer.TaskID,
		AgentID:     best.AgentID,
		AccountID:   best.AccountID,
		Cost:        claimCost(best),
		ClaimedAtMs: now,
	}
	if err := s.cfg.Mesh.SendToPeer(ctx, env.SenderID, mesh.TypeTaskClaim, claim); err != nil {
		log.WithError(err).WithField("task", offer.TaskID).Debug("Could not send task claim")
		return
	}

	// Absent a rejection within two claim windows, assume the bid won and
	// adopt the task for local execution.
	s.claimLock.Lock()
	defer s.claimLock.Unlock()
	if _, dup := s.pendingClaims[offer.TaskID]; dup {
		return
	}
	rc := &remoteClaim{offer: offer, agentID: best.AgentID}
	rc.timer = time.AfterFunc(2*cfg.ClaimDelay, func() {
		s.adoptClaim(offer.TaskID)
	})
	s.pendingClaims[offer.TaskID] = rc
}

// adoptClaim enqueues a remotely offered task this node won the race for.
func (s *Service) adoptClaim(taskID string) {
	s.claimLock.Lock()
	rc, ok := s.pendingClaims[taskID]
	delete(s.pendingClaims, taskID)
	s.claimLock.Unlock()
	if !ok {
		return
	}
	task := taskFromOffer(rc.offer)
	if _, err := s.EnqueueTask(task); err != nil {
		log.WithError(err).WithField("task", taskID).Warn("Could not adopt claimed task")
	}
}

// onClaimRejected drops the pending bid for a lost race.
func (s *Service) onClaimRejected(p *mesh.ClaimRejected) {
	s.claimLock.Lock()
	defer s.claimLock.Unlock()
	if rc, ok := s.pendingClaims[p.TaskID]; ok {
		rc.timer.Stop()
		delete(s.pendingClaims, p.TaskID)
		log.WithFields(map[string]interface{}{
			"task":   p.TaskID,
			"winner": p.Winner,
		}).Debug("Lost task claim race")
	}
}

// awardClaim is the judge's winner callback: the task moves to claimed by
// the winning agent.
func (s *Service) awardClaim(taskID string, winner *mesh.TaskClaim) {
	if err := s.queue.ClaimFor(taskID, winner.AgentID, time.Now().UnixMilli()); err != nil {
		log.WithError(err).WithField("task", taskID).Debug("Could not award claim")
		return
	}
	log.WithFields(map[string]interface{}{
		"task":  taskID,
		"agent": winner.AgentID,
		"cost":  winner.Cost,
	}).Info("Task claim race won")
}

// rejectClaim is the judge's loser callback: an explicit claim_rejected via
// the reverse path.
func (s *Service) rejectClaim(loser *mesh.TaskClaim, winnerID string) {
	if s.cfg.Mesh == nil || loser.AgentID == s.cfg.SelfID {
		return
	}
	rejected := &mesh.ClaimRejected{TaskID: loser.TaskID, AgentID: loser.AgentID, Winner: winnerID}
	if err := s.cfg.Mesh.SendToPeer(s.ctx, loser.AgentID, mesh.TypeClaimRejected, rejected); err != nil {
		log.WithError(err).WithField("task", loser.TaskID).Debug("Could not send claim rejection")
	}
}

// onRemoteResult settles a result executed by a remote agent for a task this
// coordinator originated.
func (s *Service) onRemoteResult(env *mesh.Envelope, p *mesh.ResultAnnounce) error {
	task, ok := s.queue.Get(p.TaskID)
	if !ok {
		return nil // not our task
	}
	result := &types.TaskResult{
		Status:            types.TaskStatus(p.Status),
		Output:            p.Output,
		CPUSeconds:        p.CPUSeconds,
		ProviderSignature: p.ProviderSignature,
	}
	// The remote agent never registered here; claim on its behalf if the
	// task is still queued, then settle.
	if task.Status == types.TaskQueued {
		if err := s.queue.ClaimFor(p.TaskID, p.AgentID, time.Now().UnixMilli()); err != nil {
			return err
		}
	}
	settled, err := s.queue.Complete(p.TaskID, p.AgentID, result, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if s.cfg.Store != nil {
		if err := s.cfg.Store.SaveTask(settled); err != nil {
			log.WithError(err).Error("Could not persist task")
		}
	}
	if result.Status != types.TaskCompleted || s.cfg.Engine == nil || p.AccountID == "" {
		return nil
	}
	s.cfg.Engine.EnsureAccount(p.AccountID, env.SenderPublicKey)
	tx := &ledger.CreditTransaction{
		TxID:               TransactionID(p.TaskID, p.AgentID),
		RequesterID:        settled.RequesterID,
		ProviderID:         p.AgentID,
		RequesterAccountID: settled.RequesterAccountID,
		ProviderAccountID:  p.AccountID,
		Credits:            ledger.ComputeCredits(p.CPUSeconds, p.ModelParamSize),
		CPUSeconds:         p.CPUSeconds,
		TaskHash:           settled.Hash(),
		Timestamp:          settled.BidTimestampMs,
		Reason:             ledger.ReasonTaskPayment,
		RequesterSignature: settled.RequesterSignature,
		ProviderSignature:  p.ProviderSignature,
	}
	if err := s.cfg.Engine.ApplyTransaction(tx); err != nil {
		log.WithError(err).WithField("task", p.TaskID).Error("Could not settle remote result")
		return err
	}
	return nil
}

// onTaskForward accepts a task routed here by a federated coordinator.
func (s *Service) onTaskForward(p *mesh.TaskForward) {
	task := taskFromOffer(&p.Offer)
	if _, err := s.EnqueueTask(task); err != nil {
		log.WithError(err).WithField("origin", p.OriginCoordinator).Warn("Could not accept forwarded task")
		return
	}
	log.WithFields(map[string]interface{}{
		"task":   p.Offer.TaskID,
		"origin": p.OriginCoordinator,
	}).Info("Accepted forwarded task")
}

// onBlacklist bans the agent locally and requeues its in-flight work.
func (s *Service) onBlacklist(p *mesh.BlacklistUpdate) {
	s.registry.Ban(p.AgentID, p.Reason)
	requeued := s.queue.RequeueAgentTasks(p.AgentID)
	log.WithFields(map[string]interface{}{
		"agent":    p.AgentID,
		"reason":   p.Reason,
		"requeued": requeued,
	}).Warn("Agent blacklisted")
}

// onOrderingSnapshot feeds peer chain heads into divergence detection.
func (s *Service) onOrderingSnapshot(p *mesh.OrderingSnapshot) {
	if s.reconciler == nil || p.CoordinatorID == s.cfg.SelfID {
		return
	}
	if s.reconciler.ObserveHead(p.CoordinatorID, p.Head, p.Sequence) {
		log.WithFields(map[string]interface{}{
			"coordinator": p.CoordinatorID,
			"head":        p.Head,
		}).Warn("Ordering chain divergence detected")
	}
}
