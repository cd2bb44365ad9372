// Package manager drives the BLE local mesh: offline detection, cost-routed
// task dispatch to nearby devices, and offline credit bookkeeping.
package manager

import (
	"context"
	"sync"

	"github.com/codyrs82/edgecoder/async"
	"github.com/codyrs82/edgecoder/ble/ledger"
	"github.com/codyrs82/edgecoder/ble/router"
	"github.com/codyrs82/edgecoder/config/params"
	creditledger "github.com/codyrs82/edgecoder/ledger"
	"github.com/codyrs82/edgecoder/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "ble")

// TaskRequest crosses the BLE link to ask a peer to run a task.
type TaskRequest struct {
	Task               *types.Task `json:"task"`
	RequesterAgentID   string      `json:"requesterAgentId"`
	RequesterAccountID string      `json:"requesterAccountId"`
}

// TaskResponse is the peer's answer.
type TaskResponse struct {
	TaskID            string  `json:"taskId"`
	Status            string  `json:"status"` // "completed" or "failed"
	Output            string  `json:"output,omitempty"`
	CPUSeconds        float64 `json:"cpuSeconds"`
	ModelParamSize    float64 `json:"modelParamSize"`
	ProviderAgentID   string  `json:"providerAgentId"`
	ProviderAccountID string  `json:"providerAccountId"`
	ProviderSignature string  `json:"providerSignature"`
}

// BLEPort abstracts the platform BLE stack; implementers provide it.
type BLEPort interface {
	StartAdvertising(ad router.Advertisement) error
	StopAdvertising() error
	StartScanning() error
	StopScanning() error
	DiscoveredPeers() []router.Peer
	SendTaskRequest(ctx context.Context, peerID string, req *TaskRequest) (*TaskResponse, error)
	OnTaskRequest(handler func(ctx context.Context, req *TaskRequest) *TaskResponse)
	UpdateAdvertisement(ad router.Advertisement) error
}

// BatchSyncer ingests the offline ledger once connectivity returns. The
// coordinator's ble-sync operation satisfies this.
type BatchSyncer interface {
	SyncOfflineBatch(txs []*creditledger.CreditTransaction) creditledger.SyncResult
}

// Executor runs a task on the local model backend when a BLE peer asks.
type Executor func(ctx context.Context, task *types.Task) (*types.TaskResult, error)

// Config wires the manager's dependencies.
type Config struct {
	SelfAd    router.Advertisement
	AccountID string
	Port      BLEPort
	Syncer    BatchSyncer
	Execute   Executor
	Offline   *ledger.OfflineLedger
}

// Manager owns the offline state machine.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *Config
	router *router.Router

	lock         sync.Mutex
	missedBeats  int
	offline      bool
	currentAd    router.Advertisement
	failedStatus error
}

// NewManager creates the BLE manager.
func NewManager(ctx context.Context, cfg *Config) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		router:    NewPeerRouter(),
		currentAd: cfg.SelfAd,
	}
	if cfg.Port != nil {
		cfg.Port.OnTaskRequest(m.handlePeerRequest)
	}
	return m
}

// NewPeerRouter is split out so tests can seed the router directly.
func NewPeerRouter() *router.Router {
	return router.NewRouter()
}

// Router exposes the cost router.
func (m *Manager) Router() *router.Router {
	return m.router
}

// Start begins advertising and the periodic scan harvest.
func (m *Manager) Start() {
	if m.cfg.Port != nil {
		if err := m.cfg.Port.StartAdvertising(m.currentAd); err != nil {
			log.WithError(err).Error("Could not start BLE advertising")
			m.failedStatus = err
		}
	}
	async.RunEvery(m.ctx, params.EdgeCoderConfig().HeartbeatInterval, m.harvestPeers)
}

// Stop cancels background work and stops the radio.
func (m *Manager) Stop() error {
	m.cancel()
	if m.cfg.Port != nil {
		if err := m.cfg.Port.StopAdvertising(); err != nil {
			return err
		}
		return m.cfg.Port.StopScanning()
	}
	return nil
}

// Status returns the last radio failure, if any.
func (m *Manager) Status() error {
	return m.failedStatus
}

// Offline reports whether the manager considers the internet path down.
func (m *Manager) Offline() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.offline
}

// RecordHeartbeat feeds coordinator heartbeat outcomes into the offline
// trigger: three straight misses flip to offline, one success flips back and
// flushes the offline ledger.
func (m *Manager) RecordHeartbeat(ok bool) {
	m.lock.Lock()
	if ok {
		m.missedBeats = 0
		wasOffline := m.offline
		m.offline = false
		m.lock.Unlock()
		if wasOffline {
			m.onReconnect()
		}
		return
	}
	m.missedBeats++
	trigger := m.missedBeats >= params.EdgeCoderConfig().OfflineHeartbeatMisses && !m.offline
	if trigger {
		m.offline = true
	}
	m.lock.Unlock()
	if trigger {
		m.goOffline()
	}
}

func (m *Manager) goOffline() {
	log.Warn("Entering offline mode, starting BLE scanning")
	if m.cfg.Port == nil {
		return
	}
	if err := m.cfg.Port.StartScanning(); err != nil {
		log.WithError(err).Error("Could not start BLE scanning")
	}
	if err := m.cfg.Port.StartAdvertising(m.currentAd); err != nil {
		log.WithError(err).Error("Could not start BLE advertising")
	}
}

// onReconnect stops scanning and syncs the offline ledger.
func (m *Manager) onReconnect() {
	log.Info("Back online, flushing offline ledger")
	if m.cfg.Port != nil {
		if err := m.cfg.Port.StopScanning(); err != nil {
			log.WithError(err).Debug("Could not stop BLE scanning")
		}
	}
	m.Flush()
}

// Flush submits pending offline transactions and prunes acknowledged ones.
func (m *Manager) Flush() {
	if m.cfg.Offline == nil || m.cfg.Syncer == nil {
		return
	}
	batch := m.cfg.Offline.ExportBatch()
	if len(batch) == 0 {
		return
	}
	res := m.cfg.Syncer.SyncOfflineBatch(batch)
	acked := append(append([]string{}, res.Applied...), res.Skipped...)
	m.cfg.Offline.MarkSynced(acked)
	m.cfg.Offline.Clear()
	log.WithFields(map[string]interface{}{
		"applied": len(res.Applied),
		"skipped": len(res.Skipped),
	}).Info("Offline ledger flushed")
}

// UpdateAdvertisement refreshes the capability beacon, advertising the
// unavailable load sentinel during model swaps.
func (m *Manager) UpdateAdvertisement(ad router.Advertisement) {
	m.lock.Lock()
	m.currentAd = ad
	m.lock.Unlock()
	if m.cfg.Port != nil {
		if err := m.cfg.Port.UpdateAdvertisement(ad); err != nil {
			log.WithError(err).Debug("Could not update BLE advertisement")
		}
	}
}

// harvestPeers pulls the platform scanner's discoveries into the router.
func (m *Manager) harvestPeers() {
	if m.cfg.Port == nil || !m.Offline() {
		return
	}
	for _, p := range m.cfg.Port.DiscoveredPeers() {
		m.router.Observe(p)
	}
}

// RouteTask sends a task to the best-scoring BLE peer and records the credit
// transaction in the offline ledger. A failed provider yields a failed
// result recorded with zero credits.
func (m *Manager) RouteTask(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
	peer, err := m.router.Select(task.RequiredModelSize)
	if err != nil {
		return nil, err
	}
	req := &TaskRequest{
		Task:               task,
		RequesterAgentID:   m.currentAd.AgentID,
		RequesterAccountID: m.cfg.AccountID,
	}
	resp, err := m.cfg.Port.SendTaskRequest(ctx, peer.Ad.AgentID, req)
	if err != nil {
		m.router.Forget(peer.Ad.AgentID)
		return nil, errors.Wrapf(err, "could not reach BLE peer %s", peer.Ad.AgentID)
	}

	result := &types.TaskResult{
		Status:            types.TaskStatus(resp.Status),
		Output:            resp.Output,
		CPUSeconds:        resp.CPUSeconds,
		ProviderSignature: resp.ProviderSignature,
	}
	credits := 0.0
	if result.Status == types.TaskCompleted {
		credits = creditledger.ComputeCredits(resp.CPUSeconds, resp.ModelParamSize)
	} else {
		result.Status = types.TaskFailed
	}
	if m.cfg.Offline != nil {
		tx := &creditledger.CreditTransaction{
			TxID:               task.TaskID + ":" + resp.ProviderAgentID,
			RequesterID:        m.currentAd.AgentID,
			ProviderID:         resp.ProviderAgentID,
			RequesterAccountID: m.cfg.AccountID,
			ProviderAccountID:  resp.ProviderAccountID,
			Credits:            credits,
			CPUSeconds:         resp.CPUSeconds,
			TaskHash:           task.Hash(),
			// Both settlement signatures cover the bid timestamp, so the
			// offline transaction must carry it or the engine rejects the
			// batch on reconnect.
			Timestamp:          task.BidTimestampMs,
			Reason:             creditledger.ReasonTaskPayment,
			RequesterSignature: task.RequesterSignature,
			ProviderSignature:  resp.ProviderSignature,
		}
		m.cfg.Offline.Record(tx)
	}
	return result, nil
}

// handlePeerRequest executes a task a nearby device asked us to run.
func (m *Manager) handlePeerRequest(ctx context.Context, req *TaskRequest) *TaskResponse {
	resp := &TaskResponse{
		TaskID:            req.Task.TaskID,
		ProviderAgentID:   m.currentAd.AgentID,
		ProviderAccountID: m.cfg.AccountID,
		ModelParamSize:    m.currentAd.ModelParamSize,
	}
	if m.cfg.Execute == nil {
		resp.Status = string(types.TaskFailed)
		return resp
	}
	result, err := m.cfg.Execute(ctx, req.Task)
	if err != nil {
		log.WithError(err).WithField("task", req.Task.TaskID).Warn("BLE task execution failed")
		resp.Status = string(types.TaskFailed)
		return resp
	}
	resp.Status = string(result.Status)
	resp.Output = result.Output
	resp.CPUSeconds = result.CPUSeconds
	resp.ProviderSignature = result.ProviderSignature
	return resp
}
