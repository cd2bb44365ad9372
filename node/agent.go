package node

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/codyrs82/edgecoder/async"
	blemanager "github.com/codyrs82/edgecoder/ble/manager"
	"github.com/codyrs82/edgecoder/ble/router"
	"github.com/codyrs82/edgecoder/config/params"
	"github.com/codyrs82/edgecoder/coordinator"
	"github.com/codyrs82/edgecoder/crypto/keys"
	"github.com/codyrs82/edgecoder/types"
	"github.com/codyrs82/edgecoder/worker"
	"github.com/pkg/errors"
)

// agentRunnerConfig wires the in-process agent loop.
type agentRunnerConfig struct {
	AgentID            string
	AccountID          string
	Identity           *keys.Identity
	Model              string
	ModelParamSize     float64
	MaxConcurrentTasks int
	Coordinator        *coordinator.Service
	Pool               *worker.Pool
	BLE                *blemanager.Manager
	// UpstreamURL is the remote coordinator whose reachability drives the
	// offline trigger. Empty means this node is its own root coordinator.
	UpstreamURL   string
	AuthToken     string
	MeshTokenHash string
}

// agentRunner registers this node's agent with the local coordinator and
// keeps it alive with periodic heartbeats. Each beat also probes the
// upstream coordinator; consecutive probe failures flip the BLE manager
// into offline mode.
type agentRunner struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *agentRunnerConfig
	client *http.Client

	failStatus error
}

func newAgentRunner(ctx context.Context, cfg *agentRunnerConfig) *agentRunner {
	ctx, cancel := context.WithCancel(ctx)
	return &agentRunner{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Start registers the agent and begins the heartbeat loop.
func (a *agentRunner) Start() {
	if err := a.register(); err != nil {
		log.WithError(err).Error("Could not register local agent")
		a.failStatus = err
		return
	}
	async.RunEvery(a.ctx, params.EdgeCoderConfig().HeartbeatInterval, a.beat)
}

// Stop cancels the heartbeat loop.
func (a *agentRunner) Stop() error {
	a.cancel()
	return nil
}

// Status reports a failed registration.
func (a *agentRunner) Status() error {
	return a.failStatus
}

func (a *agentRunner) register() error {
	agent := &types.Agent{
		AgentID:              a.cfg.AgentID,
		AccountID:            a.cfg.AccountID,
		PublicKey:            a.cfg.Identity.PublicKeyHex(),
		Mode:                 types.ModeSwarmOnly,
		LocalModelCatalog:    []string{a.cfg.Model},
		ActiveModel:          a.cfg.Model,
		ActiveModelParamSize: a.cfg.ModelParamSize,
		MaxConcurrentTasks:   a.cfg.MaxConcurrentTasks,
		LastSeenMs:           time.Now().UnixMilli(),
	}
	msg := coordinator.RegistrationSigningBytes(agent.AgentID, agent.AccountID, agent.PublicKey)
	sig := hex.EncodeToString(a.cfg.Identity.Sign(msg))
	_, err := a.cfg.Coordinator.RegisterAgent(agent, sig)
	return err
}

func (a *agentRunner) beat() {
	load := 0
	if a.cfg.Pool != nil {
		load = a.cfg.Pool.Load()
	}
	err := a.cfg.Coordinator.Heartbeat(a.cfg.AgentID, coordinator.HeartbeatUpdate{
		ActiveModel:          a.cfg.Model,
		ActiveModelParamSize: a.cfg.ModelParamSize,
		CurrentLoad:          load,
		TimestampMs:          time.Now().UnixMilli(),
	})
	if err != nil {
		log.WithError(err).Warn("Local heartbeat failed")
	}

	if a.cfg.BLE != nil {
		a.cfg.BLE.RecordHeartbeat(a.probeUpstream() == nil)
		a.cfg.BLE.UpdateAdvertisement(router.Advertisement{
			AgentID:        a.cfg.AgentID,
			AccountID:      a.cfg.AccountID,
			MeshTokenHash:  a.cfg.MeshTokenHash,
			Model:          a.cfg.Model,
			ModelParamSize: a.cfg.ModelParamSize,
			CurrentLoad:    load,
		})
	}
}

// probeUpstream sends this agent's heartbeat to the remote coordinator. With
// no upstream configured the node is its own root and always counts as
// connected.
func (a *agentRunner) probeUpstream() error {
	if a.cfg.UpstreamURL == "" {
		return nil
	}
	body, err := json.Marshal(map[string]interface{}{
		"agentId":              a.cfg.AgentID,
		"activeModel":          a.cfg.Model,
		"activeModelParamSize": a.cfg.ModelParamSize,
		"timestampMs":          time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.UpstreamURL+"/heartbeat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.AuthToken)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "upstream coordinator unreachable")
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close response body")
		}
	}()
	// 404 still proves connectivity; the upstream just has not seen our
	// registration yet.
	if resp.StatusCode >= 500 {
		return errors.Errorf("upstream returned status %d", resp.StatusCode)
	}
	return nil
}
