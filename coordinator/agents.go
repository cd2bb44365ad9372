package coordinator

import (
	"bytes"
	"sync"

	"github.com/codyrs82/edgecoder/crypto/keys"
	"github.com/codyrs82/edgecoder/types"
)

// RegistrationSigningBytes is what an agent signs when registering: its ID,
// its account and its public key, pipe-separated.
func RegistrationSigningBytes(agentID, accountID, publicKeyHex string) []byte {
	var b bytes.Buffer
	b.WriteString(agentID)
	b.WriteString("|")
	b.WriteString(accountID)
	b.WriteString("|")
	b.WriteString(publicKeyHex)
	return b.Bytes()
}

// Registry tracks registered agents and the mesh blacklist.
type Registry struct {
	lock      sync.RWMutex
	agents    map[string]*types.Agent
	blacklist map[string]string // agentId -> reason
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{
		agents:    make(map[string]*types.Agent),
		blacklist: make(map[string]string),
	}
}

// Register upserts an agent record. Registration is idempotent: a repeat
// with the same agentId overwrites the prior record once the signature over
// the registration bytes checks out against the presented public key.
func (r *Registry) Register(agent *types.Agent, signatureHex string) error {
	msg := RegistrationSigningBytes(agent.AgentID, agent.AccountID, agent.PublicKey)
	if !keys.VerifyHex(agent.PublicKey, msg, signatureHex) {
		return ErrInvalidSignature
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, banned := r.blacklist[agent.AgentID]; banned {
		return ErrBlacklisted
	}
	r.agents[agent.AgentID] = agent
	registeredAgents.Set(float64(len(r.agents)))
	return nil
}

// HeartbeatUpdate carries the mutable fields refreshed by each heartbeat.
type HeartbeatUpdate struct {
	Telemetry            types.PowerTelemetry
	ActiveModel          string
	ActiveModelParamSize float64
	ModelSwapInProgress  bool
	CurrentLoad          int
	ConnectedPeers       int
	TimestampMs          int64
}

// Heartbeat refreshes lastSeenMs and the telemetry and model fields. A
// heartbeat older than the last applied one is dropped so the newest always
// wins regardless of arrival interleaving.
func (r *Registry) Heartbeat(agentID string, hb HeartbeatUpdate) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	if hb.TimestampMs < agent.LastSeenMs {
		return nil
	}
	agent.LastSeenMs = hb.TimestampMs
	agent.Power = hb.Telemetry
	agent.CurrentLoad = hb.CurrentLoad
	agent.ConnectedPeers = hb.ConnectedPeers
	agent.ModelSwapInProgress = hb.ModelSwapInProgress
	if hb.ActiveModel != "" {
		agent.ActiveModel = hb.ActiveModel
		agent.ActiveModelParamSize = hb.ActiveModelParamSize
	}
	return nil
}

// Get returns the agent with the given ID.
func (r *Registry) Get(agentID string) (*types.Agent, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// Active returns agents seen within the stale threshold as of nowMs.
func (r *Registry) Active(nowMs, staleThresholdMs int64) []*types.Agent {
	r.lock.RLock()
	defer r.lock.RUnlock()
	var out []*types.Agent
	for _, a := range r.agents {
		if nowMs-a.LastSeenMs <= staleThresholdMs {
			out = append(out, a)
		}
	}
	return out
}

// Stale returns agents whose last heartbeat is older than the threshold.
func (r *Registry) Stale(nowMs, staleThresholdMs int64) []*types.Agent {
	r.lock.RLock()
	defer r.lock.RUnlock()
	var out []*types.Agent
	for _, a := range r.agents {
		if nowMs-a.LastSeenMs > staleThresholdMs {
			out = append(out, a)
		}
	}
	return out
}

// Remove drops an agent from the registry.
func (r *Registry) Remove(agentID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.agents, agentID)
	registeredAgents.Set(float64(len(r.agents)))
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.agents)
}

// Ban records an agent in the blacklist and removes any live registration.
func (r *Registry) Ban(agentID, reason string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.blacklist[agentID] = reason
	delete(r.agents, agentID)
	registeredAgents.Set(float64(len(r.agents)))
}

// Banned reports whether an agent is blacklisted.
func (r *Registry) Banned(agentID string) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	_, ok := r.blacklist[agentID]
	return ok
}
