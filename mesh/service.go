package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/codyrs82/edgecoder/async"
	"github.com/codyrs82/edgecoder/config/params"
	"github.com/codyrs82/edgecoder/crypto/keys"
	"github.com/pkg/errors"
)

// Handler consumes accepted gossip messages. The coordinator implements this
// to react to offers, claims, results, ledger and issuance traffic.
type Handler interface {
	HandleMeshMessage(ctx context.Context, env *Envelope, payload interface{}) error
}

// Config holds the dependencies of the gossip service.
type Config struct {
	SelfID        string
	SelfAddr      string
	Identity      *keys.Identity
	BootstrapURLs []string
	AuthToken     string
	Handler       Handler
}

// Service maintains the peer table and runs the gossip protocol: bootstrap
// announcement, periodic peer refresh, ingest validation and TTL-bounded
// forwarding.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg       *Config
	validator *Validator
	peers     *PeerTable
	federated *FederatedCapabilities
	client    *http.Client

	failStatus error
}

// NewService creates the gossip service.
func NewService(ctx context.Context, cfg *Config) (*Service, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		validator: v,
		peers:     NewPeerTable(),
		federated: NewFederatedCapabilities(),
		client:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Peers exposes the peer table. The coordinator references it but does not
// own it.
func (s *Service) Peers() *PeerTable {
	return s.peers
}

// Federated exposes the federated capability map.
func (s *Service) Federated() *FederatedCapabilities {
	return s.federated
}

// Start announces this node to its bootstrap peers and begins the periodic
// peer refresh.
func (s *Service) Start() {
	cfg := params.EdgeCoderConfig()
	for _, u := range s.cfg.BootstrapURLs {
		if u == "" || u == s.cfg.SelfAddr {
			continue
		}
		if err := s.announceTo(s.ctx, u); err != nil {
			log.WithError(err).WithField("bootstrap", u).Warn("Could not announce to bootstrap peer")
		}
	}
	async.RunEvery(s.ctx, cfg.PeerRefreshInterval, s.refreshPeers)
	log.WithField("bootstraps", len(s.cfg.BootstrapURLs)).Info("Gossip mesh started")
}

// Stop cancels all background routines.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status returns the last fatal mesh error, if any.
func (s *Service) Status() error {
	return s.failStatus
}

// Ingest runs the receive pipeline on an incoming envelope. Accepted
// messages are applied to mesh-internal state, handed to the registered
// handler, then relayed while TTL allows.
func (s *Service) Ingest(ctx context.Context, env *Envelope) (ValidationResult, error) {
	res, payload, err := s.validator.Validate(env)
	switch res {
	case ValidationReject:
		reason := "invalid"
		if err != nil {
			reason = err.Error()
		}
		messagesRejected.WithLabelValues(reason).Inc()
		log.WithError(err).WithFields(map[string]interface{}{
			"type":   env.Type,
			"sender": env.SenderID,
		}).Debug("Rejected gossip message")
		return res, err
	case ValidationIgnore:
		return res, nil
	}
	messagesAccepted.WithLabelValues(env.Type).Inc()

	s.applyInternal(env, payload)

	if s.cfg.Handler != nil {
		if err := s.cfg.Handler.HandleMeshMessage(ctx, env, payload); err != nil {
			log.WithError(err).WithField("type", env.Type).Warn("Mesh handler failed")
		}
	}

	s.forward(ctx, env)
	return ValidationAccept, nil
}

// applyInternal updates mesh-owned state for message types the gossip layer
// consumes itself.
func (s *Service) applyInternal(env *Envelope, payload interface{}) {
	switch p := payload.(type) {
	case *PeerAnnounce:
		if p.Status == "stale" || p.Status == "offline" {
			s.peers.Remove(p.AgentID)
		} else {
			direct := p.AgentID == env.SenderID
			s.peers.Upsert(p.AgentID, p.Addr, env.SenderPublicKey, direct)
			for _, addr := range p.KnownPeers {
				if addr != "" && addr != s.cfg.SelfAddr {
					go func(a string) {
						if err := s.announceTo(s.ctx, a); err != nil {
							log.WithError(err).WithField("peer", a).Debug("Could not reach relayed peer")
						}
					}(addr)
				}
			}
		}
		knownPeers.Set(float64(s.peers.Len()))
	case *CapabilitySummary:
		s.federated.Update(*p, env.Timestamp)
	case *QueueSummary:
		s.federated.UpdateQueueDepth(p.CoordinatorID, p.QueueDepth)
	}
}

// Broadcast signs a payload and sends it to up to fan-out peers.
func (s *Service) Broadcast(ctx context.Context, msgType string, payload interface{}, ttl uint8) error {
	env, err := NewEnvelope(s.cfg.Identity, s.cfg.SelfID, msgType, payload, ttl)
	if err != nil {
		return err
	}
	return s.send(ctx, env, "")
}

// SendDirect delivers an already built envelope to one peer address.
func (s *Service) SendDirect(ctx context.Context, addr string, env *Envelope) error {
	return s.post(ctx, addr, env)
}

// SendToPeer delivers a freshly signed message to a single known peer, used
// for reverse-path responses such as claim_rejected.
func (s *Service) SendToPeer(ctx context.Context, peerID, msgType string, payload interface{}) error {
	p, ok := s.peers.Get(peerID)
	if !ok || p.Addr == "" {
		return errors.Errorf("no address known for peer %s", peerID)
	}
	env, err := NewEnvelope(s.cfg.Identity, s.cfg.SelfID, msgType, payload, 1)
	if err != nil {
		return err
	}
	return s.post(ctx, p.Addr, env)
}

func (s *Service) forward(ctx context.Context, env *Envelope) {
	if env.TTL <= 1 {
		return
	}
	relay := *env
	relay.TTL = env.TTL - 1
	if err := s.send(ctx, &relay, env.SenderID); err != nil {
		log.WithError(err).Debug("Could not relay gossip message")
		return
	}
	messagesForwarded.Inc()
}

func (s *Service) send(ctx context.Context, env *Envelope, excludeID string) error {
	targets := s.peers.ForwardTargets(excludeID, params.EdgeCoderConfig().GossipFanOut)
	var lastErr error
	for _, p := range targets {
		if err := s.post(ctx, p.Addr, env); err != nil {
			lastErr = err
			log.WithError(err).WithField("peer", p.ID).Debug("Could not deliver gossip message")
		}
	}
	return lastErr
}

func (s *Service) post(ctx context.Context, addr string, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "could not marshal envelope")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/mesh/ingest", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "could not reach peer %s", addr)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close response body")
		}
	}()
	if resp.StatusCode >= 300 {
		return errors.Errorf("peer %s returned status %d", addr, resp.StatusCode)
	}
	return nil
}

// AnnounceEnvelope builds a signed peer_announce for this node carrying the
// addresses of every peer it knows. Sent on bootstrap and returned as the
// ingest reply so both sides learn each other in one exchange.
func (s *Service) AnnounceEnvelope() (*Envelope, error) {
	known := make([]string, 0)
	for _, p := range s.peers.All() {
		if p.Addr != "" {
			known = append(known, p.Addr)
		}
	}
	announce := &PeerAnnounce{
		AgentID:    s.cfg.SelfID,
		Addr:       s.cfg.SelfAddr,
		Status:     "online",
		KnownPeers: known,
	}
	return NewEnvelope(s.cfg.Identity, s.cfg.SelfID, TypePeerAnnounce, announce, 1)
}

// announceTo sends a peer_announce to one address and ingests the responding
// announce.
func (s *Service) announceTo(ctx context.Context, addr string) error {
	env, err := s.AnnounceEnvelope()
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/mesh/ingest", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "could not reach bootstrap %s", addr)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close response body")
		}
	}()
	if resp.StatusCode >= 300 {
		return errors.Errorf("bootstrap %s returned status %d", addr, resp.StatusCode)
	}
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || len(respBody) == 0 {
		return nil
	}
	var reply Envelope
	if err := json.Unmarshal(respBody, &reply); err != nil {
		return nil
	}
	if _, err := s.Ingest(ctx, &reply); err != nil {
		log.WithError(err).Debug("Bootstrap reply failed validation")
	}
	return nil
}

// refreshPeers probes each known peer and purges those that missed too many
// consecutive probes.
func (s *Service) refreshPeers() {
	cfg := params.EdgeCoderConfig()
	for _, p := range s.peers.All() {
		if p.Addr == "" {
			continue
		}
		if err := s.probe(p.Addr); err != nil {
			if fails := s.peers.MarkProbeFailure(p.ID); fails >= cfg.PeerMaxFailedProbes {
				log.WithField("peer", p.ID).Info("Removing unresponsive peer")
				s.peers.Remove(p.ID)
			}
			continue
		}
		s.peers.Upsert(p.ID, p.Addr, p.PublicKey, p.Direct)
	}
	knownPeers.Set(float64(s.peers.Len()))
}

func (s *Service) probe(addr string) error {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/status", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Debug("Could not close response body")
		}
	}()
	if resp.StatusCode >= 500 {
		return errors.Errorf("peer returned status %d", resp.StatusCode)
	}
	return nil
}
