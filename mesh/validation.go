package mesh

import (
	"sync"
	"time"

	"github.com/codyrs82/edgecoder/config/params"
	lru "github.com/hashicorp/golang-lru"
	"github.com/kevinms/leakybucket-go"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

// ValidationResult mirrors the accept/ignore/reject trichotomy used when
// filtering incoming gossip: rejects are protocol violations worth logging,
// ignores are silent drops (duplicates).
type ValidationResult int

const (
	ValidationAccept ValidationResult = iota
	ValidationIgnore
	ValidationReject
)

var (
	// ErrReplay marks a reused (senderId, nonce) pair.
	ErrReplay = errors.New("replay")
	// ErrRateLimited marks a sender exceeding the sliding-window limit.
	ErrRateLimited = errors.New("rate_limited")
	// ErrBadSignature marks an envelope whose signature fails to verify.
	ErrBadSignature = errors.New("bad_signature")
	// ErrIdentityMismatch marks a sender reusing an id with a new key.
	ErrIdentityMismatch = errors.New("identity_mismatch")
	// ErrClockSkew marks a timestamp outside the allowed skew window.
	ErrClockSkew = errors.New("clock_skew")
)

// Validator applies the receive pipeline to incoming envelopes: field
// presence, clock skew, nonce replay, per-sender rate limit, signature and
// identity consistency, message-id dedup, then payload rules.
type Validator struct {
	skewWindow time.Duration

	replayCache *gocache.Cache
	limiter     *leakybucket.Collector
	seenIDs     *lru.Cache

	identityLock sync.Mutex
	identities   map[string]string // senderId -> first observed public key
}

// NewValidator builds a validator from the current node config.
func NewValidator() (*Validator, error) {
	cfg := params.EdgeCoderConfig()
	seen, err := lru.New(cfg.GossipDedupCacheSize)
	if err != nil {
		return nil, err
	}
	ratePerSecond := float64(cfg.GossipRateLimit) / cfg.GossipRatePeriod.Seconds()
	return &Validator{
		skewWindow:  cfg.GossipSkewWindow,
		replayCache: gocache.New(cfg.GossipReplayWindow, cfg.GossipReplayWindow),
		limiter:     leakybucket.NewCollector(ratePerSecond, cfg.GossipRateLimit, true /* deleteEmptyBuckets */),
		seenIDs:     seen,
		identities:  make(map[string]string),
	}, nil
}

// Validate runs the full receive pipeline and, on acceptance, returns the
// decoded typed payload.
func (v *Validator) Validate(e *Envelope) (ValidationResult, interface{}, error) {
	if err := e.checkRequiredFields(); err != nil {
		return ValidationReject, nil, err
	}

	now := time.Now().UnixMilli()
	skew := now - e.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > v.skewWindow.Milliseconds() {
		return ValidationReject, nil, ErrClockSkew
	}

	nonceKey := e.SenderID + ":" + e.Nonce
	if _, seen := v.replayCache.Get(nonceKey); seen {
		return ValidationReject, nil, ErrReplay
	}

	if v.limiter.Remaining(e.SenderID) < 1 {
		return ValidationReject, nil, ErrRateLimited
	}
	v.limiter.Add(e.SenderID, 1)

	if !e.VerifySignature() {
		return ValidationReject, nil, ErrBadSignature
	}
	if err := v.checkIdentity(e.SenderID, e.SenderPublicKey); err != nil {
		return ValidationReject, nil, err
	}

	// The nonce is only burned once the signature is known good, so a
	// forger cannot poison a legitimate sender's nonce space.
	v.replayCache.SetDefault(nonceKey, true)

	if ok, _ := v.seenIDs.ContainsOrAdd(e.MessageID, true); ok {
		return ValidationIgnore, nil, nil
	}

	payload, err := DecodePayload(e.Type, e.Payload)
	if err != nil {
		return ValidationReject, nil, err
	}
	if err := validatePayload(e.Type, payload); err != nil {
		return ValidationReject, nil, err
	}
	return ValidationAccept, payload, nil
}

func (v *Validator) checkIdentity(senderID, publicKey string) error {
	v.identityLock.Lock()
	defer v.identityLock.Unlock()
	prior, ok := v.identities[senderID]
	if !ok {
		v.identities[senderID] = publicKey
		return nil
	}
	if prior != publicKey {
		return ErrIdentityMismatch
	}
	return nil
}
