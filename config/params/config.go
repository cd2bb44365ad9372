// Package params defines the configurable constants that every EdgeCoder
// service reads at runtime.
package params

import (
	"sync"
	"time"
)

// EdgeCoderNodeConfig contains the tunable constants for a unified agent
// node. Fields tagged with yaml can be overridden from a config file.
type EdgeCoderNodeConfig struct {
	// Coordinator constants.
	AgentStaleThreshold   time.Duration `yaml:"AGENT_STALE_THRESHOLD"`
	ReaperInterval        time.Duration `yaml:"REAPER_INTERVAL"`
	ClaimTimeoutFactor    int           `yaml:"CLAIM_TIMEOUT_FACTOR"`
	MaxTaskRequeues       int           `yaml:"MAX_TASK_REQUEUES"`
	SchedulerQuantum      float64       `yaml:"SCHEDULER_QUANTUM"`
	DefaultTaskTimeout    time.Duration `yaml:"DEFAULT_TASK_TIMEOUT"`

	// Gossip mesh constants.
	GossipSkewWindow      time.Duration `yaml:"GOSSIP_SKEW_WINDOW"`
	GossipReplayWindow    time.Duration `yaml:"GOSSIP_REPLAY_WINDOW"`
	GossipRateLimit       int64         `yaml:"GOSSIP_RATE_LIMIT"`        // messages per rate period
	GossipRatePeriod      time.Duration `yaml:"GOSSIP_RATE_PERIOD"`
	GossipDedupCacheSize  int           `yaml:"GOSSIP_DEDUP_CACHE_SIZE"`
	GossipFanOut          int           `yaml:"GOSSIP_FAN_OUT"`
	GossipDefaultTTL      uint8         `yaml:"GOSSIP_DEFAULT_TTL"`
	ClaimDelay            time.Duration `yaml:"CLAIM_DELAY"`
	PeerRefreshInterval   time.Duration `yaml:"PEER_REFRESH_INTERVAL"`
	PeerMaxFailedProbes   int           `yaml:"PEER_MAX_FAILED_PROBES"`
	CapabilityInterval    time.Duration `yaml:"CAPABILITY_INTERVAL"`
	CapabilityStaleFactor int           `yaml:"CAPABILITY_STALE_FACTOR"`
	QueueSummaryInterval  time.Duration `yaml:"QUEUE_SUMMARY_INTERVAL"`

	// Ledger constants.
	BaseRatePerCPUSecond   float64       `yaml:"BASE_RATE_PER_CPU_SECOND"`
	OrderingSnapshotPeriod time.Duration `yaml:"ORDERING_SNAPSHOT_PERIOD"`
	IssuanceEpochPeriod    time.Duration `yaml:"ISSUANCE_EPOCH_PERIOD"`
	IssuanceVotingWindow   time.Duration `yaml:"ISSUANCE_VOTING_WINDOW"`
	DivergenceVoteWindow   time.Duration `yaml:"DIVERGENCE_VOTE_WINDOW"`
	DivergenceLookback     int           `yaml:"DIVERGENCE_LOOKBACK"`

	// BLE constants.
	BLEMTU                 int           `yaml:"BLE_MTU"`
	BLEChunkTimeout        time.Duration `yaml:"BLE_CHUNK_TIMEOUT"`
	BLEPeerStaleThreshold  time.Duration `yaml:"BLE_PEER_STALE_THRESHOLD"`
	BLECostCeiling         float64       `yaml:"BLE_COST_CEILING"`
	OfflineHeartbeatMisses int           `yaml:"OFFLINE_HEARTBEAT_MISSES"`
	HeartbeatInterval      time.Duration `yaml:"HEARTBEAT_INTERVAL"`

	// Pricing constants.
	BasePriceSats      float64 `yaml:"BASE_PRICE_SATS"`
	MinPriceSats       float64 `yaml:"MIN_PRICE_SATS"`
	MaxPriceSats       float64 `yaml:"MAX_PRICE_SATS"`
	PriceAlpha         float64 `yaml:"PRICE_ALPHA"`
	PriceBeta          float64 `yaml:"PRICE_BETA"`
	PriceWindowSize    int     `yaml:"PRICE_WINDOW_SIZE"`

	// Retry policy for transient failures.
	RetryBaseBackoff time.Duration `yaml:"RETRY_BASE_BACKOFF"`
	RetryBackoffCap  time.Duration `yaml:"RETRY_BACKOFF_CAP"`
	RetryMaxAttempts int           `yaml:"RETRY_MAX_ATTEMPTS"`
}

var edgeCoderConfig = MainnetConfig()
var configLock sync.RWMutex

// EdgeCoderConfig retrieves the node config.
func EdgeCoderConfig() *EdgeCoderNodeConfig {
	configLock.RLock()
	defer configLock.RUnlock()
	return edgeCoderConfig
}

// OverrideEdgeCoderConfig by replacing the config. The preferred pattern is to
// call this once at startup, before services are constructed.
func OverrideEdgeCoderConfig(c *EdgeCoderNodeConfig) {
	configLock.Lock()
	defer configLock.Unlock()
	edgeCoderConfig = c
}

// MainnetConfig returns the default production values.
func MainnetConfig() *EdgeCoderNodeConfig {
	return &EdgeCoderNodeConfig{
		AgentStaleThreshold: 120 * time.Second,
		ReaperInterval:      30 * time.Second,
		ClaimTimeoutFactor:  2,
		MaxTaskRequeues:     3,
		SchedulerQuantum:    1.0,
		DefaultTaskTimeout:  60 * time.Second,

		GossipSkewWindow:      60 * time.Second,
		GossipReplayWindow:    5 * time.Minute,
		GossipRateLimit:       200,
		GossipRatePeriod:      10 * time.Second,
		GossipDedupCacheSize:  10000,
		GossipFanOut:          8,
		GossipDefaultTTL:      3,
		ClaimDelay:            250 * time.Millisecond,
		PeerRefreshInterval:   45 * time.Second,
		PeerMaxFailedProbes:   3,
		CapabilityInterval:    60 * time.Second,
		CapabilityStaleFactor: 5,
		QueueSummaryInterval:  60 * time.Second,

		BaseRatePerCPUSecond:   1.0,
		OrderingSnapshotPeriod: 30 * time.Second,
		IssuanceEpochPeriod:    24 * time.Hour,
		IssuanceVotingWindow:   10 * time.Minute,
		DivergenceVoteWindow:   10 * time.Minute,
		DivergenceLookback:     64,

		BLEMTU:                 512,
		BLEChunkTimeout:        5 * time.Second,
		BLEPeerStaleThreshold:  60 * time.Second,
		BLECostCeiling:         200,
		OfflineHeartbeatMisses: 3,
		HeartbeatInterval:      15 * time.Second,

		BasePriceSats:   10,
		MinPriceSats:    1,
		MaxPriceSats:    1000,
		PriceAlpha:      1.5,
		PriceBeta:       0.5,
		PriceWindowSize: 16,

		RetryBaseBackoff: 250 * time.Millisecond,
		RetryBackoffCap:  30 * time.Second,
		RetryMaxAttempts: 5,
	}
}

// MinimalConfig returns a config with short windows, suitable for tests.
func MinimalConfig() *EdgeCoderNodeConfig {
	c := MainnetConfig()
	c.AgentStaleThreshold = 2 * time.Second
	c.ReaperInterval = 500 * time.Millisecond
	c.ClaimDelay = 50 * time.Millisecond
	c.CapabilityInterval = time.Second
	c.OrderingSnapshotPeriod = time.Second
	c.IssuanceEpochPeriod = 5 * time.Second
	c.IssuanceVotingWindow = 2 * time.Second
	c.PeerRefreshInterval = time.Second
	return c
}
