// Package types holds the domain entities shared between the coordinator,
// the persistent store and the API layer.
package types

import (
	"crypto/sha256"
	"encoding/hex"
)

// ResourceClass partitions tasks by the hardware they need.
type ResourceClass string

// Resource classes.
const (
	ResourceCPU ResourceClass = "cpu"
	ResourceGPU ResourceClass = "gpu"
)

// TaskStatus is the task state machine's state.
type TaskStatus string

// Task states.
const (
	TaskQueued    TaskStatus = "queued"
	TaskOffered   TaskStatus = "offered"
	TaskClaimed   TaskStatus = "claimed"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskExpired   TaskStatus = "expired"
)

// AgentMode distinguishes headless swarm workers from IDE-attached ones.
type AgentMode string

// Agent modes.
const (
	ModeSwarmOnly  AgentMode = "swarm-only"
	ModeIDEEnabled AgentMode = "ide-enabled"
)

// UnavailableLoad is the sentinel advertised while a model swap is in
// progress.
const UnavailableLoad = -1

// ProjectMeta groups a task under a project for fair-share scheduling.
type ProjectMeta struct {
	ProjectID     string        `json:"projectId"`
	ResourceClass ResourceClass `json:"resourceClass"`
	Priority      int           `json:"priority"`
}

// TaskResult is the signed outcome of executing a task.
type TaskResult struct {
	Status            TaskStatus `json:"status"`
	Output            string     `json:"output"`
	CPUSeconds        float64    `json:"cpuSeconds"`
	ProviderSignature string     `json:"providerSignature"`
	FailureReason     string     `json:"failureReason,omitempty"`
}

// Task is one unit of work flowing through the queue.
type Task struct {
	TaskID             string      `json:"taskId"`
	Kind               string      `json:"kind"`
	Language           string      `json:"language"`
	Input              string      `json:"input"`
	TimeoutMs          int64       `json:"timeoutMs"`
	SnapshotRef        string      `json:"snapshotRef,omitempty"`
	Project            ProjectMeta `json:"projectMeta"`
	Status             TaskStatus  `json:"status"`
	RequiredModelSize  float64     `json:"requiredModelSize"`
	RequesterID        string      `json:"requesterId"`
	RequesterAccountID string      `json:"requesterAccountId"`
	RequesterSignature string      `json:"requesterSignature"`
	BidTimestampMs     int64       `json:"bidTimestampMs"`
	EnqueuedAtMs       int64       `json:"enqueuedAtMs"`
	ClaimedBy          string      `json:"claimedBy,omitempty"`
	ClaimedAtMs        int64       `json:"claimedAtMs,omitempty"`
	CompletedAtMs      int64       `json:"completedAtMs,omitempty"`
	Requeues           int         `json:"requeues"`
	Result             *TaskResult `json:"result,omitempty"`
}

// Hash fingerprints the task input; credit transactions reference it.
func (t *Task) Hash() string {
	sum := sha256.Sum256([]byte(t.Input))
	return hex.EncodeToString(sum[:])
}

// PowerTelemetry is the power state reported with each heartbeat.
type PowerTelemetry struct {
	OnExternalPower bool  `json:"onExternalPower"`
	BatteryPct      int   `json:"batteryPct"`
	LowPowerMode    bool  `json:"lowPowerMode"`
	UpdatedAtMs     int64 `json:"updatedAtMs"`
}

// Agent is a participating node from the coordinator's perspective.
type Agent struct {
	AgentID              string          `json:"agentId"`
	AccountID            string          `json:"accountId"`
	PublicKey            string          `json:"publicKey"`
	OS                   string          `json:"os"`
	Version              string          `json:"version"`
	ClientType           string          `json:"clientType"`
	Mode                 AgentMode       `json:"mode"`
	ResourceClasses      []ResourceClass `json:"resourceClasses"`
	LocalModelCatalog    []string        `json:"localModelCatalog"`
	ActiveModel          string          `json:"activeModel"`
	ActiveModelParamSize float64         `json:"activeModelParamSize"`
	ModelSwapInProgress  bool            `json:"modelSwapInProgress"`
	MaxConcurrentTasks   int             `json:"maxConcurrentTasks"`
	CurrentLoad          int             `json:"currentLoad"`
	Power                PowerTelemetry  `json:"powerTelemetry"`
	LastSeenMs           int64           `json:"lastSeenMs"`
	ConnectedPeers       int             `json:"connectedPeers"`
}

// Supports reports whether the agent can run tasks of the given resource
// class. An empty class list means CPU only.
func (a *Agent) Supports(rc ResourceClass) bool {
	if len(a.ResourceClasses) == 0 {
		return rc == ResourceCPU
	}
	for _, c := range a.ResourceClasses {
		if c == rc {
			return true
		}
	}
	return false
}

// AdvertisedLoad is the load carried in BLE advertisements: the unavailable
// sentinel while a model swap is in progress.
func (a *Agent) AdvertisedLoad() int {
	if a.ModelSwapInProgress {
		return UnavailableLoad
	}
	return a.CurrentLoad
}

// AgentCapability is the per-agent summary returned by Capacity().
type AgentCapability struct {
	AgentID              string  `json:"agentId"`
	ActiveModel          string  `json:"activeModel"`
	ActiveModelParamSize float64 `json:"activeModelParamSize"`
	MaxConcurrentTasks   int     `json:"maxConcurrentTasks"`
	CurrentLoad          int     `json:"currentLoad"`
	LastSeenMs           int64   `json:"lastSeenMs"`
}

// PaymentIntent tracks an out-of-band credit purchase or withdrawal.
type PaymentIntent struct {
	ID          string  `json:"id"`
	AccountID   string  `json:"accountId"`
	AmountSats  float64 `json:"amountSats"`
	Status      string  `json:"status"`
	CreatedAtMs int64   `json:"createdAtMs"`
}
