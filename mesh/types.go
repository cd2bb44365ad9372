package mesh

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Gossip message types. Envelope payloads are a tagged union keyed on these.
const (
	TypePeerAnnounce       = "peer_announce"
	TypeQueueSummary       = "queue_summary"
	TypeTaskOffer          = "task_offer"
	TypeTaskClaim          = "task_claim"
	TypeClaimRejected      = "claim_rejected"
	TypeResultAnnounce     = "result_announce"
	TypeOrderingSnapshot   = "ordering_snapshot"
	TypeBlacklistUpdate    = "blacklist_update"
	TypeIssuanceProposal   = "issuance_proposal"
	TypeIssuanceVote       = "issuance_vote"
	TypeIssuanceCommit     = "issuance_commit"
	TypeIssuanceCheckpoint = "issuance_checkpoint"
	TypeCapabilitySummary  = "capability_summary"
	TypeTaskForward        = "task_forward"
	TypePriceProposal      = "price_proposal"
)

// PeerAnnounce introduces a node to the mesh or reports a status change for
// a known node. Responders include their own known-peer addresses so that
// the announcer can widen its peer table.
type PeerAnnounce struct {
	AgentID    string   `json:"agentId"`
	Addr       string   `json:"addr"`
	Status     string   `json:"status"` // "online", "offline", "stale"
	KnownPeers []string `json:"knownPeers,omitempty"`
}

// QueueSummary reports coordinator queue pressure. Receivers feed it into
// federation ranking as a tiebreak between equally capable coordinators.
type QueueSummary struct {
	CoordinatorID string `json:"coordinatorId"`
	QueueDepth    int    `json:"queueDepth"`
	ActiveAgents  int    `json:"activeAgents"`
}

// TaskOffer advertises a queued task to capable remote workers.
type TaskOffer struct {
	TaskID             string  `json:"taskId"`
	Kind               string  `json:"kind"`
	Language           string  `json:"language"`
	Input              string  `json:"input"`
	TimeoutMs          int64   `json:"timeoutMs"`
	SnapshotRef        string  `json:"snapshotRef,omitempty"`
	ProjectID          string  `json:"projectId"`
	ResourceClass      string  `json:"resourceClass"`
	Priority           int     `json:"priority"`
	RequiredModelSize  float64 `json:"requiredModelSize"`
	RequesterID        string  `json:"requesterId"`
	RequesterAccountID string  `json:"requesterAccountId"`
	RequesterSignature string  `json:"requesterSignature"`
	BidTimestampMs     int64   `json:"bidTimestampMs"`
	TaskHash           string  `json:"taskHash"`
}

// TaskClaim is a bid to execute an offered task.
type TaskClaim struct {
	TaskID      string  `json:"taskId"`
	AgentID     string  `json:"agentId"`
	AccountID   string  `json:"accountId"`
	Cost        float64 `json:"cost"`
	ClaimedAtMs int64   `json:"claimedAtMs"`
}

// ClaimRejected tells a losing claimer that another agent won the race.
type ClaimRejected struct {
	TaskID  string `json:"taskId"`
	AgentID string `json:"agentId"`
	Winner  string `json:"winner"`
}

// ResultAnnounce carries a completed (or failed) task result back through
// the mesh.
type ResultAnnounce struct {
	TaskID            string  `json:"taskId"`
	AgentID           string  `json:"agentId"`
	AccountID         string  `json:"accountId"`
	Status            string  `json:"status"` // "completed" or "failed"
	Output            string  `json:"output,omitempty"`
	CPUSeconds        float64 `json:"cpuSeconds"`
	ModelParamSize    float64 `json:"modelParamSize"`
	ProviderSignature string  `json:"providerSignature"`
}

// OrderingSnapshot publishes the head of a coordinator's ordering chain.
type OrderingSnapshot struct {
	CoordinatorID string `json:"coordinatorId"`
	Head          string `json:"head"`
	Sequence      uint64 `json:"sequence"`
}

// BlacklistUpdate propagates an agent ban.
type BlacklistUpdate struct {
	AgentID string `json:"agentId"`
	Reason  string `json:"reason"`
}

// IssuanceProposal opens an issuance epoch with per-account earn amounts.
type IssuanceProposal struct {
	EpochID       string             `json:"epochId"`
	CoordinatorID string             `json:"coordinatorId"`
	WindowStartMs int64              `json:"windowStartMs"`
	WindowEndMs   int64              `json:"windowEndMs"`
	Amounts       map[string]float64 `json:"amounts"`
}

// IssuanceVote approves or counters a proposal.
type IssuanceVote struct {
	EpochID        string             `json:"epochId"`
	Voter          string             `json:"voter"`
	Approve        bool               `json:"approve"`
	CounterAmounts map[string]float64 `json:"counterAmounts,omitempty"`
}

// IssuanceCommit finalises an epoch once quorum is reached.
type IssuanceCommit struct {
	EpochID   string             `json:"epochId"`
	Amounts   map[string]float64 `json:"amounts"`
	Approvals int                `json:"approvals"`
}

// IssuanceCheckpoint packages the post-commit chain head for anchoring.
type IssuanceCheckpoint struct {
	EpochID   string `json:"epochId"`
	Head      string `json:"head"`
	AnchorRef string `json:"anchorRef,omitempty"`
}

// ModelCapability aggregates agents serving one model. MaxParamSize is the
// largest single agent, since a pile of small models cannot substitute for
// one big one.
type ModelCapability struct {
	AgentCount         int     `json:"agentCount"`
	TotalParamCapacity float64 `json:"totalParamCapacity"`
	MaxParamSize       float64 `json:"maxParamSize"`
	AvgLoad            float64 `json:"avgLoad"`
}

// CapabilitySummary aggregates a coordinator's agents per model name.
type CapabilitySummary struct {
	CoordinatorID string                     `json:"coordinatorId"`
	AgentCount    int                        `json:"agentCount"`
	Models        map[string]ModelCapability `json:"models"`
}

// TaskForward routes a task to a federated coordinator that has capable
// agents.
type TaskForward struct {
	Offer             TaskOffer `json:"offer"`
	OriginCoordinator string    `json:"originCoordinator"`
	OriginAccountID   string    `json:"originAccountId"`
	OriginAddr        string    `json:"originAddr"`
}

// PriceProposal broadcasts a coordinator's computed price per compute unit.
type PriceProposal struct {
	CoordinatorID string  `json:"coordinatorId"`
	ResourceClass string  `json:"resourceClass"`
	PriceSats     float64 `json:"priceSats"`
	Utilisation   float64 `json:"utilisation"`
}

// DecodePayload parses the raw payload of an envelope into its statically
// typed variant based on the message type tag.
func DecodePayload(msgType string, raw json.RawMessage) (interface{}, error) {
	var target interface{}
	switch msgType {
	case TypePeerAnnounce:
		target = &PeerAnnounce{}
	case TypeQueueSummary:
		target = &QueueSummary{}
	case TypeTaskOffer:
		target = &TaskOffer{}
	case TypeTaskClaim:
		target = &TaskClaim{}
	case TypeClaimRejected:
		target = &ClaimRejected{}
	case TypeResultAnnounce:
		target = &ResultAnnounce{}
	case TypeOrderingSnapshot:
		target = &OrderingSnapshot{}
	case TypeBlacklistUpdate:
		target = &BlacklistUpdate{}
	case TypeIssuanceProposal:
		target = &IssuanceProposal{}
	case TypeIssuanceVote:
		target = &IssuanceVote{}
	case TypeIssuanceCommit:
		target = &IssuanceCommit{}
	case TypeIssuanceCheckpoint:
		target = &IssuanceCheckpoint{}
	case TypeCapabilitySummary:
		target = &CapabilitySummary{}
	case TypeTaskForward:
		target = &TaskForward{}
	case TypePriceProposal:
		target = &PriceProposal{}
	default:
		return nil, errors.Errorf("unknown message type %q", msgType)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, errors.Wrapf(err, "could not decode %s payload", msgType)
	}
	return target, nil
}

// validatePayload applies type-specific sanity rules after decoding.
func validatePayload(msgType string, payload interface{}) error {
	switch p := payload.(type) {
	case *CapabilitySummary:
		if p.AgentCount < 0 {
			return errors.New("capability_summary.agentCount is negative")
		}
		for model, m := range p.Models {
			if m.AgentCount < 0 || m.TotalParamCapacity < 0 || m.MaxParamSize < 0 {
				return errors.Errorf("capability_summary model %q has negative counts", model)
			}
		}
	case *TaskOffer:
		if p.TaskID == "" {
			return errors.New("task_offer.taskId is empty")
		}
	case *TaskClaim:
		if p.TaskID == "" || p.AgentID == "" {
			return errors.New("task_claim missing taskId or agentId")
		}
	case *ResultAnnounce:
		if p.Status != "completed" && p.Status != "failed" {
			return errors.Errorf("result_announce.status %q invalid", p.Status)
		}
	case *OrderingSnapshot:
		if p.Head == "" {
			return errors.New("ordering_snapshot.head is empty")
		}
	case *PriceProposal:
		if p.PriceSats < 0 {
			return errors.New("price_proposal.priceSats is negative")
		}
	}
	return nil
}
