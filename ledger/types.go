// Package ledger implements the credit engine, the hash-linked ordering
// chain, and quorum-voted issuance epochs.
package ledger

import (
	"bytes"
	"strconv"

	"github.com/codyrs82/edgecoder/config/params"
)

// Reason classifies why credits moved.
type Reason string

// Credit transaction reasons.
const (
	ReasonTaskPayment   Reason = "task_payment"
	ReasonTaskExecution Reason = "task_execution"
	ReasonModelSeed     Reason = "model_seed"
	ReasonFaucet        Reason = "faucet"
	ReasonAdjust        Reason = "adjust"
	ReasonIssuance      Reason = "issuance"
)

// CreditTransaction is a dual-signed transfer of credits between two
// accounts. Once ordered into the chain it is immutable.
type CreditTransaction struct {
	TxID               string  `json:"txId"`
	RequesterID        string  `json:"requesterId"`
	ProviderID         string  `json:"providerId"`
	RequesterAccountID string  `json:"requesterAccountId"`
	ProviderAccountID  string  `json:"providerAccountId"`
	Credits            float64 `json:"credits"`
	CPUSeconds         float64 `json:"cpuSeconds"`
	TaskHash           string  `json:"taskHash"`
	Timestamp          int64   `json:"timestamp"`
	Reason             Reason  `json:"reason,omitempty"`
	RequesterSignature string  `json:"requesterSignature"`
	ProviderSignature  string  `json:"providerSignature"`
}

// RequesterSigningBytes is the bid the requester signs before sending the
// task: taskHash, timestamp and the paying account.
func (tx *CreditTransaction) RequesterSigningBytes() []byte {
	var b bytes.Buffer
	b.WriteString(tx.TaskHash)
	b.WriteString("|")
	b.WriteString(strconv.FormatInt(tx.Timestamp, 10))
	b.WriteString("|")
	b.WriteString(tx.RequesterAccountID)
	return b.Bytes()
}

// ProviderSigningBytes covers the full settlement the provider attests to
// after executing the task.
func (tx *CreditTransaction) ProviderSigningBytes() []byte {
	var b bytes.Buffer
	b.WriteString(tx.TxID)
	b.WriteString("|")
	b.WriteString(tx.RequesterAccountID)
	b.WriteString("|")
	b.WriteString(tx.ProviderAccountID)
	b.WriteString("|")
	b.WriteString(strconv.FormatFloat(tx.Credits, 'g', -1, 64))
	b.WriteString("|")
	b.WriteString(strconv.FormatFloat(tx.CPUSeconds, 'g', -1, 64))
	b.WriteString("|")
	b.WriteString(tx.TaskHash)
	b.WriteString("|")
	b.WriteString(strconv.FormatInt(tx.Timestamp, 10))
	return b.Bytes()
}

// Account holds a credit balance bound to a public key.
type Account struct {
	ID        string  `json:"id"`
	PublicKey string  `json:"publicKey"` // hex Ed25519
	Balance   float64 `json:"balance"`
}

// ModelQualityMultiplier maps a model's parameter size in billions to the
// credit multiplier applied to provider earnings.
func ModelQualityMultiplier(paramSize float64) float64 {
	switch {
	case paramSize >= 7:
		return 1.0
	case paramSize >= 3:
		return 0.7
	case paramSize >= 1.5:
		return 0.5
	default:
		return 0.3
	}
}

// ComputeCredits prices a completed task: cpuSeconds x base rate x model
// quality multiplier.
func ComputeCredits(cpuSeconds, paramSize float64) float64 {
	return cpuSeconds * params.EdgeCoderConfig().BaseRatePerCPUSecond * ModelQualityMultiplier(paramSize)
}

// SeedCredits rewards distributing a model file of sizeBytes, with a bonus
// shrinking as the seeder pool grows.
func SeedCredits(sizeBytes int64, seederCount int) float64 {
	sizeGB := float64(sizeBytes) / (1 << 30)
	denom := seederCount
	if denom < 1 {
		denom = 1
	}
	return 0.5 * sizeGB * (1 + 1/float64(denom))
}
