// Package worker executes claimed tasks against the local model backend and
// reports signed results back through the coordinator's public contract.
package worker

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/codyrs82/edgecoder/crypto/keys"
	"github.com/codyrs82/edgecoder/inference"
	"github.com/codyrs82/edgecoder/ledger"
	"github.com/codyrs82/edgecoder/types"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "worker")

// Worker turns a task into a result. Execute must honor ctx cancellation.
type Worker interface {
	Execute(ctx context.Context, task *types.Task) (*types.TaskResult, error)
}

// ModelWorker runs tasks on an inference backend and signs the provider side
// of the settlement.
type ModelWorker struct {
	agentID   string
	accountID string
	identity  *keys.Identity
	backend   inference.ModelBackend
	model     string
	paramSize float64
}

// NewModelWorker creates a worker bound to one active model.
func NewModelWorker(agentID, accountID string, identity *keys.Identity, backend inference.ModelBackend, model string, paramSize float64) *ModelWorker {
	return &ModelWorker{
		agentID:   agentID,
		accountID: accountID,
		identity:  identity,
		backend:   backend,
		model:     model,
		paramSize: paramSize,
	}
}

// Execute generates a completion for the task input within the task's
// timeout. On success the result carries the provider settlement signature.
func (w *ModelWorker) Execute(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
	if task.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(task.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	output, cpuSeconds, err := w.backend.Generate(ctx, w.model, task.Input, inference.GenerateParams{})
	if err != nil {
		return &types.TaskResult{
			Status:        types.TaskFailed,
			FailureReason: err.Error(),
		}, nil
	}
	result := &types.TaskResult{
		Status:     types.TaskCompleted,
		Output:     output,
		CPUSeconds: cpuSeconds,
	}
	result.ProviderSignature = w.signSettlement(task, cpuSeconds)
	return result, nil
}

// signSettlement signs the provider side of the credit transaction the
// coordinator will order for this task.
func (w *ModelWorker) signSettlement(task *types.Task, cpuSeconds float64) string {
	tx := &ledger.CreditTransaction{
		TxID:               task.TaskID + ":" + w.agentID,
		RequesterAccountID: task.RequesterAccountID,
		ProviderAccountID:  w.accountID,
		Credits:            ledger.ComputeCredits(cpuSeconds, w.paramSize),
		CPUSeconds:         cpuSeconds,
		TaskHash:           task.Hash(),
		Timestamp:          task.BidTimestampMs,
	}
	return hex.EncodeToString(w.identity.Sign(tx.ProviderSigningBytes()))
}
