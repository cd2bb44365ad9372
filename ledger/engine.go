package ledger

import (
	"sync"

	"github.com/codyrs82/edgecoder/crypto/keys"
	"github.com/pkg/errors"
)

// Engine errors surfaced to callers with stable codes.
var (
	ErrUnknownAccount   = errors.New("unknown_account")
	ErrDuplicateTx      = errors.New("duplicate_transaction")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrNegativeCredits  = errors.New("negative_credits")
	ErrMissingTxID      = errors.New("missing_tx_id")
)

// Engine maintains account balances and orders verified credit transactions
// into the chain. A single lock guards balances and is held through the
// chain append, so chain order always matches balance application order.
type Engine struct {
	lock sync.Mutex

	accounts map[string]*Account
	seenTx   map[string]bool
	// Per-account provider earnings accumulated since the last committed
	// issuance epoch.
	pendingEarnings map[string]float64

	chain    *Chain
	signerID string
	sign     Signer
}

// NewEngine creates a credit engine writing into the given chain.
func NewEngine(chain *Chain, signerID string, sign Signer) *Engine {
	return &Engine{
		accounts:        make(map[string]*Account),
		seenTx:          make(map[string]bool),
		pendingEarnings: make(map[string]float64),
		chain:           chain,
		signerID:        signerID,
		sign:            sign,
	}
}

// EnsureAccount registers an account public key on first contact. A known
// account keeps its original key; rebinding is refused elsewhere via
// signature failure.
func (e *Engine) EnsureAccount(id, publicKeyHex string) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if _, ok := e.accounts[id]; !ok {
		e.accounts[id] = &Account{ID: id, PublicKey: publicKeyHex}
	}
}

// Balance returns the current balance for an account.
func (e *Engine) Balance(id string) (float64, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	acct, ok := e.accounts[id]
	if !ok {
		return 0, ErrUnknownAccount
	}
	return acct.Balance, nil
}

// Accounts returns a snapshot of all accounts.
func (e *Engine) Accounts() []Account {
	e.lock.Lock()
	defer e.lock.Unlock()
	out := make([]Account, 0, len(e.accounts))
	for _, a := range e.accounts {
		out = append(out, *a)
	}
	return out
}

// ApplyTransaction verifies both signatures, deduplicates by txId, moves
// credits atomically and orders the transaction into the chain. The balance
// mutation and the append commit or roll back together.
func (e *Engine) ApplyTransaction(tx *CreditTransaction) error {
	if err := e.VerifyTransaction(tx); err != nil {
		return err
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	if e.seenTx[tx.TxID] {
		return ErrDuplicateTx
	}
	requester := e.accounts[tx.RequesterAccountID]
	provider := e.accounts[tx.ProviderAccountID]
	// Single ledger entry with both effects.
	requester.Balance -= tx.Credits
	provider.Balance += tx.Credits
	e.pendingEarnings[tx.ProviderAccountID] += tx.Credits
	e.seenTx[tx.TxID] = true

	if _, err := e.chain.Append("credit_transaction", tx, e.signerID, e.sign); err != nil {
		requester.Balance += tx.Credits
		provider.Balance -= tx.Credits
		e.pendingEarnings[tx.ProviderAccountID] -= tx.Credits
		delete(e.seenTx, tx.TxID)
		return err
	}
	transactionsApplied.Inc()
	return nil
}

// VerifyTransaction checks structure and both account signatures without
// mutating any state. Callers that must not commit dependent state before a
// settlement is known-good run this first.
func (e *Engine) VerifyTransaction(tx *CreditTransaction) error {
	if tx.TxID == "" {
		return ErrMissingTxID
	}
	if tx.Credits < 0 {
		return ErrNegativeCredits
	}
	e.lock.Lock()
	requester, okR := e.accounts[tx.RequesterAccountID]
	provider, okP := e.accounts[tx.ProviderAccountID]
	e.lock.Unlock()
	if !okR || !okP {
		return ErrUnknownAccount
	}
	if !keys.VerifyHex(requester.PublicKey, tx.RequesterSigningBytes(), tx.RequesterSignature) {
		return errors.Wrap(ErrInvalidSignature, "requester")
	}
	if !keys.VerifyHex(provider.PublicKey, tx.ProviderSigningBytes(), tx.ProviderSignature) {
		return errors.Wrap(ErrInvalidSignature, "provider")
	}
	return nil
}

// SyncResult reports the outcome of an offline batch submission.
type SyncResult struct {
	Applied []string `json:"applied"`
	Skipped []string `json:"skipped"`
	Total   int      `json:"total"`
}

// ApplyBatch ingests an offline (BLE) transaction batch. Duplicates and
// invalid transactions land in Skipped; the operation is idempotent.
func (e *Engine) ApplyBatch(txs []*CreditTransaction) SyncResult {
	res := SyncResult{Applied: []string{}, Skipped: []string{}, Total: len(txs)}
	for _, tx := range txs {
		if err := e.ApplyTransaction(tx); err != nil {
			log.WithError(err).WithField("txId", tx.TxID).Debug("Skipped offline transaction")
			transactionsSkipped.Inc()
			res.Skipped = append(res.Skipped, tx.TxID)
			continue
		}
		res.Applied = append(res.Applied, tx.TxID)
	}
	return res
}

// PendingEarnings snapshots per-account provider earnings accumulated since
// the last committed issuance epoch.
func (e *Engine) PendingEarnings() map[string]float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	out := make(map[string]float64, len(e.pendingEarnings))
	for id, v := range e.pendingEarnings {
		out[id] = v
	}
	return out
}

// ApplyIssuance distributes committed epoch amounts and clears the pending
// window. Called only after quorum commit.
func (e *Engine) ApplyIssuance(epochID string, amounts map[string]float64) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	total := 0.0
	for id, credits := range amounts {
		acct, ok := e.accounts[id]
		if !ok {
			acct = &Account{ID: id}
			e.accounts[id] = acct
		}
		acct.Balance += credits
		total += credits
	}
	e.pendingEarnings = make(map[string]float64)

	creditsIssued.Add(total)
	_, err := e.chain.Append("issuance_commit", map[string]interface{}{
		"epochId": epochID,
		"amounts": amounts,
	}, e.signerID, e.sign)
	return err
}

// RecordSeedTransfer credits a model seeder after checksum-verified
// distribution of a model file.
func (e *Engine) RecordSeedTransfer(seederAccountID string, sizeBytes int64, seederCount int) (float64, error) {
	credits := SeedCredits(sizeBytes, seederCount)
	e.lock.Lock()
	defer e.lock.Unlock()
	acct, ok := e.accounts[seederAccountID]
	if !ok {
		return 0, ErrUnknownAccount
	}
	acct.Balance += credits

	_, err := e.chain.Append("model_seed", map[string]interface{}{
		"accountId": seederAccountID,
		"credits":   credits,
		"sizeBytes": sizeBytes,
		"reason":    ReasonModelSeed,
	}, e.signerID, e.sign)
	return credits, err
}

// HasTransaction reports whether txId has already been ordered.
func (e *Engine) HasTransaction(txID string) bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.seenTx[txID]
}

// Chain exposes the ordering chain.
func (e *Engine) Chain() *Chain {
	return e.chain
}
