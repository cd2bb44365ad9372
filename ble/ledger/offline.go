// Package ledger holds credit transactions recorded while a device is off
// the internet path, until they can be synced to a coordinator.
package ledger

import (
	"sync"

	creditledger "github.com/codyrs82/edgecoder/ledger"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "ble")

// Persister durably stores offline transactions so a device reboot does not
// lose unsettled credits. Mobile builds back this with the bolt store.
type Persister interface {
	SaveTransaction(tx *creditledger.CreditTransaction) error
}

// OfflineLedger is a deduplicated set of credit transactions keyed by txId.
type OfflineLedger struct {
	lock      sync.Mutex
	txs       map[string]*creditledger.CreditTransaction
	synced    map[string]bool
	persister Persister // optional
}

// NewOfflineLedger creates an empty ledger. persister may be nil on devices
// with no durable store.
func NewOfflineLedger(persister Persister) *OfflineLedger {
	return &OfflineLedger{
		txs:       make(map[string]*creditledger.CreditTransaction),
		synced:    make(map[string]bool),
		persister: persister,
	}
}

// Record stores a transaction. Duplicate txIds are ignored; the first write
// wins.
func (l *OfflineLedger) Record(tx *creditledger.CreditTransaction) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	if _, dup := l.txs[tx.TxID]; dup {
		return false
	}
	l.txs[tx.TxID] = tx
	if l.persister != nil {
		if err := l.persister.SaveTransaction(tx); err != nil {
			log.WithError(err).WithField("tx", tx.TxID).Error("Could not persist offline transaction")
		}
	}
	return true
}

// Pending returns the transactions not yet acknowledged by a coordinator.
func (l *OfflineLedger) Pending() []*creditledger.CreditTransaction {
	l.lock.Lock()
	defer l.lock.Unlock()
	var out []*creditledger.CreditTransaction
	for id, tx := range l.txs {
		if !l.synced[id] {
			out = append(out, tx)
		}
	}
	return out
}

// ExportBatch snapshots the pending set for a sync attempt.
func (l *OfflineLedger) ExportBatch() []*creditledger.CreditTransaction {
	return l.Pending()
}

// MarkSynced flags transactions acknowledged by the coordinator, whether
// applied or skipped as duplicates.
func (l *OfflineLedger) MarkSynced(ids []string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for _, id := range ids {
		if _, ok := l.txs[id]; ok {
			l.synced[id] = true
		}
	}
}

// Clear drops every synced transaction, keeping unacknowledged ones.
func (l *OfflineLedger) Clear() {
	l.lock.Lock()
	defer l.lock.Unlock()
	for id := range l.synced {
		delete(l.txs, id)
		delete(l.synced, id)
	}
}

// Len returns the number of held transactions.
func (l *OfflineLedger) Len() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.txs)
}
