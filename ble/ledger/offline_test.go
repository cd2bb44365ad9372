package ledger

import (
	"testing"

	creditledger "github.com/codyrs82/edgecoder/ledger"
	"github.com/codyrs82/edgecoder/testutil/assert"
	"github.com/codyrs82/edgecoder/testutil/require"
)

func TestOfflineLedger_RecordDeduplicates(t *testing.T) {
	l := NewOfflineLedger(nil)

	assert.Equal(t, true, l.Record(&creditledger.CreditTransaction{TxID: "tx-1", Credits: 3.2}))
	assert.Equal(t, false, l.Record(&creditledger.CreditTransaction{TxID: "tx-1", Credits: 99}))
	assert.Equal(t, 1, l.Len())

	pending := l.Pending()
	require.Equal(t, 1, len(pending))
	// First write wins.
	assert.Equal(t, 3.2, pending[0].Credits)
}

func TestOfflineLedger_SyncLifecycle(t *testing.T) {
	l := NewOfflineLedger(nil)
	l.Record(&creditledger.CreditTransaction{TxID: "tx-1"})
	l.Record(&creditledger.CreditTransaction{TxID: "tx-2"})

	batch := l.ExportBatch()
	require.Equal(t, 2, len(batch))

	// Coordinator acknowledged only tx-1.
	l.MarkSynced([]string{"tx-1"})
	pending := l.Pending()
	require.Equal(t, 1, len(pending))
	assert.Equal(t, "tx-2", pending[0].TxID)

	l.Clear()
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 1, len(l.Pending()))
}

type countingPersister struct {
	saved int
}

func (p *countingPersister) SaveTransaction(_ *creditledger.CreditTransaction) error {
	p.saved++
	return nil
}

func TestOfflineLedger_PersistsRecordedTransactions(t *testing.T) {
	p := &countingPersister{}
	l := NewOfflineLedger(p)

	l.Record(&creditledger.CreditTransaction{TxID: "tx-1"})
	l.Record(&creditledger.CreditTransaction{TxID: "tx-1"})
	l.Record(&creditledger.CreditTransaction{TxID: "tx-2"})
	assert.Equal(t, 2, p.saved)
}
