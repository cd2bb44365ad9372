package ledger

import (
	"testing"

	"github.com/codyrs82/edgecoder/testutil/assert"
	"github.com/codyrs82/edgecoder/testutil/require"
)

func TestChain_AppendLinksEntries(t *testing.T) {
	c := NewChain(nil)

	e0, err := c.Append("credit_transaction", map[string]int{"n": 1}, "c1", nil)
	require.NoError(t, err)
	e1, err := c.Append("credit_transaction", map[string]int{"n": 2}, "c1", nil)
	require.NoError(t, err)

	assert.Equal(t, GenesisPrevHash, e0.PrevEventHash)
	assert.Equal(t, uint64(0), e0.SequenceNumber)
	assert.Equal(t, e0.EventHash, e1.PrevEventHash)
	assert.Equal(t, uint64(1), e1.SequenceNumber)
	require.NoError(t, c.Verify())

	head, seq := c.Head()
	assert.Equal(t, e1.EventHash, head)
	assert.Equal(t, uint64(1), seq)
}

func TestChain_VerifyDetectsTampering(t *testing.T) {
	c := NewChain(nil)
	_, err := c.Append("credit_transaction", map[string]int{"n": 1}, "c1", nil)
	require.NoError(t, err)
	_, err = c.Append("credit_transaction", map[string]int{"n": 2}, "c1", nil)
	require.NoError(t, err)

	c.entries[0].Payload = []byte(`{"n":99}`)
	assert.ErrorContains(t, "ordering chain corrupt", c.Verify())
}

func TestChain_HasAncestor(t *testing.T) {
	c := NewChain(nil)
	e0, err := c.Append("x", map[string]int{"n": 1}, "c1", nil)
	require.NoError(t, err)
	_, err = c.Append("x", map[string]int{"n": 2}, "c1", nil)
	require.NoError(t, err)

	assert.Equal(t, true, c.HasAncestor(e0.EventHash, 10))
	assert.Equal(t, false, c.HasAncestor("unknown-hash", 10))
	// Lookback of 1 only inspects the head.
	assert.Equal(t, false, c.HasAncestor(e0.EventHash, 1))
}

func TestChain_RollbackAfter(t *testing.T) {
	c := NewChain(nil)
	_, err := c.Append("x", map[string]int{"n": 1}, "c1", nil)
	require.NoError(t, err)
	_, err = c.Append("x", map[string]int{"n": 2}, "c1", nil)
	require.NoError(t, err)
	_, err = c.Append("x", map[string]int{"n": 3}, "c1", nil)
	require.NoError(t, err)

	removed := c.RollbackAfter(0)
	assert.Equal(t, 2, len(removed))
	assert.Equal(t, 1, c.Len())
	require.NoError(t, c.Verify())
}

func TestChain_RangeInclusive(t *testing.T) {
	c := NewChain(nil)
	for i := 0; i < 5; i++ {
		_, err := c.Append("x", map[string]int{"n": i}, "c1", nil)
		require.NoError(t, err)
	}
	entries := c.Range(1, 3)
	require.Equal(t, 3, len(entries))
	assert.Equal(t, uint64(1), entries[0].SequenceNumber)
	assert.Equal(t, uint64(3), entries[2].SequenceNumber)
}
