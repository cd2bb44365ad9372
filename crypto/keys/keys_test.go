package keys

import (
	"testing"

	"github.com/codyrs82/edgecoder/testutil/assert"
	"github.com/codyrs82/edgecoder/testutil/require"
)

func TestSignVerify_RoundTrip(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	msg := []byte("task_offer payload bytes")
	sig := id.Sign(msg)
	assert.Equal(t, true, Verify(id.PublicKey(), msg, sig))
	assert.Equal(t, false, Verify(id.PublicKey(), []byte("tampered"), sig))

	other, err := Generate()
	require.NoError(t, err)
	assert.Equal(t, false, Verify(other.PublicKey(), msg, sig))
}

func TestVerifyHex_BadInputs(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)
	sig := id.Sign([]byte("m"))
	assert.Equal(t, false, VerifyHex("nothex", []byte("m"), "00"))
	assert.Equal(t, false, VerifyHex(id.PublicKeyHex(), []byte("m"), "zz"))
	assert.Equal(t, false, Verify(nil, []byte("m"), sig))
}

func TestLoadOrGenerate_Persists(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrGenerate(dir)
	require.NoError(t, err)
	second, err := LoadOrGenerate(dir)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKeyHex(), second.PublicKeyHex())
}
