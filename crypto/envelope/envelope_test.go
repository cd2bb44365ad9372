package envelope

import (
	"testing"

	"github.com/codyrs82/edgecoder/testutil/assert"
	"github.com/codyrs82/edgecoder/testutil/require"
)

func TestSealOpen_RoundTrip(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	plaintext := []byte(`{"txId":"abc","credits":2.5}`)
	sealed, err := Seal(alice, bob.Public, plaintext)
	require.NoError(t, err)

	opened, err := Open(bob, alice.Public, sealed)
	require.NoError(t, err)
	assert.DeepEqual(t, plaintext, opened)
}

func TestOpen_WrongKey(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)
	eve, err := GenerateKeyPair()
	require.NoError(t, err)

	sealed, err := Seal(alice, bob.Public, []byte("secret"))
	require.NoError(t, err)

	_, err = Open(eve, alice.Public, sealed)
	assert.ErrorContains(t, "could not decrypt payload", err)

	_, err = Open(bob, alice.Public, []byte{0x01})
	assert.ErrorContains(t, "sealed payload too short", err)
}
