package mesh

import (
	"encoding/json"
	"testing"

	"github.com/codyrs82/edgecoder/crypto/keys"
	"github.com/codyrs82/edgecoder/testutil/assert"
	"github.com/codyrs82/edgecoder/testutil/require"
)

func TestEnvelope_SignVerify(t *testing.T) {
	id, err := keys.Generate()
	require.NoError(t, err)

	env, err := NewEnvelope(id, "node-1", TypeQueueSummary, &QueueSummary{
		CoordinatorID: "node-1",
		QueueDepth:    4,
		ActiveAgents:  2,
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, true, env.VerifySignature())

	// Any signed field change must break verification.
	env.SenderID = "node-2"
	assert.Equal(t, false, env.VerifySignature())
	env.SenderID = "node-1"
	assert.Equal(t, true, env.VerifySignature())

	env.Payload = json.RawMessage(`{"coordinatorId":"node-1","queueDepth":5,"activeAgents":2}`)
	assert.Equal(t, false, env.VerifySignature())
}

func TestEnvelope_TTLNotSigned(t *testing.T) {
	id, err := keys.Generate()
	require.NoError(t, err)

	env, err := NewEnvelope(id, "node-1", TypePeerAnnounce, &PeerAnnounce{AgentID: "node-1", Addr: "http://a", Status: "online"}, 5)
	require.NoError(t, err)

	// Relays decrement ttl while the original signature stays valid.
	env.TTL--
	assert.Equal(t, true, env.VerifySignature())
}

func TestCanonicalize_SortsKeysAndStripsWhitespace(t *testing.T) {
	canon, err := Canonicalize(json.RawMessage(`{ "b": 2, "a": { "d": 4, "c": 3 } }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"c":3,"d":4},"b":2}`, string(canon))
}

func TestCanonicalize_PreservesNumericLiterals(t *testing.T) {
	canon, err := Canonicalize(json.RawMessage(`{"timestamp":1724500000123,"credits":2.5}`))
	require.NoError(t, err)
	assert.Equal(t, `{"credits":2.5,"timestamp":1724500000123}`, string(canon))
}

func TestDecodePayload_UnknownType(t *testing.T) {
	_, err := DecodePayload("not_a_type", json.RawMessage(`{}`))
	assert.ErrorContains(t, "unknown message type", err)
}
