package mesh

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/codyrs82/edgecoder/crypto/keys"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Envelope is the signed wrapper around every gossip message. The signature
// covers the canonical serialisation of all fields except signature and ttl;
// ttl is decremented by relays while the original signature must stay valid.
type Envelope struct {
	Type            string          `json:"type"`
	SenderID        string          `json:"senderId"`
	SenderPublicKey string          `json:"senderPublicKey"`
	MessageID       string          `json:"messageId"`
	Timestamp       int64           `json:"timestamp"` // unix milliseconds
	TTL             uint8           `json:"ttl"`
	Nonce           string          `json:"nonce"`
	Payload         json.RawMessage `json:"payload"`
	Signature       string          `json:"signature,omitempty"`
}

// NewEnvelope builds and signs an envelope for the given payload struct.
func NewEnvelope(id *keys.Identity, senderID, msgType string, payload interface{}, ttl uint8) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "could not marshal %s payload", msgType)
	}
	canon, err := Canonicalize(raw)
	if err != nil {
		return nil, err
	}
	e := &Envelope{
		Type:            msgType,
		SenderID:        senderID,
		SenderPublicKey: id.PublicKeyHex(),
		MessageID:       uuid.NewString(),
		Timestamp:       time.Now().UnixMilli(),
		TTL:             ttl,
		Nonce:           uuid.NewString(),
		Payload:         canon,
	}
	if err := e.Sign(id); err != nil {
		return nil, err
	}
	return e, nil
}

// SigningBytes returns the fixed-order canonical serialisation covered by
// the signature: type, senderId, senderPublicKey, messageId, timestamp,
// nonce, payload.
func (e *Envelope) SigningBytes() ([]byte, error) {
	payload, err := Canonicalize(e.Payload)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.WriteString(`{"type":`)
	b.WriteString(jsonString(e.Type))
	b.WriteString(`,"senderId":`)
	b.WriteString(jsonString(e.SenderID))
	b.WriteString(`,"senderPublicKey":`)
	b.WriteString(jsonString(e.SenderPublicKey))
	b.WriteString(`,"messageId":`)
	b.WriteString(jsonString(e.MessageID))
	b.WriteString(`,"timestamp":`)
	b.WriteString(strconv.FormatInt(e.Timestamp, 10))
	b.WriteString(`,"nonce":`)
	b.WriteString(jsonString(e.Nonce))
	b.WriteString(`,"payload":`)
	b.Write(payload)
	b.WriteString("}")
	return b.Bytes(), nil
}

// Sign computes and attaches the sender signature.
func (e *Envelope) Sign(id *keys.Identity) error {
	msg, err := e.SigningBytes()
	if err != nil {
		return err
	}
	e.Signature = hex.EncodeToString(id.Sign(msg))
	return nil
}

// VerifySignature reports whether the attached signature matches the sender
// public key carried in the envelope.
func (e *Envelope) VerifySignature() bool {
	msg, err := e.SigningBytes()
	if err != nil {
		return false
	}
	return keys.VerifyHex(e.SenderPublicKey, msg, e.Signature)
}

// checkRequiredFields rejects envelopes with structurally missing fields
// before any further validation work is spent on them.
func (e *Envelope) checkRequiredFields() error {
	switch {
	case e.Type == "":
		return errors.New("envelope missing type")
	case e.SenderID == "":
		return errors.New("envelope missing senderId")
	case e.SenderPublicKey == "":
		return errors.New("envelope missing senderPublicKey")
	case e.MessageID == "":
		return errors.New("envelope missing messageId")
	case e.Timestamp == 0:
		return errors.New("envelope missing timestamp")
	case e.Nonce == "":
		return errors.New("envelope missing nonce")
	case len(e.Payload) == 0:
		return errors.New("envelope missing payload")
	case e.Signature == "":
		return errors.New("envelope missing signature")
	}
	return nil
}

func jsonString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		// Strings cannot fail to marshal.
		panic(err)
	}
	return string(b)
}
