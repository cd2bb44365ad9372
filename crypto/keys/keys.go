// Package keys manages the node's Ed25519 identity key: generation,
// persistence in the data directory, signing and verification.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const keyFileName = "identity.key"

// Identity wraps an Ed25519 keypair.
type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "could not generate identity key")
	}
	return &Identity{priv: priv, pub: pub}, nil
}

// LoadOrGenerate reads the identity key from dataDir, generating and
// persisting a new one on first use.
func LoadOrGenerate(dataDir string) (*Identity, error) {
	path := filepath.Join(dataDir, keyFileName)
	b, err := os.ReadFile(path)
	if err == nil {
		if len(b) != ed25519.PrivateKeySize {
			return nil, errors.Errorf("corrupt identity key file %s", path)
		}
		priv := ed25519.PrivateKey(b)
		return &Identity{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "could not read identity key")
	}
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, errors.Wrap(err, "could not create data directory")
	}
	if err := os.WriteFile(path, id.priv, 0600); err != nil {
		return nil, errors.Wrap(err, "could not persist identity key")
	}
	log.WithField("path", path).Info("Generated new node identity")
	return id, nil
}

// Sign returns the Ed25519 signature over msg.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.priv, msg)
}

// PublicKey returns the raw public key bytes.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.pub
}

// PublicKeyHex returns the public key as lowercase hex, the wire encoding
// used in gossip envelopes.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.pub)
}

// Verify reports whether sig is a valid signature over msg by pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// VerifyHex verifies using hex-encoded key and signature, as carried on the
// wire.
func VerifyHex(pubHex string, msg []byte, sigHex string) bool {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return Verify(pub, msg, sig)
}
