// Package envelope provides optional confidentiality for inter-node
// payloads: X25519 ECDH to derive a shared secret, HKDF-SHA256 key
// derivation, and AES-256-GCM with a per-message nonce. The mesh layer is
// signed but not encrypted by default; this interface is reserved for
// payloads that need it.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var hkdfInfo = []byte("edgecoder/envelope/v1")

// KeyPair holds an X25519 keypair used only for envelope encryption. It is
// distinct from the node's Ed25519 signing identity.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair creates a fresh X25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return nil, errors.Wrap(err, "could not read entropy")
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "could not derive public key")
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Seal encrypts plaintext for the holder of peerPublic. The returned bytes
// are nonce || ciphertext.
func Seal(own *KeyPair, peerPublic [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := deriveAEAD(own, peerPublic)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "could not read nonce entropy")
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts bytes produced by Seal with the complementary keypair.
func Open(own *KeyPair, peerPublic [32]byte, sealed []byte) ([]byte, error) {
	aead, err := deriveAEAD(own, peerPublic)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed payload too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not decrypt payload")
	}
	return plaintext, nil
}

func deriveAEAD(own *KeyPair, peerPublic [32]byte) (cipher.AEAD, error) {
	shared, err := curve25519.X25519(own.Private[:], peerPublic[:])
	if err != nil {
		return nil, errors.Wrap(err, "could not compute shared secret")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, hkdfInfo), key); err != nil {
		return nil, errors.Wrap(err, "could not derive encryption key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
