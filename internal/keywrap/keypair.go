package keywrap

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"

	"github.com/org/timecapsule/internal/secure"
)

// KeyPair is an X25519 key pair. The private scalar lives in a secure.Buffer;
// call Close when done.
type KeyPair struct {
	Public  [PublicKeySize]byte
	private *secure.Buffer
}

// GenerateKeyPair creates a random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}
	return newKeyPair(priv)
}

// ParseSeed restores a key pair from its secret seed.
func ParseSeed(seed string) (*KeyPair, error) {
	priv, err := decodeCheck(versionSeed, seed)
	if err != nil {
		return nil, fmt.Errorf("parsing seed: %w", err)
	}
	return newKeyPair(priv)
}

// newKeyPair takes ownership of priv and zeroes it.
func newKeyPair(priv []byte) (*KeyPair, error) {
	defer secure.Wipe(priv)
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}
	buf, err := secure.NewFromBytes(priv)
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}
	kp := &KeyPair{private: buf}
	copy(kp.Public[:], pub)
	return kp, nil
}

// AccountID returns the public account ID.
func (k *KeyPair) AccountID() string {
	return EncodeAccountID(k.Public)
}

// Seed returns the secret seed. The string lives on the heap; use it only to
// write the key file.
func (k *KeyPair) Seed() string {
	return encodeCheck(versionSeed, k.private.Bytes())
}

// Close wipes the private key.
func (k *KeyPair) Close() error {
	if k == nil || k.private == nil {
		return nil
	}
	return k.private.Close()
}

// sharedSecret runs X25519 against a peer public key. The caller wipes the
// result.
func (k *KeyPair) sharedSecret(peer [PublicKeySize]byte) ([]byte, error) {
	shared, err := curve25519.X25519(k.private.Bytes(), peer[:])
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	return shared, nil
}
