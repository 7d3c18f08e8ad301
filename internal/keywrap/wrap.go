package keywrap

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/org/timecapsule/internal/crypto"
	"github.com/org/timecapsule/internal/secure"
)

// ErrUnwrapFailure is returned when a wrapped key cannot be opened.
var ErrUnwrapFailure = errors.New("unwrap failed")

// hkdfInfo separates the key-wrapping derivation from any other use of the
// shared secret. Changing it invalidates every wrapped key.
var hkdfInfo = []byte("timecapsule.keywrap.v1")

// WrapKey seals rawKey for the holder of recipientPublicKey. Each call uses a
// fresh ephemeral key pair and nonce; the shared secret is never stored.
func WrapKey(rawKey []byte, recipientPublicKey [PublicKeySize]byte) (*WrappedKey, error) {
	if len(rawKey) == 0 {
		return nil, errors.New("wrapping key: empty key")
	}
	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("wrapping key: %w", err)
	}
	defer ephemeral.Close()

	kek, err := deriveRecipientKEK(ephemeral, recipientPublicKey, ephemeral.Public, recipientPublicKey)
	if err != nil {
		return nil, fmt.Errorf("wrapping key: %w", err)
	}
	defer secure.Wipe(kek)

	aad := bindingData(ephemeral.Public, recipientPublicKey)
	wrapped, nonce, err := crypto.EncryptAESGCM(rawKey, kek, aad)
	if err != nil {
		return nil, fmt.Errorf("wrapping key: %w", err)
	}
	return &WrappedKey{
		Mode:               ModeRecipient,
		Wrapped:            wrapped,
		Nonce:              nonce,
		RecipientPublicKey: recipientPublicKey,
		EphemeralPublicKey: ephemeral.Public,
	}, nil
}

// UnwrapKey opens a recipient-mode wrapped key. The caller wipes the result.
func UnwrapKey(w *WrappedKey, recipient *KeyPair) ([]byte, error) {
	if w == nil || w.Mode != ModeRecipient {
		return nil, fmt.Errorf("%w: not a recipient-wrapped key", ErrUnwrapFailure)
	}
	if w.RecipientPublicKey != recipient.Public {
		return nil, fmt.Errorf("%w: wrapped for a different recipient", ErrUnwrapFailure)
	}
	kek, err := deriveRecipientKEK(recipient, w.EphemeralPublicKey, w.EphemeralPublicKey, recipient.Public)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnwrapFailure, err)
	}
	defer secure.Wipe(kek)

	raw, err := crypto.DecryptAESGCM(w.Wrapped, w.Nonce, kek, bindingData(w.EphemeralPublicKey, recipient.Public))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnwrapFailure, err)
	}
	return raw, nil
}

// deriveRecipientKEK agrees a secret between self and peer and stretches it
// with HKDF-SHA256, salted with both public keys.
func deriveRecipientKEK(self *KeyPair, peer, ephemeralPub, recipientPub [PublicKeySize]byte) ([]byte, error) {
	shared, err := self.sharedSecret(peer)
	if err != nil {
		return nil, err
	}
	defer secure.Wipe(shared)

	kek := make([]byte, crypto.KeySize)
	r := hkdf.New(sha256.New, shared, bindingData(ephemeralPub, recipientPub), hkdfInfo)
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("deriving KEK: %w", err)
	}
	return kek, nil
}

func bindingData(ephemeralPub, recipientPub [PublicKeySize]byte) []byte {
	out := make([]byte, 0, 2*PublicKeySize)
	out = append(out, ephemeralPub[:]...)
	return append(out, recipientPub[:]...)
}
