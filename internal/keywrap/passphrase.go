package keywrap

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/org/timecapsule/internal/crypto"
	"github.com/org/timecapsule/internal/secure"
)

const (
	// PBKDF2Iterations is the PBKDF2-HMAC-SHA256 work factor.
	PBKDF2Iterations = 100_000
	// SaltSize is the passphrase salt length.
	SaltSize = 16
)

// ErrWrongPassphrase covers both a wrong passphrase and a corrupted wrapped
// key; the two cannot be told apart. It matches ErrUnwrapFailure.
var ErrWrongPassphrase = fmt.Errorf("%w: wrong passphrase", ErrUnwrapFailure)

// WrapKeyWithPassphrase seals rawKey under a key derived from passphrase.
func WrapKeyWithPassphrase(rawKey []byte, passphrase string) (*WrappedKey, error) {
	if len(rawKey) == 0 {
		return nil, errors.New("wrapping key: empty key")
	}
	if passphrase == "" {
		return nil, errors.New("wrapping key: empty passphrase")
	}
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	kek := derivePassphraseKEK(passphrase, salt)
	defer secure.Wipe(kek)

	wrapped, nonce, err := crypto.EncryptAESGCM(rawKey, kek, nil)
	if err != nil {
		return nil, fmt.Errorf("wrapping key: %w", err)
	}
	return &WrappedKey{Mode: ModePassphrase, Wrapped: wrapped, Nonce: nonce, Salt: salt}, nil
}

// UnwrapKeyWithPassphrase opens a passphrase-mode wrapped key. The caller
// wipes the result.
func UnwrapKeyWithPassphrase(w *WrappedKey, passphrase string) ([]byte, error) {
	if w == nil || w.Mode != ModePassphrase {
		return nil, fmt.Errorf("%w: not a passphrase-wrapped key", ErrUnwrapFailure)
	}
	kek := derivePassphraseKEK(passphrase, w.Salt)
	defer secure.Wipe(kek)

	raw, err := crypto.DecryptAESGCM(w.Wrapped, w.Nonce, kek, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return raw, nil
}

func derivePassphraseKEK(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, crypto.KeySize, sha256.New)
}
