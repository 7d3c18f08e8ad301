package keywrap

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/org/timecapsule/internal/crypto"
	"github.com/org/timecapsule/internal/secure"
)

// Mode says how a key was wrapped.
type Mode string

const (
	ModeRecipient  Mode = "recipient"
	ModePassphrase Mode = "passphrase"
)

// ErrMalformed is returned when a serialized wrapped key cannot be parsed.
var ErrMalformed = errors.New("malformed wrapped key")

// WrappedKey is a message key sealed for one recipient or one passphrase.
// Salt is set only in passphrase mode; the public keys only in recipient mode.
type WrappedKey struct {
	Mode               Mode
	Wrapped            []byte
	Nonce              []byte
	Salt               []byte
	RecipientPublicKey [PublicKeySize]byte
	EphemeralPublicKey [PublicKeySize]byte
}

type wrappedKeyWire struct {
	WrappedKeyHex         string `json:"wrappedKeyHex"`
	SaltHex               string `json:"saltHex,omitempty"`
	NonceHex              string `json:"nonceHex"`
	RecipientPublicKeyHex string `json:"recipientPublicKeyHex,omitempty"`
	EphemeralPublicKeyHex string `json:"ephemeralPublicKeyHex,omitempty"`
}

// MarshalJSON emits the mode-specific wire record.
func (w *WrappedKey) MarshalJSON() ([]byte, error) {
	wire := wrappedKeyWire{
		WrappedKeyHex: hex.EncodeToString(w.Wrapped),
		NonceHex:      hex.EncodeToString(w.Nonce),
	}
	switch w.Mode {
	case ModeRecipient:
		wire.RecipientPublicKeyHex = hex.EncodeToString(w.RecipientPublicKey[:])
		wire.EphemeralPublicKeyHex = hex.EncodeToString(w.EphemeralPublicKey[:])
	case ModePassphrase:
		wire.SaltHex = hex.EncodeToString(w.Salt)
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrMalformed, w.Mode)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON parses either wire record.
func (w *WrappedKey) UnmarshalJSON(data []byte) error {
	parsed, err := ParseWrappedKey(data)
	if err != nil {
		return err
	}
	*w = *parsed
	return nil
}

// ParseWrappedKey decodes a wire record. A record carrying saltHex is in
// passphrase mode; otherwise it must carry both public keys.
func ParseWrappedKey(data []byte) (*WrappedKey, error) {
	var wire wrappedKeyWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	w := &WrappedKey{}
	var err error
	if w.Wrapped, err = decodeHexField("wrappedKeyHex", wire.WrappedKeyHex, -1); err != nil {
		return nil, err
	}
	if len(w.Wrapped) < crypto.TagSize {
		return nil, fmt.Errorf("%w: wrappedKeyHex shorter than tag", ErrMalformed)
	}
	if w.Nonce, err = decodeHexField("nonceHex", wire.NonceHex, crypto.NonceSize); err != nil {
		return nil, err
	}

	if wire.SaltHex != "" {
		w.Mode = ModePassphrase
		if w.Salt, err = decodeHexField("saltHex", wire.SaltHex, SaltSize); err != nil {
			return nil, err
		}
		return w, nil
	}

	w.Mode = ModeRecipient
	recipient, err := decodeHexField("recipientPublicKeyHex", wire.RecipientPublicKeyHex, PublicKeySize)
	if err != nil {
		return nil, err
	}
	ephemeral, err := decodeHexField("ephemeralPublicKeyHex", wire.EphemeralPublicKeyHex, PublicKeySize)
	if err != nil {
		return nil, err
	}
	copy(w.RecipientPublicKey[:], recipient)
	copy(w.EphemeralPublicKey[:], ephemeral)
	return w, nil
}

// Wipe zeroes the wrapped bytes, nonce and salt.
func (w *WrappedKey) Wipe() {
	if w == nil {
		return
	}
	secure.Wipe(w.Wrapped, w.Nonce, w.Salt)
}

func decodeHexField(name, value string, size int) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformed, name)
	}
	b, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	if size >= 0 && len(b) != size {
		return nil, fmt.Errorf("%w: %s is %d bytes, want %d", ErrMalformed, name, len(b), size)
	}
	return b, nil
}
