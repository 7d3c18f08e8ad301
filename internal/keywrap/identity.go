// Package keywrap protects message keys for a single recipient, either by
// X25519 key agreement with the recipient's public key or by a passphrase,
// and computes the integrity digests stored alongside each message.
//
// Recipients are addressed by account IDs: unpadded base32 strings carrying a
// version byte, the 32-byte X25519 public key and a CRC16-XModem checksum.
// Account IDs start with "T"; the matching secret seeds start with "S".
package keywrap

import (
	"context"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
)

// PublicKeySize is the length of an X25519 public key.
const PublicKeySize = 32

const (
	versionAccount byte = 19 << 3 // "T"
	versionSeed    byte = 18 << 3 // "S"

	encodedPayloadSize = 1 + PublicKeySize + 2
)

// ErrInvalidIdentity is returned for account IDs that do not decode.
var ErrInvalidIdentity = errors.New("invalid identity")

var accountEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// EncodedIDLength is the length of an account ID or seed string.
var EncodedIDLength = accountEncoding.EncodedLen(encodedPayloadSize)

// ResolveIdentityKey decodes an account ID into its raw public key.
func ResolveIdentityKey(identity string) ([PublicKeySize]byte, error) {
	var key [PublicKeySize]byte
	raw, err := decodeCheck(versionAccount, identity)
	if err != nil {
		return key, err
	}
	copy(key[:], raw)
	return key, nil
}

// EncodeAccountID renders a public key as an account ID.
func EncodeAccountID(publicKey [PublicKeySize]byte) string {
	return encodeCheck(versionAccount, publicKey[:])
}

// AccountResolver resolves account IDs locally, without a directory lookup.
type AccountResolver struct{}

// Resolve implements the identity resolution collaborator.
func (AccountResolver) Resolve(ctx context.Context, identity string) ([PublicKeySize]byte, error) {
	if err := ctx.Err(); err != nil {
		return [PublicKeySize]byte{}, err
	}
	return ResolveIdentityKey(identity)
}

// ValidateIdentity reports whether identity is a well-formed account ID.
func (AccountResolver) ValidateIdentity(identity string) error {
	_, err := ResolveIdentityKey(identity)
	return err
}

func encodeCheck(version byte, payload []byte) string {
	buf := make([]byte, 0, encodedPayloadSize)
	buf = append(buf, version)
	buf = append(buf, payload...)
	buf = binary.LittleEndian.AppendUint16(buf, crc16(buf))
	return accountEncoding.EncodeToString(buf)
}

func decodeCheck(version byte, s string) ([]byte, error) {
	if len(s) != EncodedIDLength {
		return nil, fmt.Errorf("%w: length %d, want %d", ErrInvalidIdentity, len(s), EncodedIDLength)
	}
	raw, err := accountEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if len(raw) != encodedPayloadSize {
		return nil, fmt.Errorf("%w: decoded %d bytes", ErrInvalidIdentity, len(raw))
	}
	if raw[0] != version {
		return nil, fmt.Errorf("%w: unexpected version byte 0x%02x", ErrInvalidIdentity, raw[0])
	}
	body := raw[:len(raw)-2]
	if binary.LittleEndian.Uint16(raw[len(raw)-2:]) != crc16(body) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidIdentity)
	}
	return body[1:], nil
}

// crc16 is CRC-16/XMODEM (poly 0x1021, init 0).
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
