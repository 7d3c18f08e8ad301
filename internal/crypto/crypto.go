package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/org/timecapsule/internal/secure"
)

const (
	// KeySize is the length of a raw AES-256 key.
	KeySize = 32
	// NonceSize is the GCM nonce length.
	NonceSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16
	// Algorithm tags every key and payload produced by this package.
	Algorithm = "AES-256-GCM"
)

var (
	// ErrAuthenticationFailure is returned when a GCM tag does not verify.
	ErrAuthenticationFailure = errors.New("authentication failed")
	// ErrInvalidKeyLength is returned when importing a key that is not 32 bytes.
	ErrInvalidKeyLength = errors.New("invalid key length")
	// ErrPayloadTooShort is returned when a payload blob cannot hold a nonce.
	ErrPayloadTooShort = errors.New("payload shorter than nonce")
)

// SymmetricKey is a 256-bit AEAD key held in a secure buffer.
type SymmetricKey struct {
	buf       *secure.Buffer
	algorithm string
}

// Algorithm returns the key's algorithm tag.
func (k *SymmetricKey) Algorithm() string {
	return k.algorithm
}

// Destroy wipes and releases the key. Safe to call more than once.
func (k *SymmetricKey) Destroy() {
	if k == nil || k.buf == nil {
		return
	}
	_ = k.buf.Close()
}

// GenerateKey returns a fresh random key.
func GenerateKey() (*SymmetricKey, error) {
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	buf, err := secure.NewFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("protecting key: %w", err)
	}
	return &SymmetricKey{buf: buf, algorithm: Algorithm}, nil
}

// ExportKey returns a heap copy of the raw key bytes. The caller owns the copy
// and must wipe it after use.
func ExportKey(key *SymmetricKey) []byte {
	out := make([]byte, KeySize)
	copy(out, key.buf.Bytes())
	return out
}

// ImportKey copies raw into a new key. raw is left untouched.
func ImportKey(raw []byte) (*SymmetricKey, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeyLength, len(raw), KeySize)
	}
	buf, err := secure.New(KeySize)
	if err != nil {
		return nil, fmt.Errorf("protecting key: %w", err)
	}
	copy(buf.Bytes(), raw)
	return &SymmetricKey{buf: buf, algorithm: Algorithm}, nil
}

// SecureWipe zeroes each buffer in place.
func SecureWipe(bufs ...[]byte) {
	secure.Wipe(bufs...)
}

// EncryptedPayload is the ciphertext of one message body.
type EncryptedPayload struct {
	Nonce      []byte
	Ciphertext []byte // includes the GCM tag
	Algorithm  string
	KeyLength  int
}

// Bytes serializes the payload as nonce || ciphertext.
func (p *EncryptedPayload) Bytes() []byte {
	out := make([]byte, len(p.Nonce)+len(p.Ciphertext))
	copy(out, p.Nonce)
	copy(out[len(p.Nonce):], p.Ciphertext)
	return out
}

// Wipe zeroes the nonce and ciphertext buffers.
func (p *EncryptedPayload) Wipe() {
	if p == nil {
		return
	}
	secure.Wipe(p.Nonce, p.Ciphertext)
}

// ParsePayload splits a serialized payload. The returned slices alias blob.
func ParsePayload(blob []byte) (*EncryptedPayload, error) {
	if len(blob) < NonceSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooShort, len(blob))
	}
	return &EncryptedPayload{
		Nonce:      blob[:NonceSize],
		Ciphertext: blob[NonceSize:],
		Algorithm:  Algorithm,
		KeyLength:  KeySize,
	}, nil
}

// Encrypt seals plaintext under key with a fresh random nonce.
func Encrypt(plaintext []byte, key *SymmetricKey) (*EncryptedPayload, error) {
	ciphertext, nonce, err := EncryptAESGCM(plaintext, key.buf.Bytes(), nil)
	if err != nil {
		return nil, err
	}
	return &EncryptedPayload{
		Nonce:      nonce,
		Ciphertext: ciphertext,
		Algorithm:  key.algorithm,
		KeyLength:  KeySize,
	}, nil
}

// Decrypt opens a payload. No plaintext is returned unless the tag verifies.
func Decrypt(payload *EncryptedPayload, key *SymmetricKey) ([]byte, error) {
	return DecryptAESGCM(payload.Ciphertext, payload.Nonce, key.buf.Bytes(), nil)
}

// EncryptAESGCM encrypts plaintext with AES-256-GCM. Returns ciphertext and nonce separately.
func EncryptAESGCM(plaintext, key, aad []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, aad)
	return ciphertext, nonce, nil
}

// DecryptAESGCM decrypts AES-256-GCM ciphertext.
func DecryptAESGCM(ciphertext, nonce, key, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: nonce is %d bytes", ErrAuthenticationFailure, len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeyLength, len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
