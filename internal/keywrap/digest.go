package keywrap

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// DigestHexLength is the length of a hex-encoded digest.
const DigestHexLength = 2 * sha256.Size

// ComputeDigest returns the SHA-256 of data as lowercase hex.
func ComputeDigest(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// VerifyDigest reports whether data hashes to expectedHex. It never errors;
// malformed expectations simply fail.
func VerifyDigest(data []byte, expectedHex string) bool {
	expected := strings.ToLower(expectedHex)
	if len(expected) != DigestHexLength {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(ComputeDigest(data)), []byte(expected)) == 1
}
