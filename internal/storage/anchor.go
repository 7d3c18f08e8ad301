package storage

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/org/timecapsule/pkg/models"
)

// anchorContext is the BLAKE3 key-derivation context for anchor references.
const anchorContext = "timecapsule 2026-03 message anchor v1"

// anchorEncMode is Core Deterministic CBOR with RFC 3339 times, so one
// descriptor always encodes to the same bytes.
var anchorEncMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	anchorEncMode, err = opts.EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
}

// BlobAddress returns the content address of data: BLAKE3-256 as hex.
func BlobAddress(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// AnchorReference commits to every field of d except its ID and its own
// anchor reference.
func AnchorReference(d *models.MessageDescriptor) (string, error) {
	cp := *d
	cp.ID = ""
	cp.AnchorReference = ""
	cp.UnlockAt = cp.UnlockAt.UTC()
	cp.CreatedAt = cp.CreatedAt.UTC()

	encoded, err := anchorEncMode.Marshal(&cp)
	if err != nil {
		return "", fmt.Errorf("encoding descriptor: %w", err)
	}
	h := blake3.NewDeriveKey(anchorContext)
	h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyAnchor reports whether d carries the anchor reference its fields
// commit to.
func VerifyAnchor(d *models.MessageDescriptor) bool {
	ref, err := AnchorReference(d)
	return err == nil && ref == d.AnchorReference
}
