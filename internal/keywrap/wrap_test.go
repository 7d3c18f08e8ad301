package keywrap

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"pgregory.net/rapid"

	"github.com/org/timecapsule/internal/crypto"
)

func testRawKey(t *testing.T) []byte {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	defer key.Destroy()
	return crypto.ExportKey(key)
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	recipient := mustKeyPair(t)
	raw := testRawKey(t)

	w, err := WrapKey(raw, recipient.Public)
	if err != nil {
		t.Fatalf("WrapKey: %v", err)
	}
	if w.Mode != ModeRecipient {
		t.Errorf("mode = %q", w.Mode)
	}
	if bytes.Contains(w.Wrapped, raw) {
		t.Fatal("wrapped bytes contain the raw key")
	}

	got, err := UnwrapKey(w, recipient)
	if err != nil {
		t.Fatalf("UnwrapKey: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Error("unwrapped key differs")
	}
}

func TestWrapTwiceDiffers(t *testing.T) {
	recipient := mustKeyPair(t)
	raw := testRawKey(t)

	a, err := WrapKey(raw, recipient.Public)
	if err != nil {
		t.Fatal(err)
	}
	b, err := WrapKey(raw, recipient.Public)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a.Nonce, b.Nonce) {
		t.Error("two wraps share a nonce")
	}
	if bytes.Equal(a.Wrapped, b.Wrapped) {
		t.Error("two wraps produced identical output")
	}
	if a.EphemeralPublicKey == b.EphemeralPublicKey {
		t.Error("two wraps share an ephemeral key")
	}
}

func TestUnwrapForeignRecipient(t *testing.T) {
	recipient := mustKeyPair(t)
	other := mustKeyPair(t)

	w, err := WrapKey(testRawKey(t), recipient.Public)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := UnwrapKey(w, other); !errors.Is(err, ErrUnwrapFailure) {
		t.Errorf("foreign unwrap error = %v, want ErrUnwrapFailure", err)
	}

	// Relabelling the envelope for the other key must still fail on the tag.
	w.RecipientPublicKey = other.Public
	if _, err := UnwrapKey(w, other); !errors.Is(err, ErrUnwrapFailure) {
		t.Errorf("relabelled unwrap error = %v, want ErrUnwrapFailure", err)
	}
}

func TestUnwrapTampered(t *testing.T) {
	recipient := mustKeyPair(t)
	raw := testRawKey(t)

	tamper := []struct {
		name string
		fn   func(w *WrappedKey)
	}{
		{"wrapped", func(w *WrappedKey) { w.Wrapped[0] ^= 0x01 }},
		{"tag", func(w *WrappedKey) { w.Wrapped[len(w.Wrapped)-1] ^= 0x80 }},
		{"nonce", func(w *WrappedKey) { w.Nonce[3] ^= 0x10 }},
		{"ephemeral", func(w *WrappedKey) { w.EphemeralPublicKey[0] ^= 0x02 }},
		{"mode", func(w *WrappedKey) { w.Mode = ModePassphrase }},
	}
	for _, tc := range tamper {
		t.Run(tc.name, func(t *testing.T) {
			w, err := WrapKey(raw, recipient.Public)
			if err != nil {
				t.Fatal(err)
			}
			tc.fn(w)
			got, err := UnwrapKey(w, recipient)
			if !errors.Is(err, ErrUnwrapFailure) {
				t.Errorf("error = %v, want ErrUnwrapFailure", err)
			}
			if got != nil {
				t.Error("tampered unwrap returned key bytes")
			}
		})
	}
}

func TestWrapEmptyKey(t *testing.T) {
	recipient := mustKeyPair(t)
	if _, err := WrapKey(nil, recipient.Public); err == nil {
		t.Error("expected error wrapping an empty key")
	}
}

func TestWrappedKeyJSONRecipient(t *testing.T) {
	recipient := mustKeyPair(t)
	raw := testRawKey(t)
	w, err := WrapKey(raw, recipient.Public)
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var fields map[string]string
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"wrappedKeyHex", "nonceHex", "recipientPublicKeyHex", "ephemeralPublicKeyHex"} {
		if fields[k] == "" {
			t.Errorf("missing field %s in %s", k, data)
		}
	}
	if _, ok := fields["saltHex"]; ok {
		t.Error("recipient record should not carry saltHex")
	}

	var parsed WrappedKey
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got, err := UnwrapKey(&parsed, recipient)
	if err != nil {
		t.Fatalf("UnwrapKey after JSON: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Error("key differs after JSON round trip")
	}
}

func TestParseWrappedKeyMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `nope`},
		{"missing wrapped", `{"nonceHex":"000000000000000000000000"}`},
		{"bad hex", `{"wrappedKeyHex":"zz","nonceHex":"000000000000000000000000"}`},
		{"short wrapped", `{"wrappedKeyHex":"00","nonceHex":"000000000000000000000000","saltHex":"00000000000000000000000000000000"}`},
		{"short nonce", `{"wrappedKeyHex":"00000000000000000000000000000000","nonceHex":"00","saltHex":"00000000000000000000000000000000"}`},
		{"short salt", `{"wrappedKeyHex":"00000000000000000000000000000000","nonceHex":"000000000000000000000000","saltHex":"00"}`},
		{"no recipient", `{"wrappedKeyHex":"00000000000000000000000000000000","nonceHex":"000000000000000000000000"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseWrappedKey([]byte(tc.data)); !errors.Is(err, ErrMalformed) {
				t.Errorf("error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestWrapRoundTripProperty(t *testing.T) {
	recipient := mustKeyPair(t)
	rapid.Check(t, func(rt *rapid.T) {
		raw := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(rt, "raw")
		w, err := WrapKey(raw, recipient.Public)
		if err != nil {
			rt.Fatalf("WrapKey: %v", err)
		}
		got, err := UnwrapKey(w, recipient)
		if err != nil {
			rt.Fatalf("UnwrapKey: %v", err)
		}
		if !bytes.Equal(got, raw) {
			rt.Fatalf("round trip mismatch")
		}
	})
}
