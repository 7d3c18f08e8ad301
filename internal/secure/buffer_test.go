package secure

import (
	"bytes"
	"testing"
)

func TestNewZeroed(t *testing.T) {
	b, err := New(64)
	if err != nil {
		t.Fatalf("New(64) failed: %v", err)
	}
	defer b.Close()

	if b.Len() != 64 {
		t.Errorf("expected length 64, got %d", b.Len())
	}
	for i, v := range b.Bytes() {
		if v != 0 {
			t.Fatalf("expected zero at index %d, got %d", i, v)
		}
	}
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := New(size); err == nil {
			t.Errorf("New(%d): expected error", size)
		}
	}
}

func TestNewFromBytesZeroesSource(t *testing.T) {
	source := []byte("0123456789abcdef0123456789abcdef")
	want := append([]byte(nil), source...)

	b, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	defer b.Close()

	if !bytes.Equal(b.Bytes(), want) {
		t.Errorf("buffer content %q != %q", b.Bytes(), want)
	}
	for i, v := range source {
		if v != 0 {
			t.Fatalf("source byte %d not zeroed", i)
		}
	}
}

func TestNewFromBytesEmpty(t *testing.T) {
	if _, err := NewFromBytes(nil); err == nil {
		t.Fatal("expected error for empty source")
	}
}

func TestCloseIdempotentAndPanicsAfter(t *testing.T) {
	b, err := New(16)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	copy(b.Bytes(), "sixteen byte key")

	if err := b.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected Bytes to panic after Close")
		}
	}()
	b.Bytes()
}

func TestWipe(t *testing.T) {
	a := []byte("alpha")
	c := []byte("charlie")
	Wipe(a, nil, []byte{}, c)

	if !bytes.Equal(a, make([]byte, len(a))) {
		t.Errorf("a not wiped: %v", a)
	}
	if !bytes.Equal(c, make([]byte, len(c))) {
		t.Errorf("c not wiped: %v", c)
	}
}
