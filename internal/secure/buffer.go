// Package secure holds key material in buffers that the garbage collector
// never moves or copies.
//
// On Linux a Buffer is an anonymous mmap region outside the Go heap. The
// region is locked against swap (mlock) and excluded from core dumps
// (MADV_DONTDUMP) when the kernel allows it. On other platforms the buffer
// falls back to a heap allocation. In both cases Close zeroes the contents.
// This is approximate secure erasure, not a formal guarantee.
package secure

import (
	"fmt"
	"runtime"
	"sync"
)

// Buffer holds sensitive bytes. A Buffer must not be copied after creation.
// After Close, Bytes panics.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	length int
	locked bool
	mapped bool
	closed bool
}

// New allocates a zeroed buffer of the given size. The caller must call Close.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secure: buffer size must be positive, got %d", size)
	}
	data, mapped, locked, err := allocate(size)
	if err != nil {
		return nil, err
	}
	return &Buffer{data: data, length: size, mapped: mapped, locked: locked}, nil
}

// NewFromBytes copies source into a new buffer and zeroes source in place.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secure: cannot create buffer from empty source")
	}
	b, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(b.data, source)
	Wipe(source)
	return b, nil
}

// Bytes returns the protected bytes. The slice aliases the buffer and must not
// outlive it.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secure: read from closed buffer")
	}
	return b.data[:b.length]
}

// Len returns the buffer size.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Locked reports whether the memory is pinned against swap.
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// Close zeroes and releases the buffer. Close is idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	Wipe(b.data)
	err := release(b.data, b.mapped, b.locked)
	b.data = nil
	return err
}

// Wipe overwrites each buffer with zeros in place. Nil and empty buffers are
// skipped.
func Wipe(bufs ...[]byte) {
	for _, buf := range bufs {
		if len(buf) == 0 {
			continue
		}
		clear(buf)
		runtime.KeepAlive(buf)
	}
}
