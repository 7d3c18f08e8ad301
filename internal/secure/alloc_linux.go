//go:build linux

package secure

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocate maps anonymous memory outside the Go heap. mlock and
// MADV_DONTDUMP are best effort: containers often run with a zero
// RLIMIT_MEMLOCK, and a buffer that cannot be pinned is still off-heap.
func allocate(size int) (data []byte, mapped, locked bool, err error) {
	data, err = unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, false, false, fmt.Errorf("secure: mmap failed: %w", err)
	}
	locked = unix.Mlock(data) == nil
	_ = unix.Madvise(data, unix.MADV_DONTDUMP)
	return data, true, locked, nil
}

func release(data []byte, mapped, locked bool) error {
	if !mapped {
		return nil
	}
	var firstErr error
	if locked {
		if err := unix.Munlock(data); err != nil {
			firstErr = fmt.Errorf("secure: munlock failed: %w", err)
		}
	}
	if err := unix.Munmap(data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("secure: munmap failed: %w", err)
	}
	return firstErr
}
