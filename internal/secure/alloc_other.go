//go:build !linux

package secure

func allocate(size int) (data []byte, mapped, locked bool, err error) {
	return make([]byte, size), false, false, nil
}

func release(data []byte, mapped, locked bool) error {
	return nil
}
