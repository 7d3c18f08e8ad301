package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/org/timecapsule/internal/keywrap"
)

// loadIdentity reads the seed file at path.
func loadIdentity(path string) (*keywrap.KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no identity at %s (run `capsule keygen`)", path)
		}
		return nil, err
	}
	kp, err := keywrap.ParseSeed(strings.TrimSpace(string(data)))
	for i := range data {
		data[i] = 0
	}
	if err != nil {
		return nil, fmt.Errorf("reading identity %s: %w", path, err)
	}
	return kp, nil
}

// writeIdentity stores kp's seed at path, refusing to replace an existing
// file unless force is set.
func writeIdentity(path string, kp *keywrap.KeyPair, force bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s already exists (use --force to replace it)", path)
		}
		return err
	}
	if _, err := fmt.Fprintln(f, kp.Seed()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
