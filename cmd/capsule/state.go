package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// unlockedState records which messages were unlocked on this device. Status
// reports those as unlocked even though the ledger does not know.
type unlockedState struct {
	path string
	ids  map[string]bool
}

type unlockedFile struct {
	Unlocked []string `yaml:"unlocked"`
}

func statePath() string {
	return filepath.Join(configDir(), "unlocked.yaml")
}

func loadUnlockedState(path string) (*unlockedState, error) {
	s := &unlockedState{path: path, ids: make(map[string]bool)}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	var f unlockedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	for _, id := range f.Unlocked {
		s.ids[id] = true
	}
	return s, nil
}

func (s *unlockedState) has(id string) bool {
	return s.ids[id]
}

func (s *unlockedState) mark(id string) error {
	if s.ids[id] {
		return nil
	}
	s.ids[id] = true

	f := unlockedFile{Unlocked: make([]string, 0, len(s.ids))}
	for id := range s.ids {
		f.Unlocked = append(f.Unlocked, id)
	}
	sort.Strings(f.Unlocked)
	data, err := yaml.Marshal(&f)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
