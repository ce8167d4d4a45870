package instances

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Store persists the instance table as a single JSON file, rewritten in
// full on every save so a crash never leaves a half-written table.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

type storeFile struct {
	Instances []*Instance `json:"instances"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Save writes the table atomically: temp file in the same directory,
// fsync, then rename over the target.
func (s *Store) Save(list []*Instance) error {
	data, err := json.MarshalIndent(storeFile{Instances: list, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal instances: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".instances-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Load reads the table. A missing file is an empty table, not an error.
func (s *Store) Load() ([]*Instance, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read instance state: %w", err)
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse instance state: %w", err)
	}
	return file.Instances, nil
}
