package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// OffsetStore persists the Telegram update offset so a restart resumes
// after the last consumed batch. The offset never moves backwards.
type OffsetStore struct {
	path string

	mu     sync.Mutex
	offset int
}

type offsetFile struct {
	Offset    int       `json:"offset"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewOffsetStore wraps the offset file at path.
func NewOffsetStore(path string) *OffsetStore {
	return &OffsetStore{path: path}
}

// Load reads the persisted offset. A missing file means zero.
func (s *OffsetStore) Load() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read offset file: %w", err)
	}
	var f offsetFile
	if err := json.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse offset file: %w", err)
	}
	if f.Offset > s.offset {
		s.offset = f.Offset
	}
	return s.offset, nil
}

// Store persists the offset. Values below the current one are ignored.
func (s *OffsetStore) Store(offset int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset <= s.offset {
		return nil
	}
	s.offset = offset

	data, err := json.MarshalIndent(offsetFile{Offset: offset, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal offset: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".offset-*.json")
	if err != nil {
		return fmt.Errorf("create temp offset file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write offset file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync offset file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close offset file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace offset file: %w", err)
	}
	return nil
}

// Current returns the in-memory offset.
func (s *OffsetStore) Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}
