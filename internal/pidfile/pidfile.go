// Package pidfile persists one PID file per managed agent instance and
// cleans up orphan processes left behind by a previous daemon run.
package pidfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	gracefulWait = 1 * time.Second
	pollEvery    = 100 * time.Millisecond
)

// Store writes `<dir>/<instance_id>.pid` files.
type Store struct {
	dir string

	// Signal delivery and liveness checks are injected so tests never
	// touch real processes.
	signal func(pid int, sig syscall.Signal) error
	alive  func(pid int) bool
}

// NewStore creates the PID directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create pid dir: %w", err)
	}
	return &Store{
		dir:    dir,
		signal: func(pid int, sig syscall.Signal) error { return syscall.Kill(pid, sig) },
		alive:  processAlive,
	}, nil
}

// Write records the PID for an instance. Called immediately after spawn.
func (s *Store) Write(id string, pid int) error {
	data := strconv.Itoa(pid) + "\n"
	if err := os.WriteFile(s.path(id), []byte(data), 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Read returns the recorded PID for an instance.
func (s *Store) Read(id string) (int, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", s.path(id), err)
	}
	return pid, nil
}

// Remove deletes the PID file. Missing files are fine.
func (s *Store) Remove(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns instance id → PID for every parseable PID file.
func (s *Store) List() (map[string]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".pid") {
			continue
		}
		id := strings.TrimSuffix(name, ".pid")
		pid, err := s.Read(id)
		if err != nil {
			continue
		}
		out[id] = pid
	}
	return out, nil
}

// CleanupOrphans terminates processes recorded in PID files that are alive
// but not in the managed set, then removes their files. PID files pointing
// at dead or unparseable processes are removed too; files for managed PIDs
// are left alone. Returns the number of processes terminated.
//
// This is the only path that kills processes the current run did not start.
func (s *Store) CleanupOrphans(managed map[int]bool) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		slog.Warn("pidfile.scan_failed", "dir", s.dir, "error", err)
		return 0
	}

	killed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".pid") {
			continue
		}
		id := strings.TrimSuffix(name, ".pid")
		path := s.path(id)

		pid, err := s.Read(id)
		if err != nil {
			slog.Warn("pidfile.unparseable", "file", path, "error", err)
			os.Remove(path)
			continue
		}
		if managed[pid] {
			continue
		}
		if !s.alive(pid) {
			os.Remove(path)
			continue
		}

		slog.Info("pidfile.orphan_found", "instance", id, "pid", pid)
		s.Terminate(pid, gracefulWait)
		killed++
		os.Remove(path)
	}
	return killed
}

// Terminate sends SIGTERM, polls for exit up to grace, then SIGKILLs
// stragglers. Also used to stop adopted processes that have no in-memory
// handle after a daemon restart.
func (s *Store) Terminate(pid int, grace time.Duration) {
	if err := s.signal(pid, syscall.SIGTERM); err != nil {
		return
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !s.alive(pid) {
			return
		}
		time.Sleep(pollEvery)
	}
	if s.alive(pid) {
		_ = s.signal(pid, syscall.SIGKILL)
	}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".pid")
}

// Alive reports whether a PID names a running process.
func Alive(pid int) bool {
	return processAlive(pid)
}

// processAlive probes a PID with signal 0. EPERM still means the process
// exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
