// Package instances owns the agent subprocess table: spawning, health
// sweeps, bounded auto-restart, and the persisted instance state.
package instances

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is an instance's position in its lifecycle.
type State string

const (
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateUnreachable State = "unreachable"
	StateCrashed     State = "crashed"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
)

// Terminal reports whether the state releases the instance's port and PID.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateCrashed
}

// Alive reports whether the instance is expected to have a process behind it.
func (s State) Alive() bool {
	switch s {
	case StateStarting, StateRunning, StateUnreachable:
		return true
	}
	return false
}

// Instance is one managed agent subprocess. The struct is fully
// serialisable; the live process handle lives in a side table on the
// Manager keyed by id.
type Instance struct {
	ID              string    `json:"id"`
	Directory       string    `json:"directory"`
	Port            int       `json:"port"`
	State           State     `json:"state"`
	PID             int       `json:"pid,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	LastHealthCheck time.Time `json:"last_health_check"`
	HealthFailures  int       `json:"consecutive_health_failures"`
	ProviderID      string    `json:"provider_id,omitempty"`
	ModelID         string    `json:"model_id,omitempty"`
	DisplayName     string    `json:"display_name"`
	RestartCount    int       `json:"restart_count"`
	LastError       string    `json:"last_error,omitempty"`
	BrowserOpened   bool      `json:"browser_opened"`
	Type            string    `json:"instance_type,omitempty"`
}

// NewID returns an opaque short hex identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// ShortID is the prefix used in button labels and callback payloads.
func (i *Instance) ShortID() string {
	if len(i.ID) <= 8 {
		return i.ID
	}
	return i.ID[:8]
}

// Uptime reports how long the instance has been up, zero when not started.
func (i *Instance) Uptime(now time.Time) time.Duration {
	if i.StartedAt.IsZero() || !i.State.Alive() {
		return 0
	}
	return now.Sub(i.StartedAt)
}

// Clone returns a copy safe to hand outside the manager's lock.
func (i *Instance) Clone() *Instance {
	c := *i
	return &c
}
