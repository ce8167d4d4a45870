package instances

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/teleclaw/internal/agentapi"
	"github.com/nextlevelbuilder/teleclaw/internal/pidfile"
	"github.com/nextlevelbuilder/teleclaw/internal/ports"
)

const (
	defaultStartupTimeout = 30 * time.Second
	defaultStartupPoll    = 500 * time.Millisecond
	defaultStopTimeout    = 10 * time.Second
	defaultKillWait       = 2 * time.Second
	defaultPortFreeWait   = 5 * time.Second
	defaultSweepInterval  = 10 * time.Second
	defaultHealthTimeout  = 5 * time.Second

	// maxHealthFailures consecutive probe failures flip RUNNING to
	// UNREACHABLE; one success flips it back.
	maxHealthFailures = 3
)

// MaxAutoRestarts bounds crash-triggered restarts per instance.
const MaxAutoRestarts = 3

// ErrNotFound reports an unknown instance id.
var ErrNotFound = errors.New("instance not found")

// Transition is one state change, delivered in order to OnTransition.
type Transition struct {
	Instance Instance
	From, To State
	Reason   string
}

// Options wires the manager's collaborators.
type Options struct {
	StateFile    string
	LogDir       string
	AgentCommand string
	Types        *TypeRegistry
	Ports        *ports.Registry
	Pids         *pidfile.Store
	AutoRestart  bool
	// OnTransition receives every state change on a dedicated goroutine;
	// it may send Telegram messages but must not block indefinitely.
	OnTransition func(Transition)
}

// Manager owns the instance table and serializes lifecycle operations
// per instance id. Process handles live in a side table so the persisted
// Instance stays plain data.
type Manager struct {
	opts  Options
	store *Store

	mu          sync.Mutex
	instances   map[string]*Instance
	handles     map[string]Handle
	locks       map[string]*sync.Mutex
	transitions chan Transition
	closed      bool

	drained chan struct{}

	start     startFunc
	clientFor func(port int) *agentapi.Client

	startupTimeout time.Duration
	startupPoll    time.Duration
	stopTimeout    time.Duration
	killWait       time.Duration
	portFreeWait   time.Duration
	sweepEvery     time.Duration
	healthTimeout  time.Duration
}

func NewManager(opts Options) *Manager {
	if opts.Types == nil {
		opts.Types = NewTypeRegistry()
	}
	if opts.AgentCommand == "" {
		opts.AgentCommand = DefaultType
	}
	m := &Manager{
		opts:        opts,
		store:       NewStore(opts.StateFile),
		instances:   make(map[string]*Instance),
		handles:     make(map[string]Handle),
		locks:       make(map[string]*sync.Mutex),
		transitions: make(chan Transition, 128),
		drained:     make(chan struct{}),
		start:       startProcess,
		clientFor:   agentapi.NewClient,

		startupTimeout: defaultStartupTimeout,
		startupPoll:    defaultStartupPoll,
		stopTimeout:    defaultStopTimeout,
		killWait:       defaultKillWait,
		portFreeWait:   defaultPortFreeWait,
		sweepEvery:     defaultSweepInterval,
		healthTimeout:  defaultHealthTimeout,
	}
	go m.drainTransitions()
	return m
}

// Close flushes and stops transition delivery.
func (m *Manager) Close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.transitions)
	}
	m.mu.Unlock()
	<-m.drained
}

func (m *Manager) drainTransitions() {
	defer close(m.drained)
	for tr := range m.transitions {
		if m.opts.OnTransition != nil {
			m.opts.OnTransition(tr)
		}
	}
}

// SpawnRequest describes a new agent to launch.
type SpawnRequest struct {
	Directory   string
	DisplayName string
	ProviderID  string
	ModelID     string
	Type        string
	// PreferredPort is reused when still free, e.g. on restart.
	PreferredPort int
}

// Spawn launches an agent for a directory and blocks until it is healthy
// or has failed. A live instance for the same directory is returned as-is.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*Instance, error) {
	dir, err := filepath.Abs(req.Directory)
	if err != nil {
		return nil, fmt.Errorf("resolve directory: %w", err)
	}
	if existing, ok := m.FindByDirectory(dir); ok {
		return existing, nil
	}

	agentType, ok := m.opts.Types.Get(req.Type)
	if !ok {
		return nil, fmt.Errorf("unknown instance type %q", req.Type)
	}

	port, err := m.allocatePort(req.PreferredPort)
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		ID:          NewID(),
		Directory:   dir,
		Port:        port,
		ProviderID:  req.ProviderID,
		ModelID:     req.ModelID,
		DisplayName: req.DisplayName,
		Type:        agentType.Name,
	}
	if inst.DisplayName == "" {
		inst.DisplayName = filepath.Base(dir)
	}

	unlock := m.lockInstance(inst.ID)
	defer unlock()

	m.mu.Lock()
	m.instances[inst.ID] = inst
	m.mu.Unlock()

	if err := m.startLocked(ctx, inst, agentType); err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

// Stop gracefully terminates an instance and releases its port and PID.
// The grace periods are bounded, so Stop always returns promptly enough
// not to need cancellation.
func (m *Manager) Stop(id string) error {
	unlock := m.lockInstance(id)
	defer unlock()
	return m.stopLocked(id)
}

// Restart stops the instance if needed and spawns it again in place,
// keeping directory, name and model, reusing the old port when free.
func (m *Manager) Restart(ctx context.Context, id string) (*Instance, error) {
	unlock := m.lockInstance(id)
	defer unlock()

	m.mu.Lock()
	inst := m.instances[id]
	m.mu.Unlock()
	if inst == nil {
		return nil, ErrNotFound
	}

	agentType, ok := m.opts.Types.Get(inst.Type)
	if !ok {
		return nil, fmt.Errorf("unknown instance type %q", inst.Type)
	}

	if !inst.State.Terminal() {
		if err := m.stopLocked(id); err != nil {
			return nil, err
		}
	}

	port, err := m.allocatePort(inst.Port)
	if err != nil {
		return nil, err
	}
	inst.Port = port
	inst.RestartCount++
	slog.Info("instance.restarting", "id", id, "attempt", inst.RestartCount, "port", port)

	if err := m.startLocked(ctx, inst, agentType); err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

// Remove stops an instance and drops it from the table. The caller is
// responsible for scrubbing router references afterwards.
func (m *Manager) Remove(id string) error {
	if err := m.Stop(id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	m.mu.Lock()
	_, ok := m.instances[id]
	delete(m.instances, id)
	delete(m.locks, id)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.saveQuiet()
	slog.Info("instance.removed", "id", id)
	return nil
}

// StopAll stops every live instance in parallel.
func (m *Manager) StopAll() error {
	var g errgroup.Group
	for _, inst := range m.Live() {
		id := inst.ID
		g.Go(func() error {
			if err := m.Stop(id); err != nil {
				slog.Warn("instance.stop_failed", "id", id, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// HealthLoop sweeps all live instances until the context is cancelled.
func (m *Manager) HealthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one health pass over every live instance and persists state.
func (m *Manager) Sweep(ctx context.Context) {
	for _, inst := range m.Live() {
		m.checkInstance(ctx, inst.ID)
	}
	m.saveQuiet()
}

// Reconcile pings every live instance once and drops the ones that fail,
// returning the removed instances. Used by /list to present reality.
func (m *Manager) Reconcile(ctx context.Context) []Instance {
	var removed []Instance
	for _, snap := range m.Live() {
		id := snap.ID
		unlock := m.lockInstance(id)

		m.mu.Lock()
		inst := m.instances[id]
		handle := m.handles[id]
		m.mu.Unlock()
		if inst == nil || !inst.State.Alive() {
			unlock()
			continue
		}

		dead := false
		if handle != nil {
			select {
			case <-handle.Done():
				dead = true
			default:
			}
		} else if inst.PID > 0 && !pidfile.Alive(inst.PID) {
			dead = true
		}
		if !dead {
			agentType, _ := m.opts.Types.Get(inst.Type)
			hctx, cancel := context.WithTimeout(ctx, m.healthTimeout)
			dead = agentType.probe(hctx, m.clientFor(inst.Port)) != nil
			cancel()
		}

		if dead {
			m.stopProcess(handle, inst.PID)
			m.settleLocked(inst, StateCrashed, "failed reconcile ping")
			m.mu.Lock()
			delete(m.instances, id)
			delete(m.locks, id)
			m.mu.Unlock()
			removed = append(removed, *inst)
			slog.Info("instance.reconciled_away", "id", id)
		}
		unlock()
	}
	if len(removed) > 0 {
		m.saveQuiet()
	}
	return removed
}

// Reload restores the persisted table and reserves ports of live entries.
// Surviving processes are adopted; the first sweep settles the rest.
func (m *Manager) Reload() (int, error) {
	list, err := m.store.Load()
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	for _, inst := range list {
		if inst == nil || inst.ID == "" {
			continue
		}
		m.instances[inst.ID] = inst
		if inst.State.Alive() && inst.Port > 0 {
			m.opts.Ports.MarkUsed(inst.Port)
		}
	}
	n := len(m.instances)
	m.mu.Unlock()
	slog.Info("instances.reloaded", "count", n)
	return n, nil
}

// ManagedPIDs lists PIDs the reloaded table claims, for orphan cleanup.
func (m *Manager) ManagedPIDs() map[int]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]bool)
	for _, inst := range m.instances {
		if inst.State.Alive() && inst.PID > 0 {
			out[inst.PID] = true
		}
	}
	return out
}

// Get returns a copy of the instance.
func (m *Manager) Get(id string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, false
	}
	return inst.Clone(), true
}

// FindByPrefix resolves an exact id or a unique id prefix.
func (m *Manager) FindByPrefix(prefix string) (*Instance, bool) {
	if prefix == "" {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[prefix]; ok {
		return inst.Clone(), true
	}
	var match *Instance
	for _, inst := range m.instances {
		if strings.HasPrefix(inst.ID, prefix) {
			if match != nil {
				return nil, false
			}
			match = inst
		}
	}
	if match == nil {
		return nil, false
	}
	return match.Clone(), true
}

// FindByDirectory returns the live instance serving a directory, if any.
func (m *Manager) FindByDirectory(dir string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.Directory == dir && inst.State.Alive() {
			return inst.Clone(), true
		}
	}
	return nil, false
}

// List returns copies of all instances, oldest first.
func (m *Manager) List() []*Instance {
	m.mu.Lock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Live filters List down to instances expected to have a process.
func (m *Manager) Live() []*Instance {
	var out []*Instance
	for _, inst := range m.List() {
		if inst.State.Alive() {
			out = append(out, inst)
		}
	}
	return out
}

// MarkBrowserOpened flips the one-shot browser flag; true means the
// caller won the race and should open the UI.
func (m *Manager) MarkBrowserOpened(id string) bool {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok || inst.BrowserOpened {
		m.mu.Unlock()
		return false
	}
	inst.BrowserOpened = true
	m.mu.Unlock()
	m.saveQuiet()
	return true
}

// Save persists the current table.
func (m *Manager) Save() error {
	return m.store.Save(m.List())
}

func (m *Manager) saveQuiet() {
	if err := m.Save(); err != nil {
		slog.Warn("instances.save_failed", "error", err)
	}
}

// lockInstance serializes lifecycle operations on one instance id.
func (m *Manager) lockInstance(id string) func() {
	m.mu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) allocatePort(preferred int) (int, error) {
	if preferred > 0 {
		return m.opts.Ports.AllocateSpecific(preferred)
	}
	return m.opts.Ports.Allocate()
}

// startLocked launches the process for an instance already in the table
// (with a port allocated) and waits for it to become healthy.
func (m *Manager) startLocked(ctx context.Context, inst *Instance, agentType AgentType) error {
	stdout, stderr, err := m.openLogs(inst.ID)
	if err != nil {
		m.settleLocked(inst, StateCrashed, fmt.Sprintf("open logs: %v", err))
		return err
	}

	argv := append([]string{m.opts.AgentCommand}, agentType.Args(inst.Port)...)
	slog.Info("instance.spawning", "id", inst.ID, "dir", inst.Directory, "port", inst.Port, "command", strings.Join(argv, " "))

	handle, err := m.start(inst.Directory, argv, stdout, stderr)
	stdout.Close()
	stderr.Close()
	if err != nil {
		m.settleLocked(inst, StateCrashed, fmt.Sprintf("spawn: %v", err))
		return fmt.Errorf("spawn agent: %w", err)
	}

	from := inst.State
	inst.PID = handle.PID()
	inst.StartedAt = time.Now().UTC()
	inst.State = StateStarting
	inst.HealthFailures = 0
	inst.LastError = ""

	m.mu.Lock()
	m.handles[inst.ID] = handle
	m.mu.Unlock()

	if err := m.opts.Pids.Write(inst.ID, inst.PID); err != nil {
		slog.Warn("instance.pidfile_write_failed", "id", inst.ID, "error", err)
	}
	m.saveQuiet()
	m.notify(inst, from, StateStarting, "spawned")

	return m.awaitStartup(ctx, inst, agentType, handle)
}

// awaitStartup polls health until the agent answers, exits, or times out.
func (m *Manager) awaitStartup(ctx context.Context, inst *Instance, agentType AgentType, handle Handle) error {
	client := m.clientFor(inst.Port)
	deadline := time.NewTimer(m.startupTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(m.startupPoll)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopProcess(handle, inst.PID)
			m.settleLocked(inst, StateStopped, "startup interrupted by shutdown")
			return ctx.Err()

		case <-handle.Done():
			reason := exitReason(handle)
			m.settleLocked(inst, StateCrashed, reason)
			slog.Warn("instance.crashed", "id", inst.ID, "reason", reason)
			return fmt.Errorf("agent exited during startup: %s", reason)

		case <-deadline.C:
			m.stopProcess(handle, inst.PID)
			reason := fmt.Sprintf("no healthy response within %s", m.startupTimeout)
			m.settleLocked(inst, StateCrashed, reason)
			slog.Warn("instance.crashed", "id", inst.ID, "reason", reason)
			return fmt.Errorf("agent failed to become healthy within %s", m.startupTimeout)

		case <-tick.C:
			hctx, cancel := context.WithTimeout(ctx, m.healthTimeout)
			err := agentType.probe(hctx, client)
			cancel()
			if err != nil {
				continue
			}
			from := inst.State
			inst.State = StateRunning
			inst.LastHealthCheck = time.Now().UTC()
			m.saveQuiet()
			m.notify(inst, from, StateRunning, "healthy")
			slog.Info("instance.running", "id", inst.ID, "port", inst.Port, "pid", inst.PID)
			return nil
		}
	}
}

func (m *Manager) stopLocked(id string) error {
	m.mu.Lock()
	inst := m.instances[id]
	handle := m.handles[id]
	m.mu.Unlock()
	if inst == nil {
		return ErrNotFound
	}
	if inst.State.Terminal() {
		return nil
	}

	from := inst.State
	inst.State = StateStopping
	m.saveQuiet()
	m.notify(inst, from, StateStopping, "stop requested")
	slog.Info("instance.stopping", "id", id, "pid", inst.PID)

	m.stopProcess(handle, inst.PID)

	port := inst.Port
	m.settleLocked(inst, StateStopped, "stopped")
	if port > 0 && !m.opts.Ports.WaitFree(port, m.portFreeWait) {
		slog.Warn("instance.port_still_busy", "id", id, "port", port)
	}
	slog.Info("instance.stopped", "id", id)
	return nil
}

// checkInstance runs one health pass for a single instance.
func (m *Manager) checkInstance(ctx context.Context, id string) {
	unlock := m.lockInstance(id)

	m.mu.Lock()
	inst := m.instances[id]
	handle := m.handles[id]
	m.mu.Unlock()
	if inst == nil || !inst.State.Alive() {
		unlock()
		return
	}

	// Exit detection runs before the HTTP probe: a dead process would
	// otherwise read as a plain health failure for three sweeps.
	exited := false
	reason := ""
	if handle != nil {
		select {
		case <-handle.Done():
			exited = true
			reason = exitReason(handle)
		default:
		}
	} else if inst.PID > 0 && !pidfile.Alive(inst.PID) {
		exited = true
		reason = "process no longer running"
	}

	if exited {
		m.settleLocked(inst, StateCrashed, reason)
		slog.Warn("instance.crashed", "id", id, "reason", reason)
		restart := m.opts.AutoRestart && inst.RestartCount < MaxAutoRestarts
		unlock()
		if restart {
			go func() {
				if _, err := m.Restart(ctx, id); err != nil {
					slog.Warn("instance.autorestart_failed", "id", id, "error", err)
				}
			}()
		}
		return
	}
	defer unlock()

	agentType, _ := m.opts.Types.Get(inst.Type)
	hctx, cancel := context.WithTimeout(ctx, m.healthTimeout)
	err := agentType.probe(hctx, m.clientFor(inst.Port))
	cancel()

	if err == nil {
		inst.LastHealthCheck = time.Now().UTC()
		inst.HealthFailures = 0
		if inst.State == StateUnreachable || inst.State == StateStarting {
			from := inst.State
			inst.State = StateRunning
			m.notify(inst, from, StateRunning, "health restored")
			slog.Info("instance.recovered", "id", id)
		}
		return
	}

	inst.HealthFailures++
	slog.Debug("instance.health_failed", "id", id, "failures", inst.HealthFailures, "error", err)
	if inst.State == StateRunning && inst.HealthFailures >= maxHealthFailures {
		inst.State = StateUnreachable
		m.notify(inst, StateRunning, StateUnreachable, fmt.Sprintf("%d consecutive health failures", inst.HealthFailures))
		slog.Warn("instance.unreachable", "id", id, "failures", inst.HealthFailures)
	}
}

// settleLocked moves an instance to a terminal state and releases its
// port, PID file and process handle.
func (m *Manager) settleLocked(inst *Instance, to State, reason string) {
	from := inst.State
	inst.State = to
	if to == StateCrashed {
		inst.LastError = reason
	}
	if err := m.opts.Pids.Remove(inst.ID); err != nil {
		slog.Warn("instance.pidfile_remove_failed", "id", inst.ID, "error", err)
	}
	if inst.Port > 0 {
		m.opts.Ports.Release(inst.Port)
	}
	inst.PID = 0
	m.mu.Lock()
	delete(m.handles, inst.ID)
	m.mu.Unlock()

	m.saveQuiet()
	m.notify(inst, from, to, reason)
}

// stopProcess terminates a process gracefully, then by force. Instances
// adopted from a previous daemon run have no handle and are signalled by
// PID instead.
func (m *Manager) stopProcess(handle Handle, pid int) {
	if handle == nil {
		if pid > 0 {
			m.opts.Pids.Terminate(pid, m.stopTimeout)
		}
		return
	}
	_ = handle.Terminate()
	if waitHandle(handle, m.stopTimeout) {
		return
	}
	_ = handle.Kill()
	waitHandle(handle, m.killWait)
}

func (m *Manager) notify(inst *Instance, from, to State, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	tr := Transition{Instance: *inst, From: from, To: to, Reason: reason}
	select {
	case m.transitions <- tr:
	default:
		slog.Warn("instance.transition_dropped", "id", inst.ID, "to", to)
	}
}

func (m *Manager) openLogs(id string) (stdout, stderr *os.File, err error) {
	if err := os.MkdirAll(m.opts.LogDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	header := fmt.Sprintf("=== spawn %s at %s ===\n", id, time.Now().UTC().Format(time.RFC3339))
	open := func(suffix string) (*os.File, error) {
		f, err := os.OpenFile(filepath.Join(m.opts.LogDir, id+suffix), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		if _, err := f.WriteString(header); err != nil {
			f.Close()
			return nil, err
		}
		return f, nil
	}

	stdout, err = open("_stdout.log")
	if err != nil {
		return nil, nil, fmt.Errorf("open stdout log: %w", err)
	}
	stderr, err = open("_stderr.log")
	if err != nil {
		stdout.Close()
		return nil, nil, fmt.Errorf("open stderr log: %w", err)
	}
	return stdout, stderr, nil
}

func exitReason(h Handle) string {
	if err := h.ExitError(); err != nil {
		return fmt.Sprintf("process exited: %v", err)
	}
	return "process exited cleanly"
}
