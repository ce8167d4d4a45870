package instances

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Handle abstracts a spawned agent process so the manager's lifecycle
// logic is testable without forking real agents.
type Handle interface {
	PID() int
	// Terminate asks the process group to exit gracefully.
	Terminate() error
	// Kill force-kills the process group.
	Kill() error
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	// ExitError reports the wait result; valid only after Done is closed.
	ExitError() error
}

// startFunc launches an agent process; the manager's default is
// startProcess, tests substitute their own.
type startFunc func(dir string, argv []string, stdout, stderr io.Writer) (Handle, error)

type cmdHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// startProcess launches argv in dir with output attached to the given
// log writers. The child gets its own process group so terminal signals
// aimed at the daemon never reach it.
func startProcess(dir string, argv []string, stdout, stderr io.Writer) (Handle, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty agent command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	h := &cmdHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

func (h *cmdHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *cmdHandle) Terminate() error {
	return h.signalGroup(syscall.SIGTERM)
}

func (h *cmdHandle) Kill() error {
	if err := h.signalGroup(syscall.SIGKILL); err != nil {
		// Process-group kill can fail if the child changed groups;
		// fall back to the direct handle.
		return h.cmd.Process.Kill()
	}
	return nil
}

func (h *cmdHandle) signalGroup(sig syscall.Signal) error {
	return syscall.Kill(-h.cmd.Process.Pid, sig)
}

func (h *cmdHandle) Done() <-chan struct{} {
	return h.done
}

func (h *cmdHandle) ExitError() error {
	return h.err
}

// waitHandle waits for a handle to finish, up to the given timeout.
func waitHandle(h Handle, timeout time.Duration) bool {
	select {
	case <-h.Done():
		return true
	case <-time.After(timeout):
		return false
	}
}
