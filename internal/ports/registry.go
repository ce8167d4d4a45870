// Package ports allocates TCP ports for agent instances out of a bounded
// range, preferring recently released ports so long-running daemons do not
// drift toward the top of the range.
package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"
)

// Default range served to agent instances.
const (
	DefaultLo = 4097
	DefaultHi = 4200
)

// ErrNoPortsAvailable is returned when every port in the range is either
// tracked as in use or unavailable at the OS level.
var ErrNoPortsAvailable = errors.New("no ports available")

// Registry hands out ports from [lo, hi). Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	lo, hi   int
	used     map[int]bool
	released []int // FIFO of ports that were in use and then freed

	// probe reports whether the OS would let us bind the port right now.
	// Swapped out in tests.
	probe func(port int) bool
}

// NewRegistry creates a registry over [lo, hi).
func NewRegistry(lo, hi int) *Registry {
	return &Registry{
		lo:    lo,
		hi:    hi,
		used:  make(map[int]bool),
		probe: bindProbe,
	}
}

// Allocate returns a free port, reusing the oldest released one first.
func (r *Registry) Allocate() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, p := range r.released {
		if r.used[p] || !r.probe(p) {
			continue
		}
		r.released = append(r.released[:i:i], r.released[i+1:]...)
		r.used[p] = true
		return p, nil
	}

	for p := r.lo; p < r.hi; p++ {
		if r.used[p] || !r.probe(p) {
			continue
		}
		r.dropReleased(p)
		r.used[p] = true
		return p, nil
	}

	return 0, fmt.Errorf("%w in range [%d,%d)", ErrNoPortsAvailable, r.lo, r.hi)
}

// AllocateSpecific reserves p when it is in range and free, falling back to
// Allocate otherwise. Restart paths use this to keep an instance on its old
// port when possible.
func (r *Registry) AllocateSpecific(p int) (int, error) {
	r.mu.Lock()
	if p >= r.lo && p < r.hi && !r.used[p] && r.probe(p) {
		r.dropReleased(p)
		r.used[p] = true
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()
	return r.Allocate()
}

// Release frees a port and remembers it for FIFO reuse.
func (r *Registry) Release(p int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.used, p)
	if p < r.lo || p >= r.hi {
		return
	}
	for _, q := range r.released {
		if q == p {
			return
		}
	}
	r.released = append(r.released, p)
}

// MarkUsed reserves a port without probing. Used when reloading persisted
// instances whose ports are already owned by live processes.
func (r *Registry) MarkUsed(p int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.used[p] = true
	r.dropReleased(p)
}

// InUse returns the number of tracked allocations.
func (r *Registry) InUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.used)
}

// WaitFree polls until the OS will let the port bind again or the timeout
// expires. After killing a child the OS can hold its port briefly.
func (r *Registry) WaitFree(p int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		r.mu.Lock()
		ok := r.probe(p)
		r.mu.Unlock()
		if ok {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// dropReleased removes p from the released list. Caller holds the lock.
func (r *Registry) dropReleased(p int) {
	for i, q := range r.released {
		if q == p {
			r.released = append(r.released[:i:i], r.released[i+1:]...)
			return
		}
	}
}

// bindProbe checks availability by binding with SO_REUSEADDR, matching how
// the agent itself will bind.
func bindProbe(port int) bool {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var soErr error
			err := c.Control(func(fd uintptr) {
				soErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return soErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
