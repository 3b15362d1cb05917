// Package ports hands out host TCP ports for session containers from a
// fixed range.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrNoPortsAvailable is returned when every port in the range is taken.
var ErrNoPortsAvailable = errors.New("no ports available")

type Allocator struct {
	mu        sync.Mutex
	start     int
	end       int // exclusive
	allocated map[int]struct{}

	// probe reports whether the OS already has the port bound. Injectable
	// for tests; defaults to a bind attempt on 0.0.0.0.
	probe func(port int) bool
}

func NewAllocator(start, end int) *Allocator {
	return &Allocator{
		start:     start,
		end:       end,
		allocated: make(map[int]struct{}),
		probe:     portInUse,
	}
}

// Acquire scans the range ascending and returns the first port that is
// neither allocated in-memory nor bound by another process. The OS probe
// covers ports grabbed by outsiders or lost across a restart.
func (a *Allocator) Acquire() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port := a.start; port < a.end; port++ {
		if _, taken := a.allocated[port]; taken {
			continue
		}
		if a.probe(port) {
			continue
		}
		a.allocated[port] = struct{}{}
		return port, nil
	}
	return 0, ErrNoPortsAvailable
}

// Release returns a port to the pool. Idempotent.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, port)
}

// MarkAllocated installs a port recovered from a pre-existing container.
func (a *Allocator) MarkAllocated(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocated[port] = struct{}{}
}

func portInUse(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return true
	}
	ln.Close()
	return false
}
