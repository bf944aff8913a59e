// Package ports implements exclusive host-port leasing for sandbox containers.
package ports

import (
	"fmt"
	"sync"
)

// Allocator leases ports from a fixed inclusive range. A leased port is never
// handed out again until it is released.
type Allocator struct {
	mu     sync.Mutex
	start  int
	end    int
	next   int
	leased map[int]bool
}

// NewAllocator creates an Allocator for the inclusive range [start, end].
func NewAllocator(start, end int) (*Allocator, error) {
	if start <= 0 || end < start {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	return &Allocator{
		start:  start,
		end:    end,
		next:   start,
		leased: make(map[int]bool),
	}, nil
}

// Lease returns an unleased port from the range, or an error when the range
// is exhausted. The scan starts after the previously leased port so released
// ports are not immediately reused.
func (a *Allocator) Lease() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.end - a.start + 1
	for i := 0; i < size; i++ {
		port := a.next
		a.next++
		if a.next > a.end {
			a.next = a.start
		}
		if !a.leased[port] {
			a.leased[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("port range %d-%d exhausted", a.start, a.end)
}

// Release returns a port to the pool. Releasing an unleased port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.leased, port)
}

// Leased reports whether the port is currently leased.
func (a *Allocator) Leased(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leased[port]
}

// InUse returns the number of currently leased ports.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leased)
}
