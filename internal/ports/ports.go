// Package ports assigns unique host ports to container plugins from a
// configured range.
package ports

import (
	"sync"

	"github.com/forgehook/forgehook/internal/errdefs"
)

// Allocator hands out host ports in [start, end]. Allocations survive
// restarts by rebuilding from live plugin records via Reserve.
type Allocator struct {
	start int
	end   int

	mu    sync.Mutex
	inUse map[int]string // port -> forgehook id
}

// NewAllocator creates an allocator over the inclusive range.
func NewAllocator(start, end int) *Allocator {
	return &Allocator{
		start: start,
		end:   end,
		inUse: make(map[int]string),
	}
}

// Allocate picks the lowest free port and marks it owned by owner.
func (a *Allocator) Allocate(owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.start; port <= a.end; port++ {
		if _, used := a.inUse[port]; !used {
			a.inUse[port] = owner
			return port, nil
		}
	}
	return 0, errdefs.New(errdefs.CodeNoPortsAvailable,
		"no free host ports in range %d-%d", a.start, a.end)
}

// Reserve marks a specific port as owned, used when rebuilding state at
// startup. Out-of-range ports are recorded anyway so they are released
// correctly on uninstall.
func (a *Allocator) Reserve(port int, owner string) {
	if port <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inUse[port] = owner
}

// Release frees a port. Releasing an unallocated port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

// InRange reports whether port falls inside the configured range.
func (a *Allocator) InRange(port int) bool {
	return port >= a.start && port <= a.end
}

// Used returns the number of allocated ports.
func (a *Allocator) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
