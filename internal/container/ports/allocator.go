// Package ports hands out host-side RPC ports from a fixed range,
// avoiding ports held by live controllers.
package ports

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoPorts is returned when every port in the range is in use.
var ErrNoPorts = errors.New("no ports available in range")

// Allocator draws ports from a fixed inclusive range. It is stateless apart
// from the range bounds and a rotation hint; callers pass the set of ports
// currently held by live controllers.
type Allocator struct {
	start int
	end   int

	mu   sync.Mutex
	next int // rotation hint so consecutive allocations spread across the range
}

// NewAllocator creates an allocator over the inclusive range [start, end].
func NewAllocator(start, end int) (*Allocator, error) {
	if start <= 0 || end < start {
		return nil, fmt.Errorf("invalid port range [%d, %d]", start, end)
	}
	return &Allocator{start: start, end: end, next: start}, nil
}

// Allocate returns a port from the range that is not in the used set.
// Returns ErrNoPorts when the used set covers the entire range.
func (a *Allocator) Allocate(used map[int]bool) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.end - a.start + 1
	for i := 0; i < size; i++ {
		candidate := a.start + (a.next-a.start+i)%size
		if !used[candidate] {
			a.next = candidate + 1
			if a.next > a.end {
				a.next = a.start
			}
			return candidate, nil
		}
	}
	return 0, ErrNoPorts
}

// Range returns the inclusive bounds of the allocator.
func (a *Allocator) Range() (int, int) {
	return a.start, a.end
}
