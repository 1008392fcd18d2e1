package pool

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPortsExhausted indicates no port is free in the configured range.
var ErrPortsExhausted = errors.New("port range exhausted")

// PortAllocator hands out host ports for worker containers.
type PortAllocator interface {
	Allocate() (int, error)
	Release(port int)
}

// RangeAllocator allocates ports from a fixed [min, max] range, scanning
// forward from the last allocation so released ports are not immediately
// reused.
type RangeAllocator struct {
	min, max int
	next     int
	inUse    map[int]bool
	mu       sync.Mutex
}

// NewRangeAllocator creates an allocator over [min, max] inclusive.
func NewRangeAllocator(min, max int) (*RangeAllocator, error) {
	if min <= 0 || max < min {
		return nil, fmt.Errorf("invalid port range [%d, %d]", min, max)
	}
	return &RangeAllocator{
		min:   min,
		max:   max,
		next:  min,
		inUse: make(map[int]bool),
	}, nil
}

// Allocate returns a free port or ErrPortsExhausted.
func (a *RangeAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.max - a.min + 1
	for i := 0; i < size; i++ {
		port := a.next
		a.next++
		if a.next > a.max {
			a.next = a.min
		}
		if !a.inUse[port] {
			a.inUse[port] = true
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w: [%d, %d]", ErrPortsExhausted, a.min, a.max)
}

// Release returns a port to the free set. Releasing an unallocated port is a
// no-op.
func (a *RangeAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

// InUse reports how many ports are currently allocated.
func (a *RangeAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
