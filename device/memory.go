// Package device provides the raw arena primitives an allocator reserves its
// memory from.
package device

import (
	"errors"
	"sync"
)

var (
	// ErrZeroSize is returned when an arena of zero bytes is requested.
	ErrZeroSize = errors.New("device: zero-sized arena")
	// ErrExhausted is returned when the device cannot reserve the arena.
	ErrExhausted = errors.New("device: out of memory")
	// ErrUnknownArena is returned when freeing an address that is not an arena base.
	ErrUnknownArena = errors.New("device: unknown arena")
)

// Memory is the device memory primitive. An allocator calls RawAlloc once to
// reserve its arena and RawFree once at teardown.
type Memory interface {
	RawAlloc(size uint64) (uintptr, error)
	RawFree(base uintptr) error
}

// virtualAlign keeps virtual arenas on 1MiB boundaries.
const virtualAlign = 1 << 20

// Virtual hands out address ranges with no memory behind them. It is used to
// simulate device arenas larger than the host could back.
type Virtual struct {
	mu       sync.Mutex
	next     uintptr
	capacity uint64
	used     uint64
	live     map[uintptr]uint64
}

// NewVirtual creates a virtual device whose first arena starts at base.
// A capacity of 0 means unlimited.
func NewVirtual(base uintptr, capacity uint64) *Virtual {
	if base == 0 {
		base = virtualAlign
	}
	return &Virtual{
		next:     base,
		capacity: capacity,
		live:     make(map[uintptr]uint64),
	}
}

// RawAlloc reserves size bytes of address space.
func (v *Virtual) RawAlloc(size uint64) (uintptr, error) {
	if size == 0 {
		return 0, ErrZeroSize
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.capacity > 0 && v.used+size > v.capacity {
		return 0, ErrExhausted
	}
	base := v.next
	v.live[base] = size
	v.used += size
	span := (size + virtualAlign - 1) &^ uint64(virtualAlign-1)
	v.next += uintptr(span)
	return base, nil
}

// RawFree releases an arena returned by RawAlloc.
func (v *Virtual) RawFree(base uintptr) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	size, ok := v.live[base]
	if !ok {
		return ErrUnknownArena
	}
	delete(v.live, base)
	v.used -= size
	return nil
}

// Used returns the number of bytes held by live arenas.
func (v *Virtual) Used() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.used
}

// Arenas returns the number of live arenas.
func (v *Virtual) Arenas() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.live)
}
