package device

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

// Host backs arenas with anonymous host memory. It stands in for a real
// accelerator when running on machines without one.
type Host struct {
	mu       sync.Mutex
	capacity uint64
	used     uint64
	live     map[uintptr][]byte
}

// NewHost creates a host device. A capacity of 0 means unlimited.
func NewHost(capacity uint64) *Host {
	return &Host{
		capacity: capacity,
		live:     make(map[uintptr][]byte),
	}
}

// RawAlloc maps size bytes of zeroed memory.
func (h *Host) RawAlloc(size uint64) (uintptr, error) {
	if size == 0 {
		return 0, ErrZeroSize
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.capacity > 0 && h.used+size > h.capacity {
		return 0, ErrExhausted
	}
	data, err := mapArena(int(size))
	if err != nil {
		return 0, errors.Wrapf(ErrExhausted, "map %d bytes: %v", size, err)
	}
	base := uintptr(unsafe.Pointer(&data[0])) //nolint:gosec // arena base address
	h.live[base] = data
	h.used += size
	return base, nil
}

// RawFree unmaps an arena returned by RawAlloc.
func (h *Host) RawFree(base uintptr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, ok := h.live[base]
	if !ok {
		return ErrUnknownArena
	}
	delete(h.live, base)
	h.used -= uint64(len(data))
	if err := unmapArena(data); err != nil {
		return errors.Wrap(err, "device: unmap arena")
	}
	return nil
}

// Slice returns n bytes of arena memory starting at ptr. The range must lie
// inside one live arena.
func (h *Host) Slice(ptr uintptr, n uint64) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for base, data := range h.live {
		end := base + uintptr(len(data))
		if ptr >= base && ptr+uintptr(n) <= end {
			off := ptr - base
			return data[off : off+uintptr(n) : off+uintptr(n)], nil
		}
	}
	return nil, errors.Wrapf(ErrUnknownArena, "range %#x+%d", ptr, n)
}

// Used returns the number of bytes held by live arenas.
func (h *Host) Used() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}
