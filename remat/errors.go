package remat

import (
	"errors"
	"fmt"
)

// Error definitions
var (
	// ErrBootstrap is returned when the device arena could not be reserved.
	// The allocator is unusable afterwards.
	ErrBootstrap = errors.New("remat: arena bootstrap failed")
	// ErrOutOfMemory is returned when no piece fits even after eviction.
	ErrOutOfMemory = errors.New("remat: out of memory")
	// ErrInvalidFree is returned for double frees and foreign pointers.
	ErrInvalidFree = errors.New("remat: invalid free")
	// ErrUnknownPointer is returned when a pointer does not start an occupied piece.
	ErrUnknownPointer = errors.New("remat: unknown pointer")
	// ErrEvictionFailed is returned when a value selected for eviction refuses to release.
	ErrEvictionFailed = errors.New("remat: eviction failed")
	// ErrInvalidCost is returned when the cost model yields a non-finite or negative cost.
	ErrInvalidCost = errors.New("remat: invalid recomputation cost")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("remat: allocator closed")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("remat: invalid config")
)

// OOMError reports an allocation that failed after eviction. Dump holds the
// occupancy diagnostics taken at the time of failure.
type OOMError struct {
	Requested uint64
	Aligned   uint64
	Dump      string
}

func (e *OOMError) Error() string {
	return fmt.Sprintf("remat: out of memory allocating %d bytes (%d aligned)", e.Requested, e.Aligned)
}

func (e *OOMError) Unwrap() error { return ErrOutOfMemory }
