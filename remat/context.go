package remat

import (
	"context"
	"io"

	"golang.org/x/sync/semaphore"

	"github.com/shenjiangwei/rematAllocator/device"
)

// DeviceContext owns the allocator of one device and serializes every call
// into it. Waiting for the device honours ctx; once a call holds the device
// it runs to completion.
type DeviceContext struct {
	id    int
	sem   *semaphore.Weighted
	alloc *Allocator
}

// NewDeviceContext creates the context for device id.
func NewDeviceContext(id int, mem device.Memory, costs CostModel, cfg Config, opts ...Option) (*DeviceContext, error) {
	a, err := NewAllocator(mem, costs, cfg, opts...)
	if err != nil {
		return nil, err
	}
	a.log = a.log.WithField("device", id)
	return &DeviceContext{
		id:    id,
		sem:   semaphore.NewWeighted(1),
		alloc: a,
	}, nil
}

// ID returns the device id.
func (d *DeviceContext) ID() int { return d.id }

func (d *DeviceContext) do(ctx context.Context, fn func(a *Allocator) error) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.sem.Release(1)
	return fn(d.alloc)
}

// Allocate allocates size bytes on behalf of operation op.
func (d *DeviceContext) Allocate(ctx context.Context, size uint64, op string) (Ptr, error) {
	var ptr Ptr
	err := d.do(ctx, func(a *Allocator) (err error) {
		ptr, err = a.AllocateOp(size, op)
		return err
	})
	return ptr, err
}

// AllocateFor allocates size bytes for v and marks the piece as v's in the
// same critical section.
func (d *DeviceContext) AllocateFor(ctx context.Context, size uint64, v Value) (Ptr, error) {
	var ptr Ptr
	err := d.do(ctx, func(a *Allocator) (err error) {
		if ptr, err = a.AllocateOp(size, v.OpName()); err != nil || ptr == 0 {
			return err
		}
		return a.Mark(ptr, v)
	})
	return ptr, err
}

// Mark attaches v to the piece at ptr.
func (d *DeviceContext) Mark(ctx context.Context, ptr Ptr, v Value) error {
	return d.do(ctx, func(a *Allocator) error {
		return a.Mark(ptr, v)
	})
}

// Deallocate frees the piece at ptr.
func (d *DeviceContext) Deallocate(ctx context.Context, ptr Ptr, size uint64) error {
	return d.do(ctx, func(a *Allocator) error {
		return a.Deallocate(ptr, size)
	})
}

// Stats returns the allocator statistics.
func (d *DeviceContext) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := d.do(ctx, func(a *Allocator) error {
		s = a.Stats()
		return nil
	})
	return s, err
}

// Dump writes the allocator diagnostics to w.
func (d *DeviceContext) Dump(ctx context.Context, w io.Writer) error {
	return d.do(ctx, func(a *Allocator) error {
		a.Dump(w)
		return nil
	})
}

// Verify checks the allocator invariants.
func (d *DeviceContext) Verify(ctx context.Context) error {
	return d.do(ctx, func(a *Allocator) error {
		return a.Verify()
	})
}

// Close waits for the device and releases the arena.
func (d *DeviceContext) Close() error {
	return d.do(context.Background(), func(a *Allocator) error {
		return a.Close()
	})
}
