// Package mpool tracks the computed values (tensors) that live in device
// memory and tells the allocator how expensive each one is to recompute.
package mpool

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/shenjiangwei/rematAllocator/remat"
)

var log = logrus.WithField("component", "mpool")

var (
	// ErrPinned is returned when evicting a tensor that is in use.
	ErrPinned = errors.New("mpool: tensor is pinned")
	// ErrNotEvictable is returned when evicting a tensor that cannot be recomputed.
	ErrNotEvictable = errors.New("mpool: tensor is not evictable")
	// ErrReleased is returned when using a tensor after Release.
	ErrReleased = errors.New("mpool: tensor released")
	// ErrNoDevice is returned when the pool has not been attached to a device.
	ErrNoDevice = errors.New("mpool: no device attached")
)

// Device is the part of remat.DeviceContext the pool needs.
type Device interface {
	AllocateFor(ctx context.Context, size uint64, v remat.Value) (remat.Ptr, error)
	Deallocate(ctx context.Context, ptr remat.Ptr, size uint64) error
}

// PoolStats represents value pool statistics
type PoolStats struct {
	Tensors        int
	Resident       int
	Evicted        int
	ResidentBytes  uint64
	Evictions      uint64
	Recomputations uint64
	RecomputeTime  time.Duration
}

// Tensor is a computed value owned by a Pool. It implements remat.Value.
type Tensor struct {
	pool     *Pool
	id       uint64
	op       string
	bytes    uint64
	compute  time.Duration
	fixed    bool
	ptr      remat.Ptr
	pins     int
	lastUse  uint64
	evicted  bool
	released bool

	// reloading is closed when an in-flight rematerialization finishes.
	reloading chan struct{}
}

// Pool represents the set of tensors of one device.
type Pool struct {
	// gate is held exclusively by the allocator while it evicts. Pin and
	// Release hold it shared.
	gate sync.RWMutex

	mu        sync.Mutex
	dev       Device
	tensors   map[uint64]*Tensor
	nextID    uint64
	tick      uint64
	currentOp string
	stats     PoolStats
}

// NewPool creates an empty pool. Attach a device before creating tensors.
func NewPool() *Pool {
	return &Pool{
		tensors: make(map[uint64]*Tensor),
	}
}

// Attach sets the device tensors are allocated on. The device is usually
// created with the pool as its cost model, hence the two-step setup.
func (p *Pool) Attach(dev Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dev = dev
}

// Options returns the allocator options a device tracked by the pool needs:
// the pool dump on out-of-memory and the eviction lock.
func (p *Pool) Options() []remat.Option {
	return []remat.Option{
		remat.WithDiagnostics(p.Dump),
		remat.WithEvictionLock(&p.gate),
	}
}

func (p *Pool) device() (Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dev == nil {
		return nil, ErrNoDevice
	}
	return p.dev, nil
}

// SetCurrentOp records the operation being executed. Tensors created without
// an explicit op are attributed to it.
func (p *Pool) SetCurrentOp(op string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentOp = op
}

// CurrentOp returns the operation being executed.
func (p *Pool) CurrentOp() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentOp
}

// NewTensor allocates device memory for the output of op, which took
// compute to produce. An empty op means the pool's current op.
func (p *Pool) NewTensor(ctx context.Context, op string, bytes uint64, compute time.Duration) (*Tensor, error) {
	return p.newTensor(ctx, op, bytes, compute, false)
}

// NewFixed allocates a tensor that can never be evicted, such as a parameter
// or an input.
func (p *Pool) NewFixed(ctx context.Context, op string, bytes uint64) (*Tensor, error) {
	return p.newTensor(ctx, op, bytes, 0, true)
}

func (p *Pool) newTensor(ctx context.Context, op string, bytes uint64, compute time.Duration, fixed bool) (*Tensor, error) {
	if bytes == 0 {
		return nil, errors.New("mpool: tensor needs a positive size")
	}
	dev, err := p.device()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.nextID++
	p.tick++
	t := &Tensor{
		pool:    p,
		id:      p.nextID,
		op:      op,
		bytes:   bytes,
		compute: compute,
		fixed:   fixed,
		lastUse: p.tick,
		// The producer holds the tensor until its pointer is recorded.
		pins: 1,
	}
	if t.op == "" {
		t.op = p.currentOp
	}
	p.tensors[t.id] = t
	p.mu.Unlock()

	ptr, err := dev.AllocateFor(ctx, t.bytes, t)

	p.mu.Lock()
	t.pins--
	if err != nil {
		delete(p.tensors, t.id)
		t.released = true
		p.mu.Unlock()
		return nil, errors.Wrapf(err, "allocate %s", t)
	}
	if t.released {
		// Released by Close before the pointer was recorded.
		p.mu.Unlock()
		if err := dev.Deallocate(ctx, ptr, t.bytes); err != nil {
			return nil, err
		}
		return nil, ErrReleased
	}
	defer p.mu.Unlock()
	t.ptr = ptr
	return t, nil
}

// Touch records a use of t.
func (p *Pool) Touch(t *Tensor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tick++
	t.lastUse = p.tick
}

// Rematerialize gives an evicted tensor device memory again and charges its
// compute time to the pool. Resident tensors are left alone.
func (p *Pool) Rematerialize(ctx context.Context, t *Tensor) error {
	p.mu.Lock()
	for t.reloading != nil {
		wait := t.reloading
		p.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		p.mu.Lock()
	}
	if t.released {
		p.mu.Unlock()
		return ErrReleased
	}
	if !t.evicted {
		p.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	t.reloading = done
	t.pins++
	dev := p.dev
	p.mu.Unlock()

	ptr, err := dev.AllocateFor(ctx, t.bytes, t)

	p.mu.Lock()
	t.pins--
	t.reloading = nil
	close(done)
	if err != nil {
		p.mu.Unlock()
		return errors.Wrapf(err, "rematerialize %s", t)
	}
	if t.released {
		// Released while the device was busy.
		p.mu.Unlock()
		if err := dev.Deallocate(ctx, ptr, t.bytes); err != nil {
			return err
		}
		return ErrReleased
	}
	defer p.mu.Unlock()
	t.ptr = ptr
	t.evicted = false
	p.stats.Recomputations++
	p.stats.RecomputeTime += t.compute
	log.WithFields(logrus.Fields{"tensor": t, "op": t.op}).Debug("rematerialized")
	return nil
}

// Access touches t and returns its device pointer, rematerializing it first
// when it was evicted. The pointer stays valid only while t is pinned.
func (p *Pool) Access(ctx context.Context, t *Tensor) (remat.Ptr, error) {
	p.Touch(t)
	if err := p.Rematerialize(ctx, t); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return t.ptr, nil
}

// Release frees t and forgets it.
func (p *Pool) Release(ctx context.Context, t *Tensor) error {
	p.gate.RLock()
	p.mu.Lock()
	if t.released {
		p.mu.Unlock()
		p.gate.RUnlock()
		return ErrReleased
	}
	t.released = true
	delete(p.tensors, t.id)
	ptr, resident, dev := t.ptr, !t.evicted, p.dev
	t.ptr = 0
	p.mu.Unlock()
	p.gate.RUnlock()

	if !resident || ptr == 0 {
		return nil
	}
	return dev.Deallocate(ctx, ptr, t.bytes)
}

// Close releases every tensor and logs the pool statistics.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	tensors := make([]*Tensor, 0, len(p.tensors))
	for _, t := range p.tensors {
		tensors = append(tensors, t)
	}
	p.mu.Unlock()

	for _, t := range tensors {
		if err := p.Release(ctx, t); err != nil {
			return fmt.Errorf("failed to release %s: %v", t, err)
		}
	}

	s := p.Stats()
	log.WithFields(logrus.Fields{
		"evictions":      s.Evictions,
		"recomputations": s.Recomputations,
		"recomputeTime":  s.RecomputeTime,
	}).Info("value pool closed")
	return nil
}

// Stats returns the pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.Tensors = len(p.tensors)
	for _, t := range p.tensors {
		if t.evicted {
			s.Evicted++
		} else {
			s.Resident++
			s.ResidentBytes += t.bytes
		}
	}
	return s
}

// Cost implements remat.CostModel with the DTR heuristic: compute time
// divided by size and by the ticks since last use.
func (p *Pool) Cost(v remat.Value) (float64, error) {
	t, ok := v.(*Tensor)
	if !ok || t.pool != p {
		return 0, errors.Errorf("mpool: %v is not a tensor of this pool", v)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	staleness := p.tick - t.lastUse + 1
	return t.compute.Seconds() / (float64(t.bytes) * float64(staleness)), nil
}

// Dump writes one line per tensor in id order.
func (p *Pool) Dump(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]uint64, 0, len(p.tensors))
	for id := range p.tensors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		t := p.tensors[id]
		fmt.Fprintf(w, "%s op=%s bytes=%d ptr=%s pins=%d fixed=%t evicted=%t last_use=%d\n",
			t, t.op, t.bytes, t.ptr, t.pins, t.fixed, t.evicted, t.lastUse)
	}
	fmt.Fprintf(w, "tensors: %d, evictions: %d, recomputations: %d, current op: %q\n",
		len(p.tensors), p.stats.Evictions, p.stats.Recomputations, p.currentOp)
}

func (t *Tensor) String() string { return fmt.Sprintf("tensor#%d", t.id) }

// OpName implements remat.Value.
func (t *Tensor) OpName() string { return t.op }

// Bytes returns the tensor size.
func (t *Tensor) Bytes() uint64 { return t.bytes }

// IsPinned implements remat.Value.
func (t *Tensor) IsPinned() bool {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	return t.pins > 0
}

// IsEvictable implements remat.Value.
func (t *Tensor) IsEvictable() bool {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	return !t.fixed && !t.released
}

// IsEvicted reports whether the tensor currently has no device memory.
func (t *Tensor) IsEvicted() bool {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	return t.evicted
}

// Evict implements remat.Value. It drops the device pointer; the allocator
// frees the memory.
func (t *Tensor) Evict() error {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()

	switch {
	case t.pins > 0:
		return ErrPinned
	case t.fixed:
		return ErrNotEvictable
	case t.released:
		return ErrReleased
	}
	t.ptr = 0
	t.evicted = true
	t.pool.stats.Evictions++
	return nil
}

// Pin keeps the tensor resident until Unpin. It waits for an eviction in
// progress to finish.
func (t *Tensor) Pin() {
	t.pool.gate.RLock()
	defer t.pool.gate.RUnlock()
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	t.pins++
}

// Unpin undoes Pin.
func (t *Tensor) Unpin() {
	t.pool.mu.Lock()
	defer t.pool.mu.Unlock()
	if t.pins > 0 {
		t.pins--
	}
}
