package remat

import (
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/shenjiangwei/rematAllocator/device"
)

// Option configures an Allocator.
type Option func(*Allocator)

// WithDiagnostics registers an extra dump written before the allocator's own
// dump when an allocation runs out of memory, typically the value pool.
func WithDiagnostics(dump func(w io.Writer)) Option {
	return func(a *Allocator) {
		a.extraDump = dump
	}
}

// WithEvictionLock makes the allocator hold l from the candidate scan until
// the last victim is evicted. Owners that pin or release values from other
// goroutines take the same lock, so a chosen window stays evictable.
func WithEvictionLock(l sync.Locker) Option {
	return func(a *Allocator) {
		a.evictLock = l
	}
}

// Allocator sub-allocates a single device arena.
type Allocator struct {
	cfg      Config
	mem      device.Memory
	costs    CostModel
	highCost map[string]struct{}
	log      *logrus.Entry
	evictLog rate.Sometimes

	base    Ptr
	booted  bool
	bootErr error
	closed  bool
	left    bool

	slab  pieceSlab
	bins  binTable
	index pieceIndex

	inUse     uint64
	stats     counters
	extraDump func(w io.Writer)
	evictLock sync.Locker
}

// NewAllocator creates an allocator. The arena is reserved from mem on the
// first non-empty allocation.
func NewAllocator(mem device.Memory, costs CostModel, cfg Config, opts ...Option) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if mem == nil || costs == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "device memory and cost model are required")
	}
	a := &Allocator{
		cfg:      cfg,
		mem:      mem,
		costs:    costs,
		highCost: make(map[string]struct{}, len(cfg.HighCostOps)),
		log:      log.WithField("component", "remat"),
		evictLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
		left:     cfg.SplitPolicy != SplitRight,
		bins:     newBinTable(cfg.Alignment),
		index:    newPieceIndex(0, cfg.Alignment),
	}
	for _, op := range cfg.HighCostOps {
		a.highCost[op] = struct{}{}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// trace logs at info level in debug mode and at debug level otherwise.
func (a *Allocator) trace(fields logrus.Fields, format string, v ...interface{}) {
	if a.cfg.Debug {
		a.log.WithFields(fields).Infof(format, v...)
		return
	}
	a.log.WithFields(fields).Debugf(format, v...)
}

func (a *Allocator) bootstrap() error {
	if a.booted {
		return a.bootErr
	}
	a.booted = true

	base, err := a.mem.RawAlloc(a.cfg.ArenaSize)
	if err != nil {
		a.bootErr = errors.Wrapf(ErrBootstrap, "reserve %d bytes: %v", a.cfg.ArenaSize, err)
		a.log.Error(a.bootErr)
		return a.bootErr
	}
	a.base = Ptr(base)
	a.index = newPieceIndex(a.base, a.cfg.Alignment)

	id := a.slab.alloc()
	p := a.slab.get(id)
	p.ptr = a.base
	p.size = a.cfg.ArenaSize
	p.free = true
	a.index.insert(p.ptr, id)
	a.insertToBin(id)

	a.log.WithFields(logrus.Fields{"base": a.base, "size": a.cfg.ArenaSize}).Info("arena reserved")
	return nil
}

func (a *Allocator) insertToBin(id PieceID) {
	p := a.slab.get(id)
	if !p.free || p.bin != InvalidBin {
		panic("remat: binning a piece that is occupied or already binned")
	}
	p.bin = a.bins.binFor(p.size)
	a.bins.insert(p.bin, binEntry{size: p.size, ptr: p.ptr, id: id})
}

func (a *Allocator) removeFromBin(id PieceID) {
	p := a.slab.get(id)
	if !p.free || p.bin == InvalidBin {
		panic("remat: unbinning a piece that is not binned")
	}
	if !a.bins.remove(p.bin, binEntry{size: p.size, ptr: p.ptr, id: id}) {
		panic("remat: piece missing from its bin")
	}
	p.bin = InvalidBin
}

// Allocate returns size bytes of arena memory. A size of 0 returns the null
// pointer without touching any state.
func (a *Allocator) Allocate(size uint64) (Ptr, error) {
	return a.AllocateOp(size, "")
}

// AllocateOp is Allocate with the name of the requesting operation, which may
// force the split side.
func (a *Allocator) AllocateOp(size uint64, op string) (Ptr, error) {
	if size == 0 {
		return 0, nil
	}
	if a.closed {
		return 0, ErrClosed
	}
	if err := a.bootstrap(); err != nil {
		return 0, err
	}
	if size > a.cfg.ArenaSize {
		return 0, a.outOfMemory(size, size)
	}
	aligned := alignUp(size, a.cfg.Alignment)

	id := a.findPiece(aligned, op)
	if id == nilPiece {
		var err error
		if id, err = a.evictAndFindPiece(aligned, op); err != nil {
			return 0, err
		}
	}
	if id == nilPiece {
		return 0, a.outOfMemory(size, aligned)
	}

	p := a.slab.get(id)
	a.inUse += p.size
	a.stats.allocations++
	a.stats.allocatedBytes += size
	if a.cfg.SplitPolicy == SplitAlternating {
		a.left = !a.left
	}
	a.trace(logrus.Fields{"ptr": p.ptr, "size": size, "aligned": aligned, "op": op}, "allocate")
	return p.ptr, nil
}

func (a *Allocator) chooseLeft(op string) bool {
	if _, ok := a.highCost[op]; ok {
		return true
	}
	return a.left
}

// findPiece takes the first fitting free piece, splitting it when oversized.
func (a *Allocator) findPiece(aligned uint64, op string) PieceID {
	for n := a.bins.binFor(aligned); n < NumBins; n++ {
		id, ok := a.bins.takeFirstFit(n, aligned)
		if !ok {
			continue
		}
		p := a.slab.get(id)
		p.bin = InvalidBin
		if p.size == aligned {
			p.free = false
			return id
		}
		if a.chooseLeft(op) {
			return a.splitLeft(id, aligned)
		}
		return a.splitRight(id, aligned)
	}
	return nilPiece
}

// splitLeft occupies the low part of piece id and bins the remainder.
func (a *Allocator) splitLeft(id PieceID, aligned uint64) PieceID {
	rest := a.slab.alloc()
	p, r := a.slab.get(id), a.slab.get(rest)

	r.ptr = p.ptr + Ptr(aligned)
	r.size = p.size - aligned
	r.free = true
	a.link(id, rest)

	p.size = aligned
	p.free = false

	a.index.insert(r.ptr, rest)
	a.insertToBin(rest)
	a.stats.splits++
	return id
}

// splitRight occupies the high part of piece id and rebins the shrunken
// remainder under its new size class.
func (a *Allocator) splitRight(id PieceID, aligned uint64) PieceID {
	taken := a.slab.alloc()
	p, t := a.slab.get(id), a.slab.get(taken)

	t.ptr = p.ptr + Ptr(p.size-aligned)
	t.size = aligned
	t.free = false
	a.link(id, taken)

	p.size -= aligned

	a.index.insert(t.ptr, taken)
	a.insertToBin(id)
	a.stats.splits++
	return taken
}

// link inserts piece after into the chain right behind piece before.
func (a *Allocator) link(before, after PieceID) {
	b, n := a.slab.get(before), a.slab.get(after)
	n.prev = before
	n.next = b.next
	if b.next != nilPiece {
		a.slab.get(b.next).prev = after
	}
	b.next = after
}

// Mark attaches the value occupying the piece at ptr.
func (a *Allocator) Mark(ptr Ptr, v Value) error {
	if a.closed {
		return ErrClosed
	}
	id, ok := a.index.lookup(ptr)
	if !ok || a.slab.get(id).free {
		return errors.Wrapf(ErrUnknownPointer, "mark %s at %s", v, ptr)
	}
	a.slab.get(id).owner = v
	a.trace(logrus.Fields{"ptr": ptr, "value": v}, "mark")
	return nil
}

// Deallocate frees the piece starting at ptr. size is the size passed to
// Allocate and only feeds the counters.
func (a *Allocator) Deallocate(ptr Ptr, size uint64) error {
	if ptr == 0 {
		return nil
	}
	if a.closed {
		return ErrClosed
	}
	id, ok := a.index.lookup(ptr)
	if !ok {
		err := errors.Wrapf(ErrInvalidFree, "pointer %s (size %d) is not tracked%s", ptr, size, a.describeContaining(ptr))
		a.log.Error(err)
		return err
	}
	if a.slab.get(id).free {
		err := errors.Wrapf(ErrInvalidFree, "double free of %s (size %d)", ptr, size)
		a.log.Error(err)
		return err
	}

	a.release(id)
	a.stats.deallocations++
	a.stats.deallocatedBytes += size
	a.trace(logrus.Fields{"ptr": ptr, "size": size}, "deallocate")
	return nil
}

func (a *Allocator) describeContaining(ptr Ptr) string {
	id, ok := a.index.containing(ptr)
	if !ok {
		return ""
	}
	p := a.slab.get(id)
	if ptr >= p.ptr+Ptr(p.size) {
		return ""
	}
	return ", it lies inside piece " + p.ptr.String()
}

// release marks piece id free, merges it with free neighbours and bins the
// result.
func (a *Allocator) release(id PieceID) {
	p := a.slab.get(id)
	p.free = true
	p.owner = nil
	a.inUse -= p.size

	survivor := id
	if next := p.next; next != nilPiece && a.slab.get(next).free {
		a.removeFromBin(next)
		a.merge(id, next)
	}
	if prev := p.prev; prev != nilPiece && a.slab.get(prev).free {
		a.removeFromBin(prev)
		a.merge(prev, id)
		survivor = prev
	}
	a.insertToBin(survivor)
}

// merge folds rhs into its lower neighbour lhs.
func (a *Allocator) merge(lhs, rhs PieceID) {
	l, r := a.slab.get(lhs), a.slab.get(rhs)
	if l.next != rhs || r.prev != lhs || l.ptr+Ptr(l.size) != r.ptr {
		panic("remat: merging pieces that are not neighbours")
	}
	l.size += r.size
	l.next = r.next
	if r.next != nilPiece {
		a.slab.get(r.next).prev = lhs
	}
	a.index.remove(r.ptr)
	a.slab.release(rhs)
	a.stats.coalesces++
}

func (a *Allocator) outOfMemory(size, aligned uint64) error {
	a.stats.ooms++
	var b strings.Builder
	if a.extraDump != nil {
		a.extraDump(&b)
	}
	a.Dump(&b)
	err := &OOMError{Requested: size, Aligned: aligned, Dump: b.String()}
	a.log.WithFields(logrus.Fields{"size": size, "aligned": aligned}).Errorf("%v\n%s", err, err.Dump)
	return err
}

// Close returns the arena to the device. The allocator cannot be used
// afterwards.
func (a *Allocator) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	if !a.booted || a.bootErr != nil {
		return nil
	}
	if err := a.mem.RawFree(uintptr(a.base)); err != nil {
		return errors.Wrap(err, "remat: release arena")
	}
	return nil
}
