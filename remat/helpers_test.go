package remat

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shenjiangwei/rematAllocator/device"
)

const (
	KB = 1024
	MB = 1024 * 1024

	testBase = 0x10000000
)

func init() {
	SetLogOutput(io.Discard)
}

type testValue struct {
	name      string
	op        string
	cost      float64
	pinned    bool
	fixed     bool
	evictErr  error
	evictions int
	onEvict   func()
}

func (v *testValue) IsPinned() bool    { return v.pinned }
func (v *testValue) IsEvictable() bool { return !v.fixed }
func (v *testValue) OpName() string    { return v.op }
func (v *testValue) String() string    { return v.name }

func (v *testValue) Evict() error {
	if v.evictErr != nil {
		return v.evictErr
	}
	v.evictions++
	if v.onEvict != nil {
		v.onEvict()
	}
	return nil
}

var testCosts = CostFunc(func(v Value) (float64, error) {
	tv, ok := v.(*testValue)
	if !ok {
		return 0, fmt.Errorf("unexpected value %T", v)
	}
	return tv.cost, nil
})

func testConfig(arena uint64) Config {
	cfg := DefaultConfig()
	cfg.ArenaSize = arena
	return cfg
}

func newTestAllocator(t *testing.T, cfg Config) (*Allocator, *device.Virtual) {
	t.Helper()
	mem := device.NewVirtual(testBase, 0)
	a, err := NewAllocator(mem, testCosts, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, mem
}

// allocateValue allocates size bytes and marks them as held by v.
func allocateValue(t *testing.T, a *Allocator, size uint64, v *testValue) Ptr {
	t.Helper()
	ptr, err := a.AllocateOp(size, v.op)
	require.NoError(t, err)
	require.NoError(t, a.Mark(ptr, v))
	return ptr
}

type pieceShape struct {
	Off  uint64
	Size uint64
	Free bool
}

// shape returns the piece chain as offsets from the arena base.
func shape(a *Allocator) []pieceShape {
	var out []pieceShape
	for _, id := range a.index.ordered() {
		p := a.slab.get(id)
		out = append(out, pieceShape{Off: uint64(p.ptr - a.base), Size: p.size, Free: p.free})
	}
	return out
}
