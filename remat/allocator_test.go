package remat

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shenjiangwei/rematAllocator/device"
)

func TestAllocateZero(t *testing.T) {
	a, mem := newTestAllocator(t, testConfig(1*MB))

	ptr, err := a.Allocate(0)
	require.NoError(t, err)
	assert.Zero(t, ptr)
	assert.Equal(t, Stats{}, a.Stats())
	assert.Zero(t, mem.Arenas(), "allocating zero bytes must not reserve the arena")

	_, err = a.Allocate(4 * KB)
	require.NoError(t, err)
	before := a.Stats()
	ptr, err = a.Allocate(0)
	require.NoError(t, err)
	assert.Zero(t, ptr)
	assert.Equal(t, before, a.Stats())
}

func TestAllocator(t *testing.T) {
	a, _ := newTestAllocator(t, testConfig(1*MB))

	t.Run("Basic allocation and free", func(t *testing.T) {
		ptr, err := a.Allocate(4 * KB)
		require.NoError(t, err)
		assert.Equal(t, Ptr(testBase), ptr)
		require.NoError(t, a.Verify())

		require.NoError(t, a.Deallocate(ptr, 4*KB))
		require.NoError(t, a.Verify())
		assert.Equal(t, []pieceShape{{Off: 0, Size: 1 * MB, Free: true}}, shape(a))
	})

	t.Run("Multiple allocations", func(t *testing.T) {
		ptrs := make([]Ptr, 10)
		for i := range ptrs {
			ptr, err := a.Allocate(4 * KB)
			require.NoError(t, err)
			ptrs[i] = ptr
		}
		require.NoError(t, a.Verify())
		assert.Equal(t, uint64(40*KB), a.Stats().InUseBytes)

		for _, ptr := range ptrs {
			require.NoError(t, a.Deallocate(ptr, 4*KB))
			require.NoError(t, a.Verify())
		}
		assert.Len(t, shape(a), 1)
	})

	t.Run("Counters", func(t *testing.T) {
		s := a.Stats()
		assert.Equal(t, uint64(1*MB), s.ArenaBytes)
		assert.Equal(t, uint64(11), s.Allocations)
		assert.Equal(t, uint64(11), s.Deallocations)
		assert.Equal(t, uint64(44*KB), s.AllocatedBytes)
		assert.Equal(t, uint64(44*KB), s.DeallocatedBytes)
		assert.Equal(t, uint64(1*MB), s.FreeBytes)
	})
}

func TestAlignment(t *testing.T) {
	a, _ := newTestAllocator(t, testConfig(8*MB))
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		size := uint64(rng.Intn(20*KB) + 1)
		ptr, err := a.Allocate(size)
		require.NoError(t, err)

		assert.Zero(t, uint64(ptr-a.base)%DefaultAlignment)
		id, ok := a.index.lookup(ptr)
		require.True(t, ok)
		assert.Equal(t, alignUp(size, DefaultAlignment), a.slab.get(id).size)
	}
	require.NoError(t, a.Verify())
}

func TestRoundTripRestoresShape(t *testing.T) {
	a, _ := newTestAllocator(t, testConfig(1*MB))

	keep, err := a.Allocate(100 * KB)
	require.NoError(t, err)
	before := shape(a)

	ptr, err := a.Allocate(37 * KB)
	require.NoError(t, err)
	require.NoError(t, a.Deallocate(ptr, 37*KB))

	if diff := cmp.Diff(before, shape(a)); diff != "" {
		t.Fatalf("shape mismatch after round trip (-want +got):\n%s", diff)
	}
	require.NoError(t, a.Deallocate(keep, 100*KB))
}

func TestFIFOFreeCoalesces(t *testing.T) {
	const size = 256 * KB
	a, _ := newTestAllocator(t, testConfig(3*size))

	ptrs := make([]Ptr, 3)
	for i := range ptrs {
		ptr, err := a.Allocate(size)
		require.NoError(t, err)
		ptrs[i] = ptr
	}
	assert.Empty(t, a.bins.count(), "arena should be fully occupied")

	for _, ptr := range ptrs {
		require.NoError(t, a.Deallocate(ptr, size))
		require.NoError(t, a.Verify())
	}

	assert.Equal(t, []pieceShape{{Off: 0, Size: 3 * size, Free: true}}, shape(a))
	want := a.bins.binFor(3 * size)
	for n := range a.bins.bins {
		if n == want {
			assert.Len(t, a.bins.bins[n].entries, 1)
		} else {
			assert.Empty(t, a.bins.bins[n].entries, "bin %d", n)
		}
	}
}

func TestSplitPolicy(t *testing.T) {
	t.Run("left", func(t *testing.T) {
		a, _ := newTestAllocator(t, testConfig(1*MB))
		ptr, err := a.Allocate(64 * KB)
		require.NoError(t, err)
		assert.Equal(t, Ptr(testBase), ptr)
	})

	t.Run("right", func(t *testing.T) {
		cfg := testConfig(1 * MB)
		cfg.SplitPolicy = SplitRight
		a, _ := newTestAllocator(t, cfg)

		ptr, err := a.Allocate(768 * KB)
		require.NoError(t, err)
		assert.Equal(t, Ptr(testBase+256*KB), ptr)

		// The shrunken remainder moves to the class of its new size.
		rest := a.slab.get(a.index.byPtr[Ptr(testBase)])
		assert.Equal(t, uint64(256*KB), rest.size)
		assert.Equal(t, a.bins.binFor(256*KB), rest.bin)
		require.NoError(t, a.Verify())
	})

	t.Run("alternating", func(t *testing.T) {
		cfg := testConfig(1 * MB)
		cfg.SplitPolicy = SplitAlternating
		a, _ := newTestAllocator(t, cfg)

		first, err := a.Allocate(64 * KB)
		require.NoError(t, err)
		second, err := a.Allocate(64 * KB)
		require.NoError(t, err)
		third, err := a.Allocate(64 * KB)
		require.NoError(t, err)

		assert.Equal(t, Ptr(testBase), first)
		assert.Equal(t, Ptr(testBase+1*MB-64*KB), second)
		assert.Equal(t, Ptr(testBase+64*KB), third)
		require.NoError(t, a.Verify())
	})

	t.Run("high cost op forces left", func(t *testing.T) {
		cfg := testConfig(1 * MB)
		cfg.SplitPolicy = SplitRight
		a, _ := newTestAllocator(t, cfg)

		ptr, err := a.AllocateOp(64*KB, "conv2d")
		require.NoError(t, err)
		assert.Equal(t, Ptr(testBase), ptr)

		ptr, err = a.AllocateOp(64*KB, "relu")
		require.NoError(t, err)
		assert.Equal(t, Ptr(testBase+1*MB-64*KB), ptr)
	})
}

func TestInvalidFree(t *testing.T) {
	a, _ := newTestAllocator(t, testConfig(1*MB))

	ptr, err := a.Allocate(8 * KB)
	require.NoError(t, err)

	err = a.Deallocate(0xdeadbeef, 4096)
	assert.ErrorIs(t, err, ErrInvalidFree)

	err = a.Deallocate(ptr+512, 512)
	assert.ErrorIs(t, err, ErrInvalidFree)
	assert.Contains(t, err.Error(), "inside piece "+ptr.String())

	require.NoError(t, a.Deallocate(ptr, 8*KB))
	assert.ErrorIs(t, a.Deallocate(ptr, 8*KB), ErrInvalidFree)

	assert.NoError(t, a.Deallocate(0, 0))
	require.NoError(t, a.Verify())
}

func TestMark(t *testing.T) {
	a, _ := newTestAllocator(t, testConfig(1*MB))
	v := &testValue{name: "t0"}

	assert.ErrorIs(t, a.Mark(testBase, v), ErrUnknownPointer)

	ptr := allocateValue(t, a, 4*KB, v)
	id, _ := a.index.lookup(ptr)
	assert.Same(t, v, a.slab.get(id).owner)

	require.NoError(t, a.Deallocate(ptr, 4*KB))
	assert.ErrorIs(t, a.Mark(ptr, v), ErrUnknownPointer)
}

func TestBootstrapFailure(t *testing.T) {
	mem := device.NewVirtual(testBase, 512*KB)
	a, err := NewAllocator(mem, testCosts, testConfig(1*MB))
	require.NoError(t, err)

	_, err = a.Allocate(4 * KB)
	assert.ErrorIs(t, err, ErrBootstrap)
	_, err = a.Allocate(4 * KB)
	assert.ErrorIs(t, err, ErrBootstrap)
	assert.NoError(t, a.Verify())
	assert.NoError(t, a.Close())
}

func TestTooLarge(t *testing.T) {
	a, _ := newTestAllocator(t, testConfig(1*MB))

	_, err := a.Allocate(1*MB + 1)
	var oom *OOMError
	require.ErrorAs(t, err, &oom)
	assert.Equal(t, uint64(1*MB+1), oom.Requested)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Contains(t, oom.Dump, "free")
}

func TestClose(t *testing.T) {
	a, mem := newTestAllocator(t, testConfig(1*MB))

	ptr, err := a.Allocate(4 * KB)
	require.NoError(t, err)
	assert.Equal(t, 1, mem.Arenas())

	require.NoError(t, a.Close())
	assert.Zero(t, mem.Arenas())
	require.NoError(t, a.Close())

	_, err = a.Allocate(4 * KB)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.Deallocate(ptr, 4*KB), ErrClosed)
}

func TestNewAllocatorValidation(t *testing.T) {
	mem := device.NewVirtual(testBase, 0)

	_, err := NewAllocator(mem, nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg := DefaultConfig()
	cfg.Alignment = 100
	_, err = NewAllocator(mem, testCosts, cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// TestChurn drives random allocations, frees and evictions and checks every
// invariant after each call.
func TestChurn(t *testing.T) {
	for _, policy := range []SplitPolicy{SplitLeft, SplitRight, SplitAlternating} {
		t.Run(string(policy), func(t *testing.T) {
			cfg := testConfig(2 * MB)
			cfg.SplitPolicy = policy
			a, _ := newTestAllocator(t, cfg)
			rng := rand.New(rand.NewSource(42))

			type live struct {
				size  uint64
				value *testValue
			}
			held := map[Ptr]*live{}

			for i := 0; i < 2000; i++ {
				if rng.Float64() < 0.6 || len(held) == 0 {
					size := uint64(rng.Intn(128*KB) + 1)
					v := &testValue{name: "v", cost: float64(rng.Intn(10)), pinned: rng.Intn(8) == 0}
					ptr, err := a.Allocate(size)
					if err != nil {
						require.ErrorIs(t, err, ErrOutOfMemory)
						continue
					}
					require.NoError(t, a.Mark(ptr, v))
					held[ptr] = &live{size: size, value: v}
				} else {
					for ptr, l := range held {
						require.NoError(t, a.Deallocate(ptr, l.size))
						delete(held, ptr)
						break
					}
				}
				// Forget values the allocator evicted.
				for ptr, l := range held {
					if l.value.evictions > 0 {
						delete(held, ptr)
					}
				}
				require.NoError(t, a.Verify(), "step %d", i)
			}
		})
	}
}
