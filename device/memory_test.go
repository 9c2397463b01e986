package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVirtual(t *testing.T) {
	v := NewVirtual(0x10000000, 3<<20)

	a, err := v.RawAlloc(1 << 20)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x10000000), a)

	b, err := v.RawAlloc(1 << 20)
	require.NoError(t, err)
	assert.Equal(t, a+(1<<20), b)

	_, err = v.RawAlloc(2 << 20)
	assert.ErrorIs(t, err, ErrExhausted)

	_, err = v.RawAlloc(0)
	assert.ErrorIs(t, err, ErrZeroSize)

	require.NoError(t, v.RawFree(a))
	assert.ErrorIs(t, v.RawFree(a), ErrUnknownArena)
	assert.Equal(t, uint64(1<<20), v.Used())
	assert.Equal(t, 1, v.Arenas())
}

func TestHost(t *testing.T) {
	h := NewHost(1 << 20)

	base, err := h.RawAlloc(64 << 10)
	require.NoError(t, err)
	require.NotZero(t, base)

	buf, err := h.Slice(base+512, 512)
	require.NoError(t, err)
	require.Len(t, buf, 512)
	buf[0] = 0xAB
	again, err := h.Slice(base+512, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), again[0])

	_, err = h.Slice(base+(64<<10)-1, 2)
	assert.ErrorIs(t, err, ErrUnknownArena)

	_, err = h.RawAlloc(1 << 20)
	assert.ErrorIs(t, err, ErrExhausted)

	require.NoError(t, h.RawFree(base))
	assert.Zero(t, h.Used())
	assert.ErrorIs(t, h.RawFree(base), ErrUnknownArena)
}
