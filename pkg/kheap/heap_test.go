package kheap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernsim/pkg/hw"
	"kernsim/pkg/kerr"
)

func newHeap(t *testing.T, blocks uint32) *Heap {
	t.Helper()
	mem := hw.NewPhysMem(BlockSize + blocks*BlockSize)
	h, err := New(mem, BlockSize, blocks*BlockSize, nil)
	require.NoError(t, err)
	return h
}

func TestAllocRoundsToBlocks(t *testing.T) {
	h := newHeap(t, 8)

	a, err := h.Alloc(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(BlockSize), a)

	b, err := h.Alloc(BlockSize + 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2*BlockSize), b)

	size, err := h.SizeOf(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(2*BlockSize), size)

	assert.Equal(t, Stats{TotalBlocks: 8, UsedBlocks: 3, Allocations: 2}, h.Stats())
}

func TestFreeReleasesWholeRun(t *testing.T) {
	h := newHeap(t, 4)

	a, err := h.Alloc(3 * BlockSize)
	require.NoError(t, err)
	_, err = h.Alloc(2 * BlockSize)
	assert.True(t, kerr.Is(err, kerr.NoMemory))

	require.NoError(t, h.Free(a))
	assert.Equal(t, 0, h.Stats().UsedBlocks)

	b, err := h.Alloc(4 * BlockSize)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFirstFitReusesHoles(t *testing.T) {
	h := newHeap(t, 4)

	a, _ := h.Alloc(BlockSize)
	b, _ := h.Alloc(BlockSize)
	_, _ = h.Alloc(BlockSize)
	require.NoError(t, h.Free(a))
	require.NoError(t, h.Free(b))

	c, err := h.Alloc(2 * BlockSize)
	require.NoError(t, err)
	assert.Equal(t, a, c)
}

func TestFreeRejectsForeignAddresses(t *testing.T) {
	h := newHeap(t, 4)
	a, err := h.Alloc(2 * BlockSize)
	require.NoError(t, err)

	tests := []struct {
		name string
		addr uint32
	}{
		{"below heap", 0},
		{"unaligned", a + 1},
		{"second block", a + BlockSize},
		{"past end", BlockSize + 4*BlockSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, kerr.Is(h.Free(tt.addr), kerr.BadAddress))
		})
	}

	require.NoError(t, h.Free(a))
	assert.True(t, kerr.Is(h.Free(a), kerr.BadAddress), "double free must fail")
}

func TestZallocClears(t *testing.T) {
	h := newHeap(t, 2)
	a, err := h.Alloc(BlockSize)
	require.NoError(t, err)
	h.Mem().PutUint32(a+16, 0xffffffff)
	require.NoError(t, h.Free(a))

	b, err := h.Zalloc(8)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, uint32(0), h.Mem().Uint32(b+16))
}

func TestNewValidatesRegion(t *testing.T) {
	mem := hw.NewPhysMem(4 * BlockSize)
	_, err := New(mem, 100, BlockSize, nil)
	assert.True(t, kerr.Is(err, kerr.Misaligned))
	_, err = New(mem, 0, 8*BlockSize, nil)
	assert.True(t, kerr.Is(err, kerr.InvalidArg))
	_, err = New(mem, 0, mem.Size(), nil)
	assert.NoError(t, err)
}

func TestAllocZero(t *testing.T) {
	h := newHeap(t, 1)
	_, err := h.Alloc(0)
	assert.True(t, kerr.Is(err, kerr.InvalidArg))
}
