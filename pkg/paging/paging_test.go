package paging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernsim/pkg/hw"
	"kernsim/pkg/kerr"
	"kernsim/pkg/kheap"
)

const userFlags = Present | Writable | User

func newHeap(t *testing.T) *kheap.Heap {
	t.Helper()
	mem := hw.NewPhysMem(1 << 20)
	h, err := kheap.New(mem, 64*PageSize, 128*PageSize, nil)
	require.NoError(t, err)
	return h
}

func newDir(t *testing.T, h *kheap.Heap) *Directory {
	t.Helper()
	d, err := New(h, Writable|User)
	require.NoError(t, err)
	return d
}

func TestAlign(t *testing.T) {
	tests := []struct {
		addr, up, down uint32
		aligned        bool
	}{
		{0, 0, 0, true},
		{1, PageSize, 0, false},
		{PageSize, PageSize, PageSize, true},
		{PageSize + 17, 2 * PageSize, PageSize, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.up, AlignUp(tt.addr), "AlignUp(%#x)", tt.addr)
		assert.Equal(t, tt.down, AlignDown(tt.addr), "AlignDown(%#x)", tt.addr)
		assert.Equal(t, tt.aligned, IsAligned(tt.addr), "IsAligned(%#x)", tt.addr)
	}
}

func TestMapTranslate(t *testing.T) {
	h := newHeap(t)
	d := newDir(t, h)

	require.NoError(t, d.Map(0x400000, 0x5000, userFlags))
	pa, err := d.Translate(0x400123)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x5123), pa)

	_, err = d.Translate(0x401000)
	assert.True(t, kerr.Is(err, kerr.NotMapped))

	require.NoError(t, d.MapTo(0x800000, 0x10000, 0x13000, Present|User))
	for i := uint32(0); i < 3; i++ {
		pa, err := d.Translate(0x800000 + i*PageSize + 4)
		require.NoError(t, err)
		assert.Equal(t, 0x10000+i*PageSize+4, pa)
	}
	_, err = d.Translate(0x803000)
	assert.Error(t, err)

	flags, ok := d.Flags(0x800000)
	require.True(t, ok)
	assert.False(t, flags.Has(Writable))
}

func TestMapRejectsBadArguments(t *testing.T) {
	d := newDir(t, newHeap(t))

	assert.True(t, kerr.Is(d.Map(0x400001, 0x5000, userFlags), kerr.Misaligned))
	assert.True(t, kerr.Is(d.Map(0x400000, 0x5001, userFlags), kerr.Misaligned))
	assert.True(t, kerr.Is(d.MapTo(0x400000, 0x5000, 0x5800, userFlags), kerr.Misaligned))
	assert.True(t, kerr.Is(d.MapTo(0x400000, 0x6000, 0x5000, userFlags), kerr.InvalidArg))
	assert.True(t, kerr.Is(d.Unmap(0x10, 1), kerr.Misaligned))
}

func TestUnmapClearsExactRange(t *testing.T) {
	d := newDir(t, newHeap(t))
	require.NoError(t, d.MapRange(0x10000000, 0x20000, 4, userFlags))

	require.NoError(t, d.Unmap(0x10001000, 2))

	for i, want := range []bool{true, false, false, true} {
		_, err := d.Translate(0x10000000 + uint32(i)*PageSize)
		assert.Equal(t, want, err == nil, "page %d", i)
	}
}

func TestDestroyReleasesTables(t *testing.T) {
	h := newHeap(t)
	before := h.Stats().UsedBlocks

	d := newDir(t, h)
	require.NoError(t, d.Map(0x00400000, 0x5000, userFlags))
	require.NoError(t, d.Map(0x10000000, 0x6000, userFlags))
	assert.Equal(t, before+3, h.Stats().UsedBlocks)

	mmu := NewMMU(h.Mem(), nil)
	mmu.Switch(d)
	assert.Error(t, d.Destroy(), "active directory")

	mmu.Switch(nil)
	require.NoError(t, d.Destroy())
	assert.Equal(t, before, h.Stats().UsedBlocks)
	assert.Error(t, d.Destroy())
	assert.Error(t, d.Map(0x400000, 0x5000, userFlags))
}

func TestDestroyKeepsFreeingAfterError(t *testing.T) {
	h := newHeap(t)
	before := h.Stats().UsedBlocks

	d := newDir(t, h)
	require.NoError(t, d.Map(0x00400000, 0x5000, userFlags))
	// A table outside the heap cannot be freed.
	h.Mem().PutUint32(d.Root()+(EntriesPerTable-1)*entrySize, 0x1000|uint32(Present))

	assert.Error(t, d.Destroy())
	assert.Equal(t, before, h.Stats().UsedBlocks)
	err := d.Destroy()
	assert.True(t, kerr.Is(err, kerr.InvalidArg), "second destroy: %v", err)
	assert.Equal(t, before, h.Stats().UsedBlocks)
}

func TestMMUPermissions(t *testing.T) {
	h := newHeap(t)
	d := newDir(t, h)
	require.NoError(t, d.Map(0x400000, 0x5000, Present|User))
	require.NoError(t, d.Map(0x401000, 0x6000, userFlags))
	require.NoError(t, d.Map(0x402000, 0x7000, Present|Writable))

	mmu := NewMMU(h.Mem(), nil)

	_, err := mmu.Load32(0x400000)
	var pf *PageFault
	require.True(t, errors.As(err, &pf), "kernel view must fault")
	assert.False(t, pf.Present)

	mmu.Switch(d)
	require.NoError(t, mmu.Store32(0x401000, 0xcafef00d))
	v, err := mmu.Load32(0x401000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xcafef00d), v)
	assert.Equal(t, uint32(0xcafef00d), h.Mem().Uint32(0x6000))

	err = mmu.Store8(0x400000, 1)
	require.True(t, errors.As(err, &pf))
	assert.True(t, pf.Present)
	assert.True(t, pf.Write)
	assert.ErrorIs(t, err, kerr.ErrFault)

	_, err = mmu.Load8(0x402000)
	assert.Error(t, err, "supervisor page")

	flags, _ := d.Flags(0x401000)
	assert.True(t, flags.Has(Accessed|Dirty))
}

func TestMMUStraddlingWord(t *testing.T) {
	h := newHeap(t)
	d := newDir(t, h)
	require.NoError(t, d.Map(0x400000, 0x5000, userFlags))
	require.NoError(t, d.Map(0x401000, 0x9000, userFlags))

	mmu := NewMMU(h.Mem(), nil)
	mmu.Switch(d)
	require.NoError(t, mmu.Store32(0x400ffe, 0x04030201))
	v, err := mmu.Load32(0x400ffe)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x04030201), v)
	assert.Equal(t, []byte{3, 4}, h.Mem().Slice(0x9000, 2))

	assert.Error(t, mmu.Store32(0x401ffe, 1))
	assert.Equal(t, []byte{0, 0}, h.Mem().Slice(0x9ffe, 2), "faulting store must not write")
}

func TestMMUInvalidatesOnUnmap(t *testing.T) {
	h := newHeap(t)
	d := newDir(t, h)
	require.NoError(t, d.Map(0x400000, 0x5000, userFlags))

	mmu := NewMMU(h.Mem(), nil)
	mmu.Switch(d)
	_, err := mmu.Load8(0x400000)
	require.NoError(t, err)

	require.NoError(t, d.Unmap(0x400000, 1))
	_, err = mmu.Load8(0x400000)
	assert.Error(t, err)
}

func TestSwitchFlushes(t *testing.T) {
	h := newHeap(t)
	a, b := newDir(t, h), newDir(t, h)
	require.NoError(t, a.Map(0x400000, 0x5000, userFlags))
	require.NoError(t, b.Map(0x400000, 0x6000, userFlags))
	h.Mem().Write(0x5000, []byte{'a'})
	h.Mem().Write(0x6000, []byte{'b'})

	mmu := NewMMU(h.Mem(), nil)
	mmu.Switch(a)
	c, err := mmu.Load8(0x400000)
	require.NoError(t, err)
	assert.Equal(t, byte('a'), c)
	assert.True(t, a.Active())

	flushes := mmu.Flushes()
	mmu.Switch(b)
	assert.Equal(t, flushes+1, mmu.Flushes())
	assert.False(t, a.Active())
	c, err = mmu.Load8(0x400000)
	require.NoError(t, err)
	assert.Equal(t, byte('b'), c)
}

func TestCopyBetweenDirectories(t *testing.T) {
	h := newHeap(t)
	parent, child := newDir(t, h), newDir(t, h)
	require.NoError(t, parent.MapRange(0x10000000, 0x20000, 2, userFlags))
	require.NoError(t, child.MapRange(0x10000000, 0x30000, 2, userFlags))

	msg := []byte("hello across a page boundary")
	require.NoError(t, WriteVirtual(parent, 0x10000ff0, msg))

	require.NoError(t, Copy(child, 0x10000ff0, parent, 0x10000ff0, uint32(len(msg))))
	got := make([]byte, len(msg))
	require.NoError(t, ReadVirtual(child, 0x10000ff0, got))
	assert.Equal(t, msg, got)

	require.NoError(t, WriteVirtual(child, 0x10000ff0, []byte("J")))
	require.NoError(t, ReadVirtual(parent, 0x10000ff0, got[:1]))
	assert.Equal(t, byte('h'), got[0], "copies must not share frames")
}

func TestWriteVirtualNeedsWritable(t *testing.T) {
	h := newHeap(t)
	d := newDir(t, h)
	require.NoError(t, d.Map(0x400000, 0x5000, Present|User))

	err := WriteVirtual(d, 0x400000, []byte{1})
	assert.True(t, kerr.Is(err, kerr.BadAddress))
	err = ReadVirtual(d, 0x500000, make([]byte, 1))
	assert.True(t, kerr.Is(err, kerr.BadAddress))
}

func TestReadString(t *testing.T) {
	h := newHeap(t)
	d := newDir(t, h)
	require.NoError(t, d.MapRange(0x400000, 0x5000, 2, userFlags))
	require.NoError(t, WriteVirtual(d, 0x400ffc, []byte("/bin/sh\x00")))

	s, err := ReadString(d, 0x400ffc, 64)
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", s)

	_, err = ReadString(d, 0x400ffc, 4)
	assert.True(t, kerr.Is(err, kerr.InvalidArg))

	require.NoError(t, WriteVirtual(d, 0x401ffc, []byte("abcd")))
	_, err = ReadString(d, 0x401ffc, 64)
	assert.True(t, kerr.Is(err, kerr.BadAddress), "runs off the mapping")
}
