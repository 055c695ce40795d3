package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernsim/pkg/hw"
	"kernsim/pkg/isa"
	"kernsim/pkg/kerr"
	"kernsim/pkg/kheap"
	"kernsim/pkg/paging"
	"kernsim/pkg/vfs/memfs"
)

func program(t *testing.T) *isa.Program {
	t.Helper()
	return isa.NewBuilder().
		Addr(isa.R1, "msg").
		Sys(isa.SysPrint).
		Movi(isa.R1, 0).
		Sys(isa.SysExit).
		String("msg", "hello\n").
		Reserve("buf", 64).
		MustBuild()
}

func setup(t *testing.T) (*Loader, *memfs.FS, *kheap.Heap) {
	t.Helper()
	mem := hw.NewPhysMem(4 << 20)
	heap, err := kheap.New(mem, 0, 4<<20, nil)
	require.NoError(t, err)
	fs := memfs.New()
	return New(fs, heap, nil), fs, heap
}

func TestLoadFormats(t *testing.T) {
	p := program(t)
	packed, err := Compress(p.ELF())
	require.NoError(t, err)

	tests := []struct {
		name     string
		image    []byte
		format   Format
		segments int
	}{
		{"flat", p.Flat(), Flat, 1},
		{"elf", p.ELF(), ELF, 2},
		{"zstd elf", packed, ELF, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, fs, heap := setup(t)
			require.NoError(t, fs.WriteFile("/bin/prog", tt.image))

			img, err := l.Load("/bin/prog")
			require.NoError(t, err)
			assert.Equal(t, tt.format, img.Format)
			assert.Len(t, img.Segments, tt.segments)
			assert.Equal(t, isa.LoadAddress, img.Entry)
			assert.Equal(t, p.Text, heap.Mem().Slice(img.Segments[0].Phys, uint32(len(p.Text))))

			dir, err := paging.New(heap, paging.Writable|paging.User)
			require.NoError(t, err)
			require.NoError(t, img.Map(dir))
			pa, err := dir.Translate(p.DataAddr)
			require.NoError(t, err)
			assert.Equal(t, "hello\n", string(heap.Mem().Slice(pa, 6)))

			flags, ok := dir.Flags(p.Entry())
			require.True(t, ok)
			assert.Equal(t, tt.format == Flat, flags.Has(paging.Writable))

			require.NoError(t, dir.Destroy())
			require.NoError(t, img.Close())
			assert.Equal(t, 0, heap.Stats().UsedBlocks)
			assert.Error(t, img.Close())
		})
	}
}

func TestLoadRejectsBadImages(t *testing.T) {
	l, fs, _ := setup(t)
	elfImage := program(t).ELF()
	wrongMachine := append([]byte(nil), elfImage...)
	wrongMachine[18], wrongMachine[19] = 0x03, 0x00

	require.NoError(t, fs.WriteFile("/bin/empty", nil))
	require.NoError(t, fs.WriteFile("/bin/x86", wrongMachine))
	require.NoError(t, fs.WriteFile("/bin/truncated", elfImage[:40]))
	require.NoError(t, fs.WriteFile("/bin/badzstd", []byte{0x28, 0xb5, 0x2f, 0xfd, 1, 2, 3}))

	tests := []struct {
		path string
		code kerr.Code
	}{
		{"/bin/missing", kerr.BadPath},
		{"/bin", kerr.BadPath},
		{"/bin/empty", kerr.BadFormat},
		{"/bin/x86", kerr.BadFormat},
		{"/bin/truncated", kerr.BadFormat},
		{"/bin/badzstd", kerr.BadFormat},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := l.Load(tt.path)
			assert.Equal(t, tt.code, kerr.GetCode(err), "err = %v", err)
		})
	}
}

func TestLoadRejectsOversizedImage(t *testing.T) {
	l, fs, _ := setup(t)
	l.maxSize = 1024
	require.NoError(t, fs.WriteFile("/big", make([]byte, 2048)))
	_, err := l.Load("/big")
	assert.True(t, kerr.Is(err, kerr.BadFormat))
}

func TestCloneIsIndependent(t *testing.T) {
	l, fs, heap := setup(t)
	require.NoError(t, fs.WriteFile("/prog", program(t).Flat()))
	img, err := l.Load("/prog")
	require.NoError(t, err)

	clone, err := img.Clone()
	require.NoError(t, err)
	require.Len(t, clone.Segments, 1)
	orig, copied := img.Segments[0], clone.Segments[0]
	assert.NotEqual(t, orig.Phys, copied.Phys)
	assert.Equal(t, orig.Virt, copied.Virt)
	assert.Equal(t, img.MemSize(), clone.MemSize())

	heap.Mem().Write(copied.Phys, []byte{0xff})
	assert.NotEqual(t, byte(0xff), heap.Mem().Slice(orig.Phys, 1)[0])

	require.NoError(t, img.Close())
	require.NoError(t, clone.Close())
	_, err = img.Clone()
	assert.Error(t, err)
}
