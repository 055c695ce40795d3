package userland

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernsim/pkg/hw"
	"kernsim/pkg/isa"
	"kernsim/pkg/kheap"
	"kernsim/pkg/loader"
	"kernsim/pkg/vfs/memfs"
)

func TestProgramsBuild(t *testing.T) {
	names := map[string]bool{}
	for _, p := range Programs() {
		prog, err := p.Build()
		require.NoError(t, err, p.Name)
		assert.Equal(t, isa.LoadAddress, prog.Entry(), p.Name)
		assert.NotEmpty(t, prog.Text, p.Name)
		names[p.Name] = true
	}
	for _, want := range []string{"init", "hello", "forkwait", "cat", "memtest"} {
		assert.True(t, names[want], want)
	}
}

func TestBuildUnknown(t *testing.T) {
	_, err := Build("nope")
	assert.Error(t, err)
}

func TestEncodeUnknownFormat(t *testing.T) {
	prog, err := Build("hello")
	require.NoError(t, err)
	_, err = Encode(prog, "tar")
	assert.Error(t, err)
}

func TestInstallLoadsInEveryFormat(t *testing.T) {
	for _, format := range []string{FormatFlat, FormatELF, FormatZstd} {
		t.Run(format, func(t *testing.T) {
			fs := memfs.New()
			paths, err := Install(fs, "/bin", format)
			require.NoError(t, err)
			assert.Len(t, paths, len(Programs()))

			mem := hw.NewPhysMem(4 << 20)
			heap, err := kheap.New(mem, 0, mem.Size(), nil)
			require.NoError(t, err)
			ld := loader.New(fs, heap, nil)

			img, err := ld.Load("/bin/hello")
			require.NoError(t, err)
			defer img.Close()
			assert.Equal(t, isa.LoadAddress, img.Entry)
		})
	}
}
