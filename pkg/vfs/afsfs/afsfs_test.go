package afsfs

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernsim/pkg/vfs"
)

func TestLocalDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin", "init"), []byte("image bytes"), 0o644))

	fs := New(dir)

	info, err := fs.Stat("/bin/init")
	require.NoError(t, err)
	assert.Equal(t, "init", info.Name)
	assert.Equal(t, int64(11), info.Size)
	assert.False(t, info.IsDir)

	f, err := fs.Open("/bin/../bin/init")
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "image bytes", string(data))
	require.NoError(t, f.Close())

	info, err = fs.Stat("/bin")
	require.NoError(t, err)
	assert.True(t, info.IsDir)

	_, err = fs.Open("/bin")
	assert.ErrorIs(t, err, vfs.ErrIsDir)

	_, err = fs.Open("/missing")
	assert.ErrorIs(t, err, vfs.ErrNotExist)
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	fs := New(dir)

	require.NoError(t, fs.WriteFile("/bin/hello", []byte("hi")))
	data, err := os.ReadFile(filepath.Join(dir, "bin", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	got, err := vfs.ReadFile(fs, "bin/hello")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(got))
}
