// Package overlayfs provides a layered filesystem implementation.
// It combines an upper filesystem with a lower one: a path is served by
// the upper layer when it exists there and falls through to the lower
// layer otherwise.
package overlayfs

import (
	"errors"

	"kernsim/pkg/vfs"
)

// FS represents a layered filesystem with an upper and a lower layer.
type FS struct {
	upper vfs.FileSystem
	lower vfs.FileSystem
}

// New creates a new overlay filesystem with the given upper and lower
// layers.
func New(upper, lower vfs.FileSystem) *FS {
	return &FS{
		upper: upper,
		lower: lower,
	}
}

// Open implements vfs.FileSystem.Open.
func (fs *FS) Open(path string) (vfs.File, error) {
	inUpper, err := exists(fs.upper, path)
	if err != nil {
		return nil, err
	}
	if inUpper {
		return fs.upper.Open(path)
	}
	return fs.lower.Open(path)
}

// Stat implements vfs.FileSystem.Stat. A directory present in the lower
// layer is still reported when the upper layer lacks it.
func (fs *FS) Stat(path string) (vfs.FileInfo, error) {
	info, err := fs.upper.Stat(path)
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, vfs.ErrNotExist) {
		return vfs.FileInfo{}, err
	}
	return fs.lower.Stat(path)
}

// exists checks if a regular file or directory exists in layer.
func exists(layer vfs.FileSystem, path string) (bool, error) {
	_, err := layer.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, vfs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
