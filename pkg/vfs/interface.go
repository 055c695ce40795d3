package vfs

import (
	"errors"
	"io"
	"time"
)

// FileSystem is the read side of a filesystem: the kernel only opens and
// stats files, to fetch program images and back file descriptors.
//
// Implementations include memfs (in-memory tree) and afsfs (any storage
// reachable through a viant/afs URL).
type FileSystem interface {
	// Open opens the regular file at path for reading.
	Open(path string) (File, error)

	// Stat describes the file or directory at path.
	Stat(path string) (FileInfo, error)
}

// File is an open, read-only file.
type File interface {
	io.Reader
	io.Seeker
	io.Closer

	// Stat describes the file at the time it was opened.
	Stat() (FileInfo, error)
}

// FileInfo describes a file and is returned by Stat.
type FileInfo struct {
	Name    string    // Base name of the file
	Size    int64     // Length in bytes for regular files
	ModTime time.Time // Modification time
	IsDir   bool      // True if path is a directory
}

// Errors shared by all backends.
var (
	ErrNotExist = errors.New("vfs: file does not exist")
	ErrIsDir    = errors.New("vfs: is a directory")
	ErrNotDir   = errors.New("vfs: not a directory")
	ErrExist    = errors.New("vfs: file already exists")
)

// Seek whence values.
const (
	SeekStart   = io.SeekStart
	SeekCurrent = io.SeekCurrent
	SeekEnd     = io.SeekEnd
)

// ReadFile reads the whole file at path.
func ReadFile(fs FileSystem, path string) ([]byte, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
