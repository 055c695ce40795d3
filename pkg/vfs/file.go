package vfs

import (
	"errors"
	"io"
	"sync"
)

// ErrClosedFile is returned when operations are performed on a closed file.
var ErrClosedFile = errors.New("vfs: file is closed")

// ErrInvalidSeek is returned for an invalid seek operation.
var ErrInvalidSeek = errors.New("vfs: invalid seek")

// memFile is a File over a snapshot of file contents.
type memFile struct {
	mu     sync.Mutex
	closed bool
	info   FileInfo
	data   []byte
	offset int64
}

// NewFile returns a File reading data. data is not copied and must not be
// modified while the file is open.
func NewFile(info FileInfo, data []byte) File {
	info.Size = int64(len(data))
	return &memFile{info: info, data: data}
}

// Read implements the io.Reader interface.
func (f *memFile) Read(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrClosedFile
	}
	if len(b) == 0 {
		return 0, nil
	}
	if f.offset >= int64(len(f.data)) {
		return 0, io.EOF
	}

	n := copy(b, f.data[f.offset:])
	f.offset += int64(n)
	return n, nil
}

// Seek implements the io.Seeker interface. Seeking past the end is
// allowed; reads there return io.EOF.
func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, ErrClosedFile
	}

	var abs int64
	switch whence {
	case SeekStart:
		abs = offset
	case SeekCurrent:
		abs = f.offset + offset
	case SeekEnd:
		abs = int64(len(f.data)) + offset
	default:
		return 0, ErrInvalidSeek
	}
	if abs < 0 {
		return 0, ErrInvalidSeek
	}
	f.offset = abs
	return abs, nil
}

// Close implements the io.Closer interface.
func (f *memFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosedFile
	}
	f.closed = true
	return nil
}

// Stat returns the file info captured at open.
func (f *memFile) Stat() (FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return FileInfo{}, ErrClosedFile
	}
	return f.info, nil
}
