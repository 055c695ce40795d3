package process

import (
	"errors"
	"io"

	"kernsim/pkg/kerr"
	"kernsim/pkg/vfs"
)

// openFile is one file descriptor. Descriptors are never shared between
// processes; fork reopens the file at the same offset.
type openFile struct {
	path string
	file vfs.File
}

type fileTable struct {
	fds []*openFile
}

func newFileTable(size int) *fileTable {
	return &fileTable{fds: make([]*openFile, size)}
}

func (t *fileTable) get(fd int32) (*openFile, error) {
	if fd < 0 || int(fd) >= len(t.fds) || t.fds[fd] == nil {
		return nil, kerr.Newf(kerr.BadFD, "bad file descriptor %d", fd)
	}
	return t.fds[fd], nil
}

func (t *fileTable) install(f *openFile) (int32, error) {
	for fd, cur := range t.fds {
		if cur == nil {
			t.fds[fd] = f
			return int32(fd), nil
		}
	}
	return -1, &LimitError{Type: ResourceFiles, Limit: uint64(len(t.fds)), Used: uint64(len(t.fds)), Want: 1}
}

// reopen duplicates the table against fs, each file at its current offset.
func (t *fileTable) reopen(fs vfs.FileSystem) (*fileTable, error) {
	out := newFileTable(len(t.fds))
	for fd, f := range t.fds {
		if f == nil {
			continue
		}
		off, err := f.file.Seek(0, vfs.SeekCurrent)
		if err != nil {
			out.closeAll()
			return nil, kerr.Wrapf(err, kerr.IO, "fd %d", fd)
		}
		nf, err := fs.Open(f.path)
		if err != nil {
			out.closeAll()
			return nil, kerr.Wrapf(err, kerr.IO, "reopen %s", f.path)
		}
		if _, err := nf.Seek(off, vfs.SeekStart); err != nil {
			_ = nf.Close()
			out.closeAll()
			return nil, kerr.Wrapf(err, kerr.IO, "seek %s", f.path)
		}
		out.fds[fd] = &openFile{path: f.path, file: nf}
	}
	return out, nil
}

func (t *fileTable) closeAll() {
	for fd, f := range t.fds {
		if f != nil {
			_ = f.file.Close()
			t.fds[fd] = nil
		}
	}
}

func (t *fileTable) count() int {
	n := 0
	for _, f := range t.fds {
		if f != nil {
			n++
		}
	}
	return n
}

func (m *Manager) filesOf(p *Process) (*fileTable, error) {
	if p.files == nil {
		return nil, kerr.Newf(kerr.NoSuchProcess, "%s has exited", p)
	}
	return p.files, nil
}

// pathError maps filesystem errors onto kernel codes.
func pathError(err error, path string) error {
	switch {
	case errors.Is(err, vfs.ErrNotExist):
		return kerr.Wrapf(err, kerr.BadPath, "%s", path)
	case errors.Is(err, vfs.ErrNotDir):
		return kerr.Wrapf(err, kerr.NotDirectory, "%s", path)
	case errors.Is(err, vfs.ErrIsDir):
		return kerr.Wrapf(err, kerr.InvalidArg, "%s", path)
	default:
		return kerr.Wrapf(err, kerr.IO, "%s", path)
	}
}

// Open opens path, relative to the working directory, for reading.
func (m *Manager) Open(p *Process, path string) (int32, error) {
	files, err := m.filesOf(p)
	if err != nil {
		return -1, err
	}
	if err := vfs.ValidatePath(path); err != nil {
		return -1, kerr.Wrapf(err, kerr.BadPath, "%q", path)
	}
	full := vfs.Resolve(p.cwd, path)
	f, err := m.fs.Open(full)
	if err != nil {
		return -1, pathError(err, full)
	}
	fd, err := files.install(&openFile{path: full, file: f})
	if err != nil {
		_ = f.Close()
		return -1, err
	}
	return fd, nil
}

// Read reads up to len(buf) bytes. It returns 0 at end of file.
func (m *Manager) Read(p *Process, fd int32, buf []byte) (int, error) {
	files, err := m.filesOf(p)
	if err != nil {
		return 0, err
	}
	f, err := files.get(fd)
	if err != nil {
		return 0, err
	}
	n, err := f.file.Read(buf)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	if err != nil {
		return n, kerr.Wrapf(err, kerr.IO, "read %s", f.path)
	}
	return n, nil
}

// Seek sets the offset of fd and returns the new offset.
func (m *Manager) Seek(p *Process, fd int32, offset int64, whence int) (int64, error) {
	files, err := m.filesOf(p)
	if err != nil {
		return 0, err
	}
	f, err := files.get(fd)
	if err != nil {
		return 0, err
	}
	off, err := f.file.Seek(offset, whence)
	if err != nil {
		return 0, kerr.Wrapf(err, kerr.InvalidArg, "seek %s", f.path)
	}
	return off, nil
}

// Stat describes the file behind fd.
func (m *Manager) Stat(p *Process, fd int32) (vfs.FileInfo, error) {
	files, err := m.filesOf(p)
	if err != nil {
		return vfs.FileInfo{}, err
	}
	f, err := files.get(fd)
	if err != nil {
		return vfs.FileInfo{}, err
	}
	info, err := f.file.Stat()
	if err != nil {
		return vfs.FileInfo{}, kerr.Wrapf(err, kerr.IO, "stat %s", f.path)
	}
	return info, nil
}

// Close releases fd.
func (m *Manager) Close(p *Process, fd int32) error {
	files, err := m.filesOf(p)
	if err != nil {
		return err
	}
	f, err := files.get(fd)
	if err != nil {
		return err
	}
	files.fds[fd] = nil
	if err := f.file.Close(); err != nil {
		return kerr.Wrapf(err, kerr.IO, "close %s", f.path)
	}
	return nil
}

// Getcwd returns the working directory.
func (m *Manager) Getcwd(p *Process) string {
	return p.cwd
}

// Chdir changes the working directory to an existing directory.
func (m *Manager) Chdir(p *Process, path string) error {
	if err := vfs.ValidatePath(path); err != nil {
		return kerr.Wrapf(err, kerr.BadPath, "%q", path)
	}
	full := vfs.Resolve(p.cwd, path)
	info, err := m.fs.Stat(full)
	if err != nil {
		return pathError(err, full)
	}
	if !info.IsDir {
		return kerr.Newf(kerr.NotDirectory, "%s is not a directory", full)
	}
	p.cwd = full
	return nil
}
