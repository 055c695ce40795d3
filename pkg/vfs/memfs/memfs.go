// Package memfs provides an in-memory filesystem implementation.
// It backs test machines and images bundled into the binary.
package memfs

import (
	"sort"
	"sync"
	"time"

	"kernsim/pkg/vfs"
)

// memNode represents a node in the filesystem (file or directory).
type memNode struct {
	data     []byte
	isDir    bool
	children map[string]*memNode
	mtime    time.Time
}

func newDir() *memNode {
	return &memNode{isDir: true, children: make(map[string]*memNode), mtime: time.Now()}
}

// FS represents an in-memory filesystem.
type FS struct {
	mu   sync.RWMutex
	root *memNode
}

// New creates an empty filesystem containing only the root directory.
func New() *FS {
	return &FS{root: newDir()}
}

// lookup walks to the node at path. The caller holds fs.mu.
func (fs *FS) lookup(path string) (*memNode, error) {
	node := fs.root
	for _, part := range vfs.Components(path) {
		if !node.isDir {
			return nil, vfs.ErrNotDir
		}
		child, ok := node.children[part]
		if !ok {
			return nil, vfs.ErrNotExist
		}
		node = child
	}
	return node, nil
}

// Open implements vfs.FileSystem.
func (fs *FS) Open(path string) (vfs.File, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return nil, err
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	node, err := fs.lookup(path)
	if err != nil {
		return nil, err
	}
	if node.isDir {
		return nil, vfs.ErrIsDir
	}
	return vfs.NewFile(info(path, node), node.data), nil
}

// Stat implements vfs.FileSystem.
func (fs *FS) Stat(path string) (vfs.FileInfo, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return vfs.FileInfo{}, err
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	node, err := fs.lookup(path)
	if err != nil {
		return vfs.FileInfo{}, err
	}
	return info(path, node), nil
}

// MkdirAll creates the directory at path and any missing parents.
func (fs *FS) MkdirAll(path string) error {
	if err := vfs.ValidatePath(path); err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, err := fs.mkdirAll(vfs.Components(path))
	return err
}

func (fs *FS) mkdirAll(parts []string) (*memNode, error) {
	node := fs.root
	for _, part := range parts {
		child, ok := node.children[part]
		if !ok {
			child = newDir()
			node.children[part] = child
		}
		if !child.isDir {
			return nil, vfs.ErrNotDir
		}
		node = child
	}
	return node, nil
}

// WriteFile stores data at path, creating parent directories. Later
// writes replace the contents; open files keep reading the old ones.
func (fs *FS) WriteFile(path string, data []byte) error {
	if err := vfs.ValidatePath(path); err != nil {
		return err
	}
	parts := vfs.Components(path)
	if len(parts) == 0 {
		return vfs.ErrIsDir
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir, err := fs.mkdirAll(parts[:len(parts)-1])
	if err != nil {
		return err
	}
	name := parts[len(parts)-1]
	if existing, ok := dir.children[name]; ok && existing.isDir {
		return vfs.ErrIsDir
	}
	dir.children[name] = &memNode{data: append([]byte(nil), data...), mtime: time.Now()}
	return nil
}

// Remove deletes the file or empty directory at path.
func (fs *FS) Remove(path string) error {
	parts := vfs.Components(path)
	if len(parts) == 0 {
		return vfs.ErrInvalidPath
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir, err := fs.lookup(vfs.Clean(path) + "/..")
	if err != nil {
		return err
	}
	name := parts[len(parts)-1]
	node, ok := dir.children[name]
	if !ok {
		return vfs.ErrNotExist
	}
	if node.isDir && len(node.children) > 0 {
		return vfs.ErrExist
	}
	delete(dir.children, name)
	return nil
}

// ReadDir lists the names in the directory at path, sorted.
func (fs *FS) ReadDir(path string) ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	node, err := fs.lookup(path)
	if err != nil {
		return nil, err
	}
	if !node.isDir {
		return nil, vfs.ErrNotDir
	}
	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func info(path string, node *memNode) vfs.FileInfo {
	_, name := vfs.Split(path)
	return vfs.FileInfo{
		Name:    name,
		Size:    int64(len(node.data)),
		ModTime: node.mtime,
		IsDir:   node.isDir,
	}
}
