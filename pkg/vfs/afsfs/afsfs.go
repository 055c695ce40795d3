// Package afsfs serves files from any storage viant/afs can reach: local
// directories, archives and object stores, addressed by a base URL.
package afsfs

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/url"

	"kernsim/pkg/vfs"
)

// DefaultTimeout bounds a single storage operation.
const DefaultTimeout = 30 * time.Second

// FS is a vfs.FileSystem rooted at a URL.
type FS struct {
	svc     afs.Service
	base    string
	timeout time.Duration
}

// New creates a filesystem rooted at baseURL using the default afs
// service.
func New(baseURL string) *FS {
	return NewWithService(afs.New(), baseURL)
}

// NewWithService creates a filesystem over an existing afs service.
func NewWithService(svc afs.Service, baseURL string) *FS {
	return &FS{svc: svc, base: strings.TrimRight(baseURL, "/"), timeout: DefaultTimeout}
}

// URL returns the storage URL backing path.
func (f *FS) URL(path string) string {
	rel := strings.TrimPrefix(vfs.Clean(path), "/")
	if rel == "" {
		return f.base
	}
	return url.Join(f.base, rel)
}

func (f *FS) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), f.timeout)
}

// Stat implements vfs.FileSystem.
func (f *FS) Stat(path string) (vfs.FileInfo, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return vfs.FileInfo{}, err
	}
	ctx, cancel := f.context()
	defer cancel()
	return f.stat(ctx, path)
}

func (f *FS) stat(ctx context.Context, path string) (vfs.FileInfo, error) {
	u := f.URL(path)
	exists, err := f.svc.Exists(ctx, u)
	if err != nil {
		return vfs.FileInfo{}, fmt.Errorf("failed to check %s: %w", u, err)
	}
	if !exists {
		return vfs.FileInfo{}, vfs.ErrNotExist
	}
	obj, err := f.svc.Object(ctx, u)
	if err != nil {
		return vfs.FileInfo{}, fmt.Errorf("failed to stat %s: %w", u, err)
	}
	_, name := vfs.Split(path)
	return vfs.FileInfo{
		Name:    name,
		Size:    obj.Size(),
		ModTime: obj.ModTime(),
		IsDir:   obj.IsDir(),
	}, nil
}

// Open implements vfs.FileSystem. The whole object is downloaded on open.
func (f *FS) Open(path string) (vfs.File, error) {
	if err := vfs.ValidatePath(path); err != nil {
		return nil, err
	}
	ctx, cancel := f.context()
	defer cancel()

	info, err := f.stat(ctx, path)
	if err != nil {
		return nil, err
	}
	if info.IsDir {
		return nil, vfs.ErrIsDir
	}
	u := f.URL(path)
	data, err := f.svc.DownloadWithURL(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", u, err)
	}
	return vfs.NewFile(info, data), nil
}

// WriteFile uploads data to path.
func (f *FS) WriteFile(path string, data []byte) error {
	if err := vfs.ValidatePath(path); err != nil {
		return err
	}
	ctx, cancel := f.context()
	defer cancel()

	u := f.URL(path)
	if err := f.svc.Upload(ctx, u, file.DefaultFileOsMode, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write %s: %w", u, err)
	}
	return nil
}
