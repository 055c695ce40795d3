package vfs

import (
	"errors"
	"path"
	"strings"
)

// Path errors.
var (
	ErrEmptyPath   = errors.New("vfs: empty path")
	ErrInvalidPath = errors.New("vfs: invalid path")
	ErrPathTooLong = errors.New("vfs: path too long")
)

// MaxPathLength is the longest path a process may pass in.
const MaxPathLength = 256

// Clean returns the shortest absolute form of p. Relative paths are taken
// relative to the root and ".." never climbs above it.
func Clean(p string) string {
	return path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
}

// IsAbs reports whether p starts at the root.
func IsAbs(p string) bool {
	return strings.HasPrefix(p, "/")
}

// Resolve interprets p relative to the working directory cwd.
func Resolve(cwd, p string) string {
	if IsAbs(p) || cwd == "" {
		return Clean(p)
	}
	return Clean(cwd + "/" + p)
}

// Split returns the directory and final element of p.
func Split(p string) (dir, base string) {
	p = Clean(p)
	i := strings.LastIndexByte(p, '/')
	if i == 0 {
		return "/", p[1:]
	}
	return p[:i], p[i+1:]
}

// Components returns the elements of p below the root, nil for "/".
func Components(p string) []string {
	p = Clean(p)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}

// ValidatePath rejects paths no backend can hold.
func ValidatePath(p string) error {
	switch {
	case p == "":
		return ErrEmptyPath
	case len(p) > MaxPathLength:
		return ErrPathTooLong
	case strings.IndexByte(p, 0) >= 0:
		return ErrInvalidPath
	}
	return nil
}
