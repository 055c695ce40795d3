// Package vfs is the filesystem collaborator of the kernel: a narrow
// read-only interface for opening and inspecting files by path, plus
// path helpers shared by the backends.
//
// # Backends
//
//   - memfs: an in-memory tree, used for tests and bundled images
//   - afsfs: files behind a viant/afs URL (local directories, archives,
//     object stores)
//
// # Usage
//
//	fs := memfs.New()
//	_ = fs.WriteFile("/bin/init", image)
//	data, err := vfs.ReadFile(fs, "/bin/init")
package vfs
