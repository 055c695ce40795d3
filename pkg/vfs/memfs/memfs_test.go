package memfs

import (
	"io"
	"testing"

	"kernsim/pkg/vfs"
)

func TestNew(t *testing.T) {
	fs := New()

	info, err := fs.Stat("/")
	if err != nil {
		t.Fatalf("Stat(\"/\") failed: %v", err)
	}
	if !info.IsDir {
		t.Error("root should be a directory")
	}
}

func TestWriteAndRead(t *testing.T) {
	fs := New()
	if err := fs.WriteFile("/bin/init", []byte("image")); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	data, err := vfs.ReadFile(fs, "/bin/../bin/init")
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	if string(data) != "image" {
		t.Errorf("ReadFile() = %q, want %q", data, "image")
	}

	info, err := fs.Stat("/bin")
	if err != nil || !info.IsDir {
		t.Errorf("Stat(/bin) = %+v, %v; want directory", info, err)
	}
}

func TestOpenErrors(t *testing.T) {
	fs := New()
	_ = fs.WriteFile("/etc/motd", []byte("hi"))

	tests := []struct {
		name string
		path string
		want error
	}{
		{"missing", "/nope", vfs.ErrNotExist},
		{"directory", "/etc", vfs.ErrIsDir},
		{"through file", "/etc/motd/x", vfs.ErrNotDir},
		{"empty", "", vfs.ErrEmptyPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := fs.Open(tt.path); err != tt.want {
				t.Errorf("Open(%q) error = %v, want %v", tt.path, err, tt.want)
			}
		})
	}
}

func TestSeekAndClose(t *testing.T) {
	fs := New()
	_ = fs.WriteFile("/f", []byte("0123456789"))

	f, err := fs.Open("/f")
	if err != nil {
		t.Fatal(err)
	}
	if off, err := f.Seek(-3, vfs.SeekEnd); err != nil || off != 7 {
		t.Fatalf("Seek() = %d, %v; want 7", off, err)
	}
	rest, _ := io.ReadAll(f)
	if string(rest) != "789" {
		t.Errorf("read after seek = %q", rest)
	}
	if _, err := f.Seek(-1, vfs.SeekStart); err != vfs.ErrInvalidSeek {
		t.Errorf("negative seek error = %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Read(make([]byte, 1)); err != vfs.ErrClosedFile {
		t.Errorf("read after close error = %v", err)
	}
}

func TestRemoveAndReadDir(t *testing.T) {
	fs := New()
	_ = fs.WriteFile("/bin/b", nil)
	_ = fs.WriteFile("/bin/a", nil)

	names, err := fs.ReadDir("/bin")
	if err != nil || len(names) != 2 || names[0] != "a" {
		t.Fatalf("ReadDir() = %v, %v", names, err)
	}
	if err := fs.Remove("/bin"); err != vfs.ErrExist {
		t.Errorf("Remove(non-empty) error = %v", err)
	}
	if err := fs.Remove("/bin/a"); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Stat("/bin/a"); err != vfs.ErrNotExist {
		t.Errorf("Stat(removed) error = %v", err)
	}
}
