// Package loader reads program images from the filesystem into kernel
// heap memory. It understands flat binaries, ELF32 executables for the
// isa machine, and either of those compressed with zstd.
package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"io"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"kernsim/pkg/isa"
	"kernsim/pkg/kerr"
	"kernsim/pkg/kheap"
	"kernsim/pkg/logger"
	"kernsim/pkg/paging"
	"kernsim/pkg/vfs"
)

// UserLimit is the first address above the image area; segments must end
// at or below it.
const UserLimit uint32 = 0x10000000

// DefaultMaxImageSize bounds a decoded image.
const DefaultMaxImageSize = 4 << 20

var (
	elfMagic  = []byte(elf.ELFMAG)
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Loader loads images from a filesystem.
type Loader struct {
	fs      vfs.FileSystem
	heap    *kheap.Heap
	maxSize int64
	log     *zap.Logger
}

// New creates a loader reading from fs and placing images in heap.
func New(fs vfs.FileSystem, heap *kheap.Heap, log *zap.Logger) *Loader {
	return &Loader{
		fs:      fs,
		heap:    heap,
		maxSize: DefaultMaxImageSize,
		log:     logger.OrNop(log).Named("loader"),
	}
}

// FS returns the filesystem images are read from.
func (l *Loader) FS() vfs.FileSystem {
	return l.fs
}

// Load reads the image at path and copies its segments into heap memory.
func (l *Loader) Load(path string) (*Image, error) {
	f, err := l.fs.Open(path)
	if err != nil {
		return nil, kerr.Wrapf(err, kerr.BadPath, "open image %s", path)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, l.maxSize+1))
	if err != nil {
		return nil, kerr.Wrapf(err, kerr.IO, "read image %s", path)
	}
	if bytes.HasPrefix(data, zstdMagic) {
		if data, err = l.decompress(data); err != nil {
			return nil, kerr.Wrapf(err, kerr.BadFormat, "decompress image %s", path)
		}
	}
	if int64(len(data)) > l.maxSize {
		return nil, kerr.Newf(kerr.BadFormat, "image %s exceeds %d bytes", path, l.maxSize)
	}
	if len(data) == 0 {
		return nil, kerr.Newf(kerr.BadFormat, "image %s is empty", path)
	}

	var img *Image
	if bytes.HasPrefix(data, elfMagic) {
		img, err = l.loadELF(path, data)
	} else {
		img, err = l.loadFlat(path, data)
	}
	if err != nil {
		return nil, err
	}
	l.log.Debug("image loaded",
		zap.String("path", path),
		zap.Stringer("format", img.Format),
		zap.Uint32("entry", img.Entry),
		zap.Int("segments", len(img.Segments)))
	return img, nil
}

func (l *Loader) decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderMaxMemory(uint64(l.maxSize)))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(io.LimitReader(dec, l.maxSize+1))
}

func (l *Loader) loadFlat(path string, data []byte) (*Image, error) {
	img := &Image{Path: path, Format: Flat, Entry: isa.LoadAddress, heap: l.heap}
	if err := img.addSegment(isa.LoadAddress, data, uint32(len(data)), true); err != nil {
		return nil, err
	}
	return img, nil
}

func (l *Loader) loadELF(path string, data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, kerr.Wrapf(err, kerr.BadFormat, "parse ELF %s", path)
	}
	if f.Class != elf.ELFCLASS32 || f.Data != elf.ELFDATA2LSB {
		return nil, kerr.Newf(kerr.BadFormat, "%s: not a 32-bit little-endian ELF", path)
	}
	if f.Machine != elf.Machine(isa.ELFMachine) || f.Type != elf.ET_EXEC {
		return nil, kerr.Newf(kerr.BadFormat, "%s: not an executable for this machine", path)
	}

	img := &Image{Path: path, Format: ELF, Entry: uint32(f.Entry), heap: l.heap}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz || prog.Vaddr%paging.PageSize != 0 {
			_ = img.Close()
			return nil, kerr.Newf(kerr.BadFormat, "%s: bad segment at %#x", path, prog.Vaddr)
		}
		contents := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(contents, 0); err != nil && !errors.Is(err, io.EOF) {
			_ = img.Close()
			return nil, kerr.Wrapf(err, kerr.BadFormat, "%s: read segment at %#x", path, prog.Vaddr)
		}
		if err := img.addSegment(uint32(prog.Vaddr), contents, uint32(prog.Memsz), prog.Flags&elf.PF_W != 0); err != nil {
			_ = img.Close()
			return nil, err
		}
	}
	if len(img.Segments) == 0 || !img.Contains(img.Entry) {
		_ = img.Close()
		return nil, kerr.Newf(kerr.BadFormat, "%s: entry %#x outside loaded segments", path, img.Entry)
	}
	return img, nil
}

// Compress packs an image with zstd so Load accepts it.
func Compress(image []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(image, nil), nil
}
