package loader

import (
	"fmt"

	"kernsim/pkg/isa"
	"kernsim/pkg/kerr"
	"kernsim/pkg/kheap"
	"kernsim/pkg/paging"
)

// Format is the on-disk format of an image.
type Format int

// Image formats.
const (
	Flat Format = iota
	ELF
)

func (f Format) String() string {
	switch f {
	case Flat:
		return "flat"
	case ELF:
		return "elf"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Segment is one contiguous piece of a loaded image. Phys is the start of
// a kernel heap allocation holding MemSize bytes, page rounded.
type Segment struct {
	Virt     uint32
	Phys     uint32
	MemSize  uint32
	Writable bool
}

// End returns the first virtual address past the segment's pages.
func (s Segment) End() uint32 {
	return paging.AlignUp(s.Virt + s.MemSize)
}

// Image is a program image resident in kernel heap memory. It owns its
// segment memory until Close.
type Image struct {
	Path     string
	Format   Format
	Entry    uint32
	Segments []Segment

	heap   *kheap.Heap
	closed bool
}

// MemSize returns the total page-rounded size of all segments.
func (img *Image) MemSize() uint32 {
	var n uint32
	for _, s := range img.Segments {
		n += s.End() - s.Virt
	}
	return n
}

// Contains reports whether virt falls inside a segment.
func (img *Image) Contains(virt uint32) bool {
	for _, s := range img.Segments {
		if virt >= s.Virt && virt < s.Virt+s.MemSize {
			return true
		}
	}
	return false
}

func (img *Image) addSegment(virt uint32, contents []byte, memSize uint32, writable bool) error {
	if virt < isa.LoadAddress || uint64(virt)+uint64(memSize) > uint64(UserLimit) {
		return kerr.Newf(kerr.BadFormat, "segment [%#x, +%#x) outside the image area", virt, memSize)
	}
	for _, s := range img.Segments {
		if virt < s.End() && paging.AlignUp(virt+memSize) > s.Virt {
			return kerr.Newf(kerr.BadFormat, "segment at %#x overlaps %#x", virt, s.Virt)
		}
	}
	phys, err := img.heap.Zalloc(paging.AlignUp(memSize))
	if err != nil {
		return err
	}
	img.heap.Mem().Write(phys, contents)
	img.Segments = append(img.Segments, Segment{Virt: virt, Phys: phys, MemSize: memSize, Writable: writable})
	return nil
}

// Map installs the image's segments in dir as user pages. The end of each
// segment is rounded up to a page.
func (img *Image) Map(dir *paging.Directory) error {
	for _, s := range img.Segments {
		flags := paging.Present | paging.User
		if s.Writable {
			flags |= paging.Writable
		}
		if err := dir.MapTo(s.Virt, s.Phys, s.Phys+paging.AlignUp(s.MemSize), flags); err != nil {
			return err
		}
	}
	return nil
}

// Clone copies the image into fresh heap memory.
func (img *Image) Clone() (*Image, error) {
	if img.closed {
		return nil, kerr.Newf(kerr.InvalidArg, "clone of closed image %s", img.Path)
	}
	out := &Image{Path: img.Path, Format: img.Format, Entry: img.Entry, heap: img.heap}
	for _, s := range img.Segments {
		size := paging.AlignUp(s.MemSize)
		phys, err := img.heap.Alloc(size)
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		img.heap.Mem().Copy(phys, s.Phys, size)
		s.Phys = phys
		out.Segments = append(out.Segments, s)
	}
	return out, nil
}

// Close releases the image's segment memory.
func (img *Image) Close() error {
	if img.closed {
		return kerr.Newf(kerr.InvalidArg, "image %s already closed", img.Path)
	}
	img.closed = true
	var first error
	for _, s := range img.Segments {
		if err := img.heap.Free(s.Phys); err != nil && first == nil {
			first = err
		}
	}
	img.Segments = nil
	return first
}
