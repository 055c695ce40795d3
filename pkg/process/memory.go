package process

import (
	"cmp"
	"math"
	"slices"
	"sync/atomic"

	"kernsim/pkg/kerr"
	"kernsim/pkg/kheap"
	"kernsim/pkg/loader"
	"kernsim/pkg/paging"
)

// User address space layout.
const (
	// StackTop is the first address above the user stack.
	StackTop uint32 = 0x003FF000
	// HeapStart and HeapEnd bound the window process allocations are
	// placed in.
	HeapStart uint32 = 0x10000000
	HeapEnd   uint32 = 0x40000000
)

const userRW = paging.Present | paging.Writable | paging.User

// Allocation is one entry of a process's allocation table.
type Allocation struct {
	Virt uint32
	Phys uint32
	Size uint32
}

func (a Allocation) pages() int {
	return int(paging.AlignUp(a.Size) / paging.PageSize)
}

// space is everything a process owns in memory: the page directory, the
// program image, the user stack and the allocation table. It is released
// exactly once, by release.
type space struct {
	heap      *kheap.Heap
	dir       *paging.Directory
	image     *loader.Image
	stack     uint32
	stackSize uint32
	hasStack  bool
	allocs    []Allocation
	used      atomic.Uint32 // read by snapshots from outside the machine
	limits    ResourceLimits
}

// newSpace builds an address space around img, which it takes ownership
// of. On failure img is closed.
func newSpace(heap *kheap.Heap, img *loader.Image, stackSize uint32, limits ResourceLimits) (*space, error) {
	s := &space{
		heap:      heap,
		image:     img,
		stackSize: stackSize,
		allocs:    make([]Allocation, limits.MaxAllocations),
		limits:    limits,
	}
	var err error
	if s.dir, err = paging.New(heap, userRW); err != nil {
		s.release(nil)
		return nil, err
	}
	if err = img.Map(s.dir); err != nil {
		s.release(nil)
		return nil, err
	}
	if s.stack, err = heap.Zalloc(stackSize); err != nil {
		s.release(nil)
		return nil, err
	}
	s.hasStack = true
	if err = s.dir.MapTo(StackTop-stackSize, s.stack, s.stack+stackSize, userRW); err != nil {
		s.release(nil)
		return nil, err
	}
	return s, nil
}

// clone deep-copies the space. Allocations keep their virtual addresses
// and get fresh physical memory.
func (s *space) clone() (*space, error) {
	img, err := s.image.Clone()
	if err != nil {
		return nil, err
	}
	c, err := newSpace(s.heap, img, s.stackSize, s.limits)
	if err != nil {
		return nil, err
	}
	mem := s.heap.Mem()
	mem.Copy(c.stack, s.stack, s.stackSize)
	for i, a := range s.allocs {
		if a.Size == 0 {
			continue
		}
		phys, err := s.heap.Alloc(paging.AlignUp(a.Size))
		if err != nil {
			c.release(nil)
			return nil, err
		}
		mem.Copy(phys, a.Phys, paging.AlignUp(a.Size))
		if err := c.dir.MapRange(a.Virt, phys, a.pages(), userRW); err != nil {
			_ = s.heap.Free(phys)
			c.release(nil)
			return nil, err
		}
		c.allocs[i] = Allocation{Virt: a.Virt, Phys: phys, Size: a.Size}
		c.used.Add(a.Size)
	}
	return c, nil
}

// release frees every resource of the space. The active directory is
// first switched away from with mmu.
func (s *space) release(mmu *paging.MMU) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for i, a := range s.allocs {
		if a.Size > 0 {
			keep(s.heap.Free(a.Phys))
			s.allocs[i] = Allocation{}
		}
	}
	s.used.Store(0)
	if s.hasStack {
		keep(s.heap.Free(s.stack))
		s.hasStack = false
	}
	if s.image != nil {
		keep(s.image.Close())
		s.image = nil
	}
	if s.dir != nil {
		if s.dir.Active() && mmu != nil {
			mmu.Switch(nil)
		}
		keep(s.dir.Destroy())
		s.dir = nil
	}
	return first
}

func (s *space) malloc(size uint32) (uint32, error) {
	if size == 0 {
		return 0, kerr.Newf(kerr.InvalidArg, "malloc of zero bytes")
	}
	if err := s.limits.checkMemory(s.used.Load(), size); err != nil {
		return 0, err
	}
	slot := slices.IndexFunc(s.allocs, func(a Allocation) bool { return a.Size == 0 })
	if slot < 0 {
		return 0, &LimitError{
			Type:  ResourceAllocations,
			Limit: uint64(len(s.allocs)),
			Used:  uint64(len(s.allocs)),
			Want:  1,
		}
	}
	virt, ok := s.findHole(paging.AlignUp(size))
	if !ok {
		return 0, kerr.Newf(kerr.NoMemory, "no room for %d bytes in the heap window", size)
	}
	phys, err := s.heap.Zalloc(size)
	if err != nil {
		return 0, err
	}
	a := Allocation{Virt: virt, Phys: phys, Size: size}
	if err := s.dir.MapRange(virt, phys, a.pages(), userRW); err != nil {
		_ = s.heap.Free(phys)
		return 0, err
	}
	s.allocs[slot] = a
	s.used.Add(size)
	return virt, nil
}

func (s *space) free(virt uint32) error {
	slot := slices.IndexFunc(s.allocs, func(a Allocation) bool { return a.Size > 0 && a.Virt == virt })
	if slot < 0 {
		return kerr.Newf(kerr.BadAddress, "free of untracked address %#x", virt)
	}
	a := s.allocs[slot]
	if err := s.dir.Unmap(a.Virt, a.pages()); err != nil {
		return err
	}
	s.allocs[slot] = Allocation{}
	s.used.Add(-a.Size)
	return s.heap.Free(a.Phys)
}

// findHole returns the lowest page-aligned address in the heap window
// where size bytes fit between live allocations.
func (s *space) findHole(size uint32) (uint32, bool) {
	var live []Allocation
	for _, a := range s.allocs {
		if a.Size > 0 {
			live = append(live, a)
		}
	}
	slices.SortFunc(live, func(a, b Allocation) int { return cmp.Compare(a.Virt, b.Virt) })
	next := HeapStart
	for _, a := range live {
		if uint64(next)+uint64(size) <= uint64(a.Virt) {
			return next, true
		}
		next = a.Virt + paging.AlignUp(a.Size)
	}
	if uint64(next)+uint64(size) <= uint64(HeapEnd) {
		return next, true
	}
	return 0, false
}

// Malloc allocates size zeroed bytes, maps them writable into p's address
// space and returns the virtual address.
func (m *Manager) Malloc(p *Process, size uint32) (uint32, error) {
	if p.space == nil {
		return 0, kerr.Newf(kerr.NoSuchProcess, "malloc in exited %s", p)
	}
	virt, err := p.space.malloc(size)
	if err != nil {
		m.log.Debug("malloc failed", m.procField(p), errField(err))
		return 0, err
	}
	return virt, nil
}

// Calloc allocates count*size zeroed bytes.
func (m *Manager) Calloc(p *Process, count, size uint32) (uint32, error) {
	total := uint64(count) * uint64(size)
	if total > math.MaxUint32 {
		return 0, kerr.Newf(kerr.InvalidArg, "calloc(%d, %d) overflows", count, size)
	}
	return m.Malloc(p, uint32(total))
}

// Free releases an allocation by the address Malloc returned. An address
// that is not in the table is a usage error.
func (m *Manager) Free(p *Process, virt uint32) error {
	if p.space == nil {
		return kerr.Newf(kerr.NoSuchProcess, "free in exited %s", p)
	}
	return p.space.free(virt)
}
