// Package paging manages two-level page tables stored in physical memory.
//
// A Directory is one address space. Its directory page and every page
// table beneath it come from the kernel heap and are owned by the
// Directory; the frames it maps are owned by whoever mapped them.
package paging

import (
	"go.uber.org/zap"

	"kernsim/pkg/hw"
	"kernsim/pkg/kerr"
	"kernsim/pkg/kheap"
)

// Page geometry.
const (
	PageSize        = 4096
	EntriesPerTable = 1024
	entrySize       = 4
	addrMask        = 0xfffff000
	flagMask        = 0x00000fff
)

// Flags are the low bits of a directory or table entry.
type Flags uint32

// Entry flags.
const (
	Present       Flags = 0x01
	Writable      Flags = 0x02
	User          Flags = 0x04
	WriteThrough  Flags = 0x08
	CacheDisabled Flags = 0x10
	Accessed      Flags = 0x20
	Dirty         Flags = 0x40
)

// Has reports whether all of want are set.
func (f Flags) Has(want Flags) bool {
	return f&want == want
}

// AlignUp rounds addr up to the next page boundary.
func AlignUp(addr uint32) uint32 {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// AlignDown rounds addr down to its page boundary.
func AlignDown(addr uint32) uint32 {
	return addr &^ (PageSize - 1)
}

// IsAligned reports whether addr is on a page boundary.
func IsAligned(addr uint32) bool {
	return addr%PageSize == 0
}

// Directory is a page directory: the root of one address space.
type Directory struct {
	heap  *kheap.Heap
	mem   *hw.PhysMem
	root  uint32
	flags Flags
	mmu   *MMU
	dead  bool
}

// New allocates an empty directory. flags are applied to every directory
// entry the directory creates when it first needs a page table.
func New(heap *kheap.Heap, flags Flags) (*Directory, error) {
	root, err := heap.Zalloc(PageSize)
	if err != nil {
		return nil, kerr.Wrapf(err, kerr.NoMemory, "allocate page directory")
	}
	return &Directory{
		heap:  heap,
		mem:   heap.Mem(),
		root:  root,
		flags: flags | Present,
	}, nil
}

// Root returns the physical address of the directory page.
func (d *Directory) Root() uint32 {
	return d.root
}

// Active reports whether the directory is loaded in an MMU.
func (d *Directory) Active() bool {
	return d.mmu != nil
}

// Destroy releases the directory page and every page table under it. The
// mapped frames are not touched. The directory must not be active.
func (d *Directory) Destroy() error {
	if d.dead {
		return kerr.Newf(kerr.InvalidArg, "page directory %#x already destroyed", d.root)
	}
	if d.mmu != nil {
		return kerr.Newf(kerr.InvalidArg, "page directory %#x is active", d.root)
	}
	// Marked first: a failed Free below must not lead to a retry that
	// frees the remaining tables twice.
	d.dead = true
	var first error
	for i := uint32(0); i < EntriesPerTable; i++ {
		pde := d.mem.Uint32(d.root + i*entrySize)
		if Flags(pde)&Present == 0 {
			continue
		}
		if err := d.heap.Free(pde & addrMask); err != nil && first == nil {
			first = err
		}
	}
	if err := d.heap.Free(d.root); err != nil && first == nil {
		first = err
	}
	return first
}

// Map installs a single page mapping.
func (d *Directory) Map(virt, phys uint32, flags Flags) error {
	if !IsAligned(virt) || !IsAligned(phys) {
		return kerr.Newf(kerr.Misaligned, "map %#x -> %#x: not page aligned", virt, phys)
	}
	return d.set(virt, phys|uint32(flags&flagMask))
}

// MapRange maps pages consecutive pages starting at virt to consecutive
// frames starting at phys.
func (d *Directory) MapRange(virt, phys uint32, pages int, flags Flags) error {
	if !IsAligned(virt) || !IsAligned(phys) {
		return kerr.Newf(kerr.Misaligned, "map range %#x -> %#x: not page aligned", virt, phys)
	}
	if pages < 0 {
		return kerr.Newf(kerr.InvalidArg, "map range: negative page count %d", pages)
	}
	for i := 0; i < pages; i++ {
		off := uint32(i) * PageSize
		if err := d.set(virt+off, (phys+off)|uint32(flags&flagMask)); err != nil {
			return err
		}
	}
	return nil
}

// MapTo maps the physical range [physStart, physEnd) at virt.
func (d *Directory) MapTo(virt, physStart, physEnd uint32, flags Flags) error {
	if !IsAligned(virt) || !IsAligned(physStart) || !IsAligned(physEnd) {
		return kerr.Newf(kerr.Misaligned, "map %#x -> [%#x, %#x): not page aligned", virt, physStart, physEnd)
	}
	if physEnd < physStart {
		return kerr.Newf(kerr.InvalidArg, "map %#x: end %#x before start %#x", virt, physEnd, physStart)
	}
	return d.MapRange(virt, physStart, int((physEnd-physStart)/PageSize), flags)
}

// Unmap clears the present bit of pages pages starting at virt.
func (d *Directory) Unmap(virt uint32, pages int) error {
	if !IsAligned(virt) {
		return kerr.Newf(kerr.Misaligned, "unmap %#x: not page aligned", virt)
	}
	for i := 0; i < pages; i++ {
		va := virt + uint32(i)*PageSize
		pte, ok := d.entryAddr(va)
		if !ok {
			continue
		}
		d.mem.PutUint32(pte, d.mem.Uint32(pte)&^uint32(Present))
		if d.mmu != nil {
			d.mmu.invalidate(va)
		}
	}
	return nil
}

// Translate resolves virt to a physical address in this directory,
// whether or not it is active.
func (d *Directory) Translate(virt uint32) (uint32, error) {
	entry, _, ok := d.lookup(virt)
	if !ok {
		return 0, kerr.Newf(kerr.NotMapped, "%#x is not mapped", virt)
	}
	return entry&addrMask | virt&flagMask, nil
}

// Flags returns the effective flags of the page holding virt: the table
// entry's flags, with Writable and User cleared unless the directory
// entry also grants them.
func (d *Directory) Flags(virt uint32) (Flags, bool) {
	pte, pde, ok := d.lookup(virt)
	if !ok {
		return 0, false
	}
	f := Flags(pte & flagMask)
	f &^= (Writable | User) &^ Flags(pde)
	return f, true
}

// set writes a table entry, creating the page table on first use.
func (d *Directory) set(virt, entry uint32) error {
	if d.dead {
		return kerr.Newf(kerr.InvalidArg, "page directory %#x destroyed", d.root)
	}
	pdeAddr := d.root + (virt>>22)*entrySize
	pde := d.mem.Uint32(pdeAddr)
	if Flags(pde)&Present == 0 {
		table, err := d.heap.Zalloc(PageSize)
		if err != nil {
			return kerr.Wrapf(err, kerr.NoMemory, "allocate page table for %#x", virt)
		}
		pde = table | uint32(d.flags)
		d.mem.PutUint32(pdeAddr, pde)
	}
	pteAddr := pde&addrMask + ((virt>>12)&(EntriesPerTable-1))*entrySize
	d.mem.PutUint32(pteAddr, entry)
	if d.mmu != nil {
		d.mmu.invalidate(virt)
	}
	return nil
}

// entryAddr returns the physical address of virt's table entry.
func (d *Directory) entryAddr(virt uint32) (uint32, bool) {
	if d.dead {
		return 0, false
	}
	pde := d.mem.Uint32(d.root + (virt>>22)*entrySize)
	if Flags(pde)&Present == 0 {
		return 0, false
	}
	return pde&addrMask + ((virt>>12)&(EntriesPerTable-1))*entrySize, true
}

// lookup returns the present table entry and its directory entry.
func (d *Directory) lookup(virt uint32) (pte, pde uint32, ok bool) {
	addr, ok := d.entryAddr(virt)
	if !ok {
		return 0, 0, false
	}
	pte = d.mem.Uint32(addr)
	if Flags(pte)&Present == 0 {
		return 0, 0, false
	}
	return pte, d.mem.Uint32(d.root + (virt>>22)*entrySize), true
}

// markAccess sets the accessed bit, and the dirty bit for writes.
func (d *Directory) markAccess(virt uint32, write bool) {
	addr, ok := d.entryAddr(virt)
	if !ok {
		return
	}
	bits := uint32(Accessed)
	if write {
		bits |= uint32(Dirty)
	}
	d.mem.PutUint32(addr, d.mem.Uint32(addr)|bits)
}

func (d *Directory) logFields() []zap.Field {
	return []zap.Field{zap.Uint32("root", d.root)}
}
