package paging

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"kernsim/pkg/hw"
	"kernsim/pkg/kerr"
	"kernsim/pkg/logger"
)

// PageFault is raised by a user access the active directory does not
// permit.
type PageFault struct {
	Addr    uint32
	Write   bool
	Present bool
}

func (f *PageFault) Error() string {
	kind := "read"
	if f.Write {
		kind = "write"
	}
	cause := "not present"
	if f.Present {
		cause = "protection"
	}
	return fmt.Sprintf("page fault: %s at %#x (%s)", kind, f.Addr, cause)
}

// Unwrap lets errors.Is match the fault against kerr.ErrFault.
func (f *PageFault) Unwrap() error {
	return kerr.ErrFault
}

type tlbEntry struct {
	frame    uint32
	writable bool
	dirty    bool
}

// MMU holds the paging root and a translation cache for user accesses.
type MMU struct {
	mem     *hw.PhysMem
	dir     *Directory
	tlb     map[uint32]tlbEntry
	flushes atomic.Uint64
	log     *zap.Logger
}

// NewMMU creates an MMU in the kernel view, with no directory loaded.
func NewMMU(mem *hw.PhysMem, log *zap.Logger) *MMU {
	return &MMU{
		mem: mem,
		tlb: make(map[uint32]tlbEntry),
		log: logger.OrNop(log).Named("mmu"),
	}
}

// Switch loads dir as the paging root and flushes the translation cache.
// A nil dir selects the kernel view, in which no user page is reachable.
func (m *MMU) Switch(dir *Directory) {
	if m.dir == dir {
		return
	}
	if m.dir != nil {
		m.dir.mmu = nil
	}
	m.dir = dir
	if dir != nil {
		dir.mmu = m
		m.log.Debug("switch", dir.logFields()...)
	}
	m.Flush()
}

// Active returns the loaded directory, nil in the kernel view.
func (m *MMU) Active() *Directory {
	return m.dir
}

// Flush drops every cached translation.
func (m *MMU) Flush() {
	clear(m.tlb)
	m.flushes.Add(1)
}

// Flushes returns the number of full cache flushes.
func (m *MMU) Flushes() uint64 {
	return m.flushes.Load()
}

func (m *MMU) invalidate(virt uint32) {
	delete(m.tlb, AlignDown(virt))
}

// translate resolves a user access through the active directory.
func (m *MMU) translate(virt uint32, write bool) (uint32, error) {
	page := AlignDown(virt)
	if e, ok := m.tlb[page]; ok && (!write || (e.writable && e.dirty)) {
		return e.frame | virt&flagMask, nil
	}
	if m.dir == nil {
		return 0, &PageFault{Addr: virt, Write: write}
	}
	flags, ok := m.dir.Flags(virt)
	if !ok {
		return 0, &PageFault{Addr: virt, Write: write}
	}
	if !flags.Has(User) || (write && !flags.Has(Writable)) {
		return 0, &PageFault{Addr: virt, Write: write, Present: true}
	}
	phys, err := m.dir.Translate(page)
	if err != nil {
		return 0, &PageFault{Addr: virt, Write: write}
	}
	m.dir.markAccess(virt, write)
	m.tlb[page] = tlbEntry{frame: phys, writable: flags.Has(Writable), dirty: write || flags.Has(Dirty)}
	return phys | virt&flagMask, nil
}

// Load8 reads a user byte.
func (m *MMU) Load8(virt uint32) (byte, error) {
	pa, err := m.translate(virt, false)
	if err != nil {
		return 0, err
	}
	return m.mem.Slice(pa, 1)[0], nil
}

// Store8 writes a user byte.
func (m *MMU) Store8(virt uint32, v byte) error {
	pa, err := m.translate(virt, true)
	if err != nil {
		return err
	}
	m.mem.Slice(pa, 1)[0] = v
	return nil
}

// Load32 reads a little-endian user word. Words may straddle pages.
func (m *MMU) Load32(virt uint32) (uint32, error) {
	if virt&flagMask <= PageSize-4 {
		pa, err := m.translate(virt, false)
		if err != nil {
			return 0, err
		}
		return m.mem.Uint32(pa), nil
	}
	var v uint32
	for i := uint32(0); i < 4; i++ {
		b, err := m.Load8(virt + i)
		if err != nil {
			return 0, err
		}
		v |= uint32(b) << (8 * i)
	}
	return v, nil
}

// Store32 writes a little-endian user word.
func (m *MMU) Store32(virt, v uint32) error {
	if virt&flagMask <= PageSize-4 {
		pa, err := m.translate(virt, true)
		if err != nil {
			return err
		}
		m.mem.PutUint32(pa, v)
		return nil
	}
	// Probe both pages before writing so a fault leaves memory untouched.
	if _, err := m.translate(virt, true); err != nil {
		return err
	}
	if _, err := m.translate(virt+3, true); err != nil {
		return err
	}
	for i := uint32(0); i < 4; i++ {
		if err := m.Store8(virt+i, byte(v>>(8*i))); err != nil {
			return err
		}
	}
	return nil
}
