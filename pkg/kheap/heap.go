// Package kheap is the kernel memory allocator: a block allocator over a
// region of physical memory. Every allocation is rounded up to whole
// blocks, block aligned, and tracked in a one-byte-per-block table.
package kheap

import (
	"sync"

	"go.uber.org/zap"

	"kernsim/pkg/hw"
	"kernsim/pkg/kerr"
	"kernsim/pkg/logger"
)

// BlockSize is the allocation granularity. It equals the page size, so
// every allocation can be mapped page by page.
const BlockSize = 4096

// Block table entry bits.
const (
	entryFree    byte = 0x00
	entryTaken   byte = 0x01
	entryIsFirst byte = 0x40
	entryHasNext byte = 0x80
)

// Stats is a point-in-time view of heap usage.
type Stats struct {
	TotalBlocks int
	UsedBlocks  int
	Allocations int
}

// Heap allocates physical memory in BlockSize units.
type Heap struct {
	mu     sync.Mutex
	mem    *hw.PhysMem
	base   uint32
	table  []byte
	used   int
	allocs int
	log    *zap.Logger
}

// New creates a heap managing [base, base+size) of mem.
func New(mem *hw.PhysMem, base, size uint32, log *zap.Logger) (*Heap, error) {
	if base%BlockSize != 0 || size%BlockSize != 0 {
		return nil, kerr.Newf(kerr.Misaligned, "heap [%#x, +%#x) is not block aligned", base, size)
	}
	if size == 0 || !mem.Contains(base, size) {
		return nil, kerr.Newf(kerr.InvalidArg, "heap [%#x, +%#x) outside physical memory", base, size)
	}
	return &Heap{
		mem:   mem,
		base:  base,
		table: make([]byte, size/BlockSize),
		log:   logger.OrNop(log).Named("kheap"),
	}, nil
}

// Mem returns the physical memory the heap carves up.
func (h *Heap) Mem() *hw.PhysMem {
	return h.mem
}

// Alloc reserves at least size bytes and returns the physical address of
// the first block. The memory is not cleared.
func (h *Heap) Alloc(size uint32) (uint32, error) {
	if size == 0 {
		return 0, kerr.Newf(kerr.InvalidArg, "zero-sized allocation")
	}
	blocks := int((uint64(size) + BlockSize - 1) / BlockSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	start := h.findRun(blocks)
	if start < 0 {
		h.log.Debug("allocation failed", zap.Uint32("size", size), zap.Int("used", h.used))
		return 0, kerr.Newf(kerr.NoMemory, "no %d contiguous free blocks", blocks)
	}
	h.markTaken(start, blocks)
	return h.base + uint32(start)*BlockSize, nil
}

// Zalloc is Alloc with the returned memory cleared.
func (h *Heap) Zalloc(size uint32) (uint32, error) {
	addr, err := h.Alloc(size)
	if err != nil {
		return 0, err
	}
	h.mem.Zero(addr, h.roundUp(size))
	return addr, nil
}

// Free releases the allocation starting at addr.
func (h *Heap) Free(addr uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	start, err := h.firstBlock(addr)
	if err != nil {
		return err
	}
	for i := start; i < len(h.table); i++ {
		entry := h.table[i]
		h.table[i] = entryFree
		h.used--
		if entry&entryHasNext == 0 {
			break
		}
	}
	h.allocs--
	return nil
}

// SizeOf returns the number of bytes reserved by the allocation at addr.
func (h *Heap) SizeOf(addr uint32) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	start, err := h.firstBlock(addr)
	if err != nil {
		return 0, err
	}
	n := uint32(0)
	for i := start; i < len(h.table); i++ {
		n += BlockSize
		if h.table[i]&entryHasNext == 0 {
			break
		}
	}
	return n, nil
}

// Stats reports current usage.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{TotalBlocks: len(h.table), UsedBlocks: h.used, Allocations: h.allocs}
}

func (h *Heap) roundUp(size uint32) uint32 {
	return uint32((uint64(size) + BlockSize - 1) / BlockSize * BlockSize)
}

// findRun returns the first index of blocks consecutive free entries, or -1.
func (h *Heap) findRun(blocks int) int {
	run := 0
	for i, entry := range h.table {
		if entry&entryTaken != 0 {
			run = 0
			continue
		}
		run++
		if run == blocks {
			return i - blocks + 1
		}
	}
	return -1
}

func (h *Heap) markTaken(start, blocks int) {
	end := start + blocks - 1
	for i := start; i <= end; i++ {
		entry := entryTaken
		if i == start {
			entry |= entryIsFirst
		}
		if i < end {
			entry |= entryHasNext
		}
		h.table[i] = entry
	}
	h.used += blocks
	h.allocs++
}

func (h *Heap) firstBlock(addr uint32) (int, error) {
	if addr < h.base || (addr-h.base)%BlockSize != 0 {
		return 0, kerr.Newf(kerr.BadAddress, "%#x is not a heap block address", addr)
	}
	idx := int((addr - h.base) / BlockSize)
	if idx >= len(h.table) {
		return 0, kerr.Newf(kerr.BadAddress, "%#x is past the end of the heap", addr)
	}
	if h.table[idx]&entryIsFirst == 0 {
		return 0, kerr.Newf(kerr.BadAddress, "%#x does not start an allocation", addr)
	}
	return idx, nil
}
