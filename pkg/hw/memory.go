package hw

import (
	"encoding/binary"
	"fmt"
)

// PhysMem is the machine's physical memory. Addresses are byte offsets.
// The kernel addresses it directly; user code only reaches it through
// page tables.
type PhysMem struct {
	data []byte
}

// NewPhysMem creates size bytes of zeroed physical memory.
func NewPhysMem(size uint32) *PhysMem {
	return &PhysMem{data: make([]byte, size)}
}

// Size returns the size of physical memory in bytes.
func (m *PhysMem) Size() uint32 {
	return uint32(len(m.data))
}

// Slice returns the n bytes at addr. The slice aliases physical memory.
func (m *PhysMem) Slice(addr, n uint32) []byte {
	m.check(addr, n)
	return m.data[addr : addr+n]
}

// Read copies len(buf) bytes starting at addr into buf.
func (m *PhysMem) Read(addr uint32, buf []byte) {
	copy(buf, m.Slice(addr, uint32(len(buf))))
}

// Write copies data to addr.
func (m *PhysMem) Write(addr uint32, data []byte) {
	copy(m.Slice(addr, uint32(len(data))), data)
}

// Zero clears n bytes at addr.
func (m *PhysMem) Zero(addr, n uint32) {
	clear(m.Slice(addr, n))
}

// Copy moves n bytes from src to dst. The ranges may overlap.
func (m *PhysMem) Copy(dst, src, n uint32) {
	m.check(dst, n)
	m.check(src, n)
	copy(m.data[dst:dst+n], m.data[src:src+n])
}

// Uint32 reads a little-endian word.
func (m *PhysMem) Uint32(addr uint32) uint32 {
	return binary.LittleEndian.Uint32(m.Slice(addr, 4))
}

// PutUint32 writes a little-endian word.
func (m *PhysMem) PutUint32(addr, v uint32) {
	binary.LittleEndian.PutUint32(m.Slice(addr, 4), v)
}

// Contains reports whether [addr, addr+n) lies inside physical memory.
func (m *PhysMem) Contains(addr, n uint32) bool {
	return uint64(addr)+uint64(n) <= uint64(len(m.data))
}

func (m *PhysMem) check(addr, n uint32) {
	if !m.Contains(addr, n) {
		// A bad physical access is a kernel bug, the bus has nothing there.
		panic(fmt.Sprintf("hw: physical access [%#x, %#x) outside %#x bytes", addr, uint64(addr)+uint64(n), len(m.data)))
	}
}
