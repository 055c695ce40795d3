package isa

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

const (
	elfHeaderSize = 52
	elfPhdrSize   = 32
	elfTextOffset = 0x1000
)

// ELF returns the program as a 32-bit little-endian executable with a
// read-execute text segment and, when the program has data or BSS, a
// read-write data segment.
func (p *Program) ELF() []byte {
	phdrs := []elf.Prog32{{
		Type:   uint32(elf.PT_LOAD),
		Off:    elfTextOffset,
		Vaddr:  p.Base,
		Paddr:  p.Base,
		Filesz: uint32(len(p.Text)),
		Memsz:  uint32(len(p.Text)),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Align:  4096,
	}}
	dataOff := uint32(elfTextOffset) + (uint32(len(p.Text))+4095)&^4095
	if len(p.Data) > 0 || p.BSS > 0 {
		phdrs = append(phdrs, elf.Prog32{
			Type:   uint32(elf.PT_LOAD),
			Off:    dataOff,
			Vaddr:  p.DataAddr,
			Paddr:  p.DataAddr,
			Filesz: uint32(len(p.Data)),
			Memsz:  uint32(len(p.Data)) + p.BSS,
			Flags:  uint32(elf.PF_R | elf.PF_W),
			Align:  4096,
		})
	}

	hdr := elf.Header32{
		Type:      uint16(elf.ET_EXEC),
		Machine:   ELFMachine,
		Version:   uint32(elf.EV_CURRENT),
		Entry:     p.Entry(),
		Phoff:     elfHeaderSize,
		Ehsize:    elfHeaderSize,
		Phentsize: elfPhdrSize,
		Phnum:     uint16(len(phdrs)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var buf bytes.Buffer
	// bytes.Buffer writes cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, &hdr)
	_ = binary.Write(&buf, binary.LittleEndian, phdrs)

	out := make([]byte, int(dataOff)+len(p.Data))
	copy(out, buf.Bytes())
	copy(out[elfTextOffset:], p.Text)
	copy(out[dataOff:], p.Data)
	return out
}
