package isa

import (
	"fmt"
)

// Program is an assembled image: a text section at Base, followed by a
// data section starting on the next page boundary and BSS zero bytes
// after the data. Execution starts at Base.
type Program struct {
	Base     uint32
	Text     []byte
	DataAddr uint32
	Data     []byte
	BSS      uint32
}

// Entry returns the address of the first instruction.
func (p *Program) Entry() uint32 {
	return p.Base
}

// End returns the first address past the image in memory.
func (p *Program) End() uint32 {
	return p.DataAddr + uint32(len(p.Data)) + p.BSS
}

// Flat returns the image as a flat binary: text, zero padding up to the
// data section, data, then the BSS as explicit zeros.
func (p *Program) Flat() []byte {
	out := make([]byte, p.End()-p.Base)
	copy(out, p.Text)
	copy(out[p.DataAddr-p.Base:], p.Data)
	return out
}

type fixup struct {
	index int
	label string
}

// Builder assembles a Program. Code labels and data symbols share one
// namespace; references may precede definitions. Errors are sticky and
// reported by Build.
type Builder struct {
	base    uint32
	code    []Instr
	labels  map[string]int
	symbols map[string]uint32
	data    []byte
	bss     uint32
	bssSyms map[string]uint32
	fixups  []fixup
	err     error
}

// NewBuilder creates a builder for a program linked at LoadAddress.
func NewBuilder() *Builder {
	return &Builder{
		base:    LoadAddress,
		labels:  make(map[string]int),
		symbols: make(map[string]uint32),
		bssSyms: make(map[string]uint32),
	}
}

func (b *Builder) fail(format string, args ...interface{}) {
	if b.err == nil {
		b.err = fmt.Errorf(format, args...)
	}
}

func (b *Builder) defined(name string) bool {
	_, code := b.labels[name]
	_, data := b.symbols[name]
	_, bss := b.bssSyms[name]
	return code || data || bss
}

// Label binds name to the next instruction.
func (b *Builder) Label(name string) *Builder {
	if b.defined(name) {
		b.fail("isa: duplicate symbol %q", name)
	}
	b.labels[name] = len(b.code)
	return b
}

// Data places bytes in the data section under name.
func (b *Builder) Data(name string, data []byte) *Builder {
	if b.defined(name) {
		b.fail("isa: duplicate symbol %q", name)
	}
	b.symbols[name] = uint32(len(b.data))
	b.data = append(b.data, data...)
	for len(b.data)%4 != 0 {
		b.data = append(b.data, 0)
	}
	return b
}

// String places a NUL-terminated string in the data section.
func (b *Builder) String(name, s string) *Builder {
	return b.Data(name, append([]byte(s), 0))
}

// Word places a little-endian word in the data section.
func (b *Builder) Word(name string, v uint32) *Builder {
	return b.Data(name, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

// Reserve sets aside n zero bytes of BSS under name.
func (b *Builder) Reserve(name string, n uint32) *Builder {
	if b.defined(name) {
		b.fail("isa: duplicate symbol %q", name)
	}
	b.bssSyms[name] = b.bss
	b.bss += (n + 3) &^ 3
	return b
}

// Emit appends a raw instruction.
func (b *Builder) Emit(op Op, a, bb, c byte, imm int32) *Builder {
	if a >= NumRegs || bb >= NumRegs || c >= NumRegs {
		b.fail("isa: %s: register out of range", op)
	}
	b.code = append(b.code, Instr{Op: op, A: a, B: bb, C: c, Imm: imm})
	return b
}

func (b *Builder) emitRef(op Op, a, bb byte, label string) *Builder {
	b.fixups = append(b.fixups, fixup{index: len(b.code), label: label})
	return b.Emit(op, a, bb, 0, 0)
}

// Nop emits NOP.
func (b *Builder) Nop() *Builder { return b.Emit(NOP, 0, 0, 0, 0) }

// Movi loads an immediate.
func (b *Builder) Movi(r byte, imm int32) *Builder { return b.Emit(MOVI, r, 0, 0, imm) }

// Addr loads the address of a label or data symbol.
func (b *Builder) Addr(r byte, label string) *Builder { return b.emitRef(MOVI, r, 0, label) }

// Mov copies a register.
func (b *Builder) Mov(dst, src byte) *Builder { return b.Emit(MOV, dst, src, 0, 0) }

// Op3 emits a three-register arithmetic or logic instruction.
func (b *Builder) Op3(op Op, dst, x, y byte) *Builder { return b.Emit(op, dst, x, y, 0) }

// Addi adds an immediate.
func (b *Builder) Addi(dst, src byte, imm int32) *Builder { return b.Emit(ADDI, dst, src, 0, imm) }

// Ld loads a word from base+off.
func (b *Builder) Ld(dst, base byte, off int32) *Builder { return b.Emit(LD, dst, base, 0, off) }

// St stores a word to base+off.
func (b *Builder) St(src, base byte, off int32) *Builder { return b.Emit(ST, src, base, 0, off) }

// Ldb loads a byte from base+off.
func (b *Builder) Ldb(dst, base byte, off int32) *Builder { return b.Emit(LDB, dst, base, 0, off) }

// Stb stores the low byte of src to base+off.
func (b *Builder) Stb(src, base byte, off int32) *Builder { return b.Emit(STB, src, base, 0, off) }

// Jmp jumps to label.
func (b *Builder) Jmp(label string) *Builder { return b.emitRef(JMP, 0, 0, label) }

// Jz jumps to label when r is zero.
func (b *Builder) Jz(r byte, label string) *Builder { return b.emitRef(JZ, r, 0, label) }

// Jnz jumps to label when r is not zero.
func (b *Builder) Jnz(r byte, label string) *Builder { return b.emitRef(JNZ, r, 0, label) }

// Jeq jumps to label when x == y.
func (b *Builder) Jeq(x, y byte, label string) *Builder { return b.emitRef(JEQ, x, y, label) }

// Jne jumps to label when x != y.
func (b *Builder) Jne(x, y byte, label string) *Builder { return b.emitRef(JNE, x, y, label) }

// Jlt jumps to label when x < y, signed.
func (b *Builder) Jlt(x, y byte, label string) *Builder { return b.emitRef(JLT, x, y, label) }

// Push pushes a register.
func (b *Builder) Push(r byte) *Builder { return b.Emit(PUSH, r, 0, 0, 0) }

// Pop pops into a register.
func (b *Builder) Pop(r byte) *Builder { return b.Emit(POP, r, 0, 0, 0) }

// Call calls label.
func (b *Builder) Call(label string) *Builder { return b.emitRef(CALL, 0, 0, label) }

// Ret returns from a call.
func (b *Builder) Ret() *Builder { return b.Emit(RET, 0, 0, 0, 0) }

// Sys traps into the kernel.
func (b *Builder) Sys(n int32) *Builder { return b.Emit(SYS, 0, 0, 0, n) }

// Build resolves references and lays out the program.
func (b *Builder) Build() (*Program, error) {
	if b.err != nil {
		return nil, b.err
	}
	textSize := uint32(len(b.code)) * InstrSize
	dataAddr := (b.base + textSize + 4095) &^ 4095
	bssAddr := dataAddr + uint32(len(b.data))

	resolve := func(name string) (uint32, bool) {
		if idx, ok := b.labels[name]; ok {
			return b.base + uint32(idx)*InstrSize, true
		}
		if off, ok := b.symbols[name]; ok {
			return dataAddr + off, true
		}
		if off, ok := b.bssSyms[name]; ok {
			return bssAddr + off, true
		}
		return 0, false
	}

	code := make([]Instr, len(b.code))
	copy(code, b.code)
	for _, f := range b.fixups {
		addr, ok := resolve(f.label)
		if !ok {
			return nil, fmt.Errorf("isa: undefined symbol %q", f.label)
		}
		code[f.index].Imm = int32(addr)
	}

	text := make([]byte, 0, textSize)
	for _, in := range code {
		enc := in.Encode()
		text = append(text, enc[:]...)
	}
	return &Program{
		Base:     b.base,
		Text:     text,
		DataAddr: dataAddr,
		Data:     append([]byte(nil), b.data...),
		BSS:      b.bss,
	}, nil
}

// MustBuild is Build for programs known to be well formed.
func (b *Builder) MustBuild() *Program {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}
