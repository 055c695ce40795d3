package isa

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	in := Instr{Op: ST, A: R3, B: SP, Imm: -8}
	enc := in.Encode()
	assert.Equal(t, byte(ST), enc[0])
	lo := binary.LittleEndian.Uint32(enc[:4])
	hi := binary.LittleEndian.Uint32(enc[4:])
	assert.Equal(t, in, Decode(lo, hi))
	assert.False(t, Op(0xff).Valid())
	assert.Equal(t, "sys", SYS.String())
}

func TestBuilderResolvesSymbols(t *testing.T) {
	p, err := NewBuilder().
		Addr(R1, "msg").
		Jmp("end").
		Nop().
		Label("end").
		Addr(R2, "buf").
		Sys(SysExit).
		String("msg", "hi").
		Reserve("buf", 10).
		Build()
	require.NoError(t, err)

	assert.Len(t, p.Text, 5*InstrSize)
	assert.Equal(t, LoadAddress+0x1000, p.DataAddr)
	assert.Equal(t, []byte{'h', 'i', 0, 0}, p.Data)
	assert.Equal(t, uint32(12), p.BSS)

	word := func(i int) Instr {
		off := i * InstrSize
		return Decode(binary.LittleEndian.Uint32(p.Text[off:]), binary.LittleEndian.Uint32(p.Text[off+4:]))
	}
	assert.Equal(t, int32(p.DataAddr), word(0).Imm)
	assert.Equal(t, int32(LoadAddress+3*InstrSize), word(1).Imm)
	assert.Equal(t, int32(p.DataAddr+4), word(3).Imm)

	flat := p.Flat()
	assert.Len(t, flat, int(p.End()-p.Base))
	assert.Equal(t, p.Text, flat[:len(p.Text)])
	assert.Equal(t, byte('h'), flat[0x1000])
}

func TestBuilderErrors(t *testing.T) {
	_, err := NewBuilder().Jmp("nowhere").Build()
	assert.Error(t, err)

	_, err = NewBuilder().Label("a").String("a", "x").Build()
	assert.Error(t, err)

	_, err = NewBuilder().Movi(9, 1).Build()
	assert.Error(t, err)
}

func TestELFRoundTripsThroughDebugELF(t *testing.T) {
	p := NewBuilder().Movi(R0, 1).Sys(SysExit).Word("w", 42).Reserve("z", 100).MustBuild()

	f, err := elf.NewFile(bytes.NewReader(p.ELF()))
	require.NoError(t, err)
	assert.Equal(t, elf.ELFCLASS32, f.Class)
	assert.Equal(t, elf.Machine(ELFMachine), f.Machine)
	assert.Equal(t, uint64(LoadAddress), f.Entry)
	require.Len(t, f.Progs, 2)

	text, data := f.Progs[0], f.Progs[1]
	assert.Equal(t, elf.PF_R|elf.PF_X, text.Flags)
	assert.Equal(t, uint64(len(p.Text)), text.Filesz)
	got := make([]byte, text.Filesz)
	_, err = text.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, p.Text, got)

	assert.Equal(t, uint64(p.DataAddr), data.Vaddr)
	assert.Equal(t, uint64(4), data.Filesz)
	assert.Equal(t, uint64(104), data.Memsz)
}

func TestSyscallName(t *testing.T) {
	assert.Equal(t, "waitpid", SyscallName(SysWaitpid))
	assert.Equal(t, "unknown", SyscallName(99))
}
