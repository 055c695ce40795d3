package cpu

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernsim/pkg/isa"
)

var errUnmapped = errors.New("unmapped")

// flatMem maps [base, base+len(data)) and faults elsewhere.
type flatMem struct {
	base uint32
	data []byte
}

func (m *flatMem) off(addr, n uint32) (uint32, error) {
	if addr < m.base || uint64(addr-m.base)+uint64(n) > uint64(len(m.data)) {
		return 0, errUnmapped
	}
	return addr - m.base, nil
}

func (m *flatMem) Load8(addr uint32) (byte, error) {
	o, err := m.off(addr, 1)
	if err != nil {
		return 0, err
	}
	return m.data[o], nil
}

func (m *flatMem) Store8(addr uint32, v byte) error {
	o, err := m.off(addr, 1)
	if err != nil {
		return err
	}
	m.data[o] = v
	return nil
}

func (m *flatMem) Load32(addr uint32) (uint32, error) {
	o, err := m.off(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.data[o:]), nil
}

func (m *flatMem) Store32(addr, v uint32) error {
	o, err := m.off(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.data[o:], v)
	return nil
}

func load(t *testing.T, b *isa.Builder) (*Frame, *flatMem) {
	t.Helper()
	p, err := b.Build()
	require.NoError(t, err)
	img := p.Flat()
	mem := &flatMem{base: p.Base, data: make([]byte, len(img)+4096)}
	copy(mem.data, img)
	f := &Frame{PC: p.Entry()}
	f.R[isa.SP] = p.Base + uint32(len(mem.data))
	return f, mem
}

// run steps until a trap or the step budget runs out.
func run(t *testing.T, f *Frame, mem Memory) Trap {
	t.Helper()
	for i := 0; i < 10000; i++ {
		if tr := Step(f, mem); tr.Kind != None {
			return tr
		}
	}
	t.Fatal("program did not trap")
	return Trap{}
}

func TestLoopAndCall(t *testing.T) {
	b := isa.NewBuilder().
		Movi(isa.R1, 0).
		Movi(isa.R2, 10).
		Label("loop").
		Op3(isa.ADD, isa.R1, isa.R1, isa.R2).
		Addi(isa.R2, isa.R2, -1).
		Jnz(isa.R2, "loop").
		Call("double").
		Sys(isa.SysExit).
		Label("double").
		Push(isa.R1).
		Pop(isa.R3).
		Op3(isa.ADD, isa.R1, isa.R1, isa.R3).
		Ret()
	f, mem := load(t, b)
	sp := f.SP()

	tr := run(t, f, mem)
	require.Equal(t, Syscall, tr.Kind)
	assert.Equal(t, int32(isa.SysExit), tr.Num)
	assert.Equal(t, uint32(110), f.R[isa.R1])
	assert.Equal(t, sp, f.SP())
}

func TestMemoryOps(t *testing.T) {
	b := isa.NewBuilder().
		Addr(isa.R1, "buf").
		Movi(isa.R2, 0x11223344).
		St(isa.R2, isa.R1, 4).
		Ldb(isa.R3, isa.R1, 5).
		Movi(isa.R4, 'z').
		Stb(isa.R4, isa.R1, 0).
		Ld(isa.R5, isa.R1, 0).
		Sys(0).
		Reserve("buf", 8)
	f, mem := load(t, b)

	require.Equal(t, Syscall, run(t, f, mem).Kind)
	assert.Equal(t, uint32(0x33), f.R[isa.R3])
	assert.Equal(t, uint32('z'), f.R[isa.R5])
}

func TestBranches(t *testing.T) {
	tests := []struct {
		name string
		x, y int32
		op   isa.Op
		want uint32
	}{
		{"jeq taken", 3, 3, isa.JEQ, 1},
		{"jeq not taken", 3, 4, isa.JEQ, 0},
		{"jne taken", 3, 4, isa.JNE, 1},
		{"jlt signed", -1, 0, isa.JLT, 1},
		{"jlt not taken", 5, 0, isa.JLT, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := isa.NewBuilder().
				Movi(isa.R1, tt.x).
				Movi(isa.R2, tt.y).
				Movi(isa.R0, 0)
			switch tt.op {
			case isa.JEQ:
				b.Jeq(isa.R1, isa.R2, "yes")
			case isa.JNE:
				b.Jne(isa.R1, isa.R2, "yes")
			case isa.JLT:
				b.Jlt(isa.R1, isa.R2, "yes")
			}
			b.Sys(0).Label("yes").Movi(isa.R0, 1).Sys(0)
			f, mem := load(t, b)
			run(t, f, mem)
			assert.Equal(t, tt.want, f.R[isa.R0])
		})
	}
}

func TestFaults(t *testing.T) {
	t.Run("divide by zero", func(t *testing.T) {
		f, mem := load(t, isa.NewBuilder().Movi(isa.R1, 1).Op3(isa.DIV, isa.R0, isa.R1, isa.R2))
		tr := run(t, f, mem)
		assert.Equal(t, DivideError, tr.Kind)
		assert.True(t, tr.Fault())
		assert.Equal(t, isa.LoadAddress+isa.InstrSize, f.PC, "pc stays on the faulting instruction")
	})
	t.Run("page fault", func(t *testing.T) {
		f, mem := load(t, isa.NewBuilder().Movi(isa.R1, 0x100).Ld(isa.R0, isa.R1, 0))
		tr := run(t, f, mem)
		assert.Equal(t, PageFault, tr.Kind)
		assert.ErrorIs(t, tr.Err, errUnmapped)
	})
	t.Run("invalid opcode", func(t *testing.T) {
		f, mem := load(t, isa.NewBuilder().Emit(isa.Op(0xee), 0, 0, 0, 0))
		assert.Equal(t, InvalidOpcode, run(t, f, mem).Kind)
	})
	t.Run("misaligned pc", func(t *testing.T) {
		f, mem := load(t, isa.NewBuilder().Nop())
		f.PC += 2
		assert.Equal(t, InvalidOpcode, Step(f, mem).Kind)
	})
}
