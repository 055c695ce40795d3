// Package cpu interprets the isa instruction set one instruction at a
// time against a user-mode memory view.
package cpu

import (
	"fmt"

	"kernsim/pkg/isa"
)

// Memory is the user-mode view of memory, normally the MMU.
type Memory interface {
	Load8(addr uint32) (byte, error)
	Store8(addr uint32, v byte) error
	Load32(addr uint32) (uint32, error)
	Store32(addr, v uint32) error
}

// Frame is the user register state: the trap frame saved on every entry
// into the kernel and restored on return to user mode.
type Frame struct {
	R  [isa.NumRegs]uint32
	PC uint32
}

// SP returns the stack pointer.
func (f *Frame) SP() uint32 {
	return f.R[isa.SP]
}

// Kind classifies why Step stopped.
type Kind int

// Trap kinds.
const (
	None Kind = iota
	Syscall
	PageFault
	InvalidOpcode
	DivideError
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Syscall:
		return "syscall"
	case PageFault:
		return "page fault"
	case InvalidOpcode:
		return "invalid opcode"
	case DivideError:
		return "divide error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Trap describes a transfer of control to the kernel. Syscall traps leave
// PC past the SYS instruction; faults leave PC on the faulting one.
type Trap struct {
	Kind Kind
	Num  int32
	Err  error
}

// Fault reports whether the trap is an exception rather than a syscall.
func (t Trap) Fault() bool {
	return t.Kind != None && t.Kind != Syscall
}

func (t Trap) String() string {
	if t.Kind == Syscall {
		return fmt.Sprintf("syscall %s", isa.SyscallName(t.Num))
	}
	if t.Err != nil {
		return fmt.Sprintf("%s: %v", t.Kind, t.Err)
	}
	return t.Kind.String()
}

func fault(kind Kind, err error) Trap {
	return Trap{Kind: kind, Err: err}
}

// Step executes the instruction at f.PC.
func Step(f *Frame, mem Memory) Trap {
	if f.PC%isa.InstrSize != 0 {
		return fault(InvalidOpcode, fmt.Errorf("misaligned pc %#x", f.PC))
	}
	lo, err := mem.Load32(f.PC)
	if err != nil {
		return fault(PageFault, err)
	}
	hi, err := mem.Load32(f.PC + 4)
	if err != nil {
		return fault(PageFault, err)
	}
	in := isa.Decode(lo, hi)
	if !in.Op.Valid() || in.A >= isa.NumRegs || in.B >= isa.NumRegs || in.C >= isa.NumRegs {
		return fault(InvalidOpcode, fmt.Errorf("%s at %#x", in, f.PC))
	}

	r := &f.R
	imm := uint32(in.Imm)
	next := f.PC + isa.InstrSize

	switch in.Op {
	case isa.NOP:
	case isa.MOVI:
		r[in.A] = imm
	case isa.MOV:
		r[in.A] = r[in.B]
	case isa.ADD:
		r[in.A] = r[in.B] + r[in.C]
	case isa.SUB:
		r[in.A] = r[in.B] - r[in.C]
	case isa.MUL:
		r[in.A] = r[in.B] * r[in.C]
	case isa.DIV:
		if r[in.C] == 0 {
			return fault(DivideError, nil)
		}
		r[in.A] = uint32(int32(r[in.B]) / int32(r[in.C]))
	case isa.AND:
		r[in.A] = r[in.B] & r[in.C]
	case isa.OR:
		r[in.A] = r[in.B] | r[in.C]
	case isa.XOR:
		r[in.A] = r[in.B] ^ r[in.C]
	case isa.SHL:
		r[in.A] = r[in.B] << (r[in.C] & 31)
	case isa.SHR:
		r[in.A] = r[in.B] >> (r[in.C] & 31)
	case isa.ADDI:
		r[in.A] = r[in.B] + imm
	case isa.LD:
		v, err := mem.Load32(r[in.B] + imm)
		if err != nil {
			return fault(PageFault, err)
		}
		r[in.A] = v
	case isa.ST:
		if err := mem.Store32(r[in.B]+imm, r[in.A]); err != nil {
			return fault(PageFault, err)
		}
	case isa.LDB:
		v, err := mem.Load8(r[in.B] + imm)
		if err != nil {
			return fault(PageFault, err)
		}
		r[in.A] = uint32(v)
	case isa.STB:
		if err := mem.Store8(r[in.B]+imm, byte(r[in.A])); err != nil {
			return fault(PageFault, err)
		}
	case isa.JMP:
		next = imm
	case isa.JZ:
		if r[in.A] == 0 {
			next = imm
		}
	case isa.JNZ:
		if r[in.A] != 0 {
			next = imm
		}
	case isa.JEQ:
		if r[in.A] == r[in.B] {
			next = imm
		}
	case isa.JNE:
		if r[in.A] != r[in.B] {
			next = imm
		}
	case isa.JLT:
		if int32(r[in.A]) < int32(r[in.B]) {
			next = imm
		}
	case isa.PUSH:
		if err := push(f, mem, r[in.A]); err != nil {
			return fault(PageFault, err)
		}
	case isa.POP:
		v, err := pop(f, mem)
		if err != nil {
			return fault(PageFault, err)
		}
		r[in.A] = v
	case isa.CALL:
		if err := push(f, mem, next); err != nil {
			return fault(PageFault, err)
		}
		next = imm
	case isa.RET:
		v, err := pop(f, mem)
		if err != nil {
			return fault(PageFault, err)
		}
		next = v
	case isa.SYS:
		f.PC = next
		return Trap{Kind: Syscall, Num: in.Imm}
	}
	f.PC = next
	return Trap{}
}

func push(f *Frame, mem Memory, v uint32) error {
	sp := f.R[isa.SP] - 4
	if err := mem.Store32(sp, v); err != nil {
		return err
	}
	f.R[isa.SP] = sp
	return nil
}

func pop(f *Frame, mem Memory) (uint32, error) {
	v, err := mem.Load32(f.R[isa.SP])
	if err != nil {
		return 0, err
	}
	f.R[isa.SP] += 4
	return v, nil
}
