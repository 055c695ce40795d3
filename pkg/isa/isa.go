// Package isa defines the instruction set user programs are written in:
// fixed 8-byte instructions over eight 32-bit registers, plus the
// syscall numbers the kernel exposes through the SYS instruction.
package isa

import (
	"encoding/binary"
	"fmt"
)

// InstrSize is the size of every encoded instruction.
const InstrSize = 8

// LoadAddress is where program images are linked and loaded.
const LoadAddress uint32 = 0x00400000

// ELFMachine is the e_machine value of images for this instruction set.
const ELFMachine = 0x4B53

// Registers. R0 carries syscall results, R1 to R4 carry syscall arguments
// and SP is the stack pointer.
const (
	R0 byte = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	NumRegs = 8
	SP      = R7
)

// Op is an opcode.
type Op byte

// Opcodes. Operand use is shown as a, b, c (register fields) and imm.
const (
	NOP  Op = iota // no operation
	MOVI           // a = imm
	MOV            // a = b
	ADD            // a = b + c
	SUB            // a = b - c
	MUL            // a = b * c
	DIV            // a = b / c, signed; faults when c is zero
	AND            // a = b & c
	OR             // a = b | c
	XOR            // a = b ^ c
	SHL            // a = b << (c & 31)
	SHR            // a = b >> (c & 31), logical
	ADDI           // a = b + imm
	LD             // a = mem32[b + imm]
	ST             // mem32[b + imm] = a
	LDB            // a = mem8[b + imm]
	STB            // mem8[b + imm] = a
	JMP            // pc = imm
	JZ             // if a == 0: pc = imm
	JNZ            // if a != 0: pc = imm
	JEQ            // if a == b: pc = imm
	JNE            // if a != b: pc = imm
	JLT            // if a < b (signed): pc = imm
	PUSH           // sp -= 4; mem32[sp] = a
	POP            // a = mem32[sp]; sp += 4
	CALL           // push pc+8; pc = imm
	RET            // pc = pop
	SYS            // trap into the kernel, syscall number imm
	numOps
)

var opNames = [...]string{
	"nop", "movi", "mov", "add", "sub", "mul", "div", "and", "or", "xor",
	"shl", "shr", "addi", "ld", "st", "ldb", "stb", "jmp", "jz", "jnz",
	"jeq", "jne", "jlt", "push", "pop", "call", "ret", "sys",
}

// Valid reports whether op is a defined opcode.
func (op Op) Valid() bool {
	return op < numOps
}

func (op Op) String() string {
	if op.Valid() {
		return opNames[op]
	}
	return fmt.Sprintf("op(%#x)", byte(op))
}

// Instr is a decoded instruction.
type Instr struct {
	Op      Op
	A, B, C byte
	Imm     int32
}

// Encode packs the instruction as [op][a][b][c][imm32 little-endian].
func (in Instr) Encode() [InstrSize]byte {
	var buf [InstrSize]byte
	buf[0] = byte(in.Op)
	buf[1] = in.A
	buf[2] = in.B
	buf[3] = in.C
	binary.LittleEndian.PutUint32(buf[4:], uint32(in.Imm))
	return buf
}

// Decode unpacks an instruction from its two little-endian words.
func Decode(lo, hi uint32) Instr {
	return Instr{
		Op:  Op(lo),
		A:   byte(lo >> 8),
		B:   byte(lo >> 16),
		C:   byte(lo >> 24),
		Imm: int32(hi),
	}
}

func (in Instr) String() string {
	return fmt.Sprintf("%s r%d r%d r%d %#x", in.Op, in.A, in.B, in.C, in.Imm)
}
