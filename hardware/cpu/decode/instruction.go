// This file is part of Gophervisor.
//
// Gophervisor is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Gophervisor is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Gophervisor.  If not, see <https://www.gnu.org/licenses/>.

package decode

// Op identifies the operation class of a decoded instruction.
type Op int

// List of decoded operation classes. Anything the decoder does not
// recognise never reaches this list; it fails the decode instead.
const (
	OpInvalid Op = iota

	// data movement
	OpMov
	OpMovzx
	OpMovsx
	OpLea
	OpXchg
	OpPush
	OpPop
	OpPushf
	OpPopf
	OpMovToSeg
	OpMovFromSeg

	// arithmetic and logic
	OpAdd
	OpOr
	OpAdc
	OpSbb
	OpAnd
	OpSub
	OpXor
	OpCmp
	OpTest
	OpInc
	OpDec
	OpNot
	OpNeg
	OpMul
	OpImul
	OpDiv
	OpIdiv
	OpShl
	OpShr
	OpSar
	OpCwde
	OpCdq

	// atomics
	OpCmpxchg
	OpCmpxchgBytes
	OpXadd

	// control flow
	OpJmp
	OpJmpInd
	OpJcc
	OpCall
	OpCallInd
	OpRet
	OpInt
	OpInt3
	OpIret
	OpHlt

	// flag manipulation
	OpCli
	OpSti
	OpCld
	OpStd
	OpClc
	OpStc
	OpCmc

	// string operations
	OpMovs
	OpCmps
	OpStos
	OpLods
	OpScas

	// system
	OpMovToCr
	OpMovFromCr
	OpLgdt
	OpLidt
	OpInvlpg
	OpRdtsc

	// x87 escape range. decoded for length and gating only
	OpX87
	OpWait

	OpNop
)

// RepPrefix is the repeat prefix carried by a string instruction.
type RepPrefix int

// List of valid RepPrefix values.
const (
	RepNone RepPrefix = iota
	RepE
	RepNE
)

// OperandKind discriminates the Operand union.
type OperandKind int

// List of valid OperandKind values.
const (
	OperandNone OperandKind = iota
	OperandReg
	OperandMem
	OperandImm
)

// MemAddr is a decoded memory operand before effective-address computation.
// Base and Index are register indices, -1 when absent.
type MemAddr struct {
	Seg   int
	Base  int
	Index int
	Scale int
	Disp  int64

	// RIP-relative addressing (64-bit mode only). the effective address is
	// Disp plus the IP of the next instruction
	RipRel bool
}

// Operand is one decoded operand.
type Operand struct {
	Kind OperandKind
	Reg  int

	// High marks an 8-bit operand naming AH/CH/DH/BH. Reg then holds the
	// index of the underlying full register (0-3)
	High bool

	Mem MemAddr
	Imm int64
}

// Reg returns a register operand.
func regOp(reg int) Operand {
	return Operand{Kind: OperandReg, Reg: reg}
}

// reg8Op returns an 8-bit register operand, resolving the legacy high-byte
// encodings. hasRex is true when any REX prefix is present, which remaps
// encodings 4-7 to SPL/BPL/SIL/DIL.
func reg8Op(reg int, hasRex bool) Operand {
	if !hasRex && reg >= 4 && reg < 8 {
		return Operand{Kind: OperandReg, Reg: reg - 4, High: true}
	}
	return Operand{Kind: OperandReg, Reg: reg}
}

func immOp(imm int64) Operand {
	return Operand{Kind: OperandImm, Imm: imm}
}

func memOp(m MemAddr) Operand {
	return Operand{Kind: OperandMem, Mem: m}
}

// Instruction is one decoded x86 instruction.
type Instruction struct {
	Op Op

	// total encoded length in bytes, prefixes included
	Len int

	// operand and address width in bytes
	OperandSize int
	AddrSize    int

	Lock bool
	Rep  RepPrefix

	Dst Operand
	Src Operand

	// source operand width for the widening moves, in bytes
	SrcSize int

	// condition code for OpJcc (low nibble of the opcode)
	Cond int

	// register group selector: control register number for OpMovToCr and
	// OpMovFromCr, segment register index for the segment moves
	Sys int
}

// EndsBlock reports whether the instruction terminates a decoded block.
// Control flow, halting and anything that can change the translation or
// interrupt environment ends a block.
func (inst *Instruction) EndsBlock() bool {
	switch inst.Op {
	case OpJmp, OpJmpInd, OpJcc, OpCall, OpCallInd, OpRet,
		OpInt, OpInt3, OpIret, OpHlt,
		OpMovToCr, OpMovToSeg, OpLgdt, OpLidt, OpInvlpg, OpSti:
		return true
	}
	return false
}
