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

// Package decode parses x86 machine code into Instruction values, one at a
// time or as straight-line blocks for the block compiler.
//
// The decoder covers exactly the operation classes the interpreter executes.
// Every encoding outside that set fails the decode, which the caller
// surfaces as #UD. The decoder never skips bytes it cannot parse.
package decode

import (
	"github.com/gophervisor/gophervisor/hardware/cpu"
)

// MaxInstructionLen is the architectural limit on the encoded length of one
// instruction, prefixes included.
const MaxInstructionLen = 15

// fetcher reads code bytes through the execute-access path, recording the
// physical address of every byte consumed. IP wrap in 16/32-bit code is
// handled by the per-byte linearisation.
type fetcher struct {
	bus   cpu.Bus
	state *cpu.State
	start uint64
	n     int

	paddrs [MaxInstructionLen]uint64
	ex     *cpu.Exception
}

func (f *fetcher) failed() bool {
	return f.ex != nil
}

func (f *fetcher) undefined() {
	if f.ex == nil {
		f.ex = cpu.UndefinedOpcode()
	}
}

func (f *fetcher) u8() uint8 {
	if f.ex != nil {
		return 0
	}
	if f.n >= MaxInstructionLen {
		f.ex = cpu.UndefinedOpcode()
		return 0
	}
	val, paddr, ex := f.bus.FetchByte(f.state.LinearCode(f.start + uint64(f.n)))
	if ex != nil {
		f.ex = ex
		return 0
	}
	f.paddrs[f.n] = paddr
	f.n++
	return val
}

func (f *fetcher) u16() uint16 {
	lo := f.u8()
	hi := f.u8()
	return uint16(lo) | uint16(hi)<<8
}

func (f *fetcher) u32() uint32 {
	lo := f.u16()
	hi := f.u16()
	return uint32(lo) | uint32(hi)<<16
}

func (f *fetcher) u64() uint64 {
	lo := f.u32()
	hi := f.u32()
	return uint64(lo) | uint64(hi)<<32
}

// s8, s16 and s32 read sign-extended immediates.
func (f *fetcher) s8() int64  { return int64(int8(f.u8())) }
func (f *fetcher) s16() int64 { return int64(int16(f.u16())) }
func (f *fetcher) s32() int64 { return int64(int32(f.u32())) }

// decoder carries prefix state through the decode of one instruction.
type decoder struct {
	f    *fetcher
	inst Instruction

	bitness int
	rex     uint8
	hasRex  bool
	osize   bool // 0x66
	asize   bool // 0x67
	seg     int  // segment override register index, -1 when absent
}

// DecodeInstruction decodes the instruction at ip (an offset into the code
// segment). A non-nil exception is either #UD for an unrecognised or
// malformed encoding, or the fault raised while fetching code bytes.
func DecodeInstruction(bus cpu.Bus, state *cpu.State, ip uint64) (Instruction, *cpu.Exception) {
	f := &fetcher{bus: bus, state: state, start: ip}
	inst, ex := decodeOne(f)
	if ex != nil {
		return Instruction{}, ex
	}
	return inst, nil
}

func decodeOne(f *fetcher) (Instruction, *cpu.Exception) {
	d := &decoder{f: f, bitness: f.state.Bitness(), seg: -1}

	opc, ok := d.prefixes()
	if !ok {
		return Instruction{}, f.ex
	}

	d.inst.OperandSize = d.operandSize()
	d.inst.AddrSize = d.addrSize()

	if opc == 0x0f {
		d.opcode0F(f.u8())
	} else {
		d.opcode(opc)
	}

	if f.ex != nil {
		return Instruction{}, f.ex
	}

	if d.inst.Lock && !lockable(&d.inst) {
		return Instruction{}, cpu.UndefinedOpcode()
	}

	d.inst.Len = f.n
	return d.inst, nil
}

// prefixes consumes legacy and REX prefixes and returns the first opcode
// byte. A REX prefix only counts when it is the last prefix before the
// opcode; an earlier one is silently overridden, as on hardware.
func (d *decoder) prefixes() (uint8, bool) {
	for {
		b := d.f.u8()
		if d.f.failed() {
			return 0, false
		}

		switch b {
		case 0xf0:
			d.inst.Lock = true
		case 0xf2:
			d.inst.Rep = RepNE
		case 0xf3:
			d.inst.Rep = RepE
		case 0x26:
			d.seg = cpu.ES
		case 0x2e:
			d.seg = cpu.CS
		case 0x36:
			d.seg = cpu.SS
		case 0x3e:
			d.seg = cpu.DS
		case 0x64:
			d.seg = cpu.FS
		case 0x65:
			d.seg = cpu.GS
		case 0x66:
			d.osize = true
		case 0x67:
			d.asize = true
		default:
			if d.bitness == 64 && b&0xf0 == 0x40 {
				d.rex = b
				d.hasRex = true
				continue
			}
			return b, true
		}

		// a legacy prefix after REX cancels it
		d.rex = 0
		d.hasRex = false
	}
}

func (d *decoder) rexW() bool { return d.rex&0x08 != 0 }
func (d *decoder) rexR() int  { return int(d.rex>>2) & 1 }
func (d *decoder) rexX() int  { return int(d.rex>>1) & 1 }
func (d *decoder) rexB() int  { return int(d.rex) & 1 }

func (d *decoder) operandSize() int {
	switch d.bitness {
	case 64:
		if d.rexW() {
			return 8
		}
		if d.osize {
			return 2
		}
		return 4
	case 32:
		if d.osize {
			return 2
		}
		return 4
	}
	if d.osize {
		return 4
	}
	return 2
}

func (d *decoder) addrSize() int {
	switch d.bitness {
	case 64:
		if d.asize {
			return 4
		}
		return 8
	case 32:
		if d.asize {
			return 2
		}
		return 4
	}
	if d.asize {
		return 4
	}
	return 2
}

// stackSize widens the operand size for push/pop and near control transfer,
// which default to the stack width in 64-bit mode.
func (d *decoder) stackSize() int {
	if d.bitness == 64 && !d.osize {
		return 8
	}
	return d.inst.OperandSize
}

func (d *decoder) invalid() {
	d.f.undefined()
}

// reg returns a register operand of the instruction's operand size, applying
// the 8-bit high-byte remap when needed.
func (d *decoder) reg(num int, size int) Operand {
	if size == 1 {
		return reg8Op(num, d.hasRex)
	}
	return regOp(num)
}

// rmOperand converts a parsed modrm into the r/m operand.
func (d *decoder) rmOperand(m modrm, size int) Operand {
	if m.isMem {
		return memOp(m.mem)
	}
	return d.reg(m.rm, size)
}

// alu handles the classic ALU opcode row layout: low octal digit selects the
// form (rm8,r8 / rm,r / r8,rm8 / r,rm / AL,imm8 / eAX,imm).
func (d *decoder) alu(op Op, form uint8) {
	switch form {
	case 0, 1, 2, 3:
		size := d.inst.OperandSize
		if form&1 == 0 {
			size = 1
			d.inst.OperandSize = 1
		}
		m, ok := d.modrm()
		if !ok {
			return
		}
		r := d.reg(m.reg, size)
		rm := d.rmOperand(m, size)
		if form&2 == 0 {
			d.inst.Dst, d.inst.Src = rm, r
		} else {
			d.inst.Dst, d.inst.Src = r, rm
		}
	case 4:
		d.inst.OperandSize = 1
		d.inst.Dst = reg8Op(cpu.RAX, d.hasRex)
		d.inst.Src = immOp(d.f.s8())
	case 5:
		d.inst.Dst = regOp(cpu.RAX)
		d.inst.Src = immOp(d.immSized())
	}
	d.inst.Op = op
}

// immSized reads the standard immediate for the current operand size: 16 or
// 32 bits, sign-extended to 64 for 8-byte operands.
func (d *decoder) immSized() int64 {
	if d.inst.OperandSize == 2 {
		return d.f.s16()
	}
	return d.f.s32()
}

var aluRowOps = [8]Op{OpAdd, OpOr, OpAdc, OpSbb, OpAnd, OpSub, OpXor, OpCmp}

func (d *decoder) opcode(opc uint8) {
	// the ALU rows: 0x00-0x3d excluding the escape and prefix columns
	if opc < 0x40 && opc&7 <= 5 {
		d.alu(aluRowOps[opc>>3], opc&7)
		return
	}

	switch {
	case opc >= 0x40 && opc <= 0x4f:
		// REX territory in 64-bit mode, never reaches here there
		d.inst.Dst = regOp(int(opc & 7))
		if opc < 0x48 {
			d.inst.Op = OpInc
		} else {
			d.inst.Op = OpDec
		}
		return

	case opc >= 0x50 && opc <= 0x57:
		d.inst.Op = OpPush
		d.inst.OperandSize = d.stackSize()
		d.inst.Src = regOp(int(opc&7) | d.rexB()<<3)
		return

	case opc >= 0x58 && opc <= 0x5f:
		d.inst.Op = OpPop
		d.inst.OperandSize = d.stackSize()
		d.inst.Dst = regOp(int(opc&7) | d.rexB()<<3)
		return

	case opc >= 0x70 && opc <= 0x7f:
		d.inst.Op = OpJcc
		d.inst.Cond = int(opc & 0x0f)
		d.inst.Src = immOp(d.f.s8())
		return

	case opc >= 0x91 && opc <= 0x97:
		d.inst.Op = OpXchg
		d.inst.Dst = regOp(cpu.RAX)
		d.inst.Src = regOp(int(opc&7) | d.rexB()<<3)
		return

	case opc >= 0xb0 && opc <= 0xb7:
		d.inst.Op = OpMov
		d.inst.OperandSize = 1
		d.inst.Dst = reg8Op(int(opc&7)|d.rexB()<<3, d.hasRex)
		d.inst.Src = immOp(int64(d.f.u8()))
		return

	case opc >= 0xb8 && opc <= 0xbf:
		d.inst.Op = OpMov
		d.inst.Dst = regOp(int(opc&7) | d.rexB()<<3)
		if d.inst.OperandSize == 8 {
			d.inst.Src = immOp(int64(d.f.u64()))
		} else {
			d.inst.Src = immOp(d.immSized())
		}
		return

	case opc >= 0xd8 && opc <= 0xdf:
		// x87 escape. the operand form is irrelevant to gating but the
		// modrm byte still sets the instruction length
		if _, ok := d.modrm(); !ok {
			return
		}
		d.inst.Op = OpX87
		return
	}

	switch opc {
	case 0x68:
		d.inst.Op = OpPush
		d.inst.OperandSize = d.stackSize()
		d.inst.Src = immOp(d.immSized())
	case 0x6a:
		d.inst.Op = OpPush
		d.inst.OperandSize = d.stackSize()
		d.inst.Src = immOp(d.f.s8())

	case 0x80, 0x81, 0x83:
		size := d.inst.OperandSize
		if opc == 0x80 {
			size = 1
			d.inst.OperandSize = 1
		}
		m, ok := d.modrm()
		if !ok {
			return
		}
		d.inst.Op = aluRowOps[m.grp]
		d.inst.Dst = d.rmOperand(m, size)
		switch opc {
		case 0x80:
			d.inst.Src = immOp(d.f.s8())
		case 0x81:
			d.inst.Src = immOp(d.immSized())
		case 0x83:
			d.inst.Src = immOp(d.f.s8())
		}

	case 0x84, 0x85:
		size := d.inst.OperandSize
		if opc == 0x84 {
			size = 1
			d.inst.OperandSize = 1
		}
		m, ok := d.modrm()
		if !ok {
			return
		}
		d.inst.Op = OpTest
		d.inst.Dst = d.rmOperand(m, size)
		d.inst.Src = d.reg(m.reg, size)

	case 0x86, 0x87:
		size := d.inst.OperandSize
		if opc == 0x86 {
			size = 1
			d.inst.OperandSize = 1
		}
		m, ok := d.modrm()
		if !ok {
			return
		}
		d.inst.Op = OpXchg
		d.inst.Dst = d.rmOperand(m, size)
		d.inst.Src = d.reg(m.reg, size)

	case 0x88, 0x89, 0x8a, 0x8b:
		size := d.inst.OperandSize
		if opc&1 == 0 {
			size = 1
			d.inst.OperandSize = 1
		}
		m, ok := d.modrm()
		if !ok {
			return
		}
		d.inst.Op = OpMov
		r := d.reg(m.reg, size)
		rm := d.rmOperand(m, size)
		if opc&2 == 0 {
			d.inst.Dst, d.inst.Src = rm, r
		} else {
			d.inst.Dst, d.inst.Src = r, rm
		}

	case 0x8c, 0x8e:
		m, ok := d.modrm()
		if !ok {
			return
		}
		if m.grp >= 6 {
			d.invalid()
			return
		}
		d.inst.Sys = m.grp
		d.inst.OperandSize = 2
		if opc == 0x8c {
			d.inst.Op = OpMovFromSeg
			d.inst.Dst = d.rmOperand(m, 2)
		} else {
			// mov to CS is not a thing
			if m.grp == cpu.CS {
				d.invalid()
				return
			}
			d.inst.Op = OpMovToSeg
			d.inst.Src = d.rmOperand(m, 2)
		}

	case 0x8d:
		m, ok := d.modrm()
		if !ok {
			return
		}
		if !m.isMem {
			d.invalid()
			return
		}
		d.inst.Op = OpLea
		d.inst.Dst = d.reg(m.reg, d.inst.OperandSize)
		d.inst.Src = memOp(m.mem)

	case 0x8f:
		m, ok := d.modrm()
		if !ok {
			return
		}
		if m.grp != 0 {
			d.invalid()
			return
		}
		d.inst.Op = OpPop
		d.inst.OperandSize = d.stackSize()
		d.inst.Dst = d.rmOperand(m, d.inst.OperandSize)

	case 0x90:
		d.inst.Op = OpNop

	case 0x98:
		d.inst.Op = OpCwde
	case 0x99:
		d.inst.Op = OpCdq

	case 0x9b:
		d.inst.Op = OpWait

	case 0x9c:
		d.inst.Op = OpPushf
		d.inst.OperandSize = d.stackSize()
	case 0x9d:
		d.inst.Op = OpPopf
		d.inst.OperandSize = d.stackSize()

	case 0xa0, 0xa1, 0xa2, 0xa3:
		size := d.inst.OperandSize
		if opc&1 == 0 {
			size = 1
			d.inst.OperandSize = 1
		}
		mem := MemAddr{Seg: d.moffsSeg(), Base: -1, Index: -1, Disp: d.moffs()}
		acc := d.reg(cpu.RAX, size)
		d.inst.Op = OpMov
		if opc < 0xa2 {
			d.inst.Dst, d.inst.Src = acc, memOp(mem)
		} else {
			d.inst.Dst, d.inst.Src = memOp(mem), acc
		}

	case 0xa4, 0xa5:
		d.stringOp(OpMovs, opc&1 == 0)
	case 0xa6, 0xa7:
		d.stringOp(OpCmps, opc&1 == 0)
	case 0xaa, 0xab:
		d.stringOp(OpStos, opc&1 == 0)
	case 0xac, 0xad:
		d.stringOp(OpLods, opc&1 == 0)
	case 0xae, 0xaf:
		d.stringOp(OpScas, opc&1 == 0)

	case 0xa8:
		d.inst.Op = OpTest
		d.inst.OperandSize = 1
		d.inst.Dst = reg8Op(cpu.RAX, d.hasRex)
		d.inst.Src = immOp(d.f.s8())
	case 0xa9:
		d.inst.Op = OpTest
		d.inst.Dst = regOp(cpu.RAX)
		d.inst.Src = immOp(d.immSized())

	case 0xc0, 0xc1, 0xd0, 0xd1, 0xd2, 0xd3:
		d.shiftGroup(opc)

	case 0xc2:
		d.inst.Op = OpRet
		d.inst.OperandSize = d.stackSize()
		d.inst.Src = immOp(int64(d.f.u16()))
	case 0xc3:
		d.inst.Op = OpRet
		d.inst.OperandSize = d.stackSize()

	case 0xc6, 0xc7:
		size := d.inst.OperandSize
		if opc == 0xc6 {
			size = 1
			d.inst.OperandSize = 1
		}
		m, ok := d.modrm()
		if !ok {
			return
		}
		if m.grp != 0 {
			d.invalid()
			return
		}
		d.inst.Op = OpMov
		d.inst.Dst = d.rmOperand(m, size)
		if size == 1 {
			d.inst.Src = immOp(int64(d.f.u8()))
		} else {
			d.inst.Src = immOp(d.immSized())
		}

	case 0xcc:
		d.inst.Op = OpInt3
	case 0xcd:
		d.inst.Op = OpInt
		d.inst.Src = immOp(int64(d.f.u8()))
	case 0xcf:
		d.inst.Op = OpIret

	case 0xe8:
		d.inst.Op = OpCall
		d.inst.Src = immOp(d.relSized())
	case 0xe9:
		d.inst.Op = OpJmp
		d.inst.Src = immOp(d.relSized())
	case 0xeb:
		d.inst.Op = OpJmp
		d.inst.Src = immOp(d.f.s8())

	case 0xf4:
		d.inst.Op = OpHlt
	case 0xf5:
		d.inst.Op = OpCmc

	case 0xf6, 0xf7:
		d.grp3(opc)

	case 0xf8:
		d.inst.Op = OpClc
	case 0xf9:
		d.inst.Op = OpStc
	case 0xfa:
		d.inst.Op = OpCli
	case 0xfb:
		d.inst.Op = OpSti
	case 0xfc:
		d.inst.Op = OpCld
	case 0xfd:
		d.inst.Op = OpStd

	case 0xfe:
		m, ok := d.modrm()
		if !ok {
			return
		}
		d.inst.OperandSize = 1
		d.inst.Dst = d.rmOperand(m, 1)
		switch m.grp {
		case 0:
			d.inst.Op = OpInc
		case 1:
			d.inst.Op = OpDec
		default:
			d.invalid()
		}

	case 0xff:
		d.grp5()

	default:
		d.invalid()
	}
}

// relSized reads a near-branch displacement: 16-bit outside 32/64-bit code,
// 32-bit otherwise (64-bit code keeps the 32-bit form).
func (d *decoder) relSized() int64 {
	if d.inst.OperandSize == 2 && d.bitness != 64 {
		return d.f.s16()
	}
	return d.f.s32()
}

func (d *decoder) moffs() int64 {
	switch d.inst.AddrSize {
	case 2:
		return int64(d.f.u16())
	case 4:
		return int64(d.f.u32())
	}
	return int64(d.f.u64())
}

func (d *decoder) moffsSeg() int {
	if d.seg >= 0 {
		return d.seg
	}
	return cpu.DS
}

func (d *decoder) stringOp(op Op, byteForm bool) {
	if byteForm {
		d.inst.OperandSize = 1
	}
	d.inst.Op = op
	// string sources honour a segment override, destinations are always ES
	d.inst.Sys = d.moffsSeg()
}

var shiftOps = [8]Op{OpInvalid, OpInvalid, OpInvalid, OpInvalid, OpShl, OpShr, OpShl, OpSar}

func (d *decoder) shiftGroup(opc uint8) {
	size := d.inst.OperandSize
	if opc&1 == 0 {
		size = 1
		d.inst.OperandSize = 1
	}
	m, ok := d.modrm()
	if !ok {
		return
	}
	op := shiftOps[m.grp]
	if op == OpInvalid {
		// the rotate forms are outside the executed subset
		d.invalid()
		return
	}
	d.inst.Op = op
	d.inst.Dst = d.rmOperand(m, size)
	switch opc {
	case 0xc0, 0xc1:
		d.inst.Src = immOp(int64(d.f.u8()))
	case 0xd0, 0xd1:
		d.inst.Src = immOp(1)
	default:
		// shift count in CL. the interpreter reads the low byte
		d.inst.Src = regOp(cpu.RCX)
	}
}

func (d *decoder) grp3(opc uint8) {
	size := d.inst.OperandSize
	if opc == 0xf6 {
		size = 1
		d.inst.OperandSize = 1
	}
	m, ok := d.modrm()
	if !ok {
		return
	}
	rm := d.rmOperand(m, size)
	switch m.grp {
	case 0, 1:
		d.inst.Op = OpTest
		d.inst.Dst = rm
		if size == 1 {
			d.inst.Src = immOp(d.f.s8())
		} else {
			d.inst.Src = immOp(d.immSized())
		}
	case 2:
		d.inst.Op = OpNot
		d.inst.Dst = rm
	case 3:
		d.inst.Op = OpNeg
		d.inst.Dst = rm
	case 4:
		d.inst.Op = OpMul
		d.inst.Src = rm
	case 5:
		d.inst.Op = OpImul
		d.inst.Src = rm
	case 6:
		d.inst.Op = OpDiv
		d.inst.Src = rm
	case 7:
		d.inst.Op = OpIdiv
		d.inst.Src = rm
	}
}

func (d *decoder) grp5() {
	m, ok := d.modrm()
	if !ok {
		return
	}
	switch m.grp {
	case 0:
		d.inst.Op = OpInc
		d.inst.Dst = d.rmOperand(m, d.inst.OperandSize)
	case 1:
		d.inst.Op = OpDec
		d.inst.Dst = d.rmOperand(m, d.inst.OperandSize)
	case 2:
		d.inst.Op = OpCallInd
		d.inst.OperandSize = d.stackSize()
		d.inst.Src = d.rmOperand(m, d.inst.OperandSize)
	case 4:
		d.inst.Op = OpJmpInd
		d.inst.OperandSize = d.stackSize()
		d.inst.Src = d.rmOperand(m, d.inst.OperandSize)
	case 6:
		d.inst.Op = OpPush
		d.inst.OperandSize = d.stackSize()
		d.inst.Src = d.rmOperand(m, d.inst.OperandSize)
	default:
		d.invalid()
	}
}

func (d *decoder) opcode0F(opc uint8) {
	if d.f.failed() {
		return
	}

	switch {
	case opc >= 0x80 && opc <= 0x8f:
		d.inst.Op = OpJcc
		d.inst.Cond = int(opc & 0x0f)
		d.inst.Src = immOp(d.relSized())
		return
	}

	switch opc {
	case 0x01:
		m, ok := d.modrm()
		if !ok {
			return
		}
		if !m.isMem {
			d.invalid()
			return
		}
		switch m.grp {
		case 2:
			d.inst.Op = OpLgdt
		case 3:
			d.inst.Op = OpLidt
		case 7:
			d.inst.Op = OpInvlpg
		default:
			d.invalid()
			return
		}
		d.inst.Src = memOp(m.mem)

	case 0x20, 0x22:
		m, ok := d.modrm()
		if !ok {
			return
		}
		cr := m.reg
		if cr != 0 && cr != 2 && cr != 3 && cr != 4 {
			d.invalid()
			return
		}
		d.inst.Sys = cr
		if d.bitness == 64 {
			d.inst.OperandSize = 8
		} else {
			d.inst.OperandSize = 4
		}
		// the mod field is ignored, r/m always names a register
		gpr := regOp(m.rm)
		if opc == 0x20 {
			d.inst.Op = OpMovFromCr
			d.inst.Dst = gpr
		} else {
			d.inst.Op = OpMovToCr
			d.inst.Src = gpr
		}

	case 0x31:
		d.inst.Op = OpRdtsc

	case 0xb0, 0xb1:
		size := d.inst.OperandSize
		if opc == 0xb0 {
			size = 1
			d.inst.OperandSize = 1
		}
		m, ok := d.modrm()
		if !ok {
			return
		}
		d.inst.Op = OpCmpxchg
		d.inst.Dst = d.rmOperand(m, size)
		d.inst.Src = d.reg(m.reg, size)

	case 0xb6, 0xb7, 0xbe, 0xbf:
		m, ok := d.modrm()
		if !ok {
			return
		}
		if opc&0x08 == 0 {
			d.inst.Op = OpMovzx
		} else {
			d.inst.Op = OpMovsx
		}
		d.inst.SrcSize = 1
		if opc&1 == 1 {
			d.inst.SrcSize = 2
		}
		d.inst.Dst = d.reg(m.reg, d.inst.OperandSize)
		d.inst.Src = d.rmOperand(m, d.inst.SrcSize)

	case 0xc0, 0xc1:
		size := d.inst.OperandSize
		if opc == 0xc0 {
			size = 1
			d.inst.OperandSize = 1
		}
		m, ok := d.modrm()
		if !ok {
			return
		}
		d.inst.Op = OpXadd
		d.inst.Dst = d.rmOperand(m, size)
		d.inst.Src = d.reg(m.reg, size)

	case 0xc7:
		m, ok := d.modrm()
		if !ok {
			return
		}
		if m.grp != 1 || !m.isMem {
			d.invalid()
			return
		}
		d.inst.Op = OpCmpxchgBytes
		if d.rexW() {
			d.inst.OperandSize = 16
		} else {
			d.inst.OperandSize = 8
		}
		d.inst.Dst = memOp(m.mem)

	default:
		d.invalid()
	}
}

// lockable reports whether a LOCK prefix is architecturally valid for the
// instruction. LOCK requires a memory destination.
func lockable(inst *Instruction) bool {
	switch inst.Op {
	case OpAdd, OpOr, OpAdc, OpSbb, OpAnd, OpSub, OpXor,
		OpInc, OpDec, OpNot, OpNeg, OpXchg, OpXadd,
		OpCmpxchg, OpCmpxchgBytes:
		return inst.Dst.Kind == OperandMem
	}
	return false
}
