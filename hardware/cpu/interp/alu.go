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

package interp

import (
	"math/bits"

	"github.com/gophervisor/gophervisor/hardware/cpu"
	"github.com/gophervisor/gophervisor/hardware/cpu/decode"
)

// aluCompute returns the raw (unmasked) result of a two-operand ALU op.
// cf is the incoming carry for ADC/SBB.
func aluCompute(op decode.Op, dst, src uint64, cf bool) uint64 {
	var carry uint64
	if cf {
		carry = 1
	}
	switch op {
	case decode.OpAdd:
		return dst + src
	case decode.OpAdc:
		return dst + src + carry
	case decode.OpSub, decode.OpCmp:
		return dst - src
	case decode.OpSbb:
		return dst - src - carry
	case decode.OpAnd, decode.OpTest:
		return dst & src
	case decode.OpOr:
		return dst | src
	}
	return dst ^ src // OpXor
}

func setALUFlags(state *cpu.State, op decode.Op, dst, src, res uint64, size int) {
	switch op {
	case decode.OpAdd, decode.OpAdc:
		state.SetFlagsAdd(dst, src, res, size)
	case decode.OpSub, decode.OpSbb, decode.OpCmp:
		state.SetFlagsSub(dst, src, res, size)
	default:
		state.SetFlagsLogic(res, size)
	}
}

func (ctx *stepCtx) execALU() *cpu.Exception {
	inst := ctx.inst
	state := ctx.state
	size := inst.OperandSize
	op := inst.Op
	mask := cpu.SizeMask(size)

	src, ex := ctx.readOp(inst.Src, size)
	if ex != nil {
		return ex
	}
	cf := state.GetFlag(cpu.FlagCF)

	writeback := op != decode.OpCmp && op != decode.OpTest

	if inst.Lock && writeback {
		addr := ctx.effAddr(inst.Dst.Mem)
		old, ex := ctx.bus.AtomicRMW(addr, size, func(oldv uint64) (uint64, uint64) {
			return aluCompute(op, oldv, src, cf) & mask, oldv
		})
		if ex != nil {
			return ex
		}
		setALUFlags(state, op, old, src, aluCompute(op, old, src, cf)&mask, size)
		return nil
	}

	dst, ex := ctx.readOp(inst.Dst, size)
	if ex != nil {
		return ex
	}
	res := aluCompute(op, dst, src, cf) & mask

	if writeback {
		if ex := ctx.writeOp(inst.Dst, size, res); ex != nil {
			return ex
		}
	}
	setALUFlags(state, op, dst, src, res, size)
	return nil
}

// unaryCompute returns the masked result of INC/DEC/NOT/NEG.
func unaryCompute(op decode.Op, v uint64, mask uint64) uint64 {
	switch op {
	case decode.OpInc:
		return (v + 1) & mask
	case decode.OpDec:
		return (v - 1) & mask
	case decode.OpNot:
		return ^v & mask
	}
	return -v & mask // OpNeg
}

func (ctx *stepCtx) execUnary() *cpu.Exception {
	inst := ctx.inst
	state := ctx.state
	size := inst.OperandSize
	op := inst.Op
	mask := cpu.SizeMask(size)

	var old, res uint64
	if inst.Lock {
		addr := ctx.effAddr(inst.Dst.Mem)
		v, ex := ctx.bus.AtomicRMW(addr, size, func(oldv uint64) (uint64, uint64) {
			return unaryCompute(op, oldv, mask), oldv
		})
		if ex != nil {
			return ex
		}
		old = v & mask
		res = unaryCompute(op, old, mask)
	} else {
		v, ex := ctx.readOp(inst.Dst, size)
		if ex != nil {
			return ex
		}
		old = v
		res = unaryCompute(op, old, mask)
		if ex := ctx.writeOp(inst.Dst, size, res); ex != nil {
			return ex
		}
	}

	switch op {
	case decode.OpInc:
		state.SetFlagsIncDec(old, res, size, true)
	case decode.OpDec:
		state.SetFlagsIncDec(old, res, size, false)
	case decode.OpNeg:
		state.SetFlagsSub(0, old, res, size)
	}
	// NOT affects no flags
	return nil
}

func (ctx *stepCtx) execMul() *cpu.Exception {
	inst := ctx.inst
	state := ctx.state
	size := inst.OperandSize

	src, ex := ctx.readOp(inst.Src, size)
	if ex != nil {
		return ex
	}

	var overflow bool
	if inst.Op == decode.OpMul {
		switch size {
		case 1:
			full := uint16(uint8(state.Gpr[cpu.RAX])) * uint16(uint8(src))
			state.Write16(cpu.RAX, full)
			overflow = full>>8 != 0
		case 2:
			full := uint32(uint16(state.Gpr[cpu.RAX])) * uint32(uint16(src))
			state.Write16(cpu.RAX, uint16(full))
			state.Write16(cpu.RDX, uint16(full>>16))
			overflow = full>>16 != 0
		case 4:
			full := uint64(uint32(state.Gpr[cpu.RAX])) * uint64(uint32(src))
			state.Write32(cpu.RAX, uint32(full))
			state.Write32(cpu.RDX, uint32(full>>32))
			overflow = full>>32 != 0
		default:
			hi, lo := bits.Mul64(state.Gpr[cpu.RAX], src)
			state.Gpr[cpu.RAX] = lo
			state.Gpr[cpu.RDX] = hi
			overflow = hi != 0
		}
	} else {
		switch size {
		case 1:
			full := int16(int8(state.Gpr[cpu.RAX])) * int16(int8(src))
			state.Write16(cpu.RAX, uint16(full))
			overflow = full != int16(int8(full))
		case 2:
			full := int32(int16(state.Gpr[cpu.RAX])) * int32(int16(src))
			state.Write16(cpu.RAX, uint16(full))
			state.Write16(cpu.RDX, uint16(full>>16))
			overflow = full != int32(int16(full))
		case 4:
			full := int64(int32(state.Gpr[cpu.RAX])) * int64(int32(src))
			state.Write32(cpu.RAX, uint32(full))
			state.Write32(cpu.RDX, uint32(full>>32))
			overflow = full != int64(int32(full))
		default:
			a := int64(state.Gpr[cpu.RAX])
			b := int64(src)
			hi, lo := bits.Mul64(uint64(a), uint64(b))
			// adjust the unsigned high word to the signed product
			if a < 0 {
				hi -= uint64(b)
			}
			if b < 0 {
				hi -= uint64(a)
			}
			state.Gpr[cpu.RAX] = lo
			state.Gpr[cpu.RDX] = hi
			// no overflow iff the high half is the sign extension of
			// the low half
			overflow = int64(hi) != int64(lo)>>63
		}
	}

	// only CF and OF are defined after a multiply
	state.SetFlag(cpu.FlagCF, overflow)
	state.SetFlag(cpu.FlagOF, overflow)
	return nil
}

func (ctx *stepCtx) execDiv() *cpu.Exception {
	inst := ctx.inst
	state := ctx.state
	size := inst.OperandSize

	divisor, ex := ctx.readOp(inst.Src, size)
	if ex != nil {
		return ex
	}
	if divisor == 0 {
		return cpu.DivideError()
	}

	if inst.Op == decode.OpDiv {
		switch size {
		case 1:
			dividend := uint16(state.Gpr[cpu.RAX])
			q := dividend / uint16(divisor)
			r := dividend % uint16(divisor)
			if q > 0xff {
				return cpu.DivideError()
			}
			state.Write16(cpu.RAX, uint16(r)<<8|q&0xff)
		case 2:
			dividend := uint32(uint16(state.Gpr[cpu.RDX]))<<16 | uint32(uint16(state.Gpr[cpu.RAX]))
			q := dividend / uint32(divisor)
			r := dividend % uint32(divisor)
			if q > 0xffff {
				return cpu.DivideError()
			}
			state.Write16(cpu.RAX, uint16(q))
			state.Write16(cpu.RDX, uint16(r))
		case 4:
			dividend := uint64(uint32(state.Gpr[cpu.RDX]))<<32 | uint64(uint32(state.Gpr[cpu.RAX]))
			q := dividend / divisor
			r := dividend % divisor
			if q > 0xffff_ffff {
				return cpu.DivideError()
			}
			state.Write32(cpu.RAX, uint32(q))
			state.Write32(cpu.RDX, uint32(r))
		default:
			hi := state.Gpr[cpu.RDX]
			lo := state.Gpr[cpu.RAX]
			// quotient overflows 64 bits iff the high half is not
			// smaller than the divisor
			if hi >= divisor {
				return cpu.DivideError()
			}
			q, r := bits.Div64(hi, lo, divisor)
			state.Gpr[cpu.RAX] = q
			state.Gpr[cpu.RDX] = r
		}
		return nil
	}

	// IDIV
	switch size {
	case 1:
		dividend := int16(state.Gpr[cpu.RAX])
		div := int16(int8(divisor))
		q := dividend / div
		r := dividend % div
		if q < -0x80 || q > 0x7f {
			return cpu.DivideError()
		}
		state.Write16(cpu.RAX, uint16(uint8(r))<<8|uint16(uint8(q)))
	case 2:
		dividend := int32(uint32(uint16(state.Gpr[cpu.RDX]))<<16 | uint32(uint16(state.Gpr[cpu.RAX])))
		div := int32(int16(divisor))
		q := dividend / div
		r := dividend % div
		if q < -0x8000 || q > 0x7fff {
			return cpu.DivideError()
		}
		state.Write16(cpu.RAX, uint16(q))
		state.Write16(cpu.RDX, uint16(r))
	case 4:
		dividend := int64(uint64(uint32(state.Gpr[cpu.RDX]))<<32 | uint64(uint32(state.Gpr[cpu.RAX])))
		div := int64(int32(divisor))
		q := dividend / div
		r := dividend % div
		if q < -0x8000_0000 || q > 0x7fff_ffff {
			return cpu.DivideError()
		}
		state.Write32(cpu.RAX, uint32(q))
		state.Write32(cpu.RDX, uint32(r))
	default:
		return ctx.idiv64(divisor)
	}
	return nil
}

// idiv64 divides the signed 128-bit RDX:RAX pair by a signed 64-bit
// divisor using magnitude division.
func (ctx *stepCtx) idiv64(divisor uint64) *cpu.Exception {
	state := ctx.state
	hi := state.Gpr[cpu.RDX]
	lo := state.Gpr[cpu.RAX]

	negDividend := int64(hi) < 0
	if negDividend {
		lo = -lo
		hi = ^hi
		if lo == 0 {
			hi++
		}
	}
	negDivisor := int64(divisor) < 0
	div := divisor
	if negDivisor {
		div = -div
	}

	if hi >= div {
		return cpu.DivideError()
	}
	q, r := bits.Div64(hi, lo, div)

	negQuotient := negDividend != negDivisor
	if negQuotient {
		if q > 1<<63 {
			return cpu.DivideError()
		}
	} else if q > 1<<63-1 {
		return cpu.DivideError()
	}

	if negQuotient {
		q = -q
	}
	if negDividend {
		// the remainder takes the dividend's sign
		r = -r
	}
	state.Gpr[cpu.RAX] = q
	state.Gpr[cpu.RDX] = r
	return nil
}

func (ctx *stepCtx) execShift() *cpu.Exception {
	inst := ctx.inst
	state := ctx.state
	size := inst.OperandSize
	mask := cpu.SizeMask(size)
	bitw := uint(size * 8)

	val, ex := ctx.readOp(inst.Dst, size)
	if ex != nil {
		return ex
	}
	rawCount, ex := ctx.readOp(inst.Src, 1)
	if ex != nil {
		return ex
	}

	countMask := uint64(0x1f)
	if size == 8 {
		countMask = 0x3f
	}
	c := uint(rawCount & countMask)
	if c == 0 {
		// a masked-to-zero count leaves the operand and every flag alone
		return nil
	}

	var res uint64
	var cf bool
	switch inst.Op {
	case decode.OpShl:
		res = val << c & mask
		cf = val>>(bitw-c)&1 != 0
	case decode.OpShr:
		res = val & mask >> c
		cf = val>>(c-1)&1 != 0
	default: // OpSar
		res = uint64(signExtend(val, size)>>c) & mask
		cf = val>>(c-1)&1 != 0
	}

	if ex := ctx.writeOp(inst.Dst, size, res); ex != nil {
		return ex
	}

	state.SetFlagsLogic(res, size)
	state.SetFlag(cpu.FlagCF, cf)
	if c == 1 {
		switch inst.Op {
		case decode.OpShl:
			state.SetFlag(cpu.FlagOF, (res>>(bitw-1)&1 != 0) != cf)
		case decode.OpShr:
			state.SetFlag(cpu.FlagOF, val>>(bitw-1)&1 != 0)
		}
		// OF is cleared for SAR by 1, which SetFlagsLogic already did
	}
	return nil
}

// signExtend widens a value of the given byte size to a signed 64-bit
// value.
func signExtend(v uint64, size int) int64 {
	switch size {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	}
	return int64(v)
}

// execCwde implements CBW/CWDE/CDQE: sign-extend the low half of the
// accumulator into its full operand width.
func (ctx *stepCtx) execCwde() {
	state := ctx.state
	switch ctx.inst.OperandSize {
	case 2:
		state.Write16(cpu.RAX, uint16(int16(int8(state.Gpr[cpu.RAX]))))
	case 4:
		state.Write32(cpu.RAX, uint32(int32(int16(state.Gpr[cpu.RAX]))))
	default:
		state.Gpr[cpu.RAX] = uint64(int64(int32(state.Gpr[cpu.RAX])))
	}
}

// execCdq implements CWD/CDQ/CQO: fill DX with the accumulator's sign.
func (ctx *stepCtx) execCdq() {
	state := ctx.state
	switch ctx.inst.OperandSize {
	case 2:
		state.Write16(cpu.RDX, uint16(int16(state.Gpr[cpu.RAX])>>15))
	case 4:
		state.Write32(cpu.RDX, uint32(int32(state.Gpr[cpu.RAX])>>31))
	default:
		state.Gpr[cpu.RDX] = uint64(int64(state.Gpr[cpu.RAX]) >> 63)
	}
}
