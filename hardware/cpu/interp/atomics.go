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
	"github.com/gophervisor/gophervisor/hardware/cpu"
	"github.com/gophervisor/gophervisor/hardware/cpu/decode"
)

// execXchg swaps the two operands. A memory-form XCHG is locked whether or
// not the prefix is present.
func (ctx *stepCtx) execXchg() *cpu.Exception {
	inst := ctx.inst
	size := inst.OperandSize

	src, ex := ctx.readOp(inst.Src, size)
	if ex != nil {
		return ex
	}

	if inst.Dst.Kind == decode.OperandMem {
		addr := ctx.effAddr(inst.Dst.Mem)
		old, ex := ctx.bus.AtomicRMW(addr, size, func(oldv uint64) (uint64, uint64) {
			return src, oldv
		})
		if ex != nil {
			return ex
		}
		return ctx.writeOp(inst.Src, size, old)
	}

	dst, ex := ctx.readOp(inst.Dst, size)
	if ex != nil {
		return ex
	}
	if ex := ctx.writeOp(inst.Dst, size, src); ex != nil {
		return ex
	}
	return ctx.writeOp(inst.Src, size, dst)
}

func (ctx *stepCtx) execCmpxchg() *cpu.Exception {
	inst := ctx.inst
	state := ctx.state
	size := inst.OperandSize
	mask := cpu.SizeMask(size)
	acc := state.ReadSized(cpu.RAX, size)

	src, ex := ctx.readOp(inst.Src, size)
	if ex != nil {
		return ex
	}

	var dst uint64
	if inst.Lock {
		addr := ctx.effAddr(inst.Dst.Mem)
		old, ex := ctx.bus.AtomicRMW(addr, size, func(oldv uint64) (uint64, uint64) {
			if oldv&mask == acc {
				return src, oldv
			}
			return oldv, oldv
		})
		if ex != nil {
			return ex
		}
		dst = old & mask
	} else {
		dst, ex = ctx.readOp(inst.Dst, size)
		if ex != nil {
			return ex
		}
		if dst == acc {
			if ex := ctx.writeOp(inst.Dst, size, src); ex != nil {
				return ex
			}
		}
	}

	state.SetFlagsSub(acc, dst, (acc-dst)&mask, size)
	if dst != acc {
		// a failed compare loads the destination into the accumulator.
		// memory is left untouched
		state.WriteSized(cpu.RAX, size, dst)
	}
	return nil
}

// execCmpxchgBytes implements CMPXCHG8B and CMPXCHG16B. The compare and the
// exchange use the D:A and C:B register pairs. Only ZF is affected.
func (ctx *stepCtx) execCmpxchgBytes() *cpu.Exception {
	inst := ctx.inst
	state := ctx.state
	addr := ctx.effAddr(inst.Dst.Mem)

	if inst.OperandSize == 16 {
		if addr&0xf != 0 {
			return cpu.GeneralProtection(0)
		}
		expLo := state.Gpr[cpu.RAX]
		expHi := state.Gpr[cpu.RDX]
		var oldLo, oldHi uint64
		_, ex := ctx.bus.AtomicRMW128(addr, func(lo, hi uint64) (uint64, uint64, uint64) {
			oldLo, oldHi = lo, hi
			if lo == expLo && hi == expHi {
				return state.Gpr[cpu.RBX], state.Gpr[cpu.RCX], 1
			}
			return lo, hi, 0
		})
		if ex != nil {
			return ex
		}
		equal := oldLo == expLo && oldHi == expHi
		state.SetFlag(cpu.FlagZF, equal)
		if !equal {
			state.Gpr[cpu.RAX] = oldLo
			state.Gpr[cpu.RDX] = oldHi
		}
		return nil
	}

	expected := uint64(uint32(state.Gpr[cpu.RDX]))<<32 | uint64(uint32(state.Gpr[cpu.RAX]))
	replacement := uint64(uint32(state.Gpr[cpu.RCX]))<<32 | uint64(uint32(state.Gpr[cpu.RBX]))
	old, ex := ctx.bus.AtomicRMW(addr, 8, func(oldv uint64) (uint64, uint64) {
		if oldv == expected {
			return replacement, oldv
		}
		return oldv, oldv
	})
	if ex != nil {
		return ex
	}
	equal := old == expected
	state.SetFlag(cpu.FlagZF, equal)
	if !equal {
		state.Write32(cpu.RAX, uint32(old))
		state.Write32(cpu.RDX, uint32(old>>32))
	}
	return nil
}

func (ctx *stepCtx) execXadd() *cpu.Exception {
	inst := ctx.inst
	state := ctx.state
	size := inst.OperandSize
	mask := cpu.SizeMask(size)

	src, ex := ctx.readOp(inst.Src, size)
	if ex != nil {
		return ex
	}

	if inst.Lock {
		addr := ctx.effAddr(inst.Dst.Mem)
		old, ex := ctx.bus.AtomicRMW(addr, size, func(oldv uint64) (uint64, uint64) {
			return (oldv + src) & mask, oldv
		})
		if ex != nil {
			return ex
		}
		old &= mask
		state.SetFlagsAdd(old, src, (old+src)&mask, size)
		return ctx.writeOp(inst.Src, size, old)
	}

	dst, ex := ctx.readOp(inst.Dst, size)
	if ex != nil {
		return ex
	}
	sum := (dst + src) & mask
	// source first: XADD r,r with both operands the same register keeps
	// the sum
	if ex := ctx.writeOp(inst.Src, size, dst); ex != nil {
		return ex
	}
	if ex := ctx.writeOp(inst.Dst, size, sum); ex != nil {
		return ex
	}
	state.SetFlagsAdd(dst, src, sum, size)
	return nil
}
