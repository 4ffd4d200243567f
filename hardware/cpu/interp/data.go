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

func (ctx *stepCtx) execMov() *cpu.Exception {
	inst := ctx.inst
	size := inst.OperandSize

	switch inst.Op {
	case decode.OpLea:
		// LEA takes the raw effective address, segment base excluded
		return ctx.writeOp(inst.Dst, size, ctx.effOffset(inst.Src.Mem))

	case decode.OpMovzx:
		val, ex := ctx.readOp(inst.Src, inst.SrcSize)
		if ex != nil {
			return ex
		}
		return ctx.writeOp(inst.Dst, size, val)

	case decode.OpMovsx:
		val, ex := ctx.readOp(inst.Src, inst.SrcSize)
		if ex != nil {
			return ex
		}
		return ctx.writeOp(inst.Dst, size, uint64(signExtend(val, inst.SrcSize))&cpu.SizeMask(size))
	}

	val, ex := ctx.readOp(inst.Src, size)
	if ex != nil {
		return ex
	}
	return ctx.writeOp(inst.Dst, size, val)
}

func (ctx *stepCtx) execPush() *cpu.Exception {
	size := ctx.inst.OperandSize
	val, ex := ctx.readOp(ctx.inst.Src, size)
	if ex != nil {
		return ex
	}
	return ctx.push(val, size)
}

func (ctx *stepCtx) execPop() *cpu.Exception {
	size := ctx.inst.OperandSize

	// read the stack top and write the destination before committing the
	// stack pointer, so a faulting destination leaves the pop undone
	val, ex := ctx.stackTop(size)
	if ex != nil {
		return ex
	}
	if ex := ctx.writeOp(ctx.inst.Dst, size, val); ex != nil {
		return ex
	}
	ctx.dropStack(uint64(size))
	return nil
}

// stackTop reads size bytes at the current stack pointer without popping.
func (ctx *stepCtx) stackTop(size int) (uint64, *cpu.Exception) {
	state := ctx.state
	var sp uint64
	switch stackPtrWidth(state) {
	case 8:
		sp = state.Gpr[cpu.RSP]
	case 4:
		sp = uint64(uint32(state.Gpr[cpu.RSP]))
	default:
		sp = uint64(uint16(state.Gpr[cpu.RSP]))
	}
	return readMem(ctx.bus, state.Seg[cpu.SS].Base+sp, size)
}

// dropStack advances the stack pointer by n bytes at the stack's own width.
func (ctx *stepCtx) dropStack(n uint64) {
	state := ctx.state
	switch stackPtrWidth(state) {
	case 8:
		state.Gpr[cpu.RSP] += n
	case 4:
		state.Gpr[cpu.RSP] = uint64(uint32(state.Gpr[cpu.RSP]) + uint32(n))
	default:
		sp := uint16(state.Gpr[cpu.RSP]) + uint16(n)
		state.Gpr[cpu.RSP] = state.Gpr[cpu.RSP]&^uint64(0xffff) | uint64(sp)
	}
}

func (ctx *stepCtx) execPushf() *cpu.Exception {
	size := ctx.inst.OperandSize
	return ctx.push(ctx.state.RFlags&cpu.SizeMask(size), size)
}

// popfIOPL is the IOPL field of RFLAGS.
const popfIOPL = 3 << 12

func (ctx *stepCtx) execPopf() *cpu.Exception {
	state := ctx.state
	size := ctx.inst.OperandSize

	val, ex := ctx.pop(size)
	if ex != nil {
		return ex
	}

	mask := cpu.SizeMask(size)
	merged := state.RFlags&^mask | val&mask

	// IOPL only changes at CPL 0 and IF only at or below the IOPL.
	// real mode runs at an effective CPL of 0 so both always apply there
	cpl := uint64(state.CPL())
	if cpl > 0 {
		merged = merged&^popfIOPL | state.RFlags&popfIOPL
	}
	if cpl > state.RFlags>>12&3 {
		merged = merged&^cpu.FlagIF | state.RFlags&cpu.FlagIF
	}

	state.RFlags = merged | cpu.RFlagsReserved1
	return nil
}

func (ctx *stepCtx) execSegMove() *cpu.Exception {
	inst := ctx.inst
	state := ctx.state

	if inst.Op == decode.OpMovFromSeg {
		return ctx.writeOp(inst.Dst, 2, uint64(state.Seg[inst.Sys].Selector))
	}

	sel, ex := ctx.readOp(inst.Src, 2)
	if ex != nil {
		return ex
	}
	state.LoadSelector(inst.Sys, uint16(sel))
	if inst.Sys == cpu.SS {
		// an interrupt arriving between a stack-segment load and the
		// following stack-pointer load would see a torn stack
		ctx.ev.InhibitForOneInstruction()
	}
	ctx.bus.Sync(state)
	return nil
}

// effOffset computes the effective address of a memory operand before the
// segment base is applied.
func (ctx *stepCtx) effOffset(m decode.MemAddr) uint64 {
	var a uint64
	if m.RipRel {
		a = ctx.nextIP + uint64(m.Disp)
	} else {
		if m.Base >= 0 {
			a = ctx.state.Gpr[m.Base]
		}
		if m.Index >= 0 {
			a += ctx.state.Gpr[m.Index] * uint64(m.Scale)
		}
		a += uint64(m.Disp)
	}

	switch ctx.inst.AddrSize {
	case 2:
		a &= 0xffff
	case 4:
		a &= 0xffff_ffff
	}
	return a
}
