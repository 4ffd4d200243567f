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

func (ctx *stepCtx) execMovCr() *cpu.Exception {
	inst := ctx.inst
	state := ctx.state
	if state.CPL() != 0 {
		return cpu.GeneralProtection(0)
	}

	if inst.Op == decode.OpMovFromCr {
		var val uint64
		switch inst.Sys {
		case 0:
			val = state.CR0
		case 2:
			val = state.CR2
		case 3:
			val = state.CR3
		case 4:
			val = state.CR4
		}
		// the control-register moves ignore operand-size overrides
		writeReg(state, inst.Dst, inst.OperandSize, val)
		return nil
	}

	val := readReg(state, inst.Src, inst.OperandSize)
	switch inst.Sys {
	case 0:
		if val&cpu.CR0_PG != 0 && val&cpu.CR0_PE == 0 {
			return cpu.GeneralProtection(0)
		}
		state.CR0 = val
		if state.EFER&cpu.EFER_LME != 0 && val&cpu.CR0_PG != 0 {
			state.EFER |= cpu.EFER_LMA
		} else {
			state.EFER &^= cpu.EFER_LMA
		}
		recomputeMode(state)
	case 2:
		state.CR2 = val
	case 3:
		state.CR3 = val
	case 4:
		state.CR4 = val
	}
	ctx.bus.Sync(state)
	return nil
}

// recomputeMode reclassifies the execution mode after a CR0 write.
func recomputeMode(state *cpu.State) {
	switch {
	case state.EFER&cpu.EFER_LMA != 0:
		state.Mode = cpu.ModeLong
	case state.CR0&cpu.CR0_PE != 0:
		state.Mode = cpu.ModeProtected
	default:
		state.Mode = cpu.ModeReal
	}
}

// execLoadTable implements LGDT and LIDT: a 16-bit limit followed by the
// table base. A 16-bit operand size keeps only the low 24 bits of the base.
func (ctx *stepCtx) execLoadTable() *cpu.Exception {
	inst := ctx.inst
	state := ctx.state
	if state.CPL() != 0 {
		return cpu.GeneralProtection(0)
	}

	ea := ctx.effAddr(inst.Src.Mem)
	limit, ex := ctx.bus.Read16(ea)
	if ex != nil {
		return ex
	}

	var base uint64
	if state.Mode == cpu.ModeLong {
		base, ex = ctx.bus.Read64(ea + 2)
	} else {
		var b uint32
		b, ex = ctx.bus.Read32(ea + 2)
		base = uint64(b)
		if inst.OperandSize == 2 {
			base &= 0xff_ffff
		}
	}
	if ex != nil {
		return ex
	}

	if inst.Op == decode.OpLgdt {
		state.GDTR = cpu.TableRegister{Base: base, Limit: limit}
	} else {
		state.IDTR = cpu.TableRegister{Base: base, Limit: limit}
	}
	return nil
}

func (ctx *stepCtx) execInvlpg() *cpu.Exception {
	if ctx.state.CPL() != 0 {
		return cpu.GeneralProtection(0)
	}
	ctx.bus.Invlpg(ctx.effAddr(ctx.inst.Src.Mem))
	return nil
}

func (ctx *stepCtx) execRdtsc() {
	state := ctx.state
	state.Write32(cpu.RAX, uint32(state.TSC))
	state.Write32(cpu.RDX, uint32(state.TSC>>32))
}

// execX87 gates an x87 escape opcode on the CR0 emulation and task-switch
// bits. The FPU data path itself is not modelled; an available FPU makes
// the instruction a no-op.
func (ctx *stepCtx) execX87() *cpu.Exception {
	cr0 := ctx.state.CR0
	if cr0&cpu.CR0_EM != 0 {
		return cpu.UndefinedOpcode()
	}
	if cr0&cpu.CR0_TS != 0 {
		return cpu.DeviceNotAvailable()
	}
	return nil
}

// execWait implements WAIT/FWAIT: report a pending unmasked x87 exception,
// either as #MF or as the legacy IRQ13 signal depending on CR0.NE.
func (ctx *stepCtx) execWait() *cpu.Exception {
	state := ctx.state
	if state.CR0&cpu.CR0_EM != 0 {
		return cpu.UndefinedOpcode()
	}
	if state.CR0&cpu.CR0_MP != 0 && state.CR0&cpu.CR0_TS != 0 {
		return cpu.DeviceNotAvailable()
	}
	if state.FpuStatus&^state.FpuControl&0x3f != 0 {
		if state.CR0&cpu.CR0_NE != 0 {
			return cpu.X87FloatingPoint()
		}
		state.IRQ13Pending = true
	}
	return nil
}
