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
	"github.com/gophervisor/gophervisor/hardware/cpu/interrupts"
)

// StepExit classifies how one interpreter step ended.
type StepExit int

// List of valid StepExit values.
const (
	// instruction retired, control falls through sequentially
	ExitRetired StepExit = iota

	// instruction retired by taking a control transfer
	ExitBranch

	// a fault was queued on the event state; deliver before stepping again.
	// RIP still addresses the faulting instruction
	ExitFault

	// HLT retired; the core idles until the next delivered interrupt
	ExitHalt

	// a repeated string instruction yielded with partial progress committed
	// to the registers. RIP still addresses the instruction, so the next
	// step resumes it
	ExitSuspend
)

func (e StepExit) String() string {
	switch e {
	case ExitRetired:
		return "retired"
	case ExitBranch:
		return "branch"
	case ExitFault:
		return "fault"
	case ExitHalt:
		return "halt"
	case ExitSuspend:
		return "suspend"
	}
	return "unknown"
}

// stepCtx carries one instruction's execution state between the op handlers.
type stepCtx struct {
	state *cpu.State
	bus   cpu.Bus
	ev    *interrupts.Events
	inst  *decode.Instruction

	// code-segment offset of the following instruction, wrap applied
	nextIP uint64

	// handlers that do not fall through sequentially override this
	exit StepExit
}

// Step decodes and executes the instruction at RIP. Architectural faults are
// queued on ev and reported as ExitFault. The error return is reserved for
// unrecoverable host conditions (triple fault).
func Step(state *cpu.State, bus cpu.Bus, ev *interrupts.Events) (StepExit, error) {
	if state.Halted {
		return ExitHalt, nil
	}

	inst, ex := decode.DecodeInstruction(bus, state, state.RIP)
	if ex != nil {
		ev.RaiseFault(state, ex, state.RIP)
		return ExitFault, nil
	}

	return Exec(state, bus, ev, &inst)
}

// Exec executes an already-decoded instruction whose first byte is at RIP.
// Compiled blocks use this to run their pre-decoded instruction runs without
// refetching; the semantics are identical to Step.
func Exec(state *cpu.State, bus cpu.Bus, ev *interrupts.Events, inst *decode.Instruction) (StepExit, error) {
	ctx := &stepCtx{
		state:  state,
		bus:    bus,
		ev:     ev,
		inst:   inst,
		nextIP: (state.RIP + uint64(inst.Len)) & state.IPMask(),
	}

	ex, err := ctx.execute()
	if err != nil {
		return ExitRetired, err
	}
	if ex != nil {
		ev.RaiseFault(state, ex, state.RIP)
		return ExitFault, nil
	}

	if ctx.exit == ExitRetired {
		state.SetIP(ctx.nextIP)
	}
	if ctx.exit != ExitSuspend {
		state.TSC++
	}
	return ctx.exit, nil
}

func (ctx *stepCtx) execute() (*cpu.Exception, error) {
	switch ctx.inst.Op {
	case decode.OpNop:
		return nil, nil

	case decode.OpMov, decode.OpMovzx, decode.OpMovsx, decode.OpLea:
		return ctx.execMov(), nil
	case decode.OpXchg:
		return ctx.execXchg(), nil
	case decode.OpPush:
		return ctx.execPush(), nil
	case decode.OpPop:
		return ctx.execPop(), nil
	case decode.OpPushf:
		return ctx.execPushf(), nil
	case decode.OpPopf:
		return ctx.execPopf(), nil
	case decode.OpMovToSeg, decode.OpMovFromSeg:
		return ctx.execSegMove(), nil

	case decode.OpAdd, decode.OpOr, decode.OpAdc, decode.OpSbb,
		decode.OpAnd, decode.OpSub, decode.OpXor, decode.OpCmp,
		decode.OpTest:
		return ctx.execALU(), nil
	case decode.OpInc, decode.OpDec, decode.OpNot, decode.OpNeg:
		return ctx.execUnary(), nil
	case decode.OpMul, decode.OpImul:
		return ctx.execMul(), nil
	case decode.OpDiv, decode.OpIdiv:
		return ctx.execDiv(), nil
	case decode.OpShl, decode.OpShr, decode.OpSar:
		return ctx.execShift(), nil
	case decode.OpCwde:
		ctx.execCwde()
		return nil, nil
	case decode.OpCdq:
		ctx.execCdq()
		return nil, nil

	case decode.OpCmpxchg:
		return ctx.execCmpxchg(), nil
	case decode.OpCmpxchgBytes:
		return ctx.execCmpxchgBytes(), nil
	case decode.OpXadd:
		return ctx.execXadd(), nil

	case decode.OpJmp, decode.OpJcc, decode.OpCall:
		return ctx.execBranchRel(), nil
	case decode.OpJmpInd, decode.OpCallInd:
		return ctx.execBranchInd(), nil
	case decode.OpRet:
		return ctx.execRet(), nil
	case decode.OpInt, decode.OpInt3:
		return ctx.execInt(), nil
	case decode.OpIret:
		return nil, ctx.execIret()
	case decode.OpHlt:
		return ctx.execHlt(), nil

	case decode.OpCli, decode.OpSti:
		return ctx.execInterruptFlag(), nil
	case decode.OpCld, decode.OpStd, decode.OpClc, decode.OpStc, decode.OpCmc:
		ctx.execCarryDirection()
		return nil, nil

	case decode.OpMovs, decode.OpCmps, decode.OpStos,
		decode.OpLods, decode.OpScas:
		return ctx.execString(), nil

	case decode.OpMovToCr, decode.OpMovFromCr:
		return ctx.execMovCr(), nil
	case decode.OpLgdt, decode.OpLidt:
		return ctx.execLoadTable(), nil
	case decode.OpInvlpg:
		return ctx.execInvlpg(), nil
	case decode.OpRdtsc:
		ctx.execRdtsc()
		return nil, nil

	case decode.OpX87:
		return ctx.execX87(), nil
	case decode.OpWait:
		return ctx.execWait(), nil
	}

	return cpu.UndefinedOpcode(), nil
}

// effAddr computes the linear address of a memory operand: segment base plus
// the effective address truncated to the instruction's address size.
func (ctx *stepCtx) effAddr(m decode.MemAddr) uint64 {
	return ctx.state.Seg[m.Seg].Base + ctx.effOffset(m)
}

// readReg reads a register operand at the given size, resolving the legacy
// high-byte forms. State.Read8's ModRM-order remap is deliberately not used:
// the decoder has already resolved AH/CH/DH/BH into the High flag.
func readReg(state *cpu.State, op decode.Operand, size int) uint64 {
	if size == 1 && op.High {
		return uint64(uint8(state.Gpr[op.Reg] >> 8))
	}
	return state.Gpr[op.Reg] & cpu.SizeMask(size)
}

func writeReg(state *cpu.State, op decode.Operand, size int, val uint64) {
	if size == 1 && op.High {
		state.Gpr[op.Reg] = state.Gpr[op.Reg]&^uint64(0xff00) | uint64(uint8(val))<<8
		return
	}
	switch size {
	case 1:
		state.Gpr[op.Reg] = state.Gpr[op.Reg]&^uint64(0xff) | uint64(uint8(val))
	case 2:
		state.Gpr[op.Reg] = state.Gpr[op.Reg]&^uint64(0xffff) | uint64(uint16(val))
	case 4:
		// 32-bit writes zero-extend into the full register
		state.Gpr[op.Reg] = uint64(uint32(val))
	default:
		state.Gpr[op.Reg] = val
	}
}

func readMem(bus cpu.Bus, addr uint64, size int) (uint64, *cpu.Exception) {
	switch size {
	case 1:
		v, ex := bus.Read8(addr)
		return uint64(v), ex
	case 2:
		v, ex := bus.Read16(addr)
		return uint64(v), ex
	case 4:
		v, ex := bus.Read32(addr)
		return uint64(v), ex
	}
	return bus.Read64(addr)
}

func writeMem(bus cpu.Bus, addr uint64, size int, val uint64) *cpu.Exception {
	switch size {
	case 1:
		return bus.Write8(addr, uint8(val))
	case 2:
		return bus.Write16(addr, uint16(val))
	case 4:
		return bus.Write32(addr, uint32(val))
	}
	return bus.Write64(addr, val)
}

// readOp reads any operand at the given size.
func (ctx *stepCtx) readOp(op decode.Operand, size int) (uint64, *cpu.Exception) {
	switch op.Kind {
	case decode.OperandReg:
		return readReg(ctx.state, op, size), nil
	case decode.OperandImm:
		return uint64(op.Imm) & cpu.SizeMask(size), nil
	}
	return readMem(ctx.bus, ctx.effAddr(op.Mem), size)
}

// writeOp writes a register or memory operand at the given size.
func (ctx *stepCtx) writeOp(op decode.Operand, size int, val uint64) *cpu.Exception {
	if op.Kind == decode.OperandReg {
		writeReg(ctx.state, op, size, val)
		return nil
	}
	return writeMem(ctx.bus, ctx.effAddr(op.Mem), size, val)
}

// stackPtrWidth is the width of the stack pointer itself, fixed by the mode
// and the SS descriptor rather than by the instruction.
func stackPtrWidth(state *cpu.State) int {
	if state.Mode == cpu.ModeLong {
		return 8
	}
	if state.Seg[cpu.SS].Access&cpu.SegAccessBig != 0 {
		return 4
	}
	return 2
}

func (ctx *stepCtx) push(val uint64, size int) *cpu.Exception {
	state := ctx.state
	switch stackPtrWidth(state) {
	case 8:
		sp := state.Gpr[cpu.RSP] - uint64(size)
		if ex := writeMem(ctx.bus, state.Seg[cpu.SS].Base+sp, size, val); ex != nil {
			return ex
		}
		state.Gpr[cpu.RSP] = sp
	case 4:
		sp := uint32(state.Gpr[cpu.RSP]) - uint32(size)
		if ex := writeMem(ctx.bus, state.Seg[cpu.SS].Base+uint64(sp), size, val); ex != nil {
			return ex
		}
		state.Gpr[cpu.RSP] = uint64(sp)
	default:
		sp := uint16(state.Gpr[cpu.RSP]) - uint16(size)
		if ex := writeMem(ctx.bus, state.Seg[cpu.SS].Base+uint64(sp), size, val); ex != nil {
			return ex
		}
		state.Gpr[cpu.RSP] = state.Gpr[cpu.RSP]&^uint64(0xffff) | uint64(sp)
	}
	return nil
}

func (ctx *stepCtx) pop(size int) (uint64, *cpu.Exception) {
	state := ctx.state
	switch stackPtrWidth(state) {
	case 8:
		sp := state.Gpr[cpu.RSP]
		val, ex := readMem(ctx.bus, state.Seg[cpu.SS].Base+sp, size)
		if ex != nil {
			return 0, ex
		}
		state.Gpr[cpu.RSP] = sp + uint64(size)
		return val, nil
	case 4:
		sp := uint32(state.Gpr[cpu.RSP])
		val, ex := readMem(ctx.bus, state.Seg[cpu.SS].Base+uint64(sp), size)
		if ex != nil {
			return 0, ex
		}
		state.Gpr[cpu.RSP] = uint64(sp + uint32(size))
		return val, nil
	}
	sp := uint16(state.Gpr[cpu.RSP])
	val, ex := readMem(ctx.bus, state.Seg[cpu.SS].Base+uint64(sp), size)
	if ex != nil {
		return 0, ex
	}
	state.Gpr[cpu.RSP] = state.Gpr[cpu.RSP]&^uint64(0xffff) | uint64(sp+uint16(size))
	return val, nil
}

// conditionMet evaluates a Jcc condition code against RFLAGS.
func conditionMet(state *cpu.State, cond int) bool {
	cf := state.GetFlag(cpu.FlagCF)
	zf := state.GetFlag(cpu.FlagZF)
	sf := state.GetFlag(cpu.FlagSF)
	of := state.GetFlag(cpu.FlagOF)
	pf := state.GetFlag(cpu.FlagPF)

	var met bool
	switch cond >> 1 {
	case 0:
		met = of
	case 1:
		met = cf
	case 2:
		met = zf
	case 3:
		met = cf || zf
	case 4:
		met = sf
	case 5:
		met = pf
	case 6:
		met = sf != of
	case 7:
		met = zf || sf != of
	}
	if cond&1 == 1 {
		met = !met
	}
	return met
}
