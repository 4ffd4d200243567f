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

// branchTo retires the instruction at the branch target. A 16-bit operand
// size truncates the target below the mode's own IP mask.
func (ctx *stepCtx) branchTo(target uint64) {
	target &= ctx.state.IPMask()
	if ctx.inst.OperandSize == 2 {
		target &= 0xffff
	}
	ctx.state.SetIP(target)
	ctx.exit = ExitBranch
}

func (ctx *stepCtx) execBranchRel() *cpu.Exception {
	inst := ctx.inst

	if inst.Op == decode.OpJcc && !conditionMet(ctx.state, inst.Cond) {
		return nil
	}
	if inst.Op == decode.OpCall {
		if ex := ctx.push(ctx.nextIP, inst.OperandSize); ex != nil {
			return ex
		}
	}
	ctx.branchTo(ctx.nextIP + uint64(inst.Src.Imm))
	return nil
}

func (ctx *stepCtx) execBranchInd() *cpu.Exception {
	inst := ctx.inst

	target, ex := ctx.readOp(inst.Src, inst.OperandSize)
	if ex != nil {
		return ex
	}
	if inst.Op == decode.OpCallInd {
		if ex := ctx.push(ctx.nextIP, inst.OperandSize); ex != nil {
			return ex
		}
	}
	ctx.branchTo(target)
	return nil
}

func (ctx *stepCtx) execRet() *cpu.Exception {
	inst := ctx.inst

	ip, ex := ctx.pop(inst.OperandSize)
	if ex != nil {
		return ex
	}
	if inst.Src.Kind == decode.OperandImm {
		// RET imm16 releases the callee-popped argument bytes
		ctx.dropStack(uint64(inst.Src.Imm))
	}
	ctx.branchTo(ip)
	return nil
}

func (ctx *stepCtx) execInt() *cpu.Exception {
	vector := uint8(3)
	if ctx.inst.Op == decode.OpInt {
		vector = uint8(ctx.inst.Src.Imm)
	}
	ctx.ev.RaiseSoftwareInterrupt(vector, ctx.nextIP)
	ctx.exit = ExitBranch
	return nil
}

func (ctx *stepCtx) execIret() error {
	if err := ctx.ev.IRET(ctx.state, ctx.bus); err != nil {
		return err
	}
	ctx.exit = ExitBranch
	return nil
}

func (ctx *stepCtx) execHlt() *cpu.Exception {
	state := ctx.state
	if state.CPL() != 0 {
		return cpu.GeneralProtection(0)
	}
	// RIP parks on the following instruction so a delivered interrupt
	// returns past the HLT
	state.SetIP(ctx.nextIP)
	state.Halted = true
	ctx.exit = ExitHalt
	return nil
}

func (ctx *stepCtx) execInterruptFlag() *cpu.Exception {
	state := ctx.state

	// CLI and STI require the privilege of the flag image's IOPL field
	if uint64(state.CPL()) > state.RFlags>>12&3 {
		return cpu.GeneralProtection(0)
	}

	if ctx.inst.Op == decode.OpCli {
		state.SetFlag(cpu.FlagIF, false)
		return nil
	}
	if !state.GetFlag(cpu.FlagIF) {
		state.SetFlag(cpu.FlagIF, true)
		// the one-instruction STI shadow
		ctx.ev.InhibitForOneInstruction()
	}
	return nil
}

func (ctx *stepCtx) execCarryDirection() {
	state := ctx.state
	switch ctx.inst.Op {
	case decode.OpCld:
		state.SetFlag(cpu.FlagDF, false)
	case decode.OpStd:
		state.SetFlag(cpu.FlagDF, true)
	case decode.OpClc:
		state.SetFlag(cpu.FlagCF, false)
	case decode.OpStc:
		state.SetFlag(cpu.FlagCF, true)
	case decode.OpCmc:
		state.SetFlag(cpu.FlagCF, !state.GetFlag(cpu.FlagCF))
	}
}
