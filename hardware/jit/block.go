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

package jit

import (
	"github.com/gophervisor/gophervisor/hardware/cpu"
	"github.com/gophervisor/gophervisor/hardware/cpu/decode"
	"github.com/gophervisor/gophervisor/hardware/cpu/interp"
	"github.com/gophervisor/gophervisor/hardware/cpu/interrupts"
)

// Exit classifies how a compiled block's execution ended.
type Exit int

// List of valid Exit values.
const (
	// the block ran to its final instruction
	ExitFallthrough Exit = iota

	// a guard page changed under the running block, or the block was
	// entered under a different address space or mode than it was
	// compiled for. RIP is on the last-known-good instruction and the
	// dispatcher must fall back to the interpreter
	ExitCodeInvalidation

	// a fault or software interrupt was queued mid-block
	ExitFault

	// the block retired a HLT
	ExitHalt

	// a repeated string instruction yielded mid-run
	ExitSuspend
)

func (e Exit) String() string {
	switch e {
	case ExitFallthrough:
		return "fallthrough"
	case ExitCodeInvalidation:
		return "code invalidation"
	case ExitFault:
		return "fault"
	case ExitHalt:
		return "halt"
	case ExitSuspend:
		return "suspend"
	}
	return "unknown"
}

// Context is the fixed execution context handed to a block artifact on
// every run. It carries the values a native artifact would need for inline
// address computation, plus the commit hook.
type Context struct {
	// physical base of guest RAM in the host mapping
	GuestRAMBase uint64

	// current address-space salt. a block compiled under a different
	// salt refuses to run
	TLBSalt uint64

	// Hook, when non-nil, runs before every instruction of the block.
	// It may clear the commit flag on the state to force rollback of the
	// block's gated side effects
	Hook func(*cpu.State)
}

// artifactFunc is the executable form of a compiled block.
type artifactFunc func(state *cpu.State, bus cpu.Bus, ev *interrupts.Events, jctx *Context) (Exit, error)

// CompiledBlock is one compiled straight-line run with its guard set.
type CompiledBlock struct {
	// code-segment offset of the first instruction
	Entry uint64

	// mode the block was compiled under
	Mode cpu.Mode

	// executed-byte length: only bytes of fully decoded instructions
	Len int

	// the exact (page, version) pairs spanning the encoded bytes
	Guards []decode.Guard

	// address-space salt at compile time
	Salt uint64

	// number of decoded instructions
	Instructions int

	artifact artifactFunc
}

// CompileHandle decodes a block at entry and compiles it into an executable
// artifact. The returned exception is only diagnostic: a failed compile
// means the dispatcher keeps interpreting and the fault, if architectural,
// surfaces on the Tier-0 path.
func CompileHandle(state *cpu.State, bus cpu.Bus, entry uint64, maxInsts int, salt uint64) (*CompiledBlock, *cpu.Exception) {
	dblk, ex := decode.DecodeBlock(bus, state, entry, maxInsts)
	if ex != nil {
		return nil, ex
	}

	blk := &CompiledBlock{
		Entry:        dblk.Start,
		Mode:         state.Mode,
		Len:          dblk.Len,
		Guards:       dblk.Guards,
		Salt:         salt,
		Instructions: len(dblk.Instructions),
	}
	blk.artifact = blk.compile(dblk.Instructions)
	return blk, nil
}

// Run executes the block artifact. The commit flag is armed on entry; a
// hook clearing it makes this execution roll the retirement counter back to
// its value at block entry, without affecting later executions.
func (blk *CompiledBlock) Run(state *cpu.State, bus cpu.Bus, ev *interrupts.Events, jctx *Context) (Exit, error) {
	state.CommitFlag = 1
	tsc := state.TSC
	exit, err := blk.artifact(state, bus, ev, jctx)
	if state.CommitFlag == 0 {
		state.TSC = tsc
	}
	return exit, err
}

// guardsValid reports whether every guarded page still has its snapshot
// version.
func (blk *CompiledBlock) guardsValid(bus cpu.Bus) bool {
	for i := range blk.Guards {
		if bus.PageVersion(blk.Guards[i].Page) != blk.Guards[i].Version {
			return false
		}
	}
	return true
}

// compile lowers the decoded instructions into an artifact closure. The
// artifact executes the pre-decoded run without refetching or re-decoding,
// revalidating the guard set at every instruction boundary so a block that
// overwrites its own bytes never executes stale tail instructions.
func (blk *CompiledBlock) compile(insts []decode.Instruction) artifactFunc {
	return func(state *cpu.State, bus cpu.Bus, ev *interrupts.Events, jctx *Context) (Exit, error) {
		if state.Mode != blk.Mode || jctx.TLBSalt != blk.Salt {
			return ExitCodeInvalidation, nil
		}

		for i := range insts {
			if i > 0 && !blk.guardsValid(bus) {
				// RIP is already on the instruction after the
				// write that tripped the guard
				return ExitCodeInvalidation, nil
			}
			if jctx.Hook != nil {
				jctx.Hook(state)
			}

			exit, err := interp.Exec(state, bus, ev, &insts[i])
			if err != nil {
				return ExitFault, err
			}

			switch exit {
			case interp.ExitFault:
				return ExitFault, nil
			case interp.ExitHalt:
				return ExitHalt, nil
			case interp.ExitSuspend:
				return ExitSuspend, nil
			}
			// ExitRetired and ExitBranch continue; a branch is by
			// construction the final instruction of the run
		}
		return ExitFallthrough, nil
	}
}
