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

// iteration budget of a repeated string instruction. when the budget runs
// out with the count register still non-zero the step suspends, leaving RIP
// on the instruction so the next step resumes it. this bounds the latency
// of interrupt delivery during long REP runs
const repBudget = 8192

// byte budget of the bulk fast path before it suspends for the same reason
const repBulkBudget = 1 << 20

// bulk transfers are preflighted and copied one page at a time
const repBulkChunk = 4096

// stringRun carries the mutable cursor state of one string instruction.
// values are committed back to the registers after every completed element,
// so a fault or a suspension always resumes correctly.
type stringRun struct {
	ctx   *stepCtx
	width uint64

	// signed element stride, negative when DF is set
	delta uint64

	addrMask uint64
	srcBase  uint64
	dstBase  uint64
}

func (ctx *stepCtx) execString() *cpu.Exception {
	inst := ctx.inst
	state := ctx.state

	run := &stringRun{
		ctx:      ctx,
		width:    uint64(inst.OperandSize),
		addrMask: cpu.SizeMask(inst.AddrSize),
		srcBase:  state.Seg[inst.Sys].Base,
		dstBase:  state.Seg[cpu.ES].Base,
	}
	run.delta = run.width
	if state.GetFlag(cpu.FlagDF) {
		run.delta = -run.width
	}

	if inst.Rep == decode.RepNone {
		return run.element()
	}
	if run.count() == 0 {
		return nil
	}

	if (inst.Op == decode.OpMovs || inst.Op == decode.OpStos) &&
		!state.GetFlag(cpu.FlagDF) {
		done, ex := run.bulk()
		if done || ex != nil {
			return ex
		}
		// partial progress is already committed, the element loop
		// finishes the job
	}

	compare := inst.Op == decode.OpCmps || inst.Op == decode.OpScas
	for i := 0; i < repBudget; i++ {
		if ex := run.element(); ex != nil {
			return ex
		}
		cx := run.count() - 1
		run.setCount(cx)
		if cx == 0 {
			return nil
		}
		if compare {
			zf := state.GetFlag(cpu.FlagZF)
			if inst.Rep == decode.RepE && !zf {
				return nil
			}
			if inst.Rep == decode.RepNE && zf {
				return nil
			}
		}
	}

	ctx.exit = ExitSuspend
	return nil
}

func (r *stringRun) count() uint64 {
	return r.ctx.state.Gpr[cpu.RCX] & r.addrMask
}

func (r *stringRun) setCount(v uint64) {
	r.setIdx(cpu.RCX, v)
}

func (r *stringRun) idx(reg int) uint64 {
	return r.ctx.state.Gpr[reg] & r.addrMask
}

// setIdx writes an index register at the address width: 16-bit writes merge,
// wider writes zero-extend.
func (r *stringRun) setIdx(reg int, v uint64) {
	state := r.ctx.state
	if r.addrMask == 0xffff {
		state.Gpr[reg] = state.Gpr[reg]&^uint64(0xffff) | v&0xffff
		return
	}
	state.Gpr[reg] = v & r.addrMask
}

// element performs one iteration of the instruction and commits the index
// registers.
func (r *stringRun) element() *cpu.Exception {
	ctx := r.ctx
	state := ctx.state
	size := int(r.width)
	mask := cpu.SizeMask(size)

	si := r.idx(cpu.RSI)
	di := r.idx(cpu.RDI)

	switch ctx.inst.Op {
	case decode.OpMovs:
		val, ex := readMem(ctx.bus, r.srcBase+si, size)
		if ex != nil {
			return ex
		}
		if ex := writeMem(ctx.bus, r.dstBase+di, size, val); ex != nil {
			return ex
		}
		r.setIdx(cpu.RSI, si+r.delta)
		r.setIdx(cpu.RDI, di+r.delta)

	case decode.OpStos:
		val := state.ReadSized(cpu.RAX, size)
		if ex := writeMem(ctx.bus, r.dstBase+di, size, val); ex != nil {
			return ex
		}
		r.setIdx(cpu.RDI, di+r.delta)

	case decode.OpLods:
		val, ex := readMem(ctx.bus, r.srcBase+si, size)
		if ex != nil {
			return ex
		}
		state.WriteSized(cpu.RAX, size, val)
		r.setIdx(cpu.RSI, si+r.delta)

	case decode.OpCmps:
		a, ex := readMem(ctx.bus, r.srcBase+si, size)
		if ex != nil {
			return ex
		}
		b, ex := readMem(ctx.bus, r.dstBase+di, size)
		if ex != nil {
			return ex
		}
		state.SetFlagsSub(a, b, (a-b)&mask, size)
		r.setIdx(cpu.RSI, si+r.delta)
		r.setIdx(cpu.RDI, di+r.delta)

	case decode.OpScas:
		a := state.ReadSized(cpu.RAX, size)
		b, ex := readMem(ctx.bus, r.dstBase+di, size)
		if ex != nil {
			return ex
		}
		state.SetFlagsSub(a, b, (a-b)&mask, size)
		r.setIdx(cpu.RDI, di+r.delta)
	}
	return nil
}

// bulk runs REP MOVS/STOS as page-sized block transfers when the whole
// chunk preflights cleanly. It reports done=true when the count reached
// zero or the byte budget forced a suspension. A false return with a nil
// exception means the caller should finish with the element loop: either a
// chunk failed preflight, a cursor is about to wrap its address width, or
// the source and destination overlap.
func (r *stringRun) bulk() (bool, *cpu.Exception) {
	ctx := r.ctx
	moving := ctx.inst.Op == decode.OpMovs

	var buf [repBulkChunk]byte
	budget := repBulkBudget

	for {
		cx := r.count()
		if cx == 0 {
			return true, nil
		}
		if budget <= 0 {
			ctx.exit = ExitSuspend
			return true, nil
		}

		n := int(r.width) * int(min64(cx, repBulkChunk/r.width))

		si := r.idx(cpu.RSI)
		di := r.idx(cpu.RDI)

		// stay below the address-width wrap point
		if r.wouldWrap(di, n) {
			return false, nil
		}
		dst := r.dstBase + di

		var src uint64
		if moving {
			if r.wouldWrap(si, n) {
				return false, nil
			}
			src = r.srcBase + si
			if src < dst+uint64(n) && dst < src+uint64(n) {
				// overlapping copy keeps element semantics
				return false, nil
			}
			if ok, _ := ctx.bus.BulkPreflight(src, n, false); !ok {
				return false, nil
			}
		}
		if ok, _ := ctx.bus.BulkPreflight(dst, n, true); !ok {
			return false, nil
		}

		if moving {
			if ex := ctx.bus.ReadBytes(src, buf[:n]); ex != nil {
				return false, ex
			}
		} else {
			fillPattern(buf[:n], ctx.state.ReadSized(cpu.RAX, int(r.width)), int(r.width))
		}
		if ex := ctx.bus.WriteBytes(dst, buf[:n]); ex != nil {
			return false, ex
		}

		elems := uint64(n) / r.width
		if moving {
			r.setIdx(cpu.RSI, si+uint64(n))
		}
		r.setIdx(cpu.RDI, di+uint64(n))
		r.setCount(cx - elems)
		budget -= n
	}
}

// fillPattern tiles the accumulator value across a STOS transfer buffer.
func fillPattern(buf []byte, val uint64, width int) {
	for i := 0; i < width; i++ {
		buf[i] = byte(val >> (8 * i))
	}
	for i := width; i < len(buf); i *= 2 {
		copy(buf[i:], buf[:i])
	}
}

// wouldWrap reports whether advancing a cursor by n bytes crosses the
// address-width wrap point. A 64-bit cursor is taken as never wrapping.
func (r *stringRun) wouldWrap(cursor uint64, n int) bool {
	if r.addrMask == ^uint64(0) {
		return false
	}
	return cursor+uint64(n) > r.addrMask+1
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
