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

package interrupts

import (
	"github.com/gophervisor/gophervisor/curated"
	"github.com/gophervisor/gophervisor/hardware/cpu"
)

// DeliverPending delivers the queued fault or software interrupt, if any.
// A nil return with nothing queued is not an error.
func (ev *Events) DeliverPending(state *cpu.State, bus cpu.Bus) error {
	if ev.pending == nil {
		return nil
	}
	e := ev.pending
	ev.pending = nil
	bus.Sync(state)
	return ev.deliverEvent(state, bus, e)
}

// DeliverExternal attempts to deliver the next queued external interrupt.
// Delivery is skipped, without error, if a fault or software interrupt is
// pending, if RFLAGS.IF is clear, or if the interrupt shadow is active.
//
// A maskable interrupt wakes the core from HLT when it is actually
// delivered.
func (ev *Events) DeliverExternal(state *cpu.State, bus cpu.Bus) error {
	bus.Sync(state)

	// exceptions, traps and INT n take priority
	if ev.pending != nil {
		return nil
	}

	if !state.GetFlag(cpu.FlagIF) || ev.inhibit > 0 {
		return nil
	}

	if len(ev.external) == 0 {
		return nil
	}
	vector := ev.external[0]
	ev.external = ev.external[1:]

	state.Halted = false

	return ev.deliverEvent(state, bus, &event{
		kind:     eventInterrupt,
		vector:   vector,
		savedRIP: state.RIP,
		source:   SourceExternal,
	})
}

// PollAndDeliver polls the interrupt controller, queues any vector it
// offers, and attempts external delivery.
func (ev *Events) PollAndDeliver(state *cpu.State, bus cpu.Bus, ctrl Controller) error {
	if vector, ok := ctrl.PollInterrupt(); ok {
		ev.InjectExternal(vector)
	}
	return ev.DeliverExternal(state, bus)
}

func (ev *Events) deliverEvent(state *cpu.State, bus cpu.Bus, e *event) error {
	switch e.kind {
	case eventFault:
		return ev.deliverException(state, bus, e.ex, e.savedRIP)
	}
	return ev.deliverVector(state, bus, e.vector, e.savedRIP, nil, true, e.source)
}

// deliverException handles double-fault escalation before handing the
// vector to deliverVector. A fault raised while a double fault is being
// delivered abandons the machine.
func (ev *Events) deliverException(state *cpu.State, bus cpu.Bus, ex *cpu.Exception, savedRIP uint64) error {
	if n := len(ev.delivering); n > 0 {
		first := ev.delivering[n-1]
		if first == cpu.VecDoubleFault {
			return curated.Errorf(TripleFault)
		}
		if ex.Vector != cpu.VecDoubleFault && shouldDoubleFault(first, ex.Vector) {
			return ev.deliverException(state, bus, cpu.DoubleFault(), savedRIP)
		}
	}

	ev.delivering = append(ev.delivering, ex.Vector)
	defer func() {
		ev.delivering = ev.delivering[:len(ev.delivering)-1]
	}()

	var code *uint32
	if ex.Vector.PushesErrorCode() {
		c := ex.ErrorCode
		code = &c
	}

	return ev.deliverVector(state, bus, uint8(ex.Vector), savedRIP, code, false, SourceExternal)
}

func (ev *Events) deliverVector(state *cpu.State, bus cpu.Bus, vector uint8,
	savedRIP uint64, errCode *uint32, isInterrupt bool, source Source) error {

	switch state.Mode {
	case cpu.ModeReal:
		return ev.deliverRealMode(state, bus, vector, savedRIP)
	case cpu.ModeProtected:
		return ev.deliverProtectedMode(state, bus, vector, savedRIP, errCode, isInterrupt, source)
	}
	return ev.deliverLongMode(state, bus, vector, savedRIP, errCode, isInterrupt, source)
}

// real-mode delivery reads CS:IP from the IVT and pushes a 16-bit
// FLAGS/CS/IP frame. a failed IVT read is reported as #GP(0).
func (ev *Events) deliverRealMode(state *cpu.State, bus cpu.Bus, vector uint8, savedRIP uint64) error {
	ivt := uint64(vector) * 4

	offset, ex := bus.Read16(ivt)
	if ex != nil {
		return ev.deliverException(state, bus, cpu.GeneralProtection(0), savedRIP)
	}
	segment, ex := bus.Read16(ivt + 2)
	if ex != nil {
		return ev.deliverException(state, bus, cpu.GeneralProtection(0), savedRIP)
	}

	// push FLAGS, CS, IP in that order
	if err := ev.push16(state, bus, uint16(state.RFlags), savedRIP); err != nil {
		return err
	}
	if err := ev.push16(state, bus, state.Seg[cpu.CS].Selector, savedRIP); err != nil {
		return err
	}
	if err := ev.push16(state, bus, uint16(savedRIP), savedRIP); err != nil {
		return err
	}

	// real-mode INT clears IF and TF
	state.RFlags = (state.RFlags &^ (cpu.FlagIF | cpu.FlagTF)) | cpu.RFlagsReserved1

	state.LoadSelector(cpu.CS, segment)
	state.SetIP(uint64(offset))

	ev.frames = append(ev.frames, frame{kind: frameReal16})
	return nil
}

func (ev *Events) deliverProtectedMode(state *cpu.State, bus cpu.Bus, vector uint8,
	savedRIP uint64, errCode *uint32, isInterrupt bool, source Source) error {

	var gate idtGate32
	var ok bool
	supervisorAccess(state, bus, func() {
		gate, ok = readIDTGate32(state, bus, vector)
	})
	if !ok {
		return ev.deliverException(state, bus, cpu.GeneralProtection(0), savedRIP)
	}
	if !gate.present {
		return ev.deliverException(state, bus, cpu.SegmentNotPresent(0), savedRIP)
	}

	// hardware task switching is not modelled
	if gate.gateType == gateTask {
		return ev.deliverException(state, bus, cpu.GeneralProtection(0), savedRIP)
	}

	if isInterrupt && source == SourceSoftware && state.CPL() > gate.dpl {
		return ev.deliverException(state, bus, cpu.GeneralProtection(0), savedRIP)
	}

	currentCPL := state.CPL()
	newCPL := uint8(gate.selector & 0b11)
	oldCS := state.Seg[cpu.CS].Selector
	oldSS := state.Seg[cpu.SS].Selector
	oldESP := state.Read32(cpu.RSP)
	stackSwitched := false

	if newCPL < currentCPL {
		var newSS uint16
		var newESP uint32
		supervisorAccess(state, bus, func() {
			newSS, newESP, ok = tss32StackForCPL(state, bus, newCPL)
		})
		if !ok {
			return ev.deliverException(state, bus, cpu.InvalidTSS(0), savedRIP)
		}

		// hardware forces SS.RPL == CPL for the new stack segment
		state.Seg[cpu.SS].Selector = (newSS &^ 0b11) | uint16(newCPL)
		state.Write32(cpu.RSP, newESP)
		stackSwitched = true

		// switch to the handler's privilege level before touching the
		// new stack so paging permission checks observe the new CPL
		state.Seg[cpu.CS].Selector = gate.selector
		bus.Sync(state)

		if err := ev.push32(state, bus, uint32(oldSS), savedRIP); err != nil {
			return err
		}
		if err := ev.push32(state, bus, oldESP, savedRIP); err != nil {
			return err
		}
	}

	// return frame: EFLAGS, CS, EIP, then the error code if there is one
	if err := ev.push32(state, bus, uint32(state.RFlags), savedRIP); err != nil {
		return err
	}
	if err := ev.push32(state, bus, uint32(oldCS), savedRIP); err != nil {
		return err
	}
	if err := ev.push32(state, bus, uint32(savedRIP), savedRIP); err != nil {
		return err
	}
	if errCode != nil {
		if err := ev.push32(state, bus, *errCode, savedRIP); err != nil {
			return err
		}
	}

	// interrupt gates clear IF, trap gates keep it. TF is always cleared
	// on entry
	if gate.gateType == gateInterrupt {
		state.RFlags &^= cpu.FlagIF
	}
	state.RFlags = (state.RFlags &^ cpu.FlagTF) | cpu.RFlagsReserved1

	state.Seg[cpu.CS].Selector = gate.selector
	state.SetIP(uint64(gate.offset))

	ev.frames = append(ev.frames, frame{kind: frameProtected32, stackSwitched: stackSwitched})
	return nil
}

func (ev *Events) deliverLongMode(state *cpu.State, bus cpu.Bus, vector uint8,
	savedRIP uint64, errCode *uint32, isInterrupt bool, source Source) error {

	var gate idtGate64
	var ok bool
	supervisorAccess(state, bus, func() {
		gate, ok = readIDTGate64(state, bus, vector)
	})
	if !ok {
		return ev.deliverException(state, bus, cpu.GeneralProtection(0), savedRIP)
	}
	if !gate.present {
		return ev.deliverException(state, bus, cpu.SegmentNotPresent(0), savedRIP)
	}
	if gate.gateType == gateTask {
		return ev.deliverException(state, bus, cpu.GeneralProtection(0), savedRIP)
	}

	if isInterrupt && source == SourceSoftware && state.CPL() > gate.dpl {
		return ev.deliverException(state, bus, cpu.GeneralProtection(0), savedRIP)
	}

	if !isCanonical(gate.offset) {
		return ev.deliverException(state, bus, cpu.GeneralProtection(0), savedRIP)
	}

	currentCPL := state.CPL()
	newCPL := uint8(gate.selector & 0b11)
	oldCS := state.Seg[cpu.CS].Selector
	oldSS := state.Seg[cpu.SS].Selector
	oldRSP := state.Read64(cpu.RSP)

	usedIST := false
	if gate.ist != 0 {
		usedIST = true
		var rsp uint64
		supervisorAccess(state, bus, func() {
			rsp, ok = tss64ISTStack(state, bus, gate.ist)
		})
		if !ok || rsp == 0 || !isCanonical(rsp) {
			return ev.deliverException(state, bus, cpu.InvalidTSS(0), savedRIP)
		}
		state.Write64(cpu.RSP, rsp)
	} else if newCPL < currentCPL {
		var rsp uint64
		supervisorAccess(state, bus, func() {
			rsp, ok = tss64RSPForCPL(state, bus, newCPL)
		})
		if !ok || rsp == 0 || !isCanonical(rsp) {
			return ev.deliverException(state, bus, cpu.InvalidTSS(0), savedRIP)
		}
		state.Write64(cpu.RSP, rsp)
	}

	stackSwitched := usedIST || newCPL < currentCPL
	if stackSwitched {
		if newCPL < currentCPL {
			// switch to the handler's privilege level before
			// touching the new stack so paging permission checks
			// observe the new CPL
			state.Seg[cpu.CS].Selector = gate.selector
			bus.Sync(state)
		}

		if err := ev.push64(state, bus, uint64(oldSS), savedRIP); err != nil {
			return err
		}
		if err := ev.push64(state, bus, oldRSP, savedRIP); err != nil {
			return err
		}
		if newCPL < currentCPL {
			// in IA-32e mode the CPU loads a NULL selector into SS
			// on privilege transition
			state.Seg[cpu.SS] = cpu.Segment{Limit: 0xffff_ffff}
		}
	}

	// return frame: RFLAGS, CS, RIP, then the error code if there is one
	if err := ev.push64(state, bus, state.RFlags, savedRIP); err != nil {
		return err
	}
	if err := ev.push64(state, bus, uint64(oldCS), savedRIP); err != nil {
		return err
	}
	if err := ev.push64(state, bus, savedRIP, savedRIP); err != nil {
		return err
	}
	if errCode != nil {
		if err := ev.push64(state, bus, uint64(*errCode), savedRIP); err != nil {
			return err
		}
	}

	if gate.gateType == gateInterrupt {
		state.RFlags &^= cpu.FlagIF
	}
	state.RFlags = (state.RFlags &^ cpu.FlagTF) | cpu.RFlagsReserved1

	state.Seg[cpu.CS].Selector = gate.selector
	state.SetIP(gate.offset)

	ev.frames = append(ev.frames, frame{kind: frameLong64, stackSwitched: stackSwitched})
	return nil
}

// supervisorAccess runs f with CS.RPL forced to 0. Reads of system
// structures like the IDT and TSS are not subject to user/supervisor page
// restrictions even when the interrupted code was running at CPL3, and the
// paging bus caches the CPL.
func supervisorAccess(state *cpu.State, bus cpu.Bus, f func()) {
	if state.CPL() != 3 {
		f()
		return
	}

	oldCS := state.Seg[cpu.CS].Selector
	state.Seg[cpu.CS].Selector &^= 0b11
	bus.Sync(state)
	f()
	state.Seg[cpu.CS].Selector = oldCS
	bus.Sync(state)
}

type gateType int

const (
	gateInterrupt gateType = iota
	gateTrap
	gateTask
)

type idtGate32 struct {
	offset   uint32
	selector uint16
	gateType gateType
	dpl      uint8
	present  bool
}

type idtGate64 struct {
	offset   uint64
	selector uint16
	gateType gateType
	dpl      uint8
	present  bool
	ist      uint8
}

func readIDTGate32(state *cpu.State, bus cpu.Bus, vector uint8) (idtGate32, bool) {
	const entrySize = 8
	offset := uint64(vector) * entrySize
	if offset+entrySize-1 > uint64(state.IDTR.Limit) {
		return idtGate32{}, false
	}

	addr := state.IDTR.Base + offset
	offsetLow, ex := bus.Read16(addr)
	if ex != nil {
		return idtGate32{}, false
	}
	selector, ex := bus.Read16(addr + 2)
	if ex != nil {
		return idtGate32{}, false
	}
	typeAttr, ex := bus.Read8(addr + 5)
	if ex != nil {
		return idtGate32{}, false
	}
	offsetHigh, ex := bus.Read16(addr + 6)
	if ex != nil {
		return idtGate32{}, false
	}

	typ, ok := decodeGateType(typeAttr)
	if !ok {
		return idtGate32{}, false
	}

	return idtGate32{
		offset:   uint32(offsetLow) | uint32(offsetHigh)<<16,
		selector: selector,
		gateType: typ,
		dpl:      (typeAttr >> 5) & 0b11,
		present:  typeAttr&0x80 != 0,
	}, true
}

func readIDTGate64(state *cpu.State, bus cpu.Bus, vector uint8) (idtGate64, bool) {
	const entrySize = 16
	offset := uint64(vector) * entrySize
	if offset+entrySize-1 > uint64(state.IDTR.Limit) {
		return idtGate64{}, false
	}

	addr := state.IDTR.Base + offset
	offsetLow, ex := bus.Read16(addr)
	if ex != nil {
		return idtGate64{}, false
	}
	selector, ex := bus.Read16(addr + 2)
	if ex != nil {
		return idtGate64{}, false
	}
	ist, ex := bus.Read8(addr + 4)
	if ex != nil {
		return idtGate64{}, false
	}
	typeAttr, ex := bus.Read8(addr + 5)
	if ex != nil {
		return idtGate64{}, false
	}
	offsetMid, ex := bus.Read16(addr + 6)
	if ex != nil {
		return idtGate64{}, false
	}
	offsetHigh, ex := bus.Read32(addr + 8)
	if ex != nil {
		return idtGate64{}, false
	}

	typ, ok := decodeGateType(typeAttr)
	if !ok {
		return idtGate64{}, false
	}

	return idtGate64{
		offset:   uint64(offsetLow) | uint64(offsetMid)<<16 | uint64(offsetHigh)<<32,
		selector: selector,
		gateType: typ,
		dpl:      (typeAttr >> 5) & 0b11,
		present:  typeAttr&0x80 != 0,
		ist:      ist & 0b111,
	}, true
}

func decodeGateType(typeAttr uint8) (gateType, bool) {
	switch typeAttr & 0x0f {
	case 0xe:
		return gateInterrupt, true
	case 0xf:
		return gateTrap, true
	case 0x5:
		return gateTask, true
	}
	return 0, false
}

// validTSS checks the cached task register before any TSS field is read.
func validTSS(state *cpu.State) bool {
	tr := state.TR
	if !tr.Present() || tr.Selector>>3 == 0 || !tr.IsSystem() {
		return false
	}
	switch tr.DescType() {
	case 0x9, 0xb:
		return true
	}
	return false
}

// tss32StackForCPL reads the ring stack pointer pair from the current
// 32-bit TSS.
func tss32StackForCPL(state *cpu.State, bus cpu.Bus, cpl uint8) (uint16, uint32, bool) {
	if !validTSS(state) || cpl > 2 {
		return 0, 0, false
	}

	espOff := 4 + uint64(cpl)*8
	ssOff := 8 + uint64(cpl)*8
	limit := uint64(state.TR.Limit)
	if espOff+3 > limit || ssOff+1 > limit {
		return 0, 0, false
	}

	esp, ex := bus.Read32(state.TR.Base + espOff)
	if ex != nil {
		return 0, 0, false
	}
	ss, ex := bus.Read16(state.TR.Base + ssOff)
	if ex != nil {
		return 0, 0, false
	}
	if ss == 0 {
		return 0, 0, false
	}
	return ss, esp, true
}

// tss64RSPForCPL reads the ring stack pointer from the current 64-bit TSS.
func tss64RSPForCPL(state *cpu.State, bus cpu.Bus, cpl uint8) (uint64, bool) {
	if !validTSS(state) || cpl > 2 {
		return 0, false
	}

	off := 4 + uint64(cpl)*8
	if off+7 > uint64(state.TR.Limit) {
		return 0, false
	}

	rsp, ex := bus.Read64(state.TR.Base + off)
	if ex != nil {
		return 0, false
	}
	return rsp, true
}

// tss64ISTStack reads an interrupt stack table slot from the current 64-bit
// TSS.
func tss64ISTStack(state *cpu.State, bus cpu.Bus, ist uint8) (uint64, bool) {
	if !validTSS(state) || ist < 1 || ist > 7 {
		return 0, false
	}

	off := 0x24 + uint64(ist-1)*8
	if off+7 > uint64(state.TR.Limit) {
		return 0, false
	}

	rsp, ex := bus.Read64(state.TR.Base + off)
	if ex != nil {
		return 0, false
	}
	return rsp, true
}

// the push helpers decrement the stack pointer at its mode width and write
// through the bus. a faulting push during delivery raises #SS(0), which
// re-enters deliverException and may escalate.

func (ev *Events) push16(state *cpu.State, bus cpu.Bus, val uint16, savedRIP uint64) error {
	sp := state.Read16(cpu.RSP) - 2
	state.Write16(cpu.RSP, sp)
	if ex := bus.Write16(stackBase(state)+uint64(sp), val); ex != nil {
		return ev.deliverException(state, bus, cpu.StackFault(0), savedRIP)
	}
	return nil
}

func (ev *Events) push32(state *cpu.State, bus cpu.Bus, val uint32, savedRIP uint64) error {
	esp := state.Read32(cpu.RSP) - 4
	state.Write32(cpu.RSP, esp)
	if ex := bus.Write32(stackBase(state)+uint64(esp), val); ex != nil {
		return ev.deliverException(state, bus, cpu.StackFault(0), savedRIP)
	}
	return nil
}

func (ev *Events) push64(state *cpu.State, bus cpu.Bus, val uint64, savedRIP uint64) error {
	rsp := state.Read64(cpu.RSP) - 8
	state.Write64(cpu.RSP, rsp)
	if ex := bus.Write64(stackBase(state)+rsp, val); ex != nil {
		return ev.deliverException(state, bus, cpu.StackFault(0), savedRIP)
	}
	return nil
}

func stackBase(state *cpu.State) uint64 {
	return state.Seg[cpu.SS].Base
}

// isCanonical reports whether bits 63:48 are the sign extension of bit 47.
func isCanonical(addr uint64) bool {
	upper := addr >> 48
	if addr>>47&1 == 0 {
		return upper == 0
	}
	return upper == 0xffff
}
