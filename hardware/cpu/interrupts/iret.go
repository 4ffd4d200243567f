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

// IRET returns from the most recently delivered interrupt or exception,
// popping the frame layout recorded at delivery time. IRET with no frame
// outstanding raises #GP(0).
func (ev *Events) IRET(state *cpu.State, bus cpu.Bus) error {
	if len(ev.frames) == 0 {
		return ev.deliverException(state, bus, cpu.GeneralProtection(0), state.RIP)
	}
	fr := ev.frames[len(ev.frames)-1]
	ev.frames = ev.frames[:len(ev.frames)-1]

	switch fr.kind {
	case frameReal16:
		return iretReal(state, bus)
	case frameProtected32:
		return iretProtected(state, bus, fr.stackSwitched)
	}
	return ev.iretLong(state, bus, fr.stackSwitched)
}

func iretReal(state *cpu.State, bus cpu.Bus) error {
	ip, err := pop16(state, bus)
	if err != nil {
		return err
	}
	cs, err := pop16(state, bus)
	if err != nil {
		return err
	}
	flags, err := pop16(state, bus)
	if err != nil {
		return err
	}

	state.LoadSelector(cpu.CS, cs)
	state.SetIP(uint64(ip))
	state.RFlags = (state.RFlags &^ 0xffff) | uint64(flags) | cpu.RFlagsReserved1
	return nil
}

func iretProtected(state *cpu.State, bus cpu.Bus, stackSwitched bool) error {
	newEIP, err := pop32(state, bus)
	if err != nil {
		return err
	}
	newCS, err := pop32(state, bus)
	if err != nil {
		return err
	}
	newEFlags, err := pop32(state, bus)
	if err != nil {
		return err
	}

	popStack := stackSwitched || uint8(newCS&0b11) > state.CPL()
	var newESP, newSS uint32
	if popStack {
		newESP, err = pop32(state, bus)
		if err != nil {
			return err
		}
		newSS, err = pop32(state, bus)
		if err != nil {
			return err
		}
	}

	state.Seg[cpu.CS].Selector = uint16(newCS)
	state.SetIP(uint64(newEIP))
	state.RFlags = (state.RFlags &^ 0xffff_ffff) | uint64(newEFlags) | cpu.RFlagsReserved1

	if popStack {
		state.Write32(cpu.RSP, newESP)
		state.Seg[cpu.SS].Selector = uint16(newSS)
	}
	return nil
}

func (ev *Events) iretLong(state *cpu.State, bus cpu.Bus, stackSwitched bool) error {
	newRIP, err := pop64(state, bus)
	if err != nil {
		return err
	}
	newCS, err := pop64(state, bus)
	if err != nil {
		return err
	}
	newRFlags, err := pop64(state, bus)
	if err != nil {
		return err
	}

	// a non-canonical return RIP faults with #GP(0)
	if !isCanonical(newRIP) {
		return ev.deliverException(state, bus, cpu.GeneralProtection(0), state.RIP)
	}

	popStack := stackSwitched || uint8(newCS&0b11) > state.CPL()
	var newRSP, newSS uint64
	if popStack {
		newRSP, err = pop64(state, bus)
		if err != nil {
			return err
		}
		newSS, err = pop64(state, bus)
		if err != nil {
			return err
		}
	}

	state.Seg[cpu.CS].Selector = uint16(newCS)
	state.SetIP(newRIP)
	state.RFlags = newRFlags | cpu.RFlagsReserved1

	if popStack {
		state.Write64(cpu.RSP, newRSP)
		state.Seg[cpu.SS].Selector = uint16(newSS)
	}
	return nil
}

// the pop helpers read through the bus at the stack pointer's mode width. a
// faulting pop during IRET is unrecoverable.

func pop16(state *cpu.State, bus cpu.Bus) (uint16, error) {
	sp := state.Read16(cpu.RSP)
	val, ex := bus.Read16(stackBase(state) + uint64(sp))
	if ex != nil {
		return 0, curated.Errorf(TripleFault)
	}
	state.Write16(cpu.RSP, sp+2)
	return val, nil
}

func pop32(state *cpu.State, bus cpu.Bus) (uint32, error) {
	esp := state.Read32(cpu.RSP)
	val, ex := bus.Read32(stackBase(state) + uint64(esp))
	if ex != nil {
		return 0, curated.Errorf(TripleFault)
	}
	state.Write32(cpu.RSP, esp+4)
	return val, nil
}

func pop64(state *cpu.State, bus cpu.Bus) (uint64, error) {
	rsp := state.Read64(cpu.RSP)
	val, ex := bus.Read64(stackBase(state) + rsp)
	if ex != nil {
		return 0, curated.Errorf(TripleFault)
	}
	state.Write64(cpu.RSP, rsp+8)
	return val, nil
}
