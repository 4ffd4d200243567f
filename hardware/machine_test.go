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

package hardware_test

import (
	"testing"

	"github.com/gophervisor/gophervisor/hardware"
	"github.com/gophervisor/gophervisor/hardware/cpu"
	"github.com/gophervisor/gophervisor/preferences"
	"github.com/gophervisor/gophervisor/test"
)

func newMachine(t *testing.T, mode cpu.Mode, code []byte, adjust func(*preferences.Preferences)) *hardware.Machine {
	t.Helper()

	prefs := preferences.NewPreferences()
	if adjust != nil {
		adjust(prefs)
	}

	mac := hardware.NewMachine(prefs, 0x10000, mode)
	mac.RAM.WriteBytes(0x100, code)
	mac.State.SetIP(0x100)
	mac.State.Write32(cpu.RSP, 0x8000)
	return mac
}

func stepMachine(t *testing.T, mac *hardware.Machine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		test.ExpectedSuccess(t, mac.Step())
	}
}

// a hot loop entry is promoted to a compiled block and subsequent
// dispatches of the entry run the block rather than the interpreter.
func TestHotPromotion(t *testing.T) {
	code := []byte{
		0x83, 0xc0, 0x01, // add eax, 1
		0xe9, 0xf8, 0xff, 0xff, 0xff, // jmp 0x100
	}
	mac := newMachine(t, cpu.ModeProtected, code, func(p *preferences.Preferences) {
		p.HotThreshold = 2
	})

	// six interpreted dispatches: three visits each of the add and the jmp,
	// so both entries cross the threshold
	stepMachine(t, mac, 6)
	test.Equate(t, mac.State.Read32(cpu.RAX), 3)
	test.Equate(t, mac.State.TSC, 6)
	test.ExpectedSuccess(t, mac.Compiler.Pending() > 0)

	installed := mac.Compiler.Service(mac.State, mac.Bus,
		mac.Bus.MMU().AddressSpaceSalt(), 8)
	test.Equate(t, installed, 2)
	test.Equate(t, mac.Cache.Len(), 2)

	// the next dispatch uses the block at 0x100, retiring the add and the
	// jmp in one unit. the commit hook sees each instruction
	hooked := 0
	mac.SetCommitHook(func(*cpu.State) { hooked++ })

	stepMachine(t, mac, 1)
	test.Equate(t, mac.State.Read32(cpu.RAX), 4)
	test.Equate(t, mac.State.TSC, 8)
	test.Equate(t, mac.State.RIP, 0x100)
	test.Equate(t, hooked, 2)
	test.Equate(t, mac.Cache.Stats().Hits, 1)
}

// a write into a compiled block's guarded page drops the block on the next
// dispatch and queues exactly one recompile request without the entry having
// to cross the hot threshold again.
func TestStaleBlockRequeuesCompile(t *testing.T) {
	code := []byte{
		0x83, 0xc0, 0x01, // add eax, 1
		0xe9, 0xf8, 0xff, 0xff, 0xff, // jmp 0x100
	}
	mac := newMachine(t, cpu.ModeProtected, code, func(p *preferences.Preferences) {
		p.HotThreshold = 2
	})

	stepMachine(t, mac, 6)
	mac.Compiler.Service(mac.State, mac.Bus, mac.Bus.MMU().AddressSpaceSalt(), 8)
	test.Equate(t, mac.Cache.Len(), 2)
	test.Equate(t, mac.Compiler.Pending(), 0)

	// any write in the code page invalidates, executed bytes or not
	mac.RAM.Write8(0x1f0, 0x00)

	// the next dispatch falls back to the interpreter and requeues
	stepMachine(t, mac, 1)
	test.Equate(t, mac.State.TSC, 7)
	test.Equate(t, mac.Compiler.Pending(), 1)
	test.Equate(t, mac.Cache.Stats().StaleDrops, 1)

	// servicing restores the compiled path
	mac.Compiler.Service(mac.State, mac.Bus, mac.Bus.MMU().AddressSpaceSalt(), 8)
	stepMachine(t, mac, 1) // interpret the jmp at 0x103 (its block was dropped too)
	stepMachine(t, mac, 1) // compiled block at 0x100 again
	test.Equate(t, mac.State.TSC, 10)
}

func TestRunSlices(t *testing.T) {
	code := []byte{
		0x83, 0xc0, 0x01, // add eax, 1
		0xe9, 0xf8, 0xff, 0xff, 0xff, // jmp 0x100
	}
	mac := newMachine(t, cpu.ModeProtected, code, func(p *preferences.Preferences) {
		p.HotThreshold = 0
		p.SliceBlocks = 8
	})

	// continueCheck runs at slice boundaries. allowing one boundary to pass
	// runs exactly two slices
	calls := 0
	err := mac.Run(func() (bool, error) {
		calls++
		return calls < 2, nil
	})
	test.ExpectedSuccess(t, err)
	test.Equate(t, calls, 2)
	test.Equate(t, mac.State.TSC, 16)
}

func TestRunStopsOnPermanentIdle(t *testing.T) {
	mac := newMachine(t, cpu.ModeProtected, []byte{0xf4}, nil)

	// HLT with no interrupt source can never resume
	test.ExpectedSuccess(t, mac.Run(nil))
	test.Equate(t, mac.State.Halted, true)
	test.Equate(t, mac.State.TSC, 1)
}

// pulse is a one-shot interrupt controller.
type pulse struct {
	vectors []uint8
}

func (p *pulse) PollInterrupt() (uint8, bool) {
	if len(p.vectors) == 0 {
		return 0, false
	}
	v := p.vectors[0]
	p.vectors = p.vectors[1:]
	return v, true
}

// an external interrupt offered during the STI shadow is held until the
// following instruction has retired, wakes the halted core, and vectors
// through the real-mode IVT.
func TestControllerWakesHalt(t *testing.T) {
	code := []byte{
		0xfb, // sti
		0xf4, // hlt
	}
	mac := newMachine(t, cpu.ModeReal, code, nil)
	mac.Controller = &pulse{vectors: []uint8{0x20}}

	// IVT entry for vector 0x20 and a handler that loads a marker
	mac.RAM.Write16(0x20*4, 0x2000)
	mac.RAM.Write16(0x20*4+2, 0x0000)
	mac.RAM.WriteBytes(0x2000, []byte{
		0xb8, 0x2a, 0x00, // mov ax, 42
		0xcf, // iret
	})

	// sti: the controller's vector is queued but the shadow holds it
	stepMachine(t, mac, 1)
	test.Equate(t, mac.Events.HasPending(), true)
	test.Equate(t, mac.State.Halted, false)

	// hlt retires first, then delivery wakes the core
	stepMachine(t, mac, 1)
	test.Equate(t, mac.State.Halted, false)
	test.Equate(t, mac.State.RIP, 0x2000)

	// the pushed return IP is the instruction after the hlt, proving the
	// shadow covered exactly one instruction
	test.Equate(t, mac.RAM.Read16(0x7ffa), 0x102)

	// handler body and iret
	stepMachine(t, mac, 2)
	test.Equate(t, mac.State.Read16(cpu.RAX), 42)
	test.Equate(t, mac.State.RIP, 0x102)
	test.Equate(t, mac.State.Read16(cpu.RSP), 0x8000)
}

func TestSnapshotPlumb(t *testing.T) {
	code := []byte{
		0xb8, 0x07, 0x00, 0x00, 0x00, // mov eax, 7
		0xf4, // hlt
	}
	mac := newMachine(t, cpu.ModeProtected, code, nil)

	snap := mac.Snapshot()

	stepMachine(t, mac, 2)
	test.Equate(t, mac.State.Read32(cpu.RAX), 7)
	test.Equate(t, mac.State.Halted, true)

	mac.Plumb(snap)
	test.Equate(t, mac.State.Read32(cpu.RAX), 0)
	test.Equate(t, mac.State.RIP, 0x100)
	test.Equate(t, mac.State.Halted, false)
	test.Equate(t, mac.State.TSC, 0)

	// the restored state replays identically
	stepMachine(t, mac, 1)
	test.Equate(t, mac.State.Read32(cpu.RAX), 7)
}
