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

package interp_test

import (
	"testing"

	"github.com/gophervisor/gophervisor/hardware/cpu"
	"github.com/gophervisor/gophervisor/hardware/cpu/interp"
	"github.com/gophervisor/gophervisor/hardware/cpu/interrupts"
	"github.com/gophervisor/gophervisor/hardware/memory"
	"github.com/gophervisor/gophervisor/test"
)

// core is a minimal single-core fixture: 64KB of RAM with the code under
// test at 0x100 and the stack top at 0x8000. paging stays off so linear and
// physical addresses coincide.
type core struct {
	state *cpu.State
	bus   *cpu.PagingBus
	ram   *memory.RAM
	ev    *interrupts.Events
}

func newCore(mode cpu.Mode, code []byte) *core {
	ram := memory.NewRAM(0x10000)
	ram.WriteBytes(0x100, code)

	state := cpu.NewState(mode)
	state.SetIP(0x100)
	state.Write32(cpu.RSP, 0x8000)

	return &core{
		state: state,
		bus:   cpu.NewPagingBus(ram),
		ram:   ram,
		ev:    &interrupts.Events{},
	}
}

func (c *core) step(t *testing.T) interp.StepExit {
	t.Helper()
	exit, err := interp.Step(c.state, c.bus, c.ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return exit
}

// run steps until the program counter passes the given offset, failing the
// test on any fault along the way.
func (c *core) run(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if exit := c.step(t); exit == interp.ExitFault {
			t.Fatalf("unexpected fault at rip=%#x", c.state.RIP)
		}
	}
}

func TestAddFlags(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0xb8, 0xff, 0xff, 0xff, 0xff, // mov eax, -1
		0x83, 0xc0, 0x01, // add eax, 1
	})
	c.run(t, 2)

	test.Equate(t, c.state.Read32(cpu.RAX), 0)
	test.Equate(t, c.state.GetFlag(cpu.FlagZF), true)
	test.Equate(t, c.state.GetFlag(cpu.FlagCF), true)
	test.Equate(t, c.state.GetFlag(cpu.FlagAF), true)
	test.Equate(t, c.state.GetFlag(cpu.FlagOF), false)
}

func TestSubBorrow(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0xb8, 0x05, 0x00, 0x00, 0x00, // mov eax, 5
		0x83, 0xe8, 0x07, // sub eax, 7
	})
	c.run(t, 2)

	test.Equate(t, c.state.Read32(cpu.RAX), 0xfffffffe)
	test.Equate(t, c.state.GetFlag(cpu.FlagCF), true)
	test.Equate(t, c.state.GetFlag(cpu.FlagSF), true)
	test.Equate(t, c.state.GetFlag(cpu.FlagZF), false)
	test.Equate(t, c.state.GetFlag(cpu.FlagOF), false)
}

func TestAdcCarryIn(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0xb8, 0xff, 0xff, 0xff, 0xff, // mov eax, -1
		0xf9,             // stc
		0x83, 0xd0, 0x00, // adc eax, 0
	})
	c.run(t, 3)

	test.Equate(t, c.state.Read32(cpu.RAX), 0)
	test.Equate(t, c.state.GetFlag(cpu.FlagCF), true)
	test.Equate(t, c.state.GetFlag(cpu.FlagZF), true)
}

func TestIncDecPreserveCF(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0xf9, // stc
		0x40, // inc eax
		0x48, // dec eax
	})
	c.run(t, 2)
	test.Equate(t, c.state.Read32(cpu.RAX), 1)
	test.Equate(t, c.state.GetFlag(cpu.FlagCF), true)

	c.run(t, 1)
	test.Equate(t, c.state.Read32(cpu.RAX), 0)
	test.Equate(t, c.state.GetFlag(cpu.FlagCF), true)
	test.Equate(t, c.state.GetFlag(cpu.FlagZF), true)
}

func TestLogicClearsCarry(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0xf9,                         // stc
		0xb8, 0x0f, 0x00, 0x00, 0x00, // mov eax, 0x0f
		0x25, 0xf0, 0x00, 0x00, 0x00, // and eax, 0xf0
	})
	c.run(t, 3)

	test.Equate(t, c.state.Read32(cpu.RAX), 0)
	test.Equate(t, c.state.GetFlag(cpu.FlagZF), true)
	test.Equate(t, c.state.GetFlag(cpu.FlagCF), false)
	test.Equate(t, c.state.GetFlag(cpu.FlagOF), false)
}

func TestShiftCountZeroLeavesFlags(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0xf9,                         // stc
		0xb8, 0x00, 0x00, 0x00, 0x80, // mov eax, 0x80000000
		0xc1, 0xe0, 0x00, // shl eax, 0
	})
	c.run(t, 3)

	test.Equate(t, c.state.Read32(cpu.RAX), 0x80000000)
	test.Equate(t, c.state.GetFlag(cpu.FlagCF), true)
}

func TestShiftOutMSB(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0xb8, 0x00, 0x00, 0x00, 0x80, // mov eax, 0x80000000
		0xd1, 0xe0, // shl eax, 1
	})
	c.run(t, 2)

	test.Equate(t, c.state.Read32(cpu.RAX), 0)
	test.Equate(t, c.state.GetFlag(cpu.FlagCF), true)
	test.Equate(t, c.state.GetFlag(cpu.FlagOF), true)
	test.Equate(t, c.state.GetFlag(cpu.FlagZF), true)
}

func TestSarSignExtends(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0xb8, 0xf0, 0xff, 0xff, 0xff, // mov eax, 0xfffffff0
		0xc1, 0xf8, 0x04, // sar eax, 4
	})
	c.run(t, 2)
	test.Equate(t, c.state.Read32(cpu.RAX), 0xffffffff)
}

func TestMul(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0xb8, 0x06, 0x00, 0x00, 0x00, // mov eax, 6
		0xb9, 0x07, 0x00, 0x00, 0x00, // mov ecx, 7
		0xf7, 0xe1, // mul ecx
	})
	c.run(t, 3)

	test.Equate(t, c.state.Read32(cpu.RAX), 42)
	test.Equate(t, c.state.Read32(cpu.RDX), 0)
	test.Equate(t, c.state.GetFlag(cpu.FlagCF), false)
	test.Equate(t, c.state.GetFlag(cpu.FlagOF), false)
}

func TestImulOverflow(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0xb8, 0x00, 0x00, 0x00, 0x40, // mov eax, 0x40000000
		0xf7, 0xe8, // imul eax
	})
	c.run(t, 2)

	test.Equate(t, c.state.Read32(cpu.RAX), 0)
	test.Equate(t, c.state.Read32(cpu.RDX), 0x10000000)
	test.Equate(t, c.state.GetFlag(cpu.FlagCF), true)
	test.Equate(t, c.state.GetFlag(cpu.FlagOF), true)
}

func TestDiv(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0xb8, 0x55, 0x00, 0x00, 0x00, // mov eax, 85
		0x31, 0xd2, // xor edx, edx
		0xb9, 0x02, 0x00, 0x00, 0x00, // mov ecx, 2
		0xf7, 0xf1, // div ecx
	})
	c.run(t, 4)

	test.Equate(t, c.state.Read32(cpu.RAX), 42)
	test.Equate(t, c.state.Read32(cpu.RDX), 1)
}

func TestDivideByZero(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0x31, 0xc9, // xor ecx, ecx
		0xf7, 0xf1, // div ecx
	})
	c.run(t, 1)

	exit := c.step(t)
	test.Equate(t, int(exit), int(interp.ExitFault))
	test.Equate(t, c.ev.HasPending(), true)

	// RIP still addresses the faulting instruction
	test.Equate(t, c.state.RIP, 0x102)
}

func TestCmpxchg(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0x0f, 0xb1, 0x1d, 0x00, 0x20, 0x00, 0x00, // cmpxchg [0x2000], ebx
		0x0f, 0xb1, 0x1d, 0x00, 0x20, 0x00, 0x00, // cmpxchg [0x2000], ebx
	})
	c.ram.Write32(0x2000, 42)
	c.state.Write32(cpu.RAX, 42)
	c.state.Write32(cpu.RBX, 99)

	// equal: the exchange happens
	c.run(t, 1)
	test.Equate(t, c.ram.Read32(0x2000), 99)
	test.Equate(t, c.state.GetFlag(cpu.FlagZF), true)

	// unequal: memory is untouched, the accumulator observes the value
	c.state.Write32(cpu.RAX, 1)
	c.run(t, 1)
	test.Equate(t, c.ram.Read32(0x2000), 99)
	test.Equate(t, c.state.Read32(cpu.RAX), 99)
	test.Equate(t, c.state.GetFlag(cpu.FlagZF), false)
}

func TestCmpxchg8b(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0xf0, 0x0f, 0xc7, 0x0d, 0x00, 0x20, 0x00, 0x00, // lock cmpxchg8b [0x2000]
		0x0f, 0xc7, 0x0d, 0x00, 0x20, 0x00, 0x00, // cmpxchg8b [0x2000]
	})
	c.ram.Write32(0x2000, 0x1111_1111)
	c.ram.Write32(0x2004, 0x2222_2222)
	c.state.Write32(cpu.RAX, 0x1111_1111)
	c.state.Write32(cpu.RDX, 0x2222_2222)
	c.state.Write32(cpu.RBX, 0x3333_3333)
	c.state.Write32(cpu.RCX, 0x4444_4444)

	// equal: ECX:EBX replaces the quadword
	c.run(t, 1)
	test.Equate(t, c.ram.Read32(0x2000), 0x3333_3333)
	test.Equate(t, c.ram.Read32(0x2004), 0x4444_4444)
	test.Equate(t, c.state.GetFlag(cpu.FlagZF), true)

	// unequal: memory is untouched, EDX:EAX observe the value
	c.run(t, 1)
	test.Equate(t, c.ram.Read32(0x2000), 0x3333_3333)
	test.Equate(t, c.ram.Read32(0x2004), 0x4444_4444)
	test.Equate(t, c.state.Read32(cpu.RAX), 0x3333_3333)
	test.Equate(t, c.state.Read32(cpu.RDX), 0x4444_4444)
	test.Equate(t, c.state.GetFlag(cpu.FlagZF), false)
}

func TestXadd(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0x0f, 0xc1, 0x05, 0x00, 0x20, 0x00, 0x00, // xadd [0x2000], eax
	})
	c.ram.Write32(0x2000, 10)
	c.state.Write32(cpu.RAX, 5)
	c.run(t, 1)

	test.Equate(t, c.ram.Read32(0x2000), 15)
	test.Equate(t, c.state.Read32(cpu.RAX), 10)
}

func TestLockedAdd(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0xf0, 0x01, 0x05, 0x00, 0x20, 0x00, 0x00, // lock add [0x2000], eax
	})
	c.ram.Write32(0x2000, 40)
	c.state.Write32(cpu.RAX, 2)
	c.run(t, 1)

	test.Equate(t, c.ram.Read32(0x2000), 42)
	test.Equate(t, c.state.GetFlag(cpu.FlagZF), false)
	test.Equate(t, c.state.GetFlag(cpu.FlagCF), false)
}

func TestRepMovs(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0xfc,       // cld
		0xf3, 0xa4, // rep movsb
	})
	for i := 0; i < 16; i++ {
		c.ram.Write8(0x2000+uint64(i), uint8(i+1))
	}
	c.state.Write32(cpu.RSI, 0x2000)
	c.state.Write32(cpu.RDI, 0x3000)
	c.state.Write32(cpu.RCX, 16)
	c.run(t, 2)

	for i := 0; i < 16; i++ {
		test.Equate(t, c.ram.Read8(0x3000+uint64(i)), i+1)
	}
	test.Equate(t, c.state.Read32(cpu.RCX), 0)
	test.Equate(t, c.state.Read32(cpu.RSI), 0x2010)
	test.Equate(t, c.state.Read32(cpu.RDI), 0x3010)
}

func TestRepMovsBackwards(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0xfd,       // std
		0xf3, 0xa4, // rep movsb
	})
	for i := 0; i < 16; i++ {
		c.ram.Write8(0x2000+uint64(i), uint8(i+1))
	}
	c.state.Write32(cpu.RSI, 0x200f)
	c.state.Write32(cpu.RDI, 0x300f)
	c.state.Write32(cpu.RCX, 16)
	c.run(t, 2)

	for i := 0; i < 16; i++ {
		test.Equate(t, c.ram.Read8(0x3000+uint64(i)), i+1)
	}
	test.Equate(t, c.state.Read32(cpu.RSI), 0x1fff)
	test.Equate(t, c.state.Read32(cpu.RDI), 0x2fff)
}

func TestRepStos(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0xb0, 0xab, // mov al, 0xab
		0xb9, 0x00, 0x01, 0x00, 0x00, // mov ecx, 0x100
		0xbf, 0x00, 0x30, 0x00, 0x00, // mov edi, 0x3000
		0xfc,       // cld
		0xf3, 0xaa, // rep stosb
	})
	c.run(t, 5)

	test.Equate(t, c.ram.Read8(0x3000), 0xab)
	test.Equate(t, c.ram.Read8(0x30ff), 0xab)
	test.Equate(t, c.ram.Read8(0x3100), 0)
	test.Equate(t, c.state.Read32(cpu.RCX), 0)
	test.Equate(t, c.state.Read32(cpu.RDI), 0x3100)
}

func TestRepCmpsYieldsOnLongRuns(t *testing.T) {
	// compare a region against itself: 20000 equal elements take three
	// steps under the per-step element budget
	c := newCore(cpu.ModeProtected, []byte{
		0xfc,       // cld
		0xf3, 0xa6, // repe cmpsb
	})
	c.state.Write32(cpu.RSI, 0x2000)
	c.state.Write32(cpu.RDI, 0x2000)
	c.state.Write32(cpu.RCX, 20000)
	c.run(t, 1)

	exit := c.step(t)
	test.Equate(t, int(exit), int(interp.ExitSuspend))
	test.Equate(t, c.state.Read32(cpu.RCX), 20000-8192)
	test.Equate(t, c.state.RIP, 0x101)

	exit = c.step(t)
	test.Equate(t, int(exit), int(interp.ExitSuspend))

	exit = c.step(t)
	test.Equate(t, int(exit), int(interp.ExitRetired))
	test.Equate(t, c.state.Read32(cpu.RCX), 0)
	test.Equate(t, c.state.GetFlag(cpu.FlagZF), true)
}

func TestHlt(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{0xf4})

	exit := c.step(t)
	test.Equate(t, int(exit), int(interp.ExitHalt))
	test.Equate(t, c.state.Halted, true)
	test.Equate(t, c.state.RIP, 0x101)

	// a halted core stays halted
	exit = c.step(t)
	test.Equate(t, int(exit), int(interp.ExitHalt))
}

func TestHltIsPrivileged(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{0xf4})
	c.state.Seg[cpu.CS].Selector = 3

	exit := c.step(t)
	test.Equate(t, int(exit), int(interp.ExitFault))
	test.Equate(t, c.state.Halted, false)
}

func TestCliRequiresIOPL(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{0xfa})
	c.state.Seg[cpu.CS].Selector = 3
	c.state.SetFlag(cpu.FlagIF, true)

	exit := c.step(t)
	test.Equate(t, int(exit), int(interp.ExitFault))
	test.Equate(t, c.state.GetFlag(cpu.FlagIF), true)
}

func TestCliSti(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0xfb, // sti
		0xfa, // cli
	})
	c.run(t, 1)
	test.Equate(t, c.state.GetFlag(cpu.FlagIF), true)
	c.run(t, 1)
	test.Equate(t, c.state.GetFlag(cpu.FlagIF), false)
}

func TestPopfPrivilege(t *testing.T) {
	// ring 0 takes IF and IOPL from the popped value
	c := newCore(cpu.ModeProtected, []byte{
		0x68, 0x00, 0x32, 0x00, 0x00, // push 0x3200 (IF, IOPL=3)
		0x9d, // popf
	})
	c.run(t, 2)
	test.Equate(t, c.state.GetFlag(cpu.FlagIF), true)
	test.Equate(t, c.state.RFlags>>12&3, 3)

	// ring 3 under IOPL 0 keeps both
	c = newCore(cpu.ModeProtected, []byte{
		0x68, 0x00, 0x32, 0x00, 0x00,
		0x9d,
	})
	c.state.Seg[cpu.CS].Selector = 3
	c.run(t, 2)
	test.Equate(t, c.state.GetFlag(cpu.FlagIF), false)
	test.Equate(t, c.state.RFlags>>12&3, 0)
}

func TestPushPop(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0x50, // push eax
		0x59, // pop ecx
	})
	c.state.Write32(cpu.RAX, 0x12345678)
	c.run(t, 2)

	test.Equate(t, c.state.Read32(cpu.RCX), 0x12345678)
	test.Equate(t, c.state.Read32(cpu.RSP), 0x8000)
}

func TestCallRet(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0xe8, 0xfb, 0x00, 0x00, 0x00, // call 0x200
	})
	c.ram.Write8(0x200, 0xc3) // ret

	exit := c.step(t)
	test.Equate(t, int(exit), int(interp.ExitBranch))
	test.Equate(t, c.state.RIP, 0x200)
	test.Equate(t, c.state.Read32(cpu.RSP), 0x7ffc)
	test.Equate(t, c.ram.Read32(0x7ffc), 0x105)

	exit = c.step(t)
	test.Equate(t, int(exit), int(interp.ExitBranch))
	test.Equate(t, c.state.RIP, 0x105)
	test.Equate(t, c.state.Read32(cpu.RSP), 0x8000)
}

func TestJcc(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0x31, 0xc0, // xor eax, eax
		0x75, 0x10, // jne +0x10 (not taken)
		0x74, 0x10, // je +0x10 (taken)
	})
	c.run(t, 1)

	exit := c.step(t)
	test.Equate(t, int(exit), int(interp.ExitRetired))
	test.Equate(t, c.state.RIP, 0x104)

	exit = c.step(t)
	test.Equate(t, int(exit), int(interp.ExitBranch))
	test.Equate(t, c.state.RIP, 0x116)
}

func TestIntIretRealMode(t *testing.T) {
	c := newCore(cpu.ModeReal, []byte{0xcd, 0x21}) // int 0x21
	c.ram.Write16(0x21*4, 0x2000)
	c.ram.Write16(0x21*4+2, 0)
	c.ram.Write8(0x2000, 0xcf) // iret

	exit := c.step(t)
	test.Equate(t, int(exit), int(interp.ExitBranch))
	test.Equate(t, c.ev.HasPending(), true)

	test.ExpectedSuccess(t, c.ev.DeliverPending(c.state, c.bus))
	test.Equate(t, c.state.RIP, 0x2000)

	exit = c.step(t)
	test.Equate(t, int(exit), int(interp.ExitBranch))
	test.Equate(t, c.state.RIP, 0x102)
}

// deliverTo runs the pending fault through a real mode IVT and returns the
// handler RIP it landed on.
func deliverTo(t *testing.T, c *core) uint64 {
	t.Helper()
	if !c.ev.HasPending() {
		t.Fatal("no pending event")
	}
	test.ExpectedSuccess(t, c.ev.DeliverPending(c.state, c.bus))
	return c.state.RIP
}

func TestX87Gating(t *testing.T) {
	// an x87 opcode under CR0.EM is #UD even when TS is also set
	c := newCore(cpu.ModeReal, []byte{0xd9, 0xc0}) // fld st(0)
	c.ram.Write16(6*4, 0x2000)
	c.ram.Write16(7*4, 0x2100)
	c.state.CR0 |= cpu.CR0_EM | cpu.CR0_TS

	exit := c.step(t)
	test.Equate(t, int(exit), int(interp.ExitFault))
	test.Equate(t, deliverTo(t, c), 0x2000)

	// TS alone is #NM
	c = newCore(cpu.ModeReal, []byte{0xd9, 0xc0})
	c.ram.Write16(6*4, 0x2000)
	c.ram.Write16(7*4, 0x2100)
	c.state.CR0 |= cpu.CR0_TS

	exit = c.step(t)
	test.Equate(t, int(exit), int(interp.ExitFault))
	test.Equate(t, deliverTo(t, c), 0x2100)
}

func TestWaitReportsPendingX87(t *testing.T) {
	// an unmasked x87 exception surfaces at WAIT as #MF under CR0.NE
	c := newCore(cpu.ModeReal, []byte{0x9b})
	c.ram.Write16(16*4, 0x2200)
	c.state.CR0 |= cpu.CR0_NE
	c.state.FpuControl = 0x0340
	c.state.FpuStatus = 0x0001

	exit := c.step(t)
	test.Equate(t, int(exit), int(interp.ExitFault))
	test.Equate(t, deliverTo(t, c), 0x2200)

	// without NE the legacy external line is raised instead
	c = newCore(cpu.ModeReal, []byte{0x9b})
	c.state.FpuControl = 0x0340
	c.state.FpuStatus = 0x0001

	exit = c.step(t)
	test.Equate(t, int(exit), int(interp.ExitRetired))
	test.Equate(t, c.state.IRQ13Pending, true)
}

func TestWaitEmulationBeatsTaskSwitched(t *testing.T) {
	// with EM, MP and TS all set, WAIT is #UD rather than #NM
	c := newCore(cpu.ModeReal, []byte{0x9b})
	c.ram.Write16(6*4, 0x2000)
	c.ram.Write16(7*4, 0x2100)
	c.state.CR0 |= cpu.CR0_EM | cpu.CR0_MP | cpu.CR0_TS

	exit := c.step(t)
	test.Equate(t, int(exit), int(interp.ExitFault))
	test.Equate(t, deliverTo(t, c), 0x2000)
}

func TestRdtsc(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0x90, 0x90, // nop, nop
		0x0f, 0x31, // rdtsc
	})
	c.run(t, 3)

	test.Equate(t, c.state.Read32(cpu.RAX), 2)
	test.Equate(t, c.state.Read32(cpu.RDX), 0)
	test.Equate(t, c.state.TSC, 3)
}

func TestMovSegRealMode(t *testing.T) {
	c := newCore(cpu.ModeReal, []byte{
		0xb8, 0x34, 0x12, // mov ax, 0x1234
		0x8e, 0xd8, // mov ds, ax
	})
	c.run(t, 2)

	test.Equate(t, c.state.Seg[cpu.DS].Selector, 0x1234)
	test.Equate(t, c.state.Seg[cpu.DS].Base, 0x12340)
}

func TestMovCrIsPrivileged(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0xb8, 0x00, 0x10, 0x00, 0x00, // mov eax, 0x1000
		0x0f, 0x22, 0xd8, // mov cr3, eax
	})
	c.run(t, 2)
	test.Equate(t, c.state.CR3, 0x1000)

	c = newCore(cpu.ModeProtected, []byte{0x0f, 0x22, 0xd8})
	c.state.Seg[cpu.CS].Selector = 3

	exit := c.step(t)
	test.Equate(t, int(exit), int(interp.ExitFault))
}

func TestMovzxMovsx(t *testing.T) {
	c := newCore(cpu.ModeProtected, []byte{
		0xb9, 0x80, 0x00, 0x00, 0x00, // mov ecx, 0x80
		0x0f, 0xb6, 0xc1, // movzx eax, cl
		0x0f, 0xbe, 0xd9, // movsx ebx, cl
	})
	c.run(t, 3)

	test.Equate(t, c.state.Read32(cpu.RAX), 0x80)
	test.Equate(t, c.state.Read32(cpu.RBX), 0xffffff80)
}
