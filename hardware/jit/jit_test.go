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

package jit_test

import (
	"testing"

	"github.com/gophervisor/gophervisor/hardware/cpu"
	"github.com/gophervisor/gophervisor/hardware/cpu/interrupts"
	"github.com/gophervisor/gophervisor/hardware/jit"
	"github.com/gophervisor/gophervisor/hardware/memory"
	"github.com/gophervisor/gophervisor/test"
)

type fixture struct {
	state *cpu.State
	bus   *cpu.PagingBus
	ram   *memory.RAM
	ev    *interrupts.Events
	jctx  *jit.Context
}

func newFixture(code []byte) *fixture {
	ram := memory.NewRAM(0x10000)
	ram.WriteBytes(0x100, code)

	state := cpu.NewState(cpu.ModeProtected)
	state.SetIP(0x100)
	state.Write32(cpu.RSP, 0x8000)

	bus := cpu.NewPagingBus(ram)
	return &fixture{
		state: state,
		bus:   bus,
		ram:   ram,
		ev:    &interrupts.Events{},
		jctx:  &jit.Context{TLBSalt: bus.MMU().AddressSpaceSalt()},
	}
}

func (f *fixture) compile(t *testing.T, entry uint64, maxInsts int) *jit.CompiledBlock {
	t.Helper()
	blk, ex := jit.CompileHandle(f.state, f.bus, entry, maxInsts, f.jctx.TLBSalt)
	if ex != nil {
		t.Fatalf("unexpected compile failure: %v", ex)
	}
	return blk
}

func TestCompileAndRun(t *testing.T) {
	f := newFixture([]byte{
		0xb8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0x83, 0xc0, 0x02, // add eax, 2
		0xe9, 0xf3, 0x00, 0x00, 0x00, // jmp 0x200
	})

	blk := f.compile(t, 0x100, 64)
	test.Equate(t, blk.Instructions, 3)
	test.Equate(t, blk.Len, 13)
	test.Equate(t, len(blk.Guards), 1)

	exit, err := blk.Run(f.state, f.bus, f.ev, f.jctx)
	test.ExpectedSuccess(t, err)
	test.Equate(t, int(exit), int(jit.ExitFallthrough))
	test.Equate(t, f.state.Read32(cpu.RAX), 3)
	test.Equate(t, f.state.RIP, 0x200)
	test.Equate(t, f.state.TSC, 3)
}

func TestStaleSaltRefusesToRun(t *testing.T) {
	f := newFixture([]byte{
		0xb8, 0x01, 0x00, 0x00, 0x00,
		0xf4,
	})
	blk := f.compile(t, 0x100, 64)

	stale := &jit.Context{TLBSalt: f.jctx.TLBSalt + 1}
	exit, err := blk.Run(f.state, f.bus, f.ev, stale)
	test.ExpectedSuccess(t, err)
	test.Equate(t, int(exit), int(jit.ExitCodeInvalidation))

	// nothing executed
	test.Equate(t, f.state.Read32(cpu.RAX), 0)
	test.Equate(t, f.state.RIP, 0x100)
}

func TestSelfModifyingCodeStopsBlock(t *testing.T) {
	// the middle instruction writes into the block's own guarded page.
	// the tail instruction must not run from the stale pre-decode
	f := newFixture([]byte{
		0x90,                               // nop
		0x89, 0x0d, 0x50, 0x00, 0x00, 0x00, // mov [0x50], ecx
		0x40, // inc eax
	})

	blk := f.compile(t, 0x100, 3)
	test.Equate(t, blk.Instructions, 3)

	exit, err := blk.Run(f.state, f.bus, f.ev, f.jctx)
	test.ExpectedSuccess(t, err)
	test.Equate(t, int(exit), int(jit.ExitCodeInvalidation))

	// RIP rests on the instruction after the invalidating write
	test.Equate(t, f.state.RIP, 0x107)
	test.Equate(t, f.state.Read32(cpu.RAX), 0)
}

func TestBlockFaultExit(t *testing.T) {
	f := newFixture([]byte{
		0x31, 0xc9, // xor ecx, ecx
		0xf7, 0xf1, // div ecx
	})

	blk := f.compile(t, 0x100, 64)
	exit, err := blk.Run(f.state, f.bus, f.ev, f.jctx)
	test.ExpectedSuccess(t, err)
	test.Equate(t, int(exit), int(jit.ExitFault))
	test.Equate(t, f.ev.HasPending(), true)
	test.Equate(t, f.state.RIP, 0x102)
}

func TestCommitHookRollsBackTSC(t *testing.T) {
	f := newFixture([]byte{
		0x90, 0x90, 0x90,
		0xf4,
	})
	blk := f.compile(t, 0x100, 64)

	f.state.TSC = 100
	f.jctx.Hook = func(s *cpu.State) { s.CommitFlag = 0 }

	exit, err := blk.Run(f.state, f.bus, f.ev, f.jctx)
	test.ExpectedSuccess(t, err)
	test.Equate(t, int(exit), int(jit.ExitHalt))
	test.Equate(t, f.state.TSC, 100)

	// a rollback is a per-execution decision. the next run of the block
	// commits as normal
	f.jctx.Hook = nil
	f.state.Halted = false
	f.state.SetIP(0x100)

	exit, err = blk.Run(f.state, f.bus, f.ev, f.jctx)
	test.ExpectedSuccess(t, err)
	test.Equate(t, int(exit), int(jit.ExitHalt))
	test.Equate(t, f.state.TSC, 104)
}

func TestHookObservesEveryInstruction(t *testing.T) {
	f := newFixture([]byte{
		0x90, 0x90,
		0xe9, 0xf9, 0x00, 0x00, 0x00, // jmp 0x200
	})
	blk := f.compile(t, 0x100, 64)

	var rips []uint64
	f.jctx.Hook = func(s *cpu.State) { rips = append(rips, s.RIP) }

	_, err := blk.Run(f.state, f.bus, f.ev, f.jctx)
	test.ExpectedSuccess(t, err)
	test.Equate(t, len(rips), 3)
	test.Equate(t, rips[0], 0x100)
	test.Equate(t, rips[1], 0x101)
	test.Equate(t, rips[2], 0x102)
}

func TestCachePrepare(t *testing.T) {
	f := newFixture([]byte{0x90, 0xf4})
	cache := jit.NewCache(16, 1<<16)

	blk := f.compile(t, 0x100, 64)
	cache.Install(blk)
	test.Equate(t, cache.Len(), 1)

	got, stale := cache.Prepare(0x100, cpu.ModeProtected, f.jctx.TLBSalt, f.bus)
	if got != blk {
		t.Fatal("prepared block is not the installed block")
	}
	test.Equate(t, stale, false)

	// a write in an unguarded page leaves the block valid
	ex := f.bus.Write8(0x2040, 0xcc)
	test.ExpectedSuccess(t, ex == nil)
	got, _ = cache.Prepare(0x100, cpu.ModeProtected, f.jctx.TLBSalt, f.bus)
	if got != blk {
		t.Fatal("a write outside the guarded pages must not invalidate")
	}

	// a write anywhere in the guarded page invalidates the block
	ex = f.bus.Write8(0x40, 0xcc)
	test.ExpectedSuccess(t, ex == nil)

	got, stale = cache.Prepare(0x100, cpu.ModeProtected, f.jctx.TLBSalt, f.bus)
	if got != nil {
		t.Fatal("expected the stale block to be dropped")
	}
	test.Equate(t, stale, true)
	test.Equate(t, cache.Len(), 0)

	stats := cache.Stats()
	test.Equate(t, stats.Installs, 1)
	test.Equate(t, stats.Hits, 2)
	test.Equate(t, stats.StaleDrops, 1)
}

func TestCacheEviction(t *testing.T) {
	f := newFixture(nil)
	f.ram.Write8(0x100, 0xf4)
	f.ram.Write8(0x200, 0xf4)
	f.ram.Write8(0x300, 0xf4)

	cache := jit.NewCache(2, 1<<16)
	cache.Install(f.compile(t, 0x100, 64))
	cache.Install(f.compile(t, 0x200, 64))
	cache.Install(f.compile(t, 0x300, 64))

	test.Equate(t, cache.Len(), 2)
	test.Equate(t, cache.Stats().Evictions, 1)

	// the oldest install went first
	got, _ := cache.Prepare(0x100, cpu.ModeProtected, f.jctx.TLBSalt, f.bus)
	if got != nil {
		t.Fatal("expected the first block to have been evicted")
	}
}

func TestCompilerDedup(t *testing.T) {
	f := newFixture([]byte{0x90, 0xf4})
	cache := jit.NewCache(16, 1<<16)
	comp := jit.NewCompiler(cache, 64)

	req := jit.Request{Entry: 0x100, Mode: cpu.ModeProtected}
	comp.Enqueue(req)
	comp.Enqueue(req)
	test.Equate(t, comp.Pending(), 1)

	installed := comp.Service(f.state, f.bus, f.jctx.TLBSalt, 8)
	test.Equate(t, installed, 1)
	test.Equate(t, comp.Pending(), 0)
	test.Equate(t, cache.Len(), 1)

	compiled, failed, dropped := comp.Counters()
	test.Equate(t, compiled, 1)
	test.Equate(t, failed, 0)
	test.Equate(t, dropped, 0)
}

func TestCompilerDiscardsStaleMode(t *testing.T) {
	f := newFixture([]byte{0x90, 0xf4})
	cache := jit.NewCache(16, 1<<16)
	comp := jit.NewCompiler(cache, 64)

	comp.Enqueue(jit.Request{Entry: 0x100, Mode: cpu.ModeReal})
	installed := comp.Service(f.state, f.bus, f.jctx.TLBSalt, 8)

	test.Equate(t, installed, 0)
	test.Equate(t, cache.Len(), 0)
	_, _, dropped := comp.Counters()
	test.Equate(t, dropped, 1)
}
