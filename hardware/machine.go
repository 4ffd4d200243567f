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

package hardware

import (
	"github.com/gophervisor/gophervisor/hardware/cpu"
	"github.com/gophervisor/gophervisor/hardware/cpu/interp"
	"github.com/gophervisor/gophervisor/hardware/cpu/interrupts"
	"github.com/gophervisor/gophervisor/hardware/jit"
	"github.com/gophervisor/gophervisor/hardware/memory"
	"github.com/gophervisor/gophervisor/logger"
	"github.com/gophervisor/gophervisor/preferences"
)

// hotKey identifies an interpreted block entry for promotion counting.
type hotKey struct {
	entry uint64
	mode  cpu.Mode
}

// number of hot counters kept before the table is reset wholesale. a reset
// loses warmth, not correctness
const maxHotCounters = 4096

// Machine is the main container for one emulated virtual core and its
// memory subsystem.
type Machine struct {
	State  *cpu.State
	RAM    *memory.RAM
	Bus    *cpu.PagingBus
	Events *interrupts.Events

	Cache    *jit.Cache
	Compiler *jit.Compiler

	// external interrupt source polled between instructions. may be nil
	Controller interrupts.Controller

	Prefs *preferences.Preferences

	jctx jit.Context
	hot  map[hotKey]int

	// dispatch counters, reported at machine stop
	interpreted   int
	blockRuns     int
	invalidations int
}

// NewMachine is the preferred method of initialisation for the Machine
// type. ramSize is rounded up to a whole number of pages by the RAM
// backing.
func NewMachine(prefs *preferences.Preferences, ramSize uint64, mode cpu.Mode) *Machine {
	ram := memory.NewRAM(ramSize)
	bus := cpu.NewPagingBus(ram)
	state := cpu.NewState(mode)
	bus.Sync(state)

	cache := jit.NewCache(prefs.CacheMaxBlocks, prefs.CacheMaxBytes)

	mac := &Machine{
		State:    state,
		RAM:      ram,
		Bus:      bus,
		Events:   &interrupts.Events{},
		Cache:    cache,
		Compiler: jit.NewCompiler(cache, prefs.MaxBlockInstructions),
		Prefs:    prefs,
		hot:      make(map[hotKey]int),
	}
	return mac
}

// SetCommitHook installs a hook that runs before every instruction of a
// compiled block. The hook may clear the commit flag on the state to force
// rollback of the block's gated side effects.
func (mac *Machine) SetCommitHook(hook func(*cpu.State)) {
	mac.jctx.Hook = hook
}

// dispatch runs one unit of guest code: a prepared compiled block when one
// is valid for the current RIP, one interpreted instruction otherwise. The
// event epilogue (pending delivery, external poll, shadow retirement) runs
// after either path, so the one-instruction interrupt shadow planted by STI
// or a stack-segment load covers exactly the following instruction.
//
// The error return is the triple-fault sentinel.
func (mac *Machine) dispatch() error {
	state := mac.State
	bus := mac.Bus
	ev := mac.Events

	if !state.Halted {
		salt := bus.MMU().AddressSpaceSalt()
		blk, stale := mac.Cache.Prepare(state.RIP, state.Mode, salt, bus)
		if blk != nil {
			mac.jctx.TLBSalt = salt
			exit, err := blk.Run(state, bus, ev, &mac.jctx)
			if err != nil {
				return err
			}
			mac.blockRuns++
			if exit == jit.ExitCodeInvalidation {
				mac.invalidations++
				mac.Compiler.Enqueue(jit.Request{Entry: blk.Entry, Mode: blk.Mode})
			}
		} else {
			// an entry that was cached but went stale recompiles without
			// re-crossing the hot threshold
			if stale {
				mac.Compiler.Enqueue(jit.Request{Entry: state.RIP, Mode: state.Mode})
			} else {
				mac.promote(state.RIP, state.Mode)
			}
			if _, err := interp.Step(state, bus, ev); err != nil {
				return err
			}
			mac.interpreted++
		}
	}

	if err := ev.DeliverPending(state, bus); err != nil {
		return err
	}
	if mac.Controller != nil {
		if err := ev.PollAndDeliver(state, bus, mac.Controller); err != nil {
			return err
		}
	}
	ev.RetireInstruction()
	return nil
}

// promote counts an interpreted entry and queues a compile request once the
// hot threshold is crossed.
func (mac *Machine) promote(entry uint64, mode cpu.Mode) {
	if mac.Prefs.HotThreshold <= 0 {
		return
	}

	key := hotKey{entry: entry, mode: mode}
	mac.hot[key]++
	if mac.hot[key] < mac.Prefs.HotThreshold {
		if len(mac.hot) > maxHotCounters {
			mac.hot = make(map[hotKey]int)
		}
		return
	}
	delete(mac.hot, key)
	mac.Compiler.Enqueue(jit.Request{Entry: entry, Mode: mode})
}

// idle reports whether the machine can never make progress again: a halted
// core with no queued events and no interrupt source to wake it.
func (mac *Machine) idle() bool {
	return mac.State.Halted && !mac.Events.HasPending() && mac.Controller == nil
}

// LogStats reports the dispatch, cache, compiler and MMU counters to the
// central logger.
func (mac *Machine) LogStats() {
	logger.Logf("machine", "dispatch: interpreted=%d blocks=%d invalidations=%d",
		mac.interpreted, mac.blockRuns, mac.invalidations)
	logger.Logf("machine", "cache: %s", mac.Cache.Stats())
	compiled, failed, dropped := mac.Compiler.Counters()
	logger.Logf("machine", "compiler: compiled=%d failed=%d dropped=%d",
		compiled, failed, dropped)
	logger.Logf("machine", "mmu: %s", mac.Bus.MMU().Stats())
}
