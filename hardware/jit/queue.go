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
)

// request queue bound. a full queue drops new requests; the entry stays hot
// and is requested again on a later slice
const maxQueued = 64

// Request is one queued compile demand.
type Request struct {
	Entry uint64
	Mode  cpu.Mode
}

// Compiler consumes compile requests and installs the results into a block
// cache. Requests are deduplicated while queued.
//
// Compilation reads guest memory through the same translation state as
// execution, so the queue is serviced at slice boundaries when the core is
// quiescent rather than on a separate goroutine. The queue still does what
// it is for: promotion detection on the hot path costs one append, and the
// decode/compile cost is paid in bounded amounts between slices.
type Compiler struct {
	cache    *Cache
	maxInsts int

	queue  []Request
	queued map[Request]bool

	compiled int
	failed   int
	dropped  int
}

// NewCompiler is the preferred method of initialisation for the Compiler
// type. maxInsts bounds the instruction window of each compiled block.
func NewCompiler(cache *Cache, maxInsts int) *Compiler {
	return &Compiler{
		cache:    cache,
		maxInsts: maxInsts,
		queued:   make(map[Request]bool),
	}
}

// Enqueue files a compile request unless an identical one is already
// queued or the queue is full.
func (c *Compiler) Enqueue(req Request) {
	if c.queued[req] {
		return
	}
	if len(c.queue) >= maxQueued {
		c.dropped++
		return
	}
	c.queued[req] = true
	c.queue = append(c.queue, req)
}

// Pending returns the number of queued requests.
func (c *Compiler) Pending() int {
	return len(c.queue)
}

// Service compiles up to limit queued requests and installs the results.
// Requests filed under a mode the core has since left are discarded. The
// return value is the number of blocks installed.
func (c *Compiler) Service(state *cpu.State, bus cpu.Bus, salt uint64, limit int) int {
	installed := 0
	for limit > 0 && len(c.queue) > 0 {
		req := c.queue[0]
		c.queue = c.queue[1:]
		delete(c.queued, req)
		limit--

		if req.Mode != state.Mode {
			c.dropped++
			continue
		}

		blk, ex := CompileHandle(state, bus, req.Entry, c.maxInsts, salt)
		if ex != nil {
			// an unfetchable entry compiles to nothing. the fault,
			// if real, surfaces on the interpreted path
			c.failed++
			continue
		}
		c.cache.Install(blk)
		c.compiled++
		installed++
	}
	return installed
}

// Counters returns the compiled/failed/dropped request totals.
func (c *Compiler) Counters() (compiled int, failed int, dropped int) {
	return c.compiled, c.failed, c.dropped
}
