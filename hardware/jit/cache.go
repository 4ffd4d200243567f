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
	"fmt"

	"github.com/gophervisor/gophervisor/hardware/cpu"
)

// cacheKey identifies a block slot. The same entry address can hold
// different code under different modes.
type cacheKey struct {
	entry uint64
	mode  cpu.Mode
}

// CacheStats is the accumulated activity of a block cache.
type CacheStats struct {
	Installs   int
	Evictions  int
	Hits       int
	Misses     int
	StaleDrops int
}

func (s CacheStats) String() string {
	return fmt.Sprintf("installs=%d evictions=%d hits=%d misses=%d stale=%d",
		s.Installs, s.Evictions, s.Hits, s.Misses, s.StaleDrops)
}

// Cache is the capacity-bounded store of compiled blocks. Bounded by both a
// block count and a total executed-byte budget; eviction is
// least-recently-installed.
//
// The cache never walks itself on guest writes. Invalidation is lazy: a
// write bumps page versions at the memory layer and the next Prepare call
// on an affected block notices the mismatch and drops it.
type Cache struct {
	blocks map[cacheKey]*CompiledBlock

	// installation order, oldest first
	order []cacheKey

	maxBlocks int
	maxBytes  int
	bytes     int

	stats CacheStats
}

// NewCache is the preferred method of initialisation for the Cache type.
// Non-positive budgets disable the corresponding bound.
func NewCache(maxBlocks int, maxBytes int) *Cache {
	return &Cache{
		blocks:    make(map[cacheKey]*CompiledBlock),
		maxBlocks: maxBlocks,
		maxBytes:  maxBytes,
	}
}

// Install inserts a compiled block, evicting the oldest installs while
// either capacity budget is exceeded. A block already present at the same
// entry is replaced.
func (c *Cache) Install(blk *CompiledBlock) {
	key := cacheKey{entry: blk.Entry, mode: blk.Mode}
	if _, ok := c.blocks[key]; ok {
		c.drop(key)
	}

	c.blocks[key] = blk
	c.order = append(c.order, key)
	c.bytes += blk.Len
	c.stats.Installs++

	for len(c.blocks) > 1 && c.overBudget() {
		c.stats.Evictions++
		c.drop(c.order[0])
	}
}

func (c *Cache) overBudget() bool {
	if c.maxBlocks > 0 && len(c.blocks) > c.maxBlocks {
		return true
	}
	return c.maxBytes > 0 && c.bytes > c.maxBytes
}

// Prepare returns the cached block for entry only if every guarded page's
// live version still matches its compile-time snapshot and the block was
// compiled under the given address-space salt. A stale block is dropped and
// reported through the second return value so the caller can queue a
// recompile of the entry.
func (c *Cache) Prepare(entry uint64, mode cpu.Mode, salt uint64, bus cpu.Bus) (*CompiledBlock, bool) {
	key := cacheKey{entry: entry, mode: mode}
	blk, ok := c.blocks[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if blk.Salt != salt || !blk.guardsValid(bus) {
		c.stats.StaleDrops++
		c.drop(key)
		return nil, true
	}
	c.stats.Hits++
	return blk, false
}

// drop removes the block at key and its accounting.
func (c *Cache) drop(key cacheKey) {
	blk, ok := c.blocks[key]
	if !ok {
		return
	}
	delete(c.blocks, key)
	c.bytes -= blk.Len
	for i := range c.order {
		if c.order[i] == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of cached blocks.
func (c *Cache) Len() int {
	return len(c.blocks)
}

// Bytes returns the total executed-byte length of all cached blocks.
func (c *Cache) Bytes() int {
	return c.bytes
}

// Stats returns the accumulated cache activity counters.
func (c *Cache) Stats() CacheStats {
	return c.stats
}
