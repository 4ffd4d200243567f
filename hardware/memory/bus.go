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

package memory

// PageShift is the log2 of the invalidation page size. Page version counters
// and compiled-block guard sets work at this granularity.
const PageShift = 12

// PageSize is the invalidation page size in bytes.
const PageSize = 1 << PageShift

// PageBase returns the page-aligned base address of paddr.
func PageBase(paddr uint64) uint64 {
	return paddr &^ uint64(PageSize-1)
}

// Bus is the byte-addressable physical memory interface.
//
// All sized accesses are little-endian and may straddle page boundaries.
// Reads of unmapped addresses return open-bus 0xff bytes; writes to unmapped
// addresses are dropped. Physical memory never faults - faults are a
// property of translation and belong to the mmu package.
type Bus interface {
	Read8(paddr uint64) uint8
	Read16(paddr uint64) uint16
	Read32(paddr uint64) uint32
	Read64(paddr uint64) uint64
	Read128(paddr uint64) (lo uint64, hi uint64)

	Write8(paddr uint64, val uint8)
	Write16(paddr uint64, val uint16)
	Write32(paddr uint64, val uint32)
	Write64(paddr uint64, val uint64)
	Write128(paddr uint64, lo uint64, hi uint64)

	ReadBytes(paddr uint64, dst []byte)
	WriteBytes(paddr uint64, src []byte)

	// AtomicRMW reads the naturally-sized value at paddr, applies f and
	// writes the replacement value back, all as a single indivisible unit
	// with respect to any other accessor of that physical location. size is
	// the operand width in bytes (1, 2, 4 or 8). The second return value of
	// f is passed through to the caller.
	AtomicRMW(paddr uint64, size int, f func(old uint64) (uint64, uint64)) uint64

	// AtomicRMW128 is AtomicRMW for the 16-byte CMPXCHG16B operand.
	AtomicRMW128(paddr uint64, f func(oldLo, oldHi uint64) (newLo, newHi, ret uint64)) uint64

	// PageVersion returns the current version counter for the page
	// containing pageBase. The counter starts at zero and increases by one
	// for every write that touches at least one byte of the page.
	PageVersion(pageBase uint64) uint64
}
