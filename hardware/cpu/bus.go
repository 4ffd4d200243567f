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

package cpu

// Bus is the linear-address memory interface consumed by the interpreter,
// the exception unit and the block decoder. Implementations translate linear
// addresses through the current paging mode before touching physical memory.
//
// A nil *Exception return means the access completed. Accesses may straddle
// page boundaries; a fault anywhere in the range faults the whole access
// before any byte is written.
type Bus interface {
	Read8(vaddr uint64) (uint8, *Exception)
	Read16(vaddr uint64) (uint16, *Exception)
	Read32(vaddr uint64) (uint32, *Exception)
	Read64(vaddr uint64) (uint64, *Exception)
	Read128(vaddr uint64) (lo uint64, hi uint64, ex *Exception)

	Write8(vaddr uint64, val uint8) *Exception
	Write16(vaddr uint64, val uint16) *Exception
	Write32(vaddr uint64, val uint32) *Exception
	Write64(vaddr uint64, val uint64) *Exception
	Write128(vaddr uint64, lo uint64, hi uint64) *Exception

	ReadBytes(vaddr uint64, dst []byte) *Exception
	WriteBytes(vaddr uint64, src []byte) *Exception

	// FetchByte reads one code byte with execute access. The returned
	// physical address is what the block decoder snapshots page versions
	// against.
	FetchByte(vaddr uint64) (val uint8, paddr uint64, ex *Exception)

	// AtomicRMW translates vaddr with write intent and applies f to the
	// value at the resulting physical location as one indivisible unit
	// with respect to any other accessor. size is the operand width in
	// bytes (1, 2, 4 or 8).
	AtomicRMW(vaddr uint64, size int, f func(old uint64) (uint64, uint64)) (uint64, *Exception)

	// AtomicRMW128 is AtomicRMW for the 16-byte CMPXCHG16B operand.
	AtomicRMW128(vaddr uint64, f func(oldLo, oldHi uint64) (newLo, newHi, ret uint64)) (uint64, *Exception)

	// BulkPreflight translates the whole range without guest-visible side
	// effects. A false return means some page in the range would page
	// fault; callers fall back to per-element accesses to preserve
	// architectural partial-progress semantics. A non-canonical address
	// surfaces as #GP(0), same as a normal access.
	BulkPreflight(vaddr uint64, n int, write bool) (bool, *Exception)

	// Invlpg removes the cached translation for the page containing vaddr.
	Invlpg(vaddr uint64)

	// PageVersion returns the version counter of the physical page
	// containing pageBase.
	PageVersion(pageBase uint64) uint64

	// Sync tells the bus about changes to mode, privilege level or the
	// paging control registers. Must be called after any mutation of CR0,
	// CR3, CR4, EFER, CS or SS.
	Sync(state *State)
}
