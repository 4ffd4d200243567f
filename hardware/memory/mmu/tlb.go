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

package mmu

// PageSize is the size class of a TLB entry translation.
type PageSize int

// List of valid PageSize values.
const (
	Size4K PageSize = iota
	Size2M
	Size4M
	Size1G
)

// Bytes returns the page size in bytes.
func (p PageSize) Bytes() uint64 {
	switch p {
	case Size4K:
		return 1 << 12
	case Size2M:
		return 1 << 21
	case Size4M:
		return 1 << 22
	}
	return 1 << 30
}

// TlbEntry is a cached translation. Entries are valid for the address space
// salt they were inserted under; global entries match any salt.
type TlbEntry struct {
	VBase uint64
	PBase uint64
	Size  PageSize

	// address-space salt at insertion time
	Salt uint64

	// permission bits accumulated over the whole walk
	User     bool
	Writable bool
	NX       bool

	// global entries survive address-space switches when CR4.PGE is set
	Global bool

	// dirty records whether the leaf entry already has its D bit set,
	// allowing write hits to skip the lazy D update
	Dirty bool

	// physical address and width of the leaf paging-structure entry, for
	// the lazy D update
	LeafAddr uint64
	Leaf64   bool
}

// Translate applies the entry to a virtual address within its page.
func (e *TlbEntry) Translate(vaddr uint64) uint64 {
	return e.PBase + (vaddr - e.VBase)
}

// tlb is the software translation cache. One entry per virtual page per size
// class; a new insertion for the same page replaces the old entry.
type tlb struct {
	// current address-space salt. bumped on every non-global flush which
	// logically drops every non-global entry without walking the maps
	salt uint64

	entries [4]map[uint64]*TlbEntry
}

func newTlb() *tlb {
	t := &tlb{}
	for i := range t.entries {
		t.entries[i] = make(map[uint64]*TlbEntry)
	}
	return t
}

func (t *tlb) key(vaddr uint64, size PageSize) uint64 {
	return vaddr &^ (size.Bytes() - 1)
}

// lookup returns the live entry covering vaddr, or nil.
func (t *tlb) lookup(vaddr uint64) *TlbEntry {
	for size := Size4K; size <= Size1G; size++ {
		e, ok := t.entries[size][t.key(vaddr, size)]
		if !ok {
			continue
		}
		if e.Salt != t.salt && !e.Global {
			// stale address space. drop lazily
			delete(t.entries[size], t.key(vaddr, size))
			continue
		}
		return e
	}
	return nil
}

func (t *tlb) insert(e *TlbEntry) {
	e.Salt = t.salt
	t.entries[e.Size][e.VBase] = e
}

// invalidatePage removes any entry covering vaddr, global or not.
func (t *tlb) invalidatePage(vaddr uint64) {
	for size := Size4K; size <= Size1G; size++ {
		delete(t.entries[size], t.key(vaddr, size))
	}
}

// flushNonGlobal logically drops every non-global entry.
func (t *tlb) flushNonGlobal() {
	t.salt++
}

// flushAll drops everything, including global entries.
func (t *tlb) flushAll() {
	t.salt++
	for i := range t.entries {
		t.entries[i] = make(map[uint64]*TlbEntry)
	}
}
