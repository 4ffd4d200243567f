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

import "sync"

// PageVersionTable maps page-aligned physical addresses to monotonically
// increasing version counters. Pages that have never been written have
// version zero and are not stored.
//
// The table is an explicit struct passed by reference to every consumer.
// There is exactly one per memory bus.
type PageVersionTable struct {
	crit     sync.Mutex
	versions map[uint64]uint64
}

// NewPageVersionTable is the preferred method of initialisation for the
// PageVersionTable type.
func NewPageVersionTable() *PageVersionTable {
	return &PageVersionTable{
		versions: make(map[uint64]uint64),
	}
}

// Version returns the current version for the page containing paddr.
func (tbl *PageVersionTable) Version(paddr uint64) uint64 {
	tbl.crit.Lock()
	defer tbl.crit.Unlock()
	return tbl.versions[PageBase(paddr)]
}

// Bump increases the version of the page containing paddr by one. Versions
// never decrease.
func (tbl *PageVersionTable) Bump(paddr uint64) {
	tbl.crit.Lock()
	defer tbl.crit.Unlock()
	tbl.versions[PageBase(paddr)]++
}

// BumpRange bumps every page touched by the byte range [paddr, paddr+length).
// Each page is bumped exactly once regardless of how many of its bytes the
// range covers. A zero length bumps nothing.
func (tbl *PageVersionTable) BumpRange(paddr uint64, length int) {
	if length <= 0 {
		return
	}

	tbl.crit.Lock()
	defer tbl.crit.Unlock()

	first := PageBase(paddr)
	last := PageBase(paddr + uint64(length) - 1)
	for page := first; ; page += PageSize {
		tbl.versions[page]++
		if page == last {
			break
		}
	}
}
