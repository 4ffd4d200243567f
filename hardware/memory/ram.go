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

import (
	"encoding/binary"
	"sync"
)

// RAM is the flat guest memory backing. It implements the Bus interface.
//
// RAM may be shared between virtual cores. Plain reads and writes are
// deliberately unsynchronised - the architectural contract only requires
// indivisibility for AtomicRMW, which takes the rmw mutex. Guest code that
// races plain accesses gets the same undefined interleavings it would get
// on hardware.
type RAM struct {
	data     []byte
	versions *PageVersionTable

	// serialises AtomicRMW/AtomicRMW128 against each other
	rmw sync.Mutex
}

// NewRAM is the preferred method of initialisation for the RAM type. size is
// rounded up to a whole number of pages.
func NewRAM(size uint64) *RAM {
	size = (size + PageSize - 1) &^ uint64(PageSize-1)
	return &RAM{
		data:     make([]byte, size),
		versions: NewPageVersionTable(),
	}
}

// Size returns the length of the RAM backing in bytes.
func (ram *RAM) Size() uint64 {
	return uint64(len(ram.data))
}

// Versions returns the page version table owned by this RAM instance.
func (ram *RAM) Versions() *PageVersionTable {
	return ram.versions
}

func (ram *RAM) Read8(paddr uint64) uint8 {
	if paddr >= uint64(len(ram.data)) {
		return 0xff
	}
	return ram.data[paddr]
}

func (ram *RAM) Read16(paddr uint64) uint16 {
	var buf [2]byte
	ram.ReadBytes(paddr, buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

func (ram *RAM) Read32(paddr uint64) uint32 {
	var buf [4]byte
	ram.ReadBytes(paddr, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func (ram *RAM) Read64(paddr uint64) uint64 {
	var buf [8]byte
	ram.ReadBytes(paddr, buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

func (ram *RAM) Read128(paddr uint64) (uint64, uint64) {
	var buf [16]byte
	ram.ReadBytes(paddr, buf[:])
	return binary.LittleEndian.Uint64(buf[:8]), binary.LittleEndian.Uint64(buf[8:])
}

func (ram *RAM) Write8(paddr uint64, val uint8) {
	ram.WriteBytes(paddr, []byte{val})
}

func (ram *RAM) Write16(paddr uint64, val uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], val)
	ram.WriteBytes(paddr, buf[:])
}

func (ram *RAM) Write32(paddr uint64, val uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	ram.WriteBytes(paddr, buf[:])
}

func (ram *RAM) Write64(paddr uint64, val uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], val)
	ram.WriteBytes(paddr, buf[:])
}

func (ram *RAM) Write128(paddr uint64, lo uint64, hi uint64) {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], lo)
	binary.LittleEndian.PutUint64(buf[8:], hi)
	ram.WriteBytes(paddr, buf[:])
}

func (ram *RAM) ReadBytes(paddr uint64, dst []byte) {
	for i := range dst {
		a := paddr + uint64(i)
		if a < uint64(len(ram.data)) {
			dst[i] = ram.data[a]
		} else {
			// open bus
			dst[i] = 0xff
		}
	}
}

func (ram *RAM) WriteBytes(paddr uint64, src []byte) {
	if len(src) == 0 || paddr >= uint64(len(ram.data)) {
		return
	}

	// clamp to the end of RAM. bytes beyond the backing are dropped
	n := len(src)
	if paddr+uint64(n) > uint64(len(ram.data)) {
		n = int(uint64(len(ram.data)) - paddr)
	}

	copy(ram.data[paddr:paddr+uint64(n)], src[:n])
	ram.versions.BumpRange(paddr, n)
}

func (ram *RAM) AtomicRMW(paddr uint64, size int, f func(old uint64) (uint64, uint64)) uint64 {
	ram.rmw.Lock()
	defer ram.rmw.Unlock()

	var old uint64
	switch size {
	case 1:
		old = uint64(ram.Read8(paddr))
	case 2:
		old = uint64(ram.Read16(paddr))
	case 4:
		old = uint64(ram.Read32(paddr))
	case 8:
		old = ram.Read64(paddr)
	default:
		panic("AtomicRMW: unsupported operand size")
	}

	newval, ret := f(old)

	// only write back on change. this matches failed compare-exchange
	// semantics and avoids invalidating compiled code on no-op RMWs
	if newval != old {
		switch size {
		case 1:
			ram.Write8(paddr, uint8(newval))
		case 2:
			ram.Write16(paddr, uint16(newval))
		case 4:
			ram.Write32(paddr, uint32(newval))
		case 8:
			ram.Write64(paddr, newval)
		}
	}

	return ret
}

func (ram *RAM) AtomicRMW128(paddr uint64, f func(oldLo, oldHi uint64) (newLo, newHi, ret uint64)) uint64 {
	ram.rmw.Lock()
	defer ram.rmw.Unlock()

	oldLo, oldHi := ram.Read128(paddr)
	newLo, newHi, ret := f(oldLo, oldHi)
	if newLo != oldLo || newHi != oldHi {
		ram.Write128(paddr, newLo, newHi)
	}
	return ret
}

func (ram *RAM) PageVersion(pageBase uint64) uint64 {
	return ram.versions.Version(pageBase)
}
