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

import (
	"github.com/gophervisor/gophervisor/hardware/memory"
	"github.com/gophervisor/gophervisor/hardware/memory/mmu"
)

// PagingBus is the Bus implementation backed by the MMU. Linear addresses
// are translated through the current paging mode before touching physical
// memory.
type PagingBus struct {
	phys memory.Bus
	mmu  *mmu.MMU

	// cached from Sync
	cpl        uint8
	mode       Mode
	a20Enabled bool
}

// NewPagingBus is the preferred method of initialisation for the PagingBus
// type.
func NewPagingBus(phys memory.Bus) *PagingBus {
	return &PagingBus{
		phys:       phys,
		mmu:        mmu.NewMMU(),
		a20Enabled: true,
	}
}

// MMU returns the translation unit owned by the bus.
func (b *PagingBus) MMU() *mmu.MMU {
	return b.mmu
}

// Phys returns the physical bus underneath the translation layer.
func (b *PagingBus) Phys() memory.Bus {
	return b.phys
}

// Sync implements the Bus interface. Control register forwarding detects
// changes so that a Sync after an unrelated mutation does not flush the TLB.
func (b *PagingBus) Sync(state *State) {
	if b.mmu.CR0() != state.CR0 {
		b.mmu.SetCR0(state.CR0)
	}
	if b.mmu.CR3() != state.CR3 {
		b.mmu.SetCR3(state.CR3)
	}
	if b.mmu.CR4() != state.CR4 {
		b.mmu.SetCR4(state.CR4)
	}
	if b.mmu.EFER() != state.EFER {
		b.mmu.SetEFER(state.EFER)
	}
	b.cpl = state.CPL()
	b.mode = state.Mode
	b.a20Enabled = state.A20Enabled
}

// applyA20 performs architectural linear-address masking. In non-long modes
// linear addresses are 32-bit and wrap on overflow. In real mode with the
// A20 gate disabled, addresses also wrap at 1MB.
func (b *PagingBus) applyA20(vaddr uint64) uint64 {
	if b.mode != ModeLong {
		vaddr &= 0xffff_ffff
	}
	if !b.a20Enabled && b.mode == ModeReal {
		vaddr &^= uint64(1) << 20
	}
	return vaddr
}

func (b *PagingBus) translate(vaddr uint64, access mmu.AccessType) (uint64, *Exception) {
	paddr, fault := b.mmu.Translate(b.phys, vaddr, access, b.cpl)
	if fault == nil {
		return paddr, nil
	}
	if fault.NonCanonical {
		return 0, GeneralProtection(0)
	}
	return 0, PageFault(fault.Addr, fault.ErrorCode)
}

// sized accesses take the single-translation path while they fit inside one
// page. straddling accesses go through the byte path, which translates every
// page touched before writing anything.

func (b *PagingBus) read8Access(vaddr uint64, access mmu.AccessType) (uint8, *Exception) {
	paddr, ex := b.translate(b.applyA20(vaddr), access)
	if ex != nil {
		return 0, ex
	}
	return b.phys.Read8(paddr), nil
}

func (b *PagingBus) read16Access(vaddr uint64, access mmu.AccessType) (uint16, *Exception) {
	a := b.applyA20(vaddr)
	if a&(memory.PageSize-1) <= memory.PageSize-2 {
		paddr, ex := b.translate(a, access)
		if ex != nil {
			return 0, ex
		}
		return b.phys.Read16(paddr), nil
	}
	var buf [2]byte
	if ex := b.readBytesAccess(vaddr, buf[:], access); ex != nil {
		return 0, ex
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

func (b *PagingBus) read32Access(vaddr uint64, access mmu.AccessType) (uint32, *Exception) {
	a := b.applyA20(vaddr)
	if a&(memory.PageSize-1) <= memory.PageSize-4 {
		paddr, ex := b.translate(a, access)
		if ex != nil {
			return 0, ex
		}
		return b.phys.Read32(paddr), nil
	}
	var buf [4]byte
	if ex := b.readBytesAccess(vaddr, buf[:], access); ex != nil {
		return 0, ex
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

func (b *PagingBus) read64Access(vaddr uint64, access mmu.AccessType) (uint64, *Exception) {
	a := b.applyA20(vaddr)
	if a&(memory.PageSize-1) <= memory.PageSize-8 {
		paddr, ex := b.translate(a, access)
		if ex != nil {
			return 0, ex
		}
		return b.phys.Read64(paddr), nil
	}
	var buf [8]byte
	if ex := b.readBytesAccess(vaddr, buf[:], access); ex != nil {
		return 0, ex
	}
	return le64(buf[:]), nil
}

func (b *PagingBus) readBytesAccess(vaddr uint64, dst []byte, access mmu.AccessType) *Exception {
	offset := 0
	for offset < len(dst) {
		addr := b.applyA20(vaddr + uint64(offset))
		paddr, ex := b.translate(addr, access)
		if ex != nil {
			return ex
		}

		pageOff := int(addr & (memory.PageSize - 1))
		chunk := memory.PageSize - pageOff
		if rem := len(dst) - offset; chunk > rem {
			chunk = rem
		}

		b.phys.ReadBytes(paddr, dst[offset:offset+chunk])
		offset += chunk
	}
	return nil
}

// writeBytesAccess translates every page in the range before writing any
// byte, so a fault anywhere leaves the target untouched.
func (b *PagingBus) writeBytesAccess(vaddr uint64, src []byte, access mmu.AccessType) *Exception {
	type chunk struct {
		paddr uint64
		off   int
		len   int
	}
	var chunks [3]chunk
	n := 0

	offset := 0
	for offset < len(src) {
		addr := b.applyA20(vaddr + uint64(offset))
		paddr, ex := b.translate(addr, mmu.AccessWrite)
		if ex != nil {
			return ex
		}

		pageOff := int(addr & (memory.PageSize - 1))
		clen := memory.PageSize - pageOff
		if rem := len(src) - offset; clen > rem {
			clen = rem
		}

		if n < len(chunks) {
			chunks[n] = chunk{paddr: paddr, off: offset, len: clen}
			n++
			offset += clen
			continue
		}

		// ranges longer than the fixed chunk table are written page by
		// page as they translate. only the bulk string path takes this
		// branch and it preflights the whole range first
		b.phys.WriteBytes(paddr, src[offset:offset+clen])
		offset += clen
	}

	for i := 0; i < n; i++ {
		b.phys.WriteBytes(chunks[i].paddr, src[chunks[i].off:chunks[i].off+chunks[i].len])
	}
	return nil
}

// Read8 implements the Bus interface.
func (b *PagingBus) Read8(vaddr uint64) (uint8, *Exception) {
	return b.read8Access(vaddr, mmu.AccessRead)
}

// Read16 implements the Bus interface.
func (b *PagingBus) Read16(vaddr uint64) (uint16, *Exception) {
	return b.read16Access(vaddr, mmu.AccessRead)
}

// Read32 implements the Bus interface.
func (b *PagingBus) Read32(vaddr uint64) (uint32, *Exception) {
	return b.read32Access(vaddr, mmu.AccessRead)
}

// Read64 implements the Bus interface.
func (b *PagingBus) Read64(vaddr uint64) (uint64, *Exception) {
	return b.read64Access(vaddr, mmu.AccessRead)
}

// Read128 implements the Bus interface.
func (b *PagingBus) Read128(vaddr uint64) (uint64, uint64, *Exception) {
	a := b.applyA20(vaddr)
	if a&(memory.PageSize-1) <= memory.PageSize-16 {
		paddr, ex := b.translate(a, mmu.AccessRead)
		if ex != nil {
			return 0, 0, ex
		}
		lo, hi := b.phys.Read128(paddr)
		return lo, hi, nil
	}
	var buf [16]byte
	if ex := b.readBytesAccess(vaddr, buf[:], mmu.AccessRead); ex != nil {
		return 0, 0, ex
	}
	return le64(buf[:8]), le64(buf[8:]), nil
}

// Write8 implements the Bus interface.
func (b *PagingBus) Write8(vaddr uint64, val uint8) *Exception {
	paddr, ex := b.translate(b.applyA20(vaddr), mmu.AccessWrite)
	if ex != nil {
		return ex
	}
	b.phys.Write8(paddr, val)
	return nil
}

// Write16 implements the Bus interface.
func (b *PagingBus) Write16(vaddr uint64, val uint16) *Exception {
	a := b.applyA20(vaddr)
	if a&(memory.PageSize-1) <= memory.PageSize-2 {
		paddr, ex := b.translate(a, mmu.AccessWrite)
		if ex != nil {
			return ex
		}
		b.phys.Write16(paddr, val)
		return nil
	}
	return b.writeBytesAccess(vaddr, []byte{uint8(val), uint8(val >> 8)}, mmu.AccessWrite)
}

// Write32 implements the Bus interface.
func (b *PagingBus) Write32(vaddr uint64, val uint32) *Exception {
	a := b.applyA20(vaddr)
	if a&(memory.PageSize-1) <= memory.PageSize-4 {
		paddr, ex := b.translate(a, mmu.AccessWrite)
		if ex != nil {
			return ex
		}
		b.phys.Write32(paddr, val)
		return nil
	}
	var buf [4]byte
	putLE64(buf[:], uint64(val))
	return b.writeBytesAccess(vaddr, buf[:], mmu.AccessWrite)
}

// Write64 implements the Bus interface.
func (b *PagingBus) Write64(vaddr uint64, val uint64) *Exception {
	a := b.applyA20(vaddr)
	if a&(memory.PageSize-1) <= memory.PageSize-8 {
		paddr, ex := b.translate(a, mmu.AccessWrite)
		if ex != nil {
			return ex
		}
		b.phys.Write64(paddr, val)
		return nil
	}
	var buf [8]byte
	putLE64(buf[:], val)
	return b.writeBytesAccess(vaddr, buf[:], mmu.AccessWrite)
}

// Write128 implements the Bus interface.
func (b *PagingBus) Write128(vaddr uint64, lo uint64, hi uint64) *Exception {
	a := b.applyA20(vaddr)
	if a&(memory.PageSize-1) <= memory.PageSize-16 {
		paddr, ex := b.translate(a, mmu.AccessWrite)
		if ex != nil {
			return ex
		}
		b.phys.Write128(paddr, lo, hi)
		return nil
	}
	var buf [16]byte
	putLE64(buf[:8], lo)
	putLE64(buf[8:], hi)
	return b.writeBytesAccess(vaddr, buf[:], mmu.AccessWrite)
}

// ReadBytes implements the Bus interface.
func (b *PagingBus) ReadBytes(vaddr uint64, dst []byte) *Exception {
	return b.readBytesAccess(vaddr, dst, mmu.AccessRead)
}

// WriteBytes implements the Bus interface.
func (b *PagingBus) WriteBytes(vaddr uint64, src []byte) *Exception {
	return b.writeBytesAccess(vaddr, src, mmu.AccessWrite)
}

// FetchByte implements the Bus interface.
func (b *PagingBus) FetchByte(vaddr uint64) (uint8, uint64, *Exception) {
	paddr, ex := b.translate(b.applyA20(vaddr), mmu.AccessExecute)
	if ex != nil {
		return 0, 0, ex
	}
	return b.phys.Read8(paddr), paddr, nil
}

// AtomicRMW implements the Bus interface. The read is translated with write
// intent so that permission checks and Accessed/Dirty updates match real RMW
// semantics even when the computed value equals the old one.
//
// An operand that straddles a page boundary falls back to non-atomic byte
// accesses. No sane guest puts a locked operand across pages; the fallback
// preserves architectural results but is not indivisible.
func (b *PagingBus) AtomicRMW(vaddr uint64, size int, f func(old uint64) (uint64, uint64)) (uint64, *Exception) {
	a := b.applyA20(vaddr)
	if int(a&(memory.PageSize-1)) <= memory.PageSize-size {
		paddr, ex := b.translate(a, mmu.AccessWrite)
		if ex != nil {
			return 0, ex
		}
		return b.phys.AtomicRMW(paddr, size, f), nil
	}

	var buf [8]byte
	if ex := b.readBytesAccess(vaddr, buf[:size], mmu.AccessWrite); ex != nil {
		return 0, ex
	}
	old := le64(buf[:size])
	newVal, ret := f(old)
	if newVal != old {
		putLE64(buf[:], newVal)
		if ex := b.writeBytesAccess(vaddr, buf[:size], mmu.AccessWrite); ex != nil {
			return 0, ex
		}
	}
	return ret, nil
}

// AtomicRMW128 implements the Bus interface.
func (b *PagingBus) AtomicRMW128(vaddr uint64, f func(oldLo, oldHi uint64) (newLo, newHi, ret uint64)) (uint64, *Exception) {
	a := b.applyA20(vaddr)
	if a&(memory.PageSize-1) <= memory.PageSize-16 {
		paddr, ex := b.translate(a, mmu.AccessWrite)
		if ex != nil {
			return 0, ex
		}
		return b.phys.AtomicRMW128(paddr, f), nil
	}

	var buf [16]byte
	if ex := b.readBytesAccess(vaddr, buf[:], mmu.AccessWrite); ex != nil {
		return 0, ex
	}
	oldLo, oldHi := le64(buf[:8]), le64(buf[8:])
	newLo, newHi, ret := f(oldLo, oldHi)
	if newLo != oldLo || newHi != oldHi {
		putLE64(buf[:8], newLo)
		putLE64(buf[8:], newHi)
		if ex := b.writeBytesAccess(vaddr, buf[:], mmu.AccessWrite); ex != nil {
			return 0, ex
		}
	}
	return ret, nil
}

// BulkPreflight implements the Bus interface. The whole range is translated
// with a side-effect-free probe: no Accessed/Dirty updates, no TLB fills and
// no CR2 latch. A false return means a page in the range would fault and the
// caller should fall back to per-element accesses, which preserve correct
// architectural partial-progress semantics.
func (b *PagingBus) BulkPreflight(vaddr uint64, n int, write bool) (bool, *Exception) {
	access := mmu.AccessRead
	if write {
		access = mmu.AccessWrite
	}

	offset := 0
	for offset < n {
		addr := b.applyA20(vaddr + uint64(offset))
		if _, fault := b.mmu.TranslateProbe(b.phys, addr, access, b.cpl); fault != nil {
			if fault.NonCanonical {
				return false, GeneralProtection(0)
			}
			return false, nil
		}

		pageOff := int(addr & (memory.PageSize - 1))
		chunk := memory.PageSize - pageOff
		if rem := n - offset; chunk > rem {
			chunk = rem
		}
		offset += chunk
	}
	return true, nil
}

// Invlpg implements the Bus interface.
func (b *PagingBus) Invlpg(vaddr uint64) {
	b.mmu.Invlpg(b.applyA20(vaddr))
}

// PageVersion implements the Bus interface.
func (b *PagingBus) PageVersion(pageBase uint64) uint64 {
	return b.phys.PageVersion(pageBase)
}

func le64(buf []byte) uint64 {
	var v uint64
	for i := len(buf) - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}

func putLE64(buf []byte, v uint64) {
	for i := range buf {
		buf[i] = uint8(v >> (8 * i))
	}
}
