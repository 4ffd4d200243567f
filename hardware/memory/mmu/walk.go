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

import (
	"github.com/gophervisor/gophervisor/hardware/memory"
)

// entryKind64 identifies the level and format of a 64-bit paging-structure
// entry. reserved-bit rules differ per kind.
type entryKind64 int

const (
	kindPml4e entryKind64 = iota
	kindPdpteLong
	kindPdeLong
	kindPteLong
	kindPdptePae
	kindPdePae
	kindPtePae
)

// checkEntry32 validates a present legacy 32-bit entry and sets its Accessed
// bit. returns false for a not-present entry.
func checkEntry32(bus memory.Bus, entryAddr uint64, entry uint64) (uint64, bool) {
	if entry&pteP == 0 {
		return 0, false
	}
	if entry&pteA == 0 {
		entry |= pteA
		bus.Write32(entryAddr, uint32(entry))
	}
	return entry, true
}

// checkEntry64 validates a 64-bit paging-structure entry and sets its
// Accessed bit. A not-present entry returns present=false; a reserved-bit
// violation returns a fault.
//
// IA-32 PAE PDPT entries do not have Accessed/Dirty bits; all other
// paging-structure entries we emulate do.
func (m *MMU) checkEntry64(bus memory.Bus, entryAddr uint64, entry uint64, vaddr uint64, access AccessType, isUser bool, kind entryKind64) (uint64, bool, *Fault) {
	if entry&pteP == 0 {
		return 0, false, nil
	}
	if m.hasReservedBits64(entry, kind) {
		return 0, true, faultReserved(vaddr, access, isUser)
	}
	if kind != kindPdptePae && entry&pteA == 0 {
		entry |= pteA
		bus.Write64(entryAddr, entry)
	}
	return entry, true, nil
}

func (m *MMU) hasReservedBits64(entry uint64, kind entryKind64) bool {
	if entry&pteP == 0 {
		return false
	}

	// bits 52..=58 are available-to-software in most 64-bit entries and
	// never fault. IA-32 PAE PDPTEs have a stricter format and do not get
	// this relaxation
	const ignoredAvlHighMask = uint64(0x7f) << 52

	// NX is reserved when EFER.NXE is clear
	nxEnabled := m.nxEnabled()
	if !nxEnabled && entry&pteNX != 0 {
		return true
	}

	// PS is reserved in entries that can never map a large page
	if kind == kindPml4e || kind == kindPdptePae {
		if entry&ptePS != 0 {
			return true
		}
	}

	// large-page support is controlled by CR4.PSE in all paging modes we
	// emulate. with it clear, PS is a reserved bit
	if !m.pseEnabled() {
		switch kind {
		case kindPdpteLong, kindPdePae, kindPdeLong:
			if entry&ptePS != 0 {
				return true
			}
		}
	}

	addrMask := m.physAddrMask()

	if kind == kindPdptePae {
		// IA-32 PAE PDPT entry: P, PWT, PCD, AVL (bits 9..=11) and the
		// PD base address; bits 1, 2 and 5..=8 must be 0
		allowed := pteP | uint64(1)<<3 | uint64(1)<<4 | uint64(0x7)<<9
		allowed |= addrMask &^ uint64(0xfff)
		if nxEnabled {
			allowed |= pteNX
		}
		return entry&^allowed != 0
	}

	pageAlign := uint64(0x1000)
	switch kind {
	case kindPdpteLong:
		if entry&ptePS != 0 {
			pageAlign = Size1G.Bytes()
		}
	case kindPdePae, kindPdeLong:
		if entry&ptePS != 0 {
			pageAlign = Size2M.Bytes()
		}
	}

	allowed := (addrMask &^ (pageAlign - 1)) | 0x1fff | ignoredAvlHighMask
	if nxEnabled {
		allowed |= pteNX
	}
	return entry&^allowed != 0
}

func (m *MMU) walkLegacy32(bus memory.Bus, vaddr uint64, access AccessType, isUser bool) (*TlbEntry, uint64, *Fault) {
	pdBase := (m.cr3 & 0xffff_ffff) &^ uint64(0xfff)
	pdeAddr := pdBase + ((vaddr>>22)&0x3ff)*4
	pdeRaw := uint64(bus.Read32(pdeAddr))
	if pdeRaw&pteP == 0 {
		return nil, 0, faultNotPresent(vaddr, access, isUser)
	}

	pdePS := pdeRaw&ptePS != 0
	if pdePS {
		// 4MB pages require CR4.PSE; otherwise PS is treated as reserved
		if !m.pseEnabled() {
			return nil, 0, faultReserved(vaddr, access, isUser)
		}
		if pdeRaw&legacy4MReservedMask != 0 {
			return nil, 0, faultReserved(vaddr, access, isUser)
		}
	}

	pde, _ := checkEntry32(bus, pdeAddr, pdeRaw)

	if pdePS {
		userOK := pde&pteUS != 0
		writableOK := pde&pteRW != 0

		if fault := m.checkPerms(vaddr, userOK, writableOK, false, access, isUser); fault != nil {
			return nil, 0, fault
		}

		// dirty only on successful write
		newPde := pde
		if access == AccessWrite {
			newPde |= pteD
		}
		if newPde != pde {
			bus.Write32(pdeAddr, uint32(newPde))
		}

		vbase := vaddr &^ (Size4M.Bytes() - 1)
		pbase := pde & 0xffc0_0000
		entry := &TlbEntry{
			VBase:    vbase,
			PBase:    pbase,
			Size:     Size4M,
			User:     userOK,
			Writable: writableOK,
			Global:   m.pgeEnabled() && pde&pteG != 0,
			Dirty:    newPde&pteD != 0,
			LeafAddr: pdeAddr,
		}
		return entry, pbase + (vaddr - vbase), nil
	}

	ptBase := pde &^ uint64(0xfff)
	pteAddr := ptBase + ((vaddr>>12)&0x3ff)*4
	pte, ok := checkEntry32(bus, pteAddr, uint64(bus.Read32(pteAddr)))
	if !ok {
		return nil, 0, faultNotPresent(vaddr, access, isUser)
	}

	userOK := pde&pteUS != 0 && pte&pteUS != 0
	writableOK := pde&pteRW != 0 && pte&pteRW != 0

	if fault := m.checkPerms(vaddr, userOK, writableOK, false, access, isUser); fault != nil {
		return nil, 0, fault
	}

	newPte := pte
	if access == AccessWrite {
		newPte |= pteD
	}
	if newPte != pte {
		bus.Write32(pteAddr, uint32(newPte))
	}

	vbase := vaddr &^ (Size4K.Bytes() - 1)
	pbase := pte &^ uint64(0xfff)
	entry := &TlbEntry{
		VBase:    vbase,
		PBase:    pbase,
		Size:     Size4K,
		User:     userOK,
		Writable: writableOK,
		Global:   m.pgeEnabled() && pte&pteG != 0,
		Dirty:    newPte&pteD != 0,
		LeafAddr: pteAddr,
	}
	return entry, pbase + (vaddr - vbase), nil
}

func (m *MMU) walkPAE(bus memory.Bus, vaddr uint64, access AccessType, isUser bool) (*TlbEntry, uint64, *Fault) {
	nxEnabled := m.nxEnabled()
	addrMask := m.physAddrMask()

	pdptBase := (m.cr3 & 0xffff_ffff) &^ uint64(0x1f)
	pdpteAddr := pdptBase + ((vaddr>>30)&0x3)*8
	pdpte, present, fault := m.checkEntry64(bus, pdpteAddr, bus.Read64(pdpteAddr), vaddr, access, isUser, kindPdptePae)
	if fault != nil {
		return nil, 0, fault
	}
	if !present {
		return nil, 0, faultNotPresent(vaddr, access, isUser)
	}

	// in IA-32 PAE paging the PDPT entry does not participate in U/S or
	// R/W protection checks. it can, however, contribute NX
	effUser := true
	effWritable := true
	effNX := nxEnabled && pdpte&pteNX != 0

	pdBase := (pdpte & addrMask) &^ uint64(0xfff)
	pdeAddr := pdBase + ((vaddr>>21)&0x1ff)*8
	pde, present, fault := m.checkEntry64(bus, pdeAddr, bus.Read64(pdeAddr), vaddr, access, isUser, kindPdePae)
	if fault != nil {
		return nil, 0, fault
	}
	if !present {
		return nil, 0, faultNotPresent(vaddr, access, isUser)
	}

	effUser = effUser && pde&pteUS != 0
	effWritable = effWritable && pde&pteRW != 0
	effNX = effNX || (nxEnabled && pde&pteNX != 0)

	if pde&ptePS != 0 {
		return m.finishWalk64(bus, vaddr, access, isUser, pde, pdeAddr, Size2M, addrMask, effUser, effWritable, effNX)
	}

	ptBase := (pde & addrMask) &^ uint64(0xfff)
	pteAddr := ptBase + ((vaddr>>12)&0x1ff)*8
	pte, present, fault := m.checkEntry64(bus, pteAddr, bus.Read64(pteAddr), vaddr, access, isUser, kindPtePae)
	if fault != nil {
		return nil, 0, fault
	}
	if !present {
		return nil, 0, faultNotPresent(vaddr, access, isUser)
	}

	effUser = effUser && pte&pteUS != 0
	effWritable = effWritable && pte&pteRW != 0
	effNX = effNX || (nxEnabled && pte&pteNX != 0)

	return m.finishWalk64(bus, vaddr, access, isUser, pte, pteAddr, Size4K, addrMask, effUser, effWritable, effNX)
}

func (m *MMU) walkLong4(bus memory.Bus, vaddr uint64, access AccessType, isUser bool) (*TlbEntry, uint64, *Fault) {
	nxEnabled := m.nxEnabled()
	addrMask := m.physAddrMask()

	pml4Base := (m.cr3 & addrMask) &^ uint64(0xfff)
	pml4eAddr := pml4Base + ((vaddr>>39)&0x1ff)*8
	pml4e, present, fault := m.checkEntry64(bus, pml4eAddr, bus.Read64(pml4eAddr), vaddr, access, isUser, kindPml4e)
	if fault != nil {
		return nil, 0, fault
	}
	if !present {
		return nil, 0, faultNotPresent(vaddr, access, isUser)
	}

	effUser := pml4e&pteUS != 0
	effWritable := pml4e&pteRW != 0
	effNX := nxEnabled && pml4e&pteNX != 0

	pdptBase := (pml4e & addrMask) &^ uint64(0xfff)
	pdpteAddr := pdptBase + ((vaddr>>30)&0x1ff)*8
	pdpte, present, fault := m.checkEntry64(bus, pdpteAddr, bus.Read64(pdpteAddr), vaddr, access, isUser, kindPdpteLong)
	if fault != nil {
		return nil, 0, fault
	}
	if !present {
		return nil, 0, faultNotPresent(vaddr, access, isUser)
	}

	effUser = effUser && pdpte&pteUS != 0
	effWritable = effWritable && pdpte&pteRW != 0
	effNX = effNX || (nxEnabled && pdpte&pteNX != 0)

	if pdpte&ptePS != 0 {
		return m.finishWalk64(bus, vaddr, access, isUser, pdpte, pdpteAddr, Size1G, addrMask, effUser, effWritable, effNX)
	}

	pdBase := (pdpte & addrMask) &^ uint64(0xfff)
	pdeAddr := pdBase + ((vaddr>>21)&0x1ff)*8
	pde, present, fault := m.checkEntry64(bus, pdeAddr, bus.Read64(pdeAddr), vaddr, access, isUser, kindPdeLong)
	if fault != nil {
		return nil, 0, fault
	}
	if !present {
		return nil, 0, faultNotPresent(vaddr, access, isUser)
	}

	effUser = effUser && pde&pteUS != 0
	effWritable = effWritable && pde&pteRW != 0
	effNX = effNX || (nxEnabled && pde&pteNX != 0)

	if pde&ptePS != 0 {
		return m.finishWalk64(bus, vaddr, access, isUser, pde, pdeAddr, Size2M, addrMask, effUser, effWritable, effNX)
	}

	ptBase := (pde & addrMask) &^ uint64(0xfff)
	pteAddr := ptBase + ((vaddr>>12)&0x1ff)*8
	pte, present, fault := m.checkEntry64(bus, pteAddr, bus.Read64(pteAddr), vaddr, access, isUser, kindPteLong)
	if fault != nil {
		return nil, 0, fault
	}
	if !present {
		return nil, 0, faultNotPresent(vaddr, access, isUser)
	}

	effUser = effUser && pte&pteUS != 0
	effWritable = effWritable && pte&pteRW != 0
	effNX = effNX || (nxEnabled && pte&pteNX != 0)

	return m.finishWalk64(bus, vaddr, access, isUser, pte, pteAddr, Size4K, addrMask, effUser, effWritable, effNX)
}

// finishWalk64 completes a 64-bit walk at its leaf entry: permission check,
// Dirty update for writes, and TLB entry construction.
func (m *MMU) finishWalk64(bus memory.Bus, vaddr uint64, access AccessType, isUser bool, leaf uint64, leafAddr uint64, size PageSize, addrMask uint64, effUser, effWritable, effNX bool) (*TlbEntry, uint64, *Fault) {
	if fault := m.checkPerms(vaddr, effUser, effWritable, effNX, access, isUser); fault != nil {
		return nil, 0, fault
	}

	newLeaf := leaf
	if access == AccessWrite {
		newLeaf |= pteD
	}
	if newLeaf != leaf {
		bus.Write64(leafAddr, newLeaf)
	}

	vbase := vaddr &^ (size.Bytes() - 1)
	pbase := (leaf & addrMask) &^ (size.Bytes() - 1)
	entry := &TlbEntry{
		VBase:    vbase,
		PBase:    pbase,
		Size:     size,
		User:     effUser,
		Writable: effWritable,
		NX:       effNX,
		Global:   m.pgeEnabled() && leaf&pteG != 0,
		Dirty:    newLeaf&pteD != 0,
		LeafAddr: leafAddr,
		Leaf64:   true,
	}
	return entry, pbase + (vaddr - vbase), nil
}
