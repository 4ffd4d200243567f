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

// Package mmu translates linear addresses to physical addresses through
// guest page tables, with a software TLB. Supported paging modes:
//
//   - paging disabled (identity, 32-bit address space)
//   - legacy 32-bit paging (4KB and, with CR4.PSE, 4MB pages)
//   - PAE paging (4KB / 2MB pages)
//   - 4-level long mode paging (4KB / 2MB / 1GB pages) with canonical checks
//
// Successful walks set the Accessed bit on every table entry visited and
// the Dirty bit on the leaf entry for write accesses. Guest page tables are
// adversarial input: every structurally invalid configuration must fail
// closed with a page fault, never loop or wander.
package mmu

import (
	"fmt"

	"github.com/gophervisor/gophervisor/hardware/memory"
)

// AccessType classifies the memory access being translated.
type AccessType int

// List of valid AccessType values.
const (
	AccessRead AccessType = iota
	AccessWrite
	AccessExecute
)

// Fault is a translation failure: either a page fault with the error code
// already computed, or a non-canonical long mode address which raises #GP(0)
// before any table walk begins.
type Fault struct {
	NonCanonical bool

	// faulting linear address (CR2) and error code, valid when
	// NonCanonical is false
	Addr      uint64
	ErrorCode uint32
}

// page-table entry bits common to all formats.
const (
	pteP  = uint64(1) << 0
	pteRW = uint64(1) << 1
	pteUS = uint64(1) << 2
	pteA  = uint64(1) << 5
	pteD  = uint64(1) << 6
	ptePS = uint64(1) << 7
	pteG  = uint64(1) << 8
	pteNX = uint64(1) << 63
)

// legacy 4MB PDE: bits 21:13 are reserved (PSE-36 is not modelled)
const legacy4MReservedMask = uint64(0x003f_e000)

// control register bits, redeclared locally to keep this package free of a
// dependency on the cpu package.
const (
	cr0PG   = uint64(1) << 31
	cr0WP   = uint64(1) << 16
	cr4PSE  = uint64(1) << 4
	cr4PAE  = uint64(1) << 5
	cr4PGE  = uint64(1) << 7
	eferLME = uint64(1) << 8
	eferNXE = uint64(1) << 11
)

type pagingMode int

const (
	pagingDisabled pagingMode = iota
	pagingLegacy32
	pagingPAE
	pagingLong4
)

// Stats counts TLB and page-walk activity.
type Stats struct {
	Lookups        uint64
	Hits           uint64
	Misses         uint64
	PageWalks      uint64
	Invlpg         uint64
	FlushNonGlobal uint64
	FlushAll       uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("tlb: %d lookups, %d hits, %d misses, %d walks, %d invlpg",
		s.Lookups, s.Hits, s.Misses, s.PageWalks, s.Invlpg)
}

// MMU owns the cached-translation table and the paging control state it
// depends on. One MMU per virtual core; never a process-wide singleton.
type MMU struct {
	cr0  uint64
	cr3  uint64
	cr4  uint64
	efer uint64

	// CR2 latch. set to the faulting address on every page fault
	cr2 uint64

	maxPhysBits uint

	tlb   *tlb
	stats Stats
}

// NewMMU is the preferred method of initialisation for the MMU type.
func NewMMU() *MMU {
	return &MMU{
		maxPhysBits: 48,
		tlb:         newTlb(),
	}
}

// CR2 returns the linear address of the most recent page fault.
func (m *MMU) CR2() uint64 {
	return m.cr2
}

// Stats returns a copy of the accumulated TLB/walk counters.
func (m *MMU) Stats() Stats {
	return m.stats
}

// AddressSpaceSalt returns the current TLB salt. The value changes on every
// address-space switch and is part of the JIT context handed to compiled
// artifacts.
func (m *MMU) AddressSpaceSalt() uint64 {
	return m.tlb.salt
}

// SetCR0 updates CR0. Changes to the paging bits flush the whole TLB.
func (m *MMU) SetCR0(value uint64) {
	flush := (m.cr0^value)&(cr0PG|cr0WP) != 0
	m.cr0 = value
	if flush {
		m.tlb.flushAll()
		m.stats.FlushAll++
	}
}

// SetCR3 switches address space. Non-global TLB entries are dropped; global
// entries (when CR4.PGE is enabled) are retained.
func (m *MMU) SetCR3(value uint64) {
	m.cr3 = value
	if m.cr4&cr4PGE != 0 {
		m.tlb.flushNonGlobal()
		m.stats.FlushNonGlobal++
	} else {
		m.tlb.flushAll()
		m.stats.FlushAll++
	}
}

// SetCR4 updates CR4. Changes to the paging bits flush the whole TLB.
func (m *MMU) SetCR4(value uint64) {
	flush := (m.cr4^value)&(cr4PSE|cr4PAE|cr4PGE) != 0
	m.cr4 = value
	if flush {
		m.tlb.flushAll()
		m.stats.FlushAll++
	}
}

// SetEFER updates EFER. Changes to NXE alter reserved-bit interpretation so
// the whole TLB is flushed.
func (m *MMU) SetEFER(value uint64) {
	flush := (m.efer^value)&(eferLME|eferNXE) != 0
	m.efer = value
	if flush {
		m.tlb.flushAll()
		m.stats.FlushAll++
	}
}

// CR0 returns the MMU's view of CR0.
func (m *MMU) CR0() uint64 { return m.cr0 }

// CR3 returns the MMU's view of CR3.
func (m *MMU) CR3() uint64 { return m.cr3 }

// CR4 returns the MMU's view of CR4.
func (m *MMU) CR4() uint64 { return m.cr4 }

// EFER returns the MMU's view of EFER.
func (m *MMU) EFER() uint64 { return m.efer }

// Invlpg removes exactly the cached translation covering vaddr.
func (m *MMU) Invlpg(vaddr uint64) {
	m.tlb.invalidatePage(vaddr)
	m.stats.Invlpg++
}

func (m *MMU) pagingMode() pagingMode {
	if m.cr0&cr0PG == 0 {
		return pagingDisabled
	}
	if m.efer&eferLME != 0 {
		return pagingLong4
	}
	if m.cr4&cr4PAE != 0 {
		return pagingPAE
	}
	return pagingLegacy32
}

func (m *MMU) nxEnabled() bool {
	return m.efer&eferNXE != 0
}

func (m *MMU) wpEnabled() bool {
	return m.cr0&cr0WP != 0
}

func (m *MMU) pseEnabled() bool {
	return m.cr4&cr4PSE != 0
}

func (m *MMU) pgeEnabled() bool {
	return m.cr4&cr4PGE != 0
}

func (m *MMU) physAddrMask() uint64 {
	return (uint64(1) << m.maxPhysBits) - 1
}

func pfErrorCode(present bool, access AccessType, isUser bool, rsvd bool) uint32 {
	var code uint32
	if present {
		code |= 1 << 0
	}
	if access == AccessWrite {
		code |= 1 << 1
	}
	if isUser {
		code |= 1 << 2
	}
	if rsvd {
		code |= 1 << 3
	}
	if access == AccessExecute {
		code |= 1 << 4
	}
	return code
}

// isCanonical48 reports whether bits 48..63 are a sign-extension of bit 47.
func isCanonical48(vaddr uint64) bool {
	top := vaddr >> 47
	return top == 0 || top == 0x1ffff
}

// fault constructors. CR2 is latched by Translate, not here, so that probe
// walks stay free of side effects.
func faultNotPresent(vaddr uint64, access AccessType, isUser bool) *Fault {
	return &Fault{Addr: vaddr, ErrorCode: pfErrorCode(false, access, isUser, false)}
}

func faultProtection(vaddr uint64, access AccessType, isUser bool) *Fault {
	return &Fault{Addr: vaddr, ErrorCode: pfErrorCode(true, access, isUser, false)}
}

func faultReserved(vaddr uint64, access AccessType, isUser bool) *Fault {
	return &Fault{Addr: vaddr, ErrorCode: pfErrorCode(true, access, isUser, true)}
}

// Translate maps a linear address to a physical address for the given access
// type and privilege level. On success the Accessed bit is set on every
// visited table entry, and the Dirty bit on the leaf entry for writes.
func (m *MMU) Translate(bus memory.Bus, vaddr uint64, access AccessType, cpl uint8) (uint64, *Fault) {
	isUser := cpl == 3
	mode := m.pagingMode()

	// with paging disabled x86 uses a 32-bit linear address space (long
	// mode cannot be active without paging). in non-long paging modes the
	// linear address is also 32-bit. in long mode, enforce canonical form
	switch mode {
	case pagingDisabled:
		return vaddr & 0xffff_ffff, nil
	case pagingLegacy32, pagingPAE:
		vaddr = uint64(uint32(vaddr))
	case pagingLong4:
		if !isCanonical48(vaddr) {
			return 0, &Fault{NonCanonical: true, Addr: vaddr}
		}
	}

	m.stats.Lookups++

	if e := m.tlb.lookup(vaddr); e != nil {
		m.stats.Hits++

		paddr, fault := m.checkHit(bus, e, vaddr, access, isUser)
		if fault != nil {
			m.cr2 = fault.Addr
			return 0, fault
		}
		return paddr, nil
	}

	m.stats.Misses++
	m.stats.PageWalks++

	var entry *TlbEntry
	var paddr uint64
	var fault *Fault

	switch mode {
	case pagingLegacy32:
		entry, paddr, fault = m.walkLegacy32(bus, vaddr, access, isUser)
	case pagingPAE:
		entry, paddr, fault = m.walkPAE(bus, vaddr, access, isUser)
	case pagingLong4:
		entry, paddr, fault = m.walkLong4(bus, vaddr, access, isUser)
	}

	if fault != nil {
		m.cr2 = fault.Addr
		return 0, fault
	}

	m.tlb.insert(entry)
	return paddr, nil
}

// TranslateProbe performs the same mapping lookup and permission checks as
// Translate but with no guest-visible side effects: no Accessed/Dirty bit
// updates and no TLB insertion. Used by bulk-operation preflights whose
// fallback path must observe unchanged paging state.
func (m *MMU) TranslateProbe(bus memory.Bus, vaddr uint64, access AccessType, cpl uint8) (uint64, *Fault) {
	isUser := cpl == 3
	mode := m.pagingMode()

	switch mode {
	case pagingDisabled:
		return vaddr & 0xffff_ffff, nil
	case pagingLegacy32, pagingPAE:
		vaddr = uint64(uint32(vaddr))
	case pagingLong4:
		if !isCanonical48(vaddr) {
			return 0, &Fault{NonCanonical: true, Addr: vaddr}
		}
	}

	probe := &probeBus{bus: bus}

	var entry *TlbEntry
	var paddr uint64
	var fault *Fault

	switch mode {
	case pagingLegacy32:
		entry, paddr, fault = m.walkLegacy32(probe, vaddr, access, isUser)
	case pagingPAE:
		entry, paddr, fault = m.walkPAE(probe, vaddr, access, isUser)
	case pagingLong4:
		entry, paddr, fault = m.walkLong4(probe, vaddr, access, isUser)
	}
	_ = entry

	if fault != nil {
		// probes do not latch CR2
		return 0, fault
	}
	return paddr, nil
}

// checkHit validates permissions against a cached translation and performs
// the lazy Dirty update for the first write through the entry.
func (m *MMU) checkHit(bus memory.Bus, e *TlbEntry, vaddr uint64, access AccessType, isUser bool) (uint64, *Fault) {
	if isUser && !e.User {
		return 0, faultProtection(vaddr, access, isUser)
	}

	switch access {
	case AccessExecute:
		if e.NX {
			return 0, faultProtection(vaddr, access, isUser)
		}

	case AccessWrite:
		if !e.Writable && (isUser || m.wpEnabled()) {
			return 0, faultProtection(vaddr, access, isUser)
		}

		// lazily set D on the first write hit
		if !e.Dirty {
			if e.Leaf64 {
				bus.Write64(e.LeafAddr, bus.Read64(e.LeafAddr)|pteD)
			} else {
				bus.Write32(e.LeafAddr, bus.Read32(e.LeafAddr)|uint32(pteD))
			}
			e.Dirty = true
		}
	}

	return e.Translate(vaddr), nil
}

// checkPerms applies the accumulated permission bits of a walk.
func (m *MMU) checkPerms(vaddr uint64, userOK, writableOK, nx bool, access AccessType, isUser bool) *Fault {
	if isUser && !userOK {
		return faultProtection(vaddr, access, isUser)
	}
	if access == AccessWrite && !writableOK && (isUser || m.wpEnabled()) {
		return faultProtection(vaddr, access, isUser)
	}
	if access == AccessExecute && nx {
		return faultProtection(vaddr, access, isUser)
	}
	return nil
}

// probeBus suppresses the Accessed/Dirty writes a walk would otherwise
// perform, forwarding reads to the real bus.
type probeBus struct {
	bus memory.Bus
}

func (p *probeBus) Read8(paddr uint64) uint8              { return p.bus.Read8(paddr) }
func (p *probeBus) Read16(paddr uint64) uint16            { return p.bus.Read16(paddr) }
func (p *probeBus) Read32(paddr uint64) uint32            { return p.bus.Read32(paddr) }
func (p *probeBus) Read64(paddr uint64) uint64            { return p.bus.Read64(paddr) }
func (p *probeBus) Read128(paddr uint64) (uint64, uint64) { return p.bus.Read128(paddr) }
func (p *probeBus) ReadBytes(paddr uint64, dst []byte)    { p.bus.ReadBytes(paddr, dst) }

func (p *probeBus) Write8(paddr uint64, val uint8)       {}
func (p *probeBus) Write16(paddr uint64, val uint16)     {}
func (p *probeBus) Write32(paddr uint64, val uint32)     {}
func (p *probeBus) Write64(paddr uint64, val uint64)     {}
func (p *probeBus) Write128(paddr uint64, lo, hi uint64) {}
func (p *probeBus) WriteBytes(paddr uint64, src []byte)  {}

func (p *probeBus) AtomicRMW(paddr uint64, size int, f func(uint64) (uint64, uint64)) uint64 {
	panic("probeBus: AtomicRMW during page walk")
}

func (p *probeBus) AtomicRMW128(paddr uint64, f func(uint64, uint64) (uint64, uint64, uint64)) uint64 {
	panic("probeBus: AtomicRMW128 during page walk")
}

func (p *probeBus) PageVersion(pageBase uint64) uint64 {
	return p.bus.PageVersion(pageBase)
}
