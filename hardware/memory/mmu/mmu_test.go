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

package mmu_test

import (
	"testing"

	"github.com/gophervisor/gophervisor/hardware/memory"
	"github.com/gophervisor/gophervisor/hardware/memory/mmu"
	"github.com/gophervisor/gophervisor/test"
)

// page-table entry bits, as written by the tests when building guest tables.
const (
	entP  = uint64(1) << 0
	entRW = uint64(1) << 1
	entUS = uint64(1) << 2
	entA  = uint64(1) << 5
	entD  = uint64(1) << 6
	entPS = uint64(1) << 7
	entG  = uint64(1) << 8
	entNX = uint64(1) << 63
)

// control bits, mirroring the architectural positions.
const (
	cr0PG   = uint64(1) << 31
	cr0WP   = uint64(1) << 16
	cr4PSE  = uint64(1) << 4
	cr4PAE  = uint64(1) << 5
	cr4PGE  = uint64(1) << 7
	eferLME = uint64(1) << 8
	eferNXE = uint64(1) << 11
)

// layout of the long mode test tables in guest RAM.
const (
	pml4Base  = uint64(0x1000)
	pdptBase  = uint64(0x2000)
	pdBase    = uint64(0x3000)
	ptBase    = uint64(0x4000)
	pml4Empty = uint64(0x6000)
)

// buildLong constructs a 4-level hierarchy and an MMU configured for long
// mode with NX and large pages enabled:
//
//	0x0000_5000 -> 0x9000      (4K, user, writable)
//	0x0040_0000 -> 0x0060_0000 (2M, user, writable)
//	0x4000_0000 -> 0x8000_0000 (1G, user, writable)
//
// individual tests add further PT entries as needed. the PML4 at pml4Empty
// is left zeroed and maps nothing.
func buildLong(extraCR4 uint64) (*memory.RAM, *mmu.MMU) {
	ram := memory.NewRAM(0x10000)

	ram.Write64(pml4Base, pdptBase|entP|entRW|entUS)
	ram.Write64(pdptBase, pdBase|entP|entRW|entUS)
	ram.Write64(pdptBase+1*8, 0x8000_0000|entP|entRW|entUS|entPS)
	ram.Write64(pdBase, ptBase|entP|entRW|entUS)
	ram.Write64(pdBase+2*8, 0x0060_0000|entP|entRW|entUS|entPS)
	ram.Write64(ptBase+5*8, 0x9000|entP|entRW|entUS)

	m := mmu.NewMMU()
	m.SetEFER(eferLME | eferNXE)
	m.SetCR4(cr4PAE | cr4PSE | extraCR4)
	m.SetCR3(pml4Base)
	m.SetCR0(cr0PG)
	return ram, m
}

func TestLongMode4K(t *testing.T) {
	ram, m := buildLong(0)

	paddr, fault := m.Translate(ram, 0x5123, mmu.AccessRead, 0)
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	test.Equate(t, paddr, 0x9123)

	// the walk sets Accessed on every level but Dirty nowhere
	test.Equate(t, ram.Read64(pml4Base)&entA != 0, true)
	test.Equate(t, ram.Read64(pdptBase)&entA != 0, true)
	test.Equate(t, ram.Read64(pdBase)&entA != 0, true)
	test.Equate(t, ram.Read64(ptBase+5*8)&entA != 0, true)
	test.Equate(t, ram.Read64(ptBase+5*8)&entD != 0, false)

	// first write is a TLB hit and sets Dirty lazily, on the leaf only
	paddr, fault = m.Translate(ram, 0x5fff, mmu.AccessWrite, 0)
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	test.Equate(t, paddr, 0x9fff)
	test.Equate(t, ram.Read64(ptBase+5*8)&entD != 0, true)
	test.Equate(t, ram.Read64(pdBase)&entD != 0, false)

	stats := m.Stats()
	test.Equate(t, stats.Lookups, 2)
	test.Equate(t, stats.Hits, 1)
	test.Equate(t, stats.Misses, 1)
	test.Equate(t, stats.PageWalks, 1)
}

func TestLongMode2M(t *testing.T) {
	ram, m := buildLong(0)

	paddr, fault := m.Translate(ram, 0x0040_0000+0x1_2345, mmu.AccessWrite, 0)
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	test.Equate(t, paddr, 0x0061_2345)

	// Dirty lands on the PDE because it is the leaf
	test.Equate(t, ram.Read64(pdBase+2*8)&entD != 0, true)
}

func TestLongMode1G(t *testing.T) {
	ram, m := buildLong(0)

	paddr, fault := m.Translate(ram, 0x4012_3456, mmu.AccessRead, 0)
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	test.Equate(t, paddr, 0x8012_3456)
	test.Equate(t, ram.Read64(pdptBase+1*8)&entA != 0, true)
}

func TestNotPresent(t *testing.T) {
	ram, m := buildLong(0)

	// PD index 1 was never populated
	_, fault := m.Translate(ram, 0x0020_0000, mmu.AccessRead, 0)
	if fault == nil {
		t.Fatal("expected a page fault")
	}
	test.Equate(t, fault.NonCanonical, false)
	test.Equate(t, fault.ErrorCode, 0)
	test.Equate(t, m.CR2(), 0x0020_0000)

	// user-mode write to the same hole: W|U, P clear
	_, fault = m.Translate(ram, 0x0020_1000, mmu.AccessWrite, 3)
	if fault == nil {
		t.Fatal("expected a page fault")
	}
	test.Equate(t, fault.ErrorCode, 0b110)
	test.Equate(t, m.CR2(), 0x0020_1000)
}

func TestNonCanonical(t *testing.T) {
	ram, m := buildLong(0)

	_, fault := m.Translate(ram, 0x0000_8000_0000_0000, mmu.AccessRead, 0)
	if fault == nil {
		t.Fatal("expected a fault")
	}
	test.Equate(t, fault.NonCanonical, true)

	// sign-extended high half is canonical and simply not present
	_, fault = m.Translate(ram, 0xffff_8000_0000_0000, mmu.AccessRead, 0)
	if fault == nil {
		t.Fatal("expected a fault")
	}
	test.Equate(t, fault.NonCanonical, false)
}

func TestSupervisorOnlyPage(t *testing.T) {
	ram, m := buildLong(0)
	ram.Write64(ptBase+6*8, 0xa000|entP|entRW)

	_, fault := m.Translate(ram, 0x6000, mmu.AccessRead, 3)
	if fault == nil {
		t.Fatal("expected a page fault")
	}
	test.Equate(t, fault.ErrorCode, 0b101)

	paddr, fault := m.Translate(ram, 0x6000, mmu.AccessRead, 0)
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	test.Equate(t, paddr, 0xa000)
}

func TestNoExecute(t *testing.T) {
	ram, m := buildLong(0)
	ram.Write64(ptBase+7*8, 0xb000|entP|entRW|entUS|entNX)

	_, fault := m.Translate(ram, 0x7000, mmu.AccessExecute, 3)
	if fault == nil {
		t.Fatal("expected a page fault")
	}
	test.Equate(t, fault.ErrorCode, 0b10101)

	_, fault = m.Translate(ram, 0x7000, mmu.AccessExecute, 0)
	if fault == nil {
		t.Fatal("expected a page fault")
	}
	test.Equate(t, fault.ErrorCode, 0b10001)

	// data reads are unaffected
	paddr, fault := m.Translate(ram, 0x7000, mmu.AccessRead, 0)
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	test.Equate(t, paddr, 0xb000)
}

func TestNXReservedWithoutNXE(t *testing.T) {
	ram := memory.NewRAM(0x10000)
	ram.Write64(pml4Base, pdptBase|entP|entRW|entUS)
	ram.Write64(pdptBase, pdBase|entP|entRW|entUS)
	ram.Write64(pdBase, ptBase|entP|entRW|entUS)
	ram.Write64(ptBase+5*8, 0x9000|entP|entRW|entUS|entNX)

	m := mmu.NewMMU()
	m.SetEFER(eferLME) // NXE clear: bit 63 is reserved
	m.SetCR4(cr4PAE | cr4PSE)
	m.SetCR3(pml4Base)
	m.SetCR0(cr0PG)

	_, fault := m.Translate(ram, 0x5000, mmu.AccessRead, 0)
	if fault == nil {
		t.Fatal("expected a page fault")
	}
	test.Equate(t, fault.ErrorCode, 0b1001)
}

func TestWriteProtect(t *testing.T) {
	ram, m := buildLong(0)
	ram.Write64(ptBase+8*8, 0xc000|entP|entUS)

	// user writes to a read-only page always fault
	_, fault := m.Translate(ram, 0x8000, mmu.AccessWrite, 3)
	if fault == nil {
		t.Fatal("expected a page fault")
	}
	test.Equate(t, fault.ErrorCode, 0b111)

	// supervisor writes succeed while CR0.WP is clear
	paddr, fault := m.Translate(ram, 0x8000, mmu.AccessWrite, 0)
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	test.Equate(t, paddr, 0xc000)

	m.SetCR0(cr0PG | cr0WP)
	_, fault = m.Translate(ram, 0x8000, mmu.AccessWrite, 0)
	if fault == nil {
		t.Fatal("expected a page fault")
	}
	test.Equate(t, fault.ErrorCode, 0b011)
}

func TestReservedBits2M(t *testing.T) {
	ram, m := buildLong(0)

	// bits 20:13 of a 2M leaf must be zero
	ram.Write64(pdBase+3*8, 0x0080_0000|uint64(1)<<13|entP|entRW|entUS|entPS)

	_, fault := m.Translate(ram, 0x0060_0000, mmu.AccessRead, 0)
	if fault == nil {
		t.Fatal("expected a page fault")
	}
	test.Equate(t, fault.ErrorCode, 0b1001)
}

func TestGlobalPagesSurviveCR3(t *testing.T) {
	ram, m := buildLong(cr4PGE)
	ram.Write64(ptBase+9*8, 0xd000|entP|entRW|entUS|entG)

	paddr, fault := m.Translate(ram, 0x9000, mmu.AccessRead, 0)
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	test.Equate(t, paddr, 0xd000)

	// prime the TLB for the non-global 4K page too
	_, fault = m.Translate(ram, 0x5000, mmu.AccessRead, 0)
	test.ExpectedSuccess(t, fault == nil)

	// switch to an address space that maps nothing. the global entry
	// keeps translating out of the TLB; the non-global one walks the new
	// tables and faults
	m.SetCR3(pml4Empty)

	paddr, fault = m.Translate(ram, 0x9000, mmu.AccessRead, 0)
	if fault != nil {
		t.Fatalf("unexpected fault: %v", fault)
	}
	test.Equate(t, paddr, 0xd000)

	_, fault = m.Translate(ram, 0x5000, mmu.AccessRead, 0)
	if fault == nil {
		t.Fatal("expected a page fault after the address-space switch")
	}
	test.Equate(t, fault.ErrorCode, 0)
}

func TestInvlpg(t *testing.T) {
	ram, m := buildLong(0)
	ram.Write64(ptBase+10*8, 0xe000|entP|entRW|entUS)

	paddr, fault := m.Translate(ram, 0xa123, mmu.AccessRead, 0)
	test.ExpectedSuccess(t, fault == nil)
	test.Equate(t, paddr, 0xe123)

	// remap the page in the tables. the stale translation is served
	// until the TLB entry is invalidated
	ram.Write64(ptBase+10*8, 0xf000|entP|entRW|entUS)

	paddr, fault = m.Translate(ram, 0xa123, mmu.AccessRead, 0)
	test.ExpectedSuccess(t, fault == nil)
	test.Equate(t, paddr, 0xe123)

	m.Invlpg(0xa123)

	paddr, fault = m.Translate(ram, 0xa123, mmu.AccessRead, 0)
	test.ExpectedSuccess(t, fault == nil)
	test.Equate(t, paddr, 0xf123)

	test.Equate(t, m.Stats().Invlpg, 1)
}

func TestTranslateProbe(t *testing.T) {
	ram, m := buildLong(0)
	ram.Write64(ptBase+11*8, 0xf000|entP|entRW|entUS)

	paddr, fault := m.TranslateProbe(ram, 0xb040, mmu.AccessWrite, 0)
	test.ExpectedSuccess(t, fault == nil)
	test.Equate(t, paddr, 0xf040)

	// probe walks leave the tables untouched
	test.Equate(t, ram.Read64(ptBase+11*8)&(entA|entD), 0)

	// and a probe fault does not latch CR2
	before := m.CR2()
	_, fault = m.TranslateProbe(ram, 0x0020_0000, mmu.AccessRead, 0)
	if fault == nil {
		t.Fatal("expected a page fault")
	}
	test.Equate(t, m.CR2(), before)
}

func TestSaltChangesOnCR3(t *testing.T) {
	_, m := buildLong(0)

	before := m.AddressSpaceSalt()
	m.SetCR3(pml4Empty)
	if m.AddressSpaceSalt() == before {
		t.Error("TLB salt did not change across an address-space switch")
	}
}

func TestPagingDisabled(t *testing.T) {
	ram := memory.NewRAM(0x10000)
	m := mmu.NewMMU()

	// identity mapping over a 32-bit space
	paddr, fault := m.Translate(ram, 0x1_2345_6789, mmu.AccessWrite, 3)
	test.ExpectedSuccess(t, fault == nil)
	test.Equate(t, paddr, 0x2345_6789)
}

func TestLegacy32(t *testing.T) {
	ram := memory.NewRAM(0x10000)

	// PD at 0x1000, PT at 0x2000; 32-bit entries
	ram.Write32(0x1000, uint32(0x2000|entP|entRW|entUS))
	ram.Write32(0x2000+3*4, uint32(0x5000|entP|entRW|entUS))

	m := mmu.NewMMU()
	m.SetCR3(0x1000)
	m.SetCR0(cr0PG)

	paddr, fault := m.Translate(ram, 0x3ab0, mmu.AccessWrite, 0)
	test.ExpectedSuccess(t, fault == nil)
	test.Equate(t, paddr, 0x5ab0)

	test.Equate(t, ram.Read32(0x1000)&uint32(entA) != 0, true)
	test.Equate(t, ram.Read32(0x2000+3*4)&uint32(entD) != 0, true)
}

func TestLegacy4M(t *testing.T) {
	ram := memory.NewRAM(0x10000)

	// PD index 1: 4MB page at 0x0080_0000
	ram.Write32(0x1000+1*4, uint32(0x0080_0000|entP|entRW|entUS|entPS))

	m := mmu.NewMMU()
	m.SetCR3(0x1000)
	m.SetCR0(cr0PG)

	// without CR4.PSE the PS bit is reserved
	_, fault := m.Translate(ram, 0x0040_1234, mmu.AccessRead, 0)
	if fault == nil {
		t.Fatal("expected a page fault")
	}
	test.Equate(t, fault.ErrorCode, 0b1001)

	m.SetCR4(cr4PSE)
	paddr, fault := m.Translate(ram, 0x0040_1234, mmu.AccessRead, 0)
	test.ExpectedSuccess(t, fault == nil)
	test.Equate(t, paddr, 0x0080_1234)
}

func TestPAE(t *testing.T) {
	ram := memory.NewRAM(0x10000)

	// PDPT at 0x1000. a PAE PDPTE carries no RW/US bits
	ram.Write64(0x1000, 0x2000|entP)
	ram.Write64(0x2000, 0x3000|entP|entRW|entUS)
	ram.Write64(0x3000+4*8, 0x8000|entP|entRW|entUS)

	m := mmu.NewMMU()
	m.SetCR4(cr4PAE | cr4PSE)
	m.SetCR3(0x1000)
	m.SetCR0(cr0PG)

	paddr, fault := m.Translate(ram, 0x4cc0, mmu.AccessWrite, 0)
	test.ExpectedSuccess(t, fault == nil)
	test.Equate(t, paddr, 0x8cc0)
	test.Equate(t, ram.Read64(0x3000+4*8)&entD != 0, true)

	// a PDPTE with RW set has a reserved bit set
	ram.Write64(0x1000+1*8, 0x2000|entP|entRW)
	_, fault = m.Translate(ram, 0x4000_0000, mmu.AccessRead, 0)
	if fault == nil {
		t.Fatal("expected a page fault")
	}
	test.Equate(t, fault.ErrorCode, 0b1001)
}
