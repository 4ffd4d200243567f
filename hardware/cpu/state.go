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

import "fmt"

// General purpose register indices in architectural (ModRM) order.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	NumRegisters
)

// Segment register indices.
const (
	ES = iota
	CS
	SS
	DS
	FS
	GS
	NumSegments
)

// CR0 bits used by the execution core.
const (
	CR0_PE = uint64(1) << 0
	CR0_MP = uint64(1) << 1
	CR0_EM = uint64(1) << 2
	CR0_TS = uint64(1) << 3
	CR0_NE = uint64(1) << 5
	CR0_WP = uint64(1) << 16
	CR0_PG = uint64(1) << 31
)

// CR4 bits used by the execution core.
const (
	CR4_PSE    = uint64(1) << 4
	CR4_PAE    = uint64(1) << 5
	CR4_PGE    = uint64(1) << 7
	CR4_OSFXSR = uint64(1) << 9
)

// EFER bits used by the execution core.
const (
	EFER_LME = uint64(1) << 8
	EFER_LMA = uint64(1) << 10
	EFER_NXE = uint64(1) << 11
)

// Mode is the coarse execution mode classification used by decoding and by
// JIT tiering. The effective operand/address size still depends on CS.D and
// instruction prefixes.
type Mode int

// List of valid Mode values.
const (
	ModeReal Mode = iota
	ModeProtected
	ModeLong
)

func (m Mode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeProtected:
		return "protected"
	case ModeLong:
		return "long"
	}
	return "unknown"
}

// Bitness returns the default code bitness implied by the mode.
func (m Mode) Bitness() int {
	switch m {
	case ModeReal:
		return 16
	case ModeProtected:
		return 32
	}
	return 64
}

// IPMask returns the mask applied to the instruction pointer in this mode.
// Instruction fetch wraps at this boundary.
func (m Mode) IPMask() uint64 {
	switch m {
	case ModeReal:
		return 0xffff
	case ModeProtected:
		return 0xffff_ffff
	}
	return ^uint64(0)
}

// Segment is the cached (hidden part included) state of a segment register.
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32

	// access holds the descriptor access byte plus the D/B and L bits, in
	// the same layout as the VMX access-rights field
	Access uint32
}

// Segment access bits.
const (
	SegAccessCodeData = uint32(1) << 4
	SegAccessPresent  = uint32(1) << 7
	SegAccessLong     = uint32(1) << 9
	SegAccessBig      = uint32(1) << 10
	SegAccessUnusable = uint32(1) << 16
)

// Present reports whether the cached descriptor is marked present.
func (sg Segment) Present() bool {
	return sg.Access&SegAccessPresent != 0 && sg.Access&SegAccessUnusable == 0
}

// DescType returns the 4-bit descriptor type field of the access byte.
func (sg Segment) DescType() uint32 {
	return sg.Access & 0xf
}

// IsSystem reports whether the descriptor describes a system segment, such
// as a TSS, rather than a code or data segment.
func (sg Segment) IsSystem() bool {
	return sg.Access&SegAccessCodeData == 0
}

// TableRegister is the GDTR/IDTR register pair.
type TableRegister struct {
	Base  uint64
	Limit uint16
}

// State is the architectural register and flag model of one virtual core.
//
// Fields are exported because the interpreter, the exception unit and
// compiled blocks all mutate them directly. Nothing outside a single core's
// execution path may touch a State value.
type State struct {
	Gpr    [NumRegisters]uint64
	RIP    uint64
	RFlags uint64

	Seg  [NumSegments]Segment
	GDTR TableRegister
	IDTR TableRegister

	// task register. base/limit cache of the current TSS
	TR Segment

	CR0  uint64
	CR2  uint64
	CR3  uint64
	CR4  uint64
	EFER uint64

	Mode Mode

	// retirement counter. advances once per retired instruction but only
	// when the commit flag is set at block completion (see package jit)
	TSC uint64

	// commit flag for compiled block side effects. non-zero means block
	// effects (including TSC advance) are applied. cleared by a host hook
	// to force rollback of the current block
	CommitFlag uint32

	// interrupt shadow counter. non-zero inhibits external interrupt
	// delivery; decremented once per retired instruction
	InterruptShadow uint8

	// x87 control/status words. only the exception-gating subset of the
	// FPU is modelled
	FpuControl uint16
	FpuStatus  uint16

	// x87 external interrupt indicator for the CR0.NE=0 path (IRQ13)
	IRQ13Pending bool

	// real mode address wrap behaviour. when the A20 gate is disabled,
	// bit 20 of every linear address is forced low
	A20Enabled bool

	Halted bool
}

// NewState is the preferred method of initialisation of the State type. The
// supplied mode configures CS access bits so that Bitness() and IPMask()
// behave consistently.
func NewState(mode Mode) *State {
	s := &State{
		Mode:       mode,
		RFlags:     RFlagsReserved1,
		A20Enabled: true,
		CommitFlag: 1,
		FpuControl: 0x037f,
	}

	switch mode {
	case ModeReal:
		s.Seg[CS].Access = SegAccessPresent
		for i := range s.Seg {
			s.Seg[i].Limit = 0xffff
		}
	case ModeProtected:
		s.CR0 |= CR0_PE
		s.Seg[CS].Access = SegAccessPresent | SegAccessBig
		for i := range s.Seg {
			s.Seg[i].Limit = 0xffff_ffff
		}
	case ModeLong:
		s.CR0 |= CR0_PE | CR0_PG
		s.CR4 |= CR4_PAE
		s.EFER |= EFER_LME | EFER_LMA
		s.Seg[CS].Access = SegAccessPresent | SegAccessLong
		for i := range s.Seg {
			s.Seg[i].Limit = 0xffff_ffff
		}
	}

	return s
}

func (s *State) String() string {
	return fmt.Sprintf("%s mode: rip=%#x rflags=%#x", s.Mode, s.RIP, s.RFlags)
}

// CPL returns the current privilege level of the executing code segment.
func (s *State) CPL() uint8 {
	if s.Mode == ModeReal {
		return 0
	}
	return uint8(s.Seg[CS].Selector & 0b11)
}

// Bitness returns the effective code bitness (16, 32 or 64).
func (s *State) Bitness() int {
	if s.Mode == ModeLong && s.Seg[CS].Access&SegAccessLong != 0 {
		return 64
	}
	if s.Seg[CS].Access&SegAccessBig != 0 {
		return 32
	}
	return 16
}

// IPMask returns the wrap mask applied to the instruction pointer.
func (s *State) IPMask() uint64 {
	switch s.Bitness() {
	case 16:
		return 0xffff
	case 32:
		return 0xffff_ffff
	}
	return ^uint64(0)
}

// SetIP assigns the instruction pointer, applying the mode's wrap mask.
func (s *State) SetIP(ip uint64) {
	s.RIP = ip & s.IPMask()
}

// AdvanceIP moves the instruction pointer forward, wrapping at the mode's
// instruction-pointer boundary. A Tier-1 block that straddles the wrap
// boundary depends on this masking for its guard-set construction.
func (s *State) AdvanceIP(length int) {
	s.RIP = (s.RIP + uint64(length)) & s.IPMask()
}

// LinearCode returns the linear address of the code byte at the given
// instruction pointer offset, accounting for CS base and IP wrap.
func (s *State) LinearCode(ip uint64) uint64 {
	return s.Seg[CS].Base + (ip & s.IPMask())
}

// LoadSelector updates a segment register's selector. In real mode the
// cached base follows the selector; in protected and long modes the hidden
// descriptor cache is left untouched.
func (s *State) LoadSelector(seg int, sel uint16) {
	s.Seg[seg].Selector = sel
	if s.Mode == ModeReal {
		s.Seg[seg].Base = uint64(sel) << 4
	}
}

// NXEnabled reports whether the no-execute paging bit is honoured.
func (s *State) NXEnabled() bool {
	return s.EFER&EFER_NXE != 0
}

// PagingEnabled reports whether CR0 enables page translation.
func (s *State) PagingEnabled() bool {
	return s.CR0&CR0_PG != 0
}

// Read8 through Write64 access general purpose registers with x86 partial
// register semantics. reg is one of the register index constants; for 8-bit
// accesses indices 4-7 refer to AH/CH/DH/BH.

func (s *State) Read8(reg int) uint8 {
	if reg >= 4 && reg < 8 {
		return uint8(s.Gpr[reg-4] >> 8)
	}
	return uint8(s.Gpr[reg])
}

func (s *State) Write8(reg int, val uint8) {
	if reg >= 4 && reg < 8 {
		s.Gpr[reg-4] = s.Gpr[reg-4]&^uint64(0xff00) | uint64(val)<<8
		return
	}
	s.Gpr[reg] = s.Gpr[reg]&^uint64(0xff) | uint64(val)
}

func (s *State) Read16(reg int) uint16 {
	return uint16(s.Gpr[reg])
}

func (s *State) Write16(reg int, val uint16) {
	s.Gpr[reg] = s.Gpr[reg]&^uint64(0xffff) | uint64(val)
}

func (s *State) Read32(reg int) uint32 {
	return uint32(s.Gpr[reg])
}

// Write32 zero-extends into the full register, per 64-bit semantics.
func (s *State) Write32(reg int, val uint32) {
	s.Gpr[reg] = uint64(val)
}

func (s *State) Read64(reg int) uint64 {
	return s.Gpr[reg]
}

func (s *State) Write64(reg int, val uint64) {
	s.Gpr[reg] = val
}

// ReadSized reads a register value of the given operand size in bytes.
func (s *State) ReadSized(reg int, size int) uint64 {
	switch size {
	case 1:
		return uint64(s.Read8(reg))
	case 2:
		return uint64(s.Read16(reg))
	case 4:
		return uint64(s.Read32(reg))
	}
	return s.Gpr[reg]
}

// WriteSized writes a register value of the given operand size in bytes.
func (s *State) WriteSized(reg int, size int, val uint64) {
	switch size {
	case 1:
		s.Write8(reg, uint8(val))
	case 2:
		s.Write16(reg, uint16(val))
	case 4:
		s.Write32(reg, uint32(val))
	default:
		s.Gpr[reg] = val
	}
}
