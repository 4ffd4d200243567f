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

package decode

import (
	"github.com/gophervisor/gophervisor/hardware/cpu"
)

// modrm is a parsed ModRM byte plus any SIB byte and displacement. reg is
// REX-extended for use as a register number; grp is the raw 3-bit field for
// opcodes that use it as a group selector.
type modrm struct {
	mod int
	reg int
	grp int
	rm  int

	isMem bool
	mem   MemAddr
}

func (d *decoder) modrm() (modrm, bool) {
	b := d.f.u8()
	if d.f.failed() {
		return modrm{}, false
	}

	m := modrm{
		mod: int(b >> 6),
		grp: int(b>>3) & 7,
		rm:  int(b) & 7,
	}
	m.reg = m.grp | d.rexR()<<3

	if m.mod == 3 {
		m.rm |= d.rexB() << 3
		return m, true
	}

	m.isMem = true
	if d.inst.AddrSize == 2 {
		d.modrm16(&m)
	} else {
		d.modrm32(&m)
	}
	if d.f.failed() {
		return modrm{}, false
	}

	if d.seg >= 0 {
		m.mem.Seg = d.seg
	}
	return m, true
}

// 16-bit addressing forms. the base/index pairs are fixed by the rm field.
func (d *decoder) modrm16(m *modrm) {
	m.mem = MemAddr{Seg: cpu.DS, Base: -1, Index: -1}

	switch m.rm {
	case 0:
		m.mem.Base, m.mem.Index = cpu.RBX, cpu.RSI
	case 1:
		m.mem.Base, m.mem.Index = cpu.RBX, cpu.RDI
	case 2:
		m.mem.Base, m.mem.Index = cpu.RBP, cpu.RSI
		m.mem.Seg = cpu.SS
	case 3:
		m.mem.Base, m.mem.Index = cpu.RBP, cpu.RDI
		m.mem.Seg = cpu.SS
	case 4:
		m.mem.Base = cpu.RSI
	case 5:
		m.mem.Base = cpu.RDI
	case 6:
		if m.mod == 0 {
			m.mem.Disp = int64(d.f.u16())
			return
		}
		m.mem.Base = cpu.RBP
		m.mem.Seg = cpu.SS
	case 7:
		m.mem.Base = cpu.RBX
	}

	switch m.mod {
	case 1:
		m.mem.Disp = d.f.s8()
	case 2:
		m.mem.Disp = d.f.s16()
	}
}

// 32/64-bit addressing forms, with SIB and RIP-relative handling.
func (d *decoder) modrm32(m *modrm) {
	m.mem = MemAddr{Seg: cpu.DS, Base: -1, Index: -1}

	switch {
	case m.rm == 4:
		d.sib(m)
	case m.rm == 5 && m.mod == 0:
		if d.bitness == 64 {
			m.mem.RipRel = true
		}
		m.mem.Disp = d.f.s32()
		return
	default:
		m.mem.Base = m.rm | d.rexB()<<3
	}

	switch m.mod {
	case 1:
		m.mem.Disp = d.f.s8()
	case 2:
		m.mem.Disp = d.f.s32()
	}

	if m.mem.Base == cpu.RSP || m.mem.Base == cpu.RBP {
		m.mem.Seg = cpu.SS
	}
}

func (d *decoder) sib(m *modrm) {
	b := d.f.u8()
	if d.f.failed() {
		return
	}

	scale := int(b >> 6)
	index := int(b>>3)&7 | d.rexX()<<3
	base := int(b)&7 | d.rexB()<<3

	// index encoding 4 without REX.X means no index
	if index != cpu.RSP {
		m.mem.Index = index
		m.mem.Scale = 1 << scale
	}

	if base&7 == 5 && m.mod == 0 {
		m.mem.Disp = d.f.s32()
		return
	}
	m.mem.Base = base
}
