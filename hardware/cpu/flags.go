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

import "math/bits"

// RFLAGS bits.
const (
	FlagCF = uint64(1) << 0
	FlagPF = uint64(1) << 2
	FlagAF = uint64(1) << 4
	FlagZF = uint64(1) << 6
	FlagSF = uint64(1) << 7
	FlagTF = uint64(1) << 8
	FlagIF = uint64(1) << 9
	FlagDF = uint64(1) << 10
	FlagOF = uint64(1) << 11

	// bit 1 of RFLAGS always reads as set
	RFlagsReserved1 = uint64(1) << 1
)

// mask of the status flags affected by arithmetic results.
const statusFlags = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF

// signBit returns the sign bit position mask for an operand size in bytes.
func signBit(size int) uint64 {
	return uint64(1) << (size*8 - 1)
}

// SizeMask returns the value mask for an operand size in bytes.
func SizeMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return uint64(1)<<(size*8) - 1
}

func (s *State) setFlag(flag uint64, on bool) {
	if on {
		s.RFlags |= flag
	} else {
		s.RFlags &^= flag
	}
}

// GetFlag returns true if the given RFLAGS bit is set.
func (s *State) GetFlag(flag uint64) bool {
	return s.RFlags&flag != 0
}

// SetFlag sets or clears the given RFLAGS bit.
func (s *State) SetFlag(flag uint64, on bool) {
	s.setFlag(flag, on)
}

// szp sets SF, ZF and PF from a result of the given size. PF considers only
// the low byte of the result.
func (s *State) szp(result uint64, size int) {
	result &= SizeMask(size)
	s.setFlag(FlagZF, result == 0)
	s.setFlag(FlagSF, result&signBit(size) != 0)
	s.setFlag(FlagPF, bits.OnesCount8(uint8(result))%2 == 0)
}

// SetFlagsAdd computes the status flags for dst + src (+carry) = result.
func (s *State) SetFlagsAdd(dst, src, result uint64, size int) {
	mask := SizeMask(size)
	dst &= mask
	src &= mask
	res := result & mask

	s.setFlag(FlagCF, res < dst || (res == dst && src != 0))
	s.setFlag(FlagAF, (dst^src^res)&0x10 != 0)
	s.setFlag(FlagOF, (dst^res)&(src^res)&signBit(size) != 0)
	s.szp(res, size)
}

// SetFlagsSub computes the status flags for dst - src (-borrow) = result.
// Also used by CMP and the compare half of CMPXCHG.
func (s *State) SetFlagsSub(dst, src, result uint64, size int) {
	mask := SizeMask(size)
	dst &= mask
	src &= mask
	res := result & mask

	s.setFlag(FlagCF, dst < src || (dst == src && res != 0))
	s.setFlag(FlagAF, (dst^src^res)&0x10 != 0)
	s.setFlag(FlagOF, (dst^src)&(dst^res)&signBit(size) != 0)
	s.szp(res, size)
}

// SetFlagsLogic computes the status flags for AND/OR/XOR/TEST results. CF
// and OF are cleared; AF is left undefined (cleared here).
func (s *State) SetFlagsLogic(result uint64, size int) {
	s.setFlag(FlagCF, false)
	s.setFlag(FlagOF, false)
	s.setFlag(FlagAF, false)
	s.szp(result, size)
}

// SetFlagsIncDec computes status flags for INC/DEC which leave CF untouched.
func (s *State) SetFlagsIncDec(dst, result uint64, size int, inc bool) {
	mask := SizeMask(size)
	res := result & mask

	if inc {
		s.setFlag(FlagOF, res == signBit(size))
		s.setFlag(FlagAF, (dst^1^res)&0x10 != 0)
	} else {
		s.setFlag(FlagOF, (dst&mask) == signBit(size))
		s.setFlag(FlagAF, (dst^1^res)&0x10 != 0)
	}
	s.szp(res, size)
}
