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

package cpu_test

import (
	"encoding/binary"
	"testing"

	"github.com/gophervisor/gophervisor/hardware/cpu"
	"github.com/gophervisor/gophervisor/test"
)

func TestABIRoundTrip(t *testing.T) {
	s := cpu.NewState(cpu.ModeLong)
	for i := 0; i < cpu.NumRegisters; i++ {
		s.Gpr[i] = uint64(i) * 0x0101_0101_0101_0101
	}
	s.RIP = 0xffff_8000_0000_1234
	s.RFlags = 0x0000_0000_0000_0246
	s.CommitFlag = 1
	s.TSC = 99

	buf := make([]byte, cpu.ABISize)
	s.PackABI(buf)

	// the layout is a fixed contract with generated artifacts
	test.Equate(t, binary.LittleEndian.Uint64(buf[cpu.ABIGprBase+8:]), s.Gpr[1])
	test.Equate(t, binary.LittleEndian.Uint64(buf[cpu.ABIRIPOffset:]), s.RIP)
	test.Equate(t, binary.LittleEndian.Uint64(buf[cpu.ABIFlagsOffset:]), s.RFlags)
	test.Equate(t, binary.LittleEndian.Uint32(buf[cpu.ABICommitOffset:]), 1)
	test.Equate(t, binary.LittleEndian.Uint64(buf[cpu.ABITSCOffset:]), 99)

	r := cpu.NewState(cpu.ModeLong)
	r.UnpackABI(buf)
	for i := 0; i < cpu.NumRegisters; i++ {
		test.Equate(t, r.Gpr[i], s.Gpr[i])
	}
	test.Equate(t, r.RIP, s.RIP)
	test.Equate(t, r.RFlags, s.RFlags)
	test.Equate(t, r.CommitFlag, s.CommitFlag)
	test.Equate(t, r.TSC, s.TSC)
}
