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

import "encoding/binary"

// Fixed-offset layout of the CPU-state block consumed by compiled artifacts.
// This is the ABI boundary between the block compiler's generated artifacts
// and the runtime. It must remain stable across an execution session.
//
// GPR offsets are deliberately first so that artifact loads/stores are
// cheap base+small-immediate accesses.
const (
	ABIGprBase      = 0   // 16 registers, 8 bytes each, architectural order
	ABIRIPOffset    = 128 // instruction pointer
	ABIFlagsOffset  = 136 // RFLAGS
	ABICommitOffset = 144 // commit flag, 4 bytes
	ABITSCOffset    = 152 // retirement/TSC counter
	ABISize         = 160
)

// PackABI serialises the ABI-visible portion of the state into buf, which
// must be at least ABISize bytes.
//
// PackABI and UnpackABI define the state image a code-generating backend
// would receive and return at block entry/exit. The closure artifacts in
// hardware/jit mutate State directly and skip the marshalling, so nothing
// in this tree calls them on the execution path; they exist to pin the
// contract (and are what keeps the offset constants honest under test).
func (s *State) PackABI(buf []byte) {
	for i := 0; i < NumRegisters; i++ {
		binary.LittleEndian.PutUint64(buf[ABIGprBase+i*8:], s.Gpr[i])
	}
	binary.LittleEndian.PutUint64(buf[ABIRIPOffset:], s.RIP)
	binary.LittleEndian.PutUint64(buf[ABIFlagsOffset:], s.RFlags)
	binary.LittleEndian.PutUint32(buf[ABICommitOffset:], s.CommitFlag)
	binary.LittleEndian.PutUint64(buf[ABITSCOffset:], s.TSC)
}

// UnpackABI deserialises the ABI-visible portion of the state from buf.
func (s *State) UnpackABI(buf []byte) {
	for i := 0; i < NumRegisters; i++ {
		s.Gpr[i] = binary.LittleEndian.Uint64(buf[ABIGprBase+i*8:])
	}
	s.RIP = binary.LittleEndian.Uint64(buf[ABIRIPOffset:])
	s.RFlags = binary.LittleEndian.Uint64(buf[ABIFlagsOffset:])
	s.CommitFlag = binary.LittleEndian.Uint32(buf[ABICommitOffset:])
	s.TSC = binary.LittleEndian.Uint64(buf[ABITSCOffset:])
}
