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

// Vector is an architectural exception/interrupt vector number.
type Vector uint8

// Exception vectors modelled by the execution core.
const (
	VecDivideError        Vector = 0
	VecInvalidOpcode      Vector = 6
	VecDeviceNotAvailable Vector = 7
	VecDoubleFault        Vector = 8
	VecInvalidTSS         Vector = 10
	VecSegmentNotPresent  Vector = 11
	VecStackFault         Vector = 12
	VecGeneralProtection  Vector = 13
	VecPageFault          Vector = 14
	VecX87FloatingPoint   Vector = 16
)

// Page fault error code bits.
const (
	PFErrPresent = uint32(1) << 0
	PFErrWrite   = uint32(1) << 1
	PFErrUser    = uint32(1) << 2
	PFErrRsvd    = uint32(1) << 3
	PFErrFetch   = uint32(1) << 4
)

// Exception is a typed architectural fault. It travels through the execution
// core as a result value, never as a Go error. A nil *Exception means the
// operation completed architecturally.
type Exception struct {
	Vector Vector

	// error code pushed by the exception frame, where the vector defines one
	ErrorCode    uint32
	HasErrorCode bool

	// faulting linear address (CR2), valid for #PF only
	CR2 uint64
}

func (ex *Exception) String() string {
	if ex.HasErrorCode {
		return fmt.Sprintf("#%d(%#x)", ex.Vector, ex.ErrorCode)
	}
	return fmt.Sprintf("#%d", ex.Vector)
}

// PushesErrorCode reports whether the vector's exception frame includes an
// error code in the current architectural definition.
func (v Vector) PushesErrorCode() bool {
	switch v {
	case VecDoubleFault, VecInvalidTSS, VecSegmentNotPresent,
		VecStackFault, VecGeneralProtection, VecPageFault:
		return true
	}
	return false
}

// DivideError returns a #DE exception.
func DivideError() *Exception {
	return &Exception{Vector: VecDivideError}
}

// UndefinedOpcode returns a #UD exception. All decode failures surface as
// this exception.
func UndefinedOpcode() *Exception {
	return &Exception{Vector: VecInvalidOpcode}
}

// DeviceNotAvailable returns a #NM exception.
func DeviceNotAvailable() *Exception {
	return &Exception{Vector: VecDeviceNotAvailable}
}

// X87FloatingPoint returns an #MF exception.
func X87FloatingPoint() *Exception {
	return &Exception{Vector: VecX87FloatingPoint}
}

// GeneralProtection returns a #GP exception with the given error code.
func DoubleFault() *Exception {
	return &Exception{Vector: VecDoubleFault, HasErrorCode: true}
}

func GeneralProtection(code uint32) *Exception {
	return &Exception{Vector: VecGeneralProtection, ErrorCode: code, HasErrorCode: true}
}

// PageFault returns a #PF exception for the given linear address and error
// code.
func PageFault(addr uint64, code uint32) *Exception {
	return &Exception{Vector: VecPageFault, ErrorCode: code, HasErrorCode: true, CR2: addr}
}

// SegmentNotPresent returns a #NP exception with the given error code.
func SegmentNotPresent(code uint32) *Exception {
	return &Exception{Vector: VecSegmentNotPresent, ErrorCode: code, HasErrorCode: true}
}

// InvalidTSS returns a #TS exception with the given error code.
func InvalidTSS(code uint32) *Exception {
	return &Exception{Vector: VecInvalidTSS, ErrorCode: code, HasErrorCode: true}
}

// StackFault returns a #SS exception with the given error code.
func StackFault(code uint32) *Exception {
	return &Exception{Vector: VecStackFault, ErrorCode: code, HasErrorCode: true}
}
