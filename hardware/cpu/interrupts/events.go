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

package interrupts

import (
	"github.com/gophervisor/gophervisor/hardware/cpu"
)

// TripleFault is the sentinel error returned when exception delivery fails
// unrecoverably. The machine should be reset.
const TripleFault = "triple fault: unrecoverable exception delivery failure"

// Controller is the external interrupt controller interface (PIC/APIC).
type Controller interface {
	// PollInterrupt returns the next pending external interrupt vector,
	// if any.
	PollInterrupt() (uint8, bool)
}

// Source distinguishes how an interrupt vector was raised. Software
// interrupts (INT n) are subject to the gate DPL check; external interrupts
// are not.
type Source int

// List of valid Source values.
const (
	SourceExternal Source = iota
	SourceSoftware
)

type eventKind int

const (
	eventFault eventKind = iota
	eventInterrupt
)

// event is the single pending slot. faults carry the queued exception;
// interrupts carry a raw vector and its source.
type event struct {
	kind     eventKind
	ex       *cpu.Exception
	vector   uint8
	savedRIP uint64
	source   Source
}

// interrupt frame bookkeeping for IRET. the frame layout pushed at delivery
// time depends on the mode and on whether a stack switch took place, and
// IRET must pop the matching layout.
type frameKind int

const (
	frameReal16 frameKind = iota
	frameProtected32
	frameLong64
)

type frame struct {
	kind          frameKind
	stackSwitched bool
}

// Events is the non-ABI bookkeeping of one virtual core's event machinery:
// the pending fault/interrupt slot, the FIFO of externally injected vectors,
// the interrupt shadow counter, exception nesting for double-fault
// escalation and the interrupt frame stack consumed by IRET.
//
// The zero value is ready for use.
type Events struct {
	pending *event

	// FIFO of externally injected interrupt vectors
	external []uint8

	// interrupt shadow counter (STI / MOV SS / POP SS)
	inhibit uint8

	// stack of exceptions currently being delivered, innermost last
	delivering []cpu.Vector

	frames []frame
}

// RaiseFault queues a faulting exception for delivery at the next
// instruction boundary. faultingRIP is the address of the instruction that
// faulted; delivery pushes it so the handler can restart the instruction.
//
// For page faults the CR2 register is latched here.
func (ev *Events) RaiseFault(state *cpu.State, ex *cpu.Exception, faultingRIP uint64) {
	if ex.Vector == cpu.VecPageFault {
		state.CR2 = ex.CR2
	}
	ev.pending = &event{
		kind:     eventFault,
		ex:       ex,
		savedRIP: faultingRIP,
	}
}

// RaiseSoftwareInterrupt queues an INT n for delivery at the next
// instruction boundary. returnRIP is the address of the following
// instruction.
func (ev *Events) RaiseSoftwareInterrupt(vector uint8, returnRIP uint64) {
	ev.pending = &event{
		kind:     eventInterrupt,
		vector:   vector,
		savedRIP: returnRIP,
		source:   SourceSoftware,
	}
}

// InjectExternal appends an external interrupt vector (PIC/APIC) to the
// delivery queue.
func (ev *Events) InjectExternal(vector uint8) {
	ev.external = append(ev.external, vector)
}

// InhibitForOneInstruction models the interrupt shadow after STI and
// MOV/POP SS. External delivery is blocked until RetireInstruction has been
// called once.
func (ev *Events) InhibitForOneInstruction() {
	ev.inhibit = 1
}

// RetireInstruction ages the interrupt shadow. Call after each successfully
// executed instruction.
func (ev *Events) RetireInstruction() {
	if ev.inhibit > 0 {
		ev.inhibit--
	}
}

// HasPending reports whether a fault or software interrupt is waiting to be
// delivered.
func (ev *Events) HasPending() bool {
	return ev.pending != nil
}

// exception classes for double-fault escalation
type exceptionClass int

const (
	classBenign exceptionClass = iota
	classContributory
	classPageFault
	classDoubleFault
)

func classOf(v cpu.Vector) exceptionClass {
	switch v {
	case cpu.VecPageFault:
		return classPageFault
	case cpu.VecDoubleFault:
		return classDoubleFault
	case cpu.VecInvalidTSS, cpu.VecSegmentNotPresent,
		cpu.VecStackFault, cpu.VecGeneralProtection:
		return classContributory
	}
	return classBenign
}

func shouldDoubleFault(first, second cpu.Vector) bool {
	switch classOf(first) {
	case classContributory, classPageFault:
		switch classOf(second) {
		case classContributory, classPageFault:
			return true
		}
	}
	return false
}
