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
	"testing"

	"github.com/gophervisor/gophervisor/hardware/cpu"
	"github.com/gophervisor/gophervisor/test"
)

func TestDoubleFaultEscalation(t *testing.T) {
	// contributory or page-fault followed by contributory or page-fault
	// escalates; anything involving a benign exception does not
	cases := []struct {
		first, second cpu.Vector
		escalates     bool
	}{
		{cpu.VecGeneralProtection, cpu.VecGeneralProtection, true},
		{cpu.VecGeneralProtection, cpu.VecPageFault, true},
		{cpu.VecPageFault, cpu.VecGeneralProtection, true},
		{cpu.VecPageFault, cpu.VecPageFault, true},
		{cpu.VecInvalidTSS, cpu.VecSegmentNotPresent, true},
		{cpu.VecStackFault, cpu.VecGeneralProtection, true},
		{cpu.VecDivideError, cpu.VecGeneralProtection, false},
		{cpu.VecGeneralProtection, cpu.VecDivideError, false},
		{cpu.VecInvalidOpcode, cpu.VecPageFault, false},
		{cpu.VecPageFault, cpu.VecInvalidOpcode, false},
		{cpu.VecDivideError, cpu.VecDivideError, false},
	}

	for _, c := range cases {
		if got := shouldDoubleFault(c.first, c.second); got != c.escalates {
			t.Errorf("#%d then #%d: escalates %v, wanted %v",
				c.first, c.second, got, c.escalates)
		}
	}
}

func TestExceptionClasses(t *testing.T) {
	test.Equate(t, int(classOf(cpu.VecPageFault)), int(classPageFault))
	test.Equate(t, int(classOf(cpu.VecDoubleFault)), int(classDoubleFault))
	test.Equate(t, int(classOf(cpu.VecGeneralProtection)), int(classContributory))
	test.Equate(t, int(classOf(cpu.VecInvalidTSS)), int(classContributory))
	test.Equate(t, int(classOf(cpu.VecDivideError)), int(classBenign))
	test.Equate(t, int(classOf(cpu.VecInvalidOpcode)), int(classBenign))
}

func TestShadowAges(t *testing.T) {
	ev := &Events{}
	ev.InhibitForOneInstruction()
	test.Equate(t, int(ev.inhibit), 1)

	// the shadow never accumulates
	ev.InhibitForOneInstruction()
	test.Equate(t, int(ev.inhibit), 1)

	ev.RetireInstruction()
	test.Equate(t, int(ev.inhibit), 0)
	ev.RetireInstruction()
	test.Equate(t, int(ev.inhibit), 0)
}
