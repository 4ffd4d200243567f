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

package hardware

import (
	"github.com/gophervisor/gophervisor/hardware/cpu"
)

// Snapshot returns a copy of the architectural register state. Together
// with a commit hook that clears the commit flag, a snapshot taken at block
// entry is what a rollback restores.
//
// Guest RAM is not part of the snapshot; rolling back memory effects is the
// caller's concern.
func (mac *Machine) Snapshot() *cpu.State {
	s := *mac.State
	return &s
}

// Plumb restores a previously snapshotted register state. The paging bus is
// resynchronised because the snapshot may carry different control-register
// or segment values than the live state.
func (mac *Machine) Plumb(s *cpu.State) {
	if s == nil {
		panic("machine: cannot plumb in a nil state")
	}

	// copy again so the machine cannot mutate what the caller has stored
	c := *s
	*mac.State = c
	mac.Bus.Sync(mac.State)
}
