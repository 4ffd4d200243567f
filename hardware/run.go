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

// number of queued compile requests serviced at each slice boundary. keeps
// the compile cost paid between slices bounded
const compilePerSlice = 4

// Run drives the core in cooperative slices. Each slice executes up to the
// configured number of dispatch units (compiled blocks or single interpreted
// instructions), then services the compile queue and calls continueCheck.
// An enclosing scheduler interleaves other virtual cores or device polling
// inside continueCheck.
//
// Run returns nil when continueCheck asks to stop or when the machine goes
// permanently idle (HLT with no interrupt source). The error return carries
// host-level failure: the triple-fault sentinel or an error from
// continueCheck itself.
func (mac *Machine) Run(continueCheck func() (bool, error)) error {
	if continueCheck == nil {
		continueCheck = func() (bool, error) { return true, nil }
	}

	slice := mac.Prefs.SliceBlocks
	if slice <= 0 {
		slice = 1
	}

	defer mac.LogStats()

	for {
		for i := 0; i < slice; i++ {
			if err := mac.dispatch(); err != nil {
				return err
			}
			if mac.idle() {
				return nil
			}
		}

		mac.Compiler.Service(mac.State, mac.Bus,
			mac.Bus.MMU().AddressSpaceSalt(), compilePerSlice)

		cont, err := continueCheck()
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
}

// Step executes exactly one dispatch unit with no slice bookkeeping. Useful
// for tests and for lockstep comparison against the interpreter.
func (mac *Machine) Step() error {
	return mac.dispatch()
}
