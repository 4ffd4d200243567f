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

// Package cpu holds the architectural register model of a single virtual
// x86 core, the exception value type, and the linear-address bus that joins
// the core to the memory unit.
//
// A State value is owned exclusively by one virtual core. It is mutated only
// by the Tier-0 interpreter (package interp), by compiled blocks (package
// jit) and by the exception unit (package interrupts). The State type is
// also the ABI boundary consumed by compiled artifacts; the offsets in
// abi.go must remain stable for the duration of an execution session.
package cpu
