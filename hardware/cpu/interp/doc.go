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

// Package interp is the Tier-0 execution engine. Step decodes and executes
// exactly one instruction against the architectural state, going through the
// paging bus for every memory access.
//
// Architectural faults never travel as Go errors: Step queues them on the
// interrupts.Events bookkeeping and reports ExitFault, leaving RIP at the
// faulting instruction so delivery can push a restartable frame. The error
// return of Step is reserved for unrecoverable host-level conditions, such
// as a triple fault during IRET.
//
// The interpreter is also the reference semantics for Tier-1: compiled
// blocks replay these exact operations, so any change here changes what the
// block compiler emits.
package interp
