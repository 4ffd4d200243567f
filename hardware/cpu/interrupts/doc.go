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

// Package interrupts implements exception and interrupt delivery through the
// IVT (real mode) and IDT (protected and long mode), including privilege
// transitions, double-fault escalation and the IRET return path.
//
// The cpu.State structure deliberately contains only architecturally visible
// register state, because it is shared with compiled Tier-1 blocks. All
// additional bookkeeping that delivery requires - the pending event slot,
// the external interrupt queue, the interrupt shadow counter, exception
// nesting and the interrupt frame stack - lives in the Events type of this
// package.
//
// Delivery failures recurse: a fault encountered while delivering an event
// is itself delivered, with contributory combinations escalating to a double
// fault. A failure to deliver the double fault abandons the machine with a
// TripleFault error, which callers should treat as a reset condition.
package interrupts
