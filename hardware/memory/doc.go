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

// Package memory defines the physical memory bus consumed by the CPU core
// and provides the RAM backing used by the machine and by tests.
//
// Addresses at this level are physical. Translation from linear/virtual
// addresses happens above this package, in the mmu package.
//
// The bus carries two responsibilities beyond plain byte storage. First, the
// AtomicRMW operation: the read-compute-write sequence it performs must be
// indivisible with respect to every other accessor of the same physical
// location. This is the only cross-core guarantee the execution core relies
// on. Second, the page version oracle: every write that touches a byte on a
// page bumps that page's version counter exactly once. Compiled block
// invalidation is built entirely on these counters.
package memory
