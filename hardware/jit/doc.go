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

// Package jit is the Tier-1 execution engine: straight-line instruction
// runs compiled into reusable block artifacts, a capacity-bounded block
// cache, and the page-version guard machinery that keeps compiled code
// honest against self-modifying guests.
//
// A compiled block records the exact physical pages its encoded bytes
// span, each with the page's version counter at compile time. Guest
// writes bump page versions (see package memory); the cache revalidates
// guards lazily on every lookup and the artifact itself revalidates
// between instructions, so a block that rewrites its own tail stops
// before executing stale bytes.
//
// Block side effects are gated by the commit flag in CpuState: when an
// execution hook clears it, the block's retirement-counter advance is
// rolled back at block exit.
package jit
