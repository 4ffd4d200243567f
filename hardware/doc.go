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

// Package hardware is the base package for the virtual machine. It and its
// sub-packages contain everything required for a headless emulation of one
// virtual core: the register model, decoder and interpreter (hardware/cpu),
// the exception unit (hardware/cpu/interrupts), the paging memory subsystem
// (hardware/memory), and the tiered block engine (hardware/jit).
//
// The Machine type is the root of the emulation and wires the sub-systems
// together. From here the core can be run continuously in cooperative
// slices (with an optional callback to check for continuation) or stepped
// one dispatch unit at a time.
package hardware
