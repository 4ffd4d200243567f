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

// Package curated is a helper package for the plain Go language error type.
// Curated errors are created with the Errorf() function and matched against
// their creation pattern with Is() and Has().
//
// Note that architectural CPU faults (#PF, #GP, #UD, etc.) are never
// expressed as curated errors. They are values of the interrupts.Exception
// type and travel through the execution core as results, not failures.
// Curated errors are for host-level failure only: malformed configuration,
// impossible bus topology and the like.
package curated
