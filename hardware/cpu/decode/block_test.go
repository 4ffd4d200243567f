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

package decode_test

import (
	"testing"

	"github.com/gophervisor/gophervisor/hardware/cpu"
	"github.com/gophervisor/gophervisor/hardware/cpu/decode"
	"github.com/gophervisor/gophervisor/test"
)

func TestBlockStopsAtBranch(t *testing.T) {
	state, bus := fixture(cpu.ModeProtected, 0x100, []byte{
		0x90,                         // nop
		0x83, 0xc0, 0x01,             // add eax, 1
		0xe9, 0x00, 0x01, 0x00, 0x00, // jmp
		0x90, // never part of the block
	})

	blk, ex := decode.DecodeBlock(bus, state, 0x100, 32)
	if ex != nil {
		t.Fatalf("unexpected exception: %v", ex)
	}
	test.Equate(t, len(blk.Instructions), 3)
	test.Equate(t, blk.Len, 9)
	test.Equate(t, int(blk.Instructions[2].Op), int(decode.OpJmp))
}

func TestBlockMaxInstructions(t *testing.T) {
	state, bus := fixture(cpu.ModeProtected, 0x100, []byte{
		0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90,
	})

	blk, ex := decode.DecodeBlock(bus, state, 0x100, 4)
	if ex != nil {
		t.Fatalf("unexpected exception: %v", ex)
	}
	test.Equate(t, len(blk.Instructions), 4)
	test.Equate(t, blk.Len, 4)
}

func TestBlockStopsAtUndecodable(t *testing.T) {
	state, bus := fixture(cpu.ModeProtected, 0x100, []byte{
		0x90,       // nop
		0xc0, 0xc0, // rotate: not decodable
	})

	blk, ex := decode.DecodeBlock(bus, state, 0x100, 32)
	if ex != nil {
		t.Fatalf("unexpected exception: %v", ex)
	}
	test.Equate(t, len(blk.Instructions), 1)
	test.Equate(t, blk.Len, 1)
}

func TestBlockFirstInstructionFails(t *testing.T) {
	state, bus := fixture(cpu.ModeProtected, 0x100, []byte{0xc0, 0xc0, 0x01})

	blk, ex := decode.DecodeBlock(bus, state, 0x100, 32)
	if ex == nil {
		t.Fatal("expected an exception")
	}
	if blk != nil {
		t.Fatal("expected no block")
	}
	test.Equate(t, uint8(ex.Vector), uint8(cpu.VecInvalidOpcode))
}

func TestBlockGuardsSinglePage(t *testing.T) {
	// a block that never leaves its page snapshots exactly one guard
	state, bus := fixture(cpu.ModeProtected, 0x2100, []byte{0x90, 0x90, 0xf4})

	blk, ex := decode.DecodeBlock(bus, state, 0x2100, 32)
	if ex != nil {
		t.Fatalf("unexpected exception: %v", ex)
	}
	test.Equate(t, len(blk.Guards), 1)
	test.Equate(t, blk.Guards[0].Page, 0x2000)
	test.Equate(t, blk.Guards[0].Version, bus.PageVersion(0x2000))
}

func TestBlockGuardsStraddle(t *testing.T) {
	// mov eax, imm32 with two bytes in the first page and three in the
	// second, then hlt. both pages are guarded
	state, bus := fixture(cpu.ModeProtected, 0xffe, []byte{
		0xb8, 0x01, 0x02, 0x03, 0x04,
		0xf4,
	})

	blk, ex := decode.DecodeBlock(bus, state, 0xffe, 32)
	if ex != nil {
		t.Fatalf("unexpected exception: %v", ex)
	}
	test.Equate(t, len(blk.Instructions), 2)
	test.Equate(t, len(blk.Guards), 2)
	test.Equate(t, blk.Guards[0].Page, 0)
	test.Equate(t, blk.Guards[1].Page, 0x1000)
}

func TestBlockPartialDecodeAddsNoGuard(t *testing.T) {
	// the nop at 0xffe decodes; the two-byte escape at 0xfff runs into an
	// undecodable second byte at 0x1000. the failed decode touched the
	// second page but contributes nothing to the guard set
	state, bus := fixture(cpu.ModeProtected, 0xffe, []byte{0x90, 0x0f, 0xff})

	blk, ex := decode.DecodeBlock(bus, state, 0xffe, 32)
	if ex != nil {
		t.Fatalf("unexpected exception: %v", ex)
	}
	test.Equate(t, len(blk.Instructions), 1)
	test.Equate(t, blk.Len, 1)
	test.Equate(t, len(blk.Guards), 1)
	test.Equate(t, blk.Guards[0].Page, 0)
}
