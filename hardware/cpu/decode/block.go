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

package decode

import (
	"github.com/gophervisor/gophervisor/hardware/cpu"
	"github.com/gophervisor/gophervisor/hardware/memory"
)

// Guard is one (physical page, version) pair observed while decoding a
// block. A compiled block is valid only while every guard page still has its
// snapshot version.
type Guard struct {
	Page    uint64
	Version uint64
}

// Block is a straight-line run of decoded instructions.
type Block struct {
	// code-segment offset of the first instruction
	Start uint64

	// total encoded length in bytes of the decoded instructions. bytes of
	// a trailing undecodable instruction are NOT included
	Len int

	Instructions []Instruction

	// the exact pages spanning the consumed bytes, in first-touch order
	Guards []Guard
}

// DecodeBlock decodes instructions from start until whichever comes first: a
// block-ending instruction, an undecodable or unfetchable instruction, or
// maxInsts. The guard set covers exactly the pages of the bytes consumed by
// the decoded instructions; a partial trailing decode contributes nothing.
//
// The error return is non-nil only when the very first instruction fails,
// in which case there is no block to run.
func DecodeBlock(bus cpu.Bus, state *cpu.State, start uint64, maxInsts int) (*Block, *cpu.Exception) {
	blk := &Block{Start: start}

	for len(blk.Instructions) < maxInsts {
		f := &fetcher{bus: bus, state: state, start: start + uint64(blk.Len)}
		inst, ex := decodeOne(f)
		if ex != nil {
			if len(blk.Instructions) == 0 {
				return nil, ex
			}
			break
		}

		blk.addGuards(bus, f.paddrs[:f.n])
		blk.Instructions = append(blk.Instructions, inst)
		blk.Len += inst.Len

		if inst.EndsBlock() {
			break
		}
	}

	return blk, nil
}

// addGuards folds the physical addresses of one instruction's bytes into the
// guard set, snapshotting the version of each page the first time the block
// touches it.
func (blk *Block) addGuards(bus cpu.Bus, paddrs []uint64) {
next:
	for _, paddr := range paddrs {
		page := memory.PageBase(paddr)
		for i := range blk.Guards {
			if blk.Guards[i].Page == page {
				continue next
			}
		}
		blk.Guards = append(blk.Guards, Guard{
			Page:    page,
			Version: bus.PageVersion(page),
		})
	}
}
