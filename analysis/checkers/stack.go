// Copyright Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package checkers

import (
	"github.com/PabstMatthew/veriwasm/analysis/ir"
	"github.com/PabstMatthew/veriwasm/analysis/lattice"
	"github.com/PabstMatthew/veriwasm/analysis/metadata"
	"github.com/PabstMatthew/veriwasm/analysis/report"
	"github.com/PabstMatthew/veriwasm/internal/funcutil"
)

// checkStackSlot enforces the stack window: reads may reach spilled
// arguments above the entry stack pointer, writes must stay inside the
// probed frame below it, and no write may land on a slot holding a saved
// callee-saved register.
func (c *checker) checkStackSlot(s *lattice.State, addr uint64, m ir.Mem, write bool) {
	key, ok := s.SlotKey(m)
	if !ok {
		return
	}
	n := m.Size.Bytes()
	if n == 0 {
		n = 8
	}
	lo, hi := c.stackWindow(s, write)
	if key < lo || key+n > hi {
		c.addf(addr, report.StackOutOfBounds, "%s %s reaches frame offset %d, outside [%d, %d)",
			verb(write), m, key, lo, hi)
		return
	}
	if !write {
		return
	}
	for _, k := range funcutil.OrderedKeys(s.SavedSlots) {
		if key < k+8 && key+n > k {
			c.addf(addr, report.CalleeSaveClobbered, "store %s overwrites the save slot at frame offset %d", m, k)
		}
	}
}

func (c *checker) stackWindow(s *lattice.State, write bool) (lo, hi int64) {
	if c.ctx.Runtime == metadata.Lucet {
		if write {
			return -s.Probed, 0
		}
		return -s.Probed, metadata.LucetStackReadAbove
	}
	if write {
		return -metadata.WamrStackWindow, 0
	}
	return -metadata.WamrStackWindow, metadata.WamrStackReadAbove
}

// checkFrameGrowth enforces the probe protocol on Lucet frames: a single
// adjustment may not push the frame past the probed watermark, since only
// the first page below it is covered by the guard. Frames needing more must
// run a ProbeStack first.
func (c *checker) checkFrameGrowth(s *lattice.State, addr uint64, st ir.Binop) {
	if c.ctx.Runtime != metadata.Lucet || st.Op != ir.Sub {
		return
	}
	r, ok := st.Src1.(ir.Reg)
	if !ok || r.Num != ir.Rsp {
		return
	}
	k, ok := st.Src2.(ir.Imm)
	if !ok || k.Val <= 0 {
		return
	}
	g, known := s.RSPOff()
	if !known {
		return
	}
	if depth := -(g - k.Val); depth > s.Probed {
		c.addf(addr, report.StackOutOfBounds,
			"frame grows to %d bytes below entry, past the %d-byte probed region", depth, s.Probed)
	}
}

// checkRegWrite permits writes to a callee-saved register only while its
// entry value sits in a save slot.
func (c *checker) checkRegWrite(s *lattice.State, addr uint64, d ir.Reg) {
	if !c.ctx.CalleeSaved(d.Num) {
		return
	}
	if _, conflicted, ok := s.SavedAt(d.Num); ok && !conflicted {
		return
	}
	c.addf(addr, report.CalleeSaveClobbered, "%s modified without a save", d)
}

// checkRet requires the frame fully popped and every callee-save obligation
// discharged.
func (c *checker) checkRet(s *lattice.State, addr uint64) {
	if off, ok := s.RSPOff(); !ok {
		c.addf(addr, report.UnbalancedFrame, "stack pointer is no longer a known frame offset at return")
	} else if off != 0 {
		c.addf(addr, report.UnbalancedFrame, "stack pointer is at frame offset %d at return, expected 0", off)
	}
	for _, r := range funcutil.OrderedKeys(s.Saved) {
		c.addf(addr, report.CalleeSaveClobbered, "%s is not restored at return", ir.Reg{Num: r, Size: ir.Size64})
	}
}
