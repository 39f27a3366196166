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

package lattice

import (
	"fmt"

	"github.com/PabstMatthew/veriwasm/analysis/ir"
	"github.com/PabstMatthew/veriwasm/internal/funcutil"
)

// savedConflict marks a callee-saved register whose save slots disagree
// across joined paths. Reads, writes, and restores of such a register are all
// rejected.
const savedConflict = int64(-1) << 62

// State is the abstract machine state at one program point: one value per
// register, the live stack slots, and the bookkeeping for stack-probe and
// callee-save discipline. Stack slots are keyed by their offset from the
// stack pointer at function entry.
type State struct {
	Regs  [ir.NumRegs]Value
	Slots map[int64]Value

	// Probed is how far below the entry stack pointer the stack is known
	// to be backed, maintained by the stack-probe protocol.
	Probed int64

	// Saved maps a callee-saved register to the slot holding its saved
	// value. A register may be written only while it has an entry, and
	// restored only from that exact slot.
	Saved map[ir.RegID]int64

	// SavedSlots is the set of slots currently holding a saved register.
	// Writes to these slots are rejected.
	SavedSlots map[int64]bool
}

// NewState returns a state with every register unknown, no stack slots, and
// one guard page of probed stack.
func NewState() *State {
	s := &State{
		Slots:      map[int64]Value{},
		Probed:     4096,
		Saved:      map[ir.RegID]int64{},
		SavedSlots: map[int64]bool{},
	}
	for r := range s.Regs {
		s.Regs[r] = TopVal
	}
	return s
}

// Copy returns an independent copy of s.
func (s *State) Copy() *State {
	out := &State{
		Regs:       s.Regs,
		Slots:      make(map[int64]Value, len(s.Slots)),
		Probed:     s.Probed,
		Saved:      make(map[ir.RegID]int64, len(s.Saved)),
		SavedSlots: make(map[int64]bool, len(s.SavedSlots)),
	}
	for k, v := range s.Slots {
		out.Slots[k] = v
	}
	for k, v := range s.Saved {
		out.Saved[k] = v
	}
	for k := range s.SavedSlots {
		out.SavedSlots[k] = true
	}
	return out
}

// Reg returns the value of r.
func (s *State) Reg(r ir.RegID) Value {
	return s.Regs[r]
}

// SetReg assigns v to r.
func (s *State) SetReg(r ir.RegID, v Value) {
	s.Regs[r] = v
}

// RSPOff returns the stack pointer's offset from its entry value, if the
// frame is still intact.
func (s *State) RSPOff() (int64, bool) {
	v := s.Regs[ir.Rsp]
	if v.Tag != StackOff {
		return 0, false
	}
	return v.Val, true
}

// SlotKey resolves a memory operand to an entry-relative stack slot key. It
// recognizes any addressing base whose value is a known stack offset, which
// covers both the stack pointer and frame-pointer copies.
func (s *State) SlotKey(m ir.Mem) (int64, bool) {
	base, disp, ok := BaseDisp(m.Args)
	if !ok {
		return 0, false
	}
	v := s.Regs[base.Num]
	if v.Tag != StackOff {
		return 0, false
	}
	return v.Val + disp, true
}

// BaseDisp splits a register-plus-displacement operand into its parts.
func BaseDisp(args ir.MemArgs) (ir.Reg, int64, bool) {
	switch a := args.(type) {
	case ir.MemOne:
		if r, ok := a.X.(ir.Reg); ok {
			return r, 0, true
		}
	case ir.MemTwo:
		r, rok := a.X.(ir.Reg)
		d, dok := a.Y.(ir.Imm)
		if rok && dok {
			return r, d.Val, true
		}
	}
	return ir.Reg{}, 0, false
}

// Slot returns the value stored at the entry-relative key, Top if untracked.
func (s *State) Slot(key int64) Value {
	if v, ok := s.Slots[key]; ok {
		return v
	}
	return TopVal
}

// SetSlot stores v at the entry-relative key. Storing Top drops the slot.
func (s *State) SetSlot(key int64, v Value) {
	if v.Tag == Top {
		delete(s.Slots, key)
		return
	}
	s.Slots[key] = v
}

// MarkSaved records that reg's value was saved at slot key.
func (s *State) MarkSaved(reg ir.RegID, key int64) {
	s.Saved[reg] = key
	s.SavedSlots[key] = true
}

// SavedAt returns the save slot of reg. ok is false when reg is not saved,
// and conflicted is true when joined paths disagree about the slot.
func (s *State) SavedAt(reg ir.RegID) (key int64, conflicted, ok bool) {
	key, ok = s.Saved[reg]
	return key, ok && key == savedConflict, ok
}

// ClearSaved discharges the save of reg, freeing its slot.
func (s *State) ClearSaved(reg ir.RegID) {
	if key, ok := s.Saved[reg]; ok {
		delete(s.Saved, reg)
		if key != savedConflict {
			delete(s.SavedSlots, key)
		}
	}
}

// JoinInto merges o into s and reports whether s changed.
func (s *State) JoinInto(o *State) bool {
	changed := false
	for r := range s.Regs {
		j := s.Regs[r].Join(o.Regs[r])
		if !j.Eq(s.Regs[r]) {
			s.Regs[r] = j
			changed = true
		}
	}
	for k, v := range s.Slots {
		ov, ok := o.Slots[k]
		if !ok {
			delete(s.Slots, k)
			changed = true
			continue
		}
		j := v.Join(ov)
		if !j.Eq(v) {
			if j.Tag == Top {
				delete(s.Slots, k)
			} else {
				s.Slots[k] = j
			}
			changed = true
		}
	}
	if o.Probed < s.Probed {
		s.Probed = o.Probed
		changed = true
	}
	// Write permission is the intersection of the saves; slot protection
	// is the union.
	for reg, key := range s.Saved {
		okey, ok := o.Saved[reg]
		if !ok || okey != key {
			if key != savedConflict {
				s.Saved[reg] = savedConflict
				changed = true
			}
		}
	}
	for reg := range o.Saved {
		if _, ok := s.Saved[reg]; !ok {
			s.Saved[reg] = savedConflict
			changed = true
		}
	}
	for key := range o.SavedSlots {
		if !s.SavedSlots[key] {
			s.SavedSlots[key] = true
			changed = true
		}
	}
	return changed
}

// WidenInto merges o into s with widening: any register or slot that would
// strictly grow goes straight to Top.
func (s *State) WidenInto(o *State) bool {
	changed := false
	for r := range s.Regs {
		w := s.Regs[r].Widen(o.Regs[r])
		if !w.Eq(s.Regs[r]) {
			s.Regs[r] = w
			changed = true
		}
	}
	for k, v := range s.Slots {
		ov, ok := o.Slots[k]
		if !ok || !v.Widen(ov).Eq(v) {
			delete(s.Slots, k)
			changed = true
		}
	}
	if o.Probed < s.Probed {
		s.Probed = o.Probed
		changed = true
	}
	for reg, key := range s.Saved {
		okey, ok := o.Saved[reg]
		if (!ok || okey != key) && key != savedConflict {
			s.Saved[reg] = savedConflict
			changed = true
		}
	}
	for reg := range o.Saved {
		if _, ok := s.Saved[reg]; !ok {
			s.Saved[reg] = savedConflict
			changed = true
		}
	}
	for key := range o.SavedSlots {
		if !s.SavedSlots[key] {
			s.SavedSlots[key] = true
			changed = true
		}
	}
	return changed
}

// Equal reports whether two states are identical.
func (s *State) Equal(o *State) bool {
	if s.Probed != o.Probed || len(s.Slots) != len(o.Slots) ||
		len(s.Saved) != len(o.Saved) || len(s.SavedSlots) != len(o.SavedSlots) {
		return false
	}
	for r := range s.Regs {
		if !s.Regs[r].Eq(o.Regs[r]) {
			return false
		}
	}
	for k, v := range s.Slots {
		if ov, ok := o.Slots[k]; !ok || !v.Eq(ov) {
			return false
		}
	}
	for reg, key := range s.Saved {
		if okey, ok := o.Saved[reg]; !ok || okey != key {
			return false
		}
	}
	for key := range s.SavedSlots {
		if !o.SavedSlots[key] {
			return false
		}
	}
	return true
}

func (s *State) String() string {
	out := ""
	for r := range s.Regs {
		if s.Regs[r].Tag != Top {
			out += fmt.Sprintf("%s=%s ", ir.Reg{Num: ir.RegID(r), Size: ir.Size64}, s.Regs[r])
		}
	}
	for _, k := range funcutil.OrderedKeys(s.Slots) {
		out += fmt.Sprintf("[%+d]=%s ", k, s.Slots[k])
	}
	return out
}
