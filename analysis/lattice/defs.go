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

	"golang.org/x/tools/container/intsets"

	"github.com/PabstMatthew/veriwasm/analysis/ir"
	"github.com/PabstMatthew/veriwasm/internal/funcutil"
)

// Loc names one definition site: a statement within a lifted instruction.
type Loc struct {
	Addr uint64
	Stmt int
}

func (l Loc) String() string {
	return fmt.Sprintf("%#x.%d", l.Addr, l.Stmt)
}

// Numberer assigns dense indices to definition sites so they can live in
// sparse bit sets. One Numberer serves one function.
type Numberer struct {
	byLoc map[Loc]int
	locs  []Loc
}

// NewNumberer returns an empty Numberer.
func NewNumberer() *Numberer {
	return &Numberer{byLoc: map[Loc]int{}}
}

// Index returns the dense index of l, assigning one on first use.
func (n *Numberer) Index(l Loc) int {
	if i, ok := n.byLoc[l]; ok {
		return i
	}
	i := len(n.locs)
	n.byLoc[l] = i
	n.locs = append(n.locs, l)
	return i
}

// Loc returns the definition site with dense index i.
func (n *Numberer) Loc(i int) Loc {
	return n.locs[i]
}

// DefSet is a set of definition sites. The empty set means the value has no
// claimable definition, which is how call clobbers are encoded.
type DefSet struct {
	s intsets.Sparse
}

// SingletonDef returns the set holding only index i.
func SingletonDef(i int) *DefSet {
	d := &DefSet{}
	d.s.Insert(i)
	return d
}

// EmptyDef returns the empty definition set.
func EmptyDef() *DefSet {
	return &DefSet{}
}

// Copy returns an independent copy of d.
func (d *DefSet) Copy() *DefSet {
	out := &DefSet{}
	out.s.Copy(&d.s)
	return out
}

// Union returns a new set holding the members of both d and o.
func (d *DefSet) Union(o *DefSet) *DefSet {
	out := d.Copy()
	if o != nil {
		out.s.UnionWith(&o.s)
	}
	return out
}

// Equal reports whether d and o hold the same members. A nil set is empty.
func (d *DefSet) Equal(o *DefSet) bool {
	if d == nil {
		d = EmptyDef()
	}
	if o == nil {
		o = EmptyDef()
	}
	return d.s.Equals(&o.s)
}

// IsEmpty reports whether d has no members.
func (d *DefSet) IsEmpty() bool {
	return d == nil || d.s.IsEmpty()
}

// Len returns the number of members.
func (d *DefSet) Len() int {
	if d == nil {
		return 0
	}
	return d.s.Len()
}

func (d *DefSet) String() string {
	if d == nil {
		return "{}"
	}
	return d.s.String()
}

// DefState maps every register and live stack slot to the set of definition
// sites that may have produced its current value. Stack slots are keyed by
// their offset from the stack pointer at function entry, so the state also
// carries the current stack-pointer displacement.
type DefState struct {
	Regs  [ir.NumRegs]*DefSet
	Slots map[int64]*DefSet

	// RSP is the stack pointer's offset from its value at function entry,
	// tracked syntactically from stack-pointer arithmetic.
	RSP int64
}

// EntryDefs returns the function-entry state: every register carries its own
// synthetic definition site, so a later comparison claims exactly the
// register it tested. Slots start empty and the stack displacement is zero.
func EntryDefs(num *Numberer, entry uint64) *DefState {
	s := &DefState{Slots: map[int64]*DefSet{}}
	for r := range s.Regs {
		s.Regs[r] = SingletonDef(num.Index(Loc{Addr: entry, Stmt: -1 - r}))
	}
	return s
}

// Copy returns a deep copy of s. The DefSets themselves are shared; callers
// replace them wholesale rather than mutating.
func (s *DefState) Copy() *DefState {
	out := &DefState{RSP: s.RSP, Slots: make(map[int64]*DefSet, len(s.Slots))}
	out.Regs = s.Regs
	for k, v := range s.Slots {
		out.Slots[k] = v
	}
	return out
}

// SlotKey translates a displacement from the current stack pointer into the
// entry-relative key used by Slots.
func (s *DefState) SlotKey(disp int64) int64 {
	return s.RSP + disp
}

// SlotOf resolves a stack-pointer-based memory operand to its entry-relative
// slot key. Unlike the value state, definition tracking follows the stack
// pointer syntactically, so frame-pointer aliases do not resolve here.
func (s *DefState) SlotOf(m ir.Mem) (int64, bool) {
	base, disp, ok := BaseDisp(m.Args)
	if !ok || base.Num != ir.Rsp {
		return 0, false
	}
	return s.RSP + disp, true
}

// JoinInto merges o into s and reports whether s changed. Register sets are
// unioned. A slot missing on either side is dropped, matching the value
// state's treatment of unknown memory.
func (s *DefState) JoinInto(o *DefState) bool {
	changed := false
	if s.RSP != o.RSP {
		// Mismatched frames only arise after a frame violation; the
		// value state has already pessimized, so keep s as is.
		return false
	}
	for r := range s.Regs {
		u := s.Regs[r].Union(o.Regs[r])
		if !u.Equal(s.Regs[r]) {
			s.Regs[r] = u
			changed = true
		}
	}
	for k := range s.Slots {
		ov, ok := o.Slots[k]
		if !ok {
			delete(s.Slots, k)
			changed = true
			continue
		}
		u := s.Slots[k].Union(ov)
		if !u.Equal(s.Slots[k]) {
			s.Slots[k] = u
			changed = true
		}
	}
	return changed
}

// Equal reports whether two states have identical register and slot sets.
func (s *DefState) Equal(o *DefState) bool {
	if s.RSP != o.RSP || len(s.Slots) != len(o.Slots) {
		return false
	}
	for r := range s.Regs {
		if !s.Regs[r].Equal(o.Regs[r]) {
			return false
		}
	}
	for k, v := range s.Slots {
		ov, ok := o.Slots[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

func (s *DefState) String() string {
	out := fmt.Sprintf("rsp%+d", s.RSP)
	for r, d := range s.Regs {
		if !d.IsEmpty() {
			out += fmt.Sprintf(" %s=%s", ir.Reg{Num: ir.RegID(r), Size: ir.Size64}, d)
		}
	}
	for _, k := range funcutil.OrderedKeys(s.Slots) {
		out += fmt.Sprintf(" [%+d]=%s", k, s.Slots[k])
	}
	return out
}
