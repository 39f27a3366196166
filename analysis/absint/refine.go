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

package absint

import (
	"github.com/PabstMatthew/veriwasm/analysis/cfg"
	"github.com/PabstMatthew/veriwasm/analysis/ir"
	"github.com/PabstMatthew/veriwasm/analysis/lattice"
)

// RefineEdge sharpens the state flowing along one outgoing edge of a
// conditional branch with what the condition proves on that edge. The zero
// flag carries the comparison that set it, and the reaching-definition sets
// identify every location still holding the compared value, so the proof
// lands on aliases and spilled copies as well as the compared register.
//
// Only unsigned upper-bound conditions prove anything. A comparison against
// an immediate yields a concrete bound; a comparison against the loaded
// table size yields the symbolic one, and only under strict less-than.
func (ip *Interp) RefineEdge(s *lattice.State, ds *lattice.DefState, b *cfg.Block, e cfg.Edge) {
	if e.Kind != cfg.Fallthrough && e.Kind != cfg.Jump {
		return
	}
	br, ok := b.Terminator().(ir.Branch)
	if !ok || br.Cond == ir.CondAlways || br.Cond == ir.CondOther {
		return
	}
	if _, ok := br.Target.(ir.Imm); !ok {
		return
	}
	zdefs := ds.Regs[ir.RegZF]
	if zdefs == nil || zdefs.IsEmpty() {
		return
	}
	taken := e.Kind == cfg.Jump
	zf := s.Reg(ir.RegZF)
	var bound int64
	symbolic := false
	switch zf.Tag {
	case lattice.FlagImm:
		if bound, ok = immBound(zf.Val, br.Cond, taken); !ok {
			return
		}
	case lattice.FlagTableSize:
		if !sizeCheckCond(br.Cond, taken) {
			return
		}
		symbolic = true
	default:
		return
	}
	apply := func(v lattice.Value, defs *lattice.DefSet) (lattice.Value, bool) {
		// A scaled index carries the defs its shift consumed, so the
		// check on the unscaled original still claims it.
		if v.Tag == lattice.TableIndex && v.Scaled && !v.Checked {
			if v.Defs == nil || !v.Defs.Equal(zdefs) {
				return v, false
			}
			if symbolic {
				return lattice.ScaledTableSizeCheckedIdx(), true
			}
			return lattice.ScaledCheckedIdx(bound), true
		}
		if defs == nil || !defs.Equal(zdefs) {
			return v, false
		}
		switch {
		case v.Tag == lattice.Top, v.Tag == lattice.HeapBounded,
			v.Tag == lattice.TableIndex && !v.Checked && !v.Scaled:
			if symbolic {
				return lattice.TableSizeCheckedIdx(), true
			}
			return lattice.CheckedIdx(bound), true
		}
		return v, false
	}
	for r := range s.Regs {
		if nv, ok := apply(s.Regs[r], ds.Regs[r]); ok {
			s.Regs[r] = nv
		}
	}
	for key, v := range s.Slots {
		if nv, ok := apply(v, ds.Slots[key]); ok {
			s.Slots[key] = nv
		}
	}
}

// immBound maps a condition and edge direction to the exclusive bound the
// comparison against imm proves, when it proves one.
func immBound(imm int64, c ir.Cond, taken bool) (int64, bool) {
	if imm < 0 {
		return 0, false
	}
	var bound int64
	if taken {
		switch c {
		case ir.CondB:
			bound = imm
		case ir.CondBE, ir.CondE:
			bound = imm + 1
		default:
			return 0, false
		}
	} else {
		switch c {
		case ir.CondAE:
			bound = imm
		case ir.CondA, ir.CondNE:
			bound = imm + 1
		default:
			return 0, false
		}
	}
	return bound, bound > 0
}

// sizeCheckCond reports whether the edge proves a strict bound by the loaded
// table size.
func sizeCheckCond(c ir.Cond, taken bool) bool {
	if taken {
		return c == ir.CondB
	}
	return c == ir.CondAE
}
