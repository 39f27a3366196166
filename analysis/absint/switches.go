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
	"errors"
	"fmt"
	"sort"

	"github.com/PabstMatthew/veriwasm/analysis/ir"
	"github.com/PabstMatthew/veriwasm/analysis/lattice"
)

// Image reads words out of the mapped binary, for enumerating jump-table
// entries.
type Image interface {
	ReadWord32(addr uint64) (uint32, error)
	ReadWord64(addr uint64) (uint64, error)
}

// maxTableEntries rejects jump-table bounds too large to have come from a
// compiler-emitted switch.
const maxTableEntries = 1 << 20

// enumerateTargets lists every address an indirect branch can reach, given
// the abstract state at the branch. It handles the two dispatch shapes the
// supported compilers emit: a register holding a base-plus-entry sum whose
// entries are 32-bit self-relative offsets, and a direct jump through a
// table of 64-bit absolute pointers.
func (ip *Interp) enumerateTargets(img Image, s *lattice.State, br ir.Branch) ([]uint64, error) {
	switch t := br.Target.(type) {
	case ir.Reg:
		v := readReg(s.Reg(t.Num), t.Size)
		if v.Tag == lattice.JumpTarget && v.Bound > 0 {
			return relTargets(img, v.Val, v.Bound)
		}
	case ir.Mem:
		args, ok := t.Args.(ir.MemScale)
		if ok && t.Size == ir.Size64 {
			bv := ip.argVal(s, args.Base)
			iv := ip.argVal(s, args.Index)
			sc := ip.argVal(s, args.Scale)
			if bv.Tag == lattice.Const && sc.Tag == lattice.Const && sc.Val == 8 &&
				iv.Tag == lattice.TableIndex && iv.Checked && !iv.Scaled && iv.Bound > 0 {
				return absTargets(img, bv.Val, iv.Bound)
			}
		}
	}
	return nil, errors.New("branch target is not a bounded table load")
}

// relTargets reads count 32-bit entries at base and resolves each as a
// signed offset from base.
func relTargets(img Image, base, count int64) ([]uint64, error) {
	if count > maxTableEntries {
		return nil, fmt.Errorf("jump table of %d entries exceeds the supported size", count)
	}
	targets := make([]uint64, 0, count)
	for i := int64(0); i < count; i++ {
		w, err := img.ReadWord32(uint64(base + 4*i))
		if err != nil {
			return nil, err
		}
		targets = append(targets, uint64(base+int64(int32(w))))
	}
	return dedupe(targets), nil
}

// absTargets reads count 64-bit absolute entries at base.
func absTargets(img Image, base, count int64) ([]uint64, error) {
	if count > maxTableEntries {
		return nil, fmt.Errorf("jump table of %d entries exceeds the supported size", count)
	}
	targets := make([]uint64, 0, count)
	for i := int64(0); i < count; i++ {
		w, err := img.ReadWord64(uint64(base + 8*i))
		if err != nil {
			return nil, err
		}
		targets = append(targets, w)
	}
	return dedupe(targets), nil
}

func dedupe(ts []uint64) []uint64 {
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	out := ts[:0]
	for i, t := range ts {
		if i == 0 || t != ts[i-1] {
			out = append(out, t)
		}
	}
	return out
}
