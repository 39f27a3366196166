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
	"github.com/PabstMatthew/veriwasm/analysis/ir"
	"github.com/PabstMatthew/veriwasm/analysis/lattice"
	"github.com/PabstMatthew/veriwasm/analysis/metadata"
)

// ClassifyMem decides which isolation rule, if any, admits the access m in
// state s, and what abstract value a load of it yields. Runtime structures
// are read-only for the module, so a write never classifies as metadata, a
// call table, or a jump table.
func (ip *Interp) ClassifyMem(s *lattice.State, m ir.Mem, write bool) (MemClass, lattice.Value) {
	if key, ok := s.SlotKey(m); ok {
		if write {
			return MemStack, lattice.TopVal
		}
		return MemStack, readSlot(s, key, m.Size)
	}
	if !write {
		if cls, v, ok := ip.classifyRuntime(s, m); ok {
			return cls, v
		}
		if cls, v, ok := ip.classifyTables(s, m); ok {
			return cls, v
		}
	}
	if ok := ip.globalsForm(s, m); ok {
		return MemGlobals, loadWidth(m.Size)
	}
	if ip.heapForm(s, m) {
		return MemHeap, loadWidth(m.Size)
	}
	return MemUnsafe, lattice.TopVal
}

// argVal evaluates one addressing component.
func (ip *Interp) argVal(s *lattice.State, a ir.MemArg) lattice.Value {
	switch x := a.(type) {
	case ir.Imm:
		return lattice.ConstVal(x.Val)
	case ir.Reg:
		return readReg(s.Reg(x.Num), x.Size)
	}
	return lattice.TopVal
}

// constAddr resolves a fully constant effective address.
func (ip *Interp) constAddr(s *lattice.State, m ir.Mem) (int64, bool) {
	part := func(a ir.MemArg) (int64, bool) {
		v := ip.argVal(s, a)
		if v.Tag != lattice.Const {
			return 0, false
		}
		return v.Val, true
	}
	switch args := m.Args.(type) {
	case ir.MemOne:
		return part(args.X)
	case ir.MemTwo:
		x, ok := part(args.X)
		y, ok2 := part(args.Y)
		if ok && ok2 {
			return x + y, true
		}
	case ir.MemThree:
		x, ok := part(args.X)
		y, ok2 := part(args.Y)
		z, ok3 := part(args.Z)
		if ok && ok2 && ok3 {
			return x + y + z, true
		}
	}
	return 0, false
}

// classifyRuntime matches reads of runtime-owned structures: the fields the
// compiled code legitimately walks to reach its memory, globals, and tables.
func (ip *Interp) classifyRuntime(s *lattice.State, m ir.Mem) (MemClass, lattice.Value, bool) {
	if ip.Ctx.Runtime == metadata.Lucet {
		return ip.lucetRuntime(s, m)
	}
	return ip.wamrRuntime(s, m)
}

func (ip *Interp) lucetRuntime(s *lattice.State, m ir.Mem) (MemClass, lattice.Value, bool) {
	if base, disp, ok := lattice.BaseDisp(m.Args); ok {
		bv := readReg(s.Reg(base.Num), base.Size)
		if bv.Tag == lattice.HeapBase && disp == metadata.LucetGlobalsPtrDisp {
			v := lattice.TopVal
			if m.Size == ir.Size64 {
				v = lattice.Value{Tag: lattice.GlobalsBase}
			}
			return MemMetadata, v, true
		}
	}
	if ip.Ctx.LucetTables != 0 {
		if abs, ok := ip.constAddr(s, m); ok {
			switch abs {
			case ip.Ctx.LucetTables:
				return MemMetadata, lattice.TopVal, true
			case ip.Ctx.LucetTables + metadata.LucetTableBoundDisp:
				v := lattice.TopVal
				if m.Size == ir.Size64 {
					v = lattice.Value{Tag: lattice.TableSize}
				}
				return MemMetadata, v, true
			}
		}
	}
	return MemUnsafe, lattice.TopVal, false
}

func (ip *Interp) wamrRuntime(s *lattice.State, m ir.Mem) (MemClass, lattice.Value, bool) {
	base, disp, ok := lattice.BaseDisp(m.Args)
	if ok {
		bv := readReg(s.Reg(base.Num), base.Size)
		if bv.Tag == lattice.RuntimeStruct {
			switch bv.Kind {
			case lattice.ExecEnv:
				return wamrExecEnvField(disp, m.Size)
			case lattice.ModuleInstance:
				return ip.wamrInstanceField(disp, m.Size)
			}
		}
	}
	// funcind[i] for a bounds-checked dynamic index.
	if args, ok := m.Args.(ir.MemScaleDisp); ok {
		bv := ip.argVal(s, args.Base)
		iv := ip.argVal(s, args.Index)
		sc := ip.argVal(s, args.Scale)
		dv := ip.argVal(s, args.Disp)
		if bv.Tag == lattice.RuntimeStruct && bv.Kind == lattice.ModuleInstance &&
			sc.Tag == lattice.Const && sc.Val == 4 &&
			dv.Tag == lattice.Const && dv.Val == metadata.WamrInstFuncIndices &&
			ip.tableBoundedIdx(iv, false) {
			v := lattice.TopVal
			if m.Size == ir.Size32 {
				v = lattice.Value{Tag: lattice.FuncIdx}
			}
			return MemMetadata, v, true
		}
	}
	return MemUnsafe, lattice.TopVal, false
}

func wamrExecEnvField(disp int64, size ir.ValSize) (MemClass, lattice.Value, bool) {
	v := lattice.TopVal
	switch disp {
	case metadata.WamrExecEnvModuleInst:
		if size == ir.Size64 {
			v = lattice.StructVal(lattice.ModuleInstance)
		}
	case metadata.WamrExecEnvStackLimit:
		if size == ir.Size64 {
			v = lattice.StructVal(lattice.StackLimit)
		}
	case metadata.WamrExecEnvGlobals:
		if size == ir.Size64 {
			v = lattice.Value{Tag: lattice.GlobalsBase}
		}
	default:
		return MemUnsafe, lattice.TopVal, false
	}
	return MemMetadata, v, true
}

func (ip *Interp) wamrInstanceField(disp int64, size ir.ValSize) (MemClass, lattice.Value, bool) {
	v := lattice.TopVal
	switch disp {
	case metadata.WamrInstHeapBase:
		if size == ir.Size64 {
			v = lattice.Value{Tag: lattice.HeapBase}
		}
	case metadata.WamrInstFuncTypes:
		if size == ir.Size64 {
			v = lattice.StructVal(lattice.FuncTypeTable)
		}
	case metadata.WamrInstFuncPtrs:
		if size == ir.Size64 {
			v = lattice.StructVal(lattice.FuncPtrsTable)
		}
	case metadata.WamrInstMemBound, metadata.WamrInstPageCount, metadata.WamrInstException:
		// Known fields without a tracked value.
	case metadata.WamrInstFuncIndices - 4:
		// The element count stored just before the index table.
	default:
		lo, hi := ip.Ctx.FuncIndsWindow()
		if disp >= lo && disp < hi && (disp-lo)%4 == 0 {
			if size == ir.Size32 {
				v = lattice.Value{Tag: lattice.FuncIdx}
			}
			return MemMetadata, v, true
		}
		return MemUnsafe, lattice.TopVal, false
	}
	return MemMetadata, v, true
}

// classifyTables matches indirect-call table and jump-table reads.
func (ip *Interp) classifyTables(s *lattice.State, m ir.Mem) (MemClass, lattice.Value, bool) {
	if ip.Ctx.Runtime == metadata.Lucet && ip.Ctx.GuestTable0 != 0 {
		if cls, v, ok := ip.lucetCallTable(s, m); ok {
			return cls, v, ok
		}
	}
	if ip.Ctx.Runtime == metadata.WAMR {
		if cls, v, ok := ip.wamrCallTable(s, m); ok {
			return cls, v, ok
		}
	}
	return ip.jumpTable(s, m)
}

// lucetCallTable matches accesses to the 16-byte call-table entries: the
// type field at the scaled index, and the code pointer 8 bytes in.
func (ip *Interp) lucetCallTable(s *lattice.State, m ir.Mem) (MemClass, lattice.Value, bool) {
	pair := func(x, y ir.MemArg) bool {
		a := ip.argVal(s, x)
		b := ip.argVal(s, y)
		if a.Tag != lattice.Const {
			a, b = b, a
		}
		return a.Tag == lattice.Const && a.Val == ip.Ctx.GuestTable0 && ip.scaledCheckedIdx(b)
	}
	switch args := m.Args.(type) {
	case ir.MemTwo:
		if pair(args.X, args.Y) {
			return MemCallTable, lattice.TopVal, true
		}
	case ir.MemThree:
		z, ok := args.Z.(ir.Imm)
		if ok && z.Val == 8 && pair(args.X, args.Y) {
			v := lattice.TopVal
			if m.Size == ir.Size64 {
				v = lattice.Value{Tag: lattice.CodePtr}
			}
			return MemCallTable, v, true
		}
	}
	return MemUnsafe, lattice.TopVal, false
}

func (ip *Interp) wamrCallTable(s *lattice.State, m ir.Mem) (MemClass, lattice.Value, bool) {
	args, ok := m.Args.(ir.MemScale)
	if !ok {
		return MemUnsafe, lattice.TopVal, false
	}
	bv := ip.argVal(s, args.Base)
	iv := ip.argVal(s, args.Index)
	sc := ip.argVal(s, args.Scale)
	if bv.Tag != lattice.RuntimeStruct || iv.Tag != lattice.FuncIdx || sc.Tag != lattice.Const {
		return MemUnsafe, lattice.TopVal, false
	}
	switch {
	case bv.Kind == lattice.FuncPtrsTable && sc.Val == 8:
		v := lattice.TopVal
		if m.Size == ir.Size64 {
			v = lattice.Value{Tag: lattice.CodePtr}
		}
		return MemCallTable, v, true
	case bv.Kind == lattice.FuncTypeTable && sc.Val == 4:
		return MemMetadata, lattice.TopVal, true
	}
	return MemUnsafe, lattice.TopVal, false
}

// jumpTable matches switch-dispatch reads: a constant table base indexed by
// a bounds-checked value.
func (ip *Interp) jumpTable(s *lattice.State, m ir.Mem) (MemClass, lattice.Value, bool) {
	args, ok := m.Args.(ir.MemScale)
	if !ok {
		return MemUnsafe, lattice.TopVal, false
	}
	bv := ip.argVal(s, args.Base)
	iv := ip.argVal(s, args.Index)
	sc := ip.argVal(s, args.Scale)
	if bv.Tag != lattice.Const || sc.Tag != lattice.Const {
		return MemUnsafe, lattice.TopVal, false
	}
	if iv.Tag != lattice.TableIndex || !iv.Checked || iv.Scaled || iv.Bound <= 0 {
		return MemUnsafe, lattice.TopVal, false
	}
	switch {
	case sc.Val == 4 && m.Size == ir.Size32:
		return MemJumpTable, lattice.Value{Tag: lattice.JumpEntry, Val: bv.Val, Bound: iv.Bound}, true
	case sc.Val == 8 && m.Size == ir.Size64:
		// Pointer-sized dispatch tables are read by the branch itself.
		return MemJumpTable, lattice.TopVal, true
	}
	return MemUnsafe, lattice.TopVal, false
}

// scaledCheckedIdx reports whether v is a call-table offset: bounds-checked,
// scaled to entry size, and checked against a bound the table actually has.
func (ip *Interp) scaledCheckedIdx(v lattice.Value) bool {
	if v.Tag != lattice.TableIndex || !v.Checked || !v.Scaled {
		return false
	}
	return ip.tableBoundedIdx(v, true)
}

// tableBoundedIdx accepts an index checked against the loaded table size
// (when allowSym holds), or against a concrete bound no larger than the
// table.
func (ip *Interp) tableBoundedIdx(v lattice.Value, allowSym bool) bool {
	if v.Tag != lattice.TableIndex || !v.Checked {
		return false
	}
	if v.SizeCheckedBound() {
		return allowSym
	}
	return v.Bound > 0 && ip.Ctx.TableBound > 0 && v.Bound <= ip.Ctx.TableBound
}

func (ip *Interp) globalsForm(s *lattice.State, m ir.Mem) bool {
	base, disp, ok := lattice.BaseDisp(m.Args)
	if !ok {
		return false
	}
	bv := readReg(s.Reg(base.Num), base.Size)
	if bv.Tag != lattice.GlobalsBase {
		return false
	}
	n := m.Size.Bytes()
	if n == 0 {
		n = 8
	}
	return disp >= 0 && disp+n <= ip.Ctx.GlobalsSize
}

// heapForm matches accesses the linear-memory guard region absorbs: the heap
// base plus at most one bounded dynamic offset and one 32-bit constant
// displacement.
func (ip *Interp) heapForm(s *lattice.State, m ir.Mem) bool {
	heapPtr := func(v lattice.Value) bool {
		return v.Tag == lattice.HeapBase || v.Tag == lattice.HeapAddr
	}
	pair := func(x, y ir.MemArg) bool {
		a := ip.argVal(s, x)
		b := ip.argVal(s, y)
		if !heapPtr(a) {
			a, b = b, a
		}
		return heapPtr(a) && heapOffset(b)
	}
	switch args := m.Args.(type) {
	case ir.MemOne:
		return heapPtr(ip.argVal(s, args.X))
	case ir.MemTwo:
		return pair(args.X, args.Y)
	case ir.MemThree:
		z, ok := args.Z.(ir.Imm)
		if !ok || z.Val < 0 || z.Val >= heapGuard {
			return false
		}
		return pair(args.X, args.Y)
	}
	return false
}
