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

// Package absint runs the forward abstract interpretation that re-derives a
// function's isolation proof: a combined fixpoint over the value lattice and
// the reaching-definition sets, bounds-check refinement on conditional
// edges, and jump-table resolution that feeds discovered successors back
// into the control-flow graph.
package absint

import (
	"math/bits"

	"github.com/PabstMatthew/veriwasm/analysis/ir"
	"github.com/PabstMatthew/veriwasm/analysis/lattice"
	"github.com/PabstMatthew/veriwasm/analysis/metadata"
)

// MemClass is the outcome of classifying one memory operand against the
// isolation policy.
type MemClass uint8

const (
	// MemUnsafe is an access no rule admits.
	MemUnsafe MemClass = iota
	// MemStack is an access through a known stack offset.
	MemStack
	// MemHeap is an access within the linear-memory guard region.
	MemHeap
	// MemGlobals is an access within the global-variable region.
	MemGlobals
	// MemMetadata is a read of a runtime-owned structure field.
	MemMetadata
	// MemCallTable is an access to an indirect-call table entry.
	MemCallTable
	// MemJumpTable is a read of a jump-table entry.
	MemJumpTable
)

func (c MemClass) String() string {
	switch c {
	case MemStack:
		return "stack"
	case MemHeap:
		return "heap"
	case MemGlobals:
		return "globals"
	case MemMetadata:
		return "metadata"
	case MemCallTable:
		return "calltable"
	case MemJumpTable:
		return "jumptable"
	}
	return "unsafe"
}

const heapGuard = int64(1) << 32

// Interp is the abstract transfer function, shared by the fixpoint engine
// and the policy checkers so both always see the same states.
type Interp struct {
	Ctx *metadata.ModuleContext
	Num *lattice.Numberer

	// Entry is the address of the function being interpreted, used to
	// name the synthetic entry definitions.
	Entry uint64
}

// EntryDefIdx returns the synthetic definition index register r carries at
// function entry.
func (ip *Interp) EntryDefIdx(r ir.RegID) int {
	return ip.Num.Index(lattice.Loc{Addr: ip.Entry, Stmt: -1 - int(r)})
}

// Exec applies one statement at site l to the value state and the definition
// state in lockstep. Both states are updated in place.
func (ip *Interp) Exec(s *lattice.State, ds *lattice.DefState, l lattice.Loc, stmt ir.Stmt) {
	switch st := stmt.(type) {
	case ir.Unop:
		ip.execUnop(s, ds, l, st)
	case ir.Binop:
		ip.execBinop(s, ds, l, st)
	case ir.Clear:
		ip.execClear(s, ds, l, st)
	case ir.Call:
		ip.execCall(s, ds)
	case ir.ProbeStack:
		ip.execProbe(s, ds, l, st)
	}
	// Branch, Ret, Undefined, and Unsupported do not change the state.
}

// ExecBlock runs every statement of the lifted instructions through Exec.
func (ip *Interp) ExecBlock(s *lattice.State, ds *lattice.DefState, insns []ir.Lifted) {
	for _, insn := range insns {
		for i, stmt := range insn.Stmts {
			ip.Exec(s, ds, lattice.Loc{Addr: insn.Addr, Stmt: i}, stmt)
		}
	}
}

func (ip *Interp) execUnop(s *lattice.State, ds *lattice.DefState, l lattice.Loc, st ir.Unop) {
	var v lattice.Value
	switch st.Op {
	case ir.Set:
		v = lattice.BoundedVal(8)
	case ir.MovSX:
		v = sext(ip.Eval(s, st.Src), sizeOf(st.Src))
	default:
		v = ip.Eval(s, st.Src)
	}
	ip.assign(s, ds, l, st.Dst, v, st.Src)
	if dst, ok := st.Dst.(ir.Reg); ok && dst.Num == ir.Rsp {
		// A frame-pointer restore moves a known stack offset back into
		// rsp; resync the syntactic displacement with it.
		if g, ok := s.RSPOff(); ok {
			ds.RSP = g
		}
	}
}

func (ip *Interp) execBinop(s *lattice.State, ds *lattice.DefState, l lattice.Loc, st ir.Binop) {
	if st.Op == ir.Cmp || st.Op == ir.Test {
		ip.execCompare(s, ds, st)
		return
	}
	a := ip.Eval(s, st.Src1)
	b := ip.Eval(s, st.Src2)
	v := ip.arith(st.Op, a, b, defsOf(ds, st.Src1))
	ip.assign(s, ds, l, st.Dst, v, nil)
	if dst, ok := st.Dst.(ir.Reg); ok && dst.Num == ir.Rsp {
		ip.afterRSPWrite(s, ds, st)
	}
}

// execCompare models cmp and test: the zero flag remembers what was compared
// against, and its definition set claims the compared operands.
func (ip *Interp) execCompare(s *lattice.State, ds *lattice.DefState, st ir.Binop) {
	flag := lattice.TopVal
	if st.Op == ir.Cmp {
		switch b := ip.Eval(s, st.Src2); b.Tag {
		case lattice.Const:
			flag = lattice.Value{Tag: lattice.FlagImm, Val: b.Val}
		case lattice.TableSize:
			flag = lattice.Value{Tag: lattice.FlagTableSize}
		}
	} else if sameOperand(st.Src1, st.Src2) {
		// test x, x sets the zero flag iff x is zero, which reads as a
		// comparison against zero.
		flag = lattice.Value{Tag: lattice.FlagImm, Val: 0}
	}
	s.SetReg(ir.RegZF, flag)
	ds.Regs[ir.RegZF] = ip.claimable(s, ds, st.Src1).Union(ip.claimable(s, ds, st.Src2))
}

// claimable returns the definitions a comparison on v vouches for. A narrow
// comparison inspects only the low bits, so it claims nothing unless the
// full value is already known to fit the compared width.
func (ip *Interp) claimable(s *lattice.State, ds *lattice.DefState, v ir.Value) *lattice.DefSet {
	switch sizeOf(v) {
	case ir.Size64, ir.SizeOther:
		return defsOf(ds, v)
	case ir.Size32:
		if full := rawValue(s, v); clamp32(full).Eq(full) {
			return defsOf(ds, v)
		}
	}
	return lattice.EmptyDef()
}

// rawValue reads the untruncated value behind an operand.
func rawValue(s *lattice.State, v ir.Value) lattice.Value {
	switch x := v.(type) {
	case ir.Imm:
		return lattice.ConstVal(x.Val)
	case ir.Reg:
		return s.Reg(x.Num)
	case ir.Mem:
		if key, ok := s.SlotKey(x); ok {
			return s.Slot(key)
		}
	}
	return lattice.TopVal
}

func (ip *Interp) execClear(s *lattice.State, ds *lattice.DefState, l lattice.Loc, st ir.Clear) {
	ip.assign(s, ds, l, st.Dst, lattice.TopVal, nil)
}

// execCall clobbers the caller-saved world. The stack pointer survives
// because callees are themselves verified to balance it, and under WAMR the
// callee-saved registers survive for the same reason.
func (ip *Interp) execCall(s *lattice.State, ds *lattice.DefState) {
	for r := ir.RegID(0); r < ir.NumRegs; r++ {
		if r == ir.Rsp || ip.Ctx.CalleeSaved(r) {
			continue
		}
		s.SetReg(r, lattice.TopVal)
		ds.Regs[r] = lattice.EmptyDef()
	}
}

func (ip *Interp) execProbe(s *lattice.State, ds *lattice.DefState, l lattice.Loc, st ir.ProbeStack) {
	if g, ok := s.RSPOff(); ok {
		newg := g - st.Size
		s.SetReg(ir.Rsp, lattice.StackVal(newg))
		probed := -g + (st.Size/metadata.PageSize+1)*metadata.PageSize
		if probed > s.Probed {
			s.Probed = probed
		}
	} else {
		s.SetReg(ir.Rsp, lattice.TopVal)
	}
	s.SetReg(ir.Rax, lattice.ConstVal(st.Size))
	s.SetReg(ir.RegZF, lattice.TopVal)
	ds.RSP -= st.Size
	ds.Regs[ir.Rax] = lattice.SingletonDef(ip.Num.Index(l))
	ds.Regs[ir.RegZF] = lattice.EmptyDef()
}

// afterRSPWrite maintains the probed-depth watermark when the frame grows.
// Growth within one page of the watermark extends it; larger jumps are left
// for the stack checker to flag, with the watermark forced along so one bad
// allocation reports once.
func (ip *Interp) afterRSPWrite(s *lattice.State, ds *lattice.DefState, st ir.Binop) {
	// Growth past the probed watermark is the checker's concern. The
	// watermark still follows it so one missing probe does not condemn
	// every later frame access.
	if g, ok := s.RSPOff(); ok {
		if depth := -g; depth > s.Probed {
			s.Probed = depth
		}
		ds.RSP = g
		return
	}
	if i, ok := st.Src2.(ir.Imm); ok && isReg(st.Src1, ir.Rsp) {
		switch st.Op {
		case ir.Add:
			ds.RSP += i.Val
		case ir.Sub:
			ds.RSP -= i.Val
		}
	}
}

// assign writes v to dst in both states. src, when non-nil, is the statement
// source operand, needed to recognize callee-save spills and restores.
func (ip *Interp) assign(s *lattice.State, ds *lattice.DefState, l lattice.Loc, dst ir.Value, v lattice.Value, src ir.Value) {
	switch d := dst.(type) {
	case ir.Reg:
		if d.Num == ir.RegZF {
			s.SetReg(ir.RegZF, lattice.TopVal)
			ds.Regs[ir.RegZF] = lattice.SingletonDef(ip.Num.Index(l))
			return
		}
		ip.noteRestore(s, d, src)
		s.SetReg(d.Num, writeReg(s.Reg(d.Num), d.Size, v))
		ds.Regs[d.Num] = ip.defsForWrite(ds, l, d.Size, src)
	case ir.Mem:
		ip.storeMem(s, d, v)
		ip.noteSpill(s, ds, d, src)
		if key, ok := ds.SlotOf(d); ok {
			if d.Size == ir.Size64 {
				ds.Slots[key] = ip.defsForWrite(ds, l, d.Size, src)
			} else {
				delete(ds.Slots, key)
			}
		}
	}
}

// defsForWrite picks the definition set a write installs. A full-width copy
// hands the destination the source's definitions, so one bounds check claims
// every location still holding the checked value, spilled copies included.
// Every other write mints a fresh definition at this site.
func (ip *Interp) defsForWrite(ds *lattice.DefState, l lattice.Loc, dstSize ir.ValSize, src ir.Value) *lattice.DefSet {
	if dstSize == ir.Size64 {
		switch x := src.(type) {
		case ir.Reg:
			if x.Size == ir.Size64 && x.Num != ir.RegZF {
				return ds.Regs[x.Num]
			}
		case ir.Mem:
			if x.Size == ir.Size64 {
				if key, ok := ds.SlotOf(x); ok {
					if d, present := ds.Slots[key]; present {
						return d
					}
				}
			}
		}
	}
	return lattice.SingletonDef(ip.Num.Index(l))
}

// noteSpill records a callee-save obligation when an unmodified callee-saved
// register is stored to the stack.
func (ip *Interp) noteSpill(s *lattice.State, ds *lattice.DefState, d ir.Mem, src ir.Value) {
	r, ok := src.(ir.Reg)
	if !ok || d.Size != ir.Size64 || !ip.Ctx.CalleeSaved(r.Num) {
		return
	}
	if _, _, saved := s.SavedAt(r.Num); saved {
		return
	}
	if !ds.Regs[r.Num].Equal(lattice.SingletonDef(ip.EntryDefIdx(r.Num))) {
		return
	}
	if key, ok := s.SlotKey(d); ok {
		s.MarkSaved(r.Num, key)
	}
}

// noteRestore discharges a callee-save obligation when the register is
// reloaded from its save slot.
func (ip *Interp) noteRestore(s *lattice.State, d ir.Reg, src ir.Value) {
	if !ip.Ctx.CalleeSaved(d.Num) || d.Size != ir.Size64 {
		return
	}
	m, ok := src.(ir.Mem)
	if !ok || m.Size != ir.Size64 {
		return
	}
	key, ok := s.SlotKey(m)
	if !ok {
		return
	}
	if saved, conflicted, present := s.SavedAt(d.Num); present && !conflicted && saved == key {
		s.ClearSaved(d.Num)
	}
}

// Eval returns the abstract value of an operand.
func (ip *Interp) Eval(s *lattice.State, v ir.Value) lattice.Value {
	switch x := v.(type) {
	case ir.Imm:
		return lattice.ConstVal(x.Val)
	case ir.Reg:
		if x.Num == ir.RegZF {
			return s.Reg(ir.RegZF)
		}
		return readReg(s.Reg(x.Num), x.Size)
	case ir.Mem:
		_, val := ip.ClassifyMem(s, x, false)
		return val
	}
	return lattice.TopVal
}

// arith folds a binary operation over abstract values. aDefs names the
// definitions of the first operand, claimed by a shift that builds a
// table-entry offset before its bounds check.
func (ip *Interp) arith(op ir.BinopKind, a, b lattice.Value, aDefs *lattice.DefSet) lattice.Value {
	switch op {
	case ir.Add:
		return addVals(a, b)
	case ir.Sub:
		switch {
		case a.Tag == lattice.Const && b.Tag == lattice.Const:
			return lattice.ConstVal(a.Val - b.Val)
		case a.Tag == lattice.StackOff && b.Tag == lattice.Const:
			return lattice.StackVal(a.Val - b.Val)
		}
	case ir.And:
		if a.Tag == lattice.Const && b.Tag == lattice.Const {
			return lattice.ConstVal(a.Val & b.Val)
		}
		// Masking bounds the result no matter what the other operand
		// holds.
		if e, ok := maskExponent(b); ok {
			return lattice.BoundedVal(e)
		}
		if e, ok := maskExponent(a); ok {
			return lattice.BoundedVal(e)
		}
	case ir.Shl:
		if b.Tag != lattice.Const {
			return lattice.TopVal
		}
		k := b.Val
		switch {
		case a.Tag == lattice.Const && k >= 0 && k < 64:
			return lattice.ConstVal(a.Val << uint(k))
		case a.Tag == lattice.TableIndex && a.Checked && !a.Scaled && k == 4:
			out := a
			out.Scaled = true
			return out
		case a.Tag == lattice.HeapBounded && a.Bound+k <= 32:
			return lattice.BoundedVal(a.Bound + k)
		case k == 4:
			// An entry-sized shift before the bounds check: remember
			// which definitions it consumed so a later check still
			// claims it.
			return lattice.UncheckedScaledIdx(aDefs)
		}
	}
	return lattice.TopVal
}

func addVals(a, b lattice.Value) lattice.Value {
	if b.Tag == lattice.StackOff || b.Tag == lattice.HeapBase || b.Tag == lattice.JumpEntry {
		a, b = b, a
	}
	switch {
	case a.Tag == lattice.Const && b.Tag == lattice.Const:
		return lattice.ConstVal(a.Val + b.Val)
	case a.Tag == lattice.StackOff && b.Tag == lattice.Const:
		return lattice.StackVal(a.Val + b.Val)
	case a.Tag == lattice.HeapBase && heapOffset(b):
		return lattice.Value{Tag: lattice.HeapAddr}
	case a.Tag == lattice.JumpEntry && b.Tag == lattice.Const && b.Val == a.Val:
		return lattice.Value{Tag: lattice.JumpTarget, Val: a.Val, Bound: a.Bound}
	case a.Tag == lattice.HeapBounded && b.Tag == lattice.HeapBounded:
		e := a.Bound
		if b.Bound > e {
			e = b.Bound
		}
		if e+1 <= 32 {
			return lattice.BoundedVal(e + 1)
		}
	}
	return lattice.TopVal
}

// heapOffset reports whether v is provably a displacement the heap guard
// region absorbs.
func heapOffset(v lattice.Value) bool {
	switch v.Tag {
	case lattice.HeapBounded:
		return v.Bound <= 32
	case lattice.TableIndex:
		return v.Checked && v.Bound >= 0 && v.Bound <= heapGuard
	case lattice.Const:
		return v.Val >= 0 && v.Val < heapGuard
	case lattice.FuncIdx:
		return true
	}
	return false
}

func maskExponent(v lattice.Value) (int64, bool) {
	if v.Tag != lattice.Const || v.Val < 0 || v.Val >= heapGuard {
		return 0, false
	}
	return int64(bits.Len64(uint64(v.Val))), true
}

func sext(v lattice.Value, size ir.ValSize) lattice.Value {
	switch v.Tag {
	case lattice.Const:
		switch size {
		case ir.Size8:
			return lattice.ConstVal(int64(int8(v.Val)))
		case ir.Size16:
			return lattice.ConstVal(int64(int16(v.Val)))
		case ir.Size32:
			return lattice.ConstVal(int64(int32(v.Val)))
		}
		return v
	case lattice.JumpEntry:
		// Table entries are signed displacements; the resolver applies
		// the sign extension itself.
		return v
	}
	return lattice.TopVal
}

func sizeOf(v ir.Value) ir.ValSize {
	switch x := v.(type) {
	case ir.Reg:
		return x.Size
	case ir.Imm:
		return x.Size
	case ir.Mem:
		return x.Size
	}
	return ir.Size64
}

func isReg(v ir.Value, r ir.RegID) bool {
	x, ok := v.(ir.Reg)
	return ok && x.Num == r
}

func sameOperand(a, b ir.Value) bool {
	x, ok := a.(ir.Reg)
	y, ok2 := b.(ir.Reg)
	return ok && ok2 && x.Num == y.Num && x.Size == y.Size
}

// writeReg models a register write of the given width. Only 32- and 64-bit
// writes replace the whole register; narrower writes preserve the upper bits,
// so their result is unknown unless the register held zero.
func writeReg(prev lattice.Value, size ir.ValSize, v lattice.Value) lattice.Value {
	switch size {
	case ir.Size64, ir.SizeOther:
		return v
	case ir.Size32:
		return clamp32(v)
	default:
		if prev.Tag == lattice.Const && prev.Val == 0 {
			return lattice.BoundedVal(16)
		}
		return lattice.TopVal
	}
}

// readReg models a register read of the given width.
func readReg(v lattice.Value, size ir.ValSize) lattice.Value {
	switch size {
	case ir.Size64, ir.SizeOther:
		return v
	case ir.Size32:
		return clamp32(v)
	case ir.Size16:
		if v.Tag == lattice.Const {
			return lattice.ConstVal(v.Val & 0xffff)
		}
		return lattice.BoundedVal(16)
	default:
		// Any byte-wide read is below 2^8, whichever byte it is.
		return lattice.BoundedVal(8)
	}
}

// clamp32 abstracts zero-extended truncation to 32 bits. Values already
// provably below 2^32 keep their identity; everything else degrades to a
// 32-bit bound, which is still exact in the sense that the result always
// fits.
func clamp32(v lattice.Value) lattice.Value {
	switch v.Tag {
	case lattice.Const:
		return lattice.ConstVal(int64(uint32(v.Val)))
	case lattice.HeapBounded:
		if v.Bound <= 32 {
			return v
		}
	case lattice.TableIndex:
		if v.Checked && v.Bound >= 0 && v.Bound <= heapGuard {
			return v
		}
	case lattice.FuncIdx, lattice.JumpEntry:
		return v
	}
	return lattice.BoundedVal(32)
}

// loadWidth is the value of a load from attacker-writable memory: bounded by
// the access width, nothing more.
func loadWidth(size ir.ValSize) lattice.Value {
	switch size {
	case ir.Size8:
		return lattice.BoundedVal(8)
	case ir.Size16, ir.Size32:
		return lattice.BoundedVal(32)
	}
	return lattice.TopVal
}

// readSlot models a sized read of a tracked stack cell. Cells track full
// width stores, so narrow reads project out of the stored value.
func readSlot(s *lattice.State, key int64, size ir.ValSize) lattice.Value {
	cell := s.Slot(key)
	switch size {
	case ir.Size64, ir.SizeOther:
		return cell
	case ir.Size32:
		return clamp32(cell)
	case ir.Size16:
		if cell.Tag == lattice.Const {
			return lattice.ConstVal(cell.Val & 0xffff)
		}
		return lattice.BoundedVal(16)
	default:
		if cell.Tag == lattice.Const {
			return lattice.ConstVal(cell.Val & 0xff)
		}
		return lattice.BoundedVal(8)
	}
}

// storeMem models a store. Only stack cells are tracked; a store anywhere
// else leaves the state unchanged. Narrow or overlapping stores invalidate
// the cells they touch rather than merging bytes.
func (ip *Interp) storeMem(s *lattice.State, m ir.Mem, v lattice.Value) {
	key, ok := s.SlotKey(m)
	if !ok {
		return
	}
	n := m.Size.Bytes()
	if n == 0 {
		n = 8
	}
	for k := range s.Slots {
		if k != key && k < key+n && k+8 > key {
			delete(s.Slots, k)
		}
	}
	if m.Size == ir.Size64 {
		s.SetSlot(key, v)
	} else {
		delete(s.Slots, key)
	}
}

func defsOf(ds *lattice.DefState, v ir.Value) *lattice.DefSet {
	switch x := v.(type) {
	case ir.Reg:
		return ds.Regs[x.Num]
	case ir.Mem:
		if key, ok := ds.SlotOf(x); ok {
			if d, present := ds.Slots[key]; present {
				return d
			}
		}
	}
	return lattice.EmptyDef()
}
