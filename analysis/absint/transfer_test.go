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
	"testing"

	"github.com/PabstMatthew/veriwasm/analysis/cfg"
	"github.com/PabstMatthew/veriwasm/analysis/ir"
	"github.com/PabstMatthew/veriwasm/analysis/lattice"
	"github.com/PabstMatthew/veriwasm/analysis/metadata"
)

func lucetCtx() *metadata.ModuleContext {
	return &metadata.ModuleContext{
		Runtime:     metadata.Lucet,
		TableBound:  16,
		GlobalsSize: 4096,
		LucetTables: 0x20000,
		GuestTable0: 0x30000,
	}
}

func wamrCtx() *metadata.ModuleContext {
	return &metadata.ModuleContext{
		Runtime:     metadata.WAMR,
		TableBound:  16,
		GlobalsSize: 4096,
	}
}

func testInterp(ctx *metadata.ModuleContext) (*Interp, *lattice.State, *lattice.DefState) {
	ip := &Interp{Ctx: ctx, Num: lattice.NewNumberer(), Entry: 0x1000}
	s := (&Engine{Ctx: ctx}).entryState()
	return ip, s, lattice.EntryDefs(ip.Num, 0x1000)
}

func r64(n ir.RegID) ir.Reg { return ir.Reg{Num: n, Size: ir.Size64} }
func r32(n ir.RegID) ir.Reg { return ir.Reg{Num: n, Size: ir.Size32} }

func mem(sz ir.ValSize, args ir.MemArgs) ir.Mem { return ir.Mem{Size: sz, Args: args} }

func imm(v int64) ir.Imm { return ir.Imm64(v) }

// run executes statements at consecutive synthetic addresses.
func run(ip *Interp, s *lattice.State, ds *lattice.DefState, stmts ...ir.Stmt) {
	for i, st := range stmts {
		ip.Exec(s, ds, lattice.Loc{Addr: uint64(0x1100 + 4*i)}, st)
	}
}

func TestLucetHeapAccess(t *testing.T) {
	ip, s, ds := testInterp(lucetCtx())
	// A 32-bit load through the heap base bounds the result.
	run(ip, s, ds, ir.Unop{Op: ir.Mov, Dst: r32(ir.Rsi), Src: mem(ir.Size32, ir.MemOne{X: r64(ir.Rdi)})})
	if got := s.Reg(ir.Rsi); got.Tag != lattice.HeapBounded || got.Bound != 32 {
		t.Fatalf("loaded value is %v, want a 32-bit bound", got)
	}
	cases := []struct {
		name string
		m    ir.Mem
		want MemClass
	}{
		{"base only", mem(ir.Size64, ir.MemOne{X: r64(ir.Rdi)}), MemHeap},
		{"base plus bounded", mem(ir.Size32, ir.MemTwo{X: r64(ir.Rdi), Y: r64(ir.Rsi)}), MemHeap},
		{"bounded plus base", mem(ir.Size32, ir.MemTwo{X: r64(ir.Rsi), Y: r64(ir.Rdi)}), MemHeap},
		{"with displacement", mem(ir.Size64, ir.MemThree{X: r64(ir.Rdi), Y: r64(ir.Rsi), Z: imm(0x40)}), MemHeap},
		{"negative displacement", mem(ir.Size64, ir.MemThree{X: r64(ir.Rdi), Y: r64(ir.Rsi), Z: imm(-8)}), MemUnsafe},
		{"unbounded index", mem(ir.Size64, ir.MemTwo{X: r64(ir.Rdi), Y: r64(ir.Rax)}), MemUnsafe},
	}
	for _, c := range cases {
		if got, _ := ip.ClassifyMem(s, c.m, false); got != c.want {
			t.Errorf("%s: classified %v, want %v", c.name, got, c.want)
		}
	}
}

func TestWamrRuntimeWalk(t *testing.T) {
	ip, s, ds := testInterp(wamrCtx())
	run(ip, s, ds,
		ir.Unop{Op: ir.Mov, Dst: r64(ir.Rbx), Src: mem(ir.Size64, ir.MemTwo{X: r64(ir.Rdi), Y: imm(0x10)})},
		ir.Unop{Op: ir.Mov, Dst: r64(ir.Rax), Src: mem(ir.Size64, ir.MemTwo{X: r64(ir.Rbx), Y: imm(0x150)})},
		ir.Unop{Op: ir.Mov, Dst: r64(ir.R8), Src: mem(ir.Size64, ir.MemTwo{X: r64(ir.Rdi), Y: imm(0x30)})},
	)
	if got := s.Reg(ir.Rbx); got.Tag != lattice.RuntimeStruct || got.Kind != lattice.ModuleInstance {
		t.Fatalf("instance pointer is %v", got)
	}
	if got := s.Reg(ir.Rax); got.Tag != lattice.HeapBase {
		t.Fatalf("heap base is %v", got)
	}
	if got := s.Reg(ir.R8); got.Tag != lattice.GlobalsBase {
		t.Fatalf("globals base is %v", got)
	}
	if got, _ := ip.ClassifyMem(s, mem(ir.Size8, ir.MemOne{X: r64(ir.Rax)}), true); got != MemHeap {
		t.Errorf("heap store classified %v", got)
	}
	// Runtime structures are read-only for the module.
	if got, _ := ip.ClassifyMem(s, mem(ir.Size64, ir.MemTwo{X: r64(ir.Rdi), Y: imm(0x10)}), true); got != MemUnsafe {
		t.Errorf("metadata store classified %v, want unsafe", got)
	}
}

func TestGlobalsRegionBounds(t *testing.T) {
	ip, s, ds := testInterp(lucetCtx())
	run(ip, s, ds, ir.Unop{Op: ir.Mov, Dst: r64(ir.Rbx), Src: mem(ir.Size64, ir.MemTwo{X: r64(ir.Rdi), Y: imm(-8)})})
	if got := s.Reg(ir.Rbx); got.Tag != lattice.GlobalsBase {
		t.Fatalf("globals pointer is %v", got)
	}
	cases := []struct {
		off  int64
		sz   ir.ValSize
		want MemClass
	}{
		{0, ir.Size64, MemGlobals},
		{4088, ir.Size64, MemGlobals},
		{4089, ir.Size64, MemUnsafe},
		{4092, ir.Size32, MemGlobals},
		{-4, ir.Size32, MemUnsafe},
	}
	for _, c := range cases {
		m := mem(c.sz, ir.MemTwo{X: r64(ir.Rbx), Y: imm(c.off)})
		if got, _ := ip.ClassifyMem(s, m, true); got != c.want {
			t.Errorf("offset %d size %v: classified %v, want %v", c.off, c.sz, got, c.want)
		}
	}
}

func TestWamrFuncIndexChain(t *testing.T) {
	ip, s, _ := testInterp(wamrCtx())
	s.SetReg(ir.Rbx, lattice.StructVal(lattice.ModuleInstance))
	s.SetReg(ir.Rax, lattice.CheckedIdx(8))
	m := mem(ir.Size32, ir.MemScaleDisp{Base: r64(ir.Rbx), Index: r64(ir.Rax), Scale: imm(4), Disp: imm(0x1a8)})
	cls, v := ip.ClassifyMem(s, m, false)
	if cls != MemMetadata || v.Tag != lattice.FuncIdx {
		t.Fatalf("index-table load classified %v value %v", cls, v)
	}
	s.SetReg(ir.Rcx, v)
	s.SetReg(ir.R13, lattice.StructVal(lattice.FuncPtrsTable))
	s.SetReg(ir.R14, lattice.StructVal(lattice.FuncTypeTable))
	ptr := mem(ir.Size64, ir.MemScale{Base: r64(ir.R13), Index: r64(ir.Rcx), Scale: imm(8)})
	if cls, v = ip.ClassifyMem(s, ptr, false); cls != MemCallTable || v.Tag != lattice.CodePtr {
		t.Fatalf("pointer-table load classified %v value %v", cls, v)
	}
	typ := mem(ir.Size32, ir.MemScale{Base: r64(ir.R14), Index: r64(ir.Rcx), Scale: imm(4)})
	if cls, _ = ip.ClassifyMem(s, typ, false); cls != MemMetadata {
		t.Fatalf("type-table load classified %v", cls)
	}
	// An index checked against a larger bound than the table holds proves
	// nothing.
	s.SetReg(ir.Rax, lattice.CheckedIdx(64))
	if cls, _ = ip.ClassifyMem(s, m, false); cls != MemUnsafe {
		t.Fatalf("overlong index classified %v, want unsafe", cls)
	}
}

// branchBlock builds a single block ending in cmp-then-branch, preceded by
// the given statements.
func branchBlock(stmts []ir.Stmt, cmp ir.Stmt, cond ir.Cond, target int64) *cfg.Block {
	insns := make([]ir.Lifted, 0, len(stmts)+2)
	addr := uint64(0x1000)
	for _, st := range stmts {
		insns = append(insns, ir.Lifted{Addr: addr, Len: 4, Stmts: []ir.Stmt{st}})
		addr += 4
	}
	insns = append(insns,
		ir.Lifted{Addr: addr, Len: 4, Stmts: []ir.Stmt{cmp}},
		ir.Lifted{Addr: addr + 4, Len: 2, Stmts: []ir.Stmt{ir.Branch{Cond: cond, Target: imm(target)}}},
	)
	return &cfg.Block{Addr: 0x1000, End: addr + 6, Insns: insns}
}

func zf() ir.Reg { return ir.Reg{Num: ir.RegZF, Size: ir.Size64} }

func TestRefineImmediateBound(t *testing.T) {
	ip, s, ds := testInterp(lucetCtx())
	b := branchBlock(
		[]ir.Stmt{ir.Unop{Op: ir.Mov, Dst: r64(ir.Rcx), Src: r64(ir.Rax)}},
		ir.Binop{Op: ir.Cmp, Dst: zf(), Src1: r64(ir.Rax), Src2: imm(10)},
		ir.CondAE, 0x2000,
	)
	ip.ExecBlock(s, ds, b.Insns)

	fall, fds := s.Copy(), ds.Copy()
	ip.RefineEdge(fall, fds, b, cfg.Edge{To: 0x200a, Kind: cfg.Fallthrough})
	for _, r := range []ir.RegID{ir.Rax, ir.Rcx} {
		got := fall.Reg(r)
		if got.Tag != lattice.TableIndex || !got.Checked || got.Bound != 10 {
			t.Errorf("%v on the in-bounds edge is %v, want checked below 10", r, got)
		}
	}

	taken := s.Copy()
	ip.RefineEdge(taken, ds.Copy(), b, cfg.Edge{To: 0x2000, Kind: cfg.Jump})
	if got := taken.Reg(ir.Rax); got.Tag != lattice.Top {
		t.Errorf("rax on the out-of-bounds edge is %v, want top", got)
	}
}

func TestRefineTableSizeCheck(t *testing.T) {
	ip, s, ds := testInterp(lucetCtx())
	sizeCell := mem(ir.Size64, ir.MemOne{X: imm(0x20008)})
	b := branchBlock(nil,
		ir.Binop{Op: ir.Cmp, Dst: zf(), Src1: r64(ir.Rsi), Src2: sizeCell},
		ir.CondAE, 0x2000,
	)
	ip.ExecBlock(s, ds, b.Insns)
	if got := s.Reg(ir.RegZF); got.Tag != lattice.FlagTableSize {
		t.Fatalf("flag after table-size compare is %v", got)
	}
	ip.RefineEdge(s, ds, b, cfg.Edge{To: 0x2006, Kind: cfg.Fallthrough})
	if got := s.Reg(ir.Rsi); !got.SizeCheckedBound() {
		t.Fatalf("rsi is %v, want checked below the table size", got)
	}
	run(ip, s, ds, ir.Binop{Op: ir.Shl, Dst: r64(ir.Rsi), Src1: r64(ir.Rsi), Src2: imm(4)})
	got := s.Reg(ir.Rsi)
	if !got.SizeCheckedBound() || !got.Scaled {
		t.Fatalf("scaled index is %v", got)
	}
	entry := mem(ir.Size64, ir.MemThree{X: imm(0x30000), Y: r64(ir.Rsi), Z: imm(8)})
	cls, v := ip.ClassifyMem(s, entry, false)
	if cls != MemCallTable || v.Tag != lattice.CodePtr {
		t.Fatalf("call-table load classified %v value %v", cls, v)
	}
	tfield := mem(ir.Size64, ir.MemTwo{X: imm(0x30000), Y: r64(ir.Rsi)})
	if cls, _ = ip.ClassifyMem(s, tfield, false); cls != MemCallTable {
		t.Fatalf("type-field load classified %v", cls)
	}
}

func TestRefineScaledBeforeCheck(t *testing.T) {
	ip, s, ds := testInterp(lucetCtx())
	b := branchBlock(
		[]ir.Stmt{
			ir.Unop{Op: ir.Mov, Dst: r64(ir.Rcx), Src: r64(ir.Rax)},
			ir.Binop{Op: ir.Shl, Dst: r64(ir.Rcx), Src1: r64(ir.Rcx), Src2: imm(4)},
		},
		ir.Binop{Op: ir.Cmp, Dst: zf(), Src1: r64(ir.Rax), Src2: imm(12)},
		ir.CondB, 0x2000,
	)
	ip.ExecBlock(s, ds, b.Insns)
	ip.RefineEdge(s, ds, b, cfg.Edge{To: 0x2000, Kind: cfg.Jump})
	got := s.Reg(ir.Rcx)
	if got.Tag != lattice.TableIndex || !got.Checked || !got.Scaled || got.Bound != 12 {
		t.Fatalf("scaled copy is %v, want checked and scaled below 12", got)
	}
	entry := mem(ir.Size64, ir.MemThree{X: imm(0x30000), Y: r64(ir.Rcx), Z: imm(8)})
	if cls, _ := ip.ClassifyMem(s, entry, false); cls != MemCallTable {
		t.Fatalf("call-table load classified %v", cls)
	}
}

func TestNarrowCompareClaimsNothing(t *testing.T) {
	ip, s, ds := testInterp(lucetCtx())
	b := branchBlock(nil,
		ir.Binop{Op: ir.Cmp, Dst: zf(), Src1: r32(ir.Rax), Src2: ir.Imm{Val: 10, Size: ir.Size32}},
		ir.CondAE, 0x2000,
	)
	ip.ExecBlock(s, ds, b.Insns)
	ip.RefineEdge(s, ds, b, cfg.Edge{To: 0x2006, Kind: cfg.Fallthrough})
	if got := s.Reg(ir.Rax); got.Tag != lattice.Top {
		t.Fatalf("rax is %v after a 32-bit compare of an unbounded value, want top", got)
	}
}

func TestProbeExtendsFrame(t *testing.T) {
	ip, s, ds := testInterp(lucetCtx())
	run(ip, s, ds, ir.ProbeStack{Size: 0x5000})
	if off, ok := s.RSPOff(); !ok || off != -0x5000 {
		t.Fatalf("stack offset is %d %v", off, ok)
	}
	if s.Probed != 0x6000 {
		t.Fatalf("probed watermark is %#x, want 0x6000", s.Probed)
	}
	if got := s.Reg(ir.Rax); got.Tag != lattice.Const || got.Val != 0x5000 {
		t.Fatalf("rax after probe is %v", got)
	}
	run(ip, s, ds, ir.Binop{Op: ir.Add, Dst: r64(ir.Rsp), Src1: r64(ir.Rsp), Src2: imm(0x5000)})
	if off, ok := s.RSPOff(); !ok || off != 0 {
		t.Fatalf("stack offset after epilogue is %d %v", off, ok)
	}
	if s.Probed != 0x6000 {
		t.Fatalf("watermark shrank to %#x", s.Probed)
	}
	if ds.RSP != 0 {
		t.Fatalf("definition-state stack displacement is %d", ds.RSP)
	}
}

func TestCalleeSaveTracking(t *testing.T) {
	ip, s, ds := testInterp(wamrCtx())
	push := []ir.Stmt{
		ir.Binop{Op: ir.Sub, Dst: r64(ir.Rsp), Src1: r64(ir.Rsp), Src2: imm(8)},
		ir.Unop{Op: ir.Mov, Dst: mem(ir.Size64, ir.MemOne{X: r64(ir.Rsp)}), Src: r64(ir.Rbx)},
	}
	run(ip, s, ds, push...)
	key, conflicted, ok := s.SavedAt(ir.Rbx)
	if !ok || conflicted || key != -8 {
		t.Fatalf("save slot is %d conflicted=%v ok=%v", key, conflicted, ok)
	}
	if !s.SavedSlots[-8] {
		t.Fatal("save slot is not protected")
	}
	pop := []ir.Stmt{
		ir.Unop{Op: ir.Mov, Dst: r64(ir.Rbx), Src: mem(ir.Size64, ir.MemOne{X: r64(ir.Rsp)})},
		ir.Binop{Op: ir.Add, Dst: r64(ir.Rsp), Src1: r64(ir.Rsp), Src2: imm(8)},
	}
	run(ip, s, ds, pop...)
	if _, _, ok := s.SavedAt(ir.Rbx); ok {
		t.Fatal("save not discharged by the reload")
	}
	if s.SavedSlots[-8] {
		t.Fatal("slot protection not released")
	}

	// A clobbered register's store is not a save.
	ip2, s2, ds2 := testInterp(wamrCtx())
	run(ip2, s2, ds2, ir.Unop{Op: ir.Mov, Dst: r64(ir.Rbx), Src: imm(7)})
	run(ip2, s2, ds2, push...)
	if _, _, ok := s2.SavedAt(ir.Rbx); ok {
		t.Fatal("store of a modified register recorded as a save")
	}
}

func TestStoreInvalidatesOverlap(t *testing.T) {
	ip, s, ds := testInterp(lucetCtx())
	run(ip, s, ds,
		ir.Unop{Op: ir.Mov, Dst: mem(ir.Size64, ir.MemTwo{X: r64(ir.Rsp), Y: imm(-16)}), Src: imm(0x7777)},
	)
	if got := s.Slot(-16); got.Tag != lattice.Const || got.Val != 0x7777 {
		t.Fatalf("stored cell is %v", got)
	}
	run(ip, s, ds,
		ir.Unop{Op: ir.Mov, Dst: mem(ir.Size8, ir.MemTwo{X: r64(ir.Rsp), Y: imm(-12)}), Src: imm(1)},
	)
	if got := s.Slot(-16); got.Tag != lattice.Top {
		t.Fatalf("cell survived an overlapping byte store: %v", got)
	}
}

func TestSignExtensionDropsBounds(t *testing.T) {
	ip, s, ds := testInterp(lucetCtx())
	s.SetReg(ir.Rax, lattice.BoundedVal(32))
	run(ip, s, ds, ir.Unop{Op: ir.MovSX, Dst: r64(ir.Rcx), Src: r32(ir.Rax)})
	if got := s.Reg(ir.Rcx); got.Tag != lattice.Top {
		t.Fatalf("sign-extended bound is %v, want top", got)
	}
	run(ip, s, ds,
		ir.Unop{Op: ir.Mov, Dst: r32(ir.Rdx), Src: ir.Imm{Val: -5, Size: ir.Size32}},
		ir.Unop{Op: ir.MovSX, Dst: r64(ir.Rdx), Src: r32(ir.Rdx)},
	)
	if got := s.Reg(ir.Rdx); got.Tag != lattice.Const || got.Val != -5 {
		t.Fatalf("sign-extended constant is %v, want -5", got)
	}
}
