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
	"fmt"
	"reflect"
	"testing"

	"github.com/PabstMatthew/veriwasm/analysis/ir"
	"github.com/PabstMatthew/veriwasm/analysis/lattice"
)

type fakeImage struct {
	w32 map[uint64]uint32
	w64 map[uint64]uint64
}

func (f *fakeImage) ReadWord32(addr uint64) (uint32, error) {
	if v, ok := f.w32[addr]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("address %#x is not mapped", addr)
}

func (f *fakeImage) ReadWord64(addr uint64) (uint64, error) {
	if v, ok := f.w64[addr]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("address %#x is not mapped", addr)
}

func insn(addr uint64, n int, stmts ...ir.Stmt) ir.Lifted {
	return ir.Lifted{Addr: addr, Len: n, Stmts: stmts}
}

func TestAnalyzeLoopWidens(t *testing.T) {
	// A loop that keeps doubling a masked value. Without widening the
	// bound grows one bit per iteration; with it the header settles fast.
	insns := []ir.Lifted{
		insn(0x1000, 6, ir.Binop{Op: ir.And, Dst: r64(ir.Rsi), Src1: r64(ir.Rsi), Src2: imm(0xff)}),
		insn(0x1006, 3, ir.Binop{Op: ir.Add, Dst: r64(ir.Rsi), Src1: r64(ir.Rsi), Src2: r64(ir.Rsi)}),
		insn(0x1009, 4, ir.Binop{Op: ir.Cmp, Dst: zf(), Src1: r64(ir.Rdx), Src2: imm(0)}),
		insn(0x100d, 2, ir.Branch{Cond: ir.CondNE, Target: imm(0x1006)}),
		insn(0x100f, 1, ir.Ret{}),
	}
	eng := &Engine{Ctx: lucetCtx()}
	res, err := eng.Analyze(0x1000, insns)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	header := res.In[0x1006]
	if header == nil {
		t.Fatal("loop header has no state")
	}
	if got := header.Reg(ir.Rsi); got.Tag != lattice.Top {
		t.Fatalf("widened loop value is %v, want top", got)
	}
	if exit := res.In[0x100f]; exit == nil {
		t.Fatal("exit block has no state")
	}
}

func TestAnalyzeResolvesRelativeTable(t *testing.T) {
	table := int64(0x5000)
	insns := []ir.Lifted{
		insn(0x1000, 4, ir.Binop{Op: ir.Cmp, Dst: zf(), Src1: r64(ir.Rax), Src2: imm(3)}),
		insn(0x1004, 2, ir.Branch{Cond: ir.CondAE, Target: imm(0x1030)}),
		insn(0x1006, 7, ir.Unop{Op: ir.Mov, Dst: r64(ir.Rcx), Src: imm(table)}),
		insn(0x100d, 4, ir.Unop{Op: ir.MovSX, Dst: r64(ir.Rdx),
			Src: mem(ir.Size32, ir.MemScale{Base: r64(ir.Rcx), Index: r64(ir.Rax), Scale: imm(4)})}),
		insn(0x1011, 3, ir.Binop{Op: ir.Add, Dst: r64(ir.Rdx), Src1: r64(ir.Rdx), Src2: r64(ir.Rcx)}),
		insn(0x1014, 2, ir.Branch{Cond: ir.CondAlways, Target: r64(ir.Rdx)}),
		insn(0x1020, 1, ir.Ret{}),
		insn(0x1021, 1, ir.Ret{}),
		insn(0x1022, 1, ir.Ret{}),
		insn(0x1030, 1, ir.Ret{}),
	}
	img := &fakeImage{w32: map[uint64]uint32{}}
	for i, target := range []int64{0x1020, 0x1021, 0x1022} {
		img.w32[uint64(table+4*int64(i))] = uint32(int32(target - table))
	}
	eng := &Engine{Ctx: lucetCtx(), Img: img}
	res, err := eng.Analyze(0x1000, insns)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	want := []uint64{0x1020, 0x1021, 0x1022}
	if got := res.Resolved[0x1014]; !reflect.DeepEqual(got, want) {
		t.Fatalf("resolved targets %#x, want %#x", got, want)
	}
	if len(res.Graph.Unresolved) != 0 {
		t.Fatalf("unresolved branches remain: %#x", res.Graph.Unresolved)
	}
	for _, target := range want {
		if res.In[target] == nil {
			t.Errorf("case block %#x has no state", target)
		}
	}
}

func TestAnalyzeResolvesAbsoluteTable(t *testing.T) {
	table := int64(0x6000)
	insns := []ir.Lifted{
		insn(0x1000, 4, ir.Binop{Op: ir.Cmp, Dst: zf(), Src1: r64(ir.Rax), Src2: imm(2)}),
		insn(0x1004, 2, ir.Branch{Cond: ir.CondAE, Target: imm(0x1030)}),
		insn(0x1006, 7, ir.Branch{Cond: ir.CondAlways,
			Target: mem(ir.Size64, ir.MemScale{Base: imm(table), Index: r64(ir.Rax), Scale: imm(8)})}),
		insn(0x1020, 1, ir.Ret{}),
		insn(0x1024, 1, ir.Ret{}),
		insn(0x1030, 1, ir.Ret{}),
	}
	img := &fakeImage{w64: map[uint64]uint64{
		uint64(table):     0x1020,
		uint64(table + 8): 0x1024,
	}}
	eng := &Engine{Ctx: wamrCtx(), Img: img}
	res, err := eng.Analyze(0x1000, insns)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	want := []uint64{0x1020, 0x1024}
	if got := res.Resolved[0x1006]; !reflect.DeepEqual(got, want) {
		t.Fatalf("resolved targets %#x, want %#x", got, want)
	}
}

func TestAnalyzeUnreachableSwitch(t *testing.T) {
	insns := []ir.Lifted{
		insn(0x1000, 2, ir.Branch{Cond: ir.CondAlways, Target: imm(0x1030)}),
		insn(0x1002, 2, ir.Branch{Cond: ir.CondAlways, Target: r64(ir.Rdx)}),
		insn(0x1030, 1, ir.Ret{}),
	}
	eng := &Engine{Ctx: lucetCtx()}
	res, err := eng.Analyze(0x1000, insns)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	targets, ok := res.Resolved[0x1002]
	if !ok || len(targets) != 0 {
		t.Fatalf("dead branch resolved to %#x, want the empty set", targets)
	}
	if res.In[0x1002] != nil {
		t.Fatal("dead block has a state")
	}
}

func TestAnalyzeRejectsWildJump(t *testing.T) {
	insns := []ir.Lifted{
		insn(0x1000, 2, ir.Branch{Cond: ir.CondAlways, Target: r64(ir.Rdx)}),
	}
	eng := &Engine{Ctx: lucetCtx()}
	if _, err := eng.Analyze(0x1000, insns); err == nil {
		t.Fatal("analysis accepted an unbounded indirect jump")
	}
}

func TestAnalyzeJoinLosesRefinement(t *testing.T) {
	// Only one of two paths into the use block checks the index, so the
	// join must not keep the bound.
	insns := []ir.Lifted{
		insn(0x1000, 4, ir.Binop{Op: ir.Cmp, Dst: zf(), Src1: r64(ir.Rdx), Src2: imm(0)}),
		insn(0x1004, 2, ir.Branch{Cond: ir.CondE, Target: imm(0x1010)}),
		insn(0x1006, 4, ir.Binop{Op: ir.Cmp, Dst: zf(), Src1: r64(ir.Rax), Src2: imm(4)}),
		insn(0x100a, 2, ir.Branch{Cond: ir.CondAE, Target: imm(0x1020)}),
		insn(0x100c, 2, ir.Branch{Cond: ir.CondAlways, Target: imm(0x1010)}),
		insn(0x1010, 1, ir.Ret{}),
		insn(0x1020, 1, ir.Ret{}),
	}
	eng := &Engine{Ctx: lucetCtx()}
	res, err := eng.Analyze(0x1000, insns)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if got := res.In[0x1010].Reg(ir.Rax); got.Tag != lattice.Top {
		t.Fatalf("joined value is %v, want top", got)
	}
	// The checked-only path keeps it.
	if got := res.In[0x1020].Reg(ir.Rax); got.Tag != lattice.Top {
		t.Fatalf("value on the failing edge is %v, want top", got)
	}
	fall := res.In[0x100c]
	if got := fall.Reg(ir.Rax); got.Tag != lattice.TableIndex || !got.Checked || got.Bound != 4 {
		t.Fatalf("value on the checked edge is %v, want checked below 4", got)
	}
}
