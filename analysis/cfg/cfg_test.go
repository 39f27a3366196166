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

package cfg

import (
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/PabstMatthew/veriwasm/analysis/ir"
)

func insn(addr uint64, stmts ...ir.Stmt) ir.Lifted {
	return ir.Lifted{Addr: addr, Len: 4, Stmts: stmts}
}

func reg(r ir.RegID) ir.Reg { return ir.Reg{Num: r, Size: ir.Size64} }

func succsOf(g *Graph, addr uint64) string {
	b := g.Blocks[addr]
	if b == nil {
		return "<no block>"
	}
	parts := make([]string, len(b.Succs))
	for i, e := range b.Succs {
		parts[i] = fmt.Sprintf("%v:%#x", e.Kind, e.To)
	}
	return strings.Join(parts, " ")
}

func TestBuildDiamond(t *testing.T) {
	insns := []ir.Lifted{
		insn(0x100, ir.Binop{Op: ir.Cmp, Dst: reg(ir.RegZF), Src1: reg(ir.Rax), Src2: ir.Imm64(5)}),
		insn(0x104, ir.Branch{Cond: ir.CondAE, Target: ir.Imm64(0x110)}),
		insn(0x108, ir.Unop{Op: ir.Mov, Dst: reg(ir.Rax), Src: ir.Imm64(1)}),
		insn(0x10c, ir.Branch{Cond: ir.CondAlways, Target: ir.Imm64(0x114)}),
		insn(0x110, ir.Unop{Op: ir.Mov, Dst: reg(ir.Rax), Src: ir.Imm64(0)}),
		insn(0x114, ir.Ret{}),
	}
	g, err := Build(0x100, insns, nil)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if len(g.Blocks) != 4 {
		t.Fatalf("expected 4 blocks, got %d", len(g.Blocks))
	}
	for addr, want := range map[uint64]string{
		0x100: "fallthrough:0x108 jump:0x110",
		0x108: "jump:0x114",
		0x110: "fallthrough:0x114",
		0x114: "",
	} {
		if got := succsOf(g, addr); got != want {
			t.Errorf("block %#x successors: got %q, want %q", addr, got, want)
		}
	}
	if preds := g.Preds(0x114); len(preds) != 2 {
		t.Errorf("expected 2 predecessors of the merge block, got %v", preds)
	}
	v := NewView(g)
	if headers := v.LoopHeaders(); len(headers) != 0 {
		t.Errorf("acyclic graph has loop headers %v", headers)
	}
	order := v.TopoOrder()
	if order[0].Addr != 0x100 || order[len(order)-1].Addr != 0x114 {
		t.Errorf("bad topological order: %v", addrsOf(order))
	}
}

func TestBuildLoop(t *testing.T) {
	insns := []ir.Lifted{
		insn(0x200, ir.Unop{Op: ir.Mov, Dst: reg(ir.Rcx), Src: ir.Imm64(10)}),
		insn(0x204, ir.Binop{Op: ir.Sub, Dst: reg(ir.Rcx), Src1: reg(ir.Rcx), Src2: ir.Imm64(1)}),
		insn(0x208, ir.Binop{Op: ir.Cmp, Dst: reg(ir.RegZF), Src1: reg(ir.Rcx), Src2: ir.Imm64(0)}),
		insn(0x20c, ir.Branch{Cond: ir.CondNE, Target: ir.Imm64(0x204)}),
		insn(0x210, ir.Ret{}),
	}
	g, err := Build(0x200, insns, nil)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if got := succsOf(g, 0x204); got != "fallthrough:0x210 jump:0x204" {
		t.Errorf("loop block successors: %q", got)
	}
	v := NewView(g)
	headers := v.LoopHeaders()
	if len(headers) != 1 || !headers[0x204] {
		t.Errorf("expected loop header at 0x204, got %v", headers)
	}
	order := addrsOf(v.TopoOrder())
	want := []uint64{0x200, 0x204, 0x210}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("bad topological order: %#x", order)
		}
	}
}

func TestBuildRejectsEscapingJump(t *testing.T) {
	insns := []ir.Lifted{
		insn(0x300, ir.Branch{Cond: ir.CondAlways, Target: ir.Imm64(0x900)}),
	}
	if _, err := Build(0x300, insns, nil); err == nil {
		t.Fatal("expected an error for a jump leaving the function")
	}
}

func TestBuildRejectsMisalignedJump(t *testing.T) {
	insns := []ir.Lifted{
		insn(0x300, ir.Branch{Cond: ir.CondAlways, Target: ir.Imm64(0x306)}),
		insn(0x304, ir.Ret{}),
	}
	if _, err := Build(0x300, insns, nil); err == nil {
		t.Fatal("expected an error for a jump into the middle of an instruction")
	}
}

func TestBuildIndirectBranch(t *testing.T) {
	insns := []ir.Lifted{
		insn(0x400, ir.Branch{Cond: ir.CondAlways, Target: reg(ir.Rax)}),
		insn(0x404, ir.Unop{Op: ir.Mov, Dst: reg(ir.Rax), Src: ir.Imm64(0)}),
		insn(0x408, ir.Ret{}),
	}
	g, err := Build(0x400, insns, nil)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if len(g.Unresolved) != 1 || g.Unresolved[0] != 0x400 {
		t.Fatalf("expected one unresolved branch at 0x400, got %v", g.Unresolved)
	}

	g, err = Build(0x400, insns, map[uint64][]uint64{0x400: {0x404, 0x408}})
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if len(g.Unresolved) != 0 {
		t.Fatalf("resolved build still reports %v", g.Unresolved)
	}
	if got := succsOf(g, 0x400); got != "indirect:0x404 indirect:0x408" {
		t.Errorf("resolved successors: %q", got)
	}
}

func TestBuildCallEndsBlock(t *testing.T) {
	insns := []ir.Lifted{
		insn(0x500, ir.Call{Target: ir.Imm64(0x900)}),
		insn(0x504, ir.Ret{}),
	}
	g, err := Build(0x500, insns, nil)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if got := succsOf(g, 0x500); got != "call-return:0x504" {
		t.Errorf("call successors: %q", got)
	}
}

func TestViewEdges(t *testing.T) {
	insns := []ir.Lifted{
		insn(0x600, ir.Branch{Cond: ir.CondE, Target: ir.Imm64(0x608)}),
		insn(0x604, ir.Unop{Op: ir.Mov, Dst: reg(ir.Rax), Src: ir.Imm64(0)}),
		insn(0x608, ir.Ret{}),
	}
	g, err := Build(0x600, insns, nil)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	v := NewView(g)
	if v.Order() != 3 {
		t.Fatalf("expected order 3, got %d", v.Order())
	}
	if !v.HasEdgeFromTo(0, 2) || !v.HasEdgeFromTo(0, 1) || v.HasEdgeFromTo(2, 0) {
		t.Error("adjacency does not match the graph")
	}
	if e := v.Edge(0, 2); e == nil || e.From().ID() != 0 || e.To().ID() != 2 {
		t.Error("missing edge from the entry to the exit")
	}
	var visited []int
	v.Visit(0, func(w int, c int64) bool {
		visited = append(visited, w)
		return false
	})
	sort.Ints(visited)
	if len(visited) != 2 || visited[0] != 1 || visited[1] != 2 {
		t.Errorf("Visit saw %v", visited)
	}
}

func addrsOf(blocks []*Block) []uint64 {
	out := make([]uint64, len(blocks))
	for i, b := range blocks {
		out[i] = b.Addr
	}
	return out
}
