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

// Package checkers replays a converged analysis and decides, instruction by
// instruction, whether the isolation policy holds: every memory access in a
// permitted region, the stack discipline respected, and every control
// transfer pinned to an allowed target. All violations are collected, not
// just the first.
package checkers

import (
	"fmt"

	"github.com/PabstMatthew/veriwasm/analysis/absint"
	"github.com/PabstMatthew/veriwasm/analysis/ir"
	"github.com/PabstMatthew/veriwasm/analysis/lattice"
	"github.com/PabstMatthew/veriwasm/analysis/metadata"
	"github.com/PabstMatthew/veriwasm/analysis/report"
)

type checker struct {
	ctx *metadata.ModuleContext
	res *absint.Result
	fn  string
	idx int
	out []report.Violation
}

// Check replays every reachable block of the converged analysis of the
// function fn (Wasm index idx, -1 when unknown) and returns all policy
// violations in address order. Each statement is checked against the state
// holding before it, then executed, so a block's checks see exactly the
// facts the fixpoint proved.
func Check(ctx *metadata.ModuleContext, res *absint.Result, fn string, idx int) []report.Violation {
	c := &checker{ctx: ctx, res: res, fn: fn, idx: idx}
	for _, b := range res.Graph.BlockList() {
		in := res.In[b.Addr]
		if in == nil {
			// Proven unreachable.
			continue
		}
		s := in.Copy()
		ds := res.InDefs[b.Addr].Copy()
		for _, insn := range b.Insns {
			for i, stmt := range insn.Stmts {
				c.checkStmt(s, insn.Addr, stmt)
				res.Interp.Exec(s, ds, lattice.Loc{Addr: insn.Addr, Stmt: i}, stmt)
			}
		}
	}
	return c.out
}

func (c *checker) checkStmt(s *lattice.State, addr uint64, stmt ir.Stmt) {
	switch st := stmt.(type) {
	case ir.Unop:
		c.checkRead(s, addr, st.Src)
		c.checkWrite(s, addr, st.Dst)
	case ir.Binop:
		if d, ok := st.Dst.(ir.Reg); ok && d.Num == ir.Rsp {
			c.checkFrameGrowth(s, addr, st)
		}
		c.checkRead(s, addr, st.Src1)
		c.checkRead(s, addr, st.Src2)
		c.checkWrite(s, addr, st.Dst)
	case ir.Clear:
		for _, src := range st.Srcs {
			c.checkRead(s, addr, src)
		}
		c.checkWrite(s, addr, st.Dst)
	case ir.Call:
		c.checkCall(s, addr, st)
	case ir.Branch:
		c.checkBranch(s, addr, st)
	case ir.Ret:
		c.checkRet(s, addr)
	}
	// ProbeStack touches pages below the frame by protocol, Undefined
	// traps, and Unsupported is rejected before the analysis starts.
}

func (c *checker) checkRead(s *lattice.State, addr uint64, v ir.Value) {
	if m, ok := v.(ir.Mem); ok {
		c.checkMem(s, addr, m, false)
	}
}

func (c *checker) checkWrite(s *lattice.State, addr uint64, v ir.Value) {
	switch d := v.(type) {
	case ir.Reg:
		c.checkRegWrite(s, addr, d)
	case ir.Mem:
		c.checkMem(s, addr, d, true)
	}
}

func (c *checker) addf(addr uint64, k report.Kind, format string, args ...interface{}) {
	c.out = append(c.out, report.Violation{
		Func: c.fn,
		Addr: addr,
		Kind: k,
		Msg:  fmt.Sprintf(format, args...),
	})
}
