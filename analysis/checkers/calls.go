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

package checkers

import (
	"github.com/PabstMatthew/veriwasm/analysis/ir"
	"github.com/PabstMatthew/veriwasm/analysis/lattice"
	"github.com/PabstMatthew/veriwasm/analysis/metadata"
	"github.com/PabstMatthew/veriwasm/analysis/report"
)

// checkCall validates one call site. Direct targets must be known
// functions; indirect targets must carry a proven call-table entry unless
// the operator trusts this function's Wasm index. Callees defined in the
// module additionally expect the runtime context in rdi.
func (c *checker) checkCall(s *lattice.State, addr uint64, st ir.Call) {
	if tgt, ok := st.Target.(ir.Imm); ok {
		t := uint64(tgt.Val)
		if !c.ctx.ValidCallTarget(t) {
			c.addf(addr, report.UntrustedCallTarget, "direct call to %#x, which is not a known function", t)
			return
		}
		if c.needsContext(t) && !c.rdiContext(s) {
			c.addf(addr, report.CallContextViolation, "call to %#x without the %s in rdi", t, c.contextName())
		}
		return
	}
	if m, ok := st.Target.(ir.Mem); ok {
		c.checkMem(s, addr, m, false)
	}
	if c.ctx.TrustedIndex(c.idx) {
		return
	}
	if v := c.res.Interp.Eval(s, st.Target); v.Tag != lattice.CodePtr {
		c.addf(addr, report.IndirectCallViolation, "call through %s, which is not a proven table entry", st.Target)
	}
	if !c.rdiContext(s) {
		c.addf(addr, report.CallContextViolation, "indirect call without the %s in rdi", c.contextName())
	}
}

// checkBranch validates an indirect jump: its table read, and that
// resolution pinned the successor set. Direct targets were validated when
// the graph was built.
func (c *checker) checkBranch(s *lattice.State, addr uint64, st ir.Branch) {
	if _, ok := st.Target.(ir.Imm); ok {
		return
	}
	if m, ok := st.Target.(ir.Mem); ok {
		c.checkMem(s, addr, m, false)
	}
	if _, ok := c.res.Resolved[addr]; !ok {
		c.addf(addr, report.IndirectJumpViolation, "jump through %s was not resolved to a table", st.Target)
	}
}

// needsContext reports whether a direct call to t obliges the caller to
// pass the runtime context. Under Lucet every callee but the stack probe
// takes it; under WAMR only functions defined in the module do.
func (c *checker) needsContext(t uint64) bool {
	if c.ctx.Runtime == metadata.Lucet {
		return t != c.ctx.Probe
	}
	return c.ctx.ModuleFunc(t)
}

func (c *checker) rdiContext(s *lattice.State) bool {
	v := s.Reg(ir.Rdi)
	if c.ctx.Runtime == metadata.Lucet {
		return v.Tag == lattice.HeapBase
	}
	return v.Tag == lattice.RuntimeStruct && v.Kind == lattice.ExecEnv
}

func (c *checker) contextName() string {
	if c.ctx.Runtime == metadata.Lucet {
		return "heap base"
	}
	return "execution environment"
}
