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

	"github.com/PabstMatthew/veriwasm/analysis/cfg"
	"github.com/PabstMatthew/veriwasm/analysis/ir"
	"github.com/PabstMatthew/veriwasm/analysis/lattice"
	"github.com/PabstMatthew/veriwasm/analysis/metadata"
)

// defaultWidenDelay is how many joins a loop header absorbs before widening
// starts discarding growing values.
const defaultWidenDelay = 3

// Engine analyzes one function to a fixpoint.
type Engine struct {
	Ctx *metadata.ModuleContext
	Img Image

	// WidenDelay overrides defaultWidenDelay when positive.
	WidenDelay int
}

// Result is the converged analysis of one function: the closed control-flow
// graph and the abstract state at entry to every reachable block. Blocks
// missing from In were proven unreachable.
type Result struct {
	Graph    *cfg.Graph
	View     *cfg.View
	In       map[uint64]*lattice.State
	InDefs   map[uint64]*lattice.DefState
	Resolved map[uint64][]uint64
	Interp   *Interp
}

// Analyze interprets the function at entry until every indirect branch is
// resolved and the states converge. Each round that leaves unresolved
// branches must resolve at least one from the converged states, so the
// rebuild loop takes at most one round per indirect branch.
func (e *Engine) Analyze(entry uint64, insns []ir.Lifted) (*Result, error) {
	resolved := map[uint64][]uint64{}
	for {
		res, err := e.analyzeOnce(entry, insns, resolved)
		if err != nil {
			return nil, err
		}
		if len(res.Graph.Unresolved) == 0 {
			return res, nil
		}
		if err := e.resolveBranches(res, resolved); err != nil {
			return nil, err
		}
	}
}

func (e *Engine) analyzeOnce(entry uint64, insns []ir.Lifted, resolved map[uint64][]uint64) (*Result, error) {
	g, err := cfg.Build(entry, insns, resolved)
	if err != nil {
		return nil, err
	}
	view := cfg.NewView(g)
	num := lattice.NewNumberer()
	ip := &Interp{Ctx: e.Ctx, Num: num, Entry: entry}

	in := map[uint64]*lattice.State{entry: e.entryState()}
	inDefs := map[uint64]*lattice.DefState{entry: lattice.EntryDefs(num, entry)}

	headers := view.LoopHeaders()
	order := view.TopoOrder()
	delay := e.WidenDelay
	if delay <= 0 {
		delay = defaultWidenDelay
	}
	joins := map[uint64]int{}

	for changed := true; changed; {
		changed = false
		for _, b := range order {
			s := in[b.Addr]
			if s == nil {
				continue
			}
			out := s.Copy()
			outDefs := inDefs[b.Addr].Copy()
			ip.ExecBlock(out, outDefs, b.Insns)
			for _, edge := range b.Succs {
				es, ed := out, outDefs
				if len(b.Succs) > 1 {
					es = out.Copy()
					ed = outDefs.Copy()
				}
				ip.RefineEdge(es, ed, b, edge)
				cur := in[edge.To]
				if cur == nil {
					in[edge.To] = es.Copy()
					inDefs[edge.To] = ed.Copy()
					changed = true
					continue
				}
				joins[edge.To]++
				grew := false
				if headers[edge.To] && joins[edge.To] > delay {
					grew = cur.WidenInto(es)
				} else {
					grew = cur.JoinInto(es)
				}
				if inDefs[edge.To].JoinInto(ed) || grew {
					changed = true
				}
			}
		}
	}
	return &Result{
		Graph:    g,
		View:     view,
		In:       in,
		InDefs:   inDefs,
		Resolved: resolved,
		Interp:   ip,
	}, nil
}

// resolveBranches derives concrete target sets for the unresolved indirect
// branches of a converged round. An unreachable branch resolves to the empty
// set; a reachable one whose state does not pin down a bounded table is an
// error, surfaced as unverifiable rather than guessed at.
func (e *Engine) resolveBranches(res *Result, resolved map[uint64][]uint64) error {
	owner := make(map[uint64]*cfg.Block, len(res.Graph.Unresolved))
	for _, b := range res.Graph.BlockList() {
		if len(b.Insns) == 0 {
			continue
		}
		owner[b.Insns[len(b.Insns)-1].Addr] = b
	}
	for _, addr := range res.Graph.Unresolved {
		b := owner[addr]
		if b == nil {
			return fmt.Errorf("indirect branch at %#x does not end a block", addr)
		}
		st := res.In[b.Addr]
		if st == nil {
			resolved[addr] = nil
			continue
		}
		out := st.Copy()
		ds := res.InDefs[b.Addr].Copy()
		res.Interp.ExecBlock(out, ds, b.Insns)
		br, ok := b.Terminator().(ir.Branch)
		if !ok {
			return fmt.Errorf("indirect branch at %#x does not end a block", addr)
		}
		targets, err := res.Interp.enumerateTargets(e.Img, out, br)
		if err != nil {
			return fmt.Errorf("indirect branch at %#x: %w", addr, err)
		}
		resolved[addr] = targets
	}
	return nil
}

// entryState is the abstract machine state at function entry under the
// runtime's calling convention.
func (e *Engine) entryState() *lattice.State {
	s := lattice.NewState()
	s.SetReg(ir.Rsp, lattice.StackVal(0))
	switch e.Ctx.Runtime {
	case metadata.Lucet:
		s.SetReg(ir.Rdi, lattice.Value{Tag: lattice.HeapBase})
	case metadata.WAMR:
		s.SetReg(ir.Rdi, lattice.StructVal(lattice.ExecEnv))
	}
	return s
}
