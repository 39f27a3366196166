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

// Package cfg partitions a lifted function body into basic blocks and edges.
// Direct branches resolve at build time; indirect branches carry no static
// successors until a later resolution pass supplies their jump-table targets,
// and a function whose indirect branches cannot all be resolved is never
// certified.
package cfg

import (
	"fmt"

	"github.com/PabstMatthew/veriwasm/analysis/ir"
)

// EdgeKind tags a control-flow edge.
type EdgeKind uint8

const (
	// Fallthrough joins a block to the next instruction in sequence.
	Fallthrough EdgeKind = iota
	// Jump is a resolved direct branch.
	Jump
	// CallReturn joins a call block to its return point.
	CallReturn
	// Indirect is a resolved jump-table branch target.
	Indirect
)

func (k EdgeKind) String() string {
	switch k {
	case Fallthrough:
		return "fallthrough"
	case Jump:
		return "jump"
	case CallReturn:
		return "call-return"
	case Indirect:
		return "indirect"
	}
	return fmt.Sprintf("edge%d", uint8(k))
}

// Edge is a directed successor edge.
type Edge struct {
	To   uint64
	Kind EdgeKind
}

// Block is a basic block: a contiguous run of lifted instructions ending at
// the first control transfer or at the next branch target.
type Block struct {
	Addr  uint64
	End   uint64
	Insns []ir.Lifted
	Succs []Edge
}

// Terminator returns the control statement ending the block, or nil when the
// block falls through.
func (b *Block) Terminator() ir.Stmt {
	for i := len(b.Insns) - 1; i >= 0; i-- {
		stmts := b.Insns[i].Stmts
		if len(stmts) == 0 {
			continue
		}
		switch last := stmts[len(stmts)-1].(type) {
		case ir.Branch, ir.Ret, ir.Undefined, ir.Call:
			return last
		}
		return nil
	}
	return nil
}

// Graph is the control-flow graph of one function.
type Graph struct {
	Entry  uint64
	Blocks map[uint64]*Block

	// Unresolved lists the addresses of indirect branches that have no
	// static successors yet.
	Unresolved []uint64

	sorted []*Block
	preds  map[uint64][]uint64
}

// Build partitions insns into a graph. resolved maps the address of an
// indirect branch instruction to its proven jump-table targets, and is empty
// on the first build of a function. A direct jump leaving the function body,
// or targeting the middle of an instruction, is a build failure.
func Build(entry uint64, insns []ir.Lifted, resolved map[uint64][]uint64) (*Graph, error) {
	if len(insns) == 0 {
		return nil, fmt.Errorf("function at %#x has no instructions", entry)
	}
	start := insns[0].Addr
	last := insns[len(insns)-1]
	end := last.Addr + uint64(last.Len)

	byAddr := make(map[uint64]int, len(insns))
	for i, insn := range insns {
		byAddr[insn.Addr] = i
	}

	checkTarget := func(at, target uint64) error {
		if target < start || target >= end {
			return fmt.Errorf("jump at %#x leaves the function body (target %#x)", at, target)
		}
		if _, ok := byAddr[target]; !ok {
			return fmt.Errorf("jump at %#x targets the middle of an instruction (%#x)", at, target)
		}
		return nil
	}

	// First pass: collect block leaders.
	leaders := map[uint64]bool{entry: true}
	for i, insn := range insns {
		stmts := insn.Stmts
		if len(stmts) == 0 {
			continue
		}
		switch s := stmts[len(stmts)-1].(type) {
		case ir.Branch:
			if tgt, ok := s.Target.(ir.Imm); ok {
				if err := checkTarget(insn.Addr, uint64(tgt.Val)); err != nil {
					return nil, err
				}
				leaders[uint64(tgt.Val)] = true
			}
			for _, tgt := range resolved[insn.Addr] {
				if err := checkTarget(insn.Addr, tgt); err != nil {
					return nil, err
				}
				leaders[tgt] = true
			}
			if i+1 < len(insns) {
				leaders[insns[i+1].Addr] = true
			}
		case ir.Ret, ir.Undefined, ir.Call:
			if i+1 < len(insns) {
				leaders[insns[i+1].Addr] = true
			}
		}
	}

	// Second pass: cut blocks at leaders and terminators.
	g := &Graph{Entry: entry, Blocks: make(map[uint64]*Block), preds: make(map[uint64][]uint64)}
	var cur *Block
	flush := func(endAddr uint64) {
		if cur != nil {
			cur.End = endAddr
			g.Blocks[cur.Addr] = cur
			g.sorted = append(g.sorted, cur)
			cur = nil
		}
	}
	for _, insn := range insns {
		if leaders[insn.Addr] {
			flush(insn.Addr)
		}
		if cur == nil {
			cur = &Block{Addr: insn.Addr}
		}
		cur.Insns = append(cur.Insns, insn)
	}
	flush(end)

	// Third pass: successor edges.
	for _, b := range g.sorted {
		lastInsn := b.Insns[len(b.Insns)-1]
		next := lastInsn.Addr + uint64(lastInsn.Len)
		term := b.Terminator()
		switch s := term.(type) {
		case ir.Branch:
			switch tgt := s.Target.(type) {
			case ir.Imm:
				if s.Cond != ir.CondAlways {
					if next >= end {
						return nil, fmt.Errorf("conditional branch at %#x falls off the function end", lastInsn.Addr)
					}
					b.Succs = append(b.Succs, Edge{To: next, Kind: Fallthrough})
				}
				b.Succs = append(b.Succs, Edge{To: uint64(tgt.Val), Kind: Jump})
			default:
				// A branch present in resolved with no targets was
				// proven unreachable and stays edgeless.
				targets, ok := resolved[lastInsn.Addr]
				if !ok {
					g.Unresolved = append(g.Unresolved, lastInsn.Addr)
				}
				for _, t := range targets {
					b.Succs = append(b.Succs, Edge{To: t, Kind: Indirect})
				}
			}
		case ir.Call:
			if next < end {
				b.Succs = append(b.Succs, Edge{To: next, Kind: CallReturn})
			}
		case ir.Ret, ir.Undefined:
			// No successors.
		default:
			if next < end {
				b.Succs = append(b.Succs, Edge{To: next, Kind: Fallthrough})
			}
		}
		for _, e := range b.Succs {
			if _, ok := g.Blocks[e.To]; !ok {
				return nil, fmt.Errorf("edge from %#x targets %#x, which is not a block", b.Addr, e.To)
			}
			g.preds[e.To] = append(g.preds[e.To], b.Addr)
		}
	}
	return g, nil
}

// BlockList returns the blocks sorted by address.
func (g *Graph) BlockList() []*Block {
	return g.sorted
}

// Preds returns the addresses of the predecessors of the block at addr.
func (g *Graph) Preds(addr uint64) []uint64 {
	return g.preds[addr]
}
