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
	"sort"

	"github.com/PabstMatthew/veriwasm/internal/graphutil"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/topo"
)

// View is an abstraction over a Graph to work with existing graph libraries.
// Node ids are indices into the address-sorted block list, so they are dense
// in [0, Order()). It implements the methods to satisfy yourbasic's
// graph.Iterator and Gonum's graph.Directed.
type View struct {
	g *Graph

	// adj and radj are the successor and predecessor adjacency lists by
	// node index, sorted and deduplicated.
	adj  [][]int64
	radj [][]int64
}

// NewView builds the adjacency view of g.
func NewView(g *Graph) *View {
	n := len(g.sorted)
	index := make(map[uint64]int64, n)
	for i, b := range g.sorted {
		index[b.Addr] = int64(i)
	}
	v := &View{g: g, adj: make([][]int64, n), radj: make([][]int64, n)}
	for i, b := range g.sorted {
		seen := map[int64]bool{}
		for _, e := range b.Succs {
			j := index[e.To]
			if !seen[j] {
				seen[j] = true
				v.adj[i] = append(v.adj[i], j)
				v.radj[j] = append(v.radj[j], int64(i))
			}
		}
		sort.Slice(v.adj[i], func(a, b int) bool { return v.adj[i][a] < v.adj[i][b] })
	}
	for i := range v.radj {
		sort.Slice(v.radj[i], func(a, b int) bool { return v.radj[i][a] < v.radj[i][b] })
	}
	return v
}

// Block returns the block behind node id.
func (v *View) Block(id int64) *Block {
	return v.g.sorted[id]
}

// Order implements the graph.Iterator interface for the View
func (v *View) Order() int {
	return len(v.g.sorted)
}

// Visit implements the graph.Iterator interface for the View
func (v *View) Visit(x int, do func(w int, c int64) (skip bool)) (aborted bool) {
	if x < 0 || x >= len(v.adj) {
		return false
	}
	for _, w := range v.adj[x] {
		if do(int(w), 1) {
			return true
		}
	}
	return false
}

// *************** Directed interface implementation **********************

// Node implements the Graph interface
func (v *View) Node(id int64) graph.Node {
	if id < 0 || id >= int64(len(v.g.sorted)) {
		return nil
	}
	return vnode(id)
}

// Nodes returns the set of nodes in the graph
func (v *View) Nodes() graph.Nodes {
	ids := make([]int64, len(v.g.sorted))
	for i := range ids {
		ids[i] = int64(i)
	}
	return &blockSet{ids: ids, cur: -1}
}

// From returns the set of nodes reachable from the id
func (v *View) From(id int64) graph.Nodes {
	return &blockSet{ids: v.adj[id], cur: -1}
}

// To returns the set of nodes with an edge to the id
func (v *View) To(id int64) graph.Nodes {
	return &blockSet{ids: v.radj[id], cur: -1}
}

// HasEdgeBetween returns a boolean indicating whether an edge exists between the two node identifiers
func (v *View) HasEdgeBetween(xid, yid int64) bool {
	return v.HasEdgeFromTo(xid, yid) || v.HasEdgeFromTo(yid, xid)
}

// HasEdgeFromTo returns a boolean indicating whether a directed edge exists from uid to vid
func (v *View) HasEdgeFromTo(uid, vid int64) bool {
	adj := v.adj[uid]
	i := sort.Search(len(adj), func(i int) bool { return adj[i] >= vid })
	return i < len(adj) && adj[i] == vid
}

// Edge returns the edge between the two identifiers (nil if none exists)
func (v *View) Edge(uid, vid int64) graph.Edge {
	if v.HasEdgeFromTo(uid, vid) {
		return vedge{from: vnode(uid), to: vnode(vid)}
	}
	return nil
}

// LoopHeaders returns the addresses of the loop header blocks: for each loop
// of the graph, the member block with the lowest address. These are the
// points where the fixpoint engine widens.
func (v *View) LoopHeaders() map[uint64]bool {
	headers := map[uint64]bool{}
	for _, loop := range graphutil.Loops(v) {
		headers[v.g.sorted[loop[0]].Addr] = true
	}
	return headers
}

// TopoOrder returns the blocks in a topological order of the cycle
// condensation, with the members of a cycle in address order. The order is
// deterministic for a given graph.
func (v *View) TopoOrder() []*Block {
	sccs := topo.TarjanSCC(v)
	out := make([]*Block, 0, len(v.g.sorted))
	// TarjanSCC emits components in reverse topological order.
	for i := len(sccs) - 1; i >= 0; i-- {
		ids := make([]int64, len(sccs[i]))
		for j, n := range sccs[i] {
			ids[j] = n.ID()
		}
		sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
		for _, id := range ids {
			out = append(out, v.g.sorted[id])
		}
	}
	return out
}

// *************** Nodes implementation **********************

type vnode int64

// ID returns the id of the node
func (n vnode) ID() int64 { return int64(n) }

// blockSet implements the graph.Nodes interface, an iterator over a set of nodes
type blockSet struct {
	ids []int64
	cur int
}

// Next moves the current node to the next, and returns true if such a node exists.
func (ns *blockSet) Next() bool {
	if ns.cur < len(ns.ids)-1 {
		ns.cur++
		return true
	}
	return false
}

// Len returns the length of the node set
func (ns *blockSet) Len() int {
	return len(ns.ids) - ns.cur - 1
}

// Reset resets the id of the current node in the set
func (ns *blockSet) Reset() {
	ns.cur = -1
}

// Node returns the current node in the set
func (ns *blockSet) Node() graph.Node {
	return vnode(ns.ids[ns.cur])
}

// *************** Edge implementation **********************

// vedge implements the graph.Edge interface
type vedge struct {
	from vnode
	to   vnode
}

// From returns the origin of the edge
func (e vedge) From() graph.Node {
	return e.from
}

// To returns the destination of the edge
func (e vedge) To() graph.Node {
	return e.to
}

// ReversedEdge returns a new value representing the reversed edge
func (e vedge) ReversedEdge() graph.Edge {
	return vedge{from: e.to, to: e.from}
}
