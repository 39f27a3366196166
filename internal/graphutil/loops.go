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

package graphutil

import (
	"sort"

	"github.com/yourbasic/graph"
)

// Loops returns the looping parts of g: the strongly connected components
// that contain a cycle, meaning components with at least two nodes or with a
// single node carrying a self-edge. The nodes of each loop are sorted in
// increasing order, and the loops are ordered by their smallest node. A node
// belongs to at most one loop.
func Loops(g graph.Iterator) [][]int {
	var loops [][]int
	for _, component := range graph.StrongComponents(g) {
		if len(component) == 1 && !hasSelfEdge(g, component[0]) {
			continue
		}
		sort.Ints(component)
		loops = append(loops, component)
	}
	sort.Slice(loops, func(i, j int) bool { return loops[i][0] < loops[j][0] })
	return loops
}

func hasSelfEdge(g graph.Iterator, v int) bool {
	return g.Visit(v, func(w int, c int64) bool { return w == v })
}
