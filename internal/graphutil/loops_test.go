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
	"math/rand"
	"reflect"
	"testing"
)

// intGraph is a minimal adjacency map over the nodes 0..len-1 implementing
// the graph.Iterator interface.
type intGraph map[int][]int

func (m intGraph) Order() int { return len(m) }

func (m intGraph) Visit(v int, do func(w int, c int64) (skip bool)) (aborted bool) {
	for _, w := range m[v] {
		if do(w, 1) {
			return true
		}
	}
	return false
}

func TestLoops(t *testing.T) {
	check := func(m intGraph, want [][]int) {
		got := Loops(m)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("Loops = %v, want %v\nin:%v", got, want, m)
		}
	}
	check(intGraph{0: {}}, nil)
	check(intGraph{0: {1}, 1: {}}, nil)
	// A single node only loops when it has a self-edge.
	check(intGraph{0: {0}}, [][]int{{0}})
	check(intGraph{0: {1}, 1: {0}}, [][]int{{0, 1}})
	check(intGraph{
		0: {1, 2},
		1: {0},
		2: {2},
		3: {1},
	}, [][]int{{0, 1}, {2}})
	check(intGraph{
		0: {1},
		1: {2},
		2: {0, 3},
		3: {4},
		4: {3},
	}, [][]int{{0, 1, 2}, {3, 4}})
}

func TestLoopsMatchesReachability(t *testing.T) {
	assertLoopsMatch := func(m intGraph) {
		inLoop := map[int]bool{}
		for _, loop := range Loops(m) {
			for _, v := range loop {
				if inLoop[v] {
					t.Fatalf("node %v appears in two loops\nin:%v", v, m)
				}
				inLoop[v] = true
			}
		}
		for v := range m {
			if want := onCycle(m, v); want != inLoop[v] {
				t.Fatalf("node %v: on a cycle is %v but reported %v\nin:%v", v, want, inLoop[v], m)
			}
		}
	}
	for i := 0; i < 100; i++ {
		assertLoopsMatch(randomGraph(10, 68348438+int64(i)))
	}
	for i := 0; i < 10; i++ {
		assertLoopsMatch(randomGraph(50, 184618+int64(i)))
	}
	for i := 0; i < 3; i++ {
		assertLoopsMatch(randomGraph(100, 4875934+int64(i)))
	}
}

func randomGraph(size int, seed int64) intGraph {
	m := map[int][]int{}
	r := rand.New(rand.NewSource(seed))
	for i := 0; i < size; i++ {
		m[i] = []int{}
		for j := 0; j < 3; j++ {
			if r.Float32() < 0.7 {
				m[i] = append(m[i], int(r.Int63()%int64(size)))
			}
		}
	}
	return m
}

// onCycle computes whether v lies on some cycle, i.e. whether v is reachable
// from one of its own successors.
func onCycle(m intGraph, v int) bool {
	for _, w := range m[v] {
		if reaches(m, w, v) {
			return true
		}
	}
	return false
}

// Computes whether y is reachable from x
func reaches(m intGraph, x, y int) bool {
	visited := map[int]bool{}
	var visit func(int)
	visit = func(n int) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, nn := range m[n] {
			visit(nn)
		}
	}
	visit(x)
	return visited[y]
}
