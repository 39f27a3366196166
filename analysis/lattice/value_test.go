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

package lattice

import (
	"testing"
)

func TestJoin(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want Value
	}{
		{"bot is the identity", BotVal, ConstVal(4), ConstVal(4)},
		{"equal values keep their value", StackVal(-8), StackVal(-8), StackVal(-8)},
		{"distinct constants lose precision", ConstVal(1), ConstVal(2), TopVal},
		{"distinct stack offsets lose precision", StackVal(-8), StackVal(-16), TopVal},
		{"narrow bounds widen", BoundedVal(8), BoundedVal(32), BoundedVal(32)},
		{"a small constant folds into a bound", ConstVal(100), BoundedVal(32), BoundedVal(32)},
		{"a negative constant does not", ConstVal(-1), BoundedVal(32), TopVal},
		{"a huge constant does not", ConstVal(1 << 33), BoundedVal(32), TopVal},
		{"checked indices keep the larger bound", CheckedIdx(4), CheckedIdx(16), CheckedIdx(16)},
		{"a constant below the bound folds into a checked index", ConstVal(3), CheckedIdx(4), CheckedIdx(4)},
		{"a constant at the bound does not", ConstVal(4), CheckedIdx(4), TopVal},
		{"symbolic and concrete bounds do not mix", TableSizeCheckedIdx(), CheckedIdx(4), TopVal},
		{"pointer kinds do not mix", Value{Tag: HeapBase}, Value{Tag: GlobalsBase}, TopVal},
		{"runtime structs of different kinds do not mix", StructVal(ExecEnv), StructVal(ModuleInstance), TopVal},
		{"flag records of different immediates do not mix", Value{Tag: FlagImm, Val: 3}, Value{Tag: FlagImm, Val: 5}, TopVal},
	}
	for _, test := range tests {
		got := test.a.Join(test.b)
		if !got.Eq(test.want) {
			t.Errorf("%s: %v ⊔ %v = %v, want %v", test.name, test.a, test.b, got, test.want)
		}
		// Join is commutative.
		if rev := test.b.Join(test.a); !rev.Eq(got) {
			t.Errorf("%s: join is not commutative: %v vs %v", test.name, got, rev)
		}
	}
}

func TestWiden(t *testing.T) {
	// Widening never moves along a chain: anything strictly above the old
	// value becomes Top at once.
	if got := BoundedVal(8).Widen(BoundedVal(32)); !got.Eq(TopVal) {
		t.Errorf("widening a growing bound gave %v, want top", got)
	}
	if got := CheckedIdx(4).Widen(CheckedIdx(4)); !got.Eq(CheckedIdx(4)) {
		t.Errorf("widening a stable value gave %v", got)
	}
	if got := BotVal.Widen(ConstVal(7)); !got.Eq(ConstVal(7)) {
		t.Errorf("widening from bot gave %v, want the new value", got)
	}
}

func TestUncheckedScaledIdentity(t *testing.T) {
	d1 := SingletonDef(1)
	d2 := SingletonDef(2)
	a := UncheckedScaledIdx(d1)
	if !a.Eq(UncheckedScaledIdx(d1.Copy())) {
		t.Error("identical def sets should compare equal")
	}
	if a.Eq(UncheckedScaledIdx(d2)) {
		t.Error("different def sets should not compare equal")
	}
	if got := a.Join(UncheckedScaledIdx(d2)); !got.Eq(TopVal) {
		t.Errorf("joining indices with different provenance gave %v, want top", got)
	}
}

func TestDefSets(t *testing.T) {
	n := NewNumberer()
	i := n.Index(Loc{Addr: 0x100, Stmt: 0})
	j := n.Index(Loc{Addr: 0x104, Stmt: 1})
	if i == j {
		t.Fatal("distinct sites share an index")
	}
	if n.Index(Loc{Addr: 0x100, Stmt: 0}) != i {
		t.Fatal("the same site maps to two indices")
	}
	if n.Loc(j) != (Loc{Addr: 0x104, Stmt: 1}) {
		t.Fatalf("Loc(%d) = %v", j, n.Loc(j))
	}

	u := SingletonDef(i).Union(SingletonDef(j))
	if u.Len() != 2 || u.Equal(SingletonDef(i)) {
		t.Fatalf("union misbehaved: %v", u)
	}
	if !EmptyDef().Equal(nil) {
		t.Error("the empty set should equal nil")
	}
	if !u.Equal(u.Copy()) {
		t.Error("a copy should equal its source")
	}
}
