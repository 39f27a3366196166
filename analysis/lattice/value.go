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

// Package lattice defines the abstract domain of the verifier: the value
// lattice tracked for every register and stack slot, the per-program-point
// machine state, and the reaching-definition sets that feed bounds-check
// refinement.
//
// The partial order is flat apart from a few sound coarsenings: a constant
// lies below the bounded-offset values that contain it, and a narrow bounded
// offset lies below a wider one. Joining any two incomparable values yields
// Top, which keeps every chain finite.
package lattice

import (
	"fmt"
)

// Tag discriminates the variants of a Value.
type Tag uint8

const (
	// Bot is the unreachable value.
	Bot Tag = iota
	// Top is an arbitrary attacker-controlled 64-bit value.
	Top
	// Const is a known 64-bit constant.
	Const
	// StackOff is the stack pointer at function entry plus a known offset.
	StackOff
	// HeapBase is the linear-memory base of the sandbox.
	HeapBase
	// HeapBounded is an unknown value less than 2^Bound, usable as an
	// offset from HeapBase.
	HeapBounded
	// HeapAddr is the heap base plus one bounded offset, as formed by
	// address arithmetic before a dereference. It stays within the guard
	// region even with one further bounded displacement.
	HeapAddr
	// GlobalsBase is the base of the global-variable region.
	GlobalsBase
	// RuntimeStruct is a pointer to a runtime-owned structure, identified
	// by Kind.
	RuntimeStruct
	// TableIndex is a value destined to index a table. Checked records
	// whether a bounds check dominates, Bound the exclusive element count
	// it was checked against (boundTableSize when checked against the
	// loaded table size), and Scaled whether it was shifted to an entry
	// offset.
	TableIndex
	// TableSize is the indirect-call table bound loaded from the runtime
	// table header.
	TableSize
	// FuncIdx is a machine function index loaded from the runtime's
	// index table.
	FuncIdx
	// CodePtr is a code pointer obtained from a runtime-managed table. It
	// is the only value an indirect call may target.
	CodePtr
	// FlagImm records that the zero flag was set by comparing against the
	// immediate in Val.
	FlagImm
	// FlagTableSize records that the zero flag was set by comparing
	// against the loaded table size.
	FlagTableSize
	// JumpEntry is a 32-bit jump-table entry loaded from the table based
	// at Val with Bound entries.
	JumpEntry
	// JumpTarget is a jump-table entry added back to its table base, fully
	// describing a resolvable indirect branch.
	JumpTarget
)

// boundTableSize marks a table index checked against the loaded table size
// rather than an immediate.
const boundTableSize = -1

// StructKind identifies a runtime-owned structure.
type StructKind uint8

const (
	// ExecEnv is the execution environment passed to every function.
	ExecEnv StructKind = iota
	// ModuleInstance is the per-module instance record.
	ModuleInstance
	// StackLimit is the stack boundary recorded in the execution
	// environment.
	StackLimit
	// FuncTypeTable is the table of function type indices.
	FuncTypeTable
	// FuncPtrsTable is the table of function code pointers.
	FuncPtrsTable
)

func (k StructKind) String() string {
	switch k {
	case ExecEnv:
		return "execenv"
	case ModuleInstance:
		return "instance"
	case StackLimit:
		return "stacklimit"
	case FuncTypeTable:
		return "functypes"
	case FuncPtrsTable:
		return "funcptrs"
	}
	return fmt.Sprintf("struct%d", uint8(k))
}

// Value is one element of the abstract value lattice. Values are immutable:
// operations return fresh values and never modify their receiver.
type Value struct {
	Tag Tag

	// Val is the payload of Const, StackOff, and FlagImm, and the table
	// base address of JumpEntry and JumpTarget.
	Val int64

	// Bound is the power-of-two exponent of HeapBounded, the exclusive
	// element count of TableIndex, JumpEntry, and JumpTarget.
	Bound int64

	// Kind is the payload of RuntimeStruct.
	Kind StructKind

	// Checked and Scaled qualify TableIndex.
	Checked bool
	Scaled  bool

	// Defs carries the definitions that produced an unchecked scaled
	// TableIndex, so a later bounds check can still claim it.
	Defs *DefSet
}

// The two bottom-most and top-most elements, shared by value.
var (
	BotVal = Value{Tag: Bot}
	TopVal = Value{Tag: Top}
)

// ConstVal returns the constant c.
func ConstVal(c int64) Value { return Value{Tag: Const, Val: c} }

// StackVal returns the entry stack pointer plus off.
func StackVal(off int64) Value { return Value{Tag: StackOff, Val: off} }

// BoundedVal returns an unknown value below 2^bits.
func BoundedVal(bits int64) Value { return Value{Tag: HeapBounded, Bound: bits} }

// StructVal returns a pointer to the runtime structure kind.
func StructVal(kind StructKind) Value { return Value{Tag: RuntimeStruct, Kind: kind} }

// CheckedIdx returns a table index proven below bound.
func CheckedIdx(bound int64) Value { return Value{Tag: TableIndex, Checked: true, Bound: bound} }

// TableSizeCheckedIdx returns a table index proven below the loaded table
// size.
func TableSizeCheckedIdx() Value {
	return Value{Tag: TableIndex, Checked: true, Bound: boundTableSize}
}

// UncheckedScaledIdx returns a shifted table index that still awaits its
// bounds check. defs names the definitions the shift consumed.
func UncheckedScaledIdx(defs *DefSet) Value {
	return Value{Tag: TableIndex, Scaled: true, Defs: defs}
}

// ScaledCheckedIdx returns a scaled table index proven below bound entries.
func ScaledCheckedIdx(bound int64) Value {
	return Value{Tag: TableIndex, Checked: true, Scaled: true, Bound: bound}
}

// ScaledTableSizeCheckedIdx returns a scaled table index proven below the
// loaded table size.
func ScaledTableSizeCheckedIdx() Value {
	return Value{Tag: TableIndex, Checked: true, Scaled: true, Bound: boundTableSize}
}

// SizeCheckedBound reports whether a TableIndex was checked against the
// loaded table size.
func (v Value) SizeCheckedBound() bool {
	return v.Tag == TableIndex && v.Checked && v.Bound == boundTableSize
}

// ConstIn reports whether v is a constant within [0, limit).
func (v Value) ConstIn(limit int64) bool {
	return v.Tag == Const && v.Val >= 0 && v.Val < limit
}

// Eq reports whether two values are identical lattice elements.
func (v Value) Eq(o Value) bool {
	if v.Tag != o.Tag || v.Val != o.Val || v.Bound != o.Bound ||
		v.Kind != o.Kind || v.Checked != o.Checked || v.Scaled != o.Scaled {
		return false
	}
	switch {
	case v.Defs == nil && o.Defs == nil:
		return true
	case v.Defs == nil || o.Defs == nil:
		return false
	default:
		return v.Defs.Equal(o.Defs)
	}
}

// Join returns the least upper bound of v and o.
func (v Value) Join(o Value) Value {
	if v.Eq(o) {
		return v
	}
	if v.Tag == Bot {
		return o
	}
	if o.Tag == Bot {
		return v
	}
	if v.Tag == o.Tag {
		return joinSameTag(v, o)
	}
	// A constant folds into a bounded value that contains it.
	if v.Tag == Const {
		v, o = o, v
	}
	if o.Tag == Const {
		switch {
		case v.Tag == HeapBounded && o.ConstIn(1<<v.Bound):
			return v
		case v.Tag == TableIndex && v.Checked && v.Bound > 0 && o.ConstIn(v.Bound):
			return v
		}
	}
	return TopVal
}

func joinSameTag(v, o Value) Value {
	switch v.Tag {
	case HeapBounded:
		if v.Bound < o.Bound {
			return o
		}
		return v
	case TableIndex:
		// Two checked indices with concrete bounds stay checked under
		// the larger bound.
		if v.Checked && o.Checked && v.Scaled == o.Scaled && v.Bound >= 0 && o.Bound >= 0 {
			if v.Bound < o.Bound {
				return o
			}
			return v
		}
	}
	return TopVal
}

// Widen accelerates convergence at loop heads: any strict growth jumps
// straight to Top.
func (v Value) Widen(o Value) Value {
	j := v.Join(o)
	if j.Eq(v) {
		return v
	}
	if v.Tag == Bot {
		return j
	}
	return TopVal
}

func (v Value) String() string {
	switch v.Tag {
	case Bot:
		return "bot"
	case Top:
		return "top"
	case Const:
		return fmt.Sprintf("const(%#x)", v.Val)
	case StackOff:
		return fmt.Sprintf("stack(%d)", v.Val)
	case HeapBase:
		return "heapbase"
	case HeapBounded:
		return fmt.Sprintf("bounded%d", v.Bound)
	case HeapAddr:
		return "heapaddr"
	case GlobalsBase:
		return "globalsbase"
	case RuntimeStruct:
		return v.Kind.String()
	case TableIndex:
		qual := "unchecked"
		if v.Checked {
			if v.Bound == boundTableSize {
				qual = "<tablesize"
			} else {
				qual = fmt.Sprintf("<%d", v.Bound)
			}
		}
		if v.Scaled {
			qual += ",scaled"
		}
		return fmt.Sprintf("idx(%s)", qual)
	case TableSize:
		return "tablesize"
	case FuncIdx:
		return "funcidx"
	case CodePtr:
		return "codeptr"
	case FlagImm:
		return fmt.Sprintf("flag(%#x)", v.Val)
	case FlagTableSize:
		return "flag(tablesize)"
	case JumpEntry:
		return fmt.Sprintf("entry(%#x)", v.Val)
	case JumpTarget:
		return fmt.Sprintf("target(%#x)", v.Val)
	}
	return fmt.Sprintf("tag%d", uint8(v.Tag))
}
