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

// Package ir defines the statement-level intermediate representation that the
// verifier analyzes instead of raw x86-64 instructions. Each machine
// instruction lifts to a short sequence of statements over a small, closed set
// of operations; instructions outside the modeled subset lift to an
// Unsupported statement so that no analysis ever sees an effect it does not
// understand.
package ir

import (
	"fmt"
	"strings"
)

// ValSize is the width of an operand in bits. SizeOther marks widths the
// verifier does not model.
type ValSize int

const (
	SizeOther ValSize = 0
	Size8     ValSize = 8
	Size16    ValSize = 16
	Size32    ValSize = 32
	Size64    ValSize = 64
)

// Bytes returns the width in bytes, 0 for SizeOther.
func (s ValSize) Bytes() int64 {
	return int64(s) / 8
}

// RegID numbers the general-purpose registers in hardware encoding order,
// with the zero flag appended as a pseudo-register so that compare results
// flow through the same state maps as register values.
type RegID uint8

const (
	Rax RegID = iota
	Rcx
	Rdx
	Rbx
	Rsp
	Rbp
	Rsi
	Rdi
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	RegZF

	// NumRegs is the number of tracked register slots.
	NumRegs = 17
)

var regNames64 = [16]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

var regNames32 = [16]string{
	"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
	"r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d",
}

var regNames16 = [16]string{
	"ax", "cx", "dx", "bx", "sp", "bp", "si", "di",
	"r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w",
}

var regNames8 = [16]string{
	"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil",
	"r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b",
}

func (r RegID) String() string {
	if r == RegZF {
		return "zf"
	}
	if int(r) < len(regNames64) {
		return regNames64[r]
	}
	return fmt.Sprintf("reg%d", uint8(r))
}

// Value is one operand of a statement: a register, an immediate, or a memory
// reference.
type Value interface {
	isValue()
	String() string
}

// MemArg is a component of a memory addressing expression. Only Reg and Imm
// implement it.
type MemArg interface {
	Value
	isMemArg()
}

// Reg is a register operand of the given width.
type Reg struct {
	Num  RegID
	Size ValSize
}

func (Reg) isValue()  {}
func (Reg) isMemArg() {}

func (r Reg) String() string {
	if r.Num == RegZF {
		return "zf"
	}
	if int(r.Num) >= len(regNames64) {
		return fmt.Sprintf("reg%d", uint8(r.Num))
	}
	switch r.Size {
	case Size32:
		return regNames32[r.Num]
	case Size16:
		return regNames16[r.Num]
	case Size8:
		return regNames8[r.Num]
	default:
		return regNames64[r.Num]
	}
}

// Imm is an immediate operand. Branch and call targets are stored as absolute
// addresses, already adjusted for instruction length.
type Imm struct {
	Val  int64
	Size ValSize
}

func (Imm) isValue()  {}
func (Imm) isMemArg() {}

func (i Imm) String() string {
	switch {
	case i.Val < 0 && i.Val > -10:
		return fmt.Sprintf("%d", i.Val)
	case i.Val < 0:
		return fmt.Sprintf("-0x%x", -i.Val)
	case i.Val < 10:
		return fmt.Sprintf("%d", i.Val)
	default:
		return fmt.Sprintf("0x%x", i.Val)
	}
}

// Imm64 builds a 64-bit immediate.
func Imm64(v int64) Imm { return Imm{Val: v, Size: Size64} }

// Mem is a memory reference of the given access width.
type Mem struct {
	Size ValSize
	Args MemArgs
}

func (Mem) isValue() {}

func (m Mem) String() string {
	var w string
	switch m.Size {
	case Size8:
		w = "byte "
	case Size16:
		w = "word "
	case Size32:
		w = "dword "
	case Size64:
		w = "qword "
	}
	return w + m.Args.String()
}

// MemArgs is the shape of a memory addressing expression. The shapes are kept
// distinct, rather than normalized to base+index*scale+disp, because the
// safety rules match on the exact shape the compiler emitted.
type MemArgs interface {
	isMemArgs()
	String() string
}

// MemOne is [x].
type MemOne struct {
	X MemArg
}

// MemTwo is [x + y].
type MemTwo struct {
	X MemArg
	Y MemArg
}

// MemThree is [x + y + z].
type MemThree struct {
	X MemArg
	Y MemArg
	Z MemArg
}

// MemScale is [base + index*scale].
type MemScale struct {
	Base  MemArg
	Index MemArg
	Scale MemArg
}

// MemScaleDisp is [base + index*scale + disp].
type MemScaleDisp struct {
	Base  MemArg
	Index MemArg
	Scale MemArg
	Disp  MemArg
}

func (MemOne) isMemArgs()       {}
func (MemTwo) isMemArgs()       {}
func (MemThree) isMemArgs()     {}
func (MemScale) isMemArgs()     {}
func (MemScaleDisp) isMemArgs() {}

func plus(a MemArg) string {
	if imm, ok := a.(Imm); ok && imm.Val < 0 {
		return imm.String()
	}
	return "+" + a.String()
}

func (m MemOne) String() string {
	return "[" + m.X.String() + "]"
}

func (m MemTwo) String() string {
	return "[" + m.X.String() + plus(m.Y) + "]"
}

func (m MemThree) String() string {
	return "[" + m.X.String() + plus(m.Y) + plus(m.Z) + "]"
}

func (m MemScale) String() string {
	return "[" + m.Base.String() + "+" + m.Index.String() + "*" + m.Scale.String() + "]"
}

func (m MemScaleDisp) String() string {
	return "[" + m.Base.String() + "+" + m.Index.String() + "*" + m.Scale.String() + plus(m.Disp) + "]"
}

// MemValues returns the register and immediate components of a memory
// expression, in operand order.
func MemValues(args MemArgs) []MemArg {
	switch a := args.(type) {
	case MemOne:
		return []MemArg{a.X}
	case MemTwo:
		return []MemArg{a.X, a.Y}
	case MemThree:
		return []MemArg{a.X, a.Y, a.Z}
	case MemScale:
		return []MemArg{a.Base, a.Index, a.Scale}
	case MemScaleDisp:
		return []MemArg{a.Base, a.Index, a.Scale, a.Disp}
	}
	return nil
}

// UnopKind is the operation of a Unop statement.
type UnopKind uint8

const (
	// Mov copies the source value, with implicit zero extension.
	Mov UnopKind = iota
	// MovSX copies the source value with sign extension. Kept distinct
	// from Mov because sign extension does not preserve value bounds.
	MovSX
	// Set stores the boolean result of a prior comparison.
	Set
)

func (k UnopKind) String() string {
	switch k {
	case MovSX:
		return "movsx"
	case Set:
		return "set"
	}
	return "mov"
}

// BinopKind is the operation of a Binop statement. Only operations whose
// results the analysis tracks are represented; everything else lifts to Clear.
type BinopKind uint8

const (
	Add BinopKind = iota
	Sub
	And
	Shl
	Rol
	Test
	Cmp
)

var binopNames = [...]string{"add", "sub", "and", "shl", "rol", "test", "cmp"}

func (k BinopKind) String() string {
	if int(k) < len(binopNames) {
		return binopNames[k]
	}
	return fmt.Sprintf("binop%d", uint8(k))
}

// Cond is a branch condition. CondAlways marks unconditional jumps and
// CondOther marks conditions the refinement rules do not reason about.
type Cond uint8

const (
	CondAlways Cond = iota
	CondO
	CondNO
	CondB
	CondAE
	CondE
	CondNE
	CondBE
	CondA
	CondS
	CondNS
	CondP
	CondNP
	CondL
	CondGE
	CondLE
	CondG
	CondOther
)

var condNames = [...]string{
	"mp", "o", "no", "b", "ae", "e", "ne", "be", "a", "s", "ns", "p", "np", "l", "ge", "le", "g", "cc",
}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return "j" + condNames[c]
	}
	return fmt.Sprintf("jcond%d", uint8(c))
}

// Stmt is a single lifted statement.
type Stmt interface {
	isStmt()
	String() string
}

// Clear sets the destination to an unknown value. Srcs lists the values the
// original instruction read, for diagnostics.
type Clear struct {
	Dst  Value
	Srcs []Value
}

// Unop is dst := op(src).
type Unop struct {
	Op  UnopKind
	Dst Value
	Src Value
}

// Binop is dst := op(src1, src2). For Cmp and Test the destination is the
// zero-flag pseudo-register.
type Binop struct {
	Op   BinopKind
	Dst  Value
	Src1 Value
	Src2 Value
}

// Undefined is a trapping instruction (ud2, int3). Execution does not
// continue past it.
type Undefined struct{}

// Unsupported marks an instruction outside the modeled subset, including all
// vector and floating-point operations. A function containing one can never
// be proven safe.
type Unsupported struct {
	Op string
}

// Ret returns to the caller.
type Ret struct{}

// Branch transfers control to Target when Cond holds. Direct targets are
// absolute-address immediates; register or memory targets are indirect.
type Branch struct {
	Cond   Cond
	Target Value
}

// Call invokes Target. Direct targets are absolute-address immediates.
type Call struct {
	Target Value
}

// ProbeStack is a fused stack-probe sequence that extends the frame by Size
// bytes after touching each page of the extension.
type ProbeStack struct {
	Size int64
}

func (Clear) isStmt()       {}
func (Unop) isStmt()        {}
func (Binop) isStmt()       {}
func (Undefined) isStmt()   {}
func (Unsupported) isStmt() {}
func (Ret) isStmt()         {}
func (Branch) isStmt()      {}
func (Call) isStmt()        {}
func (ProbeStack) isStmt()  {}

func (s Clear) String() string {
	var srcs []string
	for _, v := range s.Srcs {
		srcs = append(srcs, v.String())
	}
	return fmt.Sprintf("clear %s (%s)", s.Dst, strings.Join(srcs, ", "))
}

func (s Unop) String() string {
	return fmt.Sprintf("%s %s, %s", s.Op, s.Dst, s.Src)
}

func (s Binop) String() string {
	if s.Op == Cmp || s.Op == Test {
		return fmt.Sprintf("%s %s, %s", s.Op, s.Src1, s.Src2)
	}
	return fmt.Sprintf("%s %s, %s, %s", s.Op, s.Dst, s.Src1, s.Src2)
}

func (Undefined) String() string { return "trap" }

func (s Unsupported) String() string {
	return "unsupported " + s.Op
}

func (Ret) String() string { return "ret" }

func (s Branch) String() string {
	return fmt.Sprintf("%s %s", s.Cond, s.Target)
}

func (s Call) String() string {
	return fmt.Sprintf("call %s", s.Target)
}

func (s ProbeStack) String() string {
	return fmt.Sprintf("probestack 0x%x", s.Size)
}
