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

package ir

import (
	"golang.org/x/arch/x86/x86asm"
)

// Decoded is one disassembled instruction at its address.
type Decoded struct {
	Addr uint64
	Inst x86asm.Inst
}

// Lifted is the statement sequence of one machine instruction. Instructions
// consumed by an idiom fusion keep an entry with no statements so that every
// address in the function remains addressable.
type Lifted struct {
	Addr  uint64
	Len   int
	Stmts []Stmt
}

// Lift lifts a function body to statements. probe is the address of the
// stack-probe helper; when nonzero, the mov/call/sub probe idiom is fused
// into a single ProbeStack statement.
func Lift(insns []Decoded, probe uint64) []Lifted {
	out := make([]Lifted, 0, len(insns))
	for i := 0; i < len(insns); i++ {
		d := insns[i]
		if probe != 0 && i+2 < len(insns) {
			if n, ok := probeIdiom(insns[i], insns[i+1], insns[i+2], probe); ok {
				out = append(out,
					Lifted{Addr: d.Addr, Len: d.Inst.Len, Stmts: []Stmt{ProbeStack{Size: n}}},
					Lifted{Addr: insns[i+1].Addr, Len: insns[i+1].Inst.Len},
					Lifted{Addr: insns[i+2].Addr, Len: insns[i+2].Inst.Len})
				i += 2
				continue
			}
		}
		out = append(out, Lifted{Addr: d.Addr, Len: d.Inst.Len, Stmts: LiftInst(d)})
	}
	return out
}

// probeIdiom matches
//
//	mov eax, N
//	call <probe>
//	sub rsp, rax
//
// and returns N. The suffix must be exactly sub rsp, rax; otherwise the
// sequence is lifted instruction by instruction.
func probeIdiom(a, b, c Decoded, probe uint64) (int64, bool) {
	if a.Inst.Op != x86asm.MOV || b.Inst.Op != x86asm.CALL || c.Inst.Op != x86asm.SUB {
		return 0, false
	}
	if r, ok := a.Inst.Args[0].(x86asm.Reg); !ok || r != x86asm.EAX {
		return 0, false
	}
	n, ok := a.Inst.Args[1].(x86asm.Imm)
	if !ok {
		return 0, false
	}
	rel, ok := b.Inst.Args[0].(x86asm.Rel)
	if !ok || b.Addr+uint64(b.Inst.Len)+uint64(int64(rel)) != probe {
		return 0, false
	}
	if r, ok := c.Inst.Args[0].(x86asm.Reg); !ok || r != x86asm.RSP {
		return 0, false
	}
	if r, ok := c.Inst.Args[1].(x86asm.Reg); !ok || r != x86asm.RAX {
		return 0, false
	}
	return int64(n), true
}

// gpRegs maps decoder register names onto tracked register slots. High-byte
// registers share the slot of their parent.
var gpRegs = map[x86asm.Reg]Reg{
	x86asm.RAX: {Rax, Size64}, x86asm.RCX: {Rcx, Size64}, x86asm.RDX: {Rdx, Size64},
	x86asm.RBX: {Rbx, Size64}, x86asm.RSP: {Rsp, Size64}, x86asm.RBP: {Rbp, Size64},
	x86asm.RSI: {Rsi, Size64}, x86asm.RDI: {Rdi, Size64},
	x86asm.R8: {R8, Size64}, x86asm.R9: {R9, Size64}, x86asm.R10: {R10, Size64},
	x86asm.R11: {R11, Size64}, x86asm.R12: {R12, Size64}, x86asm.R13: {R13, Size64},
	x86asm.R14: {R14, Size64}, x86asm.R15: {R15, Size64},

	x86asm.EAX: {Rax, Size32}, x86asm.ECX: {Rcx, Size32}, x86asm.EDX: {Rdx, Size32},
	x86asm.EBX: {Rbx, Size32}, x86asm.ESP: {Rsp, Size32}, x86asm.EBP: {Rbp, Size32},
	x86asm.ESI: {Rsi, Size32}, x86asm.EDI: {Rdi, Size32},
	x86asm.R8L: {R8, Size32}, x86asm.R9L: {R9, Size32}, x86asm.R10L: {R10, Size32},
	x86asm.R11L: {R11, Size32}, x86asm.R12L: {R12, Size32}, x86asm.R13L: {R13, Size32},
	x86asm.R14L: {R14, Size32}, x86asm.R15L: {R15, Size32},

	x86asm.AX: {Rax, Size16}, x86asm.CX: {Rcx, Size16}, x86asm.DX: {Rdx, Size16},
	x86asm.BX: {Rbx, Size16}, x86asm.SP: {Rsp, Size16}, x86asm.BP: {Rbp, Size16},
	x86asm.SI: {Rsi, Size16}, x86asm.DI: {Rdi, Size16},
	x86asm.R8W: {R8, Size16}, x86asm.R9W: {R9, Size16}, x86asm.R10W: {R10, Size16},
	x86asm.R11W: {R11, Size16}, x86asm.R12W: {R12, Size16}, x86asm.R13W: {R13, Size16},
	x86asm.R14W: {R14, Size16}, x86asm.R15W: {R15, Size16},

	x86asm.AL: {Rax, Size8}, x86asm.CL: {Rcx, Size8}, x86asm.DL: {Rdx, Size8},
	x86asm.BL: {Rbx, Size8}, x86asm.SPB: {Rsp, Size8}, x86asm.BPB: {Rbp, Size8},
	x86asm.SIB: {Rsi, Size8}, x86asm.DIB: {Rdi, Size8},
	x86asm.R8B: {R8, Size8}, x86asm.R9B: {R9, Size8}, x86asm.R10B: {R10, Size8},
	x86asm.R11B: {R11, Size8}, x86asm.R12B: {R12, Size8}, x86asm.R13B: {R13, Size8},
	x86asm.R14B: {R14, Size8}, x86asm.R15B: {R15, Size8},
	x86asm.AH: {Rax, Size8}, x86asm.CH: {Rcx, Size8}, x86asm.DH: {Rdx, Size8},
	x86asm.BH: {Rbx, Size8},
}

var vectorRegs = map[x86asm.Reg]bool{
	x86asm.F0: true, x86asm.F1: true, x86asm.F2: true, x86asm.F3: true,
	x86asm.F4: true, x86asm.F5: true, x86asm.F6: true, x86asm.F7: true,
	x86asm.M0: true, x86asm.M1: true, x86asm.M2: true, x86asm.M3: true,
	x86asm.M4: true, x86asm.M5: true, x86asm.M6: true, x86asm.M7: true,
	x86asm.X0: true, x86asm.X1: true, x86asm.X2: true, x86asm.X3: true,
	x86asm.X4: true, x86asm.X5: true, x86asm.X6: true, x86asm.X7: true,
	x86asm.X8: true, x86asm.X9: true, x86asm.X10: true, x86asm.X11: true,
	x86asm.X12: true, x86asm.X13: true, x86asm.X14: true, x86asm.X15: true,
}

var jccConds = map[x86asm.Op]Cond{
	x86asm.JO: CondO, x86asm.JNO: CondNO, x86asm.JB: CondB, x86asm.JAE: CondAE,
	x86asm.JE: CondE, x86asm.JNE: CondNE, x86asm.JBE: CondBE, x86asm.JA: CondA,
	x86asm.JS: CondS, x86asm.JNS: CondNS, x86asm.JP: CondP, x86asm.JNP: CondNP,
	x86asm.JL: CondL, x86asm.JGE: CondGE, x86asm.JLE: CondLE, x86asm.JG: CondG,
	x86asm.JCXZ: CondOther, x86asm.JECXZ: CondOther, x86asm.JRCXZ: CondOther,
}

var setccOps = map[x86asm.Op]bool{
	x86asm.SETO: true, x86asm.SETNO: true, x86asm.SETB: true, x86asm.SETAE: true,
	x86asm.SETE: true, x86asm.SETNE: true, x86asm.SETBE: true, x86asm.SETA: true,
	x86asm.SETS: true, x86asm.SETNS: true, x86asm.SETP: true, x86asm.SETNP: true,
	x86asm.SETL: true, x86asm.SETGE: true, x86asm.SETLE: true, x86asm.SETG: true,
}

var cmovOps = map[x86asm.Op]bool{
	x86asm.CMOVO: true, x86asm.CMOVNO: true, x86asm.CMOVB: true, x86asm.CMOVAE: true,
	x86asm.CMOVE: true, x86asm.CMOVNE: true, x86asm.CMOVBE: true, x86asm.CMOVA: true,
	x86asm.CMOVS: true, x86asm.CMOVNS: true, x86asm.CMOVP: true, x86asm.CMOVNP: true,
	x86asm.CMOVL: true, x86asm.CMOVGE: true, x86asm.CMOVLE: true, x86asm.CMOVG: true,
}

func usesVector(inst x86asm.Inst) bool {
	for _, arg := range inst.Args {
		switch a := arg.(type) {
		case x86asm.Reg:
			if vectorRegs[a] {
				return true
			}
		case x86asm.Mem:
			if vectorRegs[a.Base] || vectorRegs[a.Index] {
				return true
			}
		}
	}
	return false
}

func zfReg() Reg  { return Reg{Num: RegZF, Size: Size64} }
func rspReg() Reg { return Reg{Num: Rsp, Size: Size64} }

func unsup(inst x86asm.Inst) []Stmt {
	return []Stmt{Unsupported{Op: inst.Op.String()}}
}

// LiftInst lifts a single instruction. Anything the verifier cannot model,
// including every vector and x87 operation, becomes an Unsupported statement.
func LiftInst(d Decoded) []Stmt {
	inst := d.Inst
	if inst.Op == 0 {
		return []Stmt{Unsupported{Op: "(bad)"}}
	}
	if usesVector(inst) {
		return unsup(inst)
	}

	switch {
	case inst.Op == x86asm.NOP || inst.Op == x86asm.PAUSE ||
		inst.Op == x86asm.STD || inst.Op == x86asm.CLD ||
		inst.Op == x86asm.STI || inst.Op == x86asm.CLI ||
		inst.Op == x86asm.LFENCE || inst.Op == x86asm.MFENCE || inst.Op == x86asm.SFENCE:
		return nil

	case inst.Op == x86asm.UD2 || inst.Op == x86asm.INT:
		return []Stmt{Undefined{}}

	case inst.Op == x86asm.MOV || inst.Op == x86asm.MOVZX ||
		inst.Op == x86asm.MOVSX || inst.Op == x86asm.MOVSXD:
		return liftMov(d)

	case inst.Op == x86asm.LEA:
		return liftLea(d)

	case inst.Op == x86asm.XCHG:
		return liftXchg(d)

	case inst.Op == x86asm.ADD:
		return liftArith(d, Add, true)
	case inst.Op == x86asm.SUB:
		return liftArith(d, Sub, true)
	case inst.Op == x86asm.AND:
		return liftArith(d, And, true)
	case inst.Op == x86asm.SHL:
		return liftArith(d, Shl, true)
	case inst.Op == x86asm.ROL:
		return liftArith(d, Rol, true)

	case inst.Op == x86asm.XOR:
		return liftXor(d)

	case inst.Op == x86asm.TEST || inst.Op == x86asm.CMP:
		return liftCompare(d)

	case inst.Op == x86asm.PUSH:
		src, ok := operand(inst.Args[0], d)
		if !ok {
			return unsup(inst)
		}
		return []Stmt{
			Binop{Op: Sub, Dst: rspReg(), Src1: rspReg(), Src2: Imm64(8)},
			Unop{Op: Mov, Dst: Mem{Size: Size64, Args: MemOne{X: rspReg()}}, Src: src},
		}

	case inst.Op == x86asm.POP:
		dst, ok := operand(inst.Args[0], d)
		if !ok {
			return unsup(inst)
		}
		return []Stmt{
			Unop{Op: Mov, Dst: dst, Src: Mem{Size: Size64, Args: MemOne{X: rspReg()}}},
			Binop{Op: Add, Dst: rspReg(), Src1: rspReg(), Src2: Imm64(8)},
		}

	case inst.Op == x86asm.LEAVE:
		rbp := Reg{Num: Rbp, Size: Size64}
		return []Stmt{
			Unop{Op: Mov, Dst: rspReg(), Src: rbp},
			Unop{Op: Mov, Dst: rbp, Src: Mem{Size: Size64, Args: MemOne{X: rspReg()}}},
			Binop{Op: Add, Dst: rspReg(), Src1: rspReg(), Src2: Imm64(8)},
		}

	case inst.Op == x86asm.CALL:
		tgt, ok := operand(inst.Args[0], d)
		if !ok {
			return unsup(inst)
		}
		return []Stmt{Call{Target: tgt}}

	case inst.Op == x86asm.RET:
		return []Stmt{Ret{}}

	case inst.Op == x86asm.JMP:
		tgt, ok := operand(inst.Args[0], d)
		if !ok {
			return unsup(inst)
		}
		return []Stmt{Branch{Cond: CondAlways, Target: tgt}}

	case jccConds[inst.Op] != 0:
		tgt, ok := operand(inst.Args[0], d)
		if !ok {
			return unsup(inst)
		}
		return []Stmt{Branch{Cond: jccConds[inst.Op], Target: tgt}}

	case inst.Op == x86asm.LOOP || inst.Op == x86asm.LOOPE || inst.Op == x86asm.LOOPNE:
		tgt, ok := operand(inst.Args[0], d)
		if !ok {
			return unsup(inst)
		}
		rcx := Reg{Num: Rcx, Size: Size64}
		return []Stmt{
			Clear{Dst: rcx, Srcs: []Value{rcx}},
			Branch{Cond: CondOther, Target: tgt},
		}

	case setccOps[inst.Op]:
		dst, ok := operand(inst.Args[0], d)
		if !ok {
			return unsup(inst)
		}
		return []Stmt{Unop{Op: Set, Dst: dst, Src: Reg{Num: RegZF, Size: Size8}}}

	case cmovOps[inst.Op]:
		dst, ok := operand(inst.Args[0], d)
		src, ok2 := operand(inst.Args[1], d)
		if !ok || !ok2 {
			return unsup(inst)
		}
		return []Stmt{Clear{Dst: dst, Srcs: []Value{dst, src}}}

	case inst.Op == x86asm.OR || inst.Op == x86asm.ADC || inst.Op == x86asm.SBB ||
		inst.Op == x86asm.SHR || inst.Op == x86asm.SAR || inst.Op == x86asm.ROR ||
		inst.Op == x86asm.RCL || inst.Op == x86asm.RCR ||
		inst.Op == x86asm.POPCNT || inst.Op == x86asm.LZCNT ||
		inst.Op == x86asm.BSF || inst.Op == x86asm.BSR:
		return liftClear(d, true)

	case inst.Op == x86asm.NOT:
		return liftClear(d, false)

	case inst.Op == x86asm.NEG || inst.Op == x86asm.INC || inst.Op == x86asm.DEC:
		return liftClear(d, true)

	case inst.Op == x86asm.BT || inst.Op == x86asm.BTC ||
		inst.Op == x86asm.BTR || inst.Op == x86asm.BTS:
		// Only the carry flag is defined afterwards; invalidating the
		// tracked compare result keeps later branch refinement honest.
		stmts := []Stmt{Clear{Dst: zfReg()}}
		if inst.Op != x86asm.BT {
			if dst, ok := operand(inst.Args[0], d); ok {
				stmts = append(stmts, Clear{Dst: dst, Srcs: []Value{dst}})
			}
		}
		return stmts

	case inst.Op == x86asm.IMUL:
		if inst.Args[1] == nil {
			return liftMulDiv(d)
		}
		return liftClear(d, true)

	case inst.Op == x86asm.MUL || inst.Op == x86asm.DIV || inst.Op == x86asm.IDIV:
		return liftMulDiv(d)

	case inst.Op == x86asm.CDQ || inst.Op == x86asm.CQO || inst.Op == x86asm.CWD:
		rax := Reg{Num: Rax, Size: Size64}
		rdx := Reg{Num: Rdx, Size: Size64}
		return []Stmt{Clear{Dst: rdx, Srcs: []Value{rax}}}

	case inst.Op == x86asm.CBW || inst.Op == x86asm.CWDE || inst.Op == x86asm.CDQE:
		rax := Reg{Num: Rax, Size: Size64}
		return []Stmt{Clear{Dst: rax, Srcs: []Value{rax}}}

	case inst.Op == x86asm.CPUID:
		var stmts []Stmt
		for _, r := range []RegID{Rax, Rbx, Rcx, Rdx} {
			stmts = append(stmts, Clear{Dst: Reg{Num: r, Size: Size64}})
		}
		return stmts

	default:
		return unsup(inst)
	}
}

func liftMov(d Decoded) []Stmt {
	dst, ok := operand(d.Inst.Args[0], d)
	src, ok2 := operand(d.Inst.Args[1], d)
	if !ok || !ok2 {
		return unsup(d.Inst)
	}
	op := Mov
	if d.Inst.Op == x86asm.MOVSX || d.Inst.Op == x86asm.MOVSXD {
		op = MovSX
	}
	return []Stmt{Unop{Op: op, Dst: dst, Src: src}}
}

// liftLea keeps the address arithmetic the analysis understands: rip-relative
// addresses become constants and base+disp becomes an add. Everything else
// clears the destination.
func liftLea(d Decoded) []Stmt {
	dst, ok := operand(d.Inst.Args[0], d)
	m, okm := d.Inst.Args[1].(x86asm.Mem)
	if !ok || !okm {
		return unsup(d.Inst)
	}
	if m.Base == x86asm.RIP || m.Base == x86asm.EIP {
		abs := int64(d.Addr) + int64(d.Inst.Len) + m.Disp
		return []Stmt{Unop{Op: Mov, Dst: dst, Src: Imm64(abs)}}
	}
	base, haveBase := gpRegs[m.Base]
	_, haveIdx := gpRegs[m.Index]
	if haveBase && !haveIdx {
		if m.Disp == 0 {
			return []Stmt{Unop{Op: Mov, Dst: dst, Src: base}}
		}
		return []Stmt{Binop{Op: Add, Dst: dst, Src1: base, Src2: Imm64(m.Disp)}}
	}
	var srcs []Value
	if haveBase {
		srcs = append(srcs, base)
	}
	if idx, okIdx := gpRegs[m.Index]; okIdx {
		srcs = append(srcs, idx)
	}
	return []Stmt{Clear{Dst: dst, Srcs: srcs}}
}

func liftXchg(d Decoded) []Stmt {
	a, ok := operand(d.Inst.Args[0], d)
	b, ok2 := operand(d.Inst.Args[1], d)
	if !ok || !ok2 {
		return unsup(d.Inst)
	}
	srcs := []Value{a, b}
	return []Stmt{Clear{Dst: a, Srcs: srcs}, Clear{Dst: b, Srcs: srcs}}
}

func liftArith(d Decoded, op BinopKind, clearsZF bool) []Stmt {
	dst, ok := operand(d.Inst.Args[0], d)
	src2, ok2 := operand(d.Inst.Args[1], d)
	if !ok || !ok2 {
		return unsup(d.Inst)
	}
	stmts := []Stmt{Binop{Op: op, Dst: dst, Src1: dst, Src2: src2}}
	if clearsZF {
		stmts = append(stmts, Clear{Dst: zfReg(), Srcs: []Value{dst, src2}})
	}
	return stmts
}

// liftXor turns the self-xor zeroing idiom into a constant move; other forms
// lose the destination value.
func liftXor(d Decoded) []Stmt {
	dst, ok := operand(d.Inst.Args[0], d)
	src, ok2 := operand(d.Inst.Args[1], d)
	if !ok || !ok2 {
		return unsup(d.Inst)
	}
	if r0, isReg := d.Inst.Args[0].(x86asm.Reg); isReg {
		if r1, isReg2 := d.Inst.Args[1].(x86asm.Reg); isReg2 && r0 == r1 {
			return []Stmt{
				Unop{Op: Mov, Dst: dst, Src: Imm{Val: 0, Size: sizeOf(dst)}},
				Clear{Dst: zfReg()},
			}
		}
	}
	return []Stmt{
		Clear{Dst: dst, Srcs: []Value{dst, src}},
		Clear{Dst: zfReg(), Srcs: []Value{dst, src}},
	}
}

func liftCompare(d Decoded) []Stmt {
	op := Cmp
	if d.Inst.Op == x86asm.TEST {
		op = Test
	}
	s1, ok := operand(d.Inst.Args[0], d)
	s2, ok2 := operand(d.Inst.Args[1], d)
	if !ok || !ok2 {
		return unsup(d.Inst)
	}
	return []Stmt{Binop{Op: op, Dst: zfReg(), Src1: s1, Src2: s2}}
}

func liftClear(d Decoded, clearsZF bool) []Stmt {
	dst, ok := operand(d.Inst.Args[0], d)
	if !ok {
		return unsup(d.Inst)
	}
	srcs := []Value{dst}
	for _, arg := range d.Inst.Args[1:] {
		if arg == nil {
			break
		}
		v, okv := operand(arg, d)
		if !okv {
			return unsup(d.Inst)
		}
		srcs = append(srcs, v)
	}
	stmts := []Stmt{Clear{Dst: dst, Srcs: srcs}}
	if clearsZF {
		stmts = append(stmts, Clear{Dst: zfReg(), Srcs: srcs})
	}
	return stmts
}

// liftMulDiv covers the one-operand multiply and divide forms, which write
// the rdx:rax pair.
func liftMulDiv(d Decoded) []Stmt {
	src, ok := operand(d.Inst.Args[0], d)
	if !ok {
		return unsup(d.Inst)
	}
	rax := Reg{Num: Rax, Size: Size64}
	rdx := Reg{Num: Rdx, Size: Size64}
	srcs := []Value{src, rax, rdx}
	return []Stmt{
		Clear{Dst: rax, Srcs: srcs},
		Clear{Dst: rdx, Srcs: srcs},
		Clear{Dst: zfReg(), Srcs: srcs},
	}
}

func sizeOf(v Value) ValSize {
	switch x := v.(type) {
	case Reg:
		return x.Size
	case Imm:
		return x.Size
	case Mem:
		return x.Size
	}
	return SizeOther
}

// operand converts one decoder operand. Relative branch displacements become
// absolute addresses.
func operand(arg x86asm.Arg, d Decoded) (Value, bool) {
	switch a := arg.(type) {
	case x86asm.Reg:
		r, ok := gpRegs[a]
		return r, ok
	case x86asm.Imm:
		return Imm{Val: int64(a), Size: dataSize(d.Inst)}, true
	case x86asm.Rel:
		return Imm64(int64(d.Addr) + int64(d.Inst.Len) + int64(a)), true
	case x86asm.Mem:
		return memOperand(a, d)
	}
	return nil, false
}

func dataSize(inst x86asm.Inst) ValSize {
	switch inst.DataSize {
	case 8:
		return Size8
	case 16:
		return Size16
	case 32:
		return Size32
	default:
		return Size64
	}
}

func memWidth(inst x86asm.Inst) (ValSize, bool) {
	switch inst.MemBytes {
	case 1:
		return Size8, true
	case 2:
		return Size16, true
	case 4:
		return Size32, true
	case 8:
		return Size64, true
	}
	return SizeOther, false
}

// memOperand lowers an addressing expression onto the shapes the safety
// rules match. A scale of one folds into plain addition, and an index with
// no base keeps its displacement as the base term.
func memOperand(m x86asm.Mem, d Decoded) (Value, bool) {
	if m.Segment != 0 {
		return nil, false
	}
	sz, ok := memWidth(d.Inst)
	if !ok {
		return nil, false
	}
	if m.Base == x86asm.RIP || m.Base == x86asm.EIP {
		abs := int64(d.Addr) + int64(d.Inst.Len) + m.Disp
		return Mem{Size: sz, Args: MemOne{X: Imm64(abs)}}, true
	}

	base, haveBase := gpRegs[m.Base]
	idx, haveIdx := gpRegs[m.Index]
	if (m.Base != 0 && !haveBase) || (m.Index != 0 && !haveIdx) {
		return nil, false
	}
	scale := int64(m.Scale)

	var args MemArgs
	switch {
	case haveBase && !haveIdx && m.Disp == 0:
		args = MemOne{X: base}
	case haveBase && !haveIdx:
		args = MemTwo{X: base, Y: Imm64(m.Disp)}
	case haveBase && scale <= 1 && m.Disp == 0:
		args = MemTwo{X: base, Y: idx}
	case haveBase && scale <= 1:
		args = MemThree{X: base, Y: idx, Z: Imm64(m.Disp)}
	case haveBase && m.Disp == 0:
		args = MemScale{Base: base, Index: idx, Scale: Imm64(scale)}
	case haveBase:
		args = MemScaleDisp{Base: base, Index: idx, Scale: Imm64(scale), Disp: Imm64(m.Disp)}
	case haveIdx && scale <= 1 && m.Disp == 0:
		args = MemOne{X: idx}
	case haveIdx && scale <= 1:
		args = MemTwo{X: idx, Y: Imm64(m.Disp)}
	case haveIdx:
		args = MemScale{Base: Imm64(m.Disp), Index: idx, Scale: Imm64(scale)}
	default:
		args = MemOne{X: Imm64(m.Disp)}
	}
	return Mem{Size: sz, Args: args}, true
}
