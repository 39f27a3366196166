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

// Package metadata captures everything the verifier trusts about a module
// without proof: the compiling runtime's data-structure layout, the operator
// supplied region sizes, and the set of functions whose indirect calls the
// operator vouches for. Every entry here widens the trusted computing base,
// so each is explicit and overridable.
package metadata

import (
	"fmt"

	"github.com/PabstMatthew/veriwasm/analysis/ir"
	"github.com/PabstMatthew/veriwasm/analysis/loader"
)

// Runtime identifies the compiler runtime whose conventions the module
// follows.
type Runtime uint8

const (
	// Lucet modules reach their sandbox through the heap base passed in
	// rdi and the lucet_tables/guest_table_0 data symbols.
	Lucet Runtime = iota
	// WAMR modules reach everything through the execution environment
	// passed in rdi.
	WAMR
)

func (r Runtime) String() string {
	switch r {
	case Lucet:
		return "lucet"
	case WAMR:
		return "wamr"
	}
	return fmt.Sprintf("runtime%d", uint8(r))
}

// PageSize is the stack-probe granularity.
const PageSize = 4096

// Lucet layout.
const (
	// LucetGlobalsPtrDisp is the displacement of the globals-pointer slot
	// from the heap base.
	LucetGlobalsPtrDisp = -8
	// LucetTableBoundDisp is the displacement of the table element count
	// within the table header symbol.
	LucetTableBoundDisp = 8
	// LucetStackReadAbove bounds reads of spilled arguments above the
	// entry stack pointer.
	LucetStackReadAbove = 8096
)

// WAMR structure offsets, fixed by the runtime ABI.
const (
	WamrExecEnvModuleInst = 0x10
	WamrExecEnvStackLimit = 0x18
	WamrExecEnvGlobals    = 0x30

	WamrInstException   = 0x98
	WamrInstHeapBase    = 0x150
	WamrInstMemBound    = 0x158
	WamrInstPageCount   = 0x160
	WamrInstFuncTypes   = 0x180
	WamrInstFuncPtrs    = 0x188
	WamrInstFuncIndices = 0x1a8

	// WamrStackReadAbove and WamrStackWindow bound stack accesses around
	// the entry stack pointer.
	WamrStackReadAbove = 4096
	WamrStackWindow    = 12288
)

// wamrCalleeSaved are the System V callee-saved registers, whose values a
// WAMR module must preserve for its embedder.
var wamrCalleeSaved = map[ir.RegID]bool{
	ir.Rbx: true,
	ir.Rbp: true,
	ir.R12: true,
	ir.R13: true,
	ir.R14: true,
	ir.R15: true,
}

// Options are the operator-supplied trust parameters. Zero values mean "not
// supplied": the table bound is then read from the image where the runtime
// stores it, and regions without a size admit no sized access.
type Options struct {
	// TableBound is the exclusive upper bound on indirect-call table
	// indices.
	TableBound int64

	// GlobalsSize is the byte size of the global-variable region.
	GlobalsSize int64

	// Trusted lists Wasm function indices whose indirect-call targets the
	// operator vouches for. Such functions need no in-binary proof for
	// their indirect calls.
	Trusted map[int]bool
}

// ModuleContext is the read-only trust context shared by every per-function
// verification of one module.
type ModuleContext struct {
	Runtime     Runtime
	TableBound  int64
	GlobalsSize int64

	// LucetTables and GuestTable0 are the addresses of the Lucet table
	// header and call-table symbols, zero when absent.
	LucetTables int64
	GuestTable0 int64

	// Probe is the stack-probe helper address, 0 if absent.
	Probe uint64

	pltStart, pltEnd uint64
	trusted          map[int]bool
	funcAddrs        map[uint64]bool
	indexOf          map[uint64]int
}

func newContext(rt Runtime, p *loader.Program, opts Options) *ModuleContext {
	ctx := &ModuleContext{
		Runtime:     rt,
		TableBound:  opts.TableBound,
		GlobalsSize: opts.GlobalsSize,
		Probe:       p.Probe,
		pltStart:    p.PLTStart,
		pltEnd:      p.PLTEnd,
		trusted:     opts.Trusted,
		funcAddrs:   make(map[uint64]bool, len(p.Funcs)),
		indexOf:     make(map[uint64]int, len(p.Funcs)),
	}
	for _, fn := range p.Funcs {
		ctx.funcAddrs[fn.Addr] = true
		if fn.Index >= 0 {
			ctx.indexOf[fn.Addr] = fn.Index
		}
	}
	return ctx
}

// NewLucet builds the context of a Lucet module. The table bound defaults to
// the element count stored in the table header symbol.
func NewLucet(p *loader.Program, opts Options) *ModuleContext {
	ctx := newContext(Lucet, p, opts)
	ctx.LucetTables = int64(p.Objects["lucet_tables"])
	ctx.GuestTable0 = int64(p.Objects["guest_table_0"])
	if ctx.TableBound == 0 && ctx.LucetTables != 0 {
		if n, err := p.ReadWord64(uint64(ctx.LucetTables) + LucetTableBoundDisp); err == nil {
			ctx.TableBound = int64(n)
		}
	}
	return ctx
}

// NewWAMR builds the context of a WAMR ahead-of-time module.
func NewWAMR(p *loader.Program, opts Options) *ModuleContext {
	return newContext(WAMR, p, opts)
}

// ValidCallTarget reports whether a direct call may target addr: a defined
// function, a linkage-table stub, or the stack-probe helper.
func (ctx *ModuleContext) ValidCallTarget(addr uint64) bool {
	return ctx.funcAddrs[addr] || ctx.InPLT(addr) || (addr != 0 && addr == ctx.Probe)
}

// ModuleFunc reports whether addr is the entry of a defined function, which
// is where the calling-convention precondition applies.
func (ctx *ModuleContext) ModuleFunc(addr uint64) bool {
	return ctx.funcAddrs[addr]
}

// InPLT reports whether addr falls inside the procedure linkage table.
func (ctx *ModuleContext) InPLT(addr uint64) bool {
	return addr >= ctx.pltStart && addr < ctx.pltEnd
}

// WasmIndex returns the Wasm function index of the function at addr.
func (ctx *ModuleContext) WasmIndex(addr uint64) (int, bool) {
	i, ok := ctx.indexOf[addr]
	return i, ok
}

// TrustedIndex reports whether the operator vouches for the indirect calls
// of the function with the given Wasm index.
func (ctx *ModuleContext) TrustedIndex(idx int) bool {
	return idx >= 0 && ctx.trusted[idx]
}

// CalleeSaved reports whether reg must be preserved for the embedder. Only
// WAMR modules carry this obligation; Lucet contains corruption within the
// sandboxed process instead.
func (ctx *ModuleContext) CalleeSaved(reg ir.RegID) bool {
	return ctx.Runtime == WAMR && wamrCalleeSaved[reg]
}

// FuncIndsWindow returns the funcind-region window within the module
// instance: the first byte offset and the exclusive end. The window is empty
// when no table bound is known.
func (ctx *ModuleContext) FuncIndsWindow() (lo, hi int64) {
	if ctx.TableBound <= 0 {
		return WamrInstFuncIndices, WamrInstFuncIndices
	}
	return WamrInstFuncIndices, WamrInstFuncIndices + 4*ctx.TableBound
}
