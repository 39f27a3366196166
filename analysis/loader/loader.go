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

// Package loader opens a natively compiled module and exposes its functions
// as decoded instruction streams. Only x86-64 ELF images are accepted; any
// load failure is fatal to the whole run, unlike per-function analysis
// failures.
package loader

import (
	"debug/elf"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/PabstMatthew/veriwasm/analysis/ir"
	"golang.org/x/arch/x86/x86asm"
)

// probeNames are the stack-probe helper symbols emitted by the supported
// toolchains.
var probeNames = []string{"lucet_probestack", "__rust_probestack"}

var funcIndexRE = regexp.MustCompile(`#(\d+)$`)

// Func is one defined function symbol.
type Func struct {
	Name string
	Addr uint64
	Size uint64

	// Index is the Wasm function index recovered from the symbol name,
	// or -1 when the name carries none.
	Index int
}

// Program is a loaded module image. Funcs holds every defined function
// symbol sorted by address; callers choose which subset to verify.
type Program struct {
	Path  string
	Funcs []Func

	// Objects maps defined data symbols to their addresses. The runtime
	// table headers are looked up here.
	Objects map[string]uint64

	// PLTStart and PLTEnd delimit the procedure linkage table, both zero
	// when the image has none.
	PLTStart uint64
	PLTEnd   uint64

	// Probe is the address of the stack-probe helper, 0 if absent.
	Probe uint64

	file *elf.File
}

// Load opens and indexes a module image.
func Load(path string) (*Program, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open module %s: %w", path, err)
	}
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		f.Close()
		return nil, fmt.Errorf("module %s is not an x86-64 ELF image", path)
	}

	p := &Program{Path: path, Objects: map[string]uint64{}, file: f}
	syms, err := f.Symbols()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("could not read symbols of %s: %w", path, err)
	}
	for _, sym := range syms {
		if sym.Section == elf.SHN_UNDEF || sym.Value == 0 {
			continue
		}
		if elf.ST_TYPE(sym.Info) == elf.STT_OBJECT {
			p.Objects[sym.Name] = sym.Value
			continue
		}
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Size == 0 {
			continue
		}
		for _, probe := range probeNames {
			if sym.Name == probe {
				p.Probe = sym.Value
			}
		}
		p.Funcs = append(p.Funcs, Func{
			Name:  sym.Name,
			Addr:  sym.Value,
			Size:  sym.Size,
			Index: FuncIndex(sym.Name),
		})
	}
	sort.Slice(p.Funcs, func(i, j int) bool {
		if p.Funcs[i].Addr != p.Funcs[j].Addr {
			return p.Funcs[i].Addr < p.Funcs[j].Addr
		}
		return p.Funcs[i].Name < p.Funcs[j].Name
	})

	if plt := f.Section(".plt"); plt != nil {
		p.PLTStart = plt.Addr
		p.PLTEnd = plt.Addr + plt.Size
	}
	return p, nil
}

// Close releases the underlying image.
func (p *Program) Close() error {
	if p.file == nil {
		return nil
	}
	return p.file.Close()
}

// FuncIndex recovers the Wasm function index from a symbol name of the form
// prefix#N, as emitted for ahead-of-time compiled functions. It returns -1
// for any other name.
func FuncIndex(name string) int {
	m := funcIndexRE.FindStringSubmatch(name)
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}

// InPLT reports whether addr falls inside the procedure linkage table.
func (p *Program) InPLT(addr uint64) bool {
	return addr >= p.PLTStart && addr < p.PLTEnd
}

// ReadVA reads n bytes of the image at virtual address addr, for jump-table
// extraction.
func (p *Program) ReadVA(addr uint64, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative read of %d bytes at %#x", n, addr)
	}
	for _, prog := range p.file.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if addr < prog.Vaddr || addr+uint64(n) > prog.Vaddr+prog.Filesz {
			continue
		}
		buf := make([]byte, n)
		if _, err := prog.ReadAt(buf, int64(addr-prog.Vaddr)); err != nil {
			return nil, fmt.Errorf("could not read %d bytes at %#x: %w", n, addr, err)
		}
		return buf, nil
	}
	return nil, fmt.Errorf("address %#x is not mapped by the image", addr)
}

// ReadWord32 reads a little-endian 32-bit word at addr.
func (p *Program) ReadWord32(addr uint64) (uint32, error) {
	b, err := p.ReadVA(addr, 4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// ReadWord64 reads a little-endian 64-bit word at addr.
func (p *Program) ReadWord64(addr uint64) (uint64, error) {
	b, err := p.ReadVA(addr, 8)
	if err != nil {
		return 0, err
	}
	var w uint64
	for i := 7; i >= 0; i-- {
		w = w<<8 | uint64(b[i])
	}
	return w, nil
}

// Disassemble decodes the body of fn into the instruction stream the lifter
// consumes. A byte sequence the decoder rejects makes the whole function
// undecodable; the caller reports such functions as unsupported rather than
// guessing at instruction boundaries.
func (p *Program) Disassemble(fn Func) ([]ir.Decoded, error) {
	code, err := p.ReadVA(fn.Addr, int(fn.Size))
	if err != nil {
		return nil, err
	}
	var out []ir.Decoded
	off := 0
	for off < len(code) {
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return nil, fmt.Errorf("undecodable instruction in %s at %#x: %w",
				fn.Name, fn.Addr+uint64(off), err)
		}
		out = append(out, ir.Decoded{Addr: fn.Addr + uint64(off), Inst: inst})
		off += inst.Len
	}
	return out, nil
}
