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

// Package analysistest builds synthetic module images for tests. An Image
// assembles into a structurally valid x86-64 ELF file with a symbol table
// and one loadable segment, so tests can exercise the whole load-and-verify
// pipeline without shipping binary fixtures.
package analysistest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// Sym is one placed symbol: a function body or a data object.
type Sym struct {
	Name string
	Addr uint64
	Data []byte
}

// Image describes a synthetic module: function and object symbols placed at
// explicit virtual addresses, all at or above Base, inside one loadable
// read-execute segment. Gaps between symbols are zero-filled.
type Image struct {
	Base    uint64
	Funcs   []Sym
	Objects []Sym

	// PLTStart and PLTSize delimit an optional .plt section.
	PLTStart uint64
	PLTSize  uint64
}

const (
	ehsize    = 64
	phentsize = 56
	shentsize = 64
	symsize   = 24
)

// Write writes the assembled image under t.TempDir and returns its path.
func (img Image) Write(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "module.so")
	if err := os.WriteFile(path, img.Bytes(), 0o600); err != nil {
		t.Fatalf("Error writing synthetic image: %v", err)
	}
	return path
}

// Bytes assembles the image into an ELF file.
func (img Image) Bytes() []byte {
	base, end := img.span()
	span := end - base

	hasPLT := img.PLTSize != 0
	// Sections: NULL, .text, optional .plt, .symtab, .strtab, .shstrtab.
	nsec := 5
	if hasPLT {
		nsec = 6
	}

	textOff := uint64(ehsize + phentsize)
	blob := make([]byte, span)
	for _, s := range img.Funcs {
		img.place(blob, s)
	}
	for _, s := range img.Objects {
		img.place(blob, s)
	}

	syms, strtab := img.symtab()
	symOff := textOff + span
	strOff := symOff + uint64(len(syms))
	shstr, names := shstrtab(hasPLT)
	shstrOff := strOff + uint64(len(strtab))
	shOff := (shstrOff + uint64(len(shstr)) + 7) &^ 7

	var w writer

	// ELF header
	w.bytes([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	w.u16(3)  // ET_DYN
	w.u16(62) // EM_X86_64
	w.u32(1)
	w.u64(base)
	w.u64(ehsize)
	w.u64(shOff)
	w.u32(0)
	w.u16(ehsize)
	w.u16(phentsize)
	w.u16(1)
	w.u16(shentsize)
	w.u16(uint16(nsec))
	w.u16(uint16(nsec - 1))

	// One PT_LOAD covering every placed symbol
	w.u32(1) // PT_LOAD
	w.u32(5) // R+X
	w.u64(textOff)
	w.u64(base)
	w.u64(base)
	w.u64(span)
	w.u64(span)
	w.u64(1)

	w.bytes(blob)
	w.bytes(syms)
	w.bytes(strtab)
	w.bytes(shstr)
	w.pad(int(shOff - (shstrOff + uint64(len(shstr)))))

	shdr := func(name uint32, typ uint32, addr, off, size uint64, link uint32, entsize uint64) {
		w.u32(name)
		w.u32(typ)
		if addr != 0 {
			w.u64(6) // ALLOC|EXECINSTR
		} else {
			w.u64(0)
		}
		w.u64(addr)
		w.u64(off)
		w.u64(size)
		w.u32(link)
		w.u32(0)
		w.u64(0)
		w.u64(entsize)
	}
	shdr(0, 0, 0, 0, 0, 0, 0) // NULL
	shdr(names[".text"], 1, base, textOff, span, 0, 0)
	if hasPLT {
		shdr(names[".plt"], 1, img.PLTStart, textOff+(img.PLTStart-base), img.PLTSize, 0, 0)
	}
	strndx := uint32(nsec - 2)
	shdr(names[".symtab"], 2, 0, symOff, uint64(len(syms)), strndx, symsize)
	shdr(names[".strtab"], 3, 0, strOff, uint64(len(strtab)), 0, 0)
	shdr(names[".shstrtab"], 3, 0, shstrOff, uint64(len(shstr)), 0, 0)

	return w.buf.Bytes()
}

func (img Image) place(blob []byte, s Sym) {
	if s.Addr < img.Base {
		panic(fmt.Sprintf("symbol %s at %#x lies below the image base %#x", s.Name, s.Addr, img.Base))
	}
	copy(blob[s.Addr-img.Base:], s.Data)
}

func (img Image) span() (base, end uint64) {
	base = img.Base
	end = base
	ext := func(addr, size uint64) {
		if addr+size > end {
			end = addr + size
		}
	}
	for _, s := range img.Funcs {
		ext(s.Addr, uint64(len(s.Data)))
	}
	for _, s := range img.Objects {
		ext(s.Addr, uint64(len(s.Data)))
	}
	if img.PLTSize != 0 {
		ext(img.PLTStart, img.PLTSize)
	}
	return base, end
}

// symtab lays out the symbol table and its string table. Every symbol is
// global and attached to .text; the distinction the loader cares about is
// FUNC versus OBJECT.
func (img Image) symtab() (table, strtab []byte) {
	var names writer
	names.u8(0)
	var w writer
	w.pad(symsize) // null entry
	sym := func(s Sym, info uint8) {
		nameOff := uint32(names.buf.Len())
		names.bytes([]byte(s.Name))
		names.u8(0)
		w.u32(nameOff)
		w.u8(info)
		w.u8(0)
		w.u16(1) // defined in .text
		w.u64(s.Addr)
		w.u64(uint64(len(s.Data)))
	}
	for _, s := range img.Funcs {
		sym(s, 0x12) // GLOBAL, FUNC
	}
	for _, s := range img.Objects {
		sym(s, 0x11) // GLOBAL, OBJECT
	}
	return w.buf.Bytes(), names.buf.Bytes()
}

func shstrtab(hasPLT bool) ([]byte, map[string]uint32) {
	var w writer
	w.u8(0)
	names := map[string]uint32{}
	add := func(n string) {
		names[n] = uint32(w.buf.Len())
		w.bytes([]byte(n))
		w.u8(0)
	}
	add(".text")
	if hasPLT {
		add(".plt")
	}
	add(".symtab")
	add(".strtab")
	add(".shstrtab")
	return w.buf.Bytes(), names
}

// writer accumulates little-endian fields.
type writer struct{ buf bytes.Buffer }

func (w *writer) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *writer) u16(v uint16) { w.word(2, uint64(v)) }
func (w *writer) u32(v uint32) { w.word(4, uint64(v)) }
func (w *writer) u64(v uint64) { w.word(8, v) }

func (w *writer) word(n int, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:n])
}

func (w *writer) bytes(b []byte) { w.buf.Write(b) }
func (w *writer) pad(n int)      { w.buf.Write(make([]byte, n)) }
