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

// Package report defines the verifier's output: per-function verdicts with
// their violations, the module summary, and the JSON and console renderings.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/PabstMatthew/veriwasm/internal/formatutil"
)

// Kind classifies a violation.
type Kind uint8

const (
	// UncheckedMemoryAccess is a memory access no isolation rule admits.
	UncheckedMemoryAccess Kind = iota
	// StackOutOfBounds is a stack access outside the permitted window.
	StackOutOfBounds
	// CalleeSaveClobbered is a write to an unsaved callee-saved register,
	// or a save still outstanding at return.
	CalleeSaveClobbered
	// UnbalancedFrame is a return with the stack pointer away from its
	// entry value.
	UnbalancedFrame
	// IndirectCallViolation is an indirect call through anything but a
	// table-loaded code pointer.
	IndirectCallViolation
	// IndirectJumpViolation is an indirect jump that resolution did not
	// pin to a jump table.
	IndirectJumpViolation
	// UntrustedCallTarget is a direct call to an address that is not a
	// known function.
	UntrustedCallTarget
	// CallContextViolation is a call without the runtime context register
	// the callee requires.
	CallContextViolation
)

var kindNames = [...]string{
	"unchecked-memory-access",
	"stack-out-of-bounds",
	"callee-save-clobbered",
	"unbalanced-frame",
	"indirect-call",
	"indirect-jump",
	"untrusted-call-target",
	"call-context",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind%d", uint8(k))
}

// MarshalText keeps kinds stable strings in JSON output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Violation is one policy breach at one instruction.
type Violation struct {
	Func string `json:"func"`
	Addr uint64 `json:"addr"`
	Kind Kind   `json:"kind"`
	Msg  string `json:"msg"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%#x (%s): %s: %s", v.Addr, v.Func, v.Kind, v.Msg)
}

// Verdict is the outcome for one function or a whole module.
type Verdict uint8

const (
	// Safe means every rule was proven to hold.
	Safe Verdict = iota
	// Unsafe means at least one violation was found.
	Unsafe
	// Unsupported means the proof could not be attempted, most often
	// because of instructions outside the modeled subset.
	Unsupported
)

var verdictNames = [...]string{"safe", "unsafe", "unsupported"}

func (v Verdict) String() string {
	if int(v) < len(verdictNames) {
		return verdictNames[v]
	}
	return fmt.Sprintf("verdict%d", uint8(v))
}

// MarshalText keeps verdicts stable strings in JSON output.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Function is the verdict for one compiled function.
type Function struct {
	Name string `json:"name"`
	Addr uint64 `json:"addr"`

	// Index is the Wasm function index, -1 when the symbol name does not
	// carry one.
	Index int `json:"index"`

	Verdict Verdict `json:"verdict"`

	// Reason says why a function is unsupported.
	Reason string `json:"reason,omitempty"`

	Violations []Violation `json:"violations,omitempty"`

	// Blocks and Insns size the analyzed body; both are zero when the
	// analysis never got as far as a control-flow graph.
	Blocks int `json:"blocks"`
	Insns  int `json:"insns"`

	// Time is the analysis wall time in seconds.
	Time float64 `json:"time"`
}

// Module is the aggregate result for one binary.
type Module struct {
	Path        string     `json:"path"`
	Runtime     string     `json:"runtime"`
	Verdict     Verdict    `json:"verdict"`
	Safe        int        `json:"safe"`
	Unsafe      int        `json:"unsafe"`
	Unsupported int        `json:"unsupported"`

	// Elapsed is the wall time of the whole run in seconds, under Jobs
	// parallel workers.
	Elapsed float64 `json:"elapsed"`
	Jobs    int     `json:"jobs"`

	Functions []Function `json:"functions"`
}

// Summarize orders the functions by address and derives the counters and the
// module verdict. A module is safe only when every function is.
func Summarize(path, runtime string, fns []Function) *Module {
	sort.Slice(fns, func(i, j int) bool { return fns[i].Addr < fns[j].Addr })
	m := &Module{Path: path, Runtime: runtime, Functions: fns}
	for _, f := range fns {
		switch f.Verdict {
		case Safe:
			m.Safe++
		case Unsafe:
			m.Unsafe++
		default:
			m.Unsupported++
		}
	}
	switch {
	case m.Unsafe > 0:
		m.Verdict = Unsafe
	case m.Unsupported > 0:
		m.Verdict = Unsupported
	default:
		m.Verdict = Safe
	}
	return m
}

// WriteJSON writes the machine-readable rendering.
func (m *Module) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

func colorVerdict(v Verdict) string {
	switch v {
	case Safe:
		return formatutil.Green(v.String())
	case Unsafe:
		return formatutil.Red(v.String())
	}
	return formatutil.Yellow(v.String())
}

// WriteConsole writes the human rendering. With quiet set, functions that
// proved safe are elided and only problems and the summary line remain.
func (m *Module) WriteConsole(w io.Writer, quiet bool) {
	for _, f := range m.Functions {
		if quiet && f.Verdict == Safe {
			continue
		}
		fmt.Fprintf(w, "%#x %s %s", f.Addr, formatutil.Bold(formatutil.Sanitize(f.Name)), colorVerdict(f.Verdict))
		if f.Reason != "" {
			fmt.Fprintf(w, " (%s)", f.Reason)
		}
		fmt.Fprintln(w)
		for _, v := range f.Violations {
			fmt.Fprintf(w, "  %#x %s: %s\n", v.Addr, v.Kind, v.Msg)
		}
	}
	fmt.Fprintf(w, "%s: %d safe, %d unsafe, %d unsupported: %s\n",
		formatutil.Bold(m.Path), m.Safe, m.Unsafe, m.Unsupported, colorVerdict(m.Verdict))
}
