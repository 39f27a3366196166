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

package analysis

import (
	"encoding/binary"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/PabstMatthew/veriwasm/analysis/config"
	"github.com/PabstMatthew/veriwasm/analysis/report"
	"github.com/PabstMatthew/veriwasm/internal/analysistest"
)

// Function bodies in raw x86-64. The safe body reads through the heap base,
// the wild one through an unchecked register, and the vector one uses an SSE
// move the lifter refuses.
var (
	heapLoad   = []byte{0x48, 0x8b, 0x07, 0xc3} // mov rax, [rdi]; ret
	wildLoad   = []byte{0x48, 0x8b, 0x06, 0xc3} // mov rax, [rsi]; ret
	vectorMove = []byte{0x0f, 0x28, 0xc1, 0xc3} // movaps xmm0, xmm1; ret
)

// tableHeader lays out a table header object: a table pointer followed by
// the element count.
func tableHeader(table, count uint64) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b, table)
	binary.LittleEndian.PutUint64(b[8:], count)
	return b
}

func lucetImage() analysistest.Image {
	return analysistest.Image{
		Base: 0x1000,
		Funcs: []analysistest.Sym{
			{Name: "guest_func_start", Addr: 0x1100, Data: heapLoad},
			{Name: "guest_func_wild", Addr: 0x1200, Data: wildLoad},
			{Name: "guest_func_vector", Addr: 0x1300, Data: vectorMove},
			{Name: "lucet_probestack", Addr: 0x1400, Data: []byte{0xc3}},
		},
		Objects: []analysistest.Sym{
			{Name: "lucet_tables", Addr: 0x2000, Data: tableHeader(0x3000, 16)},
			{Name: "guest_table_0", Addr: 0x3000, Data: make([]byte, 128)},
		},
	}
}

func testLogger() *config.LogGroup {
	log := config.NewLogGroup(config.NewDefault())
	log.SetAllOutput(io.Discard)
	return log
}

func TestVerifyModuleVerdicts(t *testing.T) {
	prog, err := LoadProgram(lucetImage().Write(t))
	if err != nil {
		t.Fatalf("Error loading program: %v", err)
	}
	defer prog.Close()

	mod := VerifyModule(config.NewDefault(), testLogger(), prog)
	if len(mod.Functions) != 3 {
		t.Fatalf("expected 3 verdicts (the probe helper is not verified), got %d", len(mod.Functions))
	}

	start, wild, vector := mod.Functions[0], mod.Functions[1], mod.Functions[2]
	if start.Name != "guest_func_start" || start.Verdict != report.Safe {
		t.Errorf("%s: %s, want safe", start.Name, start.Verdict)
	}
	if len(start.Violations) != 0 || start.Blocks != 1 || start.Insns != 2 {
		t.Errorf("unexpected record for %s: %+v", start.Name, start)
	}

	if wild.Verdict != report.Unsafe || len(wild.Violations) != 1 {
		t.Fatalf("%s: %s with %d violations, want unsafe with 1", wild.Name, wild.Verdict, len(wild.Violations))
	}
	if v := wild.Violations[0]; v.Kind != report.UncheckedMemoryAccess || v.Addr != 0x1200 {
		t.Errorf("unexpected violation %v", v)
	}

	if vector.Verdict != report.Unsupported || !strings.Contains(vector.Reason, "MOVAPS") {
		t.Errorf("%s: %s (%s), want unsupported due to MOVAPS", vector.Name, vector.Verdict, vector.Reason)
	}

	if mod.Verdict != report.Unsafe {
		t.Errorf("module verdict %s, want unsafe", mod.Verdict)
	}
	if mod.Safe != 1 || mod.Unsafe != 1 || mod.Unsupported != 1 {
		t.Errorf("counts %d/%d/%d, want 1/1/1", mod.Safe, mod.Unsafe, mod.Unsupported)
	}

	stats := ComputeStats(mod)
	if stats.NumberOfFunctions != 3 || stats.NumberOfViolations != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.ViolationsByKind[report.UncheckedMemoryAccess] != 1 {
		t.Errorf("violations by kind not aggregated: %v", stats.ViolationsByKind)
	}
}

func TestVerifyModuleDeterministicAcrossWorkers(t *testing.T) {
	prog, err := LoadProgram(lucetImage().Write(t))
	if err != nil {
		t.Fatalf("Error loading program: %v", err)
	}
	defer prog.Close()

	serial := config.NewDefault()
	parallel := config.NewDefault()
	parallel.Jobs = 4

	a := VerifyModule(serial, testLogger(), prog)
	b := VerifyModule(parallel, testLogger(), prog)
	scrubTimes(a)
	scrubTimes(b)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("verdicts depend on the worker count:\n%+v\n%+v", a, b)
	}
}

// scrubTimes zeroes the wall-clock fields, which legitimately vary between
// runs.
func scrubTimes(m *report.Module) {
	m.Elapsed = 0
	m.Jobs = 0
	for i := range m.Functions {
		m.Functions[i].Time = 0
	}
}

func TestVerifyModuleFuncFilter(t *testing.T) {
	prog, err := LoadProgram(lucetImage().Write(t))
	if err != nil {
		t.Fatalf("Error loading program: %v", err)
	}
	defer prog.Close()

	cfg := config.NewDefault()
	cfg.FuncFilter = "wild"
	mod := VerifyModule(cfg, testLogger(), prog)
	if len(mod.Functions) != 1 || mod.Functions[0].Name != "guest_func_wild" {
		t.Errorf("filter %q selected %v", cfg.FuncFilter, mod.Functions)
	}
}
