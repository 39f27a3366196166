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

package checkers

import (
	"github.com/PabstMatthew/veriwasm/analysis/absint"
	"github.com/PabstMatthew/veriwasm/analysis/ir"
	"github.com/PabstMatthew/veriwasm/analysis/lattice"
	"github.com/PabstMatthew/veriwasm/analysis/report"
)

// checkMem classifies one memory operand against the isolation rules. Heap,
// globals, and runtime-structure accesses are admitted by classification
// alone; stack accesses go on to the window discipline; everything else is a
// violation.
func (c *checker) checkMem(s *lattice.State, addr uint64, m ir.Mem, write bool) {
	class, _ := c.res.Interp.ClassifyMem(s, m, write)
	switch class {
	case absint.MemUnsafe:
		c.addf(addr, report.UncheckedMemoryAccess, "%s %s is in no permitted region", verb(write), m)
	case absint.MemStack:
		c.checkStackSlot(s, addr, m, write)
	}
}

func verb(write bool) string {
	if write {
		return "store to"
	}
	return "load from"
}
