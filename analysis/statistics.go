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
	"github.com/PabstMatthew/veriwasm/analysis/config"
	"github.com/PabstMatthew/veriwasm/analysis/report"
	"github.com/PabstMatthew/veriwasm/internal/funcutil"
)

// Stats summarizes a finished run across all its functions.
type Stats struct {
	NumberOfFunctions    uint
	NumberOfBlocks       uint
	NumberOfInstructions uint
	NumberOfViolations   uint

	// ViolationsByKind counts the violations of each kind over the whole
	// module.
	ViolationsByKind map[report.Kind]uint

	// SlowestFunc took the longest to verify.
	SlowestFunc string
	SlowestTime float64
}

// ComputeStats aggregates the per-function records of a finished run.
func ComputeStats(mod *report.Module) Stats {
	s := Stats{ViolationsByKind: map[report.Kind]uint{}}
	for _, f := range mod.Functions {
		s.NumberOfFunctions++
		s.NumberOfBlocks += uint(f.Blocks)
		s.NumberOfInstructions += uint(f.Insns)
		s.NumberOfViolations += uint(len(f.Violations))
		for _, v := range f.Violations {
			s.ViolationsByKind[v.Kind]++
		}
		if f.Time > s.SlowestTime {
			s.SlowestTime = f.Time
			s.SlowestFunc = f.Name
		}
	}
	return s
}

// Log writes the aggregate statistics, one line per fact, in a fixed order.
func (s Stats) Log(log *config.LogGroup) {
	log.Infof("%d functions, %d blocks, %d instructions analyzed.",
		s.NumberOfFunctions, s.NumberOfBlocks, s.NumberOfInstructions)
	for _, k := range funcutil.OrderedKeys(s.ViolationsByKind) {
		log.Infof("%d violations of kind %s.", s.ViolationsByKind[k], k)
	}
	if s.SlowestFunc != "" {
		log.Debugf("Slowest function: %s (%.2f s).", s.SlowestFunc, s.SlowestTime)
	}
}
