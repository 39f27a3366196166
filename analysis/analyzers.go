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

// Package analysis contains the module-level verification driver: it turns a
// loaded module into per-function jobs, runs them across a worker pool, and
// aggregates the verdicts into a module report.
package analysis

import (
	"fmt"
	"time"

	"github.com/PabstMatthew/veriwasm/analysis/absint"
	"github.com/PabstMatthew/veriwasm/analysis/checkers"
	"github.com/PabstMatthew/veriwasm/analysis/config"
	"github.com/PabstMatthew/veriwasm/analysis/ir"
	"github.com/PabstMatthew/veriwasm/analysis/loader"
	"github.com/PabstMatthew/veriwasm/analysis/metadata"
	"github.com/PabstMatthew/veriwasm/analysis/report"
	"github.com/PabstMatthew/veriwasm/internal/funcutil"
)

// Version is reported by the command-line front end.
const Version = "v0.2.0"

// funcJob is the unit of parallel work: one function verified against the
// shared read-only module context.
type funcJob struct {
	prog *loader.Program
	ctx  *metadata.ModuleContext
	log  *config.LogGroup
	fn   loader.Func
}

// VerifyModule verifies every function of prog selected by cfg and
// aggregates the per-function verdicts. Verdicts are deterministic and
// independent of the worker count: jobs are issued in address order and
// collected back in that order regardless of completion order.
func VerifyModule(cfg *config.Config, log *config.LogGroup, prog *loader.Program) *report.Module {
	ctx := NewModuleContext(cfg, prog)
	start := time.Now()

	var jobs []funcJob
	for _, fn := range prog.Funcs {
		if ctx.Probe != 0 && fn.Addr == ctx.Probe {
			// The probe helper touches pages below the caller's frame
			// and is runtime code, not verified guest code.
			continue
		}
		if !cfg.MatchFunc(fn.Name) {
			continue
		}
		jobs = append(jobs, funcJob{prog: prog, ctx: ctx, log: log, fn: fn})
	}

	log.Infof("Verifying %d functions of %s (%s layout) ...", len(jobs), prog.Path, ctx.Runtime)
	fns := funcutil.MapParallel(jobs, verifyFunc, cfg.Jobs)
	mod := report.Summarize(prog.Path, ctx.Runtime.String(), fns)
	mod.Elapsed = time.Since(start).Seconds()
	mod.Jobs = cfg.Jobs
	log.Infof("Verification done (%.2f s): %d safe, %d unsafe, %d unsupported.",
		mod.Elapsed, mod.Safe, mod.Unsafe, mod.Unsupported)
	return mod
}

// verifyFunc runs the per-function pipeline: disassemble, lift, analyze to a
// fixpoint, then replay the converged states through the policy checkers.
// Every failure mode short of a violation becomes an Unsupported verdict; a
// panic anywhere in the pipeline is converted too, so one function cannot
// take down the module run.
func verifyFunc(job funcJob) (rec report.Function) {
	rec = report.Function{Name: job.fn.Name, Addr: job.fn.Addr, Index: job.fn.Index}
	start := time.Now()
	defer func() {
		rec.Time = time.Since(start).Seconds()
		if r := recover(); r != nil {
			rec.Verdict = report.Unsupported
			rec.Reason = fmt.Sprintf("internal error: %v", r)
			rec.Violations = nil
			job.log.Errorf("%s: %s", job.fn.Name, rec.Reason)
		}
	}()

	job.log.Debugf("Verifying %-40s at %#x ...", job.fn.Name, job.fn.Addr)

	decoded, err := job.prog.Disassemble(job.fn)
	if err != nil {
		rec.Verdict = report.Unsupported
		rec.Reason = err.Error()
		return rec
	}
	insns := ir.Lift(decoded, job.ctx.Probe)
	rec.Insns = len(insns)
	if len(insns) == 0 {
		// An empty body satisfies every rule.
		return rec
	}
	if op, addr, ok := firstUnsupported(insns); ok {
		rec.Verdict = report.Unsupported
		rec.Reason = fmt.Sprintf("unsupported instruction %s at %#x", op, addr)
		return rec
	}

	engine := &absint.Engine{Ctx: job.ctx, Img: job.prog}
	res, err := engine.Analyze(job.fn.Addr, insns)
	if err != nil {
		rec.Verdict = report.Unsupported
		rec.Reason = err.Error()
		return rec
	}
	rec.Blocks = len(res.Graph.BlockList())

	rec.Violations = checkers.Check(job.ctx, res, job.fn.Name, job.fn.Index)
	if len(rec.Violations) > 0 {
		rec.Verdict = report.Unsafe
	}
	job.log.Debugf("%-40s %s (%d blocks, %d instructions)",
		job.fn.Name, rec.Verdict, rec.Blocks, rec.Insns)
	return rec
}

// firstUnsupported scans a lifted body for a statement outside the modeled
// subset. One is enough to abstain on the whole function.
func firstUnsupported(insns []ir.Lifted) (string, uint64, bool) {
	for _, insn := range insns {
		for _, st := range insn.Stmts {
			if u, ok := st.(ir.Unsupported); ok {
				return u.Op, insn.Addr, true
			}
		}
	}
	return "", 0, false
}
