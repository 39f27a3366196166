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

// veriwasm: a static verifier for natively compiled WebAssembly modules.
// It re-derives, from the machine code alone, that every memory access stays
// inside the sandbox and every indirect control transfer lands on a target
// the runtime would have permitted.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/PabstMatthew/veriwasm/analysis"
	"github.com/PabstMatthew/veriwasm/analysis/config"
	"github.com/PabstMatthew/veriwasm/analysis/report"
)

// flags
var (
	configPath  = ""
	wamrFlag    = false
	tableSize   = int64(0)
	globalsSize = int64(config.DefaultGlobalsSize)
	trustedFlag = ""
	jobs        = config.DefaultJobs
	reportFile  = ""
	quietFlag   = false
	funcFilter  = ""
	verboseFlag = false
	versionFlag = false
)

func init() {
	flag.StringVar(&configPath, "config", "", "config file holding the module's trust parameters")
	flag.BoolVar(&wamrFlag, "wamr", false, "module uses the WAMR ahead-of-time layout")
	flag.Int64Var(&tableSize, "table-size", 0, "indirect-call table bound (0 reads it from the image)")
	flag.Int64Var(&globalsSize, "global-region-size", config.DefaultGlobalsSize,
		"byte size of the global-variable region")
	flag.StringVar(&trustedFlag, "trusted", "", "comma-separated Wasm function indices to trust for indirect calls")
	flag.IntVar(&jobs, "jobs", config.DefaultJobs, "number of functions verified in parallel")
	flag.StringVar(&reportFile, "report", "", "write the JSON report to this file")
	flag.BoolVar(&quietFlag, "quiet", false, "only report functions that fail to verify")
	flag.StringVar(&funcFilter, "func-filter", "", "only verify functions whose name matches")
	flag.BoolVar(&verboseFlag, "verbose", false, "verbose printing on standard output")
	flag.BoolVar(&versionFlag, "version", false, "print the version and exit")
}

const usage = `Verify the memory and control-flow isolation of a natively compiled
WebAssembly module.

Usage:
  veriwasm [options] module.so

Examples:
% veriwasm module.so
% veriwasm -wamr -table-size 1024 -jobs 8 -report report.json module.aot.so

Use the -help flag to display the options.
`

func main() {
	if err := doMain(); err != nil {
		fmt.Fprintf(os.Stderr, "veriwasm: %s\n", err)
		os.Exit(1)
	}
}

func doMain() error {
	flag.Parse()

	if versionFlag {
		fmt.Println(analysis.Version)
		return nil
	}
	if flag.NArg() != 1 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cfg, err := makeConfig()
	if err != nil {
		return err
	}
	logger := config.NewLogGroup(cfg)

	prog, err := analysis.LoadProgram(flag.Arg(0))
	if err != nil {
		return err
	}
	defer prog.Close()

	mod := analysis.VerifyModule(cfg, logger, prog)
	analysis.ComputeStats(mod).Log(logger)

	if cfg.ReportFile != "" {
		if err := writeReport(mod, cfg.ReportFile); err != nil {
			return err
		}
		logger.Infof("Wrote report to %s.", cfg.ReportFile)
	}
	mod.WriteConsole(os.Stdout, cfg.Quiet)

	// Exit code 2 distinguishes a module that fails verification from a
	// module that cannot be loaded at all.
	if mod.Verdict != report.Safe {
		os.Exit(2)
	}
	return nil
}

// makeConfig builds the run configuration: the config file when one is
// given, with every flag set on the command line applied on top.
func makeConfig() (*config.Config, error) {
	cfg := config.NewDefault()
	if configPath != "" {
		config.SetGlobalConfig(configPath)
		loaded, err := config.LoadGlobal()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	var perr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "wamr":
			cfg.Wamr = wamrFlag
		case "table-size":
			cfg.TableSize = tableSize
		case "global-region-size":
			cfg.GlobalsSize = globalsSize
		case "trusted":
			ts, err := parseTrusted(trustedFlag)
			if err != nil {
				perr = err
				return
			}
			cfg.TrustedIndices = ts
		case "jobs":
			cfg.Jobs = jobs
		case "report":
			cfg.ReportFile = reportFile
		case "quiet":
			cfg.Quiet = quietFlag
		case "func-filter":
			cfg.SetFuncFilter(funcFilter)
		}
	})
	if perr != nil {
		return nil, perr
	}

	if verboseFlag {
		cfg.LogLevel = int(config.DebugLevel)
	}
	if cfg.Quiet {
		cfg.LogLevel = int(config.ErrLevel)
	}
	return cfg, nil
}

func parseTrusted(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid trusted function index %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

func writeReport(mod *report.Module, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not create report file: %w", err)
	}
	defer f.Close()
	if err := mod.WriteJSON(f); err != nil {
		return fmt.Errorf("could not write report: %w", err)
	}
	return nil
}
