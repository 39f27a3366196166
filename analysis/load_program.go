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
	"fmt"

	"github.com/PabstMatthew/veriwasm/analysis/config"
	"github.com/PabstMatthew/veriwasm/analysis/loader"
	"github.com/PabstMatthew/veriwasm/analysis/metadata"
)

// LoadProgram opens and indexes the module image at path. Failures here are
// process-level: a module that cannot be loaded has no per-function verdicts
// at all.
func LoadProgram(path string) (*loader.Program, error) {
	prog, err := loader.Load(path)
	if err != nil {
		return nil, err
	}
	if len(prog.Funcs) == 0 {
		prog.Close()
		return nil, fmt.Errorf("module %s defines no functions", path)
	}
	return prog, nil
}

// NewModuleContext derives the trust context every per-function verification
// of prog shares, from the operator's configuration. The table bound and
// globals size are trust parameters: a module proven safe under one
// parameter set is not proven safe under another.
func NewModuleContext(cfg *config.Config, prog *loader.Program) *metadata.ModuleContext {
	opts := metadata.Options{
		TableBound:  cfg.TableSize,
		GlobalsSize: cfg.GlobalsSize,
		Trusted:     cfg.Trusted(),
	}
	if cfg.Wamr {
		return metadata.NewWAMR(prog, opts)
	}
	return metadata.NewLucet(prog, opts)
}
