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

package config

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// The global config file
	configFile string
)

// SetGlobalConfig sets the global config filename
func SetGlobalConfig(filename string) {
	configFile = filename
}

// LoadGlobal loads the config file that has been set by SetGlobalConfig
func LoadGlobal() (*Config, error) {
	return Load(configFile)
}

// Config holds the verification parameters for one module. Every field has a
// command-line counterpart; a config file is the way to keep a module's
// trust parameters (table bound, globals size, trusted indices) next to the
// module itself.
// If some field is not defined in the config file, it will be empty/zero in
// the struct. Private fields are not populated from a yaml file, but
// computed after initialization.
type Config struct {
	sourceFile string

	// Wamr selects the WAMR ahead-of-time layout instead of the Lucet
	// layout.
	Wamr bool `yaml:"wamr"`

	// TableSize is the exclusive bound on indirect-call table indices.
	// Zero reads the bound from where the runtime stores it in the
	// binary.
	TableSize int64 `yaml:"table-size"`

	// GlobalsSize is the byte size of the global-variable region.
	GlobalsSize int64 `yaml:"global-region-size"`

	// TrustedIndices lists Wasm function indices whose indirect calls the
	// operator vouches for. Functions with these indices need no
	// in-binary proof for their indirect call targets.
	TrustedIndices []int `yaml:"trusted-indices"`

	// Jobs is the number of functions verified in parallel.
	Jobs int `yaml:"jobs"`

	// ReportFile names the file receiving the JSON report, empty for
	// none.
	ReportFile string `yaml:"report-file"`

	// Quiet elides functions that verify safe from the console output.
	Quiet bool `yaml:"quiet"`

	// FuncFilter restricts verification to functions whose name matches.
	FuncFilter string `yaml:"func-filter"`

	// if the FuncFilter is specified
	funcFilterRegex *regexp.Regexp

	// LogLevel controls the verbosity of the tool
	LogLevel int `yaml:"log-level"`
}

// NewDefault returns the default config: Lucet layout, a one-page globals
// region, one job.
func NewDefault() *Config {
	return &Config{
		GlobalsSize: DefaultGlobalsSize,
		Jobs:        DefaultJobs,
		LogLevel:    int(InfoLevel),
	}
}

// Load reads a configuration from a file
func Load(filename string) (*Config, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}
	return Parse(filename, b)
}

// Parse builds a configuration from the contents of a config file. The
// filename is recorded so that relative paths resolve against the file's
// directory.
func Parse(filename string, b []byte) (*Config, error) {
	cfg := NewDefault()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("could not unmarshal config file: %w", err)
	}
	cfg.sourceFile = filename

	// If logLevel has not been specified (i.e. it is 0) set the default to Info
	if cfg.LogLevel == 0 {
		cfg.LogLevel = int(InfoLevel)
	}

	// Zero sizes and job counts mean "not set"
	if cfg.GlobalsSize <= 0 {
		cfg.GlobalsSize = DefaultGlobalsSize
	}
	if cfg.Jobs <= 0 {
		cfg.Jobs = DefaultJobs
	}

	cfg.SetFuncFilter(cfg.FuncFilter)

	return cfg, nil
}

// SetFuncFilter sets the function filter, compiling it as a regex when
// possible. A filter that does not compile still works through substring
// matching in MatchFunc.
func (c *Config) SetFuncFilter(filter string) {
	c.FuncFilter = filter
	c.funcFilterRegex = nil
	if filter == "" {
		return
	}
	if r, err := regexp.Compile(filter); err == nil {
		c.funcFilterRegex = r
	}
}

// Trusted returns the trusted Wasm function indices as a set.
func (c Config) Trusted() map[int]bool {
	if len(c.TrustedIndices) == 0 {
		return nil
	}
	t := make(map[int]bool, len(c.TrustedIndices))
	for _, i := range c.TrustedIndices {
		t[i] = true
	}
	return t
}

// RelPath returns filename path relative to the config source file
func (c Config) RelPath(filename string) string {
	return path.Join(path.Dir(c.sourceFile), filename)
}

// MatchFunc returns true if the function name matches the function filter set
// in the config file. If no filter has been set, every name matches. This
// function safely considers the case where a filter has been specified by the
// user, but it could not be compiled to a regex. The safe case is to check
// whether the filter string is a substring of the name
func (c Config) MatchFunc(name string) bool {
	if c.funcFilterRegex != nil {
		return c.funcFilterRegex.MatchString(name)
	} else if c.FuncFilter != "" {
		return strings.Contains(name, c.FuncFilter)
	} else {
		return true
	}
}

// Verbose returns true is the configuration verbosity setting is larger than Info (i.e. Debug or Trace)
func (c Config) Verbose() bool {
	return c.LogLevel >= int(DebugLevel)
}
