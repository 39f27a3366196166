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

/*
Package config manages the verification parameters of a module.

Use [Load](filename) to load a configuration from a specific filename.

Use [SetGlobalConfig](filename) to set filename as the global config, and then [LoadGlobal]() to load the global config.

A config file is in yaml format. The top-level fields can be any of the
fields defined in the [Config] struct type. For example, a valid config file
for a WAMR module is as follows:

	wamr: true
	table-size: 32
	global-region-size: 8192
	trusted-indices:
	  - 0
	  - 4
	jobs: 8
	report-file: report.json

# Trust parameters

The table bound, the globals size, and the trusted indices are operator
assertions, not facts read from the binary. A module verified safe under one
set of parameters can be unsafe under another, so a config file pinning them
should travel with the module it describes.
*/
package config
