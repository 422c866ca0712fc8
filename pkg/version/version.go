/*
 * Copyright (c) 2025, Intel Corporation.  All Rights Reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package version

import (
	"fmt"
	"runtime"

	"k8s.io/klog/v2"
)

const ProgramName = "gpu-fleet"

// These are set during build time via -ldflags
var (
	programVersion = "N/A"
	gitCommit      = "N/A"
	buildDate      = "N/A"
)

// Info is the build information of the running binary.
type Info struct {
	Program   string `json:"program"`
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
	Compiler  string `json:"compiler"`
	Platform  string `json:"platform"`
}

func Get() Info {
	return Info{
		Program:   ProgramName,
		Version:   programVersion,
		GitCommit: gitCommit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Compiler:  runtime.Compiler,
		Platform:  fmt.Sprintf("%v/%v", runtime.GOOS, runtime.GOARCH),
	}
}

func (i Info) String() string {
	return fmt.Sprintf(`
Program:   %v,
Version:   %v,
GitCommit: %v,
BuildDate: %v,
GoVersion: %v,
Compiler:  %v,
Platform:  %v`,
		i.Program, i.Version, i.GitCommit, i.BuildDate, i.GoVersion, i.Compiler, i.Platform)
}

// PrintVersion logs the build information.
func PrintVersion() {
	klog.Info(Get().String())
}
