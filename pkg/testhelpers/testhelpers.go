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

package testhelpers

import (
	"fmt"
	"os"
	"path"
	"testing"
)

const (
	testRootPrefix = "test-*"
)

type TestDirsType struct {
	TestRoot    string
	SysfsRoot   string
	ProcfsRoot  string
	DevfsRoot   string
	StateDir    string
	ArtifactDir string
}

// NewTestDirs creates fake sysfs, procfs, devfs, state and artifact dirs
// under one temporary root and returns them as a TestDirsType or an error.
func NewTestDirs() (TestDirsType, error) {
	testRoot, err := os.MkdirTemp("", testRootPrefix)
	if err != nil {
		return TestDirsType{}, fmt.Errorf("failed creating test root dir: %v", err)
	}

	dirs := TestDirsType{
		TestRoot:    testRoot,
		SysfsRoot:   path.Join(testRoot, "sysfs"),
		ProcfsRoot:  path.Join(testRoot, "procfs"),
		DevfsRoot:   path.Join(testRoot, "devfs"),
		StateDir:    path.Join(testRoot, "state"),
		ArtifactDir: path.Join(testRoot, "artifacts"),
	}

	for _, dir := range []string{dirs.SysfsRoot, dirs.ProcfsRoot, dirs.DevfsRoot, dirs.StateDir, dirs.ArtifactDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return TestDirsType{}, fmt.Errorf("failed creating fake dir %v: %v", dir, err)
		}
	}

	return dirs, nil
}

func CleanupTest(t *testing.T, testname string, testRoot string) {
	if err := os.RemoveAll(testRoot); err != nil {
		t.Logf("%v: could not cleanup temp directory %v: %v", testname, testRoot, err)
	}
}
