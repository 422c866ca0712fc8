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

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ai-how/gpu-fleet/pkg/fakesysfs"
	"github.com/ai-how/gpu-fleet/pkg/helpers"
	"github.com/ai-how/gpu-fleet/pkg/testhelpers"
	"github.com/ai-how/gpu-fleet/pkg/version"
)

func main() {
	command := newCommand()
	err := command.Execute()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host-faker",
		Short: "host-faker",
		Long: `host-faker creates fake sysfs, procfs and devfs trees in /tmp for a GPU
passthrough host described by a JSON template, to run fleetctl on a machine
without GPUs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("new-template").Value.String() == "true" {
				return newTemplate(cmd.OutOrStdout())
			}
			templatePath := cmd.Flag("template").Value.String()
			if templatePath == "" {
				return fmt.Errorf("template parameter is missing")
			}
			_, err := fakeHost(templatePath, cmd.OutOrStdout())
			return err
		},
	}

	cmd.Version = version.Get().Version
	cmd.Flags().BoolP("version", "v", false, "Show the version of the binary")
	cmd.Flags().BoolP("new-template", "n", false, "Create new host template file")
	cmd.Flags().StringP("template", "t", "", "Template file to populate the host from")
	cmd.SetVersionTemplate("host-faker version: {{.Version}}\n")

	return cmd
}

// fakeHost builds the trees and prints the environment that points fleetctl
// at them.
func fakeHost(templateFilePath string, out io.Writer) (testhelpers.TestDirsType, error) {
	host := fakesysfs.Host{}
	hostBytes, err := os.ReadFile(templateFilePath)
	if err != nil {
		return testhelpers.TestDirsType{}, fmt.Errorf("could not read template file %v. Err: %v", templateFilePath, err)
	}

	if err := json.Unmarshal(hostBytes, &host); err != nil {
		return testhelpers.TestDirsType{}, fmt.Errorf("failed parsing file %v. Err: %v", templateFilePath, err)
	}

	testDirs, err := testhelpers.NewTestDirs()
	if err != nil {
		return testhelpers.TestDirsType{}, fmt.Errorf("error creating temp dirs: %v", err)
	}

	err = fakesysfs.FakeSysFsHostContents(testDirs.SysfsRoot, testDirs.ProcfsRoot, testDirs.DevfsRoot, host)
	if err != nil {
		if err := os.RemoveAll(testDirs.TestRoot); err != nil {
			fmt.Fprintf(out, "could not cleanup temp directory %v: %v\n", testDirs.TestRoot, err)
		}
		return testhelpers.TestDirsType{}, fmt.Errorf("could not setup fake filesystem in %v: %v", testDirs.TestRoot, err)
	}

	fmt.Fprintf(out, "# fake host: %v\n", testDirs.TestRoot)
	fmt.Fprintf(out, "export %v=%v\n", helpers.SysfsEnvVarName, testDirs.SysfsRoot)
	fmt.Fprintf(out, "export %v=%v\n", helpers.ProcfsEnvVarName, testDirs.ProcfsRoot)
	fmt.Fprintf(out, "export %v=%v\n", helpers.DevfsEnvVarName, testDirs.DevfsRoot)
	fmt.Fprintf(out, "export FLEET_STATE_DIR=%v\n", testDirs.StateDir)
	fmt.Fprintf(out, "export FLEET_ARTIFACT_DIR=%v\n", testDirs.ArtifactDir)
	return testDirs, nil
}

func newTemplate(out io.Writer) error {
	templateFile, err := os.CreateTemp("/tmp/", "host-template-*.json")
	if err != nil {
		return fmt.Errorf("could not create temp file for template: %v", err)
	}
	defer templateFile.Close()

	templateData := fakesysfs.NewGpuHost("0x10de", "0x2230", "0000:01:00.0", "0000:41:00.0")
	templateData.Functions = append(templateData.Functions,
		fakesysfs.PCIFunction{PCIAddress: "0000:41:00.1", VendorID: "0x10de", DeviceID: "0x1aef", Class: "0x040300", IOMMUGroup: 2, Driver: "vfio-pci"},
		fakesysfs.PCIFunction{PCIAddress: "0000:81:00.0", VendorID: "0x10de", DeviceID: "0x20b0", IOMMUGroup: 3, Driver: "nvidia"},
	)

	templateText, err := json.MarshalIndent(templateData, "", "  ")
	if err != nil {
		return fmt.Errorf("host template JSON encoding failed. Err: %v", err)
	}

	if _, err := templateFile.Write(templateText); err != nil {
		return fmt.Errorf("could not write new template file %v: %v", templateFile.Name(), err)
	}
	fmt.Fprintf(out, "new template: %v\n", templateFile.Name())
	return nil
}
