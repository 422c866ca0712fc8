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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/ai-how/gpu-fleet/pkg/helpers"
	"github.com/ai-how/gpu-fleet/pkg/version"
)

type flagsType struct {
	configPath   *string
	topologyPath *string
	stateDir     *string
	artifactDir  *string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := newCommand()
	err := command.ExecuteContext(ctx)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	logging := helpers.NewLoggingConfig()

	cmd := &cobra.Command{
		Use:   "fleetctl",
		Short: "GPU passthrough cluster manager",
		Long: `Allocates host GPUs to the nodes of virtual HPC and cloud clusters,
drives the clusters through start, stop and destroy on libvirt and emits
domain descriptors and scheduler inventories for them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Get().Version,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	flags := addFlags(cmd, logging)

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Activate logging as soon as possible.
		if err := logging.Apply(); err != nil {
			return fmt.Errorf("logging configuration: %v", err)
		}
		return nil
	}

	cmd.AddCommand(
		newStartCommand(flags),
		newStopCommand(flags),
		newDestroyCommand(flags),
		newStatusCommand(flags),
		newScanCommand(flags),
		newPlanCommand(flags),
		newValidateCommand(flags),
		newEmitCommand(flags),
		newConfigCommand(),
		newVersionCommand(),
	)

	return cmd
}

func addFlags(cmd *cobra.Command, logging *helpers.LoggingConfig) *flagsType {
	flags := &flagsType{}

	sharedFlagSets := cliflag.NamedFlagSets{}
	fs := sharedFlagSets.FlagSet("logging")
	logging.AddFlags(fs)

	fs = sharedFlagSets.FlagSet("fleet")
	flags.configPath = fs.String("config", "", "Optional YAML configuration file. Environment variables override its values.")
	flags.topologyPath = fs.StringP("topology", "f", "", "Topology file declaring the clusters.")
	flags.stateDir = fs.String("state-dir", "", "Directory of the state file, overrides FLEET_STATE_DIR.")
	flags.artifactDir = fs.String("artifact-dir", "", "Directory receiving the emitted artifacts, overrides FLEET_ARTIFACT_DIR.")

	helpers.AttachFlagSets(cmd, sharedFlagSets)

	return flags
}
