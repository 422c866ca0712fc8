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
	"fmt"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/ai-how/gpu-fleet/pkg/topology"
)

func newStartCommand(flags *flagsType) *cobra.Command {
	return &cobra.Command{
		Use:   "start <cluster>",
		Short: "Allocate GPUs to the nodes of a cluster and boot them",
		Long: `Allocates every GPU the cluster asks for in one step, writes its domain
descriptors and inventories and boots its nodes. Nothing is allocated when
the host cannot satisfy the whole cluster.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cluster, err := flags.loadCluster(args[0])
			if err != nil {
				return err
			}
			a, err := flags.newApp()
			if err != nil {
				return err
			}

			if err := a.manager.Start(cmd.Context(), cluster); err != nil {
				return err
			}

			klog.Infof("cluster %v is running", cluster.Name)
			return printClusterStatus(cmd, a, cluster, outputTable)
		},
	}
}

func newStopCommand(flags *flagsType) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <cluster>",
		Short: "Shut the nodes of a cluster down and release their GPUs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cluster, err := flags.loadCluster(args[0])
			if err != nil {
				return err
			}
			a, err := flags.newApp()
			if err != nil {
				return err
			}

			if err := a.manager.Stop(cmd.Context(), cluster); err != nil {
				return err
			}

			klog.Infof("cluster %v is stopped", cluster.Name)
			return printClusterStatus(cmd, a, cluster, outputTable)
		},
	}
}

func newDestroyCommand(flags *flagsType) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "destroy <cluster>",
		Short: "Remove the domains, artifacts and state of a stopped cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("destroying cluster %v removes its domains and artifacts, confirm with --yes", args[0])
			}

			cluster, err := flags.loadCluster(args[0])
			if err != nil {
				return err
			}
			a, err := flags.newApp()
			if err != nil {
				return err
			}

			if err := a.manager.Destroy(cmd.Context(), cluster); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "cluster %v destroyed\n", cluster.Name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the destruction.")

	return cmd
}

func printClusterStatus(cmd *cobra.Command, a *app, cluster topology.ClusterSpec, format string) error {
	status, err := a.manager.Status(cmd.Context(), cluster)
	if err != nil {
		return err
	}
	return printStatus(cmd.OutOrStdout(), format, status)
}
