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
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"github.com/ai-how/gpu-fleet/pkg/discovery"
	"github.com/ai-how/gpu-fleet/pkg/emitter"
	"github.com/ai-how/gpu-fleet/pkg/state"
)

func newScanCommand(flags *flagsType) *cobra.Command {
	var (
		output    string
		preflight bool
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List the GPUs and capacity of this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}

			scanner := newScanner(cfg)
			inv, err := scanner.Scan()
			if err != nil {
				return err
			}
			st, err := state.NewStore(cfg.StateDir).Load()
			if err != nil {
				return err
			}

			report := newScanReport(inv, st.Allocations)
			if preflight {
				report.Preflight = scanner.Preflight(inv)
			}
			if err := printScan(cmd.OutOrStdout(), output, report); err != nil {
				return err
			}

			if preflight && !discovery.Ready(report.Preflight) {
				return fmt.Errorf("host is not ready for GPU passthrough")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format: table, json or yaml.")
	cmd.Flags().BoolVar(&preflight, "preflight", false, "Also check IOMMU, vfio-pci and KVM readiness.")

	return cmd
}

func newPlanCommand(flags *flagsType) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "plan <cluster>",
		Short: "Show the allocation start would make now, without committing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}
			cluster, err := flags.loadCluster(args[0])
			if err != nil {
				return err
			}
			a, err := flags.newApp()
			if err != nil {
				return err
			}

			plan, err := a.manager.Plan(cluster)
			if err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), output, plan)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format: table, json or yaml.")

	return cmd
}

func newValidateCommand(flags *flagsType) *cobra.Command {
	var againstHost bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the topology file",
		Long: `Checks the topology file for structural errors. With --against-host the
GPU model filters and pinned addresses are also checked against a scan of
this host.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := flags.loadTopology()
			if err != nil {
				return err
			}

			shared := doc.SharedPins()
			addrs := make([]string, 0, len(shared))
			for addr := range shared {
				addrs = append(addrs, addr)
			}
			sort.Strings(addrs)
			for _, addr := range addrs {
				klog.Warningf("device %v is pinned by clusters %v, they cannot run at the same time",
					addr, strings.Join(shared[addr], ", "))
			}

			if againstHost {
				cfg, err := flags.loadConfig()
				if err != nil {
					return err
				}
				inv, err := newScanner(cfg).Scan()
				if err != nil {
					return err
				}
				errs := []error{}
				for _, cluster := range doc.Clusters {
					if err := cluster.ValidateAgainst(inv); err != nil {
						errs = append(errs, err)
					}
				}
				if err := utilerrors.NewAggregate(errs); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%v: %d cluster(s) valid\n", *flags.topologyPath, len(doc.Clusters))
			return nil
		},
	}

	cmd.Flags().BoolVar(&againstHost, "against-host", false, "Also check GPU requests against this host.")

	return cmd
}

func newEmitCommand(flags *flagsType) *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "emit <cluster>",
		Short: "Write the artifacts of a cluster from its recorded allocation",
		Long: `Renders the domain and network descriptors, scheduler inventory and
gres.conf of a cluster from the GPUs its nodes hold in the state file. Nodes
without an allocation are rendered without GPUs. Domains always boot from
their disks below the artifact directory.`,
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

			plan, err := a.manager.RecordedPlan(cluster)
			if err != nil {
				return err
			}
			artifacts, err := emitter.Emit(plan, cluster, a.config.ArtifactDir)
			if err != nil {
				return err
			}

			dir := outputDir
			if dir == "" {
				dir = a.config.ArtifactDir
			}
			if err := emitter.Write(dir, artifacts); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			clusterDir := emitter.ClusterDir(dir, cluster.Name)
			fmt.Fprintln(out, filepath.Join(clusterDir, emitter.InventoryFileName))
			fmt.Fprintln(out, filepath.Join(clusterDir, emitter.GresConfFileName))
			if artifacts.Network != nil {
				fmt.Fprintln(out, emitter.NetworkPath(dir, cluster.Name))
			}
			for _, d := range artifacts.DomainDescriptors {
				fmt.Fprintln(out, emitter.DomainPath(dir, cluster.Name, d.Node))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Write below this directory instead of the artifact directory.")

	return cmd
}
