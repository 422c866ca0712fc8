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
	"strings"
	"text/tabwriter"

	"sigs.k8s.io/yaml"

	"github.com/ai-how/gpu-fleet/pkg/allocator"
	"github.com/ai-how/gpu-fleet/pkg/device"
	"github.com/ai-how/gpu-fleet/pkg/discovery"
	"github.com/ai-how/gpu-fleet/pkg/emitter"
	"github.com/ai-how/gpu-fleet/pkg/lifecycle"
	"github.com/ai-how/gpu-fleet/pkg/state"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"

	none = "-"
)

func checkOutput(format string) error {
	switch format {
	case outputTable, outputJSON, outputYAML:
		return nil
	}
	return fmt.Errorf("unknown output format %q, use %v, %v or %v", format, outputTable, outputJSON, outputYAML)
}

// printEncoded writes v as JSON or YAML. It returns false for the table
// format, which the caller renders itself.
func printEncoded(w io.Writer, format string, v interface{}) (bool, error) {
	var (
		data []byte
		err  error
	)
	switch format {
	case outputJSON:
		data, err = json.MarshalIndent(v, "", "  ")
		data = append(data, '\n')
	case outputYAML:
		data, err = yaml.Marshal(v)
	default:
		return false, nil
	}
	if err != nil {
		return true, fmt.Errorf("could not encode output: %w", err)
	}
	_, err = w.Write(data)
	return true, err
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return none
	}
	return strings.Join(items, ",")
}

func printStatus(w io.Writer, format string, statuses ...*lifecycle.ClusterStatus) error {
	var v interface{} = statuses
	if len(statuses) == 1 {
		v = statuses[0]
	}
	if done, err := printEncoded(w, format, v); done {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "CLUSTER\tNODE\tROLE\tSTATE\tDOMAIN\tGPUS\tMESSAGE")
	for _, status := range statuses {
		clusterState := string(status.State)
		if status.Operation != nil {
			clusterState += " (" + string(status.Operation.Kind) + " in progress)"
		}
		fmt.Fprintf(tw, "%s\t\t\t%s\t\t\t\n", status.Cluster, clusterState)
		for _, node := range status.Nodes {
			nodeState := string(node.State)
			if node.Corrected() {
				nodeState = fmt.Sprintf("%s (was %s)", node.State, node.Recorded)
			}
			message := node.Message
			if message == "" {
				message = none
			}
			fmt.Fprintf(tw, "\t%s\t%s\t%s\t%s\t%s\t%s\n",
				node.Name, node.Role, nodeState, node.Domain, joinOrNone(node.PCIAddresses), message)
		}
	}
	return tw.Flush()
}

func printPlan(w io.Writer, format string, plan *allocator.Plan) error {
	if done, err := printEncoded(w, format, plan); done {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tROLE\tVCPUS\tMEMORY\tIP\tGRES\tGPUS")
	for _, a := range plan.Assignments {
		ip := a.Node.IPAddress
		if ip == "" {
			ip = none
		}
		gres := emitter.FormatGres(emitter.Gres(a.Devices))
		if gres == "" {
			gres = none
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%dMi\t%s\t%s\t%s\n",
			a.Node.Name, a.Node.Role, a.Node.VCPUs, a.Node.MemoryMiB, ip, gres, joinOrNone(a.PCIAddresses()))
	}
	return tw.Flush()
}

// scanReport is a host scan annotated with the recorded owners.
type scanReport struct {
	Capacity  device.HostCapacity `json:"capacity"`
	Devices   []scanDevice        `json:"devices"`
	Preflight []discovery.Finding `json:"preflight,omitempty"`
}

type scanDevice struct {
	device.GpuDevice
	Cluster string `json:"cluster,omitempty"`
	Node    string `json:"node,omitempty"`
}

func newScanReport(inv discovery.Inventory, allocations state.Allocations) scanReport {
	report := scanReport{Capacity: inv.Capacity, Devices: []scanDevice{}}
	for _, dev := range inv.Devices {
		d := scanDevice{GpuDevice: dev}
		if owner, found := allocations.Owner(dev.PCIAddress); found {
			d.Cluster = owner.Cluster
			d.Node = owner.Node
		}
		report.Devices = append(report.Devices, d)
	}
	return report
}

func printScan(w io.Writer, format string, report scanReport) error {
	if done, err := printEncoded(w, format, report); done {
		return err
	}

	fmt.Fprintf(w, "host: %d CPU(s), %d MiB memory, %d GPU(s)\n",
		report.Capacity.CPUs, report.Capacity.MemoryMiB, len(report.Devices))

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "PCI ADDRESS\tMODEL\tID\tIOMMU GROUP\tDRIVER\tOWNER")
	for _, d := range report.Devices {
		group := none
		if d.HasIOMMUGroup() {
			group = fmt.Sprint(d.IOMMUGroup)
		}
		owner := none
		if d.Node != "" {
			owner = d.Cluster + "/" + d.Node
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", d.PCIAddress, d.ModelName, d.PCIID(), group, d.Driver, owner)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(report.Preflight) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tRESULT\tDETAIL")
	for _, f := range report.Preflight {
		result := "ok"
		if !f.OK {
			result = "FAIL"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Check, result, f.Detail)
	}
	return tw.Flush()
}
