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

package emitter

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ai-how/gpu-fleet/pkg/discovery"
	"github.com/ai-how/gpu-fleet/pkg/state"
)

// MetricsFileName is picked up by the node exporter textfile collector when
// the state directory is configured as its directory.
const MetricsFileName = "gpu_fleet.prom"

// WriteMetrics renders the persisted state, and the scanned devices when inv
// is not nil, into a Prometheus textfile.
func WriteMetrics(path string, st *state.State, inv *discovery.Inventory) error {
	registry := prometheus.NewRegistry()

	nodeState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpu_fleet",
		Subsystem: "node",
		Name:      "state",
		Help:      "Lifecycle state of a virtual node (always 1, the state is a label).",
	}, []string{"cluster", "node", "state"})
	allocated := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpu_fleet",
		Subsystem: "gpu",
		Name:      "allocated",
		Help:      "Host GPU owned by a virtual node.",
	}, []string{"pci_address", "cluster", "node"})
	devices := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gpu_fleet",
		Subsystem: "gpu",
		Name:      "devices",
		Help:      "Host GPUs found by the last scan, by model and driver.",
	}, []string{"model", "driver"})

	registry.MustRegister(nodeState, allocated)

	for _, name := range st.ClusterNames() {
		for _, node := range st.Cluster(name).Nodes {
			nodeState.WithLabelValues(name, node.Name, string(node.State)).Set(1)
		}
	}
	for addr, owner := range st.Allocations {
		allocated.WithLabelValues(addr, owner.Cluster, owner.Node).Set(1)
	}

	if inv != nil {
		registry.MustRegister(devices)
		for _, dev := range inv.Devices {
			devices.WithLabelValues(dev.ModelName, dev.Driver).Inc()
		}
	}

	if err := prometheus.WriteToTextfile(path, registry); err != nil {
		return fmt.Errorf("could not write metrics to %v: %w", path, err)
	}

	return nil
}
