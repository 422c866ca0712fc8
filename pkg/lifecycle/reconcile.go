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

package lifecycle

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/ai-how/gpu-fleet/pkg/device"
	"github.com/ai-how/gpu-fleet/pkg/discovery"
	"github.com/ai-how/gpu-fleet/pkg/hypervisor"
	"github.com/ai-how/gpu-fleet/pkg/state"
)

// NodeStatus compares the recorded state of a node with what the host shows.
type NodeStatus struct {
	Name         string                 `json:"name"`
	Role         string                 `json:"role"`
	Recorded     state.LifecycleState   `json:"recorded"`
	State        state.LifecycleState   `json:"state"`
	Domain       hypervisor.DomainState `json:"domain"`
	PCIAddresses []string               `json:"pciAddresses,omitempty"`
	Message      string                 `json:"message,omitempty"`
}

// Corrected is true when reconciliation changed the recorded state.
func (n NodeStatus) Corrected() bool {
	return n.Recorded != n.State
}

// reconcile corrects the node records of a cluster from the observed domain
// states and, when inv is not nil, from the device bindings. Clusters that
// another live process is operating on are reported as recorded.
func reconcile(logger klog.Logger, st *state.State, record *state.ClusterRecord, domains map[string]hypervisor.DomainState, inv *discovery.Inventory) []NodeStatus {
	correct := !record.InFlight()
	statuses := make([]NodeStatus, 0, len(record.Nodes))

	for i := range record.Nodes {
		node := &record.Nodes[i]
		observed := hypervisor.DomainStateOf(domains, node.Name)
		status := NodeStatus{Name: node.Name, Role: node.Role, Recorded: node.State, Domain: observed}

		if correct {
			path, message := correction(*node, observed, inv)
			for _, to := range path {
				if err := st.Transition(record.Name, node.Name, to, message); err != nil {
					logger.Error(err, "Could not correct node state", "node", node.Name)
					break
				}
			}
			if len(path) > 0 {
				logger.Info("Corrected node state", "node", node.Name, "from", status.Recorded, "to", node.State, "reason", message)
			}
		}

		status.State = node.State
		status.PCIAddresses = node.PCIAddresses()
		status.Message = node.Message
		statuses = append(statuses, status)
	}

	return statuses
}

// correction returns the transitions that bring a node in line with the
// host, and why.
func correction(node state.NodeRecord, observed hypervisor.DomainState, inv *discovery.Inventory) ([]state.LifecycleState, string) {
	var path []state.LifecycleState
	message := ""

	switch node.State {
	case state.Running:
		switch {
		case observed == hypervisor.DomainAbsent:
			path, message = []state.LifecycleState{state.Failed}, "domain is absent"
		case observed == hypervisor.DomainCrashed:
			path, message = []state.LifecycleState{state.Failed}, "domain crashed"
		case !observed.Active():
			path, message = []state.LifecycleState{state.Stopped}, fmt.Sprintf("domain is %s", observed)
		}
	case state.Declared, state.Stopped:
		if observed.Active() {
			path, message = []state.LifecycleState{state.Failed}, fmt.Sprintf("domain is %s but the node holds no devices", observed)
		}
	case state.Allocating:
		path, message = []state.LifecycleState{state.Failed}, "allocation was interrupted"
	case state.Allocated, state.Starting:
		if observed == hypervisor.DomainRunning {
			path = []state.LifecycleState{state.Starting, state.Running}
		} else {
			path, message = []state.LifecycleState{state.Failed}, fmt.Sprintf("start was interrupted, domain is %s", observed)
		}
	case state.Stopping:
		if observed.Active() {
			path, message = []state.LifecycleState{state.Running}, "stop was interrupted"
		} else {
			path = []state.LifecycleState{state.Stopped}
		}
	case state.Destroying:
		if observed == hypervisor.DomainAbsent {
			path = []state.LifecycleState{state.Destroyed}
		} else {
			path, message = []state.LifecycleState{state.Failed}, fmt.Sprintf("destroy was interrupted, domain is %s", observed)
		}
	}

	final := node.State
	if len(path) > 0 {
		final = path[len(path)-1]
	}
	if inv != nil && final.HoldsAllocation() {
		if reason := staleDevice(node, *inv); reason != "" {
			path, message = append(path, state.Failed), reason
		}
	}

	return path, message
}

// staleDevice explains why a device held by the node can no longer be
// passed through, or returns "".
func staleDevice(node state.NodeRecord, inv discovery.Inventory) string {
	for _, held := range node.Devices {
		dev, found := inv.Device(held.PCIAddress)
		if !found {
			return fmt.Sprintf("device %s is gone", held.PCIAddress)
		}
		if !dev.BoundToVfio() {
			return fmt.Sprintf("device %s is bound to %s, not %s", held.PCIAddress, dev.Driver, device.VfioPCIDriver)
		}
	}
	return ""
}
