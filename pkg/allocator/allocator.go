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

// Package allocator decides which host GPUs go to which node of a cluster.
package allocator

import (
	"fmt"
	"math"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/ai-how/gpu-fleet/pkg/device"
	"github.com/ai-how/gpu-fleet/pkg/discovery"
	"github.com/ai-how/gpu-fleet/pkg/fleeterr"
	"github.com/ai-how/gpu-fleet/pkg/state"
	"github.com/ai-how/gpu-fleet/pkg/topology"
)

// Options tune the CPU and memory checks. Committed values are the usage of
// nodes of other clusters that hold allocations.
type Options struct {
	HostReservedMemoryMiB int64
	CPUOvercommitRatio    float64
	CommittedVCPUs        int
	CommittedMemoryMiB    int64
}

// Assignment is the set of devices chosen for one node.
type Assignment struct {
	Node    topology.NodeSpec  `json:"node"`
	Devices []device.GpuDevice `json:"devices"`
}

// PCIAddresses of the assigned devices, ascending.
func (a Assignment) PCIAddresses() []string {
	addrs := make([]string, 0, len(a.Devices))
	for _, dev := range a.Devices {
		addrs = append(addrs, dev.PCIAddress)
	}
	return addrs
}

// Plan holds one Assignment per node, in declaration order.
type Plan struct {
	Cluster     string       `json:"cluster"`
	Assignments []Assignment `json:"assignments"`
}

// Assignment returns the assignment of the named node.
func (p *Plan) Assignment(node string) (Assignment, bool) {
	for _, a := range p.Assignments {
		if a.Node.Name == node {
			return a, true
		}
	}
	return Assignment{}, false
}

// PCIAddresses lists every device in the plan.
func (p *Plan) PCIAddresses() []string {
	addrs := []string{}
	for _, a := range p.Assignments {
		addrs = append(addrs, a.PCIAddresses()...)
	}
	return addrs
}

// Only returns a plan restricted to the named nodes.
func (p *Plan) Only(nodes ...string) *Plan {
	keep := sets.New(nodes...)
	restricted := &Plan{Cluster: p.Cluster}
	for _, a := range p.Assignments {
		if keep.Has(a.Node.Name) {
			restricted.Assignments = append(restricted.Assignments, a)
		}
	}
	return restricted
}

// pool tracks which devices and IOMMU groups are spoken for while a plan is
// being built.
type pool struct {
	inv discovery.Inventory
	// owner of every allocated or selected PCI address
	taken map[string]string
	// owner of every IOMMU group touched by an allocated or selected device
	groups map[int]string
}

func newPool(inv discovery.Inventory, existing state.Allocations) *pool {
	p := &pool{inv: inv, taken: map[string]string{}, groups: map[int]string{}}
	for addr, owner := range existing {
		who := owner.Cluster + "/" + owner.Node
		p.taken[addr] = who
		if dev, found := inv.Device(addr); found && dev.HasIOMMUGroup() {
			p.groups[dev.IOMMUGroup] = who
		}
	}
	return p
}

// usable explains why dev cannot go to owner, or returns "".
func (p *pool) usable(dev device.GpuDevice, owner string) string {
	if who, found := p.taken[dev.PCIAddress]; found {
		return "owned by " + who
	}
	if !dev.BoundToVfio() {
		return fmt.Sprintf("bound to %s, not %s", dev.Driver, device.VfioPCIDriver)
	}
	if !dev.HasIOMMUGroup() {
		return "not in an IOMMU group"
	}
	if who, found := p.groups[dev.IOMMUGroup]; found && who != owner {
		return fmt.Sprintf("IOMMU group %d is used by %s", dev.IOMMUGroup, who)
	}
	return ""
}

func (p *pool) take(devs []device.GpuDevice, owner string) {
	for _, dev := range devs {
		p.taken[dev.PCIAddress] = owner
		p.groups[dev.IOMMUGroup] = owner
	}
}

// Allocate computes a plan for every node of the cluster against a fresh
// scan and the allocations held by other clusters. It either satisfies
// every node or returns an InsufficientResourcesError listing all of the
// unsatisfied ones. It performs no I/O.
//
// Pinned devices are honoured first. Other requests take usable devices in
// ascending PCI address order, nodes in declaration order. A device is
// usable when it is unallocated, bound to vfio-pci, in an IOMMU group, and no
// device of its group is allocated to or selected for another node.
func Allocate(cluster topology.ClusterSpec, existing state.Allocations, inv discovery.Inventory, opts Options) (*Plan, error) {
	if err := cluster.ValidateAgainst(inv); err != nil {
		return nil, err
	}

	p := newPool(inv, existing)
	nodes := cluster.Nodes()
	selections := make([][]device.GpuDevice, len(nodes))
	failures := make([]*fleeterr.Shortfall, len(nodes))

	// Pinned requests go first so that automatic selection never takes a
	// device somebody pinned.
	for _, pinnedPass := range []bool{true, false} {
		for i, node := range nodes {
			if (len(node.GPUs.PCIAddresses) > 0) != pinnedPass {
				continue
			}
			owner := cluster.Name + "/" + node.Name
			selected, shortfall := selectDevices(p, node, owner)
			if shortfall != nil {
				failures[i] = shortfall
				continue
			}
			p.take(selected, owner)
			selections[i] = selected
		}
	}

	plan := &Plan{Cluster: cluster.Name}
	var shortfalls []fleeterr.Shortfall
	for i, node := range nodes {
		if failures[i] != nil {
			shortfalls = append(shortfalls, *failures[i])
			continue
		}
		plan.Assignments = append(plan.Assignments, Assignment{Node: node, Devices: selections[i]})
		klog.V(3).Infof("plan %s: node %s gets %v", cluster.Name, node.Name, plan.Assignments[len(plan.Assignments)-1].PCIAddresses())
	}

	shortfalls = append(shortfalls, checkCapacity(cluster, inv.Capacity, opts)...)

	if len(shortfalls) > 0 {
		return nil, &fleeterr.InsufficientResourcesError{Cluster: cluster.Name, Shortfalls: shortfalls}
	}

	return plan, nil
}

func selectDevices(p *pool, node topology.NodeSpec, owner string) ([]device.GpuDevice, *fleeterr.Shortfall) {
	request := node.GPUs
	selected := []device.GpuDevice{}
	if request.Count == 0 {
		return selected, nil
	}

	if len(request.PCIAddresses) > 0 {
		for _, addr := range request.PCIAddresses {
			dev, _ := p.inv.Device(addr)
			if reason := p.usable(dev, owner); reason != "" {
				return nil, &fleeterr.Shortfall{
					Node: node.Name, Resource: "gpu", Requested: int64(request.Count), Available: int64(len(selected)),
					Detail: fmt.Sprintf("pinned device %s %s", addr, reason),
				}
			}
			selected = append(selected, dev)
		}
		return selected, nil
	}

	for _, dev := range p.inv.Devices {
		if len(selected) == request.Count {
			break
		}
		if !dev.MatchesModel(request.Model) {
			continue
		}
		if reason := p.usable(dev, owner); reason != "" {
			klog.V(5).Infof("node %s: skipping %s: %s", node.Name, dev.PCIAddress, reason)
			continue
		}
		selected = append(selected, dev)
	}

	if len(selected) < request.Count {
		detail := ""
		if request.Model != "" {
			detail = "model " + request.Model
		}
		return nil, &fleeterr.Shortfall{
			Node: node.Name, Resource: "gpu", Requested: int64(request.Count), Available: int64(len(selected)),
			Detail: detail,
		}
	}

	return selected, nil
}

// checkCapacity compares the CPU and memory of the cluster, on top of what
// other clusters hold, with the host. An unknown (zero) capacity is not
// checked.
func checkCapacity(cluster topology.ClusterSpec, capacity device.HostCapacity, opts Options) []fleeterr.Shortfall {
	var shortfalls []fleeterr.Shortfall

	if capacity.MemoryMiB > 0 {
		limit := capacity.MemoryMiB - opts.HostReservedMemoryMiB
		used := opts.CommittedMemoryMiB
		for _, node := range cluster.Nodes() {
			if used+node.MemoryMiB > limit {
				shortfalls = append(shortfalls, fleeterr.Shortfall{
					Node: node.Name, Resource: "memory", Requested: node.MemoryMiB, Available: max(0, limit-used),
					Detail: "MiB",
				})
				continue
			}
			used += node.MemoryMiB
		}
	}

	if capacity.CPUs > 0 {
		ratio := opts.CPUOvercommitRatio
		if ratio <= 0 {
			ratio = 1
		}
		limit := int(math.Floor(float64(capacity.CPUs) * ratio))
		used := opts.CommittedVCPUs
		for _, node := range cluster.Nodes() {
			if used+node.VCPUs > limit {
				shortfalls = append(shortfalls, fleeterr.Shortfall{
					Node: node.Name, Resource: "cpu", Requested: int64(node.VCPUs), Available: int64(max(0, limit-used)),
					Detail: "vCPUs",
				})
				continue
			}
			used += node.VCPUs
		}
	}

	return shortfalls
}
