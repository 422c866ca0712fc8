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

package state

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"time"

	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"

	"github.com/ai-how/gpu-fleet/pkg/device"
	"github.com/ai-how/gpu-fleet/pkg/fleeterr"
	"github.com/ai-how/gpu-fleet/pkg/topology"
)

const CurrentVersion = 1

type OperationKind string

const (
	OperationStart   OperationKind = "start"
	OperationStop    OperationKind = "stop"
	OperationDestroy OperationKind = "destroy"
)

// AllocationRecord is the durable fact that a GPU is owned by a node.
type AllocationRecord struct {
	Cluster    string    `json:"cluster"`
	Node       string    `json:"node"`
	AssignedAt time.Time `json:"assignedAt"`
}

// Allocations is keyed by PCI address.
type Allocations map[string]AllocationRecord

// Owner returns the record of a PCI address.
func (a Allocations) Owner(pciAddress string) (AllocationRecord, bool) {
	record, found := a[pciAddress]
	return record, found
}

// Operation marks a lifecycle operation in flight for a cluster.
type Operation struct {
	Kind      OperationKind `json:"kind"`
	PID       int           `json:"pid"`
	StartedAt time.Time     `json:"startedAt"`
}

// Alive reports whether the process that started the operation still runs.
func (o *Operation) Alive() bool {
	if o == nil || o.PID <= 0 {
		return false
	}
	if o.PID == os.Getpid() {
		return true
	}
	err := unix.Kill(o.PID, 0)
	return err == nil || err == unix.EPERM
}

type NodeRecord struct {
	Name      string             `json:"name"`
	Group     string             `json:"group"`
	Role      string             `json:"role"`
	State     LifecycleState     `json:"state"`
	Devices   []device.GpuDevice `json:"devices,omitempty"`
	VCPUs     int                `json:"vcpus"`
	MemoryMiB int64              `json:"memoryMiB"`
	Message   string             `json:"message,omitempty"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// PCIAddresses of the devices assigned to the node.
func (n *NodeRecord) PCIAddresses() []string {
	addrs := make([]string, 0, len(n.Devices))
	for _, dev := range n.Devices {
		addrs = append(addrs, dev.PCIAddress)
	}
	return addrs
}

type ClusterRecord struct {
	Name      string       `json:"name"`
	Nodes     []NodeRecord `json:"nodes"`
	Operation *Operation   `json:"operation,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Node returns the record of the named node, nil if unknown.
func (c *ClusterRecord) Node(name string) *NodeRecord {
	for i := range c.Nodes {
		if c.Nodes[i].Name == name {
			return &c.Nodes[i]
		}
	}
	return nil
}

// State is the aggregate state of the cluster.
func (c *ClusterRecord) State() LifecycleState {
	states := make([]LifecycleState, 0, len(c.Nodes))
	for _, node := range c.Nodes {
		states = append(states, node.State)
	}
	return Aggregate(states)
}

// NodesIn returns the names of nodes in any of the given states, in
// declaration order.
func (c *ClusterRecord) NodesIn(states ...LifecycleState) []string {
	names := []string{}
	for _, node := range c.Nodes {
		if slices.Contains(states, node.State) {
			names = append(names, node.Name)
		}
	}
	return names
}

// InFlight reports whether another live process is operating on the cluster.
func (c *ClusterRecord) InFlight() bool {
	return c.Operation != nil && c.Operation.Alive() && c.Operation.PID != os.Getpid()
}

// State is the whole persisted document. It is only mutated while the
// store lease is held.
type State struct {
	Version     int                       `json:"version"`
	Clusters    map[string]*ClusterRecord `json:"clusters"`
	Allocations Allocations               `json:"allocations"`

	clock clock.PassiveClock
}

func NewState(clk clock.PassiveClock) *State {
	return &State{
		Version:     CurrentVersion,
		Clusters:    map[string]*ClusterRecord{},
		Allocations: Allocations{},
		clock:       clk,
	}
}

func (s *State) now() time.Time {
	if s.clock == nil {
		return time.Now()
	}
	return s.clock.Now()
}

// Cluster returns the record of a cluster, nil if it has none.
func (s *State) Cluster(name string) *ClusterRecord {
	return s.Clusters[name]
}

// ClusterNames returns recorded clusters sorted by name.
func (s *State) ClusterNames() []string {
	names := make([]string, 0, len(s.Clusters))
	for name := range s.Clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnsureCluster returns the record of the cluster, creating it with all
// nodes Declared when it does not exist. Nodes added to the topology since
// the record was created are appended as Declared.
func (s *State) EnsureCluster(spec topology.ClusterSpec) *ClusterRecord {
	record, found := s.Clusters[spec.Name]
	if !found {
		record = &ClusterRecord{Name: spec.Name, UpdatedAt: s.now()}
		s.Clusters[spec.Name] = record
	}

	for _, node := range spec.Nodes() {
		existing := record.Node(node.Name)
		if existing == nil {
			record.Nodes = append(record.Nodes, NodeRecord{
				Name:      node.Name,
				Group:     node.Group,
				Role:      node.Role,
				State:     Declared,
				VCPUs:     node.VCPUs,
				MemoryMiB: node.MemoryMiB,
				UpdatedAt: s.now(),
			})
			continue
		}
		existing.VCPUs = node.VCPUs
		existing.MemoryMiB = node.MemoryMiB
	}

	return record
}

func (s *State) node(cluster, node string) (*ClusterRecord, *NodeRecord, error) {
	record := s.Clusters[cluster]
	if record == nil {
		return nil, nil, &fleeterr.StateConflictError{Cluster: cluster, Reason: "cluster has no state record"}
	}
	nodeRecord := record.Node(node)
	if nodeRecord == nil {
		return nil, nil, &fleeterr.StateConflictError{Cluster: cluster, Node: node, Reason: "node has no state record"}
	}
	return record, nodeRecord, nil
}

// Transition moves a node to a new state. Leaving the states that hold an
// allocation releases the node's GPUs.
func (s *State) Transition(cluster, node string, to LifecycleState, message string) error {
	record, nodeRecord, err := s.node(cluster, node)
	if err != nil {
		return err
	}

	if !CanTransition(nodeRecord.State, to) {
		return &fleeterr.StateConflictError{Cluster: cluster, Node: node,
			Reason: fmt.Sprintf("illegal transition %s -> %s", nodeRecord.State, to)}
	}

	nodeRecord.State = to
	nodeRecord.Message = message
	nodeRecord.UpdatedAt = s.now()
	record.UpdatedAt = nodeRecord.UpdatedAt

	if !to.HoldsAllocation() && to != Allocating {
		s.ReleaseNode(cluster, node)
	}

	return nil
}

// Assign records devices as owned by a node. Fails without changes when any
// device is owned by another node.
func (s *State) Assign(cluster, node string, devices []device.GpuDevice) error {
	_, nodeRecord, err := s.node(cluster, node)
	if err != nil {
		return err
	}

	for _, dev := range devices {
		if owner, found := s.Allocations[dev.PCIAddress]; found && (owner.Cluster != cluster || owner.Node != node) {
			return &fleeterr.StateConflictError{Cluster: cluster, Node: node, PCIAddress: dev.PCIAddress,
				Reason: fmt.Sprintf("device already allocated to %s/%s", owner.Cluster, owner.Node)}
		}
	}

	now := s.now()
	for _, dev := range devices {
		s.Allocations[dev.PCIAddress] = AllocationRecord{Cluster: cluster, Node: node, AssignedAt: now}
	}
	nodeRecord.Devices = append([]device.GpuDevice{}, devices...)

	return nil
}

// ReleaseNode drops every allocation of a node.
func (s *State) ReleaseNode(cluster, node string) {
	for addr, owner := range s.Allocations {
		if owner.Cluster == cluster && owner.Node == node {
			delete(s.Allocations, addr)
		}
	}
	if record := s.Clusters[cluster]; record != nil {
		if nodeRecord := record.Node(node); nodeRecord != nil {
			nodeRecord.Devices = nil
		}
	}
}

// RemoveCluster forgets a cluster together with its allocations.
func (s *State) RemoveCluster(cluster string) {
	for addr, owner := range s.Allocations {
		if owner.Cluster == cluster {
			delete(s.Allocations, addr)
		}
	}
	delete(s.Clusters, cluster)
}

// SetOperation marks an operation of this process as in flight, or clears
// the marker when kind is empty.
func (s *State) SetOperation(cluster string, kind OperationKind) {
	record := s.Clusters[cluster]
	if record == nil {
		return
	}
	if kind == "" {
		record.Operation = nil
		return
	}
	record.Operation = &Operation{Kind: kind, PID: os.Getpid(), StartedAt: s.now()}
}

// CommittedUsage sums the vCPUs and memory of nodes holding allocations in
// clusters other than exclude.
func (s *State) CommittedUsage(exclude string) (int, int64) {
	vcpus, memoryMiB := 0, int64(0)
	for name, record := range s.Clusters {
		if name == exclude {
			continue
		}
		for _, node := range record.Nodes {
			if node.State.HoldsAllocation() {
				vcpus += node.VCPUs
				memoryMiB += node.MemoryMiB
			}
		}
	}
	return vcpus, memoryMiB
}

// OtherAllocations returns the allocations not owned by cluster.
func (s *State) OtherAllocations(cluster string) Allocations {
	others := Allocations{}
	for addr, owner := range s.Allocations {
		if owner.Cluster != cluster {
			others[addr] = owner
		}
	}
	return others
}

// CheckInvariants verifies that allocations and node records agree: every
// record belongs to a node holding an allocation that lists the device, and
// every device listed by such a node is recorded for it.
func (s *State) CheckInvariants() error {
	for addr, owner := range s.Allocations {
		record := s.Clusters[owner.Cluster]
		if record == nil {
			return &fleeterr.StateConflictError{Cluster: owner.Cluster, PCIAddress: addr, Reason: "allocation of unknown cluster"}
		}
		node := record.Node(owner.Node)
		if node == nil || !node.State.HoldsAllocation() {
			return &fleeterr.StateConflictError{Cluster: owner.Cluster, Node: owner.Node, PCIAddress: addr,
				Reason: "allocation held by a node that is not allocated"}
		}
		if !slices.Contains(node.PCIAddresses(), addr) {
			return &fleeterr.StateConflictError{Cluster: owner.Cluster, Node: owner.Node, PCIAddress: addr,
				Reason: "allocation missing from node record"}
		}
	}

	for _, record := range s.Clusters {
		for _, node := range record.Nodes {
			for _, addr := range node.PCIAddresses() {
				owner, found := s.Allocations[addr]
				if !found || owner.Cluster != record.Name || owner.Node != node.Name {
					return &fleeterr.StateConflictError{Cluster: record.Name, Node: node.Name, PCIAddress: addr,
						Reason: "node lists a device it does not own"}
				}
			}
		}
	}

	return nil
}
