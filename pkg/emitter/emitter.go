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

// Package emitter renders the artifacts derived from an allocation plan:
// hypervisor domain and network descriptors, the scheduler inventory and
// gres.conf. Identical input gives byte-identical output.
package emitter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"github.com/ai-how/gpu-fleet/pkg/allocator"
	"github.com/ai-how/gpu-fleet/pkg/helpers"
	"github.com/ai-how/gpu-fleet/pkg/topology"
)

const (
	DomainsDir        = "domains"
	DisksDir          = "disks"
	InventoryFileName = "inventory.yaml"
	GresConfFileName  = "gres.conf"
	NetworkFileName   = "network.xml"
)

type DomainDescriptor struct {
	Node string
	XML  []byte
	// Overlay disk the domain boots from, backed by the group image.
	DiskPath    string
	DiskImage   string
	DiskSizeGiB int64
}

// InventoryNode is the scheduler view of one node.
type InventoryNode struct {
	Name         string   `json:"name"`
	Group        string   `json:"group"`
	Role         string   `json:"role"`
	IPAddress    string   `json:"ipAddress,omitempty"`
	MACAddress   string   `json:"macAddress"`
	VCPUs        int      `json:"vcpus"`
	MemoryMiB    int64    `json:"memoryMiB"`
	Gres         string   `json:"gres,omitempty"`
	PCIAddresses []string `json:"pciAddresses,omitempty"`
}

type SchedulerInventory struct {
	Cluster string          `json:"cluster"`
	Network string          `json:"network"`
	Nodes   []InventoryNode `json:"nodes"`
}

// Node returns the inventory record of the named node.
func (s SchedulerInventory) Node(name string) (InventoryNode, bool) {
	for _, node := range s.Nodes {
		if node.Name == name {
			return node, true
		}
	}
	return InventoryNode{}, false
}

type Artifacts struct {
	Cluster            string
	DomainDescriptors  []DomainDescriptor
	Network            *NetworkDescriptor
	SchedulerInventory SchedulerInventory
	InventoryYAML      []byte
	GresConf           []byte
}

// Descriptor returns the domain XML of the named node, nil if not planned.
func (a *Artifacts) Descriptor(node string) []byte {
	if d := a.Domain(node); d != nil {
		return d.XML
	}
	return nil
}

// Domain returns the domain descriptor of the named node, nil if not planned.
func (a *Artifacts) Domain(node string) *DomainDescriptor {
	for i := range a.DomainDescriptors {
		if a.DomainDescriptors[i].Node == node {
			return &a.DomainDescriptors[i]
		}
	}
	return nil
}

// Emit renders the artifacts of every node in the plan. Node disks are
// placed under dir, the artifact directory the output is written to.
func Emit(plan *allocator.Plan, cluster topology.ClusterSpec, dir string) (*Artifacts, error) {
	if plan.Cluster != cluster.Name {
		return nil, fmt.Errorf("plan of cluster %v does not match cluster %v", plan.Cluster, cluster.Name)
	}

	network := cluster.NetworkName()

	artifacts := &Artifacts{
		Cluster:            cluster.Name,
		SchedulerInventory: SchedulerInventory{Cluster: cluster.Name, Network: network, Nodes: []InventoryNode{}},
	}

	if cluster.ManagesNetwork() {
		descriptor, err := NewNetwork(cluster)
		if err != nil {
			return nil, err
		}
		networkXML, err := MarshalNetwork(descriptor)
		if err != nil {
			return nil, err
		}
		artifacts.Network = &NetworkDescriptor{Name: descriptor.Name, XML: networkXML}
	}

	gresConf := []string{fmt.Sprintf("# gres.conf for cluster %s", cluster.Name)}

	for _, assignment := range plan.Assignments {
		node := assignment.Node
		diskPath := DiskPath(dir, cluster.Name, node.Name)

		domain, err := NewDomain(assignment, network, diskPath)
		if err != nil {
			return nil, err
		}
		descriptor, err := MarshalDomain(domain)
		if err != nil {
			return nil, err
		}
		artifacts.DomainDescriptors = append(artifacts.DomainDescriptors, DomainDescriptor{
			Node:        node.Name,
			XML:         descriptor,
			DiskPath:    diskPath,
			DiskImage:   node.DiskImage,
			DiskSizeGiB: node.DiskSizeGiB,
		})

		var pciAddresses []string
		if len(assignment.Devices) > 0 {
			pciAddresses = assignment.PCIAddresses()
		}
		artifacts.SchedulerInventory.Nodes = append(artifacts.SchedulerInventory.Nodes, InventoryNode{
			Name:         node.Name,
			Group:        node.Group,
			Role:         node.Role,
			IPAddress:    node.IPAddress,
			MACAddress:   MACAddress(node.Name),
			VCPUs:        node.VCPUs,
			MemoryMiB:    node.MemoryMiB,
			Gres:         FormatGres(Gres(assignment.Devices)),
			PCIAddresses: pciAddresses,
		})

		gresConf = append(gresConf, GresConfLines(node.Name, assignment.Devices)...)
	}

	inventory, err := yaml.Marshal(artifacts.SchedulerInventory)
	if err != nil {
		return nil, fmt.Errorf("could not encode inventory of cluster %v: %w", cluster.Name, err)
	}
	artifacts.InventoryYAML = inventory
	artifacts.GresConf = []byte(strings.Join(gresConf, "\n") + "\n")

	return artifacts, nil
}

func ClusterDir(dir, cluster string) string {
	return filepath.Join(dir, cluster)
}

func DomainPath(dir, cluster, node string) string {
	return filepath.Join(dir, cluster, DomainsDir, node+".xml")
}

// DiskPath is the copy-on-write overlay a node boots from.
func DiskPath(dir, cluster, node string) string {
	return filepath.Join(dir, cluster, DisksDir, node+".qcow2")
}

func NetworkPath(dir, cluster string) string {
	return filepath.Join(dir, cluster, NetworkFileName)
}

// Write persists the artifacts under <dir>/<cluster>/. Files whose content
// did not change are left untouched.
func Write(dir string, artifacts *Artifacts) error {
	if err := WriteDescriptors(dir, artifacts); err != nil {
		return err
	}
	return WriteInventory(dir, artifacts)
}

// WriteDescriptors persists the domain and network descriptors.
func WriteDescriptors(dir string, artifacts *Artifacts) error {
	files := map[string][]byte{}
	for _, d := range artifacts.DomainDescriptors {
		files[DomainPath(dir, artifacts.Cluster, d.Node)] = d.XML
	}
	if artifacts.Network != nil {
		files[NetworkPath(dir, artifacts.Cluster)] = artifacts.Network.XML
	}
	return writeFiles(files)
}

// WriteInventory persists the scheduler inventory and gres.conf.
func WriteInventory(dir string, artifacts *Artifacts) error {
	clusterDir := ClusterDir(dir, artifacts.Cluster)
	return writeFiles(map[string][]byte{
		filepath.Join(clusterDir, InventoryFileName): artifacts.InventoryYAML,
		filepath.Join(clusterDir, GresConfFileName):  artifacts.GresConf,
	})
}

func writeFiles(files map[string][]byte) error {
	for path, contents := range files {
		changed, err := helpers.WriteFileAtomic(path, contents, 0640)
		if err != nil {
			return err
		}
		if changed {
			klog.V(5).Infof("wrote %v", path)
		}
	}

	return nil
}

// Remove deletes every artifact of a cluster.
func Remove(dir, cluster string) error {
	clusterDir := ClusterDir(dir, cluster)
	if err := os.RemoveAll(clusterDir); err != nil {
		return fmt.Errorf("could not remove artifacts %v: %w", clusterDir, err)
	}
	klog.V(5).Infof("removed %v", clusterDir)
	return nil
}
