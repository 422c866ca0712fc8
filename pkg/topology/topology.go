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

package topology

import (
	"fmt"
	"net"
	"os"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
	netutils "k8s.io/utils/net"
	"sigs.k8s.io/yaml"

	"github.com/ai-how/gpu-fleet/pkg/fleeterr"
)

const (
	mebibyte = 1024 * 1024
	gibibyte = 1024 * mebibyte
)

// Load reads and validates a topology file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read topology %v: %w", path, err)
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}

	klog.V(3).Infof("loaded topology %v with %d cluster(s)", path, len(doc.Clusters))
	return doc, nil
}

// Parse decodes YAML or JSON topology data. Unknown fields are rejected.
func Parse(data []byte) (*Document, error) {
	doc := &Document{}
	if err := yaml.UnmarshalStrict(data, doc); err != nil {
		return nil, &fleeterr.ConfigurationError{Reason: fmt.Sprintf("malformed topology document: %v", err)}
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}

	return doc, nil
}

// Cluster returns the cluster with the given name.
func (d *Document) Cluster(name string) (ClusterSpec, error) {
	for _, cluster := range d.Clusters {
		if cluster.Name == name {
			return cluster, nil
		}
	}
	return ClusterSpec{}, &fleeterr.ConfigurationError{Cluster: name, Reason: "cluster is not declared in the topology"}
}

// ClusterNames lists declared clusters in declaration order.
func (d *Document) ClusterNames() []string {
	names := make([]string, 0, len(d.Clusters))
	for _, cluster := range d.Clusters {
		names = append(names, cluster.Name)
	}
	return names
}

// SharedPins returns PCI addresses pinned by more than one cluster, mapped to
// the sorted names of those clusters. Such clusters cannot run at the same
// time.
func (d *Document) SharedPins() map[string][]string {
	owners := map[string]sets.Set[string]{}
	for _, cluster := range d.Clusters {
		for _, group := range cluster.NodeGroups {
			for _, addr := range group.Resources.GPUs.PCIAddresses {
				addr = normalizePin(addr)
				if owners[addr] == nil {
					owners[addr] = sets.New[string]()
				}
				owners[addr].Insert(cluster.Name)
			}
		}
	}

	shared := map[string][]string{}
	for addr, clusters := range owners {
		if clusters.Len() > 1 {
			shared[addr] = sets.List(clusters)
		}
	}
	return shared
}

// Nodes expands the node groups into NodeSpecs named <cluster>-<group>-<index>,
// in declaration order.
func (c ClusterSpec) Nodes() []NodeSpec {
	network := c.NetworkName()

	var subnet *net.IPNet
	if c.Network.Subnet != "" {
		if _, ipNet, err := net.ParseCIDR(c.Network.Subnet); err == nil {
			subnet = ipNet
		}
	}

	nodes := []NodeSpec{}
	ordinal := 0
	for _, group := range c.NodeGroups {
		memoryMiB := (group.Resources.Memory.Value() + mebibyte - 1) / mebibyte
		var diskGiB int64
		if group.Resources.Disk.Size != nil {
			diskGiB = (group.Resources.Disk.Size.Value() + gibibyte - 1) / gibibyte
		}

		gpus := group.Resources.GPUs
		if len(gpus.PCIAddresses) > 0 {
			pins := make([]string, 0, len(gpus.PCIAddresses))
			for _, addr := range gpus.PCIAddresses {
				pins = append(pins, normalizePin(addr))
			}
			gpus.PCIAddresses = pins
			if gpus.Count == 0 {
				gpus.Count = len(pins)
			}
		}

		for i := 0; i < group.Replicas; i++ {
			node := NodeSpec{
				Name:        NodeName(c.Name, group.Name, i),
				Cluster:     c.Name,
				Group:       group.Name,
				Role:        group.Role,
				Index:       i,
				Ordinal:     ordinal,
				VCPUs:       group.Resources.VCPUs,
				MemoryMiB:   memoryMiB,
				DiskImage:   group.Resources.Disk.Image,
				DiskSizeGiB: diskGiB,
				GPUs:        gpus,
				Network:     network,
			}
			if subnet != nil {
				node.IPAddress = netutils.AddIPOffset(netutils.BigForIP(subnet.IP), FirstHostIndex+ordinal).String()
			}
			nodes = append(nodes, node)
			ordinal++
		}
	}

	return nodes
}

// ManagesNetwork is true when the cluster declares its own subnet. The fleet
// then defines the network and hands out fixed DHCP leases.
func (c ClusterSpec) ManagesNetwork() bool {
	return c.Network.Subnet != ""
}

// NetworkName is the libvirt network the nodes attach to. A managed network
// without an explicit name is called <cluster>-net.
func (c ClusterSpec) NetworkName() string {
	switch {
	case c.Network.Name != "":
		return c.Network.Name
	case c.ManagesNetwork():
		return c.Name + NetworkNameSuffix
	}
	return DefaultNetworkName
}

// Node returns the expanded node with the given name.
func (c ClusterSpec) Node(name string) (NodeSpec, bool) {
	for _, node := range c.Nodes() {
		if node.Name == name {
			return node, true
		}
	}
	return NodeSpec{}, false
}

// GPUCount is the number of devices the whole cluster asks for.
func (c ClusterSpec) GPUCount() int {
	total := 0
	for _, node := range c.Nodes() {
		total += node.GPUs.Count
	}
	return total
}

func NodeName(cluster, group string, index int) string {
	return fmt.Sprintf("%s-%s-%d", cluster, group, index)
}

// Models lists distinct model filters of the cluster, sorted.
func (c ClusterSpec) Models() []string {
	models := sets.New[string]()
	for _, group := range c.NodeGroups {
		if group.Resources.GPUs.Model != "" {
			models.Insert(group.Resources.GPUs.Model)
		}
	}
	return sets.List(models)
}
