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
	"slices"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/validation"
	netutils "k8s.io/utils/net"

	"github.com/ai-how/gpu-fleet/pkg/discovery"
	"github.com/ai-how/gpu-fleet/pkg/fleeterr"
	"github.com/ai-how/gpu-fleet/pkg/helpers"
)

// Validate returns the first problem found in the document, or nil.
func (d *Document) Validate() error {
	if errs := d.ValidationErrors(); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// ValidationErrors lists every problem found in the document.
func (d *Document) ValidationErrors() []*fleeterr.ConfigurationError {
	var errs []*fleeterr.ConfigurationError

	if d.Version != "" && d.Version != SupportedVersion {
		errs = append(errs, &fleeterr.ConfigurationError{Field: "version",
			Reason: fmt.Sprintf("unsupported version %q, expected %q", d.Version, SupportedVersion)})
	}
	if len(d.Clusters) == 0 {
		errs = append(errs, &fleeterr.ConfigurationError{Field: "clusters", Reason: "at least one cluster is required"})
	}

	clusterNames := sets.New[string]()
	nodeNames := map[string]string{}
	networks := map[string]string{}
	for i, cluster := range d.Clusters {
		field := fmt.Sprintf("clusters[%d]", i)
		if clusterNames.Has(cluster.Name) {
			errs = append(errs, &fleeterr.ConfigurationError{Cluster: cluster.Name, Field: field + ".name", Reason: "duplicate cluster name"})
		}
		clusterNames.Insert(cluster.Name)

		errs = append(errs, validateCluster(cluster, field)...)

		if cluster.ManagesNetwork() {
			network := cluster.NetworkName()
			if other, found := networks[network]; found && other != cluster.Name {
				errs = append(errs, &fleeterr.ConfigurationError{Cluster: cluster.Name, Field: field + ".network.name",
					Reason: fmt.Sprintf("network %s is already managed by cluster %s", network, other)})
			}
			networks[network] = cluster.Name
		}

		for _, node := range cluster.Nodes() {
			if other, found := nodeNames[node.Name]; found && other != cluster.Name {
				errs = append(errs, &fleeterr.ConfigurationError{Cluster: cluster.Name, Node: node.Name, Field: field,
					Reason: "node name collides with a node of cluster " + other})
			}
			nodeNames[node.Name] = cluster.Name
		}
	}

	return errs
}

func validateCluster(cluster ClusterSpec, field string) []*fleeterr.ConfigurationError {
	var errs []*fleeterr.ConfigurationError
	configErr := func(node, field, reason string) {
		errs = append(errs, &fleeterr.ConfigurationError{Cluster: cluster.Name, Node: node, Field: field, Reason: reason})
	}

	if msgs := validation.IsDNS1123Label(cluster.Name); len(msgs) > 0 {
		configErr("", field+".name", strings.Join(msgs, "; "))
	}

	if cluster.ManagesNetwork() {
		if cluster.Network.Name == DefaultNetworkName {
			configErr("", field+".network.name", "a cluster with a subnet cannot use the "+DefaultNetworkName+" network")
		}
		_, subnet, err := net.ParseCIDR(cluster.Network.Subnet)
		switch {
		case err != nil:
			configErr("", field+".network.subnet", err.Error())
		case !netutils.IsIPv4CIDR(subnet):
			configErr("", field+".network.subnet", "only IPv4 subnets are supported")
		default:
			if needed := int64(FirstHostIndex + len(cluster.Nodes()) + 1); netutils.RangeSize(subnet) < needed {
				configErr("", field+".network.subnet", fmt.Sprintf("subnet too small for %d node(s) starting at host index %d", len(cluster.Nodes()), FirstHostIndex))
			}
		}
	}

	if len(cluster.NodeGroups) == 0 {
		configErr("", field+".nodeGroups", "at least one node group is required")
	}

	groupNames := sets.New[string]()
	pinned := map[string]string{}
	for j, group := range cluster.NodeGroups {
		groupField := fmt.Sprintf("%s.nodeGroups[%d]", field, j)
		node := NodeName(cluster.Name, group.Name, 0)

		if msgs := validation.IsDNS1123Label(group.Name); len(msgs) > 0 {
			configErr("", groupField+".name", strings.Join(msgs, "; "))
		}
		if groupNames.Has(group.Name) {
			configErr("", groupField+".name", "duplicate node group name "+group.Name)
		}
		groupNames.Insert(group.Name)

		if !slices.Contains(ValidRoles, group.Role) {
			configErr(node, groupField+".role", fmt.Sprintf("unknown role %q, expected one of %v", group.Role, ValidRoles))
		}
		if group.Replicas < 1 {
			configErr(node, groupField+".replicas", "must be at least 1")
		}

		res := group.Resources
		resField := groupField + ".resources"
		if res.VCPUs < 1 {
			configErr(node, resField+".vcpus", "must be at least 1")
		}
		if res.Memory.Sign() <= 0 {
			configErr(node, resField+".memory", "must be greater than zero")
		}
		if res.Disk.Image == "" {
			configErr(node, resField+".disk.image", "is required")
		}
		if res.Disk.Size != nil && res.Disk.Size.Sign() <= 0 {
			configErr(node, resField+".disk.size", "must be greater than zero")
		}

		gpuField := resField + ".gpus"
		if res.GPUs.Count < 0 {
			configErr(node, gpuField+".count", "must not be negative")
		}
		if len(res.GPUs.PCIAddresses) == 0 {
			continue
		}

		if group.Replicas > 1 {
			configErr(node, gpuField+".pciAddresses", "pinned devices require replicas: 1")
		}
		if res.GPUs.Count != 0 && res.GPUs.Count != len(res.GPUs.PCIAddresses) {
			configErr(node, gpuField+".count", fmt.Sprintf("count %d does not match %d pinned device(s)", res.GPUs.Count, len(res.GPUs.PCIAddresses)))
		}
		for k, addr := range res.GPUs.PCIAddresses {
			pinField := fmt.Sprintf("%s.pciAddresses[%d]", gpuField, k)
			normalized := normalizePin(addr)
			if _, err := helpers.ParsePCIAddress(normalized); err != nil {
				configErr(node, pinField, err.Error())
				continue
			}
			if owner, found := pinned[normalized]; found {
				configErr(node, pinField, fmt.Sprintf("device %s is already pinned by node %s", normalized, owner))
				continue
			}
			pinned[normalized] = node
		}
	}

	return errs
}

// ValidateAgainst checks the GPU requests of the cluster against a host
// scan: every model filter must match at least one scanned device, and
// every pinned address must exist.
func (c ClusterSpec) ValidateAgainst(inv discovery.Inventory) error {
	for _, node := range c.Nodes() {
		gpus := node.GPUs
		if gpus.Count == 0 {
			continue
		}
		if gpus.Model != "" && !inv.MatchesAny(gpus.Model) {
			return &fleeterr.ConfigurationError{Cluster: c.Name, Node: node.Name, Field: "gpus.model",
				Reason: fmt.Sprintf("model filter %q matches no GPU on this host", gpus.Model)}
		}
		for _, addr := range gpus.PCIAddresses {
			dev, found := inv.Device(addr)
			if !found {
				return &fleeterr.ConfigurationError{Cluster: c.Name, Node: node.Name, Field: "gpus.pciAddresses",
					Reason: fmt.Sprintf("pinned device %s is not a GPU on this host", addr)}
			}
			if !dev.MatchesModel(gpus.Model) {
				return &fleeterr.ConfigurationError{Cluster: c.Name, Node: node.Name, Field: "gpus.pciAddresses",
					Reason: fmt.Sprintf("pinned device %s is a %s, not %q", addr, dev.ModelName, gpus.Model)}
			}
		}
	}
	return nil
}

func normalizePin(addr string) string {
	return helpers.NormalizePCIAddress(addr)
}
