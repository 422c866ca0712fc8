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
	"net"

	"github.com/google/uuid"
	netutils "k8s.io/utils/net"
	"libvirt.org/go/libvirtxml"

	"github.com/ai-how/gpu-fleet/pkg/topology"
)

// NetworkDescriptor is the libvirt network of a cluster that declares its
// own subnet.
type NetworkDescriptor struct {
	Name string
	XML  []byte
}

// NetworkUUID is stable for a network name.
func NetworkUUID(name string) string {
	return uuid.NewSHA1(domainNamespace, []byte("network/"+name)).String()
}

// NewNetwork builds a NAT network with the gateway on the first host of the
// subnet and a fixed DHCP lease per node. Addresses after the last node are
// left to the dynamic range.
func NewNetwork(cluster topology.ClusterSpec) (*libvirtxml.Network, error) {
	_, subnet, err := net.ParseCIDR(cluster.Network.Subnet)
	if err != nil {
		return nil, fmt.Errorf("could not parse subnet of cluster %v: %w", cluster.Name, err)
	}
	prefix, _ := subnet.Mask.Size()
	base := netutils.BigForIP(subnet.IP)
	nodes := cluster.Nodes()

	dhcp := &libvirtxml.NetworkDHCP{}
	first, last := int64(topology.FirstHostIndex+len(nodes)), netutils.RangeSize(subnet)-2
	if first <= last {
		dhcp.Ranges = []libvirtxml.NetworkDHCPRange{{
			Start: netutils.AddIPOffset(base, int(first)).String(),
			End:   netutils.AddIPOffset(base, int(last)).String(),
		}}
	}
	for _, node := range nodes {
		dhcp.Hosts = append(dhcp.Hosts, libvirtxml.NetworkDHCPHost{
			MAC:  MACAddress(node.Name),
			Name: node.Name,
			IP:   node.IPAddress,
		})
	}

	name := cluster.NetworkName()
	return &libvirtxml.Network{
		Name:    name,
		UUID:    NetworkUUID(name),
		Forward: &libvirtxml.NetworkForward{Mode: "nat"},
		IPs: []libvirtxml.NetworkIP{{
			Address: netutils.AddIPOffset(base, 1).String(),
			Prefix:  uint(prefix),
			DHCP:    dhcp,
		}},
	}, nil
}

// MarshalNetwork renders the network as indented XML with a trailing newline.
func MarshalNetwork(network *libvirtxml.Network) ([]byte, error) {
	out, err := network.Marshal()
	if err != nil {
		return nil, fmt.Errorf("could not encode network %v: %w", network.Name, err)
	}
	return []byte(out + "\n"), nil
}
