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
	"crypto/sha1"
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/ai-how/gpu-fleet/pkg/allocator"
	"github.com/ai-how/gpu-fleet/pkg/helpers"
)

const (
	MetadataNamespace = "https://github.com/ai-how/gpu-fleet/1.0"
	MachineType       = "q35"
	// Locally administered prefix used by QEMU/KVM.
	MACPrefix = "52:54:00"
)

var domainNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte(MetadataNamespace))

// NodeMetadata is stored under the fleet namespace so that libvirt keeps it.
type NodeMetadata struct {
	XMLName     xml.Name `xml:"https://github.com/ai-how/gpu-fleet/1.0 node"`
	Cluster     string   `xml:"cluster"`
	Group       string   `xml:"group"`
	Role        string   `xml:"role"`
	IPAddress   string   `xml:"ipAddress,omitempty"`
	DiskImage   string   `xml:"diskImage"`
	DiskSizeGiB int64    `xml:"diskSizeGiB,omitempty"`
}

// DomainUUID is stable for a cluster and node name pair.
func DomainUUID(cluster, node string) string {
	return uuid.NewSHA1(domainNamespace, []byte(cluster+"/"+node)).String()
}

// MACAddress derives a stable locally administered MAC from the node name.
func MACAddress(node string) string {
	sum := sha1.Sum([]byte(node))
	return fmt.Sprintf("%s:%02x:%02x:%02x", MACPrefix, sum[0], sum[1], sum[2])
}

// PCIHostDevice returns the managed hostdev of a PCI address. Managed devices
// are detached from the host driver by libvirt on start.
func PCIHostDevice(pciAddress string) (libvirtxml.DomainHostdev, error) {
	addr, err := helpers.ParsePCIAddress(pciAddress)
	if err != nil {
		return libvirtxml.DomainHostdev{}, err
	}
	domain, bus, slot, function := uint(addr.Domain), uint(addr.Bus), uint(addr.Slot), uint(addr.Function)
	return libvirtxml.DomainHostdev{
		Managed: "yes",
		SubsysPCI: &libvirtxml.DomainHostdevSubsysPCI{
			Source: &libvirtxml.DomainHostdevSubsysPCISource{
				Address: &libvirtxml.DomainAddressPCI{Domain: &domain, Bus: &bus, Slot: &slot, Function: &function},
			},
		},
	}, nil
}

// NewDomain builds the domain of one planned node. The node boots from its
// own overlay disk at diskPath.
func NewDomain(assignment allocator.Assignment, network, diskPath string) (*libvirtxml.Domain, error) {
	node := assignment.Node

	metadata, err := xml.Marshal(NodeMetadata{
		Cluster:     node.Cluster,
		Group:       node.Group,
		Role:        node.Role,
		IPAddress:   node.IPAddress,
		DiskImage:   node.DiskImage,
		DiskSizeGiB: node.DiskSizeGiB,
	})
	if err != nil {
		return nil, fmt.Errorf("could not encode metadata of node %v: %w", node.Name, err)
	}

	memoryKiB := uint(node.MemoryMiB * 1024)
	var consolePort uint
	domain := &libvirtxml.Domain{
		Type:          "kvm",
		Name:          node.Name,
		UUID:          DomainUUID(node.Cluster, node.Name),
		Metadata:      &libvirtxml.DomainMetadata{XML: string(metadata)},
		Memory:        &libvirtxml.DomainMemory{Value: memoryKiB, Unit: "KiB"},
		CurrentMemory: &libvirtxml.DomainCurrentMemory{Value: memoryKiB, Unit: "KiB"},
		VCPU:          &libvirtxml.DomainVCPU{Placement: "static", Value: uint(node.VCPUs)},
		OS: &libvirtxml.DomainOS{
			Type:        &libvirtxml.DomainOSType{Arch: "x86_64", Machine: MachineType, Type: "hvm"},
			BootDevices: []libvirtxml.DomainBootDevice{{Dev: "hd"}},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU:        &libvirtxml.DomainCPU{Mode: "host-passthrough", Check: "none"},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{{
				Device: "disk",
				Driver: &libvirtxml.DomainDiskDriver{Name: "qemu", Type: "qcow2"},
				Source: &libvirtxml.DomainDiskSource{
					File: &libvirtxml.DomainDiskSourceFile{File: diskPath},
				},
				Target: &libvirtxml.DomainDiskTarget{Dev: "vda", Bus: "virtio"},
			}},
			Interfaces: []libvirtxml.DomainInterface{{
				MAC: &libvirtxml.DomainInterfaceMAC{Address: MACAddress(node.Name)},
				Source: &libvirtxml.DomainInterfaceSource{
					Network: &libvirtxml.DomainInterfaceSourceNetwork{Network: network},
				},
				Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
			}},
			Consoles: []libvirtxml.DomainConsole{{
				Source: &libvirtxml.DomainChardevSource{Pty: &libvirtxml.DomainChardevSourcePty{}},
				Target: &libvirtxml.DomainConsoleTarget{Type: "serial", Port: &consolePort},
			}},
		},
	}

	for _, dev := range assignment.Devices {
		hostdev, err := PCIHostDevice(dev.PCIAddress)
		if err != nil {
			return nil, fmt.Errorf("node %v: %w", node.Name, err)
		}
		domain.Devices.Hostdevs = append(domain.Devices.Hostdevs, hostdev)
	}

	return domain, nil
}

// MarshalDomain renders the domain as indented XML with a trailing newline.
func MarshalDomain(domain *libvirtxml.Domain) ([]byte, error) {
	out, err := domain.Marshal()
	if err != nil {
		return nil, fmt.Errorf("could not encode domain %v: %w", domain.Name, err)
	}
	return []byte(out + "\n"), nil
}
