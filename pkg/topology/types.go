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

// Package topology loads the declarative description of the emulated fleet:
// clusters, their node groups and the per-node resource requests.
package topology

import (
	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	SupportedVersion   = "1.0"
	DefaultNetworkName = "default"
	NetworkNameSuffix  = "-net"

	// First host index handed out in a cluster subnet, .10 for the first
	// declared node, .11 for the second and so on.
	FirstHostIndex = 10
)

var ValidRoles = []string{"controller", "compute", "worker", "login", "storage"}

// Document is the rendered topology file.
type Document struct {
	Version  string        `json:"version"`
	Clusters []ClusterSpec `json:"clusters"`
}

// ClusterSpec is immutable once loaded.
type ClusterSpec struct {
	Name       string          `json:"name"`
	Network    NetworkSpec     `json:"network,omitempty"`
	NodeGroups []NodeGroupSpec `json:"nodeGroups"`
}

type NetworkSpec struct {
	Name   string `json:"name,omitempty"`
	Subnet string `json:"subnet,omitempty"`
}

type NodeGroupSpec struct {
	Name      string          `json:"name"`
	Role      string          `json:"role"`
	Replicas  int             `json:"replicas"`
	Resources ResourceRequest `json:"resources"`
}

type ResourceRequest struct {
	VCPUs  int               `json:"vcpus"`
	Memory resource.Quantity `json:"memory"`
	Disk   DiskSpec          `json:"disk"`
	GPUs   GPURequest        `json:"gpus,omitempty"`
}

type DiskSpec struct {
	Image string             `json:"image"`
	Size  *resource.Quantity `json:"size,omitempty"`
}

// GPURequest asks for Count devices. Model optionally narrows the candidates,
// PCIAddresses pins exact devices.
type GPURequest struct {
	Count        int      `json:"count,omitempty"`
	Model        string   `json:"model,omitempty"`
	PCIAddresses []string `json:"pciAddresses,omitempty"`
}

// NodeSpec is one expanded virtual node.
type NodeSpec struct {
	Name    string `json:"name"`
	Cluster string `json:"cluster"`
	Group   string `json:"group"`
	Role    string `json:"role"`
	// Index within the group, Ordinal within the cluster, both 0-based and
	// in declaration order.
	Index       int        `json:"index"`
	Ordinal     int        `json:"ordinal"`
	VCPUs       int        `json:"vcpus"`
	MemoryMiB   int64      `json:"memoryMiB"`
	DiskImage   string     `json:"diskImage"`
	DiskSizeGiB int64      `json:"diskSizeGiB,omitempty"`
	GPUs        GPURequest `json:"gpus"`
	Network     string     `json:"network"`
	IPAddress   string     `json:"ipAddress,omitempty"`
}
