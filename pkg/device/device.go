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

package device

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	PciRegexp = regexp.MustCompile(`^[0-9a-f]{4}:[0-9a-f]{2}:[0-9a-f]{2}\.[0-7]$`)
)

const (
	// Paths relative to $SYSFS_ROOT.
	SysfsPCIDevicesPath = "bus/pci/devices"
	SysfsPCIDriversPath = "bus/pci/drivers"
	SysfsIOMMUGroupPath = "kernel/iommu_groups"
	SysfsCPUOnlinePath  = "devices/system/cpu/online"
	SysfsVfioModulePath = "module/vfio_pci"

	// Path relative to $PROCFS_ROOT.
	ProcfsMeminfoPath = "meminfo"

	VfioPCIDriver = "vfio-pci"
	NoDriver      = "none"
	NoIOMMUGroup  = -1

	// PCI base class 0x03 is "display controller" (VGA, XGA, 3D).
	DisplayControllerClassPrefix = "0x03"
)

var VendorNames = map[string]string{
	"0x10de": "nvidia",
	"0x1002": "amd",
	"0x8086": "intel",
}

// ModelDetails maps "<vendor>:<device>" PCI IDs to marketing names.
var ModelDetails = map[string]string{
	"0x10de:0x2204": "RTX 3090",
	"0x10de:0x2230": "RTX A6000",
	"0x10de:0x2684": "RTX 4090",
	"0x10de:0x2805": "RTX 4060 Ti",
	"0x10de:0x1e07": "RTX 2080 Ti",
	"0x10de:0x20b0": "A100",
	"0x10de:0x20b5": "A100 80GB",
	"0x10de:0x2330": "H100",
	"0x10de:0x26b9": "L40S",
	"0x1002:0x744c": "Radeon RX 7900 XTX",
	"0x1002:0x740f": "Instinct MI210",
	"0x8086:0x56c0": "Flex 170",
	"0x8086:0x56c1": "Flex 140",
	"0x8086:0x0bd5": "Max 1550",
}

// GpuDevice is a host GPU PCI function as seen during one scan.
type GpuDevice struct {
	PCIAddress string `json:"pciAddress"` // Linux DBDF notation, e.g. 0000:01:00.0
	VendorID   string `json:"vendorID"`   // e.g. 0x10de
	DeviceID   string `json:"deviceID"`   // e.g. 0x2204
	ModelName  string `json:"modelName"`
	IOMMUGroup int    `json:"iommuGroup"` // -1 when the host has no IOMMU group for the device
	Driver     string `json:"driver"`     // "none", "vfio-pci" or a native driver name
}

// SetModelInfo resolves ModelName from the PCI ID table.
func (g *GpuDevice) SetModelInfo() {
	if name, found := ModelDetails[g.PCIID()]; found {
		g.ModelName = name
		return
	}
	g.ModelName = g.GresType()
}

func (g GpuDevice) PCIID() string {
	return g.VendorID + ":" + g.DeviceID
}

func (g GpuDevice) VendorName() string {
	if name, found := VendorNames[g.VendorID]; found {
		return name
	}
	return "unknown"
}

func (g GpuDevice) BoundToVfio() bool {
	return g.Driver == VfioPCIDriver
}

func (g GpuDevice) HasIOMMUGroup() bool {
	return g.IOMMUGroup != NoIOMMUGroup
}

// MatchesModel reports whether filter names this device. The filter is
// compared case-insensitively against the model name, the device ID and the
// full vendor:device PCI ID.
func (g GpuDevice) MatchesModel(filter string) bool {
	if filter == "" {
		return true
	}
	f := strings.ToLower(strings.TrimSpace(filter))
	return f == strings.ToLower(g.ModelName) ||
		f == strings.ToLower(g.DeviceID) ||
		f == strings.ToLower(g.PCIID()) ||
		f == strings.ToLower(g.GresType())
}

// GresType is the scheduler GPU type token: lower-case model name with
// anything but letters and digits folded to underscores, or
// <vendor>_<deviceid> for devices missing from ModelDetails.
func (g GpuDevice) GresType() string {
	if name, found := ModelDetails[g.PCIID()]; found {
		return gresToken(name)
	}
	return fmt.Sprintf("%s_%s", g.VendorName(), strings.TrimPrefix(g.DeviceID, "0x"))
}

func gresToken(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// HostCapacity is the CPU and memory the host can hand out to VMs.
type HostCapacity struct {
	CPUs      int   `json:"cpus"`
	MemoryMiB int64 `json:"memoryMiB"`
}
