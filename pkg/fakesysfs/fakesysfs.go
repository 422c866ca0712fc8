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

package fakesysfs

import (
	"fmt"
	"path"
	"strings"

	"github.com/ai-how/gpu-fleet/pkg/device"
)

const (
	defaultCPUs      = 16
	defaultMemoryMiB = 65536
)

// PCIFunction is one fake PCI function. Class defaults to a 3D controller.
type PCIFunction struct {
	PCIAddress string `json:"pciAddress"`
	VendorID   string `json:"vendorID"`
	DeviceID   string `json:"deviceID"`
	Class      string `json:"class,omitempty"`
	IOMMUGroup int    `json:"iommuGroup"`
	Driver     string `json:"driver"`
}

// Host is the layout of a fake passthrough host.
type Host struct {
	CPUs       int           `json:"cpus"`
	MemoryMiB  int64         `json:"memoryMiB"`
	VfioModule bool          `json:"vfioModule"`
	KVM        bool          `json:"kvm"`
	Functions  []PCIFunction `json:"functions"`
}

// NewGpuHost returns a preflight-clean host with one vfio-bound GPU per
// address, each in its own IOMMU group.
func NewGpuHost(vendorID, deviceID string, pciAddresses ...string) Host {
	host := Host{
		CPUs:       defaultCPUs,
		MemoryMiB:  defaultMemoryMiB,
		VfioModule: true,
		KVM:        true,
	}
	for i, addr := range pciAddresses {
		host.Functions = append(host.Functions, PCIFunction{
			PCIAddress: addr,
			VendorID:   vendorID,
			DeviceID:   deviceID,
			IOMMUGroup: i + 1,
			Driver:     device.VfioPCIDriver,
		})
	}
	return host
}

func (f PCIFunction) class() string {
	if f.Class == "" {
		return "0x030200"
	}
	return f.Class
}

// sanitizeFakeSysFsDir ensuring the /tmp location of fake sysfs.
func sanitizeFakeSysFsDir(sysfsRootUntrusted string) error {
	// fake sysfsroot should be deletable.
	// To prevent disaster mistakes, it is enforced to be in /tmp.
	sysfsRoot := path.Join(sysfsRootUntrusted)
	if !strings.HasPrefix(sysfsRoot, "/tmp") {
		return fmt.Errorf("fake sysfsroot can only be in /tmp, got: %v", sysfsRoot)
	}

	return nil
}

// pciRootPath is the parent directory real sysfs uses for a device, e.g.
// devices/pci0000:01 for 0000:01:00.0.
func pciRootPath(pciAddress string) string {
	if len(pciAddress) < len("0000:00") {
		return "devices/pci"
	}
	return path.Join("devices", "pci"+pciAddress[:7])
}
