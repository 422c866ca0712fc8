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

// Package discovery builds a snapshot of the passthrough-capable GPUs and
// the CPU and memory capacity of the host from sysfs and procfs.
package discovery

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
	"k8s.io/klog/v2"
	"k8s.io/utils/cpuset"

	"github.com/ai-how/gpu-fleet/pkg/device"
	"github.com/ai-how/gpu-fleet/pkg/fleeterr"
	"github.com/ai-how/gpu-fleet/pkg/helpers"
)

// Inventory is an immutable snapshot of the host. Devices are sorted by PCI
// address.
type Inventory struct {
	Devices  []device.GpuDevice  `json:"devices"`
	Capacity device.HostCapacity `json:"capacity"`
}

// Device returns the scanned device with the given PCI address.
func (inv Inventory) Device(pciAddress string) (device.GpuDevice, bool) {
	i := sort.Search(len(inv.Devices), func(i int) bool { return inv.Devices[i].PCIAddress >= pciAddress })
	if i < len(inv.Devices) && inv.Devices[i].PCIAddress == pciAddress {
		return inv.Devices[i], true
	}
	return device.GpuDevice{}, false
}

// MatchesAny reports whether any scanned device satisfies the model filter.
func (inv Inventory) MatchesAny(model string) bool {
	for _, dev := range inv.Devices {
		if dev.MatchesModel(model) {
			return true
		}
	}
	return false
}

// Scanner reads host state. The zero value is not usable, see NewScanner.
type Scanner struct {
	SysfsRoot  string
	ProcfsRoot string
	DevfsRoot  string
}

// NewScanner returns a Scanner rooted at the locations resolved from
// SYSFS_ROOT, PROCFS_ROOT and DEVFS_ROOT, falling back to /sys, /proc, /dev.
func NewScanner() *Scanner {
	return &Scanner{
		SysfsRoot:  helpers.GetSysfsRoot(device.SysfsPCIDevicesPath),
		ProcfsRoot: helpers.GetProcfsRoot(device.ProcfsMeminfoPath),
		DevfsRoot:  helpers.GetDevRoot(helpers.DevfsEnvVarName, ""),
	}
}

// Scan lists display-class PCI functions and host capacity. It has no side
// effects and is cheap enough to call before every allocation decision.
func (s *Scanner) Scan() (Inventory, error) {
	devices, err := s.scanDevices()
	if err != nil {
		return Inventory{}, err
	}

	capacity, err := s.scanCapacity()
	if err != nil {
		return Inventory{}, err
	}

	klog.V(3).Infof("host scan: %d GPU(s), %d CPU(s), %d MiB memory", len(devices), capacity.CPUs, capacity.MemoryMiB)

	return Inventory{Devices: devices, Capacity: capacity}, nil
}

func (s *Scanner) scanDevices() ([]device.GpuDevice, error) {
	pciDevicesDir := path.Join(s.SysfsRoot, device.SysfsPCIDevicesPath)

	klog.V(5).Infof("Looking for GPU devices in %v", pciDevicesDir)
	files, err := os.ReadDir(pciDevicesDir)
	if err != nil {
		return nil, &fleeterr.ProbeError{Path: pciDevicesDir, Err: err}
	}

	devices := []device.GpuDevice{}
	for _, file := range files {
		pciAddress := file.Name()
		if !device.PciRegexp.MatchString(pciAddress) {
			continue
		}

		deviceDir := path.Join(pciDevicesDir, pciAddress)
		class, err := readSysfsAttr(deviceDir, "class")
		if err != nil {
			klog.Errorf("Failed reading PCI class of %v: %v", pciAddress, err)
			continue
		}
		if !strings.HasPrefix(class, device.DisplayControllerClassPrefix) {
			continue
		}
		klog.V(5).Infof("Found display controller PCI device: %s (class %s)", pciAddress, class)

		vendorID, err1 := readSysfsAttr(deviceDir, "vendor")
		deviceID, err2 := readSysfsAttr(deviceDir, "device")
		if err1 != nil || err2 != nil {
			klog.Errorf("Failed reading PCI ID of %v: %v %v", pciAddress, err1, err2)
			continue
		}

		gpu := device.GpuDevice{
			PCIAddress: pciAddress,
			VendorID:   vendorID,
			DeviceID:   deviceID,
			Driver:     readDriver(deviceDir),
			IOMMUGroup: readIOMMUGroup(deviceDir),
		}
		gpu.SetModelInfo()

		klog.V(5).Infof("GPU %v: %v (%v) driver=%v iommu_group=%v", pciAddress, gpu.ModelName, gpu.PCIID(), gpu.Driver, gpu.IOMMUGroup)
		devices = append(devices, gpu)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].PCIAddress < devices[j].PCIAddress })

	return devices, nil
}

func readSysfsAttr(deviceDir, attr string) (string, error) {
	data, err := os.ReadFile(path.Join(deviceDir, attr))
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(string(data))), nil
}

// readDriver returns the basename of the driver symlink, or "none".
func readDriver(deviceDir string) string {
	target, err := os.Readlink(path.Join(deviceDir, "driver"))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			klog.Warningf("Failed reading driver link of %v: %v", deviceDir, err)
		}
		return device.NoDriver
	}
	return filepath.Base(target)
}

// readIOMMUGroup returns the numeric basename of the iommu_group symlink,
// or -1 when the device is not in a group.
func readIOMMUGroup(deviceDir string) int {
	target, err := os.Readlink(path.Join(deviceDir, "iommu_group"))
	if err != nil {
		return device.NoIOMMUGroup
	}
	group, err := strconv.Atoi(filepath.Base(target))
	if err != nil {
		klog.Warningf("Unexpected IOMMU group link %v of %v", target, deviceDir)
		return device.NoIOMMUGroup
	}
	return group
}

func (s *Scanner) scanCapacity() (device.HostCapacity, error) {
	onlineFile := path.Join(s.SysfsRoot, device.SysfsCPUOnlinePath)
	online, err := os.ReadFile(onlineFile)
	if err != nil {
		return device.HostCapacity{}, &fleeterr.ProbeError{Path: onlineFile, Err: err}
	}
	cpus, err := cpuset.Parse(strings.TrimSpace(string(online)))
	if err != nil {
		return device.HostCapacity{}, &fleeterr.ProbeError{Path: onlineFile, Err: err}
	}

	meminfoFile := path.Join(s.ProcfsRoot, device.ProcfsMeminfoPath)
	fs, err := procfs.NewFS(s.ProcfsRoot)
	if err != nil {
		return device.HostCapacity{}, &fleeterr.ProbeError{Path: s.ProcfsRoot, Err: err}
	}
	meminfo, err := fs.Meminfo()
	if err != nil {
		return device.HostCapacity{}, &fleeterr.ProbeError{Path: meminfoFile, Err: err}
	}
	if meminfo.MemTotal == nil {
		return device.HostCapacity{}, &fleeterr.ProbeError{Path: meminfoFile, Err: fmt.Errorf("no MemTotal entry")}
	}

	return device.HostCapacity{
		CPUs:      cpus.Size(),
		MemoryMiB: int64(*meminfo.MemTotal / 1024), //nolint:gosec // kB value always fits
	}, nil
}
