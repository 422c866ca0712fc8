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
	"os"
	"path"
	"strconv"

	"github.com/ai-how/gpu-fleet/pkg/device"
	"github.com/ai-how/gpu-fleet/pkg/helpers"
)

// FakeSysFsHostContents creates sysfs, procfs and devfs layouts describing
// host under the given roots. All roots have to be in /tmp.
func FakeSysFsHostContents(sysfsRoot, procfsRoot, devfsRoot string, host Host) error {
	for _, root := range []string{sysfsRoot, procfsRoot, devfsRoot} {
		if err := sanitizeFakeSysFsDir(root); err != nil {
			return err
		}
	}

	if err := fakeSysfsCPUs(sysfsRoot, host.CPUs); err != nil {
		return err
	}

	if err := fakeProcfsMeminfo(procfsRoot, host.MemoryMiB); err != nil {
		return err
	}

	if host.VfioModule {
		if err := os.MkdirAll(path.Join(sysfsRoot, device.SysfsVfioModulePath), 0750); err != nil {
			return fmt.Errorf("creating fake sysfs, err: %v", err)
		}
	}

	if err := os.MkdirAll(devfsRoot, 0750); err != nil {
		return fmt.Errorf("creating fake devfs, err: %v", err)
	}
	if host.KVM {
		if err := helpers.WriteFile(path.Join(devfsRoot, "kvm"), ""); err != nil {
			return fmt.Errorf("creating fake devfs, err: %v", err)
		}
	}

	if err := os.MkdirAll(path.Join(sysfsRoot, device.SysfsPCIDevicesPath), 0750); err != nil {
		return fmt.Errorf("creating fake sysfs, err: %v", err)
	}
	if err := os.MkdirAll(path.Join(sysfsRoot, device.SysfsIOMMUGroupPath), 0750); err != nil {
		return fmt.Errorf("creating fake sysfs, err: %v", err)
	}

	for _, function := range host.Functions {
		if err := fakeSysfsPCIFunction(sysfsRoot, function); err != nil {
			return err
		}
	}

	return nil
}

func fakeSysfsCPUs(sysfsRoot string, cpus int) error {
	if cpus <= 0 {
		cpus = defaultCPUs
	}
	cpuDir := path.Join(sysfsRoot, path.Dir(device.SysfsCPUOnlinePath))
	if err := os.MkdirAll(cpuDir, 0750); err != nil {
		return fmt.Errorf("creating fake sysfs, err: %v", err)
	}

	online := "0"
	if cpus > 1 {
		online = fmt.Sprintf("0-%d", cpus-1)
	}
	if err := helpers.WriteFile(path.Join(sysfsRoot, device.SysfsCPUOnlinePath), online+"\n"); err != nil {
		return fmt.Errorf("creating fake sysfs, err: %v", err)
	}

	return nil
}

func fakeProcfsMeminfo(procfsRoot string, memoryMiB int64) error {
	if memoryMiB <= 0 {
		memoryMiB = defaultMemoryMiB
	}
	if err := os.MkdirAll(procfsRoot, 0750); err != nil {
		return fmt.Errorf("creating fake procfs, err: %v", err)
	}

	meminfo := fmt.Sprintf("MemTotal:       %d kB\nMemFree:        %d kB\nMemAvailable:   %d kB\n",
		memoryMiB*1024, memoryMiB*512, memoryMiB*768)
	if err := helpers.WriteFile(path.Join(procfsRoot, device.ProcfsMeminfoPath), meminfo); err != nil {
		return fmt.Errorf("creating fake procfs, err: %v", err)
	}

	return nil
}

// fakeSysfsPCIFunction lays out a PCI function the way the kernel does:
// the real directory under devices/, a bus/pci/devices symlink to it, and
// driver and iommu_group symlinks inside.
func fakeSysfsPCIFunction(sysfsRoot string, function PCIFunction) error {
	deviceDir := path.Join(sysfsRoot, pciRootPath(function.PCIAddress), function.PCIAddress)
	if err := os.MkdirAll(deviceDir, 0750); err != nil {
		return fmt.Errorf("creating fake sysfs, err: %v", err)
	}

	writeErr1 := helpers.WriteFile(path.Join(deviceDir, "vendor"), function.VendorID+"\n")
	writeErr2 := helpers.WriteFile(path.Join(deviceDir, "device"), function.DeviceID+"\n")
	writeErr3 := helpers.WriteFile(path.Join(deviceDir, "class"), function.class()+"\n")
	if writeErr1 != nil || writeErr2 != nil || writeErr3 != nil {
		return fmt.Errorf("creating fake sysfs, err(s): '%v', '%v', '%v'", writeErr1, writeErr2, writeErr3)
	}

	busLink := path.Join(sysfsRoot, device.SysfsPCIDevicesPath, function.PCIAddress)
	if err := os.Symlink(deviceDir, busLink); err != nil {
		return fmt.Errorf("creating fake sysfs, err: %v", err)
	}

	if function.IOMMUGroup != device.NoIOMMUGroup {
		groupDir := path.Join(sysfsRoot, device.SysfsIOMMUGroupPath, strconv.Itoa(function.IOMMUGroup))
		if err := os.MkdirAll(path.Join(groupDir, "devices"), 0750); err != nil {
			return fmt.Errorf("creating fake sysfs, err: %v", err)
		}
		if err := os.Symlink(deviceDir, path.Join(groupDir, "devices", function.PCIAddress)); err != nil {
			return fmt.Errorf("creating fake sysfs, err: %v", err)
		}
		if err := os.Symlink(groupDir, path.Join(deviceDir, "iommu_group")); err != nil {
			return fmt.Errorf("creating fake sysfs, err: %v", err)
		}
	}

	return BindDriver(sysfsRoot, function.PCIAddress, function.Driver)
}

// BindDriver points the driver symlink of an existing fake PCI function at
// driver. An empty driver or "none" leaves the function unbound, which is
// what a host reboot without vfio-pci early binding looks like.
func BindDriver(sysfsRoot, pciAddress, driver string) error {
	if err := sanitizeFakeSysFsDir(sysfsRoot); err != nil {
		return err
	}

	deviceDir := path.Join(sysfsRoot, pciRootPath(pciAddress), pciAddress)
	if _, err := os.Stat(deviceDir); err != nil {
		return fmt.Errorf("no fake PCI function %v: %v", pciAddress, err)
	}

	driverLink := path.Join(deviceDir, "driver")
	if target, err := os.Readlink(driverLink); err == nil {
		_ = os.Remove(path.Join(target, pciAddress))
		if err := os.Remove(driverLink); err != nil {
			return fmt.Errorf("unbinding fake PCI function %v: %v", pciAddress, err)
		}
	}

	if driver == "" || driver == device.NoDriver {
		return nil
	}

	driverDir := path.Join(sysfsRoot, device.SysfsPCIDriversPath, driver)
	if err := os.MkdirAll(driverDir, 0750); err != nil {
		return fmt.Errorf("creating fake sysfs, err: %v", err)
	}
	if err := os.Symlink(deviceDir, path.Join(driverDir, pciAddress)); err != nil {
		return fmt.Errorf("creating fake sysfs, err: %v", err)
	}
	if err := os.Symlink(driverDir, driverLink); err != nil {
		return fmt.Errorf("creating fake sysfs, err: %v", err)
	}

	return nil
}
