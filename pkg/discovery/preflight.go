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

package discovery

import (
	"fmt"
	"os"
	"path"

	"k8s.io/klog/v2"

	"github.com/ai-how/gpu-fleet/pkg/device"
)

// Finding is the outcome of one host readiness check.
type Finding struct {
	Check  string `json:"check"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// Preflight checks that the host can pass GPUs through at all: the IOMMU is
// on, vfio-pci is loaded, KVM is available, and every scanned GPU is in an
// IOMMU group and bound to vfio-pci.
func (s *Scanner) Preflight(inv Inventory) []Finding {
	findings := []Finding{
		s.checkIOMMU(),
		s.checkVfioModule(),
		s.checkKVM(),
	}

	for _, gpu := range inv.Devices {
		check := "gpu " + gpu.PCIAddress
		switch {
		case !gpu.HasIOMMUGroup():
			findings = append(findings, Finding{Check: check, Detail: "no IOMMU group, cannot be passed through"})
		case !gpu.BoundToVfio():
			findings = append(findings, Finding{Check: check,
				Detail: fmt.Sprintf("%s bound to %s, expected %s", gpu.ModelName, gpu.Driver, device.VfioPCIDriver)})
		default:
			findings = append(findings, Finding{Check: check, OK: true,
				Detail: fmt.Sprintf("%s in IOMMU group %d", gpu.ModelName, gpu.IOMMUGroup)})
		}
	}

	for _, f := range findings {
		if !f.OK {
			klog.Warningf("preflight %s: %s", f.Check, f.Detail)
		}
	}

	return findings
}

func (s *Scanner) checkIOMMU() Finding {
	groupsDir := path.Join(s.SysfsRoot, device.SysfsIOMMUGroupPath)
	groups, err := os.ReadDir(groupsDir)
	if err != nil || len(groups) == 0 {
		return Finding{Check: "iommu", Detail: fmt.Sprintf("no IOMMU groups under %s, enable intel_iommu=on or amd_iommu=on", groupsDir)}
	}
	return Finding{Check: "iommu", OK: true, Detail: fmt.Sprintf("%d IOMMU group(s)", len(groups))}
}

func (s *Scanner) checkVfioModule() Finding {
	modulePath := path.Join(s.SysfsRoot, device.SysfsVfioModulePath)
	if _, err := os.Stat(modulePath); err != nil {
		return Finding{Check: "vfio-pci", Detail: "vfio_pci kernel module is not loaded"}
	}
	return Finding{Check: "vfio-pci", OK: true, Detail: "vfio_pci kernel module loaded"}
}

func (s *Scanner) checkKVM() Finding {
	kvmPath := path.Join(s.DevfsRoot, "kvm")
	if _, err := os.Stat(kvmPath); err != nil {
		return Finding{Check: "kvm", Detail: fmt.Sprintf("%s not present, hardware virtualization unavailable", kvmPath)}
	}
	return Finding{Check: "kvm", OK: true, Detail: kvmPath + " present"}
}

// Ready reports whether every finding passed.
func Ready(findings []Finding) bool {
	for _, f := range findings {
		if !f.OK {
			return false
		}
	}
	return true
}
