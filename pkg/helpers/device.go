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

package helpers

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

const (
	SysfsEnvVarName  = "SYSFS_ROOT"
	sysfsDefaultRoot = "/sys"

	ProcfsEnvVarName  = "PROCFS_ROOT"
	procfsDefaultRoot = "/proc"

	DevfsEnvVarName  = "DEVFS_ROOT"
	devfsDefaultRoot = "/dev"

	PCIAddressLength = len("0000:00:00.0")
)

// GetSysfsRoot tries to get path where sysfs is mounted from
// env var, or fallback to hardcoded path.
func GetSysfsRoot(sysfsPath string) string {
	return getRoot(SysfsEnvVarName, sysfsPath, sysfsDefaultRoot)
}

// GetProcfsRoot is GetSysfsRoot for procfs.
func GetProcfsRoot(procfsPath string) string {
	return getRoot(ProcfsEnvVarName, procfsPath, procfsDefaultRoot)
}

func GetDevRoot(devfsRootEnvVarName string, devPath string) string {
	return getRoot(devfsRootEnvVarName, devPath, devfsDefaultRoot)
}

func getRoot(envVarName, probePath, defaultRoot string) string {
	root, found := os.LookupEnv(envVarName)

	if found && root != "" {
		if _, err := os.Stat(path.Join(root, probePath)); err == nil {
			klog.V(5).Infof("using custom location from %v: %v", envVarName, root)
			return root
		} else {
			klog.Warningf("could not find '%v' under %v from %v env var: %v", probePath, root, envVarName, err)
		}
	}

	klog.V(5).Infof("using default location: %v", defaultRoot)
	return defaultRoot
}

// PCIAddress is a parsed DBDF address.
type PCIAddress struct {
	Domain   uint64
	Bus      uint64
	Slot     uint64
	Function uint64
}

// ParsePCIAddress parses Linux DBDF notation, e.g. 0000:01:00.0.
func ParsePCIAddress(pciAddress string) (PCIAddress, error) {
	if len(pciAddress) != PCIAddressLength || pciAddress[4] != ':' || pciAddress[7] != ':' || pciAddress[10] != '.' {
		return PCIAddress{}, fmt.Errorf("malformed PCI address %q", pciAddress)
	}

	domain, err1 := strconv.ParseUint(pciAddress[0:4], 16, 64)
	bus, err2 := strconv.ParseUint(pciAddress[5:7], 16, 64)
	slot, err3 := strconv.ParseUint(pciAddress[8:10], 16, 64)
	function, err4 := strconv.ParseUint(pciAddress[11:], 16, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || function > 7 {
		return PCIAddress{}, fmt.Errorf("malformed PCI address %q", pciAddress)
	}

	return PCIAddress{Domain: domain, Bus: bus, Slot: slot, Function: function}, nil
}

func (a PCIAddress) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Slot, a.Function)
}

// NormalizePCIAddress lower-cases and prefixes the default 0000 domain when
// the short "01:00.0" lspci form is given.
func NormalizePCIAddress(pciAddress string) string {
	addr := strings.ToLower(strings.TrimSpace(pciAddress))
	if len(addr) == len("00:00.0") {
		addr = "0000:" + addr
	}
	return addr
}
