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
	"sort"
	"strconv"
	"strings"

	"github.com/ai-how/gpu-fleet/pkg/device"
)

const GresName = "gpu"

// GresEntry is one "gpu:<type>:<count>" element of a GRES string.
type GresEntry struct {
	Type  string
	Count int
}

// Gres counts devices per GRES type, sorted by type.
func Gres(devices []device.GpuDevice) []GresEntry {
	counts := map[string]int{}
	for _, dev := range devices {
		counts[dev.GresType()]++
	}

	entries := make([]GresEntry, 0, len(counts))
	for gresType, count := range counts {
		entries = append(entries, GresEntry{Type: gresType, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Type < entries[j].Type })

	return entries
}

// FormatGres joins entries into the scheduler string, e.g.
// "gpu:a100:2,gpu:rtx_a6000:1". No entries give an empty string.
func FormatGres(entries []GresEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, fmt.Sprintf("%s:%s:%d", GresName, e.Type, e.Count))
	}
	return strings.Join(parts, ",")
}

// ParseGres is the inverse of FormatGres.
func ParseGres(gres string) ([]GresEntry, error) {
	entries := []GresEntry{}
	if strings.TrimSpace(gres) == "" {
		return entries, nil
	}

	for _, part := range strings.Split(gres, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) != 3 || fields[0] != GresName || fields[1] == "" {
			return nil, fmt.Errorf("malformed GRES element %q", part)
		}
		count, err := strconv.Atoi(fields[2])
		if err != nil || count < 1 {
			return nil, fmt.Errorf("malformed GRES count in %q", part)
		}
		entries = append(entries, GresEntry{Type: fields[1], Count: count})
	}

	return entries, nil
}

// DeviceFile is the guest device node of the index-th passed-through GPU.
func DeviceFile(dev device.GpuDevice, index int) string {
	if dev.VendorName() == "nvidia" {
		return fmt.Sprintf("/dev/nvidia%d", index)
	}
	return fmt.Sprintf("/dev/dri/renderD%d", 128+index)
}

// GresConfLines returns the gres.conf lines of one node.
func GresConfLines(node string, devices []device.GpuDevice) []string {
	lines := make([]string, 0, len(devices))
	for i, dev := range devices {
		lines = append(lines, fmt.Sprintf("NodeName=%s Name=%s Type=%s File=%s", node, GresName, dev.GresType(), DeviceFile(dev, i)))
	}
	return lines
}
