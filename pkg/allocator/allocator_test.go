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

package allocator

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/ai-how/gpu-fleet/pkg/device"
	"github.com/ai-how/gpu-fleet/pkg/discovery"
	"github.com/ai-how/gpu-fleet/pkg/fleeterr"
	"github.com/ai-how/gpu-fleet/pkg/state"
	"github.com/ai-how/gpu-fleet/pkg/topology"
)

func gpuDevice(addr string, group int, driver string) device.GpuDevice {
	dev := device.GpuDevice{PCIAddress: addr, VendorID: "0x10de", DeviceID: "0x2204", IOMMUGroup: group, Driver: driver}
	dev.SetModelInfo()
	return dev
}

// threeGpuHost has 0000:01:00.0, 0000:02:00.0 and 0000:03:00.0 in separate
// IOMMU groups, all bound to vfio-pci.
func threeGpuHost() discovery.Inventory {
	return discovery.Inventory{
		Devices: []device.GpuDevice{
			gpuDevice("0000:01:00.0", 1, "vfio-pci"),
			gpuDevice("0000:02:00.0", 2, "vfio-pci"),
			gpuDevice("0000:03:00.0", 3, "vfio-pci"),
		},
		Capacity: device.HostCapacity{CPUs: 64, MemoryMiB: 262144},
	}
}

type group struct {
	name     string
	replicas int
	gpus     topology.GPURequest
}

func cluster(name string, groups ...group) topology.ClusterSpec {
	spec := topology.ClusterSpec{Name: name}
	for _, g := range groups {
		spec.NodeGroups = append(spec.NodeGroups, topology.NodeGroupSpec{
			Name: g.name, Role: "compute", Replicas: g.replicas,
			Resources: topology.ResourceRequest{
				VCPUs: 4, Memory: resource.MustParse("8Gi"),
				Disk: topology.DiskSpec{Image: "/images/compute.qcow2"},
				GPUs: g.gpus,
			},
		})
	}
	return spec
}

func assigned(plan *Plan) map[string][]string {
	result := map[string][]string{}
	for _, a := range plan.Assignments {
		result[a.Node.Name] = a.PCIAddresses()
	}
	return result
}

func allocationsOf(plan *Plan) state.Allocations {
	allocations := state.Allocations{}
	for _, a := range plan.Assignments {
		for _, addr := range a.PCIAddresses() {
			allocations[addr] = state.AllocationRecord{Cluster: plan.Cluster, Node: a.Node.Name, AssignedAt: time.Unix(0, 0)}
		}
	}
	return allocations
}

func TestAllocateAscendingOrder(t *testing.T) {
	spec := cluster("a",
		group{name: "big", replicas: 1, gpus: topology.GPURequest{Count: 2}},
		group{name: "small", replicas: 1, gpus: topology.GPURequest{Count: 1}},
	)

	plan, err := Allocate(spec, state.Allocations{}, threeGpuHost(), Options{})
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}

	expected := map[string][]string{
		"a-big-0":   {"0000:01:00.0", "0000:02:00.0"},
		"a-small-0": {"0000:03:00.0"},
	}
	if !reflect.DeepEqual(assigned(plan), expected) {
		t.Errorf("expected %v, got %v", expected, assigned(plan))
	}
	if plan.Assignments[0].Node.Name != "a-big-0" || plan.Assignments[1].Node.Name != "a-small-0" {
		t.Errorf("assignments not in declaration order: %+v", plan.Assignments)
	}
}

func TestAllocateInsufficientWhileOtherClusterHoldsDevices(t *testing.T) {
	first := cluster("a",
		group{name: "big", replicas: 1, gpus: topology.GPURequest{Count: 2}},
		group{name: "small", replicas: 1, gpus: topology.GPURequest{Count: 1}},
	)
	firstPlan, err := Allocate(first, state.Allocations{}, threeGpuHost(), Options{})
	if err != nil {
		t.Fatalf("Allocate(first) error: %v", err)
	}

	second := cluster("b", group{name: "compute", replicas: 1, gpus: topology.GPURequest{Count: 2}})
	plan, err := Allocate(second, allocationsOf(firstPlan), threeGpuHost(), Options{})
	if plan != nil {
		t.Errorf("expected no plan, got %+v", plan)
	}

	var insufficient *fleeterr.InsufficientResourcesError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientResourcesError, got %v", err)
	}
	expected := []fleeterr.Shortfall{{Node: "b-compute-0", Resource: "gpu", Requested: 2, Available: 0}}
	if !reflect.DeepEqual(insufficient.Shortfalls, expected) {
		t.Errorf("expected %+v, got %+v", expected, insufficient.Shortfalls)
	}
	if !strings.Contains(err.Error(), "node b-compute-0: gpu 0 of 2 available") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestAllocateIsAtomic(t *testing.T) {
	spec := cluster("a",
		group{name: "first", replicas: 1, gpus: topology.GPURequest{Count: 2}},
		group{name: "second", replicas: 2, gpus: topology.GPURequest{Count: 1}},
	)

	plan, err := Allocate(spec, state.Allocations{}, threeGpuHost(), Options{})
	var insufficient *fleeterr.InsufficientResourcesError
	if !errors.As(err, &insufficient) || plan != nil {
		t.Fatalf("expected InsufficientResourcesError and no plan, got %v %+v", err, plan)
	}

	expected := []fleeterr.Shortfall{{Node: "a-second-1", Resource: "gpu", Requested: 1, Available: 0}}
	if !reflect.DeepEqual(insufficient.Shortfalls, expected) {
		t.Errorf("expected %+v, got %+v", expected, insufficient.Shortfalls)
	}
}

func TestAllocateReportsEveryShortfall(t *testing.T) {
	spec := cluster("a",
		group{name: "x", replicas: 1, gpus: topology.GPURequest{Count: 4}},
		group{name: "y", replicas: 1, gpus: topology.GPURequest{Count: 2}},
		group{name: "z", replicas: 1, gpus: topology.GPURequest{Count: 2}},
	)

	_, err := Allocate(spec, state.Allocations{}, threeGpuHost(), Options{})
	var insufficient *fleeterr.InsufficientResourcesError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientResourcesError, got %v", err)
	}

	expected := []fleeterr.Shortfall{
		{Node: "a-x-0", Resource: "gpu", Requested: 4, Available: 3},
		{Node: "a-z-0", Resource: "gpu", Requested: 2, Available: 1},
	}
	if !reflect.DeepEqual(insufficient.Shortfalls, expected) {
		t.Errorf("expected %+v, got %+v", expected, insufficient.Shortfalls)
	}
}

func TestAllocateIOMMUGroups(t *testing.T) {
	// 01:00.0 and 02:00.0 share group 7, 03:00.0 is alone.
	inv := discovery.Inventory{
		Devices: []device.GpuDevice{
			gpuDevice("0000:01:00.0", 7, "vfio-pci"),
			gpuDevice("0000:02:00.0", 7, "vfio-pci"),
			gpuDevice("0000:03:00.0", 8, "vfio-pci"),
		},
	}

	t.Run("same node may take a whole group", func(t *testing.T) {
		plan, err := Allocate(cluster("a", group{name: "n", replicas: 1, gpus: topology.GPURequest{Count: 2}}), state.Allocations{}, inv, Options{})
		if err != nil {
			t.Fatalf("Allocate() error: %v", err)
		}
		expected := map[string][]string{"a-n-0": {"0000:01:00.0", "0000:02:00.0"}}
		if !reflect.DeepEqual(assigned(plan), expected) {
			t.Errorf("expected %v, got %v", expected, assigned(plan))
		}
	})

	t.Run("group is not split between nodes of one plan", func(t *testing.T) {
		plan, err := Allocate(cluster("a", group{name: "n", replicas: 2, gpus: topology.GPURequest{Count: 1}}), state.Allocations{}, inv, Options{})
		if err != nil {
			t.Fatalf("Allocate() error: %v", err)
		}
		expected := map[string][]string{"a-n-0": {"0000:01:00.0"}, "a-n-1": {"0000:03:00.0"}}
		if !reflect.DeepEqual(assigned(plan), expected) {
			t.Errorf("expected %v, got %v", expected, assigned(plan))
		}
	})

	t.Run("group is not split across plans", func(t *testing.T) {
		existing := state.Allocations{"0000:01:00.0": {Cluster: "other", Node: "other-n-0"}}
		spec := cluster("a", group{name: "n", replicas: 1, gpus: topology.GPURequest{Count: 2}})

		_, err := Allocate(spec, existing, inv, Options{})
		var insufficient *fleeterr.InsufficientResourcesError
		if !errors.As(err, &insufficient) {
			t.Fatalf("expected InsufficientResourcesError, got %v", err)
		}
		if insufficient.Shortfalls[0].Available != 1 {
			t.Errorf("only 0000:03:00.0 should be available, got %+v", insufficient.Shortfalls)
		}

		plan, err := Allocate(cluster("a", group{name: "n", replicas: 1, gpus: topology.GPURequest{Count: 1}}), existing, inv, Options{})
		if err != nil {
			t.Fatalf("Allocate() error: %v", err)
		}
		if got := plan.PCIAddresses(); !reflect.DeepEqual(got, []string{"0000:03:00.0"}) {
			t.Errorf("expected 0000:03:00.0, got %v", got)
		}
	})
}

func TestAllocateSkipsUnusableDevices(t *testing.T) {
	inv := discovery.Inventory{
		Devices: []device.GpuDevice{
			gpuDevice("0000:01:00.0", 1, "nvidia"),
			gpuDevice("0000:02:00.0", device.NoIOMMUGroup, "vfio-pci"),
			gpuDevice("0000:03:00.0", 3, "vfio-pci"),
		},
	}

	plan, err := Allocate(cluster("a", group{name: "n", replicas: 1, gpus: topology.GPURequest{Count: 1}}), state.Allocations{}, inv, Options{})
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if got := plan.PCIAddresses(); !reflect.DeepEqual(got, []string{"0000:03:00.0"}) {
		t.Errorf("expected only the vfio-bound grouped device, got %v", got)
	}
}

func TestAllocateModelFilter(t *testing.T) {
	inv := threeGpuHost()
	inv.Devices[1] = device.GpuDevice{PCIAddress: "0000:02:00.0", VendorID: "0x10de", DeviceID: "0x2230", IOMMUGroup: 2, Driver: "vfio-pci"}
	inv.Devices[1].SetModelInfo()

	plan, err := Allocate(cluster("a", group{name: "n", replicas: 1, gpus: topology.GPURequest{Count: 1, Model: "RTX A6000"}}), state.Allocations{}, inv, Options{})
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	if got := plan.PCIAddresses(); !reflect.DeepEqual(got, []string{"0000:02:00.0"}) {
		t.Errorf("expected the A6000, got %v", got)
	}

	_, err = Allocate(cluster("a", group{name: "n", replicas: 1, gpus: topology.GPURequest{Count: 1, Model: "H100"}}), state.Allocations{}, inv, Options{})
	if !fleeterr.IsConfiguration(err) {
		t.Errorf("expected ConfigurationError for a model absent from the host, got %v", err)
	}

	_, err = Allocate(cluster("a", group{name: "n", replicas: 1, gpus: topology.GPURequest{Count: 2, Model: "RTX A6000"}}), state.Allocations{}, inv, Options{})
	var insufficient *fleeterr.InsufficientResourcesError
	if !errors.As(err, &insufficient) || insufficient.Shortfalls[0].Detail != "model RTX A6000" {
		t.Errorf("expected model shortfall, got %v", err)
	}
}

func TestAllocatePins(t *testing.T) {
	spec := cluster("a",
		group{name: "auto", replicas: 1, gpus: topology.GPURequest{Count: 2}},
		group{name: "pinned", replicas: 1, gpus: topology.GPURequest{Count: 1, PCIAddresses: []string{"0000:01:00.0"}}},
	)

	plan, err := Allocate(spec, state.Allocations{}, threeGpuHost(), Options{})
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	expected := map[string][]string{"a-auto-0": {"0000:02:00.0", "0000:03:00.0"}, "a-pinned-0": {"0000:01:00.0"}}
	if !reflect.DeepEqual(assigned(plan), expected) {
		t.Errorf("expected %v, got %v", expected, assigned(plan))
	}
	if plan.Assignments[0].Node.Name != "a-auto-0" {
		t.Errorf("assignments not in declaration order: %+v", plan.Assignments)
	}

	existing := state.Allocations{"0000:01:00.0": {Cluster: "b", Node: "b-n-0"}}
	_, err = Allocate(spec, existing, threeGpuHost(), Options{})
	var insufficient *fleeterr.InsufficientResourcesError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientResourcesError, got %v", err)
	}
	if len(insufficient.Shortfalls) != 1 || insufficient.Shortfalls[0].Node != "a-pinned-0" ||
		!strings.Contains(insufficient.Shortfalls[0].Detail, "pinned device 0000:01:00.0 owned by b/b-n-0") {
		t.Errorf("expected pinned device conflict, got %+v", insufficient.Shortfalls)
	}

	unbound := threeGpuHost()
	unbound.Devices[0].Driver = "nvidia"
	_, err = Allocate(spec, state.Allocations{}, unbound, Options{})
	if !errors.As(err, &insufficient) || !strings.Contains(insufficient.Shortfalls[0].Detail, "bound to nvidia") {
		t.Errorf("expected unbound pinned device to be refused, got %v", err)
	}
}

func TestAllocateCapacity(t *testing.T) {
	spec := cluster("a", group{name: "n", replicas: 2, gpus: topology.GPURequest{Count: 1}})
	inv := threeGpuHost()
	inv.Capacity = device.HostCapacity{CPUs: 8, MemoryMiB: 20480}

	tests := []struct {
		name     string
		opts     Options
		expected []fleeterr.Shortfall
	}{
		{
			name: "fits exactly",
			opts: Options{HostReservedMemoryMiB: 4096},
		},
		{
			name: "reserved memory",
			opts: Options{HostReservedMemoryMiB: 8192},
			expected: []fleeterr.Shortfall{
				{Node: "a-n-1", Resource: "memory", Requested: 8192, Available: 4096, Detail: "MiB"},
			},
		},
		{
			name: "committed by other clusters",
			opts: Options{CommittedVCPUs: 4, CommittedMemoryMiB: 4096},
			expected: []fleeterr.Shortfall{
				{Node: "a-n-1", Resource: "cpu", Requested: 4, Available: 0, Detail: "vCPUs"},
			},
		},
		{
			name: "overcommit",
			opts: Options{CommittedVCPUs: 4, CommittedMemoryMiB: 4096, CPUOvercommitRatio: 1.5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Allocate(spec, state.Allocations{}, inv, tt.opts)
			if tt.expected == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var insufficient *fleeterr.InsufficientResourcesError
			if !errors.As(err, &insufficient) {
				t.Fatalf("expected InsufficientResourcesError, got %v", err)
			}
			if !reflect.DeepEqual(insufficient.Shortfalls, tt.expected) {
				t.Errorf("expected %+v, got %+v", tt.expected, insufficient.Shortfalls)
			}
		})
	}
}

func TestAllocateIsDeterministic(t *testing.T) {
	spec := cluster("a", group{name: "n", replicas: 3, gpus: topology.GPURequest{Count: 1}})
	first, err := Allocate(spec, state.Allocations{}, threeGpuHost(), Options{})
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := Allocate(spec, state.Allocations{}, threeGpuHost(), Options{})
		if err != nil || !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %v %+v", i, err, again)
		}
	}
}

func TestPlanOnly(t *testing.T) {
	spec := cluster("a", group{name: "n", replicas: 3, gpus: topology.GPURequest{Count: 1}})
	plan, err := Allocate(spec, state.Allocations{}, threeGpuHost(), Options{})
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}

	only := plan.Only("a-n-2")
	if len(only.Assignments) != 1 || only.Assignments[0].Node.Name != "a-n-2" || only.Cluster != "a" {
		t.Errorf("unexpected restricted plan %+v", only)
	}
	if _, found := plan.Assignment("a-n-1"); !found {
		t.Errorf("Assignment(a-n-1) not found")
	}
}
