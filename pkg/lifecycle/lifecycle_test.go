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

package lifecycle_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/yaml"

	"github.com/ai-how/gpu-fleet/pkg/discovery"
	"github.com/ai-how/gpu-fleet/pkg/emitter"
	"github.com/ai-how/gpu-fleet/pkg/fakesysfs"
	"github.com/ai-how/gpu-fleet/pkg/fleeterr"
	"github.com/ai-how/gpu-fleet/pkg/hypervisor"
	"github.com/ai-how/gpu-fleet/pkg/hypervisor/fakehypervisor"
	"github.com/ai-how/gpu-fleet/pkg/lifecycle"
	"github.com/ai-how/gpu-fleet/pkg/state"
	"github.com/ai-how/gpu-fleet/pkg/testhelpers"
	"github.com/ai-how/gpu-fleet/pkg/topology"
)

const (
	gpu1 = "0000:01:00.0"
	gpu2 = "0000:02:00.0"
	gpu3 = "0000:03:00.0"
)

var testBackoff = wait.Backoff{Steps: 3, Duration: time.Millisecond, Factor: 1.0}

func computeGroup(name string, gpus int) topology.NodeGroupSpec {
	return topology.NodeGroupSpec{
		Name: name, Role: "compute", Replicas: 1,
		Resources: topology.ResourceRequest{
			VCPUs:  4,
			Memory: resource.MustParse("8Gi"),
			Disk:   topology.DiskSpec{Image: "/images/compute.qcow2"},
			GPUs:   topology.GPURequest{Count: gpus},
		},
	}
}

// clusterA asks for two GPUs on a-big-0 and one on a-small-0.
func clusterA() topology.ClusterSpec {
	return topology.ClusterSpec{Name: "a", NodeGroups: []topology.NodeGroupSpec{computeGroup("big", 2), computeGroup("small", 1)}}
}

// clusterNet is clusterA on a network of its own.
func clusterNet() topology.ClusterSpec {
	cluster := clusterA()
	cluster.Network = topology.NetworkSpec{Subnet: "10.20.0.0/24"}
	return cluster
}

func clusterB() topology.ClusterSpec {
	return topology.ClusterSpec{Name: "b", NodeGroups: []topology.NodeGroupSpec{computeGroup("compute", 2)}}
}

type fixture struct {
	dirs    testhelpers.TestDirsType
	fake    *fakehypervisor.Fake
	scanner *discovery.Scanner
	store   *state.Store
	manager *lifecycle.Manager
}

func newFixture() *fixture {
	dirs, err := testhelpers.NewTestDirs()
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	ginkgo.DeferCleanup(os.RemoveAll, dirs.TestRoot)

	host := fakesysfs.NewGpuHost("0x10de", "0x2230", gpu1, gpu2, gpu3)
	gomega.Expect(fakesysfs.FakeSysFsHostContents(dirs.SysfsRoot, dirs.ProcfsRoot, dirs.DevfsRoot, host)).To(gomega.Succeed())

	f := &fixture{
		dirs:    dirs,
		fake:    fakehypervisor.New(),
		scanner: &discovery.Scanner{SysfsRoot: dirs.SysfsRoot, ProcfsRoot: dirs.ProcfsRoot, DevfsRoot: dirs.DevfsRoot},
	}
	f.store, f.manager = f.newManager()
	return f
}

// newManager returns a manager with its own store handle on the shared
// state directory, as a second fleetctl process would have.
func (f *fixture) newManager() (*state.Store, *lifecycle.Manager) {
	store := state.NewStore(f.dirs.StateDir, state.WithLeaseTimeout(5*time.Second))
	manager := lifecycle.NewManager(store, f.fake, f.scanner, lifecycle.Options{
		ArtifactDir:      f.dirs.ArtifactDir,
		MetricsPath:      lifecycle.MetricsPath(f.dirs.StateDir),
		ShutdownTimeout:  100 * time.Millisecond,
		ForceStopTimeout: 500 * time.Millisecond,
		ConfirmTimeout:   500 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		Backoff:          testBackoff,
	})
	return store, manager
}

func (f *fixture) load() *state.State {
	st, err := f.store.Load()
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return st
}

func (f *fixture) nodeState(cluster, node string) state.LifecycleState {
	record := f.load().Cluster(cluster)
	gomega.Expect(record).NotTo(gomega.BeNil())
	nodeRecord := record.Node(node)
	gomega.Expect(nodeRecord).NotTo(gomega.BeNil())
	return nodeRecord.State
}

// owners maps every allocated PCI address to its node.
func (f *fixture) owners() map[string]string {
	result := map[string]string{}
	for addr, owner := range f.load().Allocations {
		result[addr] = owner.Node
	}
	return result
}

func (f *fixture) inventory(cluster string) emitter.SchedulerInventory {
	data, err := os.ReadFile(filepath.Join(emitter.ClusterDir(f.dirs.ArtifactDir, cluster), emitter.InventoryFileName))
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	var inventory emitter.SchedulerInventory
	gomega.Expect(yaml.Unmarshal(data, &inventory)).To(gomega.Succeed())
	return inventory
}

func nodeStatus(status *lifecycle.ClusterStatus, name string) lifecycle.NodeStatus {
	for _, n := range status.Nodes {
		if n.Name == name {
			return n
		}
	}
	ginkgo.Fail("node " + name + " missing from status")
	return lifecycle.NodeStatus{}
}

var _ = ginkgo.Describe("Manager", func() {
	var f *fixture

	ginkgo.BeforeEach(func() {
		f = newFixture()
	})

	ginkgo.Context("when starting a cluster", func() {
		ginkgo.It("assigns devices in ascending PCI order and boots every node", func(ctx context.Context) {
			gomega.Expect(f.manager.Start(ctx, clusterA())).To(gomega.Succeed())

			gomega.Expect(f.owners()).To(gomega.Equal(map[string]string{
				gpu1: "a-big-0",
				gpu2: "a-big-0",
				gpu3: "a-small-0",
			}))
			gomega.Expect(f.nodeState("a", "a-big-0")).To(gomega.Equal(state.Running))
			gomega.Expect(f.nodeState("a", "a-small-0")).To(gomega.Equal(state.Running))
			gomega.Expect(f.load().Cluster("a").Operation).To(gomega.BeNil())

			gomega.Expect(f.fake.State("a-big-0")).To(gomega.Equal(hypervisor.DomainRunning))
			descriptor := string(f.fake.Descriptor("a-big-0"))
			gomega.Expect(descriptor).To(gomega.ContainSubstring(`bus="0x01"`))
			gomega.Expect(descriptor).To(gomega.ContainSubstring(`bus="0x02"`))

			gomega.Expect(emitter.DomainPath(f.dirs.ArtifactDir, "a", "a-small-0")).To(gomega.BeAnExistingFile())
			gomega.Expect(lifecycle.MetricsPath(f.dirs.StateDir)).To(gomega.BeAnExistingFile())
		})

		ginkgo.It("boots every node from its own disk on the cluster network", func(ctx context.Context) {
			gomega.Expect(f.manager.Start(ctx, clusterNet())).To(gomega.Succeed())

			network, found := f.fake.Network("a-net")
			gomega.Expect(found).To(gomega.BeTrue())
			gomega.Expect(network.Active).To(gomega.BeTrue())
			gomega.Expect(string(network.Descriptor)).To(gomega.ContainSubstring(emitter.MACAddress("a-small-0")))
			gomega.Expect(string(network.Descriptor)).To(gomega.ContainSubstring(`ip="10.20.0.11"`))

			bigDisk := emitter.DiskPath(f.dirs.ArtifactDir, "a", "a-big-0")
			smallDisk := emitter.DiskPath(f.dirs.ArtifactDir, "a", "a-small-0")
			gomega.Expect(f.fake.Disks()).To(gomega.ConsistOf(bigDisk, smallDisk))
			disk, _ := f.fake.Disk(smallDisk)
			gomega.Expect(disk.Backing).To(gomega.Equal("/images/compute.qcow2"))
			gomega.Expect(string(f.fake.Descriptor("a-small-0"))).To(gomega.ContainSubstring(smallDisk))
			gomega.Expect(string(f.fake.Descriptor("a-small-0"))).To(gomega.ContainSubstring(`network="a-net"`))

			calls := f.fake.Calls()
			netStart := slices.Index(calls, "net-start/a-net")
			gomega.Expect(netStart).To(gomega.BeNumerically(">=", 0))
			gomega.Expect(netStart).To(gomega.BeNumerically("<", slices.Index(calls, "create-disk/"+bigDisk)))
			gomega.Expect(slices.Index(calls, "create-disk/"+bigDisk)).To(gomega.BeNumerically("<", slices.Index(calls, "define/a-big-0")))
			gomega.Expect(emitter.NetworkPath(f.dirs.ArtifactDir, "a")).To(gomega.BeAnExistingFile())

			gomega.Expect(f.manager.Stop(ctx, clusterNet())).To(gomega.Succeed())
			_, found = f.fake.Network("a-net")
			gomega.Expect(found).To(gomega.BeTrue(), "stopping keeps the network")

			gomega.Expect(f.manager.Destroy(ctx, clusterNet())).To(gomega.Succeed())
			_, found = f.fake.Network("a-net")
			gomega.Expect(found).To(gomega.BeFalse())
			gomega.Expect(f.fake.Disks()).To(gomega.BeEmpty())
		})

		ginkgo.It("fails the planned nodes when the network cannot be started", func(ctx context.Context) {
			for i := 0; i < testBackoff.Steps; i++ {
				f.fake.FailNext("net-start", "a-net", fakehypervisor.PermanentError("net-start", "a-net", "network is already in use by interface virbr1"))
			}

			gomega.Expect(f.manager.Start(ctx, clusterNet())).NotTo(gomega.Succeed())

			gomega.Expect(f.nodeState("a", "a-big-0")).To(gomega.Equal(state.Failed))
			gomega.Expect(f.nodeState("a", "a-small-0")).To(gomega.Equal(state.Failed))
			gomega.Expect(f.owners()).To(gomega.BeEmpty())
			gomega.Expect(f.fake.State("a-big-0")).To(gomega.Equal(hypervisor.DomainAbsent))
		})

		ginkgo.It("publishes only running nodes to the scheduler inventory", func(ctx context.Context) {
			for i := 0; i < testBackoff.Steps; i++ {
				f.fake.FailNext("start", "a-small-0", fakehypervisor.TimeoutError("start", "a-small-0"))
			}

			gomega.Expect(f.manager.Start(ctx, clusterA())).NotTo(gomega.Succeed())

			inventory := f.inventory("a")
			gomega.Expect(inventory.Nodes).To(gomega.HaveLen(1))
			gomega.Expect(inventory.Nodes[0].Name).To(gomega.Equal("a-big-0"))
			gresConf, err := os.ReadFile(filepath.Join(emitter.ClusterDir(f.dirs.ArtifactDir, "a"), emitter.GresConfFileName))
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(string(gresConf)).NotTo(gomega.ContainSubstring("a-small-0"))
			gomega.Expect(emitter.DomainPath(f.dirs.ArtifactDir, "a", "a-small-0")).To(gomega.BeAnExistingFile())
		})

		ginkgo.It("reports every unsatisfied node while another cluster holds the devices", func(ctx context.Context) {
			gomega.Expect(f.manager.Start(ctx, clusterA())).To(gomega.Succeed())

			err := f.manager.Start(ctx, clusterB())
			var insufficient *fleeterr.InsufficientResourcesError
			gomega.Expect(errors.As(err, &insufficient)).To(gomega.BeTrue(), "unexpected error %v", err)
			gomega.Expect(insufficient.Shortfalls).To(gomega.HaveLen(1))
			gomega.Expect(insufficient.Shortfalls[0].Node).To(gomega.Equal("b-compute-0"))
			gomega.Expect(err.Error()).To(gomega.ContainSubstring("0 of 2 available"))

			gomega.Expect(f.load().Cluster("b")).To(gomega.BeNil())
			gomega.Expect(f.fake.State("b-compute-0")).To(gomega.Equal(hypervisor.DomainAbsent))
			gomega.Expect(f.owners()).To(gomega.HaveLen(3))
		})

		ginkgo.It("fails only the node whose hypervisor call times out", func(ctx context.Context) {
			for i := 0; i < testBackoff.Steps; i++ {
				f.fake.FailNext("start", "a-small-0", fakehypervisor.TimeoutError("start", "a-small-0"))
			}

			err := f.manager.Start(ctx, clusterA())
			gomega.Expect(err).To(gomega.HaveOccurred())
			gomega.Expect(fleeterr.IsTransient(err)).To(gomega.BeTrue())

			gomega.Expect(f.nodeState("a", "a-big-0")).To(gomega.Equal(state.Running))
			gomega.Expect(f.nodeState("a", "a-small-0")).To(gomega.Equal(state.Failed))
			gomega.Expect(f.owners()).To(gomega.Equal(map[string]string{gpu1: "a-big-0", gpu2: "a-big-0"}))
			gomega.Expect(f.load().Cluster("a").State()).To(gomega.Equal(state.Failed))
		})

		ginkgo.It("refuses a cluster that is already running", func(ctx context.Context) {
			gomega.Expect(f.manager.Start(ctx, clusterA())).To(gomega.Succeed())

			err := f.manager.Start(ctx, clusterA())
			var precondition *fleeterr.PreconditionError
			gomega.Expect(errors.As(err, &precondition)).To(gomega.BeTrue(), "unexpected error %v", err)
			gomega.Expect(precondition.Current).To(gomega.Equal(string(state.Running)))
		})

		ginkgo.It("restarts a stopped cluster on the same devices", func(ctx context.Context) {
			gomega.Expect(f.manager.Start(ctx, clusterA())).To(gomega.Succeed())
			gomega.Expect(f.manager.Stop(ctx, clusterA())).To(gomega.Succeed())
			gomega.Expect(f.owners()).To(gomega.BeEmpty())

			gomega.Expect(f.manager.Start(ctx, clusterA())).To(gomega.Succeed())
			gomega.Expect(f.owners()).To(gomega.HaveKeyWithValue(gpu3, "a-small-0"))
			gomega.Expect(f.load().Cluster("a").State()).To(gomega.Equal(state.Running))
		})

		ginkgo.It("never hands a device to two clusters started concurrently", func(ctx context.Context) {
			big := topology.ClusterSpec{Name: "c", NodeGroups: []topology.NodeGroupSpec{computeGroup("compute", 3)}}
			_, other := f.newManager()

			var wg sync.WaitGroup
			errs := make([]error, 2)
			for i, run := range []func() error{
				func() error { return f.manager.Start(ctx, big) },
				func() error { return other.Start(ctx, clusterB()) },
			} {
				wg.Add(1)
				go func() {
					defer ginkgo.GinkgoRecover()
					defer wg.Done()
					errs[i] = run()
				}()
			}
			wg.Wait()

			failures := 0
			for _, err := range errs {
				if err != nil {
					var insufficient *fleeterr.InsufficientResourcesError
					gomega.Expect(errors.As(err, &insufficient)).To(gomega.BeTrue(), "unexpected error %v", err)
					failures++
				}
			}
			gomega.Expect(failures).To(gomega.Equal(1))
			gomega.Expect(f.load().CheckInvariants()).To(gomega.Succeed())
		})

		ginkgo.It("does not commit anything for a dry run", func() {
			plan, err := f.manager.Plan(clusterA())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(plan.PCIAddresses()).To(gomega.Equal([]string{gpu1, gpu2, gpu3}))
			gomega.Expect(f.load().Cluster("a")).To(gomega.BeNil())
		})
	})

	ginkgo.Context("when reconciling", func() {
		ginkgo.BeforeEach(func(ctx context.Context) {
			gomega.Expect(f.manager.Start(ctx, clusterA())).To(gomega.Succeed())
		})

		ginkgo.It("fails a node whose device lost its vfio-pci binding", func(ctx context.Context) {
			gomega.Expect(fakesysfs.BindDriver(f.dirs.SysfsRoot, gpu3, "nvidia")).To(gomega.Succeed())

			status, err := f.manager.Status(ctx, clusterA())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())

			small := nodeStatus(status, "a-small-0")
			gomega.Expect(small.Recorded).To(gomega.Equal(state.Running))
			gomega.Expect(small.State).To(gomega.Equal(state.Failed))
			gomega.Expect(small.Message).To(gomega.ContainSubstring("bound to nvidia"))
			gomega.Expect(nodeStatus(status, "a-big-0").State).To(gomega.Equal(state.Running))

			gomega.Expect(f.owners()).NotTo(gomega.HaveKey(gpu3))
		})

		ginkgo.It("converges on the observed domain states", func(ctx context.Context) {
			f.fake.SetState("a-big-0", hypervisor.DomainAbsent)
			f.fake.SetState("a-small-0", hypervisor.DomainShutOff)

			status, err := f.manager.Status(ctx, clusterA())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(nodeStatus(status, "a-big-0").State).To(gomega.Equal(state.Failed))
			gomega.Expect(nodeStatus(status, "a-small-0").State).To(gomega.Equal(state.Stopped))
			gomega.Expect(f.owners()).To(gomega.BeEmpty())

			again, err := f.manager.Status(ctx, clusterA())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			for _, n := range again.Nodes {
				gomega.Expect(n.Corrected()).To(gomega.BeFalse(), "node %v corrected twice", n.Name)
			}
			gomega.Expect(again.State).To(gomega.Equal(state.Failed))
		})

		ginkgo.It("leaves clusters of a live operation alone", func(ctx context.Context) {
			gomega.Expect(f.store.Update(ctx, func(st *state.State) error {
				st.Cluster("a").Operation = &state.Operation{Kind: state.OperationStop, PID: os.Getppid(), StartedAt: time.Now()}
				return nil
			})).To(gomega.Succeed())
			f.fake.SetState("a-big-0", hypervisor.DomainAbsent)

			status, err := f.manager.Status(ctx, clusterA())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(nodeStatus(status, "a-big-0").State).To(gomega.Equal(state.Running))
			gomega.Expect(status.Operation).NotTo(gomega.BeNil())

			err = f.manager.Stop(ctx, clusterA())
			var conflict *fleeterr.StateConflictError
			gomega.Expect(errors.As(err, &conflict)).To(gomega.BeTrue(), "unexpected error %v", err)
		})
	})

	ginkgo.Context("when stopping and destroying", func() {
		ginkgo.BeforeEach(func(ctx context.Context) {
			gomega.Expect(f.manager.Start(ctx, clusterA())).To(gomega.Succeed())
		})

		ginkgo.It("forces off a node that ignores the shutdown request", func(ctx context.Context) {
			f.fake.IgnoreShutdown("a-big-0")

			gomega.Expect(f.manager.Stop(ctx, clusterA())).To(gomega.Succeed())

			gomega.Expect(f.fake.Calls()).To(gomega.ContainElement("destroy/a-big-0"))
			gomega.Expect(f.fake.Calls()).NotTo(gomega.ContainElement("destroy/a-small-0"))
			gomega.Expect(f.fake.State("a-big-0")).To(gomega.Equal(hypervisor.DomainShutOff))
			gomega.Expect(f.load().Cluster("a").State()).To(gomega.Equal(state.Stopped))
			gomega.Expect(f.owners()).To(gomega.BeEmpty())
		})

		ginkgo.It("keeps the devices of a node it cannot confirm down", func(ctx context.Context) {
			f.fake.IgnoreShutdown("a-big-0")
			for i := 0; i < testBackoff.Steps; i++ {
				f.fake.FailNext("destroy", "a-big-0", fakehypervisor.PermanentError("destroy", "a-big-0", "device or resource busy"))
			}

			gomega.Expect(f.manager.Stop(ctx, clusterA())).NotTo(gomega.Succeed())

			gomega.Expect(f.nodeState("a", "a-big-0")).To(gomega.Equal(state.Stopping))
			gomega.Expect(f.nodeState("a", "a-small-0")).To(gomega.Equal(state.Stopped))
			gomega.Expect(f.owners()).To(gomega.Equal(map[string]string{gpu1: "a-big-0", gpu2: "a-big-0"}))
		})

		ginkgo.It("fails a stopped node whose domain runs again", func(ctx context.Context) {
			gomega.Expect(f.manager.Stop(ctx, clusterA())).To(gomega.Succeed())
			f.fake.SetState("a-small-0", hypervisor.DomainRunning)

			status, err := f.manager.Status(ctx, clusterA())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			small := nodeStatus(status, "a-small-0")
			gomega.Expect(small.Recorded).To(gomega.Equal(state.Stopped))
			gomega.Expect(small.State).To(gomega.Equal(state.Failed))
			gomega.Expect(small.Message).To(gomega.ContainSubstring("holds no devices"))
			gomega.Expect(f.owners()).To(gomega.BeEmpty())

			err = f.manager.Start(ctx, clusterA())
			var precondition *fleeterr.PreconditionError
			gomega.Expect(errors.As(err, &precondition)).To(gomega.BeTrue(), "unexpected error %v", err)
			gomega.Expect(precondition.Current).To(gomega.Equal(string(state.Failed)))
			gomega.Expect(f.owners()).To(gomega.BeEmpty())

			gomega.Expect(f.manager.Stop(ctx, clusterA())).To(gomega.Succeed())
			gomega.Expect(f.fake.State("a-small-0")).To(gomega.Equal(hypervisor.DomainShutOff))
			gomega.Expect(f.load().Cluster("a").State()).To(gomega.Equal(state.Stopped))
		})

		ginkgo.It("refuses to destroy a running cluster", func(ctx context.Context) {
			err := f.manager.Destroy(ctx, clusterA())

			var precondition *fleeterr.PreconditionError
			gomega.Expect(errors.As(err, &precondition)).To(gomega.BeTrue(), "unexpected error %v", err)
			gomega.Expect(precondition.Current).To(gomega.Equal(string(state.Running)))
			gomega.Expect(precondition.Required).To(gomega.Equal([]string{string(state.Stopped), string(state.Failed)}))
			gomega.Expect(f.fake.State("a-big-0")).To(gomega.Equal(hypervisor.DomainRunning))
		})

		ginkgo.It("removes domains, artifacts and state of a stopped cluster", func(ctx context.Context) {
			gomega.Expect(f.manager.Stop(ctx, clusterA())).To(gomega.Succeed())
			gomega.Expect(f.manager.Destroy(ctx, clusterA())).To(gomega.Succeed())

			domains, err := f.fake.ListDomains(ctx)
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(domains).To(gomega.BeEmpty())
			gomega.Expect(emitter.ClusterDir(f.dirs.ArtifactDir, "a")).NotTo(gomega.BeADirectory())
			gomega.Expect(f.load().Cluster("a")).To(gomega.BeNil())

			status, err := f.manager.Status(ctx, clusterA())
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(status.State).To(gomega.Equal(state.Declared))
		})

		ginkgo.It("destroys a partially failed cluster", func(ctx context.Context) {
			f.fake.SetState("a-small-0", hypervisor.DomainCrashed)

			err := f.manager.Destroy(ctx, clusterA())
			gomega.Expect(err).To(gomega.HaveOccurred(), "a-big-0 still runs")

			gomega.Expect(f.manager.Stop(ctx, clusterA())).To(gomega.Succeed())
			gomega.Expect(f.manager.Destroy(ctx, clusterA())).To(gomega.Succeed())
			gomega.Expect(f.load().Cluster("a")).To(gomega.BeNil())
			gomega.Expect(strings.Join(f.fake.Calls(), " ")).To(gomega.ContainSubstring("undefine/a-small-0"))
		})
	})
})
