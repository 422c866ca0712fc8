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

package lifecycle

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/ai-how/gpu-fleet/pkg/allocator"
	"github.com/ai-how/gpu-fleet/pkg/emitter"
	"github.com/ai-how/gpu-fleet/pkg/hypervisor"
	"github.com/ai-how/gpu-fleet/pkg/state"
	"github.com/ai-how/gpu-fleet/pkg/topology"
)

// Start allocates devices for every node of a Declared or Stopped cluster,
// writes its descriptors, brings up its network and boots the nodes in
// declaration order. A node that fails is marked Failed and gives its
// devices back; nodes that already started keep running. The scheduler
// inventory lists the nodes that reached Running.
func (m *Manager) Start(ctx context.Context, cluster topology.ClusterSpec) error {
	ctx, logger := clusterLogger(ctx, cluster.Name)

	inv, err := m.scanner.Scan()
	if err != nil {
		return err
	}
	domains, err := m.hv.ListDomains(ctx)
	if err != nil {
		return err
	}

	var plan *allocator.Plan
	err = m.store.Update(ctx, func(st *state.State) error {
		record := st.EnsureCluster(cluster)
		if err := inFlight(record); err != nil {
			return err
		}
		reconcile(logger, st, record, domains, &inv)

		if current := record.State(); current != state.Declared && current != state.Stopped {
			return precondition(cluster.Name, "start", current, state.Declared, state.Stopped)
		}

		for _, node := range record.Nodes {
			if err := st.Transition(cluster.Name, node.Name, state.Allocating, ""); err != nil {
				return err
			}
		}

		plan, err = allocator.Allocate(cluster, st.OtherAllocations(cluster.Name), inv, m.allocatorOptions(st, cluster.Name))
		if err != nil {
			return err
		}

		for _, a := range plan.Assignments {
			if err := st.Transition(cluster.Name, a.Node.Name, state.Allocated, ""); err != nil {
				return err
			}
			if err := st.Assign(cluster.Name, a.Node.Name, a.Devices); err != nil {
				return err
			}
		}

		st.SetOperation(cluster.Name, state.OperationStart)
		return nil
	})
	if err != nil {
		return err
	}
	defer m.finish(ctx, cluster.Name, &inv)

	logger.Info("Allocated cluster", "gpus", plan.PCIAddresses())

	artifacts, err := emitter.Emit(plan, cluster, m.opts.ArtifactDir)
	if err == nil {
		err = emitter.WriteDescriptors(m.opts.ArtifactDir, artifacts)
	}
	if err == nil {
		err = m.startNetwork(ctx, artifacts.Network)
	}
	if err != nil {
		m.failNodes(ctx, cluster.Name, plan, err)
		return err
	}

	var errs []error
	var running []string
	for _, a := range plan.Assignments {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := m.startNode(ctx, cluster.Name, a, artifacts.Domain(a.Node.Name)); err != nil {
			errs = append(errs, err)
			continue
		}
		running = append(running, a.Node.Name)
	}

	if err := m.publishInventory(plan.Only(running...), cluster); err != nil {
		errs = append(errs, err)
	}

	return reduce(errs)
}

// startNetwork defines and starts the network of a cluster that manages
// its own subnet.
func (m *Manager) startNetwork(ctx context.Context, network *emitter.NetworkDescriptor) error {
	if network == nil {
		return nil
	}
	if err := m.hv.DefineNetwork(ctx, network.Name, network.XML); err != nil {
		return err
	}
	if err := m.hv.StartNetwork(ctx, network.Name); err != nil {
		return err
	}
	klog.FromContext(ctx).V(3).Info("Network active", "network", network.Name)
	return nil
}

// publishInventory writes the scheduler inventory and gres.conf of the
// nodes in plan.
func (m *Manager) publishInventory(plan *allocator.Plan, cluster topology.ClusterSpec) error {
	artifacts, err := emitter.Emit(plan, cluster, m.opts.ArtifactDir)
	if err != nil {
		return err
	}
	return emitter.WriteInventory(m.opts.ArtifactDir, artifacts)
}

func (m *Manager) startNode(ctx context.Context, cluster string, a allocator.Assignment, d *emitter.DomainDescriptor) error {
	name := a.Node.Name
	logger := klog.LoggerWithValues(klog.FromContext(ctx), "node", name)

	if err := m.transition(ctx, cluster, name, state.Starting, ""); err != nil {
		return err
	}

	logger.V(3).Info("Starting node", "gpus", a.PCIAddresses(), "disk", d.DiskPath)
	err := m.hv.CreateDisk(ctx, d.DiskPath, d.DiskImage, d.DiskSizeGiB)
	if err == nil {
		err = m.hv.Define(ctx, name, d.XML)
	}
	if err == nil {
		err = m.hv.Start(ctx, name)
	}
	if err == nil {
		err = m.waitForDomain(ctx, name, m.opts.ConfirmTimeout, func(s hypervisor.DomainState) bool {
			return s == hypervisor.DomainRunning
		})
	}

	if err != nil {
		if ctx.Err() != nil {
			// Interrupted, the node stays Starting until reconciled.
			return err
		}
		logger.Error(err, "Node failed to start")
		if terr := m.transition(ctx, cluster, name, state.Failed, err.Error()); terr != nil {
			logger.Error(terr, "Could not record node failure")
		}
		return err
	}

	if err := m.transition(ctx, cluster, name, state.Running, ""); err != nil {
		return err
	}
	logger.Info("Node running")
	return nil
}

// failNodes marks every planned node Failed after an error that happened
// before any of them was started.
func (m *Manager) failNodes(ctx context.Context, cluster string, plan *allocator.Plan, cause error) {
	err := m.store.Update(context.WithoutCancel(ctx), func(st *state.State) error {
		for _, a := range plan.Assignments {
			if err := st.Transition(cluster, a.Node.Name, state.Failed, cause.Error()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		klog.FromContext(ctx).Error(err, "Could not record cluster failure")
	}
}
