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

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/ai-how/gpu-fleet/pkg/emitter"
	"github.com/ai-how/gpu-fleet/pkg/hypervisor"
	"github.com/ai-how/gpu-fleet/pkg/state"
	"github.com/ai-how/gpu-fleet/pkg/topology"
)

// Destroy removes the domains, disks, network, artifacts and state of a
// Stopped or Failed cluster. Domains that still run are forced off first.
// The cluster record is dropped only once the hypervisor no longer lists any
// of its domains and its network is gone.
func (m *Manager) Destroy(ctx context.Context, cluster topology.ClusterSpec) error {
	ctx, logger := clusterLogger(ctx, cluster.Name)

	domains, err := m.hv.ListDomains(ctx)
	if err != nil {
		return err
	}

	var nodes []string
	err = m.store.Update(ctx, func(st *state.State) error {
		record := st.Cluster(cluster.Name)
		if record == nil {
			return precondition(cluster.Name, "destroy", state.Declared, state.Stopped, state.Failed)
		}
		if err := inFlight(record); err != nil {
			return err
		}
		reconcile(logger, st, record, domains, nil)

		// Destroyed is accepted so that an interrupted destroy can be re-run.
		current := record.State()
		if current != state.Stopped && current != state.Failed && current != state.Destroyed {
			return precondition(cluster.Name, "destroy", current, state.Stopped, state.Failed)
		}

		for _, node := range record.Nodes {
			if node.State == state.Destroyed {
				continue
			}
			if node.State != state.Stopped && node.State != state.Failed {
				return precondition(cluster.Name, "destroy", current, state.Stopped, state.Failed)
			}
			if err := st.Transition(cluster.Name, node.Name, state.Destroying, ""); err != nil {
				return err
			}
			nodes = append(nodes, node.Name)
		}

		st.SetOperation(cluster.Name, state.OperationDestroy)
		return nil
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, name := range nodes {
		nodeLogger := klog.LoggerWithValues(logger, "node", name)
		nodeLogger.V(3).Info("Removing domain")
		err := m.hv.Destroy(ctx, name)
		if err == nil {
			err = m.hv.Undefine(ctx, name)
		}
		if err == nil {
			err = m.hv.DeleteDisk(ctx, emitter.DiskPath(m.opts.ArtifactDir, cluster.Name, name))
		}
		if err != nil {
			nodeLogger.Error(err, "Could not remove domain")
			errs = append(errs, err)
		}
	}

	remaining, err := m.hv.ListDomains(ctx)
	if err != nil {
		errs = append(errs, err)
		remaining = nil
	}

	networkGone := true
	if remaining != nil && cluster.ManagesNetwork() && allAbsent(remaining, cluster) {
		if err := m.hv.DestroyNetwork(ctx, cluster.NetworkName()); err != nil {
			logger.Error(err, "Could not remove network", "network", cluster.NetworkName())
			errs = append(errs, err)
			networkGone = false
		}
	}

	err = m.store.Update(context.WithoutCancel(ctx), func(st *state.State) error {
		record := st.Cluster(cluster.Name)
		if record == nil {
			return nil
		}
		gone := sets.New[string]()
		for _, node := range record.Nodes {
			if remaining != nil && hypervisor.DomainStateOf(remaining, node.Name) == hypervisor.DomainAbsent {
				gone.Insert(node.Name)
			}
			if node.State != state.Destroying {
				continue
			}
			to := state.Failed
			if gone.Has(node.Name) {
				to = state.Destroyed
			}
			if err := st.Transition(cluster.Name, node.Name, to, ""); err != nil {
				return err
			}
		}

		if record.State() != state.Destroyed || gone.Len() != len(record.Nodes) || !networkGone {
			st.SetOperation(cluster.Name, "")
			m.writeMetrics(logger, st, nil)
			return nil
		}

		if err := emitter.Remove(m.opts.ArtifactDir, cluster.Name); err != nil {
			return err
		}
		st.RemoveCluster(cluster.Name)
		m.writeMetrics(logger, st, nil)
		logger.Info("Cluster destroyed")
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}

	return reduce(errs)
}

func allAbsent(domains map[string]hypervisor.DomainState, cluster topology.ClusterSpec) bool {
	for _, node := range cluster.Nodes() {
		if hypervisor.DomainStateOf(domains, node.Name) != hypervisor.DomainAbsent {
			return false
		}
	}
	return true
}
