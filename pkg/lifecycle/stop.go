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

	"github.com/ai-how/gpu-fleet/pkg/hypervisor"
	"github.com/ai-how/gpu-fleet/pkg/state"
	"github.com/ai-how/gpu-fleet/pkg/topology"
)

func notActive(s hypervisor.DomainState) bool {
	return !s.Active()
}

// Stop shuts down every node of a Running cluster, forcing off the ones that
// ignore the request for longer than the shutdown timeout. A Failed cluster
// may be stopped too, which stops whatever still runs and settles the rest
// as Stopped. Devices are released only once the hypervisor reports the
// domain down.
func (m *Manager) Stop(ctx context.Context, cluster topology.ClusterSpec) error {
	ctx, logger := clusterLogger(ctx, cluster.Name)

	domains, err := m.hv.ListDomains(ctx)
	if err != nil {
		return err
	}

	var stopping []string
	err = m.store.Update(ctx, func(st *state.State) error {
		record := st.Cluster(cluster.Name)
		if record == nil {
			return precondition(cluster.Name, "stop", state.Declared, state.Running, state.Failed)
		}
		if err := inFlight(record); err != nil {
			return err
		}
		reconcile(logger, st, record, domains, nil)

		if current := record.State(); current != state.Running && current != state.Failed {
			return precondition(cluster.Name, "stop", current, state.Running, state.Failed)
		}

		for _, node := range record.Nodes {
			active := hypervisor.DomainStateOf(domains, node.Name).Active()
			switch {
			case node.State == state.Running, node.State == state.Failed && active:
				if err := st.Transition(cluster.Name, node.Name, state.Stopping, ""); err != nil {
					return err
				}
				stopping = append(stopping, node.Name)
			case node.State == state.Failed:
				if err := st.Transition(cluster.Name, node.Name, state.Stopped, node.Message); err != nil {
					return err
				}
			}
		}

		st.SetOperation(cluster.Name, state.OperationStop)
		return nil
	})
	if err != nil {
		return err
	}
	defer m.finish(ctx, cluster.Name, nil)

	var errs []error
	for _, name := range stopping {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := m.stopNode(ctx, cluster.Name, name); err != nil {
			errs = append(errs, err)
		}
	}

	return reduce(errs)
}

// stopNode leaves the node Stopping when the domain cannot be confirmed
// down, so its devices stay reserved until reconciliation.
func (m *Manager) stopNode(ctx context.Context, cluster, name string) error {
	logger := klog.LoggerWithValues(klog.FromContext(ctx), "node", name)

	logger.V(3).Info("Shutting down node", "timeout", m.opts.ShutdownTimeout)
	err := m.hv.Shutdown(ctx, name)
	if err == nil {
		err = m.waitForDomain(ctx, name, m.opts.ShutdownTimeout, notActive)
	}

	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		logger.Info("Graceful shutdown did not complete, forcing off", "err", err)
		err = m.hv.Destroy(ctx, name)
		if err == nil {
			err = m.waitForDomain(ctx, name, m.opts.ForceStopTimeout, notActive)
		}
		if err != nil {
			logger.Error(err, "Could not stop node")
			return err
		}
	}

	if err := m.transition(ctx, cluster, name, state.Stopped, ""); err != nil {
		return err
	}
	logger.Info("Node stopped")
	return nil
}
