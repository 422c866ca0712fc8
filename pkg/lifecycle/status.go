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

	"github.com/ai-how/gpu-fleet/pkg/state"
	"github.com/ai-how/gpu-fleet/pkg/topology"
)

type ClusterStatus struct {
	Cluster   string               `json:"cluster"`
	State     state.LifecycleState `json:"state"`
	Operation *state.Operation     `json:"operation,omitempty"`
	Nodes     []NodeStatus         `json:"nodes"`
}

// Status reconciles the recorded state of a cluster against a fresh host
// scan and the hypervisor, commits the corrections and reports the result.
// A cluster that was never started is reported Declared and not recorded.
func (m *Manager) Status(ctx context.Context, cluster topology.ClusterSpec) (*ClusterStatus, error) {
	ctx, logger := clusterLogger(ctx, cluster.Name)

	inv, err := m.scanner.Scan()
	if err != nil {
		return nil, err
	}
	domains, err := m.hv.ListDomains(ctx)
	if err != nil {
		return nil, err
	}

	status := &ClusterStatus{Cluster: cluster.Name}
	err = m.store.Update(ctx, func(st *state.State) error {
		record := st.Cluster(cluster.Name)
		if record == nil {
			scratch := state.NewState(nil)
			record = scratch.EnsureCluster(cluster)
			status.Nodes = reconcile(logger, scratch, record, domains, &inv)
			status.State = record.State()
			return nil
		}

		status.Nodes = reconcile(logger, st, record, domains, &inv)
		status.State = record.State()
		status.Operation = record.Operation
		m.writeMetrics(logger, st, &inv)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return status, nil
}
