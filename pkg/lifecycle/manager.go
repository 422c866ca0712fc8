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

// Package lifecycle drives clusters through their states. Every state
// change is committed to the store under its lease, which is never held
// while waiting on the hypervisor.
package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/ai-how/gpu-fleet/pkg/allocator"
	"github.com/ai-how/gpu-fleet/pkg/discovery"
	"github.com/ai-how/gpu-fleet/pkg/emitter"
	"github.com/ai-how/gpu-fleet/pkg/fleeterr"
	"github.com/ai-how/gpu-fleet/pkg/hypervisor"
	"github.com/ai-how/gpu-fleet/pkg/state"
	"github.com/ai-how/gpu-fleet/pkg/topology"
)

const (
	DefaultShutdownTimeout  = 120 * time.Second
	DefaultForceStopTimeout = 30 * time.Second
	DefaultConfirmTimeout   = 30 * time.Second
	DefaultPollInterval     = time.Second
)

// InventorySource returns a fresh host scan, see discovery.Scanner.
type InventorySource interface {
	Scan() (discovery.Inventory, error)
}

type Options struct {
	ArtifactDir string
	// MetricsPath receives a Prometheus textfile after every operation,
	// empty disables it.
	MetricsPath string

	ShutdownTimeout  time.Duration
	ForceStopTimeout time.Duration
	ConfirmTimeout   time.Duration
	PollInterval     time.Duration
	Backoff          wait.Backoff

	HostReservedMemoryMiB int64
	CPUOvercommitRatio    float64
}

func (o *Options) setDefaults() {
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = DefaultShutdownTimeout
	}
	if o.ForceStopTimeout <= 0 {
		o.ForceStopTimeout = DefaultForceStopTimeout
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = DefaultConfirmTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Backoff.Steps == 0 {
		o.Backoff = hypervisor.DefaultBackoff
	}
}

type Manager struct {
	store   *state.Store
	hv      hypervisor.Hypervisor
	scanner InventorySource
	opts    Options
}

// NewManager wraps hv so that transient failures are retried with
// opts.Backoff.
func NewManager(store *state.Store, hv hypervisor.Hypervisor, scanner InventorySource, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		store:   store,
		hv:      hypervisor.Retrying(hv, opts.Backoff),
		scanner: scanner,
		opts:    opts,
	}
}

// MetricsPath is the default textfile location inside a state directory.
func MetricsPath(stateDir string) string {
	return filepath.Join(stateDir, emitter.MetricsFileName)
}

func clusterLogger(ctx context.Context, cluster string) (context.Context, klog.Logger) {
	logger := klog.LoggerWithValues(klog.FromContext(ctx), "cluster", cluster)
	return klog.NewContext(ctx, logger), logger
}

func precondition(cluster, operation string, current state.LifecycleState, required ...state.LifecycleState) error {
	names := make([]string, 0, len(required))
	for _, r := range required {
		names = append(names, string(r))
	}
	return &fleeterr.PreconditionError{Cluster: cluster, Operation: operation, Current: string(current), Required: names}
}

func inFlight(record *state.ClusterRecord) error {
	if record == nil || !record.InFlight() {
		return nil
	}
	return &fleeterr.StateConflictError{Cluster: record.Name,
		Reason: fmt.Sprintf("%s by process %d in progress since %v", record.Operation.Kind, record.Operation.PID,
			record.Operation.StartedAt.Format(time.RFC3339))}
}

// Plan computes, without committing anything, the allocation Start would
// make now.
func (m *Manager) Plan(cluster topology.ClusterSpec) (*allocator.Plan, error) {
	inv, err := m.scanner.Scan()
	if err != nil {
		return nil, err
	}
	st, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	return allocator.Allocate(cluster, st.OtherAllocations(cluster.Name), inv, m.allocatorOptions(st, cluster.Name))
}

// RecordedPlan rebuilds the plan of a cluster from the devices its nodes
// hold in the store. Nodes without a record get no devices.
func (m *Manager) RecordedPlan(cluster topology.ClusterSpec) (*allocator.Plan, error) {
	st, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	record := st.Cluster(cluster.Name)

	plan := &allocator.Plan{Cluster: cluster.Name}
	for _, node := range cluster.Nodes() {
		assignment := allocator.Assignment{Node: node}
		if record != nil {
			if nodeRecord := record.Node(node.Name); nodeRecord != nil {
				assignment.Devices = nodeRecord.Devices
			}
		}
		plan.Assignments = append(plan.Assignments, assignment)
	}
	return plan, nil
}

func (m *Manager) allocatorOptions(st *state.State, cluster string) allocator.Options {
	vcpus, memoryMiB := st.CommittedUsage(cluster)
	return allocator.Options{
		HostReservedMemoryMiB: m.opts.HostReservedMemoryMiB,
		CPUOvercommitRatio:    m.opts.CPUOvercommitRatio,
		CommittedVCPUs:        vcpus,
		CommittedMemoryMiB:    memoryMiB,
	}
}

// transition commits a single node state change under the lease.
func (m *Manager) transition(ctx context.Context, cluster, node string, to state.LifecycleState, message string) error {
	return m.store.Update(ctx, func(st *state.State) error {
		return st.Transition(cluster, node, to, message)
	})
}

// finish clears the operation marker and refreshes the metrics. It runs even
// when ctx has been cancelled.
func (m *Manager) finish(ctx context.Context, cluster string, inv *discovery.Inventory) {
	logger := klog.FromContext(ctx)
	err := m.store.Update(context.WithoutCancel(ctx), func(st *state.State) error {
		st.SetOperation(cluster, "")
		m.writeMetrics(logger, st, inv)
		return nil
	})
	if err != nil {
		logger.Error(err, "Could not clear operation marker")
	}
}

func (m *Manager) writeMetrics(logger klog.Logger, st *state.State, inv *discovery.Inventory) {
	if m.opts.MetricsPath == "" {
		return
	}
	if err := emitter.WriteMetrics(m.opts.MetricsPath, st, inv); err != nil {
		logger.Error(err, "Could not write metrics")
	}
}

// waitForDomain polls the hypervisor until the domain satisfies done.
func (m *Manager) waitForDomain(ctx context.Context, name string, timeout time.Duration, done func(hypervisor.DomainState) bool) error {
	var last hypervisor.DomainState
	err := wait.PollUntilContextTimeout(ctx, m.opts.PollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		domains, err := m.hv.ListDomains(ctx)
		if err != nil {
			return false, err
		}
		last = hypervisor.DomainStateOf(domains, name)
		return done(last), nil
	})
	if err != nil && wait.Interrupted(err) {
		return &fleeterr.HypervisorCallError{Op: "wait", Domain: name, Transient: true,
			Err: fmt.Errorf("domain still %s after %v", last, timeout)}
	}
	return err
}

// reduce returns nil, the only error, or an aggregate of errs.
func reduce(errs []error) error {
	return utilerrors.Reduce(utilerrors.NewAggregate(errs))
}
