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

// Package fleeterr holds the error taxonomy shared by the scanner, allocator,
// state store and lifecycle manager. Every error carries enough identity
// (cluster, node, PCI address) for an operator to act on it directly.
package fleeterr

import (
	"errors"
	"fmt"
	"strings"
)

// ProbeError means host introspection failed. Fatal, never retried.
type ProbeError struct {
	Path string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("host probe failed at %s: %v", e.Path, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// ConfigurationError reports a malformed or unsatisfiable topology.
type ConfigurationError struct {
	Cluster string
	Node    string
	Field   string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	var where []string
	if e.Cluster != "" {
		where = append(where, "cluster "+e.Cluster)
	}
	if e.Node != "" {
		where = append(where, "node "+e.Node)
	}
	if e.Field != "" {
		where = append(where, "field "+e.Field)
	}
	if len(where) == 0 {
		return "invalid configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid configuration (%s): %s", strings.Join(where, ", "), e.Reason)
}

// Shortfall describes one node that could not get its full request.
type Shortfall struct {
	Node      string
	Resource  string // gpu, memory or cpu
	Requested int64
	Available int64
	Detail    string
}

func (s Shortfall) String() string {
	msg := fmt.Sprintf("node %s: %s %d of %d available", s.Node, s.Resource, s.Available, s.Requested)
	if s.Detail != "" {
		msg += " (" + s.Detail + ")"
	}
	return msg
}

// InsufficientResourcesError is returned when a cluster cannot be placed on
// the host as a whole. Retryable once another cluster frees capacity.
type InsufficientResourcesError struct {
	Cluster    string
	Shortfalls []Shortfall
}

func (e *InsufficientResourcesError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, s.String())
	}
	return fmt.Sprintf("insufficient resources for cluster %s: %s", e.Cluster, strings.Join(parts, "; "))
}

// HypervisorCallError wraps a failed hypervisor command.
type HypervisorCallError struct {
	Op        string
	Domain    string
	Transient bool
	Err       error
}

func (e *HypervisorCallError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("hypervisor %s of domain %s failed (%s): %v", e.Op, e.Domain, kind, e.Err)
}

func (e *HypervisorCallError) Unwrap() error { return e.Err }

// StateConflictError reports lease contention or a mismatch between the
// recorded state and what was observed on the host.
type StateConflictError struct {
	Cluster    string
	Node       string
	PCIAddress string
	Reason     string
}

func (e *StateConflictError) Error() string {
	msg := "state conflict"
	if e.Cluster != "" {
		msg += " in cluster " + e.Cluster
	}
	if e.Node != "" {
		msg += " node " + e.Node
	}
	if e.PCIAddress != "" {
		msg += " device " + e.PCIAddress
	}
	return msg + ": " + e.Reason
}

// PreconditionError is returned when a lifecycle operation is refused because
// of the current state.
type PreconditionError struct {
	Cluster   string
	Operation string
	Current   string
	Required  []string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("cannot %s cluster %s: state is %s, requires one of [%s]",
		e.Operation, e.Cluster, e.Current, strings.Join(e.Required, ", "))
}

// IsTransient reports whether err is a hypervisor error worth retrying.
func IsTransient(err error) bool {
	var hvErr *HypervisorCallError
	if errors.As(err, &hvErr) {
		return hvErr.Transient
	}
	return false
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
