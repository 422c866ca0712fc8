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

package state

import (
	"k8s.io/apimachinery/pkg/util/sets"
)

// LifecycleState of a virtual node. A cluster state is the aggregate of its
// node states.
type LifecycleState string

const (
	Declared   LifecycleState = "Declared"
	Allocating LifecycleState = "Allocating"
	Allocated  LifecycleState = "Allocated"
	Starting   LifecycleState = "Starting"
	Running    LifecycleState = "Running"
	Stopping   LifecycleState = "Stopping"
	Stopped    LifecycleState = "Stopped"
	Destroying LifecycleState = "Destroying"
	Destroyed  LifecycleState = "Destroyed"
	Failed     LifecycleState = "Failed"
)

var transitions = map[LifecycleState]sets.Set[LifecycleState]{
	Declared:   sets.New(Allocating, Failed),
	Allocating: sets.New(Allocated, Declared, Stopped, Failed),
	Allocated:  sets.New(Starting, Stopped, Failed),
	Starting:   sets.New(Running, Stopped, Failed),
	Running:    sets.New(Stopping, Stopped, Failed),
	Stopping:   sets.New(Stopped, Running, Failed),
	Stopped:    sets.New(Allocating, Destroying, Failed),
	Failed:     sets.New(Stopping, Stopped, Destroying),
	Destroying: sets.New(Destroyed, Failed),
	Destroyed:  sets.New[LifecycleState](),
}

// CanTransition reports whether a node may move from one state to another.
// Staying in the same state is always allowed.
func CanTransition(from, to LifecycleState) bool {
	if from == to {
		return true
	}
	allowed, found := transitions[from]
	return found && allowed.Has(to)
}

// HoldsAllocation is true for the states in which a node owns its GPUs.
func (s LifecycleState) HoldsAllocation() bool {
	switch s {
	case Allocated, Starting, Running, Stopping:
		return true
	}
	return false
}

// Transient states are only passed through while an operation is running.
// A node left in one was interrupted.
func (s LifecycleState) Transient() bool {
	switch s {
	case Allocating, Allocated, Starting, Stopping, Destroying:
		return true
	}
	return false
}

// Aggregate folds node states into a cluster state: a transient state wins,
// then unanimity, then Failed, then Running, otherwise Stopped. No nodes
// means Declared.
func Aggregate(states []LifecycleState) LifecycleState {
	if len(states) == 0 {
		return Declared
	}

	for _, s := range states {
		if s.Transient() {
			return s
		}
	}

	all := sets.New(states...)
	if all.Len() == 1 {
		return states[0]
	}
	switch {
	case all.Has(Failed):
		return Failed
	case all.Has(Running):
		return Running
	}
	return Stopped
}
