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

// Package hypervisor drives VM domains, their disks and cluster networks
// through a small set of idempotent operations keyed by name.
package hypervisor

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"k8s.io/klog/v2"

	"github.com/ai-how/gpu-fleet/pkg/fleeterr"
)

// DomainState as reported by the hypervisor.
type DomainState string

const (
	DomainRunning     DomainState = "running"
	DomainIdle        DomainState = "idle"
	DomainPaused      DomainState = "paused"
	DomainInShutdown  DomainState = "in shutdown"
	DomainShutOff     DomainState = "shut off"
	DomainCrashed     DomainState = "crashed"
	DomainPMSuspended DomainState = "pmsuspended"
	DomainDying       DomainState = "dying"
	// DomainAbsent is never reported, it stands for a domain missing from
	// the listing.
	DomainAbsent DomainState = "absent"
)

// Active is true while the domain holds its devices.
func (s DomainState) Active() bool {
	switch s {
	case DomainRunning, DomainIdle, DomainPaused, DomainInShutdown, DomainPMSuspended, DomainDying:
		return true
	}
	return false
}

// Hypervisor is the control interface. Implementations make every
// operation idempotent: starting a running domain, stopping a stopped one
// and undefining a missing one all succeed.
type Hypervisor interface {
	Define(ctx context.Context, name string, descriptor []byte) error
	Start(ctx context.Context, name string) error
	Shutdown(ctx context.Context, name string) error
	Destroy(ctx context.Context, name string) error
	Undefine(ctx context.Context, name string) error
	ListDomains(ctx context.Context) (map[string]DomainState, error)

	// CreateDisk creates a qcow2 overlay at path backed by backing, grown
	// to sizeGiB when that is positive. An existing overlay is kept.
	CreateDisk(ctx context.Context, path, backing string, sizeGiB int64) error
	DeleteDisk(ctx context.Context, path string) error

	// DefineNetwork and StartNetwork leave an active network in place.
	// DestroyNetwork stops and undefines it.
	DefineNetwork(ctx context.Context, name string, descriptor []byte) error
	StartNetwork(ctx context.Context, name string) error
	DestroyNetwork(ctx context.Context, name string) error
}

// DomainStateOf looks a domain up in a listing.
func DomainStateOf(domains map[string]DomainState, name string) DomainState {
	if state, found := domains[name]; found {
		return state
	}
	return DomainAbsent
}

// DefaultBackoff bounds retries of transient failures to about three
// seconds over four attempts.
var DefaultBackoff = wait.Backoff{
	Steps:    4,
	Duration: 500 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
}

// Retrying wraps h so that transient HypervisorCallErrors are retried with
// backoff. Other errors are returned at once.
func Retrying(h Hypervisor, backoff wait.Backoff) Hypervisor {
	return &retrying{next: h, backoff: backoff}
}

type retrying struct {
	next    Hypervisor
	backoff wait.Backoff
}

func (r *retrying) do(ctx context.Context, op, name string, fn func() error) error {
	attempt := 0
	return retry.OnError(r.backoff, func(err error) bool {
		if ctx.Err() != nil || !fleeterr.IsTransient(err) {
			return false
		}
		klog.FromContext(ctx).V(3).Info("retrying hypervisor call", "op", op, "domain", name, "attempt", attempt, "err", err)
		return true
	}, func() error {
		attempt++
		return fn()
	})
}

func (r *retrying) Define(ctx context.Context, name string, descriptor []byte) error {
	return r.do(ctx, "define", name, func() error { return r.next.Define(ctx, name, descriptor) })
}

func (r *retrying) Start(ctx context.Context, name string) error {
	return r.do(ctx, "start", name, func() error { return r.next.Start(ctx, name) })
}

func (r *retrying) Shutdown(ctx context.Context, name string) error {
	return r.do(ctx, "shutdown", name, func() error { return r.next.Shutdown(ctx, name) })
}

func (r *retrying) Destroy(ctx context.Context, name string) error {
	return r.do(ctx, "destroy", name, func() error { return r.next.Destroy(ctx, name) })
}

func (r *retrying) Undefine(ctx context.Context, name string) error {
	return r.do(ctx, "undefine", name, func() error { return r.next.Undefine(ctx, name) })
}

func (r *retrying) CreateDisk(ctx context.Context, path, backing string, sizeGiB int64) error {
	return r.do(ctx, "create-disk", path, func() error { return r.next.CreateDisk(ctx, path, backing, sizeGiB) })
}

func (r *retrying) DeleteDisk(ctx context.Context, path string) error {
	return r.do(ctx, "delete-disk", path, func() error { return r.next.DeleteDisk(ctx, path) })
}

func (r *retrying) DefineNetwork(ctx context.Context, name string, descriptor []byte) error {
	return r.do(ctx, "net-define", name, func() error { return r.next.DefineNetwork(ctx, name, descriptor) })
}

func (r *retrying) StartNetwork(ctx context.Context, name string) error {
	return r.do(ctx, "net-start", name, func() error { return r.next.StartNetwork(ctx, name) })
}

func (r *retrying) DestroyNetwork(ctx context.Context, name string) error {
	return r.do(ctx, "net-destroy", name, func() error { return r.next.DestroyNetwork(ctx, name) })
}

func (r *retrying) ListDomains(ctx context.Context) (map[string]DomainState, error) {
	var domains map[string]DomainState
	err := r.do(ctx, "list", "", func() error {
		var err error
		domains, err = r.next.ListDomains(ctx)
		return err
	})
	return domains, err
}
