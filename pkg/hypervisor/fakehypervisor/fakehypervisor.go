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

// Package fakehypervisor is an in-memory hypervisor with fault injection
// for tests and dry runs.
package fakehypervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/ai-how/gpu-fleet/pkg/fleeterr"
	"github.com/ai-how/gpu-fleet/pkg/hypervisor"
)

type Domain struct {
	Descriptor []byte
	State      hypervisor.DomainState
}

// Disk is an overlay created through CreateDisk.
type Disk struct {
	Backing string
	SizeGiB int64
}

type Network struct {
	Descriptor []byte
	Active     bool
}

type Fake struct {
	mu             sync.Mutex
	domains        map[string]*Domain
	disks          map[string]Disk
	networks       map[string]*Network
	faults         map[string][]error
	ignoreShutdown sets.Set[string]
	calls          []string
}

var _ hypervisor.Hypervisor = &Fake{}

func New() *Fake {
	return &Fake{
		domains:        map[string]*Domain{},
		disks:          map[string]Disk{},
		networks:       map[string]*Network{},
		faults:         map[string][]error{},
		ignoreShutdown: sets.New[string](),
	}
}

// TimeoutError is what a hypervisor call that ran out of time returns.
func TimeoutError(op, name string) error {
	return &fleeterr.HypervisorCallError{Op: op, Domain: name, Transient: true, Err: context.DeadlineExceeded}
}

// PermanentError is a hypervisor failure that retrying will not fix.
func PermanentError(op, name, msg string) error {
	return &fleeterr.HypervisorCallError{Op: op, Domain: name, Err: errors.New(msg)}
}

// FailNext queues errors returned by the next calls of op on the named
// domain, one per call, before the call has any effect.
func (f *Fake) FailNext(op, name string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := op + "/" + name
	f.faults[key] = append(f.faults[key], errs...)
}

// IgnoreShutdown makes a domain ignore graceful shutdown requests, like a
// guest without ACPI support.
func (f *Fake) IgnoreShutdown(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ignoreShutdown.Insert(name)
}

// SetState changes a domain behind the back of its owner, e.g. a crash.
func (f *Fake) SetState(name string, state hypervisor.DomainState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state == hypervisor.DomainAbsent {
		delete(f.domains, name)
		return
	}
	if d, found := f.domains[name]; found {
		d.State = state
		return
	}
	f.domains[name] = &Domain{State: state}
}

// State of a domain, DomainAbsent when undefined.
func (f *Fake) State(name string) hypervisor.DomainState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, found := f.domains[name]; found {
		return d.State
	}
	return hypervisor.DomainAbsent
}

// Descriptor returns the last definition of a domain.
func (f *Fake) Descriptor(name string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, found := f.domains[name]; found {
		return d.Descriptor
	}
	return nil
}

// Disks lists the paths of the overlays that exist, sorted.
func (f *Fake) Disks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sets.List(sets.KeySet(f.disks))
}

// Disk returns the overlay at path.
func (f *Fake) Disk(path string) (Disk, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	disk, found := f.disks[path]
	return disk, found
}

// Network returns a copy of the named network.
func (f *Fake) Network(name string) (Network, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, found := f.networks[name]; found {
		return *n, true
	}
	return Network{}, false
}

// Calls lists "op/name" for every call made, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

// begin records a call and pops an injected fault. Called with f.mu held.
func (f *Fake) begin(ctx context.Context, op, name string) error {
	f.calls = append(f.calls, op+"/"+name)
	if err := ctx.Err(); err != nil {
		return &fleeterr.HypervisorCallError{Op: op, Domain: name, Transient: true, Err: err}
	}
	key := op + "/" + name
	if queued := f.faults[key]; len(queued) > 0 {
		f.faults[key] = queued[1:]
		return queued[0]
	}
	return nil
}

func (f *Fake) Define(ctx context.Context, name string, descriptor []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "define", name); err != nil {
		return err
	}
	if d, found := f.domains[name]; found {
		d.Descriptor = append([]byte{}, descriptor...)
		return nil
	}
	f.domains[name] = &Domain{Descriptor: append([]byte{}, descriptor...), State: hypervisor.DomainShutOff}
	return nil
}

func (f *Fake) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "start", name); err != nil {
		return err
	}
	d, found := f.domains[name]
	if !found {
		return PermanentError("start", name, fmt.Sprintf("domain not found: no domain with matching name '%s'", name))
	}
	d.State = hypervisor.DomainRunning
	return nil
}

func (f *Fake) Shutdown(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "shutdown", name); err != nil {
		return err
	}
	d, found := f.domains[name]
	if !found || f.ignoreShutdown.Has(name) {
		return nil
	}
	d.State = hypervisor.DomainShutOff
	return nil
}

func (f *Fake) Destroy(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "destroy", name); err != nil {
		return err
	}
	if d, found := f.domains[name]; found {
		d.State = hypervisor.DomainShutOff
	}
	return nil
}

func (f *Fake) Undefine(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "undefine", name); err != nil {
		return err
	}
	d, found := f.domains[name]
	if !found {
		return nil
	}
	if d.State.Active() {
		return PermanentError("undefine", name, "cannot undefine an active domain")
	}
	delete(f.domains, name)
	return nil
}

func (f *Fake) ListDomains(ctx context.Context) (map[string]hypervisor.DomainState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "list", ""); err != nil {
		return nil, err
	}
	domains := make(map[string]hypervisor.DomainState, len(f.domains))
	for name, d := range f.domains {
		domains[name] = d.State
	}
	return domains, nil
}

func (f *Fake) CreateDisk(ctx context.Context, path, backing string, sizeGiB int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "create-disk", path); err != nil {
		return err
	}
	if _, found := f.disks[path]; !found {
		f.disks[path] = Disk{Backing: backing, SizeGiB: sizeGiB}
	}
	return nil
}

func (f *Fake) DeleteDisk(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "delete-disk", path); err != nil {
		return err
	}
	delete(f.disks, path)
	return nil
}

func (f *Fake) DefineNetwork(ctx context.Context, name string, descriptor []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "net-define", name); err != nil {
		return err
	}
	if n, found := f.networks[name]; found {
		n.Descriptor = append([]byte{}, descriptor...)
		return nil
	}
	f.networks[name] = &Network{Descriptor: append([]byte{}, descriptor...)}
	return nil
}

func (f *Fake) StartNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "net-start", name); err != nil {
		return err
	}
	n, found := f.networks[name]
	if !found {
		return PermanentError("net-start", name, fmt.Sprintf("network not found: no network with matching name '%s'", name))
	}
	n.Active = true
	return nil
}

func (f *Fake) DestroyNetwork(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin(ctx, "net-destroy", name); err != nil {
		return err
	}
	delete(f.networks, name)
	return nil
}
