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

package hypervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/klog/v2"
	utilexec "k8s.io/utils/exec"

	"github.com/ai-how/gpu-fleet/pkg/fleeterr"
)

const (
	DefaultVirshBinary   = "virsh"
	DefaultQemuImgBinary = "qemu-img"
	DefaultURI           = "qemu:///system"
	DefaultCallTimeout   = 60 * time.Second
)

// Output fragments virsh prints for operations that are already done.
var (
	alreadyActive = []string{"domain is already active", "already running"}
	notRunning    = []string{"domain is not running", "not running"}
	notFound      = []string{"failed to get domain", "domain not found", "no domain with matching name"}
	// Network counterparts.
	networkActive   = []string{"network is already active"}
	networkInactive = []string{"network is not active"}
	networkNotFound = []string{"failed to get network", "network not found", "no network with matching name"}
	// Fragments of failures that go away on their own.
	transientFailures = []string{
		"cannot acquire state change lock",
		"timed out during operation",
		"device or resource busy",
		"resource temporarily unavailable",
		"failed to connect socket",
		"connection reset by peer",
	}
)

// Virsh runs the libvirt command line client. Node disks are managed with
// qemu-img.
type Virsh struct {
	Exec          utilexec.Interface
	Binary        string
	QemuImgBinary string
	URI           string
	CallTimeout   time.Duration
}

// NewVirsh returns a Virsh talking to uri through binary. Empty values get
// the defaults.
func NewVirsh(binary, uri string, callTimeout time.Duration) *Virsh {
	if binary == "" {
		binary = DefaultVirshBinary
	}
	if uri == "" {
		uri = DefaultURI
	}
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Virsh{Exec: utilexec.New(), Binary: binary, QemuImgBinary: DefaultQemuImgBinary, URI: uri, CallTimeout: callTimeout}
}

func (v *Virsh) run(ctx context.Context, op, domain string, args ...string) ([]byte, error) {
	return v.call(ctx, op, domain, v.Binary, append([]string{"-c", v.URI}, args...)...)
}

// call runs binary and wraps failures in a HypervisorCallError on target.
func (v *Virsh) call(ctx context.Context, op, target, binary string, argv ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, v.CallTimeout)
	defer cancel()

	klog.FromContext(ctx).V(5).Info("running hypervisor command", "binary", binary, "args", argv)

	out, err := v.Exec.CommandContext(ctx, binary, argv...).CombinedOutput()
	if err == nil {
		return out, nil
	}

	if ctx.Err() != nil {
		return out, &fleeterr.HypervisorCallError{Op: op, Domain: target, Transient: true,
			Err: fmt.Errorf("no answer within %v: %w", v.CallTimeout, ctx.Err())}
	}

	msg := strings.TrimSpace(string(out))
	return out, &fleeterr.HypervisorCallError{Op: op, Domain: target, Transient: outputContains(msg, transientFailures),
		Err: fmt.Errorf("%w: %s", err, msg)}
}

func outputContains(output string, fragments []string) bool {
	lower := strings.ToLower(output)
	for _, fragment := range fragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// ignoreIf turns an error whose output contains one of fragments into
// success.
func ignoreIf(out []byte, err error, fragments []string) error {
	if err != nil && outputContains(string(out), fragments) {
		return nil
	}
	return err
}

// stage writes descriptor to a temporary file for virsh to read. The caller
// removes it.
func stage(kind, name string, descriptor []byte) (string, error) {
	tmp, err := os.CreateTemp("", kind+"-"+name+"-*.xml")
	if err != nil {
		return "", fmt.Errorf("could not stage descriptor of %v: %w", name, err)
	}

	if _, err := tmp.Write(descriptor); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("could not stage descriptor of %v: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("could not stage descriptor of %v: %w", name, err)
	}
	return tmp.Name(), nil
}

// Define registers the domain. Defining an existing domain replaces its
// definition.
func (v *Virsh) Define(ctx context.Context, name string, descriptor []byte) error {
	path, err := stage("domain", name, descriptor)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	_, err = v.run(ctx, "define", name, "define", path)
	return err
}

func (v *Virsh) Start(ctx context.Context, name string) error {
	out, err := v.run(ctx, "start", name, "start", name)
	return ignoreIf(out, err, alreadyActive)
}

// Shutdown asks the guest to power off. It returns before the guest is down.
func (v *Virsh) Shutdown(ctx context.Context, name string) error {
	out, err := v.run(ctx, "shutdown", name, "shutdown", name)
	return ignoreIf(out, err, append(notRunning, notFound...))
}

// Destroy forces the domain off.
func (v *Virsh) Destroy(ctx context.Context, name string) error {
	out, err := v.run(ctx, "destroy", name, "destroy", name)
	return ignoreIf(out, err, append(notRunning, notFound...))
}

func (v *Virsh) Undefine(ctx context.Context, name string) error {
	out, err := v.run(ctx, "undefine", name, "undefine", name)
	return ignoreIf(out, err, notFound)
}

// CreateDisk runs "qemu-img create" for a qcow2 overlay on top of backing.
func (v *Virsh) CreateDisk(ctx context.Context, path, backing string, sizeGiB int64) error {
	if _, err := os.Stat(path); err == nil {
		klog.FromContext(ctx).V(5).Info("keeping existing disk", "path", path)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("could not create disk directory of %v: %w", path, err)
	}

	binary := v.QemuImgBinary
	if binary == "" {
		binary = DefaultQemuImgBinary
	}
	args := []string{"create", "-f", "qcow2", "-F", "qcow2", "-b", backing, path}
	if sizeGiB > 0 {
		args = append(args, fmt.Sprintf("%dG", sizeGiB))
	}
	_, err := v.call(ctx, "create-disk", path, binary, args...)
	return err
}

func (v *Virsh) DeleteDisk(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("could not remove disk %v: %w", path, err)
	}
	klog.FromContext(ctx).V(5).Info("removed disk", "path", path)
	return nil
}

// DefineNetwork registers the network. Redefining an active network
// updates its persistent definition.
func (v *Virsh) DefineNetwork(ctx context.Context, name string, descriptor []byte) error {
	path, err := stage("network", name, descriptor)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	_, err = v.run(ctx, "net-define", name, "net-define", path)
	return err
}

func (v *Virsh) StartNetwork(ctx context.Context, name string) error {
	out, err := v.run(ctx, "net-start", name, "net-start", name)
	return ignoreIf(out, err, networkActive)
}

func (v *Virsh) DestroyNetwork(ctx context.Context, name string) error {
	out, err := v.run(ctx, "net-destroy", name, "net-destroy", name)
	if err := ignoreIf(out, err, append(networkInactive, networkNotFound...)); err != nil {
		return err
	}
	out, err = v.run(ctx, "net-undefine", name, "net-undefine", name)
	return ignoreIf(out, err, networkNotFound)
}

func (v *Virsh) ListDomains(ctx context.Context) (map[string]DomainState, error) {
	out, err := v.run(ctx, "list", "", "list", "--all")
	if err != nil {
		return nil, err
	}
	return ParseDomainList(out)
}

// ParseDomainList parses the table printed by "virsh list --all":
//
//	 Id   Name               State
//	-----------------------------------
//	 1    hpc-controller-0   running
//	 -    hpc-compute-0      shut off
func ParseDomainList(out []byte) (map[string]DomainState, error) {
	domains := map[string]DomainState{}
	headerSeen := false

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "---") {
			continue
		}
		fields := strings.Fields(line)
		if !headerSeen {
			if len(fields) >= 3 && fields[0] == "Id" && fields[1] == "Name" {
				headerSeen = true
				continue
			}
			return nil, fmt.Errorf("unexpected domain list header %q", line)
		}
		if len(fields) < 3 {
			return nil, fmt.Errorf("malformed domain list line %q", line)
		}
		domains[fields[1]] = DomainState(strings.Join(fields[2:], " "))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return domains, nil
}
