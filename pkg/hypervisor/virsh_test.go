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
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"k8s.io/utils/exec"
	fakeexec "k8s.io/utils/exec/testing"

	"github.com/ai-how/gpu-fleet/pkg/fleeterr"
)

func scriptedVirsh(outputs ...fakeexec.FakeAction) (*Virsh, *fakeexec.FakeExec, []*fakeexec.FakeCmd) {
	fexec := &fakeexec.FakeExec{}
	cmds := []*fakeexec.FakeCmd{}
	for _, output := range outputs {
		fcmd := &fakeexec.FakeCmd{CombinedOutputScript: []fakeexec.FakeAction{output}}
		cmds = append(cmds, fcmd)
		fexec.CommandScript = append(fexec.CommandScript, func(cmd string, args ...string) exec.Cmd {
			return fakeexec.InitFakeCmd(fcmd, cmd, args...)
		})
	}
	v := &Virsh{Exec: fexec, Binary: "virsh", QemuImgBinary: "qemu-img", URI: "qemu:///system", CallTimeout: time.Second}
	return v, fexec, cmds
}

func succeed(out string) fakeexec.FakeAction {
	return func() ([]byte, []byte, error) { return []byte(out), nil, nil }
}

func fail(out string) fakeexec.FakeAction {
	return func() ([]byte, []byte, error) { return []byte(out), nil, &fakeexec.FakeExitError{Status: 1} }
}

func TestParseDomainList(t *testing.T) {
	out := ` Id   Name               State
-----------------------------------
 1    hpc-controller-0   running
 2    hpc-compute-0      paused
 -    hpc-compute-1      shut off

`
	domains, err := ParseDomainList([]byte(out))
	if err != nil {
		t.Fatalf("ParseDomainList() error: %v", err)
	}
	expected := map[string]DomainState{
		"hpc-controller-0": DomainRunning,
		"hpc-compute-0":    DomainPaused,
		"hpc-compute-1":    DomainShutOff,
	}
	if !reflect.DeepEqual(domains, expected) {
		t.Errorf("expected %v, got %v", expected, domains)
	}

	if domains, err := ParseDomainList([]byte(" Id   Name   State\n----------------\n\n")); err != nil || len(domains) != 0 {
		t.Errorf("expected empty listing, got %v %v", domains, err)
	}

	if _, err := ParseDomainList([]byte("error: failed to connect to the hypervisor\n")); err == nil {
		t.Errorf("expected error for output without header")
	}
}

func TestDomainStateActive(t *testing.T) {
	for state, active := range map[DomainState]bool{
		DomainRunning: true, DomainPaused: true, DomainInShutdown: true,
		DomainShutOff: false, DomainCrashed: false, DomainAbsent: false,
	} {
		if state.Active() != active {
			t.Errorf("%v.Active() expected %v", state, active)
		}
	}
	if DomainStateOf(map[string]DomainState{"a": DomainRunning}, "b") != DomainAbsent {
		t.Errorf("missing domain should be absent")
	}
}

func TestVirshCommandLine(t *testing.T) {
	v, _, cmds := scriptedVirsh(succeed("Domain 'n0' started\n"))

	if err := v.Start(context.Background(), "n0"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	expected := []string{"virsh", "-c", "qemu:///system", "start", "n0"}
	if !reflect.DeepEqual(cmds[0].Argv, expected) {
		t.Errorf("expected %v, got %v", expected, cmds[0].Argv)
	}
}

func TestVirshIdempotentOperations(t *testing.T) {
	tests := []struct {
		name   string
		call   func(v *Virsh) error
		output string
	}{
		{
			name:   "start running domain",
			call:   func(v *Virsh) error { return v.Start(context.Background(), "n0") },
			output: "error: Failed to start domain 'n0'\nerror: Requested operation is not valid: domain is already active",
		},
		{
			name:   "shutdown stopped domain",
			call:   func(v *Virsh) error { return v.Shutdown(context.Background(), "n0") },
			output: "error: Failed to shutdown domain 'n0'\nerror: Requested operation is not valid: domain is not running",
		},
		{
			name:   "destroy stopped domain",
			call:   func(v *Virsh) error { return v.Destroy(context.Background(), "n0") },
			output: "error: Failed to destroy domain 'n0'\nerror: Requested operation is not valid: domain is not running",
		},
		{
			name:   "undefine missing domain",
			call:   func(v *Virsh) error { return v.Undefine(context.Background(), "n0") },
			output: "error: failed to get domain 'n0'",
		},
		{
			name:   "start active network",
			call:   func(v *Virsh) error { return v.StartNetwork(context.Background(), "hpc-net") },
			output: "error: Failed to start network hpc-net\nerror: Requested operation is not valid: network is already active",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _, _ := scriptedVirsh(fail(tt.output))
			if err := tt.call(v); err != nil {
				t.Errorf("expected success, got %v", err)
			}
		})
	}
}

func TestVirshErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		output    string
		transient bool
	}{
		{
			name:      "state change lock",
			output:    "error: Timed out during operation: cannot acquire state change lock (held by monitor=remoteDispatchDomainCreate)",
			transient: true,
		},
		{
			name:      "daemon down",
			output:    "error: failed to connect to the hypervisor\nerror: Failed to connect socket to '/var/run/libvirt/libvirt-sock': No such file or directory",
			transient: true,
		},
		{
			name:      "vfio failure",
			output:    "error: internal error: qemu unexpectedly closed the monitor: vfio 0000:01:00.0: group 1 is not viable",
			transient: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, _, _ := scriptedVirsh(fail(tt.output))
			err := v.Start(context.Background(), "n0")

			var hvErr *fleeterr.HypervisorCallError
			if !errors.As(err, &hvErr) {
				t.Fatalf("expected HypervisorCallError, got %v", err)
			}
			if hvErr.Transient != tt.transient || hvErr.Op != "start" || hvErr.Domain != "n0" {
				t.Errorf("unexpected error %+v", hvErr)
			}
			if fleeterr.IsTransient(err) != tt.transient {
				t.Errorf("IsTransient() expected %v", tt.transient)
			}
		})
	}
}

func TestVirshDefineStagesDescriptor(t *testing.T) {
	var staged string
	fexec := &fakeexec.FakeExec{}
	fcmd := &fakeexec.FakeCmd{}
	fcmd.CombinedOutputScript = []fakeexec.FakeAction{
		func() ([]byte, []byte, error) {
			staged = fcmd.Argv[len(fcmd.Argv)-1]
			return []byte("Domain 'n0' defined"), nil, nil
		},
	}
	fexec.CommandScript = []fakeexec.FakeCommandAction{
		func(cmd string, args ...string) exec.Cmd { return fakeexec.InitFakeCmd(fcmd, cmd, args...) },
	}
	v := &Virsh{Exec: fexec, Binary: "virsh", URI: "qemu:///session", CallTimeout: time.Second}

	if err := v.Define(context.Background(), "n0", []byte("<domain/>")); err != nil {
		t.Fatalf("Define() error: %v", err)
	}
	if fcmd.Argv[3] != "define" || staged == "" {
		t.Errorf("unexpected command line %v", fcmd.Argv)
	}
}

func TestVirshDestroyNetwork(t *testing.T) {
	tests := []struct {
		name    string
		outputs []fakeexec.FakeAction
		calls   int
	}{
		{
			name:    "active network",
			outputs: []fakeexec.FakeAction{succeed("Network hpc-net destroyed"), succeed("Network hpc-net has been undefined")},
			calls:   2,
		},
		{
			name: "inactive network",
			outputs: []fakeexec.FakeAction{
				fail("error: Failed to destroy network hpc-net\nerror: Requested operation is not valid: network is not active"),
				succeed("Network hpc-net has been undefined"),
			},
			calls: 2,
		},
		{
			name: "missing network",
			outputs: []fakeexec.FakeAction{
				fail("error: failed to get network 'hpc-net'\nerror: Network not found: no network with matching name 'hpc-net'"),
				fail("error: failed to get network 'hpc-net'\nerror: Network not found: no network with matching name 'hpc-net'"),
			},
			calls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, fexec, cmds := scriptedVirsh(tt.outputs...)
			if err := v.DestroyNetwork(context.Background(), "hpc-net"); err != nil {
				t.Fatalf("DestroyNetwork() error: %v", err)
			}
			if fexec.CommandCalls != tt.calls {
				t.Errorf("expected %d calls, got %d", tt.calls, fexec.CommandCalls)
			}
			expected := []string{"virsh", "-c", "qemu:///system", "net-undefine", "hpc-net"}
			if !reflect.DeepEqual(cmds[1].Argv, expected) {
				t.Errorf("expected %v, got %v", expected, cmds[1].Argv)
			}
		})
	}

	v, _, _ := scriptedVirsh(fail("error: Failed to destroy network hpc-net\nerror: internal error: dnsmasq still running"))
	if err := v.DestroyNetwork(context.Background(), "hpc-net"); err == nil {
		t.Errorf("expected error for unrelated failure")
	}
}

func TestVirshDefineNetwork(t *testing.T) {
	var staged []byte
	fexec := &fakeexec.FakeExec{}
	fcmd := &fakeexec.FakeCmd{}
	fcmd.CombinedOutputScript = []fakeexec.FakeAction{
		func() ([]byte, []byte, error) {
			staged, _ = os.ReadFile(fcmd.Argv[len(fcmd.Argv)-1])
			return []byte("Network hpc-net defined"), nil, nil
		},
	}
	fexec.CommandScript = []fakeexec.FakeCommandAction{
		func(cmd string, args ...string) exec.Cmd { return fakeexec.InitFakeCmd(fcmd, cmd, args...) },
	}
	v := &Virsh{Exec: fexec, Binary: "virsh", URI: "qemu:///system", CallTimeout: time.Second}

	if err := v.DefineNetwork(context.Background(), "hpc-net", []byte("<network/>")); err != nil {
		t.Fatalf("DefineNetwork() error: %v", err)
	}
	if fcmd.Argv[3] != "net-define" || string(staged) != "<network/>" {
		t.Errorf("unexpected command line %v staging %q", fcmd.Argv, staged)
	}
	if _, err := os.Stat(fcmd.Argv[len(fcmd.Argv)-1]); !os.IsNotExist(err) {
		t.Errorf("staged descriptor left behind: %v", err)
	}
}

func TestVirshCreateDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hpc", "disks", "hpc-compute-0.qcow2")
	v, fexec, cmds := scriptedVirsh(succeed("Formatting '" + path + "', fmt=qcow2"))

	if err := v.CreateDisk(context.Background(), path, "/images/compute.qcow2", 40); err != nil {
		t.Fatalf("CreateDisk() error: %v", err)
	}
	expected := []string{"qemu-img", "create", "-f", "qcow2", "-F", "qcow2", "-b", "/images/compute.qcow2", path, "40G"}
	if !reflect.DeepEqual(cmds[0].Argv, expected) {
		t.Errorf("expected %v, got %v", expected, cmds[0].Argv)
	}
	if info, err := os.Stat(filepath.Dir(path)); err != nil || !info.IsDir() {
		t.Errorf("disk directory not created: %v", err)
	}

	// An existing overlay is kept as is.
	if err := os.WriteFile(path, []byte("qcow2"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := v.CreateDisk(context.Background(), path, "/images/compute.qcow2", 40); err != nil {
		t.Fatalf("CreateDisk() error: %v", err)
	}
	if fexec.CommandCalls != 1 {
		t.Errorf("expected no qemu-img call for an existing disk, got %d calls", fexec.CommandCalls)
	}

	if err := v.DeleteDisk(context.Background(), path); err != nil {
		t.Fatalf("DeleteDisk() error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("disk still present: %v", err)
	}
	if err := v.DeleteDisk(context.Background(), path); err != nil {
		t.Errorf("DeleteDisk() of missing disk should succeed, got %v", err)
	}
}

func TestVirshCreateDiskFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "n0.qcow2")
	v, _, _ := scriptedVirsh(fail("qemu-img: Could not open backing file: No such file or directory"))

	err := v.CreateDisk(context.Background(), path, "/images/missing.qcow2", 0)
	var hvErr *fleeterr.HypervisorCallError
	if !errors.As(err, &hvErr) || hvErr.Op != "create-disk" || hvErr.Transient {
		t.Errorf("expected permanent create-disk error, got %v", err)
	}
}

func TestVirshListDomains(t *testing.T) {
	v, _, _ := scriptedVirsh(succeed(" Id   Name   State\n------------------\n 3    n0     running\n"))
	domains, err := v.ListDomains(context.Background())
	if err != nil {
		t.Fatalf("ListDomains() error: %v", err)
	}
	if domains["n0"] != DomainRunning {
		t.Errorf("unexpected domains %v", domains)
	}
}

func TestNewVirshDefaults(t *testing.T) {
	v := NewVirsh("", "", 0)
	if v.Binary != DefaultVirshBinary || v.QemuImgBinary != DefaultQemuImgBinary || v.URI != DefaultURI || v.CallTimeout != DefaultCallTimeout {
		t.Errorf("unexpected defaults %+v", v)
	}
}
