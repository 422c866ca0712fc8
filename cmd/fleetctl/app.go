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

package main

import (
	"fmt"

	"github.com/ai-how/gpu-fleet/pkg/config"
	"github.com/ai-how/gpu-fleet/pkg/discovery"
	"github.com/ai-how/gpu-fleet/pkg/hypervisor"
	"github.com/ai-how/gpu-fleet/pkg/lifecycle"
	"github.com/ai-how/gpu-fleet/pkg/state"
	"github.com/ai-how/gpu-fleet/pkg/topology"
)

// app is everything a cluster command needs, built from flags, the
// configuration and the environment.
type app struct {
	config  *config.Config
	scanner *discovery.Scanner
	store   *state.Store
	manager *lifecycle.Manager
}

func (f *flagsType) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*f.configPath)
	if err != nil {
		return nil, err
	}
	if *f.stateDir != "" {
		cfg.StateDir = *f.stateDir
	}
	if *f.artifactDir != "" {
		cfg.ArtifactDir = *f.artifactDir
	}
	return cfg, nil
}

func newScanner(cfg *config.Config) *discovery.Scanner {
	return &discovery.Scanner{
		SysfsRoot:  cfg.SysfsRoot,
		ProcfsRoot: cfg.ProcfsRoot,
		DevfsRoot:  cfg.DevfsRoot,
	}
}

// newHypervisor is replaced in tests.
var newHypervisor = func(cfg *config.Config) hypervisor.Hypervisor {
	return hypervisor.NewVirsh(cfg.VirshBinary, cfg.LibvirtURI, cfg.HypervisorCallTimeout)
}

func (f *flagsType) newApp() (*app, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}

	reservedMiB, err := cfg.HostReservedMemoryMiB()
	if err != nil {
		return nil, err
	}

	a := &app{
		config:  cfg,
		scanner: newScanner(cfg),
		store:   state.NewStore(cfg.StateDir, state.WithLeaseTimeout(cfg.LeaseTimeout)),
	}

	opts := lifecycle.Options{
		ArtifactDir:           cfg.ArtifactDir,
		ShutdownTimeout:       cfg.ShutdownTimeout,
		HostReservedMemoryMiB: reservedMiB,
		CPUOvercommitRatio:    cfg.CPUOvercommitRatio,
	}
	if !cfg.DisableMetrics {
		opts.MetricsPath = lifecycle.MetricsPath(cfg.StateDir)
	}
	a.manager = lifecycle.NewManager(a.store, newHypervisor(cfg), a.scanner, opts)

	return a, nil
}

func (f *flagsType) loadTopology() (*topology.Document, error) {
	if *f.topologyPath == "" {
		return nil, fmt.Errorf("no topology file given, use --topology")
	}
	return topology.Load(*f.topologyPath)
}

func (f *flagsType) loadCluster(name string) (topology.ClusterSpec, error) {
	doc, err := f.loadTopology()
	if err != nil {
		return topology.ClusterSpec{}, err
	}
	return doc.Cluster(name)
}
