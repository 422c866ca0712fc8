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

// Package config reads the settings shared by every fleetctl command from an
// optional YAML file and the environment. Command line flags override both.
package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"k8s.io/apimachinery/pkg/api/resource"
)

type Config struct {
	StateDir    string `yaml:"stateDir" env:"FLEET_STATE_DIR" env-default:"/var/lib/gpu-fleet" env-description:"directory of the state file and its lock"`
	ArtifactDir string `yaml:"artifactDir" env:"FLEET_ARTIFACT_DIR" env-default:"/var/lib/gpu-fleet/artifacts" env-description:"directory receiving domain descriptors and inventories"`

	SysfsRoot  string `yaml:"sysfsRoot" env:"SYSFS_ROOT" env-default:"/sys" env-description:"root of the sysfs tree to scan"`
	ProcfsRoot string `yaml:"procfsRoot" env:"PROCFS_ROOT" env-default:"/proc" env-description:"root of the procfs tree to scan"`
	DevfsRoot  string `yaml:"devfsRoot" env:"DEVFS_ROOT" env-default:"/dev" env-description:"root of the device tree to check"`

	VirshBinary string `yaml:"virsh" env:"FLEET_VIRSH" env-default:"virsh" env-description:"libvirt command line client"`
	LibvirtURI  string `yaml:"libvirtURI" env:"LIBVIRT_DEFAULT_URI" env-default:"qemu:///system" env-description:"libvirt connection URI"`

	HypervisorCallTimeout time.Duration `yaml:"hypervisorCallTimeout" env:"FLEET_HYPERVISOR_TIMEOUT" env-default:"60s" env-description:"timeout of a single hypervisor call"`
	ShutdownTimeout       time.Duration `yaml:"shutdownTimeout" env:"FLEET_SHUTDOWN_TIMEOUT" env-default:"120s" env-description:"wait for graceful shutdown before forcing a domain off"`
	LeaseTimeout          time.Duration `yaml:"leaseTimeout" env:"FLEET_LEASE_TIMEOUT" env-default:"30s" env-description:"wait for the state lease"`

	HostReservedMemory string  `yaml:"hostReservedMemory" env:"FLEET_HOST_RESERVED_MEMORY" env-default:"4Gi" env-description:"memory kept for the host, as a quantity"`
	CPUOvercommitRatio float64 `yaml:"cpuOvercommitRatio" env:"FLEET_CPU_OVERCOMMIT_RATIO" env-default:"1.0" env-description:"vCPUs handed out per host CPU"`

	DisableMetrics bool `yaml:"disableMetrics" env:"FLEET_DISABLE_METRICS" env-description:"do not write the Prometheus textfile next to the state file"`
}

// Load reads path when not empty, then the environment, and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, cfg)
	} else {
		err = cleanenv.ReadEnv(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("could not read configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.StateDir == "" || c.ArtifactDir == "" {
		return fmt.Errorf("state and artifact directories must be set")
	}
	if _, err := c.HostReservedMemoryMiB(); err != nil {
		return err
	}
	if c.CPUOvercommitRatio <= 0 {
		return fmt.Errorf("cpuOvercommitRatio must be positive, got %v", c.CPUOvercommitRatio)
	}
	for name, d := range map[string]time.Duration{
		"hypervisorCallTimeout": c.HypervisorCallTimeout,
		"shutdownTimeout":       c.ShutdownTimeout,
		"leaseTimeout":          c.LeaseTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%v must be positive, got %v", name, d)
		}
	}
	return nil
}

// HostReservedMemoryMiB parses the reservation, rounding up to whole MiB.
func (c *Config) HostReservedMemoryMiB() (int64, error) {
	if c.HostReservedMemory == "" {
		return 0, nil
	}
	q, err := resource.ParseQuantity(c.HostReservedMemory)
	if err != nil {
		return 0, fmt.Errorf("invalid hostReservedMemory %q: %w", c.HostReservedMemory, err)
	}
	if q.Sign() < 0 {
		return 0, fmt.Errorf("hostReservedMemory must not be negative, got %v", c.HostReservedMemory)
	}
	const mebibyte = 1024 * 1024
	return (q.Value() + mebibyte - 1) / mebibyte, nil
}

// Description lists the environment variables understood by Load.
func Description() (string, error) {
	header := "Environment variables:"
	return cleanenv.GetDescription(&Config{}, &header)
}
