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

package helpers

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	cliflag "k8s.io/component-base/cli/flag"
	"k8s.io/component-base/featuregate"
	"k8s.io/component-base/logs"
	logsapi "k8s.io/component-base/logs/api/v1"
	"k8s.io/component-base/term"

	_ "k8s.io/component-base/logs/json/register" // for JSON log output support
)

type LoggingConfig struct {
	featureGate featuregate.MutableFeatureGate
	config      *logsapi.LoggingConfiguration
}

func NewLoggingConfig() *LoggingConfig {
	fg := featuregate.NewFeatureGate()
	l := &LoggingConfig{
		featureGate: fg,
		config:      logsapi.NewLoggingConfiguration(),
	}
	utilruntime.Must(logsapi.AddFeatureGates(fg))
	utilruntime.Must(l.featureGate.SetFromMap(map[string]bool{string(logsapi.ContextualLogging): true}))
	return l
}

// Apply should be called in cobra PersistentPreRunE directly after parsing
// command line flags and before running any code which emits log entries.
func (l *LoggingConfig) Apply() error {
	return logsapi.ValidateAndApply(l.config, l.featureGate)
}

// AddFlags registers the logging flags and the feature gates flag in fs.
func (l *LoggingConfig) AddFlags(fs *pflag.FlagSet) {
	logsapi.AddFlags(l.config, fs)
	logs.AddFlags(fs, logs.SkipLoggingConfigurationFlags())

	// The logging code is the only user of the feature gates, so the flag
	// lives in the logging section.
	fs.AddFlag(&pflag.Flag{
		Name: "feature-gates",
		Usage: "A set of key=value pairs that describe feature gates for alpha/experimental features. " +
			"Options are:\n     " + strings.Join(l.featureGate.KnownFeatures(), "\n     "),
		Value: l.featureGate.(pflag.Value), //nolint:forcetypeassert // l.featureGate is a *featuregate.featureGate, which implements pflag.Value.
	})
}

// AttachFlagSets adds the named flag sets to the persistent flags of cmd and
// installs sectioned usage and help output.
func AttachFlagSets(cmd *cobra.Command, sharedFlagSets cliflag.NamedFlagSets) {
	fs := cmd.PersistentFlags()
	for _, name := range sharedFlagSets.Order {
		fs.AddFlagSet(sharedFlagSets.FlagSets[name])
	}

	cols, _, _ := term.TerminalSize(cmd.OutOrStdout())
	cliflag.SetUsageAndHelpFunc(cmd, sharedFlagSets, cols)
}
