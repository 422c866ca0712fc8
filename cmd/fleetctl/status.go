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
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/ai-how/gpu-fleet/pkg/lifecycle"
	"github.com/ai-how/gpu-fleet/pkg/topology"
)

func newStatusCommand(flags *flagsType) *cobra.Command {
	var (
		output string
		watch  bool
	)

	cmd := &cobra.Command{
		Use:   "status [cluster]",
		Short: "Reconcile and show the state of one or all clusters",
		Long: `Compares the recorded state of the clusters with the domains libvirt
reports and the GPUs the host shows, records the corrections and prints the
result. Without a cluster name every cluster of the topology is shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(output); err != nil {
				return err
			}

			doc, err := flags.loadTopology()
			if err != nil {
				return err
			}
			clusters := doc.Clusters
			if len(args) == 1 {
				cluster, err := doc.Cluster(args[0])
				if err != nil {
					return err
				}
				clusters = []topology.ClusterSpec{cluster}
			}

			a, err := flags.newApp()
			if err != nil {
				return err
			}

			show := func() error {
				statuses, err := collectStatus(cmd.Context(), a.manager, clusters)
				if err != nil {
					return err
				}
				return printStatus(cmd.OutOrStdout(), output, statuses...)
			}

			if err := show(); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			return watchStateFile(cmd.Context(), a.store.Path(), show)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format: table, json or yaml.")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Print the status again whenever the state file changes.")

	return cmd
}

func collectStatus(ctx context.Context, manager *lifecycle.Manager, clusters []topology.ClusterSpec) ([]*lifecycle.ClusterStatus, error) {
	statuses := make([]*lifecycle.ClusterStatus, 0, len(clusters))
	for _, cluster := range clusters {
		status, err := manager.Status(ctx, cluster)
		if err != nil {
			return nil, fmt.Errorf("could not get status of cluster %v: %w", cluster.Name, err)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// watchStateFile calls show on every change of the state file until ctx is
// done. Saves replace the file, so its directory is watched.
func watchStateFile(ctx context.Context, stateFile string, show func() error) error {
	dir := filepath.Dir(stateFile)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("could not create state directory %v: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("could not create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("could not watch %v: %w", dir, err)
	}
	klog.V(3).Infof("watching %v", stateFile)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(stateFile) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			klog.V(5).Infof("state file event %v", event)
			if err := show(); err != nil {
				klog.Errorf("status: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			klog.Errorf("watch %v: %v", dir, err)
		}
	}
}
