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

// Package state persists node lifecycle states and GPU allocations of all
// clusters on the host in one JSON document guarded by a file lock.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/ai-how/gpu-fleet/pkg/fleeterr"
	"github.com/ai-how/gpu-fleet/pkg/helpers"
)

const (
	StateFileName = "state.json"
	LockFileName  = "state.lock"

	DefaultLeaseTimeout = 30 * time.Second
	defaultRetryDelay   = 100 * time.Millisecond
)

// Store is the durable, lock-protected state of the host.
type Store struct {
	dir          string
	clock        clock.Clock
	leaseTimeout time.Duration
	retryDelay   time.Duration
}

type Option func(*Store)

func WithClock(clk clock.Clock) Option {
	return func(s *Store) { s.clock = clk }
}

func WithLeaseTimeout(timeout time.Duration) Option {
	return func(s *Store) { s.leaseTimeout = timeout }
}

func NewStore(dir string, opts ...Option) *Store {
	s := &Store{
		dir:          dir,
		clock:        clock.RealClock{},
		leaseTimeout: DefaultLeaseTimeout,
		retryDelay:   defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Path() string {
	return filepath.Join(s.dir, StateFileName)
}

// Lease takes the exclusive host-wide lock and returns its release function.
// Waiting is bounded by the lease timeout and ctx; running out of time is a
// StateConflictError.
func (s *Store) Lease(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return nil, fmt.Errorf("could not create state directory %v: %w", s.dir, err)
	}

	lockPath := filepath.Join(s.dir, LockFileName)
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.leaseTimeout)
	defer cancel()

	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			_ = file.Close()
			return nil, fmt.Errorf("acquire lock: %w", err)
		}

		select {
		case <-ctx.Done():
			_ = file.Close()
			return nil, &fleeterr.StateConflictError{Reason: fmt.Sprintf("could not acquire state lease %v: %v", lockPath, ctx.Err())}
		case <-time.After(s.retryDelay):
		}
	}
	klog.V(5).Infof("acquired state lease %v", lockPath)

	release := func() {
		if err := unix.Flock(int(file.Fd()), unix.LOCK_UN); err != nil {
			klog.Errorf("release lock %v: %v", lockPath, err)
		}
		if err := file.Close(); err != nil {
			klog.Errorf("close lock file %v: %v", lockPath, err)
		}
		klog.V(5).Infof("released state lease %v", lockPath)
	}

	return release, nil
}

// Load reads the state document. A missing document is an empty state.
// Readers that do not hold the lease still see a consistent document since
// saves replace the file atomically.
func (s *Store) Load() (*State, error) {
	st := NewState(s.clock)

	data, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			klog.V(5).Infof("no state file %v, starting empty", s.Path())
			return st, nil
		}
		return nil, fmt.Errorf("could not read state file %v: %w", s.Path(), err)
	}

	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("could not parse state file %v: %w", s.Path(), err)
	}
	if st.Version != CurrentVersion {
		return nil, fmt.Errorf("state file %v has version %d, expected %d", s.Path(), st.Version, CurrentVersion)
	}
	if st.Clusters == nil {
		st.Clusters = map[string]*ClusterRecord{}
	}
	if st.Allocations == nil {
		st.Allocations = Allocations{}
	}

	if err := st.CheckInvariants(); err != nil {
		klog.Warningf("state file %v is inconsistent, reconciliation needed: %v", s.Path(), err)
	}

	return st, nil
}

// Save writes the state document atomically.
func (s *Store) Save(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("could not encode state: %w", err)
	}

	changed, err := helpers.WriteFileAtomic(s.Path(), data, 0600)
	if err != nil {
		return fmt.Errorf("could not save state: %w", err)
	}
	if changed {
		klog.V(5).Infof("saved state to %v", s.Path())
	}

	return nil
}

// Update runs fn on the current state under the lease and saves the result
// when fn succeeds. Nothing is written when fn fails.
func (s *Store) Update(ctx context.Context, fn func(*State) error) error {
	release, err := s.Lease(ctx)
	if err != nil {
		return err
	}
	defer release()

	st, err := s.Load()
	if err != nil {
		return err
	}

	if err := fn(st); err != nil {
		return err
	}

	return s.Save(st)
}
