// Copyright 2022 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package election

import (
	"context"
	"time"

	"github.com/pingcap/errors"

	"github.com/pingcap/flowcoord/pkg/coordination"
	"github.com/pingcap/flowcoord/pkg/membership"
)

const defaultRPCTimeout = 10 * time.Second

// Membership is the processor list the election runs on.
type Membership interface {
	// Self returns the registration of the current processor.
	Self() (membership.Participant, bool)
	// ListActive returns the registered processors sorted by sequential id.
	ListActive(ctx context.Context) ([]membership.Participant, error)
	// WatchDeletion installs a one-shot deletion watch on a registration.
	WatchDeletion(ctx context.Context, path string, listener coordination.DeletionListener) (bool, error)
}

// Config is the configuration for the leader election.
type Config struct {
	// ID is id of the current processor, it is used for logging and
	// error messages.
	ID string
	// Membership is the processor list, the current processor must be
	// registered in it before TryBecomeLeader is called.
	Membership Membership
	// LeaderCallback is called exactly once, when the current processor
	// becomes leader. It is called with the elector locked, so it must not
	// call TryBecomeLeader or Close.
	LeaderCallback func()
	// PredecessorObserver, if set, is notified of the deletion of every
	// predecessor the current processor watches. It never affects the
	// election.
	PredecessorObserver coordination.DeletionListener
	// ErrorCallback receives errors of re-elections triggered by predecessor
	// deletions. They are logged if it is nil.
	ErrorCallback func(error)
	// RPCTimeout bounds the store calls of a re-election.
	//
	// It defaults to 10 seconds if not set.
	RPCTimeout time.Duration
}

// AdjustAndValidate adjusts the config and validates it.
func (c *Config) AdjustAndValidate() error {
	if c.RPCTimeout == 0 {
		c.RPCTimeout = defaultRPCTimeout
	}
	if c.ID == "" {
		return errors.Errorf("id must not be empty")
	}
	if c.Membership == nil {
		return errors.Errorf("membership must not be nil")
	}
	if c.LeaderCallback == nil {
		return errors.Errorf("LeaderCallback must not be nil")
	}
	if c.RPCTimeout < 0 {
		return errors.Errorf("RPCTimeout must not be negative")
	}
	return nil
}
