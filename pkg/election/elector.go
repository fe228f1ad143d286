// Copyright 2024 PingCAP, Inc.
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
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	cerror "github.com/pingcap/flowcoord/pkg/errors"
	"github.com/pingcap/flowcoord/pkg/membership"
)

// Status is the election status of a processor.
type Status int32

// Status values
const (
	Unelected Status = iota
	Leader
	Follower
)

func (s Status) String() string {
	switch s {
	case Unelected:
		return "unelected"
	case Leader:
		return "leader"
	case Follower:
		return "follower"
	default:
		return "unknown"
	}
}

// Elector elects the registered processor with the smallest sequential id as
// leader. Every other processor watches only its immediate predecessor, so a
// failure wakes up one processor instead of the whole group.
type Elector struct {
	cfg Config

	status  atomic.Int32
	closed  atomic.Bool
	lastErr atomic.Error

	mu sync.Mutex
	// generation identifies the current predecessor watch, notifications of
	// former watches are ignored.
	generation  uint64
	predecessor string
}

// NewElector creates an Elector.
func NewElector(cfg Config) (*Elector, error) {
	if err := cfg.AdjustAndValidate(); err != nil {
		return nil, cerror.ErrInvalidConfig.Wrap(err).GenWithStackByArgs(err.Error())
	}
	e := &Elector{cfg: cfg}
	leaderGauge.WithLabelValues(cfg.ID).Set(0)
	return e, nil
}

// TryBecomeLeader joins the election. If the current processor has the
// smallest sequential id it becomes leader and LeaderCallback is called before
// TryBecomeLeader returns. Otherwise it becomes a follower watching its
// predecessor, and it is promoted when it turns to the smallest one.
func (e *Elector) TryBecomeLeader(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return cerror.ErrElectorClosed.GenWithStackByArgs(e.cfg.ID)
	}
	if e.Status() == Leader {
		return nil
	}
	return e.evaluateLocked(ctx)
}

func (e *Elector) evaluateLocked(ctx context.Context) error {
	for {
		self, ok := e.cfg.Membership.Self()
		if !ok {
			return cerror.ErrProcessorNotRegistered.GenWithStackByArgs(e.cfg.ID)
		}
		active, err := e.cfg.Membership.ListActive(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		idx := indexOf(active, self.Path)
		if idx < 0 {
			return cerror.ErrProcessorNotRegistered.GenWithStackByArgs(e.cfg.ID)
		}
		if idx == 0 {
			e.becomeLeaderLocked(self)
			return nil
		}

		predecessor := active[idx-1]
		e.generation++
		generation := e.generation
		exists, err := e.cfg.Membership.WatchDeletion(ctx, predecessor.Path, func(path string) {
			e.onPredecessorDeleted(generation, path)
		})
		if err != nil {
			return errors.Trace(err)
		}
		if !exists {
			log.Info("predecessor is already gone, re-evaluate",
				zap.String("processorID", e.cfg.ID),
				zap.String("predecessor", predecessor.Path))
			continue
		}
		if e.cfg.PredecessorObserver != nil {
			if _, err := e.cfg.Membership.WatchDeletion(ctx, predecessor.Path, e.observe); err != nil {
				log.Warn("install predecessor observer failed",
					zap.String("processorID", e.cfg.ID),
					zap.String("predecessor", predecessor.Path), zap.Error(err))
			}
		}

		e.predecessor = predecessor.Path
		e.status.Store(int32(Follower))
		log.Info("processor follows its predecessor",
			zap.String("processorID", e.cfg.ID),
			zap.Int64("sequentialID", self.SequentialID),
			zap.String("predecessorID", predecessor.ProcessorID),
			zap.String("predecessor", predecessor.Path))
		return nil
	}
}

func (e *Elector) becomeLeaderLocked(self membership.Participant) {
	e.generation++
	e.predecessor = ""
	e.status.Store(int32(Leader))
	leaderGauge.WithLabelValues(e.cfg.ID).Set(1)
	log.Info("processor becomes leader",
		zap.String("processorID", e.cfg.ID),
		zap.Int64("sequentialID", self.SequentialID),
		zap.String("path", self.Path))
	e.cfg.LeaderCallback()
}

func (e *Elector) onPredecessorDeleted(generation uint64, path string) {
	predecessorDeletedCounter.WithLabelValues(e.cfg.ID).Inc()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() || generation != e.generation || e.Status() == Leader {
		log.Debug("ignore stale predecessor deletion",
			zap.String("processorID", e.cfg.ID), zap.String("path", path))
		return
	}
	log.Info("predecessor deleted, re-evaluate",
		zap.String("processorID", e.cfg.ID), zap.String("predecessor", path))

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RPCTimeout)
	defer cancel()
	if err := e.evaluateLocked(ctx); err != nil {
		e.reportError(err)
	}
}

func (e *Elector) observe(path string) {
	if e.closed.Load() {
		return
	}
	e.cfg.PredecessorObserver(path)
}

func (e *Elector) reportError(err error) {
	electionErrorCounter.WithLabelValues(e.cfg.ID).Inc()
	e.lastErr.Store(err)
	if e.cfg.ErrorCallback != nil {
		e.cfg.ErrorCallback(err)
		return
	}
	log.Error("leader election failed",
		zap.String("processorID", e.cfg.ID), zap.Error(err))
}

// AmILeader returns whether the current processor is the leader. It never
// calls the store.
func (e *Elector) AmILeader() bool {
	return e.Status() == Leader
}

// Status returns the election status of the current processor.
func (e *Elector) Status() Status {
	return Status(e.status.Load())
}

// Err returns the last error of a re-election triggered by a predecessor
// deletion.
func (e *Elector) Err() error {
	return e.lastErr.Load()
}

// Close stops the election. No callback is called after Close returns. The
// leader keeps its status, leadership ends with the session of the membership.
func (e *Elector) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.generation++
	leaderGauge.DeleteLabelValues(e.cfg.ID)
	log.Info("leader elector closed",
		zap.String("processorID", e.cfg.ID),
		zap.Stringer("status", e.Status()))
}

func indexOf(participants []membership.Participant, path string) int {
	for i, p := range participants {
		if p.Path == path {
			return i
		}
	}
	return -1
}
