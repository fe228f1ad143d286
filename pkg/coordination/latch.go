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

package coordination

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	cerror "github.com/pingcap/flowcoord/pkg/errors"
)

const defaultLatchPollInterval = 100 * time.Millisecond

// Latch is a count-down latch shared by the processors of a group. Each
// CountDown registers one arrival under the latch path; Await returns once
// size arrivals are present.
//
// Arrivals are ephemeral, they disappear with the session that created them.
type Latch struct {
	session      Session
	id           string
	path         string
	size         int
	clock        clock.Clock
	pollInterval time.Duration
}

// LatchOption configures a Latch.
type LatchOption func(*Latch)

// WithLatchClock sets the clock used to poll and time out.
func WithLatchClock(c clock.Clock) LatchOption {
	return func(l *Latch) {
		l.clock = c
	}
}

// WithLatchPollInterval sets how often Await checks the arrivals.
func WithLatchPollInterval(d time.Duration) LatchOption {
	return func(l *Latch) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// NewLatch creates a latch of the given size rooted at path.
func NewLatch(session Session, id, path string, size int, opts ...LatchOption) *Latch {
	l := &Latch{
		session:      session,
		id:           id,
		path:         path,
		size:         size,
		clock:        clock.New(),
		pollInterval: defaultLatchPollInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CountDown registers one arrival.
func (l *Latch) CountDown(ctx context.Context) error {
	path, err := l.session.CreateEphemeralSequential(ctx, l.path, nil)
	if err != nil {
		return errors.Trace(err)
	}
	log.Info("latch count down", zap.String("latch", l.id), zap.String("path", path))
	return nil
}

// Await blocks until the latch is released, ctx is canceled or timeout
// elapses, whichever comes first. It fails with ErrLatchTimeout on timeout.
func (l *Latch) Await(ctx context.Context, timeout time.Duration) error {
	timer := l.clock.Timer(timeout)
	defer timer.Stop()
	ticker := l.clock.Ticker(l.pollInterval)
	defer ticker.Stop()

	arrived := 0
	for {
		nodes, err := l.session.Children(ctx, l.path)
		if err != nil {
			return errors.Trace(err)
		}
		arrived = len(nodes)
		if arrived >= l.size {
			log.Info("latch released", zap.String("latch", l.id), zap.Int("arrived", arrived))
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-l.session.Done():
			return cerror.ErrCoordinatorUnavailable.GenWithStackByArgs(l.session.ID())
		case <-timer.C:
			return cerror.ErrLatchTimeout.GenWithStackByArgs(l.id, timeout, arrived, l.size)
		case <-ticker.C:
		}
	}
}
