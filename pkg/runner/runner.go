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

package runner

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pingcap/flowcoord/pkg/coordination/service"
	cerror "github.com/pingcap/flowcoord/pkg/errors"
	"github.com/pingcap/flowcoord/pkg/model"
)

const (
	initLatchID = "init"
	// DefaultInitTimeout bounds the wait for the intermediate streams.
	DefaultInitTimeout = 10 * time.Minute
)

// StreamManager creates streams. Creating an existing stream is not an error.
type StreamManager interface {
	CreateStreams(ctx context.Context, specs []model.StreamSpec) error
}

// Processor is a long running part of the application. Run returns when ctx
// is canceled or the processor fails.
type Processor interface {
	Run(ctx context.Context) error
}

// Status is the status of the application.
type Status int32

// All statuses of the application.
const (
	StatusNew Status = iota
	StatusRunning
	StatusSuccessfulFinish
	StatusUnsuccessfulFinish
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusRunning:
		return "running"
	case StatusSuccessfulFinish:
		return "successful-finish"
	case StatusUnsuccessfulFinish:
		return "unsuccessful-finish"
	}
	return "unknown"
}

// Config is the configuration of a Runner.
type Config struct {
	// Streams are the intermediate streams of the application.
	Streams       []model.StreamSpec
	StreamManager StreamManager
	// Coordination, if set, lets only the leader create the streams while
	// the other processors wait for it. Without it every processor creates
	// the streams.
	Coordination *service.Service
	// InitTimeout bounds the wait for the leader to create the streams.
	InitTimeout time.Duration
	Processors  []Processor
}

// Runner runs the processors of an application in the current process.
type Runner struct {
	cfg    Config
	status atomic.Int32
	closed atomic.Bool
}

// New creates a Runner.
func New(cfg Config) (*Runner, error) {
	if len(cfg.Streams) > 0 && cfg.StreamManager == nil {
		return nil, cerror.ErrInvalidConfig.GenWithStackByArgs("stream manager must not be nil")
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	return &Runner{cfg: cfg}, nil
}

// Status returns the status of the application.
func (r *Runner) Status() Status {
	return Status(r.status.Load())
}

// CreateStreams creates the intermediate streams once for the whole group.
// With coordination, the leader creates them and releases the init latch,
// every processor returns once the latch is released or fails with
// ErrLatchTimeout after InitTimeout.
func (r *Runner) CreateStreams(ctx context.Context) error {
	specs := r.cfg.Streams
	if len(specs) == 0 {
		return nil
	}
	svc := r.cfg.Coordination
	if svc == nil {
		// every process creates the streams, stream creation is idempotent
		return errors.Trace(r.cfg.StreamManager.CreateStreams(ctx, specs))
	}

	latch := svc.Latch(1, initLatchID)
	var leaderErr atomic.Error
	elector, err := svc.LeaderElector(ctx, func() {
		// the leadership may be taken over long after ctx is gone
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.InitTimeout)
		defer cancel()
		log.Info("leader creates intermediate streams",
			zap.String("processorID", svc.ProcessorID()),
			zap.Int("streams", len(specs)))
		if err := r.cfg.StreamManager.CreateStreams(ctx, specs); err != nil {
			log.Error("create intermediate streams failed", zap.Error(err))
			leaderErr.Store(err)
			return
		}
		if err := latch.CountDown(ctx); err != nil {
			leaderErr.Store(err)
		}
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := elector.TryBecomeLeader(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := leaderErr.Load(); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(latch.Await(ctx, r.cfg.InitTimeout))
}

// Run creates the streams, runs all processors and blocks until they all
// return or ctx is canceled. The coordination service is reset before Run
// returns.
func (r *Runner) Run(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			r.status.Store(int32(StatusUnsuccessfulFinish))
		} else {
			r.status.Store(int32(StatusSuccessfulFinish))
		}
		log.Info("application finished",
			zap.Stringer("status", r.Status()), zap.Error(err))
		// the session may be gone with ctx, reset with a fresh context
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if closeErr := r.Close(closeCtx); closeErr != nil {
			log.Warn("reset coordination failed", zap.Error(closeErr))
		}
	}()

	if err := r.CreateStreams(ctx); err != nil {
		return errors.Trace(err)
	}
	r.status.Store(int32(StatusRunning))
	log.Info("application running", zap.Int("processors", len(r.cfg.Processors)))

	eg, egCtx := errgroup.WithContext(ctx)
	processorsDone := make(chan struct{})
	if svc := r.cfg.Coordination; svc != nil {
		eg.Go(func() error {
			return watchCoordination(egCtx, svc, processorsDone)
		})
	}
	eg.Go(func() error {
		defer close(processorsDone)
		return r.runProcessors(egCtx)
	})
	err = eg.Wait()
	if ctx.Err() != nil && errors.Cause(err) == context.Canceled {
		return nil
	}
	return errors.Trace(err)
}

func (r *Runner) runProcessors(ctx context.Context) error {
	if len(r.cfg.Processors) == 0 {
		<-ctx.Done()
		return nil
	}
	eg, egCtx := errgroup.WithContext(ctx)
	for _, p := range r.cfg.Processors {
		p := p
		eg.Go(func() error {
			return p.Run(egCtx)
		})
	}
	return eg.Wait()
}

// watchCoordination fails once the processor can't take part in the group
// any more: a re-election failed or the session ended. It returns nil when
// ctx is canceled or stop is closed.
func watchCoordination(ctx context.Context, svc *service.Service, stop <-chan struct{}) error {
	select {
	case <-ctx.Done():
		return nil
	case <-stop:
		return nil
	case err := <-svc.ElectionErr():
		return errors.Trace(err)
	case <-svc.Session().Done():
		return cerror.ErrCoordinatorUnavailable.GenWithStackByArgs(svc.Session().ID())
	}
}

// Close resets the coordination service. It is idempotent.
func (r *Runner) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if r.cfg.Coordination == nil {
		return nil
	}
	return errors.Trace(r.cfg.Coordination.Reset(ctx))
}
