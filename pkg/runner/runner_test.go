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
	"sync"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/pingcap/flowcoord/pkg/coordination/service"
	"github.com/pingcap/flowcoord/pkg/leakutil"
	"github.com/pingcap/flowcoord/pkg/model"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

type fakeStreamManager struct {
	calls atomic.Int32
	err   error
}

func (m *fakeStreamManager) CreateStreams(_ context.Context, _ []model.StreamSpec) error {
	m.calls.Inc()
	return m.err
}

var testStreams = []model.StreamSpec{{
	ID:             "by-word",
	SystemStream:   model.NewSystemStream("kafka", "by-word"),
	PartitionCount: 4,
}}

func newTestServices(t *testing.T, ids ...string) []*service.Service {
	r := service.NewRegistry()
	cfg := service.NewConfig()
	cfg.Type = service.TypeMemory
	cfg.LatchPollInterval = 10 * time.Millisecond
	services := make([]*service.Service, 0, len(ids))
	for _, id := range ids {
		s, err := r.New(context.Background(), cfg, id, "app")
		require.NoError(t, err)
		services = append(services, s)
	}
	t.Cleanup(func() {
		for _, s := range services {
			_ = s.Reset(context.Background())
		}
	})
	return services
}

func TestCreateStreamsWithoutCoordination(t *testing.T) {
	t.Parallel()

	manager := &fakeStreamManager{}
	for i := 0; i < 3; i++ {
		r, err := New(Config{Streams: testStreams, StreamManager: manager})
		require.NoError(t, err)
		require.NoError(t, r.CreateStreams(context.Background()))
	}
	require.Equal(t, int32(3), manager.calls.Load())

	// nothing to create
	r, err := New(Config{})
	require.NoError(t, err)
	require.NoError(t, r.CreateStreams(context.Background()))

	_, err = New(Config{Streams: testStreams})
	require.Regexp(t, ".*FLOW:ErrInvalidConfig.*", err)
}

func TestCreateStreamsByLeaderOnly(t *testing.T) {
	t.Parallel()

	manager := &fakeStreamManager{}
	services := newTestServices(t, "p1", "p2", "p3")
	for _, s := range services {
		r, err := New(Config{
			Streams:       testStreams,
			StreamManager: manager,
			Coordination:  s,
			InitTimeout:   5 * time.Second,
		})
		require.NoError(t, err)
		require.NoError(t, r.CreateStreams(context.Background()))
	}
	require.Equal(t, int32(1), manager.calls.Load())
}

func TestCreateStreamsConcurrently(t *testing.T) {
	t.Parallel()

	manager := &fakeStreamManager{}
	services := newTestServices(t, "p1", "p2", "p3", "p4")
	// everyone joins before anyone elects
	for _, s := range services {
		_, err := s.Membership(context.Background())
		require.NoError(t, err)
	}
	var wg sync.WaitGroup
	errs := make([]error, len(services))
	for i, s := range services {
		i, s := i, s
		r, err := New(Config{
			Streams:       testStreams,
			StreamManager: manager,
			Coordination:  s,
			InitTimeout:   5 * time.Second,
		})
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.CreateStreams(context.Background())
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), manager.calls.Load())
}

func TestCreateStreamsLatchTimeout(t *testing.T) {
	t.Parallel()

	manager := &fakeStreamManager{}
	services := newTestServices(t, "p1", "p2")
	// p1 is the leader but never creates the streams
	_, err := services[0].Membership(context.Background())
	require.NoError(t, err)

	r, err := New(Config{
		Streams:       testStreams,
		StreamManager: manager,
		Coordination:  services[1],
		InitTimeout:   100 * time.Millisecond,
	})
	require.NoError(t, err)
	err = r.CreateStreams(context.Background())
	require.Regexp(t, ".*FLOW:ErrLatchTimeout.*", err)
	require.Equal(t, int32(0), manager.calls.Load())
}

func TestCreateStreamsLeaderFailure(t *testing.T) {
	t.Parallel()

	manager := &fakeStreamManager{err: errors.New("no broker")}
	services := newTestServices(t, "p1")
	r, err := New(Config{
		Streams:       testStreams,
		StreamManager: manager,
		Coordination:  services[0],
	})
	require.NoError(t, err)
	require.ErrorContains(t, r.CreateStreams(context.Background()), "no broker")
}

type fakeProcessor struct {
	err   error
	block bool
	runs  atomic.Int32
}

func (p *fakeProcessor) Run(ctx context.Context) error {
	p.runs.Inc()
	if p.block {
		<-ctx.Done()
		return errors.Trace(ctx.Err())
	}
	return p.err
}

func TestRunProcessors(t *testing.T) {
	t.Parallel()

	services := newTestServices(t, "p1")
	processors := []Processor{&fakeProcessor{}, &fakeProcessor{}}
	r, err := New(Config{
		Streams:       testStreams,
		StreamManager: &fakeStreamManager{},
		Coordination:  services[0],
		Processors:    processors,
	})
	require.NoError(t, err)
	require.Equal(t, StatusNew, r.Status())
	require.NoError(t, r.Run(context.Background()))
	require.Equal(t, StatusSuccessfulFinish, r.Status())
	for _, p := range processors {
		require.Equal(t, int32(1), p.(*fakeProcessor).runs.Load())
	}
	// the coordination service is reset
	_, err = services[0].Membership(context.Background())
	require.Regexp(t, ".*FLOW:ErrCoordinatorUnavailable.*", err)
	require.NoError(t, r.Close(context.Background()))
}

func TestRunProcessorFailure(t *testing.T) {
	t.Parallel()

	blocking := &fakeProcessor{block: true}
	r, err := New(Config{
		Processors: []Processor{blocking, &fakeProcessor{err: errors.New("processor failed")}},
	})
	require.NoError(t, err)
	require.ErrorContains(t, r.Run(context.Background()), "processor failed")
	require.Equal(t, StatusUnsuccessfulFinish, r.Status())
	require.Equal(t, int32(1), blocking.runs.Load())
}

func TestRunUntilCanceled(t *testing.T) {
	t.Parallel()

	for _, processors := range [][]Processor{nil, {&fakeProcessor{block: true}}} {
		r, err := New(Config{Processors: processors})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- r.Run(ctx)
		}()
		require.Eventually(t, func() bool {
			return r.Status() == StatusRunning
		}, 5*time.Second, 10*time.Millisecond)
		cancel()
		require.NoError(t, <-done)
		require.Equal(t, StatusSuccessfulFinish, r.Status())
	}
}

func TestRunCreateStreamsFailure(t *testing.T) {
	t.Parallel()

	r, err := New(Config{
		Streams:       testStreams,
		StreamManager: &fakeStreamManager{err: errors.New("no broker")},
		Processors:    []Processor{&fakeProcessor{}},
	})
	require.NoError(t, err)
	require.ErrorContains(t, r.Run(context.Background()), "no broker")
	require.Equal(t, StatusUnsuccessfulFinish, r.Status())
}

func TestRunFailsOnReelectionError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	manager := &fakeStreamManager{}
	services := newTestServices(t, "p1", "p2")
	leader, err := New(Config{Streams: testStreams, StreamManager: manager, Coordination: services[0]})
	require.NoError(t, err)
	require.NoError(t, leader.CreateStreams(ctx))

	follower, err := New(Config{
		Streams:       testStreams,
		StreamManager: manager,
		Coordination:  services[1],
		Processors:    []Processor{&fakeProcessor{block: true}},
	})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		done <- follower.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return follower.Status() == StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	// p2 loses its registration, the re-election after p1 leaves can't
	// find it in the group
	m, err := services[1].Membership(ctx)
	require.NoError(t, err)
	self, ok := m.Self()
	require.True(t, ok)
	require.NoError(t, services[1].Session().Delete(ctx, self.Path))
	require.NoError(t, services[0].Reset(ctx))

	select {
	case err := <-done:
		require.Regexp(t, ".*FLOW:ErrProcessorNotRegistered.*", err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "re-election error doesn't stop the run")
	}
	require.Equal(t, StatusUnsuccessfulFinish, follower.Status())
	require.False(t, services[1].IsLeader())
}

func TestRunFailsOnSessionLoss(t *testing.T) {
	t.Parallel()

	services := newTestServices(t, "p1")
	r, err := New(Config{
		Coordination: services[0],
		Processors:   []Processor{&fakeProcessor{block: true}},
	})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background())
	}()
	require.Eventually(t, func() bool {
		return r.Status() == StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, services[0].Session().Close())
	select {
	case err := <-done:
		require.Regexp(t, ".*FLOW:ErrCoordinatorUnavailable.*", err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "session loss doesn't stop the run")
	}
	require.Equal(t, StatusUnsuccessfulFinish, r.Status())
}
