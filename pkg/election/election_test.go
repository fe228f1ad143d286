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

package election_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/pingcap/flowcoord/pkg/coordination"
	"github.com/pingcap/flowcoord/pkg/coordination/memory"
	"github.com/pingcap/flowcoord/pkg/election"
	"github.com/pingcap/flowcoord/pkg/leakutil"
	"github.com/pingcap/flowcoord/pkg/membership"
)

func TestMain(m *testing.M) {
	leakutil.SetUpLeakTest(m)
}

type processor struct {
	id      string
	session *memory.Session
	members *membership.Membership
	elector *election.Elector

	leaderCalls *atomic.Int32
	observed    chan string
	errCh       chan error
}

func newProcessor(t *testing.T, store *memory.Store, id string, register bool) *processor {
	p := &processor{
		id:          id,
		session:     store.NewSession(id),
		leaderCalls: atomic.NewInt32(0),
		observed:    make(chan string, 16),
		errCh:       make(chan error, 16),
	}
	p.members = membership.New(p.session, coordination.NewKeyBuilder("", "app-1"))
	if register {
		_, err := p.members.Register(context.Background(), id)
		require.NoError(t, err)
	}
	var err error
	p.elector, err = election.NewElector(election.Config{
		ID:                  id,
		Membership:          p.members,
		LeaderCallback:      func() { p.leaderCalls.Inc() },
		PredecessorObserver: func(path string) { p.observed <- path },
		ErrorCallback:       func(err error) { p.errCh <- err },
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		p.elector.Close()
		_ = p.session.Close()
	})
	return p
}

func waitLeader(t *testing.T, p *processor) {
	require.Eventually(t, func() bool {
		return p.elector.AmILeader()
	}, 5*time.Second, 10*time.Millisecond, "processor %s", p.id)
	require.Equal(t, int32(1), p.leaderCalls.Load())
}

func TestNewElectorInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := election.NewElector(election.Config{ID: "1"})
	require.Regexp(t, ".*FLOW:ErrInvalidConfig.*", err)
}

func TestUnregisteredProcessorFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	p1 := newProcessor(t, store, "1", true)
	p2 := newProcessor(t, store, "2", true)
	unregistered := newProcessor(t, store, "3", false)

	require.NoError(t, p1.elector.TryBecomeLeader(ctx))
	require.NoError(t, p2.elector.TryBecomeLeader(ctx))
	err := unregistered.elector.TryBecomeLeader(ctx)
	require.Regexp(t, ".*FLOW:ErrProcessorNotRegistered.*", err)
	require.False(t, unregistered.elector.AmILeader())
	require.Equal(t, election.Unelected, unregistered.elector.Status())
	require.Equal(t, int32(0), unregistered.leaderCalls.Load())
}

func TestFirstRegisteredBecomesLeader(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	p1 := newProcessor(t, store, "1", true)
	p2 := newProcessor(t, store, "2", true)
	p3 := newProcessor(t, store, "3", true)

	for _, p := range []*processor{p1, p2, p3} {
		require.False(t, p.elector.AmILeader())
		require.Equal(t, election.Unelected, p.elector.Status())
	}

	// the election order doesn't matter, registration order does
	require.NoError(t, p3.elector.TryBecomeLeader(ctx))
	require.NoError(t, p1.elector.TryBecomeLeader(ctx))
	require.NoError(t, p2.elector.TryBecomeLeader(ctx))

	require.True(t, p1.elector.AmILeader())
	require.Equal(t, int32(1), p1.leaderCalls.Load())
	require.Equal(t, election.Follower, p2.elector.Status())
	require.Equal(t, election.Follower, p3.elector.Status())
	require.Equal(t, int32(0), p2.leaderCalls.Load())
	require.Equal(t, int32(0), p3.leaderCalls.Load())

	// trying again doesn't call the callback again
	require.NoError(t, p1.elector.TryBecomeLeader(ctx))
	require.Equal(t, int32(1), p1.leaderCalls.Load())
}

func TestLeaderFailurePromotesSuccessorOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	p1 := newProcessor(t, store, "1", true)
	p2 := newProcessor(t, store, "2", true)
	p3 := newProcessor(t, store, "3", true)
	self1, _ := p1.members.Self()

	for _, p := range []*processor{p1, p2, p3} {
		require.NoError(t, p.elector.TryBecomeLeader(ctx))
	}

	p1.session.Expire()
	waitLeader(t, p2)

	// only the successor of the leader observes the deletion
	select {
	case path := <-p2.observed:
		require.Equal(t, self1.Path, path)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "predecessor deletion is not observed")
	}
	require.Equal(t, election.Follower, p3.elector.Status())
	require.Equal(t, int32(0), p3.leaderCalls.Load())
	require.Len(t, p3.observed, 0)

	// cascading failure
	p2.session.Expire()
	waitLeader(t, p3)
	require.Equal(t, int32(1), p2.leaderCalls.Load())
}

func TestMiddleFailureRearmsWatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	p1 := newProcessor(t, store, "1", true)
	p2 := newProcessor(t, store, "2", true)
	p3 := newProcessor(t, store, "3", true)
	self1, _ := p1.members.Self()
	self2, _ := p2.members.Self()

	for _, p := range []*processor{p1, p2, p3} {
		require.NoError(t, p.elector.TryBecomeLeader(ctx))
	}

	p2.session.Expire()
	select {
	case path := <-p3.observed:
		require.Equal(t, self2.Path, path)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "predecessor deletion is not observed")
	}
	// p3 now follows p1 and stays a follower
	require.Eventually(t, func() bool {
		active, err := p3.members.ListActive(ctx)
		return err == nil && len(active) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, p1.elector.AmILeader())
	require.Equal(t, election.Follower, p3.elector.Status())

	p1.session.Expire()
	waitLeader(t, p3)
	select {
	case path := <-p3.observed:
		require.Equal(t, self1.Path, path)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "predecessor deletion is not observed")
	}
	require.NoError(t, p3.elector.Err())
}

// staleMembership returns a stale processor list once.
type staleMembership struct {
	*membership.Membership

	mu    sync.Mutex
	stale []membership.Participant
}

func (m *staleMembership) ListActive(ctx context.Context) ([]membership.Participant, error) {
	m.mu.Lock()
	stale := m.stale
	m.stale = nil
	m.mu.Unlock()
	if stale != nil {
		return stale, nil
	}
	return m.Membership.ListActive(ctx)
}

func TestPredecessorGoneBeforeWatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	p1 := newProcessor(t, store, "1", true)
	p2 := newProcessor(t, store, "2", true)

	stale, err := p2.members.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 2)
	p1.session.Expire()

	calls := atomic.NewInt32(0)
	elector, err := election.NewElector(election.Config{
		ID:             "2",
		Membership:     &staleMembership{Membership: p2.members, stale: stale},
		LeaderCallback: func() { calls.Inc() },
	})
	require.NoError(t, err)
	defer elector.Close()

	require.NoError(t, elector.TryBecomeLeader(ctx))
	require.True(t, elector.AmILeader())
	require.Equal(t, int32(1), calls.Load())
}

func TestReelectionErrorIsReported(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	p1 := newProcessor(t, store, "1", true)
	p2 := newProcessor(t, store, "2", true)

	require.NoError(t, p1.elector.TryBecomeLeader(ctx))
	require.NoError(t, p2.elector.TryBecomeLeader(ctx))
	require.NoError(t, p2.members.Deregister(ctx))

	p1.session.Expire()
	select {
	case err := <-p2.errCh:
		require.Regexp(t, ".*FLOW:ErrProcessorNotRegistered.*", err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "re-election error is not reported")
	}
	require.Regexp(t, ".*FLOW:ErrProcessorNotRegistered.*", p2.elector.Err())
	require.False(t, p2.elector.AmILeader())
	require.Equal(t, int32(0), p2.leaderCalls.Load())
}

func TestNoCallbackAfterClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	p1 := newProcessor(t, store, "1", true)
	p2 := newProcessor(t, store, "2", true)
	p3 := newProcessor(t, store, "3", true)

	for _, p := range []*processor{p1, p2, p3} {
		require.NoError(t, p.elector.TryBecomeLeader(ctx))
	}
	p2.elector.Close()
	p2.elector.Close()
	err := p2.elector.TryBecomeLeader(ctx)
	require.Regexp(t, ".*FLOW:ErrElectorClosed.*", err)

	p1.session.Expire()
	// p3 observes nothing until p2 is gone, by then p2 must have ignored the
	// deletion of p1
	time.Sleep(100 * time.Millisecond)
	p2.session.Expire()
	waitLeader(t, p3)
	require.False(t, p2.elector.AmILeader())
	require.Equal(t, int32(0), p2.leaderCalls.Load())
	require.Len(t, p2.observed, 0)
}
