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

package memory

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/flowcoord/pkg/coordination"
	"github.com/pingcap/flowcoord/pkg/errors"
)

type node struct {
	data  []byte
	owner int64
}

type watch struct {
	session  *Session
	listener coordination.DeletionListener
}

// Store is an in-process, linearizable coordination store. It is used to run
// a group of processors inside one process and in tests.
type Store struct {
	mu sync.Mutex
	// notifyMu is taken before mu is released by a deletion, so watches are
	// posted in the order the deletions are committed.
	notifyMu sync.Mutex

	nodes    map[string]*node
	counters map[string]int64
	watches  map[string][]*watch
	sessions map[int64]*Session

	nextSessionID int64
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		nodes:    make(map[string]*node),
		counters: make(map[string]int64),
		watches:  make(map[string][]*watch),
		sessions: make(map[int64]*Session),
	}
}

// NewSession opens a new session on the store.
func (s *Store) NewSession(name string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSessionID++
	sess := &Session{
		store:      s,
		id:         s.nextSessionID,
		name:       name + "-" + strconv.FormatInt(s.nextSessionID, 10),
		dispatcher: coordination.NewEventDispatcher(name),
		doneCh:     make(chan struct{}),
	}
	s.sessions[sess.id] = sess
	return sess
}

// NodeCount returns the number of live nodes, for tests.
func (s *Store) NodeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodes)
}

func (s *Store) checkAlive(sess *Session) error {
	if _, ok := s.sessions[sess.id]; !ok {
		return errors.ErrCoordinatorUnavailable.GenWithStackByArgs(sess.name)
	}
	return nil
}

func parentOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// removeLocked deletes the node at path and returns the watches to notify.
func (s *Store) removeLocked(path string) []*watch {
	delete(s.nodes, path)
	ws := s.watches[path]
	delete(s.watches, path)
	return ws
}

func fire(path string, ws []*watch) {
	for _, w := range ws {
		listener := w.listener
		w.session.dispatcher.Post(func() { listener(path) })
	}
}

// endSession removes a session and every ephemeral node it owns.
func (s *Store) endSession(sess *Session) bool {
	s.mu.Lock()
	if _, ok := s.sessions[sess.id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, sess.id)

	fired := make(map[string][]*watch)
	for path, n := range s.nodes {
		if n.owner == sess.id {
			fired[path] = s.removeLocked(path)
		}
	}
	// watches installed by the ending session die with it
	for path, ws := range s.watches {
		kept := ws[:0]
		for _, w := range ws {
			if w.session != sess {
				kept = append(kept, w)
			}
		}
		if len(kept) == 0 {
			delete(s.watches, path)
		} else {
			s.watches[path] = kept
		}
	}
	for path, ws := range fired {
		kept := ws[:0]
		for _, w := range ws {
			if w.session != sess {
				kept = append(kept, w)
			}
		}
		fired[path] = kept
	}
	s.notifyMu.Lock()
	s.mu.Unlock()
	for path, ws := range fired {
		fire(path, ws)
	}
	s.notifyMu.Unlock()

	sess.dispatcher.Close()
	close(sess.doneCh)
	return true
}

// Session is a session of a Store.
type Session struct {
	store      *Store
	id         int64
	name       string
	dispatcher *coordination.EventDispatcher
	doneCh     chan struct{}
}

var _ coordination.Session = (*Session)(nil)

// ID implements coordination.Session.ID
func (s *Session) ID() string {
	return s.name
}

// CreateEphemeralSequential implements coordination.Session.CreateEphemeralSequential
func (s *Session) CreateEphemeralSequential(
	_ context.Context, prefix string, data []byte,
) (string, error) {
	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.checkAlive(s); err != nil {
		return "", err
	}
	seq := st.counters[prefix]
	st.counters[prefix] = seq + 1
	path := coordination.ChildPath(prefix, coordination.SequentialNodeName(seq))
	st.nodes[path] = &node{data: append([]byte(nil), data...), owner: s.id}
	return path, nil
}

// Children implements coordination.Session.Children
func (s *Session) Children(_ context.Context, prefix string) ([]coordination.Node, error) {
	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.checkAlive(s); err != nil {
		return nil, err
	}
	prefix = strings.TrimSuffix(prefix, "/")
	var nodes []coordination.Node
	for path, n := range st.nodes {
		if parentOf(path) == prefix {
			nodes = append(nodes, coordination.Node{Path: path, Data: append([]byte(nil), n.data...)})
		}
	}
	return nodes, nil
}

// WatchDeletion implements coordination.Session.WatchDeletion
func (s *Session) WatchDeletion(
	_ context.Context, path string, listener coordination.DeletionListener,
) (bool, error) {
	st := s.store
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.checkAlive(s); err != nil {
		return false, err
	}
	if _, ok := st.nodes[path]; !ok {
		return false, nil
	}
	st.watches[path] = append(st.watches[path], &watch{session: s, listener: listener})
	return true, nil
}

// Delete implements coordination.Session.Delete
func (s *Session) Delete(_ context.Context, path string) error {
	st := s.store
	st.mu.Lock()
	if err := st.checkAlive(s); err != nil {
		st.mu.Unlock()
		return err
	}
	if _, ok := st.nodes[path]; !ok {
		st.mu.Unlock()
		return nil
	}
	ws := st.removeLocked(path)
	st.notifyMu.Lock()
	st.mu.Unlock()
	defer st.notifyMu.Unlock()
	fire(path, ws)
	return nil
}

// Done implements coordination.Session.Done
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// Close implements coordination.Session.Close
func (s *Session) Close() error {
	if s.store.endSession(s) {
		log.Info("memory coordination session closed", zap.String("session", s.name))
	}
	return nil
}

// Expire ends the session as if the store stopped hearing from it. For the
// rest of the group it is indistinguishable from Close.
func (s *Session) Expire() {
	if s.store.endSession(s) {
		log.Info("memory coordination session expired", zap.String("session", s.name))
	}
}
