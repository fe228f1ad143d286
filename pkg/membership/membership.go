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

package membership

import (
	"context"
	"sort"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/flowcoord/pkg/coordination"
	cerror "github.com/pingcap/flowcoord/pkg/errors"
)

// Participant is a registered processor.
type Participant struct {
	// ProcessorID is the id the processor registered with.
	ProcessorID string
	// SequentialID is the registration order assigned by the store.
	SequentialID int64
	// Path is the path of the registration node.
	Path string
}

// Membership maintains the registration of one processor in the processor
// list of a coordination group. It makes no leadership decision.
type Membership struct {
	session coordination.Session
	path    string

	mu   sync.Mutex
	self *Participant
}

// New creates a Membership registering under keys.ProcessorsPath().
func New(session coordination.Session, keys coordination.KeyBuilder) *Membership {
	return &Membership{
		session: session,
		path:    keys.ProcessorsPath(),
	}
}

// Register creates an ephemeral sequential node holding processorID. If the
// processor is already registered, the existing registration is returned.
func (m *Membership) Register(ctx context.Context, processorID string) (Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.self != nil {
		if m.self.ProcessorID != processorID {
			log.Warn("processor already registered with another id",
				zap.String("registered", m.self.ProcessorID),
				zap.String("processorID", processorID))
		}
		return *m.self, nil
	}

	path, err := m.session.CreateEphemeralSequential(ctx, m.path, []byte(processorID))
	if err != nil {
		return Participant{}, errors.Trace(err)
	}
	seq, err := coordination.ParseSequentialID(path)
	if err != nil {
		return Participant{}, errors.Trace(err)
	}
	m.self = &Participant{ProcessorID: processorID, SequentialID: seq, Path: path}
	log.Info("processor registered",
		zap.String("processorID", processorID),
		zap.String("path", path),
		zap.Int64("sequentialID", seq))
	return *m.self, nil
}

// ListActive returns the registered processors sorted by SequentialID.
func (m *Membership) ListActive(ctx context.Context) ([]Participant, error) {
	nodes, err := m.session.Children(ctx, m.path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	participants := make([]Participant, 0, len(nodes))
	for _, node := range nodes {
		seq, err := coordination.ParseSequentialID(node.Path)
		if err != nil {
			log.Warn("ignore unexpected node in processor list",
				zap.String("path", node.Path), zap.Error(err))
			continue
		}
		participants = append(participants, Participant{
			ProcessorID:  string(node.Data),
			SequentialID: seq,
			Path:         node.Path,
		})
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].SequentialID < participants[j].SequentialID
	})
	return participants, nil
}

// Deregister removes the registration. It is idempotent, and returns nil if
// the session has already ended since the node is gone with it.
func (m *Membership) Deregister(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.self == nil {
		return nil
	}
	err := m.session.Delete(ctx, m.self.Path)
	if err != nil && !cerror.IsCoordinatorUnavailable(err) {
		return errors.Trace(err)
	}
	log.Info("processor deregistered",
		zap.String("processorID", m.self.ProcessorID),
		zap.String("path", m.self.Path))
	m.self = nil
	return nil
}

// Self returns the local registration, if any.
func (m *Membership) Self() (Participant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.self == nil {
		return Participant{}, false
	}
	return *m.self, true
}

// WatchDeletion installs a one-shot deletion watch on the registration at path.
func (m *Membership) WatchDeletion(
	ctx context.Context, path string, listener coordination.DeletionListener,
) (bool, error) {
	exists, err := m.session.WatchDeletion(ctx, path, listener)
	return exists, errors.Trace(err)
}

// Session returns the session the registration belongs to.
func (m *Membership) Session() coordination.Session {
	return m.session
}
