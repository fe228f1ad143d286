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

package eos

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	cerror "github.com/pingcap/flowcoord/pkg/errors"
	"github.com/pingcap/flowcoord/pkg/model"
)

// Collector sends messages to partitioned streams.
type Collector interface {
	// Send sends all envelopes, or returns an error.
	Send(ctx context.Context, envelopes ...*model.OutgoingMessageEnvelope) error
}

// SystemAdmin reads stream metadata of a system.
type SystemAdmin interface {
	// GetStreamMetadata returns the metadata of streams, keyed by stream name.
	GetStreamMetadata(ctx context.Context, streams []string) (map[string]model.StreamMetadata, error)
}

// ManagerConfig is the configuration of a Manager.
type ManagerConfig struct {
	// TaskName is the name of the task owning the manager.
	TaskName string
	// TaskCount returns the number of tasks producing to an output stream,
	// including this one.
	TaskCount func(stream model.SystemStream) int
	// SSPs are the input partitions assigned to the task.
	SSPs []model.SystemStreamPartition
	// Admins are the system admins keyed by system name.
	Admins map[string]SystemAdmin
	// Collector sends end-of-stream markers.
	Collector Collector
	// Dispatcher, if set, is notified by Handle when an input stream is
	// complete.
	Dispatcher *Dispatcher
	// StrictTaskCount rejects markers of a partition that disagree on the
	// number of producing tasks. The last reported count wins otherwise.
	StrictTaskCount bool
}

// Manager tracks the end-of-stream markers received by one task and sends
// the markers of the streams the task produces to.
type Manager struct {
	cfg ManagerConfig

	mu     sync.Mutex
	states map[model.SystemStreamPartition]*state
	// forwarded are the streams the dispatcher has broadcast end-of-stream to.
	forwarded map[model.SystemStream]struct{}
}

// NewManager creates a Manager with one state per assigned partition.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.TaskName == "" {
		return nil, cerror.ErrInvalidConfig.GenWithStackByArgs("task name must not be empty")
	}
	if cfg.Collector == nil {
		return nil, cerror.ErrInvalidConfig.GenWithStackByArgs("collector must not be nil")
	}
	if cfg.TaskCount == nil {
		return nil, cerror.ErrInvalidConfig.GenWithStackByArgs("task count must not be nil")
	}
	m := &Manager{
		cfg:       cfg,
		states:    make(map[model.SystemStreamPartition]*state, len(cfg.SSPs)),
		forwarded: make(map[model.SystemStream]struct{}),
	}
	for _, ssp := range cfg.SSPs {
		m.states[ssp] = newState()
	}
	return m, nil
}

// Assign replaces the partitions assigned to the task. Partitions assigned
// before keep their state, the others start with an empty one and those no
// longer assigned are dropped.
func (m *Manager) Assign(ssps []model.SystemStreamPartition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	states := make(map[model.SystemStreamPartition]*state, len(ssps))
	for _, ssp := range ssps {
		if st, ok := m.states[ssp]; ok {
			states[ssp] = st
			continue
		}
		states[ssp] = newState()
	}
	m.states = states
}

// Update applies the end-of-stream marker carried by envelope. On the first
// time the partition turns complete it returns the terminal envelope of the
// partition, otherwise nil.
func (m *Manager) Update(envelope *model.IncomingMessageEnvelope) (*model.IncomingMessageEnvelope, error) {
	msg, err := markerOf(envelope)
	if err != nil {
		return nil, err
	}
	ssp := envelope.SSP

	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[ssp]
	if !ok {
		return nil, cerror.ErrUnknownPartition.GenWithStackByArgs(ssp.String(), m.cfg.TaskName)
	}
	markerReceivedCounter.WithLabelValues(m.cfg.TaskName, ssp.SystemStream.String()).Inc()

	if expected, ok := st.expected(); ok && msg.TaskName != "" && expected != msg.TaskCount {
		if m.cfg.StrictTaskCount {
			return nil, cerror.ErrInconsistentTaskCount.GenWithStackByArgs(
				ssp.String(), expected, msg.TaskCount, msg.TaskName)
		}
		log.Warn("inconsistent producing task count, use the latest one",
			zap.String("task", m.cfg.TaskName),
			zap.Stringer("ssp", ssp),
			zap.String("producer", msg.TaskName),
			zap.Int("expected", expected),
			zap.Int("got", msg.TaskCount))
	}

	if !st.update(msg.TaskName, msg.TaskCount) {
		return nil, nil
	}
	partitionCompleteCounter.WithLabelValues(m.cfg.TaskName, ssp.SystemStream.String()).Inc()
	log.Info("input partition reaches end of stream",
		zap.String("task", m.cfg.TaskName),
		zap.Stringer("ssp", ssp),
		zap.Int("producers", len(st.tasks)))
	return &model.IncomingMessageEnvelope{
		SSP:     ssp,
		Offset:  model.EndOfStreamOffset,
		Key:     envelope.Key,
		Message: &model.EndOfStream{SSP: ssp},
	}, nil
}

func markerOf(envelope *model.IncomingMessageEnvelope) (*model.EndOfStreamMessage, error) {
	switch msg := envelope.Message.(type) {
	case *model.EndOfStreamMessage:
		if msg != nil {
			return msg, nil
		}
	case model.EndOfStreamMessage:
		return &msg, nil
	}
	return nil, cerror.ErrUnexpectedControlMessage.GenWithStackByArgs(envelope.Message, envelope.SSP.String())
}

// IsEndOfStream returns true if every partition of stream assigned to the
// task is complete. A stream without assigned partitions is complete.
func (m *Manager) IsEndOfStream(stream model.SystemStream) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isEndOfStreamLocked(stream)
}

func (m *Manager) isEndOfStreamLocked(stream model.SystemStream) bool {
	for ssp, st := range m.states {
		if ssp.SystemStream == stream && !st.complete {
			return false
		}
	}
	return true
}

// SendEndOfStream sends an end-of-stream marker of the task to every
// partition of stream. The partition count is read first, nothing is sent if
// it can't be read.
func (m *Manager) SendEndOfStream(ctx context.Context, stream model.SystemStream) error {
	admin, ok := m.cfg.Admins[stream.System]
	if !ok {
		return cerror.ErrUnknownSystem.GenWithStackByArgs(stream.System)
	}
	metadata, err := admin.GetStreamMetadata(ctx, []string{stream.Stream})
	if err != nil {
		return cerror.WrapError(cerror.ErrStreamMetadata, err, stream.String())
	}
	md, ok := metadata[stream.Stream]
	if !ok || md.PartitionCount <= 0 {
		return cerror.ErrStreamMetadata.GenWithStackByArgs(stream.String())
	}

	taskCount := m.cfg.TaskCount(stream)
	key := model.EndOfStreamKey(stream.Stream, m.cfg.TaskName)
	envelopes := make([]*model.OutgoingMessageEnvelope, 0, md.PartitionCount)
	for i := int32(0); i < md.PartitionCount; i++ {
		envelopes = append(envelopes, &model.OutgoingMessageEnvelope{
			SystemStream: stream,
			Partition:    i,
			Key:          key,
			Message: &model.EndOfStreamMessage{
				TaskName:  m.cfg.TaskName,
				TaskCount: taskCount,
			},
		})
	}
	if err := m.cfg.Collector.Send(ctx, envelopes...); err != nil {
		return errors.Trace(err)
	}
	markerSentCounter.WithLabelValues(m.cfg.TaskName, stream.String()).Add(float64(len(envelopes)))
	log.Info("end of stream sent",
		zap.String("task", m.cfg.TaskName),
		zap.Stringer("stream", stream),
		zap.Int32("partitions", md.PartitionCount),
		zap.Int("taskCount", taskCount))
	return nil
}

// Handle applies an end-of-stream marker and notifies the dispatcher if the
// stream of the partition is complete. The dispatcher is notified again on
// markers redelivered to a complete stream, so a forward that failed before
// is retried. It returns the terminal envelope of the partition, if any.
func (m *Manager) Handle(
	ctx context.Context, envelope *model.IncomingMessageEnvelope,
) (*model.IncomingMessageEnvelope, error) {
	terminal, err := m.Update(envelope)
	if err != nil {
		return nil, err
	}
	stream := envelope.SSP.SystemStream
	if m.cfg.Dispatcher != nil && m.IsEndOfStream(stream) {
		if err := m.cfg.Dispatcher.OnPartitionComplete(ctx, m, stream); err != nil {
			return terminal, errors.Trace(err)
		}
	}
	return terminal, nil
}

// markForwarded returns false if stream is already forwarded.
func (m *Manager) markForwarded(stream model.SystemStream) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.forwarded[stream]; ok {
		return false
	}
	m.forwarded[stream] = struct{}{}
	return true
}

func (m *Manager) unmarkForwarded(stream model.SystemStream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.forwarded, stream)
}

// BuildEndOfStreamEnvelope builds the envelope a consumer emits when a source
// partition is exhausted. Update completes the partition on it.
func BuildEndOfStreamEnvelope(ssp model.SystemStreamPartition) *model.IncomingMessageEnvelope {
	return &model.IncomingMessageEnvelope{
		SSP:     ssp,
		Offset:  model.EndOfStreamOffset,
		Message: &model.EndOfStreamMessage{},
	}
}
