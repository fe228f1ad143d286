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

package kafka

import (
	"context"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/pingcap/flowcoord/pkg/codec"
	"github.com/pingcap/flowcoord/pkg/model"
)

type fakeSyncProducer struct {
	sarama.SyncProducer

	mu      sync.Mutex
	batches [][]*sarama.ProducerMessage
	err     error
	closed  bool
}

func (p *fakeSyncProducer) SendMessages(msgs []*sarama.ProducerMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, msgs)
	return nil
}

func (p *fakeSyncProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func newTestCodec(t *testing.T) codec.Codec {
	c, err := codec.New(codec.JSONName)
	require.NoError(t, err)
	return c
}

func TestCollectorSendBatch(t *testing.T) {
	t.Parallel()

	producer := &fakeSyncProducer{}
	c := newTestCodec(t)
	collector := NewCollectorWithProducer(producer, c)

	stream := model.NewSystemStream(SystemName, "words")
	err := collector.Send(context.Background(),
		&model.OutgoingMessageEnvelope{
			SystemStream: stream,
			Partition:    0,
			Key:          model.EndOfStreamKey("words", "task-0"),
			Message:      &model.EndOfStreamMessage{TaskName: "task-0", TaskCount: 2},
		},
		&model.OutgoingMessageEnvelope{
			SystemStream: stream,
			Partition:    1,
			Key:          "k",
			Message:      "raw",
		})
	require.NoError(t, err)
	require.Len(t, producer.batches, 1)
	batch := producer.batches[0]
	require.Len(t, batch, 2)

	require.Equal(t, "words", batch[0].Topic)
	require.Equal(t, int32(0), batch[0].Partition)
	value, err := batch[0].Value.Encode()
	require.NoError(t, err)
	marker, err := c.Decode(value)
	require.NoError(t, err)
	require.Equal(t, &model.EndOfStreamMessage{TaskName: "task-0", TaskCount: 2}, marker)

	require.Equal(t, int32(1), batch[1].Partition)
	value, err = batch[1].Value.Encode()
	require.NoError(t, err)
	require.Equal(t, []byte("raw"), value)

	require.NoError(t, collector.Close())
	require.True(t, producer.closed)
}

func TestCollectorSendNothingOnEncodeFailure(t *testing.T) {
	t.Parallel()

	producer := &fakeSyncProducer{}
	collector := NewCollectorWithProducer(producer, newTestCodec(t))
	stream := model.NewSystemStream(SystemName, "words")

	err := collector.Send(context.Background(),
		&model.OutgoingMessageEnvelope{SystemStream: stream, Message: []byte("ok")},
		&model.OutgoingMessageEnvelope{SystemStream: stream, Message: 42})
	require.Regexp(t, ".*FLOW:ErrEncodeFailed.*", err)
	require.Empty(t, producer.batches)

	err = collector.Send(context.Background(),
		&model.OutgoingMessageEnvelope{SystemStream: model.NewSystemStream("hdfs", "words")})
	require.Regexp(t, ".*FLOW:ErrUnknownSystem.*", err)
	require.Empty(t, producer.batches)

	// an empty batch is a no-op
	require.NoError(t, collector.Send(context.Background()))
	require.Empty(t, producer.batches)
}

func TestCollectorSendError(t *testing.T) {
	t.Parallel()

	producer := &fakeSyncProducer{err: errors.New("broker down")}
	collector := NewCollectorWithProducer(producer, newTestCodec(t))
	err := collector.Send(context.Background(), &model.OutgoingMessageEnvelope{
		SystemStream: model.NewSystemStream(SystemName, "words"),
		Message:      "v",
	})
	require.Regexp(t, ".*FLOW:ErrKafkaSendMessage.*", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	producer.err = nil
	err = collector.Send(ctx, &model.OutgoingMessageEnvelope{
		SystemStream: model.NewSystemStream(SystemName, "words"),
		Message:      "v",
	})
	require.Equal(t, context.Canceled, errors.Cause(err))
	require.Empty(t, producer.batches)
}

func TestCollectorWithMockProducer(t *testing.T) {
	t.Parallel()

	c := newTestCodec(t)
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		marker, err := c.Decode(val)
		if err != nil {
			return err
		}
		if marker.TaskName != "task-1" || marker.TaskCount != 3 {
			return errors.Errorf("unexpected marker %v", marker)
		}
		return nil
	})
	producer.ExpectSendMessageAndSucceed()

	collector := NewCollectorWithProducer(producer, c)
	stream := model.NewSystemStream(SystemName, "counts")
	var envelopes []*model.OutgoingMessageEnvelope
	for p := int32(0); p < 2; p++ {
		envelopes = append(envelopes, &model.OutgoingMessageEnvelope{
			SystemStream: stream,
			Partition:    p,
			Key:          model.EndOfStreamKey("counts", "task-1"),
			Message:      model.EndOfStreamMessage{TaskName: "task-1", TaskCount: 3},
		})
	}
	require.NoError(t, collector.Send(context.Background(), envelopes...))
	require.NoError(t, collector.Close())
}
