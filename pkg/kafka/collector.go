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
	"fmt"

	"github.com/IBM/sarama"
	"github.com/pingcap/errors"
	"go.uber.org/multierr"

	"github.com/pingcap/flowcoord/pkg/codec"
	cerror "github.com/pingcap/flowcoord/pkg/errors"
	"github.com/pingcap/flowcoord/pkg/model"
)

// Collector sends envelopes to kafka topics with a sync producer. The topic
// is the stream of the envelope.
type Collector struct {
	producer sarama.SyncProducer
	codec    codec.Codec
	// client is owned by the collector if it is not nil.
	client sarama.Client
}

// NewCollector connects to the brokers of o.
func NewCollector(o *Options) (*Collector, error) {
	c, err := codec.New(o.Codec)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cfg, err := NewSaramaConfig(o)
	if err != nil {
		return nil, err
	}
	client, err := sarama.NewClient(o.BrokerEndpoints, cfg)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrKafkaNewClient, err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, cerror.WrapError(cerror.ErrKafkaNewClient, err)
	}
	collector := NewCollectorWithProducer(producer, c)
	collector.client = client
	return collector, nil
}

// NewCollectorWithProducer creates a Collector on an existing producer.
func NewCollectorWithProducer(producer sarama.SyncProducer, c codec.Codec) *Collector {
	return &Collector{producer: producer, codec: c}
}

// Send encodes all envelopes before sending them in one batch, so an
// encoding failure sends nothing.
func (c *Collector) Send(ctx context.Context, envelopes ...*model.OutgoingMessageEnvelope) error {
	msgs := make([]*sarama.ProducerMessage, 0, len(envelopes))
	for _, envelope := range envelopes {
		if envelope.SystemStream.System != SystemName {
			return cerror.ErrUnknownSystem.GenWithStackByArgs(envelope.SystemStream.System)
		}
		value, err := c.encode(envelope.Message)
		if err != nil {
			return err
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic:     envelope.SystemStream.Stream,
			Partition: envelope.Partition,
			Key:       sarama.StringEncoder(envelope.Key),
			Value:     sarama.ByteEncoder(value),
		})
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	if err := c.producer.SendMessages(msgs); err != nil {
		return cerror.WrapError(cerror.ErrKafkaSendMessage, err)
	}
	return nil
}

func (c *Collector) encode(msg interface{}) ([]byte, error) {
	switch m := msg.(type) {
	case *model.EndOfStreamMessage:
		return c.codec.Encode(m)
	case model.EndOfStreamMessage:
		return c.codec.Encode(&m)
	case []byte:
		return m, nil
	case string:
		return []byte(m), nil
	default:
		return nil, cerror.ErrEncodeFailed.GenWithStackByArgs(fmt.Sprintf("unsupported message type %T", msg))
	}
}

// Close closes the producer and the client owned by the collector.
func (c *Collector) Close() error {
	err := c.producer.Close()
	if c.client != nil {
		err = multierr.Append(err, c.client.Close())
	}
	return errors.Trace(err)
}
