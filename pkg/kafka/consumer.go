// Copyright 2020 PingCAP, Inc.
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
	"strconv"
	"sync"

	"github.com/IBM/sarama"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/flowcoord/pkg/codec"
	cerror "github.com/pingcap/flowcoord/pkg/errors"
	"github.com/pingcap/flowcoord/pkg/model"
)

// Handler handles an envelope consumed from kafka.
type Handler func(ctx context.Context, envelope *model.IncomingMessageEnvelope) error

// Consumer represents a Sarama consumer group consumer. End-of-stream
// markers are decoded, other records are handed over as raw bytes.
type Consumer struct {
	Ready chan struct{}

	codec     codec.Codec
	handler   Handler
	setup     func(claims map[string][]int32) error
	noCommit  bool
	readyOnce sync.Once
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithSetup sets a function called with the claimed partitions of every new
// session, before any message of the session is handled.
func WithSetup(setup func(claims map[string][]int32) error) ConsumerOption {
	return func(c *Consumer) {
		c.setup = setup
	}
}

// WithoutCommit disables marking the consumed messages, every generation
// of the group reads its claims from the initial offset again.
func WithoutCommit() ConsumerOption {
	return func(c *Consumer) {
		c.noCommit = true
	}
}

var _ sarama.ConsumerGroupHandler = (*Consumer)(nil)

// NewConsumer creates a new consumer
func NewConsumer(c codec.Codec, handler Handler, opts ...ConsumerOption) *Consumer {
	consumer := &Consumer{
		Ready:   make(chan struct{}),
		codec:   c,
		handler: handler,
	}
	for _, opt := range opts {
		opt(consumer)
	}
	return consumer
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (c *Consumer) Setup(session sarama.ConsumerGroupSession) error {
	if c.setup != nil {
		if err := c.setup(session.Claims()); err != nil {
			return errors.Trace(err)
		}
	}
	// Mark the c as ready
	c.readyOnce.Do(func() { close(c.Ready) })
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim must start a consumer loop of ConsumerGroupClaim's Messages().
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for message := range claim.Messages() {
		log.Debug("Message claimed",
			zap.String("topic", message.Topic),
			zap.Int32("partition", message.Partition),
			zap.Int64("offset", message.Offset),
			zap.ByteString("key", message.Key))
		envelope, err := c.decode(message)
		if err != nil {
			return errors.Trace(err)
		}
		if err := c.handler(ctx, envelope); err != nil {
			return errors.Trace(err)
		}
		if !c.noCommit {
			session.MarkMessage(message, "")
		}
	}
	return nil
}

func (c *Consumer) decode(message *sarama.ConsumerMessage) (*model.IncomingMessageEnvelope, error) {
	envelope := &model.IncomingMessageEnvelope{
		SSP:    model.NewSystemStreamPartition(SystemName, message.Topic, message.Partition),
		Offset: strconv.FormatInt(message.Offset, 10),
		Key:    message.Key,
	}
	if !model.IsEndOfStreamKey(message.Key) {
		envelope.Message = message.Value
		return envelope, nil
	}
	marker, err := c.codec.Decode(message.Value)
	if err != nil {
		return nil, errors.Trace(err)
	}
	envelope.Message = marker
	return envelope, nil
}

// Run consumes topics with group until ctx is done. Consume returns on every
// rebalance, it is called again to join the new generation.
func (c *Consumer) Run(ctx context.Context, group sarama.ConsumerGroup, topics []string) error {
	for {
		if err := group.Consume(ctx, topics, c); err != nil {
			if errors.Cause(err) == sarama.ErrClosedConsumerGroup {
				return nil
			}
			return errors.Trace(err)
		}
		if ctx.Err() != nil {
			return errors.Trace(ctx.Err())
		}
	}
}

// NewConsumerGroup joins consumer group groupID on the brokers of o. The
// partitions are balanced by task, see NewTaskBalanceStrategy.
func NewConsumerGroup(o *Options, groupID string) (sarama.ConsumerGroup, error) {
	cfg, err := NewSaramaConfig(o)
	if err != nil {
		return nil, err
	}
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{NewTaskBalanceStrategy()}
	group, err := sarama.NewConsumerGroup(o.BrokerEndpoints, groupID, cfg)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrKafkaNewClient, err)
	}
	return group, nil
}
