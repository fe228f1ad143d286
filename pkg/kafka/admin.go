// Copyright 2021 PingCAP, Inc.
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

	"github.com/IBM/sarama"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	cerror "github.com/pingcap/flowcoord/pkg/errors"
	"github.com/pingcap/flowcoord/pkg/model"
)

// Admin reads the metadata of kafka topics and creates intermediate topics.
type Admin struct {
	client  sarama.Client
	admin   sarama.ClusterAdmin
	options *Options
}

// NewAdmin connects to the brokers of o.
func NewAdmin(o *Options) (*Admin, error) {
	cfg, err := NewSaramaConfig(o)
	if err != nil {
		return nil, err
	}
	client, err := sarama.NewClient(o.BrokerEndpoints, cfg)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrKafkaNewClient, err)
	}
	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, cerror.WrapError(cerror.ErrKafkaNewClient, err)
	}
	return NewAdminFromClient(client, admin, o), nil
}

// NewAdminFromClient creates an Admin on an existing client and admin.
func NewAdminFromClient(client sarama.Client, admin sarama.ClusterAdmin, o *Options) *Admin {
	return &Admin{client: client, admin: admin, options: o}
}

// GetStreamMetadata returns the partition count of topics.
func (a *Admin) GetStreamMetadata(
	_ context.Context, streams []string,
) (map[string]model.StreamMetadata, error) {
	res := make(map[string]model.StreamMetadata, len(streams))
	for _, stream := range streams {
		partitions, err := a.client.Partitions(stream)
		if err != nil {
			return nil, errors.Trace(err)
		}
		res[stream] = model.StreamMetadata{
			Stream:         stream,
			PartitionCount: int32(len(partitions)),
		}
	}
	return res, nil
}

// CreateStreams creates a topic per spec. Existing topics are left as they
// are.
func (a *Admin) CreateStreams(ctx context.Context, specs []model.StreamSpec) error {
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		if spec.SystemStream.System != SystemName {
			return cerror.ErrUnknownSystem.GenWithStackByArgs(spec.SystemStream.System)
		}
		topic := spec.SystemStream.Stream
		detail := &sarama.TopicDetail{
			NumPartitions:     spec.PartitionCount,
			ReplicationFactor: a.options.ReplicationFactor,
		}
		if detail.NumPartitions <= 0 {
			detail.NumPartitions = a.options.PartitionNum
		}
		if len(spec.Config) > 0 {
			detail.ConfigEntries = make(map[string]*string, len(spec.Config))
			for k, v := range spec.Config {
				v := v
				detail.ConfigEntries[k] = &v
			}
		}

		err := a.admin.CreateTopic(topic, detail, false)
		if isTopicExistsError(err) {
			log.Info("topic already exists", zap.String("topic", topic))
			continue
		}
		if err != nil {
			return cerror.ErrKafkaCreateTopic.Wrap(err).GenWithStackByArgs(topic)
		}
		log.Info("topic created",
			zap.String("topic", topic),
			zap.Int32("partitions", detail.NumPartitions),
			zap.Int16("replicationFactor", detail.ReplicationFactor))
		if err := a.client.RefreshMetadata(topic); err != nil {
			log.Warn("refresh metadata of created topic failed",
				zap.String("topic", topic), zap.Error(err))
		}
	}
	return nil
}

func isTopicExistsError(err error) bool {
	if err == nil {
		return false
	}
	cause := errors.Cause(err)
	if topicErr, ok := cause.(*sarama.TopicError); ok {
		return topicErr.Err == sarama.ErrTopicAlreadyExists
	}
	return cause == sarama.ErrTopicAlreadyExists
}

// Close closes the admin and its client.
func (a *Admin) Close() error {
	return errors.Trace(a.admin.Close())
}
