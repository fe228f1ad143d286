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
	"sync"

	"github.com/IBM/sarama"
)

// ClusterAdminMockImpl mock implements the parts of sarama.ClusterAdmin and
// sarama.Client used by Admin, on an in-memory topic list.
type ClusterAdminMockImpl struct {
	sarama.ClusterAdmin

	mu     sync.Mutex
	topics map[string]sarama.TopicDetail
	// CreateTopicErr, if set, is returned by CreateTopic.
	CreateTopicErr error
	closed         bool
}

// NewClusterAdminMockImpl creates a ClusterAdminMockImpl holding topics,
// keyed by name with their partition count.
func NewClusterAdminMockImpl(topics map[string]int32) *ClusterAdminMockImpl {
	c := &ClusterAdminMockImpl{topics: make(map[string]sarama.TopicDetail)}
	for name, partitions := range topics {
		c.topics[name] = sarama.TopicDetail{NumPartitions: partitions}
	}
	return c
}

// ListTopics returns all topics directly.
func (c *ClusterAdminMockImpl) ListTopics() (map[string]sarama.TopicDetail, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make(map[string]sarama.TopicDetail, len(c.topics))
	for name, detail := range c.topics {
		topics[name] = detail
	}
	return topics, nil
}

// CreateTopic adds topic into map.
func (c *ClusterAdminMockImpl) CreateTopic(topic string, detail *sarama.TopicDetail, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CreateTopicErr != nil {
		return c.CreateTopicErr
	}
	if _, ok := c.topics[topic]; ok {
		return &sarama.TopicError{Err: sarama.ErrTopicAlreadyExists}
	}
	c.topics[topic] = *detail
	return nil
}

// Close marks the admin closed.
func (c *ClusterAdminMockImpl) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed returns whether Close is called.
func (c *ClusterAdminMockImpl) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Client returns a sarama.Client reading partitions from the topic list.
func (c *ClusterAdminMockImpl) Client() sarama.Client {
	return &clientMockImpl{admin: c}
}

type clientMockImpl struct {
	sarama.Client
	admin *ClusterAdminMockImpl
}

// Partitions returns the partitions of topic.
func (c *clientMockImpl) Partitions(topic string) ([]int32, error) {
	c.admin.mu.Lock()
	defer c.admin.mu.Unlock()
	detail, ok := c.admin.topics[topic]
	if !ok {
		return nil, sarama.ErrUnknownTopicOrPartition
	}
	partitions := make([]int32, detail.NumPartitions)
	for i := range partitions {
		partitions[i] = int32(i)
	}
	return partitions, nil
}

// RefreshMetadata does nothing.
func (c *clientMockImpl) RefreshMetadata(...string) error {
	return nil
}
