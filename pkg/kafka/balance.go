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
	"sort"

	"github.com/IBM/sarama"
)

// TaskBalanceStrategyName is the name of the strategy returned by
// NewTaskBalanceStrategy.
const TaskBalanceStrategyName = "flowcoord-task"

// taskBalanceStrategy assigns partition p of every topic to the same member,
// the partitions sharing an index form one task and are consumed together.
// Members are ordered by id and partition p goes to member p mod the number
// of members subscribing the topic.
type taskBalanceStrategy struct{}

// NewTaskBalanceStrategy returns the balance strategy of the relay consumer
// groups.
func NewTaskBalanceStrategy() sarama.BalanceStrategy {
	return taskBalanceStrategy{}
}

// Name implements sarama.BalanceStrategy.
func (taskBalanceStrategy) Name() string {
	return TaskBalanceStrategyName
}

// Plan implements sarama.BalanceStrategy.
func (taskBalanceStrategy) Plan(
	members map[string]sarama.ConsumerGroupMemberMetadata, topics map[string][]int32,
) (sarama.BalanceStrategyPlan, error) {
	subscribers := make(map[string][]string, len(topics))
	for id, meta := range members {
		for _, topic := range meta.Topics {
			subscribers[topic] = append(subscribers[topic], id)
		}
	}
	plan := make(sarama.BalanceStrategyPlan, len(members))
	for topic, partitions := range topics {
		ids := subscribers[topic]
		if len(ids) == 0 {
			continue
		}
		sort.Strings(ids)
		for _, p := range partitions {
			plan.Add(ids[int(p)%len(ids)], topic, p)
		}
	}
	return plan, nil
}

// AssignmentData implements sarama.BalanceStrategy.
func (taskBalanceStrategy) AssignmentData(string, map[string][]int32, int32) ([]byte, error) {
	return nil, nil
}
