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
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"
)

func TestTaskBalanceStrategy(t *testing.T) {
	t.Parallel()

	s := NewTaskBalanceStrategy()
	require.Equal(t, TaskBalanceStrategyName, s.Name())

	members := map[string]sarama.ConsumerGroupMemberMetadata{
		"b": {Topics: []string{"words", "extra"}},
		"a": {Topics: []string{"words", "extra"}},
		"c": {Topics: []string{"words", "extra"}},
	}
	topics := map[string][]int32{
		"words": {0, 1, 2, 3},
		"extra": {0, 1},
	}
	plan, err := s.Plan(members, topics)
	require.NoError(t, err)
	// the partitions of one index land on the same member
	require.Equal(t, sarama.BalanceStrategyPlan{
		"a": {"words": {0, 3}, "extra": {0}},
		"b": {"words": {1}, "extra": {1}},
		"c": {"words": {2}},
	}, plan)

	// more members than partitions leaves some without claims
	plan, err = s.Plan(members, map[string][]int32{"words": {0}})
	require.NoError(t, err)
	require.Equal(t, sarama.BalanceStrategyPlan{"a": {"words": {0}}}, plan)

	data, err := s.AssignmentData("a", topics, 1)
	require.NoError(t, err)
	require.Nil(t, data)
}
