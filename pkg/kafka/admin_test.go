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
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/pingcap/flowcoord/pkg/model"
)

func TestAdminCreateStreams(t *testing.T) {
	t.Parallel()

	mock := NewClusterAdminMockImpl(map[string]int32{"input": 4})
	o := NewOptions()
	o.PartitionNum = 3
	o.ReplicationFactor = 2
	admin := NewAdminFromClient(mock.Client(), mock, o)

	specs := []model.StreamSpec{
		{
			ID:             "repartitioned",
			SystemStream:   model.NewSystemStream(SystemName, "repartitioned"),
			PartitionCount: 8,
			Config:         map[string]string{"cleanup.policy": "delete"},
		},
		{
			ID:           "defaulted",
			SystemStream: model.NewSystemStream(SystemName, "defaulted"),
		},
		// existing topics are tolerated
		{
			ID:             "input",
			SystemStream:   model.NewSystemStream(SystemName, "input"),
			PartitionCount: 16,
		},
	}
	require.NoError(t, admin.CreateStreams(context.Background(), specs))

	topics, err := mock.ListTopics()
	require.NoError(t, err)
	require.Len(t, topics, 3)
	require.Equal(t, int32(8), topics["repartitioned"].NumPartitions)
	require.Equal(t, int16(2), topics["repartitioned"].ReplicationFactor)
	require.Equal(t, "delete", *topics["repartitioned"].ConfigEntries["cleanup.policy"])
	require.Equal(t, int32(3), topics["defaulted"].NumPartitions)
	require.Equal(t, int32(4), topics["input"].NumPartitions)

	// creating again is idempotent
	require.NoError(t, admin.CreateStreams(context.Background(), specs))

	meta, err := admin.GetStreamMetadata(context.Background(), []string{"input", "repartitioned"})
	require.NoError(t, err)
	require.Equal(t, model.StreamMetadata{Stream: "input", PartitionCount: 4}, meta["input"])
	require.Equal(t, int32(8), meta["repartitioned"].PartitionCount)

	require.NoError(t, admin.Close())
	require.True(t, mock.Closed())
}

func TestAdminErrors(t *testing.T) {
	t.Parallel()

	mock := NewClusterAdminMockImpl(nil)
	admin := NewAdminFromClient(mock.Client(), mock, NewOptions())

	err := admin.CreateStreams(context.Background(), []model.StreamSpec{
		{SystemStream: model.NewSystemStream("hdfs", "x")},
	})
	require.Regexp(t, ".*FLOW:ErrUnknownSystem.*", err)

	mock.CreateTopicErr = errors.New("not controller")
	err = admin.CreateStreams(context.Background(), []model.StreamSpec{
		{SystemStream: model.NewSystemStream(SystemName, "x")},
	})
	require.Regexp(t, ".*FLOW:ErrKafkaCreateTopic.*", err)

	_, err = admin.GetStreamMetadata(context.Background(), []string{"missing"})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = admin.CreateStreams(ctx, []model.StreamSpec{
		{SystemStream: model.NewSystemStream(SystemName, "y")},
	})
	require.Equal(t, context.Canceled, errors.Cause(err))
}
