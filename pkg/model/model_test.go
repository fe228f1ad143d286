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

package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamIdentity(t *testing.T) {
	t.Parallel()

	ssp := NewSystemStreamPartition("kafka", "page-views", 3)
	require.Equal(t, "kafka.page-views[3]", ssp.String())
	require.Equal(t, "kafka.page-views", ssp.SystemStream.String())
	require.Equal(t, NewSystemStream("kafka", "page-views"), ssp.SystemStream)

	// partitions of the same stream are distinct map keys
	m := map[SystemStreamPartition]int{
		NewSystemStreamPartition("kafka", "page-views", 0): 0,
		NewSystemStreamPartition("kafka", "page-views", 1): 1,
	}
	require.Len(t, m, 2)
}

func TestEndOfStreamKey(t *testing.T) {
	t.Parallel()

	key := EndOfStreamKey("page-views", "Partition 0")
	require.Equal(t, "page-views-Partition 0-EOS", key)
	require.True(t, IsEndOfStreamKey([]byte(key)))
	require.False(t, IsEndOfStreamKey([]byte("user-42")))
	require.False(t, IsEndOfStreamKey(nil))
}

func TestEndOfStreamEnvelope(t *testing.T) {
	t.Parallel()

	env := &IncomingMessageEnvelope{Offset: "42"}
	require.False(t, env.IsEndOfStream())
	env.Offset = EndOfStreamOffset
	require.True(t, env.IsEndOfStream())
}
