// Copyright 2021 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package etcd

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	v3rpc "go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/raft/v3"
)

func TestGetRevisionFromWatchOpts(t *testing.T) {
	t.Parallel()

	for i := 0; i < 100; i++ {
		rev := rand.Int63n(math.MaxInt64)
		opt := clientv3.WithRev(rev)
		require.Equal(t, getRevisionFromWatchOpts(opt), rev)
	}
	require.Equal(t, int64(0), getRevisionFromWatchOpts(clientv3.WithPrefix()))
}

func TestResetWatchOpts(t *testing.T) {
	t.Parallel()

	opts := resetWatchOpts(12, []clientv3.OpOption{clientv3.WithRev(3), clientv3.WithFilterPut()})
	require.Len(t, opts, 3)
	require.Equal(t, int64(12), getRevisionFromWatchOpts(opts...))

	opts = resetWatchOpts(0, []clientv3.OpOption{clientv3.WithFilterPut()})
	require.Len(t, opts, 1)
}

func TestIsRetryableEtcdError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err error
		ret bool
	}{
		{nil, false},
		{v3rpc.ErrCorrupt, false},

		{v3rpc.ErrGRPCTimeoutDueToConnectionLost, true},
		{v3rpc.ErrTimeoutDueToLeaderFail, true},
		{v3rpc.ErrNoSpace, true},
		{raft.ErrStopped, true},
		{errors.New("rpc error: code = Unavailable desc = closing transport due to: " +
			"connection error: desc = \\\"error reading from server: EOF\\\", " +
			"received prior goaway: code: NO_ERROR\""), true},
		{errors.New("rpc error: code = Unavailable desc = error reading from server: " +
			"xxx: read: connection reset by peer"), true},
	}

	for _, item := range cases {
		require.Equal(t, item.ret, isRetryableEtcdError(item.err))
	}
}
