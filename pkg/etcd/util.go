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

package etcd

import (
	"strings"

	"github.com/pingcap/errors"
	v3rpc "go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientV3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/raft/v3"
)

// getRevisionFromWatchOpts returns the revision set by clientV3.WithRev, or 0.
func getRevisionFromWatchOpts(opts ...clientV3.OpOption) int64 {
	op := &clientV3.Op{}
	for _, opt := range opts {
		opt(op)
	}
	return op.Rev()
}

// isRetryableEtcdError reports whether a failed transaction can be committed
// again. Only errors telling that the request didn't reach a quorum qualify.
func isRetryableEtcdError(err error) bool {
	if err == nil {
		return false
	}
	etcdErr := errors.Cause(err)

	switch etcdErr {
	// Etcd ResourceExhausted errors, may recover after some time
	case v3rpc.ErrNoSpace, v3rpc.ErrTooManyRequests:
		return true
	// Etcd Unavailable errors, may be available after some time
	// https://github.com/etcd-io/etcd/pull/9934/files#diff-6d8785d0c9eaf96bc3e2b29c36493c04R162-R167
	// ErrStopped:
	// one of the etcd nodes stopped from failure injection
	// ErrNotCapable:
	// capability check has not been done (in the beginning)
	case v3rpc.ErrNoLeader, v3rpc.ErrLeaderChanged, v3rpc.ErrNotCapable, v3rpc.ErrStopped, v3rpc.ErrTimeout,
		v3rpc.ErrTimeoutDueToLeaderFail, v3rpc.ErrGRPCTimeoutDueToConnectionLost, v3rpc.ErrUnhealthy:
		return true
	case raft.ErrStopped:
		return true
	}
	// a member removed from the etcd cluster may answer with grpc
	// errors with the Unavailable code
	return strings.Contains(etcdErr.Error(), "rpc error: code = Unavailable")
}
