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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	etcdRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcoord",
			Subsystem: "etcd",
			Name:      "request_count",
			Help:      "request counter of etcd operation",
		}, []string{"type"})

	deletionWatchCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "flowcoord",
			Subsystem: "etcd",
			Name:      "deletion_watch_count",
			Help:      "number of deletion watches installed on etcd",
		})
)

// DefaultMetrics returns the per-RPC counters used by NewClient.
func DefaultMetrics() map[string]prometheus.Counter {
	metrics := make(map[string]prometheus.Counter)
	for _, rpc := range []string{
		EtcdGet, EtcdTxn, EtcdDel, EtcdGrant, EtcdRevoke,
	} {
		metrics[rpc] = etcdRequestCounter.WithLabelValues(rpc)
	}
	return metrics
}

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(etcdRequestCounter)
	registry.MustRegister(deletionWatchCounter)
}
