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

package eos

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	markerReceivedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcoord",
			Subsystem: "eos",
			Name:      "marker_received_count",
			Help:      "number of end-of-stream markers received",
		}, []string{"task", "stream"})
	markerSentCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcoord",
			Subsystem: "eos",
			Name:      "marker_sent_count",
			Help:      "number of end-of-stream markers sent",
		}, []string{"task", "stream"})
	partitionCompleteCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcoord",
			Subsystem: "eos",
			Name:      "partition_complete_count",
			Help:      "number of input partitions reaching end-of-stream",
		}, []string{"task", "stream"})
	forwardCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcoord",
			Subsystem: "eos",
			Name:      "forward_count",
			Help:      "number of end-of-stream broadcasts forwarded across re-partitioning stages",
		}, []string{"task", "stream"})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(markerReceivedCounter)
	registry.MustRegister(markerSentCounter)
	registry.MustRegister(partitionCompleteCounter)
	registry.MustRegister(forwardCounter)
}
