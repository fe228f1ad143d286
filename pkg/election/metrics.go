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

package election

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	leaderGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flowcoord",
			Subsystem: "election",
			Name:      "is_leader",
			Help:      "whether the processor is the leader of its group",
		}, []string{"processor"})
	predecessorDeletedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcoord",
			Subsystem: "election",
			Name:      "predecessor_deleted_count",
			Help:      "number of predecessor deletions observed by the processor",
		}, []string{"processor"})
	electionErrorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flowcoord",
			Subsystem: "election",
			Name:      "error_count",
			Help:      "number of failed re-elections",
		}, []string{"processor"})
)

// InitMetrics registers all metrics in this file
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(leaderGauge)
	registry.MustRegister(predecessorDeletedCounter)
	registry.MustRegister(electionErrorCounter)
}
