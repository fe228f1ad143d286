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
	"context"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/pingcap/flowcoord/pkg/graph"
	"github.com/pingcap/flowcoord/pkg/model"
)

// Dispatcher forwards end-of-stream across re-partitioning stages. It is
// built once from the dataflow graph and never changes.
type Dispatcher struct {
	// nodes are the re-partitioning nodes keyed by each of their inputs.
	nodes map[model.SystemStream][]graph.IONode
}

// NewDispatcher creates a Dispatcher. Pass-through nodes keep the
// partitioning of their inputs, they are not tracked.
func NewDispatcher(g graph.Graph) *Dispatcher {
	d := &Dispatcher{nodes: make(map[model.SystemStream][]graph.IONode)}
	for _, node := range g.IONodes() {
		if !node.IsRepartition() {
			continue
		}
		for _, input := range node.Inputs {
			d.nodes[input] = append(d.nodes[input], node)
		}
	}
	return d
}

// OnPartitionComplete is called when all partitions of stream owned by the
// task of manager are complete. For every re-partitioning node reading
// stream whose inputs are all complete, end-of-stream is broadcast once to
// the output of the node.
func (d *Dispatcher) OnPartitionComplete(
	ctx context.Context, manager *Manager, stream model.SystemStream,
) error {
	for _, node := range d.nodes[stream] {
		if !allComplete(manager, node.Inputs) {
			log.Debug("re-partitioning stage has incomplete inputs",
				zap.String("task", manager.cfg.TaskName),
				zap.String("stage", node.ID),
				zap.Stringer("input", stream))
			continue
		}
		if !manager.markForwarded(node.Output) {
			continue
		}
		if err := manager.SendEndOfStream(ctx, node.Output); err != nil {
			// allow the broadcast to be retried
			manager.unmarkForwarded(node.Output)
			return err
		}
		forwardCounter.WithLabelValues(manager.cfg.TaskName, node.Output.String()).Inc()
		log.Info("end of stream forwarded",
			zap.String("task", manager.cfg.TaskName),
			zap.String("stage", node.ID),
			zap.Stringer("output", node.Output))
	}
	return nil
}

func allComplete(manager *Manager, inputs []model.SystemStream) bool {
	for _, input := range inputs {
		if !manager.IsEndOfStream(input) {
			return false
		}
	}
	return true
}
