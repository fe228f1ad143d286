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

package graph

import (
	"sort"
	"strings"

	"github.com/pingcap/flowcoord/pkg/errors"
	"github.com/pingcap/flowcoord/pkg/model"
)

// OpCode is the kind of operator a node runs.
type OpCode int

// OpCode values
const (
	// PassThrough keeps the partitioning of its inputs, e.g. map or filter.
	PassThrough OpCode = iota
	// PartitionBy re-partitions its inputs onto an intermediate stream.
	PartitionBy
)

func (o OpCode) String() string {
	switch o {
	case PassThrough:
		return "pass-through"
	case PartitionBy:
		return "partition-by"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o OpCode) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *OpCode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "", "pass-through":
		*o = PassThrough
	case "partition-by":
		*o = PartitionBy
	default:
		return errors.ErrInvalidGraph.GenWithStackByArgs("unknown op " + string(text))
	}
	return nil
}

// IONode is an operator of the dataflow graph with its input and output
// streams.
type IONode struct {
	ID     string
	Inputs []model.SystemStream
	Output model.SystemStream
	OpCode OpCode
	// Partitions is the partition count of the output stream of a
	// re-partitioning node, 0 lets the system decide.
	Partitions int32
}

// IsRepartition returns true if the node re-partitions its inputs.
func (n IONode) IsRepartition() bool {
	return n.OpCode == PartitionBy
}

// Graph is a static dataflow graph.
type Graph interface {
	// IONodes returns all nodes of the graph.
	IONodes() []IONode
}

// StageConfig is the configuration of one node.
type StageConfig struct {
	ID string `toml:"id" json:"id"`
	// Inputs and Output are streams in "<system>.<stream>" form.
	Inputs     []string `toml:"inputs" json:"inputs"`
	Output     string   `toml:"output" json:"output"`
	Op         OpCode   `toml:"op" json:"op"`
	Partitions int32    `toml:"partitions" json:"partitions"`
}

// StreamGraph is a Graph built from configuration, it is immutable.
type StreamGraph struct {
	nodes []IONode
}

var _ Graph = (*StreamGraph)(nil)

// ParseSystemStream parses "<system>.<stream>". The stream name may contain
// dots, the system name may not.
func ParseSystemStream(s string) (model.SystemStream, error) {
	idx := strings.IndexByte(s, '.')
	if idx <= 0 || idx == len(s)-1 {
		return model.SystemStream{}, errors.ErrInvalidGraph.GenWithStackByArgs(
			"stream " + s + " is not in <system>.<stream> form")
	}
	return model.NewSystemStream(s[:idx], s[idx+1:]), nil
}

// Build builds a StreamGraph. Every node needs an id, at least one input and
// an output, and no two nodes may write the same stream.
func Build(stages []StageConfig) (*StreamGraph, error) {
	g := &StreamGraph{nodes: make([]IONode, 0, len(stages))}
	ids := make(map[string]struct{}, len(stages))
	outputs := make(map[model.SystemStream]string, len(stages))
	for _, stage := range stages {
		if stage.ID == "" {
			return nil, errors.ErrInvalidGraph.GenWithStackByArgs("stage id must not be empty")
		}
		if _, ok := ids[stage.ID]; ok {
			return nil, errors.ErrInvalidGraph.GenWithStackByArgs("duplicated stage " + stage.ID)
		}
		ids[stage.ID] = struct{}{}
		if len(stage.Inputs) == 0 {
			return nil, errors.ErrInvalidGraph.GenWithStackByArgs("stage " + stage.ID + " has no input")
		}
		if stage.Partitions < 0 {
			return nil, errors.ErrInvalidGraph.GenWithStackByArgs(
				"stage " + stage.ID + " has negative partitions")
		}

		node := IONode{ID: stage.ID, OpCode: stage.Op, Partitions: stage.Partitions}
		seen := make(map[model.SystemStream]struct{}, len(stage.Inputs))
		for _, in := range stage.Inputs {
			stream, err := ParseSystemStream(in)
			if err != nil {
				return nil, err
			}
			if _, ok := seen[stream]; ok {
				continue
			}
			seen[stream] = struct{}{}
			node.Inputs = append(node.Inputs, stream)
		}
		output, err := ParseSystemStream(stage.Output)
		if err != nil {
			return nil, err
		}
		if other, ok := outputs[output]; ok {
			return nil, errors.ErrInvalidGraph.GenWithStackByArgs(
				"stream " + output.String() + " is written by both " + other + " and " + stage.ID)
		}
		if _, ok := seen[output]; ok {
			return nil, errors.ErrInvalidGraph.GenWithStackByArgs(
				"stage " + stage.ID + " reads its own output")
		}
		outputs[output] = stage.ID
		node.Output = output
		g.nodes = append(g.nodes, node)
	}
	return g, nil
}

// IONodes implements Graph.
func (g *StreamGraph) IONodes() []IONode {
	nodes := make([]IONode, len(g.nodes))
	for i, n := range g.nodes {
		n.Inputs = append([]model.SystemStream(nil), n.Inputs...)
		nodes[i] = n
	}
	return nodes
}

// IntermediateStreams returns the specs of the output streams of
// re-partitioning nodes, sorted by stream.
func (g *StreamGraph) IntermediateStreams() []model.StreamSpec {
	var specs []model.StreamSpec
	for _, n := range g.nodes {
		if !n.IsRepartition() {
			continue
		}
		specs = append(specs, model.StreamSpec{
			ID:             n.ID,
			SystemStream:   n.Output,
			PartitionCount: n.Partitions,
		})
	}
	sort.Slice(specs, func(i, j int) bool {
		return specs[i].SystemStream.String() < specs[j].SystemStream.String()
	})
	return specs
}
