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
	"fmt"
)

// SystemStream identifies a named stream within a named system, e.g. a kafka
// topic in a kafka cluster.
type SystemStream struct {
	System string `json:"system" toml:"system"`
	Stream string `json:"stream" toml:"stream"`
}

// NewSystemStream creates a SystemStream.
func NewSystemStream(system, stream string) SystemStream {
	return SystemStream{System: system, Stream: stream}
}

// String implements fmt.Stringer
func (s SystemStream) String() string {
	return s.System + "." + s.Stream
}

// SystemStreamPartition is a single partition of a SystemStream.
type SystemStreamPartition struct {
	SystemStream
	Partition int32 `json:"partition"`
}

// NewSystemStreamPartition creates a SystemStreamPartition.
func NewSystemStreamPartition(system, stream string, partition int32) SystemStreamPartition {
	return SystemStreamPartition{
		SystemStream: NewSystemStream(system, stream),
		Partition:    partition,
	}
}

// String implements fmt.Stringer
func (s SystemStreamPartition) String() string {
	return fmt.Sprintf("%s.%s[%d]", s.System, s.Stream, s.Partition)
}

// StreamSpec describes a stream to be created, typically an intermediate
// stream produced by a re-partitioning stage.
type StreamSpec struct {
	ID             string            `json:"id"`
	SystemStream   SystemStream      `json:"system-stream"`
	PartitionCount int32             `json:"partition-count"`
	Config         map[string]string `json:"config,omitempty"`
}

// StreamMetadata is the metadata of a stream known to its system.
type StreamMetadata struct {
	Stream         string
	PartitionCount int32
}
