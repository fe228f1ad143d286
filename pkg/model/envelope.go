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

// EndOfStreamOffset is the offset of the terminal envelope synthesized once a
// partition is exhausted. It is never a valid data offset.
const EndOfStreamOffset = "END_OF_STREAM"

// IncomingMessageEnvelope is a message received from a partition.
type IncomingMessageEnvelope struct {
	SSP     SystemStreamPartition
	Offset  string
	Key     []byte
	Message interface{}
}

// IsEndOfStream returns whether the envelope is the terminal record of its
// partition.
func (e *IncomingMessageEnvelope) IsEndOfStream() bool {
	return e.Offset == EndOfStreamOffset
}

// OutgoingMessageEnvelope is a message to be sent to a specific partition of a
// stream.
type OutgoingMessageEnvelope struct {
	SystemStream SystemStream
	Partition    int32
	Key          string
	Message      interface{}
}
