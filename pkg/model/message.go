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
	"strings"
)

// EndOfStreamMessage is the control message sent by an upstream task to every
// partition of a stream once it has finished producing to that stream.
type EndOfStreamMessage struct {
	// TaskName is the name of the producing task.
	TaskName string `json:"task-name" msgpack:"task-name"`
	// TaskCount is the total number of tasks producing to the stream.
	TaskCount int `json:"task-count" msgpack:"task-count"`
}

// EndOfStreamKeyFormat is the key of end-of-stream messages: <stream>-<task>-EOS
const EndOfStreamKeyFormat = "%s-%s" + endOfStreamKeySuffix

const endOfStreamKeySuffix = "-EOS"

// EndOfStreamKey returns the message key used when task broadcasts
// end-of-stream to stream.
func EndOfStreamKey(stream, task string) string {
	return fmt.Sprintf(EndOfStreamKeyFormat, stream, task)
}

// IsEndOfStreamKey returns whether key is the key of an end-of-stream message.
func IsEndOfStreamKey(key []byte) bool {
	return strings.HasSuffix(string(key), endOfStreamKeySuffix)
}

// EndOfStream is the payload of the terminal envelope of a partition.
type EndOfStream struct {
	SSP SystemStreamPartition
}

// Get returns the exhausted partition.
func (e *EndOfStream) Get() SystemStreamPartition {
	return e.SSP
}
