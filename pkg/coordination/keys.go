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

package coordination

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pingcap/flowcoord/pkg/errors"
)

const (
	// DefaultRoot is the root path of all nodes created by flowcoord.
	DefaultRoot = "/flowcoord"

	processorsPath = "processors"
	latchesPath    = "latches"

	// SequentialIDWidth is the width of the zero-padded counter suffix of
	// sequential nodes.
	SequentialIDWidth = 10
)

// KeyBuilder builds the hierarchical paths of one coordination group.
type KeyBuilder struct {
	root    string
	groupID string
}

// NewKeyBuilder creates a KeyBuilder, an empty root means DefaultRoot.
func NewKeyBuilder(root, groupID string) KeyBuilder {
	if root == "" {
		root = DefaultRoot
	}
	return KeyBuilder{root: strings.TrimSuffix(root, "/"), groupID: groupID}
}

// GroupPath returns /<root>/<groupID>.
func (k KeyBuilder) GroupPath() string {
	return k.root + "/" + k.groupID
}

// ProcessorsPath returns the parent path of processor registrations.
func (k KeyBuilder) ProcessorsPath() string {
	return k.GroupPath() + "/" + processorsPath
}

// LatchPath returns the parent path of the arrivals of latch latchID.
func (k KeyBuilder) LatchPath(latchID string) string {
	return k.GroupPath() + "/" + latchesPath + "/" + latchID
}

// SequentialNodeName formats a sequential node name.
func SequentialNodeName(seq int64) string {
	return fmt.Sprintf("%0*d", SequentialIDWidth, seq)
}

// ParseSequentialID extracts the sequential id from the last segment of a
// sequential node path, e.g. 3 from /flowcoord/app-1/processors/0000000003.
func ParseSequentialID(path string) (int64, error) {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 || idx == len(path)-1 {
		return 0, errors.ErrInvalidSequentialPath.GenWithStackByArgs(path)
	}
	seq, err := strconv.ParseInt(path[idx+1:], 10, 64)
	if err != nil || seq < 0 {
		return 0, errors.ErrInvalidSequentialPath.GenWithStackByArgs(path)
	}
	return seq, nil
}

// ChildPath joins a parent path and a child name.
func ChildPath(parent, name string) string {
	return strings.TrimSuffix(parent, "/") + "/" + name
}
