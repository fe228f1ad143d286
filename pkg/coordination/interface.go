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
	"context"
)

// Node is a child node returned by Session.Children.
type Node struct {
	// Path is the full path of the node.
	Path string
	// Data is the payload stored in the node.
	Data []byte
}

// DeletionListener is called once, on the notification goroutine of the
// session that installed it, after the watched node is deleted.
type DeletionListener func(path string)

// Session is a client session of a coordination store. Ephemeral nodes created
// through a session are removed by the store when the session ends, either by
// Close or because the store stops observing the session (crash or timeout).
type Session interface {
	// ID returns an identifier of the session, for logging.
	ID() string
	// CreateEphemeralSequential creates an ephemeral node under prefix whose
	// name is a zero-padded monotonically increasing counter, and returns the
	// full path of the created node.
	CreateEphemeralSequential(ctx context.Context, prefix string, data []byte) (string, error)
	// Children returns the direct children of prefix, in no particular order.
	Children(ctx context.Context, prefix string) ([]Node, error)
	// WatchDeletion installs a one-shot deletion watch on path. If the node
	// doesn't exist, no watch is installed and false is returned.
	WatchDeletion(ctx context.Context, path string, listener DeletionListener) (bool, error)
	// Delete deletes the node at path. Deleting a missing node is not an error.
	Delete(ctx context.Context, path string) error
	// Done is closed when the session ends.
	Done() <-chan struct{}
	// Close ends the session. It is idempotent and returns nil if the session
	// has already ended. No listener is called after Close returns.
	Close() error
}
