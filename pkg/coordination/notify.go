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
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const defaultNotifyChanSize = 128

// EventDispatcher runs notifications of one session on a single goroutine, in
// the order they are posted.
type EventDispatcher struct {
	name    string
	eventCh chan func()
	closeCh chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEventDispatcher creates an EventDispatcher and starts its goroutine.
func NewEventDispatcher(name string) *EventDispatcher {
	d := &EventDispatcher{
		name:    name,
		eventCh: make(chan func(), defaultNotifyChanSize),
		closeCh: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *EventDispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.closeCh:
			return
		case fn := <-d.eventCh:
			// closeCh and eventCh may be ready at the same time
			select {
			case <-d.closeCh:
				return
			default:
			}
			fn()
		}
	}
}

// Post queues fn. It returns false if the dispatcher is closed, in which case
// fn is never called.
func (d *EventDispatcher) Post(fn func()) bool {
	select {
	case <-d.closeCh:
		return false
	default:
	}
	select {
	case <-d.closeCh:
		return false
	case d.eventCh <- fn:
		return true
	}
}

// Close stops the dispatcher and waits for the running notification, if any,
// to return. Pending notifications are dropped. It must not be called from a
// notification.
func (d *EventDispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.closeCh)
		d.wg.Wait()
		log.Debug("event dispatcher closed", zap.String("session", d.name))
	})
}
