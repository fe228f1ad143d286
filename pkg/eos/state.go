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
	"math"
)

// state is the end-of-stream state of one input partition of a task.
type state struct {
	tasks         map[string]struct{}
	expectedTotal int
	complete      bool
}

func newState() *state {
	return &state{
		tasks:         make(map[string]struct{}),
		expectedTotal: math.MaxInt,
	}
}

// update records the marker of task and returns true on the first transition
// to complete. A marker without task and count means the partition is
// exhausted at the source.
func (s *state) update(task string, taskCount int) bool {
	if s.complete {
		s.tasks[task] = struct{}{}
		return false
	}
	if task == "" && taskCount <= 0 {
		s.complete = true
		return true
	}
	s.tasks[task] = struct{}{}
	s.expectedTotal = taskCount
	s.complete = len(s.tasks) == s.expectedTotal
	return s.complete
}

// expected returns the expected task count, false if no marker is received.
func (s *state) expected() (int, bool) {
	return s.expectedTotal, s.expectedTotal != math.MaxInt
}
