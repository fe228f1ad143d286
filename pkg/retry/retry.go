// Copyright 2021 PingCAP, Inc.
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

package retry

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pingcap/errors"

	cerror "github.com/pingcap/flowcoord/pkg/errors"
)

// Operation is the action need to retry
type Operation func() error

// Do execute the specified function.
// By default, it tries at most defaultMaxTries times and stops early if
// the context is canceled.
func Do(ctx context.Context, operation Operation, opts ...Option) error {
	retryOption := setOptions(opts...)
	return run(ctx, operation, retryOption)
}

func setOptions(opts ...Option) *retryOptions {
	retryOption := newRetryOptions()
	for _, opt := range opts {
		opt(retryOption)
	}
	return retryOption
}

func newBackOff(opts *retryOptions) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(opts.backoffBase * float64(time.Millisecond))
	b.MaxInterval = time.Duration(opts.backoffCap * float64(time.Millisecond))
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	// the number of tries bounds the retry, not the elapsed time
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func run(ctx context.Context, op Operation, retryOption *retryOptions) error {
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	default:
	}

	var t *time.Timer
	var tries uint64
	b := newBackOff(retryOption)
	for {
		err := op()
		if err == nil {
			return nil
		}

		if !retryOption.isRetryable(err) {
			return err
		}

		tries++
		if tries >= retryOption.maxTries {
			return cerror.ErrReachMaxTry.
				Wrap(err).GenWithStackByArgs(strconv.FormatUint(retryOption.maxTries, 10), err)
		}

		backOff := b.NextBackOff()
		if t == nil {
			t = time.NewTimer(backOff)
			defer t.Stop()
		} else {
			t.Reset(backOff)
		}

		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-t.C:
		}
	}
}
