/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package retry

import (
	"context"
	"time"

	"farm-ledger-go/internal/store"

	"github.com/eapache/go-resiliency/retrier"
	"go.uber.org/zap"
)

// transientClassifier retries only store errors that may succeed on a second attempt.
type transientClassifier struct{}

func (transientClassifier) Classify(err error) retrier.Action {
	switch {
	case err == nil:
		return retrier.Succeed
	case store.IsTransient(err):
		return retrier.Retry
	default:
		return retrier.Fail
	}
}

// Policy runs store operations with exponential backoff on transient failures.
type Policy struct {
	attempts int
	backoff  time.Duration
}

// New returns a policy making at most attempts calls, the first retry waiting backoff.
func New(attempts int, backoff time.Duration) *Policy {
	if attempts < 1 {
		attempts = 1
	}
	return &Policy{attempts: attempts, backoff: backoff}
}

// Do calls fn until it succeeds, fails permanently, runs out of attempts or ctx ends.
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if p == nil || p.attempts == 1 {
		return fn(ctx)
	}

	r := retrier.New(retrier.ExponentialBackoff(p.attempts-1, p.backoff), transientClassifier{})
	r.SetJitter(0.2)

	attempt := 0
	return r.RunCtx(ctx, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && attempt < p.attempts && store.IsTransient(err) {
			zap.L().Warn("Transient store error, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	})
}
