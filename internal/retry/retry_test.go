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
	"errors"
	"testing"
	"time"

	"farm-ledger-go/internal/store"
)

func TestDoRetriesTransientErrors(t *testing.T) {
	policy := New(3, time.Millisecond)

	calls := 0
	err := policy.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &store.TransientError{Op: "test", Err: errors.New("database is locked")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	policy := New(5, time.Millisecond)

	calls := 0
	err := policy.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return store.ErrInsufficientBalance
	})
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Permanent errors must not be retried, got %d calls", calls)
	}
}

func TestDoGivesUpAfterAttempts(t *testing.T) {
	policy := New(2, time.Millisecond)

	calls := 0
	err := policy.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return store.ErrConcurrentModification
	})
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("Expected last error to be returned, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
}
