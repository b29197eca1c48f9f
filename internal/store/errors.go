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

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PartitionGapError is returned when a write's timestamp falls outside every
// range partition and no catch-all partition exists.
type PartitionGapError struct {
	Table string
	At    time.Time
}

func (e *PartitionGapError) Error() string {
	return fmt.Sprintf("%s: %s has no partition for %s", ErrPartitionGap, e.Table, e.At.UTC().Format(time.RFC3339Nano))
}

func (e *PartitionGapError) Is(target error) bool {
	return target == ErrPartitionGap
}

// AncestorResolutionError reports an upline walk that stopped before reaching the root
// or the depth bound. Ancestors resolved before Depth are still valid.
type AncestorResolutionError struct {
	UserId int64
	Depth  int
	Err    error
}

func (e *AncestorResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve ancestor of user %d at depth %d: %v", e.UserId, e.Depth, e.Err)
}

func (e *AncestorResolutionError) Unwrap() error {
	return e.Err
}

// TransientError wraps an I/O failure that is worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable store failure. Optimistic
// version conflicts count as transient since a fresh read usually succeeds.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrConcurrentModification)
}
