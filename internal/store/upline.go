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

	"farm-ledger-go/internal/models"
)

// UserByCodeFunc loads a user by referral code.
type UserByCodeFunc func(ctx context.Context, code string) (*models.User, error)

// ResolveUpline walks parent referral codes starting at user's inviter and returns
// ancestors ordered by level (index 0 is the direct inviter). The walk stops at a
// user without an inviter or after maxDepth ancestors. On a cycle or an unreadable
// ancestor it returns the prefix resolved so far with an *AncestorResolutionError.
func ResolveUpline(ctx context.Context, user *models.User, maxDepth int, byCode UserByCodeFunc) ([]models.User, error) {
	if maxDepth <= 0 || maxDepth > MaxUplineDepth {
		maxDepth = MaxUplineDepth
	}

	visited := map[int64]bool{user.Id: true}
	var chain []models.User

	current := user
	for depth := 1; depth <= maxDepth && current.HasInviter(); depth++ {
		parent, err := byCode(ctx, current.ParentRefCode)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				err = fmt.Errorf("%w: %s", ErrReferralCodeNotFound, current.ParentRefCode)
			}
			return chain, &AncestorResolutionError{UserId: user.Id, Depth: depth, Err: err}
		}
		if visited[parent.Id] {
			return chain, &AncestorResolutionError{
				UserId: user.Id,
				Depth:  depth,
				Err:    fmt.Errorf("%w: user %d revisited", ErrAncestorCycle, parent.Id),
			}
		}
		visited[parent.Id] = true
		chain = append(chain, *parent)
		current = parent
	}

	return chain, nil
}
