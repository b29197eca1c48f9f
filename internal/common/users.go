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

package common

import (
	"context"
	"fmt"

	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/store"

	"go.uber.org/zap"
)

// InitializeUsers retrieves users based on an optional referral code filter.
// If codeFilter is provided, returns the single user owning that code.
// If codeFilter is empty, returns all users.
func InitializeUsers(ctx context.Context, ledger store.LedgerStore, codeFilter string, logger *zap.Logger) ([]models.User, error) {
	if codeFilter != "" {
		logger.Info("Looking up user by referral code", zap.String("ref_code", codeFilter))
		user, err := ledger.GetUserByReferralCode(ctx, codeFilter)
		if err != nil {
			return nil, fmt.Errorf("user not found: %w", err)
		}
		return []models.User{*user}, nil
	}

	users, err := ledger.GetUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get users: %w", err)
	}
	logger.Info("Retrieved users", zap.Int("count", len(users)))
	return users, nil
}
