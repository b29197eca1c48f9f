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

package database

import (
	"context"
	"fmt"

	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReconcileUserBalance verifies that the user's balance equals the sum of confirmed entries
func (s *Service) ReconcileUserBalance(ctx context.Context, userId int64, currency models.Currency) error {
	zap.L().Info("Reconciling balance", zap.Int64("user_id", userId), zap.String("currency", string(currency)))

	if _, err := store.BalanceColumn(currency); err != nil {
		return err
	}

	user, err := s.GetUser(ctx, userId)
	if err != nil {
		return fmt.Errorf("failed to get current balance: %w", err)
	}
	currentBalance := user.Balance(currency)

	// SQLite stores amounts as text, so the sum is taken in decimal arithmetic here.
	rows, err := s.db.QueryContext(ctx, s.sql(queryConfirmedAmounts), userId, string(currency))
	if err != nil {
		return fmt.Errorf("failed to calculate balance from entries: %w", err)
	}
	defer closeRows(rows)

	calculatedBalance := decimal.Zero
	for rows.Next() {
		var amountStr string
		if err := rows.Scan(&amountStr); err != nil {
			return fmt.Errorf("failed to scan entry amount: %w", err)
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return fmt.Errorf("failed to parse entry amount '%s': %w", amountStr, err)
		}
		calculatedBalance = calculatedBalance.Add(amount)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating entry amounts: %w", err)
	}

	// Check if balances match (exact decimal comparison)
	if !currentBalance.Equal(calculatedBalance) {
		zap.L().Error("Balance reconciliation failed",
			zap.Int64("user_id", userId),
			zap.String("currency", string(currency)),
			zap.String("current_balance", currentBalance.String()),
			zap.String("calculated_balance", calculatedBalance.String()),
			zap.String("difference", currentBalance.Sub(calculatedBalance).String()))
		return fmt.Errorf("balance mismatch: current=%s, calculated=%s", currentBalance.String(), calculatedBalance.String())
	}

	zap.L().Info("Balance reconciliation successful",
		zap.Int64("user_id", userId),
		zap.String("currency", string(currency)),
		zap.String("balance", currentBalance.String()))
	return nil
}
