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

package api

import (
	"context"
	"errors"
	"fmt"

	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// ErrNotFound is returned when the requested user does not exist.
var ErrNotFound = errors.New("not found")

var currencies = []models.Currency{models.CurrencyUNI, models.CurrencyTON}

// GetUserBalance returns the current balance for a user in one currency
func (s *LedgerService) GetUserBalance(ctx context.Context, userId int64, currency models.Currency) (decimal.Decimal, error) {
	if userId <= 0 || !currency.Valid() {
		return decimal.Zero, fmt.Errorf("user_id and a valid currency are required")
	}

	user, err := s.getUser(ctx, userId)
	if err != nil {
		return decimal.Zero, err
	}
	return user.Balance(currency), nil
}

// GetUserSummary returns the user's balances and referral position
func (s *LedgerService) GetUserSummary(ctx context.Context, userId int64) (*models.UserSummary, error) {
	user, err := s.getUser(ctx, userId)
	if err != nil {
		return nil, err
	}

	edges, err := s.db.GetReferralEdges(ctx, userId)
	if err != nil {
		zap.L().Error("Failed to get referral edges", zap.Int64("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve referral edges")
	}

	summary := &models.UserSummary{
		Id:           user.Id,
		Username:     user.Username,
		ReferralCode: user.ReferralCode,
		InvitedBy:    user.ParentRefCode,
		Referrals:    len(edges),
	}
	for _, c := range currencies {
		summary.Balances = append(summary.Balances, models.UserBalance{Currency: c, Balance: user.Balance(c)})
	}
	return summary, nil
}

// GetEntryHistory returns paginated ledger entries for a user, newest first
func (s *LedgerService) GetEntryHistory(ctx context.Context, userId int64, filter models.EntryFilter, limit, offset int) ([]models.EntryRecord, error) {
	if userId <= 0 {
		return nil, fmt.Errorf("user_id is required")
	}
	if filter.Currency != "" && !filter.Currency.Valid() {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidCurrency, filter.Currency)
	}

	if limit <= 0 || limit > maxPageLimit {
		limit = defaultPageLimit
	}
	if offset < 0 {
		offset = 0
	}

	entries, err := s.db.ListEntries(ctx, userId, filter, models.Page{Limit: limit, Offset: offset})
	if err != nil {
		zap.L().Error("Failed to get entry history",
			zap.Int64("user_id", userId),
			zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve entry history")
	}

	result := make([]models.EntryRecord, len(entries))
	for i, e := range entries {
		result[i] = models.EntryRecord{
			Id:           e.Id,
			Type:         e.Type,
			Currency:     e.Currency,
			Amount:       e.Amount,
			Status:       e.Status,
			SourceUserId: e.SourceUserId,
			Level:        e.Level,
			Partition:    e.PartitionName,
			CreatedAt:    e.CreatedAt,
		}
	}

	return result, nil
}

// ReconcileUser checks both cached balances against the confirmed ledger sum.
func (s *LedgerService) ReconcileUser(ctx context.Context, userId int64) error {
	var errs []error
	for _, c := range currencies {
		if err := s.db.ReconcileUserBalance(ctx, userId, c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *LedgerService) getUser(ctx context.Context, userId int64) (*models.User, error) {
	user, err := s.db.GetUser(ctx, userId)
	if errors.Is(err, store.ErrUserNotFound) {
		return nil, fmt.Errorf("%w: user %d", ErrNotFound, userId)
	}
	if err != nil {
		zap.L().Error("Failed to get user", zap.Int64("user_id", userId), zap.Error(err))
		return nil, fmt.Errorf("failed to retrieve user")
	}
	return user, nil
}
