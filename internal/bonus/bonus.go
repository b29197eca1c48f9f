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

package bonus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/policy"
	"farm-ledger-go/internal/store"

	"go.uber.org/zap"
)

var (
	ErrAlreadyClaimed = errors.New("daily bonus already claimed")
	ErrBonusDisabled  = errors.New("daily bonus is disabled")
)

type Store interface {
	ApplyEntry(ctx context.Context, params store.EntryParams) (*models.LedgerEntry, error)
}

type Service struct {
	store  Store
	policy *policy.Policy
}

func NewService(s Store, p *policy.Policy) *Service {
	return &Service{store: s, policy: p}
}

// EventRef identifies the claim of userId on the UTC day containing t.
func EventRef(userId int64, t time.Time) string {
	return fmt.Sprintf("daily-bonus:%d:%s", userId, t.UTC().Format("20060102"))
}

// ClaimDaily credits the daily bonus once per user per UTC day.
func (s *Service) ClaimDaily(ctx context.Context, userId int64, now time.Time) (*models.LedgerEntry, error) {
	currency, amount, ok := s.policy.DailyBonus()
	if !ok {
		return nil, ErrBonusDisabled
	}

	ref := EventRef(userId, now)
	entry, err := s.store.ApplyEntry(ctx, store.EntryParams{
		UserId:    userId,
		Type:      models.EntryTypeBonusClaim,
		Currency:  currency,
		Amount:    amount,
		EventRef:  ref,
		CreatedAt: now,
	})
	if errors.Is(err, store.ErrDuplicateTransaction) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyClaimed, ref)
	}
	if err != nil {
		return nil, err
	}

	zap.L().Info("Daily bonus claimed",
		zap.Int64("user_id", userId),
		zap.String("currency", string(currency)),
		zap.String("amount", amount.String()),
		zap.String("balance_after", entry.BalanceAfter.String()))
	return entry, nil
}
