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

package farming

import (
	"context"
	"errors"
	"fmt"
	"time"

	"farm-ledger-go/internal/accrual"
	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/policy"
	"farm-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrPrincipalTooSmall = errors.New("principal below tier minimum")

const tailAttempts = 3

// Store is the deposit surface of the ledger store.
type Store interface {
	OpenDeposit(ctx context.Context, params store.OpenDepositParams) (*models.Deposit, error)
	CloseDeposit(ctx context.Context, params store.CloseDepositParams) (*models.Deposit, error)
	GetDeposit(ctx context.Context, depositId string) (*models.Deposit, error)
	AccrueDeposit(ctx context.Context, params store.AccrueDepositParams) (*models.LedgerEntry, error)
}

// Service opens and closes deposits according to the reward policy tiers.
type Service struct {
	store  Store
	policy *policy.Policy
}

func NewService(s Store, p *policy.Policy) *Service {
	return &Service{store: s, policy: p}
}

// OpenDeposit starts a deposit on the given tier. Tiers funded from balance debit
// the principal from the user; tiers with a duration expire after it.
func (s *Service) OpenDeposit(ctx context.Context, userId int64, tierId string, principal decimal.Decimal, now time.Time) (*models.Deposit, error) {
	tier, err := s.policy.Tier(tierId)
	if err != nil {
		return nil, err
	}
	if principal.LessThan(tier.MinPrincipal) {
		return nil, fmt.Errorf("%w: %s < %s on tier %s", ErrPrincipalTooSmall, principal, tier.MinPrincipal, tier.Id)
	}

	now = store.Normalize(now)
	params := store.OpenDepositParams{
		UserId:          userId,
		Kind:            tier.Kind,
		TierId:          tier.Id,
		Currency:        tier.Currency,
		Principal:       principal,
		RatePerSecond:   tier.RatePerSecond,
		FundFromBalance: tier.FundFromBalance,
		OpenedAt:        now,
	}
	if tier.Duration > 0 {
		expiresAt := now.Add(tier.Duration)
		params.ExpiresAt = &expiresAt
	}

	deposit, err := s.store.OpenDeposit(ctx, params)
	if err != nil {
		zap.L().Error("Failed to open deposit",
			zap.Int64("user_id", userId),
			zap.String("tier_id", tierId),
			zap.String("principal", principal.String()),
			zap.Error(err))
		return nil, err
	}
	return deposit, nil
}

// CloseDeposit credits the yield earned up to now, then deactivates the deposit
// and returns a funded principal. The referral fan-out for the final harvest is
// picked up by the next reward cycle.
func (s *Service) CloseDeposit(ctx context.Context, depositId string, now time.Time) (*models.Deposit, error) {
	now = store.Normalize(now)

	tail, err := s.accrueTail(ctx, depositId, now)
	if err != nil {
		return nil, err
	}

	deposit, err := s.store.CloseDeposit(ctx, store.CloseDepositParams{DepositId: depositId, ClosedAt: now})
	if err != nil {
		return nil, err
	}

	zap.L().Info("Deposit closed by user",
		zap.String("deposit_id", depositId),
		zap.Int64("user_id", deposit.UserId),
		zap.String("final_yield", tail.String()))
	return deposit, nil
}

// accrueTail credits the deposit up to now without deactivating it. A concurrent
// accrual moves the deposit's timestamp, so the tail is recomputed from a reload.
func (s *Service) accrueTail(ctx context.Context, depositId string, now time.Time) (decimal.Decimal, error) {
	for attempt := 1; ; attempt++ {
		deposit, err := s.store.GetDeposit(ctx, depositId)
		if err != nil {
			return decimal.Zero, err
		}
		if !deposit.Active {
			return decimal.Zero, fmt.Errorf("%w: %s", store.ErrDepositInactive, depositId)
		}

		accrueTo := store.Normalize(deposit.AccrualHorizon(now))
		elapsed := accrueTo.Sub(deposit.LastAccrualAt)
		if elapsed <= 0 {
			return decimal.Zero, nil
		}
		amount := accrual.ComputeYield(deposit.Principal, deposit.RatePerSecond, elapsed)

		_, err = s.store.AccrueDeposit(ctx, store.AccrueDepositParams{
			DepositId:             deposit.Id,
			ExpectedLastAccrualAt: deposit.LastAccrualAt,
			AccrueTo:              accrueTo,
			Amount:                amount,
		})
		switch {
		case err == nil:
			return amount, nil
		case errors.Is(err, store.ErrConcurrentAccrual) && attempt < tailAttempts:
			zap.L().Debug("Tail accrual raced with the engine, reloading", zap.String("deposit_id", depositId))
		default:
			return decimal.Zero, fmt.Errorf("failed to accrue deposit %s before close: %w", depositId, err)
		}
	}
}
