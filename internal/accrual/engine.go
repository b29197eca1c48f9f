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

package accrual

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/retry"
	"farm-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// YieldPrecision is the number of fractional digits kept on every accrued amount.
const YieldPrecision = 18

// Store is the part of the ledger store the engine needs.
type Store interface {
	GetActiveDeposits(ctx context.Context) ([]models.Deposit, error)
	AccrueDeposit(ctx context.Context, params store.AccrueDepositParams) (*models.LedgerEntry, error)
}

// Accrual is one deposit advanced during a run. Entry is nil when the yield
// rounded to zero and only the accrual timestamp moved.
type Accrual struct {
	Deposit     models.Deposit
	Entry       *models.LedgerEntry
	Amount      decimal.Decimal
	AccruedTo   time.Time
	Deactivated bool
}

// Failure is a deposit whose accrual could not be committed.
type Failure struct {
	DepositId string
	UserId    int64
	Err       error
}

// Result collects the outcome of one AccrueAll run.
type Result struct {
	Accruals       []Accrual
	Skipped        int
	Conflicts      int
	Failures       []Failure
	NotStarted     int
	BudgetExceeded bool
}

// Total returns the sum of all credited yield per currency.
func (r *Result) Total() map[models.Currency]decimal.Decimal {
	totals := make(map[models.Currency]decimal.Decimal)
	for _, a := range r.Accruals {
		totals[a.Deposit.Currency] = totals[a.Deposit.Currency].Add(a.Amount)
	}
	return totals
}

type Engine struct {
	store   Store
	workers int
	retry   *retry.Policy
}

func NewEngine(s Store, workers int, policy *retry.Policy) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{store: s, workers: workers, retry: policy}
}

// ComputeYield returns principal * rate * elapsed seconds, truncated to YieldPrecision digits.
// Elapsed time is taken at microsecond resolution, the resolution timestamps are stored with.
func ComputeYield(principal, ratePerSecond decimal.Decimal, elapsed time.Duration) decimal.Decimal {
	if elapsed <= 0 {
		return decimal.Zero
	}
	seconds := decimal.New(elapsed.Microseconds(), -6)
	return principal.Mul(ratePerSecond).Mul(seconds).Truncate(YieldPrecision)
}

// AccrueAll accrues every active deposit up to now. Deposits are processed in
// parallel by a bounded pool; once ctx is done no new deposit is started, while
// accruals already running finish their commit. Only a failure to list deposits
// is returned as an error.
func (e *Engine) AccrueAll(ctx context.Context, now time.Time) (*Result, error) {
	now = store.Normalize(now)

	deposits, err := e.store.GetActiveDeposits(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active deposits: %w", err)
	}

	zap.L().Info("Starting accrual run",
		zap.Int("deposits", len(deposits)),
		zap.Int("workers", e.workers),
		zap.Time("now", now))

	result := &Result{}
	var mu sync.Mutex
	inflight := context.WithoutCancel(ctx)

	g := new(errgroup.Group)
	g.SetLimit(e.workers)
	for i, deposit := range deposits {
		if ctx.Err() != nil {
			result.BudgetExceeded = true
			result.NotStarted = len(deposits) - i
			zap.L().Warn("Accrual budget exhausted, deferring remaining deposits",
				zap.Int("not_started", result.NotStarted))
			break
		}
		deposit := deposit
		g.Go(func() error {
			accrual, outcome, err := e.accrueOne(inflight, deposit, now)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeAccrued:
				result.Accruals = append(result.Accruals, *accrual)
			case outcomeSkipped:
				result.Skipped++
			case outcomeConflict:
				result.Conflicts++
			case outcomeFailed:
				result.Failures = append(result.Failures, Failure{DepositId: deposit.Id, UserId: deposit.UserId, Err: err})
			}
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("Accrual run finished",
		zap.Int("accrued", len(result.Accruals)),
		zap.Int("skipped", result.Skipped),
		zap.Int("conflicts", result.Conflicts),
		zap.Int("failed", len(result.Failures)),
		zap.Bool("budget_exceeded", result.BudgetExceeded))
	return result, nil
}

type outcome int

const (
	outcomeAccrued outcome = iota
	outcomeSkipped
	outcomeConflict
	outcomeFailed
)

func (e *Engine) accrueOne(ctx context.Context, deposit models.Deposit, now time.Time) (*Accrual, outcome, error) {
	accrueTo := store.Normalize(deposit.AccrualHorizon(now))
	elapsed := accrueTo.Sub(deposit.LastAccrualAt)
	deactivate := deposit.Expired(now)

	if elapsed <= 0 {
		if !deactivate {
			return nil, outcomeSkipped, nil
		}
		// Expired with nothing left to accrue: only deactivate.
		accrueTo = deposit.LastAccrualAt
	}

	amount := ComputeYield(deposit.Principal, deposit.RatePerSecond, elapsed)
	params := store.AccrueDepositParams{
		DepositId:             deposit.Id,
		ExpectedLastAccrualAt: deposit.LastAccrualAt,
		AccrueTo:              accrueTo,
		Amount:                amount,
		Deactivate:            deactivate,
	}

	var entry *models.LedgerEntry
	err := e.retry.Do(ctx, "accrue deposit", func(ctx context.Context) error {
		var err error
		entry, err = e.store.AccrueDeposit(ctx, params)
		return err
	})
	switch {
	case errors.Is(err, store.ErrConcurrentAccrual):
		zap.L().Debug("Deposit already accrued by another worker",
			zap.String("deposit_id", deposit.Id),
			zap.Time("expected_last_accrual", deposit.LastAccrualAt))
		return nil, outcomeConflict, nil
	case err != nil:
		zap.L().Error("Failed to accrue deposit",
			zap.String("deposit_id", deposit.Id),
			zap.Int64("user_id", deposit.UserId),
			zap.String("amount", amount.String()),
			zap.Error(err))
		return nil, outcomeFailed, err
	}

	if entry == nil {
		return nil, outcomeSkipped, nil
	}

	zap.L().Info("Deposit accrued",
		zap.String("deposit_id", deposit.Id),
		zap.Int64("user_id", deposit.UserId),
		zap.String("currency", string(deposit.Currency)),
		zap.String("amount", amount.String()),
		zap.Time("accrued_to", accrueTo),
		zap.Bool("deactivated", deactivate))
	return &Accrual{
		Deposit:     deposit,
		Entry:       entry,
		Amount:      amount,
		AccruedTo:   accrueTo,
		Deactivated: deactivate,
	}, outcomeAccrued, nil
}
