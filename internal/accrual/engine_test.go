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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"farm-ledger-go/internal/database"
	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/retry"
	"farm-ledger-go/internal/store"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) *database.Service {
	t.Helper()
	service, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "accrual.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		PingTimeout:  time.Second,
	}, models.PartitionConfig{
		Table:              "ledger_entries",
		Granularity:        "day",
		ForwardHorizonDays: 7,
		CatchAllEnabled:    true,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(service.Close)
	return service
}

func openDeposit(t *testing.T, s *database.Service, principal, rate string, expiresAt *time.Time) (*models.User, *models.Deposit) {
	t.Helper()
	ctx := context.Background()
	user, err := s.CreateUser(ctx, store.CreateUserParams{Username: "farmer", CreatedAt: t0})
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	deposit, err := s.OpenDeposit(ctx, store.OpenDepositParams{
		UserId:        user.Id,
		Kind:          models.DepositKindFarming,
		Currency:      models.CurrencyUNI,
		Principal:     decimal.RequireFromString(principal),
		RatePerSecond: decimal.RequireFromString(rate),
		ExpiresAt:     expiresAt,
		OpenedAt:      t0,
	})
	if err != nil {
		t.Fatalf("OpenDeposit failed: %v", err)
	}
	return user, deposit
}

func TestComputeYield(t *testing.T) {
	tests := []struct {
		principal string
		rate      string
		elapsed   time.Duration
		want      string
	}{
		{"1000", "0.00001", 24 * time.Hour, "864"},
		{"1000", "0.00001", 500 * time.Millisecond, "0.005"},
		{"10", "0.00000003", time.Second, "0.0000003"},
		{"1", "0.0000001157", 30 * 24 * time.Hour, "0.29989440"},
		{"1000", "0.00001", 0, "0"},
		{"1000", "0.00001", -time.Second, "0"},
	}

	for _, tt := range tests {
		got := ComputeYield(decimal.RequireFromString(tt.principal), decimal.RequireFromString(tt.rate), tt.elapsed)
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("ComputeYield(%s, %s, %s) = %s, want %s", tt.principal, tt.rate, tt.elapsed, got, tt.want)
		}
	}
}

func TestAccrueAll_CreditsExactYield(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	user, deposit := openDeposit(t, s, "1000", "0.00001", nil)

	engine := NewEngine(s, 4, retry.New(3, time.Millisecond))
	now := t0.Add(100 * time.Second)
	result, err := engine.AccrueAll(ctx, now)
	if err != nil {
		t.Fatalf("AccrueAll failed: %v", err)
	}
	if len(result.Accruals) != 1 {
		t.Fatalf("Expected 1 accrual, got %+v", result)
	}
	if !result.Accruals[0].Amount.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Expected yield 1, got %s", result.Accruals[0].Amount)
	}

	owner, _ := s.GetUser(ctx, user.Id)
	if !owner.BalanceUNI.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Expected balance 1, got %s", owner.BalanceUNI)
	}
	reloaded, _ := s.GetDeposit(ctx, deposit.Id)
	if !reloaded.LastAccrualAt.Equal(now) {
		t.Errorf("Expected last accrual %s, got %s", now, reloaded.LastAccrualAt)
	}
	if err := s.ReconcileUserBalance(ctx, user.Id, models.CurrencyUNI); err != nil {
		t.Errorf("Reconciliation failed: %v", err)
	}
}

func TestAccrueAll_NoDoubleAccrual(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	user, _ := openDeposit(t, s, "1000", "0.00001", nil)

	engine := NewEngine(s, 2, nil)
	now := t0.Add(time.Hour)
	if _, err := engine.AccrueAll(ctx, now); err != nil {
		t.Fatalf("First AccrueAll failed: %v", err)
	}
	second, err := engine.AccrueAll(ctx, now)
	if err != nil {
		t.Fatalf("Second AccrueAll failed: %v", err)
	}
	if len(second.Accruals) != 0 || second.Skipped != 1 {
		t.Errorf("Expected second run to skip, got %+v", second)
	}

	owner, _ := s.GetUser(ctx, user.Id)
	if !owner.BalanceUNI.Equal(decimal.NewFromInt(36)) {
		t.Errorf("Expected single credit of 36, got %s", owner.BalanceUNI)
	}
}

func TestAccrueAll_ConcurrentEngines(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	user, _ := openDeposit(t, s, "1000", "0.00001", nil)

	now := t0.Add(time.Hour)
	var wg sync.WaitGroup
	results := make([]*Result, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := NewEngine(s, 1, nil).AccrueAll(ctx, now)
			if err != nil {
				t.Errorf("AccrueAll failed: %v", err)
				return
			}
			results[i] = r
		}(i)
	}
	wg.Wait()

	accrued := 0
	for _, r := range results {
		if r != nil {
			accrued += len(r.Accruals)
			if len(r.Failures) != 0 {
				t.Errorf("Unexpected failures: %+v", r.Failures)
			}
		}
	}
	if accrued != 1 {
		t.Errorf("Expected exactly one engine to accrue, got %d", accrued)
	}

	owner, _ := s.GetUser(ctx, user.Id)
	if !owner.BalanceUNI.Equal(decimal.NewFromInt(36)) {
		t.Errorf("Expected single credit of 36, got %s", owner.BalanceUNI)
	}
}

func TestAccrueAll_StopsAtExpiry(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	expiresAt := t0.Add(time.Hour)
	user, deposit := openDeposit(t, s, "1000", "0.00001", &expiresAt)

	result, err := NewEngine(s, 1, nil).AccrueAll(ctx, t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("AccrueAll failed: %v", err)
	}
	if len(result.Accruals) != 1 || !result.Accruals[0].Deactivated {
		t.Fatalf("Expected one deactivating accrual, got %+v", result)
	}

	owner, _ := s.GetUser(ctx, user.Id)
	if !owner.BalanceUNI.Equal(decimal.NewFromInt(36)) {
		t.Errorf("Expected yield capped at expiry (36), got %s", owner.BalanceUNI)
	}
	reloaded, _ := s.GetDeposit(ctx, deposit.Id)
	if reloaded.Active || !reloaded.LastAccrualAt.Equal(expiresAt) {
		t.Errorf("Expected inactive deposit accrued to expiry, got %+v", reloaded)
	}
}

// failingStore fails accrual of one deposit and delegates everything else.
type failingStore struct {
	Store
	failDeposit string
}

func (f *failingStore) AccrueDeposit(ctx context.Context, params store.AccrueDepositParams) (*models.LedgerEntry, error) {
	if params.DepositId == f.failDeposit {
		return nil, errors.New("disk I/O error")
	}
	return f.Store.AccrueDeposit(ctx, params)
}

func TestAccrueAll_IsolatesFailures(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	_, bad := openDeposit(t, s, "1000", "0.00001", nil)
	_, good := openDeposit(t, s, "500", "0.00001", nil)

	engine := NewEngine(&failingStore{Store: s, failDeposit: bad.Id}, 2, nil)
	result, err := engine.AccrueAll(ctx, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("AccrueAll failed: %v", err)
	}
	if len(result.Failures) != 1 || result.Failures[0].DepositId != bad.Id {
		t.Errorf("Expected one failure for %s, got %+v", bad.Id, result.Failures)
	}
	if len(result.Accruals) != 1 || result.Accruals[0].Deposit.Id != good.Id {
		t.Errorf("Expected healthy deposit to accrue, got %+v", result.Accruals)
	}
}

// listedStore returns a fixed deposit list regardless of ctx.
type listedStore struct {
	Store
	deposits []models.Deposit
}

func (l *listedStore) GetActiveDeposits(ctx context.Context) ([]models.Deposit, error) {
	return l.deposits, nil
}

func TestAccrueAll_BudgetStopsNewWork(t *testing.T) {
	s := setupStore(t)
	_, d1 := openDeposit(t, s, "1000", "0.00001", nil)
	_, d2 := openDeposit(t, s, "1000", "0.00001", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := NewEngine(&listedStore{Store: s, deposits: []models.Deposit{*d1, *d2}}, 1, nil).AccrueAll(ctx, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("AccrueAll failed: %v", err)
	}
	if !result.BudgetExceeded || result.NotStarted != 2 || len(result.Accruals) != 0 {
		t.Errorf("Expected no deposits started after budget, got %+v", result)
	}
}
