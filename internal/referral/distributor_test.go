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

package referral

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"farm-ledger-go/internal/database"
	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/policy"
	"farm-ledger-go/internal/retry"
	"farm-ledger-go/internal/store"

	"github.com/shopspring/decimal"
)

func setupStore(t *testing.T) *database.Service {
	t.Helper()
	service, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "referral.db"),
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

// buildChain registers depth users, each invited by the previous one, and returns
// them root first. The last user is the reward source.
func buildChain(t *testing.T, s *database.Service, depth int) []*models.User {
	t.Helper()
	var users []*models.User
	code := ""
	for i := 0; i < depth; i++ {
		user, err := s.CreateUser(context.Background(), store.CreateUserParams{Username: "member", InviterCode: code})
		if err != nil {
			t.Fatalf("CreateUser failed: %v", err)
		}
		users = append(users, user)
		code = user.ReferralCode
	}
	return users
}

func schedule(t *testing.T, rates ...string) *policy.LevelSchedule {
	t.Helper()
	s, err := policy.NewLevelSchedule(store.MaxUplineDepth, rates...)
	if err != nil {
		t.Fatalf("NewLevelSchedule failed: %v", err)
	}
	return s
}

func balance(t *testing.T, s *database.Service, userId int64) decimal.Decimal {
	t.Helper()
	user, err := s.GetUser(context.Background(), userId)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	return user.BalanceUNI
}

func TestDistribute_FanOutSum(t *testing.T) {
	s := setupStore(t)
	chain := buildChain(t, s, 4)
	source := chain[3]

	d := NewDistributor(s, schedule(t, "0.10", "0.05", "0.02"), nil)
	result, err := d.Distribute(context.Background(), DistributeParams{
		SourceUserId: source.Id,
		Amount:       decimal.NewFromInt(100),
		Currency:     models.CurrencyUNI,
		EventRef:     "harvest-1",
	})
	if err != nil {
		t.Fatalf("Distribute failed: %v", err)
	}
	if !result.Complete() || result.Applied() != 3 {
		t.Fatalf("Expected 3 applied credits, got %+v", result)
	}
	if !result.Total().Equal(decimal.NewFromInt(17)) {
		t.Errorf("Expected total 17, got %s", result.Total())
	}

	want := []string{"10", "5", "2"}
	for i, ancestor := range []*models.User{chain[2], chain[1], chain[0]} {
		got := balance(t, s, ancestor.Id)
		if !got.Equal(decimal.RequireFromString(want[i])) {
			t.Errorf("Level %d ancestor: expected %s, got %s", i+1, want[i], got)
		}
	}
	if !balance(t, s, source.Id).IsZero() {
		t.Error("Source user must not be credited")
	}

	entries, _ := s.ListEntries(context.Background(), chain[2].Id, models.EntryFilter{}, models.Page{Limit: 10})
	if len(entries) != 1 || entries[0].SourceUserId != source.Id || entries[0].Level != 1 || entries[0].Type != models.EntryTypeReferralBonus {
		t.Errorf("Unexpected referral entry %+v", entries)
	}
}

func TestDistribute_Idempotent(t *testing.T) {
	s := setupStore(t)
	chain := buildChain(t, s, 3)
	d := NewDistributor(s, schedule(t, "0.10", "0.05"), nil)
	params := DistributeParams{
		SourceUserId: chain[2].Id,
		Amount:       decimal.NewFromInt(50),
		Currency:     models.CurrencyUNI,
		EventRef:     "harvest-2",
	}

	if _, err := d.Distribute(context.Background(), params); err != nil {
		t.Fatalf("First Distribute failed: %v", err)
	}
	again, err := d.Distribute(context.Background(), params)
	if err != nil {
		t.Fatalf("Second Distribute failed: %v", err)
	}
	if again.Applied() != 0 {
		t.Errorf("Expected no new credits, got %d", again.Applied())
	}
	for _, c := range again.Credits {
		if c.Status != CreditAlreadyApplied {
			t.Errorf("Ancestor %d has status %s", c.AncestorId, c.Status)
		}
	}

	if got := balance(t, s, chain[1].Id); !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Expected level-1 balance 5, got %s", got)
	}
	if got := balance(t, s, chain[0].Id); !got.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("Expected level-2 balance 2.5, got %s", got)
	}
}

// flakyStore fails every credit for one ancestor with a transient error.
type flakyStore struct {
	Store
	failFor int64
	calls   int
}

func (f *flakyStore) ApplyEntry(ctx context.Context, params store.EntryParams) (*models.LedgerEntry, error) {
	if params.UserId == f.failFor {
		f.calls++
		return nil, &store.TransientError{Op: "apply entry", Err: errors.New("connection reset by peer")}
	}
	return f.Store.ApplyEntry(ctx, params)
}

func TestDistribute_PartialFailure(t *testing.T) {
	s := setupStore(t)
	chain := buildChain(t, s, 6)
	source := chain[5]
	third := chain[2] // level 3

	flaky := &flakyStore{Store: s, failFor: third.Id}
	sched := schedule(t, "0.10", "0.05", "0.02", "0.02", "0.01")
	d := NewDistributor(flaky, sched, retry.New(2, time.Millisecond))
	params := DistributeParams{
		SourceUserId: source.Id,
		Amount:       decimal.NewFromInt(100),
		Currency:     models.CurrencyUNI,
		EventRef:     "harvest-3",
	}

	result, err := d.Distribute(context.Background(), params)
	if err != nil {
		t.Fatalf("Distribute failed: %v", err)
	}
	failed := result.Failed()
	if len(failed) != 1 || failed[0].AncestorId != third.Id || failed[0].Level != 3 {
		t.Fatalf("Expected single failure for ancestor %d, got %+v", third.Id, failed)
	}
	if !store.IsTransient(failed[0].Err) {
		t.Errorf("Expected transient error, got %v", failed[0].Err)
	}
	if flaky.calls != 2 {
		t.Errorf("Expected 2 attempts for the failing ancestor, got %d", flaky.calls)
	}
	if result.Applied() != 4 {
		t.Errorf("Expected 4 credited ancestors, got %d", result.Applied())
	}

	// Re-running against a healthy store fills in only the missing credit.
	retried, err := NewDistributor(s, sched, nil).Distribute(context.Background(), params)
	if err != nil {
		t.Fatalf("Retry Distribute failed: %v", err)
	}
	if retried.Applied() != 1 || !retried.Complete() {
		t.Errorf("Expected exactly one new credit, got %+v", retried)
	}
	if got := balance(t, s, third.Id); !got.Equal(decimal.NewFromInt(2)) {
		t.Errorf("Expected level-3 balance 2, got %s", got)
	}
}

// stubStore serves a fixed upline and records credits in memory.
type stubStore struct {
	upline  []models.User
	err     error
	applied map[int64]decimal.Decimal
}

func (s *stubStore) GetUplineChain(ctx context.Context, userId int64, maxDepth int) ([]models.User, error) {
	return s.upline, s.err
}

func (s *stubStore) HasEntryForEvent(ctx context.Context, eventRef string, userId int64, entryType models.EntryType) (bool, error) {
	_, ok := s.applied[userId]
	return ok, nil
}

func (s *stubStore) ApplyEntry(ctx context.Context, params store.EntryParams) (*models.LedgerEntry, error) {
	s.applied[params.UserId] = params.Amount
	return &models.LedgerEntry{Id: "entry", UserId: params.UserId, Amount: params.Amount}, nil
}

func TestDistribute_ResolutionErrorKeepsPrefix(t *testing.T) {
	stub := &stubStore{
		upline:  []models.User{{Id: 2}, {Id: 3}},
		err:     &store.AncestorResolutionError{UserId: 3, Depth: 3, Err: store.ErrAncestorCycle},
		applied: map[int64]decimal.Decimal{},
	}
	d := NewDistributor(stub, schedule(t, "0.10", "0.05", "0.02"), nil)

	result, err := d.Distribute(context.Background(), DistributeParams{
		SourceUserId: 1,
		Amount:       decimal.NewFromInt(10),
		Currency:     models.CurrencyTON,
		EventRef:     "harvest-4",
	})
	if err != nil {
		t.Fatalf("Distribute failed: %v", err)
	}
	if !errors.Is(result.ResolutionErr, store.ErrAncestorCycle) {
		t.Errorf("Expected cycle resolution error, got %v", result.ResolutionErr)
	}
	if result.Complete() {
		t.Error("Result with a resolution error must not be complete")
	}
	if len(stub.applied) != 2 || !stub.applied[2].Equal(decimal.NewFromInt(1)) || !stub.applied[3].Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("Unexpected credits %v", stub.applied)
	}
}

func TestDistribute_RejectsMissingEventRef(t *testing.T) {
	d := NewDistributor(&stubStore{applied: map[int64]decimal.Decimal{}}, schedule(t, "0.1"), nil)
	result, err := d.Distribute(context.Background(), DistributeParams{SourceUserId: 1, Amount: decimal.NewFromInt(1)})
	if err == nil {
		t.Error("Expected error for empty event ref")
	}
	if result != nil {
		t.Errorf("Expected no result for empty event ref, got %+v", result)
	}

	// Validation runs before the zero-amount shortcut.
	result, err = d.Distribute(context.Background(), DistributeParams{SourceUserId: 1})
	if err == nil || result != nil {
		t.Errorf("Expected rejection of empty event ref with zero amount, got %+v, %v", result, err)
	}
}
