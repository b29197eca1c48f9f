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

package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"farm-ledger-go/internal/accrual"
	"farm-ledger-go/internal/database"
	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/policy"
	"farm-ledger-go/internal/referral"
	"farm-ledger-go/internal/retry"
	"farm-ledger-go/internal/store"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) *database.Service {
	t.Helper()
	service, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "orchestrator.db"),
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

func createUser(t *testing.T, s *database.Service, name, inviterCode string) *models.User {
	t.Helper()
	user, err := s.CreateUser(context.Background(), store.CreateUserParams{Username: name, InviterCode: inviterCode, CreatedAt: t0})
	if err != nil {
		t.Fatalf("CreateUser(%s) failed: %v", name, err)
	}
	return user
}

func openDeposit(t *testing.T, s *database.Service, userId int64, principal, rate string) {
	t.Helper()
	_, err := s.OpenDeposit(context.Background(), store.OpenDepositParams{
		UserId:        userId,
		Kind:          models.DepositKindFarming,
		Currency:      models.CurrencyUNI,
		Principal:     decimal.RequireFromString(principal),
		RatePerSecond: decimal.RequireFromString(rate),
		OpenedAt:      t0,
	})
	if err != nil {
		t.Fatalf("OpenDeposit failed: %v", err)
	}
}

func newOrchestrator(t *testing.T, s referral.Store, accrualStore accrual.Store, outbox Outbox, rates ...string) *Orchestrator {
	t.Helper()
	schedule, err := policy.NewLevelSchedule(store.MaxUplineDepth, rates...)
	if err != nil {
		t.Fatalf("NewLevelSchedule failed: %v", err)
	}
	return New(Config{
		Accruer:     accrual.NewEngine(accrualStore, 2, nil),
		Distributor: referral.NewDistributor(s, schedule, retry.New(2, time.Millisecond)),
		Outbox:      outbox,
	})
}

func entries(t *testing.T, s *database.Service, userId int64) []models.LedgerEntry {
	t.Helper()
	list, err := s.ListEntries(context.Background(), userId, models.EntryFilter{}, models.Page{Limit: 100})
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	return list
}

func balance(t *testing.T, s *database.Service, userId int64) decimal.Decimal {
	t.Helper()
	user, err := s.GetUser(context.Background(), userId)
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	return user.BalanceUNI
}

// reconcile checks every user's UNI balance against its confirmed ledger entries.
func reconcile(t *testing.T, s *database.Service, users ...*models.User) {
	t.Helper()
	for _, u := range users {
		if err := s.ReconcileUserBalance(context.Background(), u.Id, models.CurrencyUNI); err != nil {
			t.Errorf("Reconciliation failed for %s: %v", u.Username, err)
		}
	}
}

type recordingReporter struct {
	mutex   sync.Mutex
	reports []*models.CycleReport
}

func (r *recordingReporter) Report(ctx context.Context, report *models.CycleReport) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

func TestRunCycle_HarvestAndReferral(t *testing.T) {
	s := setupStore(t)
	inviter := createUser(t, s, "alice", "")
	invitee := createUser(t, s, "bob", inviter.ReferralCode)
	openDeposit(t, s, invitee.Id, "1000", "0.001")

	reporter := &recordingReporter{}
	o := newOrchestrator(t, s, s, s, "0.10")
	o.reporters = []Reporter{reporter}

	if o.State() != models.CycleIdle || o.LastReport() != nil {
		t.Fatal("Expected idle orchestrator before the first cycle")
	}

	report, err := o.RunCycle(context.Background(), t0.Add(100*time.Second))
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if report.State != models.CycleCompleted || len(report.Errors) != 0 {
		t.Fatalf("Expected completed cycle without errors, got %+v", report)
	}
	if report.AccruedCount != 1 || !report.AccruedAmount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected one accrual of 100, got %d / %s", report.AccruedCount, report.AccruedAmount)
	}
	if report.ReferralCreditsApplied != 1 || report.DistributionsProcessed != 1 {
		t.Errorf("Expected one distribution with one credit, got %+v", report)
	}

	if got := balance(t, s, invitee.Id); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected invitee balance 100, got %s", got)
	}
	if got := balance(t, s, inviter.Id); !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected inviter balance 10, got %s", got)
	}

	inviteeEntries := entries(t, s, invitee.Id)
	inviterEntries := entries(t, s, inviter.Id)
	if len(inviteeEntries)+len(inviterEntries) != 2 {
		t.Fatalf("Expected exactly 2 ledger entries, got %d", len(inviteeEntries)+len(inviterEntries))
	}
	if inviteeEntries[0].Type != models.EntryTypeHarvest {
		t.Errorf("Expected harvest entry for invitee, got %s", inviteeEntries[0].Type)
	}
	bonus := inviterEntries[0]
	if bonus.Type != models.EntryTypeReferralBonus || bonus.SourceUserId != invitee.Id || bonus.Level != 1 || bonus.EventRef != inviteeEntries[0].Id {
		t.Errorf("Unexpected referral entry %+v", bonus)
	}

	pending, err := s.ListPendingDistributions(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListPendingDistributions failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected empty outbox, got %+v", pending)
	}

	if o.State() != models.CycleCompleted || o.LastReport() != report {
		t.Error("Expected last report to be retained")
	}
	if len(reporter.reports) != 1 || reporter.reports[0].CycleId != report.CycleId {
		t.Errorf("Expected report to be published once, got %d", len(reporter.reports))
	}

	// A second cycle at the same instant has nothing left to do.
	again, err := o.RunCycle(context.Background(), t0.Add(100*time.Second))
	if err != nil {
		t.Fatalf("Second RunCycle failed: %v", err)
	}
	if again.AccruedCount != 0 || again.ReferralCreditsApplied != 0 {
		t.Errorf("Expected idempotent second cycle, got %+v", again)
	}
	if again.CycleId == report.CycleId {
		t.Error("Expected a fresh cycle id")
	}
	reconcile(t, s, inviter, invitee)
}

// failingCredits fails every referral credit for one ancestor until healed.
type failingCredits struct {
	*database.Service
	mutex   sync.Mutex
	failFor int64
	healed  bool
}

func (f *failingCredits) ApplyEntry(ctx context.Context, params store.EntryParams) (*models.LedgerEntry, error) {
	f.mutex.Lock()
	fail := params.UserId == f.failFor && !f.healed
	f.mutex.Unlock()
	if fail {
		return nil, &store.TransientError{Op: "apply entry", Err: errors.New("connection refused")}
	}
	return f.Service.ApplyEntry(ctx, params)
}

func (f *failingCredits) heal() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.healed = true
}

func TestRunCycle_PartialDistributionFailure(t *testing.T) {
	s := setupStore(t)
	root := createUser(t, s, "root", "")
	middle := createUser(t, s, "middle", root.ReferralCode)
	leaf := createUser(t, s, "leaf", middle.ReferralCode)
	openDeposit(t, s, leaf.Id, "1000", "0.001")

	flaky := &failingCredits{Service: s, failFor: root.Id}
	o := newOrchestrator(t, flaky, s, s, "0.10", "0.05")

	now := t0.Add(100 * time.Second)
	report, err := o.RunCycle(context.Background(), now)
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if report.State != models.CycleFailed {
		t.Errorf("Expected failed state, got %s", report.State)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("Expected exactly 1 cycle error, got %+v", report.Errors)
	}
	if cerr := report.Errors[0]; cerr.AncestorId != root.Id || cerr.Stage != models.StageDistribution {
		t.Errorf("Expected distribution error for ancestor %d, got %+v", root.Id, cerr)
	}

	if got := balance(t, s, leaf.Id); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Harvest must survive the failed credit, got %s", got)
	}
	if got := balance(t, s, middle.Id); !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Expected level-1 credit 10, got %s", got)
	}
	if got := balance(t, s, root.Id); !got.IsZero() {
		t.Errorf("Expected no level-2 credit yet, got %s", got)
	}

	pending, err := s.ListPendingDistributions(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListPendingDistributions failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Status != models.DistributionPartial || pending[0].LastError == "" {
		t.Fatalf("Expected one partial outbox row, got %+v", pending)
	}

	flaky.heal()
	retried, err := o.RunCycle(context.Background(), now)
	if err != nil {
		t.Fatalf("Retry RunCycle failed: %v", err)
	}
	if retried.State != models.CycleCompleted || retried.ReferralCreditsApplied != 1 {
		t.Errorf("Expected the drain to apply the missing credit, got %+v", retried)
	}
	if got := balance(t, s, root.Id); !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Expected level-2 credit 5, got %s", got)
	}
	if got := balance(t, s, middle.Id); !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Level-1 credit must not be repeated, got %s", got)
	}
	reconcile(t, s, root, middle, leaf)
}

// blockingAccruer holds the first cycle open until released.
type blockingAccruer struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingAccruer) AccrueAll(ctx context.Context, now time.Time) (*accrual.Result, error) {
	close(b.entered)
	<-b.release
	return &accrual.Result{}, nil
}

type emptyOutbox struct{}

func (emptyOutbox) ListPendingDistributions(ctx context.Context, limit int) ([]models.PendingDistribution, error) {
	return nil, nil
}

func (emptyOutbox) CompleteDistribution(ctx context.Context, eventRef string, status models.DistributionStatus, lastError string) error {
	return nil
}

func TestRunCycle_CoalescesConcurrentTriggers(t *testing.T) {
	accruer := &blockingAccruer{entered: make(chan struct{}), release: make(chan struct{})}
	o := New(Config{Accruer: accruer, Outbox: emptyOutbox{}})

	done := make(chan error, 1)
	go func() {
		_, err := o.RunCycle(context.Background(), t0)
		done <- err
	}()
	<-accruer.entered

	if o.State() != models.CycleRunning {
		t.Errorf("Expected running state, got %s", o.State())
	}
	if _, err := o.RunCycle(context.Background(), t0); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("Expected ErrCycleInProgress, got %v", err)
	}

	close(accruer.release)
	if err := <-done; err != nil {
		t.Fatalf("First cycle failed: %v", err)
	}
	if o.State() != models.CycleCompleted {
		t.Errorf("Expected completed state, got %s", o.State())
	}
}

type deniedGuard struct{}

func (deniedGuard) TryAcquire(ctx context.Context) (func(), bool, error) {
	return nil, false, nil
}

func TestRunCycle_SkipsWhenGuardHeldElsewhere(t *testing.T) {
	o := New(Config{Accruer: &blockingAccruer{}, Outbox: emptyOutbox{}, Guard: deniedGuard{}})
	if _, err := o.RunCycle(context.Background(), t0); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("Expected ErrCycleInProgress, got %v", err)
	}
	if o.State() != models.CycleIdle {
		t.Errorf("Expected idle state, got %s", o.State())
	}
}

type brokenAccruer struct{}

func (brokenAccruer) AccrueAll(ctx context.Context, now time.Time) (*accrual.Result, error) {
	return nil, errors.New("deposits unavailable")
}

func TestRunCycle_AccrualListFailure(t *testing.T) {
	o := New(Config{Accruer: brokenAccruer{}, Outbox: emptyOutbox{}})
	report, err := o.RunCycle(context.Background(), t0)
	if err == nil {
		t.Fatal("Expected error when deposits cannot be listed")
	}
	if report == nil || report.State != models.CycleFailed || len(report.Errors) != 1 || report.Errors[0].Stage != models.StageCycle {
		t.Errorf("Unexpected report %+v", report)
	}
}
