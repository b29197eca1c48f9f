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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"farm-ledger-go/internal/accrual"
	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/referral"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrCycleInProgress is returned when a cycle is triggered while another one runs.
var ErrCycleInProgress = errors.New("reward cycle already running")

const defaultDistributionBatch = 500

type Accruer interface {
	AccrueAll(ctx context.Context, now time.Time) (*accrual.Result, error)
}

type Distributor interface {
	Distribute(ctx context.Context, params referral.DistributeParams) (*referral.Result, error)
}

// Outbox holds harvests whose referral fan-out has not completed.
type Outbox interface {
	ListPendingDistributions(ctx context.Context, limit int) ([]models.PendingDistribution, error)
	CompleteDistribution(ctx context.Context, eventRef string, status models.DistributionStatus, lastError string) error
}

// Guard excludes cycles running in other processes. ok is false when another
// holder owns the guard.
type Guard interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// Reporter receives every finished cycle report.
type Reporter interface {
	Report(ctx context.Context, report *models.CycleReport) error
}

// Config contains configuration for an Orchestrator
type Config struct {
	Accruer           Accruer
	Distributor       Distributor
	Outbox            Outbox
	Guard             Guard
	Reporters         []Reporter
	Budget            time.Duration
	DistributionBatch int
}

// Orchestrator runs reward cycles: accrue every deposit, then fan each harvest
// out to the owner's upline. At most one cycle runs at a time.
type Orchestrator struct {
	accruer     Accruer
	distributor Distributor
	outbox      Outbox
	guard       Guard
	reporters   []Reporter
	budget      time.Duration
	batch       int
	clock       func() time.Time

	running atomic.Bool
	mutex   sync.RWMutex
	state   models.CycleState
	last    *models.CycleReport
}

func New(cfg Config) *Orchestrator {
	batch := cfg.DistributionBatch
	if batch <= 0 {
		batch = defaultDistributionBatch
	}
	return &Orchestrator{
		accruer:     cfg.Accruer,
		distributor: cfg.Distributor,
		outbox:      cfg.Outbox,
		guard:       cfg.Guard,
		reporters:   cfg.Reporters,
		budget:      cfg.Budget,
		batch:       batch,
		clock:       time.Now,
		state:       models.CycleIdle,
	}
}

// State returns the state of the current or most recent cycle.
func (o *Orchestrator) State() models.CycleState {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return o.state
}

// LastReport returns the most recent finished cycle report, or nil before the first cycle.
func (o *Orchestrator) LastReport() *models.CycleReport {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return o.last
}

// Tick runs one cycle for a scheduler, swallowing coalesced triggers.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) {
	if _, err := o.RunCycle(ctx, now); err != nil && !errors.Is(err, ErrCycleInProgress) {
		zap.L().Error("Reward cycle failed", zap.Error(err))
	}
}

// RunCycle accrues all deposits up to now and distributes referral rewards for
// every harvest, then drains harvests left over from earlier cycles. Individual
// failures are recorded in the report; an error is returned only when the cycle
// could not run at all.
func (o *Orchestrator) RunCycle(ctx context.Context, now time.Time) (*models.CycleReport, error) {
	if !o.running.CompareAndSwap(false, true) {
		zap.L().Info("Reward cycle already running, skipping trigger")
		return nil, ErrCycleInProgress
	}
	defer o.running.Store(false)

	if o.guard != nil {
		release, ok, err := o.guard.TryAcquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire cycle guard: %w", err)
		}
		if !ok {
			zap.L().Info("Reward cycle running in another process, skipping trigger")
			return nil, ErrCycleInProgress
		}
		defer release()
	}

	report := &models.CycleReport{
		CycleId:       uuid.New().String(),
		State:         models.CycleRunning,
		StartedAt:     o.clock().UTC(),
		AccruedAmount: decimal.Zero,
		Errors:        []models.CycleError{},
	}
	o.setState(models.CycleRunning)

	log := zap.L().With(zap.String("cycle_id", report.CycleId))
	log.Info("Reward cycle started", zap.Time("now", now))

	budgetCtx, cancel := o.withBudget(ctx)
	defer cancel()

	runErr := o.run(budgetCtx, now, report)

	report.FinishedAt = o.clock().UTC()
	switch {
	case runErr != nil:
		report.State = models.CycleFailed
		report.Errors = append(report.Errors, models.CycleError{Stage: models.StageCycle, Message: runErr.Error()})
	case len(report.Errors) > 0:
		report.State = models.CycleFailed
	default:
		report.State = models.CycleCompleted
	}
	o.finish(report)

	log.Info("Reward cycle finished",
		zap.String("state", string(report.State)),
		zap.Int("accrued", report.AccruedCount),
		zap.String("accrued_amount", report.AccruedAmount.String()),
		zap.Int("distributions", report.DistributionsProcessed),
		zap.Int("referral_credits", report.ReferralCreditsApplied),
		zap.Int("errors", len(report.Errors)),
		zap.Duration("duration", report.Duration()))

	o.publish(context.WithoutCancel(ctx), report)
	if runErr != nil {
		return report, runErr
	}
	return report, nil
}

func (o *Orchestrator) withBudget(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.budget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.budget)
}

// run drives one cycle. ctx carries the budget; once it is done no new deposit
// or distribution is started, and unfinished harvests stay in the outbox.
func (o *Orchestrator) run(ctx context.Context, now time.Time, report *models.CycleReport) error {
	result, err := o.accruer.AccrueAll(ctx, now)
	if err != nil {
		return err
	}

	report.AccruedCount = len(result.Accruals)
	report.SkippedCount = result.Skipped
	report.ConflictCount = result.Conflicts
	report.BudgetExceeded = result.BudgetExceeded
	for _, a := range result.Accruals {
		report.AccruedAmount = report.AccruedAmount.Add(a.Amount)
	}
	for _, f := range result.Failures {
		report.Errors = append(report.Errors, models.CycleError{
			Stage:     models.StageAccrual,
			DepositId: f.DepositId,
			UserId:    f.UserId,
			Message:   f.Err.Error(),
		})
	}

	inflight := context.WithoutCancel(ctx)
	handled := make(map[string]bool)
	for _, a := range result.Accruals {
		if a.Entry == nil {
			continue
		}
		if ctx.Err() != nil {
			report.BudgetExceeded = true
			return nil
		}
		handled[a.Entry.Id] = true
		o.distribute(inflight, report, models.PendingDistribution{
			EventRef:     a.Entry.Id,
			SourceUserId: a.Deposit.UserId,
			Currency:     a.Deposit.Currency,
			Amount:       a.Amount,
			OccurredAt:   a.AccruedTo,
		})
	}

	if ctx.Err() != nil {
		report.BudgetExceeded = true
		return nil
	}
	pending, err := o.outbox.ListPendingDistributions(ctx, o.batch)
	if err != nil {
		report.Errors = append(report.Errors, models.CycleError{
			Stage:   models.StageDistribution,
			Message: fmt.Sprintf("failed to list pending distributions: %v", err),
		})
		return nil
	}
	for _, p := range pending {
		if handled[p.EventRef] {
			continue
		}
		if ctx.Err() != nil {
			report.BudgetExceeded = true
			return nil
		}
		zap.L().Info("Retrying outstanding referral distribution",
			zap.String("event_ref", p.EventRef),
			zap.Int("attempts", p.Attempts),
			zap.String("last_error", p.LastError))
		o.distribute(inflight, report, p)
	}
	return nil
}

func (o *Orchestrator) distribute(ctx context.Context, report *models.CycleReport, p models.PendingDistribution) {
	report.DistributionsProcessed++

	result, err := o.distributor.Distribute(ctx, referral.DistributeParams{
		SourceUserId: p.SourceUserId,
		Amount:       p.Amount,
		Currency:     p.Currency,
		EventRef:     p.EventRef,
		OccurredAt:   p.OccurredAt,
	})
	if err != nil {
		report.Errors = append(report.Errors, models.CycleError{
			Stage:    models.StageDistribution,
			UserId:   p.SourceUserId,
			EventRef: p.EventRef,
			Message:  err.Error(),
		})
		o.complete(ctx, p.EventRef, models.DistributionPending, err.Error())
		return
	}

	report.ReferralCreditsApplied += result.Applied()
	failed := result.Failed()
	for _, c := range failed {
		report.Errors = append(report.Errors, models.CycleError{
			Stage:      models.StageDistribution,
			UserId:     p.SourceUserId,
			AncestorId: c.AncestorId,
			EventRef:   p.EventRef,
			Message:    c.Err.Error(),
		})
	}

	lastError := ""
	if result.ResolutionErr != nil {
		lastError = result.ResolutionErr.Error()
		report.Errors = append(report.Errors, models.CycleError{
			Stage:    models.StageResolution,
			UserId:   p.SourceUserId,
			EventRef: p.EventRef,
			Message:  lastError,
		})
	}

	// Ancestors beyond a broken upline link are skipped rather than retried.
	status := models.DistributionCompleted
	if len(failed) > 0 {
		status = models.DistributionPartial
		lastError = failed[0].Err.Error()
	}
	o.complete(ctx, p.EventRef, status, lastError)
}

func (o *Orchestrator) complete(ctx context.Context, eventRef string, status models.DistributionStatus, lastError string) {
	if err := o.outbox.CompleteDistribution(ctx, eventRef, status, lastError); err != nil {
		zap.L().Warn("Failed to update distribution outbox",
			zap.String("event_ref", eventRef),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (o *Orchestrator) setState(state models.CycleState) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.state = state
}

func (o *Orchestrator) finish(report *models.CycleReport) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.state = report.State
	o.last = report
}

func (o *Orchestrator) publish(ctx context.Context, report *models.CycleReport) {
	for _, r := range o.reporters {
		if err := r.Report(ctx, report); err != nil {
			zap.L().Warn("Failed to publish cycle report",
				zap.String("cycle_id", report.CycleId),
				zap.Error(err))
		}
	}
}
