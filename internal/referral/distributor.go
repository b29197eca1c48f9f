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
	"fmt"
	"time"

	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/retry"
	"farm-ledger-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SharePrecision is the number of fractional digits kept on every referral share.
const SharePrecision = 18

// Store is the part of the ledger store the distributor needs.
type Store interface {
	GetUplineChain(ctx context.Context, userId int64, maxDepth int) ([]models.User, error)
	HasEntryForEvent(ctx context.Context, eventRef string, userId int64, entryType models.EntryType) (bool, error)
	ApplyEntry(ctx context.Context, params store.EntryParams) (*models.LedgerEntry, error)
}

// Schedule maps an upline level (1 = direct inviter) to its share of the reward.
type Schedule interface {
	RateForLevel(level int) decimal.Decimal
	MaxDepth() int
}

type DistributeParams struct {
	SourceUserId int64
	Amount       decimal.Decimal
	Currency     models.Currency
	EventRef     string
	OccurredAt   time.Time
}

type CreditStatus string

const (
	CreditApplied        CreditStatus = "applied"
	CreditAlreadyApplied CreditStatus = "already_applied"
	CreditZeroShare      CreditStatus = "zero_share"
	CreditFailed         CreditStatus = "failed"
)

// Credit is the outcome for one ancestor.
type Credit struct {
	AncestorId int64
	Level      int
	Share      decimal.Decimal
	Status     CreditStatus
	EntryId    string
	Err        error
}

// Result lists per-ancestor outcomes. ResolutionErr is set when the upline walk
// stopped early; the ancestors resolved before it were still credited.
type Result struct {
	EventRef      string
	Credits       []Credit
	ResolutionErr error
}

// Applied returns the number of credits written by this call.
func (r *Result) Applied() int {
	n := 0
	for _, c := range r.Credits {
		if c.Status == CreditApplied {
			n++
		}
	}
	return n
}

func (r *Result) Failed() []Credit {
	var failed []Credit
	for _, c := range r.Credits {
		if c.Status == CreditFailed {
			failed = append(failed, c)
		}
	}
	return failed
}

// Complete reports whether every reachable ancestor now holds its credit.
func (r *Result) Complete() bool {
	return r.ResolutionErr == nil && len(r.Failed()) == 0
}

// Total returns the sum of shares credited by this call.
func (r *Result) Total() decimal.Decimal {
	total := decimal.Zero
	for _, c := range r.Credits {
		if c.Status == CreditApplied {
			total = total.Add(c.Share)
		}
	}
	return total
}

type Distributor struct {
	store    Store
	schedule Schedule
	retry    *retry.Policy
}

func NewDistributor(s Store, schedule Schedule, policy *retry.Policy) *Distributor {
	return &Distributor{store: s, schedule: schedule, retry: policy}
}

// Distribute credits every ancestor of the source user with its level's share of
// the amount. Each (eventRef, ancestor) pair is written at most once, so calling
// it again after a partial failure only fills in the missing credits. A failed
// ancestor does not stop the others.
func (d *Distributor) Distribute(ctx context.Context, params DistributeParams) (*Result, error) {
	if params.EventRef == "" {
		return nil, fmt.Errorf("distribution requires an event ref")
	}
	result := &Result{EventRef: params.EventRef}
	if !params.Amount.IsPositive() {
		return result, nil
	}

	var upline []models.User
	err := d.retry.Do(ctx, "resolve upline", func(ctx context.Context) error {
		var err error
		upline, err = d.store.GetUplineChain(ctx, params.SourceUserId, d.schedule.MaxDepth())
		return err
	})
	var resolutionErr *store.AncestorResolutionError
	switch {
	case errors.As(err, &resolutionErr):
		result.ResolutionErr = err
		zap.L().Error("Upline resolution stopped early",
			zap.Int64("source_user_id", params.SourceUserId),
			zap.Int("resolved", len(upline)),
			zap.Error(err))
	case err != nil:
		return nil, fmt.Errorf("failed to resolve upline of user %d: %w", params.SourceUserId, err)
	}

	for i, ancestor := range upline {
		level := i + 1
		credit := Credit{
			AncestorId: ancestor.Id,
			Level:      level,
			Share:      params.Amount.Mul(d.schedule.RateForLevel(level)).Truncate(SharePrecision),
		}
		d.credit(ctx, params, &credit)
		result.Credits = append(result.Credits, credit)
	}

	zap.L().Info("Referral distribution finished",
		zap.String("event_ref", params.EventRef),
		zap.Int64("source_user_id", params.SourceUserId),
		zap.Int("ancestors", len(upline)),
		zap.Int("applied", result.Applied()),
		zap.Int("failed", len(result.Failed())),
		zap.String("total", result.Total().String()))
	return result, nil
}

func (d *Distributor) credit(ctx context.Context, params DistributeParams, credit *Credit) {
	if !credit.Share.IsPositive() {
		credit.Status = CreditZeroShare
		return
	}

	err := d.retry.Do(ctx, "credit ancestor", func(ctx context.Context) error {
		exists, err := d.store.HasEntryForEvent(ctx, params.EventRef, credit.AncestorId, models.EntryTypeReferralBonus)
		if err != nil {
			return err
		}
		if exists {
			return store.ErrDuplicateTransaction
		}

		metadata := map[string]string{"source_event": params.EventRef}
		if !params.OccurredAt.IsZero() {
			metadata["source_occurred_at"] = store.Normalize(params.OccurredAt).Format(time.RFC3339Nano)
		}
		entry, err := d.store.ApplyEntry(ctx, store.EntryParams{
			UserId:       credit.AncestorId,
			Type:         models.EntryTypeReferralBonus,
			Currency:     params.Currency,
			Amount:       credit.Share,
			SourceUserId: params.SourceUserId,
			Level:        credit.Level,
			EventRef:     params.EventRef,
			Metadata:     metadata,
		})
		if err != nil {
			return err
		}
		credit.EntryId = entry.Id
		return nil
	})

	switch {
	case errors.Is(err, store.ErrDuplicateTransaction):
		credit.Status = CreditAlreadyApplied
		zap.L().Debug("Referral credit already applied",
			zap.String("event_ref", params.EventRef),
			zap.Int64("ancestor_id", credit.AncestorId))
	case err != nil:
		credit.Status = CreditFailed
		credit.Err = err
		zap.L().Error("Failed to credit ancestor",
			zap.String("event_ref", params.EventRef),
			zap.Int64("ancestor_id", credit.AncestorId),
			zap.Int("level", credit.Level),
			zap.String("share", credit.Share.String()),
			zap.Error(err))
	default:
		credit.Status = CreditApplied
	}
}
