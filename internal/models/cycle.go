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

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CycleState string

const (
	CycleIdle      CycleState = "idle"
	CycleRunning   CycleState = "running"
	CycleCompleted CycleState = "completed"
	CycleFailed    CycleState = "failed"
)

type CycleStage string

const (
	StageAccrual      CycleStage = "accrual"
	StageDistribution CycleStage = "distribution"
	StageResolution   CycleStage = "ancestor_resolution"
	StageCycle        CycleStage = "cycle"
)

// CycleError records one isolated failure inside a cycle
type CycleError struct {
	Stage      CycleStage `json:"stage"`
	DepositId  string     `json:"deposit_id,omitempty"`
	UserId     int64      `json:"user_id,omitempty"`
	AncestorId int64      `json:"ancestor_id,omitempty"`
	EventRef   string     `json:"event_ref,omitempty"`
	Message    string     `json:"message"`
}

// CycleReport is the structured outcome of one orchestrator cycle
type CycleReport struct {
	CycleId                string          `json:"cycle_id"`
	State                  CycleState      `json:"state"`
	StartedAt              time.Time       `json:"started_at"`
	FinishedAt             time.Time       `json:"finished_at"`
	AccruedCount           int             `json:"accrued_count"`
	AccruedAmount          decimal.Decimal `json:"accrued_amount"`
	SkippedCount           int             `json:"skipped_count"`
	ConflictCount          int             `json:"conflict_count"`
	DistributionsProcessed int             `json:"distributions_processed"`
	ReferralCreditsApplied int             `json:"referral_credits_applied"`
	BudgetExceeded         bool            `json:"budget_exceeded"`
	Errors                 []CycleError    `json:"errors"`
}

// Duration returns the wall-clock time the cycle took.
func (r *CycleReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
