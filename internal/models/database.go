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

// Currency identifies one of the two independent user balances.
type Currency string

const (
	CurrencyUNI Currency = "UNI"
	CurrencyTON Currency = "TON"
)

// Valid reports whether c is a supported currency.
func (c Currency) Valid() bool {
	return c == CurrencyUNI || c == CurrencyTON
}

// User represents a registered user and their balances
type User struct {
	Id            int64           `db:"id"`
	ExternalId    int64           `db:"external_id"` // platform (Telegram) id, 0 when unknown
	Username      string          `db:"username"`
	ReferralCode  string          `db:"ref_code"`
	ParentRefCode string          `db:"parent_ref_code"` // empty when the user has no inviter
	BalanceUNI    decimal.Decimal `db:"balance_uni"`
	BalanceTON    decimal.Decimal `db:"balance_ton"`
	Version       int64           `db:"version"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

// Balance returns the user's balance in the given currency.
func (u *User) Balance(c Currency) decimal.Decimal {
	if c == CurrencyTON {
		return u.BalanceTON
	}
	return u.BalanceUNI
}

// HasInviter reports whether the user was registered through a referral code.
func (u *User) HasInviter() bool {
	return u.ParentRefCode != ""
}

// ReferralEdge is a materialised (user, inviter, level) link created at registration
type ReferralEdge struct {
	UserId    int64     `db:"user_id"`
	InviterId int64     `db:"inviter_id"`
	Level     int       `db:"level"`
	CreatedAt time.Time `db:"created_at"`
}

type DepositKind string

const (
	DepositKindFarming DepositKind = "farming"
	DepositKindBoost   DepositKind = "boost"
)

// Deposit is a principal accruing yield at a fixed per-second rate
type Deposit struct {
	Id            string          `db:"id"`
	UserId        int64           `db:"user_id"`
	Kind          DepositKind     `db:"kind"`
	TierId        string          `db:"tier_id"`
	Currency      Currency        `db:"currency"`
	Principal     decimal.Decimal `db:"principal"`
	RatePerSecond decimal.Decimal `db:"rate_per_second"`
	LastAccrualAt time.Time       `db:"last_accrual_at"`
	Active        bool            `db:"active"`
	Funded        bool            `db:"funded"` // principal was debited from the owner's balance
	ExpiresAt     *time.Time      `db:"expires_at"`
	CreatedAt     time.Time       `db:"created_at"`
}

// AccrualHorizon returns the latest instant up to which the deposit may accrue at now.
func (d *Deposit) AccrualHorizon(now time.Time) time.Time {
	if d.ExpiresAt != nil && d.ExpiresAt.Before(now) {
		return *d.ExpiresAt
	}
	return now
}

// Expired reports whether the deposit has passed its expiry at now.
func (d *Deposit) Expired(now time.Time) bool {
	return d.ExpiresAt != nil && !d.ExpiresAt.After(now)
}

type EntryType string

const (
	EntryTypeDeposit       EntryType = "deposit"
	EntryTypeHarvest       EntryType = "harvest"
	EntryTypeReferralBonus EntryType = "referral_bonus"
	EntryTypeWithdrawal    EntryType = "withdrawal"
	EntryTypeBonusClaim    EntryType = "bonus_claim"
	EntryTypePurchase      EntryType = "purchase"
)

type EntryStatus string

const (
	EntryStatusPending   EntryStatus = "pending"
	EntryStatusConfirmed EntryStatus = "confirmed"
	EntryStatusRejected  EntryStatus = "rejected"
)

// LedgerEntry represents an immutable balance-affecting event (cold data)
type LedgerEntry struct {
	Id            string            `db:"id"`
	UserId        int64             `db:"user_id"`
	Type          EntryType         `db:"entry_type"`
	Currency      Currency          `db:"currency"`
	Amount        decimal.Decimal   `db:"amount"`
	Status        EntryStatus       `db:"status"`
	SourceUserId  int64             `db:"source_user_id"` // referral entries: the user whose activity paid the reward
	Level         int               `db:"level"`
	EventRef      string            `db:"event_ref"`
	Metadata      map[string]string `db:"-"`
	CreatedAt     time.Time         `db:"created_at"`
	PartitionName string            `db:"partition_name"`
	BalanceAfter  decimal.Decimal   `db:"-"` // set only by balance-moving writes
}

// EntryFilter narrows ListEntries results. Zero values mean "any".
type EntryFilter struct {
	Types    []EntryType
	Currency Currency
	Status   EntryStatus
	Since    time.Time
	Until    time.Time
}

// Page is an offset-based pagination window
type Page struct {
	Limit  int
	Offset int
}

type DistributionStatus string

const (
	DistributionPending   DistributionStatus = "pending"
	DistributionCompleted DistributionStatus = "completed"
	DistributionPartial   DistributionStatus = "partial"
)

// PendingDistribution is an outbox row for a harvest whose referral fan-out is outstanding
type PendingDistribution struct {
	EventRef     string             `db:"event_ref"`
	SourceUserId int64              `db:"source_user_id"`
	Currency     Currency           `db:"currency"`
	Amount       decimal.Decimal    `db:"amount"`
	OccurredAt   time.Time          `db:"occurred_at"`
	Status       DistributionStatus `db:"status"`
	Attempts     int                `db:"attempts"`
	LastError    string             `db:"last_error"`
}
