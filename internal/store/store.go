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

package store

import (
	"context"
	"errors"
	"time"

	"farm-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrDuplicateTransaction   = errors.New("duplicate transaction")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrConcurrentAccrual      = errors.New("deposit already accrued by another worker")
	ErrPartitionGap           = errors.New("no partition covers timestamp")
	ErrUserNotFound           = errors.New("user not found")
	ErrDepositNotFound        = errors.New("deposit not found")
	ErrDepositInactive        = errors.New("deposit is not active")
	ErrEntryNotFound          = errors.New("ledger entry not found")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInvalidTransition      = errors.New("invalid entry status transition")
	ErrReferralCodeNotFound   = errors.New("referral code not found")
	ErrAncestorCycle          = errors.New("cycle detected in upline chain")
	ErrInvalidCurrency        = errors.New("unsupported currency")
)

// MaxUplineDepth bounds every upline walk and the number of materialised referral edges.
const MaxUplineDepth = 20

// CreateUserParams registers a user, optionally under an inviter's referral code.
type CreateUserParams struct {
	ExternalId  int64
	Username    string
	InviterCode string
	CreatedAt   time.Time
}

// OpenDepositParams creates a deposit. When FundFromBalance is set the principal is
// debited from the owner's balance with a negative deposit entry in the same transaction.
type OpenDepositParams struct {
	UserId          int64
	Kind            models.DepositKind
	TierId          string
	Currency        models.Currency
	Principal       decimal.Decimal
	RatePerSecond   decimal.Decimal
	ExpiresAt       *time.Time
	FundFromBalance bool
	OpenedAt        time.Time
}

// CloseDepositParams deactivates a deposit, returning the principal when it was funded from balance.
type CloseDepositParams struct {
	DepositId string
	ClosedAt  time.Time
}

// AccrueDepositParams materialises yield for one deposit. The update only applies when
// the stored last-accrual timestamp still equals ExpectedLastAccrualAt.
type AccrueDepositParams struct {
	DepositId             string
	ExpectedLastAccrualAt time.Time
	AccrueTo              time.Time
	Amount                decimal.Decimal
	Deactivate            bool
}

// EntryParams describes one ledger entry to append or apply.
type EntryParams struct {
	UserId       int64
	Type         models.EntryType
	Currency     models.Currency
	Amount       decimal.Decimal
	Status       models.EntryStatus
	SourceUserId int64
	Level        int
	EventRef     string
	Metadata     map[string]string
	CreatedAt    time.Time
}

// LedgerStore defines the contract that every backend (SQLite, PostgreSQL) must satisfy.
type LedgerStore interface {
	// --- Users ---
	CreateUser(ctx context.Context, params CreateUserParams) (*models.User, error)
	GetUser(ctx context.Context, userId int64) (*models.User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*models.User, error)
	GetUsers(ctx context.Context) ([]models.User, error)
	GetUplineChain(ctx context.Context, userId int64, maxDepth int) ([]models.User, error)
	GetReferralEdges(ctx context.Context, userId int64) ([]models.ReferralEdge, error)

	// --- Deposits ---
	OpenDeposit(ctx context.Context, params OpenDepositParams) (*models.Deposit, error)
	CloseDeposit(ctx context.Context, params CloseDepositParams) (*models.Deposit, error)
	GetDeposit(ctx context.Context, depositId string) (*models.Deposit, error)
	GetActiveDeposits(ctx context.Context) ([]models.Deposit, error)
	AccrueDeposit(ctx context.Context, params AccrueDepositParams) (*models.LedgerEntry, error)

	// --- Ledger ---
	// AppendEntry records the entry as given without touching balances and returns its id.
	AppendEntry(ctx context.Context, params EntryParams) (string, error)
	// ApplyEntry records a confirmed entry and moves the owner's balance in one transaction.
	ApplyEntry(ctx context.Context, params EntryParams) (*models.LedgerEntry, error)
	ConfirmEntry(ctx context.Context, entryId string) (*models.LedgerEntry, error)
	RejectEntry(ctx context.Context, entryId string) (*models.LedgerEntry, error)
	HasEntryForEvent(ctx context.Context, eventRef string, userId int64, entryType models.EntryType) (bool, error)
	ListEntries(ctx context.Context, userId int64, filter models.EntryFilter, page models.Page) ([]models.LedgerEntry, error)
	ReconcileUserBalance(ctx context.Context, userId int64, currency models.Currency) error

	// --- Distribution outbox ---
	ListPendingDistributions(ctx context.Context, limit int) ([]models.PendingDistribution, error)
	CompleteDistribution(ctx context.Context, eventRef string, status models.DistributionStatus, lastError string) error

	// --- Partitions ---
	EnsurePartitionsCovering(ctx context.Context, from, to time.Time) ([]models.PartitionDescriptor, error)
	ListPartitions(ctx context.Context) ([]models.PartitionDescriptor, error)
	PartitionHealthCheck(ctx context.Context) (*models.PartitionHealth, error)

	// --- Lifecycle ---
	Ping(ctx context.Context) error
	Close()
}
