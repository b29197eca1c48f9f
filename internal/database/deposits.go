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

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func scanDeposit(row rowScanner) (*models.Deposit, error) {
	var d models.Deposit
	var kind, currency, principal, rate string
	var lastAccrualAt, createdAt int64
	var expiresAt sql.NullInt64
	if err := row.Scan(&d.Id, &d.UserId, &kind, &d.TierId, &currency, &principal, &rate,
		&lastAccrualAt, &d.Active, &d.Funded, &expiresAt, &createdAt); err != nil {
		return nil, err
	}

	var err error
	if d.Principal, err = decimal.NewFromString(principal); err != nil {
		return nil, fmt.Errorf("failed to parse principal '%s': %w", principal, err)
	}
	if d.RatePerSecond, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("failed to parse rate '%s': %w", rate, err)
	}
	d.Kind = models.DepositKind(kind)
	d.Currency = models.Currency(currency)
	d.LastAccrualAt = fromNanos(lastAccrualAt)
	d.CreatedAt = fromNanos(createdAt)
	if expiresAt.Valid {
		t := fromNanos(expiresAt.Int64)
		d.ExpiresAt = &t
	}
	return &d, nil
}

// OpenDeposit creates an active deposit. A funded deposit debits the principal
// from the owner's balance with a negative deposit entry in the same transaction.
func (s *Service) OpenDeposit(ctx context.Context, params store.OpenDepositParams) (*models.Deposit, error) {
	if !params.Currency.Valid() {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidCurrency, params.Currency)
	}
	if !params.Principal.IsPositive() {
		return nil, fmt.Errorf("principal must be positive, got %s", params.Principal)
	}
	if params.RatePerSecond.IsNegative() {
		return nil, fmt.Errorf("rate must not be negative, got %s", params.RatePerSecond)
	}

	openedAt := params.OpenedAt
	if openedAt.IsZero() {
		openedAt = s.now()
	}
	openedAt = store.Normalize(openedAt)

	deposit := &models.Deposit{
		Id:            uuid.New().String(),
		UserId:        params.UserId,
		Kind:          params.Kind,
		TierId:        params.TierId,
		Currency:      params.Currency,
		Principal:     params.Principal,
		RatePerSecond: params.RatePerSecond,
		LastAccrualAt: openedAt,
		Active:        true,
		Funded:        params.FundFromBalance,
		CreatedAt:     openedAt,
	}
	if params.ExpiresAt != nil {
		expiresAt := store.Normalize(*params.ExpiresAt)
		deposit.ExpiresAt = &expiresAt
	}

	tx, err := s.beginTx(ctx, "open deposit")
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if deposit.Funded {
		_, err := s.insertEntry(ctx, tx, store.EntryParams{
			UserId:    deposit.UserId,
			Type:      models.EntryTypeDeposit,
			Currency:  deposit.Currency,
			Amount:    deposit.Principal.Neg(),
			Status:    models.EntryStatusConfirmed,
			EventRef:  "deposit-open:" + deposit.Id,
			Metadata:  map[string]string{"deposit_id": deposit.Id, "tier_id": deposit.TierId},
			CreatedAt: openedAt,
		})
		if err != nil {
			return nil, err
		}
		if _, _, err := s.applyBalanceDelta(ctx, tx, deposit.UserId, deposit.Currency, deposit.Principal.Neg(), openedAt); err != nil {
			return nil, err
		}
	} else if _, err := scanUser(tx.QueryRowContext(ctx, queryGetUserById, deposit.UserId)); errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", store.ErrUserNotFound, deposit.UserId)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load deposit owner: %w", err)
	}

	_, err = tx.ExecContext(ctx, queryInsertDeposit,
		deposit.Id, deposit.UserId, string(deposit.Kind), deposit.TierId, string(deposit.Currency),
		deposit.Principal.String(), deposit.RatePerSecond.String(), toNanos(deposit.LastAccrualAt),
		deposit.Funded, nullableNanos(deposit.ExpiresAt), toNanos(deposit.CreatedAt))
	if err != nil {
		return nil, classify("open deposit", fmt.Errorf("failed to insert deposit: %w", err))
	}

	if err := s.commit(tx, "open deposit"); err != nil {
		return nil, err
	}

	zap.L().Info("Deposit opened",
		zap.String("deposit_id", deposit.Id),
		zap.Int64("user_id", deposit.UserId),
		zap.String("kind", string(deposit.Kind)),
		zap.String("principal", deposit.Principal.String()),
		zap.String("rate_per_second", deposit.RatePerSecond.String()))
	return deposit, nil
}

// CloseDeposit deactivates a deposit and returns a funded principal to the owner.
// Yield not yet accrued is forfeited, so callers accrue up to the close time first.
func (s *Service) CloseDeposit(ctx context.Context, params store.CloseDepositParams) (*models.Deposit, error) {
	closedAt := params.ClosedAt
	if closedAt.IsZero() {
		closedAt = s.now()
	}
	closedAt = store.Normalize(closedAt)

	tx, err := s.beginTx(ctx, "close deposit")
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	deposit, err := scanDeposit(tx.QueryRowContext(ctx, queryGetDeposit, params.DepositId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrDepositNotFound, params.DepositId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load deposit: %w", err)
	}
	if !deposit.Active {
		return nil, fmt.Errorf("%w: %s", store.ErrDepositInactive, params.DepositId)
	}

	result, err := tx.ExecContext(ctx, queryDeactivateDeposit, deposit.Id)
	if err != nil {
		return nil, classify("close deposit", fmt.Errorf("failed to deactivate deposit: %w", err))
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrDepositInactive, deposit.Id)
	}

	if deposit.Funded {
		_, err := s.insertEntry(ctx, tx, store.EntryParams{
			UserId:    deposit.UserId,
			Type:      models.EntryTypeWithdrawal,
			Currency:  deposit.Currency,
			Amount:    deposit.Principal,
			Status:    models.EntryStatusConfirmed,
			EventRef:  "deposit-close:" + deposit.Id,
			Metadata:  map[string]string{"deposit_id": deposit.Id},
			CreatedAt: closedAt,
		})
		if err != nil {
			return nil, err
		}
		if _, _, err := s.applyBalanceDelta(ctx, tx, deposit.UserId, deposit.Currency, deposit.Principal, closedAt); err != nil {
			return nil, err
		}
	}

	if err := s.commit(tx, "close deposit"); err != nil {
		return nil, err
	}
	deposit.Active = false

	zap.L().Info("Deposit closed",
		zap.String("deposit_id", deposit.Id),
		zap.Int64("user_id", deposit.UserId),
		zap.Bool("principal_returned", deposit.Funded))
	return deposit, nil
}

func (s *Service) GetDeposit(ctx context.Context, depositId string) (*models.Deposit, error) {
	deposit, err := scanDeposit(s.db.QueryRowContext(ctx, queryGetDeposit, depositId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrDepositNotFound, depositId)
	}
	if err != nil {
		return nil, classify("get deposit", fmt.Errorf("failed to get deposit: %w", err))
	}
	return deposit, nil
}

func (s *Service) GetActiveDeposits(ctx context.Context) ([]models.Deposit, error) {
	rows, err := s.db.QueryContext(ctx, queryGetActiveDeposits)
	if err != nil {
		return nil, classify("get active deposits", fmt.Errorf("failed to query active deposits: %w", err))
	}
	defer closeRows(rows)

	var deposits []models.Deposit
	for rows.Next() {
		deposit, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deposit: %w", err)
		}
		deposits = append(deposits, *deposit)
	}
	if err := rows.Err(); err != nil {
		zap.L().Error("Error during deposit row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating deposit rows: %w", err)
	}
	return deposits, nil
}

// AccrueDeposit advances the deposit to AccrueTo only if nobody else has moved it
// since ExpectedLastAccrualAt. A lost race returns ErrConcurrentAccrual. A positive
// amount credits the owner, writes a harvest entry and queues its referral fan-out.
func (s *Service) AccrueDeposit(ctx context.Context, params store.AccrueDepositParams) (*models.LedgerEntry, error) {
	accrueTo := store.Normalize(params.AccrueTo)

	tx, err := s.beginTx(ctx, "accrue deposit")
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	deposit, err := scanDeposit(tx.QueryRowContext(ctx, queryGetDeposit, params.DepositId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrDepositNotFound, params.DepositId)
	}
	if err != nil {
		return nil, classify("accrue deposit", fmt.Errorf("failed to load deposit: %w", err))
	}

	result, err := tx.ExecContext(ctx, queryAdvanceDeposit,
		toNanos(accrueTo), params.Deactivate, deposit.Id, toNanos(params.ExpectedLastAccrualAt))
	if err != nil {
		return nil, classify("accrue deposit", fmt.Errorf("failed to advance deposit: %w", err))
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrConcurrentAccrual, deposit.Id)
	}

	var entry *models.LedgerEntry
	if params.Amount.IsPositive() {
		entry, err = s.insertEntry(ctx, tx, store.EntryParams{
			UserId:   deposit.UserId,
			Type:     models.EntryTypeHarvest,
			Currency: deposit.Currency,
			Amount:   params.Amount,
			Status:   models.EntryStatusConfirmed,
			EventRef: store.AccrualEventRef(deposit.Id, accrueTo),
			Metadata: map[string]string{
				"deposit_id":   deposit.Id,
				"deposit_kind": string(deposit.Kind),
				"accrued_from": store.Normalize(params.ExpectedLastAccrualAt).Format(timeLayout),
				"accrued_to":   accrueTo.Format(timeLayout),
			},
			CreatedAt: accrueTo,
		})
		if err != nil {
			return nil, err
		}

		_, after, err := s.applyBalanceDelta(ctx, tx, deposit.UserId, deposit.Currency, params.Amount, accrueTo)
		if err != nil {
			return nil, err
		}
		entry.BalanceAfter = after

		if _, err := tx.ExecContext(ctx, queryInsertDistribution,
			entry.Id, deposit.UserId, string(deposit.Currency), params.Amount.String(), toNanos(accrueTo), toNanos(accrueTo)); err != nil {
			return nil, classify("accrue deposit", fmt.Errorf("failed to queue referral distribution: %w", err))
		}
	}

	if err := s.commit(tx, "accrue deposit"); err != nil {
		return nil, err
	}
	return entry, nil
}
