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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AppendEntry records an entry in its covering partition. Entries default to pending
// and leave the balance alone until confirmed; a confirmed entry moves the owner's
// balance in the same transaction.
func (s *Service) AppendEntry(ctx context.Context, params store.EntryParams) (string, error) {
	switch params.Status {
	case "":
		params.Status = models.EntryStatusPending
	case models.EntryStatusPending, models.EntryStatusConfirmed:
	default:
		return "", fmt.Errorf("%w: cannot append entry as %s", store.ErrInvalidTransition, params.Status)
	}

	tx, err := s.beginTx(ctx, "append entry")
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	entry, err := s.insertEntry(ctx, tx, params)
	if err != nil {
		return "", err
	}
	if entry.Status == models.EntryStatusConfirmed {
		if _, _, err := s.applyBalanceDelta(ctx, tx, params.UserId, params.Currency, params.Amount, entry.CreatedAt); err != nil {
			return "", err
		}
	}
	if err := s.commit(tx, "append entry"); err != nil {
		return "", err
	}

	zap.L().Debug("Ledger entry appended",
		zap.String("entry_id", entry.Id),
		zap.String("partition", entry.PartitionName),
		zap.String("status", string(entry.Status)))
	return entry.Id, nil
}

// ApplyEntry atomically moves the owner's balance and records a confirmed entry.
// An entry whose event ref was already written for the same user and type fails
// with ErrDuplicateTransaction and changes nothing.
func (s *Service) ApplyEntry(ctx context.Context, params store.EntryParams) (*models.LedgerEntry, error) {
	params.Status = models.EntryStatusConfirmed

	zap.L().Info("Processing ledger entry",
		zap.Int64("user_id", params.UserId),
		zap.String("type", string(params.Type)),
		zap.String("currency", string(params.Currency)),
		zap.String("amount", params.Amount.String()),
		zap.String("event_ref", params.EventRef))

	tx, err := s.beginTx(ctx, "apply entry")
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := s.insertEntry(ctx, tx, params)
	if err != nil {
		return nil, err
	}

	before, after, err := s.applyBalanceDelta(ctx, tx, params.UserId, params.Currency, params.Amount, entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	entry.BalanceAfter = after

	if err := s.commit(tx, "apply entry"); err != nil {
		return nil, err
	}

	zap.L().Info("Ledger entry applied successfully",
		zap.String("entry_id", entry.Id),
		zap.Int64("user_id", entry.UserId),
		zap.String("partition", entry.PartitionName),
		zap.String("old_balance", before.String()),
		zap.String("new_balance", after.String()))
	return entry, nil
}

// ConfirmEntry moves a pending entry to confirmed and applies its amount.
func (s *Service) ConfirmEntry(ctx context.Context, entryId string) (*models.LedgerEntry, error) {
	return s.transitionEntry(ctx, entryId, models.EntryStatusConfirmed)
}

// RejectEntry moves a pending entry to rejected. Balances are untouched.
func (s *Service) RejectEntry(ctx context.Context, entryId string) (*models.LedgerEntry, error) {
	return s.transitionEntry(ctx, entryId, models.EntryStatusRejected)
}

func (s *Service) transitionEntry(ctx context.Context, entryId string, target models.EntryStatus) (*models.LedgerEntry, error) {
	tx, err := s.beginTx(ctx, "transition entry")
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := scanEntry(tx.QueryRowContext(ctx, s.sql(queryGetEntry), entryId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrEntryNotFound, entryId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry: %w", err)
	}
	if entry.Status != models.EntryStatusPending {
		return nil, fmt.Errorf("%w: %s is %s", store.ErrInvalidTransition, entryId, entry.Status)
	}

	result, err := tx.ExecContext(ctx, s.sql(queryUpdateEntryStatus), string(target), entryId)
	if err != nil {
		return nil, classify("transition entry", fmt.Errorf("failed to update entry status: %w", err))
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to check rows affected: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("%w: %s changed concurrently", store.ErrInvalidTransition, entryId)
	}

	if target == models.EntryStatusConfirmed {
		_, after, err := s.applyBalanceDelta(ctx, tx, entry.UserId, entry.Currency, entry.Amount, s.now())
		if err != nil {
			return nil, err
		}
		entry.BalanceAfter = after
	}
	entry.Status = target

	if err := s.commit(tx, "transition entry"); err != nil {
		return nil, err
	}

	zap.L().Info("Ledger entry status changed",
		zap.String("entry_id", entryId),
		zap.String("status", string(target)))
	return entry, nil
}

func (s *Service) HasEntryForEvent(ctx context.Context, eventRef string, userId int64, entryType models.EntryType) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, queryHasEventRef, eventRef, userId, string(entryType)).Scan(&count); err != nil {
		return false, classify("has entry for event", fmt.Errorf("failed to check event ref: %w", err))
	}
	return count > 0, nil
}

// ListEntries returns a newest-first page of a user's entries.
func (s *Service) ListEntries(ctx context.Context, userId int64, filter models.EntryFilter, page models.Page) ([]models.LedgerEntry, error) {
	zap.L().Debug("Getting ledger entries",
		zap.Int64("user_id", userId),
		zap.Int("limit", page.Limit),
		zap.Int("offset", page.Offset))

	query, args := s.buildListEntries(userId, filter, page)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list entries", fmt.Errorf("failed to get ledger entries: %w", err))
	}
	defer closeRows(rows)

	var entries []models.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, *entry)
	}

	// Check for errors during iteration
	if err := rows.Err(); err != nil {
		zap.L().Error("Error during ledger entry row iteration", zap.Error(err))
		return nil, fmt.Errorf("error iterating ledger entry rows: %w", err)
	}
	return entries, nil
}

func (s *Service) buildListEntries(userId int64, filter models.EntryFilter, page models.Page) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT " + entryColumns + " FROM " + s.cfg.Table + " WHERE user_id = ?")
	args := []any{userId}

	if len(filter.Types) > 0 {
		b.WriteString(" AND entry_type IN (?" + strings.Repeat(", ?", len(filter.Types)-1) + ")")
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	if filter.Currency != "" {
		b.WriteString(" AND currency = ?")
		args = append(args, string(filter.Currency))
	}
	if filter.Status != "" {
		b.WriteString(" AND status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		b.WriteString(" AND created_at >= ?")
		args = append(args, toNanos(filter.Since))
	}
	if !filter.Until.IsZero() {
		b.WriteString(" AND created_at < ?")
		args = append(args, toNanos(filter.Until))
	}

	b.WriteString(" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, page.Limit, page.Offset)
	return b.String(), args
}

// insertEntry routes the entry to its partition, claims its event ref and inserts it.
func (s *Service) insertEntry(ctx context.Context, tx *sql.Tx, params store.EntryParams) (*models.LedgerEntry, error) {
	if !params.Currency.Valid() {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidCurrency, params.Currency)
	}

	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	createdAt = store.Normalize(createdAt)

	partitionName, err := s.routePartition(ctx, tx, createdAt)
	if err != nil {
		return nil, err
	}

	entry := &models.LedgerEntry{
		Id:            uuid.New().String(),
		UserId:        params.UserId,
		Type:          params.Type,
		Currency:      params.Currency,
		Amount:        params.Amount,
		Status:        params.Status,
		SourceUserId:  params.SourceUserId,
		Level:         params.Level,
		EventRef:      params.EventRef,
		Metadata:      params.Metadata,
		CreatedAt:     createdAt,
		PartitionName: partitionName,
	}

	if entry.EventRef != "" {
		result, err := tx.ExecContext(ctx, queryClaimEventRef, entry.EventRef, entry.UserId, string(entry.Type), entry.Id)
		if err != nil {
			return nil, classify("insert entry", fmt.Errorf("failed to claim event ref: %w", err))
		}
		if n, err := result.RowsAffected(); err != nil {
			return nil, fmt.Errorf("failed to check rows affected: %w", err)
		} else if n == 0 {
			zap.L().Debug("Duplicate event ref detected, skipping",
				zap.String("event_ref", entry.EventRef),
				zap.Int64("user_id", entry.UserId),
				zap.String("type", string(entry.Type)))
			return nil, fmt.Errorf("%w: event %s already recorded for user %d", store.ErrDuplicateTransaction, entry.EventRef, entry.UserId)
		}
	}

	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	if entry.Metadata == nil {
		metadata = []byte("{}")
	}

	_, err = tx.ExecContext(ctx, s.sql(queryInsertEntry),
		entry.Id, entry.UserId, string(entry.Type), string(entry.Currency), entry.Amount.String(), string(entry.Status),
		entry.SourceUserId, entry.Level, entry.EventRef, string(metadata), toNanos(entry.CreatedAt), entry.PartitionName)
	if err != nil {
		return nil, classify("insert entry", fmt.Errorf("failed to insert ledger entry: %w", err))
	}
	return entry, nil
}

// applyBalanceDelta adds delta to the user's balance with an optimistic version check.
func (s *Service) applyBalanceDelta(ctx context.Context, tx *sql.Tx, userId int64, currency models.Currency, delta decimal.Decimal, at time.Time) (decimal.Decimal, decimal.Decimal, error) {
	column, err := store.BalanceColumn(currency)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	var balanceUNI, balanceTON string
	var version int64
	err = tx.QueryRowContext(ctx, queryGetUserBalanceForUpdate, userId).Scan(&balanceUNI, &balanceTON, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: id %d", store.ErrUserNotFound, userId)
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, classify("apply balance", fmt.Errorf("failed to get current balance: %w", err))
	}

	raw := balanceUNI
	if currency == models.CurrencyTON {
		raw = balanceTON
	}
	before, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to parse current balance '%s': %w", raw, err)
	}

	after := before.Add(delta)
	if after.IsNegative() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: user %d has %s %s, needs %s",
			store.ErrInsufficientBalance, userId, before.String(), currency, delta.Neg().String())
	}

	result, err := tx.ExecContext(ctx, fmt.Sprintf(queryUpdateUserBalance, column), after.String(), toNanos(at), userId, version)
	if err != nil {
		return decimal.Zero, decimal.Zero, classify("apply balance", fmt.Errorf("failed to update balance: %w", err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return decimal.Zero, decimal.Zero, fmt.Errorf("balance update failed - %w", store.ErrConcurrentModification)
	}
	return before, after, nil
}

func scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	var entryType, currency, amount, status, metadata string
	var createdAt int64
	if err := row.Scan(&entry.Id, &entry.UserId, &entryType, &currency, &amount, &status,
		&entry.SourceUserId, &entry.Level, &entry.EventRef, &metadata, &createdAt, &entry.PartitionName); err != nil {
		return nil, err
	}

	var err error
	if entry.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("failed to parse amount '%s': %w", amount, err)
	}
	if metadata != "" && metadata != "{}" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	entry.Type = models.EntryType(entryType)
	entry.Currency = models.Currency(currency)
	entry.Status = models.EntryStatus(status)
	entry.CreatedAt = fromNanos(createdAt)
	return &entry, nil
}
