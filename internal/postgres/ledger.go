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

package postgres

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
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// entryRow carries the JSONB metadata column until it is decoded into the entry.
type entryRow struct {
	models.LedgerEntry
	RawMetadata []byte `db:"metadata"`
}

func (r *entryRow) entry() (*models.LedgerEntry, error) {
	entry := r.LedgerEntry
	entry.CreatedAt = entry.CreatedAt.UTC()
	if len(r.RawMetadata) > 0 && string(r.RawMetadata) != "{}" && string(r.RawMetadata) != "null" {
		if err := json.Unmarshal(r.RawMetadata, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &entry, nil
}

// AppendEntry records an entry in its covering partition. A confirmed entry moves the
// owner's balance in the same transaction; a pending one waits for ConfirmEntry.
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

func (s *Service) ConfirmEntry(ctx context.Context, entryId string) (*models.LedgerEntry, error) {
	return s.transitionEntry(ctx, entryId, models.EntryStatusConfirmed)
}

func (s *Service) RejectEntry(ctx context.Context, entryId string) (*models.LedgerEntry, error) {
	return s.transitionEntry(ctx, entryId, models.EntryStatusRejected)
}

func (s *Service) transitionEntry(ctx context.Context, entryId string, target models.EntryStatus) (*models.LedgerEntry, error) {
	tx, err := s.beginTx(ctx, "transition entry")
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var row entryRow
	err = tx.GetContext(ctx, &row, queryGetEntryForUpdate, entryId)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrEntryNotFound, entryId)
	}
	if err != nil {
		return nil, classify("transition entry", fmt.Errorf("failed to load entry: %w", err))
	}
	entry, err := row.entry()
	if err != nil {
		return nil, err
	}
	if entry.Status != models.EntryStatusPending {
		return nil, fmt.Errorf("%w: %s is %s", store.ErrInvalidTransition, entryId, entry.Status)
	}

	result, err := tx.ExecContext(ctx, queryUpdateEntryStatus, string(target), entryId, entry.CreatedAt)
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
	var exists bool
	if err := s.db.QueryRowxContext(ctx, queryHasEventRef, eventRef, userId, string(entryType)).Scan(&exists); err != nil {
		return false, classify("has entry for event", fmt.Errorf("failed to check event ref: %w", err))
	}
	return exists, nil
}

// ListEntries returns a newest-first page of a user's entries.
func (s *Service) ListEntries(ctx context.Context, userId int64, filter models.EntryFilter, page models.Page) ([]models.LedgerEntry, error) {
	zap.L().Debug("Getting ledger entries",
		zap.Int64("user_id", userId),
		zap.Int("limit", page.Limit),
		zap.Int("offset", page.Offset))

	query, args, err := buildListEntries(userId, filter, page)
	if err != nil {
		return nil, err
	}

	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify("list entries", fmt.Errorf("failed to get ledger entries: %w", err))
	}

	entries := make([]models.LedgerEntry, 0, len(rows))
	for i := range rows {
		entry, err := rows[i].entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

func buildListEntries(userId int64, filter models.EntryFilter, page models.Page) (string, []any, error) {
	var b strings.Builder
	b.WriteString("SELECT " + entryColumns + " FROM ledger_entries WHERE user_id = ?")
	args := []any{userId}

	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			types[i] = string(t)
		}
		b.WriteString(" AND entry_type IN (?)")
		args = append(args, types)
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
		args = append(args, store.Normalize(filter.Since))
	}
	if !filter.Until.IsZero() {
		b.WriteString(" AND created_at < ?")
		args = append(args, store.Normalize(filter.Until))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, page.Limit, page.Offset)

	query, args, err := sqlx.In(b.String(), args...)
	if err != nil {
		return "", nil, fmt.Errorf("failed to expand entry filter: %w", err)
	}
	return sqlx.Rebind(sqlx.DOLLAR, query), args, nil
}

// insertEntry claims the event ref and inserts the entry. PostgreSQL routes the
// row to its partition; a timestamp no partition accepts is a partition gap.
func (s *Service) insertEntry(ctx context.Context, tx *sqlx.Tx, params store.EntryParams) (*models.LedgerEntry, error) {
	if !params.Currency.Valid() {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidCurrency, params.Currency)
	}

	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	createdAt = store.Normalize(createdAt)

	entry := &models.LedgerEntry{
		Id:           uuid.New().String(),
		UserId:       params.UserId,
		Type:         params.Type,
		Currency:     params.Currency,
		Amount:       params.Amount,
		Status:       params.Status,
		SourceUserId: params.SourceUserId,
		Level:        params.Level,
		EventRef:     params.EventRef,
		Metadata:     params.Metadata,
		CreatedAt:    createdAt,
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

	metadata := []byte("{}")
	if entry.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
	}

	err := tx.QueryRowxContext(ctx, queryInsertEntry,
		entry.Id, entry.UserId, string(entry.Type), string(entry.Currency), entry.Amount, string(entry.Status),
		entry.SourceUserId, entry.Level, entry.EventRef, string(metadata), entry.CreatedAt).Scan(&entry.PartitionName)
	if pgCode(err) == codeCheckViolation {
		gap := &store.PartitionGapError{Table: s.cfg.Table, At: createdAt}
		zap.L().Error("No partition covers entry timestamp", zap.Time("created_at", createdAt), zap.Error(gap))
		return nil, gap
	}
	if err != nil {
		return nil, classify("insert entry", fmt.Errorf("failed to insert ledger entry: %w", err))
	}
	return entry, nil
}

// applyBalanceDelta locks the user row and adds delta with an optimistic version check.
func (s *Service) applyBalanceDelta(ctx context.Context, tx *sqlx.Tx, userId int64, currency models.Currency, delta decimal.Decimal, at time.Time) (decimal.Decimal, decimal.Decimal, error) {
	column, err := store.BalanceColumn(currency)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	var current struct {
		BalanceUNI decimal.Decimal `db:"balance_uni"`
		BalanceTON decimal.Decimal `db:"balance_ton"`
		Version    int64           `db:"version"`
	}
	err = tx.GetContext(ctx, &current, queryGetUserBalanceForUpdate, userId)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: id %d", store.ErrUserNotFound, userId)
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, classify("apply balance", fmt.Errorf("failed to get current balance: %w", err))
	}

	before := current.BalanceUNI
	if currency == models.CurrencyTON {
		before = current.BalanceTON
	}
	after := before.Add(delta)
	if after.IsNegative() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: user %d has %s %s, needs %s",
			store.ErrInsufficientBalance, userId, before.String(), currency, delta.Neg().String())
	}

	result, err := tx.ExecContext(ctx, fmt.Sprintf(queryUpdateUserBalance, column), after, store.Normalize(at), userId, current.Version)
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

// ReconcileUserBalance verifies that the user's balance equals the sum of confirmed entries
func (s *Service) ReconcileUserBalance(ctx context.Context, userId int64, currency models.Currency) error {
	zap.L().Info("Reconciling balance", zap.Int64("user_id", userId), zap.String("currency", string(currency)))

	if _, err := store.BalanceColumn(currency); err != nil {
		return err
	}

	user, err := s.GetUser(ctx, userId)
	if err != nil {
		return fmt.Errorf("failed to get current balance: %w", err)
	}
	currentBalance := user.Balance(currency)

	var calculatedBalance decimal.Decimal
	if err := s.db.GetContext(ctx, &calculatedBalance, queryConfirmedSum, userId, string(currency)); err != nil {
		return fmt.Errorf("failed to calculate balance from entries: %w", err)
	}

	if !currentBalance.Equal(calculatedBalance) {
		zap.L().Error("Balance reconciliation failed",
			zap.Int64("user_id", userId),
			zap.String("currency", string(currency)),
			zap.String("current_balance", currentBalance.String()),
			zap.String("calculated_balance", calculatedBalance.String()),
			zap.String("difference", currentBalance.Sub(calculatedBalance).String()))
		return fmt.Errorf("balance mismatch: current=%s, calculated=%s", currentBalance.String(), calculatedBalance.String())
	}

	zap.L().Info("Balance reconciliation successful",
		zap.Int64("user_id", userId),
		zap.String("currency", string(currency)),
		zap.String("balance", currentBalance.String()))
	return nil
}
