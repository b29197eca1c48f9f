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

package api

import (
	"context"
	"errors"
	"testing"

	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/store"

	"github.com/shopspring/decimal"
)

// stubLedger serves one user and records reconciliation calls. Methods it does
// not override panic through the nil embedded interface.
type stubLedger struct {
	store.LedgerStore
	user       *models.User
	edges      []models.ReferralEdge
	page       models.Page
	reconciled []models.Currency
	driftIn    models.Currency
}

func (s *stubLedger) GetUser(ctx context.Context, userId int64) (*models.User, error) {
	if s.user == nil || s.user.Id != userId {
		return nil, store.ErrUserNotFound
	}
	return s.user, nil
}

func (s *stubLedger) GetReferralEdges(ctx context.Context, userId int64) ([]models.ReferralEdge, error) {
	return s.edges, nil
}

func (s *stubLedger) ListEntries(ctx context.Context, userId int64, filter models.EntryFilter, page models.Page) ([]models.LedgerEntry, error) {
	s.page = page
	return []models.LedgerEntry{{Id: "e1", UserId: userId, Type: models.EntryTypeHarvest, Amount: decimal.NewFromInt(2), PartitionName: "ledger_entries_p20260310"}}, nil
}

func (s *stubLedger) ReconcileUserBalance(ctx context.Context, userId int64, currency models.Currency) error {
	s.reconciled = append(s.reconciled, currency)
	if currency == s.driftIn {
		return errors.New("balance drift")
	}
	return nil
}

func TestGetUserSummary(t *testing.T) {
	stub := &stubLedger{
		user: &models.User{
			Id:            7,
			Username:      "farmer",
			ReferralCode:  "ABCD2345",
			ParentRefCode: "ZZZZ9999",
			BalanceUNI:    decimal.NewFromInt(12),
			BalanceTON:    decimal.RequireFromString("0.5"),
		},
		edges: []models.ReferralEdge{{}, {}},
	}
	service := NewLedgerService(stub)

	summary, err := service.GetUserSummary(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetUserSummary failed: %v", err)
	}
	if summary.InvitedBy != "ZZZZ9999" || summary.Referrals != 2 || len(summary.Balances) != 2 {
		t.Fatalf("Unexpected summary %+v", summary)
	}
	if !summary.Balances[1].Balance.Equal(decimal.RequireFromString("0.5")) || summary.Balances[1].Currency != models.CurrencyTON {
		t.Errorf("Unexpected TON balance %+v", summary.Balances[1])
	}

	if _, err := service.GetUserSummary(context.Background(), 8); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestGetUserBalanceValidation(t *testing.T) {
	service := NewLedgerService(&stubLedger{user: &models.User{Id: 1, BalanceUNI: decimal.NewFromInt(3)}})

	if _, err := service.GetUserBalance(context.Background(), 0, models.CurrencyUNI); err == nil {
		t.Error("Expected error for missing user id")
	}
	if _, err := service.GetUserBalance(context.Background(), 1, models.Currency("BTC")); err == nil {
		t.Error("Expected error for unknown currency")
	}
	balance, err := service.GetUserBalance(context.Background(), 1, models.CurrencyUNI)
	if err != nil || !balance.Equal(decimal.NewFromInt(3)) {
		t.Errorf("Expected balance 3, got %s (%v)", balance, err)
	}
}

func TestGetEntryHistoryPaging(t *testing.T) {
	stub := &stubLedger{user: &models.User{Id: 1}}
	service := NewLedgerService(stub)

	records, err := service.GetEntryHistory(context.Background(), 1, models.EntryFilter{}, 0, -5)
	if err != nil {
		t.Fatalf("GetEntryHistory failed: %v", err)
	}
	if stub.page.Limit != defaultPageLimit || stub.page.Offset != 0 {
		t.Errorf("Expected default page, got %+v", stub.page)
	}
	if len(records) != 1 || records[0].Partition != "ledger_entries_p20260310" {
		t.Errorf("Unexpected records %+v", records)
	}

	if _, err := service.GetEntryHistory(context.Background(), 1, models.EntryFilter{}, maxPageLimit, 40); err != nil {
		t.Fatalf("GetEntryHistory failed: %v", err)
	}
	if stub.page.Limit != maxPageLimit || stub.page.Offset != 40 {
		t.Errorf("Expected limit %d offset 40, got %+v", maxPageLimit, stub.page)
	}

	_, err = service.GetEntryHistory(context.Background(), 1, models.EntryFilter{Currency: "BTC"}, 10, 0)
	if !errors.Is(err, store.ErrInvalidCurrency) {
		t.Errorf("Expected ErrInvalidCurrency, got %v", err)
	}
}

func TestReconcileUserChecksEveryCurrency(t *testing.T) {
	stub := &stubLedger{user: &models.User{Id: 1}, driftIn: models.CurrencyTON}
	service := NewLedgerService(stub)

	if err := service.ReconcileUser(context.Background(), 1); err == nil {
		t.Error("Expected drift error for TON")
	}
	if len(stub.reconciled) != 2 {
		t.Errorf("Expected both currencies reconciled, got %v", stub.reconciled)
	}
}
