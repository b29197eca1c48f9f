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

// UserBalance represents a user's balance in one currency
type UserBalance struct {
	Currency Currency        `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
}

// EntryRecord represents a ledger entry in the user's history
type EntryRecord struct {
	Id           string          `json:"id"`
	Type         EntryType       `json:"type"`
	Currency     Currency        `json:"currency"`
	Amount       decimal.Decimal `json:"amount"`
	Status       EntryStatus     `json:"status"`
	SourceUserId int64           `json:"source_user_id,omitempty"`
	Level        int             `json:"level,omitempty"`
	Partition    string          `json:"partition"`
	CreatedAt    time.Time       `json:"created_at"`
}

// UserSummary is the read model served for one user
type UserSummary struct {
	Id           int64         `json:"id"`
	Username     string        `json:"username"`
	ReferralCode string        `json:"referral_code"`
	InvitedBy    string        `json:"invited_by,omitempty"`
	Balances     []UserBalance `json:"balances"`
	Referrals    int           `json:"referral_edges"`
}
