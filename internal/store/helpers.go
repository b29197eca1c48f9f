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
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"farm-ledger-go/internal/models"
)

// ReferralCodeLength is the fixed length of generated referral codes.
const ReferralCodeLength = 8

const referralAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Normalize converts t to UTC at microsecond precision, the resolution every backend persists.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// NewReferralCode returns a random fixed-length referral code.
func NewReferralCode() (string, error) {
	max := big.NewInt(int64(len(referralAlphabet)))
	code := make([]byte, ReferralCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate referral code: %w", err)
		}
		code[i] = referralAlphabet[n.Int64()]
	}
	return string(code), nil
}

// AccrualEventRef identifies the harvest produced by advancing a deposit to accruedTo.
func AccrualEventRef(depositId string, accruedTo time.Time) string {
	return fmt.Sprintf("accrual:%s:%d", depositId, accruedTo.UnixNano())
}

// BalanceColumn maps a currency to its users table column.
func BalanceColumn(currency models.Currency) (string, error) {
	switch currency {
	case models.CurrencyUNI:
		return "balance_uni", nil
	case models.CurrencyTON:
		return "balance_ton", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, currency)
	}
}
