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

package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"farm-ledger-go/internal/models"

	"github.com/shopspring/decimal"
)

const samplePolicy = `
referral:
  max_depth: 3
  level_rates: ["0.10", "0.05", "0.02"]
tiers:
  - id: uni-farming
    kind: farming
    currency: UNI
    rate_per_second: "0.00001"
    fund_from_balance: true
  - id: ton-boost
    kind: boost
    currency: TON
    rate_per_second: "0.0000001157"
    min_principal: "1"
    duration: 720h
daily_bonus:
  amount: "500"
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if got := p.Levels.RateForLevel(1); !got.Equal(decimal.RequireFromString("0.10")) {
		t.Errorf("Expected level 1 rate 0.10, got %s", got)
	}
	if got := p.Levels.RateForLevel(4); !got.IsZero() {
		t.Errorf("Expected zero beyond schedule, got %s", got)
	}
	if p.Levels.MaxDepth() != 3 {
		t.Errorf("Expected max depth 3, got %d", p.Levels.MaxDepth())
	}

	boost, err := p.Tier("ton-boost")
	if err != nil {
		t.Fatalf("Tier failed: %v", err)
	}
	if boost.Kind != models.DepositKindBoost || boost.Currency != models.CurrencyTON {
		t.Errorf("Unexpected tier %+v", boost)
	}
	if boost.Duration != 720*time.Hour {
		t.Errorf("Expected 720h duration, got %v", boost.Duration)
	}

	cur, amount, ok := p.DailyBonus()
	if !ok || cur != models.CurrencyUNI || !amount.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Unexpected daily bonus %s %s %v", cur, amount, ok)
	}

	if _, err := p.Tier("missing"); !errors.Is(err, ErrTierNotFound) {
		t.Errorf("Expected ErrTierNotFound, got %v", err)
	}
}

func TestParseRejectsIncreasingRates(t *testing.T) {
	_, err := NewLevelSchedule(3, "0.05", "0.10")
	if !errors.Is(err, ErrNonMonotonicRates) {
		t.Fatalf("Expected ErrNonMonotonicRates, got %v", err)
	}
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"unknown currency": `
referral: {max_depth: 1, level_rates: ["0.1"]}
tiers: [{id: x, kind: farming, currency: BTC, rate_per_second: "0.1"}]`,
		"negative rate": `
referral: {max_depth: 1, level_rates: ["0.1"]}
tiers: [{id: x, kind: farming, currency: UNI, rate_per_second: "-0.1"}]`,
		"no tiers": `
referral: {max_depth: 1, level_rates: ["0.1"]}`,
		"depth too large": `
referral: {max_depth: 21, level_rates: ["0.1"]}
tiers: [{id: x, kind: farming, currency: UNI, rate_per_second: "0.1"}]`,
		"unknown field": `
referral: {max_depth: 1, level_rates: ["0.1"], bonus: 3}
tiers: [{id: x, kind: farming, currency: UNI, rate_per_second: "0.1"}]`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Error("Expected parse error")
			}
		})
	}
}

func TestLoadRepositoryPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(samplePolicy), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := Load(filepath.Join(dir, "absent.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
