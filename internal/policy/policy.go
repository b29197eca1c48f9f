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
	"fmt"
	"os"
	"path/filepath"
	"time"

	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/store"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

var (
	ErrTierNotFound      = errors.New("deposit tier not found")
	ErrNonMonotonicRates = errors.New("referral level rates must be non-increasing")
)

// File is the on-disk shape of policy.yaml. Amounts and rates are strings so they
// are parsed as exact decimals.
type File struct {
	Referral struct {
		MaxDepth   int      `yaml:"max_depth" validate:"gte=1,lte=20"`
		LevelRates []string `yaml:"level_rates" validate:"required,min=1,max=20,dive,required"`
	} `yaml:"referral"`
	Tiers []struct {
		Id              string `yaml:"id" validate:"required"`
		Kind            string `yaml:"kind" validate:"required,oneof=farming boost"`
		Currency        string `yaml:"currency" validate:"required,oneof=UNI TON"`
		RatePerSecond   string `yaml:"rate_per_second" validate:"required"`
		MinPrincipal    string `yaml:"min_principal"`
		Duration        string `yaml:"duration"`
		FundFromBalance bool   `yaml:"fund_from_balance"`
	} `yaml:"tiers" validate:"required,min=1,dive"`
	DailyBonus struct {
		Currency string `yaml:"currency" validate:"omitempty,oneof=UNI TON"`
		Amount   string `yaml:"amount"`
	} `yaml:"daily_bonus"`
}

// Tier is a validated deposit tier.
type Tier struct {
	Id              string
	Kind            models.DepositKind
	Currency        models.Currency
	RatePerSecond   decimal.Decimal
	MinPrincipal    decimal.Decimal
	Duration        time.Duration // zero means the deposit never expires
	FundFromBalance bool
}

// Policy is the single authoritative source of reward rates.
type Policy struct {
	Levels     *LevelSchedule
	Tiers      map[string]Tier
	BonusCur   models.Currency
	BonusValue decimal.Decimal
}

// Load reads and validates the policy file. Relative paths resolve against the working directory.
func Load(policyFile string) (*Policy, error) {
	path := policyFile
	if !filepath.IsAbs(path) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		path = filepath.Join(wd, policyFile)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", policyFile, err)
	}

	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("unable to load %s: %w", policyFile, err)
	}
	return p, nil
}

// Parse decodes and validates policy YAML.
func Parse(data []byte) (*Policy, error) {
	var file File
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, fmt.Errorf("unable to parse policy: %w", err)
	}
	if err := validator.New().Struct(file); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	levels, err := NewLevelSchedule(file.Referral.MaxDepth, file.Referral.LevelRates...)
	if err != nil {
		return nil, err
	}

	p := &Policy{Levels: levels, Tiers: make(map[string]Tier, len(file.Tiers))}
	for i, raw := range file.Tiers {
		if _, dup := p.Tiers[raw.Id]; dup {
			return nil, fmt.Errorf("tier %q declared twice", raw.Id)
		}
		tier := Tier{
			Id:              raw.Id,
			Kind:            models.DepositKind(raw.Kind),
			Currency:        models.Currency(raw.Currency),
			MinPrincipal:    decimal.Zero,
			FundFromBalance: raw.FundFromBalance,
		}
		if tier.RatePerSecond, err = parsePositive(raw.RatePerSecond); err != nil {
			return nil, fmt.Errorf("tier at index %d rate_per_second: %w", i, err)
		}
		if raw.MinPrincipal != "" {
			if tier.MinPrincipal, err = parsePositive(raw.MinPrincipal); err != nil {
				return nil, fmt.Errorf("tier at index %d min_principal: %w", i, err)
			}
		}
		if raw.Duration != "" {
			if tier.Duration, err = time.ParseDuration(raw.Duration); err != nil || tier.Duration <= 0 {
				return nil, fmt.Errorf("tier at index %d has invalid duration %q", i, raw.Duration)
			}
		}
		p.Tiers[tier.Id] = tier
	}

	if file.DailyBonus.Amount != "" {
		if p.BonusValue, err = parsePositive(file.DailyBonus.Amount); err != nil {
			return nil, fmt.Errorf("daily_bonus amount: %w", err)
		}
		p.BonusCur = models.Currency(file.DailyBonus.Currency)
		if p.BonusCur == "" {
			p.BonusCur = models.CurrencyUNI
		}
	}

	return p, nil
}

// Tier returns the named deposit tier.
func (p *Policy) Tier(id string) (Tier, error) {
	tier, ok := p.Tiers[id]
	if !ok {
		return Tier{}, fmt.Errorf("%w: %s", ErrTierNotFound, id)
	}
	return tier, nil
}

// DailyBonus returns the daily claim currency and amount. ok is false when disabled.
func (p *Policy) DailyBonus() (currency models.Currency, amount decimal.Decimal, ok bool) {
	return p.BonusCur, p.BonusValue, p.BonusValue.IsPositive()
}

// LevelSchedule maps referral level (1 = direct inviter) to a share of the earned amount.
type LevelSchedule struct {
	rates    []decimal.Decimal
	maxDepth int
}

// NewLevelSchedule validates a non-increasing list of level rates in [0, 1].
// maxDepth bounds upline resolution; levels beyond the list earn nothing.
func NewLevelSchedule(maxDepth int, rates ...string) (*LevelSchedule, error) {
	if len(rates) == 0 {
		return nil, errors.New("at least one level rate is required")
	}
	if maxDepth <= 0 {
		maxDepth = len(rates)
	}
	if maxDepth > store.MaxUplineDepth {
		return nil, fmt.Errorf("max depth %d exceeds %d", maxDepth, store.MaxUplineDepth)
	}

	s := &LevelSchedule{maxDepth: maxDepth, rates: make([]decimal.Decimal, len(rates))}
	for i, raw := range rates {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("level %d rate %q: %w", i+1, raw, err)
		}
		if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("level %d rate %s must be within [0, 1]", i+1, rate)
		}
		if i > 0 && rate.GreaterThan(s.rates[i-1]) {
			return nil, fmt.Errorf("%w: level %d (%s) > level %d (%s)", ErrNonMonotonicRates, i+1, rate, i, s.rates[i-1])
		}
		s.rates[i] = rate
	}
	return s, nil
}

// RateForLevel returns the share for level k, zero outside the schedule.
func (s *LevelSchedule) RateForLevel(level int) decimal.Decimal {
	if level < 1 || level > len(s.rates) || level > s.maxDepth {
		return decimal.Zero
	}
	return s.rates[level-1]
}

// MaxDepth is the deepest level that can earn a share.
func (s *LevelSchedule) MaxDepth() int {
	if len(s.rates) < s.maxDepth {
		return len(s.rates)
	}
	return s.maxDepth
}

func parsePositive(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s must be positive", raw)
	}
	return d, nil
}
