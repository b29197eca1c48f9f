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
	"fmt"

	"farm-ledger-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ListPendingDistributions returns harvests whose referral fan-out is not yet complete, oldest first.
func (s *Service) ListPendingDistributions(ctx context.Context, limit int) ([]models.PendingDistribution, error) {
	rows, err := s.db.QueryContext(ctx, queryListPendingDistributions, limit)
	if err != nil {
		return nil, classify("list pending distributions", fmt.Errorf("failed to query pending distributions: %w", err))
	}
	defer closeRows(rows)

	var pending []models.PendingDistribution
	for rows.Next() {
		var p models.PendingDistribution
		var currency, amount, status string
		var occurredAt int64
		if err := rows.Scan(&p.EventRef, &p.SourceUserId, &currency, &amount, &occurredAt, &status, &p.Attempts, &p.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan pending distribution: %w", err)
		}
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("failed to parse distribution amount '%s': %w", amount, err)
		}
		p.Currency = models.Currency(currency)
		p.Status = models.DistributionStatus(status)
		p.OccurredAt = fromNanos(occurredAt)
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending distributions: %w", err)
	}
	return pending, nil
}

// CompleteDistribution records the outcome of one fan-out attempt.
func (s *Service) CompleteDistribution(ctx context.Context, eventRef string, status models.DistributionStatus, lastError string) error {
	if _, err := s.db.ExecContext(ctx, queryCompleteDistribution, string(status), lastError, toNanos(s.now()), eventRef); err != nil {
		return classify("complete distribution", fmt.Errorf("failed to update distribution %s: %w", eventRef, err))
	}
	zap.L().Debug("Distribution updated", zap.String("event_ref", eventRef), zap.String("status", string(status)))
	return nil
}
