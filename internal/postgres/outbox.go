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
	"fmt"

	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/store"

	"go.uber.org/zap"
)

// ListPendingDistributions returns harvests whose referral fan-out is not yet complete, oldest first.
func (s *Service) ListPendingDistributions(ctx context.Context, limit int) ([]models.PendingDistribution, error) {
	var pending []models.PendingDistribution
	if err := s.db.SelectContext(ctx, &pending, queryListPendingDistributions, limit); err != nil {
		return nil, classify("list pending distributions", fmt.Errorf("failed to query pending distributions: %w", err))
	}
	for i := range pending {
		pending[i].OccurredAt = pending[i].OccurredAt.UTC()
	}
	return pending, nil
}

// CompleteDistribution records the outcome of one fan-out attempt.
func (s *Service) CompleteDistribution(ctx context.Context, eventRef string, status models.DistributionStatus, lastError string) error {
	if _, err := s.db.ExecContext(ctx, queryCompleteDistribution, string(status), lastError, store.Normalize(s.now()), eventRef); err != nil {
		return classify("complete distribution", fmt.Errorf("failed to update distribution %s: %w", eventRef, err))
	}
	zap.L().Debug("Distribution updated", zap.String("event_ref", eventRef), zap.String("status", string(status)))
	return nil
}
