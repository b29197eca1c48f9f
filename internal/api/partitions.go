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
	"fmt"

	"farm-ledger-go/internal/models"

	"go.uber.org/zap"
)

// GetPartitions lists every ledger partition with its row count.
func (s *LedgerService) GetPartitions(ctx context.Context) ([]models.PartitionDescriptor, error) {
	partitions, err := s.db.ListPartitions(ctx)
	if err != nil {
		zap.L().Error("Failed to list partitions", zap.Error(err))
		return nil, fmt.Errorf("failed to list partitions")
	}
	return partitions, nil
}

func (s *LedgerService) GetPartitionHealth(ctx context.Context) (*models.PartitionHealth, error) {
	health, err := s.db.PartitionHealthCheck(ctx)
	if err != nil {
		zap.L().Error("Failed to check partition health", zap.Error(err))
		return nil, fmt.Errorf("failed to check partition health")
	}
	return health, nil
}
