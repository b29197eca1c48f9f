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

package maintenance

import (
	"context"
	"fmt"
	"time"

	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/partition"

	"go.uber.org/zap"
)

// Store is the partition surface of the ledger store.
type Store interface {
	EnsurePartitionsCovering(ctx context.Context, from, to time.Time) ([]models.PartitionDescriptor, error)
	ListPartitions(ctx context.Context) ([]models.PartitionDescriptor, error)
	PartitionHealthCheck(ctx context.Context) (*models.PartitionHealth, error)
}

// Observer receives partition state after every run.
type Observer interface {
	ObservePartitions(partitions []models.PartitionDescriptor, health *models.PartitionHealth)
	ObserveEnsure(results []models.PartitionDescriptor)
}

// Result is the outcome of one maintenance run.
type Result struct {
	Window  models.TimeRange
	Ensured []models.PartitionDescriptor
	Failed  []models.PartitionDescriptor
	Health  *models.PartitionHealth
}

// Job keeps day partitions created ahead of time and checks timeline coverage.
type Job struct {
	store    Store
	observer Observer
	horizon  int
	backfill int
}

func New(s Store, cfg models.PartitionConfig, observer Observer) *Job {
	return &Job{
		store:    s,
		observer: observer,
		horizon:  cfg.ForwardHorizonDays,
		backfill: cfg.BackfillDays,
	}
}

// Window returns the range of days a run at now must cover: from backfill days
// before today through the end of today plus the forward horizon.
func (j *Job) Window(now time.Time) models.TimeRange {
	today := partition.DayStart(now)
	return models.TimeRange{
		From: today.Add(-time.Duration(j.backfill) * partition.Day),
		To:   today.Add(time.Duration(j.horizon+1) * partition.Day),
	}
}

// RunOnce ensures the window around now is partitioned and runs a health check.
// Individual partition failures are logged and returned in the result; an error
// is returned only when the store could not be queried.
func (j *Job) RunOnce(ctx context.Context, now time.Time) (*Result, error) {
	window := j.Window(now)
	result := &Result{Window: window}

	ensured, err := j.store.EnsurePartitionsCovering(ctx, window.From, window.To)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure partitions: %w", err)
	}
	for _, p := range ensured {
		if p.Status == models.PartitionFailed {
			result.Failed = append(result.Failed, p)
			zap.L().Error("Partition creation failed",
				zap.String("partition", p.Name),
				zap.Time("from", p.From),
				zap.String("error", p.Error))
			continue
		}
		result.Ensured = append(result.Ensured, p)
	}

	health, err := j.store.PartitionHealthCheck(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check partition health: %w", err)
	}
	result.Health = health
	if !health.Healthy() {
		zap.L().Warn("Partition timeline unhealthy",
			zap.Int("gaps", len(health.Gaps)),
			zap.Int("overlaps", len(health.Overlaps)),
			zap.Bool("has_default", health.HasDefault))
	}

	if j.observer != nil {
		partitions, err := j.store.ListPartitions(ctx)
		if err != nil {
			zap.L().Warn("Failed to list partitions for metrics", zap.Error(err))
		}
		j.observer.ObserveEnsure(ensured)
		j.observer.ObservePartitions(partitions, health)
	}

	zap.L().Info("Partition maintenance finished",
		zap.Time("from", window.From),
		zap.Time("to", window.To),
		zap.Int("created", len(result.Ensured)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("partitions", health.PartitionCount))
	return result, nil
}

// Tick runs one maintenance pass for a scheduler.
func (j *Job) Tick(ctx context.Context, now time.Time) {
	if _, err := j.RunOnce(ctx, now); err != nil {
		zap.L().Error("Partition maintenance failed", zap.Error(err))
	}
}
