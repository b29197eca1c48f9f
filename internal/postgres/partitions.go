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
	"strings"
	"time"

	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/partition"
	"farm-ledger-go/internal/store"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

type partitionRow struct {
	Name      string `db:"name"`
	Bound     string `db:"bound"`
	RowCount  int64  `db:"row_count"`
	SizeBytes int64  `db:"size_bytes"`
}

// EnsurePartitionsCovering creates the missing day partitions for [from, to).
// Callers serialise on a transaction-scoped advisory lock keyed by the table, and
// each partition is created under its own savepoint so one failure does not undo
// the rest.
func (s *Service) EnsurePartitionsCovering(ctx context.Context, from, to time.Time) ([]models.PartitionDescriptor, error) {
	zap.L().Info("Ensuring partitions",
		zap.String("table", s.cfg.Table),
		zap.Time("from", from),
		zap.Time("to", to))

	tx, err := s.beginTx(ctx, "ensure partitions")
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, queryPartitionLock, s.cfg.Table); err != nil {
		return nil, classify("ensure partitions", fmt.Errorf("failed to take partition lock: %w", err))
	}

	existing, err := s.loadPartitions(ctx, tx)
	if err != nil {
		return nil, err
	}

	plan, err := partition.Plan(s.cfg.Table, existing, from, to)
	if err != nil {
		return nil, err
	}

	now := store.Normalize(s.now())
	results := make([]models.PartitionDescriptor, 0, len(plan))
	for _, spec := range plan {
		desc := models.PartitionDescriptor{Name: spec.Name, From: spec.From, To: spec.To, CreatedAt: now}
		if spec.Overlap != nil {
			desc.Status, desc.Error = models.PartitionFailed, spec.Overlap.Error()
		} else {
			desc.Status, desc.Error, err = s.createPartition(ctx, tx, partition.CreateDDL(s.cfg.Table, spec))
			if err != nil {
				return nil, err
			}
		}
		if _, err := tx.ExecContext(ctx, queryInsertMaintenanceLog,
			desc.Name, desc.From, desc.To, string(desc.Status), desc.Error, now); err != nil {
			return nil, fmt.Errorf("failed to write partition maintenance log: %w", err)
		}
		results = append(results, desc)
	}

	if err := s.commit(tx, "ensure partitions"); err != nil {
		return nil, err
	}

	for _, desc := range results {
		if desc.Status == models.PartitionFailed {
			zap.L().Error("Partition creation failed", zap.String("partition", desc.Name), zap.String("error", desc.Error))
		} else {
			zap.L().Info("Partition ensured", zap.String("partition", desc.Name), zap.String("status", string(desc.Status)))
		}
	}
	return results, nil
}

// createPartition runs one DDL statement under a savepoint. A partition that
// already exists is reported as such; a default partition holding rows in the
// new range (check violation) marks the partition failed without aborting the batch.
func (s *Service) createPartition(ctx context.Context, tx *sqlx.Tx, ddl string) (models.PartitionStatus, string, error) {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT create_partition"); err != nil {
		return "", "", classify("ensure partitions", fmt.Errorf("failed to create savepoint: %w", err))
	}

	_, execErr := tx.ExecContext(ctx, ddl)
	if execErr == nil {
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT create_partition"); err != nil {
			return "", "", fmt.Errorf("failed to release savepoint: %w", err)
		}
		return models.PartitionCreated, "", nil
	}

	if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT create_partition"); err != nil {
		return "", "", fmt.Errorf("failed to roll back savepoint: %w", err)
	}
	switch pgCode(execErr) {
	case codeDuplicateTable, codeUniqueViolation:
		return models.PartitionExists, "", nil
	case codeCheckViolation:
		return models.PartitionFailed, execErr.Error(), nil
	}
	return "", "", classify("ensure partitions", fmt.Errorf("failed to create partition: %w", execErr))
}

func (s *Service) ensureDefaultPartition(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, partition.DefaultDDL(s.cfg.Table)); err != nil {
		if code := pgCode(err); code == codeDuplicateTable || code == codeUniqueViolation {
			return nil
		}
		return err
	}
	zap.L().Info("Default partition ensured", zap.String("partition", partition.DefaultName(s.cfg.Table)))
	return nil
}

// ListPartitions returns every attached partition with its live row estimate and size.
func (s *Service) ListPartitions(ctx context.Context) ([]models.PartitionDescriptor, error) {
	return s.loadPartitions(ctx, s.db)
}

func (s *Service) PartitionHealthCheck(ctx context.Context) (*models.PartitionHealth, error) {
	descriptors, err := s.loadPartitions(ctx, s.db)
	if err != nil {
		return nil, err
	}
	return partition.CheckHealth(descriptors, s.now().UTC()), nil
}

func (s *Service) loadPartitions(ctx context.Context, q sqlx.QueryerContext) ([]models.PartitionDescriptor, error) {
	var rows []partitionRow
	if err := sqlx.SelectContext(ctx, q, &rows, queryListPartitions, s.cfg.Table); err != nil {
		return nil, classify("list partitions", fmt.Errorf("failed to list partitions: %w", err))
	}

	descriptors := make([]models.PartitionDescriptor, 0, len(rows))
	for _, row := range rows {
		desc, err := describePartition(row)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, desc)
	}
	return descriptors, nil
}

// describePartition parses a bound such as
// FOR VALUES FROM ('2026-03-10 00:00:00+00') TO ('2026-03-11 00:00:00+00').
func describePartition(row partitionRow) (models.PartitionDescriptor, error) {
	desc := models.PartitionDescriptor{
		Name:      row.Name,
		Status:    models.PartitionExists,
		RowCount:  row.RowCount,
		SizeBytes: row.SizeBytes,
	}
	if row.Bound == "DEFAULT" {
		desc.Default = true
		return desc, nil
	}

	parts := strings.Split(row.Bound, "'")
	if len(parts) < 4 {
		return desc, fmt.Errorf("unrecognised bound for partition %s: %q", row.Name, row.Bound)
	}
	var err error
	if desc.From, err = partition.ParseBound(parts[1]); err != nil {
		return desc, fmt.Errorf("partition %s: %w", row.Name, err)
	}
	if desc.To, err = partition.ParseBound(parts[3]); err != nil {
		return desc, fmt.Errorf("partition %s: %w", row.Name, err)
	}
	return desc, nil
}
