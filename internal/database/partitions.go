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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/partition"
	"farm-ledger-go/internal/store"

	"go.uber.org/zap"
)

// routePartition returns the partition covering at, falling back to the default partition.
func (s *Service) routePartition(ctx context.Context, q queryer, at time.Time) (string, error) {
	var name string
	err := q.QueryRowContext(ctx, queryRouteRange, toNanos(at), toNanos(at)).Scan(&name)
	if err == nil {
		return name, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", classify("route partition", fmt.Errorf("failed to route entry: %w", err))
	}

	err = q.QueryRowContext(ctx, queryRouteDefault).Scan(&name)
	if err == nil {
		zap.L().Warn("Entry routed to default partition",
			zap.Time("created_at", at),
			zap.String("partition", name))
		return name, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", classify("route partition", fmt.Errorf("failed to route entry: %w", err))
	}

	gap := &store.PartitionGapError{Table: s.cfg.Table, At: at}
	zap.L().Error("No partition covers entry timestamp", zap.Time("created_at", at), zap.Error(gap))
	return "", gap
}

// EnsurePartitionsCovering creates the missing day partitions for [from, to). The
// write transaction serialises concurrent callers, so a caller that loses the race
// finds nothing left to create.
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

	existing, err := s.loadPartitions(ctx, tx)
	if err != nil {
		return nil, err
	}

	plan, err := partition.Plan(s.cfg.Table, existing, from, to)
	if err != nil {
		return nil, err
	}

	now := s.now()
	results := make([]models.PartitionDescriptor, 0, len(plan))
	for _, spec := range plan {
		desc := models.PartitionDescriptor{Name: spec.Name, From: spec.From, To: spec.To, CreatedAt: store.Normalize(now)}

		var stranded int64
		if spec.Overlap == nil {
			if err := tx.QueryRowContext(ctx, s.sql(queryCountDefaultRowsInRange),
				partition.DefaultName(s.cfg.Table), toNanos(spec.From), toNanos(spec.To)).Scan(&stranded); err != nil {
				return nil, fmt.Errorf("failed to inspect default partition: %w", err)
			}
		}

		switch {
		case spec.Overlap != nil:
			desc.Status = models.PartitionFailed
			desc.Error = spec.Overlap.Error()
		case stranded > 0:
			desc.Status = models.PartitionFailed
			desc.Error = fmt.Sprintf("default partition already holds %d rows in range", stranded)
		default:
			result, err := tx.ExecContext(ctx, queryInsertPartition, spec.Name, toNanos(spec.From), toNanos(spec.To), false, toNanos(now))
			if err != nil {
				return nil, classify("ensure partitions", fmt.Errorf("failed to create partition %s: %w", spec.Name, err))
			}
			if n, _ := result.RowsAffected(); n == 0 {
				desc.Status = models.PartitionExists
			} else {
				desc.Status = models.PartitionCreated
			}
		}

		if err := s.logMaintenance(ctx, tx, desc, now); err != nil {
			return nil, err
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

func (s *Service) ensureDefaultPartition(ctx context.Context) error {
	name := partition.DefaultName(s.cfg.Table)
	now := s.now()
	result, err := s.db.ExecContext(ctx, queryInsertPartition, name, 0, 0, true, toNanos(now))
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n > 0 {
		desc := models.PartitionDescriptor{Name: name, Default: true, Status: models.PartitionCreated}
		if _, err := s.db.ExecContext(ctx, queryInsertMaintenanceLog, desc.Name, 0, 0, string(desc.Status), "", toNanos(now)); err != nil {
			return err
		}
		zap.L().Info("Default partition created", zap.String("partition", name))
	}
	return nil
}

// ListPartitions returns every catalogued partition with its row count.
func (s *Service) ListPartitions(ctx context.Context) ([]models.PartitionDescriptor, error) {
	descriptors, err := s.loadPartitions(ctx, s.db)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.sql(queryPartitionRowCounts))
	if err != nil {
		return nil, fmt.Errorf("failed to count partition rows: %w", err)
	}
	defer closeRows(rows)

	counts := make(map[string]int64)
	for rows.Next() {
		var name string
		var count int64
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("failed to scan partition row count: %w", err)
		}
		counts[name] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating partition row counts: %w", err)
	}

	for i := range descriptors {
		descriptors[i].RowCount = counts[descriptors[i].Name]
	}
	return descriptors, nil
}

func (s *Service) PartitionHealthCheck(ctx context.Context) (*models.PartitionHealth, error) {
	descriptors, err := s.loadPartitions(ctx, s.db)
	if err != nil {
		return nil, err
	}
	return partition.CheckHealth(descriptors, s.now().UTC()), nil
}

type rowsQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Service) loadPartitions(ctx context.Context, q rowsQueryer) ([]models.PartitionDescriptor, error) {
	rows, err := q.QueryContext(ctx, queryListPartitions)
	if err != nil {
		return nil, classify("list partitions", fmt.Errorf("failed to list partitions: %w", err))
	}
	defer closeRows(rows)

	var descriptors []models.PartitionDescriptor
	for rows.Next() {
		var desc models.PartitionDescriptor
		var from, to, createdAt int64
		if err := rows.Scan(&desc.Name, &from, &to, &desc.Default, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan partition: %w", err)
		}
		if !desc.Default {
			desc.From = fromNanos(from)
			desc.To = fromNanos(to)
		}
		desc.CreatedAt = fromNanos(createdAt)
		desc.Status = models.PartitionExists
		descriptors = append(descriptors, desc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating partition rows: %w", err)
	}
	return descriptors, nil
}

func (s *Service) logMaintenance(ctx context.Context, tx *sql.Tx, desc models.PartitionDescriptor, at time.Time) error {
	var from, to int64
	if !desc.Default {
		from, to = toNanos(desc.From), toNanos(desc.To)
	}
	if _, err := tx.ExecContext(ctx, queryInsertMaintenanceLog, desc.Name, from, to, string(desc.Status), desc.Error, toNanos(at)); err != nil {
		return fmt.Errorf("failed to write partition maintenance log: %w", err)
	}
	return nil
}
