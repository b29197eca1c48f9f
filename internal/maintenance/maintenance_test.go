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
	"path/filepath"
	"testing"
	"time"

	"farm-ledger-go/internal/database"
	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/partition"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func partitionConfig() models.PartitionConfig {
	return models.PartitionConfig{
		Table:              "ledger_entries",
		Granularity:        "day",
		ForwardHorizonDays: 7,
		BackfillDays:       1,
		CatchAllEnabled:    true,
	}
}

func setupStore(t *testing.T) *database.Service {
	t.Helper()
	service, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "maintenance.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		PingTimeout:  time.Second,
	}, partitionConfig())
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(service.Close)
	return service
}

type recordingObserver struct {
	ensured    int
	partitions []models.PartitionDescriptor
	health     *models.PartitionHealth
}

func (r *recordingObserver) ObservePartitions(partitions []models.PartitionDescriptor, health *models.PartitionHealth) {
	r.partitions = partitions
	r.health = health
}

func (r *recordingObserver) ObserveEnsure(results []models.PartitionDescriptor) {
	r.ensured += len(results)
}

func TestWindow(t *testing.T) {
	job := New(nil, partitionConfig(), nil)
	window := job.Window(testNow)
	if !window.From.Equal(time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected window start %s", window.From)
	}
	if !window.To.Equal(time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected window end %s", window.To)
	}
}

func TestRunOnce_CreatesHorizonAndIsIdempotent(t *testing.T) {
	s := setupStore(t)
	observer := &recordingObserver{}
	job := New(s, partitionConfig(), observer)

	result, err := job.RunOnce(context.Background(), testNow)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	// yesterday, today and seven days ahead
	if len(result.Ensured) != 9 || len(result.Failed) != 0 {
		t.Fatalf("Expected 9 new partitions, got %d created / %d failed", len(result.Ensured), len(result.Failed))
	}
	if !result.Health.Healthy() || !result.Health.HasDefault {
		t.Errorf("Expected healthy timeline, got %+v", result.Health)
	}
	want := partition.NameFor("ledger_entries", testNow.Add(7*partition.Day))
	if result.Ensured[len(result.Ensured)-1].Name != want {
		t.Errorf("Expected last partition %s, got %s", want, result.Ensured[len(result.Ensured)-1].Name)
	}
	if observer.ensured != 9 || len(observer.partitions) != 10 || observer.health == nil {
		t.Errorf("Unexpected observations: ensured=%d partitions=%d", observer.ensured, len(observer.partitions))
	}

	again, err := job.RunOnce(context.Background(), testNow)
	if err != nil {
		t.Fatalf("Second RunOnce failed: %v", err)
	}
	if len(again.Ensured) != 0 {
		t.Errorf("Expected no new partitions, got %d", len(again.Ensured))
	}

	// The next day only adds one partition at the far edge.
	next, err := job.RunOnce(context.Background(), testNow.Add(partition.Day))
	if err != nil {
		t.Fatalf("Next-day RunOnce failed: %v", err)
	}
	if len(next.Ensured) != 1 {
		t.Errorf("Expected 1 new partition, got %d", len(next.Ensured))
	}
}
