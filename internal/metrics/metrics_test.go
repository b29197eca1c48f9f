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

package metrics

import (
	"context"
	"testing"
	"time"

	"farm-ledger-go/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

func TestReport(t *testing.T) {
	m := New()
	started := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	report := &models.CycleReport{
		State:                  models.CycleFailed,
		StartedAt:              started,
		FinishedAt:             started.Add(2 * time.Second),
		AccruedCount:           3,
		AccruedAmount:          decimal.RequireFromString("12.5"),
		ReferralCreditsApplied: 4,
		BudgetExceeded:         true,
		Errors: []models.CycleError{
			{Stage: models.StageDistribution},
			{Stage: models.StageDistribution},
			{Stage: models.StageAccrual},
		},
	}
	if err := m.Report(context.Background(), report); err != nil {
		t.Fatalf("Report failed: %v", err)
	}

	if got := testutil.ToFloat64(m.CyclesTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("Expected 1 failed cycle, got %v", got)
	}
	if got := testutil.ToFloat64(m.AccruedAmount); got != 12.5 {
		t.Errorf("Expected accrued amount 12.5, got %v", got)
	}
	if got := testutil.ToFloat64(m.ReferralCredits); got != 4 {
		t.Errorf("Expected 4 referral credits, got %v", got)
	}
	if got := testutil.ToFloat64(m.CycleErrors.WithLabelValues("distribution")); got != 2 {
		t.Errorf("Expected 2 distribution errors, got %v", got)
	}
	if got := testutil.ToFloat64(m.BudgetExceeded); got != 1 {
		t.Errorf("Expected budget counter 1, got %v", got)
	}
}

func TestObservePartitions(t *testing.T) {
	m := New()
	m.ObservePartitions([]models.PartitionDescriptor{
		{Name: "ledger_entries_default", Default: true, RowCount: 2},
		{Name: "ledger_entries_p20260310", RowCount: 40},
	}, &models.PartitionHealth{
		CheckedAt:      time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		CoveredTo:      time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC),
		PartitionCount: 1,
		Gaps:           []models.TimeRange{{}},
	})
	m.ObserveEnsure([]models.PartitionDescriptor{
		{Status: models.PartitionCreated},
		{Status: models.PartitionCreated},
		{Status: models.PartitionFailed},
	})

	if got := testutil.ToFloat64(m.PartitionRows.WithLabelValues("ledger_entries_p20260310")); got != 40 {
		t.Errorf("Expected 40 rows, got %v", got)
	}
	if got := testutil.ToFloat64(m.PartitionGaps); got != 1 {
		t.Errorf("Expected 1 gap, got %v", got)
	}
	if got := testutil.ToFloat64(m.ForwardCoverage); got != 7 {
		t.Errorf("Expected 7 days of forward coverage, got %v", got)
	}
	if got := testutil.ToFloat64(m.PartitionEnsured.WithLabelValues("created")); got != 2 {
		t.Errorf("Expected 2 created partitions, got %v", got)
	}
}
