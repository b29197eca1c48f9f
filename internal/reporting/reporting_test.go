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

package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"farm-ledger-go/internal/models"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
)

func sampleReport() *models.CycleReport {
	started := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return &models.CycleReport{
		CycleId:       "cycle-1",
		State:         models.CycleFailed,
		StartedAt:     started,
		FinishedAt:    started.Add(3 * time.Second),
		AccruedCount:  2,
		AccruedAmount: decimal.RequireFromString("110.5"),
		Errors: []models.CycleError{
			{Stage: models.StageDistribution, AncestorId: 7, EventRef: "entry-1", Message: "connection refused"},
		},
	}
}

func TestKafkaReporter_PublishesJSON(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var decoded map[string]any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return err
		}
		if decoded["cycle_id"] != "cycle-1" || decoded["accrued_amount"] != "110.5" {
			return fmt.Errorf("unexpected payload %s", val)
		}
		errs, _ := decoded["errors"].([]any)
		if len(errs) != 1 {
			return fmt.Errorf("expected 1 error in payload, got %d", len(errs))
		}
		return nil
	})

	reporter := NewKafkaReporter(producer, "reward-cycles")
	if err := reporter.Report(context.Background(), sampleReport()); err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if err := reporter.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestKafkaReporter_SendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	reporter := NewKafkaReporter(producer, "reward-cycles")
	err := reporter.Report(context.Background(), sampleReport())
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("Expected ErrOutOfBrokers, got %v", err)
	}
	reporter.Close()
}

type funcReporter func(ctx context.Context, report *models.CycleReport) error

func (f funcReporter) Report(ctx context.Context, report *models.CycleReport) error {
	return f(ctx, report)
}

func TestMulti_CallsEveryReporter(t *testing.T) {
	calls := 0
	failing := errors.New("sink down")
	m := Multi{
		LogReporter{},
		funcReporter(func(context.Context, *models.CycleReport) error { calls++; return failing }),
		funcReporter(func(context.Context, *models.CycleReport) error { calls++; return nil }),
	}

	err := m.Report(context.Background(), sampleReport())
	if !errors.Is(err, failing) {
		t.Errorf("Expected joined sink error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected both reporters to be called, got %d", calls)
	}
}
