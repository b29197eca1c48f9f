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

	"farm-ledger-go/internal/models"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Reporter receives finished cycle reports.
type Reporter interface {
	Report(ctx context.Context, report *models.CycleReport) error
}

// LogReporter writes every cycle error as its own log line.
type LogReporter struct{}

func (LogReporter) Report(ctx context.Context, report *models.CycleReport) error {
	for _, e := range report.Errors {
		zap.L().Warn("Cycle error",
			zap.String("cycle_id", report.CycleId),
			zap.String("stage", string(e.Stage)),
			zap.String("deposit_id", e.DepositId),
			zap.Int64("user_id", e.UserId),
			zap.Int64("ancestor_id", e.AncestorId),
			zap.String("event_ref", e.EventRef),
			zap.String("message", e.Message))
	}
	return nil
}

// NewKafkaProducer creates a synchronous producer waiting for all in-sync replicas.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

// KafkaReporter publishes each report as JSON keyed by cycle id.
type KafkaReporter struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaReporter(producer sarama.SyncProducer, topic string) *KafkaReporter {
	return &KafkaReporter{producer: producer, topic: topic}
}

func (k *KafkaReporter) Report(ctx context.Context, report *models.CycleReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode cycle report: %w", err)
	}

	partition, offset, err := k.producer.SendMessage(&sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(report.CycleId),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("failed to publish cycle report %s: %w", report.CycleId, err)
	}
	zap.L().Debug("Cycle report published",
		zap.String("cycle_id", report.CycleId),
		zap.String("topic", k.topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (k *KafkaReporter) Close() error {
	return k.producer.Close()
}

// Multi fans a report out to several reporters, joining their errors.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, report *models.CycleReport) error {
	var errs []error
	for _, r := range m {
		if err := r.Report(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
