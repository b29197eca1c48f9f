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
	"math"

	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/partition"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "farm_ledger"

// Metrics holds Prometheus metrics for the reward daemon
type Metrics struct {
	Registry *prometheus.Registry

	CyclesTotal       *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
	CycleErrors       *prometheus.CounterVec
	AccruedDeposits   prometheus.Counter
	AccruedAmount     prometheus.Counter
	ReferralCredits   prometheus.Counter
	BudgetExceeded    prometheus.Counter
	PartitionCount    prometheus.Gauge
	PartitionGaps     prometheus.Gauge
	PartitionOverlaps prometheus.Gauge
	ForwardCoverage   prometheus.Gauge
	PartitionRows     *prometheus.GaugeVec
	PartitionEnsured  *prometheus.CounterVec
}

// New registers all metrics on a fresh registry, together with the Go runtime
// and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		CyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cycle",
				Name:      "runs_total",
				Help:      "Total number of reward cycles by final state",
			},
			[]string{"state"},
		),
		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "cycle",
				Name:      "duration_seconds",
				Help:      "Reward cycle duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		CycleErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cycle",
				Name:      "errors_total",
				Help:      "Isolated failures recorded by reward cycles",
			},
			[]string{"stage"},
		),
		AccruedDeposits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "accrual",
				Name:      "deposits_total",
				Help:      "Deposits credited with yield",
			},
		),
		AccruedAmount: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "accrual",
				Name:      "amount_total",
				Help:      "Yield credited across all currencies (approximate)",
			},
		),
		ReferralCredits: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "referral",
				Name:      "credits_total",
				Help:      "Referral credits applied to ancestors",
			},
		),
		BudgetExceeded: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cycle",
				Name:      "budget_exceeded_total",
				Help:      "Cycles that stopped early on their time budget",
			},
		),
		PartitionCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "partitions",
				Name:      "count",
				Help:      "Range partitions of the ledger",
			},
		),
		PartitionGaps: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "partitions",
				Name:      "gaps",
				Help:      "Uncovered intervals between range partitions",
			},
		),
		PartitionOverlaps: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "partitions",
				Name:      "overlaps",
				Help:      "Overlapping range partition pairs",
			},
		),
		ForwardCoverage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "partitions",
				Name:      "forward_coverage_days",
				Help:      "Whole days of range partitions ahead of the current day",
			},
		),
		PartitionRows: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "partitions",
				Name:      "rows",
				Help:      "Row count per partition",
			},
			[]string{"partition"},
		),
		PartitionEnsured: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "partitions",
				Name:      "ensured_total",
				Help:      "Partition creation attempts by outcome",
			},
			[]string{"status"},
		),
	}
}

// Report records a finished cycle.
func (m *Metrics) Report(ctx context.Context, report *models.CycleReport) error {
	m.CyclesTotal.WithLabelValues(string(report.State)).Inc()
	m.CycleDuration.Observe(report.Duration().Seconds())
	m.AccruedDeposits.Add(float64(report.AccruedCount))
	amount, _ := report.AccruedAmount.Float64()
	if amount > 0 {
		m.AccruedAmount.Add(amount)
	}
	m.ReferralCredits.Add(float64(report.ReferralCreditsApplied))
	if report.BudgetExceeded {
		m.BudgetExceeded.Inc()
	}
	for _, e := range report.Errors {
		m.CycleErrors.WithLabelValues(string(e.Stage)).Inc()
	}
	return nil
}

// ObservePartitions records the current partition layout and its health.
func (m *Metrics) ObservePartitions(partitions []models.PartitionDescriptor, health *models.PartitionHealth) {
	m.PartitionRows.Reset()
	for _, p := range partitions {
		m.PartitionRows.WithLabelValues(p.Name).Set(float64(p.RowCount))
	}
	if health != nil {
		m.PartitionCount.Set(float64(health.PartitionCount))
		m.PartitionGaps.Set(float64(len(health.Gaps)))
		m.PartitionOverlaps.Set(float64(len(health.Overlaps)))
		m.ForwardCoverage.Set(forwardDays(health))
	}
}

// ObserveEnsure counts partition creation outcomes.
func (m *Metrics) ObserveEnsure(results []models.PartitionDescriptor) {
	for _, p := range results {
		m.PartitionEnsured.WithLabelValues(string(p.Status)).Inc()
	}
}

// forwardDays counts the days covered after the current one.
func forwardDays(health *models.PartitionHealth) float64 {
	if health.CoveredTo.IsZero() {
		return 0
	}
	tomorrow := partition.DayStart(health.CheckedAt).Add(partition.Day)
	return math.Max(0, float64(health.CoveredTo.Sub(tomorrow)/partition.Day))
}
