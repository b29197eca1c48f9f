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

package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"farm-ledger-go/internal/common"
	"farm-ledger-go/internal/config"
	"farm-ledger-go/internal/maintenance"
	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/store"

	"go.uber.org/zap"
)

func printPartitions(partitions []models.PartitionDescriptor) {
	common.PrintHeader("LEDGER PARTITIONS", common.DefaultWidth)
	for i, p := range partitions {
		fmt.Printf("%s %-28s %-26s rows: %d\n",
			common.BoxPrefix(i == len(partitions)-1),
			p.Name,
			common.FormatRange(p),
			p.RowCount)
	}
	common.PrintFooter(fmt.Sprintf("%d partitions", len(partitions)), common.DefaultWidth)
}

func printHealth(health *models.PartitionHealth) {
	common.PrintHeader("PARTITION HEALTH", common.DefaultWidth)
	fmt.Printf("Checked at:   %s\n", health.CheckedAt.Format(time.RFC3339))
	fmt.Printf("Partitions:   %d\n", health.PartitionCount)
	fmt.Printf("Default:      %t\n", health.HasDefault)
	if !health.CoveredFrom.IsZero() {
		fmt.Printf("Covered:      [%s, %s)\n", health.CoveredFrom.Format(time.DateOnly), health.CoveredTo.Format(time.DateOnly))
	}
	for _, g := range health.Gaps {
		fmt.Printf("✗ gap      [%s, %s)\n", g.From.Format(time.RFC3339), g.To.Format(time.RFC3339))
	}
	for _, o := range health.Overlaps {
		fmt.Printf("✗ overlap  %s / %s on [%s, %s)\n", o.First, o.Second,
			o.Range.From.Format(time.RFC3339), o.Range.To.Format(time.RFC3339))
	}

	status := "HEALTHY"
	if !health.Healthy() {
		status = fmt.Sprintf("UNHEALTHY: %d gaps, %d overlaps", len(health.Gaps), len(health.Overlaps))
	}
	common.PrintFooter(status, common.DefaultWidth)
}

func runEnsure(ctx context.Context, ledger store.LedgerStore, cfg models.PartitionConfig, days int) {
	if days > 0 {
		cfg.ForwardHorizonDays = days
	}
	job := maintenance.New(ledger, cfg, nil)

	result, err := job.RunOnce(ctx, time.Now())
	if err != nil {
		zap.L().Fatal("Partition maintenance failed", zap.Error(err))
	}

	common.PrintHeader("PARTITION MAINTENANCE", common.DefaultWidth)
	fmt.Printf("Window: [%s, %s)\n\n", result.Window.From.Format(time.DateOnly), result.Window.To.Format(time.DateOnly))
	for _, p := range append(result.Ensured, result.Failed...) {
		line := fmt.Sprintf("%s %-28s %s", common.StatusMark(p.Status), p.Name, p.Status)
		if p.Error != "" {
			line += ": " + p.Error
		}
		fmt.Println(line)
	}
	common.PrintFooter(fmt.Sprintf("SUMMARY: %d ensured, %d failed", len(result.Ensured), len(result.Failed)), common.DefaultWidth)

	if len(result.Failed) > 0 {
		zap.L().Warn("Some partitions could not be created", zap.Int("failed", len(result.Failed)))
	}
}

func main() {
	ctx := context.Background()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	listFlag := flag.Bool("list", false, "List existing partitions")
	healthFlag := flag.Bool("health", false, "Check partition timeline coverage")
	daysFlag := flag.Int("days", 0, "Forward horizon in days (overrides PARTITION_FORWARD_DAYS)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load config", zap.Error(err))
	}

	ledger, err := common.InitializeStore(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize ledger store", zap.Error(err))
	}
	defer ledger.Close()

	switch {
	case *listFlag:
		partitions, err := ledger.ListPartitions(ctx)
		if err != nil {
			zap.L().Fatal("Failed to list partitions", zap.Error(err))
		}
		printPartitions(partitions)
	case *healthFlag:
		health, err := ledger.PartitionHealthCheck(ctx)
		if err != nil {
			zap.L().Fatal("Failed to check partition health", zap.Error(err))
		}
		printHealth(health)
	default:
		runEnsure(ctx, ledger, cfg.Partitions, *daysFlag)
	}
}
