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
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"farm-ledger-go/internal/accrual"
	"farm-ledger-go/internal/api"
	"farm-ledger-go/internal/common"
	"farm-ledger-go/internal/config"
	"farm-ledger-go/internal/lock"
	"farm-ledger-go/internal/maintenance"
	"farm-ledger-go/internal/metrics"
	"farm-ledger-go/internal/models"
	"farm-ledger-go/internal/opsserver"
	"farm-ledger-go/internal/orchestrator"
	"farm-ledger-go/internal/referral"
	"farm-ledger-go/internal/reporting"
	"farm-ledger-go/internal/retry"
	"farm-ledger-go/internal/scheduler"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func newGuard(ctx context.Context, cfg models.RedisConfig) (orchestrator.Guard, func()) {
	if cfg.Addr == "" {
		zap.L().Info("No REDIS_ADDR set, cycles are guarded in-process only")
		return nil, func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		zap.L().Fatal("Failed to connect to Redis", zap.String("addr", cfg.Addr), zap.Error(err))
	}
	zap.L().Info("Cycle lock backed by Redis", zap.String("addr", cfg.Addr), zap.Duration("ttl", cfg.LockTTL))
	return lock.NewRedisLock(client, lock.CycleLockKey, cfg.LockTTL), func() { _ = client.Close() }
}

func newReporters(cfg models.KafkaConfig, m *metrics.Metrics) (reporting.Multi, func()) {
	reporters := reporting.Multi{reporting.LogReporter{}, m}
	if len(cfg.Brokers) == 0 {
		return reporters, func() {}
	}

	producer, err := reporting.NewKafkaProducer(cfg.Brokers)
	if err != nil {
		zap.L().Fatal("Failed to create Kafka producer", zap.Strings("brokers", cfg.Brokers), zap.Error(err))
	}
	kafka := reporting.NewKafkaReporter(producer, cfg.CycleTopic)
	zap.L().Info("Publishing cycle reports to Kafka", zap.String("topic", cfg.CycleTopic))
	return append(reporters, kafka), func() {
		if err := kafka.Close(); err != nil {
			zap.L().Warn("Failed to close Kafka producer", zap.Error(err))
		}
	}
}

func main() {
	once := flag.Bool("once", false, "Run a single reward cycle and exit")
	flag.Parse()

	_, loggerCleanup := common.InitializeLogger()
	defer loggerCleanup()

	cfg, err := config.Load()
	if err != nil {
		zap.L().Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	zap.L().Info("Starting farm reward daemon")

	services, err := common.InitializeServices(ctx, cfg)
	if err != nil {
		zap.L().Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	m := metrics.New()
	guard, closeGuard := newGuard(ctx, cfg.Redis)
	defer closeGuard()
	reporters, closeReporters := newReporters(cfg.Kafka, m)
	defer closeReporters()

	retryPolicy := retry.New(cfg.Cycle.RetryAttempts, cfg.Cycle.RetryBackoff)
	orch := orchestrator.New(orchestrator.Config{
		Accruer:           accrual.NewEngine(services.Store, cfg.Cycle.Workers, retryPolicy),
		Distributor:       referral.NewDistributor(services.Store, services.Policy.Levels, retryPolicy),
		Outbox:            services.Store,
		Guard:             guard,
		Reporters:         []orchestrator.Reporter{reporters},
		Budget:            cfg.Cycle.Budget,
		DistributionBatch: cfg.Cycle.BatchSize,
	})
	maint := maintenance.New(services.Store, cfg.Partitions, m)

	// Today's partition must exist before the first harvest is written.
	if _, err := maint.RunOnce(ctx, time.Now()); err != nil {
		zap.L().Fatal("Initial partition maintenance failed", zap.Error(err))
	}

	if *once {
		report, err := orch.RunCycle(ctx, time.Now())
		if err != nil {
			zap.L().Fatal("Reward cycle failed", zap.Error(err))
		}
		zap.L().Info("Single cycle finished",
			zap.String("cycle_id", report.CycleId),
			zap.String("state", string(report.State)),
			zap.Int("errors", len(report.Errors)))
		return
	}

	loops := []*scheduler.Scheduler{
		scheduler.New(scheduler.Config{
			Name:     "partition-maintenance",
			Interval: cfg.Maintenance.Interval,
			Job:      maint.Tick,
		}),
		scheduler.New(scheduler.Config{
			Name:       "reward-cycle",
			Interval:   cfg.Cycle.Interval,
			Job:        orch.Tick,
			RunOnStart: true,
		}),
	}
	for _, l := range loops {
		l.Start(ctx)
	}

	ops := opsserver.New(cfg.Ops.Addr, api.NewLedgerService(services.Store), orch, m.Registry)
	ops.Start()

	zap.L().Info("Daemon running",
		zap.Duration("cycle_interval", cfg.Cycle.Interval),
		zap.Duration("cycle_budget", cfg.Cycle.Budget),
		zap.String("ops_addr", cfg.Ops.Addr))
	zap.L().Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zap.L().Info("Shutdown signal received, stopping schedulers...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := ops.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("Ops server did not shut down cleanly", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, l := range loops {
			wg.Add(1)
			go func(l *scheduler.Scheduler) {
				defer wg.Done()
				l.Stop()
			}(l)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		zap.L().Info("All schedulers stopped gracefully")
	case <-shutdownCtx.Done():
		zap.L().Warn("Forced shutdown after timeout")
	}
}
